// Package grpcserver exposes the fence daemon's gRPC health endpoint.
package grpcserver

import (
	"context"
	"net"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// ServiceName is the health service name reporting the consumer loop.
const ServiceName = "fence.Sync"

// Server is a gRPC server carrying the standard health service. The overall
// status and ServiceName start NOT_SERVING until SetServing(true).
type Server struct {
	srv    *grpc.Server
	health *health.Server
	log    *zap.Logger
	grace  time.Duration
}

// New constructs the server with recover and logging interceptors.
func New(log *zap.Logger, opts ...grpc.ServerOption) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	opts = append(opts,
		grpc.ChainUnaryInterceptor(RecoverUnary(log), LoggingUnary(log)),
		grpc.ChainStreamInterceptor(RecoverStream(log), LoggingStream(log)),
	)
	s := &Server{
		srv:    grpc.NewServer(opts...),
		health: health.NewServer(),
		log:    log,
		grace:  5 * time.Second,
	}
	healthpb.RegisterHealthServer(s.srv, s.health)
	s.SetServing(false)
	return s
}

// SetServing flips the reported status of ServiceName and of the server.
func (s *Server) SetServing(ok bool) {
	st := healthpb.HealthCheckResponse_NOT_SERVING
	if ok {
		st = healthpb.HealthCheckResponse_SERVING
	}
	s.health.SetServingStatus("", st)
	s.health.SetServingStatus(ServiceName, st)
}

// Serve accepts on lis until ctx is done, then stops gracefully, forcing
// the stop after the grace period.
func (s *Server) Serve(ctx context.Context, lis net.Listener) error {
	errCh := make(chan error, 1)
	go func() {
		s.log.Info("listening", zap.String("addr", lis.Addr().String()))
		errCh <- s.srv.Serve(lis)
	}()

	select {
	case <-ctx.Done():
		s.health.Shutdown()
		done := make(chan struct{})
		go func() {
			s.srv.GracefulStop()
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(s.grace):
			s.srv.Stop()
		}
		return nil
	case err := <-errCh:
		return err
	}
}
