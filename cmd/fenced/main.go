// Command fenced consumes inbound fence commands and reconciles them into
// the local group store.
package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/and161185/fence-sync/internal/app"
	"github.com/and161185/fence-sync/internal/config"
	"github.com/and161185/fence-sync/internal/inbound"
	"github.com/and161185/fence-sync/internal/migrate"
	grpcserver "github.com/and161185/fence-sync/internal/server/grpc"
)

var (
	version   = "dev"
	buildDate = "unknown"
)

// main loads configuration, runs migrations and starts the consumer loop
// next to the health endpoint.
func main() {
	cfgPath := flag.String("config", "", "YAML config file (optional)")
	skipMigrate := flag.Bool("skip-migrate", false, "do not run migrations on start")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	logger, _ := app.NewLogger(cfg.Log.Level)
	defer func() { _ = logger.Sync() }()
	logger.Info("starting",
		zap.String("version", version),
		zap.String("buildDate", buildDate),
		zap.String("self", cfg.Self.UID),
		zap.String("store", cfg.Store),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.Store == config.StorePostgres && !*skipMigrate {
		if err := migrate.Up(ctx, cfg.Database.DSN); err != nil {
			logger.Fatal("migrate up", zap.Error(err))
		}
	}

	a, err := app.Build(ctx, cfg, app.Options{}, logger)
	if err != nil {
		logger.Fatal("build", zap.Error(err))
	}
	defer a.Close()

	lis, err := net.Listen("tcp", cfg.GRPC.Addr)
	if err != nil {
		logger.Fatal("listen", zap.Error(err))
	}
	hs := grpcserver.New(logger.Named("grpc"))

	consumer := inbound.NewConsumer(a.Redis, a.Pipeline, inbound.Config{
		Stream:   cfg.Redis.InboundStream,
		Group:    cfg.Redis.ConsumerGroup,
		Consumer: cfg.Redis.ConsumerName,
	}, logger.Named("inbound"))
	if err := consumer.EnsureGroup(ctx); err != nil {
		logger.Fatal("consumer group", zap.Error(err))
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return hs.Serve(gctx, lis) })
	g.Go(func() error {
		hs.SetServing(true)
		defer hs.SetServing(false)
		return consumer.Run(gctx)
	})
	if err := g.Wait(); err != nil {
		logger.Error("stopped with error", zap.Error(err))
		os.Exit(1)
	}
	logger.Info("shutdown complete")
}
