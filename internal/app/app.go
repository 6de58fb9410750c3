// Package app wires the fence stores, collaborators and engines from a
// loaded configuration. Both binaries build on it.
package app

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/and161185/fence-sync/internal/bulksync"
	"github.com/and161185/fence-sync/internal/config"
	"github.com/and161185/fence-sync/internal/events"
	"github.com/and161185/fence-sync/internal/jobs"
	"github.com/and161185/fence-sync/internal/limiter"
	"github.com/and161185/fence-sync/internal/outbound"
	"github.com/and161185/fence-sync/internal/reconcile"
	"github.com/and161185/fence-sync/internal/repository"
	"github.com/and161185/fence-sync/internal/repository/memory"
	"github.com/and161185/fence-sync/internal/repository/postgres"
	"github.com/and161185/fence-sync/internal/resolve"
	"github.com/and161185/fence-sync/internal/service"
)

// App holds the wired components.
type App struct {
	Groups   repository.GroupRepository
	Threads  repository.ThreadRepository
	Messages repository.MessageRepository

	Reconciler *reconcile.Reconciler
	Pipeline   *service.Pipeline
	Requests   *outbound.Builder
	Bulk       *bulksync.Engine

	// Redis is nil in dry runs.
	Redis redis.UniversalClient
	// Sent and Events capture collaborator traffic in dry runs, nil otherwise.
	Sent   *outbound.Recorder
	Events *events.Recorder

	closers []func()
}

// Options tunes Build.
type Options struct {
	// DryRun keeps everything in memory: memory store, recorded requests
	// and events, no Redis.
	DryRun bool
}

// NewLogger builds the production logger, or the development one for level "debug".
func NewLogger(level string) (*zap.Logger, error) {
	if level == "debug" {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

// Build connects the configured store and collaborators.
func Build(ctx context.Context, cfg config.Config, opt Options, log *zap.Logger) (*App, error) {
	if log == nil {
		log = zap.NewNop()
	}
	a := &App{}

	var lim limiter.Limiter
	switch {
	case opt.DryRun || cfg.Store == config.StoreMemory:
		st := memory.New()
		a.Groups, a.Threads, a.Messages = st.Groups(), st.Threads(), st.Messages()
		lim = limiter.NewMemory(cfg.Sync.ResyncWindow)
	default:
		db, err := postgres.New(ctx, cfg.Database.DSN)
		if err != nil {
			return nil, fmt.Errorf("postgres: %w", err)
		}
		a.closers = append(a.closers, db.Close)
		a.Groups = postgres.NewGroupRepo(db)
		a.Threads = postgres.NewThreadRepo(db)
		a.Messages = postgres.NewMessageRepo(db)
		lim = limiter.NewPGWithQuerier(db.Pool, cfg.Sync.ResyncWindow)
	}

	var (
		sender  outbound.Sender
		bus     events.Bus
		avatars reconcile.AvatarQueue
	)
	if opt.DryRun {
		a.Sent, a.Events = outbound.NewRecorder(), events.NewRecorder()
		sender, bus, avatars = a.Sent, a.Events, jobs.NewMemoryAvatarQueue()
	} else {
		ropts, err := redis.ParseURL(cfg.Redis.URL)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("redis url: %w", err)
		}
		rdb := redis.NewClient(ropts)
		a.closers = append(a.closers, func() { _ = rdb.Close() })
		a.Redis = rdb
		sender = outbound.NewRedisSender(rdb, cfg.Redis.OutboundStream, cfg.Redis.OutboundMaxLen)
		bus = events.NewRedisBus(rdb, cfg.Redis.EventsChannel, log)
		avatars = jobs.NewRedisAvatarQueue(rdb, cfg.Redis.AvatarQueue)
	}

	a.Requests = outbound.NewBuilder(sender, a.Groups, a.Threads, a.Messages, lim, cfg.Self.UID, log.Named("outbound"))
	a.Reconciler = reconcile.New(reconcile.Deps{
		Groups:   a.Groups,
		Threads:  a.Threads,
		Messages: a.Messages,
		Requests: a.Requests,
		Avatars:  avatars,
		Bus:      bus,
		Notifier: bus,
		Self:     cfg.Self.UID,
		Log:      log.Named("reconcile"),
	})
	a.Pipeline = service.NewPipeline(a.Reconciler, resolve.New(a.Groups, log.Named("resolve")), cfg.Sync.Workers, log.Named("pipeline"))
	a.Bulk = bulksync.New(a.Groups, a.Threads, a.Requests, cfg.Self.UID, log.Named("bulksync"))
	return a, nil
}

// Close releases connections in reverse order.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
