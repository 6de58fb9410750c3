// Package inbound feeds fence commands from a Redis stream into the
// reconcile pipeline.
package inbound

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/and161185/fence-sync/internal/service"
)

// Stream entry fields.
const (
	FieldPayload = "payload"
	FieldLocalID = "local_id"
)

// Processor reconciles a batch of envelopes.
type Processor interface {
	ProcessBatch(ctx context.Context, envs []service.Envelope) []service.Outcome
}

// Consumer reads a stream through a consumer group. Every delivered entry is
// acknowledged once processed, failed ones included: failures are logged by
// the pipeline and a retry would hit the same fault.
type Consumer struct {
	rdb   redis.UniversalClient
	proc  Processor
	log   *zap.Logger
	cfg   Config
	sleep func(time.Duration)
}

// Config names the stream, the consumer group and this consumer.
type Config struct {
	Stream   string
	Group    string
	Consumer string
	Count    int64         // entries per read, default 64
	Block    time.Duration // read block, default 2s
}

// NewConsumer constructs a Consumer.
func NewConsumer(rdb redis.UniversalClient, proc Processor, cfg Config, log *zap.Logger) *Consumer {
	if cfg.Count <= 0 {
		cfg.Count = 64
	}
	if cfg.Block <= 0 {
		cfg.Block = 2 * time.Second
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Consumer{rdb: rdb, proc: proc, log: log, cfg: cfg, sleep: time.Sleep}
}

// EnsureGroup creates the stream and the consumer group when missing.
func (c *Consumer) EnsureGroup(ctx context.Context) error {
	err := c.rdb.XGroupCreateMkStream(ctx, c.cfg.Stream, c.cfg.Group, "0").Err()
	if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("create group %s/%s: %w", c.cfg.Stream, c.cfg.Group, err)
	}
	return nil
}

// Poll reads one batch, processes it and acknowledges it. It returns the
// number of entries handled; an empty read is not an error.
func (c *Consumer) Poll(ctx context.Context) (int, error) {
	streams, err := c.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    c.cfg.Group,
		Consumer: c.cfg.Consumer,
		Streams:  []string{c.cfg.Stream, ">"},
		Count:    c.cfg.Count,
		Block:    c.cfg.Block,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("xreadgroup %s: %w", c.cfg.Stream, err)
	}

	var (
		envs []service.Envelope
		ids  []string
	)
	for _, s := range streams {
		for _, msg := range s.Messages {
			ids = append(ids, msg.ID)
			envs = append(envs, c.envelope(msg))
		}
	}
	if len(envs) == 0 {
		return 0, nil
	}

	failed := 0
	for _, o := range c.proc.ProcessBatch(ctx, envs) {
		if o.Err != nil {
			failed++
		}
	}
	if err := c.rdb.XAck(ctx, c.cfg.Stream, c.cfg.Group, ids...).Err(); err != nil {
		return len(envs), fmt.Errorf("xack %s: %w", c.cfg.Stream, err)
	}
	c.log.Debug("batch consumed", zap.Int("entries", len(envs)), zap.Int("failed", failed))
	return len(envs), nil
}

// Run polls until ctx is cancelled. Read errors are logged and retried
// after a short pause.
func (c *Consumer) Run(ctx context.Context) error {
	if err := c.EnsureGroup(ctx); err != nil {
		return err
	}
	c.log.Info("consumer started", zap.String("stream", c.cfg.Stream), zap.String("group", c.cfg.Group))
	for {
		if ctx.Err() != nil {
			return nil
		}
		if _, err := c.Poll(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			c.log.Warn("poll failed", zap.Error(err))
			c.sleep(time.Second)
		}
	}
}

func (c *Consumer) envelope(msg redis.XMessage) service.Envelope {
	env := service.Envelope{ID: msg.ID}
	if v, ok := msg.Values[FieldPayload].(string); ok {
		env.Payload = []byte(v)
	}
	if v, ok := msg.Values[FieldLocalID].(string); ok && v != "" {
		id, err := uuid.FromString(v)
		if err != nil {
			c.log.Warn("bad local id ignored", zap.String("id", msg.ID), zap.String("local_id", v))
		} else {
			env.LocalID = id
		}
	}
	return env
}
