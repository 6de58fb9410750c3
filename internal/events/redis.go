package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RedisBus publishes events as JSON on a Redis pub/sub channel.
// It implements both Publisher and Notifier.
type RedisBus struct {
	rdb     redis.UniversalClient
	channel string
	log     *zap.Logger
	now     func() time.Time
}

// NewRedisBus constructs a bus bound to channel.
func NewRedisBus(rdb redis.UniversalClient, channel string, log *zap.Logger) *RedisBus {
	if log == nil {
		log = zap.NewNop()
	}
	return &RedisBus{rdb: rdb, channel: channel, log: log, now: time.Now}
}

// Publish marshals ev and publishes it. A zero At is stamped with the current time.
func (b *RedisBus) Publish(ctx context.Context, ev Event) error {
	if ev.At.IsZero() {
		ev.At = b.now().UTC()
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	n, err := b.rdb.Publish(ctx, b.channel, payload).Result()
	if err != nil {
		return fmt.Errorf("publish %s: %w", ev.Type, err)
	}
	b.log.Debug("event published", zap.String("type", string(ev.Type)), zap.Int64("receivers", n))
	return nil
}

// Notify publishes a ThreadUpdated event.
func (b *RedisBus) Notify(ctx context.Context, threadID int64) error {
	return b.Publish(ctx, Event{Type: ThreadUpdated, ThreadID: threadID})
}

// Subscribe decodes events from the channel until ctx is done. Undecodable
// payloads are logged and skipped.
func (b *RedisBus) Subscribe(ctx context.Context, fn func(Event)) error {
	sub := b.rdb.Subscribe(ctx, b.channel)
	defer sub.Close()

	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe %s: %w", b.channel, err)
	}
	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var ev Event
			if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
				b.log.Warn("bad event payload", zap.Error(err))
				continue
			}
			fn(ev)
		}
	}
}
