// Package jobs holds the avatar fetch queue. Transfer itself happens in a
// separate worker that drains the queue.
package jobs

import (
	"context"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
)

// AvatarQueue accepts avatar references for background fetching.
// Enqueue is idempotent for repeated identical references.
type AvatarQueue interface {
	Enqueue(ctx context.Context, ref string) error
}

// RedisAvatarQueue is a Redis list with a companion set for deduplication.
type RedisAvatarQueue struct {
	rdb  redis.UniversalClient
	list string
	seen string
}

// NewRedisAvatarQueue constructs a queue stored under key.
func NewRedisAvatarQueue(rdb redis.UniversalClient, key string) *RedisAvatarQueue {
	return &RedisAvatarQueue{rdb: rdb, list: key, seen: key + ":seen"}
}

// Enqueue pushes ref unless it was enqueued before and not yet taken.
func (q *RedisAvatarQueue) Enqueue(ctx context.Context, ref string) error {
	if ref == "" {
		return nil
	}
	added, err := q.rdb.SAdd(ctx, q.seen, ref).Result()
	if err != nil {
		return fmt.Errorf("avatar dedupe: %w", err)
	}
	if added == 0 {
		return nil
	}
	if err := q.rdb.LPush(ctx, q.list, ref).Err(); err != nil {
		_ = q.rdb.SRem(ctx, q.seen, ref).Err()
		return fmt.Errorf("avatar enqueue: %w", err)
	}
	return nil
}

// Take pops the oldest reference. It returns "" when the queue is empty.
// A taken reference may be enqueued again.
func (q *RedisAvatarQueue) Take(ctx context.Context) (string, error) {
	ref, err := q.rdb.RPop(ctx, q.list).Result()
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	if err := q.rdb.SRem(ctx, q.seen, ref).Err(); err != nil {
		return "", err
	}
	return ref, nil
}

// Len reports the number of queued references.
func (q *RedisAvatarQueue) Len(ctx context.Context) (int64, error) {
	return q.rdb.LLen(ctx, q.list).Result()
}

// MemoryAvatarQueue is an in-process AvatarQueue.
type MemoryAvatarQueue struct {
	mu    sync.Mutex
	seen  map[string]struct{}
	queue []string
}

// NewMemoryAvatarQueue returns an empty queue.
func NewMemoryAvatarQueue() *MemoryAvatarQueue {
	return &MemoryAvatarQueue{seen: make(map[string]struct{})}
}

func (q *MemoryAvatarQueue) Enqueue(_ context.Context, ref string) error {
	if ref == "" {
		return nil
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.seen[ref]; ok {
		return nil
	}
	q.seen[ref] = struct{}{}
	q.queue = append(q.queue, ref)
	return nil
}

// Pending returns the queued references in order.
func (q *MemoryAvatarQueue) Pending() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]string(nil), q.queue...)
}
