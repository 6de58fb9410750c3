// Package limiter throttles outbound state-sync requests per fence.
package limiter

import (
	"context"
	"sync"
	"time"
)

// Limiter decides whether a state-sync request for a fence may go out now.
type Limiter interface {
	// Allow reports whether a request for fid may be sent and records the
	// send when it may. Otherwise it returns the time left in the window.
	Allow(ctx context.Context, fid int64) (bool, time.Duration, error)
}

// Memory is an in-process Limiter.
type Memory struct {
	mu     sync.Mutex
	window time.Duration
	last   map[int64]time.Time
	now    func() time.Time
}

// NewMemory constructs an in-process limiter. A zero window disables throttling.
func NewMemory(window time.Duration) *Memory {
	return &Memory{window: window, last: make(map[int64]time.Time), now: time.Now}
}

// Allow implements Limiter.
func (m *Memory) Allow(_ context.Context, fid int64) (bool, time.Duration, error) {
	if m.window <= 0 {
		return true, 0, nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	if prev, ok := m.last[fid]; ok {
		if since := now.Sub(prev); since < m.window {
			return false, m.window - since, nil
		}
	}
	m.last[fid] = now
	return true, 0, nil
}
