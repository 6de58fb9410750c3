// Package outbound builds client-originated fence commands and hands them to
// the message-send subsystem.
package outbound

import (
	"context"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"

	"github.com/and161185/fence-sync/internal/command"
	"github.com/and161185/fence-sync/internal/model"
)

// Sender transmits an encoded command addressed to a group. threadHint is
// the local thread the request belongs to, 0 when there is none. It returns
// the thread the request was recorded on.
type Sender interface {
	Send(ctx context.Context, to model.Identity, payload []byte, threadHint int64) (int64, error)
}

// RedisSender appends outbound commands to a Redis stream drained by the
// transport process.
type RedisSender struct {
	rdb    redis.UniversalClient
	stream string
	maxLen int64
}

// NewRedisSender constructs a sender writing to stream. maxLen > 0 caps the
// stream length approximately.
func NewRedisSender(rdb redis.UniversalClient, stream string, maxLen int64) *RedisSender {
	return &RedisSender{rdb: rdb, stream: stream, maxLen: maxLen}
}

func (s *RedisSender) Send(ctx context.Context, to model.Identity, payload []byte, threadHint int64) (int64, error) {
	args := &redis.XAddArgs{
		Stream: s.stream,
		Values: map[string]any{
			"to":      to.String(),
			"thread":  threadHint,
			"payload": payload,
		},
	}
	if s.maxLen > 0 {
		args.MaxLen = s.maxLen
		args.Approx = true
	}
	if err := s.rdb.XAdd(ctx, args).Err(); err != nil {
		return 0, fmt.Errorf("xadd %s: %w", s.stream, err)
	}
	return threadHint, nil
}

// Sent is one request captured by Recorder.
type Sent struct {
	To      model.Identity
	Command *command.Command
	Thread  int64
}

// Recorder is an in-memory Sender that decodes and keeps every request.
type Recorder struct {
	mu   sync.Mutex
	sent []Sent
	err  error
}

// NewRecorder returns an empty recorder.
func NewRecorder() *Recorder { return &Recorder{} }

// FailWith makes subsequent sends fail with err.
func (r *Recorder) FailWith(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.err = err
}

func (r *Recorder) Send(_ context.Context, to model.Identity, payload []byte, threadHint int64) (int64, error) {
	cmd, err := command.Decode(payload)
	if err != nil {
		return 0, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return 0, r.err
	}
	r.sent = append(r.sent, Sent{To: to, Command: cmd, Thread: threadHint})
	return threadHint, nil
}

// Sent returns captured requests in order.
func (r *Recorder) Sent() []Sent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Sent(nil), r.sent...)
}

// Labels returns the "KIND/ARG" label of every captured request.
func (r *Recorder) Labels() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.sent))
	for _, s := range r.sent {
		out = append(out, s.Command.Label())
	}
	return out
}
