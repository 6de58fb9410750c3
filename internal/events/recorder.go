package events

import (
	"context"
	"sync"
)

// Recorder keeps published events and notified threads in memory.
type Recorder struct {
	mu      sync.Mutex
	events  []Event
	threads []int64
}

// NewRecorder returns an empty recorder.
func NewRecorder() *Recorder { return &Recorder{} }

func (r *Recorder) Publish(_ context.Context, ev Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

func (r *Recorder) Notify(_ context.Context, threadID int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.threads = append(r.threads, threadID)
	return nil
}

// Events returns a copy of every published event.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// Count returns how many events of type t were published.
func (r *Recorder) Count(t Type) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, ev := range r.events {
		if ev.Type == t {
			n++
		}
	}
	return n
}

// Notified returns the notified thread ids in call order.
func (r *Recorder) Notified() []int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]int64(nil), r.threads...)
}
