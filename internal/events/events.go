// Package events carries UI-facing signals produced by reconciliation.
package events

import (
	"context"
	"time"
)

// Type names an event.
type Type string

const (
	// GroupDestroyed is published once a group and its thread are deleted locally.
	GroupDestroyed Type = "group_destroyed"
	// RoamingModeChanged is published on geo-based join and leave.
	RoamingModeChanged Type = "roaming_mode_changed"
	// ThreadUpdated is published by notifiers after a persisted mutation.
	ThreadUpdated Type = "thread_updated"
)

// Event is delivered at least once; consumers deduplicate.
type Event struct {
	Type     Type      `json:"type"`
	FenceID  int64     `json:"fid,omitempty"`
	LocalID  string    `json:"local_id,omitempty"`
	ThreadID int64     `json:"thread_id,omitempty"`
	Detail   string    `json:"detail,omitempty"`
	At       time.Time `json:"at"`
}

// Publisher fans events out to subscribers.
type Publisher interface {
	Publish(ctx context.Context, ev Event) error
}

// Notifier signals that a thread changed and should be re-rendered.
type Notifier interface {
	Notify(ctx context.Context, threadID int64) error
}

// Bus is both a Publisher and a Notifier.
type Bus interface {
	Publisher
	Notifier
}
