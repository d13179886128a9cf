package domain

import (
	"context"
	"encoding/json"
	"time"
)

// ─── Service Interfaces ─────────────────────────────────────────────────────
// These interfaces define boundaries between layers.
// Infrastructure implements them; the scheduler depends on them.

// Executor runs one task kind. It owns all browser, OS and network work and
// takes the session lock itself around any step touching the shared browser.
type Executor interface {
	Execute(ctx context.Context, task Task) (json.RawMessage, error)
}

// ExecutorFunc adapts a function to Executor.
type ExecutorFunc func(ctx context.Context, task Task) (json.RawMessage, error)

// Execute calls f.
func (f ExecutorFunc) Execute(ctx context.Context, task Task) (json.RawMessage, error) {
	return f(ctx, task)
}

// Snapshot is the persisted scheduler state, written wholesale on every
// mutation and read wholesale at startup.
type Snapshot struct {
	Queue     []Task    `json:"queue"`
	Running   []Task    `json:"running,omitempty"`
	Completed []Task    `json:"completed"`
	SavedAt   time.Time `json:"saved_at"`
}

// SnapshotStore abstracts durable storage of the scheduler snapshot.
// LoadSnapshot returns (nil, nil) when nothing was saved yet.
type SnapshotStore interface {
	SaveSnapshot(snap Snapshot) error
	LoadSnapshot() (*Snapshot, error)
}

// AvailabilityReader is the read-only view of the oracle the scheduler uses.
type AvailabilityReader interface {
	Status() AvailabilityStatus
	OnThresholdReached(minBalance int64, fn func(AvailabilityStatus)) (cancel func())
}
