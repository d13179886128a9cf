package events

import (
	"time"

	"github.com/tutu-network/conductor/internal/domain"
)

// Event is the base interface for all events.
type Event interface {
	EventType() string
	Subject() string
}

// Topic constants
const (
	TopicTask = "task"
	TopicLock = "lock"
)

// Event type constants
const (
	EventTypeTaskScheduled = "task.scheduled"
	EventTypeTaskStarted   = "task.started"
	EventTypeTaskCompleted = "task.completed"
	EventTypeTaskRetrying  = "task.retrying"
	EventTypeTaskFailed    = "task.failed"
	EventTypeTaskCancelled = "task.cancelled"

	EventTypeLockAcquired = "lock.acquired"
	EventTypeLockReleased = "lock.released"
	EventTypeLockExpired  = "lock.expired"
	EventTypeLockForced   = "lock.forced"
)

// TaskScheduled is published once a submission is queued and persisted.
type TaskScheduled struct {
	Task      domain.Task
	Timestamp time.Time
}

func (e TaskScheduled) EventType() string { return EventTypeTaskScheduled }
func (e TaskScheduled) Subject() string   { return e.Task.ID }

// TaskStarted is published when a task is admitted and handed to its executor.
type TaskStarted struct {
	Task      domain.Task
	Timestamp time.Time
}

func (e TaskStarted) EventType() string { return EventTypeTaskStarted }
func (e TaskStarted) Subject() string   { return e.Task.ID }

// TaskCompleted is published when an executor succeeds.
type TaskCompleted struct {
	Task      domain.Task
	Duration  time.Duration
	Timestamp time.Time
}

func (e TaskCompleted) EventType() string { return EventTypeTaskCompleted }
func (e TaskCompleted) Subject() string   { return e.Task.ID }

// TaskRetrying is published when a failed task goes back to the queue.
type TaskRetrying struct {
	Task      domain.Task
	Err       error
	Timestamp time.Time
}

func (e TaskRetrying) EventType() string { return EventTypeTaskRetrying }
func (e TaskRetrying) Subject() string   { return e.Task.ID }

// TaskFailed is published when a task exhausts its retries.
type TaskFailed struct {
	Task      domain.Task
	Err       error
	Timestamp time.Time
}

func (e TaskFailed) EventType() string { return EventTypeTaskFailed }
func (e TaskFailed) Subject() string   { return e.Task.ID }

// TaskCancelled is published when a queued task is cancelled.
type TaskCancelled struct {
	Task      domain.Task
	Timestamp time.Time
}

func (e TaskCancelled) EventType() string { return EventTypeTaskCancelled }
func (e TaskCancelled) Subject() string   { return e.Task.ID }

// LockChanged is published on every session-lock transition. Kind is one of
// the lock.* event types; Lock is the lease the transition concerns.
type LockChanged struct {
	Kind      string
	Lock      domain.Lock
	Timestamp time.Time
}

func (e LockChanged) EventType() string { return e.Kind }
func (e LockChanged) Subject() string   { return e.Lock.Holder }
