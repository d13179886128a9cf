// Package domain holds the core types shared by the scheduler, the session
// lock and the availability oracle. Domain types are pure: no infrastructure
// dependency.
package domain

import (
	"encoding/json"
	"time"
)

// TaskStatus tracks task lifecycle.
type TaskStatus string

const (
	TaskPending   TaskStatus = "pending"
	TaskWaiting   TaskStatus = "waiting" // resource requirement not met yet
	TaskRunning   TaskStatus = "running"
	TaskCompleted TaskStatus = "completed"
	TaskFailed    TaskStatus = "failed"
	TaskCancelled TaskStatus = "cancelled"
)

// TaskKind selects the executor that handles a task.
type TaskKind string

const (
	KindGenerate         TaskKind = "generate"
	KindMessagingSession TaskKind = "messaging_session"
	KindResearchScrape   TaskKind = "research_scrape"
	KindPublishDrain     TaskKind = "publish_drain"
)

// DefaultPriority is assigned when a submission leaves Priority at zero.
const DefaultPriority = 3

// ResourceRequirements is the soft admission constraint of a task.
// It is evaluated lazily at admission time against the oracle's last
// known status.
type ResourceRequirements struct {
	MinCredits       int64  `json:"min_credits,omitempty"`
	Platform         string `json:"platform,omitempty"`
	ExclusiveSession bool   `json:"exclusive_session,omitempty"`
}

// Task is a unit of schedulable work.
type Task struct {
	ID           string                `json:"id"`
	Name         string                `json:"name"`
	Kind         TaskKind              `json:"kind"`
	Priority     int                   `json:"priority"`
	ScheduledFor time.Time             `json:"scheduled_for"`
	Dependencies []string              `json:"dependencies,omitempty"`
	Requirements *ResourceRequirements `json:"requirements,omitempty"`
	Status       TaskStatus            `json:"status"`
	RetryCount   int                   `json:"retry_count"`
	MaxRetries   int                   `json:"max_retries"`
	Payload      json.RawMessage       `json:"payload,omitempty"`
	Result       json.RawMessage       `json:"result,omitempty"`
	Error        string                `json:"error,omitempty"`
	CreatedAt    time.Time             `json:"created_at"`
	StartedAt    time.Time             `json:"started_at,omitzero"`
	CompletedAt  time.Time             `json:"completed_at,omitzero"`
}

// IsTerminal returns true if the task has reached a final state.
func (t *Task) IsTerminal() bool {
	return t.Status == TaskCompleted || t.Status == TaskFailed || t.Status == TaskCancelled
}

// Duration returns how long the task took to execute (0 if not started/completed).
func (t *Task) Duration() time.Duration {
	if t.StartedAt.IsZero() || t.CompletedAt.IsZero() {
		return 0
	}
	return t.CompletedAt.Sub(t.StartedAt)
}

// Clone returns a deep copy safe to hand out of the scheduler.
func (t Task) Clone() Task {
	c := t
	if t.Dependencies != nil {
		c.Dependencies = append([]string(nil), t.Dependencies...)
	}
	if t.Requirements != nil {
		r := *t.Requirements
		c.Requirements = &r
	}
	if t.Payload != nil {
		c.Payload = append(json.RawMessage(nil), t.Payload...)
	}
	if t.Result != nil {
		c.Result = append(json.RawMessage(nil), t.Result...)
	}
	return c
}
