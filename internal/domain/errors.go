package domain

import "errors"

// ─── Sentinel Errors ────────────────────────────────────────────────────────
// Domain errors are pure: no infrastructure dependency.

var (
	// Submission errors
	ErrMissingName = errors.New("task name is required")
	ErrMissingKind = errors.New("task kind is required")

	// Execution errors
	ErrUnknownKind  = errors.New("no executor registered for task kind")
	ErrTaskPanicked = errors.New("executor panicked")
	ErrSessionBusy  = errors.New("browser session lock not acquired before wait timeout")
	ErrEmptyCommand = errors.New("executor command is empty")

	// Persistence errors
	ErrSnapshotCorrupt = errors.New("persisted scheduler snapshot is corrupt")

	// Credit errors
	ErrInsufficientCredits = errors.New("insufficient credits")
	ErrNonPositiveAmount   = errors.New("credit amount must be positive")
)
