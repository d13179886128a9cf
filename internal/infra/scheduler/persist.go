package scheduler

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/tutu-network/conductor/internal/domain"
	"github.com/tutu-network/conductor/internal/infra/metrics"
)

// newTaskID returns "task_" + a UUIDv7: a millisecond timestamp followed by
// random bits, so ids from processes restarted within the same millisecond
// never collide.
func newTaskID() string {
	id, err := uuid.NewV7()
	if err != nil {
		id = uuid.New()
	}
	return "task_" + id.String()
}

// ─── Persistence ────────────────────────────────────────────────────────────

// persistLocked writes the full state. Failures are logged and counted; the
// in-memory change that triggered the write stands.
func (s *Scheduler) persistLocked() {
	if s.store == nil {
		return
	}
	running := make([]*domain.Task, 0, len(s.running))
	for _, t := range s.running {
		running = append(running, t)
	}
	snap := domain.Snapshot{
		Queue:     cloneAll(s.queue.tasks),
		Running:   cloneAll(running),
		Completed: cloneAll(s.history.tasks),
		SavedAt:   s.now(),
	}
	if err := s.store.SaveSnapshot(snap); err != nil {
		metrics.SnapshotWriteErrors.Inc()
		s.logger.Error("persist scheduler state", "error", err)
	}
}

// load restores the last snapshot. A corrupt snapshot is logged and the
// scheduler starts empty; the store keeps the bad document aside. Any other
// read error is returned so the next write cannot overwrite state that was
// never loaded. Tasks that were running when the process died are
// requeued as pending at the queue tail; waiting tasks become pending so the
// next tick re-evaluates them and registers fresh oracle hooks.
func (s *Scheduler) load() error {
	if s.store == nil {
		return nil
	}
	snap, err := s.store.LoadSnapshot()
	if errors.Is(err, domain.ErrSnapshotCorrupt) {
		s.logger.Error("scheduler snapshot corrupt, starting empty", "error", err)
		return nil
	}
	if err != nil {
		return fmt.Errorf("load scheduler snapshot: %w", err)
	}
	if snap == nil {
		return nil
	}

	seen := make(map[string]bool)
	accept := func(t domain.Task) (*domain.Task, bool) {
		if t.ID == "" || seen[t.ID] {
			return nil, false
		}
		seen[t.ID] = true
		c := t.Clone()
		return &c, true
	}

	// History first so a task listed twice keeps its terminal record.
	for _, t := range snap.Completed {
		if c, ok := accept(t); ok && c.IsTerminal() {
			s.history.add(c)
		}
	}

	var recovered []*domain.Task
	for _, t := range snap.Queue {
		c, ok := accept(t)
		if !ok {
			continue
		}
		switch {
		case c.IsTerminal():
			s.history.add(c)
		case c.Status == domain.TaskRunning:
			recovered = append(recovered, c)
		default:
			c.Status = domain.TaskPending
			s.queue.pushBack(c)
		}
	}
	for _, t := range snap.Running {
		if c, ok := accept(t); ok {
			recovered = append(recovered, c)
		}
	}
	for _, t := range recovered {
		t.Status = domain.TaskPending
		t.StartedAt = time.Time{}
		s.queue.pushBack(t)
		s.logger.Warn("recovered task interrupted by shutdown", "task", t.ID, "name", t.Name)
	}

	metrics.QueueDepth.Set(float64(s.queue.len()))
	s.logger.Info("scheduler state restored", "queued", s.queue.len(), "history", len(s.history.tasks),
		"recovered", len(recovered), "saved_at", snap.SavedAt)
	if len(recovered) > 0 {
		s.persistLocked()
	}
	return nil
}
