package scheduler

import (
	"sort"

	"github.com/tutu-network/conductor/internal/domain"
)

// ─── Pending Queue ──────────────────────────────────────────────────────────

// taskQueue holds pending and waiting tasks. Submissions are inserted in
// (priority asc, createdAt asc) order; retries are appended at the tail, so
// the queue as a whole is not guaranteed sorted.
type taskQueue struct {
	tasks []*domain.Task
}

// before reports whether a should be admitted ahead of b.
func before(a, b *domain.Task) bool {
	if a.Priority != b.Priority {
		return a.Priority < b.Priority
	}
	return a.CreatedAt.Before(b.CreatedAt)
}

// insert places t ahead of the first task it should precede. Equal keys keep
// arrival order.
func (q *taskQueue) insert(t *domain.Task) {
	i := len(q.tasks)
	for j, other := range q.tasks {
		if before(t, other) {
			i = j
			break
		}
	}
	q.tasks = append(q.tasks, nil)
	copy(q.tasks[i+1:], q.tasks[i:])
	q.tasks[i] = t
}

func (q *taskQueue) pushBack(t *domain.Task) {
	q.tasks = append(q.tasks, t)
}

func (q *taskQueue) find(id string) *domain.Task {
	for _, t := range q.tasks {
		if t.ID == id {
			return t
		}
	}
	return nil
}

// remove deletes the task with id and returns it, or nil.
func (q *taskQueue) remove(id string) *domain.Task {
	for i, t := range q.tasks {
		if t.ID == id {
			q.tasks = append(q.tasks[:i], q.tasks[i+1:]...)
			return t
		}
	}
	return nil
}

func (q *taskQueue) len() int { return len(q.tasks) }

// ─── Completed History ──────────────────────────────────────────────────────

// history keeps terminal tasks in the order they finished, evicting the
// oldest once limit is exceeded.
type history struct {
	tasks []*domain.Task
	limit int
}

func (h *history) add(t *domain.Task) {
	h.tasks = append(h.tasks, t)
	if h.limit > 0 && len(h.tasks) > h.limit {
		evict := len(h.tasks) - h.limit
		clear(h.tasks[:evict])
		h.tasks = h.tasks[evict:]
	}
}

func (h *history) find(id string) *domain.Task {
	for i := len(h.tasks) - 1; i >= 0; i-- {
		if h.tasks[i].ID == id {
			return h.tasks[i]
		}
	}
	return nil
}

func (h *history) remove(id string) *domain.Task {
	for i, t := range h.tasks {
		if t.ID == id {
			h.tasks = append(h.tasks[:i], h.tasks[i+1:]...)
			return t
		}
	}
	return nil
}

// completed reports whether id finished successfully.
func (h *history) completed(id string) bool {
	t := h.find(id)
	return t != nil && t.Status == domain.TaskCompleted
}

// recent returns up to n tasks, most recently completed first. n <= 0 means all.
func (h *history) recent(n int) []domain.Task {
	out := cloneAll(h.tasks)
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CompletedAt.After(out[j].CompletedAt)
	})
	if n > 0 && len(out) > n {
		out = out[:n]
	}
	return out
}

func cloneAll(tasks []*domain.Task) []domain.Task {
	out := make([]domain.Task, 0, len(tasks))
	for _, t := range tasks {
		out = append(out, t.Clone())
	}
	return out
}
