// Package scheduler admits, runs, retries and persists browser-bound tasks.
//
// Core concepts:
//   - Queue: pending work ordered by priority (lower first) then age
//   - Admission tick: one pass picks at most one eligible task; ticks never overlap
//   - Dependencies: a task waits until every dependency is completed in history
//   - Soft requirements: unmet credit/platform needs flip a task to waiting
//     until the availability oracle reports the threshold again
//   - Quiet hours and a concurrency cap suppress admission globally
//   - Every mutation is snapshotted to the store; writes are best-effort
//
// Executors run asynchronously. The scheduler only reconciles their outcome.
package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/tutu-network/conductor/internal/domain"
	"github.com/tutu-network/conductor/internal/events"
	"github.com/tutu-network/conductor/internal/infra/metrics"
)

// ─── Configuration ──────────────────────────────────────────────────────────

// Config configures the scheduler.
type Config struct {
	TickInterval      time.Duration // admission interval (default 5s)
	MaxConcurrent     int           // running-set cap (default 1)
	DefaultMaxRetries int           // applied when a submission leaves MaxRetries at 0
	QuietHours        QuietHours    // no admission inside this window
	HistoryCap        int           // completed-history ring size (default 200)
	RetryBaseDelay    time.Duration // first retry delay; 0 retries immediately
	RetryMaxDelay     time.Duration // cap on the retry delay
	TaskTimeout       time.Duration // per-execution deadline; 0 means none
}

// DefaultConfig returns production scheduler defaults.
func DefaultConfig() Config {
	return Config{
		TickInterval:      5 * time.Second,
		MaxConcurrent:     1,
		DefaultMaxRetries: 3,
		HistoryCap:        200,
		RetryBaseDelay:    15 * time.Second,
		RetryMaxDelay:     10 * time.Minute,
	}
}

// ─── Collaborators ──────────────────────────────────────────────────────────

// Oracle is the availability view the scheduler reads and whose refresh loop
// it drives from Start/Stop.
type Oracle interface {
	domain.AvailabilityReader
	Start(ctx context.Context)
	Stop()
}

// ExecutorRegistry resolves the executor for a task kind.
type ExecutorRegistry interface {
	Lookup(kind domain.TaskKind) (domain.Executor, bool)
}

// SubmitSpec describes a new task. Zero values take defaults: Priority 3,
// ScheduledFor now, MaxRetries from Config. A negative MaxRetries disables
// retries.
type SubmitSpec struct {
	Name         string                       `json:"name"`
	Kind         domain.TaskKind              `json:"kind"`
	Priority     int                          `json:"priority,omitempty"`
	ScheduledFor time.Time                    `json:"scheduled_for,omitzero"`
	Dependencies []string                     `json:"dependencies,omitempty"`
	Requirements *domain.ResourceRequirements `json:"requirements,omitempty"`
	MaxRetries   int                          `json:"max_retries,omitempty"`
	Payload      json.RawMessage              `json:"payload,omitempty"`
}

// ─── Scheduler ──────────────────────────────────────────────────────────────

// Scheduler owns the queue, the running set and the completed history.
// No other component mutates them.
type Scheduler struct {
	mu        sync.Mutex
	config    Config
	store     domain.SnapshotStore
	oracle    Oracle
	executors ExecutorRegistry

	queue   taskQueue
	running map[string]*domain.Task
	history history
	watches map[string]func() // waiting task id → cancel of its oracle hook

	now      func() time.Time
	events   events.Publisher
	logger   *slog.Logger
	inflight sync.WaitGroup
	kick     chan struct{}

	runMu   sync.Mutex
	started bool
	paused  bool
	baseCtx context.Context
	cancel  context.CancelFunc
	done    chan struct{}
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithClock replaces time.Now for timestamps, eligibility and quiet hours.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

// WithEvents publishes task lifecycle events on p.
func WithEvents(p events.Publisher) Option {
	return func(s *Scheduler) { s.events = p }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Scheduler) { s.logger = l }
}

// New creates a scheduler and loads any prior snapshot from store. store,
// oracle and executors may be nil: nothing is persisted, every requirement
// is judged against an empty availability, and every kind is unknown.
// It fails when the snapshot cannot be read for any reason but corruption.
func New(cfg Config, store domain.SnapshotStore, oracle Oracle, executors ExecutorRegistry, opts ...Option) (*Scheduler, error) {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 1
	}
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = DefaultConfig().TickInterval
	}
	if cfg.HistoryCap <= 0 {
		cfg.HistoryCap = DefaultConfig().HistoryCap
	}
	s := &Scheduler{
		config:    cfg,
		store:     store,
		oracle:    oracle,
		executors: executors,
		running:   make(map[string]*domain.Task),
		history:   history{limit: cfg.HistoryCap},
		watches:   make(map[string]func()),
		now:       time.Now,
		events:    events.Discard,
		logger:    slog.Default(),
		kick:      make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "scheduler")
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

// ─── Submit / Cancel / Requeue ──────────────────────────────────────────────

// Submit validates spec, queues the task at its sorted position, persists and
// returns the new task id.
func (s *Scheduler) Submit(spec SubmitSpec) (string, error) {
	if strings.TrimSpace(spec.Name) == "" {
		return "", domain.ErrMissingName
	}
	if spec.Kind == "" {
		return "", domain.ErrMissingKind
	}

	s.mu.Lock()
	now := s.now()
	t := &domain.Task{
		ID:           newTaskID(),
		Name:         spec.Name,
		Kind:         spec.Kind,
		Priority:     spec.Priority,
		ScheduledFor: spec.ScheduledFor,
		Status:       domain.TaskPending,
		MaxRetries:   spec.MaxRetries,
		CreatedAt:    now,
	}
	if t.Priority <= 0 {
		t.Priority = domain.DefaultPriority
	}
	if t.ScheduledFor.IsZero() {
		t.ScheduledFor = now
	}
	switch {
	case t.MaxRetries == 0:
		t.MaxRetries = s.config.DefaultMaxRetries
	case t.MaxRetries < 0:
		t.MaxRetries = 0
	}
	if len(spec.Dependencies) > 0 {
		t.Dependencies = append([]string(nil), spec.Dependencies...)
	}
	if spec.Requirements != nil {
		req := *spec.Requirements
		t.Requirements = &req
	}
	if spec.Payload != nil {
		t.Payload = append(json.RawMessage(nil), spec.Payload...)
	}

	s.queue.insert(t)
	metrics.TasksScheduled.WithLabelValues(string(t.Kind)).Inc()
	metrics.QueueDepth.Set(float64(s.queue.len()))
	s.persistLocked()
	s.events.Publish(events.TopicTask, events.TaskScheduled{Task: t.Clone(), Timestamp: now})
	s.mu.Unlock()

	s.logger.Info("task scheduled", "task", t.ID, "name", t.Name, "kind", t.Kind, "priority", t.Priority)
	s.kickLoop()
	return t.ID, nil
}

// Cancel cancels a queued task. Running and terminal tasks are not
// cancellable and report false, as does an unknown id.
func (s *Scheduler) Cancel(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	t := s.queue.remove(id)
	if t == nil {
		return false
	}
	s.unwatchLocked(id)
	now := s.now()
	t.Status = domain.TaskCancelled
	t.CompletedAt = now
	s.history.add(t)
	metrics.QueueDepth.Set(float64(s.queue.len()))
	s.persistLocked()
	s.events.Publish(events.TopicTask, events.TaskCancelled{Task: t.Clone(), Timestamp: now})
	s.logger.Info("task cancelled", "task", id)
	return true
}

// Requeue puts a task back in line: a waiting task becomes pending in place,
// a failed or cancelled task leaves history and is appended at the queue tail
// with its retry budget restored. Running and completed tasks report false.
func (s *Scheduler) Requeue(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if t := s.queue.find(id); t != nil {
		if t.Status != domain.TaskWaiting {
			return false
		}
		s.unwatchLocked(id)
		t.Status = domain.TaskPending
		s.persistLocked()
		s.logger.Info("waiting task requeued", "task", id)
		s.kickLoop()
		return true
	}

	t := s.history.find(id)
	if t == nil || (t.Status != domain.TaskFailed && t.Status != domain.TaskCancelled) {
		return false
	}
	s.history.remove(id)
	now := s.now()
	t.Status = domain.TaskPending
	t.RetryCount = 0
	t.Error = ""
	t.Result = nil
	t.ScheduledFor = now
	t.StartedAt = time.Time{}
	t.CompletedAt = time.Time{}
	s.queue.pushBack(t)
	metrics.QueueDepth.Set(float64(s.queue.len()))
	s.persistLocked()
	s.events.Publish(events.TopicTask, events.TaskScheduled{Task: t.Clone(), Timestamp: now})
	s.logger.Info("terminal task requeued", "task", id)
	s.kickLoop()
	return true
}

// ─── Admission ──────────────────────────────────────────────────────────────

// Tick runs one admission pass. It admits at most one task: the first in
// queue order that is due, not waiting, has every dependency completed and
// whose requirements the oracle currently satisfies. Tasks failing only the
// requirement check are flipped to waiting and skipped.
func (s *Scheduler) Tick(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.running) >= s.config.MaxConcurrent {
		return
	}
	now := s.now()
	if s.config.QuietHours.Contains(now) {
		s.logger.Debug("quiet hours, admission suspended", "hour", now.Hour())
		return
	}

	avail := s.availability()
	flipped := false
	var next *domain.Task
	for _, t := range s.queue.tasks {
		if t.Status == domain.TaskWaiting || t.ScheduledFor.After(now) || !s.dependenciesMetLocked(t) {
			continue
		}
		if !avail.Satisfies(t.Requirements) {
			t.Status = domain.TaskWaiting
			s.watchLocked(t)
			flipped = true
			s.logger.Info("task waiting for resources", "task", t.ID, "min_credits", t.Requirements.MinCredits,
				"platform", t.Requirements.Platform, "balance", avail.Balance)
			continue
		}
		next = t
		break
	}

	if next == nil {
		if flipped {
			s.persistLocked()
		}
		return
	}
	s.admitLocked(ctx, next, now)
}

func (s *Scheduler) dependenciesMetLocked(t *domain.Task) bool {
	for _, dep := range t.Dependencies {
		if !s.history.completed(dep) {
			return false
		}
	}
	return true
}

func (s *Scheduler) availability() domain.AvailabilityStatus {
	if s.oracle == nil {
		return domain.AvailabilityStatus{}
	}
	return s.oracle.Status()
}

// admitLocked moves t from the queue to the running set and starts its executor.
func (s *Scheduler) admitLocked(ctx context.Context, t *domain.Task, now time.Time) {
	s.queue.remove(t.ID)
	t.Status = domain.TaskRunning
	t.StartedAt = now
	s.running[t.ID] = t

	metrics.QueueDepth.Set(float64(s.queue.len()))
	metrics.TasksActive.Set(float64(len(s.running)))
	metrics.TaskAdmitLatency.Observe(now.Sub(t.CreatedAt).Seconds())
	s.persistLocked()

	snapshot := t.Clone()
	s.events.Publish(events.TopicTask, events.TaskStarted{Task: snapshot, Timestamp: now})
	s.logger.Info("task started", "task", t.ID, "kind", t.Kind, "attempt", t.RetryCount+1)

	s.inflight.Add(1)
	go s.execute(context.WithoutCancel(ctx), snapshot)
}

// ─── Execution ──────────────────────────────────────────────────────────────

func (s *Scheduler) execute(ctx context.Context, task domain.Task) {
	defer s.inflight.Done()

	if s.config.TaskTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.config.TaskTimeout)
		defer cancel()
	}
	result, err := s.invoke(ctx, task)
	s.finish(task.ID, result, err)
	s.kickLoop()
}

// invoke runs the executor for task.Kind, converting a panic into an error.
func (s *Scheduler) invoke(ctx context.Context, task domain.Task) (result json.RawMessage, err error) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("executor panicked", "task", task.ID, "kind", task.Kind, "panic", r, "stack", string(debug.Stack()))
			result, err = nil, fmt.Errorf("%w: %v", domain.ErrTaskPanicked, r)
		}
	}()

	var exec domain.Executor
	ok := false
	if s.executors != nil {
		exec, ok = s.executors.Lookup(task.Kind)
	}
	if !ok {
		return nil, fmt.Errorf("%w: %q", domain.ErrUnknownKind, task.Kind)
	}
	return exec.Execute(ctx, task)
}

// finish reconciles an executor outcome: completed, retried at the queue
// tail, or terminally failed.
func (s *Scheduler) finish(id string, result json.RawMessage, execErr error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.running[id]
	if !ok {
		s.logger.Warn("outcome for task not in running set dropped", "task", id)
		return
	}
	delete(s.running, id)
	now := s.now()
	kind := string(t.Kind)
	metrics.TasksActive.Set(float64(len(s.running)))
	metrics.TaskDuration.WithLabelValues(kind).Observe(now.Sub(t.StartedAt).Seconds())

	if execErr == nil {
		t.Status = domain.TaskCompleted
		t.Result = result
		t.Error = ""
		t.CompletedAt = now
		s.history.add(t)
		metrics.TasksCompleted.WithLabelValues(kind).Inc()
		s.persistLocked()
		s.events.Publish(events.TopicTask, events.TaskCompleted{Task: t.Clone(), Duration: t.Duration(), Timestamp: now})
		s.logger.Info("task completed", "task", id, "duration", t.Duration())
		return
	}

	t.RetryCount++
	t.Error = execErr.Error()
	if t.RetryCount < t.MaxRetries {
		delay := retryDelay(s.config.RetryBaseDelay, s.config.RetryMaxDelay, t.RetryCount)
		t.Status = domain.TaskPending
		t.StartedAt = time.Time{}
		t.ScheduledFor = now.Add(delay)
		s.queue.pushBack(t)
		metrics.TasksRetried.WithLabelValues(kind).Inc()
		metrics.QueueDepth.Set(float64(s.queue.len()))
		s.persistLocked()
		s.events.Publish(events.TopicTask, events.TaskRetrying{Task: t.Clone(), Err: execErr, Timestamp: now})
		s.logger.Warn("task failed, retrying", "task", id, "retry", t.RetryCount, "max_retries", t.MaxRetries,
			"delay", delay, "error", execErr)
		return
	}

	// A task allowed no retries still ran once.
	if t.RetryCount > t.MaxRetries {
		t.RetryCount = t.MaxRetries
	}
	t.Status = domain.TaskFailed
	t.CompletedAt = now
	s.history.add(t)
	metrics.TasksFailed.WithLabelValues(kind).Inc()
	s.persistLocked()
	s.events.Publish(events.TopicTask, events.TaskFailed{Task: t.Clone(), Err: execErr, Timestamp: now})
	s.logger.Error("task failed", "task", id, "retries", t.RetryCount, "error", execErr)
}

// Wait blocks until every executor started so far has returned and its
// outcome has been reconciled.
func (s *Scheduler) Wait() {
	s.inflight.Wait()
}

// ─── Waiting Tasks ──────────────────────────────────────────────────────────

// watchLocked asks the oracle to wake t once its credit threshold is met.
// A platform-only requirement registers a zero threshold, so the task is
// re-evaluated after the next refresh.
func (s *Scheduler) watchLocked(t *domain.Task) {
	if s.oracle == nil {
		return
	}
	if _, ok := s.watches[t.ID]; ok {
		return
	}
	id := t.ID
	var threshold int64
	if t.Requirements != nil {
		threshold = t.Requirements.MinCredits
	}
	s.watches[id] = s.oracle.OnThresholdReached(threshold, func(domain.AvailabilityStatus) {
		s.wake(id)
	})
}

func (s *Scheduler) unwatchLocked(id string) {
	if cancel, ok := s.watches[id]; ok {
		delete(s.watches, id)
		cancel()
	}
}

// wake flips a waiting task back to pending.
func (s *Scheduler) wake(id string) {
	s.mu.Lock()
	delete(s.watches, id)
	t := s.queue.find(id)
	if t == nil || t.Status != domain.TaskWaiting {
		s.mu.Unlock()
		return
	}
	t.Status = domain.TaskPending
	s.persistLocked()
	s.mu.Unlock()

	s.logger.Info("resources available, task pending again", "task", id)
	s.kickLoop()
}

// ─── Lifecycle ──────────────────────────────────────────────────────────────

// Start starts the oracle refresh and the admission loop, ticking once
// immediately. A second call while started is a no-op.
func (s *Scheduler) Start(ctx context.Context) {
	s.runMu.Lock()
	defer s.runMu.Unlock()
	s.startLocked(ctx)
}

func (s *Scheduler) startLocked(ctx context.Context) {
	if s.started {
		s.logger.Info("scheduler already started")
		return
	}
	s.started = true
	s.paused = false
	s.baseCtx = ctx
	if s.oracle != nil {
		s.oracle.Start(ctx)
	}
	s.startLoopLocked()
	s.logger.Info("scheduler started", "tick", s.config.TickInterval, "max_concurrent", s.config.MaxConcurrent)
}

// Stop halts admission and the oracle. Queue state is kept and running
// executors finish on their own.
func (s *Scheduler) Stop() {
	s.runMu.Lock()
	defer s.runMu.Unlock()

	if !s.started {
		return
	}
	s.stopLoopLocked()
	if s.oracle != nil {
		s.oracle.Stop()
	}
	s.started = false
	s.paused = false
	s.logger.Info("scheduler stopped")
}

// Pause halts admission only; the oracle keeps refreshing.
func (s *Scheduler) Pause() {
	s.runMu.Lock()
	defer s.runMu.Unlock()

	if !s.started || s.paused {
		return
	}
	s.stopLoopLocked()
	s.paused = true
	s.logger.Info("scheduler paused")
}

// Resume restarts admission after Pause, or behaves like Start when stopped.
func (s *Scheduler) Resume(ctx context.Context) {
	s.runMu.Lock()
	defer s.runMu.Unlock()
	if !s.started {
		s.startLocked(ctx)
		return
	}
	if !s.paused {
		return
	}
	s.paused = false
	s.baseCtx = ctx
	s.startLoopLocked()
	s.logger.Info("scheduler resumed")
}

func (s *Scheduler) startLoopLocked() {
	ctx, cancel := context.WithCancel(s.baseCtx)
	s.cancel = cancel
	s.done = make(chan struct{})
	go s.loop(ctx, s.done)
}

func (s *Scheduler) stopLoopLocked() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
	s.cancel, s.done = nil, nil
}

// loop is the only caller of Tick while started, so ticks never overlap.
func (s *Scheduler) loop(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(s.config.TickInterval)
	defer ticker.Stop()

	s.Tick(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Tick(ctx)
		case <-s.kick:
			s.Tick(ctx)
		}
	}
}

// kickLoop requests an extra tick without waiting for the interval.
func (s *Scheduler) kickLoop() {
	select {
	case s.kick <- struct{}{}:
	default:
	}
}

// ─── Queries ────────────────────────────────────────────────────────────────

// Status is a point-in-time summary of the scheduler.
type Status struct {
	Started       bool                      `json:"started"`
	Paused        bool                      `json:"paused"`
	QuietHours    bool                      `json:"quiet_hours"`
	MaxConcurrent int                       `json:"max_concurrent"`
	Queued        int                       `json:"queued"`
	Waiting       int                       `json:"waiting"`
	Running       int                       `json:"running"`
	Completed     int                       `json:"completed"`
	Failed        int                       `json:"failed"`
	Cancelled     int                       `json:"cancelled"`
	Availability  domain.AvailabilityStatus `json:"availability"`
}

// Status returns aggregate counts and the oracle's last status.
func (s *Scheduler) Status() Status {
	s.runMu.Lock()
	st := Status{Started: s.started, Paused: s.paused}
	s.runMu.Unlock()

	s.mu.Lock()
	st.MaxConcurrent = s.config.MaxConcurrent
	st.QuietHours = s.config.QuietHours.Contains(s.now())
	st.Running = len(s.running)
	for _, t := range s.queue.tasks {
		if t.Status == domain.TaskWaiting {
			st.Waiting++
		} else {
			st.Queued++
		}
	}
	for _, t := range s.history.tasks {
		switch t.Status {
		case domain.TaskCompleted:
			st.Completed++
		case domain.TaskFailed:
			st.Failed++
		case domain.TaskCancelled:
			st.Cancelled++
		}
	}
	s.mu.Unlock()

	st.Availability = s.availability()
	return st
}

// Queue returns the queued tasks in admission-scan order.
func (s *Scheduler) Queue() []domain.Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	return cloneAll(s.queue.tasks)
}

// Running returns the executing tasks, oldest start first.
func (s *Scheduler) Running() []domain.Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.Task, 0, len(s.running))
	for _, t := range s.running {
		out = append(out, t.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].StartedAt.Before(out[j].StartedAt)
	})
	return out
}

// Recent returns up to n terminal tasks, most recently completed first.
func (s *Scheduler) Recent(n int) []domain.Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.history.recent(n)
}

// Get looks a task up in the queue, the running set and the history.
func (s *Scheduler) Get(id string) (domain.Task, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t := s.queue.find(id); t != nil {
		return t.Clone(), true
	}
	if t, ok := s.running[id]; ok {
		return t.Clone(), true
	}
	if t := s.history.find(id); t != nil {
		return t.Clone(), true
	}
	return domain.Task{}, false
}
