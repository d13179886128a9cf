// Package lock implements the exclusive lease on the shared browser session.
//
// There is exactly one lock. A holder owns it for a bounded lease; callers
// that cannot get it immediately may queue and are served strictly in
// arrival order. Expiry is lazy: every call that inspects the lock first
// checks the lease and, if it ran out, frees the lock and hands it to the
// head of the queue before doing anything else.
package lock

import (
	"container/list"
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/tutu-network/conductor/internal/domain"
	"github.com/tutu-network/conductor/internal/events"
	"github.com/tutu-network/conductor/internal/infra/metrics"
)

// minRecheck bounds how often a parked waiter re-inspects an expiring lease.
const minRecheck = time.Millisecond

// Manager is the single-process authority over the session lock.
type Manager struct {
	mu      sync.Mutex
	current *domain.Lock
	waiters *list.List // of *waiter, FIFO

	now    func() time.Time
	events events.Publisher
	logger *slog.Logger
}

type waiter struct {
	holder      string
	scope       string
	description string
	lease       time.Duration
	deadline    time.Time
	enqueuedAt  time.Time

	granted chan domain.Lock // buffered(1), written once under mu
	settled bool             // granted or abandoned; guarded by mu
}

// Option configures a Manager.
type Option func(*Manager)

// WithClock replaces time.Now for lease bookkeeping.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithEvents publishes lock transitions on p.
func WithEvents(p events.Publisher) Option {
	return func(m *Manager) { m.events = p }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// New creates a free lock.
func New(opts ...Option) *Manager {
	m := &Manager{
		waiters: list.New(),
		now:     time.Now,
		events:  events.Discard,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = m.logger.With("component", "session_lock")
	return m
}

// AcquireOption annotates a lease.
type AcquireOption func(*domain.Lock)

// WithScope tags the lease with the platform it is for. Informational only.
func WithScope(scope string) AcquireOption {
	return func(l *domain.Lock) { l.Scope = scope }
}

// WithDescription records why the lease was taken.
func WithDescription(desc string) AcquireOption {
	return func(l *domain.Lock) { l.Description = desc }
}

// ─── Acquire / Release ──────────────────────────────────────────────────────

// Acquire takes the lock for lease if it is free. A holder re-acquiring its
// own live lease extends it. Contention is not an error: it returns false.
func (m *Manager) Acquire(holder string, lease time.Duration, opts ...AcquireOption) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	m.expireLocked(now)

	if m.current != nil {
		if m.current.Holder != holder {
			return false
		}
		m.extendLocked(now, lease, opts)
		return true
	}

	m.grantLocked(now, holder, lease, opts)
	return true
}

// AcquireAndWait takes the lock, queueing behind the current holder for at
// most waitTimeout. It returns false with a nil error when the wait times out
// and false with ctx.Err() when ctx is cancelled first. A timed-out or
// cancelled waiter leaves no queue entry behind.
func (m *Manager) AcquireAndWait(ctx context.Context, holder string, lease, waitTimeout time.Duration, opts ...AcquireOption) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	m.mu.Lock()
	now := m.now()
	m.expireLocked(now)

	if m.current == nil {
		m.grantLocked(now, holder, lease, opts)
		m.mu.Unlock()
		return true, nil
	}
	if m.current.Holder == holder {
		m.extendLocked(now, lease, opts)
		m.mu.Unlock()
		return true, nil
	}

	req := domain.Lock{}
	for _, opt := range opts {
		opt(&req)
	}
	w := &waiter{
		holder:      holder,
		scope:       req.Scope,
		description: req.Description,
		lease:       lease,
		deadline:    now.Add(waitTimeout),
		enqueuedAt:  time.Now(),
		granted:     make(chan domain.Lock, 1),
	}
	elem := m.waiters.PushBack(w)
	expiresAt := m.current.ExpiresAt
	metrics.LockWaiters.Set(float64(m.waiters.Len()))
	m.logger.Debug("waiting for session", "holder", holder, "current", m.current.Holder, "position", m.waiters.Len())
	m.mu.Unlock()

	timeout := time.NewTimer(waitTimeout)
	defer timeout.Stop()

	for {
		recheck := time.NewTimer(m.untilExpiry(expiresAt))

		select {
		case <-w.granted:
			recheck.Stop()
			metrics.LockWaitSeconds.WithLabelValues("granted").Observe(time.Since(w.enqueuedAt).Seconds())
			return true, nil

		case <-timeout.C:
			recheck.Stop()
			if m.abandon(w, elem) {
				metrics.LockWaitSeconds.WithLabelValues("granted").Observe(time.Since(w.enqueuedAt).Seconds())
				return true, nil
			}
			metrics.LockWaitSeconds.WithLabelValues("timeout").Observe(time.Since(w.enqueuedAt).Seconds())
			return false, nil

		case <-ctx.Done():
			recheck.Stop()
			if m.abandon(w, elem) {
				// Granted while being cancelled: hand it straight on.
				m.Release(holder)
			}
			metrics.LockWaitSeconds.WithLabelValues("cancelled").Observe(time.Since(w.enqueuedAt).Seconds())
			return false, ctx.Err()

		case <-recheck.C:
			m.mu.Lock()
			m.expireLocked(m.now())
			if m.current != nil {
				expiresAt = m.current.ExpiresAt
			}
			m.mu.Unlock()
		}
	}
}

// Release frees the lock if holder owns it and grants the longest waiting
// request. A release by anyone else returns false and changes nothing.
func (m *Manager) Release(holder string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	m.expireLocked(now)

	if m.current == nil || m.current.Holder != holder {
		return false
	}
	released := *m.current
	m.clearLocked(now, events.EventTypeLockReleased, released)
	m.serviceQueueLocked(now)
	return true
}

// ForceRelease clears the lock regardless of holder, then serves the queue.
// It returns the lease that was cleared, if any.
func (m *Manager) ForceRelease() (domain.Lock, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	if m.current == nil {
		m.serviceQueueLocked(now)
		return domain.Lock{}, false
	}
	forced := *m.current
	m.logger.Warn("session lock force-released", "holder", forced.Holder, "held_for", now.Sub(forced.HeldSince))
	m.clearLocked(now, events.EventTypeLockForced, forced)
	m.serviceQueueLocked(now)
	return forced, true
}

// ─── Inspection ─────────────────────────────────────────────────────────────

// IsLocked reports whether a live lease exists.
func (m *Manager) IsLocked() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.expireLocked(m.now())
	return m.current != nil
}

// Current returns the live lease, if any.
func (m *Manager) Current() (domain.Lock, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.expireLocked(m.now())
	if m.current == nil {
		return domain.Lock{}, false
	}
	return *m.current, true
}

// QueueLength returns the number of parked waiters.
func (m *Manager) QueueLength() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.expireLocked(m.now())
	return m.waiters.Len()
}

// ─── Internal ───────────────────────────────────────────────────────────────

// expireLocked frees an expired lease and hands the lock to the next waiter.
func (m *Manager) expireLocked(now time.Time) {
	if m.current == nil || !m.current.Expired(now) {
		return
	}
	expired := *m.current
	m.logger.Info("session lease expired", "holder", expired.Holder, "expired_at", expired.ExpiresAt)
	m.clearLocked(now, events.EventTypeLockExpired, expired)
	m.serviceQueueLocked(now)
}

// serviceQueueLocked grants the free lock to the head waiter. Waiters whose
// own deadline already passed are skipped; their goroutines report timeout.
func (m *Manager) serviceQueueLocked(now time.Time) {
	for m.current == nil && m.waiters.Len() > 0 {
		front := m.waiters.Front()
		w := m.waiters.Remove(front).(*waiter)
		if now.After(w.deadline) {
			continue
		}
		opts := []AcquireOption{WithScope(w.scope), WithDescription(w.description)}
		lease := m.grantLocked(now, w.holder, w.lease, opts)
		w.settled = true
		w.granted <- lease
	}
	metrics.LockWaiters.Set(float64(m.waiters.Len()))
}

func (m *Manager) grantLocked(now time.Time, holder string, lease time.Duration, opts []AcquireOption) domain.Lock {
	l := domain.Lock{
		Holder:     holder,
		AcquiredAt: now,
		ExpiresAt:  now.Add(lease),
		HeldSince:  now,
	}
	for _, opt := range opts {
		opt(&l)
	}
	m.current = &l
	metrics.LockHeld.Set(1)
	metrics.LockTransitions.WithLabelValues("acquired").Inc()
	m.logger.Debug("session acquired", "holder", holder, "scope", l.Scope, "lease", lease)
	m.events.Publish(events.TopicLock, events.LockChanged{Kind: events.EventTypeLockAcquired, Lock: l, Timestamp: now})
	return l
}

func (m *Manager) extendLocked(now time.Time, lease time.Duration, opts []AcquireOption) {
	m.current.AcquiredAt = now
	m.current.ExpiresAt = now.Add(lease)
	for _, opt := range opts {
		opt(m.current)
	}
}

func (m *Manager) clearLocked(now time.Time, kind string, l domain.Lock) {
	m.current = nil
	metrics.LockHeld.Set(0)
	metrics.LockTransitions.WithLabelValues(strings.TrimPrefix(kind, "lock.")).Inc()
	m.events.Publish(events.TopicLock, events.LockChanged{Kind: kind, Lock: l, Timestamp: now})
}

// abandon removes w from the queue. It returns true if w had already been
// granted the lock, in which case the caller now holds it.
func (m *Manager) abandon(w *waiter, elem *list.Element) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if w.settled {
		<-w.granted
		return true
	}
	m.waiters.Remove(elem)
	w.settled = true
	metrics.LockWaiters.Set(float64(m.waiters.Len()))
	return false
}

func (m *Manager) untilExpiry(expiresAt time.Time) time.Duration {
	d := expiresAt.Sub(m.now()) + minRecheck
	if d < minRecheck {
		return minRecheck
	}
	return d
}
