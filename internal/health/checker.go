// Package health runs periodic checks over the daemon's shared state and
// applies recovery actions when a check fails.
package health

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/tutu-network/conductor/internal/domain"
	"github.com/tutu-network/conductor/internal/infra/metrics"
)

// Check defines a single health check with optional recovery action.
type Check struct {
	Name      string
	CheckFn   func(ctx context.Context) error
	RecoverFn func(ctx context.Context) error
}

// Status represents the result of a health check.
type Status struct {
	Name      string    `json:"name"`
	Healthy   bool      `json:"healthy"`
	Error     string    `json:"error,omitempty"`
	Recovered bool      `json:"recovered,omitempty"`
	CheckedAt time.Time `json:"checked_at"`
}

// Pinger is satisfied by the sqlite store.
type Pinger interface {
	Ping() error
}

// SessionLock is the part of the lock manager the stuck-lock check needs.
type SessionLock interface {
	Current() (domain.Lock, bool)
	ForceRelease() (domain.Lock, bool)
}

// AvailabilitySource is the oracle's cached status.
type AvailabilitySource interface {
	Status() domain.AvailabilityStatus
}

// Config controls check cadence and thresholds.
type Config struct {
	Interval         time.Duration
	LockStuckAfter   time.Duration // a lease not renewed for longer than this is force-released
	OracleStaleAfter time.Duration // oracle status older than this is unhealthy
}

// DefaultConfig returns production health defaults.
func DefaultConfig() Config {
	return Config{
		Interval:         60 * time.Second,
		LockStuckAfter:   30 * time.Minute,
		OracleStaleAfter: 5 * time.Minute,
	}
}

// Checker runs periodic health checks with auto-recovery.
type Checker struct {
	mu       sync.RWMutex
	checks   []Check
	statuses []Status
	interval time.Duration
	started  time.Time

	now    func() time.Time
	logger *slog.Logger
}

// Option configures a Checker.
type Option func(*Checker)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(c *Checker) { c.now = now }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Checker) { c.logger = l }
}

// WithCheck appends a custom check.
func WithCheck(check Check) Option {
	return func(c *Checker) { c.checks = append(c.checks, check) }
}

// NewChecker creates a checker. Any nil dependency drops its check.
func NewChecker(cfg Config, db Pinger, lk SessionLock, avail AvailabilitySource, opts ...Option) *Checker {
	def := DefaultConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.LockStuckAfter <= 0 {
		cfg.LockStuckAfter = def.LockStuckAfter
	}
	if cfg.OracleStaleAfter <= 0 {
		cfg.OracleStaleAfter = def.OracleStaleAfter
	}

	c := &Checker{interval: cfg.Interval, now: time.Now, logger: slog.Default()}
	var builtin []Check
	if db != nil {
		builtin = append(builtin, Check{
			Name: "sqlite",
			CheckFn: func(ctx context.Context) error {
				return db.Ping()
			},
		})
	}
	if lk != nil {
		builtin = append(builtin, Check{
			Name: "lock_stuck",
			CheckFn: func(ctx context.Context) error {
				return checkLockStuck(lk, c.now(), cfg.LockStuckAfter)
			},
			RecoverFn: func(ctx context.Context) error {
				if forced, ok := lk.ForceRelease(); ok {
					c.logger.Warn("released stuck session lock", "holder", forced.Holder, "held_since", forced.HeldSince)
				}
				return nil
			},
		})
	}
	if avail != nil {
		builtin = append(builtin, Check{
			Name: "oracle",
			CheckFn: func(ctx context.Context) error {
				return checkOracle(avail.Status(), c.now(), c.started, cfg.OracleStaleAfter)
			},
		})
	}
	c.checks = builtin
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With("component", "health")
	c.started = c.now()
	return c
}

// Run starts the health check loop. Call in a goroutine.
func (c *Checker) Run(ctx context.Context) {
	c.runAll(ctx)

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.runAll(ctx)
		}
	}
}

func (c *Checker) runAll(ctx context.Context) {
	statuses := make([]Status, len(c.checks))
	for i, check := range c.checks {
		s := Status{Name: check.Name, CheckedAt: c.now(), Healthy: true}
		if err := check.CheckFn(ctx); err != nil {
			s.Healthy = false
			s.Error = err.Error()
			c.logger.Warn("health check failed", "check", check.Name, "error", err)
			if check.RecoverFn != nil {
				metrics.HealthRecoveries.WithLabelValues(check.Name).Inc()
				if rerr := check.RecoverFn(ctx); rerr != nil {
					c.logger.Error("recovery failed", "check", check.Name, "error", rerr)
				} else {
					s.Recovered = true
				}
			}
		}
		metrics.HealthCheckStatus.WithLabelValues(check.Name).Set(metrics.BoolGauge(s.Healthy))
		statuses[i] = s
	}

	c.mu.Lock()
	c.statuses = statuses
	c.mu.Unlock()
}

// Statuses returns the latest health check results.
func (c *Checker) Statuses() []Status {
	c.mu.RLock()
	defer c.mu.RUnlock()
	result := make([]Status, len(c.statuses))
	copy(result, c.statuses)
	return result
}

// IsHealthy returns true if all checks pass.
func (c *Checker) IsHealthy() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, s := range c.statuses {
		if !s.Healthy {
			return false
		}
	}
	return true
}

// ─── Check Implementations ──────────────────────────────────────────────────

func checkLockStuck(lk SessionLock, now time.Time, stuckAfter time.Duration) error {
	cur, held := lk.Current()
	if !held {
		return nil
	}
	// AcquiredAt is the last grant or renewal; a live holder keeps it fresh.
	if age := now.Sub(cur.AcquiredAt); age > stuckAfter {
		return fmt.Errorf("session held by %s without renewal for %s", cur.Holder, age.Round(time.Second))
	}
	return nil
}

func checkOracle(s domain.AvailabilityStatus, now, started time.Time, staleAfter time.Duration) error {
	if s.Err != "" {
		return fmt.Errorf("last refresh failed: %s", s.Err)
	}
	if s.RefreshedAt.IsZero() {
		if now.Sub(started) > staleAfter {
			return errors.New("no refresh since start")
		}
		return nil
	}
	if age := now.Sub(s.RefreshedAt); age > staleAfter {
		return fmt.Errorf("status is %s old", age.Round(time.Second))
	}
	return nil
}
