package health

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/tutu-network/conductor/internal/domain"
	"github.com/tutu-network/conductor/internal/infra/lock"
	"github.com/tutu-network/conductor/internal/infra/sqlite"
)

func newTestDB(t *testing.T) *sqlite.DB {
	t.Helper()
	dir := t.TempDir()
	db, err := sqlite.Open(dir)
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

type clock struct{ t time.Time }

func (c *clock) now() time.Time { return c.t }

type fakeAvailability struct{ status domain.AvailabilityStatus }

func (f *fakeAvailability) Status() domain.AvailabilityStatus { return f.status }

type brokenDB struct{}

func (brokenDB) Ping() error { return errors.New("database is locked") }

func statusOf(t *testing.T, c *Checker, name string) Status {
	t.Helper()
	for _, s := range c.Statuses() {
		if s.Name == name {
			return s
		}
	}
	t.Fatalf("no status for check %q", name)
	return Status{}
}

// ─── Checker Tests ──────────────────────────────────────────────────────────

func TestNewChecker(t *testing.T) {
	db := newTestDB(t)
	c := NewChecker(Config{}, db, lock.New(), &fakeAvailability{})
	if len(c.checks) != 3 {
		t.Errorf("checks = %d, want 3", len(c.checks))
	}
	if c.interval != DefaultConfig().Interval {
		t.Errorf("interval = %v, want default", c.interval)
	}

	partial := NewChecker(Config{}, db, nil, nil)
	if len(partial.checks) != 1 {
		t.Errorf("checks with nil deps = %d, want 1", len(partial.checks))
	}
}

func TestChecker_RunAllHealthy(t *testing.T) {
	clk := &clock{t: time.Now()}
	avail := &fakeAvailability{status: domain.AvailabilityStatus{RefreshedAt: clk.t}}
	c := NewChecker(Config{}, newTestDB(t), lock.New(), avail, WithClock(clk.now))
	c.runAll(context.Background())

	statuses := c.Statuses()
	if len(statuses) != 3 {
		t.Fatalf("Statuses() = %d, want 3", len(statuses))
	}
	for _, s := range statuses {
		if !s.Healthy {
			t.Errorf("check %q should be healthy, got error: %s", s.Name, s.Error)
		}
	}
	if !c.IsHealthy() {
		t.Error("IsHealthy() should be true when all checks pass")
	}
}

func TestChecker_IsHealthy_BeforeRun(t *testing.T) {
	c := NewChecker(Config{}, brokenDB{}, nil, nil)
	if !c.IsHealthy() {
		t.Error("IsHealthy() should be true before first run (no statuses)")
	}
}

func TestChecker_SQLiteFailure(t *testing.T) {
	c := NewChecker(Config{}, brokenDB{}, nil, nil)
	c.runAll(context.Background())

	s := statusOf(t, c, "sqlite")
	if s.Healthy || s.Error != "database is locked" {
		t.Errorf("sqlite status = %+v", s)
	}
	if c.IsHealthy() {
		t.Error("IsHealthy() = true with failing check")
	}
}

// ─── Stuck Lock ─────────────────────────────────────────────────────────────

func TestChecker_LockStuckRecovered(t *testing.T) {
	clk := &clock{t: time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)}
	mgr := lock.New(lock.WithClock(clk.now))
	mgr.Acquire("messaging-run", 24*time.Hour)

	c := NewChecker(Config{LockStuckAfter: time.Hour}, nil, mgr, nil, WithClock(clk.now))

	clk.t = clk.t.Add(30 * time.Minute)
	c.runAll(context.Background())
	if s := statusOf(t, c, "lock_stuck"); !s.Healthy {
		t.Errorf("lock held 30m flagged stuck: %+v", s)
	}
	if !mgr.IsLocked() {
		t.Fatal("healthy check released the lock")
	}

	clk.t = clk.t.Add(time.Hour)
	c.runAll(context.Background())
	s := statusOf(t, c, "lock_stuck")
	if s.Healthy || !s.Recovered {
		t.Errorf("lock_stuck status = %+v, want unhealthy and recovered", s)
	}
	if mgr.IsLocked() {
		t.Error("stuck lock not force-released")
	}

	c.runAll(context.Background())
	if s := statusOf(t, c, "lock_stuck"); !s.Healthy {
		t.Errorf("after recovery status = %+v", s)
	}
}

func TestChecker_RenewedLockNotStuck(t *testing.T) {
	clk := &clock{t: time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)}
	mgr := lock.New(lock.WithClock(clk.now))
	mgr.Acquire("messaging-run", 45*time.Minute)

	c := NewChecker(Config{LockStuckAfter: time.Hour}, nil, mgr, nil, WithClock(clk.now))

	for i := 0; i < 4; i++ {
		clk.t = clk.t.Add(40 * time.Minute)
		if !mgr.Acquire("messaging-run", 45*time.Minute) {
			t.Fatalf("renewal %d failed", i)
		}
		c.runAll(context.Background())
		if s := statusOf(t, c, "lock_stuck"); !s.Healthy {
			t.Fatalf("renewed lock flagged stuck after %d renewals: %+v", i+1, s)
		}
	}
	cur, held := mgr.Current()
	if !held {
		t.Fatal("renewing holder lost the lock")
	}
	if got := clk.t.Sub(cur.HeldSince); got != 160*time.Minute {
		t.Errorf("held for %v, want 2h40m", got)
	}
}

// ─── Oracle ─────────────────────────────────────────────────────────────────

func TestCheckOracle(t *testing.T) {
	start := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	stale := 5 * time.Minute
	tests := []struct {
		name    string
		status  domain.AvailabilityStatus
		now     time.Time
		healthy bool
	}{
		{"fresh", domain.AvailabilityStatus{RefreshedAt: start}, start.Add(time.Minute), true},
		{"stale", domain.AvailabilityStatus{RefreshedAt: start}, start.Add(10 * time.Minute), false},
		{"source error", domain.AvailabilityStatus{RefreshedAt: start, Err: "quota api down"}, start, false},
		{"never refreshed, warming up", domain.AvailabilityStatus{}, start.Add(time.Minute), true},
		{"never refreshed, past grace", domain.AvailabilityStatus{}, start.Add(time.Hour), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := checkOracle(tt.status, tt.now, start, stale)
			if (err == nil) != tt.healthy {
				t.Errorf("checkOracle() = %v, want healthy=%v", err, tt.healthy)
			}
		})
	}
}

func TestChecker_CustomCheck(t *testing.T) {
	recovered := false
	c := NewChecker(Config{}, nil, nil, nil, WithCheck(Check{
		Name:      "executor_dir",
		CheckFn:   func(context.Context) error { return errors.New("missing") },
		RecoverFn: func(context.Context) error { recovered = true; return nil },
	}))
	c.runAll(context.Background())

	if !recovered {
		t.Error("RecoverFn not called for failing check")
	}
	if s := statusOf(t, c, "executor_dir"); s.Healthy {
		t.Errorf("custom status = %+v", s)
	}
}

func TestChecker_RunStopsOnCancel(t *testing.T) {
	c := NewChecker(Config{Interval: time.Millisecond}, brokenDB{}, nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		c.Run(ctx)
		close(done)
	}()
	time.Sleep(10 * time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run() did not return after cancel")
	}
	if len(c.Statuses()) != 1 {
		t.Errorf("Statuses() = %d, want 1", len(c.Statuses()))
	}
}
