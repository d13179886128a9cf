package lock

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/tutu-network/conductor/internal/events"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// waitForQueue blocks until the lock has n parked waiters.
func waitForQueue(t *testing.T, m *Manager, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for m.QueueLength() != n {
		if time.Now().After(deadline) {
			t.Fatalf("QueueLength() = %d, want %d", m.QueueLength(), n)
		}
		time.Sleep(time.Millisecond)
	}
}

// ─── Acquire / Release ──────────────────────────────────────────────────────

func TestAcquire_FreeLockSucceeds(t *testing.T) {
	m := New()
	if !m.Acquire("x", time.Minute, WithScope("instagram"), WithDescription("dm session")) {
		t.Fatal("Acquire() on free lock = false")
	}
	l, ok := m.Current()
	if !ok {
		t.Fatal("Current() reported free after acquire")
	}
	if l.Holder != "x" || l.Scope != "instagram" || l.Description != "dm session" {
		t.Errorf("Current() = %+v", l)
	}
	if l.Lease() != time.Minute {
		t.Errorf("Lease() = %v, want 1m", l.Lease())
	}
}

func TestAcquire_HeldByOtherFails(t *testing.T) {
	m := New()
	m.Acquire("x", time.Minute)
	if m.Acquire("y", time.Minute) {
		t.Fatal("second holder acquired a held lock")
	}
	l, _ := m.Current()
	if l.Holder != "x" {
		t.Errorf("holder = %q, want x", l.Holder)
	}
}

func TestAcquire_SameHolderExtends(t *testing.T) {
	clock := newFakeClock()
	m := New(WithClock(clock.Now))
	m.Acquire("x", time.Second)
	clock.Advance(500 * time.Millisecond)

	if !m.Acquire("x", 10*time.Second) {
		t.Fatal("re-acquire by holder = false")
	}
	l, _ := m.Current()
	if want := clock.Now().Add(10 * time.Second); !l.ExpiresAt.Equal(want) {
		t.Errorf("ExpiresAt = %v, want %v", l.ExpiresAt, want)
	}
}

func TestAcquire_RenewalKeepsLeaseWindow(t *testing.T) {
	clock := newFakeClock()
	m := New(WithClock(clock.Now))
	start := clock.Now()
	m.Acquire("x", time.Minute)
	clock.Advance(50 * time.Second)

	if !m.Acquire("x", time.Minute) {
		t.Fatal("renewal by holder = false")
	}
	l, _ := m.Current()
	if l.Lease() != time.Minute {
		t.Errorf("Lease() = %v, want 1m", l.Lease())
	}
	if !l.AcquiredAt.Equal(clock.Now()) {
		t.Errorf("AcquiredAt = %v, want %v", l.AcquiredAt, clock.Now())
	}
	if !l.HeldSince.Equal(start) {
		t.Errorf("HeldSince = %v, want first grant %v", l.HeldSince, start)
	}
}

func TestRelease_ByNonHolder(t *testing.T) {
	m := New()
	m.Acquire("x", time.Minute)
	if m.Release("y") {
		t.Error("Release() by non-holder = true")
	}
	if !m.IsLocked() {
		t.Error("lock freed by non-holder release")
	}
}

func TestRelease_FreeLock(t *testing.T) {
	m := New()
	if m.Release("x") {
		t.Error("Release() on free lock = true")
	}
}

func TestRelease_ByHolder(t *testing.T) {
	m := New()
	m.Acquire("x", time.Minute)
	if !m.Release("x") {
		t.Fatal("Release() by holder = false")
	}
	if m.IsLocked() {
		t.Error("lock still held after release")
	}
	if !m.Acquire("y", time.Minute) {
		t.Error("Acquire() after release = false")
	}
}

// ─── Lazy Expiry ────────────────────────────────────────────────────────────

func TestExpiry_ObservedOnInspection(t *testing.T) {
	clock := newFakeClock()
	m := New(WithClock(clock.Now))
	m.Acquire("x", 100*time.Millisecond)

	clock.Advance(100 * time.Millisecond)
	if !m.IsLocked() {
		t.Fatal("lease expired at exactly its deadline")
	}

	clock.Advance(50 * time.Millisecond)
	if m.IsLocked() {
		t.Error("IsLocked() = true after lease elapsed")
	}
	if _, ok := m.Current(); ok {
		t.Error("Current() returned a lease after expiry")
	}
}

func TestExpiry_RealClock(t *testing.T) {
	m := New()
	m.Acquire("x", 100*time.Millisecond)
	time.Sleep(150 * time.Millisecond)

	if m.IsLocked() {
		t.Error("IsLocked() = true after 150ms on a 100ms lease")
	}
	if l, ok := m.Current(); ok {
		t.Errorf("Current() = %+v, want empty", l)
	}
}

func TestExpiry_AcquireByOtherAfterLease(t *testing.T) {
	clock := newFakeClock()
	m := New(WithClock(clock.Now))
	m.Acquire("x", time.Second)
	clock.Advance(2 * time.Second)

	if !m.Acquire("y", time.Second) {
		t.Fatal("Acquire() after expiry = false")
	}
	if m.Release("x") {
		t.Error("stale holder released the new lease")
	}
}

func TestExpiry_GrantsHeadWaiter(t *testing.T) {
	m := New()
	m.Acquire("x", 50*time.Millisecond)

	start := time.Now()
	ok, err := m.AcquireAndWait(context.Background(), "y", time.Minute, 2*time.Second)
	if err != nil || !ok {
		t.Fatalf("AcquireAndWait() = %v, %v", ok, err)
	}
	if waited := time.Since(start); waited > time.Second {
		t.Errorf("waiter took %v to observe a 50ms lease expiry", waited)
	}
	l, _ := m.Current()
	if l.Holder != "y" {
		t.Errorf("holder = %q, want y", l.Holder)
	}
}

// ─── Acquire And Wait ───────────────────────────────────────────────────────

func TestAcquireAndWait_Immediate(t *testing.T) {
	m := New()
	ok, err := m.AcquireAndWait(context.Background(), "x", time.Minute, time.Millisecond)
	if err != nil || !ok {
		t.Fatalf("AcquireAndWait() on free lock = %v, %v", ok, err)
	}
	if m.QueueLength() != 0 {
		t.Errorf("QueueLength() = %d, want 0", m.QueueLength())
	}
}

func TestAcquireAndWait_ReleaseGrantsWaiter(t *testing.T) {
	m := New()
	m.Acquire("x", time.Minute)

	done := make(chan bool, 1)
	go func() {
		ok, _ := m.AcquireAndWait(context.Background(), "y", time.Minute, 5*time.Second)
		done <- ok
	}()
	waitForQueue(t, m, 1)

	if !m.Release("x") {
		t.Fatal("Release() = false")
	}
	// Granted synchronously inside Release.
	l, ok := m.Current()
	if !ok || l.Holder != "y" {
		t.Fatalf("after release Current() = %+v, %v; want holder y", l, ok)
	}

	select {
	case ok := <-done:
		if !ok {
			t.Error("waiter reported failure after grant")
		}
	case <-time.After(time.Second):
		t.Fatal("waiter not resumed")
	}
}

func TestAcquireAndWait_Timeout(t *testing.T) {
	m := New()
	m.Acquire("x", time.Minute)

	start := time.Now()
	ok, err := m.AcquireAndWait(context.Background(), "y", time.Minute, 50*time.Millisecond)
	if err != nil {
		t.Fatalf("AcquireAndWait() error: %v", err)
	}
	if ok {
		t.Fatal("AcquireAndWait() = true while lock held")
	}
	if time.Since(start) < 50*time.Millisecond {
		t.Error("returned before wait timeout")
	}
	if m.QueueLength() != 0 {
		t.Errorf("QueueLength() = %d after timeout, want 0", m.QueueLength())
	}
	// The timed-out waiter must not be granted later.
	m.Release("x")
	if m.IsLocked() {
		t.Error("lock granted to a timed-out waiter")
	}
}

func TestAcquireAndWait_ContextCancelled(t *testing.T) {
	m := New()
	m.Acquire("x", time.Minute)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		_, err := m.AcquireAndWait(ctx, "y", time.Minute, 5*time.Second)
		errCh <- err
	}()
	waitForQueue(t, m, 1)
	cancel()

	select {
	case err := <-errCh:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("err = %v, want context.Canceled", err)
		}
	case <-time.After(time.Second):
		t.Fatal("cancelled waiter not resumed")
	}
	if m.QueueLength() != 0 {
		t.Errorf("QueueLength() = %d after cancel, want 0", m.QueueLength())
	}
}

func TestAcquireAndWait_CancelledContextOnFreeLock(t *testing.T) {
	m := New()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	ok, err := m.AcquireAndWait(ctx, "x", time.Minute, time.Second)
	if ok || !errors.Is(err, context.Canceled) {
		t.Errorf("AcquireAndWait() = %v, %v; want false, context.Canceled", ok, err)
	}
	if m.IsLocked() {
		t.Error("lock granted to a cancelled caller")
	}
}

func TestAcquireAndWait_FIFOOrder(t *testing.T) {
	m := New()
	m.Acquire("holder", time.Minute)

	const n = 5
	var (
		mu    sync.Mutex
		order []string
		wg    sync.WaitGroup
	)
	names := []string{"w0", "w1", "w2", "w3", "w4"}
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(name string) {
			defer wg.Done()
			ok, err := m.AcquireAndWait(context.Background(), name, time.Minute, 5*time.Second)
			if err != nil || !ok {
				t.Errorf("%s: AcquireAndWait() = %v, %v", name, ok, err)
				return
			}
			mu.Lock()
			order = append(order, name)
			mu.Unlock()
			m.Release(name)
		}(names[i])
		waitForQueue(t, m, i+1)
	}

	m.Release("holder")
	wg.Wait()

	if len(order) != n {
		t.Fatalf("acquired %d times, want %d", len(order), n)
	}
	for i, name := range names {
		if order[i] != name {
			t.Errorf("grant %d = %s, want %s (order %v)", i, order[i], name, order)
		}
	}
}

func TestForceRelease_GrantsNextWaiter(t *testing.T) {
	m := New()
	m.Acquire("stuck", time.Hour)

	done := make(chan bool, 1)
	go func() {
		ok, _ := m.AcquireAndWait(context.Background(), "next", time.Minute, 5*time.Second)
		done <- ok
	}()
	waitForQueue(t, m, 1)

	forced, ok := m.ForceRelease()
	if !ok || forced.Holder != "stuck" {
		t.Fatalf("ForceRelease() = %+v, %v", forced, ok)
	}
	if got := <-done; !got {
		t.Error("waiter not granted after force-release")
	}
	l, _ := m.Current()
	if l.Holder != "next" {
		t.Errorf("holder = %q, want next", l.Holder)
	}
}

func TestForceRelease_FreeLock(t *testing.T) {
	m := New()
	if _, ok := m.ForceRelease(); ok {
		t.Error("ForceRelease() on free lock reported a lease")
	}
}

// ─── Concurrency ────────────────────────────────────────────────────────────

func TestAcquire_ConcurrentSingleWinner(t *testing.T) {
	m := New()
	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if m.Acquire(string(rune('a'+i%26))+string(rune('0'+i/26)), time.Minute) {
				wins.Add(1)
			}
		}(i)
	}
	wg.Wait()
	if wins.Load() != 1 {
		t.Errorf("winners = %d, want 1", wins.Load())
	}
}

// ─── Events ─────────────────────────────────────────────────────────────────

func TestEvents_Published(t *testing.T) {
	bus := events.NewBus()
	defer bus.Close()
	ch := bus.Subscribe(events.TopicLock, 16)

	clock := newFakeClock()
	m := New(WithClock(clock.Now), WithEvents(bus))
	m.Acquire("x", time.Second)
	m.Release("x")
	m.Acquire("y", time.Second)
	clock.Advance(2 * time.Second)
	m.IsLocked()
	m.Acquire("z", time.Second)
	m.ForceRelease()

	want := []string{
		events.EventTypeLockAcquired,
		events.EventTypeLockReleased,
		events.EventTypeLockAcquired,
		events.EventTypeLockExpired,
		events.EventTypeLockAcquired,
		events.EventTypeLockForced,
	}
	for i, kind := range want {
		select {
		case e := <-ch:
			if e.EventType() != kind {
				t.Errorf("event %d = %s, want %s", i, e.EventType(), kind)
			}
		default:
			t.Fatalf("missing event %d (%s)", i, kind)
		}
	}
}
