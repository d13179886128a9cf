// Package oracle tracks whether the shared resources tasks depend on are
// available: the consumable credit balance (a quota that resets on a
// schedule) and per-platform readiness of the browser drivers.
//
// The oracle owns its refresh loop. Everyone else only reads the cached
// status, so an admission check never blocks on a slow source.
package oracle

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/sony/gobreaker"

	"github.com/tutu-network/conductor/internal/domain"
	"github.com/tutu-network/conductor/internal/infra/metrics"
)

// Source reports the current credit balance and when the quota next resets.
type Source interface {
	Balance(ctx context.Context) (balance int64, nextReset time.Time, err error)
}

// Probe checks whether one platform's driver is ready. nil means ready.
type Probe func(ctx context.Context) error

// Config controls the refresh loop and the per-platform breakers.
type Config struct {
	RefreshInterval time.Duration
	ProbeTimeout    time.Duration
	BreakerFailures uint32        // consecutive probe failures that open a breaker
	BreakerCooldown time.Duration // how long a breaker stays open
}

// DefaultConfig returns production oracle defaults.
func DefaultConfig() Config {
	return Config{
		RefreshInterval: 30 * time.Second,
		ProbeTimeout:    5 * time.Second,
		BreakerFailures: 3,
		BreakerCooldown: 2 * time.Minute,
	}
}

type hook struct {
	id  uint64
	min int64
	fn  func(domain.AvailabilityStatus)
}

// Oracle caches availability and notifies threshold subscribers.
type Oracle struct {
	mu       sync.RWMutex
	config   Config
	source   Source
	probes   map[string]Probe
	breakers map[string]*gobreaker.CircuitBreaker
	status   domain.AvailabilityStatus

	hooks  []hook
	nextID uint64

	runMu  sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
	logger *slog.Logger
}

// Option configures an Oracle.
type Option func(*Oracle)

// WithProbe registers a readiness probe for platform.
func WithProbe(platform string, p Probe) Option {
	return func(o *Oracle) { o.probes[platform] = p }
}

// WithPlatforms declares platforms whose readiness is fed externally via
// SetPlatformReady. They start not ready.
func WithPlatforms(platforms ...string) Option {
	return func(o *Oracle) {
		for _, p := range platforms {
			if _, ok := o.status.Platforms[p]; !ok {
				o.status.Platforms[p] = false
			}
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *Oracle) { o.logger = l }
}

// New creates an oracle. source may be nil when no credit quota is tracked.
func New(cfg Config, source Source, opts ...Option) *Oracle {
	o := &Oracle{
		config:   cfg,
		source:   source,
		probes:   make(map[string]Probe),
		breakers: make(map[string]*gobreaker.CircuitBreaker),
		status:   domain.AvailabilityStatus{Platforms: make(map[string]bool)},
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(o)
	}
	o.logger = o.logger.With("component", "oracle")
	for platform := range o.probes {
		o.status.Platforms[platform] = false
		o.breakers[platform] = o.newBreaker(platform)
	}
	return o
}

func (o *Oracle) newBreaker(platform string) *gobreaker.CircuitBreaker {
	failures := o.config.BreakerFailures
	if failures == 0 {
		failures = 3
	}
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        platform,
		MaxRequests: 1,
		Timeout:     o.config.BreakerCooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= failures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			o.logger.Warn("platform breaker changed state", "platform", name, "from", from.String(), "to", to.String())
		},
	})
}

// ─── Lifecycle ──────────────────────────────────────────────────────────────

// Start launches the background refresh loop, refreshing once immediately.
// Calling Start while running is a no-op.
func (o *Oracle) Start(ctx context.Context) {
	o.runMu.Lock()
	defer o.runMu.Unlock()
	if o.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	o.cancel = cancel
	o.done = make(chan struct{})
	go o.run(ctx, o.done)
}

// Stop halts the refresh loop and waits for it to exit. Cached status is kept.
func (o *Oracle) Stop() {
	o.runMu.Lock()
	cancel, done := o.cancel, o.done
	o.cancel, o.done = nil, nil
	o.runMu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// Running reports whether the refresh loop is active.
func (o *Oracle) Running() bool {
	o.runMu.Lock()
	defer o.runMu.Unlock()
	return o.cancel != nil
}

func (o *Oracle) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	interval := o.config.RefreshInterval
	if interval <= 0 {
		interval = DefaultConfig().RefreshInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	o.refreshLogged(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			o.refreshLogged(ctx)
		}
	}
}

func (o *Oracle) refreshLogged(ctx context.Context) {
	if err := o.Refresh(ctx); err != nil {
		o.logger.Warn("availability refresh failed", "error", err)
	}
}

// ─── Refresh ────────────────────────────────────────────────────────────────

// Refresh pulls the balance from the source and runs every platform probe.
// On a source error the last known balance is kept and the error recorded.
func (o *Oracle) Refresh(ctx context.Context) error {
	var (
		balance   int64
		nextReset time.Time
		srcErr    error
	)
	if o.source != nil {
		balance, nextReset, srcErr = o.source.Balance(ctx)
	}

	ready := make(map[string]bool, len(o.probes))
	for platform, probe := range o.probes {
		ready[platform] = o.probe(ctx, platform, probe)
	}

	o.mu.Lock()
	if o.source != nil && srcErr == nil {
		o.status.Balance = balance
		o.status.NextReset = nextReset
	}
	for platform, ok := range ready {
		o.status.Platforms[platform] = ok
	}
	o.status.RefreshedAt = time.Now()
	o.status.Err = ""
	if srcErr != nil {
		o.status.Err = srcErr.Error()
	}
	snap := o.snapshotLocked()
	fire := o.takeDueHooksLocked(snap.Balance)
	o.mu.Unlock()

	o.publishMetrics(snap)
	for _, fn := range fire {
		fn(snap)
	}

	if srcErr != nil {
		metrics.OracleRefreshErrors.Inc()
		return fmt.Errorf("credit balance: %w", srcErr)
	}
	return nil
}

func (o *Oracle) probe(ctx context.Context, platform string, probe Probe) bool {
	cb := o.breakers[platform]
	timeout := o.config.ProbeTimeout
	if timeout <= 0 {
		timeout = DefaultConfig().ProbeTimeout
	}
	_, err := cb.Execute(func() (interface{}, error) {
		pctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		return nil, probe(pctx)
	})
	if err != nil {
		o.logger.Debug("platform not ready", "platform", platform, "error", err)
		return false
	}
	return true
}

// takeDueHooksLocked removes and returns hooks whose threshold is met.
func (o *Oracle) takeDueHooksLocked(balance int64) []func(domain.AvailabilityStatus) {
	var due []func(domain.AvailabilityStatus)
	kept := o.hooks[:0]
	for _, h := range o.hooks {
		if balance >= h.min {
			due = append(due, h.fn)
			continue
		}
		kept = append(kept, h)
	}
	o.hooks = kept
	return due
}

func (o *Oracle) publishMetrics(s domain.AvailabilityStatus) {
	metrics.CreditsBalance.Set(float64(s.Balance))
	for platform, ok := range s.Platforms {
		metrics.PlatformReady.WithLabelValues(platform).Set(metrics.BoolGauge(ok))
	}
}

// ─── Read Side ──────────────────────────────────────────────────────────────

// Status returns a copy of the last known availability.
func (o *Oracle) Status() domain.AvailabilityStatus {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.snapshotLocked()
}

func (o *Oracle) snapshotLocked() domain.AvailabilityStatus {
	s := o.status
	s.Platforms = make(map[string]bool, len(o.status.Platforms))
	for k, v := range o.status.Platforms {
		s.Platforms[k] = v
	}
	return s
}

// Platforms returns the known platform names, sorted.
func (o *Oracle) Platforms() []string {
	o.mu.RLock()
	defer o.mu.RUnlock()
	names := make([]string, 0, len(o.status.Platforms))
	for p := range o.status.Platforms {
		names = append(names, p)
	}
	sort.Strings(names)
	return names
}

// OnThresholdReached registers fn to run once, after the first refresh whose
// balance meets or exceeds minBalance. The returned func cancels the
// registration if it has not fired yet.
func (o *Oracle) OnThresholdReached(minBalance int64, fn func(domain.AvailabilityStatus)) (cancel func()) {
	o.mu.Lock()
	o.nextID++
	id := o.nextID
	o.hooks = append(o.hooks, hook{id: id, min: minBalance, fn: fn})
	o.mu.Unlock()

	return func() {
		o.mu.Lock()
		defer o.mu.Unlock()
		for i, h := range o.hooks {
			if h.id == id {
				o.hooks = append(o.hooks[:i], o.hooks[i+1:]...)
				return
			}
		}
	}
}

// PendingHooks returns the number of registrations that have not fired.
func (o *Oracle) PendingHooks() int {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return len(o.hooks)
}

// SetPlatformReady records an externally fed readiness flag.
func (o *Oracle) SetPlatformReady(platform string, ready bool) {
	o.mu.Lock()
	o.status.Platforms[platform] = ready
	o.mu.Unlock()
	metrics.PlatformReady.WithLabelValues(platform).Set(metrics.BoolGauge(ready))
}

// ─── Probes ─────────────────────────────────────────────────────────────────

// HTTPProbe returns a probe that GETs url and expects a 2xx answer, the way
// the browser driver services expose their readiness.
func HTTPProbe(client *http.Client, url string) Probe {
	if client == nil {
		client = http.DefaultClient
	}
	return func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return err
		}
		resp, err := client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			return fmt.Errorf("readiness %s: status %d", url, resp.StatusCode)
		}
		return nil
	}
}
