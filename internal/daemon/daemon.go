package daemon

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/tutu-network/conductor/internal/api"
	"github.com/tutu-network/conductor/internal/app/credit"
	"github.com/tutu-network/conductor/internal/app/executor"
	"github.com/tutu-network/conductor/internal/domain"
	"github.com/tutu-network/conductor/internal/events"
	"github.com/tutu-network/conductor/internal/health"
	"github.com/tutu-network/conductor/internal/infra/lock"
	"github.com/tutu-network/conductor/internal/infra/oracle"
	"github.com/tutu-network/conductor/internal/infra/scheduler"
	"github.com/tutu-network/conductor/internal/infra/sqlite"
	"github.com/tutu-network/conductor/internal/logging"
)

const shutdownTimeout = 30 * time.Second

// Daemon is the conductor runtime. It wires together all services.
type Daemon struct {
	Config    Config
	DB        *sqlite.DB
	Bus       *events.Bus
	Lock      *lock.Manager
	Credit    *credit.Service
	Oracle    *oracle.Oracle
	Executors *executor.Registry
	Scheduler *scheduler.Scheduler
	Health    *health.Checker
	Server    *api.Server
	Logger    *slog.Logger

	logOut io.Closer
}

// New loads the configuration and creates a Daemon.
func New(version string) (*Daemon, error) {
	cfg, err := LoadConfig()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return NewWithConfig(cfg, version)
}

// NewWithConfig creates a Daemon with the given configuration.
func NewWithConfig(cfg Config, version string) (*Daemon, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	loc, _ := cfg.location()

	logOut, err := logging.OpenFile(cfg.Logging.File)
	if err != nil {
		return nil, err
	}
	logger := logging.NewLoggerWithWriter(logging.ParseLevel(cfg.Logging.Level), cfg.Logging.Format, logOut)

	db, err := sqlite.Open(cfg.DataDir)
	if err != nil {
		logOut.Close()
		return nil, fmt.Errorf("open database: %w", err)
	}

	d := &Daemon{
		Config: cfg,
		DB:     db,
		Bus:    events.NewBus(),
		Logger: logger,
		logOut: logOut,
	}

	d.Lock = lock.New(lock.WithEvents(d.Bus), lock.WithLogger(logger))

	d.Credit = credit.NewService(db, credit.Config{
		DailyQuota: cfg.Oracle.DailyQuota,
		ResetHour:  cfg.Oracle.ResetHour,
		Location:   loc,
	}, credit.WithLogger(logger))

	d.Oracle = oracle.New(oracleConfig(cfg.Oracle), d.Credit.OracleSource(), oracleOptions(cfg.Oracle, logger)...)

	d.Executors = executor.NewRegistry()
	for kind, ec := range cfg.Executors {
		d.Executors.Register(domain.TaskKind(kind), executor.NewCommand(commandConfig(ec, cfg.Lock),
			executor.WithSessionLock(d.Lock),
			executor.WithCredits(d.Credit),
			executor.WithLogger(logger.With("kind", kind)),
		))
	}

	d.Scheduler, err = scheduler.New(schedulerConfig(cfg.Scheduler), db, d.Oracle, d.Executors,
		scheduler.WithClock(func() time.Time { return time.Now().In(loc) }),
		scheduler.WithEvents(d.Bus),
		scheduler.WithLogger(logger),
	)
	if err != nil {
		d.Close()
		return nil, err
	}

	d.Health = health.NewChecker(health.Config{
		Interval:         parseDuration(cfg.Health.Interval, 0),
		LockStuckAfter:   parseDuration(cfg.Lock.StuckAfter, 0),
		OracleStaleAfter: parseDuration(cfg.Health.OracleStaleAfter, 0),
	}, db, d.Lock, d.Oracle, health.WithLogger(logger))

	d.Server = api.NewServer(d.Scheduler, d.Lock, version)
	d.Server.SetHealth(d.Health)
	d.Server.SetCredits(d.Credit)
	if cfg.Telemetry.Prometheus {
		d.Server.EnableMetrics()
	}
	return d, nil
}

func schedulerConfig(c SchedulerConfig) scheduler.Config {
	def := scheduler.DefaultConfig()
	return scheduler.Config{
		TickInterval:      parseDuration(c.TickInterval, def.TickInterval),
		MaxConcurrent:     c.MaxConcurrent,
		DefaultMaxRetries: c.DefaultMaxRetries,
		QuietHours:        scheduler.QuietHours{Start: c.QuietStartHour, End: c.QuietEndHour},
		HistoryCap:        c.HistoryCap,
		RetryBaseDelay:    parseDuration(c.RetryBaseDelay, 0),
		RetryMaxDelay:     parseDuration(c.RetryMaxDelay, def.RetryMaxDelay),
		TaskTimeout:       parseDuration(c.TaskTimeout, 0),
	}
}

func oracleConfig(c OracleConfig) oracle.Config {
	def := oracle.DefaultConfig()
	cfg := oracle.Config{
		RefreshInterval: parseDuration(c.RefreshInterval, def.RefreshInterval),
		ProbeTimeout:    parseDuration(c.ProbeTimeout, def.ProbeTimeout),
		BreakerFailures: c.BreakerFailures,
		BreakerCooldown: parseDuration(c.BreakerCooldown, def.BreakerCooldown),
	}
	if cfg.BreakerFailures == 0 {
		cfg.BreakerFailures = def.BreakerFailures
	}
	return cfg
}

func oracleOptions(c OracleConfig, logger *slog.Logger) []oracle.Option {
	opts := []oracle.Option{oracle.WithLogger(logger), oracle.WithPlatforms(c.Platforms...)}
	client := &http.Client{}
	for platform, url := range c.Probes {
		opts = append(opts, oracle.WithProbe(platform, oracle.HTTPProbe(client, url)))
	}
	return opts
}

func commandConfig(e ExecutorConfig, l LockConfig) executor.CommandConfig {
	return executor.CommandConfig{
		Command:     e.Command,
		Args:        e.Args,
		Dir:         e.Dir,
		Env:         e.Env,
		Exclusive:   e.Exclusive,
		Scope:       e.Scope,
		Lease:       parseDuration(e.Lease, parseDuration(l.DefaultLease, 0)),
		WaitTimeout: parseDuration(e.WaitTimeout, parseDuration(l.WaitTimeout, 0)),
		CreditCost:  e.CreditCost,
	}
}

// Addr returns the configured listen address.
func (d *Daemon) Addr() string {
	return net.JoinHostPort(d.Config.API.Host, strconv.Itoa(d.Config.API.Port))
}

// Serve starts every background service and the status server, and blocks
// until ctx is cancelled or SIGINT/SIGTERM arrives.
func (d *Daemon) Serve(ctx context.Context) error {
	var ln net.Listener
	if d.Config.API.Enabled {
		var err error
		ln, err = net.Listen("tcp", d.Addr())
		if err != nil {
			return fmt.Errorf("listen %s: %w", d.Addr(), err)
		}
	}
	return d.ServeListener(ctx, ln)
}

// ServeListener is Serve on an existing listener. A nil listener runs
// without the status server.
func (d *Daemon) ServeListener(ctx context.Context, ln net.Listener) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)

	d.Scheduler.Start(ctx)
	g.Go(func() error {
		d.Health.Run(ctx)
		return nil
	})
	g.Go(func() error {
		d.logEvents(ctx)
		return nil
	})

	var httpServer *http.Server
	if ln != nil {
		httpServer = &http.Server{
			Handler:      d.Server.Handler(),
			ReadTimeout:  30 * time.Second,
			WriteTimeout: time.Minute,
			IdleTimeout:  2 * time.Minute,
		}
		g.Go(func() error {
			if err := httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("status server: %w", err)
			}
			return nil
		})
		d.Logger.Info("conductor serving", "addr", ln.Addr().String(), "metrics", d.Config.Telemetry.Prometheus)
	} else {
		d.Logger.Info("conductor running without status server")
	}

	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		d.Scheduler.Stop()
		if httpServer != nil {
			_ = httpServer.Shutdown(shutdownCtx)
		}
		d.waitInflight(shutdownCtx)
		return nil
	})

	err := g.Wait()
	d.Logger.Info("conductor stopped")
	return err
}

// waitInflight gives running executors until ctx expires to finish, so their
// outcome reaches the snapshot. Anything still running is recovered on the
// next start.
func (d *Daemon) waitInflight(ctx context.Context) {
	done := make(chan struct{})
	go func() {
		d.Scheduler.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		d.Logger.Warn("shutdown with tasks still running", "running", len(d.Scheduler.Running()))
	}
}

// logEvents mirrors lifecycle events into the debug log.
func (d *Daemon) logEvents(ctx context.Context) {
	ch := d.Bus.SubscribeAll(0)
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			d.Logger.Debug("event", "type", ev.EventType(), "subject", ev.Subject())
		}
	}
}

// Close shuts down all daemon resources.
func (d *Daemon) Close() {
	if d.Scheduler != nil {
		d.Scheduler.Stop()
	}
	if d.Bus != nil {
		d.Bus.Close()
	}
	if d.DB != nil {
		_ = d.DB.Close()
	}
	if d.logOut != nil {
		_ = d.logOut.Close()
	}
}
