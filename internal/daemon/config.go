// Package daemon manages the conductor daemon lifecycle and configuration.
package daemon

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Config holds all daemon configuration.
type Config struct {
	DataDir   string                    `toml:"data_dir"`
	Timezone  string                    `toml:"timezone"` // IANA name for quiet hours and quota resets; empty is local
	API       APIConfig                 `toml:"api"`
	Scheduler SchedulerConfig           `toml:"scheduler"`
	Lock      LockConfig                `toml:"lock"`
	Oracle    OracleConfig              `toml:"oracle"`
	Health    HealthConfig              `toml:"health"`
	Executors map[string]ExecutorConfig `toml:"executors"`
	Logging   LoggingConfig             `toml:"logging"`
	Telemetry TelemetryConfig           `toml:"telemetry"`
}

// APIConfig controls the HTTP status server.
type APIConfig struct {
	Enabled bool   `toml:"enabled"`
	Host    string `toml:"host"`
	Port    int    `toml:"port"`
}

// SchedulerConfig controls task admission.
type SchedulerConfig struct {
	TickInterval      string `toml:"tick_interval"`
	MaxConcurrent     int    `toml:"max_concurrent"`
	DefaultMaxRetries int    `toml:"default_max_retries"`
	QuietStartHour    int    `toml:"quiet_start_hour"`
	QuietEndHour      int    `toml:"quiet_end_hour"`
	HistoryCap        int    `toml:"history_cap"`
	RetryBaseDelay    string `toml:"retry_base_delay"`
	RetryMaxDelay     string `toml:"retry_max_delay"`
	TaskTimeout       string `toml:"task_timeout"`
}

// LockConfig controls the browser session lock.
type LockConfig struct {
	DefaultLease string `toml:"default_lease"`
	WaitTimeout  string `toml:"wait_timeout"`
	StuckAfter   string `toml:"stuck_after"`
}

// OracleConfig controls availability tracking and the credit quota.
type OracleConfig struct {
	RefreshInterval string            `toml:"refresh_interval"`
	ProbeTimeout    string            `toml:"probe_timeout"`
	BreakerFailures uint32            `toml:"breaker_failures"`
	BreakerCooldown string            `toml:"breaker_cooldown"`
	DailyQuota      int64             `toml:"daily_quota"`
	ResetHour       int               `toml:"reset_hour"`
	Platforms       []string          `toml:"platforms"` // readiness fed externally
	Probes          map[string]string `toml:"probes"`    // platform → readiness URL
}

// HealthConfig controls the periodic health checks.
type HealthConfig struct {
	Interval         string `toml:"interval"`
	OracleStaleAfter string `toml:"oracle_stale_after"`
}

// ExecutorConfig binds a task kind to an external command.
type ExecutorConfig struct {
	Command     string   `toml:"command"`
	Args        []string `toml:"args"`
	Dir         string   `toml:"dir"`
	Env         []string `toml:"env"`
	Exclusive   bool     `toml:"exclusive"`
	Scope       string   `toml:"scope"`
	Lease       string   `toml:"lease"`
	WaitTimeout string   `toml:"wait_timeout"`
	CreditCost  int64    `toml:"credit_cost"`
}

// LoggingConfig controls logging behavior.
type LoggingConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"` // text or json
	File   string `toml:"file"`   // empty logs to stderr
}

// TelemetryConfig controls metrics export.
type TelemetryConfig struct {
	Prometheus bool `toml:"prometheus"`
}

// DefaultConfig returns a sensible default configuration.
func DefaultConfig() Config {
	return Config{
		DataDir: Home(),
		API: APIConfig{
			Enabled: true,
			Host:    "127.0.0.1",
			Port:    7878,
		},
		Scheduler: SchedulerConfig{
			TickInterval:      "5s",
			MaxConcurrent:     1,
			DefaultMaxRetries: 3,
			HistoryCap:        200,
			RetryBaseDelay:    "15s",
			RetryMaxDelay:     "10m",
		},
		Lock: LockConfig{
			DefaultLease: "10m",
			WaitTimeout:  "5m",
			StuckAfter:   "30m",
		},
		Oracle: OracleConfig{
			RefreshInterval: "30s",
			ProbeTimeout:    "5s",
			BreakerFailures: 3,
			BreakerCooldown: "2m",
		},
		Health: HealthConfig{
			Interval:         "60s",
			OracleStaleAfter: "5m",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// LoadConfig loads .env files, then $CONDUCTOR_HOME/config.toml over the
// defaults, then CONDUCTOR_* environment overrides.
func LoadConfig() (Config, error) {
	// A .env never overrides variables already set in the environment.
	loadDotEnv(".env")
	loadDotEnv(filepath.Join(Home(), ".env"))

	cfg, err := LoadConfigFile(filepath.Join(Home(), "config.toml"))
	if err != nil {
		return cfg, err
	}
	if err := applyEnv(&cfg, os.LookupEnv); err != nil {
		return cfg, err
	}
	return cfg, cfg.Validate()
}

func loadDotEnv(path string) {
	if _, err := os.Stat(path); err == nil {
		_ = godotenv.Load(path)
	}
}

// LoadConfigFile decodes path over the defaults. A missing file yields the
// defaults.
func LoadConfigFile(path string) (Config, error) {
	cfg := DefaultConfig()
	if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
		return cfg, nil
	}
	md, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		return cfg, fmt.Errorf("parse config: unknown keys %s", strings.Join(keys, ", "))
	}
	return cfg, nil
}

// SaveConfig writes cfg to path.
func SaveConfig(cfg Config, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return toml.NewEncoder(f).Encode(cfg)
}

// applyEnv overlays CONDUCTOR_* variables.
func applyEnv(cfg *Config, lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	num := func(key string, dst *int) error {
		if v, ok := lookup(key); ok && v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				return fmt.Errorf("%s: %w", key, err)
			}
			*dst = n
		}
		return nil
	}

	str("CONDUCTOR_DATA_DIR", &cfg.DataDir)
	str("CONDUCTOR_TIMEZONE", &cfg.Timezone)
	str("CONDUCTOR_API_HOST", &cfg.API.Host)
	str("CONDUCTOR_LOG_LEVEL", &cfg.Logging.Level)
	str("CONDUCTOR_LOG_FORMAT", &cfg.Logging.Format)
	str("CONDUCTOR_LOG_FILE", &cfg.Logging.File)
	if err := num("CONDUCTOR_API_PORT", &cfg.API.Port); err != nil {
		return err
	}
	if err := num("CONDUCTOR_MAX_CONCURRENT", &cfg.Scheduler.MaxConcurrent); err != nil {
		return err
	}
	if v, ok := lookup("CONDUCTOR_DAILY_QUOTA"); ok && v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return fmt.Errorf("CONDUCTOR_DAILY_QUOTA: %w", err)
		}
		cfg.Oracle.DailyQuota = n
	}
	if v, ok := lookup("CONDUCTOR_PROMETHEUS"); ok && v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("CONDUCTOR_PROMETHEUS: %w", err)
		}
		cfg.Telemetry.Prometheus = b
	}
	return nil
}

// Validate reports the first invalid setting.
func (c Config) Validate() error {
	if c.API.Enabled && (c.API.Port < 0 || c.API.Port > 65535) {
		return fmt.Errorf("api.port %d out of range", c.API.Port)
	}
	if c.Scheduler.MaxConcurrent < 0 {
		return fmt.Errorf("scheduler.max_concurrent must not be negative")
	}
	for name, h := range map[string]int{
		"scheduler.quiet_start_hour": c.Scheduler.QuietStartHour,
		"scheduler.quiet_end_hour":   c.Scheduler.QuietEndHour,
		"oracle.reset_hour":          c.Oracle.ResetHour,
	} {
		if h < 0 || h > 23 {
			return fmt.Errorf("%s %d out of range 0-23", name, h)
		}
	}
	if _, err := c.location(); err != nil {
		return err
	}

	durations := map[string]string{
		"scheduler.tick_interval":    c.Scheduler.TickInterval,
		"scheduler.retry_base_delay": c.Scheduler.RetryBaseDelay,
		"scheduler.retry_max_delay":  c.Scheduler.RetryMaxDelay,
		"scheduler.task_timeout":     c.Scheduler.TaskTimeout,
		"lock.default_lease":         c.Lock.DefaultLease,
		"lock.wait_timeout":          c.Lock.WaitTimeout,
		"lock.stuck_after":           c.Lock.StuckAfter,
		"oracle.refresh_interval":    c.Oracle.RefreshInterval,
		"oracle.probe_timeout":       c.Oracle.ProbeTimeout,
		"oracle.breaker_cooldown":    c.Oracle.BreakerCooldown,
		"health.interval":            c.Health.Interval,
		"health.oracle_stale_after":  c.Health.OracleStaleAfter,
	}
	for kind, e := range c.Executors {
		if strings.TrimSpace(e.Command) == "" {
			return fmt.Errorf("executors.%s: command is required", kind)
		}
		if e.CreditCost < 0 {
			return fmt.Errorf("executors.%s: credit_cost must not be negative", kind)
		}
		durations["executors."+kind+".lease"] = e.Lease
		durations["executors."+kind+".wait_timeout"] = e.WaitTimeout
	}
	for name, v := range durations {
		if v == "" {
			continue
		}
		if _, err := time.ParseDuration(v); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
	}
	return nil
}

func (c Config) location() (*time.Location, error) {
	if c.Timezone == "" {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return nil, fmt.Errorf("timezone: %w", err)
	}
	return loc, nil
}

// Home returns the conductor data directory: $CONDUCTOR_HOME or ~/.conductor.
func Home() string {
	if env := os.Getenv("CONDUCTOR_HOME"); env != "" {
		return env
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".conductor")
}

// parseDuration parses a duration string, returning a fallback on error.
func parseDuration(s string, fallback time.Duration) time.Duration {
	if s == "" {
		return fallback
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return fallback
	}
	return d
}
