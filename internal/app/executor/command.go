package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/tutu-network/conductor/internal/domain"
	"github.com/tutu-network/conductor/internal/infra/lock"
)

// SessionLock is the part of the session lock a command needs.
type SessionLock interface {
	AcquireAndWait(ctx context.Context, holder string, lease, waitTimeout time.Duration, opts ...lock.AcquireOption) (bool, error)
	Release(holder string) bool
}

// Spender charges credits to the quota ledger.
type Spender interface {
	Spend(amount int64, taskID, reason string) error
}

// CommandConfig describes one external command bound to a task kind.
type CommandConfig struct {
	Command     string
	Args        []string
	Dir         string
	Env         []string      // extra KEY=VALUE pairs
	Exclusive   bool          // take the browser session lock around the run
	Scope       string        // platform tag recorded on the lease
	Lease       time.Duration // session lease (default 10m)
	WaitTimeout time.Duration // max queueing for the session (default 5m)
	CreditCost  int64         // credits spent after a successful run
}

const (
	defaultLease       = 10 * time.Minute
	defaultWaitTimeout = 5 * time.Minute
)

// Command runs a task as an external process. The task payload is written to
// stdin; stdout is the result. Output that is not JSON is returned as a JSON
// string. A non-zero exit is a failure carrying stderr.
type Command struct {
	config  CommandConfig
	lock    SessionLock
	credits Spender
	logger  *slog.Logger
}

// CommandOption configures a Command.
type CommandOption func(*Command)

// WithSessionLock supplies the lock used when the command is Exclusive.
func WithSessionLock(l SessionLock) CommandOption {
	return func(c *Command) { c.lock = l }
}

// WithCredits supplies the ledger charged CreditCost per successful run.
func WithCredits(s Spender) CommandOption {
	return func(c *Command) { c.credits = s }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) CommandOption {
	return func(c *Command) { c.logger = l }
}

// NewCommand creates a command executor.
func NewCommand(cfg CommandConfig, opts ...CommandOption) *Command {
	if cfg.Lease <= 0 {
		cfg.Lease = defaultLease
	}
	if cfg.WaitTimeout <= 0 {
		cfg.WaitTimeout = defaultWaitTimeout
	}
	c := &Command{config: cfg, logger: slog.Default()}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With("component", "executor", "command", cfg.Command)
	return c
}

// Execute implements domain.Executor.
func (c *Command) Execute(ctx context.Context, task domain.Task) (json.RawMessage, error) {
	if c.config.Command == "" {
		return nil, domain.ErrEmptyCommand
	}

	if c.config.Exclusive && c.lock != nil {
		ok, err := c.lock.AcquireAndWait(ctx, task.ID, c.config.Lease, c.config.WaitTimeout,
			lock.WithScope(c.config.Scope), lock.WithDescription(task.Name))
		if err != nil {
			return nil, fmt.Errorf("wait for session: %w", err)
		}
		if !ok {
			return nil, fmt.Errorf("%w after %s", domain.ErrSessionBusy, c.config.WaitTimeout)
		}
		defer c.lock.Release(task.ID)
	}

	stdout, err := c.run(ctx, task)
	if err != nil {
		return nil, err
	}
	result := toResult(stdout)

	if c.config.CreditCost > 0 && c.credits != nil {
		reason := fmt.Sprintf("%s: %s", task.Kind, task.Name)
		if err := c.credits.Spend(c.config.CreditCost, task.ID, reason); err != nil {
			// The work is done; retrying would repeat it.
			c.logger.Warn("credit charge failed", "task", task.ID, "cost", c.config.CreditCost, "error", err)
		}
	}
	return result, nil
}

func (c *Command) run(ctx context.Context, task domain.Task) ([]byte, error) {
	cmd := exec.CommandContext(ctx, c.config.Command, c.config.Args...)
	isolate(cmd)
	cmd.Dir = c.config.Dir
	cmd.Env = append(os.Environ(), c.config.Env...)
	cmd.Env = append(cmd.Env,
		"CONDUCTOR_TASK_ID="+task.ID,
		"CONDUCTOR_TASK_KIND="+string(task.Kind),
		"CONDUCTOR_TASK_NAME="+task.Name,
		fmt.Sprintf("CONDUCTOR_TASK_ATTEMPT=%d", task.RetryCount+1),
	)
	cmd.Stdin = bytes.NewReader(task.Payload)

	stdoutPipe, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderrPipe, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", c.config.Command, err)
	}
	c.logger.Debug("command started", "task", task.ID, "pid", cmd.Process.Pid)

	// Drain both pipes before Wait so a chatty child cannot block on a full pipe.
	var wg sync.WaitGroup
	var stdout, stderr bytes.Buffer
	wg.Add(2)
	go func() {
		defer wg.Done()
		io.Copy(&stdout, stdoutPipe)
	}()
	go func() {
		defer wg.Done()
		io.Copy(&stderr, stderrPipe)
	}()
	wg.Wait()

	if err := cmd.Wait(); err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("command interrupted: %w", ctx.Err())
		}
		if msg := bytes.TrimSpace(stderr.Bytes()); len(msg) > 0 {
			return nil, fmt.Errorf("command failed: %w (stderr: %s)", err, msg)
		}
		return nil, fmt.Errorf("command failed: %w", err)
	}
	return stdout.Bytes(), nil
}

// toResult keeps valid JSON as is and wraps anything else as a JSON string.
// Empty output is a nil result.
func toResult(out []byte) json.RawMessage {
	out = bytes.TrimSpace(out)
	if len(out) == 0 {
		return nil
	}
	if json.Valid(out) {
		return json.RawMessage(out)
	}
	wrapped, _ := json.Marshal(string(out))
	return wrapped
}
