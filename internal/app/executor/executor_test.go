//go:build unix

package executor

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/tutu-network/conductor/internal/domain"
	"github.com/tutu-network/conductor/internal/infra/lock"
)

func shell(script string) CommandConfig {
	return CommandConfig{Command: "/bin/sh", Args: []string{"-c", script}}
}

func task(id string, payload string) domain.Task {
	return domain.Task{
		ID:      id,
		Name:    "scrape competitors",
		Kind:    domain.KindResearchScrape,
		Payload: json.RawMessage(payload),
	}
}

type spendCall struct {
	amount int64
	taskID string
}

type fakeSpender struct {
	mu    sync.Mutex
	calls []spendCall
	err   error
}

func (f *fakeSpender) Spend(amount int64, taskID, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, spendCall{amount, taskID})
	return f.err
}

// ─── Registry ───────────────────────────────────────────────────────────────

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	if _, ok := r.Lookup(domain.KindGenerate); ok {
		t.Fatal("Lookup() on empty registry found an executor")
	}
	noop := domain.ExecutorFunc(func(context.Context, domain.Task) (json.RawMessage, error) { return nil, nil })
	r.Register(domain.KindPublishDrain, noop)
	r.Register(domain.KindGenerate, noop)

	if _, ok := r.Lookup(domain.KindGenerate); !ok {
		t.Error("Lookup(generate) not found")
	}
	kinds := r.Kinds()
	if len(kinds) != 2 || kinds[0] != domain.KindGenerate || kinds[1] != domain.KindPublishDrain {
		t.Errorf("Kinds() = %v", kinds)
	}
}

// ─── Command ────────────────────────────────────────────────────────────────

func TestCommand_PayloadToResult(t *testing.T) {
	c := NewCommand(shell("cat"))
	got, err := c.Execute(context.Background(), task("task_1", `{"query":"running shoes"}`))
	if err != nil {
		t.Fatalf("Execute() error: %v", err)
	}
	if string(got) != `{"query":"running shoes"}` {
		t.Errorf("result = %s", got)
	}
}

func TestCommand_ToResult(t *testing.T) {
	tests := []struct {
		out  string
		want string
	}{
		{"", ""},
		{"  \n", ""},
		{`{"ok":true}` + "\n", `{"ok":true}`},
		{"[1,2]", "[1,2]"},
		{"posted 3 items", `"posted 3 items"`},
	}
	for _, tt := range tests {
		if got := string(toResult([]byte(tt.out))); got != tt.want {
			t.Errorf("toResult(%q) = %s, want %s", tt.out, got, tt.want)
		}
	}
}

func TestCommand_Environment(t *testing.T) {
	cfg := shell(`printf '%s|%s|%s|%s' "$CONDUCTOR_TASK_ID" "$CONDUCTOR_TASK_KIND" "$CONDUCTOR_TASK_ATTEMPT" "$EXTRA"`)
	cfg.Env = []string{"EXTRA=yes"}
	got, err := NewCommand(cfg).Execute(context.Background(), task("task_env", ""))
	if err != nil {
		t.Fatalf("Execute() error: %v", err)
	}
	var s string
	if err := json.Unmarshal(got, &s); err != nil {
		t.Fatalf("result %s is not a JSON string: %v", got, err)
	}
	if s != "task_env|research_scrape|1|yes" {
		t.Errorf("env = %q", s)
	}
}

func TestCommand_Failure(t *testing.T) {
	c := NewCommand(shell("echo 'login wall' >&2; exit 3"))
	_, err := c.Execute(context.Background(), task("task_1", ""))
	if err == nil {
		t.Fatal("Execute() should fail on non-zero exit")
	}
	if !strings.Contains(err.Error(), "login wall") {
		t.Errorf("error = %v, want stderr included", err)
	}
}

func TestCommand_EmptyCommand(t *testing.T) {
	_, err := NewCommand(CommandConfig{}).Execute(context.Background(), task("task_1", ""))
	if !errors.Is(err, domain.ErrEmptyCommand) {
		t.Errorf("error = %v, want ErrEmptyCommand", err)
	}
}

func TestCommand_ContextCancelKills(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	start := time.Now()
	_, err := NewCommand(shell("sleep 10")).Execute(ctx, task("task_1", ""))
	if err == nil {
		t.Fatal("Execute() should fail when the context expires")
	}
	if time.Since(start) > 5*time.Second {
		t.Error("command outlived its context")
	}
}

// ─── Session Lock Composition ───────────────────────────────────────────────

func TestCommand_ExclusiveHoldsLockDuringRun(t *testing.T) {
	mgr := lock.New()
	cfg := shell("sleep 0.2")
	cfg.Exclusive = true
	cfg.Scope = "instagram"

	done := make(chan error, 1)
	go func() {
		_, err := NewCommand(cfg, WithSessionLock(mgr)).Execute(context.Background(), task("task_block", ""))
		done <- err
	}()

	var during domain.Lock
	var held bool
	deadline := time.Now().Add(time.Second)
	for !held && time.Now().Before(deadline) {
		during, held = mgr.Current()
		time.Sleep(time.Millisecond)
	}
	if !held || during.Holder != "task_block" || during.Scope != "instagram" {
		t.Errorf("lease during run = %+v, %v", during, held)
	}
	if err := <-done; err != nil {
		t.Fatalf("Execute() error: %v", err)
	}
	if mgr.IsLocked() {
		t.Error("lock still held after command returned")
	}
}

func TestCommand_ExclusiveBusy(t *testing.T) {
	mgr := lock.New()
	mgr.Acquire("manual-operator", time.Minute)

	cfg := shell("cat")
	cfg.Exclusive = true
	cfg.WaitTimeout = 20 * time.Millisecond
	_, err := NewCommand(cfg, WithSessionLock(mgr)).Execute(context.Background(), task("task_1", ""))
	if !errors.Is(err, domain.ErrSessionBusy) {
		t.Errorf("error = %v, want ErrSessionBusy", err)
	}
	if mgr.QueueLength() != 0 {
		t.Errorf("QueueLength() = %d, want 0 after timeout", mgr.QueueLength())
	}
	if cur, _ := mgr.Current(); cur.Holder != "manual-operator" {
		t.Errorf("holder = %q, want unchanged", cur.Holder)
	}
}

func TestCommand_ExclusiveReleasedOnFailure(t *testing.T) {
	mgr := lock.New()
	cfg := shell("exit 1")
	cfg.Exclusive = true
	if _, err := NewCommand(cfg, WithSessionLock(mgr)).Execute(context.Background(), task("task_1", "")); err == nil {
		t.Fatal("Execute() should fail")
	}
	if mgr.IsLocked() {
		t.Error("failed command left the session locked")
	}
}

// ─── Credits ────────────────────────────────────────────────────────────────

func TestCommand_CreditCost(t *testing.T) {
	spender := &fakeSpender{}
	cfg := shell("echo '{}'")
	cfg.CreditCost = 4

	c := NewCommand(cfg, WithCredits(spender))
	if _, err := c.Execute(context.Background(), task("task_gen", "")); err != nil {
		t.Fatalf("Execute() error: %v", err)
	}
	if len(spender.calls) != 1 || spender.calls[0] != (spendCall{4, "task_gen"}) {
		t.Errorf("spend calls = %+v", spender.calls)
	}

	// A failed run is not charged.
	cfg.Command, cfg.Args = "/bin/sh", []string{"-c", "exit 1"}
	NewCommand(cfg, WithCredits(spender)).Execute(context.Background(), task("task_fail", ""))
	if len(spender.calls) != 1 {
		t.Errorf("failed run charged: %+v", spender.calls)
	}

	// A charge failure does not fail the finished work.
	spender.err = domain.ErrInsufficientCredits
	if _, err := c.Execute(context.Background(), task("task_gen2", "")); err != nil {
		t.Errorf("Execute() error = %v, want success despite charge failure", err)
	}
}
