package cli

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/tutu-network/conductor/internal/domain"
)

func runCLI(t *testing.T, args ...string) string {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(args)
	if err := rootCmd.Execute(); err != nil {
		t.Fatalf("conductor %v: %v", args, err)
	}
	return out.String()
}

func TestRenderStatus(t *testing.T) {
	now := time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)
	snap := &domain.Snapshot{
		Queue: []domain.Task{
			{ID: "task_q1", Name: "dm batch", Kind: domain.KindMessagingSession, Priority: 1,
				Status: domain.TaskPending, MaxRetries: 3, ScheduledFor: now.Add(-time.Minute)},
			{ID: "task_q2", Name: "caption batch", Kind: domain.KindGenerate, Priority: 3,
				Status: domain.TaskWaiting, MaxRetries: 3, ScheduledFor: now.Add(90 * time.Second)},
		},
		Running: []domain.Task{
			{ID: "task_r1", Name: "scrape", Kind: domain.KindResearchScrape, Status: domain.TaskRunning,
				StartedAt: now.Add(-5 * time.Second)},
		},
		Completed: []domain.Task{
			{ID: "task_c1", Name: "old", Status: domain.TaskCompleted, CompletedAt: now.Add(-2 * time.Hour)},
			{ID: "task_c2", Name: "newer", Status: domain.TaskFailed, RetryCount: 3, MaxRetries: 3,
				CompletedAt: now.Add(-time.Hour)},
		},
		SavedAt: now.Add(-3 * time.Second),
	}

	var buf bytes.Buffer
	if err := renderStatus(&buf, snap, 1, now); err != nil {
		t.Fatalf("renderStatus() error: %v", err)
	}
	out := buf.String()

	for _, want := range []string{"2 queued, 1 running, 2 finished", "task_r1", "started 5s ago", "task_q1", "due", "in 1m30s", "waiting", "task_c2", "3/3"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
	if strings.Contains(out, "task_c1") {
		t.Errorf("recent=1 should hide older finished tasks:\n%s", out)
	}
	if strings.Index(out, "task_r1") > strings.Index(out, "task_q1") {
		t.Error("running tasks should be listed before the queue")
	}
}

func TestRenderStatus_Empty(t *testing.T) {
	var buf bytes.Buffer
	renderStatus(&buf, &domain.Snapshot{}, 10, time.Now())
	if !strings.Contains(buf.String(), "No scheduler state") {
		t.Errorf("output = %q", buf.String())
	}
}

func TestHumanDuration(t *testing.T) {
	tests := []struct {
		in   time.Duration
		want string
	}{
		{500 * time.Millisecond, "0s"},
		{90*time.Second + 300*time.Millisecond, "1m30s"},
		{3*time.Hour + 25*time.Minute + 10*time.Second, "3h25m0s"},
		{72 * time.Hour, "3d"},
	}
	for _, tt := range tests {
		if got := humanDuration(tt.in); got != tt.want {
			t.Errorf("humanDuration(%v) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestTruncate(t *testing.T) {
	if got := truncate("short", 10); got != "short" {
		t.Errorf("truncate(short) = %q", got)
	}
	if got := truncate("a very long task name", 6); got != "a ver…" {
		t.Errorf("truncate(long) = %q", got)
	}
}

func TestCommands_AgainstEmptyHome(t *testing.T) {
	t.Setenv("CONDUCTOR_HOME", t.TempDir())

	if out := runCLI(t, "config"); !strings.Contains(out, "[scheduler]") || !strings.Contains(out, `tick_interval = "5s"`) {
		t.Errorf("config output:\n%s", out)
	}
	if out := runCLI(t, "status"); !strings.Contains(out, "No scheduler state") {
		t.Errorf("status output:\n%s", out)
	}
	if out := runCLI(t, "credits"); !strings.Contains(out, "Balance: 0") {
		t.Errorf("credits output:\n%s", out)
	}
	if out := runCLI(t, "config", "--init"); !strings.Contains(out, "Wrote") {
		t.Errorf("config --init output:\n%s", out)
	}
	configInit = false
}
