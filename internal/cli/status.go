package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/tutu-network/conductor/internal/daemon"
	"github.com/tutu-network/conductor/internal/domain"
	"github.com/tutu-network/conductor/internal/infra/sqlite"
)

func init() {
	statusCmd.Flags().BoolVar(&statusJSON, "json", false, "Print the raw snapshot as JSON")
	statusCmd.Flags().IntVar(&statusRecent, "recent", 10, "Number of finished tasks to show")
	rootCmd.AddCommand(statusCmd)
}

var (
	statusJSON   bool
	statusRecent int
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show queued, running and recent tasks",
	Long:  `Show the scheduler state as last persisted. Works whether or not the daemon is running.`,
	RunE:  runStatus,
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := daemon.LoadConfig()
	if err != nil {
		return err
	}
	db, err := sqlite.Open(cfg.DataDir)
	if err != nil {
		return err
	}
	defer db.Close()

	snap, err := db.LoadSnapshot()
	if err != nil {
		return err
	}
	if snap == nil {
		snap = &domain.Snapshot{}
	}
	out := cmd.OutOrStdout()
	if statusJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(snap)
	}
	return renderStatus(out, snap, statusRecent, time.Now())
}

func renderStatus(out io.Writer, snap *domain.Snapshot, recent int, now time.Time) error {
	if snap.SavedAt.IsZero() {
		fmt.Fprintln(out, "No scheduler state saved yet.")
		return nil
	}
	fmt.Fprintf(out, "Saved %s ago: %d queued, %d running, %d finished\n\n",
		humanDuration(now.Sub(snap.SavedAt)), len(snap.Queue), len(snap.Running), len(snap.Completed))

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tKIND\tPRIO\tSTATUS\tRETRIES\tWHEN")
	for _, t := range snap.Running {
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\t%d/%d\tstarted %s ago\n",
			t.ID, truncate(t.Name, 32), t.Kind, t.Priority, t.Status, t.RetryCount, t.MaxRetries,
			humanDuration(now.Sub(t.StartedAt)))
	}
	for _, t := range snap.Queue {
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\t%d/%d\t%s\n",
			t.ID, truncate(t.Name, 32), t.Kind, t.Priority, t.Status, t.RetryCount, t.MaxRetries,
			dueIn(t.ScheduledFor, now))
	}
	finished := snap.Completed
	if recent >= 0 && len(finished) > recent {
		finished = finished[len(finished)-recent:]
	}
	for i := len(finished) - 1; i >= 0; i-- {
		t := finished[i]
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\t%d/%d\t%s ago\n",
			t.ID, truncate(t.Name, 32), t.Kind, t.Priority, t.Status, t.RetryCount, t.MaxRetries,
			humanDuration(now.Sub(t.CompletedAt)))
	}
	return w.Flush()
}

func dueIn(at, now time.Time) string {
	if !at.After(now) {
		return "due"
	}
	return "in " + humanDuration(at.Sub(now))
}

func humanDuration(d time.Duration) string {
	switch {
	case d < time.Second:
		return "0s"
	case d < time.Hour:
		return d.Truncate(time.Second).String()
	case d < 48*time.Hour:
		return d.Truncate(time.Minute).String()
	default:
		return fmt.Sprintf("%dd", int(d.Hours()/24))
	}
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
