package cli

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/tutu-network/conductor/internal/daemon"
	"github.com/tutu-network/conductor/internal/domain"
	"github.com/tutu-network/conductor/internal/infra/sqlite"
)

func init() {
	creditsCmd.Flags().IntVar(&creditsLimit, "limit", 10, "Number of ledger entries to show")
	rootCmd.AddCommand(creditsCmd)
}

var creditsLimit int

var creditsCmd = &cobra.Command{
	Use:   "credits",
	Short: "Show the credit quota balance and recent ledger entries",
	RunE:  runCredits,
}

func runCredits(cmd *cobra.Command, args []string) error {
	cfg, err := daemon.LoadConfig()
	if err != nil {
		return err
	}
	db, err := sqlite.Open(cfg.DataDir)
	if err != nil {
		return err
	}
	defer db.Close()

	bal, err := db.CreditBalance(domain.AccountBalance)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Balance: %d", bal)
	if cfg.Oracle.DailyQuota > 0 {
		fmt.Fprintf(out, " (daily quota %d, resets at %02d:00)", cfg.Oracle.DailyQuota, cfg.Oracle.ResetHour)
	}
	fmt.Fprintln(out)

	entries, err := db.LedgerEntries(domain.AccountBalance, creditsLimit)
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		return nil
	}
	fmt.Fprintln(out)
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "TIME\tTYPE\tAMOUNT\tBALANCE\tTASK\tDESCRIPTION")
	for _, e := range entries {
		amount := fmt.Sprintf("+%d", e.Amount)
		if e.EntryType == domain.EntryDebit {
			amount = fmt.Sprintf("-%d", e.Amount)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\t%s\n",
			e.Timestamp.Local().Format("2006-01-02 15:04"), e.Type, amount, e.Balance, e.TaskID, e.Description)
	}
	return w.Flush()
}
