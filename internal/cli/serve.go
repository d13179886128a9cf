package cli

import (
	"context"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/tutu-network/conductor/internal/daemon"
)

func init() {
	serveCmd.Flags().StringVar(&serveHost, "host", "", "Host to listen on (overrides config)")
	serveCmd.Flags().IntVar(&servePort, "port", 0, "Port to listen on (overrides config)")
	rootCmd.AddCommand(serveCmd)
}

var (
	serveHost string
	servePort int
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the scheduler daemon",
	Long: `Run the scheduler, the availability oracle and health checks, and serve
the read-only status API (default 127.0.0.1:7878).`,
	RunE: runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	d, err := daemon.New(cmd.Root().Version)
	if err != nil {
		return err
	}
	defer d.Close()
	slog.SetDefault(d.Logger)

	if serveHost != "" {
		d.Config.API.Host = serveHost
	}
	if servePort > 0 {
		d.Config.API.Port = servePort
	}

	return d.Serve(context.Background())
}
