package cli

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
	"github.com/spf13/cobra"

	"github.com/tutu-network/conductor/internal/daemon"
)

func init() {
	configCmd.Flags().BoolVar(&configInit, "init", false, "Write the defaults to $CONDUCTOR_HOME/config.toml if it does not exist")
	rootCmd.AddCommand(configCmd)
}

var configInit bool

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Print the effective configuration",
	RunE:  runConfig,
}

func runConfig(cmd *cobra.Command, args []string) error {
	if configInit {
		path := filepath.Join(daemon.Home(), "config.toml")
		if _, err := os.Stat(path); !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("%s already exists", path)
		}
		if err := daemon.SaveConfig(daemon.DefaultConfig(), path); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), "Wrote", path)
		return nil
	}

	cfg, err := daemon.LoadConfig()
	if err != nil {
		return err
	}
	return toml.NewEncoder(cmd.OutOrStdout()).Encode(cfg)
}
