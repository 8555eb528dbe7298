package commands

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/goatkit/ludo/internal/config"
)

var configPath string

// rootCmd represents the base command when called without any subcommands
var rootCmd = newRootCmd()

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ludo",
		Short: "ludo - plugin driven game engine",
		Long: `ludo runs a game assembled from sandboxed WebAssembly plugins.

Plugins exchange messages once per tick, own widgets on a shared canvas and
keep their state in per-plugin stores that survive save and restore.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
		FParseErrWhitelist: cobra.FParseErrWhitelist{},
	}
	cmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file (YAML); LUDO_* environment variables override it")
	cmd.AddCommand(newRunCmd(), newCheckCmd(), newKeygenCmd(), newSignCmd(), newPackCmd(), newInstallCmd())
	return cmd
}

// Execute runs the root command. Errors are returned to main for printing.
func Execute() error {
	rootCmd.SilenceErrors = true
	rootCmd.SilenceUsage = true
	return rootCmd.Execute()
}

// SetVersionInfo sets the version information for the CLI
func SetVersionInfo(v, c, d string) {
	rootCmd.Version = fmt.Sprintf("%s (commit: %s, built: %s)", v, c, d)
}

// loadConfig reads the config and builds the process logger from it.
func loadConfig(cmd *cobra.Command) (*config.Config, *slog.Logger, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, err
	}
	logger := cfg.Log.NewLogger(cmd.ErrOrStderr())
	return cfg, logger, nil
}
