// Package cmd provides the CLI commands for the kvdb admin binary.
package cmd

import (
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/kvdb/engine/internal/logging"
	"github.com/kvdb/engine/pkg/version"
)

var (
	dataDir   string
	debugMode bool

	loggingCleanup func()
)

// NewRootCmd creates the root command for the kvdb CLI.
func NewRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "kvdb",
		Short: "Admin CLI for the kvdb embedded multi-model database",
		Long: `kvdb is a thin administrative surface over the embedded engine:
snapshotting the data directory, rebuilding derived indexes from primary
rows, compacting the underlying store, and reporting status.

It is not the production request surface; embed internal/engine.Engine
directly for that.`,
		Version: version.Version,
	}

	cmd.SetVersionTemplate("kvdb version {{.Version}}\n")

	cmd.PersistentFlags().StringVar(&dataDir, "data-dir", "", "Engine data directory (defaults to the engine's own default)")
	cmd.PersistentFlags().BoolVar(&debugMode, "debug", false, "Enable debug-level logging to the log file and stderr")

	cmd.PersistentPreRunE = startLogging
	cmd.PersistentPostRunE = stopLogging

	cmd.AddCommand(newSnapshotCmd())
	cmd.AddCommand(newRebuildIndexCmd())
	cmd.AddCommand(newCompactCmd())
	cmd.AddCommand(newStatusCmd())
	cmd.AddCommand(newConfigCmd())
	cmd.AddCommand(newVersionCmd())

	return cmd
}

func startLogging(_ *cobra.Command, _ []string) error {
	logCfg := logging.DefaultConfig()
	if debugMode {
		logCfg = logging.DebugConfig()
	}
	logger, cleanup, err := logging.Setup(logCfg)
	if err != nil {
		return err
	}
	loggingCleanup = cleanup
	slog.SetDefault(logger)
	return nil
}

func stopLogging(_ *cobra.Command, _ []string) error {
	if loggingCleanup != nil {
		loggingCleanup()
		loggingCleanup = nil
	}
	return nil
}

// Execute runs the root command.
func Execute() error {
	return NewRootCmd().Execute()
}
