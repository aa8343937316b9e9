package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newSnapshotCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "snapshot <dest-path>",
		Short: "Write a consistent point-in-time copy of the data directory",
		Long: `Snapshot opens a read-only bbolt transaction over the live store and
copies it to dest-path, giving a crash-consistent backup that can be
reopened as its own data directory.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSnapshot(cmd, args[0])
		},
	}
	return cmd
}

func runSnapshot(cmd *cobra.Command, dest string) error {
	e, err := openEngine()
	if err != nil {
		return fmt.Errorf("failed to open engine: %w", err)
	}
	defer func() { _ = e.Close() }()

	if err := e.Snapshot(dest); err != nil {
		return fmt.Errorf("snapshot failed: %w", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "snapshot written to %s\n", dest)
	return nil
}
