package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/kvdb/engine/internal/config"
)

func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage the user configuration file",
	}
	cmd.AddCommand(newConfigBackupCmd())
	cmd.AddCommand(newConfigRestoreCmd())
	return cmd
}

func newConfigBackupCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "backup",
		Short: "Write a timestamped backup of the user config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := config.BackupUserConfig()
			if err != nil {
				return fmt.Errorf("backup failed: %w", err)
			}
			if path == "" {
				fmt.Fprintln(cmd.OutOrStdout(), "no user config file found, nothing to back up")
				return nil
			}
			fmt.Fprintf(cmd.OutOrStdout(), "backup written to %s\n", path)
			return nil
		},
	}
}

func newConfigRestoreCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "restore <backup-path>",
		Short: "Restore the user config file from a backup, backing up the current one first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := config.RestoreUserConfig(args[0]); err != nil {
				return fmt.Errorf("restore failed: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "config restored from %s\n", args[0])
			return nil
		},
	}
}
