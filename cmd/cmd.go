// Package cmd implements the gencache command line interface for
// inspecting checkpoint directories.
package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

func NewCLI() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "gencache",
		Short: "Inspect model checkpoints and their key/value cache shapes",
		CompletionOptions: cobra.CompletionOptions{
			DisableDefaultCmd: true,
		},
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			// Disable usage printing on errors
			cmd.SilenceUsage = true
		},
	}

	cobra.EnableCommandSorting = false

	ckptCmd := &cobra.Command{
		Use:   "ckpt",
		Short: "Work with checkpoint directories",
	}
	ckptCmd.AddCommand(NewListCmd(), NewVerifyCmd())

	rootCmd.AddCommand(ckptCmd)

	return rootCmd
}

func checkDirArg(cmd *cobra.Command, args []string) error {
	if err := cobra.ExactArgs(1)(cmd, args); err != nil {
		return fmt.Errorf("expected a checkpoint directory: %w", err)
	}
	return nil
}
