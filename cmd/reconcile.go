package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

var reconcileCmd = &cobra.Command{
	Use:   "reconcile",
	Short: "Remove orphaned uploads once and exit",
	Long: `Remove staged uploads whose records never committed and retry
deletions that failed earlier. The server runs the same pass periodically.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, db, err := boot()
		if err != nil {
			return err
		}
		defer closeDB(db)

		attachments, err := newAttachments(cmd.Context(), cfg, db)
		if err != nil {
			return err
		}
		report, err := attachments.ReconcileAll(cmd.Context(), time.Now())
		if err != nil {
			return fmt.Errorf("reconcile: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "removed %d files, %d failed\n", report.Removed, report.Failed)
		return nil
	},
}
