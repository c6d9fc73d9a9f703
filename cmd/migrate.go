package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/agridoctor/agridoctor/models"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create or update database tables and exit",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, db, err := boot()
		if err != nil {
			return err
		}
		defer closeDB(db)
		fmt.Fprintf(cmd.OutOrStdout(), "migrated %d models on %s\n", len(models.All()), cfg.DBDriver)
		return nil
	},
}
