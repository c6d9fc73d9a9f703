package cmd

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/agridoctor/agridoctor/controllers"
	"github.com/agridoctor/agridoctor/models"
)

var adminName, adminEmail, adminPassword string

var createAdminCmd = &cobra.Command{
	Use:   "create-admin",
	Short: "Create an admin account",
	Example: `  agridoctor create-admin --email admin@example.com --password s3cret!`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if adminEmail == "" || adminPassword == "" {
			return errors.New("--email and --password are required")
		}
		_, db, err := boot()
		if err != nil {
			return err
		}
		defer closeDB(db)

		user, err := controllers.CreateUser(db, adminName, adminEmail, adminPassword, models.RoleAdmin)
		if err != nil {
			return fmt.Errorf("create admin: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "created admin %d <%s>\n", user.ID, user.Email)
		return nil
	},
}

func init() {
	createAdminCmd.Flags().StringVar(&adminName, "name", "Administrator", "display name")
	createAdminCmd.Flags().StringVar(&adminEmail, "email", "", "login e-mail")
	createAdminCmd.Flags().StringVar(&adminPassword, "password", "", "password, at least 6 characters")
}
