package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/agridoctor/agridoctor/config"
	"github.com/agridoctor/agridoctor/models"
	"github.com/agridoctor/agridoctor/utils"
)

var configFile string

var rootCmd = &cobra.Command{
	Use:   "agridoctor",
	Short: "Rice disease catalog API",
	Long: `AgriDoctor serves the rice disease catalog API.

Without a subcommand it starts the HTTP server, same as "agridoctor serve".`,
	SilenceUsage: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if configFile != "" {
			os.Setenv("CONFIG_FILE", configFile)
		}
	},
	RunE: runServe,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "config file (json, yaml or toml)")
	rootCmd.AddCommand(serveCmd, migrateCmd, reconcileCmd, reindexCmd, createAdminCmd)
}

// Execute runs the command line.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// boot loads configuration, starts logging and opens the migrated database.
func boot() (config.AppConfig, *gorm.DB, error) {
	cfg := config.Load()
	if err := utils.InitLogger(cfg); err != nil {
		return cfg, nil, fmt.Errorf("init logger: %w", err)
	}
	db, err := config.InitDatabase(cfg, zap.NewStdLog(utils.Logger), models.All()...)
	if err != nil {
		return cfg, nil, fmt.Errorf("init database: %w", err)
	}
	return cfg, db, nil
}

func closeDB(db *gorm.DB) {
	if sqlDB, err := db.DB(); err == nil {
		_ = sqlDB.Close()
	}
}
