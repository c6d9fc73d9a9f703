package cmd

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/agridoctor/agridoctor/controllers"
	"github.com/agridoctor/agridoctor/search"
)

var reindexCategory uint

var reindexCmd = &cobra.Command{
	Use:   "reindex",
	Short: "Rebuild the disease search index from the database",
	Long: `Write every disease to the configured Elasticsearch index. Use it after
the index was unreachable or newly configured.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, db, err := boot()
		if err != nil {
			return err
		}
		defer closeDB(db)

		if len(cfg.ElasticAddresses) == 0 {
			return errors.New("reindex: no elasticsearch addresses configured")
		}
		index, err := search.NewElastic(cfg.ElasticAddresses, cfg.ElasticUsername, cfg.ElasticPassword, cfg.ElasticIndex)
		if err != nil {
			return fmt.Errorf("reindex: %w", err)
		}
		n, err := controllers.ReindexDiseases(cmd.Context(), db, index, reindexCategory)
		if err != nil {
			return fmt.Errorf("reindex after %d diseases: %w", n, err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "indexed %d diseases\n", n)
		return nil
	},
}

func init() {
	reindexCmd.Flags().UintVar(&reindexCategory, "category", 0, "only diseases in this category id")
}
