package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/agridoctor/agridoctor/config"
	"github.com/agridoctor/agridoctor/controllers"
	"github.com/agridoctor/agridoctor/events"
	"github.com/agridoctor/agridoctor/routes"
	"github.com/agridoctor/agridoctor/search"
	"github.com/agridoctor/agridoctor/storage"
	"github.com/agridoctor/agridoctor/utils"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API server",
	Long: `Start the HTTP API server.

The server restarts in place on SIGUSR2 and drains connections on SIGINT or SIGTERM.
The upload reconciler runs in the background for the life of the process.`,
	RunE: runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, db, err := boot()
	if err != nil {
		return err
	}
	defer closeDB(db)
	defer utils.CloseRedis()
	defer utils.Logger.Sync() //nolint:errcheck

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	deps, cleanup, err := buildDeps(ctx, cfg, db)
	if err != nil {
		return err
	}
	defer cleanup()

	if err := controllers.EnsureBootstrapAdmin(db, cfg); err != nil {
		utils.Logger.Error("bootstrap admin failed", zap.Error(err))
	}

	reconcilerDone := deps.Attachments.StartReconciler(ctx, time.Duration(cfg.ReconcileIntervalMinutes)*time.Minute)

	r := routes.SetupRouter(db, deps)
	utils.Sugar.Infof("Starting server on port %s (graceful, storage=%s)", cfg.AppPort, deps.Attachments.Store().Name())
	err = utils.GraceServer(ctx, ":"+cfg.AppPort, r)
	stop()
	<-reconcilerDone
	return err
}

// buildDeps wires the optional integrations. Kafka and Elasticsearch are
// skipped when not configured.
func buildDeps(ctx context.Context, cfg config.AppConfig, db *gorm.DB) (routes.Deps, func(), error) {
	var deps routes.Deps
	attachments, err := newAttachments(ctx, cfg, db)
	if err != nil {
		return deps, nil, err
	}
	deps.Attachments = attachments

	deps.Events = events.Nop{}
	if len(cfg.KafkaBrokers) > 0 {
		pub, err := events.NewKafkaPublisher(cfg.KafkaBrokers, cfg.KafkaTopicPrefix)
		if err != nil {
			utils.Logger.Warn("kafka unavailable, events disabled", zap.Error(err))
		} else {
			deps.Events = pub
		}
	}

	if len(cfg.ElasticAddresses) > 0 {
		index, err := search.NewElastic(cfg.ElasticAddresses, cfg.ElasticUsername, cfg.ElasticPassword, cfg.ElasticIndex)
		if err != nil {
			utils.Logger.Warn("elasticsearch unavailable, using database search", zap.Error(err))
		} else {
			deps.Index = index
		}
	}

	deps.Visits = utils.NewVisitTracker(utils.GetRedis(), utils.OnlineWindow)

	cleanup := func() {
		if err := deps.Events.Close(); err != nil {
			utils.Logger.Warn("close event publisher", zap.Error(err))
		}
	}
	return deps, cleanup, nil
}

func newAttachments(ctx context.Context, cfg config.AppConfig, db *gorm.DB) (*storage.Attachments, error) {
	store, err := storage.New(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return storage.NewAttachments(db, store, storage.Options{
		MaxBytes:   int64(cfg.MaxUploadMB) << 20,
		StagingTTL: time.Duration(cfg.UploadStagingTTLMinutes) * time.Minute,
	}), nil
}
