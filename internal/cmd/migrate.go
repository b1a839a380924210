package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/antigravity/keygate/internal/config"
	"github.com/antigravity/keygate/internal/logger"
	"github.com/antigravity/keygate/internal/notify"
	"github.com/antigravity/keygate/internal/storage"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply the postgres schema and the job queue schema",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		if cfg.Storage.Driver != storage.DriverPostgres {
			return fmt.Errorf("migrate needs the postgres driver, got %q", cfg.Storage.Driver)
		}

		log := logger.NewConsole(cfg.Logging.Level)
		defer log.Sync()

		store, err := storage.NewPostgresStore(cmd.Context(), cfg.Storage.PostgresURL)
		if err != nil {
			return err
		}
		defer store.Close()

		return migratePostgres(cmd.Context(), store, log)
	},
}

func init() {
	rootCmd.AddCommand(migrateCmd)
}

// migratePostgres is idempotent; serve runs it on every start
func migratePostgres(ctx context.Context, store *storage.PostgresStore, log *zap.Logger) error {
	applied, err := store.Migrate(ctx)
	if err != nil {
		return fmt.Errorf("failed to migrate postgres: %w", err)
	}
	for _, name := range applied {
		log.Info("Applied migration", zap.String("name", name))
	}
	if err := notify.MigrateRiver(ctx, store.Pool()); err != nil {
		return err
	}
	log.Info("Database schema is up to date", zap.Int("applied", len(applied)))
	return nil
}
