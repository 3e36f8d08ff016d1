package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/radiusdt/vector-attribution/internal/database"
	"github.com/radiusdt/vector-attribution/internal/storage"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create the PostgreSQL and ClickHouse schemas",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, logger, err := loadConfig()
		if err != nil {
			return err
		}
		defer logger.Sync()

		if !cfg.Database.Enabled() && !cfg.ClickHouse.Enabled() {
			return errors.New("nothing to migrate: neither PostgreSQL nor ClickHouse is configured")
		}

		conns, err := database.Open(cmd.Context(), cfg, logger)
		if err != nil {
			return fmt.Errorf("open connections: %w", err)
		}
		defer conns.Close()

		return migrate(cmd.Context(), conns, logger)
	},
}

func migrate(ctx context.Context, conns *database.Connections, logger *zap.Logger) error {
	if conns.Postgres != nil {
		if err := storage.MigratePostgres(ctx, conns.Postgres.Pool); err != nil {
			return fmt.Errorf("migrate postgres: %w", err)
		}
		logger.Info("PostgreSQL schema applied")
	}
	if conns.ClickHouse != nil {
		if err := storage.NewClickHouseRollupStore(conns.ClickHouse.Conn(), logger).InitSchema(ctx); err != nil {
			return fmt.Errorf("migrate clickhouse: %w", err)
		}
		logger.Info("ClickHouse schema applied")
	}
	return nil
}
