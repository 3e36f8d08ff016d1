package database

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/radiusdt/vector-attribution/internal/config"
)

// Connections holds every configured backing store. Unconfigured stores are nil and
// callers fall back to the in-memory implementations.
type Connections struct {
	Postgres   *PostgresDB
	Redis      *RedisDB
	ClickHouse *ClickHouseDB
}

// Open connects to each store enabled in cfg. On failure every connection opened so
// far is closed.
func Open(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*Connections, error) {
	c := &Connections{}

	if cfg.Database.Enabled() {
		pg, err := NewPostgresDB(ctx, cfg.Database, logger)
		if err != nil {
			return nil, err
		}
		c.Postgres = pg
	}

	if cfg.Redis.Enabled() {
		rdb, err := NewRedisDB(ctx, cfg.Redis, logger)
		if err != nil {
			c.Close()
			return nil, err
		}
		c.Redis = rdb
	}

	if cfg.ClickHouse.Enabled() {
		ch, err := NewClickHouseDB(ctx, cfg.ClickHouse, logger)
		if err != nil {
			c.Close()
			return nil, err
		}
		c.ClickHouse = ch
	}

	return c, nil
}

// Health pings every open connection.
func (c *Connections) Health(ctx context.Context) error {
	var errs []error
	if c.Postgres != nil {
		errs = append(errs, c.Postgres.Health(ctx))
	}
	if c.Redis != nil {
		errs = append(errs, c.Redis.Health(ctx))
	}
	if c.ClickHouse != nil {
		errs = append(errs, c.ClickHouse.Health(ctx))
	}
	return errors.Join(errs...)
}

// Close closes every open connection.
func (c *Connections) Close() {
	if c.Postgres != nil {
		c.Postgres.Close()
	}
	if c.Redis != nil {
		_ = c.Redis.Close()
	}
	if c.ClickHouse != nil {
		_ = c.ClickHouse.Close()
	}
}
