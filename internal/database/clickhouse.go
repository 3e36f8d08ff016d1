package database

import (
	"context"
	"crypto/tls"
	"fmt"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"go.uber.org/zap"

	"github.com/radiusdt/vector-attribution/internal/config"
)

// ClickHouseDB wraps the ClickHouse connection used for persisted rollups.
type ClickHouseDB struct {
	conn   driver.Conn
	logger *zap.Logger
}

// NewClickHouseDB opens and pings a ClickHouse connection.
func NewClickHouseDB(ctx context.Context, cfg config.ClickHouseConfig, logger *zap.Logger) (*ClickHouseDB, error) {
	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)

	var tlsConfig *tls.Config
	if cfg.UseTLS {
		tlsConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{addr},
		Auth: clickhouse.Auth{
			Database: cfg.Database,
			Username: cfg.User,
			Password: cfg.Password,
		},
		Settings: clickhouse.Settings{
			"max_execution_time": 60,
		},
		TLS:              tlsConfig,
		DialTimeout:      5 * time.Second,
		MaxOpenConns:     cfg.MaxOpenConns,
		MaxIdleConns:     cfg.MaxIdleConns,
		ConnMaxLifetime:  cfg.ConnMaxLifetime,
		ConnOpenStrategy: clickhouse.ConnOpenInOrder,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to ClickHouse: %w", err)
	}

	if err := conn.Ping(ctx); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping ClickHouse: %w", err)
	}

	logger.Info("connected to ClickHouse",
		zap.String("addr", addr),
		zap.String("database", cfg.Database),
		zap.Bool("tls", cfg.UseTLS),
	)

	return &ClickHouseDB{conn: conn, logger: logger}, nil
}

// Conn returns the underlying driver connection.
func (c *ClickHouseDB) Conn() driver.Conn {
	return c.conn
}

// Close closes the ClickHouse connection.
func (c *ClickHouseDB) Close() error {
	if c.conn == nil {
		return nil
	}
	c.logger.Info("ClickHouse connection closed")
	return c.conn.Close()
}

// Health checks if ClickHouse is reachable.
func (c *ClickHouseDB) Health(ctx context.Context) error {
	return c.conn.Ping(ctx)
}
