// Package bus carries cache invalidations between the aggregator and every cache
// instance.
package bus

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"github.com/radiusdt/vector-attribution/internal/config"
	"github.com/radiusdt/vector-attribution/internal/database"
	"github.com/radiusdt/vector-attribution/internal/models"
)

// Handler consumes one invalidation.
type Handler func(inv models.Invalidation)

// Transport moves invalidations. Subscribe blocks until ctx is done.
type Transport interface {
	Name() string
	Send(ctx context.Context, inv models.Invalidation) error
	Subscribe(ctx context.Context, h Handler) error
	Close() error
}

func encode(inv models.Invalidation) ([]byte, error) {
	return json.Marshal(inv)
}

func decode(data []byte) (models.Invalidation, error) {
	var inv models.Invalidation
	if err := json.Unmarshal(data, &inv); err != nil {
		return models.Invalidation{}, fmt.Errorf("decode invalidation: %w", err)
	}
	return inv, nil
}

// New builds the transport selected by cfg.Bus.Transport.
func New(cfg *config.Config, conns *database.Connections, instanceID string, logger *zap.Logger) (Transport, error) {
	switch cfg.Bus.Transport {
	case "redis":
		if conns == nil || conns.Redis == nil {
			return nil, fmt.Errorf("redis bus requires a redis connection")
		}
		return NewRedisBus(conns.Redis.Client, cfg.Bus.Topic, logger), nil
	case "kafka":
		groupID := cfg.Kafka.GroupID
		if instanceID != "" {
			groupID += "-" + instanceID
		}
		return NewKafkaBus(cfg.Kafka.Brokers, cfg.Bus.Topic, groupID, logger), nil
	default:
		return NewLocalBus(cfg.Bus.BufferSize), nil
	}
}
