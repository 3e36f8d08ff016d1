package main

import (
	"encoding/json"
	"fmt"
	"os"

	"go.uber.org/zap"

	"github.com/radiusdt/vector-attribution/internal/config"
	"github.com/radiusdt/vector-attribution/internal/database"
	"github.com/radiusdt/vector-attribution/internal/models"
	"github.com/radiusdt/vector-attribution/internal/storage"
)

// stores is the storage selection for one process. PostgreSQL backs the logs,
// offsets and campaigns when configured; ClickHouse backs rollups; everything
// else falls back to memory.
type stores struct {
	events      storage.EventLog
	attribution storage.AttributionLog
	attributed  storage.AttributionStore
	versions    storage.ModelVersionStore
	offsets     storage.OffsetStore
	checkpoints storage.CheckpointStore
	campaigns   storage.CampaignRegistry
	rollups     storage.RollupStore

	// persistOffsets tracks rollup persistence. Redis is preferred so instances
	// without PostgreSQL still share it; the persister tolerates a reset partition.
	persistOffsets storage.OffsetStore
}

func openStores(cfg *config.Config, conns *database.Connections, campaignsFile string, logger *zap.Logger) (*stores, error) {
	s := &stores{}
	pageSize := cfg.Pipeline.BatchSize

	if conns.Postgres != nil {
		pool := conns.Postgres.Pool
		attribution := storage.NewPostgresAttributionLog(pool, pageSize)
		offsets := storage.NewPostgresOffsetStore(pool)

		s.events = storage.NewPostgresEventLog(pool, pageSize)
		s.attribution = attribution
		s.attributed = attribution
		s.versions = attribution
		s.offsets = offsets
		s.checkpoints = offsets
		s.campaigns = storage.NewPostgresCampaignRegistry(pool, cfg.Pipeline.CampaignRefresh)
		logger.Info("using PostgreSQL stores")
	} else {
		campaigns, err := loadCampaigns(campaignsFile)
		if err != nil {
			return nil, err
		}
		s.events = storage.NewInMemoryEventLog(pageSize)
		s.attribution = storage.NewInMemoryAttributionLog(pageSize)
		attributed := storage.NewInMemoryAttributionStore()
		s.attributed = attributed
		s.versions = attributed
		s.offsets = storage.NewInMemoryOffsetStore()
		s.checkpoints = storage.NewInMemoryCheckpointStore()
		s.campaigns = storage.NewInMemoryCampaignRegistry(campaigns...)
		logger.Warn("PostgreSQL not configured, using in-memory stores",
			zap.Int("campaigns", len(campaigns)),
		)
	}

	if conns.ClickHouse != nil {
		s.rollups = storage.NewClickHouseRollupStore(conns.ClickHouse.Conn(), logger)
	} else {
		s.rollups = storage.NewInMemoryRollupStore()
	}

	if conns.Redis != nil {
		s.persistOffsets = storage.NewRedisOffsetStore(conns.Redis.Client, "")
	} else {
		s.persistOffsets = s.offsets
	}

	return s, nil
}

// loadCampaigns reads a JSON array of campaigns for in-memory mode.
func loadCampaigns(path string) ([]*models.Campaign, error) {
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read campaigns: %w", err)
	}
	var campaigns []*models.Campaign
	if err := json.Unmarshal(data, &campaigns); err != nil {
		return nil, fmt.Errorf("decode campaigns %s: %w", path, err)
	}
	return campaigns, nil
}
