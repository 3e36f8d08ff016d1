package pipeline

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/radiusdt/vector-attribution/internal/aggregator"
	"github.com/radiusdt/vector-attribution/internal/storage"
)

// Persister periodically copies changed rollup snapshots and late adjustments
// from the aggregator into the rollup store. Its offset is the last persisted
// partition version.
type Persister struct {
	agg      *aggregator.Aggregator
	rollups  storage.RollupStore
	offsets  storage.OffsetStore
	interval time.Duration
	logger   *zap.Logger
}

func NewPersister(agg *aggregator.Aggregator, rollups storage.RollupStore, offsets storage.OffsetStore, interval time.Duration, logger *zap.Logger) *Persister {
	return &Persister{
		agg:      agg,
		rollups:  rollups,
		offsets:  offsets,
		interval: interval,
		logger:   logger,
	}
}

// Run persists on every tick until ctx is done, then flushes once more.
func (p *Persister) Run(ctx context.Context) error {
	interval := p.interval
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			flushCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
			defer cancel()
			p.PersistAll(flushCtx)
			return nil
		case <-ticker.C:
			p.PersistAll(ctx)
		}
	}
}

// PersistAll persists every campaign, logging failures per campaign.
func (p *Persister) PersistAll(ctx context.Context) {
	for _, id := range p.agg.Campaigns() {
		if err := p.Persist(ctx, id); err != nil {
			p.logger.Error("rollup persistence failed", zap.String("campaign_id", id), zap.Error(err))
		}
	}
}

// Persist writes what changed in the campaign since the persisted version. After
// a restore the partition version can trail the stored offset; everything is
// rewritten then, which the store absorbs as replacements.
func (p *Persister) Persist(ctx context.Context, campaignID string) error {
	since, err := p.offsets.Get(ctx, storage.StagePersist, campaignID)
	if err != nil {
		return fmt.Errorf("get persist offset: %w", err)
	}
	if current := p.agg.CurrentVersion(campaignID); current < since {
		since = 0
	} else if current == since {
		return nil
	}

	snaps, late, version := p.agg.ChangesSince(campaignID, since)
	if len(snaps) > 0 {
		if err := p.rollups.SaveSnapshots(ctx, snaps); err != nil {
			return fmt.Errorf("save snapshots: %w", err)
		}
	}
	if len(late) > 0 {
		if err := p.rollups.SaveLateAdjustments(ctx, late); err != nil {
			return fmt.Errorf("save late adjustments: %w", err)
		}
	}
	if err := p.offsets.Set(ctx, storage.StagePersist, campaignID, version); err != nil {
		return fmt.Errorf("set persist offset: %w", err)
	}

	p.logger.Debug("rollups persisted",
		zap.String("campaign_id", campaignID),
		zap.Int("snapshots", len(snaps)),
		zap.Int("late_adjustments", len(late)),
		zap.Int64("version", version),
	)
	return nil
}
