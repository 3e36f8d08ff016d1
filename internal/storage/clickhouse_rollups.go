package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"go.uber.org/zap"

	"github.com/radiusdt/vector-attribution/internal/models"
)

// ClickHouseRollupStore persists window snapshots and late adjustments. Column
// names are part of the persisted rollup contract.
type ClickHouseRollupStore struct {
	conn driver.Conn
	log  *zap.Logger
}

// NewClickHouseRollupStore creates a new ClickHouse rollup store.
func NewClickHouseRollupStore(conn driver.Conn, log *zap.Logger) *ClickHouseRollupStore {
	return &ClickHouseRollupStore{conn: conn, log: log}
}

// InitSchema creates the rollup tables. Snapshots use ReplacingMergeTree on the
// partition version so the newest write of a bucket wins.
func (s *ClickHouseRollupStore) InitSchema(ctx context.Context) error {
	snapshots := `
	CREATE TABLE IF NOT EXISTS rollup_snapshots (
		campaign_id String,
		model_id LowCardinality(String),
		window_granularity LowCardinality(String),
		window_start DateTime64(3, 'UTC'),
		window_end DateTime64(3, 'UTC'),
		sums String,
		last_event_seq Int64,
		watermark DateTime64(3, 'UTC'),
		is_closed UInt8,
		version UInt64
	) ENGINE = ReplacingMergeTree(version)
	ORDER BY (campaign_id, model_id, window_granularity, window_start)
	PARTITION BY toYYYYMM(window_start)
	`
	if err := s.conn.Exec(ctx, snapshots); err != nil {
		return fmt.Errorf("failed to create rollup_snapshots table: %w", err)
	}

	late := `
	CREATE TABLE IF NOT EXISTS late_adjustments (
		id String,
		campaign_id String,
		model_id LowCardinality(String),
		window_granularity LowCardinality(String),
		window_start DateTime64(3, 'UTC'),
		seq Int64,
		source_event_id String,
		reason LowCardinality(String),
		delta String,
		recorded_at DateTime64(3, 'UTC')
	) ENGINE = ReplacingMergeTree
	ORDER BY (campaign_id, window_granularity, window_start, id)
	`
	if err := s.conn.Exec(ctx, late); err != nil {
		return fmt.Errorf("failed to create late_adjustments table: %w", err)
	}

	s.log.Info("ClickHouse rollup schema initialized")
	return nil
}

func (s *ClickHouseRollupStore) SaveSnapshots(ctx context.Context, snaps []models.MetricWindowSnapshot) error {
	if len(snaps) == 0 {
		return nil
	}

	batch, err := s.conn.PrepareBatch(ctx, "INSERT INTO rollup_snapshots")
	if err != nil {
		return fmt.Errorf("failed to prepare batch: %w", err)
	}

	for _, snap := range snaps {
		sums, err := json.Marshal(snap.Sums)
		if err != nil {
			return fmt.Errorf("failed to encode sums: %w", err)
		}
		var closed uint8
		if snap.IsClosed {
			closed = 1
		}
		if err := batch.Append(
			snap.CampaignID,
			string(snap.ModelID),
			string(snap.Granularity),
			snap.WindowStart,
			snap.WindowEnd,
			string(sums),
			snap.LastEventSeq,
			snap.Watermark,
			closed,
			uint64(snap.Version),
		); err != nil {
			return fmt.Errorf("failed to append snapshot to batch: %w", err)
		}
	}

	if err := batch.Send(); err != nil {
		return fmt.Errorf("failed to send batch: %w", err)
	}
	return nil
}

func (s *ClickHouseRollupStore) SaveLateAdjustments(ctx context.Context, entries []models.LateAdjustmentEntry) error {
	if len(entries) == 0 {
		return nil
	}

	batch, err := s.conn.PrepareBatch(ctx, "INSERT INTO late_adjustments")
	if err != nil {
		return fmt.Errorf("failed to prepare batch: %w", err)
	}

	for _, e := range entries {
		delta, err := json.Marshal(e.Delta)
		if err != nil {
			return fmt.Errorf("failed to encode delta: %w", err)
		}
		if err := batch.Append(
			e.ID,
			e.CampaignID,
			string(e.ModelID),
			string(e.Granularity),
			e.WindowStart,
			e.Seq,
			e.SourceEventID,
			e.Reason,
			string(delta),
			e.RecordedAt,
		); err != nil {
			return fmt.Errorf("failed to append late adjustment to batch: %w", err)
		}
	}

	if err := batch.Send(); err != nil {
		return fmt.Errorf("failed to send batch: %w", err)
	}
	return nil
}

func (s *ClickHouseRollupStore) ListSnapshots(ctx context.Context, campaignID string, g models.Granularity, from, to time.Time) ([]models.MetricWindowSnapshot, error) {
	rows, err := s.conn.Query(ctx, `
		SELECT campaign_id, model_id, window_granularity, window_start, window_end,
			sums, last_event_seq, watermark, is_closed, version
		FROM rollup_snapshots FINAL
		WHERE campaign_id = ? AND window_granularity = ? AND window_start >= ? AND window_start < ?
		ORDER BY window_start, model_id
	`, campaignID, string(g), from, to)
	if err != nil {
		return nil, fmt.Errorf("failed to query snapshots: %w", err)
	}
	defer func(rows driver.Rows) {
		if err := rows.Close(); err != nil {
			s.log.Error("failed to close snapshot rows", zap.Error(err))
		}
	}(rows)

	var result []models.MetricWindowSnapshot
	for rows.Next() {
		var (
			snap        models.MetricWindowSnapshot
			modelID     string
			granularity string
			sums        string
			closed      uint8
			version     uint64
		)
		if err := rows.Scan(&snap.CampaignID, &modelID, &granularity, &snap.WindowStart, &snap.WindowEnd,
			&sums, &snap.LastEventSeq, &snap.Watermark, &closed, &version); err != nil {
			return nil, fmt.Errorf("failed to scan snapshot row: %w", err)
		}
		if err := json.Unmarshal([]byte(sums), &snap.Sums); err != nil {
			return nil, fmt.Errorf("failed to decode sums: %w", err)
		}
		snap.ModelID = models.ModelID(modelID)
		snap.Granularity = models.Granularity(granularity)
		snap.IsClosed = closed == 1
		snap.Version = int64(version)
		snap.Derive()
		result = append(result, snap)
	}
	return result, rows.Err()
}
