package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/radiusdt/vector-attribution/internal/models"
)

// PostgresOffsetStore implements OffsetStore and CheckpointStore using PostgreSQL.
type PostgresOffsetStore struct {
	pool *pgxpool.Pool
}

func NewPostgresOffsetStore(pool *pgxpool.Pool) *PostgresOffsetStore {
	return &PostgresOffsetStore{pool: pool}
}

func (s *PostgresOffsetStore) Get(ctx context.Context, stage, campaignID string) (int64, error) {
	var seq int64
	err := s.pool.QueryRow(ctx, `
		SELECT seq FROM stage_offsets WHERE stage = $1 AND campaign_id = $2
	`, stage, campaignID).Scan(&seq)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to get offset: %w", err)
	}
	return seq, nil
}

func (s *PostgresOffsetStore) Set(ctx context.Context, stage, campaignID string, seq int64) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO stage_offsets (stage, campaign_id, seq, updated_at)
		VALUES ($1, $2, $3, now())
		ON CONFLICT (stage, campaign_id) DO UPDATE SET
			seq = GREATEST(stage_offsets.seq, EXCLUDED.seq),
			updated_at = EXCLUDED.updated_at
	`, stage, campaignID, seq)
	if err != nil {
		return fmt.Errorf("failed to set offset: %w", err)
	}
	return nil
}

// Save stores a checkpoint unless a newer one is already present.
func (s *PostgresOffsetStore) Save(ctx context.Context, campaignID string, seq int64, state []byte) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO aggregator_checkpoints (campaign_id, seq, state, updated_at)
		VALUES ($1, $2, $3, now())
		ON CONFLICT (campaign_id) DO UPDATE SET
			seq = EXCLUDED.seq,
			state = EXCLUDED.state,
			updated_at = EXCLUDED.updated_at
		WHERE aggregator_checkpoints.seq <= EXCLUDED.seq
	`, campaignID, seq, string(state))
	if err != nil {
		return fmt.Errorf("failed to save checkpoint: %w", err)
	}
	return nil
}

func (s *PostgresOffsetStore) Load(ctx context.Context, campaignID string) (int64, []byte, error) {
	var seq int64
	var state []byte
	err := s.pool.QueryRow(ctx, `
		SELECT seq, state FROM aggregator_checkpoints WHERE campaign_id = $1
	`, campaignID).Scan(&seq, &state)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil, models.ErrNotFound
	}
	if err != nil {
		return 0, nil, fmt.Errorf("failed to load checkpoint: %w", err)
	}
	return seq, state, nil
}
