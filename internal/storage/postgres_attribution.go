package storage

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/radiusdt/vector-attribution/internal/models"
)

// PostgresAttributionLog implements AttributionLog, AttributionStore and
// ModelVersionStore using PostgreSQL.
type PostgresAttributionLog struct {
	pool     *pgxpool.Pool
	pageSize int
}

// NewPostgresAttributionLog creates a new PostgreSQL-backed attribution log.
func NewPostgresAttributionLog(pool *pgxpool.Pool, pageSize int) *PostgresAttributionLog {
	return &PostgresAttributionLog{pool: pool, pageSize: pageSize}
}

func (l *PostgresAttributionLog) Append(ctx context.Context, rec models.AttributionRecord) error {
	body, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to encode attribution record: %w", err)
	}

	_, err = l.pool.Exec(ctx, `
		INSERT INTO attribution_records (campaign_id, seq, record)
		VALUES ($1, $2, $3)
		ON CONFLICT (campaign_id, seq) DO NOTHING
	`, rec.CampaignID, rec.Seq, string(body))
	if err != nil {
		return fmt.Errorf("failed to save attribution record: %w", err)
	}
	return nil
}

func (l *PostgresAttributionLog) Replay(ctx context.Context, campaignID string, sinceSeq int64) (*Cursor[models.AttributionRecord], error) {
	head, err := l.Head(ctx, campaignID)
	if err != nil {
		return nil, err
	}
	fetch := func(ctx context.Context, fromSeq int64, limit int) ([]models.AttributionRecord, error) {
		rows, err := l.pool.Query(ctx, `
			SELECT record FROM attribution_records
			WHERE campaign_id = $1 AND seq >= $2 AND seq <= $3
			ORDER BY seq LIMIT $4
		`, campaignID, fromSeq, head, limit)
		if err != nil {
			return nil, fmt.Errorf("failed to replay attribution records: %w", err)
		}
		defer rows.Close()

		var records []models.AttributionRecord
		for rows.Next() {
			var body []byte
			if err := rows.Scan(&body); err != nil {
				return nil, err
			}
			var rec models.AttributionRecord
			if err := json.Unmarshal(body, &rec); err != nil {
				return nil, fmt.Errorf("failed to decode attribution record: %w", err)
			}
			records = append(records, rec)
		}
		return records, rows.Err()
	}
	return NewCursor(sinceSeq, head, l.pageSize, recordSeq, fetch), nil
}

func (l *PostgresAttributionLog) Head(ctx context.Context, campaignID string) (int64, error) {
	var head int64
	err := l.pool.QueryRow(ctx, `SELECT COALESCE(MAX(seq), 0) FROM attribution_records WHERE campaign_id = $1`, campaignID).Scan(&head)
	if err != nil {
		return 0, fmt.Errorf("failed to read attribution head: %w", err)
	}
	return head, nil
}

// =============================================
// Attributed events
// =============================================

// Save inserts attributed events. Existing (conversion, touchpoint, model, version)
// rows are left untouched.
func (l *PostgresAttributionLog) Save(ctx context.Context, events []models.AttributedEvent) error {
	if len(events) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	for _, a := range events {
		batch.Queue(`
			INSERT INTO attributed_events (id, campaign_id, subject_id, conversion_event_id,
				touchpoint_event_id, touchpoint_type, credit_fraction, conversion_value, credit_value,
				model_id, model_version, no_attribution_path, computed_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
			ON CONFLICT (conversion_event_id, touchpoint_event_id, model_id, model_version) DO NOTHING
		`, a.ID, a.CampaignID, a.SubjectID, a.ConversionEventID, a.TouchpointEventID, a.TouchpointType,
			a.CreditFraction, a.ConversionValue, a.CreditValue, string(a.ModelID), a.ModelVersion, a.NoAttributionPath, a.ComputedAt)
	}

	if err := l.pool.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("failed to save attributed events: %w", err)
	}
	return nil
}

const attributedColumns = `id, campaign_id, subject_id, conversion_event_id, touchpoint_event_id, touchpoint_type,
	credit_fraction, conversion_value, credit_value, model_id, model_version, no_attribution_path, computed_at`

func (l *PostgresAttributionLog) ListByConversion(ctx context.Context, campaignID, conversionEventID string) ([]models.AttributedEvent, error) {
	rows, err := l.pool.Query(ctx, `
		SELECT `+attributedColumns+` FROM attributed_events
		WHERE campaign_id = $1 AND conversion_event_id = $2
		ORDER BY model_id, model_version, touchpoint_event_id
	`, campaignID, conversionEventID)
	if err != nil {
		return nil, fmt.Errorf("failed to list attributions: %w", err)
	}
	return collectAttributed(rows)
}

func (l *PostgresAttributionLog) ListByModel(ctx context.Context, campaignID string, modelID models.ModelID, version int) ([]models.AttributedEvent, error) {
	rows, err := l.pool.Query(ctx, `
		SELECT `+attributedColumns+` FROM attributed_events
		WHERE campaign_id = $1 AND model_id = $2 AND model_version = $3
		ORDER BY computed_at, conversion_event_id
	`, campaignID, string(modelID), version)
	if err != nil {
		return nil, fmt.Errorf("failed to list attributions: %w", err)
	}
	return collectAttributed(rows)
}

func collectAttributed(rows pgx.Rows) ([]models.AttributedEvent, error) {
	defer rows.Close()

	var result []models.AttributedEvent
	for rows.Next() {
		var a models.AttributedEvent
		var modelID string
		if err := rows.Scan(&a.ID, &a.CampaignID, &a.SubjectID, &a.ConversionEventID, &a.TouchpointEventID,
			&a.TouchpointType, &a.CreditFraction, &a.ConversionValue, &a.CreditValue, &modelID, &a.ModelVersion,
			&a.NoAttributionPath, &a.ComputedAt); err != nil {
			return nil, err
		}
		a.ModelID = models.ModelID(modelID)
		result = append(result, a)
	}
	return result, rows.Err()
}

// =============================================
// Model versions
// =============================================

func (l *PostgresAttributionLog) ModelVersions(ctx context.Context, campaignID string) (ModelHistory, error) {
	var hist ModelHistory

	rows, err := l.pool.Query(ctx, `
		SELECT config FROM model_versions
		WHERE campaign_id = $1
		ORDER BY model_version
	`, campaignID)
	if err != nil {
		return hist, fmt.Errorf("failed to list model versions: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var body []byte
		if err := rows.Scan(&body); err != nil {
			return hist, err
		}
		var cfg models.ModelConfig
		if err := json.Unmarshal(body, &cfg); err != nil {
			return hist, fmt.Errorf("failed to decode model version: %w", err)
		}
		hist.Versions = append(hist.Versions, cfg)
	}
	if err := rows.Err(); err != nil {
		return hist, err
	}

	err = l.pool.QueryRow(ctx, `
		SELECT COALESCE(MAX(model_version), 0) FROM attributed_events WHERE campaign_id = $1
	`, campaignID).Scan(&hist.MaxStored)
	if err != nil {
		return hist, fmt.Errorf("failed to read max model version: %w", err)
	}
	return hist, nil
}

func (l *PostgresAttributionLog) ClaimModelVersion(ctx context.Context, campaignID string, cfg models.ModelConfig) (bool, error) {
	body, err := json.Marshal(cfg)
	if err != nil {
		return false, fmt.Errorf("failed to encode model version: %w", err)
	}
	tag, err := l.pool.Exec(ctx, `
		INSERT INTO model_versions (campaign_id, model_version, fingerprint, config)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT DO NOTHING
	`, campaignID, cfg.Version, cfg.Fingerprint(), string(body))
	if err != nil {
		return false, fmt.Errorf("failed to claim model version: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}
