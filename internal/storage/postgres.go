package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/radiusdt/vector-attribution/internal/models"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS event_partitions (
	campaign_id TEXT PRIMARY KEY,
	head_seq    BIGINT NOT NULL
);

CREATE TABLE IF NOT EXISTS events (
	campaign_id     TEXT        NOT NULL,
	seq             BIGINT      NOT NULL,
	id              TEXT        NOT NULL,
	subject_id      TEXT        NOT NULL,
	touchpoint_type TEXT        NOT NULL,
	occurred_at     TIMESTAMPTZ NOT NULL,
	dedup_key       TEXT        NOT NULL,
	value           TEXT        NOT NULL DEFAULT '',
	payload         JSONB,
	ingested_at     TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (campaign_id, seq),
	UNIQUE (campaign_id, dedup_key)
);

CREATE INDEX IF NOT EXISTS events_subject_idx ON events (campaign_id, subject_id, seq);

CREATE TABLE IF NOT EXISTS attribution_records (
	campaign_id TEXT   NOT NULL,
	seq         BIGINT NOT NULL,
	record      JSONB  NOT NULL,
	PRIMARY KEY (campaign_id, seq)
);

CREATE TABLE IF NOT EXISTS attributed_events (
	id                  TEXT             NOT NULL,
	campaign_id         TEXT             NOT NULL,
	subject_id          TEXT             NOT NULL,
	conversion_event_id TEXT             NOT NULL,
	touchpoint_event_id TEXT             NOT NULL,
	touchpoint_type     TEXT             NOT NULL,
	credit_fraction     DOUBLE PRECISION NOT NULL,
	conversion_value    TEXT             NOT NULL DEFAULT '',
	credit_value        TEXT             NOT NULL DEFAULT '',
	model_id            TEXT             NOT NULL,
	model_version       INTEGER          NOT NULL,
	no_attribution_path BOOLEAN          NOT NULL DEFAULT FALSE,
	computed_at         TIMESTAMPTZ      NOT NULL,
	PRIMARY KEY (conversion_event_id, touchpoint_event_id, model_id, model_version)
);

CREATE INDEX IF NOT EXISTS attributed_events_model_idx ON attributed_events (campaign_id, model_id, model_version);

CREATE TABLE IF NOT EXISTS model_versions (
	campaign_id   TEXT        NOT NULL,
	model_version INTEGER     NOT NULL,
	fingerprint   TEXT        NOT NULL,
	config        JSONB       NOT NULL,
	created_at    TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	PRIMARY KEY (campaign_id, model_version),
	UNIQUE (campaign_id, fingerprint)
);

CREATE TABLE IF NOT EXISTS stage_offsets (
	stage       TEXT        NOT NULL,
	campaign_id TEXT        NOT NULL,
	seq         BIGINT      NOT NULL,
	updated_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (stage, campaign_id)
);

CREATE TABLE IF NOT EXISTS aggregator_checkpoints (
	campaign_id TEXT PRIMARY KEY,
	seq         BIGINT      NOT NULL,
	state       JSONB       NOT NULL,
	updated_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS campaigns (
	id               TEXT PRIMARY KEY,
	advertiser_id    TEXT        NOT NULL DEFAULT '',
	name             TEXT        NOT NULL,
	status           TEXT        NOT NULL,
	attribution      JSONB       NOT NULL,
	activation_types TEXT[]      NOT NULL DEFAULT '{}',
	created_at       TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at       TIMESTAMPTZ NOT NULL DEFAULT now()
);
`

// MigratePostgres creates the tables used by the PostgreSQL stores.
func MigratePostgres(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, postgresSchema); err != nil {
		return fmt.Errorf("failed to migrate postgres schema: %w", err)
	}
	return nil
}

// =============================================
// EVENT LOG
// =============================================

// PostgresEventLog implements EventLog using PostgreSQL.
type PostgresEventLog struct {
	pool     *pgxpool.Pool
	pageSize int
}

// NewPostgresEventLog creates a new PostgreSQL-backed event log.
func NewPostgresEventLog(pool *pgxpool.Pool, pageSize int) *PostgresEventLog {
	return &PostgresEventLog{pool: pool, pageSize: pageSize}
}

const eventColumns = `campaign_id, seq, id, subject_id, touchpoint_type, occurred_at, dedup_key, value, payload, ingested_at`

// Append bumps the partition head under a row lock, so the dedup lookup and the
// sequence assignment are serialized per campaign.
func (l *PostgresEventLog) Append(ctx context.Context, ev models.Event) (models.Event, error) {
	tx, err := l.pool.Begin(ctx)
	if err != nil {
		return models.Event{}, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	var seq int64
	err = tx.QueryRow(ctx, `
		INSERT INTO event_partitions (campaign_id, head_seq) VALUES ($1, 1)
		ON CONFLICT (campaign_id) DO UPDATE SET head_seq = event_partitions.head_seq + 1
		RETURNING head_seq
	`, ev.CampaignID).Scan(&seq)
	if err != nil {
		return models.Event{}, fmt.Errorf("failed to reserve sequence: %w", err)
	}

	row := tx.QueryRow(ctx, `SELECT `+eventColumns+` FROM events WHERE campaign_id = $1 AND dedup_key = $2`,
		ev.CampaignID, ev.DedupKey)
	original, err := scanEvent(row)
	if err == nil {
		// Rollback discards the reserved sequence.
		return original, fmt.Errorf("dedup key %s: %w", ev.DedupKey, models.ErrDuplicateEvent)
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return models.Event{}, fmt.Errorf("failed to check dedup key: %w", err)
	}

	ev.Seq = seq
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	payload, err := json.Marshal(ev.Payload)
	if err != nil {
		return models.Event{}, fmt.Errorf("failed to encode payload: %w", err)
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO events (`+eventColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, ev.CampaignID, ev.Seq, ev.ID, ev.SubjectID, ev.TouchpointType, ev.OccurredAt,
		ev.DedupKey, ev.Value, string(payload), ev.IngestedAt)
	if err != nil {
		return models.Event{}, fmt.Errorf("failed to insert event: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return models.Event{}, fmt.Errorf("failed to commit event: %w", err)
	}
	return ev, nil
}

func (l *PostgresEventLog) Replay(ctx context.Context, campaignID string, sinceSeq int64) (*Cursor[models.Event], error) {
	head, err := l.Head(ctx, campaignID)
	if err != nil {
		return nil, err
	}
	fetch := func(ctx context.Context, fromSeq int64, limit int) ([]models.Event, error) {
		rows, err := l.pool.Query(ctx, `
			SELECT `+eventColumns+` FROM events
			WHERE campaign_id = $1 AND seq >= $2 AND seq <= $3
			ORDER BY seq LIMIT $4
		`, campaignID, fromSeq, head, limit)
		if err != nil {
			return nil, fmt.Errorf("failed to replay events: %w", err)
		}
		return collectEvents(rows)
	}
	return NewCursor(sinceSeq, head, l.pageSize, eventSeq, fetch), nil
}

func (l *PostgresEventLog) Head(ctx context.Context, campaignID string) (int64, error) {
	// The partition row can run ahead of committed events only inside an open
	// transaction, so MAX(seq) is the durable head.
	var head int64
	err := l.pool.QueryRow(ctx, `SELECT COALESCE(MAX(seq), 0) FROM events WHERE campaign_id = $1`, campaignID).Scan(&head)
	if err != nil {
		return 0, fmt.Errorf("failed to read head: %w", err)
	}
	return head, nil
}

func (l *PostgresEventLog) SubjectEvents(ctx context.Context, campaignID, subjectID string, beforeSeq int64, limit int) ([]models.Event, error) {
	rows, err := l.pool.Query(ctx, `
		SELECT `+eventColumns+` FROM (
			SELECT `+eventColumns+` FROM events
			WHERE campaign_id = $1 AND subject_id = $2 AND seq < $3
			ORDER BY seq DESC LIMIT $4
		) recent ORDER BY seq
	`, campaignID, subjectID, beforeSeq, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to load subject events: %w", err)
	}
	return collectEvents(rows)
}

func scanEvent(row pgx.Row) (models.Event, error) {
	var ev models.Event
	var payload []byte
	err := row.Scan(&ev.CampaignID, &ev.Seq, &ev.ID, &ev.SubjectID, &ev.TouchpointType,
		&ev.OccurredAt, &ev.DedupKey, &ev.Value, &payload, &ev.IngestedAt)
	if err != nil {
		return models.Event{}, err
	}
	if len(payload) > 0 && string(payload) != "null" {
		if err := json.Unmarshal(payload, &ev.Payload); err != nil {
			return models.Event{}, fmt.Errorf("failed to decode payload: %w", err)
		}
	}
	ev.OccurredAt = ev.OccurredAt.UTC()
	ev.IngestedAt = ev.IngestedAt.UTC()
	return ev, nil
}

func collectEvents(rows pgx.Rows) ([]models.Event, error) {
	defer rows.Close()

	var events []models.Event
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}
