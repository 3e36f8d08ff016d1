package storage

import (
	"context"
	"time"

	"github.com/radiusdt/vector-attribution/internal/models"
)

// Pipeline stage names used as offset keys.
const (
	StageAttribution = "attribution"
	StageAggregation = "aggregation"
	StagePersist     = "persist"
)

// DefaultPageSize is the replay page size when none is configured.
const DefaultPageSize = 500

// =============================================
// EVENT LOG
// =============================================

// EventLog is the append-only, per-campaign partitioned event log.
type EventLog interface {
	// Append assigns the next sequence number to ev and stores it. The dedup check
	// and the sequence assignment are one atomic step. A duplicate returns the
	// original event and an error wrapping models.ErrDuplicateEvent.
	Append(ctx context.Context, ev models.Event) (models.Event, error)

	// Replay returns a cursor over events with seq >= sinceSeq, bounded by the head
	// at the time of the call.
	Replay(ctx context.Context, campaignID string, sinceSeq int64) (*Cursor[models.Event], error)

	// Head returns the highest assigned sequence number, 0 for an empty partition.
	Head(ctx context.Context, campaignID string) (int64, error)

	// SubjectEvents returns at most limit of the subject's most recent events with
	// seq < beforeSeq, ordered by seq.
	SubjectEvents(ctx context.Context, campaignID, subjectID string, beforeSeq int64, limit int) ([]models.Event, error)
}

// =============================================
// ATTRIBUTION OUTPUT
// =============================================

// AttributionLog holds the attribution stage output, one record per source event.
type AttributionLog interface {
	// Append is idempotent on (campaign_id, seq).
	Append(ctx context.Context, rec models.AttributionRecord) error
	Replay(ctx context.Context, campaignID string, sinceSeq int64) (*Cursor[models.AttributionRecord], error)
	Head(ctx context.Context, campaignID string) (int64, error)
}

// AttributionStore keeps every computed AttributedEvent across model versions.
// Rows are only ever inserted.
type AttributionStore interface {
	Save(ctx context.Context, events []models.AttributedEvent) error
	ListByConversion(ctx context.Context, campaignID, conversionEventID string) ([]models.AttributedEvent, error)
	ListByModel(ctx context.Context, campaignID string, modelID models.ModelID, version int) ([]models.AttributedEvent, error)
}

// ModelHistory is the durable version history of one campaign's models.
type ModelHistory struct {
	Versions []models.ModelConfig // ascending by version

	// MaxStored is the highest model_version among stored attributed events,
	// including versions with no recorded parameters.
	MaxStored int
}

// ModelVersionStore keeps the parameters of every assigned model version so
// version numbers are never reused across restarts.
type ModelVersionStore interface {
	ModelVersions(ctx context.Context, campaignID string) (ModelHistory, error)
	// ClaimModelVersion records cfg under cfg.Version. It returns false when the
	// version or the parameter set is already recorded for the campaign.
	ClaimModelVersion(ctx context.Context, campaignID string, cfg models.ModelConfig) (bool, error)
}

// =============================================
// OFFSETS AND CHECKPOINTS
// =============================================

// OffsetStore records the last applied sequence per stage and campaign.
// Set never moves an offset backwards.
type OffsetStore interface {
	Get(ctx context.Context, stage, campaignID string) (int64, error)
	Set(ctx context.Context, stage, campaignID string, seq int64) error
}

// CheckpointStore persists serialized aggregator partitions.
type CheckpointStore interface {
	Save(ctx context.Context, campaignID string, seq int64, state []byte) error
	// Load returns models.ErrNotFound when the campaign has no checkpoint.
	Load(ctx context.Context, campaignID string) (seq int64, state []byte, err error)
}

// =============================================
// ROLLUPS
// =============================================

// RollupStore is the persisted rollup contract read by external consumers.
type RollupStore interface {
	SaveSnapshots(ctx context.Context, snaps []models.MetricWindowSnapshot) error
	SaveLateAdjustments(ctx context.Context, entries []models.LateAdjustmentEntry) error
	ListSnapshots(ctx context.Context, campaignID string, g models.Granularity, from, to time.Time) ([]models.MetricWindowSnapshot, error)
}

// =============================================
// CAMPAIGNS
// =============================================

// CampaignRegistry resolves campaign metadata. Get returns models.ErrUnknownCampaign
// for ids it does not know.
type CampaignRegistry interface {
	Get(ctx context.Context, id string) (*models.Campaign, error)
	List(ctx context.Context) ([]*models.Campaign, error)
	Upsert(ctx context.Context, c *models.Campaign) error
}
