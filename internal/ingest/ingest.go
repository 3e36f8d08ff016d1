package ingest

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/radiusdt/vector-attribution/internal/config"
	"github.com/radiusdt/vector-attribution/internal/metrics"
	"github.com/radiusdt/vector-attribution/internal/models"
	"github.com/radiusdt/vector-attribution/internal/money"
	"github.com/radiusdt/vector-attribution/internal/storage"
)

// Enricher augments an event payload before it is stored.
type Enricher interface {
	Enrich(payload map[string]string) map[string]string
}

// Service validates, deduplicates and appends incoming events.
type Service struct {
	events    storage.EventLog
	campaigns storage.CampaignRegistry
	cfg       config.IngestConfig
	logger    *zap.Logger

	enricher     Enricher
	backpressure *Backpressure
	metrics      *metrics.Metrics
	now          func() time.Time
}

// NewService creates a new ingestion service.
func NewService(events storage.EventLog, campaigns storage.CampaignRegistry, cfg config.IngestConfig, logger *zap.Logger) *Service {
	return &Service{
		events:    events,
		campaigns: campaigns,
		cfg:       cfg,
		logger:    logger,
		now:       time.Now,
	}
}

func (s *Service) SetEnricher(e Enricher)          { s.enricher = e }
func (s *Service) SetBackpressure(b *Backpressure) { s.backpressure = b }
func (s *Service) SetMetrics(m *metrics.Metrics)   { s.metrics = m }
func (s *Service) SetClock(now func() time.Time)   { s.now = now }

// Ingest accepts one event. Rejections return a Rejected result together with the
// *models.ValidationError; duplicates are a DuplicateSkipped result and no error.
func (s *Service) Ingest(ctx context.Context, in models.EventInput) (models.IngestResult, error) {
	start := time.Now()

	result, err := s.ingest(ctx, in)

	s.metrics.RecordIngest(in.CampaignID, string(result.Status), time.Since(start))
	if result.Status == models.IngestRejected {
		s.logger.Debug("event rejected",
			zap.String("campaign_id", in.CampaignID),
			zap.String("reason", result.Reason),
		)
	}
	return result, err
}

func (s *Service) ingest(ctx context.Context, in models.EventInput) (models.IngestResult, error) {
	ev, err := s.validate(ctx, in)
	if err != nil {
		var verr *models.ValidationError
		if errors.As(err, &verr) {
			return models.Rejected(verr.Error()), err
		}
		return models.IngestResult{}, err
	}

	if s.enricher != nil {
		ev.Payload = s.enricher.Enrich(ev.Payload)
	}

	if s.backpressure != nil {
		throttled, err := s.backpressure.Wait(ctx, ev.CampaignID)
		if throttled {
			s.metrics.RecordBackpressure(ev.CampaignID)
		}
		if err != nil {
			return models.IngestResult{}, fmt.Errorf("backpressure wait: %w", err)
		}
	}

	stored, err := s.events.Append(ctx, ev)
	if errors.Is(err, models.ErrDuplicateEvent) {
		return models.DuplicateSkipped(stored.Seq, stored.ID), nil
	}
	if err != nil {
		return models.IngestResult{}, fmt.Errorf("append event: %w", err)
	}

	return models.Accepted(stored.Seq, stored.ID), nil
}

func (s *Service) validate(ctx context.Context, in models.EventInput) (models.Event, error) {
	switch {
	case in.CampaignID == "":
		return models.Event{}, &models.ValidationError{Field: "campaign_id", Reason: "required"}
	case in.SubjectID == "":
		return models.Event{}, &models.ValidationError{Field: "subject_id", Reason: "required"}
	case in.TouchpointType == "":
		return models.Event{}, &models.ValidationError{Field: "touchpoint_type", Reason: "required"}
	case in.OccurredAt.IsZero():
		return models.Event{}, &models.ValidationError{Field: "occurred_at", Reason: "required"}
	}

	now := s.now().UTC()
	if in.OccurredAt.After(now.Add(s.cfg.ClockSkew)) {
		return models.Event{}, &models.ValidationError{Field: "occurred_at", Reason: "in the future beyond clock skew tolerance"}
	}

	value, err := normalizeValue(in)
	if err != nil {
		return models.Event{}, err
	}

	campaign, err := s.campaigns.Get(ctx, in.CampaignID)
	if errors.Is(err, models.ErrUnknownCampaign) {
		return models.Event{}, &models.ValidationError{Field: "campaign_id", Reason: "unknown campaign"}
	}
	if err != nil {
		return models.Event{}, fmt.Errorf("lookup campaign: %w", err)
	}
	if !campaign.AcceptsEvents() {
		return models.Event{}, &models.ValidationError{Field: "campaign_id", Reason: fmt.Sprintf("campaign is %s", campaign.Status)}
	}

	occurred := in.OccurredAt.UTC()
	return models.Event{
		CampaignID:     in.CampaignID,
		SubjectID:      in.SubjectID,
		TouchpointType: in.TouchpointType,
		OccurredAt:     occurred,
		DedupKey:       DedupKey(in.CampaignID, in.SubjectID, in.TouchpointType, occurred, s.cfg.DedupBucket),
		Value:          value,
		Payload:        in.Payload,
		IngestedAt:     now,
	}, nil
}

func normalizeValue(in models.EventInput) (string, error) {
	if in.Value == "" {
		if in.TouchpointType == models.TypeSpend {
			return "", &models.ValidationError{Field: "value", Reason: "required for spend events"}
		}
		return "", nil
	}
	d, err := money.Parse(in.Value)
	if err != nil {
		return "", &models.ValidationError{Field: "value", Reason: "not a number"}
	}
	if d.Sign() < 0 {
		return "", &models.ValidationError{Field: "value", Reason: "negative"}
	}
	return d.String(), nil
}

// DedupKey derives the idempotency key from the fields that identify a delivery.
func DedupKey(campaignID, subjectID, touchpointType string, occurredAt time.Time, bucket time.Duration) string {
	h := sha256.New()
	h.Write([]byte(campaignID))
	h.Write([]byte{'|'})
	h.Write([]byte(subjectID))
	h.Write([]byte{'|'})
	h.Write([]byte(touchpointType))
	h.Write([]byte{'|'})
	h.Write([]byte(strconv.FormatInt(models.DedupBucket(occurredAt, bucket), 10)))
	return hex.EncodeToString(h.Sum(nil))
}
