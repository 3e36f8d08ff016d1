package attribution

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/radiusdt/vector-attribution/internal/metrics"
	"github.com/radiusdt/vector-attribution/internal/models"
	"github.com/radiusdt/vector-attribution/internal/money"
	"github.com/radiusdt/vector-attribution/internal/storage"
)

// creditValuePlaces is the precision of per-touchpoint revenue shares.
const creditValuePlaces = 6

// attributionNamespace seeds deterministic attributed event ids.
var attributionNamespace = uuid.MustParse("6f1d8c1e-3c1b-4f0a-9a57-0d6c2f9b7e41")

// Engine assigns conversion credit across a subject's touchpoint history.
type Engine struct {
	events     storage.EventLog
	store      storage.AttributionStore
	registry   *ModelRegistry
	strategies Strategies

	lookback    int
	dedupBucket time.Duration

	logger  *zap.Logger
	metrics *metrics.Metrics
	now     func() time.Time
}

// NewEngine creates an attribution engine. store may be nil when attributed events
// are only carried in the attribution log.
func NewEngine(events storage.EventLog, store storage.AttributionStore, registry *ModelRegistry, lookback int, dedupBucket time.Duration, logger *zap.Logger) *Engine {
	if lookback <= 0 {
		lookback = 1000
	}
	return &Engine{
		events:      events,
		store:       store,
		registry:    registry,
		strategies:  registry.strategies,
		lookback:    lookback,
		dedupBucket: dedupBucket,
		logger:      logger,
		now:         time.Now,
	}
}

func (e *Engine) SetMetrics(m *metrics.Metrics) { e.metrics = m }

// Registry returns the engine's model registry.
func (e *Engine) Registry() *ModelRegistry { return e.registry }

// Attribute splits one conversion's credit under cfg. Only touchpoints logged
// before the conversion count, which keeps the result identical under replay.
// A conversion without qualifying touchpoints is attributed to itself with
// no_attribution_path set.
func (e *Engine) Attribute(ctx context.Context, conversion models.Event, cfg models.ModelConfig) ([]models.AttributedEvent, error) {
	model, err := e.strategies.Get(cfg)
	if err != nil {
		return nil, err
	}

	history, err := e.events.SubjectEvents(ctx, conversion.CampaignID, conversion.SubjectID, conversion.Seq, e.lookback)
	if err != nil {
		return nil, fmt.Errorf("load touchpoints: %w", err)
	}

	touchpoints := e.qualify(history, conversion, cfg.Window)
	if len(touchpoints) == 0 {
		return []models.AttributedEvent{e.selfAttributed(conversion, cfg)}, nil
	}

	raw, err := model.Compute(touchpoints, conversion, cfg)
	if err != nil {
		return nil, &models.ModelComputationError{ModelID: cfg.ModelID, Version: cfg.Version, Reason: err.Error()}
	}
	if len(raw) != len(touchpoints) {
		return nil, &models.ModelComputationError{ModelID: cfg.ModelID, Version: cfg.Version,
			Reason: fmt.Sprintf("model returned %d weights for %d touchpoints", len(raw), len(touchpoints))}
	}
	weights, err := normalize(raw)
	if err != nil {
		return nil, &models.ModelComputationError{ModelID: cfg.ModelID, Version: cfg.Version, Reason: err.Error()}
	}

	value := conversionValue(conversion)
	shares := money.Allocate(value, weights, creditValuePlaces)
	computedAt := e.now().UTC()

	result := make([]models.AttributedEvent, len(touchpoints))
	for i, tp := range touchpoints {
		result[i] = models.AttributedEvent{
			ID:                attributedID(conversion.ID, tp.ID, cfg),
			CampaignID:        conversion.CampaignID,
			SubjectID:         conversion.SubjectID,
			ConversionEventID: conversion.ID,
			TouchpointEventID: tp.ID,
			TouchpointType:    tp.TouchpointType,
			CreditFraction:    weights[i],
			ConversionValue:   value.String(),
			CreditValue:       shares[i].String(),
			ModelID:           cfg.ModelID,
			ModelVersion:      cfg.Version,
			ComputedAt:        computedAt,
		}
	}
	return result, nil
}

// qualify keeps touchpoints inside [conversion - window, conversion), collapses
// those sharing a (type, dedup bucket) to the earliest, and orders the rest by
// (occurred_at, seq).
func (e *Engine) qualify(history []models.Event, conversion models.Event, window time.Duration) []models.Event {
	from := conversion.OccurredAt.Add(-window)

	var candidates []models.Event
	for _, ev := range history {
		if ev.Kind() != models.KindTouchpoint || ev.Seq >= conversion.Seq {
			continue
		}
		if ev.OccurredAt.Before(from) || !ev.OccurredAt.Before(conversion.OccurredAt) {
			continue
		}
		candidates = append(candidates, ev)
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		if !candidates[i].OccurredAt.Equal(candidates[j].OccurredAt) {
			return candidates[i].OccurredAt.Before(candidates[j].OccurredAt)
		}
		return candidates[i].Seq < candidates[j].Seq
	})

	seen := make(map[string]struct{}, len(candidates))
	result := candidates[:0]
	for _, ev := range candidates {
		key := ev.TouchpointType + "|" + strconv.FormatInt(models.DedupBucket(ev.OccurredAt, e.dedupBucket), 10)
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		result = append(result, ev)
	}
	return result
}

func (e *Engine) selfAttributed(conversion models.Event, cfg models.ModelConfig) models.AttributedEvent {
	value := conversionValue(conversion)
	return models.AttributedEvent{
		ID:                attributedID(conversion.ID, conversion.ID, cfg),
		CampaignID:        conversion.CampaignID,
		SubjectID:         conversion.SubjectID,
		ConversionEventID: conversion.ID,
		TouchpointEventID: conversion.ID,
		TouchpointType:    conversion.TouchpointType,
		CreditFraction:    1,
		ConversionValue:   value.String(),
		CreditValue:       value.String(),
		ModelID:           cfg.ModelID,
		ModelVersion:      cfg.Version,
		NoAttributionPath: true,
		ComputedAt:        e.now().UTC(),
	}
}

// Process turns one log event into its attribution record. Model failures are
// recorded on the record and do not stop the pipeline; only storage errors are
// returned.
func (e *Engine) Process(ctx context.Context, ev models.Event, cfg models.ModelConfig) (models.AttributionRecord, error) {
	rec := models.AttributionRecord{
		CampaignID: ev.CampaignID,
		Seq:        ev.Seq,
		Event:      ev,
	}
	if ev.Kind() != models.KindConversion {
		return rec, nil
	}

	rec.ModelID = cfg.ModelID
	rec.ModelVersion = cfg.Version

	attributed, err := e.Attribute(ctx, ev, cfg)
	var mce *models.ModelComputationError
	if errors.As(err, &mce) {
		rec.ModelError = mce.Error()
		e.metrics.RecordModelError(ev.CampaignID, string(cfg.ModelID))
		e.logger.Warn("attribution skipped",
			zap.String("campaign_id", ev.CampaignID),
			zap.Int64("seq", ev.Seq),
			zap.String("conversion_event_id", ev.ID),
			zap.Error(err),
		)
		return rec, nil
	}
	if err != nil {
		return rec, err
	}

	if e.store != nil {
		if err := e.store.Save(ctx, attributed); err != nil {
			return rec, fmt.Errorf("save attributions: %w", err)
		}
	}

	rec.Attributions = attributed
	e.metrics.RecordAttribution(ev.CampaignID, string(cfg.ModelID), attributed[0].NoAttributionPath)
	return rec, nil
}

// BacktestResult summarizes a recomputation of a campaign under one model version.
type BacktestResult struct {
	CampaignID        string                   `json:"campaign_id"`
	Model             models.ModelConfig       `json:"model"`
	Conversions       int                      `json:"conversions"`
	ModelErrors       int                      `json:"model_errors"`
	NoAttributionPath int                      `json:"no_attribution_path"`
	Revenue           money.Decimal            `json:"revenue"`
	RevenueByType     map[string]money.Decimal `json:"revenue_by_type"`
}

// Backtest recomputes every conversion of the campaign under cfg without
// activating it. The results are stored next to earlier versions, so they can be
// compared per conversion through the attribution store.
func (e *Engine) Backtest(ctx context.Context, campaignID string, cfg models.ModelConfig) (*BacktestResult, error) {
	versioned, err := e.registry.Reserve(ctx, campaignID, cfg)
	if err != nil {
		return nil, err
	}

	cur, err := e.events.Replay(ctx, campaignID, 1)
	if err != nil {
		return nil, fmt.Errorf("replay events: %w", err)
	}

	result := &BacktestResult{
		CampaignID:    campaignID,
		Model:         versioned,
		RevenueByType: make(map[string]money.Decimal),
	}
	for cur.Next(ctx) {
		ev := cur.Value()
		if ev.Kind() != models.KindConversion {
			continue
		}
		result.Conversions++

		attributed, err := e.Attribute(ctx, ev, versioned)
		var mce *models.ModelComputationError
		if errors.As(err, &mce) {
			result.ModelErrors++
			continue
		}
		if err != nil {
			return nil, err
		}
		if e.store != nil {
			if err := e.store.Save(ctx, attributed); err != nil {
				return nil, fmt.Errorf("save attributions: %w", err)
			}
		}

		for _, a := range attributed {
			if a.NoAttributionPath {
				result.NoAttributionPath++
			}
			share, err := money.Parse(a.CreditValue)
			if err != nil {
				continue
			}
			result.Revenue = result.Revenue.Add(share)
			result.RevenueByType[a.TouchpointType] = result.RevenueByType[a.TouchpointType].Add(share)
		}
	}
	if err := cur.Err(); err != nil {
		return nil, fmt.Errorf("replay events: %w", err)
	}

	e.logger.Info("backtest completed",
		zap.String("campaign_id", campaignID),
		zap.String("model_id", string(versioned.ModelID)),
		zap.Int("model_version", versioned.Version),
		zap.Int("conversions", result.Conversions),
	)
	return result, nil
}

// Compare returns the stored attributions of one conversion grouped by
// "model_id@vN".
func (e *Engine) Compare(ctx context.Context, campaignID, conversionEventID string) (map[string][]models.AttributedEvent, error) {
	if e.store == nil {
		return nil, fmt.Errorf("attribution store not configured")
	}
	rows, err := e.store.ListByConversion(ctx, campaignID, conversionEventID)
	if err != nil {
		return nil, err
	}
	grouped := make(map[string][]models.AttributedEvent)
	for _, a := range rows {
		key := fmt.Sprintf("%s@v%d", a.ModelID, a.ModelVersion)
		grouped[key] = append(grouped[key], a)
	}
	return grouped, nil
}

func conversionValue(ev models.Event) money.Decimal {
	if ev.Value == "" {
		return money.Zero
	}
	d, err := money.Parse(ev.Value)
	if err != nil {
		return money.Zero
	}
	return d
}

func attributedID(conversionID, touchpointID string, cfg models.ModelConfig) string {
	name := fmt.Sprintf("%s|%s|%s|%d", conversionID, touchpointID, cfg.ModelID, cfg.Version)
	return uuid.NewSHA1(attributionNamespace, []byte(name)).String()
}
