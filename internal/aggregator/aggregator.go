// Package aggregator folds the ordered attribution log into per-campaign rollups
// and serves versioned snapshot reads.
package aggregator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/radiusdt/vector-attribution/internal/config"
	"github.com/radiusdt/vector-attribution/internal/metrics"
	"github.com/radiusdt/vector-attribution/internal/models"
	"github.com/radiusdt/vector-attribution/internal/storage"
)

// Publisher receives invalidations after every committed change. Implementations
// must not block.
type Publisher interface {
	Publish(inv models.Invalidation)
}

// LagListener is told when a campaign starts or stops lagging.
type LagListener interface {
	Signal(campaignID string, lagging bool)
}

// Aggregator owns one Partition per campaign.
type Aggregator struct {
	settings  settings
	maxLag    int64
	campaigns storage.CampaignRegistry

	publisher Publisher
	lag       LagListener
	metrics   *metrics.Metrics
	logger    *zap.Logger
	now       func() time.Time

	mu         sync.RWMutex
	partitions map[string]*Partition
	lagging    map[string]bool
}

// New creates an aggregator. campaigns may be nil, in which case every touchpoint
// type starts the TTFV clock.
func New(cfg config.AggregatorConfig, campaigns storage.CampaignRegistry, logger *zap.Logger) (*Aggregator, error) {
	if len(cfg.Granularities) == 0 {
		return nil, fmt.Errorf("at least one granularity is required")
	}
	grans := make([]models.Granularity, 0, len(cfg.Granularities))
	for _, name := range cfg.Granularities {
		g, err := models.ParseGranularity(name)
		if err != nil {
			return nil, err
		}
		grans = append(grans, g)
	}

	retain := cfg.RetainVersions
	if retain <= 0 {
		retain = 4096
	}

	return &Aggregator{
		settings: settings{
			granularities:  grans,
			reconciliation: cfg.ReconciliationPeriod,
			horizon:        cfg.TTFVHorizon,
			idleTimeout:    cfg.IdleTimeout,
			retain:         retain,
		},
		maxLag:     cfg.MaxLag,
		campaigns:  campaigns,
		logger:     logger,
		now:        time.Now,
		partitions: make(map[string]*Partition),
		lagging:    make(map[string]bool),
	}, nil
}

func (a *Aggregator) SetPublisher(p Publisher)      { a.publisher = p }
func (a *Aggregator) SetLagListener(l LagListener)  { a.lag = l }
func (a *Aggregator) SetMetrics(m *metrics.Metrics) { a.metrics = m }

// Granularities returns the configured bucket sizes.
func (a *Aggregator) Granularities() []models.Granularity {
	return append([]models.Granularity(nil), a.settings.granularities...)
}

func (a *Aggregator) partition(ctx context.Context, campaignID string) (*Partition, error) {
	a.mu.RLock()
	p, ok := a.partitions[campaignID]
	a.mu.RUnlock()
	if ok {
		return p, nil
	}

	isActivation, err := a.activation(ctx, campaignID)
	if err != nil {
		return nil, err
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if p, ok := a.partitions[campaignID]; ok {
		return p, nil
	}
	p = newPartition(campaignID, isActivation)
	a.partitions[campaignID] = p
	return p, nil
}

func (a *Aggregator) activation(ctx context.Context, campaignID string) (func(string) bool, error) {
	if a.campaigns == nil {
		return nil, nil
	}
	c, err := a.campaigns.Get(ctx, campaignID)
	if errors.Is(err, models.ErrUnknownCampaign) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load campaign %s: %w", campaignID, err)
	}
	return c.IsActivation, nil
}

func (a *Aggregator) existing(campaignID string) (*Partition, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	p, ok := a.partitions[campaignID]
	return p, ok
}

// ===========================================
// WRITES
// ===========================================

// Apply folds one attribution record into its campaign's partition. Records must
// arrive in seq order; a record at or below the last applied seq is skipped.
func (a *Aggregator) Apply(ctx context.Context, rec models.AttributionRecord) error {
	if rec.CampaignID == "" {
		return fmt.Errorf("attribution record without campaign id")
	}
	if rec.Seq <= 0 {
		return fmt.Errorf("attribution record for campaign %s has invalid seq %d", rec.CampaignID, rec.Seq)
	}

	p, err := a.partition(ctx, rec.CampaignID)
	if err != nil {
		return err
	}

	p.mu.Lock()
	changes, applied := p.apply(rec, a.settings, a.now())
	version := p.version
	p.mu.Unlock()

	if !applied {
		a.logger.Debug("record already applied",
			zap.String("campaign_id", rec.CampaignID),
			zap.Int64("seq", rec.Seq),
		)
		return nil
	}

	a.metrics.RecordApplied(rec.CampaignID, version)
	for _, c := range changes {
		if c.late {
			a.metrics.RecordLateAdjustment(rec.CampaignID, string(c.key.Granularity))
			a.logger.Info("late adjustment recorded",
				zap.String("campaign_id", rec.CampaignID),
				zap.String("granularity", string(c.key.Granularity)),
				zap.Time("window_start", c.key.WindowStart),
				zap.Int64("seq", rec.Seq),
			)
		}
	}
	a.publish(rec.CampaignID, changes, version)
	return nil
}

func (a *Aggregator) publish(campaignID string, changes []change, version int64) {
	if a.publisher == nil {
		return
	}
	for _, c := range changes {
		for _, metric := range c.delta.ChangedMetrics() {
			a.publisher.Publish(models.Invalidation{
				CampaignID:   campaignID,
				Metric:       metric,
				Granularity:  c.key.Granularity,
				WindowStart:  c.key.WindowStart,
				VersionStamp: version,
			})
		}
	}
}

// CheckLag compares the campaign's applied seq with the log head. Past max lag it
// signals backpressure and returns *models.AggregationLagExceeded; once caught up
// the signal is cleared.
func (a *Aggregator) CheckLag(campaignID string, headSeq int64) error {
	applied := a.LastApplied(campaignID)
	lag := headSeq - applied
	if lag < 0 {
		lag = 0
	}
	a.metrics.SetLag(campaignID, lag)

	exceeded := a.maxLag > 0 && lag > a.maxLag

	a.mu.Lock()
	was := a.lagging[campaignID]
	if exceeded {
		a.lagging[campaignID] = true
	} else {
		delete(a.lagging, campaignID)
	}
	a.mu.Unlock()

	if exceeded != was && a.lag != nil {
		a.lag.Signal(campaignID, exceeded)
	}
	if !exceeded {
		if was {
			a.logger.Info("aggregation caught up", zap.String("campaign_id", campaignID), zap.Int64("lag", lag))
		}
		return nil
	}

	err := &models.AggregationLagExceeded{
		CampaignID: campaignID,
		HeadSeq:    headSeq,
		AppliedSeq: applied,
		MaxLag:     a.maxLag,
	}
	a.metrics.RecordLagExceeded(campaignID)
	if !was {
		a.logger.Warn("aggregation lag exceeded", zap.String("campaign_id", campaignID), zap.Error(err))
	}
	return err
}

// ===========================================
// READS
// ===========================================

// LastApplied returns the highest applied seq of the campaign.
func (a *Aggregator) LastApplied(campaignID string) int64 {
	p, ok := a.existing(campaignID)
	if !ok {
		return 0
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.lastApplied
}

// CurrentVersion returns the campaign's partition version, 0 before any apply.
func (a *Aggregator) CurrentVersion(campaignID string) int64 {
	p, ok := a.existing(campaignID)
	if !ok {
		return 0
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.version
}

// Query returns the snapshots of the selected buckets ordered by window start,
// together with the partition version they were read at. An unpinned query reads
// the current state; a query pinned at version zero reads the empty state.
func (a *Aggregator) Query(ctx context.Context, q models.MetricsQuery) ([]models.MetricWindowSnapshot, int64, error) {
	if q.CampaignID == "" {
		return nil, 0, &models.ValidationError{Field: "campaign_id", Reason: "is required"}
	}
	if _, err := models.ParseGranularity(string(q.Granularity)); err != nil {
		return nil, 0, &models.ValidationError{Field: "window_granularity", Reason: err.Error()}
	}

	p, ok := a.existing(q.CampaignID)
	if !ok {
		if q.Version > 0 {
			return nil, 0, fmt.Errorf("campaign %s version %d: %w", q.CampaignID, q.Version, models.ErrNotFound)
		}
		return nil, 0, nil
	}

	p.mu.RLock()
	defer p.mu.RUnlock()

	version := q.Version
	if !q.IsPinned() {
		version = p.version
	}
	if version == 0 {
		return nil, 0, nil
	}
	if version > p.version {
		return nil, 0, fmt.Errorf("campaign %s version %d: %w", q.CampaignID, version, models.ErrNotFound)
	}
	if q.ModelID != "" && p.modelID != "" && q.ModelID != p.modelID {
		return nil, version, nil
	}

	watermark, err := p.watermarkAt(version)
	if err != nil {
		return nil, 0, err
	}

	var result []models.MetricWindowSnapshot
	for k, b := range p.buckets {
		if k.Granularity != q.Granularity {
			continue
		}
		if !q.From.IsZero() && k.WindowStart.Before(q.From) {
			continue
		}
		if !q.To.IsZero() && !k.WindowStart.Before(q.To) {
			continue
		}
		snap, ok, err := p.snapshot(b, version, watermark, q.IncludeLate, a.settings)
		if err != nil {
			return nil, 0, err
		}
		if ok {
			result = append(result, snap)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].WindowStart.Before(result[j].WindowStart) })
	return result, version, nil
}

// LateAdjustments returns the ledger of one bucket in commit order.
func (a *Aggregator) LateAdjustments(campaignID string, g models.Granularity, windowStart time.Time) []models.LateAdjustmentEntry {
	return a.LateAdjustmentsAt(campaignID, g, windowStart, 0)
}

// LateAdjustmentsAt returns the ledger of one bucket as of version; zero means
// current.
func (a *Aggregator) LateAdjustmentsAt(campaignID string, g models.Granularity, windowStart time.Time, version int64) []models.LateAdjustmentEntry {
	p, ok := a.existing(campaignID)
	if !ok {
		return nil
	}
	p.mu.RLock()
	defer p.mu.RUnlock()

	b, ok := p.buckets[keyFor(g, windowStart)]
	if !ok {
		return nil
	}
	var out []models.LateAdjustmentEntry
	for _, l := range b.late {
		if version > 0 && l.Version > version {
			break
		}
		out = append(out, l.Entry)
	}
	return out
}

// Snapshots returns the current snapshot of every bucket of the campaign, late
// adjustments excluded.
func (a *Aggregator) Snapshots(campaignID string) []models.MetricWindowSnapshot {
	snaps, _, _ := a.ChangesSince(campaignID, 0)
	return snaps
}

// ChangesSince returns bucket snapshots and late adjustments committed after
// version, plus the current version. It feeds rollup persistence.
func (a *Aggregator) ChangesSince(campaignID string, version int64) ([]models.MetricWindowSnapshot, []models.LateAdjustmentEntry, int64) {
	p, ok := a.existing(campaignID)
	if !ok {
		return nil, nil, 0
	}
	p.mu.RLock()
	defer p.mu.RUnlock()

	var snaps []models.MetricWindowSnapshot
	var late []models.LateAdjustmentEntry
	for _, b := range p.buckets {
		if n := len(b.versions); n > 0 && b.versions[n-1].Version > version {
			snap, ok, err := p.snapshot(b, p.version, p.watermark, false, a.settings)
			if err == nil && ok {
				snaps = append(snaps, snap)
			}
		}
		for _, l := range b.late {
			if l.Version > version {
				late = append(late, l.Entry)
			}
		}
	}
	sort.Slice(snaps, func(i, j int) bool {
		if snaps[i].Granularity != snaps[j].Granularity {
			return snaps[i].Granularity < snaps[j].Granularity
		}
		return snaps[i].WindowStart.Before(snaps[j].WindowStart)
	})
	sort.Slice(late, func(i, j int) bool { return late[i].Seq < late[j].Seq })
	return snaps, late, p.version
}

// Campaigns lists the campaigns that have a partition.
func (a *Aggregator) Campaigns() []string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	ids := make([]string, 0, len(a.partitions))
	for id := range a.partitions {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
