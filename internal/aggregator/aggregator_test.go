package aggregator

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/radiusdt/vector-attribution/internal/config"
	"github.com/radiusdt/vector-attribution/internal/models"
	"github.com/radiusdt/vector-attribution/internal/storage"
)

// Monday, so day and week buckets share a start.
var base = time.Date(2024, 5, 6, 8, 0, 0, 0, time.UTC)

var fixedNow = time.Date(2024, 7, 1, 0, 0, 0, 0, time.UTC)

type recordingPublisher struct {
	invalidations []models.Invalidation
}

func (p *recordingPublisher) Publish(inv models.Invalidation) {
	p.invalidations = append(p.invalidations, inv)
}

type recordingListener struct {
	signals []bool
}

func (l *recordingListener) Signal(campaignID string, lagging bool) {
	l.signals = append(l.signals, lagging)
}

func testConfig() config.AggregatorConfig {
	return config.AggregatorConfig{
		Granularities:        []string{"day", "week"},
		ReconciliationPeriod: 30 * 24 * time.Hour,
		TTFVHorizon:          30 * 24 * time.Hour,
		IdleTimeout:          14 * 24 * time.Hour,
		MaxLag:               10,
		RetainVersions:       100,
	}
}

func newAggregator(t *testing.T, cfg config.AggregatorConfig) *Aggregator {
	t.Helper()
	agg, err := New(cfg, nil, zap.NewNop())
	require.NoError(t, err)
	agg.now = func() time.Time { return fixedNow }
	return agg
}

type recordBuilder struct {
	seq int64
}

func (b *recordBuilder) event(subject, typ string, at time.Time, value string) models.AttributionRecord {
	b.seq++
	return models.AttributionRecord{
		CampaignID: "c1",
		Seq:        b.seq,
		Event: models.Event{
			ID:             subject + "-" + typ + "-" + at.Format(time.RFC3339),
			CampaignID:     "c1",
			SubjectID:      subject,
			TouchpointType: typ,
			OccurredAt:     at,
			Value:          value,
		},
	}
}

func (b *recordBuilder) conversion(subject string, at time.Time, credits map[string]string) models.AttributionRecord {
	rec := b.event(subject, models.TypeConversion, at, "")
	rec.ModelID = models.ModelLinear
	rec.ModelVersion = 1
	for typ, v := range credits {
		rec.Attributions = append(rec.Attributions, models.AttributedEvent{
			CampaignID:     "c1",
			SubjectID:      subject,
			TouchpointType: typ,
			CreditValue:    v,
			ModelID:        models.ModelLinear,
			ModelVersion:   1,
		})
	}
	return rec
}

func applyAll(t *testing.T, agg *Aggregator, recs ...models.AttributionRecord) {
	t.Helper()
	for _, rec := range recs {
		require.NoError(t, agg.Apply(context.Background(), rec))
	}
}

func queryOne(t *testing.T, agg *Aggregator, q models.MetricsQuery) models.MetricWindowSnapshot {
	t.Helper()
	snaps, _, err := agg.Query(context.Background(), q)
	require.NoError(t, err)
	require.Len(t, snaps, 1)
	return snaps[0]
}

func dayQuery() models.MetricsQuery {
	return models.MetricsQuery{
		CampaignID:  "c1",
		Granularity: models.GranularityDay,
		From:        base.Truncate(24 * time.Hour),
		To:          base.Truncate(24 * time.Hour).Add(24 * time.Hour),
	}
}

func TestApplyFunnelRevenueAndAbandonment(t *testing.T) {
	agg := newAggregator(t, testConfig())
	b := &recordBuilder{}

	applyAll(t, agg,
		b.event("u1", "click", base, ""),
		b.conversion("u1", base.Add(2*time.Hour), map[string]string{"click": "40"}),
		b.event("u2", "click", base.Add(time.Hour), ""),
		b.event("u3", "email", base.AddDate(0, 0, 20), ""),
	)

	snap := queryOne(t, agg, dayQuery())
	sums := snap.Sums
	assert.Equal(t, int64(2), sums.Entered)
	assert.Equal(t, int64(1), sums.Converted)
	assert.Equal(t, int64(1), sums.Abandoned)
	assert.Equal(t, []int64{7200}, sums.TTFVSamples)
	assert.Equal(t, "40", sums.Revenue.String())
	assert.Equal(t, "40", sums.ChannelRevenue["click"].String())
	assert.Equal(t, int64(3), sums.EventCount)
	assert.Equal(t, int64(2), sums.TouchpointCount)
	assert.Equal(t, int64(1), sums.ConversionCount)

	require.False(t, snap.CompletionRate.Undefined)
	assert.InDelta(t, 0.5, snap.CompletionRate.Value, 1e-12)
	assert.True(t, snap.ROI.Undefined)
	assert.Equal(t, int64(2), snap.SubjectCount)
	assert.False(t, snap.IsClosed)
	assert.Equal(t, models.ModelLinear, snap.ModelID)

	weekly, _, err := agg.Query(context.Background(), models.MetricsQuery{CampaignID: "c1", Granularity: models.GranularityWeek})
	require.NoError(t, err)
	require.Len(t, weekly, 2)
	assert.Equal(t, int64(2), weekly[0].Sums.Entered)
	assert.Equal(t, int64(1), weekly[1].Sums.Entered)

	assert.Equal(t, int64(4), agg.CurrentVersion("c1"))
	assert.Equal(t, int64(4), agg.LastApplied("c1"))
}

func TestApplyHorizonExceeded(t *testing.T) {
	cfg := testConfig()
	cfg.TTFVHorizon = 24 * time.Hour
	agg := newAggregator(t, cfg)
	b := &recordBuilder{}

	applyAll(t, agg,
		b.event("u1", "click", base, ""),
		b.conversion("u1", base.AddDate(0, 0, 3), map[string]string{"click": "10"}),
	)

	snap := queryOne(t, agg, dayQuery())
	assert.Equal(t, int64(0), snap.Sums.Converted)
	assert.Equal(t, int64(1), snap.Sums.HorizonExceeded)
	assert.Empty(t, snap.Sums.TTFVSamples)
	assert.True(t, snap.TTFV.Undefined)
	require.False(t, snap.CompletionRate.Undefined)
	assert.Equal(t, 0.0, snap.CompletionRate.Value)
}

func TestApplyIsIdempotent(t *testing.T) {
	agg := newAggregator(t, testConfig())
	b := &recordBuilder{}
	first := b.event("u1", "click", base, "")
	second := b.event("u1", models.TypeSpend, base, "25.50")

	applyAll(t, agg, first, second)
	before := queryOne(t, agg, dayQuery())

	applyAll(t, agg, first, second)
	after := queryOne(t, agg, dayQuery())

	assert.Equal(t, int64(2), agg.CurrentVersion("c1"))
	assert.Equal(t, before.Sums.EventCount, after.Sums.EventCount)
	assert.Equal(t, "25.50", after.Sums.Spend.String())
}

func TestApplyRejectsMalformedRecords(t *testing.T) {
	agg := newAggregator(t, testConfig())
	assert.Error(t, agg.Apply(context.Background(), models.AttributionRecord{Seq: 1}))
	assert.Error(t, agg.Apply(context.Background(), models.AttributionRecord{CampaignID: "c1"}))
}

func TestLateEventGoesToAdjustmentLedger(t *testing.T) {
	cfg := testConfig()
	cfg.Granularities = []string{"day"}
	cfg.ReconciliationPeriod = 24 * time.Hour
	agg := newAggregator(t, cfg)
	b := &recordBuilder{}

	applyAll(t, agg,
		b.event("ops", models.TypeSpend, base, "100"),
		b.conversion("u1", base.Add(time.Hour), map[string]string{"click": "150"}),
		b.event("u2", "click", base.AddDate(0, 0, 3), ""),
	)

	closed := queryOne(t, agg, dayQuery())
	require.True(t, closed.IsClosed)
	assert.InDelta(t, 0.5, closed.ROI.Value, 1e-12)

	late := b.conversion("u3", base.Add(3*time.Hour), map[string]string{"email": "50"})
	applyAll(t, agg, late)

	unchanged := queryOne(t, agg, dayQuery())
	assert.Equal(t, closed.Sums.Revenue.String(), unchanged.Sums.Revenue.String())
	assert.InDelta(t, 0.5, unchanged.ROI.Value, 1e-12)
	assert.False(t, unchanged.IncludesLate)

	q := dayQuery()
	q.IncludeLate = true
	withLate := queryOne(t, agg, q)
	assert.True(t, withLate.IncludesLate)
	assert.Equal(t, "200", withLate.Sums.Revenue.String())
	assert.InDelta(t, 1.0, withLate.ROI.Value, 1e-12)

	entries := agg.LateAdjustments("c1", models.GranularityDay, base)
	require.Len(t, entries, 1)
	assert.Equal(t, LateReasonClosedWindow, entries[0].Reason)
	assert.Equal(t, late.Seq, entries[0].Seq)
	assert.Equal(t, late.Event.ID, entries[0].SourceEventID)
	assert.Equal(t, "50", entries[0].Delta.Revenue.String())
	assert.Equal(t, int64(1), entries[0].Delta.Entered)
}

func TestQueryPinnedVersion(t *testing.T) {
	agg := newAggregator(t, testConfig())
	b := &recordBuilder{}

	applyAll(t, agg,
		b.event("u1", "click", base, ""),
		b.conversion("u1", base.Add(2*time.Hour), map[string]string{"click": "40"}),
		b.event("u2", "click", base.Add(3*time.Hour), ""),
	)

	q := dayQuery()
	q.Version = 2
	snaps, version, err := agg.Query(context.Background(), q)
	require.NoError(t, err)
	assert.Equal(t, int64(2), version)
	require.Len(t, snaps, 1)
	assert.Equal(t, int64(1), snaps[0].Sums.Entered)
	assert.Equal(t, int64(2), snaps[0].Version)
	assert.Equal(t, int64(2), snaps[0].LastEventSeq)

	current := queryOne(t, agg, dayQuery())
	assert.Equal(t, int64(2), current.Sums.Entered)
	assert.Equal(t, int64(3), current.Version)

	q.Version = 0
	q.Pinned = true
	snaps, version, err = agg.Query(context.Background(), q)
	require.NoError(t, err)
	assert.Equal(t, int64(0), version)
	assert.Empty(t, snaps, "version zero is the state before the first apply")

	q.Version = 9
	_, _, err = agg.Query(context.Background(), q)
	assert.True(t, errors.Is(err, models.ErrNotFound))

	_, _, err = agg.Query(context.Background(), models.MetricsQuery{CampaignID: "c1", Granularity: "fortnight"})
	var verr *models.ValidationError
	assert.True(t, errors.As(err, &verr))
}

func TestQueryVersionOutsideRetention(t *testing.T) {
	cfg := testConfig()
	cfg.RetainVersions = 2
	agg := newAggregator(t, cfg)
	b := &recordBuilder{}

	for i := 0; i < 5; i++ {
		applyAll(t, agg, b.event("u1", "click", base.Add(time.Duration(i)*time.Minute), ""))
	}

	q := dayQuery()
	q.Version = 1
	_, _, err := agg.Query(context.Background(), q)
	assert.ErrorIs(t, err, ErrVersionNotRetained)

	q.Version = 4
	snap := queryOne(t, agg, q)
	assert.Equal(t, int64(4), snap.Sums.EventCount)
}

func TestInvalidationsCarryVersionStamp(t *testing.T) {
	agg := newAggregator(t, testConfig())
	pub := &recordingPublisher{}
	agg.SetPublisher(pub)
	b := &recordBuilder{}

	applyAll(t, agg, b.event("u1", "click", base, ""))
	require.NotEmpty(t, pub.invalidations)
	for _, inv := range pub.invalidations {
		assert.Equal(t, "c1", inv.CampaignID)
		assert.Equal(t, int64(1), inv.VersionStamp)
		assert.Equal(t, models.MetricSnapshot, inv.Metric)
	}

	pub.invalidations = nil
	applyAll(t, agg, b.conversion("u1", base.Add(time.Hour), map[string]string{"click": "5"}))

	metrics := map[string]bool{}
	for _, inv := range pub.invalidations {
		assert.Equal(t, int64(2), inv.VersionStamp)
		metrics[inv.Metric] = true
	}
	assert.True(t, metrics[models.MetricROI])
	assert.True(t, metrics[models.MetricTTFV])
	assert.True(t, metrics[models.MetricCompletionRate])
}

func TestCheckLagSignalsBackpressure(t *testing.T) {
	agg := newAggregator(t, testConfig())
	listener := &recordingListener{}
	agg.SetLagListener(listener)
	b := &recordBuilder{}

	for i := 0; i < 5; i++ {
		applyAll(t, agg, b.event("u1", "click", base.Add(time.Duration(i)*time.Minute), ""))
	}

	err := agg.CheckLag("c1", 20)
	var lagErr *models.AggregationLagExceeded
	require.True(t, errors.As(err, &lagErr))
	assert.Equal(t, int64(20), lagErr.HeadSeq)
	assert.Equal(t, int64(5), lagErr.AppliedSeq)

	require.Error(t, agg.CheckLag("c1", 20))
	assert.Equal(t, []bool{true}, listener.signals)

	require.NoError(t, agg.CheckLag("c1", 12))
	assert.Equal(t, []bool{true, false}, listener.signals)

	require.NoError(t, agg.CheckLag("other", 3))
	assert.Equal(t, []bool{true, false}, listener.signals)
}

func TestCheckpointRestore(t *testing.T) {
	ctx := context.Background()
	agg := newAggregator(t, testConfig())
	b := &recordBuilder{}

	applyAll(t, agg,
		b.event("u1", "click", base, ""),
		b.event("u2", "click", base.Add(time.Hour), ""),
	)
	seq, state, err := agg.Checkpoint("c1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), seq)

	restored := newAggregator(t, testConfig())
	require.NoError(t, restored.Restore(ctx, "c1", state))
	assert.Equal(t, int64(2), restored.CurrentVersion("c1"))

	tail := b.conversion("u1", base.Add(2*time.Hour), map[string]string{"click": "12.5"})
	applyAll(t, agg, tail)
	applyAll(t, restored, tail)

	want := queryOne(t, agg, dayQuery())
	got := queryOne(t, restored, dayQuery())
	assert.Equal(t, want.Sums.Entered, got.Sums.Entered)
	assert.Equal(t, want.Sums.Converted, got.Sums.Converted)
	assert.Equal(t, want.Sums.TTFVSamples, got.Sums.TTFVSamples)
	assert.Equal(t, want.Sums.Revenue.String(), got.Sums.Revenue.String())
	assert.Equal(t, want.Version, got.Version)

	_, _, err = restored.Checkpoint("missing")
	assert.ErrorIs(t, err, models.ErrNotFound)
	assert.Error(t, restored.Restore(ctx, "c2", state))
}

func TestReplayIsDeterministic(t *testing.T) {
	b := &recordBuilder{}
	recs := []models.AttributionRecord{
		b.event("u1", "click", base, ""),
		b.event("u2", "email", base.Add(time.Hour), ""),
		b.event("ops", models.TypeSpend, base.Add(time.Hour), "30"),
		b.conversion("u1", base.Add(5*time.Hour), map[string]string{"click": "60"}),
		b.event("u3", "click", base.AddDate(0, 0, 16), ""),
		b.conversion("u2", base.Add(2*time.Hour), map[string]string{"email": "9.99"}),
	}

	first := newAggregator(t, testConfig())
	second := newAggregator(t, testConfig())
	applyAll(t, first, recs...)
	applyAll(t, second, recs...)

	_, a, err := first.Checkpoint("c1")
	require.NoError(t, err)
	_, c, err := second.Checkpoint("c1")
	require.NoError(t, err)
	assert.JSONEq(t, string(a), string(c))
}

func TestActivationTypesFromCampaign(t *testing.T) {
	campaigns := storage.NewInMemoryCampaignRegistry(&models.Campaign{
		ID:              "c1",
		Name:            "spring",
		Status:          models.CampaignStatusActive,
		Attribution:     models.ModelConfig{ModelID: models.ModelLinear, Window: time.Hour},
		ActivationTypes: []string{"signup"},
	})
	agg, err := New(testConfig(), campaigns, zap.NewNop())
	require.NoError(t, err)
	b := &recordBuilder{}

	applyAll(t, agg,
		b.event("u1", "click", base, ""),
		b.event("u1", "signup", base.Add(10*time.Minute), ""),
		b.conversion("u1", base.Add(40*time.Minute), map[string]string{"signup": "1"}),
	)

	snap := queryOne(t, agg, dayQuery())
	assert.Equal(t, []int64{1800}, snap.Sums.TTFVSamples)
}

func TestSnapshotsAndChangesSince(t *testing.T) {
	agg := newAggregator(t, testConfig())
	b := &recordBuilder{}

	applyAll(t, agg, b.event("u1", "click", base, ""))
	snaps, late, version := agg.ChangesSince("c1", 0)
	assert.Len(t, snaps, 2)
	assert.Empty(t, late)
	assert.Equal(t, int64(1), version)

	snaps, _, _ = agg.ChangesSince("c1", version)
	assert.Empty(t, snaps)

	applyAll(t, agg, b.event("u1", "click", base.AddDate(0, 0, 1), ""))
	snaps, _, _ = agg.ChangesSince("c1", version)
	assert.Len(t, snaps, 2)
	assert.Len(t, agg.Snapshots("c1"), 3)
	assert.Equal(t, []string{"c1"}, agg.Campaigns())
}

func TestOutOfOrderActivationMeasuresFromEarliest(t *testing.T) {
	agg := newAggregator(t, testConfig())
	b := &recordBuilder{}

	applyAll(t, agg,
		b.event("u1", "email", base.Add(3*time.Hour), ""),
		b.event("u1", "click", base, ""),
		b.conversion("u1", base.Add(5*time.Hour), map[string]string{"click": "10", "email": "10"}),
	)

	snap := queryOne(t, agg, dayQuery())
	assert.Equal(t, []int64{18000}, snap.Sums.TTFVSamples)
	assert.Equal(t, int64(1), snap.Sums.Entered)
	assert.Equal(t, int64(1), snap.Sums.Converted)
}

func TestEarlierEventMovesCohort(t *testing.T) {
	cfg := testConfig()
	cfg.Granularities = []string{"day"}
	agg := newAggregator(t, cfg)
	b := &recordBuilder{}

	applyAll(t, agg,
		b.event("u1", "click", base.AddDate(0, 0, 1), ""),
		b.event("u1", "email", base, ""),
	)

	snaps, _, err := agg.Query(context.Background(), models.MetricsQuery{CampaignID: "c1", Granularity: models.GranularityDay})
	require.NoError(t, err)
	require.Len(t, snaps, 2)
	assert.Equal(t, int64(1), snaps[0].Sums.Entered, "cohort follows the earliest event")
	assert.Equal(t, int64(0), snaps[1].Sums.Entered)

	applyAll(t, agg, b.conversion("u1", base.AddDate(0, 0, 1).Add(time.Hour), map[string]string{"click": "5"}))
	b.seq++
	require.NoError(t, agg.Apply(context.Background(), models.AttributionRecord{
		CampaignID: "c1",
		Seq:        b.seq,
		Event: models.Event{ID: "late-click", CampaignID: "c1", SubjectID: "u1", TouchpointType: "click", OccurredAt: base.Add(-2 * time.Hour)},
	}))

	snaps, _, err = agg.Query(context.Background(), models.MetricsQuery{CampaignID: "c1", Granularity: models.GranularityDay})
	require.NoError(t, err)
	total := int64(0)
	for _, s := range snaps {
		total += s.Sums.Entered
	}
	assert.Equal(t, int64(1), total, "a converted subject keeps its cohort")
	assert.Equal(t, int64(1), snaps[len(snaps)-2].Sums.Converted)
}

func TestBucketHistorySharesOneSampleLog(t *testing.T) {
	cfg := testConfig()
	cfg.Granularities = []string{"week"}
	cfg.RetainVersions = 1000
	agg := newAggregator(t, cfg)
	b := &recordBuilder{}

	const subjects = 300
	for i := 0; i < subjects; i++ {
		subject := fmt.Sprintf("u%d", i)
		at := base.Add(time.Duration(i) * time.Minute)
		applyAll(t, agg,
			b.event(subject, "click", at, ""),
			b.conversion(subject, at.Add(time.Minute), map[string]string{"click": "1"}),
		)
	}

	p, ok := agg.existing("c1")
	require.True(t, ok)
	bk := p.buckets[keyFor(models.GranularityWeek, base)]
	require.NotNil(t, bk)

	assert.Len(t, bk.samples, subjects)
	require.Len(t, bk.versions, 2*subjects)
	for _, v := range bk.versions {
		assert.Nil(t, v.Sums.TTFVSamples)
	}

	q := models.MetricsQuery{CampaignID: "c1", Granularity: models.GranularityWeek, Version: 2*subjects - 2}
	snap := queryOne(t, agg, q)
	assert.Len(t, snap.Sums.TTFVSamples, subjects-1)

	current := queryOne(t, agg, models.MetricsQuery{CampaignID: "c1", Granularity: models.GranularityWeek})
	assert.Len(t, current.Sums.TTFVSamples, subjects)
	assert.Equal(t, int64(60), current.Sums.TTFVSamples[0])

	_, data, err := agg.Checkpoint("c1")
	require.NoError(t, err)
	restored := newAggregator(t, cfg)
	require.NoError(t, restored.Restore(context.Background(), "c1", data))
	again := queryOne(t, restored, models.MetricsQuery{CampaignID: "c1", Granularity: models.GranularityWeek})
	assert.Equal(t, current.Sums.TTFVSamples, again.Sums.TTFVSamples)
}
