package ingest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/radiusdt/vector-attribution/internal/config"
	"github.com/radiusdt/vector-attribution/internal/models"
	"github.com/radiusdt/vector-attribution/internal/storage"
)

var now = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestService(t *testing.T) (*Service, *storage.InMemoryEventLog) {
	t.Helper()
	campaigns := storage.NewInMemoryCampaignRegistry(
		&models.Campaign{ID: "c1", Name: "Spring", Status: models.CampaignStatusActive,
			Attribution: models.ModelConfig{ModelID: models.ModelLastTouch, Version: 1, Window: 24 * time.Hour}},
		&models.Campaign{ID: "archived", Name: "Old", Status: models.CampaignStatusArchived,
			Attribution: models.ModelConfig{ModelID: models.ModelLastTouch, Version: 1, Window: 24 * time.Hour}},
	)
	log := storage.NewInMemoryEventLog(100)
	svc := NewService(log, campaigns, config.IngestConfig{ClockSkew: 5 * time.Minute, DedupBucket: time.Minute}, zap.NewNop())
	svc.SetClock(func() time.Time { return now })
	return svc, log
}

func TestIngestValidation(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	valid := models.EventInput{CampaignID: "c1", SubjectID: "s1", TouchpointType: "click", OccurredAt: now.Add(-time.Hour)}

	tests := []struct {
		name  string
		mut   func(in *models.EventInput)
		field string
	}{
		{"missing campaign", func(in *models.EventInput) { in.CampaignID = "" }, "campaign_id"},
		{"missing subject", func(in *models.EventInput) { in.SubjectID = "" }, "subject_id"},
		{"missing type", func(in *models.EventInput) { in.TouchpointType = "" }, "touchpoint_type"},
		{"missing time", func(in *models.EventInput) { in.OccurredAt = time.Time{} }, "occurred_at"},
		{"future beyond skew", func(in *models.EventInput) { in.OccurredAt = now.Add(10 * time.Minute) }, "occurred_at"},
		{"unknown campaign", func(in *models.EventInput) { in.CampaignID = "nope" }, "campaign_id"},
		{"archived campaign", func(in *models.EventInput) { in.CampaignID = "archived" }, "campaign_id"},
		{"negative value", func(in *models.EventInput) { in.TouchpointType = models.TypeConversion; in.Value = "-1" }, "value"},
		{"non-numeric value", func(in *models.EventInput) { in.TouchpointType = models.TypeConversion; in.Value = "ten" }, "value"},
		{"spend without value", func(in *models.EventInput) { in.TouchpointType = models.TypeSpend }, "value"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in := valid
			tt.mut(&in)
			res, err := svc.Ingest(ctx, in)

			var verr *models.ValidationError
			require.True(t, errors.As(err, &verr))
			assert.Equal(t, tt.field, verr.Field)
			assert.Equal(t, models.IngestRejected, res.Status)
			assert.NotEmpty(t, res.Reason)
		})
	}

	t.Run("within skew is accepted", func(t *testing.T) {
		in := valid
		in.OccurredAt = now.Add(4 * time.Minute)
		res, err := svc.Ingest(ctx, in)
		require.NoError(t, err)
		assert.Equal(t, models.IngestAccepted, res.Status)
	})
}

func TestIngestDeduplication(t *testing.T) {
	svc, log := newTestService(t)
	ctx := context.Background()

	in := models.EventInput{CampaignID: "c1", SubjectID: "s1", TouchpointType: "click", OccurredAt: now.Add(-time.Hour)}

	first, err := svc.Ingest(ctx, in)
	require.NoError(t, err)
	require.Equal(t, models.IngestAccepted, first.Status)
	assert.Equal(t, int64(1), first.Seq)

	t.Run("redelivery inside the bucket is skipped", func(t *testing.T) {
		again := in
		again.OccurredAt = in.OccurredAt.Add(20 * time.Second)
		res, err := svc.Ingest(ctx, again)
		require.NoError(t, err)
		assert.Equal(t, models.IngestDuplicateSkipped, res.Status)
		assert.Equal(t, first.Seq, res.Seq)
		assert.Equal(t, first.EventID, res.EventID)
	})

	t.Run("different type is a new event", func(t *testing.T) {
		other := in
		other.TouchpointType = "impression"
		res, err := svc.Ingest(ctx, other)
		require.NoError(t, err)
		assert.Equal(t, models.IngestAccepted, res.Status)
		assert.Equal(t, int64(2), res.Seq)
	})

	head, err := log.Head(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), head)
}

func TestIngestNormalizesValue(t *testing.T) {
	svc, log := newTestService(t)
	ctx := context.Background()

	_, err := svc.Ingest(ctx, models.EventInput{CampaignID: "c1", SubjectID: "s1", TouchpointType: models.TypeConversion,
		OccurredAt: now.Add(-time.Minute), Value: "100.50"})
	require.NoError(t, err)

	cur, err := log.Replay(ctx, "c1", 1)
	require.NoError(t, err)
	events, err := storage.Collect(ctx, cur)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "100.50", events[0].Value)
	assert.Equal(t, models.KindConversion, events[0].Kind())
}

func TestDedupKey(t *testing.T) {
	base := time.Date(2024, 1, 1, 10, 0, 5, 0, time.UTC)
	k1 := DedupKey("c", "s", "click", base, time.Minute)
	k2 := DedupKey("c", "s", "click", base.Add(30*time.Second), time.Minute)
	k3 := DedupKey("c", "s", "click", base.Add(time.Minute), time.Minute)

	assert.Equal(t, k1, k2)
	assert.NotEqual(t, k1, k3)
	assert.Len(t, k1, 64)
}

func TestBackpressure(t *testing.T) {
	b := NewBackpressure(1000, 1)
	ctx := context.Background()

	throttled, err := b.Wait(ctx, "c1")
	require.NoError(t, err)
	assert.False(t, throttled)

	b.Signal("c1", true)
	assert.True(t, b.Active("c1"))
	assert.False(t, b.Active("c2"))

	throttled, err = b.Wait(ctx, "c1")
	require.NoError(t, err)
	assert.True(t, throttled)

	b.Signal("c1", false)
	assert.False(t, b.Active("c1"))
}
