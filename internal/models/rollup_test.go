package models

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/radiusdt/vector-attribution/internal/money"
)

func TestGranularityWindows(t *testing.T) {
	ts := time.Date(2024, 3, 14, 15, 42, 7, 0, time.UTC) // Thursday

	tests := []struct {
		g         Granularity
		wantStart time.Time
		wantEnd   time.Time
	}{
		{GranularityHour, time.Date(2024, 3, 14, 15, 0, 0, 0, time.UTC), time.Date(2024, 3, 14, 16, 0, 0, 0, time.UTC)},
		{GranularityDay, time.Date(2024, 3, 14, 0, 0, 0, 0, time.UTC), time.Date(2024, 3, 15, 0, 0, 0, 0, time.UTC)},
		{GranularityWeek, time.Date(2024, 3, 11, 0, 0, 0, 0, time.UTC), time.Date(2024, 3, 18, 0, 0, 0, 0, time.UTC)},
	}
	for _, tt := range tests {
		t.Run(string(tt.g), func(t *testing.T) {
			start := tt.g.WindowStart(ts)
			assert.Equal(t, tt.wantStart, start)
			assert.Equal(t, tt.wantEnd, tt.g.WindowEnd(start))
		})
	}

	_, err := ParseGranularity("fortnight")
	require.Error(t, err)
}

func TestRollupDerivations(t *testing.T) {
	t.Run("roi undefined without spend", func(t *testing.T) {
		s := RollupSums{Revenue: money.MustParse("100")}
		assert.True(t, s.ROI().Undefined)
	})

	t.Run("roi from exact sums", func(t *testing.T) {
		s := RollupSums{Revenue: money.MustParse("150"), Spend: money.MustParse("100")}
		roi := s.ROI()
		require.False(t, roi.Undefined)
		assert.InDelta(t, 0.5, roi.Value, 1e-12)
	})

	t.Run("completion rate excludes unresolved subjects", func(t *testing.T) {
		s := RollupSums{Entered: 10, Converted: 2, Abandoned: 1, HorizonExceeded: 1}
		rate := s.CompletionRate()
		require.False(t, rate.Undefined)
		assert.InDelta(t, 0.5, rate.Value, 1e-12)
	})

	t.Run("completion rate undefined with nothing resolved", func(t *testing.T) {
		s := RollupSums{Entered: 3}
		assert.True(t, s.CompletionRate().Undefined)
	})

	t.Run("ttfv statistics", func(t *testing.T) {
		s := RollupSums{TTFVSamples: []int64{50, 10, 40, 20, 30, 60, 70, 80, 90, 1000}}
		stat := s.TTFV()
		assert.Equal(t, int64(10), stat.Count)
		assert.InDelta(t, 55, stat.MedianSec, 1e-9)
		assert.InDelta(t, 145, stat.MeanSec, 1e-9)
		assert.InDelta(t, 55, stat.TrimmedMeanSec, 1e-9)
		assert.InDelta(t, 90, stat.P90Sec, 1e-9)
	})

	t.Run("ttfv undefined without samples", func(t *testing.T) {
		assert.True(t, RollupSums{}.TTFV().Undefined)
	})
}

func TestRollupMergeAndClone(t *testing.T) {
	base := RollupSums{Revenue: money.MustParse("10"), ChannelRevenue: map[string]money.Decimal{"click": money.MustParse("10")}}
	clone := base.Clone()
	clone.Merge(RollupSums{
		Revenue:        money.MustParse("5"),
		ChannelRevenue: map[string]money.Decimal{"click": money.MustParse("5"), "email": money.MustParse("1")},
		TTFVSamples:    []int64{3},
	})

	assert.Equal(t, "10", base.ChannelRevenue["click"].String())
	assert.Empty(t, base.TTFVSamples)
	assert.Equal(t, "15", clone.Revenue.String())
	assert.Equal(t, "15", clone.ChannelRevenue["click"].String())
	assert.Equal(t, "1", clone.ChannelRevenue["email"].String())
}

func TestSnapshotStableFieldNames(t *testing.T) {
	snap := MetricWindowSnapshot{
		CampaignID:  "camp-1",
		Granularity: GranularityDay,
		Sums:        RollupSums{Spend: money.MustParse("0")},
	}
	snap.Derive()

	b, err := json.Marshal(snap)
	require.NoError(t, err)

	var fields map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(b, &fields))
	for _, name := range []string{"campaign_id", "window_granularity", "window_start", "ttfv_stat",
		"completion_rate", "roi", "subject_count", "last_event_seq", "watermark", "is_closed"} {
		assert.Contains(t, fields, name)
	}
	assert.JSONEq(t, `{"value":0,"undefined":true}`, string(fields["roi"]))
}

func TestJobStateTransitions(t *testing.T) {
	assert.True(t, JobPending.CanTransition(JobRendering))
	assert.True(t, JobPending.CanTransition(JobFailed))
	assert.True(t, JobRendering.CanTransition(JobSucceeded))
	assert.False(t, JobRendering.CanTransition(JobPending))
	assert.False(t, JobFailed.CanTransition(JobRendering))
	assert.False(t, JobSucceeded.CanTransition(JobFailed))
}
