package models

import (
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/radiusdt/vector-attribution/internal/money"
)

// ===========================================
// WINDOW GRANULARITY
// ===========================================

type Granularity string

const (
	GranularityHour Granularity = "hour"
	GranularityDay  Granularity = "day"
	GranularityWeek Granularity = "week"
)

// ParseGranularity validates a granularity name.
func ParseGranularity(s string) (Granularity, error) {
	switch g := Granularity(s); g {
	case GranularityHour, GranularityDay, GranularityWeek:
		return g, nil
	}
	return "", fmt.Errorf("unknown window granularity %q", s)
}

// WindowStart returns the start of the window containing t. Weeks start on Monday UTC.
func (g Granularity) WindowStart(t time.Time) time.Time {
	t = t.UTC()
	switch g {
	case GranularityHour:
		return t.Truncate(time.Hour)
	case GranularityWeek:
		day := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
		offset := (int(day.Weekday()) + 6) % 7
		return day.AddDate(0, 0, -offset)
	default:
		return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
	}
}

// WindowEnd returns the exclusive end of the window starting at start.
func (g Granularity) WindowEnd(start time.Time) time.Time {
	switch g {
	case GranularityHour:
		return start.Add(time.Hour)
	case GranularityWeek:
		return start.AddDate(0, 0, 7)
	default:
		return start.AddDate(0, 0, 1)
	}
}

// ===========================================
// METRIC NAMES
// ===========================================

const (
	MetricTTFV           = "ttfv"
	MetricCompletionRate = "completion_rate"
	MetricROI            = "roi"
	MetricSnapshot       = "snapshot"
)

// ===========================================
// ROLLUP SUMS
// ===========================================

// RollupSums is the only stored state of a window bucket. Every statistic is derived
// from it at read time, so corrections only ever add to these sums.
type RollupSums struct {
	EventCount      int64 `json:"event_count"`
	TouchpointCount int64 `json:"touchpoint_count"`
	ConversionCount int64 `json:"conversion_count"`

	Entered         int64 `json:"entered"`
	Converted       int64 `json:"converted"`
	Abandoned       int64 `json:"abandoned"`
	HorizonExceeded int64 `json:"horizon_exceeded"`

	TTFVSamples []int64 `json:"ttfv_samples_sec,omitempty"`

	Revenue        money.Decimal            `json:"revenue"`
	Spend          money.Decimal            `json:"spend"`
	ChannelRevenue map[string]money.Decimal `json:"channel_revenue,omitempty"`

	NoAttributionPath int64 `json:"no_attribution_path"`
	ModelErrors       int64 `json:"model_errors"`
}

// Clone returns a deep copy.
func (s RollupSums) Clone() RollupSums {
	out := s
	if s.TTFVSamples != nil {
		out.TTFVSamples = append([]int64(nil), s.TTFVSamples...)
	}
	if s.ChannelRevenue != nil {
		out.ChannelRevenue = make(map[string]money.Decimal, len(s.ChannelRevenue))
		for k, v := range s.ChannelRevenue {
			out.ChannelRevenue[k] = v
		}
	}
	return out
}

// Merge adds delta into s.
func (s *RollupSums) Merge(delta RollupSums) {
	s.EventCount += delta.EventCount
	s.TouchpointCount += delta.TouchpointCount
	s.ConversionCount += delta.ConversionCount
	s.Entered += delta.Entered
	s.Converted += delta.Converted
	s.Abandoned += delta.Abandoned
	s.HorizonExceeded += delta.HorizonExceeded
	s.TTFVSamples = append(s.TTFVSamples, delta.TTFVSamples...)
	s.Revenue = s.Revenue.Add(delta.Revenue)
	s.Spend = s.Spend.Add(delta.Spend)
	for k, v := range delta.ChannelRevenue {
		if s.ChannelRevenue == nil {
			s.ChannelRevenue = make(map[string]money.Decimal)
		}
		s.ChannelRevenue[k] = s.ChannelRevenue[k].Add(v)
	}
	s.NoAttributionPath += delta.NoAttributionPath
	s.ModelErrors += delta.ModelErrors
}

// IsZero reports whether the sums carry no information.
func (s RollupSums) IsZero() bool {
	return s.EventCount == 0 && s.TouchpointCount == 0 && s.ConversionCount == 0 &&
		s.Entered == 0 && s.Converted == 0 && s.Abandoned == 0 && s.HorizonExceeded == 0 &&
		len(s.TTFVSamples) == 0 && s.Revenue.IsZero() && s.Spend.IsZero() &&
		len(s.ChannelRevenue) == 0 && s.NoAttributionPath == 0 && s.ModelErrors == 0
}

// ChangedMetrics lists the derived metrics a delta affects.
func (s RollupSums) ChangedMetrics() []string {
	var out []string
	if len(s.TTFVSamples) > 0 {
		out = append(out, MetricTTFV)
	}
	if s.Converted != 0 || s.Abandoned != 0 || s.HorizonExceeded != 0 {
		out = append(out, MetricCompletionRate)
	}
	if !s.Revenue.IsZero() || !s.Spend.IsZero() {
		out = append(out, MetricROI)
	}
	return append(out, MetricSnapshot)
}

// ===========================================
// DERIVED VALUES
// ===========================================

// Ratio is a derived value that is explicitly undefined when its denominator is zero.
type Ratio struct {
	Value     float64 `json:"value"`
	Undefined bool    `json:"undefined"`
}

func DefinedRatio(v float64) Ratio { return Ratio{Value: v} }
func UndefinedRatio() Ratio        { return Ratio{Undefined: true} }

func (r Ratio) String() string {
	if r.Undefined {
		return "undefined"
	}
	return fmt.Sprintf("%.4f", r.Value)
}

// TTFVStat summarizes time-to-first-value samples in seconds.
type TTFVStat struct {
	Count          int64   `json:"count"`
	MeanSec        float64 `json:"mean_sec"`
	MedianSec      float64 `json:"median_sec"`
	TrimmedMeanSec float64 `json:"trimmed_mean_sec"`
	P90Sec         float64 `json:"p90_sec"`
	Undefined      bool    `json:"undefined"`
}

// TTFV derives the statistic. The trimmed mean drops 10% from each tail.
func (s RollupSums) TTFV() TTFVStat {
	n := len(s.TTFVSamples)
	if n == 0 {
		return TTFVStat{Undefined: true}
	}
	sorted := append([]int64(nil), s.TTFVSamples...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	var total float64
	for _, v := range sorted {
		total += float64(v)
	}

	var median float64
	if n%2 == 1 {
		median = float64(sorted[n/2])
	} else {
		median = float64(sorted[n/2-1]+sorted[n/2]) / 2
	}

	k := n / 10
	trimmed := sorted[k : n-k]
	var trimmedTotal float64
	for _, v := range trimmed {
		trimmedTotal += float64(v)
	}

	rank := int(math.Ceil(0.9*float64(n))) - 1
	if rank < 0 {
		rank = 0
	}

	return TTFVStat{
		Count:          int64(n),
		MeanSec:        total / float64(n),
		MedianSec:      median,
		TrimmedMeanSec: trimmedTotal / float64(len(trimmed)),
		P90Sec:         float64(sorted[rank]),
	}
}

// CompletionRate is converted / resolved subjects. Subjects that have not reached a
// terminal funnel state are in neither term; subjects past the TTFV horizon count as
// resolved but not converted.
func (s RollupSums) CompletionRate() Ratio {
	resolved := s.Converted + s.Abandoned + s.HorizonExceeded
	if resolved <= 0 {
		return UndefinedRatio()
	}
	rate := float64(s.Converted) / float64(resolved)
	return DefinedRatio(math.Max(0, math.Min(1, rate)))
}

// ROI is (revenue - spend) / spend, undefined when spend is zero.
func (s RollupSums) ROI() Ratio {
	if s.Spend.IsZero() {
		return UndefinedRatio()
	}
	return DefinedRatio(s.Revenue.Sub(s.Spend).Quo(s.Spend).Float64())
}

// ===========================================
// SNAPSHOT
// ===========================================

// MetricWindowSnapshot is the read model of one (campaign, granularity, window) bucket.
type MetricWindowSnapshot struct {
	CampaignID  string      `json:"campaign_id"`
	ModelID     ModelID     `json:"model_id"`
	Granularity Granularity `json:"window_granularity"`
	WindowStart time.Time   `json:"window_start"`
	WindowEnd   time.Time   `json:"window_end"`

	Sums RollupSums `json:"sums"`

	TTFV           TTFVStat `json:"ttfv_stat"`
	CompletionRate Ratio    `json:"completion_rate"`
	ROI            Ratio    `json:"roi"`
	SubjectCount   int64    `json:"subject_count"`

	LastEventSeq int64     `json:"last_event_seq"`
	Watermark    time.Time `json:"watermark"`
	IsClosed     bool      `json:"is_closed"`
	Version      int64     `json:"version"`

	// IncludesLate is set when late adjustments were merged into Sums for this read.
	IncludesLate bool `json:"includes_late,omitempty"`
}

// Derive recomputes the derived fields from Sums.
func (m *MetricWindowSnapshot) Derive() {
	m.TTFV = m.Sums.TTFV()
	m.CompletionRate = m.Sums.CompletionRate()
	m.ROI = m.Sums.ROI()
	m.SubjectCount = m.Sums.Entered
}

// LateAdjustmentEntry records a correction for a bucket that had already closed.
type LateAdjustmentEntry struct {
	ID            string      `json:"id"`
	CampaignID    string      `json:"campaign_id"`
	ModelID       ModelID     `json:"model_id"`
	Granularity   Granularity `json:"window_granularity"`
	WindowStart   time.Time   `json:"window_start"`
	Seq           int64       `json:"seq"`
	SourceEventID string      `json:"source_event_id"`
	Reason        string      `json:"reason"`
	Delta         RollupSums  `json:"delta"`
	RecordedAt    time.Time   `json:"recorded_at"`
}

// MetricsQuery selects snapshots at the metrics read boundary.
type MetricsQuery struct {
	CampaignID  string      `json:"campaign_id"`
	ModelID     ModelID     `json:"model_id,omitempty"`
	Granularity Granularity `json:"window_granularity"`
	From        time.Time   `json:"from"`
	To          time.Time   `json:"to"`
	IncludeLate bool        `json:"include_late,omitempty"`

	// Version pins a past partition version. Zero means current unless Pinned
	// is set, in which case it names the empty state before the first apply.
	Version int64 `json:"version,omitempty"`
	Pinned  bool  `json:"pinned,omitempty"`
}

// IsPinned reports whether q reads a fixed version rather than the current one.
func (q MetricsQuery) IsPinned() bool {
	return q.Pinned || q.Version != 0
}

// MetricsResponse is what the metrics read boundary returns.
type MetricsResponse struct {
	Snapshots    []MetricWindowSnapshot `json:"snapshots"`
	VersionStamp int64                  `json:"version_stamp"`
	Stale        bool                   `json:"stale"`
}

// Invalidation announces that cached values derived from a bucket are outdated.
type Invalidation struct {
	CampaignID   string      `json:"campaign_id"`
	Metric       string      `json:"metric"`
	Granularity  Granularity `json:"window_granularity"`
	WindowStart  time.Time   `json:"window_start"`
	VersionStamp int64       `json:"version_stamp"`
}
