// Package report builds format-independent report models from aggregator
// snapshots and renders them to artifacts.
package report

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/radiusdt/vector-attribution/internal/models"
	"github.com/radiusdt/vector-attribution/internal/money"
)

// InsufficientData is the placeholder text of a section without data.
const InsufficientData = "insufficient data"

// Source is the aggregator read surface a report needs.
type Source interface {
	Query(ctx context.Context, q models.MetricsQuery) ([]models.MetricWindowSnapshot, int64, error)
	CurrentVersion(campaignID string) int64
	LateAdjustmentsAt(campaignID string, g models.Granularity, windowStart time.Time, version int64) []models.LateAdjustmentEntry
}

// Report is the abstract report. Sections are always present in the same order;
// a section without data carries a placeholder instead of being dropped.
type Report struct {
	CampaignID      string             `json:"campaign_id"`
	ModelID         models.ModelID     `json:"model_id,omitempty"`
	Granularity     models.Granularity `json:"window_granularity"`
	From            time.Time          `json:"from"`
	To              time.Time          `json:"to"`
	SnapshotVersion int64              `json:"snapshot_version"`
	IncludeLate     bool               `json:"include_late"`
	Sections        []Section          `json:"sections"`
}

type Section struct {
	ID          string `json:"id"`
	Title       string `json:"title"`
	Table       *Table `json:"table,omitempty"`
	Chart       *Chart `json:"chart,omitempty"`
	Placeholder string `json:"placeholder,omitempty"`
}

type Table struct {
	Columns []string   `json:"columns"`
	Rows    [][]string `json:"rows"`
}

// Chart describes a chart; renderers decide how to draw it.
type Chart struct {
	Kind   string   `json:"kind"`
	XLabel string   `json:"x_label"`
	YLabel string   `json:"y_label"`
	Series []Series `json:"series"`
}

type Series struct {
	Name   string  `json:"name"`
	Points []Point `json:"points"`
}

type Point struct {
	X string  `json:"x"`
	Y float64 `json:"y"`
}

// Build reads the snapshots of req at version and assembles the report.
func Build(ctx context.Context, src Source, req models.ReportRequest, version int64) (*Report, error) {
	snaps, read, err := src.Query(ctx, models.MetricsQuery{
		CampaignID:  req.CampaignID,
		Granularity: req.Window.Granularity,
		From:        req.Window.From,
		To:          req.Window.To,
		IncludeLate: req.IncludeLate,
		Version:     version,
		Pinned:      true,
	})
	if err != nil {
		return nil, fmt.Errorf("query snapshots: %w", err)
	}

	var late []models.LateAdjustmentEntry
	for _, s := range snaps {
		late = append(late, src.LateAdjustmentsAt(req.CampaignID, s.Granularity, s.WindowStart, read)...)
	}

	r := &Report{
		CampaignID:      req.CampaignID,
		Granularity:     req.Window.Granularity,
		From:            req.Window.From.UTC(),
		To:              req.Window.To.UTC(),
		SnapshotVersion: read,
		IncludeLate:     req.IncludeLate,
	}
	if len(snaps) > 0 {
		r.ModelID = snaps[len(snaps)-1].ModelID
	}

	var total models.RollupSums
	for _, s := range snaps {
		total.Merge(s.Sums)
	}

	r.Sections = []Section{
		summarySection(snaps, total),
		windowsSection(snaps),
		channelSection(total),
		roiTrendSection(snaps),
		ttfvSection(total),
		dataQualitySection(snaps, total, late),
	}
	return r, nil
}

func placeholder(id, title string) Section {
	return Section{ID: id, Title: title, Placeholder: InsufficientData}
}

func summarySection(snaps []models.MetricWindowSnapshot, total models.RollupSums) Section {
	if len(snaps) == 0 {
		return placeholder("summary", "Summary")
	}
	return Section{
		ID:    "summary",
		Title: "Summary",
		Table: &Table{
			Columns: []string{"metric", "value"},
			Rows: [][]string{
				{"events", itoa(total.EventCount)},
				{"conversions", itoa(total.ConversionCount)},
				{"subjects", itoa(total.Entered)},
				{"revenue", total.Revenue.String()},
				{"spend", total.Spend.String()},
				{"roi", total.ROI().String()},
				{"completion_rate", total.CompletionRate().String()},
			},
		},
	}
}

func windowsSection(snaps []models.MetricWindowSnapshot) Section {
	if len(snaps) == 0 {
		return placeholder("windows", "Windows")
	}
	t := &Table{Columns: []string{"window_start", "subjects", "converted", "completion_rate", "ttfv_median_sec", "revenue", "spend", "roi", "closed"}}
	for _, s := range snaps {
		median := "undefined"
		if !s.TTFV.Undefined {
			median = ftoa(s.TTFV.MedianSec)
		}
		t.Rows = append(t.Rows, []string{
			s.WindowStart.UTC().Format(time.RFC3339),
			itoa(s.SubjectCount),
			itoa(s.Sums.Converted),
			s.CompletionRate.String(),
			median,
			s.Sums.Revenue.String(),
			s.Sums.Spend.String(),
			s.ROI.String(),
			strconv.FormatBool(s.IsClosed),
		})
	}
	return Section{ID: "windows", Title: "Windows", Table: t}
}

func channelSection(total models.RollupSums) Section {
	if len(total.ChannelRevenue) == 0 {
		return placeholder("revenue_by_channel", "Revenue by touchpoint type")
	}
	channels := make([]string, 0, len(total.ChannelRevenue))
	for ch := range total.ChannelRevenue {
		channels = append(channels, ch)
	}
	sort.Strings(channels)

	t := &Table{Columns: []string{"touchpoint_type", "revenue", "share"}}
	series := Series{Name: "revenue"}
	for _, ch := range channels {
		v := total.ChannelRevenue[ch]
		share := "undefined"
		if !total.Revenue.IsZero() {
			share = ftoa(v.Quo(total.Revenue).Float64())
		}
		t.Rows = append(t.Rows, []string{ch, v.String(), share})
		series.Points = append(series.Points, Point{X: ch, Y: v.Float64()})
	}
	return Section{
		ID:    "revenue_by_channel",
		Title: "Revenue by touchpoint type",
		Table: t,
		Chart: &Chart{Kind: "bar", XLabel: "touchpoint_type", YLabel: "revenue", Series: []Series{series}},
	}
}

func roiTrendSection(snaps []models.MetricWindowSnapshot) Section {
	series := Series{Name: "roi"}
	for _, s := range snaps {
		if s.ROI.Undefined {
			continue
		}
		series.Points = append(series.Points, Point{X: s.WindowStart.UTC().Format(time.RFC3339), Y: s.ROI.Value})
	}
	if len(series.Points) == 0 {
		return placeholder("roi_trend", "ROI trend")
	}
	return Section{
		ID:    "roi_trend",
		Title: "ROI trend",
		Chart: &Chart{Kind: "line", XLabel: "window_start", YLabel: "roi", Series: []Series{series}},
	}
}

func ttfvSection(total models.RollupSums) Section {
	stat := total.TTFV()
	if stat.Undefined {
		return placeholder("ttfv", "Time to first value")
	}
	return Section{
		ID:    "ttfv",
		Title: "Time to first value",
		Table: &Table{
			Columns: []string{"count", "mean_sec", "median_sec", "trimmed_mean_sec", "p90_sec"},
			Rows: [][]string{{
				itoa(stat.Count),
				ftoa(stat.MeanSec),
				ftoa(stat.MedianSec),
				ftoa(stat.TrimmedMeanSec),
				ftoa(stat.P90Sec),
			}},
		},
	}
}

func dataQualitySection(snaps []models.MetricWindowSnapshot, total models.RollupSums, late []models.LateAdjustmentEntry) Section {
	if len(snaps) == 0 {
		return placeholder("data_quality", "Data quality")
	}
	lateRevenue := money.Zero
	for _, l := range late {
		lateRevenue = lateRevenue.Add(l.Delta.Revenue)
	}
	return Section{
		ID:    "data_quality",
		Title: "Data quality",
		Table: &Table{
			Columns: []string{"check", "value"},
			Rows: [][]string{
				{"no_attribution_path", itoa(total.NoAttributionPath)},
				{"model_errors", itoa(total.ModelErrors)},
				{"horizon_exceeded", itoa(total.HorizonExceeded)},
				{"late_adjustments", strconv.Itoa(len(late))},
				{"late_revenue", lateRevenue.String()},
			},
		},
	}
}

func itoa(v int64) string { return strconv.FormatInt(v, 10) }

func ftoa(v float64) string { return strconv.FormatFloat(v, 'f', 4, 64) }
