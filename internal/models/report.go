package models

import (
	"fmt"
	"time"
)

type ReportFormat string

const (
	FormatJSON     ReportFormat = "json"
	FormatCSV      ReportFormat = "csv"
	FormatMarkdown ReportFormat = "markdown"
	FormatHTML     ReportFormat = "html"
)

// ParseReportFormat validates a format name.
func ParseReportFormat(s string) (ReportFormat, error) {
	switch f := ReportFormat(s); f {
	case FormatJSON, FormatCSV, FormatMarkdown, FormatHTML:
		return f, nil
	}
	return "", fmt.Errorf("unknown report format %q", s)
}

// Extension returns the artifact file extension.
func (f ReportFormat) Extension() string {
	switch f {
	case FormatMarkdown:
		return "md"
	default:
		return string(f)
	}
}

// ReportWindow is the time range and bucket size a report covers.
type ReportWindow struct {
	Granularity Granularity `json:"granularity"`
	From        time.Time   `json:"from"`
	To          time.Time   `json:"to"`
}

func (w ReportWindow) Validate() error {
	if _, err := ParseGranularity(string(w.Granularity)); err != nil {
		return err
	}
	if w.From.IsZero() || w.To.IsZero() {
		return fmt.Errorf("window from and to are required")
	}
	if !w.From.Before(w.To) {
		return fmt.Errorf("window from must be before to")
	}
	return nil
}

// ReportRequest asks for one rendered report.
type ReportRequest struct {
	CampaignID  string       `json:"campaign_id"`
	Window      ReportWindow `json:"window"`
	Format      ReportFormat `json:"format"`
	IncludeLate bool         `json:"include_late,omitempty"`

	// SnapshotVersion pins a partition version; nil pins the current one at job start.
	SnapshotVersion *int64 `json:"snapshot_version,omitempty"`
}

// ===========================================
// REPORT JOB
// ===========================================

type JobState string

const (
	JobPending   JobState = "pending"
	JobRendering JobState = "rendering"
	JobSucceeded JobState = "succeeded"
	JobFailed    JobState = "failed"
)

// Terminal reports whether no further transition is possible.
func (s JobState) Terminal() bool {
	return s == JobSucceeded || s == JobFailed
}

// CanTransition enforces the one-directional job lifecycle.
func (s JobState) CanTransition(next JobState) bool {
	switch s {
	case JobPending:
		return next == JobRendering || next == JobFailed
	case JobRendering:
		return next == JobSucceeded || next == JobFailed
	default:
		return false
	}
}

// ReportJob tracks one report rendering. Failed jobs are never retried in place.
type ReportJob struct {
	JobID           string       `json:"job_id"`
	CampaignID      string       `json:"campaign_id"`
	Window          ReportWindow `json:"window"`
	Format          ReportFormat `json:"format"`
	IncludeLate     bool         `json:"include_late,omitempty"`
	SnapshotVersion int64        `json:"snapshot_version"`
	State           JobState     `json:"state"`
	ArtifactRef     string       `json:"artifact_ref,omitempty"`
	Error           string       `json:"error,omitempty"`
	CreatedAt       time.Time    `json:"created_at"`
	UpdatedAt       time.Time    `json:"updated_at"`
}
