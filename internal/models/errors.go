package models

import (
	"errors"
	"fmt"
)

var (
	// ErrDuplicateEvent is informational: the dedup key already exists in the partition.
	ErrDuplicateEvent = errors.New("duplicate event")

	ErrUnknownCampaign = errors.New("unknown campaign")
	ErrNotFound        = errors.New("not found")

	// ErrStaleCacheServed marks a response served from a superseded cache entry.
	ErrStaleCacheServed = errors.New("stale cache value served")
)

// ValidationError rejects a malformed or incomplete event at ingestion.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation failed: " + e.Reason
	}
	return fmt.Sprintf("validation failed: %s: %s", e.Field, e.Reason)
}

// ModelComputationError is fatal to one conversion's attribution only.
type ModelComputationError struct {
	ModelID ModelID
	Version int
	Reason  string
}

func (e *ModelComputationError) Error() string {
	return fmt.Sprintf("model %s v%d: %s", e.ModelID, e.Version, e.Reason)
}

// AggregationLagExceeded reports a partition behind its target watermark.
type AggregationLagExceeded struct {
	CampaignID string
	HeadSeq    int64
	AppliedSeq int64
	MaxLag     int64
}

func (e *AggregationLagExceeded) Error() string {
	return fmt.Sprintf("aggregation lag exceeded for campaign %s: applied %d of %d (max lag %d)",
		e.CampaignID, e.AppliedSeq, e.HeadSeq, e.MaxLag)
}

// ReportGenerationFailed carries the reason a report job failed.
type ReportGenerationFailed struct {
	JobID  string
	Reason string
	Err    error
}

func (e *ReportGenerationFailed) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("report %s failed: %s: %v", e.JobID, e.Reason, e.Err)
	}
	return fmt.Sprintf("report %s failed: %s", e.JobID, e.Reason)
}

func (e *ReportGenerationFailed) Unwrap() error { return e.Err }
