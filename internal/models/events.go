package models

import (
	"time"
)

// Reserved touchpoint types. Every other type is an attributable touchpoint.
const (
	TypeConversion = "conversion"
	TypeSpend      = "spend"
)

// EventKind classifies an event for attribution and funnel processing.
type EventKind int

const (
	KindTouchpoint EventKind = iota
	KindConversion
	KindSpend
)

func (k EventKind) String() string {
	switch k {
	case KindConversion:
		return "conversion"
	case KindSpend:
		return "spend"
	default:
		return "touchpoint"
	}
}

// ===========================================
// EVENT
// ===========================================

// Event is an accepted, immutable log entry. Seq is strictly increasing per campaign.
type Event struct {
	ID             string    `json:"id"`
	CampaignID     string    `json:"campaign_id"`
	SubjectID      string    `json:"subject_id"`
	TouchpointType string    `json:"touchpoint_type"`
	OccurredAt     time.Time `json:"occurred_at"`
	DedupKey       string    `json:"dedup_key"`
	Seq            int64     `json:"seq"`

	// Conversion value or spend amount, decimal string. Empty for plain touchpoints.
	Value string `json:"value,omitempty"`

	Payload    map[string]string `json:"payload,omitempty"`
	IngestedAt time.Time         `json:"ingested_at"`
}

// Kind reports how the event participates in attribution and aggregation.
func (e *Event) Kind() EventKind {
	switch e.TouchpointType {
	case TypeConversion:
		return KindConversion
	case TypeSpend:
		return KindSpend
	default:
		return KindTouchpoint
	}
}

// EventInput is an event submission at the ingestion boundary.
type EventInput struct {
	CampaignID     string            `json:"campaign_id"`
	SubjectID      string            `json:"subject_id"`
	TouchpointType string            `json:"touchpoint_type"`
	OccurredAt     time.Time         `json:"occurred_at"`
	Value          string            `json:"value,omitempty"`
	Payload        map[string]string `json:"payload,omitempty"`
}

// DedupBucket returns the index of the time bucket containing t.
func DedupBucket(t time.Time, size time.Duration) int64 {
	if size <= 0 {
		return t.UTC().Unix()
	}
	return t.UTC().Truncate(size).Unix()
}

// ===========================================
// INGEST RESULT
// ===========================================

type IngestStatus string

const (
	IngestAccepted         IngestStatus = "accepted"
	IngestDuplicateSkipped IngestStatus = "duplicate_skipped"
	IngestRejected         IngestStatus = "rejected"
)

// IngestResult is the synchronous answer to an ingestion call.
type IngestResult struct {
	Status  IngestStatus `json:"status"`
	Seq     int64        `json:"seq,omitempty"`
	EventID string       `json:"event_id,omitempty"`
	Reason  string       `json:"reason,omitempty"`
}

func Accepted(seq int64, eventID string) IngestResult {
	return IngestResult{Status: IngestAccepted, Seq: seq, EventID: eventID}
}

func DuplicateSkipped(seq int64, eventID string) IngestResult {
	return IngestResult{Status: IngestDuplicateSkipped, Seq: seq, EventID: eventID}
}

func Rejected(reason string) IngestResult {
	return IngestResult{Status: IngestRejected, Reason: reason}
}
