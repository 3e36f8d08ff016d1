package cache

import (
	"fmt"
	"strings"
	"time"

	"github.com/radiusdt/vector-attribution/internal/models"
)

// Entry is one cached metrics read.
type Entry struct {
	Key          string                        `json:"key"`
	Metric       string                        `json:"metric"`
	Query        models.MetricsQuery           `json:"query"`
	Snapshots    []models.MetricWindowSnapshot `json:"snapshots"`
	VersionStamp int64                         `json:"version_stamp"`
	InsertedAt   time.Time                     `json:"inserted_at"`
}

func (e *Entry) age(now time.Time) time.Duration {
	return now.Sub(e.InsertedAt)
}

// covers reports whether inv concerns this entry. An entry holds the full
// snapshots of its windows, so a change to any metric of a covered window
// matches. Entries pinned to a version are immutable and never match.
func (e *Entry) covers(inv models.Invalidation) bool {
	q := e.Query
	if q.IsPinned() || q.CampaignID != inv.CampaignID || q.Granularity != inv.Granularity {
		return false
	}
	if !q.From.IsZero() && inv.WindowStart.Before(q.From) {
		return false
	}
	if !q.To.IsZero() && !inv.WindowStart.Before(q.To) {
		return false
	}
	return true
}

func (e *Entry) response(stale bool) models.MetricsResponse {
	return models.MetricsResponse{
		Snapshots:    e.Snapshots,
		VersionStamp: e.VersionStamp,
		Stale:        stale,
	}
}

// KeyFor derives the cache key of a metrics read.
func KeyFor(metric string, q models.MetricsQuery) string {
	return strings.Join([]string{
		q.CampaignID,
		metric,
		string(q.ModelID),
		string(q.Granularity),
		formatTime(q.From),
		formatTime(q.To),
		fmt.Sprintf("late=%t", q.IncludeLate),
		pinnedVersion(q),
	}, "|")
}

// scopeKey groups entries that one invalidation may touch. Every metric of a
// campaign and granularity shares a scope.
func scopeKey(campaignID string, g models.Granularity) string {
	return campaignID + "|" + string(g)
}

func pinnedVersion(q models.MetricsQuery) string {
	if !q.IsPinned() {
		return "v=current"
	}
	return fmt.Sprintf("v=%d", q.Version)
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.UTC().Format(time.RFC3339)
}
