package pipeline

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/radiusdt/vector-attribution/internal/aggregator"
	"github.com/radiusdt/vector-attribution/internal/models"
	"github.com/radiusdt/vector-attribution/internal/storage"
)

// RebuildResult is the outcome of replaying a campaign into a fresh aggregator.
type RebuildResult struct {
	CampaignID string                        `json:"campaign_id"`
	Records    int                           `json:"records"`
	Version    int64                         `json:"version"`
	Digest     string                        `json:"digest"`
	Snapshots  []models.MetricWindowSnapshot `json:"-"`
}

// Rebuild replays the campaign's whole attribution log into agg, which must not
// have seen the campaign yet, and digests the resulting snapshots. Two rebuilds
// of the same log produce the same digest.
func Rebuild(ctx context.Context, log storage.AttributionLog, agg *aggregator.Aggregator, campaignID string) (*RebuildResult, error) {
	cur, err := log.Replay(ctx, campaignID, 1)
	if err != nil {
		return nil, fmt.Errorf("replay attributions: %w", err)
	}

	res := &RebuildResult{CampaignID: campaignID}
	for cur.Next(ctx) {
		if err := agg.Apply(ctx, cur.Value()); err != nil {
			return nil, fmt.Errorf("apply seq %d: %w", cur.Seq(), err)
		}
		res.Records++
	}
	if err := cur.Err(); err != nil {
		return nil, err
	}

	res.Snapshots = agg.Snapshots(campaignID)
	res.Version = agg.CurrentVersion(campaignID)
	digest, err := Digest(res.Snapshots)
	if err != nil {
		return nil, err
	}
	res.Digest = digest
	return res, nil
}

// Digest hashes the canonical JSON of snapshots.
func Digest(snaps []models.MetricWindowSnapshot) (string, error) {
	data, err := json.Marshal(snaps)
	if err != nil {
		return "", fmt.Errorf("marshal snapshots: %w", err)
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}
