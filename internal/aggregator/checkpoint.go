package aggregator

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/radiusdt/vector-attribution/internal/models"
)

// checkpointFormat is bumped whenever partitionState changes incompatibly.
const checkpointFormat = 1

// partitionState is the serialized form of a Partition. Only the current bucket
// versions are kept; history before the checkpoint is not restorable.
type partitionState struct {
	Format      int                      `json:"format"`
	CampaignID  string                   `json:"campaign_id"`
	ModelID     models.ModelID           `json:"model_id,omitempty"`
	LastApplied int64                    `json:"last_applied"`
	Watermark   time.Time                `json:"watermark"`
	Version     int64                    `json:"version"`
	Subjects    map[string]*subjectState `json:"subjects"`
	Buckets     []bucketState            `json:"buckets"`
}

type bucketState struct {
	Granularity models.Granularity `json:"window_granularity"`
	WindowStart time.Time          `json:"window_start"`
	Created     int64              `json:"created,omitempty"`
	Current     *bucketVersion     `json:"current,omitempty"`
	Late        []lateRecord       `json:"late,omitempty"`
}

// Checkpoint serializes the campaign's partition. It returns the last applied
// seq the state corresponds to; replay resumes at seq+1.
func (a *Aggregator) Checkpoint(campaignID string) (int64, []byte, error) {
	p, ok := a.existing(campaignID)
	if !ok {
		return 0, nil, fmt.Errorf("campaign %s: %w", campaignID, models.ErrNotFound)
	}

	p.mu.RLock()
	state := partitionState{
		Format:      checkpointFormat,
		CampaignID:  p.campaignID,
		ModelID:     p.modelID,
		LastApplied: p.lastApplied,
		Watermark:   p.watermark,
		Version:     p.version,
		Subjects:    make(map[string]*subjectState, len(p.subjects)),
		Buckets:     make([]bucketState, 0, len(p.buckets)),
	}
	for id, subj := range p.subjects {
		cp := *subj
		state.Subjects[id] = &cp
	}
	for k, b := range p.buckets {
		bs := bucketState{
			Granularity: k.Granularity,
			WindowStart: k.WindowStart,
			Created:     b.created,
			Late:        append([]lateRecord(nil), b.late...),
		}
		if n := len(b.versions); n > 0 {
			cur := b.versions[n-1]
			cur.Sums = b.sums(cur)
			bs.Current = &cur
		}
		state.Buckets = append(state.Buckets, bs)
	}
	p.mu.RUnlock()

	sort.Slice(state.Buckets, func(i, j int) bool {
		if state.Buckets[i].Granularity != state.Buckets[j].Granularity {
			return state.Buckets[i].Granularity < state.Buckets[j].Granularity
		}
		return state.Buckets[i].WindowStart.Before(state.Buckets[j].WindowStart)
	})

	data, err := json.Marshal(state)
	if err != nil {
		return 0, nil, fmt.Errorf("marshal checkpoint: %w", err)
	}
	return state.LastApplied, data, nil
}

// Restore replaces the campaign's partition with a checkpoint.
func (a *Aggregator) Restore(ctx context.Context, campaignID string, data []byte) error {
	var state partitionState
	if err := json.Unmarshal(data, &state); err != nil {
		return fmt.Errorf("unmarshal checkpoint: %w", err)
	}
	if state.Format != checkpointFormat {
		return fmt.Errorf("unsupported checkpoint format %d", state.Format)
	}
	if state.CampaignID != campaignID {
		return fmt.Errorf("checkpoint belongs to campaign %s, not %s", state.CampaignID, campaignID)
	}

	isActivation, err := a.activation(ctx, campaignID)
	if err != nil {
		return err
	}

	p := newPartition(campaignID, isActivation)
	p.modelID = state.ModelID
	p.lastApplied = state.LastApplied
	p.watermark = state.Watermark
	p.version = state.Version
	p.marks = []versionMark{{Version: state.Version, Watermark: state.Watermark}}
	for id, subj := range state.Subjects {
		if subj != nil {
			p.subjects[id] = subj
		}
	}
	for _, bs := range state.Buckets {
		g, err := models.ParseGranularity(string(bs.Granularity))
		if err != nil {
			return err
		}
		k := bucketKey{Granularity: g, WindowStart: bs.WindowStart.UTC()}
		b := p.bucket(k)
		b.created = bs.Created
		b.late = bs.Late
		if bs.Current != nil {
			b.push(*bs.Current, bs.Current.Sums)
		}
	}

	a.mu.Lock()
	a.partitions[campaignID] = p
	a.mu.Unlock()
	return nil
}
