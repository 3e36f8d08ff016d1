package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/radiusdt/vector-attribution/internal/models"
)

// =============================================
// Attributed events
// =============================================

// InMemoryAttributionStore keeps attributed events and model versions.
type InMemoryAttributionStore struct {
	mu       sync.RWMutex
	rows     map[string]models.AttributedEvent
	byConv   map[string][]string // campaign|conversion -> keys in insertion order
	byCamp   map[string][]string
	versions map[string][]models.ModelConfig
}

func NewInMemoryAttributionStore() *InMemoryAttributionStore {
	return &InMemoryAttributionStore{
		rows:     make(map[string]models.AttributedEvent),
		byConv:   make(map[string][]string),
		byCamp:   make(map[string][]string),
		versions: make(map[string][]models.ModelConfig),
	}
}

func attributionKey(a models.AttributedEvent) string {
	return fmt.Sprintf("%s|%s|%s|%d", a.ConversionEventID, a.TouchpointEventID, a.ModelID, a.ModelVersion)
}

func (s *InMemoryAttributionStore) Save(ctx context.Context, events []models.AttributedEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, a := range events {
		key := attributionKey(a)
		if _, exists := s.rows[key]; exists {
			continue
		}
		s.rows[key] = a
		convKey := a.CampaignID + "|" + a.ConversionEventID
		s.byConv[convKey] = append(s.byConv[convKey], key)
		s.byCamp[a.CampaignID] = append(s.byCamp[a.CampaignID], key)
	}
	return nil
}

func (s *InMemoryAttributionStore) ListByConversion(ctx context.Context, campaignID, conversionEventID string) ([]models.AttributedEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	keys := s.byConv[campaignID+"|"+conversionEventID]
	result := make([]models.AttributedEvent, 0, len(keys))
	for _, k := range keys {
		result = append(result, s.rows[k])
	}
	sort.SliceStable(result, func(i, j int) bool {
		if result[i].ModelID != result[j].ModelID {
			return result[i].ModelID < result[j].ModelID
		}
		return result[i].ModelVersion < result[j].ModelVersion
	})
	return result, nil
}

func (s *InMemoryAttributionStore) ListByModel(ctx context.Context, campaignID string, modelID models.ModelID, version int) ([]models.AttributedEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []models.AttributedEvent
	for _, k := range s.byCamp[campaignID] {
		a := s.rows[k]
		if a.ModelID == modelID && a.ModelVersion == version {
			result = append(result, a)
		}
	}
	return result, nil
}

func (s *InMemoryAttributionStore) ModelVersions(ctx context.Context, campaignID string) (ModelHistory, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	hist := ModelHistory{Versions: append([]models.ModelConfig(nil), s.versions[campaignID]...)}
	sort.Slice(hist.Versions, func(i, j int) bool { return hist.Versions[i].Version < hist.Versions[j].Version })
	for _, k := range s.byCamp[campaignID] {
		if v := s.rows[k].ModelVersion; v > hist.MaxStored {
			hist.MaxStored = v
		}
	}
	return hist, nil
}

func (s *InMemoryAttributionStore) ClaimModelVersion(ctx context.Context, campaignID string, cfg models.ModelConfig) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, v := range s.versions[campaignID] {
		if v.Version == cfg.Version || v.Fingerprint() == cfg.Fingerprint() {
			return false, nil
		}
	}
	s.versions[campaignID] = append(s.versions[campaignID], cfg)
	return true, nil
}

// =============================================
// Offsets
// =============================================

type InMemoryOffsetStore struct {
	mu      sync.RWMutex
	offsets map[string]int64
}

func NewInMemoryOffsetStore() *InMemoryOffsetStore {
	return &InMemoryOffsetStore{offsets: make(map[string]int64)}
}

func (s *InMemoryOffsetStore) Get(ctx context.Context, stage, campaignID string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.offsets[stage+"|"+campaignID], nil
}

func (s *InMemoryOffsetStore) Set(ctx context.Context, stage, campaignID string, seq int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := stage + "|" + campaignID
	if seq > s.offsets[key] {
		s.offsets[key] = seq
	}
	return nil
}

// =============================================
// Checkpoints
// =============================================

type checkpoint struct {
	seq   int64
	state []byte
}

type InMemoryCheckpointStore struct {
	mu          sync.RWMutex
	checkpoints map[string]checkpoint
}

func NewInMemoryCheckpointStore() *InMemoryCheckpointStore {
	return &InMemoryCheckpointStore{checkpoints: make(map[string]checkpoint)}
}

func (s *InMemoryCheckpointStore) Save(ctx context.Context, campaignID string, seq int64, state []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.checkpoints[campaignID] = checkpoint{seq: seq, state: append([]byte(nil), state...)}
	return nil
}

func (s *InMemoryCheckpointStore) Load(ctx context.Context, campaignID string) (int64, []byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	cp, ok := s.checkpoints[campaignID]
	if !ok {
		return 0, nil, models.ErrNotFound
	}
	return cp.seq, append([]byte(nil), cp.state...), nil
}

// =============================================
// Rollups
// =============================================

// InMemoryRollupStore keeps the latest version of each snapshot.
type InMemoryRollupStore struct {
	mu        sync.RWMutex
	snapshots map[string]models.MetricWindowSnapshot
	late      map[string]models.LateAdjustmentEntry
}

func NewInMemoryRollupStore() *InMemoryRollupStore {
	return &InMemoryRollupStore{
		snapshots: make(map[string]models.MetricWindowSnapshot),
		late:      make(map[string]models.LateAdjustmentEntry),
	}
}

func (s *InMemoryRollupStore) SaveSnapshots(ctx context.Context, snaps []models.MetricWindowSnapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, snap := range snaps {
		key := fmt.Sprintf("%s|%s|%s|%d", snap.CampaignID, snap.ModelID, snap.Granularity, snap.WindowStart.Unix())
		if prev, ok := s.snapshots[key]; ok && prev.Version > snap.Version {
			continue
		}
		s.snapshots[key] = snap
	}
	return nil
}

func (s *InMemoryRollupStore) SaveLateAdjustments(ctx context.Context, entries []models.LateAdjustmentEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, e := range entries {
		s.late[e.ID] = e
	}
	return nil
}

func (s *InMemoryRollupStore) ListSnapshots(ctx context.Context, campaignID string, g models.Granularity, from, to time.Time) ([]models.MetricWindowSnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []models.MetricWindowSnapshot
	for _, snap := range s.snapshots {
		if snap.CampaignID != campaignID || snap.Granularity != g {
			continue
		}
		if snap.WindowStart.Before(from) || !snap.WindowStart.Before(to) {
			continue
		}
		result = append(result, snap)
	}
	sort.Slice(result, func(i, j int) bool {
		if !result[i].WindowStart.Equal(result[j].WindowStart) {
			return result[i].WindowStart.Before(result[j].WindowStart)
		}
		return result[i].ModelID < result[j].ModelID
	})
	return result, nil
}

// LateAdjustmentCount returns the number of stored late adjustments.
func (s *InMemoryRollupStore) LateAdjustmentCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.late)
}

// =============================================
// Campaigns
// =============================================

// InMemoryCampaignRegistry stores campaigns in memory.
type InMemoryCampaignRegistry struct {
	mu        sync.RWMutex
	campaigns map[string]*models.Campaign
}

func NewInMemoryCampaignRegistry(campaigns ...*models.Campaign) *InMemoryCampaignRegistry {
	r := &InMemoryCampaignRegistry{campaigns: make(map[string]*models.Campaign)}
	for _, c := range campaigns {
		r.campaigns[c.ID] = c
	}
	return r
}

func (r *InMemoryCampaignRegistry) Get(ctx context.Context, id string) (*models.Campaign, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	c, ok := r.campaigns[id]
	if !ok {
		return nil, fmt.Errorf("campaign %s: %w", id, models.ErrUnknownCampaign)
	}
	cp := *c
	return &cp, nil
}

func (r *InMemoryCampaignRegistry) List(ctx context.Context) ([]*models.Campaign, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]*models.Campaign, 0, len(r.campaigns))
	for _, c := range r.campaigns {
		cp := *c
		result = append(result, &cp)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result, nil
}

func (r *InMemoryCampaignRegistry) Upsert(ctx context.Context, c *models.Campaign) error {
	if err := c.Validate(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	cp := *c
	r.campaigns[c.ID] = &cp
	return nil
}
