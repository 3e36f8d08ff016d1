package attribution

import (
	"context"
	"fmt"
	"sync"

	"github.com/radiusdt/vector-attribution/internal/models"
	"github.com/radiusdt/vector-attribution/internal/storage"
)

// claimAttempts bounds how often a version is re-resolved after another
// instance claimed it first.
const claimAttempts = 3

// ModelRegistry tracks the active model configuration per campaign and every
// version it has had. A version number identifies one parameter fingerprint
// within a campaign and is never reused. With a store, the history is seeded
// from and recorded to durable storage.
type ModelRegistry struct {
	strategies Strategies
	store      storage.ModelVersionStore

	mu      sync.RWMutex
	active  map[string]models.ModelConfig
	history map[string][]models.ModelConfig
	floor   map[string]int  // highest version seen in stored attributions
	loaded  map[string]bool // campaigns seeded from the store
}

// NewModelRegistry creates an empty registry validating against strategies.
func NewModelRegistry(strategies Strategies) *ModelRegistry {
	return &ModelRegistry{
		strategies: strategies,
		active:     make(map[string]models.ModelConfig),
		history:    make(map[string][]models.ModelConfig),
		floor:      make(map[string]int),
		loaded:     make(map[string]bool),
	}
}

func (r *ModelRegistry) SetStore(s storage.ModelVersionStore) { r.store = s }

// Register makes cfg the campaign's active model and returns it with its version.
// An unchanged fingerprint keeps the current version; a fingerprint seen before
// gets its old version back; anything else gets the next free version. A positive
// cfg.Version above every known version is kept, so persisted versions survive
// restarts.
func (r *ModelRegistry) Register(ctx context.Context, campaignID string, cfg models.ModelConfig) (models.ModelConfig, error) {
	if _, err := r.strategies.Get(cfg); err != nil {
		return models.ModelConfig{}, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if cur, ok := r.active[campaignID]; ok && cur.Fingerprint() == cfg.Fingerprint() {
		return cur, nil
	}
	versioned, err := r.versionLocked(ctx, campaignID, cfg)
	if err != nil {
		return models.ModelConfig{}, err
	}
	r.active[campaignID] = versioned
	return versioned, nil
}

// Reserve assigns a version to cfg without activating it.
func (r *ModelRegistry) Reserve(ctx context.Context, campaignID string, cfg models.ModelConfig) (models.ModelConfig, error) {
	if _, err := r.strategies.Get(cfg); err != nil {
		return models.ModelConfig{}, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	return r.versionLocked(ctx, campaignID, cfg)
}

func (r *ModelRegistry) versionLocked(ctx context.Context, campaignID string, cfg models.ModelConfig) (models.ModelConfig, error) {
	for attempt := 1; ; attempt++ {
		if err := r.loadLocked(ctx, campaignID); err != nil {
			return models.ModelConfig{}, err
		}

		hist := r.history[campaignID]
		for _, h := range hist {
			if h.Fingerprint() == cfg.Fingerprint() {
				return h, nil
			}
		}

		next := cfg
		if highest := r.highestLocked(campaignID); next.Version <= highest {
			next.Version = highest + 1
		}

		if r.store != nil {
			claimed, err := r.store.ClaimModelVersion(ctx, campaignID, next)
			if err != nil {
				return models.ModelConfig{}, fmt.Errorf("claim model version: %w", err)
			}
			if !claimed {
				if attempt == claimAttempts {
					return models.ModelConfig{}, fmt.Errorf("campaign %s: model version %d claimed concurrently", campaignID, next.Version)
				}
				r.loaded[campaignID] = false
				continue
			}
		}

		r.history[campaignID] = append(hist, next)
		return next, nil
	}
}

// loadLocked seeds the campaign's history from the store once.
func (r *ModelRegistry) loadLocked(ctx context.Context, campaignID string) error {
	if r.store == nil || r.loaded[campaignID] {
		return nil
	}
	stored, err := r.store.ModelVersions(ctx, campaignID)
	if err != nil {
		return fmt.Errorf("load model versions: %w", err)
	}

	merged := stored.Versions
	for _, h := range r.history[campaignID] {
		known := false
		for _, s := range stored.Versions {
			if s.Version == h.Version {
				known = true
				break
			}
		}
		if !known {
			merged = append(merged, h)
		}
	}
	r.history[campaignID] = merged
	r.floor[campaignID] = stored.MaxStored
	r.loaded[campaignID] = true
	return nil
}

func (r *ModelRegistry) highestLocked(campaignID string) int {
	highest := r.floor[campaignID]
	for _, h := range r.history[campaignID] {
		if h.Version > highest {
			highest = h.Version
		}
	}
	return highest
}

// Active returns the campaign's active configuration.
func (r *ModelRegistry) Active(campaignID string) (models.ModelConfig, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cfg, ok := r.active[campaignID]
	return cfg, ok
}

// Lookup returns a historical configuration by model id and version.
func (r *ModelRegistry) Lookup(campaignID string, modelID models.ModelID, version int) (models.ModelConfig, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, h := range r.history[campaignID] {
		if h.ModelID == modelID && h.Version == version {
			return h, true
		}
	}
	return models.ModelConfig{}, false
}

// History returns every version registered for the campaign.
func (r *ModelRegistry) History(campaignID string) []models.ModelConfig {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]models.ModelConfig(nil), r.history[campaignID]...)
}
