package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/radiusdt/vector-attribution/internal/models"
)

// PostgresCampaignRegistry implements CampaignRegistry using PostgreSQL. Lookups
// are served from a local cache refreshed after refreshEvery.
type PostgresCampaignRegistry struct {
	pool         *pgxpool.Pool
	refreshEvery time.Duration

	mu       sync.RWMutex
	cache    map[string]*models.Campaign
	loadedAt map[string]time.Time
}

// NewPostgresCampaignRegistry creates a new PostgreSQL-backed campaign registry.
func NewPostgresCampaignRegistry(pool *pgxpool.Pool, refreshEvery time.Duration) *PostgresCampaignRegistry {
	return &PostgresCampaignRegistry{
		pool:         pool,
		refreshEvery: refreshEvery,
		cache:        make(map[string]*models.Campaign),
		loadedAt:     make(map[string]time.Time),
	}
}

const campaignColumns = `id, advertiser_id, name, status, attribution, activation_types, created_at, updated_at`

// Get returns a campaign by ID.
func (r *PostgresCampaignRegistry) Get(ctx context.Context, id string) (*models.Campaign, error) {
	r.mu.RLock()
	c, ok := r.cache[id]
	fresh := ok && time.Since(r.loadedAt[id]) < r.refreshEvery
	r.mu.RUnlock()
	if fresh {
		cp := *c
		return &cp, nil
	}

	row := r.pool.QueryRow(ctx, `SELECT `+campaignColumns+` FROM campaigns WHERE id = $1`, id)
	c, err := scanCampaign(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("campaign %s: %w", id, models.ErrUnknownCampaign)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get campaign: %w", err)
	}

	r.remember(c)
	cp := *c
	return &cp, nil
}

// List returns all campaigns.
func (r *PostgresCampaignRegistry) List(ctx context.Context) ([]*models.Campaign, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+campaignColumns+` FROM campaigns ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list campaigns: %w", err)
	}
	defer rows.Close()

	var campaigns []*models.Campaign
	for rows.Next() {
		c, err := scanCampaign(rows)
		if err != nil {
			return nil, err
		}
		r.remember(c)
		cp := *c
		campaigns = append(campaigns, &cp)
	}
	return campaigns, rows.Err()
}

// Upsert inserts or updates a campaign.
func (r *PostgresCampaignRegistry) Upsert(ctx context.Context, c *models.Campaign) error {
	if err := c.Validate(); err != nil {
		return err
	}
	attribution, err := json.Marshal(c.Attribution)
	if err != nil {
		return fmt.Errorf("failed to encode attribution config: %w", err)
	}
	activation := c.ActivationTypes
	if activation == nil {
		activation = []string{}
	}

	now := time.Now().UTC()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	c.UpdatedAt = now

	_, err = r.pool.Exec(ctx, `
		INSERT INTO campaigns (`+campaignColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO UPDATE SET
			advertiser_id = EXCLUDED.advertiser_id,
			name = EXCLUDED.name,
			status = EXCLUDED.status,
			attribution = EXCLUDED.attribution,
			activation_types = EXCLUDED.activation_types,
			updated_at = EXCLUDED.updated_at
	`, c.ID, c.AdvertiserID, c.Name, string(c.Status), string(attribution), activation, c.CreatedAt, c.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to upsert campaign: %w", err)
	}

	r.remember(c)
	return nil
}

func (r *PostgresCampaignRegistry) remember(c *models.Campaign) {
	cp := *c
	r.mu.Lock()
	r.cache[c.ID] = &cp
	r.loadedAt[c.ID] = time.Now()
	r.mu.Unlock()
}

func scanCampaign(row pgx.Row) (*models.Campaign, error) {
	var c models.Campaign
	var status string
	var attribution []byte
	if err := row.Scan(&c.ID, &c.AdvertiserID, &c.Name, &status, &attribution,
		&c.ActivationTypes, &c.CreatedAt, &c.UpdatedAt); err != nil {
		return nil, err
	}
	c.Status = models.CampaignStatus(status)
	if err := json.Unmarshal(attribution, &c.Attribution); err != nil {
		return nil, fmt.Errorf("failed to parse attribution config: %w", err)
	}
	return &c, nil
}
