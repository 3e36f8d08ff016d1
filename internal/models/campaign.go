package models

import (
	"errors"
	"time"
)

type CampaignStatus string

const (
	CampaignStatusDraft    CampaignStatus = "draft"
	CampaignStatusActive   CampaignStatus = "active"
	CampaignStatusPaused   CampaignStatus = "paused"
	CampaignStatusEnded    CampaignStatus = "ended"
	CampaignStatusArchived CampaignStatus = "archived"
)

// Campaign is the slice of campaign metadata the engine needs. Campaign CRUD lives
// outside this service; the registry only reads it.
type Campaign struct {
	ID           string         `json:"id"`
	Name         string         `json:"name"`
	AdvertiserID string         `json:"advertiser_id"`
	Status       CampaignStatus `json:"status"`

	// Attribution is the active model; history is kept by the model registry.
	Attribution ModelConfig `json:"attribution"`

	// ActivationTypes are the touchpoint types that start the TTFV clock.
	// Empty means any touchpoint.
	ActivationTypes []string `json:"activation_types,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (c *Campaign) Validate() error {
	if c.ID == "" {
		return errors.New("id is required")
	}
	if c.Name == "" {
		return errors.New("name is required")
	}
	if c.Attribution.ModelID == "" {
		return errors.New("attribution model_id is required")
	}
	return nil
}

// AcceptsEvents reports whether new events may be ingested for the campaign.
func (c *Campaign) AcceptsEvents() bool {
	return c.Status != CampaignStatusArchived && c.Status != CampaignStatusDraft
}

// IsActivation reports whether a touchpoint type starts the TTFV clock.
func (c *Campaign) IsActivation(touchpointType string) bool {
	if touchpointType == TypeConversion || touchpointType == TypeSpend {
		return false
	}
	if len(c.ActivationTypes) == 0 {
		return true
	}
	for _, t := range c.ActivationTypes {
		if t == touchpointType {
			return true
		}
	}
	return false
}
