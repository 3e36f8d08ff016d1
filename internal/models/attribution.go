package models

import (
	"fmt"
	"time"
)

// ModelID names a credit-splitting strategy.
type ModelID string

const (
	ModelLastTouch     ModelID = "last_touch"
	ModelFirstTouch    ModelID = "first_touch"
	ModelLinear        ModelID = "linear"
	ModelTimeDecay     ModelID = "time_decay"
	ModelPositionBased ModelID = "position_based"
)

// ModelConfig selects and parameterizes an attribution model for a campaign.
type ModelConfig struct {
	ModelID ModelID `json:"model_id"`
	Version int     `json:"model_version"`

	// Window is the lookback before a conversion in which touchpoints qualify.
	Window time.Duration `json:"window"`

	// HalfLife is used by time_decay.
	HalfLife time.Duration `json:"half_life,omitempty"`

	// FirstWeight and LastWeight are used by position_based; the remainder is spread
	// across the middle touchpoints.
	FirstWeight float64 `json:"first_weight,omitempty"`
	LastWeight  float64 `json:"last_weight,omitempty"`
}

// Fingerprint identifies the parameter set independent of the version number.
func (c ModelConfig) Fingerprint() string {
	return fmt.Sprintf("%s|%d|%d|%g|%g", c.ModelID, c.Window, c.HalfLife, c.FirstWeight, c.LastWeight)
}

// AttributedEvent assigns part of one conversion's credit to one touchpoint.
type AttributedEvent struct {
	ID                string    `json:"id"`
	CampaignID        string    `json:"campaign_id"`
	SubjectID         string    `json:"subject_id"`
	ConversionEventID string    `json:"conversion_event_id"`
	TouchpointEventID string    `json:"touchpoint_event_id"`
	TouchpointType    string    `json:"touchpoint_type"`
	CreditFraction    float64   `json:"credit_fraction"`
	ConversionValue   string    `json:"conversion_value,omitempty"`
	CreditValue       string    `json:"credit_value,omitempty"`
	ModelID           ModelID   `json:"model_id"`
	ModelVersion      int       `json:"model_version"`
	NoAttributionPath bool      `json:"no_attribution_path,omitempty"`
	ComputedAt        time.Time `json:"computed_at"`
}

// AttributionRecord is the attribution stage's durable output for one log event.
// Non-conversion events carry no attributions but are forwarded so downstream
// stages see the full ordered log.
type AttributionRecord struct {
	CampaignID   string            `json:"campaign_id"`
	Seq          int64             `json:"seq"`
	Event        Event             `json:"event"`
	Attributions []AttributedEvent `json:"attributions,omitempty"`
	ModelID      ModelID           `json:"model_id,omitempty"`
	ModelVersion int               `json:"model_version,omitempty"`
	ModelError   string            `json:"model_error,omitempty"`
}
