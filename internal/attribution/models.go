package attribution

import (
	"fmt"
	"math"

	"github.com/radiusdt/vector-attribution/internal/models"
)

// Model is a named credit-splitting strategy. Compute receives the qualifying
// touchpoints ordered by (occurred_at, seq), at least one of them, and returns one
// weight per touchpoint. Weights are normalized by the engine.
type Model interface {
	ID() models.ModelID
	Validate(cfg models.ModelConfig) error
	Compute(touchpoints []models.Event, conversion models.Event, cfg models.ModelConfig) ([]float64, error)
}

// Strategies maps model ids to implementations.
type Strategies map[models.ModelID]Model

// DefaultStrategies returns the built-in models.
func DefaultStrategies() Strategies {
	s := Strategies{}
	for _, m := range []Model{lastTouch{}, firstTouch{}, linear{}, timeDecay{}, positionBased{}} {
		s[m.ID()] = m
	}
	return s
}

// Get resolves a model and validates cfg against it.
func (s Strategies) Get(cfg models.ModelConfig) (Model, error) {
	m, ok := s[cfg.ModelID]
	if !ok {
		return nil, &models.ModelComputationError{ModelID: cfg.ModelID, Version: cfg.Version, Reason: "unknown model"}
	}
	if cfg.Window <= 0 {
		return nil, &models.ModelComputationError{ModelID: cfg.ModelID, Version: cfg.Version, Reason: "window must be positive"}
	}
	if err := m.Validate(cfg); err != nil {
		return nil, &models.ModelComputationError{ModelID: cfg.ModelID, Version: cfg.Version, Reason: err.Error()}
	}
	return m, nil
}

type lastTouch struct{}

func (lastTouch) ID() models.ModelID                { return models.ModelLastTouch }
func (lastTouch) Validate(models.ModelConfig) error { return nil }

func (lastTouch) Compute(tps []models.Event, _ models.Event, _ models.ModelConfig) ([]float64, error) {
	w := make([]float64, len(tps))
	w[len(w)-1] = 1
	return w, nil
}

type firstTouch struct{}

func (firstTouch) ID() models.ModelID                { return models.ModelFirstTouch }
func (firstTouch) Validate(models.ModelConfig) error { return nil }

func (firstTouch) Compute(tps []models.Event, _ models.Event, _ models.ModelConfig) ([]float64, error) {
	w := make([]float64, len(tps))
	w[0] = 1
	return w, nil
}

type linear struct{}

func (linear) ID() models.ModelID                { return models.ModelLinear }
func (linear) Validate(models.ModelConfig) error { return nil }

func (linear) Compute(tps []models.Event, _ models.Event, _ models.ModelConfig) ([]float64, error) {
	w := make([]float64, len(tps))
	for i := range w {
		w[i] = 1
	}
	return w, nil
}

// timeDecay halves a touchpoint's weight for every half-life between it and the
// conversion.
type timeDecay struct{}

func (timeDecay) ID() models.ModelID { return models.ModelTimeDecay }

func (timeDecay) Validate(cfg models.ModelConfig) error {
	if cfg.HalfLife <= 0 {
		return fmt.Errorf("half_life must be positive")
	}
	return nil
}

func (timeDecay) Compute(tps []models.Event, conv models.Event, cfg models.ModelConfig) ([]float64, error) {
	w := make([]float64, len(tps))
	halfLife := cfg.HalfLife.Seconds()
	for i, tp := range tps {
		dt := conv.OccurredAt.Sub(tp.OccurredAt).Seconds()
		w[i] = math.Exp2(-dt / halfLife)
	}
	return w, nil
}

// positionBased gives FirstWeight and LastWeight to the ends and spreads the rest
// evenly over the middle. With two touchpoints the end weights are rescaled to
// sum to one.
type positionBased struct{}

func (positionBased) ID() models.ModelID { return models.ModelPositionBased }

func (positionBased) Validate(cfg models.ModelConfig) error {
	if cfg.FirstWeight < 0 || cfg.LastWeight < 0 {
		return fmt.Errorf("position weights must not be negative")
	}
	if cfg.FirstWeight+cfg.LastWeight > 1+1e-9 {
		return fmt.Errorf("first_weight + last_weight must not exceed 1")
	}
	return nil
}

func (positionBased) Compute(tps []models.Event, _ models.Event, cfg models.ModelConfig) ([]float64, error) {
	n := len(tps)
	w := make([]float64, n)
	switch n {
	case 1:
		w[0] = 1
	case 2:
		ends := cfg.FirstWeight + cfg.LastWeight
		if ends == 0 {
			w[0], w[1] = 0.5, 0.5
		} else {
			w[0], w[1] = cfg.FirstWeight/ends, cfg.LastWeight/ends
		}
	default:
		w[0] = cfg.FirstWeight
		w[n-1] = cfg.LastWeight
		middle := (1 - cfg.FirstWeight - cfg.LastWeight) / float64(n-2)
		for i := 1; i < n-1; i++ {
			w[i] = middle
		}
	}
	return w, nil
}

// normalize scales weights to sum to one. The last non-zero weight absorbs the
// floating point remainder.
func normalize(w []float64) ([]float64, error) {
	var sum float64
	for _, v := range w {
		if v < 0 || math.IsNaN(v) || math.IsInf(v, 0) {
			return nil, fmt.Errorf("invalid weight %v", v)
		}
		sum += v
	}
	if sum <= 0 {
		return nil, fmt.Errorf("weights sum to zero")
	}

	out := make([]float64, len(w))
	last := -1
	var partial float64
	for i, v := range w {
		out[i] = v / sum
		if out[i] > 0 {
			last = i
		}
	}
	for i, v := range out {
		if i != last {
			partial += v
		}
	}
	out[last] = 1 - partial
	return out, nil
}
