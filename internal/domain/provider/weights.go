package provider

import (
	"errors"
	"fmt"
)

// Weights are the relative importance of each factor. They are normalized by
// their sum, so only ratios matter.
type Weights struct {
	Quality         float64 `json:"quality"`
	Acceptance      float64 `json:"acceptance"`
	Completion      float64 `json:"completion"`
	Headroom        float64 `json:"headroom"`
	Rate            float64 `json:"rate"`
	CapabilityBonus float64 `json:"capability_bonus"`
}

// MaxBonus caps the special-capability bonus.
const MaxBonus = 10.0

func DefaultWeights() Weights {
	return Weights{
		Quality:         0.30,
		Acceptance:      0.20,
		Completion:      0.20,
		Headroom:        0.15,
		Rate:            0.10,
		CapabilityBonus: 5,
	}
}

var ErrInvalidWeights = errors.New("invalid match weights")

func (w Weights) Validate() error {
	for name, v := range map[string]float64{
		"quality": w.Quality, "acceptance": w.Acceptance, "completion": w.Completion,
		"headroom": w.Headroom, "rate": w.Rate, "capability_bonus": w.CapabilityBonus,
	} {
		if v < 0 {
			return fmt.Errorf("%w: %s is negative", ErrInvalidWeights, name)
		}
	}
	if w.total() == 0 {
		return fmt.Errorf("%w: factor weights sum to zero", ErrInvalidWeights)
	}
	return nil
}

func (w Weights) total() float64 {
	return w.Quality + w.Acceptance + w.Completion + w.Headroom + w.Rate
}

func (w Weights) apply(f Factors) float64 {
	sum := w.Quality*f.Quality +
		w.Acceptance*f.Acceptance +
		w.Completion*f.Completion +
		w.Headroom*f.Headroom +
		w.Rate*f.Rate
	return sum / w.total()
}
