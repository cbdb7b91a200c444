package risk

import (
	"fmt"
	"time"
)

// PresetName identifies one of the closed set of risk presets.
type PresetName string

const (
	PresetBootstrap   PresetName = "bootstrap"
	PresetSteadyState PresetName = "steady_state"
	PresetDefensive   PresetName = "defensive"
)

// Preset bundles the pricing and sizing parameters active for a cycle.
// Immutable once handed to the quoter; the control plane swaps the whole
// value atomically on state transitions.
type Preset struct {
	Name PresetName

	// Gamma is the risk-aversion coefficient of the reservation-price model.
	Gamma float64
	// Kappa is the liquidity/decay coefficient in the spread term.
	Kappa float64

	// SpreadFloor / SpreadCeiling bound the half-spread, as a fraction of mid.
	SpreadFloor   float64
	SpreadCeiling float64

	// Horizon is the bounded (T-t) lookahead, in seconds of session time.
	Horizon float64

	RefreshInterval time.Duration
	MaxOrderSize    float64

	// SkewTriggerFrac is the fraction of the soft limit beyond which
	// inventory skew kicks in.
	SkewTriggerFrac float64

	// SingleSourceFloorMult widens the spread floor for instruments backed
	// by a single venue.
	SingleSourceFloorMult float64
}

// Validate rejects presets that would make the pricing formulas degenerate.
func (p Preset) Validate() error {
	if p.Name != PresetBootstrap && p.Name != PresetSteadyState && p.Name != PresetDefensive {
		return fmt.Errorf("unknown preset name %q", p.Name)
	}
	if p.Gamma <= 0 {
		return fmt.Errorf("preset %s: gamma must be > 0", p.Name)
	}
	if p.Kappa <= 0 {
		return fmt.Errorf("preset %s: kappa must be > 0", p.Name)
	}
	if p.SpreadFloor <= 0 || p.SpreadCeiling <= 0 || p.SpreadFloor > p.SpreadCeiling {
		return fmt.Errorf("preset %s: need 0 < floor <= ceiling", p.Name)
	}
	if p.Horizon <= 0 {
		return fmt.Errorf("preset %s: horizon must be > 0", p.Name)
	}
	if p.RefreshInterval <= 0 {
		return fmt.Errorf("preset %s: refresh interval must be > 0", p.Name)
	}
	if p.MaxOrderSize <= 0 {
		return fmt.Errorf("preset %s: max order size must be > 0", p.Name)
	}
	if p.SkewTriggerFrac < 0 || p.SkewTriggerFrac >= 1 {
		return fmt.Errorf("preset %s: skew trigger fraction must be in [0,1)", p.Name)
	}
	if p.SingleSourceFloorMult < 1 {
		return fmt.Errorf("preset %s: single-source floor multiplier must be >= 1", p.Name)
	}
	return nil
}

// PresetBook holds the three named presets and answers lookups by name.
type PresetBook struct {
	Bootstrap   Preset
	SteadyState Preset
	Defensive   Preset
}

// NewPresetBook validates all three presets up front so a bad preset is a
// construction-time error, never a mid-cycle surprise.
func NewPresetBook(bootstrap, steady, defensive Preset) (*PresetBook, error) {
	bootstrap.Name = PresetBootstrap
	steady.Name = PresetSteadyState
	defensive.Name = PresetDefensive
	for _, p := range []Preset{bootstrap, steady, defensive} {
		if err := p.Validate(); err != nil {
			return nil, err
		}
	}
	return &PresetBook{Bootstrap: bootstrap, SteadyState: steady, Defensive: defensive}, nil
}

// ByName returns the preset for name.
func (b *PresetBook) ByName(name PresetName) (Preset, bool) {
	switch name {
	case PresetBootstrap:
		return b.Bootstrap, true
	case PresetSteadyState:
		return b.SteadyState, true
	case PresetDefensive:
		return b.Defensive, true
	}
	return Preset{}, false
}

// DefaultPresetBook returns conservative defaults suitable for simulation.
func DefaultPresetBook() *PresetBook {
	book, err := NewPresetBook(
		Preset{
			Gamma: 0.5, Kappa: 2.0,
			SpreadFloor: 0.0012, SpreadCeiling: 0.02,
			Horizon:         60,
			RefreshInterval: 500 * time.Millisecond,
			MaxOrderSize:    0.5,
			SkewTriggerFrac: 0.4, SingleSourceFloorMult: 1.5,
		},
		Preset{
			Gamma: 0.3, Kappa: 3.0,
			SpreadFloor: 0.0006, SpreadCeiling: 0.012,
			Horizon:         60,
			RefreshInterval: 250 * time.Millisecond,
			MaxOrderSize:    1.0,
			SkewTriggerFrac: 0.5, SingleSourceFloorMult: 1.5,
		},
		Preset{
			Gamma: 0.9, Kappa: 1.5,
			SpreadFloor: 0.0025, SpreadCeiling: 0.04,
			Horizon:         30,
			RefreshInterval: 1 * time.Second,
			MaxOrderSize:    0.25,
			SkewTriggerFrac: 0.3, SingleSourceFloorMult: 2.0,
		},
	)
	if err != nil {
		// Defaults are constants; a failure here is a programming error.
		panic(err)
	}
	return book
}
