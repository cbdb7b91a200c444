package risk

import (
	"sync"
	"time"
)

// State is the control-plane circuit breaker state.
type State int

const (
	// StateExpansion is the nominal state: narrow spreads, full size.
	StateExpansion State = iota
	// StateDefensive widens spreads and shrinks size under degraded health.
	StateDefensive
	// StateRecovery ramps parameters back toward Expansion after Defensive.
	StateRecovery
	// StateStress halts all new quoting; hedging stays permitted.
	StateStress
)

func (s State) String() string {
	switch s {
	case StateExpansion:
		return "EXPANSION"
	case StateDefensive:
		return "DEFENSIVE"
	case StateRecovery:
		return "RECOVERY"
	case StateStress:
		return "STRESS"
	default:
		return "UNKNOWN"
	}
}

// ParseState maps an operator-supplied name to a State.
func ParseState(name string) (State, bool) {
	switch name {
	case "EXPANSION", "expansion":
		return StateExpansion, true
	case "DEFENSIVE", "defensive":
		return StateDefensive, true
	case "RECOVERY", "recovery":
		return StateRecovery, true
	case "STRESS", "stress":
		return StateStress, true
	}
	return 0, false
}

// ControlConfig holds the circuit-breaker thresholds.
type ControlConfig struct {
	// VolDefensive is the variance level above which Defensive is entered.
	VolDefensive float64 `yaml:"vol_defensive" default:"0.0004"`
	// InventoryMarginFrac: Defensive triggers when any instrument's
	// |position| is within this fraction of its hard limit.
	InventoryMarginFrac float64 `yaml:"inventory_margin_frac" default:"0.15"`
	// QuorumMin is the minimum count of healthy venues before feed health
	// counts as degraded.
	QuorumMin int `yaml:"quorum_min" default:"2"`
	// RecoveryHold is the hysteresis window: health must stay nominal this
	// long in Defensive before Recovery begins.
	RecoveryHold time.Duration `yaml:"recovery_hold" default:"30s"`
	// RampWindow is how long Recovery takes to relax back to Expansion.
	RampWindow time.Duration `yaml:"ramp_window" default:"60s"`
	// CancelTimeout bounds quote cancellation on a Stress transition.
	CancelTimeout time.Duration `yaml:"cancel_timeout" default:"5s"`
	// MaxHedgeFailures consecutive hedge failures escalate to Stress.
	MaxHedgeFailures int `yaml:"max_hedge_failures" default:"3"`
	// AutoRecover allows Stress to clear automatically once health holds
	// nominal for RecoveryHold; otherwise an operator action is required.
	AutoRecover bool `yaml:"auto_recover"`
}

// HealthInput is the per-cycle health sample the control plane evaluates.
type HealthInput struct {
	Now time.Time
	// Variance is the worst (highest) instrument variance this cycle.
	Variance float64
	// OKVenues / TotalVenues describe current feed coverage.
	OKVenues    int
	TotalVenues int
	// MaxInventoryUtil is max over instruments of |position| / hard limit.
	MaxInventoryUtil float64
}

// TransitionFunc observes control-state changes.
type TransitionFunc func(from, to State, reason string)

// ControlPlane is the state machine gating all quoting and hedging.
// Transitions are evaluated at least once per pricing cycle.
type ControlPlane struct {
	cfg     ControlConfig
	presets *PresetBook

	mu            sync.RWMutex
	state         State
	stateSince    time.Time
	healthySince  time.Time
	recoveryStart time.Time
	warm          bool
	paused        bool
	hedgeFailures int

	onTransition TransitionFunc
}

// NewControlPlane starts in Expansion with the bootstrap preset active
// until MarkWarm is called.
func NewControlPlane(cfg ControlConfig, presets *PresetBook, onTransition TransitionFunc) *ControlPlane {
	if cfg.QuorumMin <= 0 {
		cfg.QuorumMin = 1
	}
	return &ControlPlane{
		cfg:          cfg,
		presets:      presets,
		state:        StateExpansion,
		onTransition: onTransition,
	}
}

// SetOnTransition installs the transition observer. Call before the first
// Evaluate; the engine wires itself in here after construction.
func (c *ControlPlane) SetOnTransition(fn TransitionFunc) {
	c.mu.Lock()
	c.onTransition = fn
	c.mu.Unlock()
}

// MarkWarm switches the Expansion preset from bootstrap to steady_state.
// Called once every instrument has reached quorum after startup.
func (c *ControlPlane) MarkWarm() {
	c.mu.Lock()
	c.warm = true
	c.mu.Unlock()
}

// SwapPresets atomically replaces the preset book, e.g. on config reload.
// The new presets take effect from the next cycle's ActivePreset read.
func (c *ControlPlane) SwapPresets(book *PresetBook) {
	c.mu.Lock()
	c.presets = book
	c.mu.Unlock()
}

// State returns the current control state.
func (c *ControlPlane) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// AllowQuoting reports whether new quote intents may be emitted this cycle.
func (c *ControlPlane) AllowQuoting() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state != StateStress && !c.paused
}

// AllowHedging reports whether hedge orders may go out. Hedging stays
// permitted in Stress so risk can still be reduced.
func (c *ControlPlane) AllowHedging() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return !c.paused || c.state == StateStress
}

// CancelTimeout returns the bound applied to cancel-all on a Stress entry.
func (c *ControlPlane) CancelTimeout() time.Duration {
	return c.cfg.CancelTimeout
}

// Evaluate runs one transition step against the health sample and returns
// the resulting state. It is the single authority on whether the quoting
// engine may emit intents this cycle.
func (c *ControlPlane) Evaluate(in HealthInput) State {
	c.mu.Lock()
	defer c.mu.Unlock()

	outage := in.OKVenues == 0 && in.TotalVenues > 0
	healthy := in.Variance <= c.cfg.VolDefensive &&
		in.MaxInventoryUtil < 1-c.cfg.InventoryMarginFrac &&
		in.OKVenues >= c.cfg.QuorumMin

	if outage && c.state != StateStress {
		c.transition(StateStress, "total feed outage", in.Now)
		return c.state
	}

	switch c.state {
	case StateExpansion:
		if !healthy {
			c.transition(StateDefensive, defensiveReason(in, c.cfg), in.Now)
		}

	case StateDefensive:
		if healthy {
			if c.healthySince.IsZero() {
				c.healthySince = in.Now
			}
			if in.Now.Sub(c.healthySince) >= c.cfg.RecoveryHold {
				c.recoveryStart = in.Now
				c.transition(StateRecovery, "health nominal past hold window", in.Now)
			}
		} else {
			c.healthySince = time.Time{}
		}

	case StateRecovery:
		if !healthy {
			c.healthySince = time.Time{}
			c.transition(StateDefensive, defensiveReason(in, c.cfg), in.Now)
		} else if in.Now.Sub(c.recoveryStart) >= c.cfg.RampWindow {
			c.transition(StateExpansion, "ramp complete", in.Now)
		}

	case StateStress:
		if c.cfg.AutoRecover && healthy {
			if c.healthySince.IsZero() {
				c.healthySince = in.Now
			}
			if in.Now.Sub(c.healthySince) >= c.cfg.RecoveryHold {
				c.hedgeFailures = 0
				c.recoveryStart = in.Now
				c.transition(StateRecovery, "auto-recover after sustained health", in.Now)
			}
		} else if !healthy {
			c.healthySince = time.Time{}
		}
	}

	return c.state
}

// ReportSubmissionFailure counts a quote submission whose retry budget was
// exhausted. Isolated rejections degrade to Defensive; a venue-wide outage
// will surface through feed health instead.
func (c *ControlPlane) ReportSubmissionFailure(now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateExpansion || c.state == StateRecovery {
		c.transition(StateDefensive, "order submissions rejected", now)
	}
}

// ReportHedgeFailure counts a failed hedge attempt; repeated failures are a
// Stress trigger.
func (c *ControlPlane) ReportHedgeFailure(now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.hedgeFailures++
	if c.hedgeFailures >= c.cfg.MaxHedgeFailures && c.state != StateStress {
		c.transition(StateStress, "repeated hedge failures", now)
	}
}

// ReportHedgeSuccess resets the consecutive failure counter.
func (c *ControlPlane) ReportHedgeSuccess() {
	c.mu.Lock()
	c.hedgeFailures = 0
	c.mu.Unlock()
}

// TripStress is the kill switch: immediate Stress from any state.
func (c *ControlPlane) TripStress(reason string, now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateStress {
		c.transition(StateStress, reason, now)
	}
}

// Pause blocks quote emission without changing control state.
func (c *ControlPlane) Pause() {
	c.mu.Lock()
	c.paused = true
	c.mu.Unlock()
}

// Resume lifts a pause.
func (c *ControlPlane) Resume() {
	c.mu.Lock()
	c.paused = false
	c.mu.Unlock()
}

// Paused reports whether the operator pause is active.
func (c *ControlPlane) Paused() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.paused
}

// ForceState drives an operator-commanded transition. Stress may only be
// cleared into Recovery so parameters ramp instead of jumping.
func (c *ControlPlane) ForceState(target State, reason string, now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == target {
		return
	}
	if c.state == StateStress && target == StateExpansion {
		target = StateRecovery
	}
	if target == StateRecovery {
		c.recoveryStart = now
	}
	c.hedgeFailures = 0
	c.healthySince = time.Time{}
	c.transition(target, reason, now)
}

// ActivePreset returns the immutable preset for this cycle. Recovery
// interpolates spread/size between the defensive and steady parameters over
// the ramp window rather than jumping.
func (c *ControlPlane) ActivePreset(now time.Time) Preset {
	c.mu.RLock()
	defer c.mu.RUnlock()

	switch c.state {
	case StateDefensive, StateStress:
		return c.presets.Defensive
	case StateRecovery:
		progress := 1.0
		if c.cfg.RampWindow > 0 {
			progress = float64(now.Sub(c.recoveryStart)) / float64(c.cfg.RampWindow)
		}
		if progress < 0 {
			progress = 0
		}
		if progress > 1 {
			progress = 1
		}
		return rampPreset(c.presets.Defensive, c.presets.SteadyState, progress)
	default:
		if !c.warm {
			return c.presets.Bootstrap
		}
		return c.presets.SteadyState
	}
}

// rampPreset linearly interpolates the bounded parameters from "from" to
// "to"; model coefficients come from the target preset.
func rampPreset(from, to Preset, progress float64) Preset {
	p := to
	p.Name = to.Name
	p.SpreadFloor = lerp(from.SpreadFloor, to.SpreadFloor, progress)
	p.SpreadCeiling = lerp(from.SpreadCeiling, to.SpreadCeiling, progress)
	p.MaxOrderSize = lerp(from.MaxOrderSize, to.MaxOrderSize, progress)
	p.RefreshInterval = time.Duration(lerp(float64(from.RefreshInterval), float64(to.RefreshInterval), progress))
	return p
}

func lerp(a, b, t float64) float64 {
	return a + (b-a)*t
}

func defensiveReason(in HealthInput, cfg ControlConfig) string {
	switch {
	case in.Variance > cfg.VolDefensive:
		return "volatility over threshold"
	case in.MaxInventoryUtil >= 1-cfg.InventoryMarginFrac:
		return "inventory near hard limit"
	default:
		return "feed quorum degraded"
	}
}

// transition must be called with the write lock held.
func (c *ControlPlane) transition(to State, reason string, now time.Time) {
	from := c.state
	c.state = to
	c.stateSince = now
	if to != StateDefensive {
		c.healthySince = time.Time{}
	}
	if c.onTransition != nil {
		c.onTransition(from, to, reason)
	}
}
