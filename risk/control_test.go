package risk

import (
	"testing"
	"time"
)

func testControlCfg() ControlConfig {
	return ControlConfig{
		VolDefensive:        10.0,
		InventoryMarginFrac: 0.2,
		QuorumMin:           2,
		RecoveryHold:        30 * time.Second,
		RampWindow:          60 * time.Second,
		CancelTimeout:       time.Second,
		MaxHedgeFailures:    3,
	}
}

func healthyInput(now time.Time) HealthInput {
	return HealthInput{Now: now, Variance: 1.0, OKVenues: 3, TotalVenues: 3, MaxInventoryUtil: 0.1}
}

func newTestPlane(cfg ControlConfig) *ControlPlane {
	return NewControlPlane(cfg, DefaultPresetBook(), nil)
}

func TestEvaluateVolatilityTriggersDefensive(t *testing.T) {
	cp := newTestPlane(testControlCfg())
	now := time.Now()

	if st := cp.Evaluate(healthyInput(now)); st != StateExpansion {
		t.Fatalf("state = %s, want EXPANSION", st)
	}

	in := healthyInput(now)
	in.Variance = 11.0
	if st := cp.Evaluate(in); st != StateDefensive {
		t.Fatalf("state = %s after vol spike, want DEFENSIVE", st)
	}
}

func TestEvaluateInventoryProximityTriggersDefensive(t *testing.T) {
	cp := newTestPlane(testControlCfg())
	now := time.Now()
	in := healthyInput(now)
	in.MaxInventoryUtil = 0.85 // within 20% of hard limit
	if st := cp.Evaluate(in); st != StateDefensive {
		t.Fatalf("state = %s near hard limit, want DEFENSIVE", st)
	}
}

func TestEvaluateQuorumLossTriggersDefensive(t *testing.T) {
	cp := newTestPlane(testControlCfg())
	now := time.Now()
	in := healthyInput(now)
	in.OKVenues = 1
	if st := cp.Evaluate(in); st != StateDefensive {
		t.Fatalf("state = %s below quorum, want DEFENSIVE", st)
	}
}

func TestEvaluateTotalOutageTripsStress(t *testing.T) {
	cp := newTestPlane(testControlCfg())
	now := time.Now()
	in := healthyInput(now)
	in.OKVenues = 0
	if st := cp.Evaluate(in); st != StateStress {
		t.Fatalf("state = %s on total outage, want STRESS", st)
	}
	// Without AutoRecover, restored health must not clear Stress.
	if st := cp.Evaluate(healthyInput(now.Add(10 * time.Minute))); st != StateStress {
		t.Fatalf("state = %s, STRESS requires operator action", st)
	}
}

func TestRecoveryRequiresSustainedHealth(t *testing.T) {
	cfg := testControlCfg()
	cp := newTestPlane(cfg)
	now := time.Now()

	in := healthyInput(now)
	in.Variance = 11.0
	cp.Evaluate(in) // -> Defensive

	// Health restored but the hold window has not elapsed.
	if st := cp.Evaluate(healthyInput(now.Add(10 * time.Second))); st != StateDefensive {
		t.Fatalf("state = %s inside hold window, want DEFENSIVE", st)
	}

	// A relapse resets the hold clock.
	relapse := healthyInput(now.Add(20 * time.Second))
	relapse.Variance = 11.0
	cp.Evaluate(relapse)
	if st := cp.Evaluate(healthyInput(now.Add(45 * time.Second))); st != StateDefensive {
		t.Fatalf("state = %s after relapse reset, want DEFENSIVE", st)
	}

	// Sustained health past the hold window enters Recovery.
	if st := cp.Evaluate(healthyInput(now.Add(80 * time.Second))); st != StateRecovery {
		t.Fatalf("state = %s after sustained health, want RECOVERY", st)
	}
}

func TestRecoveryRampsToExpansion(t *testing.T) {
	cfg := testControlCfg()
	cp := newTestPlane(cfg)
	cp.MarkWarm()
	now := time.Now()

	in := healthyInput(now)
	in.Variance = 11.0
	cp.Evaluate(in)                                  // -> Defensive
	cp.Evaluate(healthyInput(now.Add(time.Second))) // hold clock starts
	rampStart := now.Add(time.Second + cfg.RecoveryHold)
	if st := cp.Evaluate(healthyInput(rampStart)); st != StateRecovery {
		t.Fatalf("setup: state = %s, want RECOVERY", st)
	}

	book := DefaultPresetBook()
	mid := cp.ActivePreset(rampStart.Add(cfg.RampWindow / 2))
	if mid.MaxOrderSize <= book.Defensive.MaxOrderSize || mid.MaxOrderSize >= book.SteadyState.MaxOrderSize {
		t.Errorf("mid-ramp size %f not between defensive %f and steady %f",
			mid.MaxOrderSize, book.Defensive.MaxOrderSize, book.SteadyState.MaxOrderSize)
	}
	if mid.SpreadFloor >= book.Defensive.SpreadFloor || mid.SpreadFloor <= book.SteadyState.SpreadFloor {
		t.Errorf("mid-ramp floor %f not between steady %f and defensive %f",
			mid.SpreadFloor, book.SteadyState.SpreadFloor, book.Defensive.SpreadFloor)
	}

	// Ramp complete.
	if st := cp.Evaluate(healthyInput(rampStart.Add(cfg.RampWindow))); st != StateExpansion {
		t.Fatalf("state = %s after ramp window, want EXPANSION", st)
	}
	if got := cp.ActivePreset(rampStart.Add(cfg.RampWindow)); got.Name != PresetSteadyState {
		t.Errorf("active preset = %s after ramp, want steady_state", got.Name)
	}
}

func TestRecoveryRelapsesToDefensive(t *testing.T) {
	cfg := testControlCfg()
	cp := newTestPlane(cfg)
	now := time.Now()

	in := healthyInput(now)
	in.OKVenues = 1
	cp.Evaluate(in)                                 // -> Defensive
	cp.Evaluate(healthyInput(now.Add(time.Second))) // hold clock starts
	cp.Evaluate(healthyInput(now.Add(time.Second + cfg.RecoveryHold)))
	if cp.State() != StateRecovery {
		t.Fatal("setup failed to reach RECOVERY")
	}

	relapse := healthyInput(now.Add(cfg.RecoveryHold + 5*time.Second))
	relapse.Variance = 11.0
	if st := cp.Evaluate(relapse); st != StateDefensive {
		t.Fatalf("state = %s on relapse, want DEFENSIVE", st)
	}
}

func TestHedgeFailureEscalation(t *testing.T) {
	cfg := testControlCfg()
	cp := newTestPlane(cfg)
	now := time.Now()

	cp.ReportHedgeFailure(now)
	cp.ReportHedgeFailure(now)
	if cp.State() == StateStress {
		t.Fatal("escalated before reaching the failure budget")
	}
	cp.ReportHedgeSuccess()
	cp.ReportHedgeFailure(now)
	cp.ReportHedgeFailure(now)
	if cp.State() == StateStress {
		t.Fatal("success did not reset the failure counter")
	}
	cp.ReportHedgeFailure(now)
	if cp.State() != StateStress {
		t.Fatal("third consecutive failure must trip STRESS")
	}
}

func TestSubmissionFailureDegrades(t *testing.T) {
	cp := newTestPlane(testControlCfg())
	now := time.Now()
	cp.ReportSubmissionFailure(now)
	if cp.State() != StateDefensive {
		t.Fatalf("state = %s after submission rejections, want DEFENSIVE", cp.State())
	}
	// Already defensive: no further transition.
	cp.ReportSubmissionFailure(now)
	if cp.State() != StateDefensive {
		t.Fatalf("state = %s, want DEFENSIVE", cp.State())
	}
}

func TestKillSwitch(t *testing.T) {
	cp := newTestPlane(testControlCfg())
	now := time.Now()
	cp.TripStress("operator kill", now)
	if cp.State() != StateStress {
		t.Fatal("kill switch did not trip STRESS")
	}
	if cp.AllowQuoting() {
		t.Error("quoting allowed in STRESS")
	}
	if !cp.AllowHedging() {
		t.Error("hedging must stay allowed in STRESS")
	}
}

func TestForceStateStressClearsViaRecovery(t *testing.T) {
	cp := newTestPlane(testControlCfg())
	now := time.Now()
	cp.TripStress("operator kill", now)

	cp.ForceState(StateExpansion, "operator resume", now)
	if cp.State() != StateRecovery {
		t.Fatalf("state = %s, STRESS must clear into RECOVERY, not jump to EXPANSION", cp.State())
	}
}

func TestPauseBlocksQuotingOnly(t *testing.T) {
	cp := newTestPlane(testControlCfg())
	cp.Pause()
	if cp.AllowQuoting() {
		t.Error("quoting allowed while paused")
	}
	if cp.State() != StateExpansion {
		t.Error("pause must not change control state")
	}
	cp.Resume()
	if !cp.AllowQuoting() {
		t.Error("quoting still blocked after resume")
	}
}

func TestActivePresetBootstrapUntilWarm(t *testing.T) {
	cp := newTestPlane(testControlCfg())
	now := time.Now()
	if got := cp.ActivePreset(now); got.Name != PresetBootstrap {
		t.Fatalf("preset = %s before warm-up, want bootstrap", got.Name)
	}
	cp.MarkWarm()
	if got := cp.ActivePreset(now); got.Name != PresetSteadyState {
		t.Fatalf("preset = %s after warm-up, want steady_state", got.Name)
	}
}

func TestAutoRecoverFromStress(t *testing.T) {
	cfg := testControlCfg()
	cfg.AutoRecover = true
	cp := newTestPlane(cfg)
	now := time.Now()

	in := healthyInput(now)
	in.OKVenues = 0
	cp.Evaluate(in) // -> Stress

	cp.Evaluate(healthyInput(now.Add(time.Second)))
	if st := cp.Evaluate(healthyInput(now.Add(time.Second + cfg.RecoveryHold))); st != StateRecovery {
		t.Fatalf("state = %s after sustained health with auto-recover, want RECOVERY", st)
	}
}

func TestTransitionCallback(t *testing.T) {
	cp := newTestPlane(testControlCfg())
	var from, to State
	var reason string
	cp.SetOnTransition(func(f, t State, r string) { from, to, reason = f, t, r })

	now := time.Now()
	in := healthyInput(now)
	in.Variance = 11.0
	cp.Evaluate(in)

	if from != StateExpansion || to != StateDefensive {
		t.Fatalf("callback saw %s -> %s, want EXPANSION -> DEFENSIVE", from, to)
	}
	if reason == "" {
		t.Error("transition reason empty")
	}
}
