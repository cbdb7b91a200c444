package market

import (
	"math"
	"testing"
	"time"
)

func TestEWMAVarianceFlatMarket(t *testing.T) {
	e := NewEWMAVariance(30 * time.Second)
	now := time.Now()
	for i := 0; i < 50; i++ {
		e.Observe(30000, now.Add(time.Duration(i)*time.Second))
	}
	if got := e.Value(); got != 0 {
		t.Fatalf("flat prices produced variance %g, want 0", got)
	}
	if !e.Ready() {
		t.Error("estimator not ready after 50 observations")
	}
}

func TestEWMAVarianceRisesWithMovement(t *testing.T) {
	now := time.Now()

	calm := NewEWMAVariance(30 * time.Second)
	wild := NewEWMAVariance(30 * time.Second)
	price := 30000.0
	for i := 0; i < 100; i++ {
		ts := now.Add(time.Duration(i) * time.Second)
		calm.Observe(price+float64(i%2), ts) // ~3bps oscillation
		sign := 1.0
		if i%2 == 0 {
			sign = -1
		}
		wild.Observe(price*(1+sign*0.01), ts) // 1% oscillation
	}
	if calm.Value() >= wild.Value() {
		t.Fatalf("calm variance %g >= wild variance %g", calm.Value(), wild.Value())
	}
}

func TestEWMAVarianceDecaysTowardCalm(t *testing.T) {
	now := time.Now()
	e := NewEWMAVariance(5 * time.Second)
	// Volatile burst.
	for i := 0; i < 20; i++ {
		p := 30000.0
		if i%2 == 0 {
			p = 30300
		}
		e.Observe(p, now.Add(time.Duration(i)*time.Second))
	}
	burst := e.Value()

	// Then a long flat stretch.
	for i := 20; i < 120; i++ {
		e.Observe(30000, now.Add(time.Duration(i)*time.Second))
	}
	if e.Value() >= burst/10 {
		t.Fatalf("variance %g did not decay from burst level %g", e.Value(), burst)
	}
}

func TestEWMAVarianceIgnoresBadInput(t *testing.T) {
	now := time.Now()
	e := NewEWMAVariance(30 * time.Second)
	e.Observe(30000, now)
	e.Observe(-5, now.Add(time.Second))   // non-positive price
	e.Observe(30100, now)                 // non-advancing timestamp
	if e.Value() != 0 {
		t.Fatalf("bad inputs changed the estimate: %g", e.Value())
	}
}

func TestLatencyVar(t *testing.T) {
	l := NewLatencyVar(0.2)
	if _, ok := l.Variance(); ok {
		t.Fatal("variance reported before enough samples")
	}
	for i := 0; i < 10; i++ {
		l.Observe(0.02)
	}
	v, ok := l.Variance()
	if !ok {
		t.Fatal("variance not available after 10 samples")
	}
	if v != 0 {
		t.Errorf("constant latency variance = %g, want 0", v)
	}

	jittery := NewLatencyVar(0.2)
	for i := 0; i < 10; i++ {
		jittery.Observe(float64(i%2) * 0.2)
	}
	jv, ok := jittery.Variance()
	if !ok || jv <= v {
		t.Errorf("jittery variance = %g, want > steady %g", jv, v)
	}
}

func TestRing(t *testing.T) {
	r := NewRing(3)
	if _, ok := r.Latest(); ok {
		t.Fatal("empty ring returned a snapshot")
	}
	for i := 1; i <= 5; i++ {
		r.Push(Snapshot{Mid: float64(i)})
	}
	if r.Len() != 3 {
		t.Fatalf("len = %d, want 3", r.Len())
	}
	latest, ok := r.Latest()
	if !ok || latest.Mid != 5 {
		t.Fatalf("latest = %+v, want mid 5", latest)
	}
	var mids []float64
	r.Each(func(s Snapshot) { mids = append(mids, s.Mid) })
	want := []float64{3, 4, 5}
	for i := range want {
		if math.Abs(mids[i]-want[i]) > 0 {
			t.Fatalf("ring order = %v, want %v", mids, want)
		}
	}
}
