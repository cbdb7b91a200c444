package inventory

import (
	"math"
	"testing"
	"time"
)

func newTestBook() *Book {
	return NewBook("BTC-USD", 1, map[string]Limits{
		"alpha": {Soft: 5, Hard: 10},
		"beta":  {Soft: 5, Hard: 10},
	})
}

func TestApplyFillDuplicateIgnored(t *testing.T) {
	b := newTestBook()
	f := Fill{ID: "f1", Venue: "alpha", Qty: 2, Price: 100, Time: time.Now()}

	first := b.ApplyFill(f)
	if first.Duplicate {
		t.Fatal("first application flagged duplicate")
	}
	if first.Position.Qty != 2 {
		t.Fatalf("position = %f, want 2", first.Position.Qty)
	}

	second := b.ApplyFill(f)
	if !second.Duplicate {
		t.Fatal("replay not flagged duplicate")
	}
	if second.Position.Qty != 2 {
		t.Fatalf("replay changed position to %f", second.Position.Qty)
	}
}

func TestApplyFillHardBreachExactlyOnce(t *testing.T) {
	b := newTestBook()
	now := time.Now()

	// Push past the hard limit in two fills.
	r1 := b.ApplyFill(Fill{ID: "f1", Venue: "alpha", Qty: 9, Price: 100, Time: now})
	if r1.Breach != nil {
		t.Fatal("breach before crossing the hard limit")
	}
	r2 := b.ApplyFill(Fill{ID: "f2", Venue: "alpha", Qty: 3, Price: 100, Time: now})
	if r2.Breach == nil {
		t.Fatal("no breach at qty=12 with hard=10")
	}
	// Hedge quantity returns the position to the soft limit: -(12 - 5).
	if math.Abs(r2.Breach.HedgeQty-(-7)) > 1e-9 {
		t.Errorf("hedge qty = %f, want -7", r2.Breach.HedgeQty)
	}

	// Still beyond the hard limit: the same episode must not re-trigger.
	r3 := b.ApplyFill(Fill{ID: "f3", Venue: "alpha", Qty: 1, Price: 100, Time: now})
	if r3.Breach != nil {
		t.Fatal("second breach emitted during an open episode")
	}

	// Hedge fill brings it back inside the soft band, closing the episode.
	r4 := b.ApplyFill(Fill{ID: "f4", Venue: "alpha", Qty: -8, Price: 100, Time: now})
	if r4.Breach != nil {
		t.Fatal("hedge fill produced a breach")
	}

	// A fresh crossing after the episode closed is a new breach.
	r5 := b.ApplyFill(Fill{ID: "f5", Venue: "alpha", Qty: 7, Price: 100, Time: now})
	if r5.Breach == nil {
		t.Fatal("new crossing after recovery not detected")
	}
	if r5.Breach.ID == r2.Breach.ID {
		t.Error("new breach reused the old episode id")
	}
}

func TestApplyFillShortSideBreach(t *testing.T) {
	b := newTestBook()
	r := b.ApplyFill(Fill{ID: "f1", Venue: "beta", Qty: -11, Price: 100, Time: time.Now()})
	if r.Breach == nil {
		t.Fatal("short-side hard breach not detected")
	}
	// Buy back up to the soft limit: +(11 - 5).
	if math.Abs(r.Breach.HedgeQty-6) > 1e-9 {
		t.Errorf("hedge qty = %f, want 6", r.Breach.HedgeQty)
	}
}

func TestRealizedPnL(t *testing.T) {
	b := newTestBook()
	now := time.Now()

	b.ApplyFill(Fill{ID: "f1", Venue: "alpha", Qty: 2, Price: 100, Time: now})
	if got := b.Realized(); got != 0 {
		t.Fatalf("opening fill realized %f, want 0", got)
	}

	// Sell 1 @ 110 against avg cost 100: +10 realized.
	b.ApplyFill(Fill{ID: "f2", Venue: "alpha", Qty: -1, Price: 110, Time: now})
	if got := b.Realized(); math.Abs(got-10) > 1e-9 {
		t.Fatalf("realized = %f, want 10", got)
	}

	// Flip through zero: close remaining 1 @ 90 (-10), open short 1 @ 90.
	r := b.ApplyFill(Fill{ID: "f3", Venue: "alpha", Qty: -2, Price: 90, Time: now})
	if got := b.Realized(); math.Abs(got-0) > 1e-9 {
		t.Fatalf("realized = %f, want 0", got)
	}
	if r.Position.Qty != -1 || r.Position.AvgCost != 90 {
		t.Fatalf("flipped position = %+v, want qty=-1 avg=90", r.Position)
	}
}

func TestAvgCostBlending(t *testing.T) {
	b := newTestBook()
	now := time.Now()
	b.ApplyFill(Fill{ID: "f1", Venue: "alpha", Qty: 1, Price: 100, Time: now})
	r := b.ApplyFill(Fill{ID: "f2", Venue: "alpha", Qty: 1, Price: 110, Time: now})
	if math.Abs(r.Position.AvgCost-105) > 1e-9 {
		t.Fatalf("avg cost = %f, want 105", r.Position.AvgCost)
	}
}

func TestViewAggregatesVenues(t *testing.T) {
	b := newTestBook()
	now := time.Now()
	b.ApplyFill(Fill{ID: "f1", Venue: "alpha", Qty: 3, Price: 100, Time: now})
	b.ApplyFill(Fill{ID: "f2", Venue: "beta", Qty: -1, Price: 100, Time: now})

	v := b.View()
	if v.Qty != 2 {
		t.Errorf("aggregate qty = %f, want 2", v.Qty)
	}
	if v.SoftLimit != 10 || v.HardLimit != 20 {
		t.Errorf("aggregate limits = %f/%f, want 10/20", v.SoftLimit, v.HardLimit)
	}
}

func TestUtilization(t *testing.T) {
	b := newTestBook()
	now := time.Now()
	b.ApplyFill(Fill{ID: "f1", Venue: "alpha", Qty: 8, Price: 100, Time: now})
	b.ApplyFill(Fill{ID: "f2", Venue: "beta", Qty: -2, Price: 100, Time: now})
	if got := b.Utilization(); math.Abs(got-0.8) > 1e-9 {
		t.Errorf("utilization = %f, want 0.8 (worst venue)", got)
	}
}

func TestForceSyncClearsBreachEpisode(t *testing.T) {
	b := newTestBook()
	now := time.Now()
	r := b.ApplyFill(Fill{ID: "f1", Venue: "alpha", Qty: 12, Price: 100, Time: now})
	if r.Breach == nil {
		t.Fatal("expected breach")
	}

	b.ForceSync("alpha", 1, now)
	// Position was authoritatively reset inside the soft band; a later
	// crossing is a fresh episode.
	r2 := b.ApplyFill(Fill{ID: "f2", Venue: "alpha", Qty: 10, Price: 100, Time: now})
	if r2.Breach == nil {
		t.Fatal("crossing after force sync not detected")
	}
}

func TestReissueBreachRecomputesHedgeQty(t *testing.T) {
	b := newTestBook()
	now := time.Now()

	r := b.ApplyFill(Fill{ID: "f1", Venue: "alpha", Qty: 12, Price: 100, Time: now})
	if r.Breach == nil {
		t.Fatal("no breach at qty=12 with hard=10")
	}

	// The position deepens before the hedge could be placed.
	b.ApplyFill(Fill{ID: "f2", Venue: "alpha", Qty: 1, Price: 100, Time: now})

	re := b.ReissueBreach("alpha", now.Add(time.Second))
	if re == nil {
		t.Fatal("open episode not re-issued")
	}
	if re.ID != r.Breach.ID {
		t.Errorf("re-issued id %s, want original episode id %s", re.ID, r.Breach.ID)
	}
	// Hedge quantity reflects the current position: -(13 - 5).
	if math.Abs(re.HedgeQty-(-8)) > 1e-9 {
		t.Errorf("re-issued hedge qty = %f, want -8", re.HedgeQty)
	}

	// Back inside the soft band the episode is gone.
	b.ApplyFill(Fill{ID: "f3", Venue: "alpha", Qty: -9, Price: 100, Time: now})
	if got := b.ReissueBreach("alpha", now); got != nil {
		t.Errorf("re-issued a closed episode: %+v", got)
	}
	if got := b.ReissueBreach("beta", now); got != nil {
		t.Errorf("re-issued for a venue with no episode: %+v", got)
	}
}

func TestApplyFillUnconfiguredVenue(t *testing.T) {
	b := newTestBook()
	now := time.Now()

	r := b.ApplyFill(Fill{ID: "f1", Venue: "ghost", Qty: 0.5, Price: 100, Time: now})
	if r.Duplicate {
		t.Fatal("fill flagged duplicate")
	}
	if r.Breach != nil {
		t.Fatalf("breach raised for a venue with no limits: %+v", r.Breach)
	}
	if r.Position.Qty != 0.5 {
		t.Errorf("position = %f, want 0.5", r.Position.Qty)
	}
	// Any unconfigured exposure reads as full utilization so the control
	// plane reacts.
	if got := b.Utilization(); got != 1 {
		t.Errorf("utilization = %f with unconfigured exposure, want 1", got)
	}
}
