package telemetry

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestFeedStats(t *testing.T) {
	m := NewMetrics(MetricsConfig{})

	m.IncRejected("alpha", "malformed")
	m.IncRejected("alpha", "malformed")
	m.IncRejected("alpha", "duplicate")
	m.IncSnapshots("alpha", "BTC-USD")

	if got := testutil.ToFloat64(m.messagesRejected.WithLabelValues("alpha", "malformed")); got != 2 {
		t.Errorf("rejected[malformed] = %f, want 2", got)
	}
	if got := testutil.ToFloat64(m.messagesRejected.WithLabelValues("alpha", "duplicate")); got != 1 {
		t.Errorf("rejected[duplicate] = %f, want 1", got)
	}
	if got := testutil.ToFloat64(m.snapshotsEmitted.WithLabelValues("alpha", "BTC-USD")); got != 1 {
		t.Errorf("snapshots = %f, want 1", got)
	}
}

func TestQuoteAndInventoryMetrics(t *testing.T) {
	m := NewMetrics(MetricsConfig{})

	m.IncQuote("BTC-USD", "bid", 0.05)
	m.IncQuote("BTC-USD", "ask", 0.05)
	m.SetHalfSpread("BTC-USD", 12.5)
	m.SetInventory("BTC-USD", 3.0, 0.3, 150.0)

	if got := testutil.ToFloat64(m.quotesGenerated.WithLabelValues("BTC-USD", "bid")); got != 1 {
		t.Errorf("quotes[bid] = %f, want 1", got)
	}
	if got := testutil.ToFloat64(m.halfSpread.WithLabelValues("BTC-USD")); got != 12.5 {
		t.Errorf("half spread = %f, want 12.5", got)
	}
	if got := testutil.ToFloat64(m.inventoryNet.WithLabelValues("BTC-USD")); got != 3.0 {
		t.Errorf("inventory net = %f, want 3.0", got)
	}
	if got := testutil.ToFloat64(m.realizedPnL.WithLabelValues("BTC-USD")); got != 150.0 {
		t.Errorf("realized pnl = %f, want 150.0", got)
	}
}

func TestControlStateMetrics(t *testing.T) {
	m := NewMetrics(MetricsConfig{})

	m.SetControlState(1, "EXPANSION", "DEFENSIVE")
	if got := testutil.ToFloat64(m.controlState); got != 1 {
		t.Errorf("control state = %f, want 1", got)
	}
	if got := testutil.ToFloat64(m.controlTransitions.WithLabelValues("EXPANSION", "DEFENSIVE")); got != 1 {
		t.Errorf("transitions = %f, want 1", got)
	}

	// Initial state publication has no transition to count.
	m.SetControlState(0, "", "")
	if got := testutil.ToFloat64(m.controlState); got != 0 {
		t.Errorf("control state = %f, want 0", got)
	}
}

func TestHedgeCounters(t *testing.T) {
	m := NewMetrics(MetricsConfig{})
	m.IncHedgeAttempt()
	m.IncHedgeAttempt()
	m.IncHedgeFailure()
	if got := testutil.ToFloat64(m.hedgeAttempts); got != 2 {
		t.Errorf("hedge attempts = %f, want 2", got)
	}
	if got := testutil.ToFloat64(m.hedgeFailures); got != 1 {
		t.Errorf("hedge failures = %f, want 1", got)
	}
}
