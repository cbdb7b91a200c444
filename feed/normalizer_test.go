package feed

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"dmm-engine-go/market"
)

type countingStats struct {
	mu       sync.Mutex
	rejected map[string]int // reason -> count
	emitted  int
}

func newCountingStats() *countingStats {
	return &countingStats{rejected: make(map[string]int)}
}

func (s *countingStats) IncRejected(_ string, reason string) {
	s.mu.Lock()
	s.rejected[reason]++
	s.mu.Unlock()
}

func (s *countingStats) ObserveFeedLatency(string, float64) {}

func (s *countingStats) IncSnapshots(string, string) {
	s.mu.Lock()
	s.emitted++
	s.mu.Unlock()
}

func (s *countingStats) rejectedFor(reason string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rejected[reason]
}

func testSymbols() SymbolMap {
	return SymbolMap{"alpha": {"BTCUSD": "BTC-USD"}}
}

func tickEnv(ts time.Time, bid, ask float64) Envelope {
	payload, _ := json.Marshal(TickPayload{Bid: bid, Ask: ask})
	return Envelope{
		Venue:      "alpha",
		Symbol:     "BTCUSD",
		Type:       MessageTick,
		Payload:    payload,
		SourceTime: ts,
		ReceivedAt: ts.Add(10 * time.Millisecond),
	}
}

func newTestNormalizer(stats Stats, depth int) (*Normalizer, chan market.Snapshot) {
	out := make(chan market.Snapshot, depth)
	// A high rate so coalescing tests control it explicitly.
	n := NewNormalizer(Config{MaxSnapshotRate: 1000}, testSymbols(), stats, out)
	return n, out
}

func TestIngestEmitsSnapshot(t *testing.T) {
	stats := newCountingStats()
	n, out := newTestNormalizer(stats, 4)
	now := time.Now()

	if err := n.Ingest(context.Background(), tickEnv(now, 29999, 30001)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	select {
	case snap := <-out:
		if snap.Instrument != "BTC-USD" || snap.Venue != "alpha" {
			t.Errorf("snapshot key = %s/%s", snap.Venue, snap.Instrument)
		}
		if snap.Mid != 30000 {
			t.Errorf("mid = %f, want 30000", snap.Mid)
		}
		if snap.ID == "" {
			t.Error("snapshot id empty")
		}
	default:
		t.Fatal("no snapshot emitted")
	}
}

func TestIngestRejectsUnknownSymbol(t *testing.T) {
	stats := newCountingStats()
	n, out := newTestNormalizer(stats, 4)
	env := tickEnv(time.Now(), 29999, 30001)
	env.Symbol = "DOGEUSD"

	_ = n.Ingest(context.Background(), env)
	if stats.rejectedFor("unknown_symbol") != 1 {
		t.Error("unknown symbol not counted")
	}
	if len(out) != 0 {
		t.Error("snapshot emitted for unknown symbol")
	}
}

func TestIngestRejectsMalformed(t *testing.T) {
	stats := newCountingStats()
	n, out := newTestNormalizer(stats, 4)
	now := time.Now()

	bad := tickEnv(now, 29999, 30001)
	bad.Payload = json.RawMessage(`{"bid": "not a number"}`)
	if err := n.Ingest(context.Background(), bad); err != nil {
		t.Fatalf("malformed payload must not fault the pipeline: %v", err)
	}
	negative := tickEnv(now.Add(time.Millisecond), -1, 30001)
	_ = n.Ingest(context.Background(), negative)

	if got := stats.rejectedFor("malformed"); got != 2 {
		t.Errorf("malformed count = %d, want 2", got)
	}
	if len(out) != 0 {
		t.Error("snapshot emitted from malformed input")
	}
}

func TestIngestRejectsMissingTimestamp(t *testing.T) {
	stats := newCountingStats()
	n, _ := newTestNormalizer(stats, 4)
	env := tickEnv(time.Now(), 29999, 30001)
	env.SourceTime = time.Time{}
	_ = n.Ingest(context.Background(), env)
	if stats.rejectedFor("missing_timestamp") != 1 {
		t.Error("missing timestamp not counted")
	}
}

func TestIngestDiscardsOutOfOrder(t *testing.T) {
	stats := newCountingStats()
	n, out := newTestNormalizer(stats, 8)
	now := time.Now()

	_ = n.Ingest(context.Background(), tickEnv(now, 29999, 30001))
	time.Sleep(5 * time.Millisecond) // let the per-key rate budget refill
	// Slightly old but inside the reorder window: accepted.
	_ = n.Ingest(context.Background(), tickEnv(now.Add(-100*time.Millisecond), 29998, 30000))
	// Beyond the window: discarded.
	_ = n.Ingest(context.Background(), tickEnv(now.Add(-2*time.Second), 29000, 29500))

	if got := stats.rejectedFor("out_of_order"); got != 1 {
		t.Errorf("out_of_order count = %d, want 1", got)
	}
	if len(out) != 2 {
		t.Errorf("emitted %d snapshots, want 2", len(out))
	}
}

func TestIngestDeduplicates(t *testing.T) {
	stats := newCountingStats()
	n, out := newTestNormalizer(stats, 8)
	env := tickEnv(time.Now(), 29999, 30001)

	_ = n.Ingest(context.Background(), env)
	_ = n.Ingest(context.Background(), env)
	if got := stats.rejectedFor("duplicate"); got != 1 {
		t.Errorf("duplicate count = %d, want 1", got)
	}
	if len(out) != 1 {
		t.Errorf("emitted %d snapshots, want 1", len(out))
	}
}

func TestIngestHoldsCrossedBook(t *testing.T) {
	stats := newCountingStats()
	n, out := newTestNormalizer(stats, 4)
	now := time.Now()

	// Crossed: bid above ask. Valid JSON, but no snapshot until it uncrosses.
	_ = n.Ingest(context.Background(), tickEnv(now, 30002, 30001))
	if len(out) != 0 {
		t.Fatal("snapshot emitted from a crossed book")
	}
	time.Sleep(5 * time.Millisecond)
	_ = n.Ingest(context.Background(), tickEnv(now.Add(time.Millisecond), 29999, 30001))
	if len(out) != 1 {
		t.Fatal("no snapshot after the book uncrossed")
	}
}

func TestIngestCoalescesBursts(t *testing.T) {
	stats := newCountingStats()
	out := make(chan market.Snapshot, 64)
	// One snapshot per second: the second message in a burst must coalesce.
	n := NewNormalizer(Config{MaxSnapshotRate: 1}, testSymbols(), stats, out)
	now := time.Now()

	for i := 0; i < 5; i++ {
		_ = n.Ingest(context.Background(), tickEnv(now.Add(time.Duration(i)*time.Millisecond), 29999, 30001+float64(i)))
	}
	if len(out) != 1 {
		t.Fatalf("burst emitted %d snapshots, want 1 (rest coalesced)", len(out))
	}

	// After the budget recovers, Flush emits the coalesced latest state.
	time.Sleep(1100 * time.Millisecond)
	if err := n.Flush(context.Background()); err != nil {
		t.Fatalf("flush: %v", err)
	}
	if len(out) != 2 {
		t.Fatalf("after flush %d snapshots, want 2", len(out))
	}
	<-out
	snap := <-out
	if snap.BestAsk != 30005 {
		t.Errorf("coalesced snapshot ask = %f, want latest 30005", snap.BestAsk)
	}
}

func TestNormalizedTimeMonotonic(t *testing.T) {
	stats := newCountingStats()
	n, out := newTestNormalizer(stats, 16)
	now := time.Now()

	// Source times jitter backwards inside the reorder window; normalized
	// times must never step back for the same key.
	offsets := []time.Duration{0, 50, 30, 80, 60, 100}
	for i, off := range offsets {
		_ = n.Ingest(context.Background(), tickEnv(now.Add(off*time.Millisecond), 29999, 30001+float64(i)))
	}

	var last time.Time
	for len(out) > 0 {
		snap := <-out
		if snap.NormalizedTime.Before(last) {
			t.Fatalf("normalized time went backwards: %v < %v", snap.NormalizedTime, last)
		}
		last = snap.NormalizedTime
	}
}

func TestDegradedVenues(t *testing.T) {
	stats := newCountingStats()
	n, _ := newTestNormalizer(stats, 4)
	now := time.Now()

	n.TrackVenue("alpha", now)
	n.TrackVenue("beta", now)

	_ = n.Ingest(context.Background(), tickEnv(now.Add(6*time.Second), 29999, 30001))

	degraded := n.DegradedVenues(now.Add(7 * time.Second))
	if len(degraded) != 1 || degraded[0] != "beta" {
		t.Fatalf("degraded = %v, want [beta]", degraded)
	}
}

func TestDepthPayloadImbalance(t *testing.T) {
	d := DepthPayload{
		Bids: []Level{{Price: 99, Qty: 30}},
		Asks: []Level{{Price: 101, Qty: 10}},
	}
	if got := d.Imbalance(); got != 0.5 {
		t.Errorf("imbalance = %f, want 0.5", got)
	}
	if got := (DepthPayload{}).Imbalance(); got != 0 {
		t.Errorf("empty book imbalance = %f, want 0", got)
	}
}
