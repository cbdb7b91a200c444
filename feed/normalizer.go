package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"dmm-engine-go/market"
	"dmm-engine-go/risk"
)

// Stats is the telemetry surface the normalizer reports into.
type Stats interface {
	IncRejected(venue, reason string)
	ObserveFeedLatency(venue string, seconds float64)
	IncSnapshots(venue, instrument string)
}

// NopStats discards everything; used by tests.
type NopStats struct{}

func (NopStats) IncRejected(string, string)          {}
func (NopStats) ObserveFeedLatency(string, float64)  {}
func (NopStats) IncSnapshots(string, string)         {}

// Config holds the normalizer tunables.
type Config struct {
	// ReorderWindow bounds out-of-order tolerance: events older than the
	// latest accepted source time minus this window are discarded.
	ReorderWindow time.Duration `yaml:"reorder_window" default:"500ms"`
	// MaxSnapshotRate bounds emissions per (venue, instrument) per second;
	// bursts are coalesced into the latest state.
	MaxSnapshotRate float64 `yaml:"max_snapshot_rate" default:"20"`
	// HealthWindow: a venue with zero valid messages inside this window is
	// marked degraded and excluded from aggregation.
	HealthWindow time.Duration `yaml:"health_window" default:"5s"`
	// ClockAlpha smooths the per-venue source-to-local clock offset.
	ClockAlpha float64 `yaml:"clock_alpha" default:"0.1"`
}

// SymbolMap translates venue-native symbols to canonical instrument ids.
type SymbolMap map[string]map[string]string // venue -> native -> instrument

// Resolve returns the canonical instrument for a venue symbol.
func (m SymbolMap) Resolve(venue, symbol string) (string, bool) {
	venueMap, ok := m[venue]
	if !ok {
		return "", false
	}
	instrument, ok := venueMap[symbol]
	return instrument, ok
}

type keyState struct {
	limiter        *rate.Limiter
	lastSourceTime time.Time
	lastDedup      string

	bestBid, bestAsk float64
	imbalance        float64
	lastTrade        float64

	pending      bool
	pendingEnv   Envelope
	lastNormTime time.Time
}

type venueClock struct {
	offset  time.Duration // local minus source, smoothed
	samples int
}

// Normalizer turns raw venue envelopes into market snapshots. Safe for use
// from one goroutine per venue connection.
type Normalizer struct {
	cfg     Config
	symbols SymbolMap
	stats   Stats

	mu        sync.Mutex
	keys      map[string]*keyState // venue|instrument
	clocks    map[string]*venueClock
	lastValid map[string]time.Time // venue -> last valid message

	out chan<- market.Snapshot
}

// NewNormalizer creates a normalizer emitting into out, which must be a
// bounded channel: a full channel blocks ingestion and applies backpressure
// upstream instead of buffering without bound.
func NewNormalizer(cfg Config, symbols SymbolMap, stats Stats, out chan<- market.Snapshot) *Normalizer {
	if cfg.ReorderWindow <= 0 {
		cfg.ReorderWindow = 500 * time.Millisecond
	}
	if cfg.MaxSnapshotRate <= 0 {
		cfg.MaxSnapshotRate = 20
	}
	if cfg.HealthWindow <= 0 {
		cfg.HealthWindow = 5 * time.Second
	}
	if cfg.ClockAlpha <= 0 || cfg.ClockAlpha > 1 {
		cfg.ClockAlpha = 0.1
	}
	if stats == nil {
		stats = NopStats{}
	}
	return &Normalizer{
		cfg:       cfg,
		symbols:   symbols,
		stats:     stats,
		keys:      make(map[string]*keyState),
		clocks:    make(map[string]*venueClock),
		lastValid: make(map[string]time.Time),
		out:       out,
	}
}

// Ingest validates, deduplicates and coalesces one envelope, emitting a
// snapshot when the per-key rate budget allows. Malformed messages are
// dropped and counted; they never fault the pipeline.
func (n *Normalizer) Ingest(ctx context.Context, env Envelope) error {
	if env.ReceivedAt.IsZero() {
		env.ReceivedAt = time.Now()
	}

	instrument, ok := n.symbols.Resolve(env.Venue, env.Symbol)
	if !ok {
		n.stats.IncRejected(env.Venue, "unknown_symbol")
		return nil
	}
	if env.SourceTime.IsZero() {
		n.stats.IncRejected(env.Venue, "missing_timestamp")
		return nil
	}

	n.mu.Lock()
	key := env.Venue + "|" + instrument
	ks, ok := n.keys[key]
	if !ok {
		ks = &keyState{
			limiter: rate.NewLimiter(rate.Limit(n.cfg.MaxSnapshotRate), 1),
		}
		n.keys[key] = ks
	}

	// Out-of-order tolerance is bounded: anything older than the window is
	// discarded rather than reordered.
	if !ks.lastSourceTime.IsZero() && env.SourceTime.Before(ks.lastSourceTime.Add(-n.cfg.ReorderWindow)) {
		n.mu.Unlock()
		n.stats.IncRejected(env.Venue, "out_of_order")
		return nil
	}

	dedup := dedupKey(env)
	if dedup == ks.lastDedup {
		n.mu.Unlock()
		n.stats.IncRejected(env.Venue, "duplicate")
		return nil
	}

	if err := n.applyPayload(ks, env); err != nil {
		n.mu.Unlock()
		n.stats.IncRejected(env.Venue, "malformed")
		return nil
	}
	ks.lastDedup = dedup
	if env.SourceTime.After(ks.lastSourceTime) {
		ks.lastSourceTime = env.SourceTime
	}
	n.lastValid[env.Venue] = env.ReceivedAt
	n.observeClock(env)

	if ks.bestBid <= 0 || ks.bestAsk <= 0 || ks.bestBid >= ks.bestAsk {
		// Not enough book state for a sane snapshot yet (or a crossed
		// book); wait for the next update.
		n.mu.Unlock()
		return nil
	}

	if !ks.limiter.Allow() {
		// Burst: coalesce into the latest state and emit later.
		ks.pending = true
		ks.pendingEnv = env
		n.mu.Unlock()
		return nil
	}
	snap := n.buildSnapshot(ks, env.Venue, instrument, env)
	ks.pending = false
	n.mu.Unlock()

	return n.emit(ctx, snap)
}

// Flush emits coalesced pending snapshots whose rate budget has recovered.
// The engine's feed pump calls this periodically so the tail of a burst is
// not lost.
func (n *Normalizer) Flush(ctx context.Context) error {
	n.mu.Lock()
	var snaps []market.Snapshot
	for key, ks := range n.keys {
		if !ks.pending || !ks.limiter.Allow() {
			continue
		}
		venue, instrument, ok := splitKey(key)
		if !ok {
			continue
		}
		snaps = append(snaps, n.buildSnapshot(ks, venue, instrument, ks.pendingEnv))
		ks.pending = false
	}
	n.mu.Unlock()

	for _, s := range snaps {
		if err := n.emit(ctx, s); err != nil {
			return err
		}
	}
	return nil
}

// DegradedVenues returns the venues with zero valid messages inside the
// health window as of now.
func (n *Normalizer) DegradedVenues(now time.Time) []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	var degraded []string
	for venue, last := range n.lastValid {
		if now.Sub(last) > n.cfg.HealthWindow {
			degraded = append(degraded, venue)
		}
	}
	return degraded
}

// TrackVenue registers a venue for health tracking before its first message,
// so a venue that never produces anything still shows up degraded.
func (n *Normalizer) TrackVenue(venue string, now time.Time) {
	n.mu.Lock()
	if _, ok := n.lastValid[venue]; !ok {
		n.lastValid[venue] = now
	}
	n.mu.Unlock()
}

func (n *Normalizer) applyPayload(ks *keyState, env Envelope) error {
	switch env.Type {
	case MessageTick:
		var p TickPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return err
		}
		if p.Bid <= 0 || p.Ask <= 0 {
			return fmt.Errorf("%w: non-positive tick", risk.ErrFeedMalformed)
		}
		ks.bestBid, ks.bestAsk = p.Bid, p.Ask
	case MessageDepth:
		var p DepthPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return err
		}
		if len(p.Bids) == 0 || len(p.Asks) == 0 {
			return fmt.Errorf("%w: empty depth", risk.ErrFeedMalformed)
		}
		ks.bestBid = p.Bids[0].Price
		ks.bestAsk = p.Asks[0].Price
		ks.imbalance = p.Imbalance()
	case MessageTrade:
		var p TradePayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return err
		}
		if p.Price <= 0 || p.Qty <= 0 {
			return fmt.Errorf("%w: non-positive trade", risk.ErrFeedMalformed)
		}
		ks.lastTrade = p.Price
	default:
		return fmt.Errorf("%w: unknown type %q", risk.ErrFeedMalformed, env.Type)
	}
	return nil
}

func (n *Normalizer) observeClock(env Envelope) {
	vc, ok := n.clocks[env.Venue]
	if !ok {
		vc = &venueClock{}
		n.clocks[env.Venue] = vc
	}
	sample := env.ReceivedAt.Sub(env.SourceTime)
	if vc.samples == 0 {
		vc.offset = sample
	} else {
		vc.offset += time.Duration(n.cfg.ClockAlpha * float64(sample-vc.offset))
	}
	vc.samples++
}

// buildSnapshot must be called with the lock held.
func (n *Normalizer) buildSnapshot(ks *keyState, venue, instrument string, env Envelope) market.Snapshot {
	norm := env.SourceTime
	if vc, ok := n.clocks[venue]; ok {
		norm = env.SourceTime.Add(vc.offset)
	}
	// A monotonic reference: never step backwards for the same key.
	if norm.Before(ks.lastNormTime) {
		norm = ks.lastNormTime
	}
	ks.lastNormTime = norm

	return market.Snapshot{
		ID:             uuid.NewString(),
		Venue:          venue,
		Instrument:     instrument,
		Mid:            (ks.bestBid + ks.bestAsk) / 2,
		BestBid:        ks.bestBid,
		BestAsk:        ks.bestAsk,
		Imbalance:      ks.imbalance,
		Quality:        market.QualityOK,
		SourceTime:     env.SourceTime,
		NormalizedTime: norm,
		ReceivedAt:     env.ReceivedAt,
	}
}

func (n *Normalizer) emit(ctx context.Context, snap market.Snapshot) error {
	n.stats.ObserveFeedLatency(snap.Venue, snap.Latency().Seconds())
	select {
	case n.out <- snap:
		n.stats.IncSnapshots(snap.Venue, snap.Instrument)
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func dedupKey(env Envelope) string {
	return string(env.Type) + "|" + env.SourceTime.Format(time.RFC3339Nano) + "|" + string(env.Payload)
}

func splitKey(key string) (venue, instrument string, ok bool) {
	for i := 0; i < len(key); i++ {
		if key[i] == '|' {
			return key[:i], key[i+1:], true
		}
	}
	return "", "", false
}
