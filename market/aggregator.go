package market

import (
	"sort"
	"time"
)

// AggStatus marks whether an aggregated state is usable for pricing.
type AggStatus string

const (
	AggOK           AggStatus = "ok"
	AggInsufficient AggStatus = "insufficient"
)

// AggregatedState is the per-instrument consensus view. It is derived purely
// from current snapshots and recomputed each cycle; it has no persistence.
type AggregatedState struct {
	Instrument string
	Status     AggStatus

	Mid float64
	// Variance is the short-window variance estimate in absolute price
	// terms (log-return variance scaled by mid squared), which is what the
	// reservation-price model consumes.
	Variance  float64
	Imbalance float64 // composite, in [-1, 1]

	OKVenues     int
	TotalVenues  int
	SingleSource bool
	// OKVenueNames lists the venues contributing this cycle; quotes fan out
	// to these.
	OKVenueNames []string

	// SnapshotID identifies the freshest contributing snapshot, carried on
	// quote intents for fill attribution and staleness audits.
	SnapshotID string

	ComputedAt time.Time
}

// AggregatorConfig holds the per-instrument aggregation tunables.
type AggregatorConfig struct {
	// StalenessThreshold ages out snapshots from pricing inputs.
	StalenessThreshold time.Duration `yaml:"staleness_threshold" default:"1500ms"`
	// QuorumMin venues must report ok before the state is trusted.
	// Single-venue instruments (TotalVenues == 1) are exempt but flagged.
	QuorumMin int `yaml:"quorum_min" default:"2"`
	// VolHalfLife drives the EWMA variance estimator.
	VolHalfLife time.Duration `yaml:"vol_half_life" default:"30s"`
	// LatencyAlpha is the smoothing factor for venue latency tracking.
	LatencyAlpha float64 `yaml:"latency_alpha" default:"0.1"`
	// HistoryDepth bounds the per-venue snapshot ring.
	HistoryDepth int `yaml:"history_depth" default:"256"`
}

type venueState struct {
	ring    *Ring
	latency *LatencyVar
	// degraded is set by the feed layer when the venue stops producing.
	degraded bool
}

// Aggregator maintains the multi-venue view for one instrument. It is owned
// by that instrument's pricing actor: all methods are called from a single
// goroutine, so no locking is needed here.
type Aggregator struct {
	instrument string
	cfg        AggregatorConfig

	venues map[string]*venueState
	vol    *EWMAVariance
}

// NewAggregator creates an aggregator for one instrument across the given
// venues.
func NewAggregator(instrument string, venues []string, cfg AggregatorConfig) *Aggregator {
	if cfg.StalenessThreshold <= 0 {
		cfg.StalenessThreshold = 1500 * time.Millisecond
	}
	if cfg.QuorumMin <= 0 {
		cfg.QuorumMin = 1
	}
	if cfg.HistoryDepth <= 0 {
		cfg.HistoryDepth = 256
	}
	vs := make(map[string]*venueState, len(venues))
	for _, v := range venues {
		vs[v] = &venueState{
			ring:    NewRing(cfg.HistoryDepth),
			latency: NewLatencyVar(cfg.LatencyAlpha),
		}
	}
	return &Aggregator{
		instrument: instrument,
		cfg:        cfg,
		venues:     vs,
		vol:        NewEWMAVariance(cfg.VolHalfLife),
	}
}

// Observe folds one normalized snapshot into the view. Snapshots for venues
// the instrument is not configured on are ignored.
func (a *Aggregator) Observe(s Snapshot) {
	vs, ok := a.venues[s.Venue]
	if !ok {
		return
	}
	vs.ring.Push(s)
	vs.latency.Observe(s.Latency().Seconds())
	vs.degraded = s.Quality == QualityDegraded
}

// MarkDegraded flags a venue the feed layer declared unhealthy so it stops
// contributing weight immediately.
func (a *Aggregator) MarkDegraded(venue string, degraded bool) {
	if vs, ok := a.venues[venue]; ok {
		vs.degraded = degraded
	}
}

// State recomputes the aggregated state as of now. Venues whose latest
// snapshot is stale or degraded contribute zero weight; the rest are weighted
// by inverse latency variance, falling back to uniform weights when latency
// data is not established yet.
func (a *Aggregator) State(now time.Time) AggregatedState {
	st := AggregatedState{
		Instrument:  a.instrument,
		Status:      AggInsufficient,
		TotalVenues: len(a.venues),
		ComputedAt:  now,
	}

	type contrib struct {
		snap   Snapshot
		weight float64
	}
	var (
		contribs  []contrib
		freshest  time.Time
		freshID   string
		weightSum float64
	)

	const latencyEps = 1e-9

	for _, vs := range a.venues {
		snap, ok := vs.ring.Latest()
		if !ok || vs.degraded || snap.Quality == QualityDegraded {
			continue
		}
		if now.Sub(snap.NormalizedTime) > a.cfg.StalenessThreshold {
			// Stale snapshots are excluded from pricing inputs until
			// refreshed.
			continue
		}
		w := -1.0 // no latency history yet
		if v, ok := vs.latency.Variance(); ok {
			w = 1 / (v + latencyEps)
		}
		contribs = append(contribs, contrib{snap: snap, weight: w})
		if snap.NormalizedTime.After(freshest) {
			freshest = snap.NormalizedTime
			freshID = snap.ID
		}
	}

	st.OKVenues = len(contribs)
	st.SingleSource = len(a.venues) == 1
	for _, c := range contribs {
		st.OKVenueNames = append(st.OKVenueNames, c.snap.Venue)
	}
	sort.Strings(st.OKVenueNames)

	quorum := a.cfg.QuorumMin
	if st.SingleSource {
		// Single-venue instruments degrade gracefully: no quorum penalty,
		// downstream presets apply wider floors instead.
		quorum = 1
	}
	if st.OKVenues < quorum {
		return st
	}

	// A venue without established latency history is weighted no higher than
	// the least-trusted established venue, so a late joiner cannot erase the
	// others' weighting. With no history anywhere, weights are uniform.
	fallback := -1.0
	for _, c := range contribs {
		if c.weight >= 0 && (fallback < 0 || c.weight < fallback) {
			fallback = c.weight
		}
	}
	if fallback < 0 {
		fallback = 1
	}
	for i := range contribs {
		if contribs[i].weight < 0 {
			contribs[i].weight = fallback
		}
	}
	for _, c := range contribs {
		weightSum += c.weight
	}

	var mid, imbalance float64
	for _, c := range contribs {
		w := c.weight / weightSum
		mid += w * c.snap.Mid
		imbalance += w * c.snap.Imbalance
	}
	if imbalance > 1 {
		imbalance = 1
	}
	if imbalance < -1 {
		imbalance = -1
	}

	a.vol.Observe(mid, freshest)

	st.Status = AggOK
	st.Mid = mid
	st.Imbalance = imbalance
	st.Variance = a.vol.Value() * mid * mid
	st.SnapshotID = freshID
	return st
}
