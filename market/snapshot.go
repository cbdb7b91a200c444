// Package market maintains the rolling multi-venue view consumed by pricing.
package market

import "time"

// Quality describes how trustworthy a snapshot is for pricing.
type Quality string

const (
	QualityOK       Quality = "ok"
	QualityStale    Quality = "stale"
	QualityDegraded Quality = "degraded"
)

// Snapshot is the normalized per-(venue, instrument) market view produced by
// the feed layer. A snapshot is superseded by the next one for the same key.
type Snapshot struct {
	ID         string
	Venue      string
	Instrument string

	Mid       float64
	BestBid   float64
	BestAsk   float64
	Imbalance float64 // depth-weighted, in [-1, 1]

	Quality Quality

	// SourceTime is the venue clock; NormalizedTime is the venue clock
	// aligned to the local monotonic reference.
	SourceTime     time.Time
	NormalizedTime time.Time
	// ReceivedAt is the local receive time, used for latency tracking.
	ReceivedAt time.Time
}

// Latency is the feed delay observed for this snapshot.
func (s Snapshot) Latency() time.Duration {
	return s.ReceivedAt.Sub(s.NormalizedTime)
}

// Ring is a bounded ring buffer of snapshots. The engine only needs the most
// recent N per key for volatility estimation; older history is an external
// concern.
type Ring struct {
	buf  []Snapshot
	head int
	size int
}

// NewRing creates a ring holding up to capacity snapshots.
func NewRing(capacity int) *Ring {
	if capacity <= 0 {
		capacity = 1
	}
	return &Ring{buf: make([]Snapshot, capacity)}
}

// Push appends a snapshot, evicting the oldest when full.
func (r *Ring) Push(s Snapshot) {
	r.buf[r.head] = s
	r.head = (r.head + 1) % len(r.buf)
	if r.size < len(r.buf) {
		r.size++
	}
}

// Len returns the number of retained snapshots.
func (r *Ring) Len() int { return r.size }

// Latest returns the most recent snapshot, if any.
func (r *Ring) Latest() (Snapshot, bool) {
	if r.size == 0 {
		return Snapshot{}, false
	}
	idx := (r.head - 1 + len(r.buf)) % len(r.buf)
	return r.buf[idx], true
}

// Each iterates snapshots oldest-first.
func (r *Ring) Each(fn func(Snapshot)) {
	start := (r.head - r.size + len(r.buf)) % len(r.buf)
	for i := 0; i < r.size; i++ {
		fn(r.buf[(start+i)%len(r.buf)])
	}
}
