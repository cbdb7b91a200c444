package market

import (
	"math"
	"time"
)

// EWMAVariance estimates short-window variance of mid-price log-returns with
// an exponential half-life decay. Per-second normalization keeps the estimate
// comparable across uneven tick spacing.
type EWMAVariance struct {
	halfLife time.Duration

	lastPrice float64
	lastTime  time.Time
	variance  float64
	samples   int
}

// NewEWMAVariance creates an estimator with the given half-life. Half-lives
// on the order of tens of seconds suit quote refresh cadences.
func NewEWMAVariance(halfLife time.Duration) *EWMAVariance {
	if halfLife <= 0 {
		halfLife = 30 * time.Second
	}
	return &EWMAVariance{halfLife: halfLife}
}

// Observe folds a new mid price into the estimate.
func (e *EWMAVariance) Observe(price float64, ts time.Time) {
	if price <= 0 {
		return
	}
	if e.lastPrice <= 0 || !ts.After(e.lastTime) {
		e.lastPrice = price
		e.lastTime = ts
		return
	}

	dt := ts.Sub(e.lastTime).Seconds()
	r := math.Log(price / e.lastPrice)
	// Per-second squared return.
	sq := r * r / dt

	alpha := 1 - math.Exp(-math.Ln2*dt/e.halfLife.Seconds())
	e.variance = (1-alpha)*e.variance + alpha*sq

	e.lastPrice = price
	e.lastTime = ts
	e.samples++
}

// Value returns the current per-second log-return variance estimate.
func (e *EWMAVariance) Value() float64 {
	return e.variance
}

// Ready reports whether at least one return has been observed.
func (e *EWMAVariance) Ready() bool {
	return e.samples >= 1
}

// LatencyVar tracks an exponentially weighted mean and variance of feed
// latencies so the aggregator can weight venues by feed stability.
type LatencyVar struct {
	alpha    float64
	mean     float64
	variance float64
	samples  int
}

// NewLatencyVar creates a tracker with smoothing factor alpha in (0, 1].
func NewLatencyVar(alpha float64) *LatencyVar {
	if alpha <= 0 || alpha > 1 {
		alpha = 0.1
	}
	return &LatencyVar{alpha: alpha}
}

// Observe folds one latency sample (in seconds).
func (l *LatencyVar) Observe(latency float64) {
	if l.samples == 0 {
		l.mean = latency
		l.samples++
		return
	}
	diff := latency - l.mean
	incr := l.alpha * diff
	l.mean += incr
	l.variance = (1 - l.alpha) * (l.variance + diff*incr)
	l.samples++
}

// Variance returns the tracked latency variance; ok is false until enough
// samples exist for the value to mean anything.
func (l *LatencyVar) Variance() (v float64, ok bool) {
	if l.samples < 5 {
		return 0, false
	}
	return l.variance, true
}
