// Package telemetry records fills, hedges and control transitions, and
// publishes engine health metrics. It is a side effect only: it never blocks
// the trading hot path.
package telemetry

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics collects the engine's Prometheus metrics on a private registry.
type Metrics struct {
	registry *prometheus.Registry

	// feed
	messagesRejected *prometheus.CounterVec
	snapshotsEmitted *prometheus.CounterVec
	feedLatency      *prometheus.HistogramVec

	// quoting
	quotesGenerated *prometheus.CounterVec
	quoteStaleness  prometheus.Histogram
	halfSpread      *prometheus.GaugeVec

	// inventory
	inventoryNet  *prometheus.GaugeVec
	inventoryUtil *prometheus.GaugeVec
	realizedPnL   *prometheus.GaugeVec

	// fills & hedges
	fillsRecorded prometheus.Counter
	hedgeAttempts prometheus.Counter
	hedgeFailures prometheus.Counter

	// control plane
	controlState       prometheus.Gauge
	controlTransitions *prometheus.CounterVec

	// engine
	cycleDuration prometheus.Histogram
	recorderDrops prometheus.Counter
}

// MetricsConfig names the metric namespace.
type MetricsConfig struct {
	Namespace string `yaml:"namespace" default:"dmm"`
	Subsystem string `yaml:"subsystem" default:"engine"`
}

// NewMetrics builds the metric set on a fresh registry.
func NewMetrics(cfg MetricsConfig) *Metrics {
	if cfg.Namespace == "" {
		cfg.Namespace = "dmm"
	}
	if cfg.Subsystem == "" {
		cfg.Subsystem = "engine"
	}
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	opts := func(name, help string) prometheus.Opts {
		return prometheus.Opts{Namespace: cfg.Namespace, Subsystem: cfg.Subsystem, Name: name, Help: help}
	}

	m := &Metrics{
		registry: reg,

		messagesRejected: factory.NewCounterVec(prometheus.CounterOpts(
			opts("feed_rejected_total", "Malformed or discarded feed messages")),
			[]string{"venue", "reason"}),
		snapshotsEmitted: factory.NewCounterVec(prometheus.CounterOpts(
			opts("feed_snapshots_total", "Normalized snapshots emitted")),
			[]string{"venue", "instrument"}),
		feedLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: cfg.Namespace, Subsystem: cfg.Subsystem,
			Name:    "feed_latency_seconds",
			Help:    "Source-to-local feed latency",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.0},
		}, []string{"venue"}),

		quotesGenerated: factory.NewCounterVec(prometheus.CounterOpts(
			opts("quotes_generated_total", "Quote intents emitted")),
			[]string{"instrument", "side"}),
		quoteStaleness: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: cfg.Namespace, Subsystem: cfg.Subsystem,
			Name:    "quote_staleness_seconds",
			Help:    "Age of the snapshot behind each emitted quote",
			Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1.0, 1.5, 3.0},
		}),
		halfSpread: factory.NewGaugeVec(prometheus.GaugeOpts(
			opts("half_spread", "Current half-spread in price terms")),
			[]string{"instrument"}),

		inventoryNet: factory.NewGaugeVec(prometheus.GaugeOpts(
			opts("inventory_net", "Aggregate signed position")),
			[]string{"instrument"}),
		inventoryUtil: factory.NewGaugeVec(prometheus.GaugeOpts(
			opts("inventory_utilization", "Worst venue |position|/hard limit")),
			[]string{"instrument"}),
		realizedPnL: factory.NewGaugeVec(prometheus.GaugeOpts(
			opts("realized_pnl", "Accumulated realized PnL")),
			[]string{"instrument"}),

		fillsRecorded: factory.NewCounter(prometheus.CounterOpts(
			opts("fills_recorded_total", "Fills recorded"))),
		hedgeAttempts: factory.NewCounter(prometheus.CounterOpts(
			opts("hedge_attempts_total", "Hedge orders attempted"))),
		hedgeFailures: factory.NewCounter(prometheus.CounterOpts(
			opts("hedge_failures_total", "Hedge attempt rejections"))),

		controlState: factory.NewGauge(prometheus.GaugeOpts(
			opts("control_state", "Control plane state (0=expansion 1=defensive 2=recovery 3=stress)"))),
		controlTransitions: factory.NewCounterVec(prometheus.CounterOpts(
			opts("control_transitions_total", "Control plane transitions")),
			[]string{"from", "to"}),

		cycleDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: cfg.Namespace, Subsystem: cfg.Subsystem,
			Name:    "cycle_duration_seconds",
			Help:    "Per-instrument pricing cycle duration",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1},
		}),
		recorderDrops: factory.NewCounter(prometheus.CounterOpts(
			opts("recorder_dropped_total", "Telemetry events dropped under overflow"))),
	}
	return m
}

// Handler serves the registry for scraping.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Serve exposes /metrics on addr in the background.
func (m *Metrics) Serve(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	go func() {
		_ = http.ListenAndServe(addr, mux)
	}()
}

// IncRejected implements feed.Stats.
func (m *Metrics) IncRejected(venue, reason string) {
	m.messagesRejected.WithLabelValues(venue, reason).Inc()
}

// ObserveFeedLatency implements feed.Stats.
func (m *Metrics) ObserveFeedLatency(venue string, seconds float64) {
	m.feedLatency.WithLabelValues(venue).Observe(seconds)
}

// IncSnapshots implements feed.Stats.
func (m *Metrics) IncSnapshots(venue, instrument string) {
	m.snapshotsEmitted.WithLabelValues(venue, instrument).Inc()
}

// IncQuote counts one emitted intent and its snapshot age.
func (m *Metrics) IncQuote(instrument, side string, stalenessSec float64) {
	m.quotesGenerated.WithLabelValues(instrument, side).Inc()
	m.quoteStaleness.Observe(stalenessSec)
}

// SetHalfSpread publishes the current half-spread.
func (m *Metrics) SetHalfSpread(instrument string, v float64) {
	m.halfSpread.WithLabelValues(instrument).Set(v)
}

// SetInventory publishes position gauges.
func (m *Metrics) SetInventory(instrument string, net, util, realized float64) {
	m.inventoryNet.WithLabelValues(instrument).Set(net)
	m.inventoryUtil.WithLabelValues(instrument).Set(util)
	m.realizedPnL.WithLabelValues(instrument).Set(realized)
}

// IncFill counts one recorded fill.
func (m *Metrics) IncFill() { m.fillsRecorded.Inc() }

// IncHedgeAttempt / IncHedgeFailure count hedging activity.
func (m *Metrics) IncHedgeAttempt() { m.hedgeAttempts.Inc() }
func (m *Metrics) IncHedgeFailure() { m.hedgeFailures.Inc() }

// SetControlState publishes the control state and counts the transition.
func (m *Metrics) SetControlState(state float64, from, to string) {
	m.controlState.Set(state)
	if from != "" && to != "" {
		m.controlTransitions.WithLabelValues(from, to).Inc()
	}
}

// ObserveCycle records one pricing cycle duration.
func (m *Metrics) ObserveCycle(seconds float64) {
	m.cycleDuration.Observe(seconds)
}

// IncRecorderDrop counts an overflow drop in the recorder.
func (m *Metrics) IncRecorderDrop() { m.recorderDrops.Inc() }
