package telemetry

import (
	"context"
	"time"

	"go.uber.org/zap"

	"dmm-engine-go/infrastructure/logger"
)

// EventKind discriminates recorder events.
type EventKind string

const (
	EventFill       EventKind = "fill"
	EventHedge      EventKind = "hedge"
	EventTransition EventKind = "transition"
)

// Event carries enough metadata to reconstruct why a quote existed after the
// fact: instrument, venue, snapshot id, control state, preset and timestamp.
type Event struct {
	Kind EventKind

	Instrument   string
	Venue        string
	SnapshotID   string
	ControlState string
	Preset       string
	At           time.Time

	// fill / hedge
	FillID        string
	Qty           float64
	Price         float64
	RealizedDelta float64
	Inventory     map[string]float64 // venue -> qty, post-event

	// transition
	From   string
	To     string
	Reason string
}

// Recorder consumes events on a bounded queue. Recording is fire-and-forget:
// an overflowing queue drops the event and counts the drop, it never blocks
// or rolls back a trading action.
type Recorder struct {
	ch       chan Event
	log      *logger.Logger
	metrics  *Metrics
	treasury TreasurySink
}

// NewRecorder builds a recorder with the given queue depth.
func NewRecorder(depth int, log *logger.Logger, metrics *Metrics, treasury TreasurySink) *Recorder {
	if depth <= 0 {
		depth = 1024
	}
	if treasury == nil {
		treasury = NopTreasury{}
	}
	return &Recorder{
		ch:       make(chan Event, depth),
		log:      log,
		metrics:  metrics,
		treasury: treasury,
	}
}

// Record enqueues an event without blocking.
func (r *Recorder) Record(ev Event) {
	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	select {
	case r.ch <- ev:
	default:
		r.metrics.IncRecorderDrop()
	}
}

// Run drains the queue until ctx is done.
func (r *Recorder) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-r.ch:
			r.handle(ev)
		}
	}
}

func (r *Recorder) handle(ev Event) {
	switch ev.Kind {
	case EventFill:
		r.metrics.IncFill()
		r.log.Info("fill_recorded",
			zap.String("fill_id", ev.FillID),
			zap.String("instrument", ev.Instrument),
			zap.String("venue", ev.Venue),
			zap.String("snapshot_id", ev.SnapshotID),
			zap.String("control_state", ev.ControlState),
			zap.String("preset", ev.Preset),
			zap.Float64("qty", ev.Qty),
			zap.Float64("price", ev.Price),
			zap.Float64("realized_delta", ev.RealizedDelta),
			zap.Time("at", ev.At),
		)
		r.treasury.Publish(PnLEvent{
			Instrument:        ev.Instrument,
			RealizedPnLDelta:  ev.RealizedDelta,
			InventorySnapshot: ev.Inventory,
			At:                ev.At,
		})
	case EventHedge:
		r.metrics.IncHedgeAttempt()
		r.log.Warn("hedge_recorded",
			zap.String("instrument", ev.Instrument),
			zap.String("venue", ev.Venue),
			zap.String("control_state", ev.ControlState),
			zap.String("preset", ev.Preset),
			zap.Float64("qty", ev.Qty),
			zap.Time("at", ev.At),
		)
	case EventTransition:
		r.log.Warn("control_transition_recorded",
			zap.String("from", ev.From),
			zap.String("to", ev.To),
			zap.String("reason", ev.Reason),
			zap.Time("at", ev.At),
		)
	}
}
