// Package engine wires feed, aggregation, quoting, inventory and control
// into per-instrument pricing cycles.
package engine

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"dmm-engine-go/infrastructure/logger"
	"dmm-engine-go/inventory"
	"dmm-engine-go/market"
	"dmm-engine-go/order"
	"dmm-engine-go/risk"
	"dmm-engine-go/telemetry"
)

// InstrumentSpec configures one instrument actor.
type InstrumentSpec struct {
	Name   string
	Unit   float64
	Limits map[string]inventory.Limits // venue -> limits
}

// Config holds the engine-level knobs.
type Config struct {
	// EvalInterval is how often the control plane is re-evaluated and
	// coalesced feed snapshots are flushed. It should be at or below the
	// fastest preset refresh cadence.
	EvalInterval time.Duration
	// SnapshotQueue bounds each actor's snapshot inbox.
	SnapshotQueue int
	// FillQueue bounds each actor's fill inbox.
	FillQueue int
}

// Flusher is the feed-side surface the engine pumps: coalesced snapshot
// flushing and venue health.
type Flusher interface {
	Flush(ctx context.Context) error
	DegradedVenues(now time.Time) []string
}

// Engine owns the instrument actors and the control-plane supervision loop.
type Engine struct {
	cfg Config

	control   *risk.ControlPlane
	submitter *order.Submitter
	recorder  *telemetry.Recorder
	metrics   *telemetry.Metrics
	log       *logger.Logger
	flusher   Flusher

	actors map[string]*actor

	healthMu sync.Mutex
	health   map[string]actorHealth
	warm     bool

	snapshots <-chan market.Snapshot
	fills     <-chan inventory.Fill
}

// Deps bundles the engine's collaborators.
type Deps struct {
	Control   *risk.ControlPlane
	Submitter *order.Submitter
	Recorder  *telemetry.Recorder
	Metrics   *telemetry.Metrics
	Logger    *logger.Logger
	Flusher   Flusher

	HedgerCfg inventory.HedgerConfig
	AggCfg    market.AggregatorConfig

	// Snapshots is the bounded queue fed by the normalizer. Fills carry
	// venue execution confirmations.
	Snapshots <-chan market.Snapshot
	Fills     <-chan inventory.Fill
}

// New builds the engine and one actor per instrument.
func New(cfg Config, specs []InstrumentSpec, deps Deps) (*Engine, error) {
	if cfg.EvalInterval <= 0 {
		cfg.EvalInterval = 100 * time.Millisecond
	}
	if cfg.SnapshotQueue <= 0 {
		cfg.SnapshotQueue = 256
	}
	if cfg.FillQueue <= 0 {
		cfg.FillQueue = 256
	}
	if len(specs) == 0 {
		return nil, errors.New("at least one instrument is required")
	}

	e := &Engine{
		cfg:       cfg,
		control:   deps.Control,
		submitter: deps.Submitter,
		recorder:  deps.Recorder,
		metrics:   deps.Metrics,
		log:       deps.Logger,
		flusher:   deps.Flusher,
		actors:    make(map[string]*actor, len(specs)),
		health:    make(map[string]actorHealth, len(specs)),
		snapshots: deps.Snapshots,
		fills:     deps.Fills,
	}

	for _, spec := range specs {
		venues := make([]string, 0, len(spec.Limits))
		for v := range spec.Limits {
			venues = append(venues, v)
		}
		sort.Strings(venues)

		book := inventory.NewBook(spec.Name, spec.Unit, spec.Limits)
		a := &actor{
			instrument:   spec.Name,
			venues:       venues,
			agg:          market.NewAggregator(spec.Name, venues, deps.AggCfg),
			book:         book,
			control:      deps.Control,
			submitter:    deps.Submitter,
			recorder:     deps.Recorder,
			metrics:      deps.Metrics,
			log:          deps.Logger,
			snapCh:       make(chan market.Snapshot, cfg.SnapshotQueue),
			fillCh:       make(chan inventory.Fill, cfg.FillQueue),
			reportHealth: e.reportHealth,
			parked:       make(map[string]struct{}),
		}
		a.hedger = inventory.NewHedger(deps.HedgerCfg, &hedgeExecutor{submitter: deps.Submitter, metrics: deps.Metrics},
			deps.Logger,
			func(reason string, now time.Time) { deps.Control.ReportHedgeFailure(now) },
			deps.Control.ReportHedgeSuccess,
		)
		e.actors[spec.Name] = a
	}
	return e, nil
}

// OnControlTransition is the callback to hand risk.NewControlPlane: it
// records the transition and, on Stress, cancels all outstanding quotes
// within the cancellation timeout.
func (e *Engine) OnControlTransition(from, to risk.State, reason string) {
	e.metrics.SetControlState(float64(to), from.String(), to.String())
	e.log.LogTransition(from.String(), to.String(), reason)
	e.recorder.Record(telemetry.Event{
		Kind:   telemetry.EventTransition,
		From:   from.String(),
		To:     to.String(),
		Reason: reason,
	})
	if to == risk.StateStress {
		go e.cancelAllQuotes()
	}
}

// cancelAllQuotes cancels outstanding orders for every instrument in
// parallel. A timed-out cancellation is unknown state: inventory is
// re-synced from the venue before quoting can resume.
func (e *Engine) cancelAllQuotes() {
	timeout := e.control.CancelTimeout()
	var wg sync.WaitGroup
	for name, a := range e.actors {
		wg.Add(1)
		go func(name string, a *actor) {
			defer wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), timeout+time.Second)
			defer cancel()
			err := e.submitter.CancelAll(ctx, name, timeout)
			if err == nil {
				return
			}
			if errors.Is(err, risk.ErrCancelTimeout) {
				e.resyncInventory(ctx, a)
				return
			}
			e.log.Error("cancel-all failed", zap.String("instrument", name), zap.Error(err))
		}(name, a)
	}
	wg.Wait()
}

func (e *Engine) resyncInventory(ctx context.Context, a *actor) {
	for _, venue := range a.venues {
		qty, err := e.submitter.Resync(ctx, venue, a.instrument)
		if err != nil {
			e.log.Error("inventory re-sync failed",
				zap.String("instrument", a.instrument),
				zap.String("venue", venue),
				zap.Error(err),
			)
			continue
		}
		a.book.ForceSync(venue, qty, time.Now())
		e.log.Warn("inventory re-synced from venue",
			zap.String("instrument", a.instrument),
			zap.String("venue", venue),
			zap.Float64("qty", qty),
		)
	}
}

// Run starts the actors, the routers and the supervision loop, blocking
// until ctx is done.
func (e *Engine) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	for _, a := range e.actors {
		wg.Add(1)
		go func(a *actor) {
			defer wg.Done()
			a.run(ctx)
		}(a)
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		e.route(ctx)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		e.supervise(ctx)
	}()

	<-ctx.Done()
	wg.Wait()
	return ctx.Err()
}

// route fans snapshots and fills out to instrument actors. Actor inboxes
// are bounded; a stuck actor sheds its own load instead of stalling others.
func (e *Engine) route(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case snap, ok := <-e.snapshots:
			if !ok {
				return
			}
			if a, found := e.actors[snap.Instrument]; found {
				select {
				case a.snapCh <- snap:
				default:
					e.metrics.IncRejected(snap.Venue, "actor_backlog")
				}
			}
		case fill, ok := <-e.fills:
			if !ok {
				return
			}
			a, found := e.actors[fill.Instrument]
			if !found {
				e.log.Error("fill for unknown instrument",
					zap.String("instrument", fill.Instrument),
					zap.String("fill_id", fill.ID),
				)
				continue
			}
			// Fills are facts: block rather than drop.
			select {
			case a.fillCh <- fill:
			case <-ctx.Done():
				return
			}
		}
	}
}

// supervise evaluates the control plane at least once per pricing cycle and
// pumps coalesced feed snapshots.
func (e *Engine) supervise(ctx context.Context) {
	ticker := time.NewTicker(e.cfg.EvalInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			now := time.Now()
			if e.flusher != nil {
				_ = e.flusher.Flush(ctx)
				for _, venue := range e.flusher.DegradedVenues(now) {
					for _, a := range e.actors {
						a.agg.MarkDegraded(venue, true)
					}
				}
			}
			in := e.collectHealth(now)
			e.control.Evaluate(in)
			e.metrics.SetControlState(float64(e.control.State()), "", "")
		}
	}
}

func (e *Engine) reportHealth(instrument string, h actorHealth) {
	e.healthMu.Lock()
	e.health[instrument] = h
	e.healthMu.Unlock()
}

func (e *Engine) collectHealth(now time.Time) risk.HealthInput {
	e.healthMu.Lock()
	defer e.healthMu.Unlock()

	in := risk.HealthInput{Now: now}
	allWarm := len(e.health) > 0
	for _, h := range e.health {
		if h.variance > in.Variance {
			in.Variance = h.variance
		}
		if h.util > in.MaxInventoryUtil {
			in.MaxInventoryUtil = h.util
		}
		if h.okVenues > in.OKVenues {
			in.OKVenues = h.okVenues
		}
		if h.totalVenues > in.TotalVenues {
			in.TotalVenues = h.totalVenues
		}
		if !h.everOK {
			allWarm = false
		}
	}
	if len(e.health) < len(e.actors) {
		allWarm = false
	}
	if allWarm && !e.warm {
		e.warm = true
		e.control.MarkWarm()
	}
	return in
}

// InstrumentStatus is the ops-facing view of one instrument.
type InstrumentStatus struct {
	Instrument  string  `json:"instrument"`
	NetPosition float64 `json:"net_position"`
	Utilization float64 `json:"utilization"`
	RealizedPnL float64 `json:"realized_pnl"`
	OpenOrders  int     `json:"open_orders"`
}

// Status reports control and per-instrument state for the operator API.
func (e *Engine) Status() (risk.State, bool, []InstrumentStatus) {
	statuses := make([]InstrumentStatus, 0, len(e.actors))
	for name, a := range e.actors {
		view := a.book.View()
		statuses = append(statuses, InstrumentStatus{
			Instrument:  name,
			NetPosition: view.Qty,
			Utilization: a.book.Utilization(),
			RealizedPnL: a.book.Realized(),
			OpenOrders:  e.submitter.OpenCount(name),
		})
	}
	sort.Slice(statuses, func(i, j int) bool { return statuses[i].Instrument < statuses[j].Instrument })
	return e.control.State(), e.control.Paused(), statuses
}

// hedgeExecutor adapts the submitter for hedge orders. Hedges bypass the
// quoting cadence: they go out as market-crossing orders sized by the
// breach, tagged with the breach id for venue-side idempotency.
type hedgeExecutor struct {
	submitter *order.Submitter
	metrics   *telemetry.Metrics
}

func (h *hedgeExecutor) ExecuteHedge(ctx context.Context, venue, instrument string, qty float64, breachID string) error {
	h.metrics.IncHedgeAttempt()
	side := "ask"
	if qty > 0 {
		side = "bid"
	}
	size := qty
	if size < 0 {
		size = -size
	}
	return h.submitter.SubmitOnce(ctx, order.Request{
		Venue:         venue,
		Instrument:    instrument,
		Side:          side,
		Size:          size,
		ClientOrderID: "hedge-" + breachID,
		Hedge:         true,
	})
}
