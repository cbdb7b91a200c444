package engine

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"dmm-engine-go/infrastructure/logger"
	"dmm-engine-go/inventory"
	"dmm-engine-go/market"
	"dmm-engine-go/order"
	"dmm-engine-go/risk"
	"dmm-engine-go/strategy"
	"dmm-engine-go/telemetry"
)

// actor runs one instrument's pricing cycle. It is the single writer for
// that instrument's aggregated state and inventory: snapshots, fills and the
// refresh tick are all handled on one goroutine, so inventory mutation and
// quote computation never interleave inconsistently. Different instruments
// run fully in parallel.
type actor struct {
	instrument string
	venues     []string

	agg    *market.Aggregator
	book   *inventory.Book
	hedger *inventory.Hedger

	control   *risk.ControlPlane
	submitter *order.Submitter
	recorder  *telemetry.Recorder
	metrics   *telemetry.Metrics
	log       *logger.Logger

	snapCh chan market.Snapshot
	fillCh chan inventory.Fill

	reportHealth func(instrument string, h actorHealth)

	// parked holds venues whose breach landed while hedging was blocked;
	// cycle retries them once hedging is allowed again. Touched only on the
	// actor goroutine.
	parked map[string]struct{}

	// liveQuotes is the previous cycle's quote generation, canceled before
	// the next one goes up. Submit goroutines overlap, hence the mutex.
	quotesMu   sync.Mutex
	liveQuotes []string

	everOK bool
}

type actorHealth struct {
	variance    float64
	util        float64
	okVenues    int
	totalVenues int
	everOK      bool
}

func (a *actor) run(ctx context.Context) {
	refresh := a.control.ActivePreset(time.Now()).RefreshInterval
	ticker := time.NewTicker(refresh)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case snap := <-a.snapCh:
			a.agg.Observe(snap)
		case fill := <-a.fillCh:
			a.applyFill(ctx, fill)
		case <-ticker.C:
			a.cycle(ctx, time.Now())
			// The preset's refresh cadence can change on control
			// transitions (Defensive quotes less often).
			if next := a.control.ActivePreset(time.Now()).RefreshInterval; next != refresh && next > 0 {
				refresh = next
				ticker.Reset(refresh)
			}
		}
	}
}

// cycle runs one pricing pass: recompute aggregated state, report health,
// and emit quote intents if the control plane allows it.
func (a *actor) cycle(ctx context.Context, now time.Time) {
	started := time.Now()
	defer func() {
		a.metrics.ObserveCycle(time.Since(started).Seconds())
	}()

	state := a.agg.State(now)
	if state.Status == market.AggOK {
		a.everOK = true
	}

	util := a.book.Utilization()
	a.reportHealth(a.instrument, actorHealth{
		variance:    state.Variance,
		util:        util,
		okVenues:    state.OKVenues,
		totalVenues: state.TotalVenues,
		everOK:      a.everOK,
	})

	view := a.book.View()
	a.metrics.SetInventory(a.instrument, view.Qty, util, a.book.Realized())

	// Breaches that landed while hedging was blocked are owed a hedge.
	if len(a.parked) > 0 && a.control.AllowHedging() {
		a.retryParkedHedges(ctx, now)
	}

	// Control state is read once per cycle so gating stays consistent
	// within it.
	if !a.control.AllowQuoting() {
		return
	}
	if state.Status != market.AggOK {
		// Quorum not met: no new quotes for this instrument until venues
		// come back.
		return
	}

	preset := a.control.ActivePreset(now)
	quotes, err := strategy.Compute(state, view, preset)
	if err != nil {
		if !errors.Is(err, risk.ErrQuorumInsufficient) {
			a.log.Warn("quote computation failed",
				zap.String("instrument", a.instrument),
				zap.Error(err),
			)
		}
		return
	}

	a.metrics.SetHalfSpread(a.instrument, strategy.HalfSpread(state.Mid, state.Variance, state.SingleSource, preset))

	staleness := now.Sub(state.ComputedAt).Seconds()
	intents := make([]strategy.Intent, 0, len(quotes)*len(state.OKVenueNames))
	for _, q := range quotes {
		for _, venue := range state.OKVenueNames {
			intents = append(intents, strategy.Intent{
				ID:          order.NewClientOrderID(),
				Venue:       venue,
				Instrument:  a.instrument,
				Side:        q.Side,
				Price:       q.Price,
				Size:        q.Size,
				SnapshotID:  state.SnapshotID,
				GeneratedAt: now,
			})
			a.metrics.IncQuote(a.instrument, string(q.Side), staleness)
		}
	}

	// Submission retries can take a while; they must not stall the pricing
	// loop. Fills come back through fillCh, so serialization holds.
	go a.submit(ctx, intents)
}

func (a *actor) submit(ctx context.Context, intents []strategy.Intent) {
	// Cancel-replace: the previous generation comes down before the new one
	// goes up, so stale quotes never accumulate at the venue. Ids that
	// already filled are no-ops here.
	for _, id := range a.takeLiveQuotes() {
		if err := a.submitter.Cancel(ctx, id); err != nil {
			a.log.Warn("stale quote cancel failed",
				zap.String("instrument", a.instrument),
				zap.String("client_order_id", id),
				zap.Error(err),
			)
		}
	}

	for _, it := range intents {
		if !a.control.AllowQuoting() {
			return
		}
		err := a.submitter.Submit(ctx, order.Request{
			Venue:         it.Venue,
			Instrument:    it.Instrument,
			Side:          string(it.Side),
			Price:         it.Price,
			Size:          it.Size,
			ClientOrderID: it.ID,
			SnapshotID:    it.SnapshotID,
		})
		if err != nil {
			if errors.Is(err, risk.ErrSubmissionRejected) {
				a.control.ReportSubmissionFailure(time.Now())
			}
			a.log.Warn("quote submission failed",
				zap.String("instrument", it.Instrument),
				zap.String("venue", it.Venue),
				zap.Error(err),
			)
			continue
		}
		if !a.control.AllowQuoting() {
			// Stress tripped while this order was in flight: it missed the
			// cancel-all sweep, so it comes down here.
			_ = a.submitter.Cancel(ctx, it.ID)
			continue
		}
		a.addLiveQuote(it.ID)
		a.log.LogQuote(it.Instrument, it.Venue, string(it.Side), it.Price, it.Size, it.SnapshotID)
	}
}

func (a *actor) takeLiveQuotes() []string {
	a.quotesMu.Lock()
	defer a.quotesMu.Unlock()
	ids := a.liveQuotes
	a.liveQuotes = nil
	return ids
}

func (a *actor) addLiveQuote(id string) {
	a.quotesMu.Lock()
	a.liveQuotes = append(a.liveQuotes, id)
	a.quotesMu.Unlock()
}

// retryParkedHedges re-issues breaches whose hedge could not be placed when
// they were observed (hedging blocked by an operator pause). Episodes that
// closed in the meantime are dropped.
func (a *actor) retryParkedHedges(ctx context.Context, now time.Time) {
	for venue := range a.parked {
		br := a.book.ReissueBreach(venue, now)
		if br == nil {
			delete(a.parked, venue)
			continue
		}
		a.recorder.Record(telemetry.Event{
			Kind:         telemetry.EventHedge,
			Instrument:   br.Instrument,
			Venue:        br.Venue,
			ControlState: a.control.State().String(),
			Preset:       string(a.control.ActivePreset(now).Name),
			At:           now,
			Qty:          br.HedgeQty,
		})
		// Exhausted attempts escalate through the hedger's failure callback,
		// same as a hedge issued at fill time.
		if err := a.hedger.HandleBreach(ctx, *br); err != nil {
			a.metrics.IncHedgeFailure()
		}
		delete(a.parked, venue)
	}
}

// applyFill mutates inventory and, when a hard limit is crossed, hedges
// under the same serialization that observed the breach.
func (a *actor) applyFill(ctx context.Context, f inventory.Fill) {
	res := a.book.ApplyFill(f)
	if res.Duplicate {
		return
	}
	if f.ClientOrderID != "" {
		// The fill consumed the order; release it from tracking.
		a.submitter.MarkDone(f.ClientOrderID)
	}

	now := f.Time
	if now.IsZero() {
		now = time.Now()
	}
	controlState := a.control.State().String()
	preset := string(a.control.ActivePreset(now).Name)

	a.recorder.Record(telemetry.Event{
		Kind:          telemetry.EventFill,
		Instrument:    f.Instrument,
		Venue:         f.Venue,
		SnapshotID:    f.SnapshotID,
		ControlState:  controlState,
		Preset:        preset,
		At:            now,
		FillID:        f.ID,
		Qty:           f.Qty,
		Price:         f.Price,
		RealizedDelta: res.RealizedDelta,
		Inventory:     a.inventorySnapshot(),
	})
	a.log.LogFill(f.ID, f.Instrument, f.Venue, f.Qty, f.Price)
	a.metrics.SetInventory(a.instrument, a.book.View().Qty, a.book.Utilization(), a.book.Realized())

	if res.Breach == nil {
		return
	}
	if !a.control.AllowHedging() {
		// The hedge is still owed: park the venue and let cycle retry once
		// hedging is allowed again.
		a.parked[f.Venue] = struct{}{}
		a.log.Error("hard limit breached while hedging blocked",
			zap.String("instrument", f.Instrument),
			zap.String("venue", f.Venue),
			zap.Float64("qty", res.Breach.Qty),
		)
		return
	}
	a.recorder.Record(telemetry.Event{
		Kind:         telemetry.EventHedge,
		Instrument:   res.Breach.Instrument,
		Venue:        res.Breach.Venue,
		ControlState: controlState,
		Preset:       preset,
		At:           now,
		Qty:          res.Breach.HedgeQty,
	})
	// Read-modify-act: the hedge runs before the actor processes anything
	// else for this instrument.
	if err := a.hedger.HandleBreach(ctx, *res.Breach); err != nil {
		a.metrics.IncHedgeFailure()
	}
}

func (a *actor) inventorySnapshot() map[string]float64 {
	positions := a.book.Positions()
	snap := make(map[string]float64, len(positions))
	for _, p := range positions {
		snap[p.Venue] = p.Qty
	}
	return snap
}
