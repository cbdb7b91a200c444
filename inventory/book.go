// Package inventory tracks filled positions per venue and coordinates
// protective hedging against soft/hard limits.
package inventory

import (
	"math"
	"sync"
	"time"

	"github.com/google/uuid"

	"dmm-engine-go/strategy"
)

// Fill is a confirmed execution. Fills are facts, not requests: they are
// always applied, even when they push a position over its hard limit.
type Fill struct {
	ID         string
	Venue      string
	Instrument string
	Qty        float64 // signed: buys positive, sells negative
	Price      float64
	SnapshotID string
	// ClientOrderID names the order this fill consumed, releasing it from
	// outstanding-order tracking.
	ClientOrderID string
	Time          time.Time
}

// Limits are the per-venue inventory thresholds.
type Limits struct {
	Soft float64 `yaml:"soft" validate:"gt=0"`
	Hard float64 `yaml:"hard" validate:"gtefield=Soft"`
}

// Position is the signed quantity held on one venue.
type Position struct {
	Venue      string
	Instrument string
	Qty        float64
	AvgCost    float64
	Soft       float64
	Hard       float64
	UpdatedAt  time.Time
}

// Breach describes one hard-limit crossing. The hedging coordinator acts
// exactly once per breach id.
type Breach struct {
	ID         string
	Venue      string
	Instrument string
	// Qty is the post-fill position that crossed the hard limit.
	Qty float64
	// HedgeQty is the signed order quantity that returns the position to
	// the soft limit.
	HedgeQty float64
	At       time.Time
}

// ApplyResult reports what a fill changed.
type ApplyResult struct {
	Duplicate     bool
	Position      Position
	SoftBreached  bool
	Breach        *Breach // non-nil only on a fresh hard-limit crossing
	RealizedDelta float64
}

// seenCap bounds the fill-id dedup set.
const seenCap = 16384

// Book owns all positions for one instrument. The instrument's pricing actor
// is the single writer; reads from telemetry and the ops API go through the
// mutex.
type Book struct {
	mu         sync.RWMutex
	instrument string
	unit       float64

	positions map[string]*Position
	limits    map[string]Limits

	seen      map[string]struct{}
	seenOrder []string

	// openBreach keeps hedging idempotent: one active breach per venue
	// until the position returns to the soft limit.
	openBreach map[string]string

	realized float64
}

// NewBook creates a book for instrument with the given per-venue limits and
// inventory normalization unit.
func NewBook(instrument string, unit float64, limits map[string]Limits) *Book {
	if unit <= 0 {
		unit = 1
	}
	positions := make(map[string]*Position, len(limits))
	lim := make(map[string]Limits, len(limits))
	for venue, l := range limits {
		positions[venue] = &Position{Venue: venue, Instrument: instrument, Soft: l.Soft, Hard: l.Hard}
		lim[venue] = l
	}
	return &Book{
		instrument: instrument,
		unit:       unit,
		positions:  positions,
		limits:     lim,
		seen:       make(map[string]struct{}, seenCap),
		openBreach: make(map[string]string),
	}
}

// ApplyFill mutates the venue position. Replayed fill ids are ignored so
// duplicate confirmations never double-count inventory.
func (b *Book) ApplyFill(f Fill) ApplyResult {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, dup := b.seen[f.ID]; dup {
		pos := b.positions[f.Venue]
		if pos == nil {
			pos = &Position{Venue: f.Venue, Instrument: b.instrument}
		}
		return ApplyResult{Duplicate: true, Position: *pos}
	}
	b.remember(f.ID)

	pos, ok := b.positions[f.Venue]
	if !ok {
		// A fill from an unconfigured venue is still a fact; track it with
		// zero limits. No breach can be raised for it (there is no soft
		// limit to hedge back to), but any nonzero quantity reads as full
		// utilization so the control plane reacts.
		pos = &Position{Venue: f.Venue, Instrument: b.instrument}
		b.positions[f.Venue] = pos
	}

	realized := realizedDelta(pos.Qty, pos.AvgCost, f.Qty, f.Price)
	b.realized += realized

	newQty := pos.Qty + f.Qty
	if sameSign(pos.Qty, newQty) && math.Abs(newQty) > math.Abs(pos.Qty) {
		// Position grew: blend average cost.
		total := pos.AvgCost*pos.Qty + f.Price*f.Qty
		pos.AvgCost = total / newQty
	} else if !sameSign(pos.Qty, newQty) && newQty != 0 {
		// Flipped through zero: remaining position costs the fill price.
		pos.AvgCost = f.Price
	} else if newQty == 0 {
		pos.AvgCost = 0
	}
	pos.Qty = newQty
	pos.UpdatedAt = f.Time

	res := ApplyResult{Position: *pos, RealizedDelta: realized}

	if pos.Soft > 0 && math.Abs(pos.Qty) > pos.Soft {
		res.SoftBreached = true
	}
	if math.Abs(pos.Qty) <= pos.Soft {
		// Back inside the soft band: the breach episode, if any, is over.
		delete(b.openBreach, f.Venue)
	}
	if pos.Hard > 0 && math.Abs(pos.Qty) > pos.Hard {
		if _, active := b.openBreach[f.Venue]; !active {
			breach := &Breach{
				ID:         uuid.NewString(),
				Venue:      f.Venue,
				Instrument: b.instrument,
				Qty:        pos.Qty,
				HedgeQty:   -signOf(pos.Qty) * (math.Abs(pos.Qty) - pos.Soft),
				At:         f.Time,
			}
			b.openBreach[f.Venue] = breach.ID
			res.Breach = breach
		}
	}
	return res
}

// ReissueBreach re-emits the open breach for a venue whose hedge could not
// be placed when the breach was first observed, with the hedge quantity
// recomputed from the current position. It keeps the original episode id so
// hedging stays exactly-once per episode. Returns nil when no episode is
// open or the position is back inside the soft band.
func (b *Book) ReissueBreach(venue string, now time.Time) *Breach {
	b.mu.Lock()
	defer b.mu.Unlock()
	id, active := b.openBreach[venue]
	if !active {
		return nil
	}
	pos, ok := b.positions[venue]
	if !ok || math.Abs(pos.Qty) <= pos.Soft {
		delete(b.openBreach, venue)
		return nil
	}
	return &Breach{
		ID:         id,
		Venue:      venue,
		Instrument: b.instrument,
		Qty:        pos.Qty,
		HedgeQty:   -signOf(pos.Qty) * (math.Abs(pos.Qty) - pos.Soft),
		At:         now,
	}
}

// ForceSync overwrites a venue position from an authoritative venue query.
// Used after a cancellation timeout leaves local state unknown.
func (b *Book) ForceSync(venue string, qty float64, now time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	pos, ok := b.positions[venue]
	if !ok {
		pos = &Position{Venue: venue, Instrument: b.instrument}
		b.positions[venue] = pos
	}
	pos.Qty = qty
	pos.UpdatedAt = now
	if math.Abs(qty) <= pos.Soft {
		delete(b.openBreach, venue)
	}
}

// View returns the instrument-level aggregate the quoter prices against.
func (b *Book) View() strategy.InventoryView {
	b.mu.RLock()
	defer b.mu.RUnlock()
	var qty, soft, hard float64
	for _, pos := range b.positions {
		qty += pos.Qty
		soft += pos.Soft
		hard += pos.Hard
	}
	return strategy.InventoryView{Qty: qty, SoftLimit: soft, HardLimit: hard, Unit: b.unit}
}

// Utilization returns the worst per-venue |qty|/hard ratio, feeding the
// control plane's inventory-proximity trigger.
func (b *Book) Utilization() float64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	var worst float64
	for _, pos := range b.positions {
		if pos.Hard <= 0 {
			if pos.Qty != 0 {
				return 1
			}
			continue
		}
		if u := math.Abs(pos.Qty) / pos.Hard; u > worst {
			worst = u
		}
	}
	return worst
}

// Positions returns a copy of all venue positions.
func (b *Book) Positions() []Position {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]Position, 0, len(b.positions))
	for _, pos := range b.positions {
		out = append(out, *pos)
	}
	return out
}

// Realized returns the accumulated realized PnL.
func (b *Book) Realized() float64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.realized
}

// remember must be called with the write lock held.
func (b *Book) remember(fillID string) {
	if len(b.seenOrder) >= seenCap {
		oldest := b.seenOrder[0]
		b.seenOrder = b.seenOrder[1:]
		delete(b.seen, oldest)
	}
	b.seen[fillID] = struct{}{}
	b.seenOrder = append(b.seenOrder, fillID)
}

// realizedDelta computes PnL realized by a fill against the average cost of
// the opposing position, if the fill reduces it.
func realizedDelta(posQty, avgCost, fillQty, fillPrice float64) float64 {
	if posQty == 0 || sameSign(posQty, fillQty) {
		return 0
	}
	closed := math.Min(math.Abs(fillQty), math.Abs(posQty))
	return (fillPrice - avgCost) * closed * signOf(posQty)
}

func sameSign(a, b float64) bool {
	return (a >= 0 && b >= 0) || (a <= 0 && b <= 0)
}

func signOf(v float64) float64 {
	if v < 0 {
		return -1
	}
	return 1
}
