// Package strategy computes inventory-aware quotes from aggregated market
// state under the active risk preset.
package strategy

import (
	"fmt"
	"math"
	"time"

	"dmm-engine-go/market"
	"dmm-engine-go/risk"
)

// Side is the quote side.
type Side string

const (
	Bid Side = "bid"
	Ask Side = "ask"
)

// Quote is one computed price level. Compute is pure: the same inputs always
// produce identical quotes, so intents are fully reproducible after the fact.
type Quote struct {
	Side  Side
	Price float64
	Size  float64
}

// Intent is a quote bound to a venue, ready for submission. It carries the
// snapshot id it was priced from for fill attribution and staleness audits.
type Intent struct {
	ID          string
	Venue       string
	Instrument  string
	Side        Side
	Price       float64
	Size        float64
	SnapshotID  string
	GeneratedAt time.Time
}

// InventoryView is the instrument-level aggregate the quoter prices against.
type InventoryView struct {
	// Qty is the signed aggregate position across venues, in base units.
	Qty float64
	// SoftLimit / HardLimit are the aggregate inventory thresholds.
	SoftLimit float64
	HardLimit float64
	// Unit scales Qty into the dimensionless q of the reservation model.
	Unit float64
}

// NormalizedQ returns the inventory-normalized signed position.
func (v InventoryView) NormalizedQ() float64 {
	unit := v.Unit
	if unit <= 0 {
		unit = 1
	}
	return v.Qty / unit
}

// Compute prices a bid/ask pair for one instrument.
//
// Reservation price: r = mid - q*gamma*sigma^2*horizon.
// Half-spread:       d = gamma*sigma^2*horizon/2 + (1/gamma)*ln(1+gamma/kappa),
// clipped to [floor, ceiling] (floor widened for single-source instruments).
// A dead market (zero variance) pins the spread to the floor rather than
// letting it collapse.
//
// When |Qty| exceeds the preset's trigger fraction of the soft limit, both
// quotes shift toward the inventory-reducing side; the shift grows linearly
// with proximity and caps at the hard limit.
func Compute(st market.AggregatedState, inv InventoryView, preset risk.Preset) ([]Quote, error) {
	if st.Status != market.AggOK {
		return nil, fmt.Errorf("%w: %s", risk.ErrQuorumInsufficient, st.Instrument)
	}
	if st.Mid <= 0 {
		return nil, fmt.Errorf("%w: non-positive mid for %s", risk.ErrFeedMalformed, st.Instrument)
	}

	q := inv.NormalizedQ()
	variance := st.Variance

	reservation := st.Mid - q*preset.Gamma*variance*preset.Horizon
	half := HalfSpread(st.Mid, variance, st.SingleSource, preset)

	skew := SkewFraction(inv, preset.SkewTriggerFrac)
	shift := -sign(inv.Qty) * skew * half

	bidPrice := reservation - half + shift
	askPrice := reservation + half + shift

	baseSize := preset.MaxOrderSize
	bidSize, askSize := baseSize, baseSize
	// The inventory-increasing side shrinks with proximity to the limit and
	// vanishes at the hard limit.
	if inv.Qty > 0 {
		bidSize = baseSize * (1 - skew)
	} else if inv.Qty < 0 {
		askSize = baseSize * (1 - skew)
	}

	var quotes []Quote
	if bidPrice > 0 && bidSize > 0 {
		quotes = append(quotes, Quote{Side: Bid, Price: bidPrice, Size: bidSize})
	}
	if askPrice > 0 && askSize > 0 {
		quotes = append(quotes, Quote{Side: Ask, Price: askPrice, Size: askSize})
	}
	return quotes, nil
}

// SkewFraction returns the inventory skew in [0, 1]: zero until |Qty| passes
// triggerFrac of the soft limit, then linear up to 1 at the hard limit. It is
// monotonic in |Qty|.
func SkewFraction(inv InventoryView, triggerFrac float64) float64 {
	absQty := math.Abs(inv.Qty)
	trigger := triggerFrac * inv.SoftLimit
	if inv.HardLimit <= trigger || absQty <= trigger {
		return 0
	}
	p := (absQty - trigger) / (inv.HardLimit - trigger)
	if p > 1 {
		p = 1
	}
	return p
}

// HalfSpread exposes the clipped half-spread used by Compute; tests and the
// telemetry layer use it directly.
func HalfSpread(mid, variance float64, singleSource bool, preset risk.Preset) float64 {
	floor := preset.SpreadFloor * mid
	if singleSource {
		floor *= preset.SingleSourceFloorMult
	}
	ceiling := preset.SpreadCeiling * mid
	if ceiling < floor {
		ceiling = floor
	}
	if variance == 0 {
		return floor
	}
	half := preset.Gamma*variance*preset.Horizon/2 + math.Log(1+preset.Gamma/preset.Kappa)/preset.Gamma
	if half < floor {
		return floor
	}
	if half > ceiling {
		return ceiling
	}
	return half
}

func sign(v float64) float64 {
	switch {
	case v > 0:
		return 1
	case v < 0:
		return -1
	default:
		return 0
	}
}
