// Package feed ingests raw venue messages and emits quality-scored market
// snapshots at a bounded rate.
package feed

import (
	"encoding/json"
	"time"
)

// MessageType discriminates the venue message payload.
type MessageType string

const (
	MessageTick  MessageType = "tick"
	MessageDepth MessageType = "depth"
	MessageTrade MessageType = "trade"
)

// Envelope is the venue-agnostic wire envelope. Any adapter that can produce
// this shape can drive the engine; the wire format behind it is its concern.
type Envelope struct {
	Venue      string          `json:"venue"`
	Symbol     string          `json:"instrument"`
	Type       MessageType     `json:"type"`
	Payload    json.RawMessage `json:"payload"`
	SourceTime time.Time       `json:"source_timestamp"`

	// ReceivedAt is stamped by the adapter on arrival.
	ReceivedAt time.Time `json:"-"`
}

// TickPayload carries top-of-book prices.
type TickPayload struct {
	Bid float64 `json:"bid"`
	Ask float64 `json:"ask"`
}

// DepthPayload carries aggregated book levels, best level first.
type DepthPayload struct {
	Bids []Level `json:"bids"`
	Asks []Level `json:"asks"`
}

// Level is one price level.
type Level struct {
	Price float64 `json:"price"`
	Qty   float64 `json:"qty"`
}

// TradePayload carries one print.
type TradePayload struct {
	Price float64 `json:"price"`
	Qty   float64 `json:"qty"`
	Side  string  `json:"side"` // buy | sell (aggressor)
}

// Imbalance computes the depth-weighted order-book imbalance in [-1, 1].
// Positive values mean bid-heavy books.
func (d DepthPayload) Imbalance() float64 {
	var bidQty, askQty float64
	for _, l := range d.Bids {
		bidQty += l.Qty
	}
	for _, l := range d.Asks {
		askQty += l.Qty
	}
	total := bidQty + askQty
	if total <= 0 {
		return 0
	}
	return (bidQty - askQty) / total
}
