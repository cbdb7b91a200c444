package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"time"

	"dmm-engine-go/feed"
	"dmm-engine-go/infrastructure/logger"
	"dmm-engine-go/internal/engine"
	"dmm-engine-go/inventory"
	"dmm-engine-go/market"
	"dmm-engine-go/order"
	"dmm-engine-go/risk"
	"dmm-engine-go/telemetry"
)

// A local end-to-end simulation: random-walk ticks from synthetic venues
// drive the full normalize -> aggregate -> quote -> submit pipeline against
// an in-memory gateway. No real exchange is touched.
func main() {
	instrument := flag.String("instrument", "BTC-USD", "canonical instrument")
	venues := flag.String("venues", "alpha,beta", "comma-separated synthetic venues")
	duration := flag.Duration("duration", 10*time.Second, "simulation length")
	tickInterval := flag.Duration("tickInterval", 50*time.Millisecond, "per-venue tick cadence")
	base := flag.Float64("base", 30000, "starting mid price")
	vol := flag.Float64("vol", 5, "per-tick gaussian step size")
	fillProb := flag.Float64("fillProb", 0.2, "probability a placed quote fills")
	soft := flag.Float64("soft", 5, "soft inventory limit")
	hard := flag.Float64("hard", 10, "hard inventory limit")
	flag.Parse()

	log := logger.Nop()
	metrics := telemetry.NewMetrics(telemetry.MetricsConfig{})
	recorder := telemetry.NewRecorder(1024, log, metrics, telemetry.NopTreasury{})

	book := risk.DefaultPresetBook()
	control := risk.NewControlPlane(risk.ControlConfig{
		VolDefensive:        1e9, // never trip on volatility in the sim
		InventoryMarginFrac: 0.9,
		QuorumMin:           2,
		RecoveryHold:        time.Second,
		RampWindow:          2 * time.Second,
		CancelTimeout:       time.Second,
		MaxHedgeFailures:    3,
		AutoRecover:         true,
	}, book, nil)

	venueList := strings.Split(*venues, ",")
	fills := make(chan inventory.Fill, 256)
	gw := &simGateway{fillProb: *fillProb, fills: fills}
	submitter := order.NewSubmitter(order.SubmitterConfig{RatePerSec: 1000, Burst: 1000}, gw, log)

	snapshots := make(chan market.Snapshot, 1024)
	symbols := make(feed.SymbolMap)
	for _, v := range venueList {
		symbols[v] = map[string]string{*instrument: *instrument}
	}
	normalizer := feed.NewNormalizer(feed.Config{}, symbols, metrics, snapshots)

	limits := make(map[string]inventory.Limits, len(venueList))
	for _, v := range venueList {
		limits[v] = inventory.Limits{Soft: *soft, Hard: *hard}
	}
	eng, err := engine.New(engine.Config{EvalInterval: 50 * time.Millisecond},
		[]engine.InstrumentSpec{{Name: *instrument, Unit: 1, Limits: limits}},
		engine.Deps{
			Control:   control,
			Submitter: submitter,
			Recorder:  recorder,
			Metrics:   metrics,
			Logger:    log,
			Flusher:   normalizer,
			Snapshots: snapshots,
			Fills:     fills,
		})
	if err != nil {
		panic(err)
	}
	control.SetOnTransition(eng.OnControlTransition)

	ctx, cancel := context.WithTimeout(context.Background(), *duration)
	defer cancel()

	go recorder.Run(ctx)

	var wg sync.WaitGroup
	for i, v := range venueList {
		wg.Add(1)
		go func(venue string, seed int64) {
			defer wg.Done()
			driveVenue(ctx, normalizer, venue, *instrument, *base, *vol, *tickInterval, seed)
		}(v, int64(i+1))
	}

	_ = eng.Run(ctx)
	wg.Wait()

	placed, filled := gw.counts()
	fmt.Printf("simulated %s across %d venues for %s\n", *instrument, len(venueList), *duration)
	fmt.Printf("orders placed: %d, filled: %d\n", placed, filled)
	fmt.Printf("final control state: %s\n", control.State())
}

// driveVenue emits a gaussian random walk as tick envelopes.
func driveVenue(ctx context.Context, n *feed.Normalizer, venue, instrument string, base, vol float64, interval time.Duration, seed int64) {
	rng := rand.New(rand.NewSource(seed))
	mid := base
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			mid += rng.NormFloat64() * vol
			half := mid * 0.0002
			payload, _ := json.Marshal(feed.TickPayload{Bid: mid - half, Ask: mid + half})
			now := time.Now()
			_ = n.Ingest(ctx, feed.Envelope{
				Venue:      venue,
				Symbol:     instrument,
				Type:       feed.MessageTick,
				Payload:    payload,
				SourceTime: now,
				ReceivedAt: now,
			})
		}
	}
}

// simGateway accepts every order and fills a random fraction of them back
// through the fills channel.
type simGateway struct {
	mu       sync.Mutex
	placed   int
	filled   int
	fillProb float64
	fills    chan<- inventory.Fill
}

func (g *simGateway) Place(_ context.Context, req order.Request) error {
	g.mu.Lock()
	g.placed++
	fill := rand.Float64() < g.fillProb
	if fill {
		g.filled++
	}
	g.mu.Unlock()

	if !fill {
		return nil
	}
	qty := req.Size
	if req.Side == "ask" {
		qty = -qty
	}
	select {
	case g.fills <- inventory.Fill{
		ID:            "sim-" + req.ClientOrderID,
		Venue:         req.Venue,
		Instrument:    req.Instrument,
		Qty:           qty,
		Price:         req.Price,
		SnapshotID:    req.SnapshotID,
		ClientOrderID: req.ClientOrderID,
		Time:          time.Now(),
	}:
	default:
	}
	return nil
}

func (g *simGateway) Cancel(context.Context, string, string) error { return nil }

func (g *simGateway) Position(context.Context, string, string) (float64, error) { return 0, nil }

func (g *simGateway) counts() (placed, filled int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.placed, g.filled
}
