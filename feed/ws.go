package feed

import (
	"context"
	"encoding/json"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jpillora/backoff"
	"go.uber.org/zap"

	"dmm-engine-go/infrastructure/logger"
)

// WSAdapter reads envelope-framed JSON from one venue websocket and feeds the
// normalizer. One adapter per venue connection; reconnects with backoff.
type WSAdapter struct {
	Venue    string
	URL      string
	Dialer   *websocket.Dialer
	ReadWait time.Duration

	normalizer *Normalizer
	stats      Stats
	log        *logger.Logger
}

// NewWSAdapter builds an adapter for one venue endpoint.
func NewWSAdapter(venue, url string, n *Normalizer, stats Stats, log *logger.Logger) *WSAdapter {
	if stats == nil {
		stats = NopStats{}
	}
	return &WSAdapter{
		Venue:      venue,
		URL:        url,
		Dialer:     websocket.DefaultDialer,
		ReadWait:   30 * time.Second,
		normalizer: n,
		stats:      stats,
		log:        log,
	}
}

// Run connects and pumps messages until ctx is done, reconnecting with
// exponential backoff on failures.
func (a *WSAdapter) Run(ctx context.Context) error {
	b := &backoff.Backoff{
		Min:    250 * time.Millisecond,
		Max:    15 * time.Second,
		Factor: 2,
		Jitter: true,
	}
	a.normalizer.TrackVenue(a.Venue, time.Now())

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := a.pump(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			wait := b.Duration()
			a.log.Warn("venue ws disconnected",
				zap.String("venue", a.Venue),
				zap.Error(err),
				zap.Duration("retry_in", wait),
			)
			select {
			case <-time.After(wait):
			case <-ctx.Done():
				return ctx.Err()
			}
			continue
		}
		b.Reset()
	}
}

func (a *WSAdapter) pump(ctx context.Context) error {
	conn, _, err := a.Dialer.DialContext(ctx, a.URL, nil)
	if err != nil {
		return err
	}
	defer conn.Close()

	// The closer watches a per-connection context so it exits with this pump
	// instead of accumulating across reconnects.
	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		<-connCtx.Done()
		_ = conn.Close()
	}()

	for {
		_ = conn.SetReadDeadline(time.Now().Add(a.ReadWait))
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		var env Envelope
		if err := json.Unmarshal(raw, &env); err != nil {
			a.stats.IncRejected(a.Venue, "malformed")
			continue
		}
		if env.Venue == "" {
			env.Venue = a.Venue
		}
		env.ReceivedAt = time.Now()
		if err := a.normalizer.Ingest(ctx, env); err != nil {
			return err
		}
	}
}
