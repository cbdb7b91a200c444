// Package order submits quote intents to venues with rate limiting, bounded
// retries and prompt cancellation.
package order

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jpillora/backoff"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"dmm-engine-go/infrastructure/logger"
	"dmm-engine-go/risk"
)

// Request is the order submission envelope. ClientOrderID is unique per
// emitted intent so retries stay idempotent on the venue side.
type Request struct {
	Venue         string
	Instrument    string
	Side          string // bid | ask
	Price         float64
	Size          float64
	ClientOrderID string
	SnapshotID    string
	// Hedge marks risk-reducing orders; cancel-all leaves them working.
	Hedge bool
}

// Gateway is the venue-side collaborator. Adapters own the wire protocol.
type Gateway interface {
	Place(ctx context.Context, req Request) error
	Cancel(ctx context.Context, venue, clientOrderID string) error
	// Position queries the authoritative venue position, used to re-sync
	// after a cancellation timeout leaves local state unknown.
	Position(ctx context.Context, venue, instrument string) (float64, error)
}

// SubmitterConfig bounds the submission behavior.
type SubmitterConfig struct {
	// RatePerSec / Burst bound outbound requests per venue.
	RatePerSec float64 `yaml:"rate_per_sec" default:"25"`
	Burst      int     `yaml:"burst" default:"30"`

	MaxAttempts int           `yaml:"max_attempts" default:"3"`
	BackoffMin  time.Duration `yaml:"backoff_min" default:"50ms"`
	BackoffMax  time.Duration `yaml:"backoff_max" default:"1s"`
}

type openOrder struct {
	req      Request
	placedAt time.Time
}

// Submitter places and cancels orders through the gateway while tracking
// what is outstanding, so a Stress transition can cancel everything.
type Submitter struct {
	cfg SubmitterConfig
	gw  Gateway
	log *logger.Logger

	mu       sync.Mutex
	limiters map[string]*rate.Limiter       // per venue
	open     map[string]openOrder           // clientOrderID -> order
	byInstr  map[string]map[string]struct{} // instrument -> clientOrderIDs
}

// NewSubmitter builds a submitter over the gateway.
func NewSubmitter(cfg SubmitterConfig, gw Gateway, log *logger.Logger) *Submitter {
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 25
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 30
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.BackoffMin <= 0 {
		cfg.BackoffMin = 50 * time.Millisecond
	}
	if cfg.BackoffMax < cfg.BackoffMin {
		cfg.BackoffMax = 1 * time.Second
	}
	return &Submitter{
		cfg:      cfg,
		gw:       gw,
		log:      log,
		limiters: make(map[string]*rate.Limiter),
		open:     make(map[string]openOrder),
		byInstr:  make(map[string]map[string]struct{}),
	}
}

// NewClientOrderID mints a unique id for one intent.
func NewClientOrderID() string {
	return uuid.NewString()
}

// Submit places the request, retrying rejections with bounded backoff. The
// ClientOrderID is assigned here if the caller left it empty.
func (s *Submitter) Submit(ctx context.Context, req Request) error {
	if req.ClientOrderID == "" {
		req.ClientOrderID = NewClientOrderID()
	}

	if err := s.limiter(req.Venue).Wait(ctx); err != nil {
		return err
	}

	bo := &backoff.Backoff{
		Min:    s.cfg.BackoffMin,
		Max:    s.cfg.BackoffMax,
		Factor: 2,
	}
	var lastErr error
	for attempt := 1; attempt <= s.cfg.MaxAttempts; attempt++ {
		lastErr = s.gw.Place(ctx, req)
		if lastErr == nil {
			s.track(req)
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if attempt == s.cfg.MaxAttempts {
			break
		}
		select {
		case <-time.After(bo.Duration()):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return fmt.Errorf("%w: %s %s after %d attempts: %v",
		risk.ErrSubmissionRejected, req.Venue, req.Instrument, s.cfg.MaxAttempts, lastErr)
}

// SubmitOnce places without the retry loop, for callers that own their own
// retry policy (the hedging coordinator does).
func (s *Submitter) SubmitOnce(ctx context.Context, req Request) error {
	if req.ClientOrderID == "" {
		req.ClientOrderID = NewClientOrderID()
	}
	if err := s.limiter(req.Venue).Wait(ctx); err != nil {
		return err
	}
	if err := s.gw.Place(ctx, req); err != nil {
		return err
	}
	s.track(req)
	return nil
}

// MarkDone drops an order from tracking once it fills or is confirmed
// canceled by the venue.
func (s *Submitter) MarkDone(clientOrderID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if o, ok := s.open[clientOrderID]; ok {
		delete(s.open, clientOrderID)
		if set, ok := s.byInstr[o.req.Instrument]; ok {
			delete(set, clientOrderID)
		}
	}
}

// Cancel cancels one tracked order and releases it. Unknown ids are a no-op:
// the order already filled, was canceled, or was never tracked.
func (s *Submitter) Cancel(ctx context.Context, clientOrderID string) error {
	s.mu.Lock()
	o, ok := s.open[clientOrderID]
	s.mu.Unlock()
	if !ok {
		return nil
	}
	if err := s.gw.Cancel(ctx, o.req.Venue, clientOrderID); err != nil {
		return err
	}
	s.MarkDone(clientOrderID)
	return nil
}

// OpenCount returns the number of outstanding orders for an instrument.
func (s *Submitter) OpenCount(instrument string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.byInstr[instrument])
}

// CancelAll cancels every outstanding non-hedge order for the instrument
// within the timeout. A timed-out cancellation is unknown state: the caller must
// re-sync inventory from the venue before quoting resumes.
func (s *Submitter) CancelAll(ctx context.Context, instrument string, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	s.mu.Lock()
	ids := make([]string, 0, len(s.byInstr[instrument]))
	for id := range s.byInstr[instrument] {
		if o, ok := s.open[id]; ok && o.req.Hedge {
			// Hedges reduce risk; they keep working through a cancel-all.
			continue
		}
		ids = append(ids, id)
	}
	s.mu.Unlock()

	for _, id := range ids {
		s.mu.Lock()
		o, ok := s.open[id]
		s.mu.Unlock()
		if !ok {
			continue
		}
		if err := s.gw.Cancel(ctx, o.req.Venue, id); err != nil {
			if ctx.Err() != nil {
				s.log.Error("cancel-all timed out",
					zap.String("instrument", instrument),
					zap.Int("remaining", s.OpenCount(instrument)),
				)
				return fmt.Errorf("%w: %s", risk.ErrCancelTimeout, instrument)
			}
			s.log.Warn("cancel rejected",
				zap.String("client_order_id", id),
				zap.Error(err),
			)
			continue
		}
		s.MarkDone(id)
	}
	return nil
}

// Resync queries the authoritative venue position.
func (s *Submitter) Resync(ctx context.Context, venue, instrument string) (float64, error) {
	return s.gw.Position(ctx, venue, instrument)
}

func (s *Submitter) limiter(venue string) *rate.Limiter {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.limiters[venue]
	if !ok {
		l = rate.NewLimiter(rate.Limit(s.cfg.RatePerSec), s.cfg.Burst)
		s.limiters[venue] = l
	}
	return l
}

func (s *Submitter) track(req Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.open[req.ClientOrderID] = openOrder{req: req, placedAt: time.Now()}
	set, ok := s.byInstr[req.Instrument]
	if !ok {
		set = make(map[string]struct{})
		s.byInstr[req.Instrument] = set
	}
	set[req.ClientOrderID] = struct{}{}
}
