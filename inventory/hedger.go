package inventory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jpillora/backoff"
	"go.uber.org/zap"

	"dmm-engine-go/infrastructure/logger"
	"dmm-engine-go/risk"
)

// HedgeExecutor submits a hedge order to the venue, bypassing the normal
// quoting cadence.
type HedgeExecutor interface {
	ExecuteHedge(ctx context.Context, venue, instrument string, qty float64, breachID string) error
}

// HedgerConfig bounds the retry policy for hedge submission.
type HedgerConfig struct {
	MaxAttempts int           `yaml:"max_attempts" default:"3"`
	BackoffMin  time.Duration `yaml:"backoff_min" default:"100ms"`
	BackoffMax  time.Duration `yaml:"backoff_max" default:"2s"`
}

// Hedger turns hard-limit breaches into hedge orders. One hedge attempt
// sequence per breach event; retries with backoff are capped, and exhaustion
// escalates to the control plane as a Stress trigger.
type Hedger struct {
	cfg  HedgerConfig
	exec HedgeExecutor
	log  *logger.Logger

	// onExhausted escalates to the control plane.
	onExhausted func(reason string, now time.Time)
	onSuccess   func()

	mu      sync.Mutex
	handled map[string]struct{}
}

// NewHedger builds the coordinator. onExhausted is invoked after the retry
// budget is spent; onSuccess resets the control plane's failure counter.
func NewHedger(cfg HedgerConfig, exec HedgeExecutor, log *logger.Logger,
	onExhausted func(reason string, now time.Time), onSuccess func()) *Hedger {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.BackoffMin <= 0 {
		cfg.BackoffMin = 100 * time.Millisecond
	}
	if cfg.BackoffMax < cfg.BackoffMin {
		cfg.BackoffMax = 2 * time.Second
	}
	return &Hedger{
		cfg:         cfg,
		exec:        exec,
		log:         log,
		onExhausted: onExhausted,
		onSuccess:   onSuccess,
		handled:     make(map[string]struct{}),
	}
}

// HandleBreach executes the hedge for one breach event. Calling it again
// with the same breach id is a no-op, so replays cannot double-hedge.
func (h *Hedger) HandleBreach(ctx context.Context, b Breach) error {
	h.mu.Lock()
	if _, done := h.handled[b.ID]; done {
		h.mu.Unlock()
		return nil
	}
	h.handled[b.ID] = struct{}{}
	h.mu.Unlock()

	bo := &backoff.Backoff{
		Min:    h.cfg.BackoffMin,
		Max:    h.cfg.BackoffMax,
		Factor: 2,
		Jitter: false,
	}

	var lastErr error
	for attempt := 1; attempt <= h.cfg.MaxAttempts; attempt++ {
		lastErr = h.exec.ExecuteHedge(ctx, b.Venue, b.Instrument, b.HedgeQty, b.ID)
		if lastErr == nil {
			h.log.Info("hedge executed",
				zap.String("breach_id", b.ID),
				zap.String("venue", b.Venue),
				zap.String("instrument", b.Instrument),
				zap.Float64("qty", b.HedgeQty),
				zap.Int("attempt", attempt),
			)
			if h.onSuccess != nil {
				h.onSuccess()
			}
			return nil
		}
		h.log.Warn("hedge attempt rejected",
			zap.String("breach_id", b.ID),
			zap.Int("attempt", attempt),
			zap.Error(lastErr),
		)
		if attempt == h.cfg.MaxAttempts {
			break
		}
		select {
		case <-time.After(bo.Duration()):
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	reason := fmt.Sprintf("hedge failed after %d attempts: %v", h.cfg.MaxAttempts, lastErr)
	if h.onExhausted != nil {
		h.onExhausted(reason, time.Now())
	}
	return fmt.Errorf("%w: %s", risk.ErrSubmissionRejected, reason)
}
