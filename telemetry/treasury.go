package telemetry

import (
	"context"
	"encoding/json"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"dmm-engine-go/infrastructure/logger"
)

// PnLEvent is the read-only stream consumed by the treasury/policy
// collaborator. The engine never blocks on or waits for the consumer.
type PnLEvent struct {
	Instrument        string             `json:"instrument"`
	RealizedPnLDelta  float64            `json:"realized_pnl_delta"`
	InventorySnapshot map[string]float64 `json:"inventory_snapshot"` // venue -> qty
	At                time.Time          `json:"at"`
}

// TreasurySink publishes PnL events. Implementations must not block.
type TreasurySink interface {
	Publish(ev PnLEvent)
	Close() error
}

// NopTreasury discards events; used when no collaborator is configured.
type NopTreasury struct{}

func (NopTreasury) Publish(PnLEvent) {}
func (NopTreasury) Close() error     { return nil }

// KafkaConfig configures the treasury stream transport.
type KafkaConfig struct {
	Enabled bool     `yaml:"enabled"`
	Brokers []string `yaml:"brokers" validate:"required_if=Enabled true"`
	Topic   string   `yaml:"topic" default:"dmm.treasury.pnl"`
}

// KafkaTreasury publishes PnL events over an async Kafka writer. Write
// errors are logged, never surfaced to the hot path.
type KafkaTreasury struct {
	writer *kafka.Writer
	log    *logger.Logger
}

// NewKafkaTreasury builds the publisher.
func NewKafkaTreasury(cfg KafkaConfig, log *logger.Logger) *KafkaTreasury {
	t := &KafkaTreasury{log: log}
	t.writer = &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
		BatchTimeout: 250 * time.Millisecond,
		Async:        true,
		Completion: func(messages []kafka.Message, err error) {
			if err != nil {
				log.Warn("treasury publish failed",
					zap.Int("messages", len(messages)),
					zap.Error(err),
				)
			}
		},
	}
	return t
}

// Publish enqueues one event; the async writer flushes in the background.
func (t *KafkaTreasury) Publish(ev PnLEvent) {
	value, err := json.Marshal(ev)
	if err != nil {
		t.log.Warn("treasury event marshal failed", zap.Error(err))
		return
	}
	// Async writer: WriteMessages only enqueues.
	err = t.writer.WriteMessages(context.Background(), kafka.Message{
		Key:   []byte(ev.Instrument),
		Value: value,
		Time:  ev.At,
	})
	if err != nil {
		t.log.Warn("treasury enqueue failed", zap.Error(err))
	}
}

// Close flushes and closes the writer.
func (t *KafkaTreasury) Close() error {
	return t.writer.Close()
}
