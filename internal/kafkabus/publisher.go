// Package kafkabus carries handover decisions to the execution side over
// Kafka. A successful write is the execution acknowledgment.
package kafkabus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/signalsfoundry/leo-handover/internal/config"
	"github.com/signalsfoundry/leo-handover/internal/logging"
	"github.com/signalsfoundry/leo-handover/model"
)

// ErrNoBrokers is returned by New when no broker is configured.
var ErrNoBrokers = errors.New("kafka: no brokers configured")

// messageWriter is the subset of *kafka.Writer the publisher needs.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Envelope is the message value written for each decision.
type Envelope struct {
	Type        string         `json:"type"`
	PublishedAt time.Time      `json:"published_at"`
	Decision    model.Decision `json:"decision"`
}

// Publisher writes decisions keyed by terminal ID, so one terminal's
// decisions stay ordered on a single partition.
type Publisher struct {
	w     messageWriter
	topic string
	log   logging.Logger
	now   func() time.Time
}

// New builds a publisher for cfg.Brokers and cfg.Topic.
func New(cfg config.KafkaConfig, log logging.Logger) (*Publisher, error) {
	if len(cfg.Brokers) == 0 {
		return nil, ErrNoBrokers
	}
	w := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
		Async:        false,
	}
	return newPublisher(w, cfg.Topic, log), nil
}

func newPublisher(w messageWriter, topic string, log logging.Logger) *Publisher {
	if log == nil {
		log = logging.Noop()
	}
	return &Publisher{
		w:     w,
		topic: topic,
		log:   log.With(logging.String("component", "kafka-publisher"), logging.String("topic", topic)),
		now:   time.Now,
	}
}

// Execute publishes d and returns once the broker acknowledged it.
func (p *Publisher) Execute(ctx context.Context, d model.Decision) error {
	b, err := json.Marshal(Envelope{Type: "handover.decision", PublishedAt: p.now().UTC(), Decision: d})
	if err != nil {
		return fmt.Errorf("encode decision %s: %w", d.ID, err)
	}
	msg := kafka.Message{
		Key:   []byte(d.TerminalID),
		Value: b,
		Headers: []kafka.Header{
			{Key: "decision_id", Value: []byte(d.ID)},
			{Key: "policy_used", Value: []byte(d.PolicyUsed)},
		},
	}
	if err := p.w.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("publish decision %s: %w", d.ID, err)
	}
	p.log.Debug(ctx, "decision published",
		logging.String("decision_id", d.ID),
		logging.String("terminal_id", d.TerminalID),
	)
	return nil
}

// Close flushes and closes the writer.
func (p *Publisher) Close() error { return p.w.Close() }
