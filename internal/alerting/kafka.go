package alerting

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"

	"cewatcher/internal/storage"
)

// KafkaOptions parameterise the event publisher.
type KafkaOptions struct {
	Brokers      []string
	Topic        string
	WriteTimeout time.Duration
	RequiredAcks int
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaNotifier publishes each change event as one JSON message keyed by rate id.
type KafkaNotifier struct {
	writer messageWriter
	logger zerolog.Logger
}

// EventMessage is the published payload.
type EventMessage struct {
	ID          string    `json:"id"`
	RateID      string    `json:"rate_id"`
	RateName    string    `json:"rate_name"`
	OldValue    *string   `json:"old_value"`
	NewValue    string    `json:"new_value"`
	Description string    `json:"description"`
	CreatedAt   time.Time `json:"created_at"`
}

// NewKafkaNotifier builds a synchronous hash-partitioned writer.
func NewKafkaNotifier(opts KafkaOptions, logger zerolog.Logger) (*KafkaNotifier, error) {
	if len(opts.Brokers) == 0 {
		return nil, errors.New("at least one broker is required")
	}
	if opts.Topic == "" {
		return nil, errors.New("topic is required")
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 10 * time.Second
	}

	writer := &kafka.Writer{
		Addr:         kafka.TCP(opts.Brokers...),
		Topic:        opts.Topic,
		Balancer:     &kafka.Hash{}, // Partition by rate id
		WriteTimeout: opts.WriteTimeout,
		RequiredAcks: kafka.RequiredAcks(opts.RequiredAcks),
		Async:        false,
	}
	return newKafkaNotifier(writer, logger), nil
}

func newKafkaNotifier(writer messageWriter, logger zerolog.Logger) *KafkaNotifier {
	return &KafkaNotifier{writer: writer, logger: logger.With().Str("component", "alert_kafka").Logger()}
}

// Send publishes events in one batch.
func (k *KafkaNotifier) Send(ctx context.Context, events []storage.Event) error {
	if len(events) == 0 {
		return nil
	}

	messages := make([]kafka.Message, 0, len(events))
	for _, e := range events {
		data, err := json.Marshal(toEventMessage(e))
		if err != nil {
			return fmt.Errorf("marshal event %s: %w", e.ID, err)
		}
		messages = append(messages, kafka.Message{
			Key:   []byte(e.RateID),
			Value: data,
			Headers: []kafka.Header{
				{Key: "event_id", Value: []byte(e.ID)},
			},
			Time: e.CreatedAt,
		})
	}

	if err := k.writer.WriteMessages(ctx, messages...); err != nil {
		return fmt.Errorf("%w: publish events: %w", ErrNotify, err)
	}
	k.logger.Debug().Int("batch_size", len(messages)).Msg("events published to kafka")
	return nil
}

// Close flushes and closes the writer.
func (k *KafkaNotifier) Close() error {
	return k.writer.Close()
}

func toEventMessage(e storage.Event) EventMessage {
	msg := EventMessage{
		ID:          e.ID,
		RateID:      e.RateID,
		RateName:    e.RateName,
		NewValue:    e.NewValue.String(),
		Description: e.Description,
		CreatedAt:   e.CreatedAt.UTC(),
	}
	if e.OldValue.Valid {
		old := e.OldValue.Decimal.String()
		msg.OldValue = &old
	}
	return msg
}

var _ Notifier = (*KafkaNotifier)(nil)
