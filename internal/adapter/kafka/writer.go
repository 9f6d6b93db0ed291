package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	kafkago "github.com/segmentio/kafka-go"

	"github.com/couchcryptid/crop-pest-detector/internal/config"
	"github.com/couchcryptid/crop-pest-detector/internal/domain"
)

// Writer publishes detection outcomes to a Kafka topic.
// It implements pipeline.BatchLoader.
type Writer struct {
	writer *kafkago.Writer
	logger *slog.Logger
}

// NewWriter creates a Kafka producer for the configured sink topic. Messages
// are keyed by field so verdicts for one field stay ordered in a partition.
func NewWriter(cfg *config.Config, logger *slog.Logger) *Writer {
	w := &kafkago.Writer{
		Addr:         kafkago.TCP(cfg.KafkaBrokers...),
		Topic:        cfg.KafkaSinkTopic,
		Balancer:     &kafkago.Hash{},
		RequiredAcks: kafkago.RequireAll,
	}
	return &Writer{writer: w, logger: logger}
}

// LoadBatch serializes and publishes the outcomes in a single WriteMessages call.
func (w *Writer) LoadBatch(ctx context.Context, outcomes []domain.DetectionOutcome) error {
	if len(outcomes) == 0 {
		return nil
	}
	msgs := make([]kafkago.Message, len(outcomes))
	for i := range outcomes {
		msg, err := serializeToMessage(outcomes[i])
		if err != nil {
			return err
		}
		msgs[i] = msg
	}
	if err := w.writer.WriteMessages(ctx, msgs...); err != nil {
		return fmt.Errorf("publish %d outcomes: %w", len(msgs), err)
	}
	w.logger.Debug("outcomes published", "count", len(msgs), "topic", w.writer.Topic)
	return nil
}

func (w *Writer) Close() error {
	return w.writer.Close()
}

func serializeToMessage(outcome domain.DetectionOutcome) (kafkago.Message, error) {
	data, err := json.Marshal(outcome)
	if err != nil {
		return kafkago.Message{}, fmt.Errorf("serialize detection outcome: %w", err)
	}
	return kafkago.Message{
		Key:   []byte(outcome.FieldID),
		Value: data,
		Headers: []kafkago.Header{
			{Key: "status", Value: []byte(outcome.Status)},
			{Key: "outcome_id", Value: []byte(outcome.ID)},
			{Key: "evaluated_at", Value: []byte(outcome.EvaluatedAt.Format(time.RFC3339))},
		},
	}, nil
}
