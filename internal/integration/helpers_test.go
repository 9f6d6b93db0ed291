//go:build integration

package integration_test

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"strconv"
	"testing"
	"time"

	kafkago "github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tckafka "github.com/testcontainers/testcontainers-go/modules/kafka"

	"github.com/couchcryptid/crop-pest-detector/internal/adapter/raster"
	"github.com/couchcryptid/crop-pest-detector/internal/domain"
	"github.com/couchcryptid/crop-pest-detector/internal/observability"
	"github.com/couchcryptid/crop-pest-detector/internal/pipeline"
)

const kafkaImage = "confluentinc/confluent-local:7.5.0"

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// startKafka runs a single-node broker for the test and returns its address.
func startKafka(ctx context.Context, t *testing.T) string {
	t.Helper()
	container, err := tckafka.Run(ctx, kafkaImage, tckafka.WithClusterID("pest-detector-test"))
	testcontainers.CleanupContainer(t, container)
	require.NoError(t, err, "start kafka container")

	brokers, err := container.Brokers(ctx)
	require.NoError(t, err)
	require.NotEmpty(t, brokers)
	return brokers[0]
}

// createTopic creates a single-partition topic through the cluster controller.
func createTopic(t *testing.T, broker, topic string) {
	t.Helper()
	conn, err := kafkago.Dial("tcp", broker)
	require.NoError(t, err)
	defer conn.Close()

	controller, err := conn.Controller()
	require.NoError(t, err)

	cc, err := kafkago.Dial("tcp", net.JoinHostPort(controller.Host, strconv.Itoa(controller.Port)))
	require.NoError(t, err)
	defer cc.Close()

	require.NoError(t, cc.CreateTopics(kafkago.TopicConfig{
		Topic:             topic,
		NumPartitions:     1,
		ReplicationFactor: 1,
	}))
}

// newTransformer evaluates requests against the default generated tile, whose
// western 40% is stressed during the 2025 season.
func newTransformer(t *testing.T) *pipeline.DetectionTransformer {
	t.Helper()
	backend, err := raster.New(raster.Generate(raster.DefaultGenerateOptions()), discardLogger())
	require.NoError(t, err)
	return pipeline.NewDetectionTransformer(
		domain.NewDetector(backend, discardLogger()),
		domain.StandardDefaults(),
		discardLogger(),
		observability.NewMetricsForTesting(),
	)
}

// publishedOutcome holds a deserialized message read from the sink topic.
type publishedOutcome struct {
	Outcome domain.DetectionOutcome
	Key     string
	Headers map[string]string
}

// readOutcome reads a single message from the sink consumer and deserializes it.
func readOutcome(ctx context.Context, t *testing.T, consumer *kafkago.Reader) publishedOutcome {
	t.Helper()
	readCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	msg, err := consumer.ReadMessage(readCtx)
	require.NoError(t, err, "read from sink topic")

	headers := make(map[string]string, len(msg.Headers))
	for _, h := range msg.Headers {
		headers[h.Key] = string(h.Value)
	}
	var outcome domain.DetectionOutcome
	require.NoError(t, json.Unmarshal(msg.Value, &outcome), "unmarshal sink message")

	return publishedOutcome{Outcome: outcome, Key: string(msg.Key), Headers: headers}
}

func requestMessage(t *testing.T, req domain.DetectionRequest) kafkago.Message {
	t.Helper()
	payload, err := json.Marshal(req)
	require.NoError(t, err)
	return kafkago.Message{Key: []byte(req.FieldID), Value: payload}
}
