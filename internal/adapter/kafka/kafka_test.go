package kafka

import (
	"encoding/json"
	"testing"
	"time"

	kafkago "github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/couchcryptid/crop-pest-detector/internal/domain"
)

func TestMapMessageToRawEvent(t *testing.T) {
	now := time.Now()
	msg := kafkago.Message{
		Key:       []byte("field-7"),
		Value:     []byte(`{"field_id":"field-7"}`),
		Topic:     "field-detection-requests",
		Partition: 2,
		Offset:    42,
		Time:      now,
		Headers: []kafkago.Header{
			{Key: "source", Value: []byte("scouting-app")},
		},
	}

	raw := mapMessageToRawEvent(msg)

	assert.Equal(t, []byte("field-7"), raw.Key)
	assert.JSONEq(t, `{"field_id":"field-7"}`, string(raw.Value))
	assert.Equal(t, "field-detection-requests", raw.Topic)
	assert.Equal(t, 2, raw.Partition)
	assert.Equal(t, int64(42), raw.Offset)
	assert.Equal(t, now, raw.Timestamp)
	assert.Equal(t, "scouting-app", raw.Headers["source"])
	assert.Nil(t, raw.Commit)
}

func TestSerializeToMessage(t *testing.T) {
	now := time.Date(2025, 9, 2, 8, 0, 0, 0, time.UTC)
	frac := 0.18
	outcome := domain.DetectionOutcome{
		ID:          "det-1a2b",
		FieldID:     "field-7",
		Status:      domain.StatusDetected,
		Result:      domain.Result{ImageCount: 9, PestDetected: true, Fraction: &frac},
		EvaluatedAt: now,
	}

	msg, err := serializeToMessage(outcome)
	require.NoError(t, err)

	assert.Equal(t, []byte("field-7"), msg.Key)
	require.Len(t, msg.Headers, 3)
	assert.Equal(t, "status", msg.Headers[0].Key)
	assert.Equal(t, []byte("detected"), msg.Headers[0].Value)
	assert.Equal(t, "outcome_id", msg.Headers[1].Key)
	assert.Equal(t, []byte("det-1a2b"), msg.Headers[1].Value)
	assert.Equal(t, "evaluated_at", msg.Headers[2].Key)
	assert.Equal(t, []byte(now.Format(time.RFC3339)), msg.Headers[2].Value)

	var body map[string]any
	require.NoError(t, json.Unmarshal(msg.Value, &body))
	result, ok := body["result"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, true, result["pest_detected"])
	assert.InDelta(t, 0.18, result["frac"], 1e-9)
}

func TestSerializeToMessage_ErrorOutcome(t *testing.T) {
	outcome := domain.DetectionOutcome{
		ID:      "det-ff00",
		FieldID: "field-8",
		Status:  domain.StatusNoData,
		Result:  domain.Result{Error: domain.NoImageryMessage},
	}

	msg, err := serializeToMessage(outcome)
	require.NoError(t, err)
	assert.Contains(t, string(msg.Value), `"result":{"error":"No Sentinel-2 images available for this season/area."}`)
}
