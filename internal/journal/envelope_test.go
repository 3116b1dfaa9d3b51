package journal

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"spool/pkg/models"
)

func testEnvelope(id string) *models.Envelope {
	return models.NewEnvelopeBuilder().
		WithID(id).
		WithPayload([]byte(`{"message":"hello"}`)).
		WithCodec("json").
		WithInput("udp-1").
		WithNode("node-a").
		WithRemote("10.0.0.7", 5140).
		WithRelay("edge-1", "udp-edge").
		WithReceivedAt(time.Date(2026, 1, 2, 3, 4, 5, 6000000, time.UTC)).
		Build()
}

func TestEnvelope_RoundTrip(t *testing.T) {
	env := testEnvelope("env-1")

	data, err := EncodeEnvelope(env)
	require.NoError(t, err)

	got, err := DecodeEnvelope(data)
	require.NoError(t, err)

	assert.Equal(t, env.ID, got.ID)
	assert.Equal(t, env.Payload, got.Payload)
	assert.Equal(t, env.Codec, got.Codec)
	assert.Equal(t, env.Source, got.Source)
	assert.True(t, env.ReceivedAt.Equal(got.ReceivedAt))
	assert.Nil(t, got.Token)
}

func TestEncodeEnvelope_Deterministic(t *testing.T) {
	a, err := EncodeEnvelope(testEnvelope("env-1"))
	require.NoError(t, err)
	b, err := EncodeEnvelope(testEnvelope("env-1"))
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestEncodeEnvelope_Invalid(t *testing.T) {
	env := testEnvelope("env-1")
	env.Codec = ""

	_, err := EncodeEnvelope(env)
	require.Error(t, err)

	var verr *models.ValidationError
	assert.ErrorAs(t, err, &verr)
}

func TestEncodeEnvelope_ReceivedAtOutOfRange(t *testing.T) {
	tests := map[string]time.Time{
		"before epoch":  time.Date(1969, 12, 31, 23, 0, 0, 0, time.UTC),
		"past id range": time.UnixMilli(1 << 48),
	}

	for name, ts := range tests {
		t.Run(name, func(t *testing.T) {
			env := testEnvelope("env-1")
			env.ReceivedAt = ts

			_, err := EncodeEnvelope(env)
			var verr *models.ValidationError
			require.ErrorAs(t, err, &verr)
			assert.Equal(t, "received_at", verr.Field)
		})
	}
}

func TestDecodeEnvelope_Poison(t *testing.T) {
	tests := map[string][]byte{
		"empty":         nil,
		"not json":      []byte("\x00\x01garbage"),
		"wrong version": []byte(`{"v":99,"codec":"json","source":{"input_id":"a"},"received_at":"2026-01-01T00:00:00Z"}`),
		"missing input": []byte(`{"v":1,"codec":"json","source":{},"received_at":"2026-01-01T00:00:00Z"}`),
		"pre-epoch":     []byte(`{"v":1,"codec":"json","source":{"input_id":"a"},"received_at":"1969-12-31T23:00:00Z"}`),
	}

	for name, data := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := DecodeEnvelope(data)
			assert.ErrorIs(t, err, ErrPoisonEntry)
		})
	}
}
