package broker

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"spool/internal/config"
	"spool/internal/logger"
)

func newRedisBackend(t *testing.T, mr *miniredis.Miniredis) *RedisBackend {
	t.Helper()
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	cfg := config.RedisStreamConfig{
		Stream:   "spool:journal",
		Group:    "spool",
		Consumer: "node-a",
	}
	b := NewRedisBackendWithClient(client, cfg, logger.NopLogger())
	require.NoError(t, b.Connect(context.Background()))
	t.Cleanup(func() { _ = b.Close() })
	return b
}

func TestRedisBackend_WritePollCommit(t *testing.T) {
	mr := miniredis.RunT(t)
	b := newRedisBackend(t, mr)
	ctx := context.Background()

	require.NoError(t, b.Write(ctx, []WireEntry{
		{ID: []byte("e1"), Key: []byte("udp-1"), Value: []byte(`{"a":1}`), Headers: map[string]string{"traceparent": "tp"}},
		{ID: []byte("e2"), Key: []byte("udp-1"), Value: []byte(`{"a":2}`)},
	}))

	got, err := b.Poll(ctx, 10, 50*time.Millisecond)
	require.NoError(t, err)
	require.Len(t, got, 2)

	assert.Equal(t, []byte("e1"), got[0].ID)
	assert.Equal(t, []byte("udp-1"), got[0].Key)
	assert.Equal(t, []byte(`{"a":1}`), got[0].Value)
	assert.Equal(t, "tp", got[0].Headers["traceparent"])
	assert.False(t, got[0].EnqueuedAt.IsZero())
	assert.IsType(t, "", got[0].Token)

	require.NoError(t, b.Commit(ctx, got[0].Token, got[1].Token))

	got, err = b.Poll(ctx, 10, 10*time.Millisecond)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestRedisBackend_Reconnect_RedeliversPending(t *testing.T) {
	mr := miniredis.RunT(t)
	ctx := context.Background()

	first := newRedisBackend(t, mr)
	require.NoError(t, first.Write(ctx, []WireEntry{
		{ID: []byte("e1"), Value: []byte("one")},
		{ID: []byte("e2"), Value: []byte("two")},
	}))

	got, err := first.Poll(ctx, 10, 50*time.Millisecond)
	require.NoError(t, err)
	require.Len(t, got, 2)
	require.NoError(t, first.Commit(ctx, got[0].Token))

	second := newRedisBackend(t, mr)
	again, err := second.Poll(ctx, 10, 50*time.Millisecond)
	require.NoError(t, err)
	require.Len(t, again, 1)
	assert.Equal(t, []byte("two"), again[0].Value)
}

func TestRedisBackend_UnexpectedToken(t *testing.T) {
	mr := miniredis.RunT(t)
	b := newRedisBackend(t, mr)

	err := b.Commit(context.Background(), 42)
	assert.Error(t, err)
}

func TestStreamIDTime(t *testing.T) {
	assert.Equal(t, time.UnixMilli(1700000000123).UTC(), streamIDTime("1700000000123-0"))
	assert.True(t, streamIDTime("garbage").IsZero())
}
