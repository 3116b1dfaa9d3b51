package broker

import (
	"context"
	"testing"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	natsserver "github.com/nats-io/nats-server/v2/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"spool/internal/config"
	"spool/internal/logger"
)

func runJetStreamServer(t *testing.T) *server.Server {
	t.Helper()
	opts := natsserver.DefaultTestOptions
	opts.Port = -1
	opts.JetStream = true
	opts.StoreDir = t.TempDir()
	s := natsserver.RunServer(&opts)
	t.Cleanup(s.Shutdown)
	return s
}

func jetStreamConfig(s *server.Server) config.JetStreamConfig {
	return config.JetStreamConfig{
		URL:     s.ClientURL(),
		Stream:  "SPOOL",
		Subject: "spool.journal",
		Durable: "spool",
		AckWait: 300 * time.Millisecond,
	}
}

func newJetStreamBackend(t *testing.T, cfg config.JetStreamConfig) *JetStreamBackend {
	t.Helper()
	b := NewJetStreamBackend(cfg, logger.NopLogger())
	require.NoError(t, b.Connect(context.Background()))
	t.Cleanup(func() { _ = b.Close() })
	return b
}

func pollUntil(t *testing.T, b *JetStreamBackend, want int) []WireEntry {
	t.Helper()
	var got []WireEntry
	require.Eventually(t, func() bool {
		entries, err := b.Poll(context.Background(), want-len(got), 200*time.Millisecond)
		require.NoError(t, err)
		got = append(got, entries...)
		return len(got) >= want
	}, 5*time.Second, 10*time.Millisecond)
	return got
}

func TestJetStreamBackend_WritePollCommit(t *testing.T) {
	s := runJetStreamServer(t)
	b := newJetStreamBackend(t, jetStreamConfig(s))
	ctx := context.Background()

	require.NoError(t, b.Ping(ctx))
	require.NoError(t, b.Write(ctx, []WireEntry{
		{ID: []byte("e1"), Value: []byte(`{"a":1}`), Headers: map[string]string{"traceparent": "tp"}},
		{ID: []byte("e2"), Value: []byte(`{"a":2}`)},
	}))

	got := pollUntil(t, b, 2)
	require.Len(t, got, 2)

	assert.Equal(t, []byte("e1"), got[0].ID)
	assert.Equal(t, []byte(`{"a":1}`), got[0].Value)
	assert.Equal(t, "tp", got[0].Headers["traceparent"])
	assert.NotContains(t, got[0].Headers, natsMsgIDHeader)
	assert.False(t, got[0].EnqueuedAt.IsZero())
	assert.Equal(t, []byte("e2"), got[1].ID)

	require.NoError(t, b.Commit(ctx, got[0].Token, got[1].Token))

	// Committed entries are not redelivered once the ack wait has passed.
	time.Sleep(2 * jetStreamConfig(s).AckWait)
	again, err := b.Poll(ctx, 10, 100*time.Millisecond)
	require.NoError(t, err)
	assert.Empty(t, again)
}

func TestJetStreamBackend_PollTimeoutIsEmpty(t *testing.T) {
	s := runJetStreamServer(t)
	b := newJetStreamBackend(t, jetStreamConfig(s))

	start := time.Now()
	got, err := b.Poll(context.Background(), 10, 100*time.Millisecond)
	require.NoError(t, err)
	assert.Empty(t, got)
	assert.Less(t, time.Since(start), 2*time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	got, err = b.Poll(ctx, 10, time.Second)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestJetStreamBackend_DuplicateIDStoredOnce(t *testing.T) {
	s := runJetStreamServer(t)
	cfg := jetStreamConfig(s)
	b := newJetStreamBackend(t, cfg)
	ctx := context.Background()

	entry := WireEntry{ID: []byte("e1"), Value: []byte(`{"a":1}`)}
	require.NoError(t, b.Write(ctx, []WireEntry{entry}))
	require.NoError(t, b.Write(ctx, []WireEntry{entry}))

	info, err := b.js.StreamInfo(cfg.Stream)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), info.State.Msgs)

	got := pollUntil(t, b, 1)
	require.NoError(t, b.Commit(ctx, got[0].Token))
}

func TestJetStreamBackend_Reconnect_RedeliversPending(t *testing.T) {
	s := runJetStreamServer(t)
	cfg := jetStreamConfig(s)
	ctx := context.Background()

	first := NewJetStreamBackend(cfg, logger.NopLogger())
	require.NoError(t, first.Connect(ctx))
	t.Cleanup(func() { _ = first.Close() })
	require.NoError(t, first.Write(ctx, []WireEntry{
		{ID: []byte("e1"), Value: []byte("one")},
		{ID: []byte("e2"), Value: []byte("two")},
	}))

	got := pollUntil(t, first, 2)
	require.NoError(t, first.Commit(ctx, got[0].Token))
	require.NoError(t, first.Close())

	second := newJetStreamBackend(t, cfg)
	redelivered := pollUntil(t, second, 1)
	require.Len(t, redelivered, 1)
	assert.Equal(t, []byte("e2"), redelivered[0].ID)
	assert.Equal(t, []byte("two"), redelivered[0].Value)
	require.NoError(t, second.Commit(ctx, redelivered[0].Token))
}

func TestJetStreamBackend_NotConnected(t *testing.T) {
	b := NewJetStreamBackend(config.JetStreamConfig{}, logger.NopLogger())
	ctx := context.Background()

	assert.ErrorIs(t, b.Write(ctx, []WireEntry{{Value: []byte("x")}}), ErrNotConnected)
	_, err := b.Poll(ctx, 1, time.Millisecond)
	assert.ErrorIs(t, err, ErrNotConnected)
	assert.ErrorIs(t, b.Ping(ctx), ErrNotConnected)
	assert.Error(t, b.Commit(ctx, "not-a-msg"))
	assert.NoError(t, b.Close())
}
