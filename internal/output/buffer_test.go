package output

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"spool/internal/admission"
	"spool/internal/config"
	"spool/internal/logger"
	"spool/pkg/models"
)

type gatedSink struct {
	release chan struct{}
	failN   int

	mu       sync.Mutex
	started  int
	inserted []string
}

func newGatedSink() *gatedSink {
	return &gatedSink{release: make(chan struct{})}
}

func (s *gatedSink) Name() string { return "test" }

func (s *gatedSink) Insert(ctx context.Context, msgs []*models.Message) error {
	s.mu.Lock()
	s.started++
	if s.failN > 0 {
		s.failN--
		s.mu.Unlock()
		return errors.New("connection reset")
	}
	s.mu.Unlock()

	select {
	case <-s.release:
	case <-ctx.Done():
		return ctx.Err()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range msgs {
		s.inserted = append(s.inserted, m.ID)
	}
	return nil
}

func (s *gatedSink) Close(ctx context.Context) error { return nil }

func (s *gatedSink) snapshot() (int, []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.started, append([]string(nil), s.inserted...)
}

func outputConfig(capacity int) config.OutputConfig {
	return config.OutputConfig{
		Sink:           "test",
		BufferCapacity: capacity,
		HighWatermark:  0.9,
		LowWatermark:   0.5,
		BatchSize:      1,
		FlushInterval:  time.Hour,
		Workers:        1,
	}
}

func msgWithID(id string) *models.Message {
	msg := models.NewMessage(map[string]interface{}{"message": id})
	msg.ID = id
	return msg
}

func TestBuffer_BackpressureDeliversExactlyOnce(t *testing.T) {
	sink := newGatedSink()
	gate := admission.NewGate()
	buf := NewBuffer(outputConfig(1), sink, gate, logger.NopLogger())
	buf.Start(context.Background())

	ctx := context.Background()
	require.NoError(t, buf.InsertBlocking(ctx, msgWithID("m1")))
	require.Eventually(t, func() bool {
		started, _ := sink.snapshot()
		return started == 1
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, buf.InsertBlocking(ctx, msgWithID("m2")))
	assert.False(t, gate.ShouldAcceptMore())

	done := make(chan error, 1)
	go func() { done <- buf.InsertBlocking(ctx, msgWithID("m3")) }()

	select {
	case <-done:
		t.Fatal("insert into a full buffer returned early")
	case <-time.After(50 * time.Millisecond):
	}

	close(sink.release)

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("blocked insert never completed")
	}

	require.NoError(t, buf.Stop(ctx))
	_, inserted := sink.snapshot()
	assert.Equal(t, []string{"m1", "m2", "m3"}, inserted)
	assert.True(t, gate.ShouldAcceptMore())
}

func TestBuffer_BlockedInsertHonoursContext(t *testing.T) {
	sink := newGatedSink()
	buf := NewBuffer(outputConfig(1), sink, nil, logger.NopLogger())

	require.NoError(t, buf.InsertBlocking(context.Background(), msgWithID("m1")))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := buf.InsertBlocking(ctx, msgWithID("m2"))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 1, buf.Len())
}

func TestBuffer_StopFlushesAndRejects(t *testing.T) {
	sink := newGatedSink()
	close(sink.release)

	cfg := outputConfig(16)
	cfg.BatchSize = 100
	buf := NewBuffer(cfg, sink, nil, logger.NopLogger())
	buf.Start(context.Background())

	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, buf.InsertBlocking(context.Background(), msgWithID(id)))
	}
	require.NoError(t, buf.Stop(context.Background()))

	_, inserted := sink.snapshot()
	assert.ElementsMatch(t, []string{"a", "b", "c"}, inserted)

	err := buf.InsertBlocking(context.Background(), msgWithID("late"))
	assert.ErrorIs(t, err, ErrStopped)
}

func TestBuffer_RetriesSink(t *testing.T) {
	sink := newGatedSink()
	sink.failN = 1
	close(sink.release)

	buf := NewBuffer(outputConfig(4), sink, nil, logger.NopLogger())
	buf.Start(context.Background())

	require.NoError(t, buf.InsertBlocking(context.Background(), msgWithID("m1")))
	require.NoError(t, buf.Stop(context.Background()))

	started, inserted := sink.snapshot()
	assert.Equal(t, 2, started)
	assert.Equal(t, []string{"m1"}, inserted)
}

func TestLogSink(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	sink := NewLogSink(logger.NewFromZap(zap.New(core)))

	msg := msgWithID("01HX")
	msg.Source = models.Source{InputID: "udp-1", NodeID: "node-a"}
	msg.Streams = []string{"default"}

	require.NoError(t, sink.Insert(context.Background(), []*models.Message{msg}))
	require.Equal(t, 1, logs.Len())

	entry := logs.All()[0]
	assert.Equal(t, "message", entry.Message)
	assert.Equal(t, "01HX", entry.ContextMap()["id"])
	assert.Equal(t, "udp-1", entry.ContextMap()["input_id"])
}

func TestNewSink(t *testing.T) {
	s, err := NewSink(config.OutputConfig{Sink: "log"}, SinkDeps{Logger: logger.NopLogger()})
	require.NoError(t, err)
	assert.Equal(t, "log", s.Name())

	_, err = NewSink(config.OutputConfig{Sink: "postgres"}, SinkDeps{Logger: logger.NopLogger()})
	assert.Error(t, err)

	_, err = NewSink(config.OutputConfig{Sink: "mongodb"}, SinkDeps{Logger: logger.NopLogger()})
	assert.Error(t, err)

	_, err = NewSink(config.OutputConfig{Sink: "s3"}, SinkDeps{Logger: logger.NopLogger()})
	assert.Error(t, err)
}

func TestBuffer_SinkOutageBecomesBackpressure(t *testing.T) {
	sink := newGatedSink()
	sink.failN = 8
	close(sink.release)

	gate := admission.NewGate()
	buf := NewBuffer(outputConfig(2), sink, gate, logger.NopLogger())
	buf.policy.InitialInterval = time.Millisecond
	buf.policy.MaxInterval = 2 * time.Millisecond
	buf.Start(context.Background())

	ctx := context.Background()
	for _, id := range []string{"m1", "m2", "m3"} {
		require.NoError(t, buf.InsertBlocking(ctx, msgWithID(id)))
	}

	require.Eventually(t, func() bool {
		_, inserted := sink.snapshot()
		return len(inserted) == 3
	}, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, buf.Stop(ctx))

	started, inserted := sink.snapshot()
	assert.Equal(t, []string{"m1", "m2", "m3"}, inserted)
	assert.Equal(t, 11, started)
	assert.True(t, gate.ShouldAcceptMore())
}

func TestBuffer_SinkOutageClosesGate(t *testing.T) {
	sink := newGatedSink()
	sink.failN = 1 << 30
	close(sink.release)

	gate := admission.NewGate()
	buf := NewBuffer(outputConfig(2), sink, gate, logger.NopLogger())
	buf.policy.InitialInterval = time.Millisecond
	buf.policy.MaxInterval = 2 * time.Millisecond
	buf.Start(context.Background())

	ctx := context.Background()
	require.NoError(t, buf.InsertBlocking(ctx, msgWithID("m1")))
	require.Eventually(t, func() bool {
		started, _ := sink.snapshot()
		return started > 3
	}, time.Second, time.Millisecond)

	// m1 is stuck in a retrying flush, so the buffer fills behind it.
	require.NoError(t, buf.InsertBlocking(ctx, msgWithID("m2")))
	require.NoError(t, buf.InsertBlocking(ctx, msgWithID("m3")))
	assert.False(t, gate.ShouldAcceptMore())

	stopCtx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	require.NoError(t, buf.Stop(stopCtx))

	_, inserted := sink.snapshot()
	assert.Empty(t, inserted)
}
