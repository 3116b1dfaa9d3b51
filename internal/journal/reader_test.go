package journal

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"spool/internal/admission"
	"spool/internal/broker"
	"spool/internal/config"
	"spool/internal/logger"
	"spool/pkg/models"
)

func readerConfig() config.ReaderConfig {
	return config.ReaderConfig{
		PollMax:      10,
		PollTimeout:  20 * time.Millisecond,
		IdleWait:     10 * time.Millisecond,
		ErrorBackoff: 10 * time.Millisecond,
	}
}

type recorder struct {
	mu   sync.Mutex
	envs []*models.Envelope
	fail bool
}

func (r *recorder) handle(ctx context.Context, env *models.Envelope) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.envs = append(r.envs, env)
	if r.fail {
		return errors.New("downstream rejected")
	}
	return nil
}

func (r *recorder) received() []*models.Envelope {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*models.Envelope(nil), r.envs...)
}

func writeEnvelopes(t *testing.T, backend broker.Backend, ids ...string) [][]byte {
	t.Helper()

	var values [][]byte
	var entries []broker.WireEntry
	for _, id := range ids {
		value, err := EncodeEnvelope(testEnvelope(id))
		require.NoError(t, err)
		values = append(values, value)
		entries = append(entries, broker.WireEntry{ID: []byte(id), Key: []byte("udp-1"), Value: value})
	}
	require.NoError(t, backend.Write(context.Background(), entries))
	return values
}

func TestReader_DeliversWithToken(t *testing.T) {
	backend := broker.NewMemoryBackend()
	writeEnvelopes(t, backend, "e1", "e2")

	rec := &recorder{}
	r := NewReader(backend, readerConfig(), nil, rec.handle, logger.NopLogger())
	require.NoError(t, r.Start(context.Background()))
	defer r.Stop()

	require.Eventually(t, func() bool { return len(rec.received()) == 2 }, time.Second, 5*time.Millisecond)

	got := rec.received()
	assert.Equal(t, "e1", got[0].ID)
	assert.Equal(t, "e2", got[1].ID)
	assert.NotNil(t, got[0].Token)

	r.Commit(context.Background(), got[0].Token, got[1].Token)
	assert.Equal(t, 0, backend.Uncommitted())
}

func TestReader_PoisonEntryIsCommitted(t *testing.T) {
	backend := broker.NewMemoryBackend()
	require.NoError(t, backend.Write(context.Background(), []broker.WireEntry{
		{ID: []byte("bad"), Value: []byte("not an envelope")},
	}))
	writeEnvelopes(t, backend, "good")

	rec := &recorder{}
	r := NewReader(backend, readerConfig(), nil, rec.handle, logger.NopLogger())
	require.NoError(t, r.Start(context.Background()))
	defer r.Stop()

	require.Eventually(t, func() bool { return len(rec.received()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, "good", rec.received()[0].ID)
	assert.Equal(t, 1, backend.Uncommitted())
}

func TestReader_UncommittedEntriesAreRedelivered(t *testing.T) {
	backend := broker.NewMemoryBackend()
	values := writeEnvelopes(t, backend, "e1", "e2")

	first := &recorder{fail: true}
	r := NewReader(backend, readerConfig(), nil, first.handle, logger.NopLogger())
	require.NoError(t, r.Start(context.Background()))
	require.Eventually(t, func() bool { return len(first.received()) == 2 }, time.Second, 5*time.Millisecond)
	r.Stop()
	assert.Equal(t, 2, backend.Uncommitted())

	backend.Reopen()

	second := &recorder{}
	r = NewReader(backend, readerConfig(), nil, second.handle, logger.NopLogger())
	require.NoError(t, r.Start(context.Background()))
	defer r.Stop()
	require.Eventually(t, func() bool { return len(second.received()) == 2 }, time.Second, 5*time.Millisecond)

	for i, env := range second.received() {
		data, err := EncodeEnvelope(env)
		require.NoError(t, err)
		assert.Equal(t, values[i], data)
	}
}

func TestReader_PausedGateStopsPolling(t *testing.T) {
	backend := broker.NewMemoryBackend()
	gate := admission.NewGate()
	gate.Pause("output")

	rec := &recorder{}
	r := NewReader(backend, readerConfig(), gate, rec.handle, logger.NopLogger())
	require.NoError(t, r.Start(context.Background()))
	defer r.Stop()

	writeEnvelopes(t, backend, "e1")
	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, rec.received())

	gate.Resume("output")
	require.Eventually(t, func() bool { return len(rec.received()) == 1 }, time.Second, 5*time.Millisecond)
}

func TestReader_StateTransitions(t *testing.T) {
	r := NewReader(broker.NewMemoryBackend(), readerConfig(), nil, (&recorder{}).handle, logger.NopLogger())
	assert.Equal(t, StateStopped, r.State())

	require.NoError(t, r.Start(context.Background()))
	assert.Equal(t, StateRunning, r.State())
	assert.Error(t, r.Start(context.Background()))

	r.Stop()
	assert.Equal(t, StateStopped, r.State())
	r.Stop()

	require.NoError(t, r.Start(context.Background()))
	r.Stop()
}

func TestReader_KeepsPollingAfterBackendError(t *testing.T) {
	backend := broker.NewMemoryBackend()
	require.NoError(t, backend.Close())

	rec := &recorder{}
	r := NewReader(backend, readerConfig(), nil, rec.handle, logger.NopLogger())
	require.NoError(t, r.Start(context.Background()))
	defer r.Stop()

	time.Sleep(30 * time.Millisecond)
	backend.Reopen()
	writeEnvelopes(t, backend, "e1")

	require.Eventually(t, func() bool { return len(rec.received()) == 1 }, time.Second, 5*time.Millisecond)
}
