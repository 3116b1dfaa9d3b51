package udp

import (
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"spool/internal/config"
	"spool/internal/logger"
	"spool/pkg/models"
)

type captureWriter struct {
	mu   sync.Mutex
	envs []*models.Envelope
	err  error
}

func (w *captureWriter) Write(ctx context.Context, envs ...*models.Envelope) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err != nil {
		return w.err
	}
	w.envs = append(w.envs, envs...)
	return nil
}

func (w *captureWriter) all() []*models.Envelope {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]*models.Envelope(nil), w.envs...)
}

type staticHostnames map[string]string

func (s staticHostnames) Hostname(addr string) string { return s[addr] }

func testInputConfig() config.UDPInputConfig {
	return config.UDPInputConfig{ID: "udp-test", Bind: "127.0.0.1", Port: 0, Codec: "raw", MaxPacketBytes: 1024}
}

func startInput(t *testing.T, cfg config.UDPInputConfig, w EnvelopeWriter) (*Input, net.Conn) {
	t.Helper()

	in := New(cfg, "node-a", w, staticHostnames{"127.0.0.1": "localhost"}, logger.NopLogger())

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, in.Listen(ctx))

	done := make(chan error, 1)
	go func() { done <- in.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		assert.NoError(t, <-done)
	})

	conn, err := net.Dial("udp", in.Addr().String())
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return in, conn
}

func TestInput_WritesEnvelopes(t *testing.T) {
	w := &captureWriter{}
	_, conn := startInput(t, testInputConfig(), w)

	_, err := conn.Write([]byte("first"))
	require.NoError(t, err)
	_, err = conn.Write([]byte("second"))
	require.NoError(t, err)

	require.Eventually(t, func() bool { return len(w.all()) == 2 }, time.Second, 5*time.Millisecond)

	env := w.all()[0]
	assert.Equal(t, []byte("first"), env.Payload)
	assert.Equal(t, "raw", env.Codec)
	assert.Equal(t, "udp-test", env.Source.InputID)
	assert.Equal(t, "node-a", env.Source.NodeID)
	assert.Equal(t, "127.0.0.1", env.Source.RemoteAddr)
	assert.Equal(t, conn.LocalAddr().(*net.UDPAddr).Port, env.Source.RemotePort)
	assert.Equal(t, "localhost", env.Source.Hostname)
	assert.NotEmpty(t, env.ID)
	assert.False(t, env.ReceivedAt.IsZero())
}

func TestInput_KeepsReadingWhenWriterFails(t *testing.T) {
	w := &captureWriter{err: errors.New("queue unavailable")}
	_, conn := startInput(t, testInputConfig(), w)

	_, err := conn.Write([]byte("lost"))
	require.NoError(t, err)
	time.Sleep(20 * time.Millisecond)

	w.mu.Lock()
	w.err = nil
	w.mu.Unlock()

	require.Eventually(t, func() bool {
		_, _ = conn.Write([]byte("kept"))
		return len(w.all()) > 0
	}, time.Second, 10*time.Millisecond)
	assert.Equal(t, []byte("kept"), w.all()[0].Payload)
}

func TestInput_RateLimitsPerSender(t *testing.T) {
	cfg := testInputConfig()
	cfg.RateLimit = config.RateLimitConfig{RPS: 0.001, Burst: 2}

	w := &captureWriter{}
	_, conn := startInput(t, cfg, w)

	for i := 0; i < 5; i++ {
		_, err := conn.Write([]byte("burst"))
		require.NoError(t, err)
	}

	require.Eventually(t, func() bool { return len(w.all()) == 2 }, time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.Len(t, w.all(), 2)
}

func TestInput_RunWithoutListen(t *testing.T) {
	in := New(config.UDPInputConfig{ID: "x"}, "node", &captureWriter{}, nil, logger.NopLogger())
	assert.Error(t, in.Run(context.Background()))
	assert.Nil(t, in.Addr())
}
