package processor

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"spool/internal/config"
	"spool/internal/logger"
	"spool/pkg/models"
)

func dedupConfig(onError string) config.ProcessorConfig {
	return config.ProcessorConfig{
		Type: "dedup",
		Name: "dedup",
		Dedup: config.DeduplicationConfig{
			HashAlgorithm: "sha256",
			TTLSeconds:    60,
			OnRedisError:  onError,
			FieldsToHash:  []string{"source", "message"},
		},
	}
}

func TestDedup_Redis(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	p, err := NewDedup(dedupConfig(""), Deps{Logger: logger.NopLogger(), Redis: client})
	require.NoError(t, err)
	chain := NewChain(p)

	first := message(map[string]interface{}{"source": "web-1", "message": "login failed"})
	dup := message(map[string]interface{}{"source": "web-1", "message": "login failed"})
	other := message(map[string]interface{}{"source": "web-2", "message": "login failed"})

	out, err := chain.Run(context.Background(), []*models.Message{first, dup, other})
	require.NoError(t, err)
	assert.Equal(t, []*models.Message{first, other}, out)

	mr.FastForward(61 * time.Second)
	again := message(map[string]interface{}{"source": "web-1", "message": "login failed"})
	out, err = chain.Run(context.Background(), []*models.Message{again})
	require.NoError(t, err)
	assert.Len(t, out, 1)
}

type failingStore struct {
	calls int
}

func (s *failingStore) SetNX(ctx context.Context, key string, value interface{}, ttl time.Duration) (bool, error) {
	s.calls++
	return false, errors.New("connection refused")
}

func TestDedup_StoreErrorFallback(t *testing.T) {
	tests := []struct {
		onError string
		want    int
	}{
		{onError: "", want: 1},
		{onError: "allow", want: 1},
		{onError: "reject", want: 0},
	}

	for _, tt := range tests {
		t.Run("on_error="+tt.onError, func(t *testing.T) {
			p := NewDedupWithStore(dedupConfig(tt.onError), &failingStore{}, logger.NopLogger())
			out, err := NewChain(p).Run(context.Background(), []*models.Message{message(map[string]interface{}{"message": "m"})})
			require.NoError(t, err)
			assert.Len(t, out, tt.want)
		})
	}
}

func TestDedup_BreakerStopsCallingStore(t *testing.T) {
	store := &failingStore{}
	breaker := newBreakerDedupStore(store, "test-dedup", config.CircuitBreakerConfig{
		Enabled:      true,
		MaxRequests:  1,
		Interval:     time.Minute,
		Timeout:      time.Minute,
		FailureRatio: 0.5,
		MinRequests:  2,
	}, logger.NopLogger())
	p := NewDedupWithStore(dedupConfig("allow"), breaker, logger.NopLogger())

	var msgs []*models.Message
	for i := 0; i < 5; i++ {
		msgs = append(msgs, message(map[string]interface{}{"message": i}))
	}
	out, err := NewChain(p).Run(context.Background(), msgs)
	require.NoError(t, err)
	assert.Len(t, out, 5)
	assert.Equal(t, 2, store.calls)
}

func TestHasher(t *testing.T) {
	values := map[string]interface{}{"a": "x", "b": 2}

	for _, algo := range []string{"md5", "sha1", "sha256", ""} {
		h := NewHasher(algo)
		first, err := h.ComputeHash(values, []string{"a", "b"})
		require.NoError(t, err)
		second, err := h.ComputeHash(values, []string{"a", "b"})
		require.NoError(t, err)
		assert.Equal(t, first, second)

		swapped, err := h.ComputeHash(values, []string{"b", "a"})
		require.NoError(t, err)
		assert.NotEqual(t, first, swapped)
	}

	_, err := NewHasher("md5").ComputeHash(values, nil)
	assert.Error(t, err)
}
