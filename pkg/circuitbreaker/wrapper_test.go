package circuitbreaker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"spool/internal/config"
)

func ratioConfig(minRequests uint32) config.CircuitBreakerConfig {
	return config.CircuitBreakerConfig{
		Enabled:      true,
		MaxRequests:  1,
		Interval:     time.Minute,
		Timeout:      time.Minute,
		FailureRatio: 0.5,
		MinRequests:  minRequests,
	}
}

func TestBreaker_TripsOnFailureRatio(t *testing.T) {
	var transitions []gobreaker.State
	b := New("redis-test", ratioConfig(2), func(_ string, _, to gobreaker.State) {
		transitions = append(transitions, to)
	})
	failing := func(ctx context.Context) (bool, error) {
		return false, errors.New("redis down")
	}

	_, err := Do(context.Background(), b, failing)
	require.Error(t, err)
	assert.Equal(t, gobreaker.StateClosed, b.State())

	_, err = Do(context.Background(), b, failing)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "circuit breaker redis-test is open")
	assert.Equal(t, gobreaker.StateOpen, b.State())
	assert.Equal(t, []gobreaker.State{gobreaker.StateOpen}, transitions)

	_, err = Do(context.Background(), b, func(ctx context.Context) (bool, error) {
		t.Fatal("must not run while open")
		return true, nil
	})
	assert.ErrorIs(t, err, gobreaker.ErrOpenState)
}

func TestBreaker_CancelledContextNotCounted(t *testing.T) {
	b := New("ctx-test", ratioConfig(1), nil)

	ctx, cancel := context.WithCancel(context.Background())
	_, err := Do(ctx, b, func(ctx context.Context) (bool, error) {
		cancel()
		return false, ctx.Err()
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, gobreaker.StateClosed, b.State())

	_, err = Do(ctx, b, func(ctx context.Context) (bool, error) {
		t.Fatal("must not run with a done context")
		return false, nil
	})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestBreaker_Success(t *testing.T) {
	b := New("ok-test", config.CircuitBreakerConfig{}, nil)

	res, err := Do(context.Background(), b, func(ctx context.Context) (int, error) { return 42, nil })
	require.NoError(t, err)
	assert.Equal(t, 42, res)
	assert.Equal(t, "ok-test", b.Name())
}

func TestWithDefaults(t *testing.T) {
	cfg := withDefaults(config.CircuitBreakerConfig{Timeout: 5 * time.Second})

	assert.Equal(t, uint32(defaultMaxRequests), cfg.MaxRequests)
	assert.Equal(t, defaultInterval, cfg.Interval)
	assert.Equal(t, 5*time.Second, cfg.Timeout)
	assert.Equal(t, defaultFailureRatio, cfg.FailureRatio)
	assert.Equal(t, uint32(defaultMinRequests), cfg.MinRequests)
}
