package circuitbreaker

import (
	"context"
	"fmt"
	"time"

	"github.com/sony/gobreaker"

	"spool/internal/config"
	"spool/pkg/metrics"
)

const (
	defaultMaxRequests  = 3
	defaultInterval     = time.Minute
	defaultTimeout      = time.Minute
	defaultFailureRatio = 0.5
	defaultMinRequests  = 3
)

// Breaker guards calls to an external dependency and mirrors its state into
// the circuit breaker metrics.
type Breaker struct {
	cb *gobreaker.CircuitBreaker
}

// New builds a ratio breaker: it opens once MinRequests calls were seen in
// the current interval and the failure ratio reaches FailureRatio. Zero
// fields fall back to defaults.
func New(name string, cfg config.CircuitBreakerConfig, onStateChange func(name string, from, to gobreaker.State)) *Breaker {
	cfg = withDefaults(cfg)

	settings := gobreaker.Settings{
		Name:        name,
		MaxRequests: cfg.MaxRequests,
		Interval:    cfg.Interval,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests == 0 || counts.Requests < cfg.MinRequests {
				return false
			}
			return float64(counts.TotalFailures)/float64(counts.Requests) >= cfg.FailureRatio
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			setState(name, to)
			if onStateChange != nil {
				onStateChange(name, from, to)
			}
		},
	}

	b := &Breaker{cb: gobreaker.NewCircuitBreaker(settings)}
	setState(name, b.cb.State())
	return b
}

func withDefaults(cfg config.CircuitBreakerConfig) config.CircuitBreakerConfig {
	if cfg.MaxRequests == 0 {
		cfg.MaxRequests = defaultMaxRequests
	}
	if cfg.Interval <= 0 {
		cfg.Interval = defaultInterval
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.FailureRatio <= 0 {
		cfg.FailureRatio = defaultFailureRatio
	}
	if cfg.MinRequests == 0 {
		cfg.MinRequests = defaultMinRequests
	}
	return cfg
}

func (b *Breaker) Name() string {
	return b.cb.Name()
}

func (b *Breaker) State() gobreaker.State {
	return b.cb.State()
}

// Do runs fn through the breaker. It refuses to start once ctx is done, and a
// failure caused by ctx ending is returned without counting against the
// dependency.
func Do[T any](ctx context.Context, b *Breaker, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	if err := ctx.Err(); err != nil {
		return zero, err
	}

	var ctxErr error
	result, err := b.cb.Execute(func() (interface{}, error) {
		res, err := fn(ctx)
		if err != nil && ctx.Err() != nil {
			ctxErr = err
			return nil, nil
		}
		return res, err
	})
	if ctxErr != nil {
		return zero, ctxErr
	}

	metrics.CircuitBreakerRequests.WithLabelValues(b.cb.Name(), b.cb.State().String()).Inc()
	if err != nil {
		metrics.CircuitBreakerFailures.WithLabelValues(b.cb.Name()).Inc()
		if b.cb.State() == gobreaker.StateOpen {
			return zero, fmt.Errorf("circuit breaker %s is open: %w", b.cb.Name(), err)
		}
		return zero, err
	}
	v, _ := result.(T)
	return v, nil
}

func setState(name string, state gobreaker.State) {
	var v float64
	switch state {
	case gobreaker.StateHalfOpen:
		v = 1
	case gobreaker.StateOpen:
		v = 2
	}
	metrics.CircuitBreakerState.WithLabelValues(name).Set(v)
}
