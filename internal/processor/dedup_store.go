package processor

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker"

	"spool/internal/config"
	"spool/internal/logger"
	"spool/pkg/circuitbreaker"
)

// DedupStore remembers keys for a TTL. SetNX reports true when the key was new.
type DedupStore interface {
	SetNX(ctx context.Context, key string, value interface{}, ttl time.Duration) (bool, error)
}

type RedisDedupStore struct {
	client redis.UniversalClient
}

func NewRedisDedupStore(client redis.UniversalClient) *RedisDedupStore {
	return &RedisDedupStore{client: client}
}

func (r *RedisDedupStore) SetNX(ctx context.Context, key string, value interface{}, ttl time.Duration) (bool, error) {
	success, err := r.client.SetNX(ctx, key, value, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("redis SetNX failed: %w", err)
	}
	return success, nil
}

// breakerDedupStore stops calling a failing store until the breaker closes.
type breakerDedupStore struct {
	store   DedupStore
	breaker *circuitbreaker.Breaker
}

func newBreakerDedupStore(store DedupStore, name string, cfg config.CircuitBreakerConfig, log logger.Logger) DedupStore {
	if !cfg.Enabled {
		return store
	}
	breaker := circuitbreaker.New(name, cfg, func(name string, from, to gobreaker.State) {
		log.Warnw("Dedup store circuit breaker changed state",
			"breaker", name,
			"from", from.String(),
			"to", to.String(),
		)
	})
	return &breakerDedupStore{store: store, breaker: breaker}
}

func (b *breakerDedupStore) SetNX(ctx context.Context, key string, value interface{}, ttl time.Duration) (bool, error) {
	return circuitbreaker.Do(ctx, b.breaker, func(ctx context.Context) (bool, error) {
		return b.store.SetNX(ctx, key, value, ttl)
	})
}
