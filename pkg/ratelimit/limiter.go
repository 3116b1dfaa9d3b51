// Package ratelimit keeps one token bucket per key, typically a sender address.
package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

type limiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

type Config struct {
	RPS             float64
	Burst           int
	CleanupInterval time.Duration
	MaxAge          time.Duration
}

func DefaultConfig() Config {
	return Config{
		RPS:             10.0,
		Burst:           20,
		CleanupInterval: 5 * time.Minute,
		MaxAge:          10 * time.Minute,
	}
}

// Keyed hands out tokens per key. Idle keys are swept lazily from Allow, so
// there is no background goroutine to stop.
type Keyed struct {
	cfg Config
	now func() time.Time

	mu        sync.Mutex
	limiters  map[string]*limiter
	lastSweep time.Time
}

func NewKeyed(cfg Config) *Keyed {
	def := DefaultConfig()
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = def.CleanupInterval
	}
	if cfg.MaxAge <= 0 {
		cfg.MaxAge = def.MaxAge
	}
	k := &Keyed{
		cfg:      cfg,
		now:      time.Now,
		limiters: make(map[string]*limiter),
	}
	k.lastSweep = k.now()
	return k
}

func (k *Keyed) Allow(key string) bool {
	now := k.now()

	k.mu.Lock()
	defer k.mu.Unlock()

	if now.Sub(k.lastSweep) >= k.cfg.CleanupInterval {
		k.sweep(now)
	}

	l, ok := k.limiters[key]
	if !ok {
		l = &limiter{limiter: rate.NewLimiter(rate.Limit(k.cfg.RPS), k.cfg.Burst)}
		k.limiters[key] = l
	}
	l.lastSeen = now
	return l.limiter.AllowN(now, 1)
}

// Len reports how many keys are tracked.
func (k *Keyed) Len() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.limiters)
}

func (k *Keyed) sweep(now time.Time) {
	for key, l := range k.limiters {
		if now.Sub(l.lastSeen) > k.cfg.MaxAge {
			delete(k.limiters, key)
		}
	}
	k.lastSweep = now
}
