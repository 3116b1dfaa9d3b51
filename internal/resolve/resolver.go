// Package resolve keeps a reverse DNS cache that inputs can read without ever
// blocking on a lookup.
package resolve

import (
	"context"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/patrickmn/go-cache"

	"spool/internal/config"
	"spool/internal/logger"
)

// LookupFunc resolves an address to host names.
type LookupFunc func(ctx context.Context, addr string) ([]string, error)

type entry struct {
	hostname string
	pending  bool
}

// Resolver answers from its cache and schedules a background lookup on a miss.
// Failed lookups are cached as empty so an unresolvable sender costs one
// lookup per TTL.
type Resolver struct {
	cache   *cache.Cache
	ttl     time.Duration
	timeout time.Duration
	lookup  LookupFunc
	logger  logger.Logger

	queue chan string
	wg    sync.WaitGroup
	once  sync.Once
	stop  chan struct{}
}

func New(cfg config.ResolverConfig, log logger.Logger) *Resolver {
	return NewWithLookup(cfg, net.DefaultResolver.LookupAddr, log)
}

func NewWithLookup(cfg config.ResolverConfig, lookup LookupFunc, log logger.Logger) *Resolver {
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	timeout := cfg.LookupTimeout
	if timeout <= 0 {
		timeout = 2 * time.Second
	}

	return &Resolver{
		cache:   cache.New(ttl, 2*ttl),
		ttl:     ttl,
		timeout: timeout,
		lookup:  lookup,
		logger:  log.Named("resolver"),
		queue:   make(chan string, 256),
		stop:    make(chan struct{}),
	}
}

// Start launches the lookup workers.
func (r *Resolver) Start(workers int) {
	if workers < 1 {
		workers = 1
	}
	for i := 0; i < workers; i++ {
		r.wg.Add(1)
		go r.run()
	}
}

// Hostname returns the cached name of addr, or "" when it is unknown or not
// resolved yet. It never blocks.
func (r *Resolver) Hostname(addr string) string {
	if v, ok := r.cache.Get(addr); ok {
		return v.(entry).hostname
	}

	if err := r.cache.Add(addr, entry{pending: true}, r.timeout*2); err != nil {
		return ""
	}

	select {
	case r.queue <- addr:
	default:
		r.cache.Delete(addr)
	}
	return ""
}

func (r *Resolver) Close() {
	r.once.Do(func() {
		close(r.stop)
		r.wg.Wait()
	})
}

func (r *Resolver) run() {
	defer r.wg.Done()
	for {
		select {
		case <-r.stop:
			return
		case addr := <-r.queue:
			r.resolve(addr)
		}
	}
}

func (r *Resolver) resolve(addr string) {
	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()

	names, err := r.lookup(ctx, addr)
	if err != nil || len(names) == 0 {
		r.logger.Debugw("Reverse lookup failed",
			"addr", addr,
			"error", err,
		)
		r.cache.Set(addr, entry{}, r.ttl)
		return
	}

	r.cache.Set(addr, entry{hostname: strings.TrimSuffix(names[0], ".")}, r.ttl)
}
