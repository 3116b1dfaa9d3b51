// Package batch groups individually fed items into size- or time-bounded
// batches and hands each batch to a single flush call.
package batch

import (
	"context"
	"errors"
	"sync"
	"time"

	"k8s.io/utils/clock"

	"spool/internal/logger"
	apperrors "spool/pkg/errors"
	"spool/pkg/metrics"
)

// ErrStopped is returned by Feed once Shutdown has been called.
var ErrStopped = errors.New("batch aggregator stopped")

// FlushFunc receives a batch that is never touched by the aggregator again.
type FlushFunc[T any] func(ctx context.Context, batch []T) error

type Option func(*options)

type options struct {
	clock clock.WithTicker
}

// WithClock replaces the wall clock driving the flush ticker.
func WithClock(c clock.WithTicker) Option {
	return func(o *options) {
		o.clock = c
	}
}

// Aggregator accumulates items under one mutex and serialises flushes under a
// second one, so feeders never wait on flush I/O unless a second full batch is
// already waiting behind the one in flight.
type Aggregator[T any] struct {
	name          string
	maxBatchSize  int
	flushInterval time.Duration
	flushFunc     FlushFunc[T]
	log           logger.Logger
	clock         clock.WithTicker

	mu        sync.Mutex
	batch     []T
	lastFlush time.Time
	stopped   bool

	flushMu  sync.Mutex
	flushCtx context.Context

	started  bool
	stopCh   chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

func New[T any](name string, maxBatchSize int, flushInterval time.Duration, flushFunc FlushFunc[T], log logger.Logger, opts ...Option) *Aggregator[T] {
	o := options{clock: clock.RealClock{}}
	for _, opt := range opts {
		opt(&o)
	}
	if maxBatchSize < 1 {
		maxBatchSize = 1
	}

	return &Aggregator[T]{
		name:          name,
		maxBatchSize:  maxBatchSize,
		flushInterval: flushInterval,
		flushFunc:     flushFunc,
		log:           log.Named("batch"),
		clock:         o.clock,
		batch:         make([]T, 0, maxBatchSize),
		lastFlush:     o.clock.Now(),
		flushCtx:      context.Background(),
		stopCh:        make(chan struct{}),
		done:          make(chan struct{}),
	}
}

// Start launches the interval flusher. Flushes run with a context detached
// from ctx's cancellation so the final flush in Shutdown can still complete.
func (a *Aggregator[T]) Start(ctx context.Context) {
	a.mu.Lock()
	if a.started || a.stopped {
		a.mu.Unlock()
		return
	}
	a.started = true
	a.flushCtx = context.WithoutCancel(ctx)
	a.mu.Unlock()

	if a.flushInterval <= 0 {
		close(a.done)
		return
	}

	ticker := a.clock.NewTicker(a.flushInterval)
	go a.run(ctx, ticker)
}

func (a *Aggregator[T]) run(ctx context.Context, ticker clock.Ticker) {
	defer close(a.done)
	defer ticker.Stop()

	for {
		select {
		case <-a.stopCh:
			return
		case <-ctx.Done():
			return
		case now := <-ticker.C():
			a.flushIfDue(now)
		}
	}
}

// Feed appends item and flushes synchronously when the batch reaches
// maxBatchSize.
func (a *Aggregator[T]) Feed(item T) error {
	a.mu.Lock()
	if a.stopped {
		a.mu.Unlock()
		return ErrStopped
	}

	a.batch = append(a.batch, item)
	if len(a.batch) < a.maxBatchSize {
		a.mu.Unlock()
		return nil
	}

	full, ctx := a.swapLocked()
	a.flushMu.Lock()
	a.mu.Unlock()

	defer a.flushMu.Unlock()
	a.flush(ctx, full)
	return nil
}

func (a *Aggregator[T]) flushIfDue(now time.Time) {
	a.mu.Lock()
	if len(a.batch) == 0 || now.Sub(a.lastFlush) < a.flushInterval {
		a.mu.Unlock()
		return
	}

	partial, ctx := a.swapLocked()
	a.flushMu.Lock()
	a.mu.Unlock()

	defer a.flushMu.Unlock()
	a.flush(ctx, partial)
}

// Shutdown stops the interval flusher and synchronously flushes whatever is
// left. It is safe to call more than once.
func (a *Aggregator[T]) Shutdown() {
	a.stopOnce.Do(func() {
		close(a.stopCh)

		a.mu.Lock()
		started := a.started
		a.mu.Unlock()
		if started {
			<-a.done
		}

		a.mu.Lock()
		a.stopped = true
		if len(a.batch) == 0 {
			a.mu.Unlock()
			return
		}
		rest, ctx := a.swapLocked()
		a.flushMu.Lock()
		a.mu.Unlock()

		defer a.flushMu.Unlock()
		a.flush(ctx, rest)
	})
}

// Len reports the number of items waiting in the current batch.
func (a *Aggregator[T]) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.batch)
}

func (a *Aggregator[T]) swapLocked() ([]T, context.Context) {
	out := a.batch
	a.batch = make([]T, 0, a.maxBatchSize)
	a.lastFlush = a.clock.Now()
	return out, a.flushCtx
}

func (a *Aggregator[T]) flush(ctx context.Context, batch []T) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			metrics.IncBatchFlushFailure(a.name)
			a.log.Errorw("Batch flush panicked",
				"aggregator", a.name,
				"size", len(batch),
				"error", apperrors.RecoverPanic(r),
			)
		}
	}()

	metrics.ObserveBatchFlush(a.name, len(batch))

	if err := a.flushFunc(ctx, batch); err != nil {
		metrics.IncBatchFlushFailure(a.name)
		a.log.Errorw("Batch flush failed",
			"aggregator", a.name,
			"size", len(batch),
			"duration_ms", time.Since(start).Milliseconds(),
			"error", err,
		)
		return
	}

	a.log.Debugw("Batch flushed",
		"aggregator", a.name,
		"size", len(batch),
		"duration_ms", time.Since(start).Milliseconds(),
	)
}
