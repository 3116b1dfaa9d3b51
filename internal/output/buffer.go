// Package output buffers dispatched messages and writes them to a sink in
// batches.
package output

import (
	"context"
	"sync"
	"time"

	"github.com/sourcegraph/conc/pool"

	"spool/internal/admission"
	"spool/internal/batch"
	"spool/internal/config"
	"spool/internal/logger"
	apperrors "spool/pkg/errors"
	"spool/pkg/metrics"
	"spool/pkg/models"
	"spool/pkg/retry"
)

const admissionSource = "output"

var ErrStopped = apperrors.ErrStopped

// Buffer is the dispatcher's output. InsertBlocking blocks while the buffer
// is full, and the admission gate is closed above the high watermark so the
// queue reader stops polling before that happens.
type Buffer struct {
	cfg       config.OutputConfig
	sink      Sink
	ch        chan *models.Message
	watermark *admission.Watermark
	agg       *batch.Aggregator[*models.Message]
	policy    retry.Policy
	logger    logger.Logger

	// retryCtx ends once Stop's context does, abandoning sink retries.
	retryCtx    context.Context
	cancelRetry context.CancelFunc

	workers  *pool.Pool
	stopCh   chan struct{}
	stopOnce sync.Once
}

func NewBuffer(cfg config.OutputConfig, sink Sink, gate *admission.Gate, log logger.Logger, opts ...batch.Option) *Buffer {
	capacity := cfg.BufferCapacity
	if capacity < 1 {
		capacity = 1
	}

	b := &Buffer{
		cfg:    cfg,
		sink:   sink,
		ch:     make(chan *models.Message, capacity),
		policy: sinkRetryPolicy(),
		logger: log.Named("output"),
		stopCh: make(chan struct{}),
	}
	b.retryCtx, b.cancelRetry = context.WithCancel(context.Background())
	if gate != nil {
		b.watermark = admission.NewWatermark(gate, admissionSource, b.Len, capacity, cfg.HighWatermark, cfg.LowWatermark)
	}
	b.agg = batch.New[*models.Message]("output_"+sink.Name(), cfg.BatchSize, cfg.FlushInterval, b.flush, log, opts...)
	return b
}

// sinkRetryPolicy never gives up on its own. While the sink is down the
// workers stay blocked in flush, the buffer fills and the watermark closes the
// admission gate, so the outage holds entries in the durable queue instead of
// dropping committed batches.
func sinkRetryPolicy() retry.Policy {
	return retry.Policy{
		MaxAttempts:     retry.Unlimited,
		InitialInterval: 100 * time.Millisecond,
		MaxInterval:     10 * time.Second,
		Multiplier:      2.0,
	}
}

// Start launches the drain workers.
func (b *Buffer) Start(ctx context.Context) {
	b.agg.Start(ctx)

	workers := b.cfg.Workers
	if workers < 1 {
		workers = 1
	}
	b.workers = pool.New().WithMaxGoroutines(workers)
	for i := 0; i < workers; i++ {
		b.workers.Go(b.drain)
	}

	b.logger.Infow("Output stage started",
		"sink", b.sink.Name(),
		"capacity", cap(b.ch),
		"workers", workers,
	)
}

func (b *Buffer) InsertBlocking(ctx context.Context, msg *models.Message) error {
	select {
	case <-b.stopCh:
		return ErrStopped
	default:
	}

	select {
	case b.ch <- msg:
		b.observe()
		return nil
	default:
	}

	start := time.Now()
	defer func() { metrics.ObserveOutputBlocked(time.Since(start)) }()

	select {
	case b.ch <- msg:
		b.observe()
		return nil
	case <-b.stopCh:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Len reports the number of buffered messages not yet taken by a worker.
func (b *Buffer) Len() int {
	return len(b.ch)
}

func (b *Buffer) observe() {
	metrics.SetOutputBufferSize(len(b.ch))
	if b.watermark != nil {
		b.watermark.Observe()
	}
}

func (b *Buffer) drain() {
	for {
		select {
		case msg := <-b.ch:
			b.feed(msg)
		case <-b.stopCh:
			for {
				select {
				case msg := <-b.ch:
					b.feed(msg)
				default:
					return
				}
			}
		}
	}
}

func (b *Buffer) feed(msg *models.Message) {
	b.observe()
	if err := b.agg.Feed(msg); err != nil {
		b.logger.Errorw("Dropping message after output shutdown",
			"message_id", msg.ID,
			"error", err,
		)
	}
}

func (b *Buffer) flush(ctx context.Context, msgs []*models.Message) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(b.retryCtx, cancel)
	defer stop()

	err := retry.RetryWithCallback(ctx, b.policy, func() error {
		return b.sink.Insert(ctx, msgs)
	}, func(attempt int, err error, nextDelay time.Duration) {
		metrics.IncRetryAttempt("output_" + b.sink.Name())
		b.logger.Warnw("Sink insert failed, retrying",
			"sink", b.sink.Name(),
			"messages", len(msgs),
			"attempt", attempt,
			"next_delay", nextDelay,
			"error", err,
		)
	})
	metrics.AddOutputInserted(b.sink.Name(), len(msgs), err)
	if err != nil {
		return apperrors.ErrSink.WithCause(err)
	}
	return nil
}

// Stop rejects new inserts, drains what is buffered into the sink and
// closes it. Callers must stop producing before calling Stop. A sink that is
// still failing is retried until ctx ends, after which the remaining batches
// are dropped.
func (b *Buffer) Stop(ctx context.Context) error {
	var err error
	b.stopOnce.Do(func() {
		release := context.AfterFunc(ctx, b.cancelRetry)
		defer release()
		defer b.cancelRetry()

		close(b.stopCh)
		if b.workers != nil {
			b.workers.Wait()
		}
		b.agg.Shutdown()
		if b.watermark != nil {
			b.watermark.Observe()
		}
		err = b.sink.Close(ctx)
		b.logger.Info("Output stage stopped")
	})
	return err
}
