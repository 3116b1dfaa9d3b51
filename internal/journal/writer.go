package journal

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"spool/internal/batch"
	"spool/internal/broker"
	"spool/internal/config"
	"spool/internal/logger"
	apperrors "spool/pkg/errors"
	"spool/pkg/metrics"
	"spool/pkg/models"
	"spool/pkg/retry"
	"spool/pkg/tracing"
)

// ErrQueueUnavailable is returned while the backend is not connected yet, after
// the writer stopped, or when readiness does not arrive within ready_timeout.
var ErrQueueUnavailable = apperrors.ErrQueueUnavailable

type Writer struct {
	backend broker.Backend
	cfg     config.WriterConfig
	policy  retry.Policy
	logger  logger.Logger
	agg     *batch.Aggregator[broker.WireEntry]

	ready     chan struct{}
	readyOnce sync.Once
	stopped   atomic.Bool
}

func NewWriter(backend broker.Backend, cfg config.WriterConfig, log logger.Logger, opts ...batch.Option) *Writer {
	w := &Writer{
		backend: backend,
		cfg:     cfg,
		policy:  policyFromConfig(cfg.Retry),
		logger:  log.Named("journal_writer"),
		ready:   make(chan struct{}),
	}
	w.agg = batch.New[broker.WireEntry]("journal_writer", cfg.BatchSize, cfg.FlushInterval, w.submit, log, opts...)
	return w
}

func policyFromConfig(cfg config.RetryConfig) retry.Policy {
	p := retry.DefaultPolicy()
	if cfg.MaxAttempts > 0 {
		p.MaxAttempts = cfg.MaxAttempts
	}
	if cfg.InitialInterval > 0 {
		p.InitialInterval = cfg.InitialInterval
	}
	if cfg.MaxInterval > 0 {
		p.MaxInterval = cfg.MaxInterval
	}
	if cfg.Multiplier > 0 {
		p.Multiplier = cfg.Multiplier
	}
	if cfg.MaxElapsedTime > 0 {
		p.MaxElapsedTime = cfg.MaxElapsedTime
	}
	return p
}

// Start connects the backend, retrying per the configured policy, and then
// opens the writer for Write calls. A connect failure is a startup failure.
func (w *Writer) Start(ctx context.Context) error {
	err := retry.RetryWithCallback(ctx, w.policy, func() error {
		return w.backend.Connect(ctx)
	}, func(attempt int, err error, nextDelay time.Duration) {
		metrics.IncRetryAttempt("journal_connect")
		w.logger.Warnw("Durable queue not reachable, retrying",
			"backend", w.backend.Name(),
			"attempt", attempt,
			"next_delay", nextDelay,
			"error", err,
		)
	})
	if err != nil {
		return fmt.Errorf("failed to connect %s backend: %w", w.backend.Name(), err)
	}

	w.agg.Start(ctx)
	w.readyOnce.Do(func() { close(w.ready) })

	w.logger.Infow("Journal writer ready",
		"backend", w.backend.Name(),
		"batch_size", w.cfg.BatchSize,
		"flush_interval", w.cfg.FlushInterval,
	)
	return nil
}

// Write hands envelopes to the batch aggregator. It returns once the
// envelopes are accepted for batching, not once they are durable.
func (w *Writer) Write(ctx context.Context, envs ...*models.Envelope) error {
	if err := w.awaitReady(ctx); err != nil {
		return err
	}

	entries, err := w.entries(ctx, envs)
	if err != nil {
		return err
	}

	for _, e := range entries {
		if err := w.agg.Feed(e); err != nil {
			if errors.Is(err, batch.ErrStopped) {
				return ErrQueueUnavailable.WithCause(err)
			}
			return err
		}
	}
	return nil
}

// WriteSync bypasses batching and returns once the backend accepted the
// envelopes or the retry policy gave up.
func (w *Writer) WriteSync(ctx context.Context, envs ...*models.Envelope) error {
	if err := w.awaitReady(ctx); err != nil {
		return err
	}

	entries, err := w.entries(ctx, envs)
	if err != nil {
		return err
	}
	return w.submit(ctx, entries)
}

func (w *Writer) awaitReady(ctx context.Context) error {
	if w.stopped.Load() {
		return ErrQueueUnavailable.WithMessage("journal writer stopped")
	}

	select {
	case <-w.ready:
		return nil
	default:
	}

	timer := time.NewTimer(w.cfg.ReadyTimeout)
	defer timer.Stop()

	select {
	case <-w.ready:
		if w.stopped.Load() {
			return ErrQueueUnavailable.WithMessage("journal writer stopped")
		}
		return nil
	case <-timer.C:
		return ErrQueueUnavailable.WithMessage("durable queue not ready")
	case <-ctx.Done():
		return ErrQueueUnavailable.WithCause(ctx.Err())
	}
}

func (w *Writer) entries(ctx context.Context, envs []*models.Envelope) ([]broker.WireEntry, error) {
	headers := tracing.InjectHeaders(ctx)

	out := make([]broker.WireEntry, 0, len(envs))
	for _, env := range envs {
		value, err := EncodeEnvelope(env)
		if err != nil {
			return nil, apperrors.ErrValidation.WithCause(err)
		}
		out = append(out, broker.WireEntry{
			ID:      []byte(env.ID),
			Key:     []byte(env.Source.InputID),
			Value:   value,
			Headers: headers,
		})
	}
	return out, nil
}

func (w *Writer) submit(ctx context.Context, entries []broker.WireEntry) error {
	if len(entries) == 0 {
		return nil
	}

	size := 0
	for _, e := range entries {
		size += len(e.Value)
	}

	start := time.Now()
	err := retry.RetryWithCallback(ctx, w.policy, func() error {
		return w.backend.Write(ctx, entries)
	}, func(attempt int, err error, nextDelay time.Duration) {
		metrics.IncRetryAttempt("journal_write")
		w.logger.Warnw("Durable queue write failed, retrying",
			"backend", w.backend.Name(),
			"entries", len(entries),
			"attempt", attempt,
			"next_delay", nextDelay,
			"error", err,
		)
	})
	metrics.ObserveJournalWrite(w.backend.Name(), len(entries), size, time.Since(start), err)

	if err != nil {
		return ErrQueueUnavailable.WithCause(err)
	}
	return nil
}

// Stop rejects further writes and flushes whatever is still batched.
func (w *Writer) Stop() {
	if w.stopped.Swap(true) {
		return
	}
	w.readyOnce.Do(func() { close(w.ready) })
	w.agg.Shutdown()
	w.logger.Info("Journal writer stopped")
}
