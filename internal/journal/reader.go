package journal

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"spool/internal/admission"
	"spool/internal/broker"
	"spool/internal/config"
	"spool/internal/logger"
	"spool/pkg/logging"
	"spool/pkg/metrics"
	"spool/pkg/models"
	"spool/pkg/retry"
	"spool/pkg/tracing"
)

type State int32

const (
	StateStopped State = iota
	StateRunning
	StateStopping
)

func (s State) String() string {
	switch s {
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	default:
		return "stopped"
	}
}

const commitTimeout = 5 * time.Second

// Handler receives every parsed envelope. It may block; a non-nil error
// leaves the entry uncommitted so it is redelivered after a restart.
type Handler func(ctx context.Context, env *models.Envelope) error

type Reader struct {
	backend broker.Backend
	cfg     config.ReaderConfig
	signal  admission.Signal
	handler Handler
	logger  logger.Logger

	state  atomic.Int32
	cancel context.CancelFunc
	done   chan struct{}

	pollErrLog rate.Sometimes
}

func NewReader(backend broker.Backend, cfg config.ReaderConfig, signal admission.Signal, handler Handler, log logger.Logger) *Reader {
	return &Reader{
		backend:    backend,
		cfg:        cfg,
		signal:     signal,
		handler:    handler,
		logger:     log.Named("journal_reader"),
		pollErrLog: rate.Sometimes{First: 1, Interval: 10 * time.Second},
	}
}

func (r *Reader) State() State {
	return State(r.state.Load())
}

// Start launches the poll loop. The backend must already be connected.
func (r *Reader) Start(ctx context.Context) error {
	if !r.state.CompareAndSwap(int32(StateStopped), int32(StateRunning)) {
		return fmt.Errorf("journal reader cannot start from state %s", r.State())
	}

	loopCtx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.done = make(chan struct{})

	go r.run(loopCtx)

	r.logger.Infow("Journal reader started",
		"backend", r.backend.Name(),
		"poll_max", r.cfg.PollMax,
		"poll_timeout", r.cfg.PollTimeout,
	)
	return nil
}

// Stop cancels the loop and waits for the in-flight poll to return.
func (r *Reader) Stop() {
	if !r.state.CompareAndSwap(int32(StateRunning), int32(StateStopping)) {
		return
	}
	r.cancel()
	<-r.done
	r.state.Store(int32(StateStopped))
	r.logger.Info("Journal reader stopped")
}

func (r *Reader) run(ctx context.Context) {
	defer close(r.done)

	backoff := retry.Policy{
		InitialInterval: r.cfg.ErrorBackoff / 8,
		MaxInterval:     r.cfg.ErrorBackoff,
		Multiplier:      2,
	}
	failures := 0

	for ctx.Err() == nil {
		if r.signal != nil && !r.signal.ShouldAcceptMore() {
			r.idle(ctx)
			continue
		}

		start := time.Now()
		entries, err := r.backend.Poll(ctx, r.cfg.PollMax, r.cfg.PollTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			r.pollErrLog.Do(func() {
				r.logger.Errorw("Durable queue poll failed",
					"backend", r.backend.Name(),
					"error", err,
				)
			})
			r.sleep(ctx, backoff.Delay(failures))
			failures++
			continue
		}
		failures = 0

		size := 0
		for _, e := range entries {
			size += len(e.Value)
		}
		metrics.ObserveJournalPoll(r.backend.Name(), len(entries), size, time.Since(start))

		for _, entry := range entries {
			if err := r.forward(ctx, entry); err != nil {
				if ctx.Err() != nil {
					return
				}
				r.logger.Warnw("Envelope not accepted downstream, leaving uncommitted",
					"entry_id", string(entry.ID),
					"error", err,
				)
			}
		}
	}
}

func (r *Reader) forward(ctx context.Context, entry broker.WireEntry) error {
	env, err := DecodeEnvelope(entry.Value)
	if err != nil {
		metrics.IncJournalPoison(r.backend.Name())
		r.logger.Errorw("Dropping unparseable queue entry",
			"backend", r.backend.Name(),
			"entry_id", string(entry.ID),
			"size", len(entry.Value),
			"error", err,
		)
		r.Commit(ctx, entry.Token)
		return nil
	}

	env.Token = entry.Token
	entryCtx := tracing.ExtractHeaders(ctx, entry.Headers)
	if sc := trace.SpanContextFromContext(entryCtx); sc.HasTraceID() {
		entryCtx = logging.WithTraceID(entryCtx, sc.TraceID().String())
	}
	entryCtx = logging.WithEnvelopeID(entryCtx, env.ID)
	entryCtx = logging.WithInputID(entryCtx, env.Source.InputID)

	return r.handler(entryCtx, env)
}

// Commit acknowledges entries. It is best effort: failures are logged and
// counted, and the entries are redelivered after a restart.
func (r *Reader) Commit(ctx context.Context, tokens ...broker.CommitToken) {
	if len(tokens) == 0 {
		return
	}

	commitCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), commitTimeout)
	defer cancel()

	err := r.backend.Commit(commitCtx, tokens...)
	metrics.IncJournalCommit(r.backend.Name(), err)
	if err != nil {
		r.logger.WarnwCtx(ctx, "Commit failed, entries will be redelivered",
			"backend", r.backend.Name(),
			"tokens", len(tokens),
			"error", err,
		)
	}
}

func (r *Reader) idle(ctx context.Context) {
	timer := time.NewTimer(r.cfg.IdleWait)
	defer timer.Stop()

	var wake <-chan struct{}
	if r.signal != nil {
		wake = r.signal.Wait()
	}

	select {
	case <-ctx.Done():
	case <-wake:
	case <-timer.C:
	}
}

func (r *Reader) sleep(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}
