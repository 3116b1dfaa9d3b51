// Package pipeline runs the decode, sequence and dispatch stages for every
// envelope read from the durable queue.
package pipeline

import (
	"context"
	"sync"

	"golang.org/x/sync/errgroup"

	"spool/internal/admission"
	"spool/internal/decoding"
	"spool/internal/dispatch"
	"spool/internal/logger"
	"spool/internal/sequence"
	apperrors "spool/pkg/errors"
	"spool/pkg/metrics"
	"spool/pkg/models"
	"spool/pkg/tracing"
)

const admissionSource = "intake"

var ErrStopped = apperrors.ErrStopped

type item struct {
	ctx context.Context
	env *models.Envelope
	seq uint16
}

type Options struct {
	Workers       int
	Capacity      int
	HighWatermark float64
	LowWatermark  float64
}

// Pipeline owns the bounded intake and a fixed pool of workers. Each worker
// takes one envelope through Decode, Sequence, Dispatch and Commit.
type Pipeline struct {
	opts       Options
	counters   *sequence.Counters
	sequencer  *sequence.Sequencer
	stage      *decoding.Stage
	dispatcher *dispatch.Dispatcher
	committer  decoding.Committer
	watermark  *admission.Watermark
	logger     logger.Logger

	intake   chan item
	stopCh   chan struct{}
	stopOnce sync.Once
}

func New(opts Options, stage *decoding.Stage, dispatcher *dispatch.Dispatcher, committer decoding.Committer, gate *admission.Gate, log logger.Logger) *Pipeline {
	if opts.Workers < 1 {
		opts.Workers = 1
	}
	if opts.Capacity < 1 {
		opts.Capacity = 1
	}

	p := &Pipeline{
		opts:       opts,
		counters:   sequence.NewCounters(log),
		sequencer:  sequence.NewSequencer(),
		stage:      stage,
		dispatcher: dispatcher,
		committer:  committer,
		logger:     log.Named("pipeline"),
		intake:     make(chan item, opts.Capacity),
		stopCh:     make(chan struct{}),
	}
	if gate != nil {
		p.watermark = admission.NewWatermark(gate, admissionSource, p.intakeLen, opts.Capacity, opts.HighWatermark, opts.LowWatermark)
	}
	return p
}

// Enqueue assigns the envelope its per-input arrival number and hands it to
// the workers, blocking while the intake is full.
func (p *Pipeline) Enqueue(ctx context.Context, env *models.Envelope) error {
	select {
	case <-p.stopCh:
		return ErrStopped
	default:
	}

	it := item{
		ctx: ctx,
		env: env,
		seq: p.counters.For(env.Source.InputID).Next(),
	}

	select {
	case p.intake <- it:
		p.observe()
		return nil
	case <-p.stopCh:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run blocks until ctx is done or Stop was called and the intake drained.
func (p *Pipeline) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < p.opts.Workers; i++ {
		g.Go(func() error {
			p.work(ctx)
			return nil
		})
	}

	p.logger.Infow("Pipeline workers started",
		"workers", p.opts.Workers,
		"intake_capacity", p.opts.Capacity,
	)
	return g.Wait()
}

// Stop rejects further envelopes. Workers finish what is already queued.
func (p *Pipeline) Stop() {
	p.stopOnce.Do(func() {
		close(p.stopCh)
	})
}

func (p *Pipeline) work(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case it := <-p.intake:
			p.observe()
			p.process(ctx, it)
		case <-p.stopCh:
			for {
				select {
				case it := <-p.intake:
					p.observe()
					p.process(ctx, it)
				default:
					return
				}
			}
		}
	}
}

func (p *Pipeline) process(runCtx context.Context, it item) {
	// values from the entry, cancellation from the worker
	ctx, cancel := context.WithCancel(context.WithoutCancel(it.ctx))
	defer cancel()
	stop := context.AfterFunc(runCtx, cancel)
	defer stop()

	ctx, span := tracing.GetTracer("pipeline").Start(ctx, "pipeline.process")
	defer span.End()

	msgs, res := p.stage.Decode(ctx, it.env, it.seq)
	if res.Outcome == decoding.Dropped {
		return
	}

	for _, msg := range msgs {
		if err := p.sequencer.Assign(msg); err != nil {
			// Retrying cannot fix the timestamp, so the entry is dropped
			// rather than left to block the queue behind it.
			metrics.IncSequenceFailure(it.env.Source.InputID)
			p.logger.ErrorwCtx(ctx, "Failed to assign message id, dropping envelope",
				"envelope_id", it.env.ID,
				"received_at", it.env.ReceivedAt,
				"error", err,
			)
			p.commit(ctx, it.env)
			return
		}
	}

	if _, err := p.dispatcher.Dispatch(ctx, msgs); err != nil {
		p.logger.WarnwCtx(ctx, "Dispatch incomplete, envelope left uncommitted",
			"envelope_id", it.env.ID,
			"error", err,
		)
		return
	}

	p.commit(ctx, it.env)
}

func (p *Pipeline) commit(ctx context.Context, env *models.Envelope) {
	if env.Token != nil {
		p.committer.Commit(ctx, env.Token)
	}
}

func (p *Pipeline) intakeLen() int {
	return len(p.intake)
}

func (p *Pipeline) observe() {
	metrics.SetIntakeQueueSize(len(p.intake))
	if p.watermark != nil {
		p.watermark.Observe()
	}
}
