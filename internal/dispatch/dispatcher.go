// Package dispatch routes decoded messages through the processor chain and
// into the output stage.
package dispatch

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel/attribute"

	"spool/internal/constants"
	"spool/internal/logger"
	"spool/internal/processor"
	apperrors "spool/pkg/errors"
	"spool/pkg/logging"
	"spool/pkg/metrics"
	"spool/pkg/models"
	"spool/pkg/tracing"
)

// ErrNotForwarded reports that the output refused at least one message, so the
// envelope they came from must not be committed.
var ErrNotForwarded = errors.New("messages not accepted by output")

// Output accepts messages, blocking while it is saturated.
type Output interface {
	InsertBlocking(ctx context.Context, msg *models.Message) error
}

type Dispatcher struct {
	defaultStream string
	chain         *processor.Chain
	output        Output
	logger        logger.Logger
}

func NewDispatcher(defaultStream string, chain *processor.Chain, output Output, log logger.Logger) *Dispatcher {
	if chain == nil {
		chain = processor.NewChain()
	}
	if defaultStream == "" {
		defaultStream = constants.DefaultStream
	}
	return &Dispatcher{
		defaultStream: defaultStream,
		chain:         chain,
		output:        output,
		logger:        log.Named("dispatch"),
	}
}

// Dispatch handles each message independently: a failing or panicking
// processor only loses the message it was working on. An output failure does
// not stop the remaining messages, but Dispatch then returns ErrNotForwarded
// alongside the number of messages that were handed over.
func (d *Dispatcher) Dispatch(ctx context.Context, msgs []*models.Message) (int, error) {
	ctx, span := tracing.GetTracer("dispatch").Start(ctx, "dispatch.dispatch")
	defer span.End()
	span.SetAttributes(attribute.Int("messages", len(msgs)))

	forwarded, rejected := 0, 0
	var firstErr error
	for _, msg := range msgs {
		if err := ctx.Err(); err != nil {
			return forwarded, err
		}

		msgCtx := logging.WithMessageID(ctx, msg.ID)
		msg.AddStream(d.defaultStream)

		survivors, err := d.process(msgCtx, msg)
		if err != nil {
			d.logger.ErrorwCtx(msgCtx, "Processing failed, dropping message",
				"error", err,
			)
			continue
		}

		for _, out := range survivors {
			if err := d.output.InsertBlocking(msgCtx, out); err != nil {
				if ctx.Err() != nil {
					return forwarded, ctx.Err()
				}
				d.logger.ErrorwCtx(msgCtx, "Output rejected message",
					"error", err,
				)
				rejected++
				if firstErr == nil {
					firstErr = err
				}
				continue
			}
			forwarded++
			for _, stream := range out.Streams {
				metrics.IncProcessed(stream)
			}
		}
	}

	span.SetAttributes(attribute.Int("forwarded", forwarded))
	if rejected > 0 {
		span.SetAttributes(attribute.Int("rejected", rejected))
		return forwarded, fmt.Errorf("%w: %d rejected: %w", ErrNotForwarded, rejected, firstErr)
	}
	return forwarded, nil
}

func (d *Dispatcher) process(ctx context.Context, msg *models.Message) (out []*models.Message, err error) {
	defer func() {
		if r := recover(); r != nil {
			metrics.IncProcessorError("panic")
			out, err = nil, fmt.Errorf("processor panicked: %w", apperrors.RecoverPanic(r))
		}
	}()

	return d.chain.Run(ctx, []*models.Message{msg})
}
