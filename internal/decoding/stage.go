// Package decoding turns envelopes into enriched messages.
package decoding

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"spool/internal/broker"
	"spool/internal/codec"
	"spool/internal/constants"
	"spool/internal/logger"
	apperrors "spool/pkg/errors"
	"spool/pkg/metrics"
	"spool/pkg/models"
	"spool/pkg/tracing"
)

// Committer acknowledges queue entries that will never be forwarded.
type Committer interface {
	Commit(ctx context.Context, tokens ...broker.CommitToken)
}

type Outcome int

const (
	// Decoded means the returned messages must be dispatched before the
	// envelope is committed.
	Decoded Outcome = iota
	// Dropped means the envelope was already committed and nothing is returned.
	Dropped
)

type Result struct {
	Outcome    Outcome
	Reason     string
	Incomplete int
}

// Stage is safe for concurrent use; workers share only the registry, which is
// never modified after construction.
type Stage struct {
	registry  *codec.Registry
	committer Committer
	logger    logger.Logger
}

func NewStage(registry *codec.Registry, committer Committer, log logger.Logger) *Stage {
	return &Stage{
		registry:  registry,
		committer: committer,
		logger:    log.Named("decoding"),
	}
}

func (s *Stage) Decode(ctx context.Context, env *models.Envelope, seq uint16) ([]*models.Message, Result) {
	ctx, span := tracing.GetTracer("decoding").Start(ctx, "decoding.decode")
	defer span.End()
	span.SetAttributes(
		attribute.String("codec", env.Codec),
		attribute.String("input_id", env.Source.InputID),
	)

	c, ok := s.registry.Lookup(env.Codec)
	if !ok {
		metrics.IncDecodeFailure(env.Codec, constants.DecodeReasonUnknownCodec)
		s.logger.ErrorwCtx(ctx, "No codec registered for envelope, dropping",
			"codec", env.Codec,
			"envelope_id", env.ID,
			"known_codecs", s.registry.Names(),
		)
		span.SetStatus(codes.Error, constants.DecodeReasonUnknownCodec)
		return s.drop(ctx, env, constants.DecodeReasonUnknownCodec)
	}

	start := time.Now()
	decoded, err := s.invoke(ctx, c, env)
	metrics.ObserveDecodeDuration(c.Name(), time.Since(start))
	if err != nil {
		metrics.IncDecodeFailure(c.Name(), constants.DecodeReasonCodecError)
		s.logger.ErrorwCtx(ctx, "Codec failed to decode envelope, dropping",
			"codec", c.Name(),
			"envelope_id", env.ID,
			"remote_addr", env.Source.RemoteAddr,
			"payload_bytes", len(env.Payload),
			"code", apperrors.CodeOf(err),
			"error", err,
		)
		span.RecordError(err)
		span.SetStatus(codes.Error, constants.DecodeReasonCodecError)
		return s.drop(ctx, env, constants.DecodeReasonCodecError)
	}

	cfg := c.Config()
	out := make([]*models.Message, 0, len(decoded))
	incomplete := 0
	for _, msg := range decoded {
		if msg == nil {
			continue
		}
		if missing := msg.MissingFields(); len(missing) > 0 {
			incomplete++
			metrics.IncIncomplete(c.Name())
			s.logger.DebugwCtx(ctx, "Dropping incomplete message",
				"codec", c.Name(),
				"missing_fields", missing,
			)
			continue
		}
		s.enrich(ctx, msg, env, cfg, seq)
		out = append(out, msg)
	}

	metrics.AddDecoded(c.Name(), len(out))
	span.SetAttributes(attribute.Int("messages", len(out)))
	return out, Result{Outcome: Decoded, Incomplete: incomplete}
}

// invoke adapts single and multi decoders and turns panics into errors.
func (s *Stage) invoke(ctx context.Context, c codec.Codec, env *models.Envelope) (msgs []*models.Message, err error) {
	defer func() {
		if r := recover(); r != nil {
			msgs, err = nil, apperrors.RecoverPanic(r)
		}
	}()

	if multi, ok := c.(codec.MultiDecoder); ok {
		msgs, err = multi.DecodeMultiple(ctx, env)
		if err != nil {
			return nil, apperrors.ErrDecode.WithCause(err)
		}
		return msgs, nil
	}

	msg, err := c.Decode(ctx, env)
	if err != nil {
		return nil, apperrors.ErrDecode.WithCause(err)
	}
	if msg == nil {
		return nil, nil
	}
	return []*models.Message{msg}, nil
}

func (s *Stage) drop(ctx context.Context, env *models.Envelope, reason string) ([]*models.Message, Result) {
	if s.committer != nil && env.Token != nil {
		s.committer.Commit(ctx, env.Token)
	}
	return nil, Result{Outcome: Dropped, Reason: reason}
}
