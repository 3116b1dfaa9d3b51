package processor

import (
	"context"
	"fmt"

	"spool/internal/config"
	"spool/internal/constants"
	"spool/internal/logger"
	"spool/pkg/cel"
	"spool/pkg/metrics"
	"spool/pkg/models"
	"spool/pkg/tracing"
)

type filterRule struct {
	id      string
	name    string
	program *cel.Program
}

// Filter keeps a message only when every rule evaluates to true.
type Filter struct {
	name     string
	rules    []filterRule
	fallback string
	logger   logger.Logger
}

func NewFilter(cfg config.ProcessorConfig, deps Deps) (Processor, error) {
	rules := make([]filterRule, 0, len(cfg.Filter.Rules))
	for i, rc := range cfg.Filter.Rules {
		program, err := deps.Evaluator.CompileFilter(rc.Expression)
		if err != nil {
			return nil, fmt.Errorf("rule %d: %w", i, err)
		}
		id := rc.ID
		if id == "" {
			id = fmt.Sprintf("rule-%d", i)
		}
		rules = append(rules, filterRule{id: id, name: rc.Name, program: program})
	}

	fallback := cfg.Filter.Fallback.OnError
	if fallback == "" {
		fallback = constants.FallbackAllow
	}

	return &Filter{
		name:     cfg.Name,
		rules:    rules,
		fallback: fallback,
		logger:   deps.Logger.Named("filter"),
	}, nil
}

func (f *Filter) Name() string {
	return f.name
}

func (f *Filter) Process(ctx context.Context, msgs []*models.Message) ([]*models.Message, error) {
	ctx, span := tracing.GetTracer("processor").Start(ctx, "processor.filter")
	defer span.End()

	for _, msg := range msgs {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		msg.Filtered = !f.passes(ctx, msg)
	}
	return msgs, nil
}

func (f *Filter) passes(ctx context.Context, msg *models.Message) bool {
	for _, rule := range f.rules {
		ok, err := rule.program.Eval(ctx, msg)
		if err != nil {
			if f.handleEvaluationError(ctx, rule, err) {
				continue
			}
			return false
		}
		if !ok {
			f.logger.DebugwCtx(ctx, "Rule filtered message",
				"rule_id", rule.id,
				"rule_name", rule.name,
				"message_id", msg.ID,
			)
			return false
		}
	}
	return true
}

// handleEvaluationError reports whether the message may continue.
func (f *Filter) handleEvaluationError(ctx context.Context, rule filterRule, err error) bool {
	switch f.fallback {
	case constants.FallbackDeny:
		metrics.IncFallbackUsage(f.name, "deny_on_error", "evaluation_error")
		f.logger.WarnwCtx(ctx, "Evaluation error, denying message (fallback: deny)",
			"rule_id", rule.id,
			"rule_name", rule.name,
			"error", err,
		)
		return false
	default:
		metrics.IncFallbackUsage(f.name, "allow_on_error", "evaluation_error")
		f.logger.WarnwCtx(ctx, "Evaluation error, allowing message (fallback: allow)",
			"rule_id", rule.id,
			"rule_name", rule.name,
			"error", err,
		)
		return true
	}
}
