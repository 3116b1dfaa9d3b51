package processor

import (
	"context"
	"fmt"

	"spool/internal/config"
	"spool/internal/logger"
	"spool/pkg/cel"
	"spool/pkg/models"
)

type routeRule struct {
	stream  string
	program *cel.Program
}

// Route adds a stream to every message matching the rule's expression.
type Route struct {
	name   string
	rules  []routeRule
	logger logger.Logger
}

func NewRoute(cfg config.ProcessorConfig, deps Deps) (Processor, error) {
	rules := make([]routeRule, 0, len(cfg.Route.Rules))
	for i, rc := range cfg.Route.Rules {
		if rc.Stream == "" {
			return nil, fmt.Errorf("rule %d: stream is required", i)
		}
		program, err := deps.Evaluator.CompileFilter(rc.Expression)
		if err != nil {
			return nil, fmt.Errorf("rule %d: %w", i, err)
		}
		rules = append(rules, routeRule{stream: rc.Stream, program: program})
	}

	return &Route{name: cfg.Name, rules: rules, logger: deps.Logger.Named("route")}, nil
}

func (r *Route) Name() string {
	return r.name
}

func (r *Route) Process(ctx context.Context, msgs []*models.Message) ([]*models.Message, error) {
	for _, msg := range msgs {
		for _, rule := range r.rules {
			ok, err := rule.program.Eval(ctx, msg)
			if err != nil {
				r.logger.DebugwCtx(ctx, "Route expression failed, skipping rule",
					"stream", rule.stream,
					"expression", rule.program.Expression(),
					"error", err,
				)
				continue
			}
			if ok {
				msg.AddStream(rule.stream)
			}
		}
	}
	return msgs, nil
}
