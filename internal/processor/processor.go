// Package processor holds the ordered message processors run by the
// dispatcher.
package processor

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"spool/internal/config"
	"spool/internal/logger"
	"spool/pkg/cel"
	"spool/pkg/metrics"
	"spool/pkg/models"
)

// Processor may transform, fan out or mark messages filtered. It must not
// retain the slice it is given.
type Processor interface {
	Name() string
	Process(ctx context.Context, msgs []*models.Message) ([]*models.Message, error)
}

// Deps are the shared resources processors may need.
type Deps struct {
	Logger         logger.Logger
	Evaluator      *cel.Evaluator
	Redis          redis.UniversalClient
	CircuitBreaker config.CircuitBreakerConfig
}

type Factory func(cfg config.ProcessorConfig, deps Deps) (Processor, error)

func DefaultFactories() map[string]Factory {
	return map[string]Factory{
		"cel_filter":    NewFilter,
		"dedup":         NewDedup,
		"static_fields": NewStaticFields,
		"route":         NewRoute,
	}
}

// Build instantiates the configured processors in order.
func Build(factories map[string]Factory, cfgs []config.ProcessorConfig, deps Deps) (*Chain, error) {
	if deps.Evaluator == nil {
		evaluator, err := cel.NewEvaluator()
		if err != nil {
			return nil, err
		}
		deps.Evaluator = evaluator
	}

	processors := make([]Processor, 0, len(cfgs))
	for i, cfg := range cfgs {
		factory, ok := factories[cfg.Type]
		if !ok {
			return nil, fmt.Errorf("processors[%d]: unknown processor type %q", i, cfg.Type)
		}
		if cfg.Name == "" {
			cfg.Name = fmt.Sprintf("%s-%d", cfg.Type, i)
		}
		p, err := factory(cfg, deps)
		if err != nil {
			return nil, fmt.Errorf("processors[%d] (%s): %w", i, cfg.Name, err)
		}
		processors = append(processors, p)
	}
	return NewChain(processors...), nil
}

// Chain runs processors in order. Processor i+1 only sees what processor i
// returned, minus filtered messages.
type Chain struct {
	processors []Processor
}

func NewChain(processors ...Processor) *Chain {
	return &Chain{processors: processors}
}

func (c *Chain) Len() int {
	return len(c.processors)
}

func (c *Chain) Names() []string {
	names := make([]string, len(c.processors))
	for i, p := range c.processors {
		names[i] = p.Name()
	}
	return names
}

func (c *Chain) Run(ctx context.Context, msgs []*models.Message) ([]*models.Message, error) {
	for _, p := range c.processors {
		if len(msgs) == 0 {
			return nil, nil
		}

		start := time.Now()
		out, err := p.Process(ctx, msgs)
		metrics.ObserveProcessorDuration(p.Name(), time.Since(start))
		if err != nil {
			metrics.IncProcessorError(p.Name())
			return nil, fmt.Errorf("processor %s: %w", p.Name(), err)
		}

		kept := make([]*models.Message, 0, len(out))
		for _, msg := range out {
			if msg == nil {
				continue
			}
			if msg.Filtered {
				metrics.IncFiltered(p.Name())
				continue
			}
			kept = append(kept, msg)
		}
		msgs = kept
	}
	return msgs, nil
}
