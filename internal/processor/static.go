package processor

import (
	"context"

	"spool/internal/config"
	"spool/pkg/models"
)

// StaticFields sets fixed values, by default only where the field is absent.
type StaticFields struct {
	name      string
	fields    map[string]interface{}
	overwrite bool
}

func NewStaticFields(cfg config.ProcessorConfig, _ Deps) (Processor, error) {
	fields := make(map[string]interface{}, len(cfg.StaticFields.Fields))
	for k, v := range cfg.StaticFields.Fields {
		fields[k] = v
	}
	return &StaticFields{name: cfg.Name, fields: fields, overwrite: cfg.StaticFields.Overwrite}, nil
}

func (s *StaticFields) Name() string {
	return s.name
}

func (s *StaticFields) Process(ctx context.Context, msgs []*models.Message) ([]*models.Message, error) {
	for _, msg := range msgs {
		for k, v := range s.fields {
			if _, exists := msg.GetField(k); exists && !s.overwrite {
				continue
			}
			msg.SetField(k, v)
		}
	}
	return msgs, nil
}
