// Package codec turns raw envelope payloads into structured messages.
package codec

import (
	"context"
	"fmt"
	"sort"

	"spool/internal/config"
	apperrors "spool/pkg/errors"
	"spool/pkg/models"
)

var ErrUnknownCodec = apperrors.ErrUnknownCodec

// Config is the per-codec configuration shared by every codec type.
type Config struct {
	Name           string
	RequiredFields []string
	OverrideSource string
}

func ConfigFrom(name string, cfg config.CodecConfig) Config {
	return Config{
		Name:           name,
		RequiredFields: append([]string(nil), cfg.RequiredFields...),
		OverrideSource: cfg.OverrideSource,
	}
}

// Codec decodes one envelope into at most one message. A nil message with a
// nil error means the payload carried nothing.
type Codec interface {
	Name() string
	Decode(ctx context.Context, env *models.Envelope) (*models.Message, error)
	Config() Config
}

// MultiDecoder is implemented by codecs whose payloads carry several messages.
type MultiDecoder interface {
	DecodeMultiple(ctx context.Context, env *models.Envelope) ([]*models.Message, error)
}

type Factory func(cfg Config) (Codec, error)

// DefaultFactories returns the built-in codecs keyed by name.
func DefaultFactories() map[string]Factory {
	return map[string]Factory{
		"json":       NewJSON,
		"json_lines": NewJSONLines,
		"raw":        NewRaw,
	}
}

// Registry is built once at startup and only read afterwards.
type Registry struct {
	codecs map[string]Codec
}

// NewRegistry instantiates every factory with its configuration. A config
// entry without a factory is an error.
func NewRegistry(factories map[string]Factory, cfgs map[string]config.CodecConfig) (*Registry, error) {
	for name := range cfgs {
		if _, ok := factories[name]; !ok {
			return nil, ErrUnknownCodec.WithMessage(fmt.Sprintf("no codec named %q", name))
		}
	}

	r := &Registry{codecs: make(map[string]Codec, len(factories))}
	for name, factory := range factories {
		c, err := factory(ConfigFrom(name, cfgs[name]))
		if err != nil {
			return nil, fmt.Errorf("failed to create codec %s: %w", name, err)
		}
		r.codecs[name] = c
	}
	return r, nil
}

func (r *Registry) Lookup(name string) (Codec, bool) {
	c, ok := r.codecs[name]
	return c, ok
}

func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.codecs))
	for name := range r.codecs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func newMessage(cfg Config, fields map[string]interface{}) *models.Message {
	msg := models.NewMessage(fields)
	msg.Codec = cfg.Name
	msg.Required = append([]string(nil), cfg.RequiredFields...)
	return msg
}
