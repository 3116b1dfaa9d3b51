package codec

import (
	"context"
	"strings"
	"unicode/utf8"

	"spool/pkg/models"
)

type rawCodec struct {
	cfg Config
}

// NewRaw puts the whole payload, minus trailing line breaks, into the message field.
func NewRaw(cfg Config) (Codec, error) {
	return &rawCodec{cfg: cfg}, nil
}

func (c *rawCodec) Name() string   { return c.cfg.Name }
func (c *rawCodec) Config() Config { return c.cfg }

func (c *rawCodec) Decode(ctx context.Context, env *models.Envelope) (*models.Message, error) {
	text := strings.TrimRight(string(env.Payload), "\r\n")
	if !utf8.ValidString(text) {
		text = strings.ToValidUTF8(text, string(utf8.RuneError))
	}
	return newMessage(c.cfg, map[string]interface{}{
		models.FieldMessage: text,
	}), nil
}
