package codec

import (
	"bytes"
	"context"
	"errors"
	"fmt"

	"github.com/bytedance/sonic"

	"spool/pkg/models"
)

type jsonCodec struct {
	cfg Config
}

// NewJSON decodes a payload holding a single JSON object.
func NewJSON(cfg Config) (Codec, error) {
	return &jsonCodec{cfg: cfg}, nil
}

func (c *jsonCodec) Name() string   { return c.cfg.Name }
func (c *jsonCodec) Config() Config { return c.cfg }

func (c *jsonCodec) Decode(ctx context.Context, env *models.Envelope) (*models.Message, error) {
	payload := bytes.TrimSpace(env.Payload)
	if len(payload) == 0 {
		return nil, nil
	}

	fields, err := decodeObject(payload)
	if err != nil {
		return nil, err
	}
	return newMessage(c.cfg, fields), nil
}

func decodeObject(data []byte) (map[string]interface{}, error) {
	var fields map[string]interface{}
	if err := sonic.ConfigStd.Unmarshal(data, &fields); err != nil {
		return nil, fmt.Errorf("invalid JSON object: %w", err)
	}
	if fields == nil {
		return nil, errors.New("invalid JSON object: null")
	}
	return fields, nil
}

type jsonLinesCodec struct {
	cfg Config
}

// NewJSONLines decodes newline separated JSON objects. Blank lines are skipped
// and one malformed line fails the whole payload.
func NewJSONLines(cfg Config) (Codec, error) {
	return &jsonLinesCodec{cfg: cfg}, nil
}

func (c *jsonLinesCodec) Name() string   { return c.cfg.Name }
func (c *jsonLinesCodec) Config() Config { return c.cfg }

func (c *jsonLinesCodec) Decode(ctx context.Context, env *models.Envelope) (*models.Message, error) {
	msgs, err := c.DecodeMultiple(ctx, env)
	if err != nil || len(msgs) == 0 {
		return nil, err
	}
	return msgs[0], nil
}

func (c *jsonLinesCodec) DecodeMultiple(ctx context.Context, env *models.Envelope) ([]*models.Message, error) {
	var msgs []*models.Message
	for i, line := range bytes.Split(env.Payload, []byte("\n")) {
		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			continue
		}
		fields, err := decodeObject(line)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", i+1, err)
		}
		msgs = append(msgs, newMessage(c.cfg, fields))
	}
	return msgs, nil
}
