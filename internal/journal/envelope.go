// Package journal moves envelopes in and out of the durable queue.
package journal

import (
	"errors"
	"fmt"
	"time"

	"github.com/bytedance/sonic"

	"spool/pkg/models"
)

const wireVersion = 1

// ErrPoisonEntry marks a queue entry that cannot be turned back into an
// envelope. Such entries are committed and dropped.
var ErrPoisonEntry = errors.New("unparseable queue entry")

type wireEnvelope struct {
	Version    int           `json:"v"`
	ID         string        `json:"id"`
	Payload    []byte        `json:"payload"`
	Codec      string        `json:"codec"`
	Source     models.Source `json:"source"`
	ReceivedAt time.Time     `json:"received_at"`
}

// EncodeEnvelope is pure: the same envelope always encodes to the same bytes.
func EncodeEnvelope(env *models.Envelope) ([]byte, error) {
	if err := models.ValidateEnvelope(env); err != nil {
		return nil, err
	}

	data, err := sonic.ConfigStd.Marshal(wireEnvelope{
		Version:    wireVersion,
		ID:         env.ID,
		Payload:    env.Payload,
		Codec:      env.Codec,
		Source:     env.Source,
		ReceivedAt: env.ReceivedAt.UTC(),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode envelope %s: %w", env.ID, err)
	}
	return data, nil
}

func DecodeEnvelope(data []byte) (*models.Envelope, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty value", ErrPoisonEntry)
	}

	var w wireEnvelope
	if err := sonic.ConfigStd.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPoisonEntry, err)
	}
	if w.Version != wireVersion {
		return nil, fmt.Errorf("%w: unsupported version %d", ErrPoisonEntry, w.Version)
	}

	env := &models.Envelope{
		ID:         w.ID,
		Payload:    w.Payload,
		Codec:      w.Codec,
		Source:     w.Source,
		ReceivedAt: w.ReceivedAt,
	}
	if err := models.ValidateEnvelope(env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPoisonEntry, err)
	}
	return env, nil
}
