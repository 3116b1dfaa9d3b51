package models

import (
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"
)

// Message ids carry the receive time as unsigned milliseconds in 48 bits.
var (
	minReceivedAt = time.UnixMilli(0)
	maxReceivedAt = ulid.Time(ulid.MaxTime())
)

type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error for field '%s': %s", e.Field, e.Message)
}

func ValidateEnvelope(env *Envelope) error {
	if env == nil {
		return &ValidationError{
			Field:   "envelope",
			Message: "envelope cannot be nil",
		}
	}

	if env.Codec == "" {
		return &ValidationError{
			Field:   "codec",
			Message: "codec identifier is required",
		}
	}

	if env.Source.InputID == "" {
		return &ValidationError{
			Field:   "source.input_id",
			Message: "source input is required",
		}
	}

	if env.ReceivedAt.IsZero() {
		return &ValidationError{
			Field:   "received_at",
			Message: "receive timestamp is required",
		}
	}

	if env.ReceivedAt.Before(minReceivedAt) || env.ReceivedAt.After(maxReceivedAt) {
		return &ValidationError{
			Field:   "received_at",
			Message: fmt.Sprintf("receive timestamp %s outside the representable range", env.ReceivedAt.UTC().Format(time.RFC3339)),
		}
	}

	return nil
}
