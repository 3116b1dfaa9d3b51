package errors

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestError_IsMatchesByCode(t *testing.T) {
	err := fmt.Errorf("write batch: %w", ErrQueueUnavailable.WithDetail("backend", "kafka"))

	assert.True(t, errors.Is(err, ErrQueueUnavailable))
	assert.False(t, errors.Is(err, ErrUnknownCodec))
	assert.Equal(t, CodeQueueUnavailable, CodeOf(err))
}

func TestError_CodeOfPlainError(t *testing.T) {
	assert.Equal(t, CodeInternal, CodeOf(errors.New("boom")))
}

func TestError_Fatality(t *testing.T) {
	assert.False(t, ErrQueueUnavailable.IsFatal())
	assert.False(t, ErrSink.IsFatal())
	assert.True(t, ErrUnknownCodec.IsFatal())
	assert.True(t, ErrValidation.IsFatal())
	assert.True(t, ErrSink.AsFatal().IsFatal())

	// Fatality is inherited from the cause chain.
	assert.True(t, ErrSink.WithCause(ErrDecode).IsFatal())
	assert.False(t, ErrSink.IsFatal())
}

func TestError_CauseChain(t *testing.T) {
	cause := errors.New("connection refused")
	err := ErrSink.WithCause(cause)

	assert.ErrorIs(t, err, cause)
	assert.ErrorIs(t, err, ErrSink)
	assert.Equal(t, "SINK_ERROR: sink write failed (caused by: connection refused)", err.Error())
}

func TestError_WithMessage(t *testing.T) {
	err := ErrQueueUnavailable.WithMessage("durable queue not ready")

	assert.Equal(t, "QUEUE_UNAVAILABLE: durable queue not ready", err.Error())
	assert.ErrorIs(t, err, ErrQueueUnavailable)
	assert.Equal(t, "durable queue unavailable", ErrQueueUnavailable.Message)
}

func TestRecoverPanic(t *testing.T) {
	assert.Nil(t, RecoverPanic(nil))

	err := RecoverPanic("codec exploded")
	require.Error(t, err)

	var appErr *Error
	require.True(t, errors.As(err, &appErr))
	assert.Equal(t, CodeInternal, appErr.Code)
	assert.True(t, appErr.IsFatal())
	assert.Equal(t, true, appErr.Details["panic"])
	assert.Contains(t, err.Error(), "codec exploded")
}
