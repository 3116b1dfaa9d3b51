package errors

import (
	"errors"
	"fmt"
	"strings"
)

// Codes are stable strings used as metric labels and log fields.
const (
	CodeValidation       = "VALIDATION_ERROR"
	CodeInternal         = "INTERNAL_ERROR"
	CodeQueueUnavailable = "QUEUE_UNAVAILABLE"
	CodeUnknownCodec     = "UNKNOWN_CODEC"
	CodeDecode           = "DECODE_ERROR"
	CodeStopped          = "STOPPED"
	CodeSink             = "SINK_ERROR"
)

var (
	ErrValidation       = NewError(CodeValidation, "validation failed").AsFatal()
	ErrInternal         = NewError(CodeInternal, "internal error")
	ErrQueueUnavailable = NewError(CodeQueueUnavailable, "durable queue unavailable")
	ErrUnknownCodec     = NewError(CodeUnknownCodec, "unknown codec").AsFatal()
	ErrDecode           = NewError(CodeDecode, "payload could not be decoded").AsFatal()
	ErrStopped          = NewError(CodeStopped, "component stopped").AsFatal()
	ErrSink             = NewError(CodeSink, "sink write failed")
)

// FatalError is implemented by errors that must not be retried.
type FatalError interface {
	error
	IsFatal() bool
}

// Error is an immutable coded error. The With* methods return copies so the
// package-level sentinels can be derived from freely.
type Error struct {
	Code    string
	Message string
	Details map[string]interface{}
	Cause   error
	fatal   bool
}

func NewError(code, message string) *Error {
	return &Error{Code: code, Message: message}
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(e.Code)
	b.WriteString(": ")
	b.WriteString(e.Message)
	if e.Cause != nil {
		fmt.Fprintf(&b, " (caused by: %v)", e.Cause)
	}
	return b.String()
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Is matches on code so errors.Is(err, ErrQueueUnavailable) holds for any
// derived copy.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return e.Code == t.Code
}

// IsFatal reports whether the error or a FatalError in its cause chain is
// marked fatal.
func (e *Error) IsFatal() bool {
	if e.fatal {
		return true
	}
	var fatalErr FatalError
	if e.Cause != nil && errors.As(e.Cause, &fatalErr) {
		return fatalErr.IsFatal()
	}
	return false
}

func (e *Error) WithCause(cause error) *Error {
	err := *e
	err.Cause = cause
	return &err
}

func (e *Error) WithMessage(message string) *Error {
	err := *e
	err.Message = message
	return &err
}

func (e *Error) WithDetail(key string, value interface{}) *Error {
	err := *e
	err.Details = make(map[string]interface{}, len(e.Details)+1)
	for k, v := range e.Details {
		err.Details[k] = v
	}
	err.Details[key] = value
	return &err
}

func (e *Error) AsFatal() *Error {
	err := *e
	err.fatal = true
	return &err
}

// CodeOf returns the code of the outermost *Error in err's chain, or
// CodeInternal.
func CodeOf(err error) string {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return CodeInternal
}
