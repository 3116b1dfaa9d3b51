package broker

import (
	"context"
	"errors"
	"time"

	"spool/pkg/models"
)

// CommitToken is the backend's opaque handle for acknowledging one entry.
type CommitToken = models.CommitToken

var (
	ErrNotConnected = errors.New("broker backend not connected")
	ErrClosed       = errors.New("broker backend closed")
)

// WireEntry is one record as stored by a backend. Value holds the encoded
// envelope; Headers carry propagation data such as trace context.
type WireEntry struct {
	ID         []byte
	Key        []byte
	Value      []byte
	Headers    map[string]string
	Token      CommitToken
	EnqueuedAt time.Time
}

// Backend is a durable, at-least-once queue. Entries returned by Poll stay
// pending until committed and are redelivered after a restart otherwise.
type Backend interface {
	Name() string
	Connect(ctx context.Context) error
	Write(ctx context.Context, entries []WireEntry) error
	// Poll returns at most max entries and waits no longer than timeout. An
	// empty result with a nil error means nothing was available.
	Poll(ctx context.Context, max int, timeout time.Duration) ([]WireEntry, error)
	Commit(ctx context.Context, tokens ...CommitToken) error
	Ping(ctx context.Context) error
	Close() error
}
