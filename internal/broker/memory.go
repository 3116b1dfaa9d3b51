package broker

import (
	"context"
	"fmt"
	"sync"
	"time"
)

type memoryToken uint64

type memoryRecord struct {
	entry     WireEntry
	committed bool
	delivered bool
}

// MemoryBackend keeps entries in process memory. It is not durable across
// process exits; Reopen simulates a restart by making every uncommitted
// entry deliverable again. Used by tests and single-node development setups.
type MemoryBackend struct {
	mu      sync.Mutex
	records []*memoryRecord
	next    int
	closed  bool
	notify  chan struct{}
}

func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{notify: make(chan struct{})}
}

func (b *MemoryBackend) Name() string {
	return "memory"
}

func (b *MemoryBackend) Connect(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}
	return nil
}

func (b *MemoryBackend) Ping(ctx context.Context) error {
	return b.Connect(ctx)
}

func (b *MemoryBackend) Write(ctx context.Context, entries []WireEntry) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return ErrClosed
	}

	now := time.Now().UTC()
	for _, e := range entries {
		stored := WireEntry{
			ID:         append([]byte(nil), e.ID...),
			Key:        append([]byte(nil), e.Key...),
			Value:      append([]byte(nil), e.Value...),
			Headers:    copyHeaders(e.Headers),
			EnqueuedAt: now,
		}
		stored.Token = memoryToken(len(b.records))
		b.records = append(b.records, &memoryRecord{entry: stored})
	}

	if len(entries) > 0 {
		close(b.notify)
		b.notify = make(chan struct{})
	}
	return nil
}

func (b *MemoryBackend) Poll(ctx context.Context, max int, timeout time.Duration) ([]WireEntry, error) {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	for {
		b.mu.Lock()
		if b.closed {
			b.mu.Unlock()
			return nil, ErrClosed
		}

		var out []WireEntry
		for b.next < len(b.records) && len(out) < max {
			r := b.records[b.next]
			b.next++
			if r.committed || r.delivered {
				continue
			}
			r.delivered = true
			out = append(out, cloneEntry(r.entry))
		}
		notify := b.notify
		b.mu.Unlock()

		if len(out) > 0 {
			return out, nil
		}

		select {
		case <-notify:
		case <-deadline.C:
			return nil, nil
		case <-ctx.Done():
			return nil, nil
		}
	}
}

func (b *MemoryBackend) Commit(ctx context.Context, tokens ...CommitToken) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, t := range tokens {
		tok, ok := t.(memoryToken)
		if !ok {
			return fmt.Errorf("unexpected commit token %T for memory backend", t)
		}
		if int(tok) >= len(b.records) {
			return fmt.Errorf("unknown commit token %d", tok)
		}
		b.records[tok].committed = true
	}
	return nil
}

// Reopen forgets in-flight deliveries, like a consumer restarting from its
// last committed position.
func (b *MemoryBackend) Reopen() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.closed = false
	b.next = 0
	for _, r := range b.records {
		r.delivered = false
	}
}

// Uncommitted returns the number of entries not yet committed.
func (b *MemoryBackend) Uncommitted() int {
	b.mu.Lock()
	defer b.mu.Unlock()

	n := 0
	for _, r := range b.records {
		if !r.committed {
			n++
		}
	}
	return n
}

func (b *MemoryBackend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.closed {
		b.closed = true
		close(b.notify)
		b.notify = make(chan struct{})
	}
	return nil
}

func cloneEntry(e WireEntry) WireEntry {
	e.ID = append([]byte(nil), e.ID...)
	e.Key = append([]byte(nil), e.Key...)
	e.Value = append([]byte(nil), e.Value...)
	e.Headers = copyHeaders(e.Headers)
	return e
}

func copyHeaders(h map[string]string) map[string]string {
	if h == nil {
		return nil
	}
	out := make(map[string]string, len(h))
	for k, v := range h {
		out[k] = v
	}
	return out
}
