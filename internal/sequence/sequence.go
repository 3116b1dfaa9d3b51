// Package sequence assigns per-input arrival numbers and time-sortable message
// ids that keep arrival order for messages of one input within a millisecond.
package sequence

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"hash/fnv"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/oklog/ulid/v2"
	"golang.org/x/time/rate"

	"spool/internal/logger"
	"spool/pkg/metrics"
	"spool/pkg/models"
)

// Counter hands out the 16-bit arrival sequence of a single input.
type Counter struct {
	input string
	n     atomic.Uint64
	owner *Counters
}

// Next returns the next arrival number. It wraps after 65535.
func (c *Counter) Next() uint16 {
	n := c.n.Add(1) - 1
	seq := uint16(n)
	if seq == 0 && n > 0 {
		c.owner.wrapped(c.input)
	}
	return seq
}

// Counters owns one Counter per input id.
type Counters struct {
	mu       sync.RWMutex
	counters map[string]*Counter

	logger  logger.Logger
	wrapLog rate.Sometimes
}

func NewCounters(log logger.Logger) *Counters {
	return &Counters{
		counters: make(map[string]*Counter),
		logger:   log.Named("sequence"),
		wrapLog:  rate.Sometimes{First: 1, Interval: time.Minute},
	}
}

// For returns the counter of input, creating it on first use.
func (cs *Counters) For(input string) *Counter {
	cs.mu.RLock()
	c, ok := cs.counters[input]
	cs.mu.RUnlock()
	if ok {
		return c
	}

	cs.mu.Lock()
	defer cs.mu.Unlock()
	if c, ok = cs.counters[input]; ok {
		return c
	}
	c = &Counter{input: input, owner: cs}
	cs.counters[input] = c
	return c
}

func (cs *Counters) wrapped(input string) {
	metrics.IncSequenceWrap(input)
	cs.wrapLog.Do(func() {
		cs.logger.Warnw("Arrival sequence wrapped, ordering within the current millisecond is best effort",
			"input_id", input,
		)
	})
}

// Sequencer stamps decoded messages with their sortable id.
type Sequencer struct {
	entropy io.Reader
}

func NewSequencer() *Sequencer {
	return &Sequencer{entropy: rand.Reader}
}

// Assign sets msg.ID from its receive time, input and arrival sequence.
func (s *Sequencer) Assign(msg *models.Message) error {
	id, err := NewID(msg.ReceivedAt, msg.Source.InputID, msg.Sequence, s.entropy)
	if err != nil {
		return err
	}
	msg.ID = id.String()
	return nil
}

// NewID lays out a ULID as
//
//	bytes 0-5   unix milliseconds
//	bytes 6-7   FNV-1a of the input id
//	bytes 8-9   arrival sequence
//	bytes 10-15 random
//
// so ids of one input in one millisecond compare in arrival order.
func NewID(ts time.Time, input string, seq uint16, entropy io.Reader) (ulid.ULID, error) {
	var id ulid.ULID
	if err := id.SetTime(ulid.Timestamp(ts)); err != nil {
		return id, fmt.Errorf("failed to set id time: %w", err)
	}

	binary.BigEndian.PutUint16(id[6:8], inputHash(input))
	binary.BigEndian.PutUint16(id[8:10], seq)

	if _, err := io.ReadFull(entropy, id[10:]); err != nil {
		return id, fmt.Errorf("failed to read id entropy: %w", err)
	}
	return id, nil
}

func inputHash(input string) uint16 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(input))
	sum := h.Sum32()
	return uint16(sum>>16) ^ uint16(sum)
}
