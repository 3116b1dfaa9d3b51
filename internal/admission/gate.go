// Package admission tells the queue reader whether downstream stages can take
// more work.
package admission

import (
	"sync"
	"sync/atomic"

	"spool/pkg/metrics"
)

// Signal is consulted by the reader before every poll.
type Signal interface {
	ShouldAcceptMore() bool
	// Wait returns a channel that is closed the next time the signal opens.
	Wait() <-chan struct{}
}

// Gate is open while no source holds it closed. Reads are a single atomic
// load; state changes take a mutex.
type Gate struct {
	open atomic.Bool

	mu    sync.Mutex
	holds map[string]struct{}
	wake  chan struct{}
}

func NewGate() *Gate {
	g := &Gate{
		holds: make(map[string]struct{}),
		wake:  make(chan struct{}),
	}
	g.open.Store(true)
	return g
}

func (g *Gate) ShouldAcceptMore() bool {
	return g.open.Load()
}

func (g *Gate) Wait() <-chan struct{} {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.wake
}

// Pause closes the gate on behalf of source. Pausing twice is a no-op.
func (g *Gate) Pause(source string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.pauseLocked(source)
}

// Resume releases source's hold and opens the gate once no hold remains.
func (g *Gate) Resume(source string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.resumeLocked(source)
}

func (g *Gate) pauseLocked(source string) {
	g.holds[source] = struct{}{}
	if g.open.Load() {
		g.open.Store(false)
		metrics.SetAdmissionPaused(true)
	}
}

func (g *Gate) resumeLocked(source string) {
	delete(g.holds, source)
	if len(g.holds) > 0 || g.open.Load() {
		return
	}

	g.open.Store(true)
	metrics.SetAdmissionPaused(false)
	close(g.wake)
	g.wake = make(chan struct{})
}

// Watermark pauses a gate when a buffer crosses its high mark and resumes it
// once the buffer drains below its low mark.
type Watermark struct {
	gate   *Gate
	source string
	size   func() int
	high   int
	low    int
}

// NewWatermark watches the occupancy reported by size, which must not call
// back into the gate.
func NewWatermark(gate *Gate, source string, size func() int, capacity int, high, low float64) *Watermark {
	h := int(float64(capacity) * high)
	if h < 1 {
		h = 1
	}
	return &Watermark{
		gate:   gate,
		source: source,
		size:   size,
		high:   h,
		low:    int(float64(capacity) * low),
	}
}

// Observe samples the occupancy and applies it under the gate lock, so a
// reading taken before a concurrent drain can never be applied after the
// drain's own reading.
func (w *Watermark) Observe() {
	w.gate.mu.Lock()
	defer w.gate.mu.Unlock()

	switch size := w.size(); {
	case size >= w.high:
		w.gate.pauseLocked(w.source)
	case size <= w.low:
		w.gate.resumeLocked(w.source)
	}
}
