package admission

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestGate_PauseResume(t *testing.T) {
	g := NewGate()
	assert.True(t, g.ShouldAcceptMore())

	wake := g.Wait()
	g.Pause("output")
	g.Pause("intake")
	assert.False(t, g.ShouldAcceptMore())

	g.Resume("output")
	assert.False(t, g.ShouldAcceptMore(), "intake still holds the gate")
	select {
	case <-wake:
		t.Fatal("wake fired while a hold remains")
	default:
	}

	g.Resume("intake")
	assert.True(t, g.ShouldAcceptMore())
	select {
	case <-wake:
	case <-time.After(time.Second):
		t.Fatal("wake channel not closed on reopen")
	}

	g.Resume("intake")
	assert.True(t, g.ShouldAcceptMore())
}

func TestWatermark_Hysteresis(t *testing.T) {
	g := NewGate()
	size := 0
	w := NewWatermark(g, "output", func() int { return size }, 100, 0.8, 0.5)

	steps := []struct {
		size int
		open bool
	}{
		{10, true},
		{79, true},
		{80, false},
		{60, false},
		{51, false},
		{50, true},
		{70, true},
		{100, false},
		{0, true},
	}

	for _, s := range steps {
		size = s.size
		w.Observe()
		assert.Equal(t, s.open, g.ShouldAcceptMore(), "size=%d", s.size)
	}
}

// An inserter that sampled a full buffer must not close the gate after a
// drain that happened while it was sampling.
func TestWatermark_DrainDuringSampleLeavesGateOpen(t *testing.T) {
	g := NewGate()

	var level atomic.Int64
	level.Store(10)
	sampling := make(chan struct{})
	release := make(chan struct{})
	var calls atomic.Int32
	w := NewWatermark(g, "output", func() int {
		size := int(level.Load())
		if calls.Add(1) == 1 {
			close(sampling)
			<-release
		}
		return size
	}, 10, 0.8, 0.5)

	inserted := make(chan struct{})
	go func() {
		w.Observe()
		close(inserted)
	}()
	<-sampling

	// The drainer empties the buffer and observes while the inserter is
	// still between its reading and its decision.
	level.Store(0)
	drained := make(chan struct{})
	go func() {
		w.Observe()
		close(drained)
	}()

	select {
	case <-drained:
		t.Fatal("drainer observed concurrently with the inserter's sample")
	case <-time.After(20 * time.Millisecond):
	}

	close(release)
	<-inserted
	<-drained

	assert.True(t, g.ShouldAcceptMore(), "gate left closed with an empty buffer")
	assert.Equal(t, int32(2), calls.Load())
}
