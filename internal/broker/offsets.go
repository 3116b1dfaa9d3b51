package broker

import (
	"sort"
	"sync"
)

type partitionKey struct {
	topic     string
	partition int
}

// offsetTracker finds, per partition, the highest offset below which every
// fetched record has been finished. Workers complete out of order; committing
// anything beyond that point would lose unfinished records on restart.
type offsetTracker struct {
	mu         sync.Mutex
	partitions map[partitionKey]*partitionQueue
}

type partitionQueue struct {
	offsets []int64
	done    map[int64]bool
}

func newOffsetTracker() *offsetTracker {
	return &offsetTracker{partitions: make(map[partitionKey]*partitionQueue)}
}

func (t *offsetTracker) Track(topic string, partition int, offset int64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	key := partitionKey{topic: topic, partition: partition}
	q, ok := t.partitions[key]
	if !ok {
		q = &partitionQueue{done: make(map[int64]bool)}
		t.partitions[key] = q
	}

	if _, seen := q.done[offset]; seen {
		return
	}
	q.done[offset] = false

	// Fetches arrive in order except after a rebalance rewinds the partition.
	i := sort.Search(len(q.offsets), func(i int) bool { return q.offsets[i] >= offset })
	q.offsets = append(q.offsets, 0)
	copy(q.offsets[i+1:], q.offsets[i:])
	q.offsets[i] = offset
}

// Done marks offset finished and reports the offset that may now be committed.
// ok is false when nothing new became committable or the offset is unknown.
func (t *offsetTracker) Done(topic string, partition int, offset int64) (commit int64, ok bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	q, exists := t.partitions[partitionKey{topic: topic, partition: partition}]
	if !exists {
		return 0, false
	}
	finished, tracked := q.done[offset]
	if !tracked || finished {
		return 0, false
	}
	q.done[offset] = true

	commit = -1
	for len(q.offsets) > 0 && q.done[q.offsets[0]] {
		commit = q.offsets[0]
		delete(q.done, commit)
		q.offsets = q.offsets[1:]
	}
	return commit, commit >= 0
}

// Outstanding returns the number of fetched but uncommittable records.
func (t *offsetTracker) Outstanding() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	n := 0
	for _, q := range t.partitions {
		n += len(q.offsets)
	}
	return n
}
