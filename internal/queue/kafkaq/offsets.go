package kafkaq

import (
	"sync"

	"github.com/confluentinc/confluent-kafka-go/v2/kafka"
)

// offsetTracker computes, per partition, the offset that is safe to commit:
// one past the longest settled prefix of the delivered offsets.
type offsetTracker struct {
	mu         sync.Mutex
	partitions map[int32]*partitionOffsets
}

type partitionOffsets struct {
	// pending holds delivered offsets in poll order.
	pending []kafka.Offset
	done    map[kafka.Offset]bool
}

func newOffsetTracker() *offsetTracker {
	return &offsetTracker{partitions: make(map[int32]*partitionOffsets)}
}

func (t *offsetTracker) track(partition int32, offset kafka.Offset) {
	t.mu.Lock()
	defer t.mu.Unlock()

	p, ok := t.partitions[partition]
	if !ok {
		p = &partitionOffsets{done: make(map[kafka.Offset]bool)}
		t.partitions[partition] = p
	}
	p.pending = append(p.pending, offset)
}

// markDone records offset as settled. It returns the offset to commit when
// the settled prefix grew.
func (t *offsetTracker) markDone(partition int32, offset kafka.Offset) (kafka.Offset, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	p, ok := t.partitions[partition]
	if !ok {
		return 0, false
	}
	p.done[offset] = true

	advanced := false
	var commit kafka.Offset
	for len(p.pending) > 0 && p.done[p.pending[0]] {
		delete(p.done, p.pending[0])
		commit = p.pending[0] + 1
		p.pending = p.pending[1:]
		advanced = true
	}
	return commit, advanced
}

// revoke forgets partitions this consumer no longer owns. Their unsettled
// offsets are redelivered to the new owner.
func (t *offsetTracker) revoke(partitions []kafka.TopicPartition) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, tp := range partitions {
		delete(t.partitions, tp.Partition)
	}
}

func (t *offsetTracker) outstanding(partition int32) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	if p, ok := t.partitions[partition]; ok {
		return len(p.pending)
	}
	return 0
}
