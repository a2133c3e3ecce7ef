package consumer

import (
	"sync"

	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/deltaforge/deltaforge/pkg/record"
)

// offsetTracker turns out-of-order durability reports back into in-order
// offset commits. Records register in offset order at consume time; an offset
// becomes committable only once it and every earlier pending offset on its
// partition are durable.
type offsetTracker struct {
	mtx        sync.Mutex
	partitions map[string]map[int32]*partitionOffsets
}

type partitionOffsets struct {
	// pending offsets in consume order, each flagged once durable.
	pending []pendingOffset
	// next holds the committable next-offset once the head of pending drains.
	next  int64
	dirty bool
}

type pendingOffset struct {
	offset  int64
	durable bool
}

func newOffsetTracker() *offsetTracker {
	return &offsetTracker{partitions: map[string]map[int32]*partitionOffsets{}}
}

// Track registers a consumed record as pending.
func (t *offsetTracker) Track(topic string, partition int32, offset int64) {
	t.mtx.Lock()
	defer t.mtx.Unlock()

	parts, ok := t.partitions[topic]
	if !ok {
		parts = map[int32]*partitionOffsets{}
		t.partitions[topic] = parts
	}
	po, ok := parts[partition]
	if !ok {
		po = &partitionOffsets{}
		parts[partition] = po
	}
	po.pending = append(po.pending, pendingOffset{offset: offset})
}

// MarkDurable flags the record's offset as durable and advances the
// partition's committable watermark past any drained head.
func (t *offsetTracker) MarkDurable(ref record.SourceRef) {
	t.mtx.Lock()
	defer t.mtx.Unlock()

	parts, ok := t.partitions[ref.Topic]
	if !ok {
		return
	}
	po, ok := parts[ref.Partition]
	if !ok {
		return
	}
	for i := range po.pending {
		if po.pending[i].offset == ref.Offset {
			po.pending[i].durable = true
			break
		}
	}
	for len(po.pending) > 0 && po.pending[0].durable {
		po.next = po.pending[0].offset + 1
		po.dirty = true
		po.pending = po.pending[1:]
	}
}

// Committable returns the offsets ready to commit since the last call.
func (t *offsetTracker) Committable() map[string]map[int32]kgo.EpochOffset {
	t.mtx.Lock()
	defer t.mtx.Unlock()

	var out map[string]map[int32]kgo.EpochOffset
	for topic, parts := range t.partitions {
		for partition, po := range parts {
			if !po.dirty {
				continue
			}
			po.dirty = false
			if out == nil {
				out = map[string]map[int32]kgo.EpochOffset{}
			}
			if out[topic] == nil {
				out[topic] = map[int32]kgo.EpochOffset{}
			}
			out[topic][partition] = kgo.EpochOffset{Epoch: -1, Offset: po.next}
		}
	}
	return out
}

// Drop forgets the given partitions. Their unacknowledged records will be
// redelivered to whoever owns them next.
func (t *offsetTracker) Drop(topic string, partitions []int32) {
	t.mtx.Lock()
	defer t.mtx.Unlock()

	parts, ok := t.partitions[topic]
	if !ok {
		return
	}
	for _, p := range partitions {
		delete(parts, p)
	}
}

// Assigned lists the tracked partitions of a topic.
func (t *offsetTracker) Assigned(topic string) []int32 {
	t.mtx.Lock()
	defer t.mtx.Unlock()

	var out []int32
	for p := range t.partitions[topic] {
		out = append(out, p)
	}
	return out
}
