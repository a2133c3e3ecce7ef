// Package batch groups enriched records into flushable units keyed by the
// destination table's partition tuple. One accumulator serves one topic and
// is owned by that topic's scheduler goroutine; it is not safe for concurrent
// use. Global memory pressure is shared through a Budget.
package batch

import (
	"strings"
	"time"

	"github.com/deltaforge/deltaforge/pkg/record"
)

// Batch is an ordered group of records destined for one partition of one
// table. All rows share the same partition tuple.
type Batch struct {
	Topic           string
	PartitionValues map[string]string
	Rows            []*record.Parsed
	FirstArrival    time.Time
	LastArrival     time.Time
	ByteSize        int64

	// First and last source offset seen per source partition. Used by the
	// consumer to advance acknowledgements after the batch is durable.
	FirstOffsets map[int32]int64
	LastOffsets  map[int32]int64
}

func (b *Batch) add(rec *record.Parsed, size int64) {
	if len(b.Rows) == 0 {
		b.FirstArrival = rec.ArrivalTimestamp
	}
	b.Rows = append(b.Rows, rec)
	b.LastArrival = rec.ArrivalTimestamp
	b.ByteSize += size

	p := rec.SourceRef.Partition
	if _, ok := b.FirstOffsets[p]; !ok {
		b.FirstOffsets[p] = rec.SourceRef.Offset
	}
	b.LastOffsets[p] = rec.SourceRef.Offset
}

// Age reports how long the batch has been open.
func (b *Batch) Age(now time.Time) time.Duration {
	return now.Sub(b.FirstArrival)
}

func (b *Batch) touchesPartition(partitions map[int32]struct{}) bool {
	for p := range b.FirstOffsets {
		if _, ok := partitions[p]; ok {
			return true
		}
	}
	return false
}

// Config tunes one topic's accumulator.
type Config struct {
	BatchSize     int
	FlushInterval time.Duration
}

// Accumulator collects records per partition tuple until a flush trigger
// fires. Removed batches are never merged back: records arriving while a key
// flushes start a successor batch.
type Accumulator struct {
	topic         string
	partitionCols []string
	cfg           Config
	budget        *Budget

	open  map[string]*Batch
	order []string // insertion order of open keys, oldest first
}

func NewAccumulator(topic string, partitionCols []string, cfg Config, budget *Budget) *Accumulator {
	return &Accumulator{
		topic:         topic,
		partitionCols: partitionCols,
		cfg:           cfg,
		budget:        budget,
		open:          map[string]*Batch{},
	}
}

// Add appends rec to the batch for its partition tuple, returning the batch
// when it reached the configured row count.
func (a *Accumulator) Add(rec *record.Parsed, partitionValues map[string]string, size int64) *Batch {
	key := a.key(partitionValues)
	b, ok := a.open[key]
	if !ok {
		b = &Batch{
			Topic:           a.topic,
			PartitionValues: partitionValues,
			FirstOffsets:    map[int32]int64{},
			LastOffsets:     map[int32]int64{},
		}
		a.open[key] = b
		a.order = append(a.order, key)
	}

	b.add(rec, size)
	a.budget.Reserve(size)

	if len(b.Rows) >= a.cfg.BatchSize {
		a.remove(key)
		return b
	}
	return nil
}

// Expired removes and returns every batch open longer than the flush interval.
func (a *Accumulator) Expired(now time.Time) []*Batch {
	var out []*Batch
	for _, key := range append([]string(nil), a.order...) {
		b := a.open[key]
		if b != nil && b.Age(now) >= a.cfg.FlushInterval {
			a.remove(key)
			out = append(out, b)
		}
	}
	return out
}

// Oldest removes and returns the longest-open batch, or nil when the
// accumulator is empty. Used to shed memory under global pressure.
func (a *Accumulator) Oldest() *Batch {
	if len(a.order) == 0 {
		return nil
	}
	key := a.order[0]
	b := a.open[key]
	a.remove(key)
	return b
}

// DrainAll removes and returns every open batch, oldest first.
func (a *Accumulator) DrainAll() []*Batch {
	var out []*Batch
	for _, key := range append([]string(nil), a.order...) {
		if b := a.open[key]; b != nil {
			a.remove(key)
			out = append(out, b)
		}
	}
	return out
}

// DrainPartitions removes and returns every open batch holding records from
// any of the given source partitions. Called on partition revocation.
func (a *Accumulator) DrainPartitions(partitions map[int32]struct{}) []*Batch {
	var out []*Batch
	for _, key := range append([]string(nil), a.order...) {
		b := a.open[key]
		if b != nil && b.touchesPartition(partitions) {
			a.remove(key)
			out = append(out, b)
		}
	}
	return out
}

// Len returns the number of open batches.
func (a *Accumulator) Len() int { return len(a.open) }

// Release returns the batch's bytes to the shared budget. Callers invoke it
// once the batch's flush finished, successfully or not.
func (a *Accumulator) Release(b *Batch) {
	a.budget.Release(b.ByteSize)
}

func (a *Accumulator) remove(key string) {
	delete(a.open, key)
	for i, k := range a.order {
		if k == key {
			a.order = append(a.order[:i], a.order[i+1:]...)
			break
		}
	}
}

// key joins the partition values in declared column order.
func (a *Accumulator) key(values map[string]string) string {
	var sb strings.Builder
	for _, col := range a.partitionCols {
		sb.WriteString(values[col])
		sb.WriteByte(0)
	}
	return sb.String()
}
