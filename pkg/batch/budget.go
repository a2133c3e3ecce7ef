package batch

import (
	"go.uber.org/atomic"
)

// Budget is the global accounting of bytes buffered across every topic. When
// usage crosses the limit, schedulers flush their oldest batches until back
// under.
type Budget struct {
	limit int64
	used  atomic.Int64
}

// NewBudget creates a budget of limit bytes. A non-positive limit disables
// pressure flushes.
func NewBudget(limit int64) *Budget {
	return &Budget{limit: limit}
}

func (b *Budget) Reserve(n int64) { b.used.Add(n) }

func (b *Budget) Release(n int64) { b.used.Sub(n) }

// Used returns the bytes currently accounted.
func (b *Budget) Used() int64 { return b.used.Load() }

// Over reports whether usage exceeds the limit.
func (b *Budget) Over() bool {
	return b.OverBeyond(0)
}

// OverBeyond reports whether usage would still exceed the limit once n more
// bytes are released. Schedulers pass the bytes already handed to flush
// workers so one pressure pass stops shedding as soon as those releases will
// bring usage back under.
func (b *Budget) OverBeyond(n int64) bool {
	return b.limit > 0 && b.used.Load()-n >= b.limit
}
