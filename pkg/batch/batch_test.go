package batch

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/deltaforge/deltaforge/pkg/record"
)

func rec(partition int32, offset int64, arrival time.Time) *record.Parsed {
	return &record.Parsed{
		Fields:           map[string]any{"offset": offset},
		SourceRef:        record.SourceRef{Topic: "user-events", Partition: partition, Offset: offset},
		ArrivalTimestamp: arrival,
	}
}

func pv(cob string) map[string]string {
	return map[string]string{"cobDate": cob}
}

func TestAccumulatorFlushesOnRowCount(t *testing.T) {
	budget := NewBudget(0)
	a := NewAccumulator("user-events", []string{"cobDate"}, Config{BatchSize: 2, FlushInterval: time.Minute}, budget)

	now := time.Now()
	require.Nil(t, a.Add(rec(0, 0, now), pv("2024-01-15"), 10))
	b := a.Add(rec(0, 1, now), pv("2024-01-15"), 10)
	require.NotNil(t, b)
	require.Len(t, b.Rows, 2)
	require.Equal(t, int64(20), b.ByteSize)
	require.Equal(t, int64(0), b.FirstOffsets[0])
	require.Equal(t, int64(1), b.LastOffsets[0])
	require.Zero(t, a.Len())
}

func TestAccumulatorKeysByPartitionTuple(t *testing.T) {
	a := NewAccumulator("user-events", []string{"cobDate"}, Config{BatchSize: 10, FlushInterval: time.Minute}, NewBudget(0))

	now := time.Now()
	a.Add(rec(0, 0, now), pv("2024-01-15"), 1)
	a.Add(rec(0, 1, now), pv("2024-01-16"), 1)
	require.Equal(t, 2, a.Len())

	batches := a.DrainAll()
	require.Len(t, batches, 2)
	require.Equal(t, "2024-01-15", batches[0].PartitionValues["cobDate"])
	require.Equal(t, "2024-01-16", batches[1].PartitionValues["cobDate"])
}

func TestAccumulatorExpiresByAge(t *testing.T) {
	a := NewAccumulator("user-events", []string{"cobDate"}, Config{BatchSize: 10, FlushInterval: time.Minute}, NewBudget(0))

	start := time.Now()
	a.Add(rec(0, 0, start), pv("2024-01-15"), 1)
	a.Add(rec(0, 1, start.Add(50*time.Second)), pv("2024-01-16"), 1)

	expired := a.Expired(start.Add(61 * time.Second))
	require.Len(t, expired, 1)
	require.Equal(t, "2024-01-15", expired[0].PartitionValues["cobDate"])
	require.Equal(t, 1, a.Len())
}

func TestAccumulatorSuccessorBatchNeverMerges(t *testing.T) {
	a := NewAccumulator("user-events", []string{"cobDate"}, Config{BatchSize: 2, FlushInterval: time.Minute}, NewBudget(0))

	now := time.Now()
	a.Add(rec(0, 0, now), pv("2024-01-15"), 1)
	first := a.Add(rec(0, 1, now), pv("2024-01-15"), 1)
	require.NotNil(t, first)

	// Records arriving while the first batch is in flight open a new batch.
	require.Nil(t, a.Add(rec(0, 2, now), pv("2024-01-15"), 1))
	second := a.Add(rec(0, 3, now), pv("2024-01-15"), 1)
	require.NotNil(t, second)
	require.NotSame(t, first, second)
	require.Equal(t, int64(2), second.FirstOffsets[0])
}

func TestAccumulatorDrainPartitions(t *testing.T) {
	a := NewAccumulator("user-events", []string{"cobDate"}, Config{BatchSize: 10, FlushInterval: time.Minute}, NewBudget(0))

	now := time.Now()
	a.Add(rec(0, 0, now), pv("2024-01-15"), 1)
	a.Add(rec(1, 0, now), pv("2024-01-16"), 1)
	a.Add(rec(2, 0, now), pv("2024-01-17"), 1)

	drained := a.DrainPartitions(map[int32]struct{}{1: {}})
	require.Len(t, drained, 1)
	require.Equal(t, "2024-01-16", drained[0].PartitionValues["cobDate"])
	require.Equal(t, 2, a.Len())
}

func TestAccumulatorOldestFirst(t *testing.T) {
	a := NewAccumulator("user-events", []string{"cobDate"}, Config{BatchSize: 10, FlushInterval: time.Minute}, NewBudget(0))

	now := time.Now()
	a.Add(rec(0, 0, now), pv("2024-01-15"), 1)
	a.Add(rec(0, 1, now), pv("2024-01-16"), 1)

	oldest := a.Oldest()
	require.NotNil(t, oldest)
	require.Equal(t, "2024-01-15", oldest.PartitionValues["cobDate"])
}

func TestBudgetAccounting(t *testing.T) {
	budget := NewBudget(100)
	a := NewAccumulator("user-events", []string{"cobDate"}, Config{BatchSize: 10, FlushInterval: time.Minute}, budget)

	now := time.Now()
	a.Add(rec(0, 0, now), pv("2024-01-15"), 60)
	require.False(t, budget.Over())

	b := a.Add(rec(0, 1, now), pv("2024-01-15"), 60)
	_ = b
	require.True(t, budget.Over())

	flushed := a.Oldest()
	require.NotNil(t, flushed)
	a.Release(flushed)
	require.False(t, budget.Over())
	require.Zero(t, budget.Used())
}

func TestBudgetOverBeyond(t *testing.T) {
	budget := NewBudget(100)
	budget.Reserve(120)

	require.True(t, budget.Over())
	// 60 bytes already flushing will bring usage back under the limit.
	require.False(t, budget.OverBeyond(60))
	require.True(t, budget.OverBeyond(10))
}

func TestBudgetDisabled(t *testing.T) {
	budget := NewBudget(0)
	budget.Reserve(1 << 40)
	require.False(t, budget.Over())
}
