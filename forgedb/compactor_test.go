package forgedb

import (
	"context"
	"testing"
	"time"

	"github.com/go-kit/log"
	"github.com/stretchr/testify/require"

	"github.com/deltaforge/deltaforge/forgedb/commit"
	"github.com/deltaforge/deltaforge/forgedb/encoding"
)

func TestCompactorFoldsSmallFiles(t *testing.T) {
	cfg, b, cache := testEngine(t)
	w := NewWriter(cfg, b, cache, log.NewNopLogger())
	ctx := context.Background()

	spec := testSpec()
	spec.MinCompactBytes = 1 << 20 // everything below 1MiB is a candidate

	ids := []string{"t-1", "t-2", "t-3"}
	for _, id := range ids {
		_, err := w.Write(ctx, &WriteRequest{
			Spec:            spec,
			Schema:          testSchema(),
			Rows:            testRows(id),
			PartitionValues: map[string]string{"cob_date": "2026-08-21"},
		})
		require.NoError(t, err)
	}

	c := NewCompactor(cfg, b, cache, log.NewNopLogger())
	res, err := c.Compact(ctx, &spec)
	require.NoError(t, err)
	require.Equal(t, 1, res.BinsWritten)
	require.Equal(t, 3, res.FilesRemoved)
	require.Zero(t, res.Aborted)

	state, err := commit.NewLog(b, spec.Prefix).Snapshot(ctx)
	require.NoError(t, err)
	require.Len(t, state.LiveFiles, 1)
	require.Equal(t, commit.OperationOptimize, mustReadEntry(t, b, spec.Prefix, state.Version).Info.Operation)

	// The rewrite must preserve every row.
	s, err := state.Schema()
	require.NoError(t, err)
	var total int
	for path, add := range state.LiveFiles {
		require.Equal(t, int64(3), add.RowCount)
		data, err := b.Read(ctx, path)
		require.NoError(t, err)
		rows, err := encoding.ReadFile(s, data)
		require.NoError(t, err)
		total += len(rows)
	}
	require.Equal(t, 3, total)
}

func TestCompactorKeepsPartitionsSeparate(t *testing.T) {
	cfg, b, cache := testEngine(t)
	w := NewWriter(cfg, b, cache, log.NewNopLogger())
	ctx := context.Background()

	spec := testSpec()
	spec.MinCompactBytes = 1 << 20

	for _, cob := range []string{"2026-08-20", "2026-08-21"} {
		for _, id := range []string{"a", "b"} {
			rows := []map[string]any{{"trade_id": cob + "-" + id, "notional": 1.0, "cob_date": cob}}
			_, err := w.Write(ctx, &WriteRequest{
				Spec:            spec,
				Schema:          testSchema(),
				Rows:            rows,
				PartitionValues: map[string]string{"cob_date": cob},
			})
			require.NoError(t, err)
		}
	}

	c := NewCompactor(cfg, b, cache, log.NewNopLogger())
	res, err := c.Compact(ctx, &spec)
	require.NoError(t, err)
	require.Equal(t, 2, res.BinsWritten)

	state, err := commit.NewLog(b, spec.Prefix).Snapshot(ctx)
	require.NoError(t, err)
	require.Len(t, state.LiveFiles, 2)
	for path, add := range state.LiveFiles {
		require.Contains(t, path, "cob_date="+add.PartitionValues["cob_date"]+"/")
	}
}

func TestCompactorSkipsLargeFiles(t *testing.T) {
	cfg, b, cache := testEngine(t)
	w := NewWriter(cfg, b, cache, log.NewNopLogger())
	ctx := context.Background()

	spec := testSpec()
	spec.MinCompactBytes = 1 // nothing qualifies

	for _, id := range []string{"t-1", "t-2"} {
		_, err := w.Write(ctx, &WriteRequest{
			Spec:            spec,
			Schema:          testSchema(),
			Rows:            testRows(id),
			PartitionValues: map[string]string{"cob_date": "2026-08-21"},
		})
		require.NoError(t, err)
	}

	c := NewCompactor(cfg, b, cache, log.NewNopLogger())
	res, err := c.Compact(ctx, &spec)
	require.NoError(t, err)
	require.Zero(t, res.BinsWritten)

	state, err := commit.NewLog(b, spec.Prefix).Snapshot(ctx)
	require.NoError(t, err)
	require.Len(t, state.LiveFiles, 2)
}

func TestCompactorIgnoresMissingTable(t *testing.T) {
	cfg, b, cache := testEngine(t)
	c := NewCompactor(cfg, b, cache, log.NewNopLogger())

	spec := testSpec()
	res, err := c.Compact(context.Background(), &spec)
	require.NoError(t, err)
	require.Equal(t, int64(-1), res.Version)
	require.Zero(t, res.BinsWritten)
}

func TestCompactorAbortsBinOnVersionRace(t *testing.T) {
	cfg, b, cache := testEngine(t)
	w := NewWriter(cfg, b, cache, log.NewNopLogger())
	ctx := context.Background()

	spec := testSpec()
	spec.MinCompactBytes = 1 << 20

	for _, id := range []string{"t-1", "t-2"} {
		_, err := w.Write(ctx, &WriteRequest{
			Spec:            spec,
			Schema:          testSchema(),
			Rows:            testRows(id),
			PartitionValues: map[string]string{"cob_date": "2026-08-21"},
		})
		require.NoError(t, err)
	}

	// Steal the version the compactor will try to commit.
	head, err := commit.NewLog(b, spec.Prefix).Head(ctx)
	require.NoError(t, err)
	e := &commit.Entry{
		Version: head + 1,
		Info:    commit.Info{Timestamp: time.Now().UnixMilli(), Operation: commit.OperationWrite, EngineInfo: "other"},
	}
	body, err := e.Marshal()
	require.NoError(t, err)
	require.NoError(t, b.CreateIfNotExists(ctx, commit.Path(spec.Prefix, e.Version), body))

	c := NewCompactor(cfg, b, cache, log.NewNopLogger())
	res, err := c.Compact(ctx, &spec)
	require.NoError(t, err)
	require.Equal(t, 1, res.Aborted)
	require.Zero(t, res.BinsWritten)
}

func TestPlanBinsRespectsTargetSize(t *testing.T) {
	state := commit.EmptyState()
	state.Version = 0
	for _, f := range []commit.Add{
		{Path: "p/a", Size: 60, PartitionValues: map[string]string{"d": "1"}},
		{Path: "p/b", Size: 60, PartitionValues: map[string]string{"d": "1"}},
		{Path: "p/c", Size: 60, PartitionValues: map[string]string{"d": "1"}},
		{Path: "p/d", Size: 500, PartitionValues: map[string]string{"d": "1"}}, // over min, excluded
	} {
		state.LiveFiles[f.Path] = f
	}

	bins := planBins(state, 100, 130)
	require.Len(t, bins, 1)
	require.Len(t, bins[0].files, 2, "third small file does not fit the target")
	require.Equal(t, int64(120), bins[0].bytes)
}

func mustReadEntry(t *testing.T, b interface {
	Read(ctx context.Context, path string) ([]byte, error)
}, prefix string, version int64) *commit.Entry {
	t.Helper()
	data, err := b.Read(context.Background(), commit.Path(prefix, version))
	require.NoError(t, err)
	e, err := commit.Unmarshal(version, data)
	require.NoError(t, err)
	return e
}
