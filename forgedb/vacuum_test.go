package forgedb

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-kit/log"
	"github.com/stretchr/testify/require"

	"github.com/deltaforge/deltaforge/forgedb/backend"
	"github.com/deltaforge/deltaforge/pkg/failure"
)

func TestVacuumRejectsShortRetention(t *testing.T) {
	_, b, _ := testEngine(t)
	v := NewVacuum(b, log.NewNopLogger())

	spec := testSpec()
	_, err := v.Run(context.Background(), &spec, time.Minute, false)
	require.Error(t, err)
	require.Equal(t, failure.KindConfig, failure.KindOf(err))
}

func TestVacuumDeletesAgedOrphans(t *testing.T) {
	cfg, b, cache := testEngine(t)
	w := NewWriter(cfg, b, cache, log.NewNopLogger())
	ctx := context.Background()

	spec := testSpec()
	_, err := w.Write(ctx, &WriteRequest{
		Spec:            spec,
		Schema:          testSchema(),
		Rows:            testRows("t-1"),
		PartitionValues: map[string]string{"cob_date": "2026-08-21"},
	})
	require.NoError(t, err)

	orphan := spec.Prefix + "/cob_date=2026-08-21/part-orphan.parquet"
	require.NoError(t, b.CreateIfNotExists(ctx, orphan, []byte("stale")))
	ageFile(t, cfg, orphan, -48*time.Hour)

	v := NewVacuum(b, log.NewNopLogger())
	res, err := v.Run(ctx, &spec, 24*time.Hour, false)
	require.NoError(t, err)
	require.Equal(t, []string{orphan}, res.Candidates)
	require.Equal(t, 1, res.Deleted)

	_, err = b.Read(ctx, orphan)
	require.ErrorIs(t, err, backend.ErrDoesNotExist)
}

func TestVacuumProtectsLiveAndRecentFiles(t *testing.T) {
	cfg, b, cache := testEngine(t)
	w := NewWriter(cfg, b, cache, log.NewNopLogger())
	ctx := context.Background()

	spec := testSpec()
	_, err := w.Write(ctx, &WriteRequest{
		Spec:            spec,
		Schema:          testSchema(),
		Rows:            testRows("t-1"),
		PartitionValues: map[string]string{"cob_date": "2026-08-21"},
	})
	require.NoError(t, err)

	// A fresh orphan could be a file an in-flight commit just staged.
	recent := spec.Prefix + "/cob_date=2026-08-21/part-staged.parquet"
	require.NoError(t, b.CreateIfNotExists(ctx, recent, []byte("staged")))

	v := NewVacuum(b, log.NewNopLogger())
	res, err := v.Run(ctx, &spec, 24*time.Hour, false)
	require.NoError(t, err)
	require.Empty(t, res.Candidates)
	require.Zero(t, res.Deleted)

	_, err = b.Read(ctx, recent)
	require.NoError(t, err)
}

func TestVacuumNeverTouchesCommitLog(t *testing.T) {
	cfg, b, cache := testEngine(t)
	w := NewWriter(cfg, b, cache, log.NewNopLogger())
	ctx := context.Background()

	spec := testSpec()
	_, err := w.Write(ctx, &WriteRequest{
		Spec:            spec,
		Schema:          testSchema(),
		Rows:            testRows("t-1"),
		PartitionValues: map[string]string{"cob_date": "2026-08-21"},
	})
	require.NoError(t, err)

	// Age every object, including the commit log itself.
	for _, p := range listAll(t, b, spec.Prefix) {
		ageFile(t, cfg, p, -48*time.Hour)
	}

	v := NewVacuum(b, log.NewNopLogger())
	res, err := v.Run(ctx, &spec, 24*time.Hour, false)
	require.NoError(t, err)
	require.Empty(t, res.Candidates)
}

func TestVacuumDryRunDeletesNothing(t *testing.T) {
	cfg, b, cache := testEngine(t)
	w := NewWriter(cfg, b, cache, log.NewNopLogger())
	ctx := context.Background()

	spec := testSpec()
	_, err := w.Write(ctx, &WriteRequest{
		Spec:            spec,
		Schema:          testSchema(),
		Rows:            testRows("t-1"),
		PartitionValues: map[string]string{"cob_date": "2026-08-21"},
	})
	require.NoError(t, err)

	orphan := spec.Prefix + "/cob_date=2026-08-21/part-orphan.parquet"
	require.NoError(t, b.CreateIfNotExists(ctx, orphan, []byte("stale")))
	ageFile(t, cfg, orphan, -48*time.Hour)

	v := NewVacuum(b, log.NewNopLogger())
	res, err := v.Run(ctx, &spec, 24*time.Hour, true)
	require.NoError(t, err)
	require.True(t, res.DryRun)
	require.Equal(t, []string{orphan}, res.Candidates)
	require.Zero(t, res.Deleted)

	_, err = b.Read(ctx, orphan)
	require.NoError(t, err)
}

func ageFile(t *testing.T, cfg *Config, path string, by time.Duration) {
	t.Helper()
	abs := filepath.Join(cfg.Local.Path, filepath.FromSlash(path))
	when := time.Now().Add(by)
	require.NoError(t, os.Chtimes(abs, when, when))
}

func listAll(t *testing.T, b backend.RawBackend, prefix string) []string {
	t.Helper()
	paths, err := b.List(context.Background(), prefix+"/")
	require.NoError(t, err)
	return paths
}
