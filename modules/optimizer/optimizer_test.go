package optimizer

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/go-kit/log"
	"github.com/stretchr/testify/require"

	"github.com/deltaforge/deltaforge/forgedb"
	"github.com/deltaforge/deltaforge/forgedb/backend"
	"github.com/deltaforge/deltaforge/forgedb/backend/local"
	"github.com/deltaforge/deltaforge/forgedb/commit"
	"github.com/deltaforge/deltaforge/forgedb/encoding"
	"github.com/deltaforge/deltaforge/pkg/registry"
	"github.com/deltaforge/deltaforge/pkg/schema"
)

const testPrefix = "tables/trades"

func testStore(t *testing.T) (*forgedb.Config, backend.RawBackend) {
	t.Helper()

	cfg := &forgedb.Config{
		Backend:            "local",
		Local:              &local.Config{Path: t.TempDir()},
		RowGroupBytes:      encoding.DefaultRowGroupBytes,
		ConflictRetries:    3,
		ConflictBackoff:    time.Millisecond,
		CheckpointInterval: 20,
	}
	b, err := local.New(cfg.Local)
	require.NoError(t, err)
	return cfg, b
}

func testRegistry(t *testing.T, table registry.TableConfig) *registry.Registry {
	t.Helper()

	reg, err := registry.New(map[string]*registry.TopicSpec{
		"trades": {
			SourceTopic: "trades-raw",
			SchemaName:  "trades",
			Destination: registry.DestinationConfig{
				Prefix:           testPrefix,
				TableName:        "trades",
				PartitionColumns: []string{"cobDate"},
				COBField:         "cobDate",
			},
			Table: table,
		},
	})
	require.NoError(t, err)
	return reg
}

func tradeSchema() *schema.Schema {
	return &schema.Schema{
		Name:    "trades",
		Version: 1,
		Fields: []schema.Field{
			{Name: "tradeId", Type: schema.TypeString, Required: true},
			{Name: "cobDate", Type: schema.TypeString, Required: true},
		},
	}
}

// writeTrades commits one batch so the table gains a small live file.
func writeTrades(t *testing.T, w *forgedb.Writer, spec forgedb.TableSpec, corr string, ids ...string) {
	t.Helper()

	rows := make([]map[string]any, 0, len(ids))
	for _, id := range ids {
		rows = append(rows, map[string]any{"tradeId": id, "cobDate": "2026-08-21"})
	}
	_, err := w.Write(context.Background(), &forgedb.WriteRequest{
		Spec:            spec,
		Schema:          tradeSchema(),
		Rows:            rows,
		PartitionValues: map[string]string{"cobDate": "2026-08-21"},
		CorrelationID:   corr,
	})
	require.NoError(t, err)
}

func newOptimizer(cfg Config, reg *registry.Registry, storeCfg *forgedb.Config, b backend.RawBackend) *Optimizer {
	logger := log.NewNopLogger()
	return New(cfg, reg,
		forgedb.NewCompactor(storeCfg, b, commit.NewCache(), logger),
		forgedb.NewVacuum(b, logger), logger)
}

func TestShouldCompactClaimsTable(t *testing.T) {
	storeCfg, b := testStore(t)
	reg := testRegistry(t, registry.TableConfig{EnableOptimize: true, OptimizeInterval: 2})
	o := newOptimizer(Config{QueueSize: 8}, reg, storeCfg, b)

	spec := reg.All()[0].TableSpec()

	// The interval counts commits; the claim holds until the run clears.
	require.False(t, o.shouldCompact(&spec))
	require.True(t, o.shouldCompact(&spec))
	require.False(t, o.shouldCompact(&spec))
	require.False(t, o.shouldCompact(&spec))

	o.mtx.Lock()
	o.inFlight[spec.Prefix] = false
	o.mtx.Unlock()
	require.True(t, o.shouldCompact(&spec))
}

func TestShouldCompactSkipsDisabledAndUnknownTables(t *testing.T) {
	storeCfg, b := testStore(t)
	reg := testRegistry(t, registry.TableConfig{OptimizeInterval: 1})
	o := newOptimizer(Config{QueueSize: 8}, reg, storeCfg, b)

	disabled := reg.All()[0].TableSpec()
	require.False(t, o.shouldCompact(&disabled))
	require.False(t, o.shouldCompact(&disabled))

	unknown := forgedb.TableSpec{Name: "other", Prefix: "tables/other"}
	require.False(t, o.shouldCompact(&unknown))
}

func TestNotifyDropsWhenQueueFull(t *testing.T) {
	storeCfg, b := testStore(t)
	reg := testRegistry(t, registry.TableConfig{EnableOptimize: true, OptimizeInterval: 1})
	o := newOptimizer(Config{QueueSize: 1}, reg, storeCfg, b)

	spec := reg.All()[0].TableSpec()
	o.Notify(spec)
	o.Notify(spec)
	o.Notify(spec)

	// The service is not running, so only the first event can be buffered.
	require.Equal(t, 1, len(o.events))
}

func TestOptimizerCompactsOnCommitEvents(t *testing.T) {
	storeCfg, b := testStore(t)
	reg := testRegistry(t, registry.TableConfig{EnableOptimize: true, OptimizeInterval: 2})
	o := newOptimizer(Config{QueueSize: 8, RunTimeout: 30 * time.Second}, reg, storeCfg, b)

	spec := reg.All()[0].TableSpec()
	w := forgedb.NewWriter(storeCfg, b, commit.NewCache(), log.NewNopLogger())
	writeTrades(t, w, spec, "corr-1", "t-1", "t-2")
	writeTrades(t, w, spec, "corr-2", "t-3", "t-4")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	require.NoError(t, o.StartAsync(ctx))
	require.NoError(t, o.AwaitRunning(ctx))
	defer func() {
		o.StopAsync()
		require.NoError(t, o.AwaitTerminated(context.Background()))
	}()

	o.Notify(spec)
	o.Notify(spec)

	// The second event triggers the run, which folds both small files into
	// one and commits an OPTIMIZE entry on top of the two appends.
	require.Eventually(t, func() bool {
		state, err := commit.NewLog(b, testPrefix).Snapshot(ctx)
		if err != nil {
			return false
		}
		return state.Version == 3 && len(state.LiveFiles) == 1
	}, 20*time.Second, 50*time.Millisecond)

	for path := range mustSnapshot(t, b).LiveFiles {
		require.True(t, strings.Contains(path, "compacted"))
	}
}

func TestOptimizerVacuumTickerReclaimsOrphans(t *testing.T) {
	storeCfg, b := testStore(t)
	reg := testRegistry(t, registry.TableConfig{EnableVacuum: true, VacuumRetention: 2 * time.Hour})
	o := newOptimizer(Config{QueueSize: 8, VacuumInterval: 25 * time.Millisecond, RunTimeout: 30 * time.Second}, reg, storeCfg, b)

	spec := reg.All()[0].TableSpec()
	w := forgedb.NewWriter(storeCfg, b, commit.NewCache(), log.NewNopLogger())
	writeTrades(t, w, spec, "corr-1", "t-1")

	// Stage an orphan older than the retention window.
	ctx := context.Background()
	orphan := testPrefix + "/cobDate=2026-08-21/part-orphan.parquet"
	require.NoError(t, b.Write(ctx, orphan, strings.NewReader("stale"), 5))
	stale := time.Now().Add(-3 * time.Hour)
	require.NoError(t, os.Chtimes(filepath.Join(storeCfg.Local.Path, filepath.FromSlash(orphan)), stale, stale))

	runCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	require.NoError(t, o.StartAsync(runCtx))
	require.NoError(t, o.AwaitRunning(runCtx))
	defer func() {
		o.StopAsync()
		require.NoError(t, o.AwaitTerminated(context.Background()))
	}()

	require.Eventually(t, func() bool {
		_, err := b.Read(ctx, orphan)
		return err == backend.ErrDoesNotExist
	}, 20*time.Second, 50*time.Millisecond)

	// The live data file survives.
	state := mustSnapshot(t, b)
	require.Len(t, state.LiveFiles, 1)
}

func mustSnapshot(t *testing.T, b backend.RawBackend) *commit.State {
	t.Helper()

	state, err := commit.NewLog(b, testPrefix).Snapshot(context.Background())
	require.NoError(t, err)
	return state
}
