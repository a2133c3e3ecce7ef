package commit

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/deltaforge/deltaforge/forgedb/backend/local"
)

const testSchemaJSON = `{"name":"user-events","version":1,"fields":[{"name":"user_id","type":"STRING","required":true},{"name":"cobDate","type":"STRING","required":true}]}`

func testEntry(version int64) *Entry {
	e := &Entry{
		Version: version,
		Adds: []Add{{
			Path:            "cobDate=2024-01-15/part-a.parquet",
			Size:            1024,
			PartitionValues: map[string]string{"cobDate": "2024-01-15"},
			RowCount:        2,
			Stats: map[string]ColumnStats{
				"user_id": {Min: "u1", Max: "u2", NullCount: 0, TotalCount: 2},
			},
		}},
		Info: Info{
			Timestamp:        1705311000000,
			Operation:        OperationWrite,
			EngineInfo:       "deltaforge/0.1.0",
			CorrelationID:    "corr-1",
			BatchFingerprint: "fp-1",
		},
	}
	if version == 0 {
		e.Protocol = &Protocol{Version: ProtocolVersion}
		e.MetaData = &MetaData{
			SchemaJSON:       []byte(testSchemaJSON),
			PartitionColumns: []string{"cobDate"},
		}
		e.Info.Operation = OperationCreate
	}
	return e
}

func TestMarshalRoundTrip(t *testing.T) {
	e := testEntry(0)
	b, err := e.Marshal()
	require.NoError(t, err)

	// canonical JSONL ordering: protocol, metaData, adds, commitInfo
	lines := strings.Split(strings.TrimSpace(string(b)), "\n")
	require.Len(t, lines, 4)
	assert.Contains(t, lines[0], `"protocol"`)
	assert.Contains(t, lines[1], `"metaData"`)
	assert.Contains(t, lines[2], `"add"`)
	assert.Contains(t, lines[3], `"commitInfo"`)

	got, err := Unmarshal(0, b)
	require.NoError(t, err)
	assert.Equal(t, e.Adds, got.Adds)
	assert.Equal(t, e.Info, got.Info)
	assert.Equal(t, []string{"cobDate"}, got.MetaData.PartitionColumns)

	sch, err := got.MetaData.Schema()
	require.NoError(t, err)
	assert.Equal(t, "user-events", sch.Name)
}

func TestUnmarshalRequiresCommitInfo(t *testing.T) {
	_, err := Unmarshal(3, []byte(`{"add":{"path":"p","size":1,"partitionValues":{}}}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "missing commitInfo")
}

func TestUnmarshalRejectsNewerProtocol(t *testing.T) {
	body := `{"protocol":{"version":99}}
{"commitInfo":{"timestamp":1,"operation":"WRITE","engineInfo":"x"}}`
	_, err := Unmarshal(0, []byte(body))
	assert.Error(t, err)
}

func TestPathNames(t *testing.T) {
	assert.Equal(t, "tables/events/_commits/00000000000000000000.json", Path("tables/events/", 0))
	assert.Equal(t, "tables/events/_commits/00000000000000000042.json", Path("tables/events", 42))
	assert.Equal(t, "tables/events/_commits/00000000000000000010.checkpoint.json", CheckpointPath("tables/events", 10))

	v, ok := ParseVersion("00000000000000000042.json")
	require.True(t, ok)
	assert.EqualValues(t, 42, v)

	for _, name := range []string{"42.json", "0000000000000000004a.json", "00000000000000000042.checkpoint.json", "meta.json"} {
		_, ok := ParseVersion(name)
		assert.False(t, ok, name)
	}

	v, ok = ParseCheckpointVersion("00000000000000000010.checkpoint.json")
	require.True(t, ok)
	assert.EqualValues(t, 10, v)
}

func TestStateApply(t *testing.T) {
	state := EmptyState()
	require.NoError(t, state.Apply(testEntry(0)))
	assert.EqualValues(t, 0, state.Version)
	assert.Len(t, state.LiveFiles, 1)
	assert.Equal(t, []string{"cobDate"}, state.PartitionColumns)

	// gap
	e2 := testEntry(2)
	assert.Error(t, state.Apply(e2))

	// duplicate fingerprint
	e1 := testEntry(1)
	e1.Adds[0].Path = "cobDate=2024-01-15/part-b.parquet"
	assert.Error(t, state.Apply(e1), "fingerprint fp-1 already applied")

	e1.Info.BatchFingerprint = "fp-2"
	require.NoError(t, state.Apply(e1))
	assert.Len(t, state.LiveFiles, 2)

	// remove drops from the live set
	e2 = &Entry{
		Version: 2,
		Adds: []Add{{
			Path:            "cobDate=2024-01-15/part-c.parquet",
			PartitionValues: map[string]string{"cobDate": "2024-01-15"},
		}},
		Removes: []Remove{
			{Path: "cobDate=2024-01-15/part-a.parquet"},
			{Path: "cobDate=2024-01-15/part-b.parquet"},
		},
		Info: Info{Timestamp: 1, Operation: OperationOptimize, EngineInfo: "x"},
	}
	require.NoError(t, state.Apply(e2))
	assert.Len(t, state.LiveFiles, 1)
	_, ok := state.LiveFiles["cobDate=2024-01-15/part-c.parquet"]
	assert.True(t, ok)

	// re-adding a live path is invalid
	e3 := &Entry{
		Version: 3,
		Adds:    []Add{{Path: "cobDate=2024-01-15/part-c.parquet"}},
		Info:    Info{Timestamp: 1, Operation: OperationWrite, EngineInfo: "x"},
	}
	assert.Error(t, state.Apply(e3))
}

func testLog(t *testing.T) *Log {
	t.Helper()
	rw, err := local.New(&local.Config{Path: t.TempDir()})
	require.NoError(t, err)
	return NewLog(rw, "tables/events")
}

func writeCommit(t *testing.T, l *Log, e *Entry) {
	t.Helper()
	b, err := e.Marshal()
	require.NoError(t, err)
	require.NoError(t, l.backend.CreateIfNotExists(context.Background(), Path(l.prefix, e.Version), b))
}

func TestLogSnapshotEmpty(t *testing.T) {
	l := testLog(t)

	head, err := l.Head(context.Background())
	require.NoError(t, err)
	assert.EqualValues(t, -1, head)

	state, err := l.Snapshot(context.Background())
	require.NoError(t, err)
	assert.False(t, state.Exists())
}

func TestLogSnapshotReplays(t *testing.T) {
	l := testLog(t)
	ctx := context.Background()

	writeCommit(t, l, testEntry(0))
	e1 := testEntry(1)
	e1.Adds[0].Path = "cobDate=2024-01-16/part-b.parquet"
	e1.Info.BatchFingerprint = "fp-2"
	writeCommit(t, l, e1)

	head, err := l.Head(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, head)

	state, err := l.Snapshot(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, state.Version)
	assert.Len(t, state.LiveFiles, 2)
	assert.EqualValues(t, 0, state.Fingerprints["fp-1"])
	assert.EqualValues(t, 1, state.Fingerprints["fp-2"])

	sch, err := state.Schema()
	require.NoError(t, err)
	assert.Equal(t, "user-events", sch.Name)
}

func TestLogSnapshotFromCheckpoint(t *testing.T) {
	l := testLog(t)
	ctx := context.Background()

	writeCommit(t, l, testEntry(0))
	state, err := l.Snapshot(ctx)
	require.NoError(t, err)
	require.NoError(t, l.WriteCheckpoint(ctx, state))

	e1 := testEntry(1)
	e1.Adds[0].Path = "cobDate=2024-01-16/part-b.parquet"
	e1.Info.BatchFingerprint = "fp-2"
	writeCommit(t, l, e1)

	got, err := l.Snapshot(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, got.Version)
	assert.Len(t, got.LiveFiles, 2)
	assert.Equal(t, []string{"cobDate"}, got.PartitionColumns)
}

func TestCache(t *testing.T) {
	c := NewCache()
	assert.Nil(t, c.Get("tables/events"))

	s := EmptyState()
	require.NoError(t, s.Apply(testEntry(0)))
	c.Put("tables/events", s)

	got := c.Get("tables/events")
	require.NotNil(t, got)
	assert.EqualValues(t, 0, got.Version)

	// mutations of the returned snapshot must not leak into the cache
	got.LiveFiles["rogue"] = Add{Path: "rogue"}
	assert.Len(t, c.Get("tables/events").LiveFiles, 1)

	// stale put is ignored
	stale := EmptyState()
	c.Put("tables/events", stale)
	assert.EqualValues(t, 0, c.Get("tables/events").Version)

	c.Invalidate("tables/events")
	assert.Nil(t, c.Get("tables/events"))
}
