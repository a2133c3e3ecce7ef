package local

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/deltaforge/deltaforge/forgedb/backend"
)

func testBackend(t *testing.T) backend.RawBackend {
	t.Helper()
	rw, err := New(&Config{Path: t.TempDir()})
	require.NoError(t, err)
	return rw
}

func TestReadWriteDelete(t *testing.T) {
	rw := testBackend(t)
	ctx := context.Background()

	payload := []byte("hello")
	require.NoError(t, rw.Write(ctx, "tables/events/cobDate=2024-01-15/part-1.parquet", bytes.NewReader(payload), int64(len(payload))))

	got, err := rw.Read(ctx, "tables/events/cobDate=2024-01-15/part-1.parquet")
	require.NoError(t, err)
	assert.Equal(t, payload, got)

	require.NoError(t, rw.Delete(ctx, "tables/events/cobDate=2024-01-15/part-1.parquet"))
	_, err = rw.Read(ctx, "tables/events/cobDate=2024-01-15/part-1.parquet")
	assert.ErrorIs(t, err, backend.ErrDoesNotExist)

	// deleting a missing object is fine
	assert.NoError(t, rw.Delete(ctx, "tables/events/cobDate=2024-01-15/part-1.parquet"))
}

func TestListByPrefix(t *testing.T) {
	rw := testBackend(t)
	ctx := context.Background()

	for _, p := range []string{
		"tables/events/_commits/00000000000000000000.json",
		"tables/events/_commits/00000000000000000001.json",
		"tables/events/cobDate=2024-01-15/part-1.parquet",
		"tables/other/_commits/00000000000000000000.json",
	} {
		require.NoError(t, rw.Write(ctx, p, bytes.NewReader([]byte("x")), 1))
	}

	paths, err := rw.List(ctx, "tables/events/_commits/")
	require.NoError(t, err)
	assert.Equal(t, []string{
		"tables/events/_commits/00000000000000000000.json",
		"tables/events/_commits/00000000000000000001.json",
	}, paths)

	paths, err = rw.List(ctx, "tables/events/")
	require.NoError(t, err)
	assert.Len(t, paths, 3)

	paths, err = rw.List(ctx, "tables/missing/")
	require.NoError(t, err)
	assert.Empty(t, paths)
}

func TestCreateIfNotExists(t *testing.T) {
	rw := testBackend(t)
	ctx := context.Background()

	err := rw.CreateIfNotExists(ctx, "tables/events/_commits/00000000000000000000.json", []byte("first"))
	require.NoError(t, err)

	err = rw.CreateIfNotExists(ctx, "tables/events/_commits/00000000000000000000.json", []byte("second"))
	assert.ErrorIs(t, err, backend.ErrAlreadyExists)

	got, err := rw.Read(ctx, "tables/events/_commits/00000000000000000000.json")
	require.NoError(t, err)
	assert.Equal(t, []byte("first"), got, "losing writer must not clobber the winner")
}
