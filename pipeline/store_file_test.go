package pipeline

import (
	"context"
	"testing"

	"github.com/pkg/errors"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go.sluice.dev/core/table"
)

func TestFileStoreCommitAndRecoverRoundTrip(t *testing.T) {
	var ctx = context.Background()
	var fs = afero.NewMemMapFs()

	var src, err = table.New(table.Spec{Name: "src"})
	require.NoError(t, err)
	dst, err := table.New(table.Spec{Name: "dst"})
	require.NoError(t, err)

	var store = NewFileStore(fs, "snapshots/copy", dst)

	// No snapshot yet: recovery begins from zero.
	cur, err := store.Recover(ctx)
	require.NoError(t, err)
	assert.Equal(t, table.Cursor{}, cur)

	require.NoError(t, store.Commit(ctx, rowsOf(1, 2), table.Cursor{LogID: src.Log().ID(), Seq: 2}))
	require.NoError(t, store.Commit(ctx, rowsOf(3), table.Cursor{LogID: src.Log().ID(), Seq: 3}))

	var logID = dst.Log().ID()

	// A fresh Table recovers the accumulated state of both commits.
	dst2, err := table.New(table.Spec{Name: "dst"})
	require.NoError(t, err)

	cur, err = NewFileStore(fs, "snapshots/copy", dst2).Recover(ctx)
	require.NoError(t, err)
	assert.Equal(t, table.Cursor{LogID: src.Log().ID(), Seq: 3}, cur)
	assert.Equal(t, logID, dst2.Log().ID())
	assert.Equal(t, rowsOf(1, 2, 3), dst2.Scan())
	assert.Equal(t, int64(3), dst2.Log().Head())
}

func TestFileStoreGzipRoundTrip(t *testing.T) {
	var ctx = context.Background()
	var fs = afero.NewMemMapFs()

	var dst, err = table.New(table.Spec{Name: "dst"})
	require.NoError(t, err)

	var store = NewFileStore(fs, "snapshots/copy", dst)
	store.Compress = true

	require.NoError(t, store.Commit(ctx, rowsOf(1, 2), table.Cursor{Seq: 2}))

	var exists, _ = afero.Exists(fs, "snapshots/copy/state.json.gz")
	assert.True(t, exists)

	dst2, err := table.New(table.Spec{Name: "dst"})
	require.NoError(t, err)
	var store2 = NewFileStore(fs, "snapshots/copy", dst2)
	store2.Compress = true

	cur, err := store2.Recover(ctx)
	require.NoError(t, err)
	assert.Equal(t, table.Cursor{Seq: 2}, cur)
	assert.Equal(t, rowsOf(1, 2), dst2.Scan())
}

func TestFileStoreHalfWrittenNextIsIgnored(t *testing.T) {
	var ctx = context.Background()
	var fs = afero.NewMemMapFs()

	var dst, err = table.New(table.Spec{Name: "dst"})
	require.NoError(t, err)
	var store = NewFileStore(fs, "snapshots/copy", dst)

	require.NoError(t, store.Commit(ctx, rowsOf(1), table.Cursor{Seq: 1}))

	// Simulate a crash mid-commit: a torn "next" snapshot is left behind.
	require.NoError(t, afero.WriteFile(fs, "snapshots/copy/next.json", []byte(`{"logID":`), 0600))

	// Recovery reads only the current snapshot.
	dst2, err := table.New(table.Spec{Name: "dst"})
	require.NoError(t, err)
	var store2 = NewFileStore(fs, "snapshots/copy", dst2)

	cur, err := store2.Recover(ctx)
	require.NoError(t, err)
	assert.Equal(t, table.Cursor{Seq: 1}, cur)
	assert.Equal(t, rowsOf(1), dst2.Scan())

	// The next commit overwrites the torn file and proceeds.
	require.NoError(t, store2.Commit(ctx, rowsOf(2), table.Cursor{Seq: 2}))
}

func TestFileStoreFailedCommitLeavesSnapshot(t *testing.T) {
	var ctx = context.Background()
	var fs = afero.NewMemMapFs()

	var dst, err = table.New(table.Spec{Name: "dst", MaxRows: 1})
	require.NoError(t, err)
	var store = NewFileStore(fs, "snapshots/copy", dst)

	require.NoError(t, store.Commit(ctx, rowsOf(1), table.Cursor{Seq: 1}))

	// A commit violating MaxRows fails before writing anything.
	err = store.Commit(ctx, rowsOf(2), table.Cursor{Seq: 2})
	require.Error(t, err)
	assert.True(t, errors.Is(err, table.ErrTableFull))

	dst2, err := table.New(table.Spec{Name: "dst", MaxRows: 1})
	require.NoError(t, err)

	cur, err := NewFileStore(fs, "snapshots/copy", dst2).Recover(ctx)
	require.NoError(t, err)
	assert.Equal(t, table.Cursor{Seq: 1}, cur)
	assert.Equal(t, rowsOf(1), dst2.Scan())
}
