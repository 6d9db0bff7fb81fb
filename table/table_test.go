package table

import (
	"io"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSpecValidationCases(t *testing.T) {
	var cases = []struct {
		s      Spec
		expect string
	}{
		{Spec{Name: "ok-table"}, ""},
		{Spec{Name: "ok", Key: "id", MaxRows: 10}, ""},
		{Spec{Name: "x"}, "Name: invalid length"},
		{Spec{Name: "bad table"}, "Name: not a valid token"},
		{Spec{Name: "ok", MaxRows: -1}, "invalid MaxRows"},
	}
	for _, tc := range cases {
		if tc.expect == "" {
			assert.NoError(t, tc.s.Validate())
		} else {
			require.Error(t, tc.s.Validate())
			assert.Contains(t, tc.s.Validate().Error(), tc.expect)
		}
	}
}

func TestAppendRecordsEntries(t *testing.T) {
	var tbl, err = New(Spec{Name: "stuff"})
	require.NoError(t, err)

	require.NoError(t, tbl.Append(Row{"v": 1}, Row{"v": 2}))
	require.NoError(t, tbl.Append(Row{"v": 3}))

	assert.Equal(t, 3, tbl.Len())
	assert.Equal(t, int64(3), tbl.Log().Head())

	var it = tbl.Log().Read(Cursor{}, 0)
	for i := 1; i <= 3; i++ {
		var e, err = it.Next()
		require.NoError(t, err)
		assert.Equal(t, int64(i), e.Seq)
		assert.Equal(t, OpInsert, e.Op)
		assert.Equal(t, i, e.Row["v"])
		assert.False(t, e.Time.IsZero())
	}
	_, err = it.Next()
	assert.Equal(t, io.EOF, err)
}

func TestAppendIsAllOrNothing(t *testing.T) {
	var tbl, err = New(Spec{Name: "bounded", MaxRows: 2})
	require.NoError(t, err)

	require.NoError(t, tbl.Append(Row{"v": 1}))

	// A batch which would exceed MaxRows leaves the table and log untouched.
	err = tbl.Append(Row{"v": 2}, Row{"v": 3})
	assert.ErrorIs(t, err, ErrTableFull)
	assert.Equal(t, 1, tbl.Len())
	assert.Equal(t, int64(1), tbl.Log().Head())

	require.NoError(t, tbl.Append(Row{"v": 2}))
	assert.ErrorIs(t, tbl.Append(Row{"v": 3}), ErrTableFull)
}

func TestKeyedUpdateAndDelete(t *testing.T) {
	var tbl, err = New(Spec{Name: "keyed", Key: "id"})
	require.NoError(t, err)

	require.NoError(t, tbl.Append(Row{"id": "a", "v": 1}, Row{"id": "b", "v": 2}))

	// Duplicated keys are rejected, both within a batch and against the table.
	assert.ErrorIs(t, tbl.Append(Row{"id": "a", "v": 9}), ErrDuplicateRow)
	assert.ErrorIs(t, tbl.Append(Row{"id": "c"}, Row{"id": "c"}), ErrDuplicateRow)

	require.NoError(t, tbl.Update(Row{"id": "a", "v": 10}))
	var r, ok = tbl.Get("a")
	require.True(t, ok)
	assert.Equal(t, 10, r["v"])

	assert.ErrorIs(t, tbl.Update(Row{"id": "missing"}), ErrNoSuchRow)
	assert.ErrorIs(t, tbl.Delete("missing"), ErrNoSuchRow)

	require.NoError(t, tbl.Delete("a"))
	_, ok = tbl.Get("a")
	assert.False(t, ok)
	assert.Equal(t, 1, tbl.Len())

	// The log records the full mutation history, with a delete snapshotting
	// the row as of its deletion.
	var ops []Op
	var it = tbl.Log().Read(Cursor{}, 0)
	var last Entry
	for {
		var e, err = it.Next()
		if err != nil {
			break
		}
		ops, last = append(ops, e.Op), e
	}
	assert.Equal(t, []Op{OpInsert, OpInsert, OpUpdate, OpDelete}, ops)
	assert.Equal(t, 10, last.Row["v"])
}

func TestUnkeyedTableRejectsUpdateAndDelete(t *testing.T) {
	var tbl, err = New(Spec{Name: "unkeyed"})
	require.NoError(t, err)

	assert.Equal(t, ErrNoKey, tbl.Update(Row{"v": 1}))
	assert.Equal(t, ErrNoKey, tbl.Delete("a"))
}

func TestScanReturnsInsertionOrderedCopies(t *testing.T) {
	var tbl, err = New(Spec{Name: "scanned"})
	require.NoError(t, err)

	require.NoError(t, tbl.Append(Row{"v": 1}, Row{"v": 2}))

	var rows = tbl.Scan()
	require.Len(t, rows, 2)
	assert.Equal(t, 1, rows[0]["v"])

	// Mutating the returned row must not affect the table.
	rows[0]["v"] = 99
	assert.Equal(t, 1, tbl.Scan()[0]["v"])
}

func TestRestoreReplaysEntries(t *testing.T) {
	var src, err = New(Spec{Name: "source", Key: "id"})
	require.NoError(t, err)

	require.NoError(t, src.Append(Row{"id": "a", "v": 1}, Row{"id": "b", "v": 2}))
	require.NoError(t, src.Update(Row{"id": "a", "v": 3}))
	require.NoError(t, src.Delete("b"))

	var entries []Entry
	for it := src.Log().Read(Cursor{}, 0); ; {
		var e, err = it.Next()
		if err != nil {
			break
		}
		entries = append(entries, e)
	}

	var dst, dErr = New(Spec{Name: "restored", Key: "id"})
	require.NoError(t, dErr)
	var id = uuid.New()

	require.NoError(t, dst.Restore(id, entries))
	assert.Equal(t, id, dst.Log().ID())
	assert.Equal(t, int64(4), dst.Log().Head())
	assert.Equal(t, src.Scan(), dst.Scan())

	// Entries must be contiguously sequenced from one.
	err = dst.Restore(id, entries[1:])
	require.Error(t, err)
	assert.Contains(t, err.Error(), "expected 1")
}
