package pipeline

import (
	"context"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go.sluice.dev/core/table"
)

func TestProjectEachMapsAndDrops(t *testing.T) {
	var tf = ProjectEach(func(row table.Row) (table.Row, error) {
		var v = row["v"].(int)
		if v%2 != 0 {
			return nil, nil // Drop odd rows.
		}
		return table.Row{"doubled": v * 2}, nil
	})

	var entries = []table.Entry{
		{Seq: 1, Op: table.OpInsert, Row: table.Row{"v": 1}},
		{Seq: 2, Op: table.OpInsert, Row: table.Row{"v": 2}},
		{Seq: 3, Op: table.OpInsert, Row: table.Row{"v": 4}},
	}
	var rows, err = tf.Apply(context.Background(), entries)
	require.NoError(t, err)
	assert.Equal(t, []table.Row{{"doubled": 4}, {"doubled": 8}}, rows)
}

func TestProjectEachErrorNamesEntry(t *testing.T) {
	var tf = ProjectEach(func(row table.Row) (table.Row, error) {
		if _, ok := row["v"]; !ok {
			return nil, errors.New("row has no v")
		}
		return row, nil
	})

	var _, err = tf.Apply(context.Background(), []table.Entry{
		{Seq: 7, Op: table.OpInsert, Row: table.Row{"v": 1}},
		{Seq: 8, Op: table.OpInsert, Row: table.Row{"other": true}},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "entry 8")
}

func TestTransformRegistry(t *testing.T) {
	RegisterTransform("registry-fixture", identity)

	var tf, err = LookupTransform("registry-fixture")
	require.NoError(t, err)
	assert.NotNil(t, tf)

	_, err = LookupTransform("never-registered")
	assert.Contains(t, err.Error(), "no registered transform")

	assert.Panics(t, func() { RegisterTransform("registry-fixture", identity) })
}
