package pipeline

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPipelineBuildsAndRunsStages(t *testing.T) {
	RegisterTransform("fixture-identity", identity)

	var spec = validSpecFixture()
	spec.Stages[0].Transform.Name = "fixture-identity"
	spec.Stages[1].Transform.Name = "fixture-identity"

	var p, err = NewPipeline(spec, BuildOptions{})
	require.NoError(t, err)
	require.NoError(t, p.Recover(context.Background()))

	assert.Equal(t, []string{"mid", "out", "raw"}, p.TableNames())

	var raw, ok = p.Table("raw")
	require.True(t, ok)
	require.NoError(t, raw.Append(rowsOf(1, 2)...))

	first, ok := p.Stage("first")
	require.True(t, ok)
	out, err := first.Run(context.Background(), 0)
	require.NoError(t, err)
	assert.Equal(t, Outcome{EntriesRead: 2, RowsWritten: 2, ReadThrough: 2}, out)

	second, ok := p.Stage("second")
	require.True(t, ok)
	out, err = second.Run(context.Background(), 0)
	require.NoError(t, err)
	assert.Equal(t, Outcome{EntriesRead: 2, RowsWritten: 2, ReadThrough: 2}, out)

	final, ok := p.Table("out")
	require.True(t, ok)
	assert.Equal(t, rowsOf(1, 2), final.Scan())

	p.Destroy()
}

func TestPipelineRequiresRegisteredTransform(t *testing.T) {
	var spec = validSpecFixture()
	spec.Stages[0].Transform.Name = "never-registered"

	var _, err = NewPipeline(spec, BuildOptions{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no registered transform")
	assert.Contains(t, err.Error(), "building transform of stage first")
}

func TestPipelineRequiresJSCompilerForJSTransforms(t *testing.T) {
	var spec = validSpecFixture()
	spec.Stages[0].Transform = TransformSpec{JS: "(function(e) { return null; })"}

	var _, err = NewPipeline(spec, BuildOptions{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "without a JS transform compiler")
}

func TestPipelineRejectsInvalidSpec(t *testing.T) {
	var spec = validSpecFixture()
	spec.Stages[0].Source = "missing"

	var _, err = NewPipeline(spec, BuildOptions{})
	assert.Error(t, err)
}
