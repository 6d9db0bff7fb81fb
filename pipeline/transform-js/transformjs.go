// Package transformjs adapts user-supplied JavaScript function bodies to the
// pipeline.Transform interface, using the goja interpreter. It lets pipeline
// specs carry their transform logic inline, without a rebuild of the
// embedding application.
package transformjs

import (
	"context"

	"github.com/dop251/goja"
	"github.com/pkg/errors"

	"go.sluice.dev/core/pipeline"
	"go.sluice.dev/core/table"
)

// Compile compiles |body| into a Transform. The body must evaluate to a
// function over a batch of entries, each {seq, op, row}, returning an array
// of output rows (or null/undefined for none). For example:
//
//	(function(entries) {
//	  return entries.map(function(e) {
//	    return {device: e.row.device, tempC: (e.row.tempF - 32) / 1.8};
//	  });
//	})
//
// The program is compiled once. Each Apply evaluates it in a fresh VM, so a
// Transform is safe for use by concurrently-running stages and scripts
// cannot accumulate state across batches (which would break the engine's
// idempotent-retry contract).
func Compile(body string) (pipeline.Transform, error) {
	var prog, err = goja.Compile("transform", body, true)
	if err != nil {
		return nil, errors.WithMessage(err, "compiling transform script")
	}

	// Verify the program evaluates to a callable now, rather than at first
	// Apply.
	var v, rErr = goja.New().RunProgram(prog)
	if rErr != nil {
		return nil, errors.WithMessage(rErr, "evaluating transform script")
	} else if _, ok := goja.AssertFunction(v); !ok {
		return nil, errors.New("transform script must evaluate to a function")
	}
	return &jsTransform{prog: prog}, nil
}

type jsTransform struct {
	prog *goja.Program
}

// Apply evaluates the compiled script over |entries|.
func (t *jsTransform) Apply(ctx context.Context, entries []table.Entry) ([]table.Row, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var vm = goja.New()
	var v, err = vm.RunProgram(t.prog)
	if err != nil {
		return nil, errors.WithMessage(err, "evaluating transform script")
	}
	fn, ok := goja.AssertFunction(v)
	if !ok {
		return nil, errors.New("transform script must evaluate to a function")
	}

	var batch = make([]map[string]interface{}, len(entries))
	for i, e := range entries {
		batch[i] = map[string]interface{}{
			"seq": e.Seq,
			"op":  e.Op.String(),
			"row": map[string]interface{}(e.Row),
		}
	}

	out, err := fn(goja.Undefined(), vm.ToValue(batch))
	if err != nil {
		return nil, errors.WithMessage(err, "invoking transform function")
	} else if goja.IsNull(out) || goja.IsUndefined(out) {
		return nil, nil
	}

	var raw []map[string]interface{}
	if err = vm.ExportTo(out, &raw); err != nil {
		return nil, errors.WithMessage(err, "transform function must return an array of rows")
	}
	var rows = make([]table.Row, len(raw))
	for i, r := range raw {
		rows[i] = table.Row(r)
	}
	return rows, nil
}
