package pipeline

import (
	"context"
	"sync"

	"github.com/pkg/errors"

	"go.sluice.dev/core/table"
)

// Transform maps a batch of consumed ChangeLog Entries into zero or more
// output Rows. Transforms must be pure: their only effect is their return
// value, and a given batch always produces the same output. The engine
// relies on this for idempotent retries; it cannot verify it.
type Transform interface {
	Apply(ctx context.Context, entries []table.Entry) ([]table.Row, error)
}

// TransformFunc adapts an ordinary function to the Transform interface.
type TransformFunc func(ctx context.Context, entries []table.Entry) ([]table.Row, error)

// Apply invokes the TransformFunc.
func (f TransformFunc) Apply(ctx context.Context, entries []table.Entry) ([]table.Row, error) {
	return f(ctx, entries)
}

// ProjectEach returns a Transform which applies |fn| to the Row of each
// entry independently, dropping entries for which |fn| returns nil. It's a
// convenience for the common per-row projection shape of transforms.
func ProjectEach(fn func(row table.Row) (table.Row, error)) Transform {
	return TransformFunc(func(_ context.Context, entries []table.Entry) ([]table.Row, error) {
		var out []table.Row
		for _, e := range entries {
			var r, err = fn(e.Row)
			if err != nil {
				return nil, errors.WithMessagef(err, "entry %d", e.Seq)
			} else if r != nil {
				out = append(out, r)
			}
		}
		return out, nil
	})
}

var (
	registryMu sync.Mutex
	registry   = make(map[string]Transform)
)

// RegisterTransform registers Transform |t| under |name|, making it
// available to StageSpecs which reference a transform by name. It's
// typically called from package init functions of applications embedding
// the engine. RegisterTransform panics on a duplicated name.
func RegisterTransform(name string, t Transform) {
	registryMu.Lock()
	defer registryMu.Unlock()

	if _, ok := registry[name]; ok {
		panic("transform already registered: " + name)
	}
	registry[name] = t
}

// LookupTransform returns the Transform registered under |name|.
func LookupTransform(name string) (Transform, error) {
	registryMu.Lock()
	defer registryMu.Unlock()

	if t, ok := registry[name]; ok {
		return t, nil
	}
	return nil, errors.Errorf("no registered transform (%s)", name)
}
