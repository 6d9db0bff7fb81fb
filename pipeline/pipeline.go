package pipeline

import (
	"context"
	"sort"

	"github.com/pkg/errors"

	"go.sluice.dev/core/table"
)

// BuildOptions parameterize NewPipeline.
type BuildOptions struct {
	// NewStore returns the Store of a stage and its target Table. If nil,
	// every stage uses a MemStore.
	NewStore func(spec StageSpec, target *table.Table) (Store, error)
	// CompileJS compiles the JS body of a TransformSpec into a Transform.
	// If nil, specs carrying a JS transform fail to build. It's typically
	// transformjs.Compile, injected by the caller so that embeddings which
	// never use JS transforms don't link the interpreter.
	CompileJS func(body string) (Transform, error)
}

// Pipeline is the instantiated runtime of a PipelineSpec: its Tables, and
// its Stages wired to ChangeLogs, Transforms and Stores.
type Pipeline struct {
	spec   PipelineSpec
	tables map[string]*table.Table
	stages []*Stage
	index  map[string]*Stage
}

// NewPipeline instantiates the runtime of the validated |spec|.
func NewPipeline(spec PipelineSpec, opts BuildOptions) (*Pipeline, error) {
	if err := spec.Validate(); err != nil {
		return nil, err
	}

	var p = &Pipeline{
		spec:   spec,
		tables: make(map[string]*table.Table, len(spec.Tables)),
		index:  make(map[string]*Stage, len(spec.Stages)),
	}
	for _, ts := range spec.Tables {
		var t, err = table.New(ts)
		if err != nil {
			return nil, errors.WithMessagef(err, "building table %s", ts.Name)
		}
		p.tables[ts.Name] = t
	}

	for _, ss := range spec.Stages {
		var transform Transform
		var err error

		if ss.Transform.Name != "" {
			transform, err = LookupTransform(ss.Transform.Name)
		} else if opts.CompileJS != nil {
			transform, err = opts.CompileJS(ss.Transform.JS)
		} else {
			err = errors.New("pipeline was built without a JS transform compiler")
		}
		if err != nil {
			return nil, errors.WithMessagef(err, "building transform of stage %s", ss.Name)
		}

		var target = p.tables[ss.Target]
		var store Store
		if opts.NewStore != nil {
			if store, err = opts.NewStore(ss, target); err != nil {
				return nil, errors.WithMessagef(err, "building store of stage %s", ss.Name)
			}
		} else {
			store = &MemStore{Target: target}
		}

		stage, err := NewStage(ss, p.tables[ss.Source].Log(), target, transform, store)
		if err != nil {
			return nil, err
		}
		p.stages = append(p.stages, stage)
		p.index[ss.Name] = stage
	}
	return p, nil
}

// Spec returns the PipelineSpec the Pipeline was built from.
func (p *Pipeline) Spec() PipelineSpec { return p.spec }

// Table returns the named Table.
func (p *Pipeline) Table(name string) (*table.Table, bool) {
	var t, ok = p.tables[name]
	return t, ok
}

// TableNames returns the names of all Tables, sorted.
func (p *Pipeline) TableNames() []string {
	var names = make([]string, 0, len(p.tables))
	for n := range p.tables {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Stage returns the named Stage.
func (p *Pipeline) Stage(name string) (*Stage, bool) {
	var s, ok = p.index[name]
	return s, ok
}

// Stages returns all Stages, in spec order.
func (p *Pipeline) Stages() []*Stage { return p.stages }

// Recover recovers every Stage from its Store, restoring target Tables and
// installing committed cursors. It must be called once, before any Stage
// runs. Root Tables (those written by no Stage) are not restored: their
// durability belongs to the ingestion boundary, and a root rebuilt empty
// simply re-presents its entries to consumers as a fresh log incarnation.
func (p *Pipeline) Recover(ctx context.Context) error {
	for _, s := range p.stages {
		if err := s.Recover(ctx); err != nil {
			return err
		}
	}
	return nil
}

// Destroy destroys the Store of every Stage.
func (p *Pipeline) Destroy() {
	for _, s := range p.stages {
		s.store.Destroy()
	}
}
