package pipeline

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/pkg/errors"

	"go.sluice.dev/core/table"
)

// Outcome is the result of a completed Stage run.
type Outcome struct {
	// NoOp is set if the run's gate found no unconsumed entries, and the
	// target Table and cursor were left untouched.
	NoOp bool
	// EntriesRead is the number of ChangeLog entries consumed, including
	// entries dropped by the stage's operation mask.
	EntriesRead int
	// RowsWritten is the number of output rows committed to the target.
	RowsWritten int
	// ReadThrough is the highest sequence consumed by the run, and the
	// stage's cursor position after it.
	ReadThrough int64
}

// Stage consumes unconsumed Entries of its source ChangeLog, applies its
// Transform, and commits output Rows together with its advanced Cursor as
// one atomic unit through its Store.
//
// A Stage's cursor is owned exclusively by the Stage, and Run must not be
// invoked concurrently with itself: single-flight execution is enforced by
// the scheduler (and defended in depth by the Store fence).
type Stage struct {
	spec      StageSpec
	source    *table.ChangeLog
	target    *table.Table
	transform Transform
	store     Store
	mask      table.Op

	// gate evaluates the stage's run predicate. It defaults to a head
	// comparison of the source ChangeLog, and is a seam for tests.
	gate func(table.Cursor) (bool, error)

	mu     sync.Mutex
	cursor table.Cursor
}

// NewStage returns a Stage of the validated |spec|, reading |source|,
// writing |target| through |store|, and applying |transform|.
func NewStage(spec StageSpec, source *table.ChangeLog, target *table.Table,
	transform Transform, store Store) (*Stage, error) {

	if err := spec.Validate(); err != nil {
		return nil, err
	}
	var mask, _ = spec.OpMask()

	var s = &Stage{
		spec:      spec,
		source:    source,
		target:    target,
		transform: transform,
		store:     store,
		mask:      mask,
	}
	s.gate = func(cur table.Cursor) (bool, error) {
		return s.source.HasUnconsumed(cur), nil
	}
	return s, nil
}

// Name of the Stage.
func (s *Stage) Name() string { return s.spec.Name }

// Spec of the Stage.
func (s *Stage) Spec() StageSpec { return s.spec }

// Source is the ChangeLog the Stage consumes.
func (s *Stage) Source() *table.ChangeLog { return s.source }

// Target is the Table the Stage writes.
func (s *Stage) Target() *table.Table { return s.target }

// Cursor returns the Stage's current consumption cursor.
func (s *Stage) Cursor() table.Cursor {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cursor
}

func (s *Stage) setCursor(cur table.Cursor) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cursor = cur
}

// HasUnconsumed evaluates the Stage's gate predicate: are there source
// entries beyond its cursor?
func (s *Stage) HasUnconsumed() (bool, error) { return s.gate(s.Cursor()) }

// Recover installs the cursor of the Stage's most recent durable commit,
// restoring its target Table in the process. It must be called once, before
// the first Run.
func (s *Stage) Recover(ctx context.Context) error {
	var cur, err = s.store.Recover(ctx)
	if err != nil {
		return errors.WithMessagef(err, "recovering stage %s", s.Name())
	}
	s.setCursor(cur)
	return nil
}

// Run executes the Stage once:
//
//  1. The gate is evaluated; if no unconsumed entries exist the run is a
//     side-effect-free NoOp.
//  2. Unconsumed entries are read, through at most |through| (zero reads
//     through the current head), and the Transform is applied to those
//     matching the stage's operation mask.
//  3. Output rows and the advanced cursor are committed as one atomic unit.
//
// On failure the cursor does not advance and no partial rows remain
// visible: a retry re-reads the same range and reproduces the same result.
func (s *Stage) Run(ctx context.Context, through int64) (Outcome, error) {
	var cur = s.Cursor()

	if ok, err := s.gate(cur); err != nil {
		return Outcome{}, &RunError{Stage: s.Name(), Kind: KindGate, Err: err}
	} else if !ok {
		return Outcome{NoOp: true, ReadThrough: cur.Seq}, nil
	}

	if s.spec.Deadline != 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(s.spec.Deadline))
		defer cancel()
	}

	var batch []table.Entry
	var count int
	var readThrough = cur.Seq

	for it := s.source.Read(cur, through); ; {
		var e, err = it.Next()
		if err == io.EOF {
			break
		}
		count++
		readThrough = e.Seq
		if e.Op&s.mask != 0 {
			batch = append(batch, e)
		}
	}
	if count == 0 {
		// The gate raced new entries beyond |through|, or the cursor is
		// already at the bound. Nothing to consume this run.
		return Outcome{NoOp: true, ReadThrough: cur.Seq}, nil
	}

	var rows, err = s.transform.Apply(ctx, batch)
	if err != nil {
		return Outcome{}, &RunError{Stage: s.Name(), Kind: KindTransform, Err: err}
	}

	var next = cur.Next(s.source.ID(), readThrough)
	var began = time.Now()

	if err = s.store.Commit(ctx, rows, next); err != nil {
		var kind = KindWrite
		if errors.Is(err, ErrCursorFence) {
			kind = KindCursorConflict
		}
		return Outcome{}, &RunError{Stage: s.Name(), Kind: kind, Err: err}
	}
	stageCommitDuration.WithLabelValues(s.Name()).Observe(time.Since(began).Seconds())
	s.setCursor(next)

	stageEntriesConsumed.WithLabelValues(s.Name()).Add(float64(count))
	stageRowsWritten.WithLabelValues(s.Name()).Add(float64(len(rows)))

	return Outcome{
		EntriesRead: count,
		RowsWritten: len(rows),
		ReadThrough: readThrough,
	}, nil
}
