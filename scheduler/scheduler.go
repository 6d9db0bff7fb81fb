package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"go.sluice.dev/core/pipeline"
)

// Errors of the observation API.
var (
	// ErrNoSuchStage is returned for a stage name not present in the pipeline.
	ErrNoSuchStage = errors.New("no such stage")
	// ErrStageRunning is returned by ForceRun when the stage is already
	// RUNNING: the trigger is dropped, not queued.
	ErrStageRunning = errors.New("stage is already running")
)

// State of a Stage's run state machine.
type State int32

const (
	// Idle: the stage is eligible for its next trigger.
	Idle State = iota
	// Running: a single run is in flight. Further triggers are dropped.
	Running
	// Failed: the last run failed. The stage remains eligible for its next
	// trigger, which re-attempts the same unconsumed range.
	Failed
)

// String returns "IDLE", "RUNNING" or "FAILED".
func (s State) String() string {
	switch s {
	case Idle:
		return "IDLE"
	case Running:
		return "RUNNING"
	case Failed:
		return "FAILED"
	default:
		return "INVALID"
	}
}

// Outcome classifies a completed run.
type Outcome string

const (
	// OutcomeSuccess: entries were consumed and the commit applied.
	OutcomeSuccess Outcome = "success"
	// OutcomeNoOp: the gate found no unconsumed entries; nothing was touched.
	OutcomeNoOp Outcome = "no-op"
	// OutcomeFailed: the run failed; the cursor did not advance.
	OutcomeFailed Outcome = "failed"
	// OutcomeSkipped: the gate predicate could not be evaluated. The run
	// was skipped without counting as a stage failure.
	OutcomeSkipped Outcome = "skipped"
)

// RunRecord describes a single completed run of a Stage.
type RunRecord struct {
	ID          uuid.UUID `json:"id"`
	Stage       string    `json:"stage"`
	Began       time.Time `json:"began"`
	Ended       time.Time `json:"ended"`
	Outcome     Outcome   `json:"outcome"`
	EntriesRead int       `json:"entriesRead"`
	RowsWritten int       `json:"rowsWritten"`
	ReadThrough int64     `json:"readThrough"`
	Error       string    `json:"error,omitempty"`
	ErrorKind   string    `json:"errorKind,omitempty"`
}

// StageStatus is the observation surface of a single Stage.
type StageStatus struct {
	Name        string     `json:"name"`
	State       string     `json:"state"`
	Unconsumed  bool       `json:"unconsumed"`
	CursorSeq   int64      `json:"cursorSeq"`
	LastRun     *RunRecord `json:"lastRun,omitempty"`
	NextTimerAt time.Time  `json:"nextTimerAt,omitempty"`
}

// Config parameterizes a Scheduler.
type Config struct {
	// Tick is the cadence of the scheduling loop. Stage Timer intervals are
	// evaluated against elapsed wall time at each tick, so intervals
	// shorter than Tick fire once per tick. Defaults to one second.
	Tick time.Duration
	// HistoryLimit bounds the retained run records per stage.
	// Defaults to 32.
	HistoryLimit int
}

// Scheduler owns the DAG of a Pipeline's Stages, evaluating their triggers
// and dispatching eligible runs with single-flight execution per Stage.
type Scheduler struct {
	cfg      Config
	pipeline *pipeline.Pipeline
	stages   map[string]*stageRuntime
	order    []string

	// clock and ticks are seams for tests.
	clock func() time.Time
	ticks <-chan time.Time

	wg sync.WaitGroup
}

type stageRuntime struct {
	stage    *pipeline.Stage
	children []*stageRuntime

	state int32 // Atomic State.

	mu      sync.Mutex
	nextAt  time.Time // Next Timer eligibility. Zero dispatches at the first tick.
	last    *RunRecord
	history *lru.Cache // RunRecord.ID => RunRecord, oldest evicted first.
}

// New returns a Scheduler over the Pipeline's Stages. The Pipeline must
// already be recovered.
func New(p *pipeline.Pipeline, cfg Config) *Scheduler {
	if cfg.Tick == 0 {
		cfg.Tick = time.Second
	}
	if cfg.HistoryLimit == 0 {
		cfg.HistoryLimit = 32
	}

	var s = &Scheduler{
		cfg:      cfg,
		pipeline: p,
		stages:   make(map[string]*stageRuntime),
		clock:    time.Now,
	}
	for _, st := range p.Stages() {
		var history, err = lru.New(cfg.HistoryLimit)
		if err != nil {
			panic(err) // Only errors on size <= 0.
		}
		s.stages[st.Name()] = &stageRuntime{stage: st, history: history}
		s.order = append(s.order, st.Name())
	}
	for _, st := range p.Stages() {
		if after := st.Spec().Trigger.After; after != "" {
			var parent = s.stages[after]
			parent.children = append(parent.children, s.stages[st.Name()])
		}
	}
	return s
}

// Serve runs the scheduling loop until |ctx| is cancelled, then waits for
// in-flight runs to complete and returns. Per-stage failures are recorded
// and reported, and never abort the loop.
func (s *Scheduler) Serve(ctx context.Context) error {
	var ticks = s.ticks
	if ticks == nil {
		var ticker = time.NewTicker(s.cfg.Tick)
		defer ticker.Stop()
		ticks = ticker.C
	}

	for {
		select {
		case <-ctx.Done():
			s.wg.Wait()
			return nil
		case <-ticks:
			s.onTick(ctx)
		}
	}
}

func (s *Scheduler) onTick(ctx context.Context) {
	var now = s.clock()

	for _, name := range s.order {
		var rt = s.stages[name]
		var interval = time.Duration(rt.stage.Spec().Trigger.Interval)

		if unconsumed, err := rt.stage.HasUnconsumed(); err == nil {
			var lag = rt.stage.Source().Head() - rt.stage.Cursor().Seq
			if !unconsumed {
				lag = 0
			}
			stageLag.WithLabelValues(name).Set(float64(lag))
		}
		if interval == 0 {
			continue
		}

		rt.mu.Lock()
		var due = !now.Before(rt.nextAt)
		if due {
			rt.nextAt = now.Add(interval)
		}
		rt.mu.Unlock()

		if due {
			s.dispatch(ctx, rt, 0)
		}
	}
}

// dispatch attempts to start a run of |rt|, reading through at most
// |bound| (zero reads through the source's current head). If the stage is
// already RUNNING the trigger is dropped.
func (s *Scheduler) dispatch(ctx context.Context, rt *stageRuntime, bound int64) {
	if !rt.tryAcquire() {
		stageDroppedTriggers.WithLabelValues(rt.stage.Name()).Inc()
		log.WithField("stage", rt.stage.Name()).Debug("dropped trigger of running stage")
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		var rec, childBounds = s.run(ctx, rt, bound)
		if rec.Outcome == OutcomeSuccess || rec.Outcome == OutcomeNoOp {
			s.dispatchChildren(ctx, rt, childBounds)
		}
	}()
}

// dispatchChildren triggers AfterStage children of |rt|, each bounded to
// |bounds| as captured by run before it released the parent's run state:
// a child never observes entries produced by the parent's next run mixed
// into this run's output.
func (s *Scheduler) dispatchChildren(ctx context.Context, rt *stageRuntime, bounds []int64) {
	for i, child := range rt.children {
		s.dispatch(ctx, child, bounds[i])
	}
}

// run executes a single acquired run of |rt| and records its outcome.
// The caller must hold the RUNNING state, which run releases. On a success
// or no-op outcome it also returns the read bound of each AfterStage child,
// captured while the run state was still held: once released, a re-acquired
// next run of this stage could commit further entries which must not extend
// the chained reads of this run's children.
func (s *Scheduler) run(ctx context.Context, rt *stageRuntime, bound int64) (RunRecord, []int64) {
	var rec = RunRecord{
		ID:    uuid.New(),
		Stage: rt.stage.Name(),
		Began: s.clock(),
	}
	var out, err = rt.stage.Run(ctx, bound)
	rec.Ended = s.clock()

	var next State
	switch {
	case err == nil && out.NoOp:
		rec.Outcome, next = OutcomeNoOp, Idle
		rec.ReadThrough = out.ReadThrough
	case err == nil:
		rec.Outcome, next = OutcomeSuccess, Idle
		rec.EntriesRead = out.EntriesRead
		rec.RowsWritten = out.RowsWritten
		rec.ReadThrough = out.ReadThrough
	case pipeline.KindOf(err) == pipeline.KindGate:
		rec.Outcome, next = OutcomeSkipped, Idle
		rec.Error = err.Error()
		rec.ErrorKind = pipeline.KindGate.String()
	default:
		rec.Outcome, next = OutcomeFailed, Failed
		rec.Error = err.Error()
		if kind := pipeline.KindOf(err); kind != 0 {
			rec.ErrorKind = kind.String()
		}
	}

	var childBounds []int64
	if rec.Outcome == OutcomeSuccess || rec.Outcome == OutcomeNoOp {
		childBounds = make([]int64, len(rt.children))
		for i, child := range rt.children {
			childBounds[i] = child.stage.Source().Head()
		}
	}

	rt.mu.Lock()
	rt.last = &rec
	rt.history.Add(rec.ID, rec)
	rt.mu.Unlock()
	atomic.StoreInt32(&rt.state, int32(next))

	stageRunsTotal.WithLabelValues(rec.Stage, string(rec.Outcome)).Inc()
	stageRunDuration.WithLabelValues(rec.Stage).Observe(rec.Ended.Sub(rec.Began).Seconds())

	var fields = log.Fields{
		"stage":   rec.Stage,
		"run":     rec.ID,
		"outcome": rec.Outcome,
		"entries": rec.EntriesRead,
		"rows":    rec.RowsWritten,
		"took":    rec.Ended.Sub(rec.Began),
	}
	switch rec.Outcome {
	case OutcomeFailed:
		fields["err"] = rec.Error
		log.WithFields(fields).Error("stage run failed")
	case OutcomeSkipped:
		fields["err"] = rec.Error
		log.WithFields(fields).Warn("stage gate evaluation failed; skipping run")
	case OutcomeNoOp:
		log.WithFields(fields).Debug("stage run was a no-op")
	default:
		log.WithFields(fields).Info("stage run completed")
	}
	return rec, childBounds
}

// tryAcquire transitions the stage into RUNNING, from IDLE or FAILED.
func (rt *stageRuntime) tryAcquire() bool {
	return atomic.CompareAndSwapInt32(&rt.state, int32(Idle), int32(Running)) ||
		atomic.CompareAndSwapInt32(&rt.state, int32(Failed), int32(Running))
}

// ForceRun synchronously runs the named Stage, bypassing its trigger but
// still respecting single-flight and gate logic. If the stage is RUNNING,
// ErrStageRunning is returned and nothing is executed. A successful (or
// no-op) forced run triggers AfterStage children exactly as a scheduled run
// does.
func (s *Scheduler) ForceRun(ctx context.Context, name string) (RunRecord, error) {
	var rt, ok = s.stages[name]
	if !ok {
		return RunRecord{}, ErrNoSuchStage
	} else if !rt.tryAcquire() {
		stageDroppedTriggers.WithLabelValues(name).Inc()
		return RunRecord{}, ErrStageRunning
	}

	var rec, childBounds = s.run(ctx, rt, 0)
	if rec.Outcome == OutcomeSuccess || rec.Outcome == OutcomeNoOp {
		s.dispatchChildren(ctx, rt, childBounds)
	}
	return rec, nil
}

// HasUnconsumed evaluates the named Stage's gate predicate.
func (s *Scheduler) HasUnconsumed(name string) (bool, error) {
	var rt, ok = s.stages[name]
	if !ok {
		return false, ErrNoSuchStage
	}
	return rt.stage.HasUnconsumed()
}

// ListStages returns the status of every Stage, in pipeline order.
func (s *Scheduler) ListStages() []StageStatus {
	var out = make([]StageStatus, 0, len(s.order))
	for _, name := range s.order {
		var rt = s.stages[name]
		var unconsumed, _ = rt.stage.HasUnconsumed()

		rt.mu.Lock()
		var status = StageStatus{
			Name:        name,
			State:       State(atomic.LoadInt32(&rt.state)).String(),
			Unconsumed:  unconsumed,
			CursorSeq:   rt.stage.Cursor().Seq,
			LastRun:     rt.last,
			NextTimerAt: rt.nextAt,
		}
		rt.mu.Unlock()
		out = append(out, status)
	}
	return out
}

// RunHistory returns the retained recent RunRecords of the named Stage,
// oldest first.
func (s *Scheduler) RunHistory(name string) ([]RunRecord, error) {
	var rt, ok = s.stages[name]
	if !ok {
		return nil, ErrNoSuchStage
	}

	rt.mu.Lock()
	defer rt.mu.Unlock()

	var out []RunRecord
	for _, key := range rt.history.Keys() {
		if rec, ok := rt.history.Peek(key); ok {
			out = append(out, rec.(RunRecord))
		}
	}
	return out, nil
}

// Drain blocks until all in-flight dispatched runs complete. It's primarily
// useful to tests and to orderly shutdown paths which cancelled Serve's
// context themselves.
func (s *Scheduler) Drain() { s.wg.Wait() }
