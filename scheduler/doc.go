// Package scheduler evaluates Stage eligibility and dispatches Stage runs.
// A single scheduling authority ticks on a recurring interval: Stages with a
// Timer trigger become eligible once per elapsed interval, and Stages with
// an AfterStage trigger are dispatched immediately upon their parent's
// successful (or no-op) completion, bounded to the source entries which
// existed at that moment. Per-Stage single-flight execution is enforced by
// a compare-and-set over the Stage's run state: overlapping triggers are
// dropped, never queued.
//
// Every run is assigned a UUID and recorded; a bounded history of recent
// runs is retained per Stage for the observation API (ListStages, ForceRun,
// RunHistory, HasUnconsumed).
package scheduler

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	stageRunsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sluice_stage_runs_total",
		Help: "Total number of completed stage runs, by stage and outcome.",
	}, []string{"stage", "outcome"})
	stageRunDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name: "sluice_stage_run_duration_seconds",
		Help: "Duration of stage runs, by stage.",
	}, []string{"stage"})
	stageDroppedTriggers = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sluice_stage_dropped_triggers_total",
		Help: "Total number of triggers dropped because the stage was already running.",
	}, []string{"stage"})
	stageLag = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "sluice_stage_changelog_lag",
		Help: "Unconsumed source ChangeLog entries of the stage (head minus cursor).",
	}, []string{"stage"})
)
