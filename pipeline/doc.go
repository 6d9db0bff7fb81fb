// Package pipeline implements the declarative specification and runtime of
// pipeline Stages. A Stage consumes unconsumed Entries of one Table's
// ChangeLog, applies a Transform to produce output Rows, and commits those
// Rows together with its advanced Cursor as a single atomic unit through a
// Store. Stores range from the in-memory MemStore, through FileStore's
// atomically-renamed JSON snapshots, to SQLStore's fenced transactional
// commits against a "database/sql" database.
//
// The package also defines PipelineSpec, the validated declarative form of a
// complete pipeline (its Tables, Stages, triggers and transforms), and
// NewPipeline, which instantiates the runtime from one.
package pipeline

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	stageEntriesConsumed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sluice_stage_entries_consumed_total",
		Help: "Total number of ChangeLog entries consumed by the stage.",
	}, []string{"stage"})
	stageRowsWritten = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sluice_stage_rows_written_total",
		Help: "Total number of rows written by the stage to its target table.",
	}, []string{"stage"})
	stageCommitDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name: "sluice_stage_commit_duration_seconds",
		Help: "Duration of atomic store commits, by stage.",
	}, []string{"stage"})
)
