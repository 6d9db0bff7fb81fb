package pipeline

import "go.sluice.dev/core/table"

// Exposed for testing.

// SetStageGateForTest overrides the gate predicate of Stage |s|. The default
// gate, a head comparison of an in-memory ChangeLog, cannot fail; tests of
// gate failure handling (here and in the scheduler) inject one which can.
func SetStageGateForTest(s *Stage, gate func(table.Cursor) (bool, error)) {
	s.gate = gate
}
