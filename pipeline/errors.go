package pipeline

import (
	"fmt"

	"github.com/pkg/errors"
)

// ErrCursorFence is the cause of a Commit rejected because the stage's
// durable cursor was advanced out-of-band (eg, by a second process claiming
// the same stage). Single-flight execution should preclude it; the store
// fence defends against it anyway.
var ErrCursorFence = errors.New("cursor fence was updated")

// Kind classifies the failure of a Stage run.
type Kind int

const (
	// KindTransform indicates the injected Transform failed over a batch.
	KindTransform Kind = iota + 1
	// KindWrite indicates the commit of output rows to the target Table
	// failed (capacity, constraint violation, store I/O).
	KindWrite
	// KindCursorConflict indicates a concurrent advance of the stage's
	// cursor was detected by the store fence.
	KindCursorConflict
	// KindGate indicates the stage's gate predicate could not be evaluated.
	// Gate failures skip the run and are not counted as stage failures.
	KindGate
)

// String returns a short name of the Kind.
func (k Kind) String() string {
	switch k {
	case KindTransform:
		return "transform"
	case KindWrite:
		return "write"
	case KindCursorConflict:
		return "cursor-conflict"
	case KindGate:
		return "gate"
	default:
		return fmt.Sprintf("kind(%d)", k)
	}
}

// RunError is the failure of a single Stage run. It carries the stage name
// and a Kind classification over its cause.
type RunError struct {
	Stage string
	Kind  Kind
	Err   error
}

// Error implements the error interface.
func (e *RunError) Error() string {
	return fmt.Sprintf("stage %s: %s: %s", e.Stage, e.Kind, e.Err)
}

// Unwrap returns the cause.
func (e *RunError) Unwrap() error { return e.Err }

// KindOf extracts the Kind of |err|, or zero if it's not a *RunError.
func KindOf(err error) Kind {
	var re *RunError
	if errors.As(err, &re) {
		return re.Kind
	}
	return 0
}
