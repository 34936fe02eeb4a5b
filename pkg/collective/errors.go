package collective

import (
	"fmt"
	"time"
)

// GroupSizeMismatchError reports that a participant declared a group size
// that disagrees with the size declared by the first participant of the same
// instance. The instance is poisoned: every participant fails with this error
// and no partial result is produced.
type GroupSizeMismatchError struct {
	InstanceKey uint32
	Declared    int
	Expected    int
}

func (e *GroupSizeMismatchError) Error() string {
	return fmt.Sprintf("collective instance %d: declared group size %d, expected %d",
		e.InstanceKey, e.Declared, e.Expected)
}

// ShapeMismatchError reports disagreeing shapes, dtypes or collective kinds
// among the participants of one instance. Fatal for that call.
type ShapeMismatchError struct {
	Reason string
}

func (e *ShapeMismatchError) Error() string {
	return "collective shape mismatch: " + e.Reason
}

// DeadlineExceededError reports that a collective did not complete within its
// per-call timeout. The caller may retry at a higher level; the collective
// layer never retries on its own.
type DeadlineExceededError struct {
	Timeout time.Duration
}

func (e *DeadlineExceededError) Error() string {
	return fmt.Sprintf("collective timed out after %v", e.Timeout)
}

// UnavailableError reports an unreachable peer, either from a direct probe
// failure or a propagated abort. Terminal for this process run; the recovery
// path is an external restart, not in-process reconnection.
type UnavailableError struct {
	Reason string
}

func (e *UnavailableError) Error() string {
	return "collective unavailable: " + e.Reason
}
