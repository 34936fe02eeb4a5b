package collective

import (
	"time"

	"github.com/distml/collective/pkg/tensor"
)

// Key addresses one collective instance: the group key names the participant
// set, the instance key names one logical invocation within that group.
type Key struct {
	GroupKey    uint32
	InstanceKey uint32
}

// Service is the collective-communication collaborator. Implementations own
// the wire protocol; the coordination layer only addresses them through
// (group key, instance key, group size) plus a participant rank.
//
// All calls block until every participant of the instance has contributed, a
// timeout elapses, or the service is aborted. Participants must invoke
// instances sharing a key in the same relative order on every task; the
// service does not reorder or deduplicate, and mismatched ordering manifests
// as a hang, not a silently corrected result.
type Service interface {
	// AllReduce contributes t under rank and returns the reduction of all
	// contributions, merged in ascending rank order. op must be Sum, Max or
	// Min; Mean is composed by the caller from Sum.
	AllReduce(key Key, groupSize, rank int, op Op, t *tensor.Tensor, timeout time.Duration) (*tensor.Tensor, error)

	// Broadcast moves the sender's tensor to every participant. The sender
	// (rank == senderRank) passes its tensor; receivers pass t == nil along
	// with the shape and dtype they expect. Disagreement fails all
	// participants with ShapeMismatchError.
	Broadcast(key Key, groupSize, rank, senderRank int, t *tensor.Tensor, shape []int, dtype tensor.DType, timeout time.Duration) (*tensor.Tensor, error)

	// Gather contributes t under rank and returns the concatenation of all
	// contributions along axis, in ascending rank order.
	Gather(key Key, groupSize, rank int, t *tensor.Tensor, axis int, timeout time.Duration) (*tensor.Tensor, error)

	// Abort poisons the service: every blocked call wakes and fails with
	// UnavailableError, and every future call fails immediately. There is no
	// recovery short of a process restart.
	Abort(reason string)
}
