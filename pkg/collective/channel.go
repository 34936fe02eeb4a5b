package collective

import (
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/distml/collective/pkg/keys"
	"github.com/distml/collective/pkg/tensor"
)

// Channel wraps collective primitives over one fixed device/worker group.
// Every local device of this task participates with a global rank of
// baseRank + its position in the device list; groupSize is the participant
// total across all tasks. Channels created from the same coordinator share a
// key allocator so concurrent collectives never collide.
type Channel struct {
	devices   []string
	groupSize int
	baseRank  int
	keys      *keys.Allocator
	groupKey  uint32
	hints     Hints
	svc       Service

	mu      sync.Mutex
	aborted bool
	reason  string
}

// NewChannel builds a channel over devices. groupSize must cover at least the
// local devices; the remainder are peer tasks' devices.
func NewChannel(devices []string, groupSize, baseRank int, ka *keys.Allocator, hints Hints, svc Service) (*Channel, error) {
	if len(devices) == 0 {
		return nil, errors.New("channel requires at least one device")
	}
	if groupSize < len(devices) {
		return nil, errors.Errorf("group size %d smaller than local device count %d",
			groupSize, len(devices))
	}
	if baseRank < 0 || baseRank+len(devices) > groupSize {
		return nil, errors.Errorf("base rank %d places %d local devices outside group size %d",
			baseRank, len(devices), groupSize)
	}
	if err := hints.Validate(); err != nil {
		return nil, err
	}
	if svc == nil {
		return nil, errors.New("channel requires a collective service")
	}
	return &Channel{
		devices:   append([]string(nil), devices...),
		groupSize: groupSize,
		baseRank:  baseRank,
		keys:      ka,
		groupKey:  ka.GroupKeyFor(devices),
		hints:     hints,
		svc:       svc,
	}, nil
}

// Devices returns the local device group.
func (c *Channel) Devices() []string { return append([]string(nil), c.devices...) }

// GroupSize returns the participant total across all tasks.
func (c *Channel) GroupSize() int { return c.groupSize }

// GroupKey returns the group key assigned to this device group.
func (c *Channel) GroupKey() uint32 { return c.groupKey }

// Abort poisons this channel and its service. Any in-flight or future call
// fails with UnavailableError until the process restarts; there is no
// automatic recovery. Safe to call concurrently with in-flight collectives
// and safe to call more than once.
func (c *Channel) Abort(reason string) {
	c.mu.Lock()
	if !c.aborted {
		c.aborted = true
		c.reason = reason
		logrus.Errorf("aborting collectives on group %d: %s", c.groupKey, reason)
	}
	c.mu.Unlock()
	c.svc.Abort(reason)
}

func (c *Channel) checkAborted() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.aborted {
		return &UnavailableError{Reason: c.reason}
	}
	return nil
}

// AllReduce reduces one tensor per local device together with every peer
// task's contributions and returns the reduced value for each local device.
// MEAN divides the summed result by the group size. The merge order is fixed
// by ascending global rank, so results are reproducible bit for bit.
func (c *Channel) AllReduce(op Op, ts []*tensor.Tensor) ([]*tensor.Tensor, error) {
	return c.allReduce(op, ts, c.hints.Timeout)
}

func (c *Channel) allReduce(op Op, ts []*tensor.Tensor, timeout time.Duration) ([]*tensor.Tensor, error) {
	if err := c.checkAborted(); err != nil {
		return nil, err
	}
	if len(ts) != len(c.devices) {
		return nil, errors.Errorf("all-reduce requires exactly one tensor per local device: got %d tensors for %d devices",
			len(ts), len(c.devices))
	}
	svcOp := op
	if op == Mean {
		svcOp = Sum
	}

	// Pack instance keys are allocated up front in a fixed order so every
	// task observes the same key sequence.
	var packsPerDevice [][]*tensor.Tensor
	var instKeys []uint32
	if c.hints.BytesPerPack > 0 && ts[0].ByteLen() > int(c.hints.BytesPerPack) {
		packsPerDevice = make([][]*tensor.Tensor, len(ts))
		for i, t := range ts {
			packsPerDevice[i] = t.Packs(int(c.hints.BytesPerPack))
		}
		instKeys = make([]uint32, len(packsPerDevice[0]))
		for p := range instKeys {
			instKeys[p] = c.keys.NextInstanceKey()
		}
	} else {
		instKeys = []uint32{c.keys.NextInstanceKey()}
	}

	results := make([]*tensor.Tensor, len(c.devices))
	errs := make([]error, len(c.devices))
	var wg sync.WaitGroup
	for i := range c.devices {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			rank := c.baseRank + i
			if packsPerDevice == nil {
				results[i], errs[i] = c.svc.AllReduce(
					Key{GroupKey: c.groupKey, InstanceKey: instKeys[0]},
					c.groupSize, rank, svcOp, ts[i], timeout)
				return
			}
			packs := packsPerDevice[i]
			if len(packs) != len(instKeys) {
				errs[i] = &ShapeMismatchError{Reason: "all-reduce contributions have differing shapes or dtypes"}
				return
			}
			reduced := make([]*tensor.Tensor, len(packs))
			for p, pack := range packs {
				var err error
				reduced[p], err = c.svc.AllReduce(
					Key{GroupKey: c.groupKey, InstanceKey: instKeys[p]},
					c.groupSize, rank, svcOp, pack, timeout)
				if err != nil {
					errs[i] = err
					return
				}
			}
			results[i], errs[i] = tensor.JoinPacks(reduced, ts[i].DType(), ts[i].Shape())
		}(i)
	}
	wg.Wait()
	for _, err := range errs {
		if err != nil {
			return nil, err
		}
	}

	if op == Mean {
		for _, r := range results {
			if err := r.DivScalar(c.groupSize); err != nil {
				return nil, err
			}
		}
	}
	return results, nil
}

// Barrier performs a dummy scalar reduction across the whole group, bounded
// by timeout. Used at startup to confirm that every participant is reachable
// before periodic health checking begins.
func (c *Channel) Barrier(timeout time.Duration) error {
	ts := make([]*tensor.Tensor, len(c.devices))
	for i := range ts {
		ts[i] = tensor.Scalar(0)
	}
	_, err := c.allReduce(Sum, ts, timeout)
	return err
}

// BroadcastSend sends t from this task to every other participant. Only the
// participant holding global rank 0 (the chief, by convention) may send.
// Shapes and dtypes must match the receivers' declarations exactly.
func (c *Channel) BroadcastSend(t *tensor.Tensor) (*tensor.Tensor, error) {
	if err := c.checkAborted(); err != nil {
		return nil, err
	}
	if c.baseRank != 0 {
		return nil, errors.Errorf("broadcast sender must hold rank 0, this task starts at rank %d", c.baseRank)
	}
	key := Key{GroupKey: c.groupKey, InstanceKey: c.keys.NextVariableInstanceKey()}
	results := make([]*tensor.Tensor, len(c.devices))
	errs := make([]error, len(c.devices))
	var wg sync.WaitGroup
	for i := range c.devices {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			rank := c.baseRank + i
			if rank == 0 {
				results[i], errs[i] = c.svc.Broadcast(key, c.groupSize, rank, 0, t, nil, 0, c.hints.Timeout)
			} else {
				results[i], errs[i] = c.svc.Broadcast(key, c.groupSize, rank, 0, nil, t.Shape(), t.DType(), c.hints.Timeout)
			}
		}(i)
	}
	wg.Wait()
	for _, err := range errs {
		if err != nil {
			return nil, err
		}
	}
	return results[0], nil
}

// BroadcastRecv receives the tensor sent by rank 0. shape and dtype must
// match the sent tensor exactly or the call fails with ShapeMismatchError.
func (c *Channel) BroadcastRecv(shape []int, dtype tensor.DType) (*tensor.Tensor, error) {
	if err := c.checkAborted(); err != nil {
		return nil, err
	}
	if c.baseRank == 0 {
		return nil, errors.New("rank 0 is the broadcast sender and cannot receive")
	}
	key := Key{GroupKey: c.groupKey, InstanceKey: c.keys.NextVariableInstanceKey()}
	results := make([]*tensor.Tensor, len(c.devices))
	errs := make([]error, len(c.devices))
	var wg sync.WaitGroup
	for i := range c.devices {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = c.svc.Broadcast(key, c.groupSize, c.baseRank+i, 0, nil, shape, dtype, c.hints.Timeout)
		}(i)
	}
	wg.Wait()
	for _, err := range errs {
		if err != nil {
			return nil, err
		}
	}
	return results[0], nil
}

// Gather concatenates one tensor per local device with every peer task's
// contributions along axis, ordered by ascending global rank. All
// contributions must be congruent except along the concatenation axis.
func (c *Channel) Gather(ts []*tensor.Tensor, axis int) (*tensor.Tensor, error) {
	if err := c.checkAborted(); err != nil {
		return nil, err
	}
	if len(ts) != len(c.devices) {
		return nil, errors.Errorf("gather requires exactly one tensor per local device: got %d tensors for %d devices",
			len(ts), len(c.devices))
	}
	key := Key{GroupKey: c.groupKey, InstanceKey: c.keys.NextInstanceKey()}
	results := make([]*tensor.Tensor, len(c.devices))
	errs := make([]error, len(c.devices))
	var wg sync.WaitGroup
	for i := range c.devices {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = c.svc.Gather(key, c.groupSize, c.baseRank+i, ts[i], axis, c.hints.Timeout)
		}(i)
	}
	wg.Wait()
	for _, err := range errs {
		if err != nil {
			return nil, err
		}
	}
	return results[0], nil
}
