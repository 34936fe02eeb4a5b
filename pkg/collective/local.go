package collective

import (
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/distml/collective/pkg/tensor"
)

type opKind int

const (
	kindAllReduce opKind = iota
	kindBroadcast
	kindGather
)

// round is the rendezvous state of one collective instance. Participants
// block until all groupSize contributions are in, then every participant
// picks up the result. A round poisoned by a declaration mismatch fails all
// of its participants and produces no result.
type round struct {
	kind       opKind
	op         Op
	axis       int
	senderRank int
	groupSize  int

	contribs map[int]*tensor.Tensor
	expects  map[int]expectation

	arrived int
	early   int // departed on timeout before completion
	pending int // pickups remaining after completion, for GC

	done   bool
	err    error
	result *tensor.Tensor
}

type expectation struct {
	shape []int
	dtype tensor.DType
}

// LocalService is an in-process Service: every participant of a collective
// lives in the same process (multiple devices of one task, or several tasks
// simulated side by side in tests). A single mutex and condition variable
// guard all rounds; abort and timeouts wake blocked waiters via broadcast
// rather than polling.
type LocalService struct {
	mu   sync.Mutex
	cond *sync.Cond

	aborted bool
	reason  string
	rounds  map[Key]*round
}

// NewLocalService returns an empty, un-aborted service.
func NewLocalService() *LocalService {
	s := &LocalService{rounds: make(map[Key]*round)}
	s.cond = sync.NewCond(&s.mu)
	return s
}

// Abort poisons the service. Idempotent; the first reason wins.
func (s *LocalService) Abort(reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.aborted {
		return
	}
	s.aborted = true
	s.reason = reason
	s.rounds = nil
	s.cond.Broadcast()
}

// AllReduce implements Service.
func (s *LocalService) AllReduce(key Key, groupSize, rank int, op Op, t *tensor.Tensor, timeout time.Duration) (*tensor.Tensor, error) {
	if op != Sum && op != Max && op != Min {
		return nil, errors.Errorf("all-reduce op must be SUM, MAX or MIN, got %s", op)
	}
	if t == nil {
		return nil, errors.New("all-reduce requires a tensor contribution")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	r, err := s.joinLocked(key, roundDecl{kind: kindAllReduce, op: op, groupSize: groupSize, rank: rank})
	if err != nil {
		return nil, err
	}
	r.contribs[rank] = t.Clone()
	s.arriveLocked(key, r)
	return s.waitLocked(key, r, timeout)
}

// Broadcast implements Service.
func (s *LocalService) Broadcast(key Key, groupSize, rank, senderRank int, t *tensor.Tensor, shape []int, dtype tensor.DType, timeout time.Duration) (*tensor.Tensor, error) {
	if rank == senderRank && t == nil {
		return nil, errors.New("broadcast sender requires a tensor")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	r, err := s.joinLocked(key, roundDecl{kind: kindBroadcast, senderRank: senderRank, groupSize: groupSize, rank: rank})
	if err != nil {
		return nil, err
	}
	if rank == senderRank {
		r.contribs[rank] = t.Clone()
	} else {
		r.contribs[rank] = nil
		r.expects[rank] = expectation{shape: append([]int(nil), shape...), dtype: dtype}
	}
	s.arriveLocked(key, r)
	return s.waitLocked(key, r, timeout)
}

// Gather implements Service.
func (s *LocalService) Gather(key Key, groupSize, rank int, t *tensor.Tensor, axis int, timeout time.Duration) (*tensor.Tensor, error) {
	if t == nil {
		return nil, errors.New("gather requires a tensor contribution")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	r, err := s.joinLocked(key, roundDecl{kind: kindGather, axis: axis, groupSize: groupSize, rank: rank})
	if err != nil {
		return nil, err
	}
	r.contribs[rank] = t.Clone()
	s.arriveLocked(key, r)
	return s.waitLocked(key, r, timeout)
}

type roundDecl struct {
	kind       opKind
	op         Op
	axis       int
	senderRank int
	groupSize  int
	rank       int
}

// joinLocked finds or creates the round for key and validates this
// participant's declaration against it. A disagreeing declaration poisons the
// whole round so that no participant receives a partial result.
func (s *LocalService) joinLocked(key Key, d roundDecl) (*round, error) {
	if s.aborted {
		return nil, &UnavailableError{Reason: s.reason}
	}
	if d.groupSize < 1 {
		return nil, errors.Errorf("group size must be positive, got %d", d.groupSize)
	}
	if d.rank < 0 || d.rank >= d.groupSize {
		return nil, errors.Errorf("rank %d out of range for group size %d", d.rank, d.groupSize)
	}
	r, ok := s.rounds[key]
	if !ok {
		r = &round{
			kind:       d.kind,
			op:         d.op,
			axis:       d.axis,
			senderRank: d.senderRank,
			groupSize:  d.groupSize,
			contribs:   make(map[int]*tensor.Tensor),
			expects:    make(map[int]expectation),
		}
		s.rounds[key] = r
		return r, nil
	}
	if r.done && r.err != nil {
		// Late arrival to a poisoned round fails the same way.
		return nil, r.err
	}
	if r.groupSize != d.groupSize {
		return nil, s.poisonLocked(key, r, &GroupSizeMismatchError{
			InstanceKey: key.InstanceKey,
			Declared:    d.groupSize,
			Expected:    r.groupSize,
		})
	}
	if r.kind != d.kind || (d.kind == kindAllReduce && r.op != d.op) ||
		(d.kind == kindGather && r.axis != d.axis) ||
		(d.kind == kindBroadcast && r.senderRank != d.senderRank) {
		return nil, s.poisonLocked(key, r, &ShapeMismatchError{
			Reason: "participants disagree on the collective being performed",
		})
	}
	if _, dup := r.contribs[d.rank]; dup {
		return nil, s.poisonLocked(key, r, &ShapeMismatchError{
			Reason: "duplicate contribution from the same rank",
		})
	}
	return r, nil
}

func (s *LocalService) arriveLocked(key Key, r *round) {
	r.arrived++
	if r.arrived == r.groupSize {
		s.finalizeLocked(key, r)
	}
}

// poisonLocked fails every participant of the round with err and returns it.
func (s *LocalService) poisonLocked(key Key, r *round, err error) error {
	r.err = err
	s.completeLocked(key, r)
	return err
}

// finalizeLocked computes the round's result once all contributions are in.
// The merge order is fixed (ascending rank) so results are bit-identical
// across runs with identical inputs.
func (s *LocalService) finalizeLocked(key Key, r *round) {
	switch r.kind {
	case kindAllReduce:
		r.result, r.err = reduceContribs(r)
	case kindBroadcast:
		r.result, r.err = broadcastResult(r)
	case kindGather:
		r.result, r.err = gatherContribs(r)
	}
	s.completeLocked(key, r)
}

func (s *LocalService) completeLocked(key Key, r *round) {
	r.done = true
	r.pending = r.arrived - r.early
	if r.pending <= 0 {
		delete(s.rounds, key)
	}
	s.cond.Broadcast()
}

// waitLocked blocks until the round completes, the service aborts, or the
// timeout elapses. Caller holds s.mu.
func (s *LocalService) waitLocked(key Key, r *round, timeout time.Duration) (*tensor.Tensor, error) {
	var deadline time.Time
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
		timer := time.AfterFunc(timeout, func() {
			s.mu.Lock()
			s.cond.Broadcast()
			s.mu.Unlock()
		})
		defer timer.Stop()
	}
	for !r.done && !s.aborted {
		if timeout > 0 && !time.Now().Before(deadline) {
			r.early++
			return nil, &DeadlineExceededError{Timeout: timeout}
		}
		s.cond.Wait()
	}
	if s.aborted {
		return nil, &UnavailableError{Reason: s.reason}
	}
	r.pending--
	if r.pending <= 0 {
		delete(s.rounds, key)
	}
	if r.err != nil {
		return nil, r.err
	}
	return r.result.Clone(), nil
}

func sortedRanks(contribs map[int]*tensor.Tensor) []int {
	ranks := make([]int, 0, len(contribs))
	for rank := range contribs {
		ranks = append(ranks, rank)
	}
	sort.Ints(ranks)
	return ranks
}

func reduceContribs(r *round) (*tensor.Tensor, error) {
	ranks := sortedRanks(r.contribs)
	acc := r.contribs[ranks[0]].Clone()
	for _, rank := range ranks[1:] {
		c := r.contribs[rank]
		if !acc.SameShape(c) {
			return nil, &ShapeMismatchError{
				Reason: "all-reduce contributions have differing shapes or dtypes",
			}
		}
		var err error
		switch r.op {
		case Sum:
			err = acc.AddFrom(c)
		case Max:
			err = acc.MaxFrom(c)
		case Min:
			err = acc.MinFrom(c)
		}
		if err != nil {
			return nil, err
		}
	}
	return acc, nil
}

func broadcastResult(r *round) (*tensor.Tensor, error) {
	sent := r.contribs[r.senderRank]
	if sent == nil {
		return nil, &ShapeMismatchError{Reason: "broadcast has no sender contribution"}
	}
	for rank, e := range r.expects {
		if rank == r.senderRank {
			continue
		}
		if e.dtype != sent.DType() || !shapeEqual(e.shape, sent.Shape()) {
			return nil, &ShapeMismatchError{
				Reason: "broadcast receiver expectation disagrees with sent tensor",
			}
		}
	}
	return sent, nil
}

func gatherContribs(r *round) (*tensor.Tensor, error) {
	ranks := sortedRanks(r.contribs)
	ts := make([]*tensor.Tensor, 0, len(ranks))
	for _, rank := range ranks {
		ts = append(ts, r.contribs[rank])
	}
	out, err := tensor.Concat(ts, r.axis)
	if err != nil {
		return nil, &ShapeMismatchError{Reason: err.Error()}
	}
	return out, nil
}

func shapeEqual(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
