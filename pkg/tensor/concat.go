package tensor

import (
	"github.com/pkg/errors"
)

// Concat concatenates tensors along axis. All inputs must share dtype, rank
// and every dimension except axis. Scalars cannot be concatenated.
func Concat(ts []*Tensor, axis int) (*Tensor, error) {
	if len(ts) == 0 {
		return nil, errors.New("tensor: concat of zero tensors")
	}
	first := ts[0]
	rank := len(first.shape)
	if rank == 0 {
		return nil, errors.New("tensor: cannot concatenate scalars")
	}
	if axis < 0 || axis >= rank {
		return nil, errors.Errorf("tensor: concat axis %d out of range for rank %d", axis, rank)
	}
	axisTotal := 0
	for _, t := range ts {
		if t.dtype != first.dtype || len(t.shape) != rank {
			return nil, errors.Errorf("tensor: concat inputs disagree: %s vs %s", t, first)
		}
		for d := 0; d < rank; d++ {
			if d != axis && t.shape[d] != first.shape[d] {
				return nil, errors.Errorf("tensor: concat dim %d disagrees: %v vs %v", d, t.shape, first.shape)
			}
		}
		axisTotal += t.shape[axis]
	}

	outShape := first.Shape()
	outShape[axis] = axisTotal
	out := New(first.dtype, outShape...)

	outer := 1
	for d := 0; d < axis; d++ {
		outer *= first.shape[d]
	}
	tail := 1
	for d := axis + 1; d < rank; d++ {
		tail *= first.shape[d]
	}
	dsize := first.dtype.Size()

	off := 0
	for i := 0; i < outer; i++ {
		for _, t := range ts {
			slab := t.shape[axis] * tail * dsize
			copy(out.buf[off:], t.buf[i*slab:(i+1)*slab])
			off += slab
		}
	}
	return out, nil
}

// Packs splits the tensor into flat chunks of at most maxBytes each, rounded
// down to whole elements. Used to break a large reduction into packs.
func (t *Tensor) Packs(maxBytes int) []*Tensor {
	dsize := t.dtype.Size()
	if maxBytes < dsize {
		maxBytes = dsize
	}
	perPack := maxBytes / dsize * dsize
	var packs []*Tensor
	for off := 0; off < len(t.buf); off += perPack {
		end := off + perPack
		if end > len(t.buf) {
			end = len(t.buf)
		}
		p := &Tensor{
			dtype: t.dtype,
			shape: []int{(end - off) / dsize},
			buf:   append([]byte(nil), t.buf[off:end]...),
		}
		packs = append(packs, p)
	}
	if len(packs) == 0 {
		// Zero-element tensor still travels as a single empty pack.
		packs = []*Tensor{{dtype: t.dtype, shape: []int{0}, buf: nil}}
	}
	return packs
}

// JoinPacks reassembles chunks produced by Packs into a tensor of the given
// shape.
func JoinPacks(packs []*Tensor, dtype DType, shape []int) (*Tensor, error) {
	out := New(dtype, shape...)
	off := 0
	for _, p := range packs {
		if p.dtype != dtype {
			return nil, errors.Errorf("tensor: pack dtype %s, want %s", p.dtype, dtype)
		}
		if off+len(p.buf) > len(out.buf) {
			return nil, errors.Errorf("tensor: packs overflow shape %v", shape)
		}
		copy(out.buf[off:], p.buf)
		off += len(p.buf)
	}
	if off != len(out.buf) {
		return nil, errors.Errorf("tensor: packs fill %d of %d bytes for shape %v", off, len(out.buf), shape)
	}
	return out, nil
}
