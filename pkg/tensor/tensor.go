// Package tensor holds the dense value type exchanged by collective
// operations. A tensor is a shape, a dtype and a raw little-endian buffer;
// callers that need typed access go through the accessor methods.
package tensor

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/pkg/errors"
)

// DType identifies the element type of a tensor buffer.
type DType int

const (
	Float64 DType = iota
	Float32
	Int64
)

// Size returns the element width in bytes.
func (d DType) Size() int {
	switch d {
	case Float32:
		return 4
	default:
		return 8
	}
}

func (d DType) String() string {
	switch d {
	case Float64:
		return "float64"
	case Float32:
		return "float32"
	case Int64:
		return "int64"
	default:
		return fmt.Sprintf("dtype(%d)", int(d))
	}
}

// Tensor is a dense n-dimensional value. The buffer layout is row-major
// little-endian. A scalar has an empty shape.
type Tensor struct {
	dtype DType
	shape []int
	buf   []byte
}

// New returns a zero-filled tensor of the given dtype and shape.
func New(dtype DType, shape ...int) *Tensor {
	n := numElements(shape)
	return &Tensor{
		dtype: dtype,
		shape: append([]int(nil), shape...),
		buf:   make([]byte, n*dtype.Size()),
	}
}

// FromFloat64s builds a Float64 tensor from vals. The number of values must
// match the shape's element count.
func FromFloat64s(shape []int, vals []float64) *Tensor {
	if len(vals) != numElements(shape) {
		panic(fmt.Sprintf("tensor: %d values do not fill shape %v", len(vals), shape))
	}
	t := New(Float64, shape...)
	for i, v := range vals {
		binary.LittleEndian.PutUint64(t.buf[i*8:], math.Float64bits(v))
	}
	return t
}

// FromFloat32s builds a Float32 tensor from vals.
func FromFloat32s(shape []int, vals []float32) *Tensor {
	if len(vals) != numElements(shape) {
		panic(fmt.Sprintf("tensor: %d values do not fill shape %v", len(vals), shape))
	}
	t := New(Float32, shape...)
	for i, v := range vals {
		binary.LittleEndian.PutUint32(t.buf[i*4:], math.Float32bits(v))
	}
	return t
}

// FromInt64s builds an Int64 tensor from vals.
func FromInt64s(shape []int, vals []int64) *Tensor {
	if len(vals) != numElements(shape) {
		panic(fmt.Sprintf("tensor: %d values do not fill shape %v", len(vals), shape))
	}
	t := New(Int64, shape...)
	for i, v := range vals {
		binary.LittleEndian.PutUint64(t.buf[i*8:], uint64(v))
	}
	return t
}

// Scalar returns a Float64 scalar tensor.
func Scalar(v float64) *Tensor {
	return FromFloat64s(nil, []float64{v})
}

func (t *Tensor) DType() DType { return t.dtype }

// Shape returns a copy of the tensor's shape.
func (t *Tensor) Shape() []int { return append([]int(nil), t.shape...) }

// NumElements returns the element count; a scalar has one element.
func (t *Tensor) NumElements() int { return numElements(t.shape) }

// ByteLen returns the buffer length in bytes.
func (t *Tensor) ByteLen() int { return len(t.buf) }

// Bytes exposes the raw buffer. The caller must not grow it.
func (t *Tensor) Bytes() []byte { return t.buf }

// Float64s decodes the buffer as float64 values. Panics on dtype mismatch.
func (t *Tensor) Float64s() []float64 {
	t.mustDType(Float64)
	out := make([]float64, t.NumElements())
	for i := range out {
		out[i] = math.Float64frombits(binary.LittleEndian.Uint64(t.buf[i*8:]))
	}
	return out
}

// Float32s decodes the buffer as float32 values. Panics on dtype mismatch.
func (t *Tensor) Float32s() []float32 {
	t.mustDType(Float32)
	out := make([]float32, t.NumElements())
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(t.buf[i*4:]))
	}
	return out
}

// Int64s decodes the buffer as int64 values. Panics on dtype mismatch.
func (t *Tensor) Int64s() []int64 {
	t.mustDType(Int64)
	out := make([]int64, t.NumElements())
	for i := range out {
		out[i] = int64(binary.LittleEndian.Uint64(t.buf[i*8:]))
	}
	return out
}

func (t *Tensor) mustDType(d DType) {
	if t.dtype != d {
		panic(fmt.Sprintf("tensor: dtype is %s, not %s", t.dtype, d))
	}
}

// Clone returns a deep copy.
func (t *Tensor) Clone() *Tensor {
	c := &Tensor{
		dtype: t.dtype,
		shape: append([]int(nil), t.shape...),
		buf:   make([]byte, len(t.buf)),
	}
	copy(c.buf, t.buf)
	return c
}

// SameShape reports whether o has the same dtype and shape as t.
func (t *Tensor) SameShape(o *Tensor) bool {
	if t.dtype != o.dtype || len(t.shape) != len(o.shape) {
		return false
	}
	for i := range t.shape {
		if t.shape[i] != o.shape[i] {
			return false
		}
	}
	return true
}

// Equal reports bit-exact equality of dtype, shape and buffer.
func (t *Tensor) Equal(o *Tensor) bool {
	if !t.SameShape(o) || len(t.buf) != len(o.buf) {
		return false
	}
	for i := range t.buf {
		if t.buf[i] != o.buf[i] {
			return false
		}
	}
	return true
}

// AddFrom accumulates o into t element-wise. Shapes and dtypes must match.
func (t *Tensor) AddFrom(o *Tensor) error {
	return t.mergeFrom(o, func(a, b float64) float64 { return a + b },
		func(a, b int64) int64 { return a + b })
}

// MaxFrom takes the element-wise maximum of t and o into t.
func (t *Tensor) MaxFrom(o *Tensor) error {
	return t.mergeFrom(o, math.Max,
		func(a, b int64) int64 {
			if a > b {
				return a
			}
			return b
		})
}

// MinFrom takes the element-wise minimum of t and o into t.
func (t *Tensor) MinFrom(o *Tensor) error {
	return t.mergeFrom(o, math.Min,
		func(a, b int64) int64 {
			if a < b {
				return a
			}
			return b
		})
}

func (t *Tensor) mergeFrom(o *Tensor, ff func(a, b float64) float64, fi func(a, b int64) int64) error {
	if !t.SameShape(o) {
		return errors.Errorf("tensor: cannot merge %s%v into %s%v", o.dtype, o.shape, t.dtype, t.shape)
	}
	n := t.NumElements()
	switch t.dtype {
	case Float64:
		for i := 0; i < n; i++ {
			a := math.Float64frombits(binary.LittleEndian.Uint64(t.buf[i*8:]))
			b := math.Float64frombits(binary.LittleEndian.Uint64(o.buf[i*8:]))
			binary.LittleEndian.PutUint64(t.buf[i*8:], math.Float64bits(ff(a, b)))
		}
	case Float32:
		for i := 0; i < n; i++ {
			a := math.Float32frombits(binary.LittleEndian.Uint32(t.buf[i*4:]))
			b := math.Float32frombits(binary.LittleEndian.Uint32(o.buf[i*4:]))
			binary.LittleEndian.PutUint32(t.buf[i*4:], math.Float32bits(float32(ff(float64(a), float64(b)))))
		}
	case Int64:
		for i := 0; i < n; i++ {
			a := int64(binary.LittleEndian.Uint64(t.buf[i*8:]))
			b := int64(binary.LittleEndian.Uint64(o.buf[i*8:]))
			binary.LittleEndian.PutUint64(t.buf[i*8:], uint64(fi(a, b)))
		}
	default:
		return errors.Errorf("tensor: unsupported dtype %s", t.dtype)
	}
	return nil
}

// DivScalar divides every element by n, in place. Int64 tensors use integer
// division.
func (t *Tensor) DivScalar(n int) error {
	if n == 0 {
		return errors.New("tensor: division by zero")
	}
	cnt := t.NumElements()
	switch t.dtype {
	case Float64:
		for i := 0; i < cnt; i++ {
			v := math.Float64frombits(binary.LittleEndian.Uint64(t.buf[i*8:]))
			binary.LittleEndian.PutUint64(t.buf[i*8:], math.Float64bits(v/float64(n)))
		}
	case Float32:
		for i := 0; i < cnt; i++ {
			v := math.Float32frombits(binary.LittleEndian.Uint32(t.buf[i*4:]))
			binary.LittleEndian.PutUint32(t.buf[i*4:], math.Float32bits(v/float32(n)))
		}
	case Int64:
		for i := 0; i < cnt; i++ {
			v := int64(binary.LittleEndian.Uint64(t.buf[i*8:]))
			binary.LittleEndian.PutUint64(t.buf[i*8:], uint64(v/int64(n)))
		}
	default:
		return errors.Errorf("tensor: unsupported dtype %s", t.dtype)
	}
	return nil
}

func (t *Tensor) String() string {
	return fmt.Sprintf("Tensor(%s, shape=%v, %dB)", t.dtype, t.shape, len(t.buf))
}

func numElements(shape []int) int {
	n := 1
	for _, d := range shape {
		n *= d
	}
	return n
}
