package tensor

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRoundTrips(t *testing.T) {
	f64 := FromFloat64s([]int{2, 2}, []float64{1, 2, 3, 4})
	assert.Equal(t, []float64{1, 2, 3, 4}, f64.Float64s())
	assert.Equal(t, []int{2, 2}, f64.Shape())
	assert.Equal(t, 4, f64.NumElements())
	assert.Equal(t, 32, f64.ByteLen())

	f32 := FromFloat32s([]int{3}, []float32{1.5, -2, 0})
	assert.Equal(t, []float32{1.5, -2, 0}, f32.Float32s())

	i64 := FromInt64s([]int{2}, []int64{-7, 9})
	assert.Equal(t, []int64{-7, 9}, i64.Int64s())

	s := Scalar(3.5)
	assert.Empty(t, s.Shape())
	assert.Equal(t, []float64{3.5}, s.Float64s())
}

func TestCloneIsDeep(t *testing.T) {
	a := FromFloat64s([]int{2}, []float64{1, 2})
	b := a.Clone()
	require.NoError(t, b.AddFrom(a))
	assert.Equal(t, []float64{1, 2}, a.Float64s())
	assert.Equal(t, []float64{2, 4}, b.Float64s())
}

func TestMerge(t *testing.T) {
	a := FromFloat64s([]int{3}, []float64{1, 5, -2})
	b := FromFloat64s([]int{3}, []float64{4, 2, -3})

	sum := a.Clone()
	require.NoError(t, sum.AddFrom(b))
	assert.Equal(t, []float64{5, 7, -5}, sum.Float64s())

	max := a.Clone()
	require.NoError(t, max.MaxFrom(b))
	assert.Equal(t, []float64{4, 5, -2}, max.Float64s())

	min := a.Clone()
	require.NoError(t, min.MinFrom(b))
	assert.Equal(t, []float64{1, 2, -3}, min.Float64s())
}

func TestMerge_Int64(t *testing.T) {
	a := FromInt64s([]int{2}, []int64{3, -1})
	b := FromInt64s([]int{2}, []int64{-2, 5})
	require.NoError(t, a.AddFrom(b))
	assert.Equal(t, []int64{1, 4}, a.Int64s())
}

func TestMerge_ShapeMismatch(t *testing.T) {
	a := FromFloat64s([]int{2}, []float64{1, 2})
	b := FromFloat64s([]int{3}, []float64{1, 2, 3})
	assert.Error(t, a.AddFrom(b))

	c := FromFloat32s([]int{2}, []float32{1, 2})
	assert.Error(t, a.AddFrom(c))
}

func TestDivScalar(t *testing.T) {
	f := FromFloat64s([]int{2}, []float64{3, 5})
	require.NoError(t, f.DivScalar(2))
	assert.Equal(t, []float64{1.5, 2.5}, f.Float64s())

	i := FromInt64s([]int{2}, []int64{7, 4})
	require.NoError(t, i.DivScalar(2))
	assert.Equal(t, []int64{3, 2}, i.Int64s())

	assert.Error(t, f.DivScalar(0))
}

func TestConcat_Axis0(t *testing.T) {
	a := FromFloat64s([]int{2}, []float64{1, 2})
	b := FromFloat64s([]int{3}, []float64{3, 4, 5})
	out, err := Concat([]*Tensor{a, b}, 0)
	require.NoError(t, err)
	assert.Equal(t, []int{5}, out.Shape())
	assert.Equal(t, []float64{1, 2, 3, 4, 5}, out.Float64s())
}

func TestConcat_Axis1(t *testing.T) {
	a := FromFloat64s([]int{2, 2}, []float64{1, 2, 3, 4})
	b := FromFloat64s([]int{2, 1}, []float64{9, 10})
	out, err := Concat([]*Tensor{a, b}, 1)
	require.NoError(t, err)
	assert.Equal(t, []int{2, 3}, out.Shape())
	assert.Equal(t, []float64{1, 2, 9, 3, 4, 10}, out.Float64s())
}

func TestConcat_Errors(t *testing.T) {
	_, err := Concat(nil, 0)
	assert.Error(t, err)

	_, err = Concat([]*Tensor{Scalar(1), Scalar(2)}, 0)
	assert.Error(t, err)

	a := FromFloat64s([]int{2, 2}, []float64{1, 2, 3, 4})
	b := FromFloat64s([]int{3, 3}, make([]float64, 9))
	_, err = Concat([]*Tensor{a, b}, 0)
	assert.Error(t, err)

	_, err = Concat([]*Tensor{a, a}, 2)
	assert.Error(t, err)
}

func TestPacksAndJoin(t *testing.T) {
	orig := FromFloat64s([]int{2, 4}, []float64{1, 2, 3, 4, 5, 6, 7, 8})
	packs := orig.Packs(24) // 3 elements per pack
	require.Len(t, packs, 3)
	assert.Equal(t, []int{3}, packs[0].Shape())
	assert.Equal(t, []int{3}, packs[1].Shape())
	assert.Equal(t, []int{2}, packs[2].Shape())

	back, err := JoinPacks(packs, Float64, []int{2, 4})
	require.NoError(t, err)
	assert.True(t, orig.Equal(back))
}

func TestJoinPacks_Errors(t *testing.T) {
	orig := FromFloat64s([]int{4}, []float64{1, 2, 3, 4})
	packs := orig.Packs(16)

	_, err := JoinPacks(packs, Float64, []int{3})
	assert.Error(t, err)

	_, err = JoinPacks(packs[:1], Float64, []int{4})
	assert.Error(t, err)
}

func TestEqual(t *testing.T) {
	a := FromFloat64s([]int{2}, []float64{1, 2})
	assert.True(t, a.Equal(a.Clone()))
	assert.False(t, a.Equal(FromFloat64s([]int{2}, []float64{1, 3})))
	assert.False(t, a.Equal(FromFloat64s([]int{1, 2}, []float64{1, 2})))
}
