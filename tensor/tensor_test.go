package tensor

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewValidatesShape(t *testing.T) {
	_, err := New([]int{2, 0}, nil)
	assert.Error(t, err)

	_, err = New([]int{2, 2}, []float32{1, 2, 3})
	assert.Error(t, err)

	ten, err := New([]int{2, 2}, []float32{1, 2, 3, 4})
	require.NoError(t, err)
	assert.Equal(t, 4, ten.NumElems())
	assert.Equal(t, CPU, ten.Device)
}

func TestItem(t *testing.T) {
	s := Scalar(3.5)
	v, err := s.Item()
	require.NoError(t, err)
	assert.Equal(t, float32(3.5), v)

	_, err = Zeros(2, 2).Item()
	assert.Error(t, err)
}

func TestGradAccumulation(t *testing.T) {
	p := Zeros(3)
	p.SetRequiresGrad(true)
	require.NoError(t, p.AccumulateGrad([]float32{1, 2, 3}))
	require.NoError(t, p.AccumulateGrad([]float32{1, 1, 1}))
	assert.Equal(t, []float32{2, 3, 4}, p.Grad())

	p.ZeroGrad()
	assert.Equal(t, []float32{0, 0, 0}, p.Grad())

	err := p.AccumulateGrad([]float32{1})
	assert.Error(t, err)
}

func TestBackwardConsumesGraph(t *testing.T) {
	loss := Scalar(1.0)
	var seeds []float32
	loss.SetBackward(func(seed float32) { seeds = append(seeds, seed) })

	require.NoError(t, loss.Backward(2.0, false))
	assert.Equal(t, []float32{2.0}, seeds)

	err := loss.Backward(1.0, false)
	assert.Error(t, err, "second backward without retainGraph must fail")
}

func TestBackwardRetainGraph(t *testing.T) {
	loss := Scalar(1.0)
	calls := 0
	loss.SetBackward(func(seed float32) { calls++ })

	require.NoError(t, loss.Backward(1.0, true))
	require.NoError(t, loss.Backward(1.0, false))
	assert.Equal(t, 2, calls)
}

func TestDeviceMoves(t *testing.T) {
	p := Zeros(2)
	moved := p.To(Accelerator)
	assert.Equal(t, Accelerator, moved.Device)
	assert.Equal(t, CPU, p.Device, "To must not mutate the receiver")

	p.MoveTo(Accelerator)
	assert.Equal(t, Accelerator, p.Device)

	d, err := ParseDevice("cpu")
	require.NoError(t, err)
	assert.Equal(t, CPU, d)
	_, err = ParseDevice("tpu")
	assert.Error(t, err)
}

func TestHasNonFinite(t *testing.T) {
	ok, _ := New([]int{2}, []float32{1, 2})
	assert.False(t, ok.HasNonFinite())

	nan, _ := New([]int{2}, []float32{1, float32(math.NaN())})
	assert.True(t, nan.HasNonFinite())

	inf, _ := New([]int{2}, []float32{float32(math.Inf(1)), 0})
	assert.True(t, inf.HasNonFinite())
}

func TestGradNormAndScale(t *testing.T) {
	p := Zeros(2)
	p.SetRequiresGrad(true)
	require.NoError(t, p.AccumulateGrad([]float32{3, 4}))
	assert.InDelta(t, 5.0, p.GradNorm(), 1e-9)

	p.ScaleGrad(0.5)
	assert.Equal(t, []float32{1.5, 2}, p.Grad())
}
