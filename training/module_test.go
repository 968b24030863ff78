package training

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trainset/trainloop/checkpoints"
	"github.com/trainset/trainloop/tensor"
)

func TestLinearModelForwardShape(t *testing.T) {
	SetRandomSeed(1)
	model, err := NewLinearModel(2, 3)
	require.NoError(t, err)

	ex := Example{"input": mustTensor(t, []int{2, 2}, []float32{1, 0, 0, 1})}
	out, err := model.Forward(ex)
	require.NoError(t, err)
	assert.Equal(t, []int{2, 3}, out["prediction"].Shape)
}

func TestLinearModelBackwardGradients(t *testing.T) {
	SetRandomSeed(1)
	model, err := NewLinearModel(1, 1)
	require.NoError(t, err)
	// Overwrite the random init for closed-form checks: w=2, b=0.
	model.weight.Data[0] = 2
	model.bias.Data[0] = 0

	ex := Example{
		"input":  mustTensor(t, []int{1, 1}, []float32{3}),
		"target": mustTensor(t, []int{1, 1}, []float32{5}),
	}
	out, err := model.Forward(ex)
	require.NoError(t, err)
	assert.InDelta(t, 6.0, out["prediction"].Data[0], 1e-6)

	review, err := model.Review(ex, out)
	require.NoError(t, err)
	loss, err := review.Losses["mse"].Item()
	require.NoError(t, err)
	assert.InDelta(t, 1.0, loss, 1e-6) // (6-5)^2

	require.NoError(t, review.Losses["mse"].Backward(1.0, false))
	// d/dw (wx+b-y)^2 = 2(wx+b-y)x = 2*1*3, d/db = 2*1.
	assert.InDelta(t, 6.0, model.weight.Grad()[0], 1e-6)
	assert.InDelta(t, 2.0, model.bias.Grad()[0], 1e-6)
}

func TestLinearModelBackwardSeedWeighting(t *testing.T) {
	SetRandomSeed(1)
	model, err := NewLinearModel(1, 1)
	require.NoError(t, err)
	model.weight.Data[0] = 2
	model.bias.Data[0] = 0

	ex := Example{
		"input":  mustTensor(t, []int{1, 1}, []float32{3}),
		"target": mustTensor(t, []int{1, 1}, []float32{5}),
	}
	out, err := model.Forward(ex)
	require.NoError(t, err)
	review, err := model.Review(ex, out)
	require.NoError(t, err)

	require.NoError(t, review.Losses["mse"].Backward(0.5, false))
	assert.InDelta(t, 3.0, model.weight.Grad()[0], 1e-6)
}

func TestLinearModelStateDictRoundTrip(t *testing.T) {
	SetRandomSeed(2)
	src, err := NewLinearModel(3, 2)
	require.NoError(t, err)
	dst, err := NewLinearModel(3, 2)
	require.NoError(t, err)

	require.NoError(t, dst.LoadStateDict(src.StateDict()))
	assert.Equal(t, src.weight.Data, dst.weight.Data)
	assert.Equal(t, src.bias.Data, dst.bias.Data)

	err = dst.LoadStateDict([]checkpoints.WeightTensor{{Name: "unknown", Data: []float32{1}}})
	assert.Error(t, err)
}

func TestExampleToDevice(t *testing.T) {
	ex := Example{"input": tensor.Scalar(1)}
	moved := ExampleToDevice(ex, tensor.Accelerator)
	assert.Equal(t, tensor.Accelerator, moved["input"].Device)
	assert.Equal(t, tensor.CPU, ex["input"].Device)
}

func mustTensor(t *testing.T, shape []int, data []float32) *tensor.Tensor {
	t.Helper()
	tt, err := tensor.New(shape, data)
	require.NoError(t, err)
	return tt
}
