package optimizer

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trainset/trainloop/tensor"
)

func paramWithGrad(t *testing.T, data, grad []float32) *tensor.Tensor {
	t.Helper()
	p, err := tensor.New([]int{len(data)}, data)
	require.NoError(t, err)
	p.SetRequiresGrad(true)
	require.NoError(t, p.AccumulateGrad(grad))
	return p
}

func TestNewSGDValidation(t *testing.T) {
	_, err := NewSGD(SGDConfig{LearningRate: -1})
	assert.Error(t, err)

	_, err = NewSGD(SGDConfig{LearningRate: 0.1, Momentum: 1.5})
	assert.Error(t, err)

	_, err = NewSGD(SGDConfig{LearningRate: 0.1, Nesterov: true})
	assert.Error(t, err, "nesterov without momentum is invalid")

	_, err = NewSGD(DefaultSGDConfig())
	assert.NoError(t, err)
}

func TestSGDVanillaStep(t *testing.T) {
	opt, err := NewSGD(SGDConfig{LearningRate: 0.1})
	require.NoError(t, err)

	p := paramWithGrad(t, []float32{1, 2}, []float32{0.5, -0.5})
	opt.SetParameters([]*tensor.Tensor{p})

	require.NoError(t, opt.Step())
	assert.InDelta(t, 0.95, float64(p.Data[0]), 1e-6)
	assert.InDelta(t, 2.05, float64(p.Data[1]), 1e-6)
}

func TestSGDMomentumStep(t *testing.T) {
	opt, err := NewSGD(SGDConfig{LearningRate: 1.0, Momentum: 0.9})
	require.NoError(t, err)

	p := paramWithGrad(t, []float32{0}, []float32{1})
	opt.SetParameters([]*tensor.Tensor{p})

	// First step: v = 1, w = -1. Second step with same grad: v = 1.9, w = -2.9.
	require.NoError(t, opt.Step())
	assert.InDelta(t, -1.0, float64(p.Data[0]), 1e-6)

	p.ZeroGrad()
	require.NoError(t, p.AccumulateGrad([]float32{1}))
	require.NoError(t, opt.Step())
	assert.InDelta(t, -2.9, float64(p.Data[0]), 1e-6)
}

func TestSGDStepWithoutParameters(t *testing.T) {
	opt, err := NewSGD(DefaultSGDConfig())
	require.NoError(t, err)
	assert.Error(t, opt.Step())
	_, err = opt.ClipGrad()
	assert.Error(t, err)
}

func TestSGDClipGradReportsNorm(t *testing.T) {
	opt, err := NewSGD(SGDConfig{LearningRate: 0.1})
	require.NoError(t, err)

	p := paramWithGrad(t, []float32{0, 0}, []float32{3, 4})
	opt.SetParameters([]*tensor.Tensor{p})

	norms, err := opt.ClipGrad()
	require.NoError(t, err)
	assert.InDelta(t, 5.0, norms[""], 1e-6)
	// No clip threshold: gradients untouched.
	assert.Equal(t, []float32{3, 4}, p.Grad())
}

func TestSGDClipGradRescales(t *testing.T) {
	opt, err := NewSGD(SGDConfig{LearningRate: 0.1, GradClip: 1.0})
	require.NoError(t, err)

	p := paramWithGrad(t, []float32{0, 0}, []float32{3, 4})
	opt.SetParameters([]*tensor.Tensor{p})

	norms, err := opt.ClipGrad()
	require.NoError(t, err)
	assert.InDelta(t, 5.0, norms[""], 1e-6, "reported norm is pre-clip")
	assert.InDelta(t, 1.0, p.GradNorm(), 1e-3, "gradients rescaled to the clip norm")
}

func TestSGDStateDictRoundTrip(t *testing.T) {
	opt, err := NewSGD(SGDConfig{LearningRate: 1.0, Momentum: 0.9})
	require.NoError(t, err)
	p := paramWithGrad(t, []float32{0, 0}, []float32{1, 2})
	opt.SetParameters([]*tensor.Tensor{p})
	require.NoError(t, opt.Step())

	state, err := opt.StateDict()
	require.NoError(t, err)
	assert.Equal(t, "SGD", state.Type)
	require.Len(t, state.StateData, 1)
	assert.Equal(t, "momentum_0", state.StateData[0].Name)

	restored, err := NewSGD(SGDConfig{LearningRate: 1.0, Momentum: 0.9})
	require.NoError(t, err)
	q := paramWithGrad(t, []float32{0, 0}, []float32{0, 0})
	restored.SetParameters([]*tensor.Tensor{q})
	require.NoError(t, restored.LoadStateDict(state))

	assert.Equal(t, opt.momentum[0], restored.momentum[0])
	assert.Equal(t, opt.stepCount, restored.stepCount)
}

func TestSGDLoadStateDictRejectsWrongType(t *testing.T) {
	opt, err := NewSGD(DefaultSGDConfig())
	require.NoError(t, err)
	p := paramWithGrad(t, []float32{0}, []float32{0})
	opt.SetParameters([]*tensor.Tensor{p})

	adam, err := NewAdam(DefaultAdamConfig())
	require.NoError(t, err)
	adam.SetParameters([]*tensor.Tensor{p})
	state, err := adam.StateDict()
	require.NoError(t, err)

	assert.Error(t, opt.LoadStateDict(state))
}

func TestExtractBufferIndex(t *testing.T) {
	assert.Equal(t, 0, extractBufferIndex("momentum_0"))
	assert.Equal(t, 12, extractBufferIndex("variance_12"))
	assert.Equal(t, -1, extractBufferIndex("momentum"))
	assert.Equal(t, -1, extractBufferIndex("momentum_"))
	assert.Equal(t, -1, extractBufferIndex("momentum_x"))
}
