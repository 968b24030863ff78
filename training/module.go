package training

import (
	"fmt"
	"math"
	"math/rand"

	"github.com/trainset/trainloop/checkpoints"
	"github.com/trainset/trainloop/tensor"
)

// Global random source for deterministic parameter initialization.
var globalRng = rand.New(rand.NewSource(1))

// SetRandomSeed seeds the randomness source used for weight
// initialization. The trainer calls this with the configured seed before
// training starts.
func SetRandomSeed(seed int64) {
	globalRng = rand.New(rand.NewSource(seed))
}

// Example is one batch of named input tensors pulled from a data sequence.
type Example map[string]*tensor.Tensor

// Output is the named tensor result of a model forward pass.
type Output map[string]*tensor.Tensor

// Review is the structured per-step evaluation of a model output. Losses
// must contain at least one entry; with more than one entry the trainer
// requires loss weights covering every key. Loss and scalar values are
// per-element means over the batch, so element-weighted aggregation across
// batches reproduces the mean over individual examples.
type Review struct {
	Losses     map[string]*tensor.Tensor
	Scalars    map[string]float64
	Histograms map[string][]float64

	// BatchSize is the number of elements this review covers; zero is
	// treated as one.
	BatchSize int
}

// Elements returns the element count backing this review.
func (r *Review) Elements() int {
	if r.BatchSize <= 0 {
		return 1
	}
	return r.BatchSize
}

// Module is the model contract the trainer consumes. Forward is a pure
// function of the example and current parameters; Review judges an output
// against its example. Mode toggles let validation disable
// training-only behavior (dropout and the like), and the state-dict pair
// feeds checkpointing. Composite models implement the same interface
// rather than being traversed structurally.
type Module interface {
	Forward(ex Example) (Output, error)
	Review(ex Example, out Output) (*Review, error)

	Parameters() []*tensor.Tensor
	TrainMode()
	EvalMode()
	IsTraining() bool

	To(d tensor.Device)
	StateDict() []checkpoints.WeightTensor
	LoadStateDict(weights []checkpoints.WeightTensor) error
}

// ExampleToDevice places every tensor of an example on the given device.
func ExampleToDevice(ex Example, d tensor.Device) Example {
	out := make(Example, len(ex))
	for k, v := range ex {
		out[k] = v.To(d)
	}
	return out
}

// outputHasNonFinite scans a model output for NaN or Inf values.
func outputHasNonFinite(out Output) bool {
	for _, v := range out {
		if v.HasNonFinite() {
			return true
		}
	}
	return false
}

// LinearModel is a single dense layer with a mean-squared-error review:
// prediction = input*W + b against the example's "target" tensor. It has
// no batch-dependent state, which makes it the reference model for
// determinism and batched-versus-single validation tests, and the demo
// model for the CLI.
type LinearModel struct {
	weight   *tensor.Tensor // [inputSize, outputSize]
	bias     *tensor.Tensor // [outputSize]
	inSize   int
	outSize  int
	training bool
}

// NewLinearModel creates a LinearModel with Xavier-uniform weights and
// zero bias.
func NewLinearModel(inputSize, outputSize int) (*LinearModel, error) {
	if inputSize <= 0 || outputSize <= 0 {
		return nil, fmt.Errorf("invalid layer sizes %dx%d", inputSize, outputSize)
	}
	bound := math.Sqrt(6.0 / float64(inputSize+outputSize))
	weightData := make([]float32, inputSize*outputSize)
	for i := range weightData {
		weightData[i] = float32((globalRng.Float64()*2.0 - 1.0) * bound)
	}
	weight, err := tensor.New([]int{inputSize, outputSize}, weightData)
	if err != nil {
		return nil, fmt.Errorf("failed to create weight tensor: %v", err)
	}
	weight.SetRequiresGrad(true)

	bias := tensor.Zeros(outputSize)
	bias.SetRequiresGrad(true)

	return &LinearModel{
		weight:   weight,
		bias:     bias,
		inSize:   inputSize,
		outSize:  outputSize,
		training: true,
	}, nil
}

// Forward computes prediction = input*W + b for input shape [n, inputSize].
func (m *LinearModel) Forward(ex Example) (Output, error) {
	input, ok := ex["input"]
	if !ok {
		return nil, fmt.Errorf("example has no %q tensor", "input")
	}
	if len(input.Shape) != 2 || input.Shape[1] != m.inSize {
		return nil, fmt.Errorf("input shape %v does not match layer input size %d", input.Shape, m.inSize)
	}
	n := input.Shape[0]
	pred := make([]float32, n*m.outSize)
	for i := 0; i < n; i++ {
		for o := 0; o < m.outSize; o++ {
			sum := m.bias.Data[o]
			for j := 0; j < m.inSize; j++ {
				sum += input.Data[i*m.inSize+j] * m.weight.Data[j*m.outSize+o]
			}
			pred[i*m.outSize+o] = sum
		}
	}
	out, err := tensor.New([]int{n, m.outSize}, pred)
	if err != nil {
		return nil, err
	}
	return Output{"prediction": out}, nil
}

// Review computes the mean-squared error against the example's "target"
// tensor and installs the backward hook that accumulates weight and bias
// gradients when the trainer runs the backward pass.
func (m *LinearModel) Review(ex Example, out Output) (*Review, error) {
	pred, ok := out["prediction"]
	if !ok {
		return nil, fmt.Errorf("output has no %q tensor", "prediction")
	}
	target, ok := ex["target"]
	if !ok {
		return nil, fmt.Errorf("example has no %q tensor", "target")
	}
	if len(pred.Data) != len(target.Data) {
		return nil, fmt.Errorf("prediction shape %v does not match target shape %v", pred.Shape, target.Shape)
	}

	n := pred.Shape[0]
	elems := float32(len(pred.Data))
	residual := make([]float32, len(pred.Data))
	var sumSq float64
	for i := range pred.Data {
		residual[i] = pred.Data[i] - target.Data[i]
		sumSq += float64(residual[i]) * float64(residual[i])
	}
	mse := float32(sumSq / float64(elems))

	input := ex["input"]
	loss := tensor.Scalar(mse)
	loss.SetBackward(func(seed float32) {
		scale := seed * 2 / elems
		gw := make([]float32, len(m.weight.Data))
		gb := make([]float32, len(m.bias.Data))
		for i := 0; i < n; i++ {
			for o := 0; o < m.outSize; o++ {
				e := scale * residual[i*m.outSize+o]
				gb[o] += e
				for j := 0; j < m.inSize; j++ {
					gw[j*m.outSize+o] += e * input.Data[i*m.inSize+j]
				}
			}
		}
		m.weight.AccumulateGrad(gw)
		m.bias.AccumulateGrad(gb)
	})

	return &Review{
		Losses:    map[string]*tensor.Tensor{"mse": loss},
		Scalars:   map[string]float64{"mse": float64(mse)},
		BatchSize: n,
	}, nil
}

// Parameters returns the trainable parameters.
func (m *LinearModel) Parameters() []*tensor.Tensor {
	return []*tensor.Tensor{m.weight, m.bias}
}

// TrainMode sets the model to training mode.
func (m *LinearModel) TrainMode() {
	m.training = true
}

// EvalMode sets the model to evaluation mode.
func (m *LinearModel) EvalMode() {
	m.training = false
}

// IsTraining returns true if in training mode.
func (m *LinearModel) IsTraining() bool {
	return m.training
}

// To retags the parameter placement in place, preserving the tensors the
// optimizer is bound to.
func (m *LinearModel) To(d tensor.Device) {
	m.weight.MoveTo(d)
	m.bias.MoveTo(d)
}

// StateDict extracts the parameters as named weight tensors.
func (m *LinearModel) StateDict() []checkpoints.WeightTensor {
	return []checkpoints.WeightTensor{
		{
			Name:  "linear.weight",
			Shape: append([]int(nil), m.weight.Shape...),
			Data:  append([]float32(nil), m.weight.Data...),
			Layer: "linear",
			Kind:  "weight",
		},
		{
			Name:  "linear.bias",
			Shape: append([]int(nil), m.bias.Shape...),
			Data:  append([]float32(nil), m.bias.Data...),
			Layer: "linear",
			Kind:  "bias",
		},
	}
}

// LoadStateDict restores parameters by name.
func (m *LinearModel) LoadStateDict(weights []checkpoints.WeightTensor) error {
	for _, w := range weights {
		var dst *tensor.Tensor
		switch w.Name {
		case "linear.weight":
			dst = m.weight
		case "linear.bias":
			dst = m.bias
		default:
			return fmt.Errorf("unknown weight %q", w.Name)
		}
		if len(w.Data) != len(dst.Data) {
			return fmt.Errorf("weight %q size mismatch: %d vs %d", w.Name, len(w.Data), len(dst.Data))
		}
		copy(dst.Data, w.Data)
	}
	return nil
}
