package tensor

import (
	"fmt"
	"math"
)

// Device identifies where tensor data nominally lives. The runtime keeps all
// computation in host memory; Accelerator is a placement tag so that code
// paths which must round-trip through host memory (checkpoint serialization,
// device moves) behave the same way they would with a real backend.
type Device int

const (
	CPU Device = iota
	Accelerator
)

func (d Device) String() string {
	switch d {
	case CPU:
		return "CPU"
	case Accelerator:
		return "Accelerator"
	default:
		return "Unknown"
	}
}

// ParseDevice maps a configuration string to a Device.
func ParseDevice(s string) (Device, error) {
	switch s {
	case "", "cpu":
		return CPU, nil
	case "accelerator", "gpu":
		return Accelerator, nil
	default:
		return CPU, fmt.Errorf("unknown device %q", s)
	}
}

// Tensor is a dense float32 tensor with an optional gradient buffer.
// Loss tensors additionally carry a backward hook installed by the model
// that produced them; calling Backward runs the hook with a seed gradient
// and accumulates into the parameter gradients it captured.
type Tensor struct {
	Shape  []int
	Data   []float32
	Device Device

	requiresGrad bool
	grad         []float32
	backward     func(seed float32)
}

// New creates a tensor from explicit shape and data.
func New(shape []int, data []float32) (*Tensor, error) {
	n := 1
	for i, dim := range shape {
		if dim <= 0 {
			return nil, fmt.Errorf("invalid shape: dimension %d has size %d, must be positive", i, dim)
		}
		n *= dim
	}
	if len(data) != n {
		return nil, fmt.Errorf("data length %d does not match shape %v (%d elements)", len(data), shape, n)
	}
	return &Tensor{Shape: append([]int(nil), shape...), Data: data, Device: CPU}, nil
}

// Zeros creates a zero-filled tensor.
func Zeros(shape ...int) *Tensor {
	n := 1
	for _, dim := range shape {
		n *= dim
	}
	return &Tensor{Shape: append([]int(nil), shape...), Data: make([]float32, n), Device: CPU}
}

// Scalar creates a zero-dimensional view of a single value, used for losses.
func Scalar(v float32) *Tensor {
	return &Tensor{Shape: []int{1}, Data: []float32{v}, Device: CPU}
}

func (t *Tensor) String() string {
	return fmt.Sprintf("Tensor(shape=%v, device=%s, elements=%d)", t.Shape, t.Device, t.NumElems())
}

// NumElems returns the total element count.
func (t *Tensor) NumElems() int {
	n := 1
	for _, dim := range t.Shape {
		n *= dim
	}
	return n
}

// Item returns the value of a single-element tensor.
func (t *Tensor) Item() (float32, error) {
	if len(t.Data) != 1 {
		return 0, fmt.Errorf("Item requires a single-element tensor, got shape %v", t.Shape)
	}
	return t.Data[0], nil
}

// Clone returns a deep copy, without gradient state.
func (t *Tensor) Clone() *Tensor {
	data := make([]float32, len(t.Data))
	copy(data, t.Data)
	return &Tensor{Shape: append([]int(nil), t.Shape...), Data: data, Device: t.Device}
}

// RequiresGrad reports whether the tensor participates in gradient updates.
func (t *Tensor) RequiresGrad() bool {
	return t.requiresGrad
}

// SetRequiresGrad marks the tensor as a trainable parameter and allocates
// its gradient buffer.
func (t *Tensor) SetRequiresGrad(requires bool) {
	t.requiresGrad = requires
	if requires && t.grad == nil {
		t.grad = make([]float32, len(t.Data))
	}
}

// Grad returns the gradient buffer, nil unless SetRequiresGrad was called.
func (t *Tensor) Grad() []float32 {
	return t.grad
}

// ZeroGrad clears the gradient buffer in place.
func (t *Tensor) ZeroGrad() {
	for i := range t.grad {
		t.grad[i] = 0
	}
}

// AccumulateGrad adds g into the gradient buffer.
func (t *Tensor) AccumulateGrad(g []float32) error {
	if !t.requiresGrad {
		return fmt.Errorf("tensor does not require grad")
	}
	if len(g) != len(t.grad) {
		return fmt.Errorf("gradient length %d does not match parameter length %d", len(g), len(t.grad))
	}
	for i := range g {
		t.grad[i] += g[i]
	}
	return nil
}

// SetBackward installs the backward hook for a loss tensor.
func (t *Tensor) SetBackward(fn func(seed float32)) {
	t.backward = fn
}

// Backward runs the backward hook with the given seed gradient. Unless
// retainGraph is set the hook is consumed; a second call is an error, which
// mirrors the single-backward contract of the training step.
func (t *Tensor) Backward(seed float32, retainGraph bool) error {
	if t.backward == nil {
		return fmt.Errorf("backward called on a tensor without a graph (already consumed or not a loss)")
	}
	fn := t.backward
	if !retainGraph {
		t.backward = nil
	}
	fn(seed)
	return nil
}

// To returns a copy of the tensor placed on the given device.
func (t *Tensor) To(d Device) *Tensor {
	c := t.Clone()
	c.Device = d
	return c
}

// MoveTo retags the tensor's placement in place, preserving identity so that
// optimizers keep operating on the same parameter storage.
func (t *Tensor) MoveTo(d Device) {
	t.Device = d
}

// HasNonFinite reports whether any element is NaN or infinite.
func (t *Tensor) HasNonFinite() bool {
	for _, v := range t.Data {
		if math.IsNaN(float64(v)) || math.IsInf(float64(v), 0) {
			return true
		}
	}
	return false
}

// GradNorm returns the L2 norm of the gradient buffer.
func (t *Tensor) GradNorm() float64 {
	var sum float64
	for _, g := range t.grad {
		sum += float64(g) * float64(g)
	}
	return math.Sqrt(sum)
}

// ScaleGrad multiplies the gradient buffer by a constant factor.
func (t *Tensor) ScaleGrad(factor float32) {
	for i := range t.grad {
		t.grad[i] *= factor
	}
}
