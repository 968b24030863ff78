package optimizer

import (
	"fmt"
	"math"

	"github.com/trainset/trainloop/checkpoints"
	"github.com/trainset/trainloop/tensor"
)

// AdamConfig holds configuration for the Adam optimizer.
type AdamConfig struct {
	LearningRate float64
	Beta1        float64
	Beta2        float64
	Epsilon      float64
	WeightDecay  float64
	GradClip     float64 // maximum gradient norm, 0 disables clipping
}

// DefaultAdamConfig returns default Adam optimizer configuration.
func DefaultAdamConfig() AdamConfig {
	return AdamConfig{
		LearningRate: 0.001,
		Beta1:        0.9,
		Beta2:        0.999,
		Epsilon:      1e-8,
	}
}

// Adam implements the Adam optimizer with bias-corrected first and second
// moment estimates.
type Adam struct {
	config AdamConfig

	params    []*tensor.Tensor
	momentum  [][]float32 // first moment
	variance  [][]float32 // second moment
	stepCount uint64
}

// NewAdam creates an Adam optimizer.
func NewAdam(config AdamConfig) (*Adam, error) {
	if config.LearningRate < 0 {
		return nil, fmt.Errorf("learning rate cannot be negative: %f", config.LearningRate)
	}
	if config.Beta1 < 0 || config.Beta1 >= 1 {
		return nil, fmt.Errorf("beta1 must be in [0, 1): %f", config.Beta1)
	}
	if config.Beta2 < 0 || config.Beta2 >= 1 {
		return nil, fmt.Errorf("beta2 must be in [0, 1): %f", config.Beta2)
	}
	if config.Epsilon <= 0 {
		return nil, fmt.Errorf("epsilon must be positive: %e", config.Epsilon)
	}
	return &Adam{config: config}, nil
}

// SetParameters binds the parameter tensors and resets moment buffers.
func (a *Adam) SetParameters(params []*tensor.Tensor) {
	a.params = params
	a.momentum = make([][]float32, len(params))
	a.variance = make([][]float32, len(params))
	for i, p := range params {
		a.momentum[i] = make([]float32, len(p.Data))
		a.variance[i] = make([]float32, len(p.Data))
	}
}

// ZeroGrad clears all bound parameter gradients.
func (a *Adam) ZeroGrad() {
	for _, p := range a.params {
		p.ZeroGrad()
	}
}

// Step applies one Adam update.
func (a *Adam) Step() error {
	if len(a.params) == 0 {
		return fmt.Errorf("no parameters bound, call SetParameters first")
	}
	a.stepCount++
	t := float64(a.stepCount)
	b1 := a.config.Beta1
	b2 := a.config.Beta2
	corr1 := 1 - math.Pow(b1, t)
	corr2 := 1 - math.Pow(b2, t)
	lr := a.config.LearningRate
	wd := float32(a.config.WeightDecay)

	for i, p := range a.params {
		if !p.RequiresGrad() {
			continue
		}
		grad := p.Grad()
		m := a.momentum[i]
		v := a.variance[i]
		for j := range p.Data {
			g := float64(grad[j])
			if wd != 0 {
				g += float64(wd * p.Data[j])
			}
			m[j] = float32(b1*float64(m[j]) + (1-b1)*g)
			v[j] = float32(b2*float64(v[j]) + (1-b2)*g*g)
			mHat := float64(m[j]) / corr1
			vHat := float64(v[j]) / corr2
			p.Data[j] -= float32(lr * mHat / (math.Sqrt(vHat) + a.config.Epsilon))
		}
	}
	return nil
}

// ClipGrad rescales gradients to the configured maximum norm and reports
// the pre-clip global norm.
func (a *Adam) ClipGrad() (map[string]float64, error) {
	if len(a.params) == 0 {
		return nil, fmt.Errorf("no parameters bound, call SetParameters first")
	}
	norm := globalGradNorm(a.params, a.config.GradClip)
	return map[string]float64{"": norm}, nil
}

// StateDict extracts hyperparameters, step count and both moment buffers.
func (a *Adam) StateDict() (*checkpoints.OptimizerState, error) {
	state := &checkpoints.OptimizerState{
		Type: "Adam",
		Parameters: map[string]float64{
			"learning_rate": a.config.LearningRate,
			"beta1":         a.config.Beta1,
			"beta2":         a.config.Beta2,
			"epsilon":       a.config.Epsilon,
			"weight_decay":  a.config.WeightDecay,
			"grad_clip":     a.config.GradClip,
			"step_count":    float64(a.stepCount),
		},
	}
	for i := range a.params {
		m := make([]float32, len(a.momentum[i]))
		copy(m, a.momentum[i])
		v := make([]float32, len(a.variance[i]))
		copy(v, a.variance[i])
		shape := append([]int(nil), a.params[i].Shape...)
		state.StateData = append(state.StateData,
			checkpoints.OptimizerTensor{
				Name:      fmt.Sprintf("momentum_%d", i),
				Shape:     shape,
				Data:      m,
				StateType: "momentum",
			},
			checkpoints.OptimizerTensor{
				Name:      fmt.Sprintf("variance_%d", i),
				Shape:     append([]int(nil), shape...),
				Data:      v,
				StateType: "variance",
			},
		)
	}
	return state, nil
}

// LoadStateDict restores step count and moment buffers.
func (a *Adam) LoadStateDict(state *checkpoints.OptimizerState) error {
	if err := validateStateType("Adam", state); err != nil {
		return err
	}
	if v, ok := state.Parameters["step_count"]; ok {
		a.stepCount = uint64(v)
	}
	for _, st := range state.StateData {
		idx := extractBufferIndex(st.Name)
		if idx < 0 || idx >= len(a.params) {
			return fmt.Errorf("state tensor %s does not match any bound parameter", st.Name)
		}
		var dst []float32
		switch st.StateType {
		case "momentum":
			dst = a.momentum[idx]
		case "variance":
			dst = a.variance[idx]
		default:
			return fmt.Errorf("unknown state type %q for tensor %s", st.StateType, st.Name)
		}
		if len(st.Data) != len(dst) {
			return fmt.Errorf("state tensor %s size mismatch: %d vs %d", st.Name, len(st.Data), len(dst))
		}
		copy(dst, st.Data)
	}
	return nil
}
