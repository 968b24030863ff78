package optimizer

import (
	"fmt"

	"github.com/trainset/trainloop/checkpoints"
	"github.com/trainset/trainloop/tensor"
)

// SGDConfig holds configuration for the SGD optimizer.
type SGDConfig struct {
	LearningRate float64
	Momentum     float64
	WeightDecay  float64
	Nesterov     bool
	GradClip     float64 // maximum gradient norm, 0 disables clipping
}

// DefaultSGDConfig returns default SGD optimizer configuration.
func DefaultSGDConfig() SGDConfig {
	return SGDConfig{
		LearningRate: 0.01,
	}
}

// SGD implements stochastic gradient descent with optional momentum,
// Nesterov acceleration and weight decay.
type SGD struct {
	config SGDConfig

	params    []*tensor.Tensor
	momentum  [][]float32
	stepCount uint64
}

// NewSGD creates an SGD optimizer. Parameters are bound later via
// SetParameters, matching how the trainer wires the model in.
func NewSGD(config SGDConfig) (*SGD, error) {
	if config.LearningRate < 0 {
		return nil, fmt.Errorf("learning rate cannot be negative: %f", config.LearningRate)
	}
	if config.Momentum < 0 || config.Momentum > 1.0 {
		return nil, fmt.Errorf("momentum must be in [0, 1]: %f", config.Momentum)
	}
	if config.WeightDecay < 0 {
		return nil, fmt.Errorf("weight decay cannot be negative: %f", config.WeightDecay)
	}
	if config.Nesterov && config.Momentum == 0 {
		return nil, fmt.Errorf("nesterov momentum requires momentum > 0")
	}
	return &SGD{config: config}, nil
}

// SetParameters binds the parameter tensors and resets momentum buffers.
func (s *SGD) SetParameters(params []*tensor.Tensor) {
	s.params = params
	s.momentum = make([][]float32, len(params))
	for i, p := range params {
		s.momentum[i] = make([]float32, len(p.Data))
	}
}

// ZeroGrad clears all bound parameter gradients.
func (s *SGD) ZeroGrad() {
	for _, p := range s.params {
		p.ZeroGrad()
	}
}

// Step applies one SGD update.
func (s *SGD) Step() error {
	if len(s.params) == 0 {
		return fmt.Errorf("no parameters bound, call SetParameters first")
	}
	lr := float32(s.config.LearningRate)
	mu := float32(s.config.Momentum)
	wd := float32(s.config.WeightDecay)

	for i, p := range s.params {
		if !p.RequiresGrad() {
			continue
		}
		grad := p.Grad()
		buf := s.momentum[i]
		for j := range p.Data {
			g := grad[j]
			if wd != 0 {
				g += wd * p.Data[j]
			}
			var d float32
			if mu != 0 {
				buf[j] = mu*buf[j] + g
				if s.config.Nesterov {
					d = g + mu*buf[j]
				} else {
					d = buf[j]
				}
			} else {
				d = g
			}
			p.Data[j] -= lr * d
		}
	}
	s.stepCount++
	return nil
}

// ClipGrad rescales gradients to the configured maximum norm and reports
// the pre-clip global norm.
func (s *SGD) ClipGrad() (map[string]float64, error) {
	if len(s.params) == 0 {
		return nil, fmt.Errorf("no parameters bound, call SetParameters first")
	}
	norm := globalGradNorm(s.params, s.config.GradClip)
	return map[string]float64{"": norm}, nil
}

// StateDict extracts hyperparameters, step count and momentum buffers.
func (s *SGD) StateDict() (*checkpoints.OptimizerState, error) {
	nesterov := 0.0
	if s.config.Nesterov {
		nesterov = 1.0
	}
	state := &checkpoints.OptimizerState{
		Type: "SGD",
		Parameters: map[string]float64{
			"learning_rate": s.config.LearningRate,
			"momentum":      s.config.Momentum,
			"weight_decay":  s.config.WeightDecay,
			"grad_clip":     s.config.GradClip,
			"nesterov":      nesterov,
			"step_count":    float64(s.stepCount),
		},
	}
	if s.config.Momentum > 0 {
		for i, buf := range s.momentum {
			data := make([]float32, len(buf))
			copy(data, buf)
			state.StateData = append(state.StateData, checkpoints.OptimizerTensor{
				Name:      fmt.Sprintf("momentum_%d", i),
				Shape:     append([]int(nil), s.params[i].Shape...),
				Data:      data,
				StateType: "momentum",
			})
		}
	}
	return state, nil
}

// LoadStateDict restores step count and momentum buffers. Parameters must
// already be bound so buffer sizes can be validated.
func (s *SGD) LoadStateDict(state *checkpoints.OptimizerState) error {
	if err := validateStateType("SGD", state); err != nil {
		return err
	}
	if v, ok := state.Parameters["step_count"]; ok {
		s.stepCount = uint64(v)
	}
	for _, st := range state.StateData {
		idx := extractBufferIndex(st.Name)
		if idx < 0 || idx >= len(s.momentum) {
			return fmt.Errorf("state tensor %s does not match any bound parameter", st.Name)
		}
		if len(st.Data) != len(s.momentum[idx]) {
			return fmt.Errorf("state tensor %s size mismatch: %d vs %d", st.Name, len(st.Data), len(s.momentum[idx]))
		}
		copy(s.momentum[idx], st.Data)
	}
	return nil
}
