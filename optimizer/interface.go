package optimizer

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/trainset/trainloop/checkpoints"
	"github.com/trainset/trainloop/tensor"
)

// Optimizer is the gradient-update contract the trainer drives. The
// gradient algorithm itself is opaque to the loop; only this surface and
// the state-dict serialization matter for checkpointing and resume.
type Optimizer interface {
	// SetParameters binds the parameter tensors the optimizer updates.
	// Must be called before the first Step; rebinding resets internal
	// per-parameter state buffers.
	SetParameters(params []*tensor.Tensor)

	// ZeroGrad clears all bound parameter gradients.
	ZeroGrad()

	// Step applies one update using the accumulated gradients.
	Step() error

	// ClipGrad rescales gradients to the configured maximum norm and
	// returns grad-norm metrics keyed by group name; the empty key is the
	// global norm. With no clip threshold configured the norm is still
	// reported, unclipped.
	ClipGrad() (map[string]float64, error)

	// StateDict extracts optimizer state for checkpointing.
	StateDict() (*checkpoints.OptimizerState, error)

	// LoadStateDict restores optimizer state from a checkpoint.
	LoadStateDict(state *checkpoints.OptimizerState) error
}

// validateStateType ensures a restored state belongs to this optimizer kind.
func validateStateType(optimizerType string, state *checkpoints.OptimizerState) error {
	if state == nil {
		return fmt.Errorf("nil optimizer state")
	}
	if state.Type != optimizerType {
		return fmt.Errorf("state type mismatch: expected %s, got %s", optimizerType, state.Type)
	}
	return nil
}

// extractBufferIndex parses the parameter index from state tensor names
// like "momentum_0" or "variance_12". Returns -1 when the name does not
// carry an index.
func extractBufferIndex(name string) int {
	i := strings.LastIndex(name, "_")
	if i < 0 || i == len(name)-1 {
		return -1
	}
	idx, err := strconv.Atoi(name[i+1:])
	if err != nil {
		return -1
	}
	return idx
}

// globalGradNorm computes the L2 norm over all bound parameter gradients
// and rescales them in place when the norm exceeds maxNorm (> 0).
func globalGradNorm(params []*tensor.Tensor, maxNorm float64) float64 {
	var sumSq float64
	for _, p := range params {
		if !p.RequiresGrad() {
			continue
		}
		n := p.GradNorm()
		sumSq += n * n
	}
	norm := math.Sqrt(sumSq)
	if maxNorm > 0 && norm > maxNorm {
		scale := float32(maxNorm / (norm + 1e-6))
		for _, p := range params {
			if p.RequiresGrad() {
				p.ScaleGrad(scale)
			}
		}
	}
	return norm
}
