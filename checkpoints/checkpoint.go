package checkpoints

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"
)

// ErrCheckpointNotFound is returned when an explicit load request names a
// path that does not exist.
var ErrCheckpointNotFound = errors.New("checkpoint not found")

// Criterion selects how a tracked metric is compared when deciding whether a
// checkpoint improves on the recorded best.
type Criterion string

const (
	Min Criterion = "min"
	Max Criterion = "max"
)

// ParseCriterion maps a configuration string to a Criterion.
func ParseCriterion(s string) (Criterion, error) {
	switch Criterion(s) {
	case Min, Max:
		return Criterion(s), nil
	default:
		return "", fmt.Errorf("unknown criterion %q (want %q or %q)", s, Min, Max)
	}
}

// Improves reports whether value improves on best under the criterion.
// Equal values do not improve, so ties keep the earlier checkpoint.
func (c Criterion) Improves(value, best float64) bool {
	if c == Max {
		return value > best
	}
	return value < best
}

// Checkpoint is a complete training snapshot: model weights, optimizer state
// and progress counters, persisted as a single artifact.
type Checkpoint struct {
	Iteration int `json:"iteration"`
	Epoch     int `json:"epoch"`

	Model []WeightTensor `json:"model"`

	// Optimizer state, omitted when the trainer has no optimizer configured.
	Optimizer *OptimizerState `json:"optimizer,omitempty"`

	Metadata Metadata `json:"metadata"`
}

// WeightTensor is one named model parameter with its host-memory data.
type WeightTensor struct {
	Name  string    `json:"name"`
	Shape []int     `json:"shape"`
	Data  []float32 `json:"data"`
	Layer string    `json:"layer,omitempty"`
	Kind  string    `json:"kind,omitempty"` // "weight", "bias", ...
}

// OptimizerState captures optimizer-specific state (momentum, variance, ...).
type OptimizerState struct {
	Type       string             `json:"type"` // "SGD", "Adam", ...
	Parameters map[string]float64 `json:"parameters"`
	StateData  []OptimizerTensor  `json:"state_data,omitempty"`
}

// OptimizerTensor is one optimizer state buffer, named by kind and
// parameter index ("momentum_0", "variance_1", ...).
type OptimizerTensor struct {
	Name      string    `json:"name"`
	Shape     []int     `json:"shape"`
	Data      []float32 `json:"data"`
	StateType string    `json:"state_type"`
}

// Metadata carries provenance for a checkpoint artifact.
type Metadata struct {
	Runtime   string    `json:"runtime"`
	Version   string    `json:"version"`
	RunID     string    `json:"run_id,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Write persists the checkpoint atomically: the JSON document is written to
// a temp file and renamed into place, so a crash mid-write never leaves a
// truncated artifact at the target path.
func Write(ck *Checkpoint, path string) error {
	if ck.Metadata.Runtime == "" {
		ck.Metadata.Runtime = "trainloop"
		ck.Metadata.Version = "1.0.0"
	}
	if ck.Metadata.CreatedAt.IsZero() {
		ck.Metadata.CreatedAt = time.Now()
	}

	data, err := json.MarshalIndent(ck, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode checkpoint: %w", err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("failed to write temp checkpoint: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to rename checkpoint: %w", err)
	}
	return nil
}

// Read loads a checkpoint artifact. A missing path yields
// ErrCheckpointNotFound so callers can distinguish a bad resume request
// from a corrupt file.
func Read(path string) (*Checkpoint, error) {
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrCheckpointNotFound, path)
		}
		return nil, fmt.Errorf("failed to stat checkpoint: %w", err)
	}
	if info.IsDir() {
		// A directory is never a valid artifact; resume must name the file
		// itself to avoid confusing best and latest snapshots.
		return nil, fmt.Errorf("%w: %s is a directory", ErrCheckpointNotFound, path)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read checkpoint: %w", err)
	}

	var ck Checkpoint
	if err := json.Unmarshal(data, &ck); err != nil {
		return nil, fmt.Errorf("failed to decode checkpoint %s: %w", path, err)
	}
	return &ck, nil
}
