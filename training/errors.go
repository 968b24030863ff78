package training

import (
	"errors"
	"fmt"
)

// ErrConfiguration marks fatal configuration mistakes: multiple losses
// without weights, a zero-length training sequence, a non-positive trigger
// period. These are raised immediately and never retried.
var ErrConfiguration = errors.New("configuration error")

// ErrNonFiniteOutput marks NaN or Inf values in a model output, detected
// defensively after the forward pass.
var ErrNonFiniteOutput = errors.New("non-finite model output")

// ErrStopTraining is the controlled termination signal. It is not a
// failure: the loop observes it at iteration boundaries, finishes the
// current step, then flushes the summary and saves a final checkpoint.
var ErrStopTraining = errors.New("stop training")

func configErrorf(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrConfiguration, fmt.Sprintf(format, args...))
}
