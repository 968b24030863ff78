package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trainset/trainloop/checkpoints"
	"github.com/trainset/trainloop/optimizer"
	"github.com/trainset/trainloop/tensor"
	"github.com/trainset/trainloop/training"
)

const sampleYAML = `
run_id: exp-42
storage_dir: /tmp/run
seed: 7
device: cpu

summary_step: {num: 100, unit: iteration}
checkpoint_step: {num: 500, unit: iteration}
validate_step: {num: 1, unit: epoch}
max_step: {num: 5000, unit: iteration}

loss_weights:
  mse: 1.0
  aux: 0.5

tracked_metrics:
  - {name: mse, criterion: min}

retention: all

model:
  type: linear
  input_size: 4
  output_size: 2

optimizer:
  type: adam
  learning_rate: 0.005
  grad_clip: 5.0

metrics:
  enabled: true
`

func TestParseFullConfig(t *testing.T) {
	cfg, err := Parse([]byte(sampleYAML))
	require.NoError(t, err)

	assert.Equal(t, "exp-42", cfg.RunID)
	assert.Equal(t, int64(7), cfg.Seed)
	assert.Equal(t, 0.5, cfg.LossWeights["aux"])
	assert.Equal(t, ":9090", cfg.Metrics.Addr)

	tc, err := cfg.TrainerConfig()
	require.NoError(t, err)
	assert.Equal(t, training.Interval{Num: 100, Unit: training.UnitIteration}, tc.SummaryStep)
	assert.Equal(t, training.Interval{Num: 1, Unit: training.UnitEpoch}, tc.ValidateStep)
	assert.Equal(t, training.Interval{Num: 5000, Unit: training.UnitIteration}, tc.MaxStep)
	assert.Equal(t, tensor.CPU, tc.Device)
	assert.Equal(t, checkpoints.KeepAll, tc.Retention)
	require.Len(t, tc.TrackedMetrics, 1)
	assert.Equal(t, checkpoints.Min, tc.TrackedMetrics[0].Criterion)
}

func TestParseDefaults(t *testing.T) {
	cfg, err := Parse([]byte("storage_dir: /tmp/x\nmax_step: {num: 10}\n"))
	require.NoError(t, err)

	assert.NotEmpty(t, cfg.RunID)
	assert.Equal(t, "cpu", cfg.Device)
	assert.Equal(t, "linear", cfg.Model.Type)
	assert.Equal(t, "sgd", cfg.Optimizer.Type)

	tc, err := cfg.TrainerConfig()
	require.NoError(t, err)
	// Unit defaults to iteration when only num is given.
	assert.Equal(t, training.UnitIteration, tc.MaxStep.Unit)
	// Unset intervals stay zero so the trainer applies its own defaults.
	assert.Equal(t, 0, tc.SummaryStep.Num)
}

func TestParseRejectsInvalid(t *testing.T) {
	cases := map[string]string{
		"missing storage_dir": "max_step: {num: 10}\n",
		"missing max_step":    "storage_dir: /tmp/x\n",
		"bad criterion":       "storage_dir: /tmp/x\nmax_step: {num: 10}\ntracked_metrics: [{name: mse, criterion: lowest}]\n",
		"bad retention":       "storage_dir: /tmp/x\nmax_step: {num: 10}\nretention: forever\n",
		"bad device":          "storage_dir: /tmp/x\nmax_step: {num: 10}\ndevice: tpu\n",
		"bad yaml":            "storage_dir: [\n",
	}
	for name, body := range cases {
		_, err := Parse([]byte(body))
		assert.Error(t, err, name)
	}
}

func TestParseRejectsBadUnit(t *testing.T) {
	cfg, err := Parse([]byte("storage_dir: /tmp/x\nmax_step: {num: 10, unit: day}\n"))
	require.NoError(t, err)
	_, err = cfg.TrainerConfig()
	assert.Error(t, err)
}

func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "exp.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sampleYAML), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "exp-42", cfg.RunID)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestBuildModelAndOptimizer(t *testing.T) {
	cfg, err := Parse([]byte(sampleYAML))
	require.NoError(t, err)

	model, err := cfg.BuildModel()
	require.NoError(t, err)
	assert.Len(t, model.Parameters(), 2)

	opt, err := cfg.BuildOptimizer()
	require.NoError(t, err)
	_, ok := opt.(*optimizer.Adam)
	assert.True(t, ok)

	cfg.Model.Type = "transformer"
	_, err = cfg.BuildModel()
	assert.Error(t, err)

	cfg.Optimizer.Type = "lbfgs"
	_, err = cfg.BuildOptimizer()
	assert.Error(t, err)
}
