// Package config loads experiment configuration from YAML and maps it
// onto the trainer, model and optimizer constructors.
package config

import (
	"fmt"
	"os"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/trainset/trainloop/checkpoints"
	"github.com/trainset/trainloop/optimizer"
	"github.com/trainset/trainloop/tensor"
	"github.com/trainset/trainloop/training"
)

// StepInterval is an (N, unit) pair in the config file.
type StepInterval struct {
	Num  int    `yaml:"num"`
	Unit string `yaml:"unit"`
}

// Metric names a validation metric whose best checkpoint is tracked.
type Metric struct {
	Name      string `yaml:"name"`
	Criterion string `yaml:"criterion"`
}

// Model selects and sizes the model to train.
type Model struct {
	Type       string `yaml:"type"`
	InputSize  int    `yaml:"input_size"`
	OutputSize int    `yaml:"output_size"`
}

// Optimizer selects the optimizer and its hyperparameters.
type Optimizer struct {
	Type         string  `yaml:"type"`
	LearningRate float64 `yaml:"learning_rate"`
	Momentum     float64 `yaml:"momentum"`
	Nesterov     bool    `yaml:"nesterov"`
	Beta1        float64 `yaml:"beta1"`
	Beta2        float64 `yaml:"beta2"`
	Epsilon      float64 `yaml:"epsilon"`
	WeightDecay  float64 `yaml:"weight_decay"`
	GradClip     float64 `yaml:"grad_clip"`
}

// Config is the complete experiment configuration, mapped through YAML
// tags.
type Config struct {
	RunID      string `yaml:"run_id"`
	StorageDir string `yaml:"storage_dir"`
	Seed       int64  `yaml:"seed"`
	Device     string `yaml:"device"`

	SummaryStep    StepInterval `yaml:"summary_step"`
	CheckpointStep StepInterval `yaml:"checkpoint_step"`
	ValidateStep   StepInterval `yaml:"validate_step"`
	MaxStep        StepInterval `yaml:"max_step"`

	LossWeights    map[string]float64 `yaml:"loss_weights"`
	InitCheckpoint string             `yaml:"init_checkpoint"`
	Retention      string             `yaml:"retention"`
	TrackedMetrics []Metric           `yaml:"tracked_metrics"`

	Model     Model     `yaml:"model"`
	Optimizer Optimizer `yaml:"optimizer"`

	Metrics struct {
		Enabled bool   `yaml:"enabled"`
		Addr    string `yaml:"addr"`
	} `yaml:"metrics"`
}

// Load reads and parses a config file, applying defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse parses YAML config bytes, applying defaults.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config YAML: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.RunID == "" {
		c.RunID = uuid.NewString()
	}
	if c.Device == "" {
		c.Device = "cpu"
	}
	if c.Model.Type == "" {
		c.Model.Type = "linear"
	}
	if c.Optimizer.Type == "" {
		c.Optimizer.Type = "sgd"
	}
	if c.Metrics.Enabled && c.Metrics.Addr == "" {
		c.Metrics.Addr = ":9090"
	}
}

func (c *Config) validate() error {
	if c.StorageDir == "" {
		return fmt.Errorf("storage_dir must be set")
	}
	if c.MaxStep.Num <= 0 {
		return fmt.Errorf("max_step must have a positive num")
	}
	for _, m := range c.TrackedMetrics {
		if _, err := checkpoints.ParseCriterion(m.Criterion); err != nil {
			return fmt.Errorf("tracked metric %q: %w", m.Name, err)
		}
	}
	if c.Retention != "" {
		if _, err := checkpoints.ParseRetentionPolicy(c.Retention); err != nil {
			return err
		}
	}
	if _, err := tensor.ParseDevice(c.Device); err != nil {
		return err
	}
	return nil
}

func (s StepInterval) interval() (training.Interval, error) {
	if s.Num == 0 {
		return training.Interval{}, nil
	}
	unit := s.Unit
	if unit == "" {
		unit = "iteration"
	}
	u, err := training.ParseUnit(unit)
	if err != nil {
		return training.Interval{}, err
	}
	return training.Interval{Num: s.Num, Unit: u}, nil
}

// TrainerConfig maps the file configuration onto the trainer's runtime
// configuration.
func (c *Config) TrainerConfig() (training.Config, error) {
	device, err := tensor.ParseDevice(c.Device)
	if err != nil {
		return training.Config{}, err
	}

	tc := training.Config{
		StorageDir:     c.StorageDir,
		LossWeights:    c.LossWeights,
		Device:         device,
		InitCheckpoint: c.InitCheckpoint,
		Seed:           c.Seed,
		RunID:          c.RunID,
		Retention:      checkpoints.RetentionPolicy(c.Retention),
	}
	if tc.SummaryStep, err = c.SummaryStep.interval(); err != nil {
		return training.Config{}, fmt.Errorf("summary_step: %w", err)
	}
	if tc.CheckpointStep, err = c.CheckpointStep.interval(); err != nil {
		return training.Config{}, fmt.Errorf("checkpoint_step: %w", err)
	}
	if tc.ValidateStep, err = c.ValidateStep.interval(); err != nil {
		return training.Config{}, fmt.Errorf("validate_step: %w", err)
	}
	if tc.MaxStep, err = c.MaxStep.interval(); err != nil {
		return training.Config{}, fmt.Errorf("max_step: %w", err)
	}
	for _, m := range c.TrackedMetrics {
		criterion, err := checkpoints.ParseCriterion(m.Criterion)
		if err != nil {
			return training.Config{}, err
		}
		tc.TrackedMetrics = append(tc.TrackedMetrics, training.MetricSpec{
			Name:      m.Name,
			Criterion: criterion,
		})
	}
	return tc, nil
}

// BuildModel constructs the configured model.
func (c *Config) BuildModel() (training.Module, error) {
	switch c.Model.Type {
	case "linear":
		in, out := c.Model.InputSize, c.Model.OutputSize
		if in == 0 {
			in = 1
		}
		if out == 0 {
			out = 1
		}
		return training.NewLinearModel(in, out)
	default:
		return nil, fmt.Errorf("unknown model type %q", c.Model.Type)
	}
}

// BuildOptimizer constructs the configured optimizer.
func (c *Config) BuildOptimizer() (optimizer.Optimizer, error) {
	switch c.Optimizer.Type {
	case "sgd":
		cfg := optimizer.DefaultSGDConfig()
		if c.Optimizer.LearningRate != 0 {
			cfg.LearningRate = c.Optimizer.LearningRate
		}
		cfg.Momentum = c.Optimizer.Momentum
		cfg.Nesterov = c.Optimizer.Nesterov
		cfg.WeightDecay = c.Optimizer.WeightDecay
		cfg.GradClip = c.Optimizer.GradClip
		return optimizer.NewSGD(cfg)
	case "adam":
		cfg := optimizer.DefaultAdamConfig()
		if c.Optimizer.LearningRate != 0 {
			cfg.LearningRate = c.Optimizer.LearningRate
		}
		if c.Optimizer.Beta1 != 0 {
			cfg.Beta1 = c.Optimizer.Beta1
		}
		if c.Optimizer.Beta2 != 0 {
			cfg.Beta2 = c.Optimizer.Beta2
		}
		if c.Optimizer.Epsilon != 0 {
			cfg.Epsilon = c.Optimizer.Epsilon
		}
		cfg.WeightDecay = c.Optimizer.WeightDecay
		cfg.GradClip = c.Optimizer.GradClip
		return optimizer.NewAdam(cfg)
	default:
		return nil, fmt.Errorf("unknown optimizer type %q", c.Optimizer.Type)
	}
}
