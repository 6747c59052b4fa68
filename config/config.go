// Package config handles loading the YAML configuration of a
// self-distillation run.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/tsawler/go-selfdistill/network"
	"github.com/tsawler/go-selfdistill/optimizer"
	"github.com/tsawler/go-selfdistill/tensor"
	"github.com/tsawler/go-selfdistill/training"
)

// ErrInvalidConfig is wrapped by every validation failure.
var ErrInvalidConfig = errors.New("invalid config")

// Devices accepted in the device field.
const (
	DeviceCPU  = "cpu"
	DeviceGPU  = "gpu"
	DeviceAuto = "auto"
)

// Config is the root configuration structure.
type Config struct {
	Device    string              `yaml:"device"`
	Seed      int64               `yaml:"seed"`
	Model     ModelConfig         `yaml:"model"`
	Loss      LossConfig          `yaml:"loss"`
	Optimizer optimizer.SGDConfig `yaml:"optimizer"`
	Probe     ProbeConfig         `yaml:"probe"`
}

// ModelConfig selects the backbone and sizes the heads and queue.
type ModelConfig struct {
	Arch            string `yaml:"arch"`
	InputChannels   int    `yaml:"input_channels"`
	StemWidth       int    `yaml:"stem_width"`
	NumClasses      int    `yaml:"num_classes"`
	EmbeddingDim    int    `yaml:"embedding_dim"`
	ProjectionDim   int    `yaml:"projection_dim"`
	PredictorHidden int    `yaml:"predictor_hidden"`
	ProjectorLayers int    `yaml:"projector_layers"`
	QueueCapacity   int    `yaml:"queue_capacity"`

	StemPool                  bool    `yaml:"stem_pool"`
	ZeroInitResidual          bool    `yaml:"zero_init_residual"`
	ReplaceStrideWithDilation [3]bool `yaml:"replace_stride_with_dilation"`
}

// LossConfig parameterizes the distillation objective.
type LossConfig struct {
	Temperature         float64                   `yaml:"temperature"`
	BaseTemperature     float64                   `yaml:"base_temperature"`
	ContrastMode        string                    `yaml:"contrast_mode"`
	ExcludeSiblingViews bool                      `yaml:"exclude_sibling_views"`
	Alignment           string                    `yaml:"alignment"`
	UseMemory           bool                      `yaml:"use_memory"`
	Weights             training.ObjectiveWeights `yaml:"weights"`
}

// ProbeConfig drives the synthetic probe program.
type ProbeConfig struct {
	Epochs     int    `yaml:"epochs"`
	Steps      int    `yaml:"steps"`
	BatchSize  int    `yaml:"batch_size"`
	ImageSize  int    `yaml:"image_size"`
	Checkpoint string `yaml:"checkpoint"`
	LogLevel   string `yaml:"log_level"`
}

// Default returns the default configuration.
func Default() *Config {
	return &Config{
		Device: DeviceAuto,
		Model: ModelConfig{
			Arch:            "resnet18",
			InputChannels:   3,
			StemWidth:       64,
			NumClasses:      100,
			EmbeddingDim:    128,
			ProjectionDim:   2048,
			PredictorHidden: 512,
			ProjectorLayers: 3,
			QueueCapacity:   64,
		},
		Loss: LossConfig{
			Temperature:     0.07,
			BaseTemperature: 0.07,
			ContrastMode:    string(training.ContrastAll),
			Alignment:       string(training.AlignSimplified),
			UseMemory:       true,
			Weights:         training.ObjectiveWeights{CrossEntropy: 1, Contrastive: 1, Alignment: 1},
		},
		Optimizer: optimizer.SGDConfig{
			LearningRate: 0.05,
			Momentum:     0.9,
			WeightDecay:  5e-4,
		},
		Probe: ProbeConfig{
			Epochs:    1,
			Steps:     4,
			BatchSize: 4,
			ImageSize: 32,
			LogLevel:  "info",
		},
	}
}

// Load loads configuration from a file. Missing fields keep their defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadOrDefault loads config from path, or returns default if not found.
func LoadOrDefault(path string) (*Config, error) {
	if path == "" {
		return Default(), nil
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return Default(), nil
	}
	return Load(path)
}

// Save saves configuration to a file.
func (c *Config) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// Validate checks every field that can be checked without building the
// network.
func (c *Config) Validate() error {
	if _, err := tensor.ParseDevice(c.Device); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}

	m := c.Model
	if _, err := network.BackboneFor(m.Arch, network.BackboneConfig{}); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	positive := []struct {
		name  string
		value int
	}{
		{"input_channels", m.InputChannels},
		{"stem_width", m.StemWidth},
		{"num_classes", m.NumClasses},
		{"embedding_dim", m.EmbeddingDim},
		{"projection_dim", m.ProjectionDim},
		{"predictor_hidden", m.PredictorHidden},
		{"queue_capacity", m.QueueCapacity},
	}
	for _, p := range positive {
		if p.value <= 0 {
			return fmt.Errorf("%w: model.%s must be positive, got %d", ErrInvalidConfig, p.name, p.value)
		}
	}
	if m.ProjectorLayers != 2 && m.ProjectorLayers != 3 {
		return fmt.Errorf("%w: model.projector_layers must be 2 or 3, got %d", ErrInvalidConfig, m.ProjectorLayers)
	}

	l := c.Loss
	if l.Temperature <= 0 || l.BaseTemperature <= 0 {
		return fmt.Errorf("%w: temperatures must be positive, got %g and %g", ErrInvalidConfig, l.Temperature, l.BaseTemperature)
	}
	if _, err := training.ParseContrastMode(l.ContrastMode); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	if _, err := training.NewSameSourceLoss(training.AlignmentVersion(l.Alignment)); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	w := l.Weights
	if w.CrossEntropy < 0 || w.Contrastive < 0 || w.Alignment < 0 {
		return fmt.Errorf("%w: loss weights must be non-negative, got %+v", ErrInvalidConfig, w)
	}

	if err := c.Optimizer.Validate(); err != nil {
		return fmt.Errorf("%w: optimizer: %v", ErrInvalidConfig, err)
	}

	p := c.Probe
	if p.Epochs <= 0 || p.Steps <= 0 {
		return fmt.Errorf("%w: probe epochs and steps must be positive", ErrInvalidConfig)
	}
	if p.BatchSize <= 1 {
		// Batch normalization needs more than one value per channel.
		return fmt.Errorf("%w: probe.batch_size must be at least 2, got %d", ErrInvalidConfig, p.BatchSize)
	}
	if p.ImageSize <= 0 {
		return fmt.Errorf("%w: probe.image_size must be positive, got %d", ErrInvalidConfig, p.ImageSize)
	}
	return nil
}

// NetworkConfig converts the model section and seed into a network.Config.
func (c *Config) NetworkConfig() (network.Config, error) {
	m := c.Model
	base := network.BackboneConfig{
		InputChannels:             m.InputChannels,
		StemWidth:                 m.StemWidth,
		ReplaceStrideWithDilation: m.ReplaceStrideWithDilation,
		StemPool:                  m.StemPool,
		ZeroInitResidual:          m.ZeroInitResidual,
	}
	backbone, err := network.BackboneFor(m.Arch, base)
	if err != nil {
		return network.Config{}, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	return network.Config{
		Backbone:        backbone,
		NumClasses:      m.NumClasses,
		EmbeddingDim:    m.EmbeddingDim,
		ProjectionDim:   m.ProjectionDim,
		PredictorHidden: m.PredictorHidden,
		ProjectorLayers: m.ProjectorLayers,
		QueueCapacity:   m.QueueCapacity,
		Seed:            c.Seed,
	}, nil
}

// ObjectiveConfig converts the loss section into a training.ObjectiveConfig.
func (c *Config) ObjectiveConfig() (training.ObjectiveConfig, error) {
	l := c.Loss
	mode, err := training.ParseContrastMode(l.ContrastMode)
	if err != nil {
		return training.ObjectiveConfig{}, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	return training.ObjectiveConfig{
		SupCon: training.SupConConfig{
			Temperature:         l.Temperature,
			BaseTemperature:     l.BaseTemperature,
			Mode:                mode,
			ExcludeSiblingViews: l.ExcludeSiblingViews,
		},
		Alignment: training.AlignmentVersion(l.Alignment),
		Weights:   l.Weights,
		UseMemory: l.UseMemory,
	}, nil
}

// ResolveDevice maps the device field to a tensor device. Kernels only run on
// the host, so a GPU request resolves to CPU with fellBack set and "auto"
// resolves to CPU silently.
func (c *Config) ResolveDevice() (device tensor.DeviceType, fellBack bool) {
	requested, err := tensor.ParseDevice(c.Device)
	if err == nil && requested == tensor.GPU {
		return tensor.CPU, true
	}
	return tensor.CPU, false
}
