// Package optimizer updates module parameters from their accumulated
// gradients.
package optimizer

import (
	"fmt"

	"github.com/tsawler/go-selfdistill/layers"
)

// SGDOptimizerState holds SGD hyperparameters and per-parameter momentum
type SGDOptimizerState struct {
	// Hyperparameters
	LearningRate float32
	Momentum     float32 // Momentum coefficient (0 for vanilla SGD)
	WeightDecay  float32 // L2 regularization coefficient
	Nesterov     bool    // Whether to use Nesterov momentum

	// MomentumBuffers[i] belongs to params[i]; nil until its first step.
	MomentumBuffers [][]float32

	// Step tracking
	StepCount uint64

	params []*layers.Parameter
}

// SGDConfig holds configuration for SGD optimizer
type SGDConfig struct {
	LearningRate float32 `yaml:"learning_rate" json:"learning_rate"`
	Momentum     float32 `yaml:"momentum" json:"momentum"`
	WeightDecay  float32 `yaml:"weight_decay" json:"weight_decay"`
	Nesterov     bool    `yaml:"nesterov" json:"nesterov"`
}

// DefaultSGDConfig returns default SGD optimizer configuration
func DefaultSGDConfig() SGDConfig {
	return SGDConfig{
		LearningRate: 0.01,
		Momentum:     0.0,
		WeightDecay:  0.0,
		Nesterov:     false,
	}
}

// Validate checks the hyperparameter ranges.
func (c SGDConfig) Validate() error {
	if c.LearningRate < 0 {
		return fmt.Errorf("learning rate cannot be negative: %f", c.LearningRate)
	}
	if c.Momentum < 0 {
		return fmt.Errorf("momentum cannot be negative: %f", c.Momentum)
	}
	if c.Momentum > 1.0 {
		return fmt.Errorf("momentum cannot be greater than 1.0: %f", c.Momentum)
	}
	if c.WeightDecay < 0 {
		return fmt.Errorf("weight decay cannot be negative: %f", c.WeightDecay)
	}
	if c.Nesterov && c.Momentum == 0 {
		return fmt.Errorf("nesterov momentum requires a positive momentum")
	}
	return nil
}

// NewSGDOptimizer creates an optimizer over the trainable parameters of
// params that carry a gradient. Others are ignored.
func NewSGDOptimizer(config SGDConfig, params []*layers.Parameter) (*SGDOptimizerState, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}

	var tracked []*layers.Parameter
	for _, p := range params {
		if !p.Trainable || p.Grad == nil {
			continue
		}
		if p.Grad.NumElems != p.Value.NumElems {
			return nil, fmt.Errorf("parameter %s: gradient has %d values, weight has %d", p.Name, p.Grad.NumElems, p.Value.NumElems)
		}
		tracked = append(tracked, p)
	}
	if len(tracked) == 0 {
		return nil, fmt.Errorf("no trainable parameters with gradients provided")
	}

	return &SGDOptimizerState{
		LearningRate:    config.LearningRate,
		Momentum:        config.Momentum,
		WeightDecay:     config.WeightDecay,
		Nesterov:        config.Nesterov,
		MomentumBuffers: make([][]float32, len(tracked)),
		params:          tracked,
	}, nil
}

// Step performs a single SGD optimization step:
//
//	g = grad + weight_decay·w
//	buf = momentum·buf + g          (buf = g on the first step)
//	w -= lr · (nesterov ? g + momentum·buf : buf)
func (sgd *SGDOptimizerState) Step() error {
	for i, p := range sgd.params {
		w, err := p.Value.GetFloat32Data()
		if err != nil {
			return fmt.Errorf("parameter %s: %w", p.Name, err)
		}
		grad, err := p.Grad.GetFloat32Data()
		if err != nil {
			return fmt.Errorf("parameter %s gradient: %w", p.Name, err)
		}

		first := sgd.Momentum > 0 && sgd.MomentumBuffers[i] == nil
		if first {
			sgd.MomentumBuffers[i] = make([]float32, len(w))
		}
		buf := sgd.MomentumBuffers[i]
		for j := range w {
			g := grad[j] + sgd.WeightDecay*w[j]
			if sgd.Momentum > 0 {
				if first {
					buf[j] = g
				} else {
					buf[j] = sgd.Momentum*buf[j] + g
				}
				if sgd.Nesterov {
					g += sgd.Momentum * buf[j]
				} else {
					g = buf[j]
				}
			}
			w[j] -= sgd.LearningRate * g
		}
	}
	sgd.StepCount++
	return nil
}

// ZeroGrad clears the gradients of every tracked parameter.
func (sgd *SGDOptimizerState) ZeroGrad() {
	layers.ZeroGrad(sgd.params)
}

// UpdateLearningRate updates the learning rate
func (sgd *SGDOptimizerState) UpdateLearningRate(newLR float32) {
	sgd.LearningRate = newLR
}

// GetStepCount returns the current step count
func (sgd *SGDOptimizerState) GetStepCount() uint64 {
	return sgd.StepCount
}

// NumParameters returns how many parameter tensors the optimizer updates.
func (sgd *SGDOptimizerState) NumParameters() int {
	return len(sgd.params)
}
