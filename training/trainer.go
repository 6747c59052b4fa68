package training

import (
	"fmt"

	"github.com/tsawler/go-selfdistill/network"
	"github.com/tsawler/go-selfdistill/optimizer"
	"github.com/tsawler/go-selfdistill/tensor"
)

// Trainer runs optimization steps of a DistillObjective on a network. SGD
// updates the parameters that network.SelfDistillNet.Backward reaches.
type Trainer struct {
	model     *network.SelfDistillNet
	objective *DistillObjective
	optimizer *optimizer.SGDOptimizerState
}

// NewTrainer creates a trainer with an SGD optimizer over the model's head
// parameters.
func NewTrainer(model *network.SelfDistillNet, objective *DistillObjective, config optimizer.SGDConfig) (*Trainer, error) {
	if model == nil || objective == nil {
		return nil, fmt.Errorf("trainer needs a model and an objective")
	}
	opt, err := optimizer.NewSGDOptimizer(config, model.HeadParameters())
	if err != nil {
		return nil, fmt.Errorf("failed to create optimizer: %w", err)
	}
	return &Trainer{model: model, objective: objective, optimizer: opt}, nil
}

// StepResult is the outcome of one training step.
type StepResult struct {
	Output    *network.Output
	Objective *ObjectiveResult
}

// TrainStep runs a training-mode forward pass on a two-crop batch, evaluates
// the objective, backpropagates it and applies one SGD update.
func (t *Trainer) TrainStep(x *tensor.Tensor, labels []int32) (*StepResult, error) {
	out, err := t.model.Forward(x, labels, true)
	if err != nil {
		return nil, err
	}
	res, err := t.objective.Compute(out, labels)
	if err != nil {
		return nil, err
	}

	t.optimizer.ZeroGrad()
	if err := t.model.Backward(out, res.Gradients()); err != nil {
		return nil, fmt.Errorf("backward: %w", err)
	}
	if err := t.optimizer.Step(); err != nil {
		return nil, fmt.Errorf("optimizer step: %w", err)
	}
	return &StepResult{Output: out, Objective: res}, nil
}

// Optimizer returns the optimizer, e.g. to adjust its learning rate.
func (t *Trainer) Optimizer() *optimizer.SGDOptimizerState {
	return t.optimizer
}
