package training

import (
	"testing"

	"github.com/tsawler/go-selfdistill/layers"
	"github.com/tsawler/go-selfdistill/optimizer"
)

func trainableValues(params []*layers.Parameter) map[string][]float32 {
	values := make(map[string][]float32)
	for _, p := range params {
		if p.Trainable {
			values[p.Name] = append([]float32(nil), p.Value.Data.([]float32)...)
		}
	}
	return values
}

func sameValues(a, b []float32) bool {
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestTrainStepUpdatesHeads(t *testing.T) {
	net := tinyNetwork(t)
	obj, err := NewDistillObjective(DefaultObjectiveConfig())
	if err != nil {
		t.Fatalf("NewDistillObjective failed: %v", err)
	}
	trainer, err := NewTrainer(net, obj, optimizer.SGDConfig{LearningRate: 0.01})
	if err != nil {
		t.Fatalf("NewTrainer failed: %v", err)
	}
	if n := trainer.Optimizer().NumParameters(); n == 0 {
		t.Fatal("Optimizer tracks no parameters")
	}

	heads := map[string]bool{}
	for _, p := range net.HeadParameters() {
		heads[p.Name] = true
	}
	before := trainableValues(net.Parameters())

	x := twoCropBatch(1, 3)
	labels := []int32{0, 1, 2}
	var first, last float64
	for step := 0; step < 5; step++ {
		result, err := trainer.TrainStep(x, labels)
		if err != nil {
			t.Fatalf("Step %d failed: %v", step, err)
		}
		if step == 0 {
			first = result.Objective.CrossEntropy
		}
		last = result.Objective.CrossEntropy
	}
	if last >= first {
		t.Errorf("Cross entropy should fall on a fixed batch: %.6f -> %.6f", first, last)
	}
	if trainer.Optimizer().GetStepCount() != 5 {
		t.Errorf("Expected 5 optimizer steps, got %d", trainer.Optimizer().GetStepCount())
	}

	after := trainableValues(net.Parameters())
	changed := 0
	for name, v := range before {
		moved := !sameValues(v, after[name])
		if heads[name] && moved {
			changed++
		}
		if !heads[name] && moved {
			t.Errorf("Backbone parameter %s changed", name)
		}
	}
	if changed == 0 {
		t.Error("No head parameter changed")
	}
}

func TestNewTrainerValidation(t *testing.T) {
	net := tinyNetwork(t)
	obj, err := NewDistillObjective(DefaultObjectiveConfig())
	if err != nil {
		t.Fatalf("NewDistillObjective failed: %v", err)
	}
	if _, err := NewTrainer(nil, obj, optimizer.DefaultSGDConfig()); err == nil {
		t.Error("Expected an error for a nil model")
	}
	if _, err := NewTrainer(net, nil, optimizer.DefaultSGDConfig()); err == nil {
		t.Error("Expected an error for a nil objective")
	}
	if _, err := NewTrainer(net, obj, optimizer.SGDConfig{LearningRate: -1}); err == nil {
		t.Error("Expected an error for a negative learning rate")
	}
}

func TestTrainStepSingleSampleBatch(t *testing.T) {
	net := tinyNetwork(t)
	obj, err := NewDistillObjective(DefaultObjectiveConfig())
	if err != nil {
		t.Fatalf("NewDistillObjective failed: %v", err)
	}
	trainer, err := NewTrainer(net, obj, optimizer.DefaultSGDConfig())
	if err != nil {
		t.Fatalf("NewTrainer failed: %v", err)
	}
	// Two crops of one sample give batch norm two rows.
	result, err := trainer.TrainStep(twoCropBatch(4, 1), []int32{2})
	if err != nil {
		t.Fatalf("TrainStep on one sample failed: %v", err)
	}
	if result.Output.Logits.Shape[0] != 2 {
		t.Errorf("Expected 2 logit rows, got %v", result.Output.Logits.Shape)
	}
}
