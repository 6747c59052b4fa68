package optimizer

import (
	"math"
	"testing"

	"github.com/tsawler/go-selfdistill/layers"
	"github.com/tsawler/go-selfdistill/tensor"
)

func param(name string, w, g []float32) *layers.Parameter {
	value, _ := tensor.NewTensor([]int{len(w)}, tensor.Float32, tensor.CPU, w)
	grad, _ := tensor.NewTensor([]int{len(g)}, tensor.Float32, tensor.CPU, g)
	return &layers.Parameter{Name: name, Kind: "weight", Value: value, Trainable: true, Grad: grad}
}

func assertValues(t *testing.T, got []float32, want ...float64) {
	t.Helper()
	for i, w := range want {
		if math.Abs(float64(got[i])-w) > 1e-6 {
			t.Errorf("Value %d: expected %f, got %f", i, w, got[i])
		}
	}
}

// TestDefaultSGDConfig tests the default SGD configuration
func TestDefaultSGDConfig(t *testing.T) {
	config := DefaultSGDConfig()
	if config.LearningRate != 0.01 || config.Momentum != 0 || config.WeightDecay != 0 || config.Nesterov {
		t.Errorf("Unexpected default config %+v", config)
	}
	if err := config.Validate(); err != nil {
		t.Errorf("Default config should validate, got %v", err)
	}
}

func TestSGDConfigValidation(t *testing.T) {
	tests := []struct {
		name   string
		config SGDConfig
	}{
		{"negative learning rate", SGDConfig{LearningRate: -1}},
		{"negative momentum", SGDConfig{LearningRate: 0.1, Momentum: -0.1}},
		{"momentum above one", SGDConfig{LearningRate: 0.1, Momentum: 1.5}},
		{"negative weight decay", SGDConfig{LearningRate: 0.1, WeightDecay: -1}},
		{"nesterov without momentum", SGDConfig{LearningRate: 0.1, Nesterov: true}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := NewSGDOptimizer(tt.config, []*layers.Parameter{param("w", []float32{1}, []float32{1})}); err == nil {
				t.Error("Expected an error")
			}
		})
	}
}

func TestSGDSkipsParametersWithoutGradients(t *testing.T) {
	frozen := param("frozen", []float32{1}, []float32{1})
	frozen.Trainable = false
	stats := param("stats", []float32{1}, []float32{1})
	stats.Grad = nil

	if _, err := NewSGDOptimizer(DefaultSGDConfig(), []*layers.Parameter{frozen, stats}); err == nil {
		t.Fatal("Expected an error when no parameter can be updated")
	}

	w := param("w", []float32{1}, []float32{1})
	sgd, err := NewSGDOptimizer(DefaultSGDConfig(), []*layers.Parameter{frozen, stats, w})
	if err != nil {
		t.Fatalf("NewSGDOptimizer failed: %v", err)
	}
	if sgd.NumParameters() != 1 {
		t.Fatalf("Expected 1 tracked parameter, got %d", sgd.NumParameters())
	}
	if err := sgd.Step(); err != nil {
		t.Fatalf("Step failed: %v", err)
	}
	assertValues(t, frozen.Value.Data.([]float32), 1)
	assertValues(t, stats.Value.Data.([]float32), 1)
	assertValues(t, w.Value.Data.([]float32), 0.99)
}

func TestSGDStep(t *testing.T) {
	t.Run("vanilla with weight decay", func(t *testing.T) {
		p := param("w", []float32{1, -2}, []float32{0.5, 0.5})
		sgd, _ := NewSGDOptimizer(SGDConfig{LearningRate: 0.1, WeightDecay: 0.1}, []*layers.Parameter{p})
		if err := sgd.Step(); err != nil {
			t.Fatalf("Step failed: %v", err)
		}
		// g = 0.5 + 0.1·w
		assertValues(t, p.Value.Data.([]float32), 1-0.1*0.6, -2-0.1*0.3)
	})

	t.Run("momentum", func(t *testing.T) {
		p := param("w", []float32{0}, []float32{1})
		sgd, _ := NewSGDOptimizer(SGDConfig{LearningRate: 0.1, Momentum: 0.9}, []*layers.Parameter{p})
		sgd.Step() // buf = 1
		sgd.Step() // buf = 1.9
		assertValues(t, p.Value.Data.([]float32), -0.1-0.19)
		if sgd.GetStepCount() != 2 {
			t.Errorf("Expected step count 2, got %d", sgd.GetStepCount())
		}
	})

	t.Run("nesterov", func(t *testing.T) {
		p := param("w", []float32{0}, []float32{1})
		sgd, _ := NewSGDOptimizer(SGDConfig{LearningRate: 0.1, Momentum: 0.5, Nesterov: true}, []*layers.Parameter{p})
		sgd.Step() // buf = 1, update = 1 + 0.5
		assertValues(t, p.Value.Data.([]float32), -0.15)
	})
}

func TestSGDZeroGradAndLearningRate(t *testing.T) {
	p := param("w", []float32{1}, []float32{2})
	sgd, _ := NewSGDOptimizer(DefaultSGDConfig(), []*layers.Parameter{p})
	sgd.ZeroGrad()
	assertValues(t, p.Grad.Data.([]float32), 0)

	p.Grad.Data.([]float32)[0] = 1
	sgd.UpdateLearningRate(0.5)
	sgd.Step()
	assertValues(t, p.Value.Data.([]float32), 0.5)
}
