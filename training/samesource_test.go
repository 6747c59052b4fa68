package training

import (
	"errors"
	"math"
	"math/rand"
	"testing"

	"github.com/tsawler/go-selfdistill/tensor"
)

func TestSameSourceLoss(t *testing.T) {
	p, _ := tensor.NewTensor([]int{2, 3}, tensor.Float32, tensor.CPU, []float32{1, 2, 3, -1, 0.5, 4})
	z, _ := tensor.NewTensor([]int{2, 3}, tensor.Float32, tensor.CPU, []float32{1, 2, 3, -1, 0.5, 4})

	for _, version := range []AlignmentVersion{AlignOriginal, AlignSimplified} {
		t.Run(string(version), func(t *testing.T) {
			loss, err := NewSameSourceLoss(version)
			if err != nil {
				t.Fatalf("NewSameSourceLoss failed: %v", err)
			}

			out, err := loss.Forward(p, z)
			if err != nil {
				t.Fatalf("Forward failed: %v", err)
			}
			if v := out.Data.([]float32)[0]; math.Abs(float64(v)+1) > 1e-6 {
				t.Errorf("Expected -1 for identical inputs, got %f", v)
			}

			// Scaling p does not change the cosine.
			scaled, _ := tensor.Scale(p, 3)
			v, _ := loss.Value(scaled, z)
			if math.Abs(v+1) > 1e-6 {
				t.Errorf("Expected scale invariance, got %f", v)
			}

			grad, err := loss.Backward(p, z)
			if err != nil {
				t.Fatalf("Backward failed: %v", err)
			}
			for i, g := range grad.Data.([]float32) {
				if math.Abs(float64(g)) > 1e-6 {
					t.Errorf("Gradient[%d] should vanish at the optimum, got %f", i, g)
				}
			}
		})
	}

	t.Run("orthogonal", func(t *testing.T) {
		a, _ := tensor.NewTensor([]int{1, 2}, tensor.Float32, tensor.CPU, []float32{1, 0})
		b, _ := tensor.NewTensor([]int{1, 2}, tensor.Float32, tensor.CPU, []float32{0, 5})
		loss, _ := NewSameSourceLoss("")
		v, err := loss.Value(a, b)
		if err != nil {
			t.Fatalf("Value failed: %v", err)
		}
		if math.Abs(v) > 1e-9 {
			t.Errorf("Expected 0 for orthogonal inputs, got %f", v)
		}
	})

	t.Run("unknown version", func(t *testing.T) {
		if _, err := NewSameSourceLoss("fast"); !errors.Is(err, ErrUnknownAlignmentVersion) {
			t.Errorf("Expected ErrUnknownAlignmentVersion, got %v", err)
		}
	})
}

func TestSameSourceGradient(t *testing.T) {
	rng := rand.New(rand.NewSource(9))
	p, _ := tensor.RandomNormal(rng, []int{3, 4}, 0, 1, tensor.CPU)
	z, _ := tensor.RandomNormal(rng, []int{3, 4}, 0, 1, tensor.CPU)

	for _, version := range []AlignmentVersion{AlignOriginal, AlignSimplified} {
		t.Run(string(version), func(t *testing.T) {
			loss, _ := NewSameSourceLoss(version)
			grad, err := loss.Backward(p, z)
			if err != nil {
				t.Fatalf("Backward failed: %v", err)
			}
			const h = 1e-3
			data := p.Data.([]float32)
			for i := range data {
				orig := data[i]
				data[i] = orig + h
				up, _ := loss.Value(p, z)
				data[i] = orig - h
				down, _ := loss.Value(p, z)
				data[i] = orig

				numeric := (up - down) / (2 * h)
				if analytic := float64(grad.Data.([]float32)[i]); math.Abs(numeric-analytic) > 1e-3 {
					t.Errorf("Element %d: analytic %.6f, numeric %.6f", i, analytic, numeric)
				}
			}
		})
	}
}
