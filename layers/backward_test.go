package layers

import (
	"errors"
	"math"
	"math/rand"
	"testing"

	"github.com/tsawler/go-selfdistill/tensor"
)

// weightedSum is Σ y·r, whose gradient with respect to y is r.
func weightedSum(t *testing.T, m Module, x, r *tensor.Tensor) float64 {
	t.Helper()
	y, err := m.Forward(x, true)
	if err != nil {
		t.Fatalf("Forward failed: %v", err)
	}
	var s float64
	for i, v := range y.Data.([]float32) {
		s += float64(v) * float64(r.Data.([]float32)[i])
	}
	return s
}

func closeEnough(analytic, numeric float64) bool {
	return math.Abs(analytic-numeric) <= 2e-3+2e-2*math.Abs(numeric)
}

// checkGradients compares the backward pass of m against central differences
// on every input value and every trainable parameter value.
func checkGradients(t *testing.T, m Module, x *tensor.Tensor) {
	t.Helper()
	rng := rand.New(rand.NewSource(3))
	y, err := m.Forward(x, true)
	if err != nil {
		t.Fatalf("Forward failed: %v", err)
	}
	r, _ := tensor.RandomNormal(rng, y.Shape, 0, 1, tensor.CPU)

	params := m.Parameters()
	ZeroGrad(params)
	dx, err := Backward(m, r)
	if err != nil {
		t.Fatalf("Backward failed: %v", err)
	}
	if !equalInts(dx.Shape, x.Shape) {
		t.Fatalf("Input gradient shape %v, expected %v", dx.Shape, x.Shape)
	}

	const h = 1e-2
	numeric := func(values []float32, i int) float64 {
		orig := values[i]
		values[i] = orig + h
		plus := weightedSum(t, m, x, r)
		values[i] = orig - h
		minus := weightedSum(t, m, x, r)
		values[i] = orig
		return (plus - minus) / (2 * h)
	}

	xs := x.Data.([]float32)
	for i := range xs {
		if n := numeric(xs, i); !closeEnough(float64(dx.Data.([]float32)[i]), n) {
			t.Errorf("Input %d: analytic %f, numeric %f", i, dx.Data.([]float32)[i], n)
		}
	}
	for _, p := range params {
		if !p.Trainable {
			continue
		}
		if p.Grad == nil {
			t.Fatalf("Parameter %s has no gradient", p.Name)
		}
		grad := append([]float32(nil), p.Grad.Data.([]float32)...)
		values := p.Value.Data.([]float32)
		for i := range values {
			if n := numeric(values, i); !closeEnough(float64(grad[i]), n) {
				t.Errorf("Parameter %s[%d]: analytic %f, numeric %f", p.Name, i, grad[i], n)
			}
		}
	}
}

func TestDenseBackward(t *testing.T) {
	factory := NewFactory()
	dense := factory.MustBuild(factory.CreateDenseSpec(3, 2, true, "fc"), newTestRNG())
	x, _ := tensor.RandomNormal(rand.New(rand.NewSource(1)), []int{4, 3}, 0, 1, tensor.CPU)
	checkGradients(t, dense, x)
}

func TestBatchNormBackward(t *testing.T) {
	factory := NewFactory()
	t.Run("features", func(t *testing.T) {
		bn := factory.MustBuild(factory.CreateBatchNormSpec(3, 1e-5, 0.1, true, "bn"), newTestRNG())
		FillScale(bn, 1.5)
		x, _ := tensor.RandomNormal(rand.New(rand.NewSource(2)), []int{5, 3}, 0, 1, tensor.CPU)
		checkGradients(t, bn, x)
	})
	t.Run("feature maps", func(t *testing.T) {
		bn := factory.MustBuild(factory.CreateBatchNormSpec(2, 1e-5, 0.1, false, "bn"), newTestRNG())
		x, _ := tensor.RandomNormal(rand.New(rand.NewSource(4)), []int{2, 2, 2, 2}, 0, 1, tensor.CPU)
		checkGradients(t, bn, x)
	})
}

func TestSequentialBackward(t *testing.T) {
	factory := NewFactory()
	rng := newTestRNG()
	seq := NewSequential("head",
		factory.MustBuild(factory.CreateDenseSpec(3, 4, true, "0"), rng),
		factory.MustBuild(factory.CreateBatchNormSpec(4, 1e-5, 0.1, true, "1"), rng),
		factory.MustBuild(factory.CreateSigmoidSpec("2"), rng),
		factory.MustBuild(factory.CreateDenseSpec(4, 2, true, "3"), rng))
	x, _ := tensor.RandomNormal(rand.New(rand.NewSource(5)), []int{6, 3}, 0, 1, tensor.CPU)
	checkGradients(t, seq, x)
}

func TestReLUBackwardMasksNegatives(t *testing.T) {
	factory := NewFactory()
	relu := factory.MustBuild(factory.CreateReLUSpec("relu"), newTestRNG())
	x, _ := tensor.NewTensor([]int{1, 4}, tensor.Float32, tensor.CPU, []float32{-1, 2, 0, 3})
	relu.Forward(x, true)
	g, _ := tensor.NewTensor([]int{1, 4}, tensor.Float32, tensor.CPU, []float32{5, 6, 7, 8})
	dx, err := Backward(relu, g)
	if err != nil {
		t.Fatalf("Backward failed: %v", err)
	}
	want := []float32{0, 6, 0, 8}
	for i, v := range dx.Data.([]float32) {
		if v != want[i] {
			t.Errorf("Index %d: expected %f, got %f", i, want[i], v)
		}
	}
}

func TestBackwardErrors(t *testing.T) {
	factory := NewFactory()
	rng := newTestRNG()
	dense := factory.MustBuild(factory.CreateDenseSpec(2, 2, true, "fc"), rng)
	x, _ := tensor.Ones([]int{2, 2}, tensor.Float32, tensor.CPU)
	g, _ := tensor.Ones([]int{2, 2}, tensor.Float32, tensor.CPU)

	if _, err := Backward(dense, g); !errors.Is(err, ErrNoForwardCache) {
		t.Errorf("Expected ErrNoForwardCache before any forward, got %v", err)
	}
	dense.Forward(x, true)
	dense.Forward(x, false)
	if _, err := Backward(dense, g); !errors.Is(err, ErrNoForwardCache) {
		t.Errorf("Expected ErrNoForwardCache after an eval forward, got %v", err)
	}
	dense.Forward(x, true)
	bad, _ := tensor.Ones([]int{2, 3}, tensor.Float32, tensor.CPU)
	if _, err := Backward(dense, bad); err == nil {
		t.Error("Expected a shape error")
	}

	conv := factory.MustBuild(factory.CreateConv2DSpec(1, 1, 3, 1, 1, false, "conv"), rng)
	seq := NewSequential("stem", conv)
	if _, err := Backward(seq, g); !errors.Is(err, ErrNotDifferentiable) {
		t.Errorf("Expected ErrNotDifferentiable, got %v", err)
	}
	if conv.Parameters()[0].Grad != nil {
		t.Error("Convolution weights should carry no gradient")
	}
}

func TestZeroGrad(t *testing.T) {
	factory := NewFactory()
	dense := factory.MustBuild(factory.CreateDenseSpec(2, 2, true, "fc"), newTestRNG())
	x, _ := tensor.Ones([]int{3, 2}, tensor.Float32, tensor.CPU)
	g, _ := tensor.Ones([]int{3, 2}, tensor.Float32, tensor.CPU)
	dense.Forward(x, true)
	Backward(dense, g)
	Backward(dense, g)

	params := dense.Parameters()
	// Two backward passes accumulate: db = 2·3.
	if b := params[1].Grad.Data.([]float32)[0]; b != 6 {
		t.Errorf("Expected accumulated bias gradient 6, got %f", b)
	}
	ZeroGrad(params)
	for _, p := range params {
		for _, v := range p.Grad.Data.([]float32) {
			if v != 0 {
				t.Fatalf("%s gradient not cleared", p.Name)
			}
		}
	}
}
