package layers

import (
	"fmt"
	"math"
	"math/rand"

	"github.com/tsawler/go-selfdistill/tensor"
)

// denseLayer computes y = x·Wᵀ + b with W stored as [out, in].
type denseLayer struct {
	spec   LayerSpec
	weight *tensor.Tensor
	bias   *tensor.Tensor

	weightGrad *tensor.Tensor
	biasGrad   *tensor.Tensor
	// input of the last training-mode Forward.
	input *tensor.Tensor
}

func newDense(spec LayerSpec, rng *rand.Rand) (*denseLayer, error) {
	if err := requirePositive(spec, "input_size", "output_size"); err != nil {
		return nil, err
	}
	in := getIntParam(spec.Parameters, "input_size", 0)
	out := getIntParam(spec.Parameters, "output_size", 0)

	bound := float32(1.0 / math.Sqrt(float64(in)))
	weight, err := tensor.RandomUniform(rng, []int{out, in}, -bound, bound, tensor.CPU)
	if err != nil {
		return nil, fmt.Errorf("dense %q weight: %v", spec.Name, err)
	}

	d := &denseLayer{spec: spec, weight: weight}
	if d.weightGrad, err = tensor.Zeros([]int{out, in}, tensor.Float32, tensor.CPU); err != nil {
		return nil, err
	}
	if getBoolParam(spec.Parameters, "use_bias", true) {
		d.bias, err = tensor.RandomUniform(rng, []int{out}, -bound, bound, tensor.CPU)
		if err != nil {
			return nil, fmt.Errorf("dense %q bias: %v", spec.Name, err)
		}
		if d.biasGrad, err = tensor.Zeros([]int{out}, tensor.Float32, tensor.CPU); err != nil {
			return nil, err
		}
	}
	return d, nil
}

func (d *denseLayer) Forward(x *tensor.Tensor, training bool) (*tensor.Tensor, error) {
	if len(x.Shape) != 2 {
		return nil, fmt.Errorf("dense %q expects [batch, features], got %v", d.spec.Name, x.Shape)
	}
	d.input = nil
	if training {
		d.input = x
	}
	y, err := tensor.MatMulTransB(x, d.weight)
	if err != nil {
		return nil, fmt.Errorf("dense %q: %v", d.spec.Name, err)
	}
	if d.bias != nil {
		bias := d.bias.Data.([]float32)
		for i := 0; i < y.Shape[0]; i++ {
			row := y.Row(i)
			for j := range row {
				row[j] += bias[j]
			}
		}
	}
	return y, nil
}

// Backward accumulates dW += gᵀ·x and db += Σ g and returns g·W.
func (d *denseLayer) Backward(grad *tensor.Tensor) (*tensor.Tensor, error) {
	if d.input == nil {
		return nil, fmt.Errorf("dense %q: %w", d.spec.Name, ErrNoForwardCache)
	}
	n, out, in := d.input.Shape[0], d.weight.Shape[0], d.weight.Shape[1]
	if len(grad.Shape) != 2 || grad.Shape[0] != n || grad.Shape[1] != out {
		return nil, fmt.Errorf("dense %q: gradient %v does not match output [%d, %d]", d.spec.Name, grad.Shape, n, out)
	}
	g := grad.Data.([]float32)
	tensor.Gemm(true, false, out, in, n, 1, g, d.input.Data.([]float32), 1, d.weightGrad.Data.([]float32))
	if d.biasGrad != nil {
		db := d.biasGrad.Data.([]float32)
		for i := 0; i < n; i++ {
			for j, v := range g[i*out : (i+1)*out] {
				db[j] += v
			}
		}
	}
	return tensor.MatMul(grad, d.weight)
}

func (d *denseLayer) Spec() LayerSpec {
	return withParameterInfo(d.spec, d.Parameters())
}

func (d *denseLayer) Parameters() []*Parameter {
	params := []*Parameter{{Name: "weight", Kind: "weight", Value: d.weight, Trainable: true, Grad: d.weightGrad}}
	if d.bias != nil {
		params = append(params, &Parameter{Name: "bias", Kind: "bias", Value: d.bias, Trainable: true, Grad: d.biasGrad})
	}
	return params
}
