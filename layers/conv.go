package layers

import (
	"fmt"
	"math"
	"math/rand"

	"github.com/tsawler/go-selfdistill/tensor"
)

type conv2DLayer struct {
	spec   LayerSpec
	params tensor.ConvParams
	weight *tensor.Tensor
	bias   *tensor.Tensor
}

func newConv2D(spec LayerSpec, rng *rand.Rand) (*conv2DLayer, error) {
	if err := requirePositive(spec, "input_channels", "output_channels", "kernel_size", "stride", "dilation", "groups"); err != nil {
		return nil, err
	}
	in := getIntParam(spec.Parameters, "input_channels", 0)
	out := getIntParam(spec.Parameters, "output_channels", 0)
	k := getIntParam(spec.Parameters, "kernel_size", 0)
	groups := getIntParam(spec.Parameters, "groups", 1)
	if in%groups != 0 || out%groups != 0 {
		return nil, fmt.Errorf("%w: conv %q channels in=%d out=%d not divisible by groups=%d",
			ErrInvalidLayer, spec.Name, in, out, groups)
	}
	if getIntParam(spec.Parameters, "padding", 0) < 0 {
		return nil, fmt.Errorf("%w: conv %q padding must not be negative", ErrInvalidLayer, spec.Name)
	}

	// Kaiming normal, fan_out mode, ReLU gain.
	std := float32(math.Sqrt(2.0 / float64(out*k*k)))
	weight, err := tensor.RandomNormal(rng, []int{out, in / groups, k, k}, 0, std, tensor.CPU)
	if err != nil {
		return nil, fmt.Errorf("conv %q weight: %v", spec.Name, err)
	}

	c := &conv2DLayer{
		spec: spec,
		params: tensor.ConvParams{
			Stride:   getIntParam(spec.Parameters, "stride", 1),
			Padding:  getIntParam(spec.Parameters, "padding", 0),
			Dilation: getIntParam(spec.Parameters, "dilation", 1),
			Groups:   groups,
		},
		weight: weight,
	}
	if getBoolParam(spec.Parameters, "use_bias", false) {
		c.bias, err = tensor.Zeros([]int{out}, tensor.Float32, tensor.CPU)
		if err != nil {
			return nil, err
		}
	}
	return c, nil
}

func (c *conv2DLayer) Forward(x *tensor.Tensor, training bool) (*tensor.Tensor, error) {
	y, err := tensor.Conv2D(x, c.weight, c.bias, c.params)
	if err != nil {
		return nil, fmt.Errorf("conv %q: %v", c.spec.Name, err)
	}
	return y, nil
}

func (c *conv2DLayer) Spec() LayerSpec {
	return withParameterInfo(c.spec, c.Parameters())
}

func (c *conv2DLayer) Parameters() []*Parameter {
	params := []*Parameter{{Name: "weight", Kind: "weight", Value: c.weight, Trainable: true}}
	if c.bias != nil {
		params = append(params, &Parameter{Name: "bias", Kind: "bias", Value: c.bias, Trainable: true})
	}
	return params
}
