package layers

import (
	"fmt"

	"github.com/tsawler/go-selfdistill/tensor"
)

type activation struct {
	spec LayerSpec
	// output of the last training-mode Forward.
	output *tensor.Tensor
}

func (a *activation) Forward(x *tensor.Tensor, training bool) (*tensor.Tensor, error) {
	var y *tensor.Tensor
	var err error
	switch a.spec.Type {
	case ReLU:
		y, err = tensor.ReLU(x)
	case Sigmoid:
		y, err = tensor.Sigmoid(x)
	default:
		return nil, fmt.Errorf("unsupported activation %s", a.spec.Type)
	}
	a.output = nil
	if err == nil && training {
		a.output = y
	}
	return y, err
}

// Backward uses the cached output: ReLU passes g where y > 0, Sigmoid
// scales g by y(1-y).
func (a *activation) Backward(grad *tensor.Tensor) (*tensor.Tensor, error) {
	if a.output == nil {
		return nil, fmt.Errorf("%s %q: %w", a.spec.Type, a.spec.Name, ErrNoForwardCache)
	}
	if !sameShape(grad.Shape, a.output.Shape) {
		return nil, fmt.Errorf("%s %q: gradient %v does not match output %v", a.spec.Type, a.spec.Name, grad.Shape, a.output.Shape)
	}
	result, err := tensor.Zeros(grad.Shape, tensor.Float32, grad.Device)
	if err != nil {
		return nil, err
	}
	g, y, dx := grad.Data.([]float32), a.output.Data.([]float32), result.Data.([]float32)
	for i, v := range g {
		if a.spec.Type == ReLU {
			if y[i] > 0 {
				dx[i] = v
			}
		} else {
			dx[i] = v * y[i] * (1 - y[i])
		}
	}
	return result, nil
}

func (a *activation) Spec() LayerSpec           { return a.spec }
func (a *activation) Parameters() []*Parameter { return nil }

type maxPool struct {
	spec                    LayerSpec
	kernel, stride, padding int
}

func newMaxPool(spec LayerSpec) (*maxPool, error) {
	if err := requirePositive(spec, "kernel_size", "stride"); err != nil {
		return nil, err
	}
	return &maxPool{
		spec:    spec,
		kernel:  getIntParam(spec.Parameters, "kernel_size", 0),
		stride:  getIntParam(spec.Parameters, "stride", 0),
		padding: getIntParam(spec.Parameters, "padding", 0),
	}, nil
}

func (m *maxPool) Forward(x *tensor.Tensor, training bool) (*tensor.Tensor, error) {
	return tensor.MaxPool2D(x, m.kernel, m.stride, m.padding)
}

func (m *maxPool) Spec() LayerSpec           { return m.spec }
func (m *maxPool) Parameters() []*Parameter { return nil }

type globalAvgPool struct {
	spec LayerSpec
}

func (g *globalAvgPool) Forward(x *tensor.Tensor, training bool) (*tensor.Tensor, error) {
	return tensor.GlobalAvgPool2D(x)
}

func (g *globalAvgPool) Spec() LayerSpec           { return g.spec }
func (g *globalAvgPool) Parameters() []*Parameter { return nil }
