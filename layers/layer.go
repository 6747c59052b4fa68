package layers

import (
	"errors"
	"fmt"
	"math/rand"

	"github.com/tsawler/go-selfdistill/tensor"
)

var (
	// ErrInvalidLayer is returned when a layer specification cannot be built.
	ErrInvalidLayer = errors.New("invalid layer specification")
	// ErrNotDifferentiable is returned by Backward for modules without a
	// backward pass.
	ErrNotDifferentiable = errors.New("module has no backward pass")
	// ErrNoForwardCache is returned when Backward is not preceded by a
	// training-mode Forward.
	ErrNoForwardCache = errors.New("backward needs a preceding training-mode forward")
)

// LayerType represents the type of neural network layer
type LayerType int

const (
	Dense LayerType = iota
	Conv2D
	ReLU
	MaxPool2D
	BatchNorm
	GlobalAvgPool
	Sigmoid
	Sequential
)

func (lt LayerType) String() string {
	switch lt {
	case Dense:
		return "Dense"
	case Conv2D:
		return "Conv2D"
	case ReLU:
		return "ReLU"
	case MaxPool2D:
		return "MaxPool2D"
	case BatchNorm:
		return "BatchNorm"
	case GlobalAvgPool:
		return "GlobalAvgPool"
	case Sigmoid:
		return "Sigmoid"
	case Sequential:
		return "Sequential"
	default:
		return "Unknown"
	}
}

// LayerSpec is the declarative configuration of a single layer.
type LayerSpec struct {
	Type       LayerType              `json:"type"`
	Name       string                 `json:"name"`
	Parameters map[string]interface{} `json:"parameters"`

	ParameterShapes [][]int `json:"parameter_shapes,omitempty"`
	ParameterCount  int64   `json:"parameter_count,omitempty"`
}

// Parameter is a named tensor owned by a module. Running statistics are
// parameters with Trainable=false so they are checkpointed with the weights.
type Parameter struct {
	Name      string
	Kind      string // "weight", "bias", "gamma", "beta", "running_mean", "running_var"
	Value     *tensor.Tensor
	Trainable bool
	// Grad accumulates the gradient of a differentiable module's trainable
	// parameter. It is nil everywhere else.
	Grad *tensor.Tensor
}

// Module is an executable layer. training selects batch statistics for
// normalization layers and enables running-statistic updates.
type Module interface {
	Forward(x *tensor.Tensor, training bool) (*tensor.Tensor, error)
	Spec() LayerSpec
	Parameters() []*Parameter
}

// Differentiable is a module that can propagate a gradient back through its
// most recent Forward. That call must have been in training mode. Backward
// adds parameter gradients into Parameter.Grad and returns the gradient with
// respect to the module input.
type Differentiable interface {
	Module
	Backward(gradOutput *tensor.Tensor) (*tensor.Tensor, error)
}

// Backward runs m's backward pass, or fails with ErrNotDifferentiable.
func Backward(m Module, gradOutput *tensor.Tensor) (*tensor.Tensor, error) {
	d, ok := m.(Differentiable)
	if !ok {
		return nil, fmt.Errorf("%w: %s (%s)", ErrNotDifferentiable, m.Spec().Name, m.Spec().Type)
	}
	return d.Backward(gradOutput)
}

// ZeroGrad clears the accumulated gradient of every parameter that has one.
func ZeroGrad(params []*Parameter) {
	for _, p := range params {
		if p.Grad == nil {
			continue
		}
		g := p.Grad.Data.([]float32)
		for i := range g {
			g[i] = 0
		}
	}
}

// LayerFactory creates layer specifications and builds modules from them
type LayerFactory struct{}

// NewFactory creates a new layer factory
func NewFactory() *LayerFactory {
	return &LayerFactory{}
}

// CreateDenseSpec creates a dense layer specification
func (lf *LayerFactory) CreateDenseSpec(inputSize, outputSize int, useBias bool, name string) LayerSpec {
	return LayerSpec{
		Type: Dense,
		Name: name,
		Parameters: map[string]interface{}{
			"input_size":  inputSize,
			"output_size": outputSize,
			"use_bias":    useBias,
		},
	}
}

// CreateConv2DSpec creates a Conv2D layer specification
func (lf *LayerFactory) CreateConv2DSpec(
	inputChannels, outputChannels, kernelSize, stride, padding int,
	useBias bool, name string,
) LayerSpec {
	return lf.CreateGroupedConv2DSpec(inputChannels, outputChannels, kernelSize, stride, padding, 1, 1, useBias, name)
}

// CreateGroupedConv2DSpec creates a Conv2D specification with dilation and
// channel groups. groups == inputChannels gives a depthwise convolution.
func (lf *LayerFactory) CreateGroupedConv2DSpec(
	inputChannels, outputChannels, kernelSize, stride, padding, dilation, groups int,
	useBias bool, name string,
) LayerSpec {
	return LayerSpec{
		Type: Conv2D,
		Name: name,
		Parameters: map[string]interface{}{
			"input_channels":  inputChannels,
			"output_channels": outputChannels,
			"kernel_size":     kernelSize,
			"stride":          stride,
			"padding":         padding,
			"dilation":        dilation,
			"groups":          groups,
			"use_bias":        useBias,
		},
	}
}

// CreateReLUSpec creates a ReLU activation specification
func (lf *LayerFactory) CreateReLUSpec(name string) LayerSpec {
	return LayerSpec{
		Type:       ReLU,
		Name:       name,
		Parameters: map[string]interface{}{},
	}
}

// CreateSigmoidSpec creates a Sigmoid activation specification
func (lf *LayerFactory) CreateSigmoidSpec(name string) LayerSpec {
	return LayerSpec{
		Type:       Sigmoid,
		Name:       name,
		Parameters: map[string]interface{}{},
	}
}

// CreateMaxPool2DSpec creates a max pooling specification
func (lf *LayerFactory) CreateMaxPool2DSpec(kernelSize, stride, padding int, name string) LayerSpec {
	return LayerSpec{
		Type: MaxPool2D,
		Name: name,
		Parameters: map[string]interface{}{
			"kernel_size": kernelSize,
			"stride":      stride,
			"padding":     padding,
		},
	}
}

// CreateGlobalAvgPoolSpec creates an adaptive 1x1 average pool that flattens to [N, C]
func (lf *LayerFactory) CreateGlobalAvgPoolSpec(name string) LayerSpec {
	return LayerSpec{
		Type:       GlobalAvgPool,
		Name:       name,
		Parameters: map[string]interface{}{},
	}
}

// CreateBatchNormSpec creates a Batch Normalization layer specification
func (lf *LayerFactory) CreateBatchNormSpec(numFeatures int, eps float32, momentum float32, affine bool, name string) LayerSpec {
	return LayerSpec{
		Type: BatchNorm,
		Name: name,
		Parameters: map[string]interface{}{
			"num_features":        numFeatures,
			"eps":                 eps,
			"momentum":            momentum,
			"affine":              affine,
			"track_running_stats": true,
		},
	}
}

// Build validates spec and instantiates its module. Weights are drawn from rng.
func (lf *LayerFactory) Build(spec LayerSpec, rng *rand.Rand) (Module, error) {
	switch spec.Type {
	case Dense:
		return newDense(spec, rng)
	case Conv2D:
		return newConv2D(spec, rng)
	case BatchNorm:
		return newBatchNorm(spec)
	case ReLU, Sigmoid:
		return &activation{spec: spec}, nil
	case MaxPool2D:
		return newMaxPool(spec)
	case GlobalAvgPool:
		return &globalAvgPool{spec: spec}, nil
	default:
		return nil, fmt.Errorf("%w: unsupported layer type %s", ErrInvalidLayer, spec.Type.String())
	}
}

// MustBuild is Build for specifications assembled by this module's own constructors.
func (lf *LayerFactory) MustBuild(spec LayerSpec, rng *rand.Rand) Module {
	m, err := lf.Build(spec, rng)
	if err != nil {
		panic(err)
	}
	return m
}

func getIntParam(params map[string]interface{}, key string, defaultValue int) int {
	if val, exists := params[key]; exists {
		if intVal, ok := val.(int); ok {
			return intVal
		}
	}
	return defaultValue
}

func getBoolParam(params map[string]interface{}, key string, defaultValue bool) bool {
	if val, exists := params[key]; exists {
		if boolVal, ok := val.(bool); ok {
			return boolVal
		}
	}
	return defaultValue
}

func getFloatParam(params map[string]interface{}, key string, defaultValue float32) float32 {
	if val, exists := params[key]; exists {
		if floatVal, ok := val.(float32); ok {
			return floatVal
		}
		if floatVal, ok := val.(float64); ok {
			return float32(floatVal)
		}
	}
	return defaultValue
}

func requirePositive(spec LayerSpec, keys ...string) error {
	for _, key := range keys {
		if v := getIntParam(spec.Parameters, key, 0); v <= 0 {
			return fmt.Errorf("%w: layer %q parameter %s must be positive, got %d", ErrInvalidLayer, spec.Name, key, v)
		}
	}
	return nil
}

func sameShape(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func countParameters(params []*Parameter) int64 {
	var n int64
	for _, p := range params {
		if p.Trainable {
			n += int64(p.Value.NumElems)
		}
	}
	return n
}

func withParameterInfo(spec LayerSpec, params []*Parameter) LayerSpec {
	spec.ParameterShapes = nil
	for _, p := range params {
		if p.Trainable {
			spec.ParameterShapes = append(spec.ParameterShapes, p.Value.Size())
		}
	}
	spec.ParameterCount = countParameters(params)
	return spec
}
