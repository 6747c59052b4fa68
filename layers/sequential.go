package layers

import (
	"fmt"
	"strings"

	"github.com/tsawler/go-selfdistill/tensor"
)

// Container is a module composed of named children. Describe walks
// containers instead of listing them as leaves.
type Container interface {
	Module
	Children() []Module
}

// CollectParameters gathers the parameters of children, qualified by each
// child's name.
func CollectParameters(children ...Module) []*Parameter {
	var params []*Parameter
	for _, m := range children {
		if m == nil {
			continue
		}
		params = append(params, Prefix(m.Spec().Name, m.Parameters())...)
	}
	return params
}

// SequentialModule runs child modules in order.
type SequentialModule struct {
	name    string
	modules []Module
}

// NewSequential creates a named container over modules.
func NewSequential(name string, modules ...Module) *SequentialModule {
	return &SequentialModule{name: name, modules: modules}
}

// Append adds modules to the end of the chain.
func (s *SequentialModule) Append(modules ...Module) *SequentialModule {
	s.modules = append(s.modules, modules...)
	return s
}

// Len returns the number of direct children.
func (s *SequentialModule) Len() int {
	return len(s.modules)
}

// Children returns the direct children.
func (s *SequentialModule) Children() []Module {
	return s.modules
}

func (s *SequentialModule) Forward(x *tensor.Tensor, training bool) (*tensor.Tensor, error) {
	var err error
	for _, m := range s.modules {
		x, err = m.Forward(x, training)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", s.name, err)
		}
	}
	return x, nil
}

// Backward runs the children's backward passes in reverse order.
func (s *SequentialModule) Backward(grad *tensor.Tensor) (*tensor.Tensor, error) {
	var err error
	for i := len(s.modules) - 1; i >= 0; i-- {
		if grad, err = Backward(s.modules[i], grad); err != nil {
			return nil, fmt.Errorf("%s: %w", s.name, err)
		}
	}
	return grad, nil
}

func (s *SequentialModule) Spec() LayerSpec {
	return withParameterInfo(LayerSpec{
		Type:       Sequential,
		Name:       s.name,
		Parameters: map[string]interface{}{"children": len(s.modules)},
	}, s.Parameters())
}

func (s *SequentialModule) Parameters() []*Parameter {
	return CollectParameters(s.modules...)
}

// Prefix qualifies parameter names with a module name. Values are shared.
func Prefix(prefix string, params []*Parameter) []*Parameter {
	if prefix == "" {
		return params
	}
	out := make([]*Parameter, len(params))
	for i, p := range params {
		q := *p
		q.Name = prefix + "." + p.Name
		out[i] = &q
	}
	return out
}

// ModelSpec summarizes a module tree as a flat list of leaf layers.
type ModelSpec struct {
	Name            string      `json:"name"`
	Layers          []LayerSpec `json:"layers"`
	TotalParameters int64       `json:"total_parameters"`
	InputShape      []int       `json:"input_shape"`
}

// Describe walks m and records every leaf layer under its qualified name.
func Describe(name string, inputShape []int, m Module) *ModelSpec {
	ms := &ModelSpec{Name: name, InputShape: inputShape}
	var walk func(prefix string, m Module)
	walk = func(prefix string, m Module) {
		spec := m.Spec()
		qualified := spec.Name
		if prefix != "" {
			qualified = prefix + "." + spec.Name
		}
		if c, ok := m.(Container); ok {
			for _, child := range c.Children() {
				walk(qualified, child)
			}
			return
		}
		spec.Name = qualified
		ms.Layers = append(ms.Layers, spec)
		ms.TotalParameters += spec.ParameterCount
	}
	walk("", m)
	return ms
}

// Summary returns a human-readable model summary
func (ms *ModelSpec) Summary() string {
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("Model Summary: %s\n", ms.Name))
	sb.WriteString(fmt.Sprintf("Input Shape: %v\n", ms.InputShape))
	sb.WriteString(fmt.Sprintf("Total Parameters: %d\n", ms.TotalParameters))
	sb.WriteString(fmt.Sprintf("Layers: %d\n", len(ms.Layers)))
	for i, layer := range ms.Layers {
		sb.WriteString(fmt.Sprintf("Layer %d: %s (%s) params=%d\n", i+1, layer.Name, layer.Type.String(), layer.ParameterCount))
	}
	return sb.String()
}
