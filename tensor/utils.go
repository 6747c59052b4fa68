package tensor

import (
	"fmt"
	"math"
	"strings"
)

func (t *Tensor) Clone() (*Tensor, error) {
	clone := &Tensor{
		Shape:    make([]int, len(t.Shape)),
		Strides:  make([]int, len(t.Strides)),
		DType:    t.DType,
		Device:   t.Device,
		NumElems: t.NumElems,
	}

	copy(clone.Shape, t.Shape)
	copy(clone.Strides, t.Strides)

	switch t.DType {
	case Float32:
		if t.Data == nil {
			return nil, fmt.Errorf("tensor has nil data")
		}
		data := t.Data.([]float32)
		cloneData := make([]float32, len(data))
		copy(cloneData, data)
		clone.Data = cloneData
	case Int32:
		if t.Data == nil {
			return nil, fmt.Errorf("tensor has nil data")
		}
		data := t.Data.([]int32)
		cloneData := make([]int32, len(data))
		copy(cloneData, data)
		clone.Data = cloneData
	default:
		return nil, fmt.Errorf("unsupported dtype for Clone: %s", t.DType)
	}

	return clone, nil
}

// MustClone is Clone for tensors known to be well formed.
func (t *Tensor) MustClone() *Tensor {
	c, err := t.Clone()
	if err != nil {
		panic(fmt.Sprintf("clone failed: %v", err))
	}
	return c
}

func (t *Tensor) GetFloat32Data() ([]float32, error) {
	if t.DType != Float32 {
		return nil, fmt.Errorf("tensor dtype is %s, not Float32", t.DType)
	}
	return t.Data.([]float32), nil
}

func (t *Tensor) GetInt32Data() ([]int32, error) {
	if t.DType != Int32 {
		return nil, fmt.Errorf("tensor dtype is %s, not Int32", t.DType)
	}
	return t.Data.([]int32), nil
}

func (t *Tensor) Item() (interface{}, error) {
	if t.NumElems != 1 {
		return nil, fmt.Errorf("item() can only be called on tensors with exactly one element, got %d", t.NumElems)
	}

	switch t.DType {
	case Float32:
		return t.Data.([]float32)[0], nil
	case Int32:
		return t.Data.([]int32)[0], nil
	default:
		return nil, fmt.Errorf("unsupported dtype for Item: %s", t.DType)
	}
}

func (t *Tensor) At(indices ...int) (interface{}, error) {
	if len(indices) != len(t.Shape) {
		return nil, fmt.Errorf("expected %d indices, got %d", len(t.Shape), len(indices))
	}

	for i, idx := range indices {
		if idx < 0 || idx >= t.Shape[i] {
			return nil, fmt.Errorf("index %d out of bounds for dimension %d (size %d)", idx, i, t.Shape[i])
		}
	}

	linearIndex := getIndex(indices, t.Strides)
	switch t.DType {
	case Float32:
		return t.Data.([]float32)[linearIndex], nil
	case Int32:
		return t.Data.([]int32)[linearIndex], nil
	default:
		return nil, fmt.Errorf("unsupported dtype for At: %s", t.DType)
	}
}

func (t *Tensor) Size() []int {
	result := make([]int, len(t.Shape))
	copy(result, t.Shape)
	return result
}

func (t *Tensor) Numel() int {
	return t.NumElems
}

func (t *Tensor) Dim() int {
	return len(t.Shape)
}

func (t *Tensor) Equal(other *Tensor) (bool, error) {
	if t.DType != other.DType || !shapesEqual(t.Shape, other.Shape) {
		return false, nil
	}

	switch t.DType {
	case Float32:
		data1 := t.Data.([]float32)
		data2 := other.Data.([]float32)
		for i := 0; i < t.NumElems; i++ {
			if data1[i] != data2[i] {
				return false, nil
			}
		}
	case Int32:
		data1 := t.Data.([]int32)
		data2 := other.Data.([]int32)
		for i := 0; i < t.NumElems; i++ {
			if data1[i] != data2[i] {
				return false, nil
			}
		}
	default:
		return false, fmt.Errorf("unsupported dtype for Equal: %s", t.DType)
	}

	return true, nil
}

// AllClose reports whether two Float32 tensors agree element-wise within tol.
func (t *Tensor) AllClose(other *Tensor, tol float64) bool {
	if t.DType != Float32 || other.DType != Float32 || !shapesEqual(t.Shape, other.Shape) {
		return false
	}
	a := t.Data.([]float32)
	b := other.Data.([]float32)
	for i := range a {
		if math.Abs(float64(a[i]-b[i])) > tol {
			return false
		}
	}
	return true
}

// ToDevice relabels a copy of t for the target device.
func (t *Tensor) ToDevice(device DeviceType) (*Tensor, error) {
	if device != CPU && device != GPU {
		return nil, fmt.Errorf("invalid device type: %v (valid types: CPU, GPU)", device)
	}
	if t.Device == device {
		return t, nil
	}
	result, err := t.Clone()
	if err != nil {
		return nil, err
	}
	result.Device = device
	return result, nil
}

func (t *Tensor) PrintData(maxElements int) string {
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("Tensor(shape=%v, dtype=%s)\n", t.Shape, t.DType))

	limit := t.NumElems
	if maxElements > 0 && limit > maxElements {
		limit = maxElements
	}

	sb.WriteString("[")
	for i := 0; i < limit; i++ {
		if i > 0 {
			sb.WriteString(", ")
		}
		switch t.DType {
		case Float32:
			sb.WriteString(fmt.Sprintf("%.4f", t.Data.([]float32)[i]))
		case Int32:
			sb.WriteString(fmt.Sprintf("%d", t.Data.([]int32)[i]))
		}
	}
	if limit < t.NumElems {
		sb.WriteString(fmt.Sprintf(", ... (%d more)", t.NumElems-limit))
	}
	sb.WriteString("]")
	return sb.String()
}

func FromScalar(value float64, dtype DType, device DeviceType) *Tensor {
	var data interface{}
	switch dtype {
	case Int32:
		data = []int32{int32(value)}
	default:
		dtype = Float32
		data = []float32{float32(value)}
	}
	t, err := NewTensor([]int{1}, dtype, device, data)
	if err != nil {
		panic(fmt.Sprintf("failed to create scalar tensor: %v", err))
	}
	return t
}
