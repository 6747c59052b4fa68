package tensor

import (
	"fmt"
	"math/rand"
)

func NewTensor(shape []int, dtype DType, device DeviceType, data interface{}) (*Tensor, error) {
	if err := validateShape(shape); err != nil {
		return nil, err
	}

	owned := make([]int, len(shape))
	copy(owned, shape)

	tensor := &Tensor{
		Shape:    owned,
		Strides:  calculateStrides(owned),
		DType:    dtype,
		Device:   device,
		NumElems: calculateNumElements(owned),
	}

	if data != nil {
		if err := tensor.setData(data); err != nil {
			return nil, err
		}
	}

	return tensor, nil
}

func (t *Tensor) setData(data interface{}) error {
	switch t.DType {
	case Float32:
		switch d := data.(type) {
		case []float32:
			if len(d) != t.NumElems {
				return fmt.Errorf("data length %d does not match tensor size %d", len(d), t.NumElems)
			}
			t.Data = d
		case float32:
			slice := make([]float32, t.NumElems)
			for i := range slice {
				slice[i] = d
			}
			t.Data = slice
		default:
			return fmt.Errorf("unsupported data type for Float32 tensor: %T", data)
		}
	case Int32:
		switch d := data.(type) {
		case []int32:
			if len(d) != t.NumElems {
				return fmt.Errorf("data length %d does not match tensor size %d", len(d), t.NumElems)
			}
			t.Data = d
		case int32:
			slice := make([]int32, t.NumElems)
			for i := range slice {
				slice[i] = d
			}
			t.Data = slice
		default:
			return fmt.Errorf("unsupported data type for Int32 tensor: %T", data)
		}
	default:
		return fmt.Errorf("unsupported dtype: %s", t.DType)
	}
	return nil
}

func Zeros(shape []int, dtype DType, device DeviceType) (*Tensor, error) {
	if err := validateShape(shape); err != nil {
		return nil, err
	}

	numElems := calculateNumElements(shape)

	var data interface{}
	switch dtype {
	case Float32:
		data = make([]float32, numElems)
	case Int32:
		data = make([]int32, numElems)
	default:
		return nil, fmt.Errorf("unsupported dtype for Zeros: %s", dtype)
	}

	return NewTensor(shape, dtype, device, data)
}

func Ones(shape []int, dtype DType, device DeviceType) (*Tensor, error) {
	switch dtype {
	case Float32:
		return Full(shape, float32(1), dtype, device)
	case Int32:
		return Full(shape, int32(1), dtype, device)
	default:
		return nil, fmt.Errorf("unsupported dtype for Ones: %s", dtype)
	}
}

// RandomNormal draws Float32 values from N(mean, std²) using rng.
func RandomNormal(rng *rand.Rand, shape []int, mean, std float32, device DeviceType) (*Tensor, error) {
	if err := validateShape(shape); err != nil {
		return nil, err
	}
	if rng == nil {
		return nil, fmt.Errorf("RandomNormal requires a random source")
	}

	slice := make([]float32, calculateNumElements(shape))
	for i := range slice {
		slice[i] = float32(rng.NormFloat64())*std + mean
	}

	return NewTensor(shape, Float32, device, slice)
}

// RandomUniform draws Float32 values uniformly from [low, high).
func RandomUniform(rng *rand.Rand, shape []int, low, high float32, device DeviceType) (*Tensor, error) {
	if err := validateShape(shape); err != nil {
		return nil, err
	}
	if rng == nil {
		return nil, fmt.Errorf("RandomUniform requires a random source")
	}

	slice := make([]float32, calculateNumElements(shape))
	for i := range slice {
		slice[i] = low + rng.Float32()*(high-low)
	}

	return NewTensor(shape, Float32, device, slice)
}

func Full(shape []int, value interface{}, dtype DType, device DeviceType) (*Tensor, error) {
	return NewTensor(shape, dtype, device, value)
}

// FromLabels wraps class indices as a 1-D Int32 tensor.
func FromLabels(labels []int32) (*Tensor, error) {
	if len(labels) == 0 {
		return nil, fmt.Errorf("labels must not be empty")
	}
	data := make([]int32, len(labels))
	copy(data, labels)
	return NewTensor([]int{len(labels)}, Int32, CPU, data)
}
