package tensor

import (
	"fmt"
	"math"
)

func checkCompatibility(t1, t2 *Tensor) error {
	if t1.DType != t2.DType {
		return fmt.Errorf("tensors must have same dtype: %s vs %s", t1.DType, t2.DType)
	}
	if t1.Device != t2.Device {
		return fmt.Errorf("tensors must be on same device: %s vs %s", t1.Device, t2.Device)
	}
	return nil
}

func checkShapesCompatible(shape1, shape2 []int) ([]int, error) {
	if len(shape1) == 0 || len(shape2) == 0 {
		return nil, fmt.Errorf("cannot operate on empty tensors")
	}
	if !shapesEqual(shape1, shape2) {
		return nil, fmt.Errorf("tensor shapes must match: %v vs %v", shape1, shape2)
	}
	return shape1, nil
}

func binaryOp(name string, t1, t2 *Tensor, f32 func(a, b float32) float32, i32 func(a, b int32) int32) (*Tensor, error) {
	if err := checkCompatibility(t1, t2); err != nil {
		return nil, err
	}

	outputShape, err := checkShapesCompatible(t1.Shape, t2.Shape)
	if err != nil {
		return nil, err
	}

	result, err := Zeros(outputShape, t1.DType, t1.Device)
	if err != nil {
		return nil, err
	}

	switch t1.DType {
	case Float32:
		data1 := t1.Data.([]float32)
		data2 := t2.Data.([]float32)
		resultData := result.Data.([]float32)
		for i := 0; i < t1.NumElems; i++ {
			resultData[i] = f32(data1[i], data2[i])
		}
	case Int32:
		if i32 == nil {
			return nil, fmt.Errorf("unsupported dtype for %s: %s", name, t1.DType)
		}
		data1 := t1.Data.([]int32)
		data2 := t2.Data.([]int32)
		resultData := result.Data.([]int32)
		for i := 0; i < t1.NumElems; i++ {
			resultData[i] = i32(data1[i], data2[i])
		}
	default:
		return nil, fmt.Errorf("unsupported dtype for %s: %s", name, t1.DType)
	}

	return result, nil
}

func Add(t1, t2 *Tensor) (*Tensor, error) {
	return binaryOp("Add", t1, t2,
		func(a, b float32) float32 { return a + b },
		func(a, b int32) int32 { return a + b })
}

func Sub(t1, t2 *Tensor) (*Tensor, error) {
	return binaryOp("Sub", t1, t2,
		func(a, b float32) float32 { return a - b },
		func(a, b int32) int32 { return a - b })
}

func Mul(t1, t2 *Tensor) (*Tensor, error) {
	return binaryOp("Mul", t1, t2,
		func(a, b float32) float32 { return a * b },
		func(a, b int32) int32 { return a * b })
}

func Div(t1, t2 *Tensor) (*Tensor, error) {
	if t2.DType == Int32 {
		for _, v := range t2.Data.([]int32) {
			if v == 0 {
				return nil, fmt.Errorf("division by zero")
			}
		}
	}
	return binaryOp("Div", t1, t2,
		func(a, b float32) float32 { return a / b },
		func(a, b int32) int32 { return a / b })
}

// AddInPlace accumulates src into dst. Used for residual connections.
func AddInPlace(dst, src *Tensor) error {
	if err := checkCompatibility(dst, src); err != nil {
		return err
	}
	if _, err := checkShapesCompatible(dst.Shape, src.Shape); err != nil {
		return err
	}
	if dst.DType != Float32 {
		return fmt.Errorf("AddInPlace only supports Float32, got %s", dst.DType)
	}
	d := dst.Data.([]float32)
	s := src.Data.([]float32)
	for i := range d {
		d[i] += s[i]
	}
	return nil
}

func unaryFloatOp(name string, t *Tensor, f func(float64) float64) (*Tensor, error) {
	if t.DType != Float32 {
		return nil, fmt.Errorf("%s only supports Float32 tensors, got %s", name, t.DType)
	}

	result, err := Zeros(t.Shape, t.DType, t.Device)
	if err != nil {
		return nil, err
	}

	data := t.Data.([]float32)
	resultData := result.Data.([]float32)
	for i, v := range data {
		resultData[i] = float32(f(float64(v)))
	}
	return result, nil
}

func ReLU(t *Tensor) (*Tensor, error) {
	return unaryFloatOp("ReLU", t, func(x float64) float64 {
		if x > 0 {
			return x
		}
		return 0
	})
}

// ReLUInPlace clamps negative values to zero without allocating.
func ReLUInPlace(t *Tensor) error {
	if t.DType != Float32 {
		return fmt.Errorf("ReLUInPlace only supports Float32 tensors, got %s", t.DType)
	}
	data := t.Data.([]float32)
	for i, v := range data {
		if v < 0 {
			data[i] = 0
		}
	}
	return nil
}

func Sigmoid(t *Tensor) (*Tensor, error) {
	return unaryFloatOp("Sigmoid", t, func(x float64) float64 {
		return 1.0 / (1.0 + math.Exp(-x))
	})
}

func Exp(t *Tensor) (*Tensor, error) {
	return unaryFloatOp("Exp", t, math.Exp)
}

func Log(t *Tensor) (*Tensor, error) {
	if t.DType == Float32 {
		for _, v := range t.Data.([]float32) {
			if v <= 0 {
				return nil, fmt.Errorf("log of non-positive value: %f", v)
			}
		}
	}
	return unaryFloatOp("Log", t, math.Log)
}

// Scale multiplies every element by s.
func Scale(t *Tensor, s float32) (*Tensor, error) {
	return unaryFloatOp("Scale", t, func(x float64) float64 { return x * float64(s) })
}
