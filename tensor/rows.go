package tensor

import (
	"fmt"
	"math"
)

// Row returns the backing slice of row i of a 2-D Float32 tensor.
func (t *Tensor) Row(i int) []float32 {
	cols := t.Shape[len(t.Shape)-1]
	return t.Data.([]float32)[i*cols : (i+1)*cols]
}

// SliceRows copies rows [from, to) along the leading dimension.
func SliceRows(t *Tensor, from, to int) (*Tensor, error) {
	if len(t.Shape) == 0 {
		return nil, fmt.Errorf("cannot slice a scalar tensor")
	}
	if from < 0 || to > t.Shape[0] || from >= to {
		return nil, fmt.Errorf("row range [%d, %d) invalid for leading dimension %d", from, to, t.Shape[0])
	}

	rowSize := t.NumElems / t.Shape[0]
	shape := append([]int{to - from}, t.Shape[1:]...)

	switch t.DType {
	case Float32:
		data := make([]float32, (to-from)*rowSize)
		copy(data, t.Data.([]float32)[from*rowSize:to*rowSize])
		return NewTensor(shape, Float32, t.Device, data)
	case Int32:
		data := make([]int32, (to-from)*rowSize)
		copy(data, t.Data.([]int32)[from*rowSize:to*rowSize])
		return NewTensor(shape, Int32, t.Device, data)
	default:
		return nil, fmt.Errorf("unsupported dtype for SliceRows: %s", t.DType)
	}
}

// ConcatRows joins tensors along the leading dimension. Trailing dimensions must agree.
func ConcatRows(ts ...*Tensor) (*Tensor, error) {
	if len(ts) == 0 {
		return nil, fmt.Errorf("ConcatRows requires at least one tensor")
	}
	first := ts[0]
	rows := 0
	for i, t := range ts {
		if err := checkCompatibility(first, t); err != nil {
			return nil, fmt.Errorf("tensor %d: %v", i, err)
		}
		if !shapesEqual(first.Shape[1:], t.Shape[1:]) {
			return nil, fmt.Errorf("tensor %d trailing shape %v does not match %v", i, t.Shape[1:], first.Shape[1:])
		}
		rows += t.Shape[0]
	}
	shape := append([]int{rows}, first.Shape[1:]...)

	switch first.DType {
	case Float32:
		data := make([]float32, 0, calculateNumElements(shape))
		for _, t := range ts {
			data = append(data, t.Data.([]float32)...)
		}
		return NewTensor(shape, Float32, first.Device, data)
	case Int32:
		data := make([]int32, 0, calculateNumElements(shape))
		for _, t := range ts {
			data = append(data, t.Data.([]int32)...)
		}
		return NewTensor(shape, Int32, first.Device, data)
	default:
		return nil, fmt.Errorf("unsupported dtype for ConcatRows: %s", first.DType)
	}
}

// StackViews builds a [batch, views, dim] tensor from per-view [batch, dim] tensors.
func StackViews(views ...*Tensor) (*Tensor, error) {
	if len(views) == 0 {
		return nil, fmt.Errorf("StackViews requires at least one view")
	}
	first := views[0]
	if len(first.Shape) != 2 || first.DType != Float32 {
		return nil, fmt.Errorf("views must be 2-D Float32 tensors, got %v %s", first.Shape, first.DType)
	}
	batch, dim := first.Shape[0], first.Shape[1]
	for i, v := range views {
		if !shapesEqual(v.Shape, first.Shape) || v.DType != Float32 {
			return nil, fmt.Errorf("view %d shape %v does not match %v", i, v.Shape, first.Shape)
		}
	}

	out := make([]float32, batch*len(views)*dim)
	for b := 0; b < batch; b++ {
		for v, view := range views {
			copy(out[(b*len(views)+v)*dim:], view.Row(b))
		}
	}
	return NewTensor([]int{batch, len(views), dim}, Float32, first.Device, out)
}

// L2NormalizeRows divides every row of a 2-D tensor by max(‖row‖₂, eps).
func L2NormalizeRows(t *Tensor, eps float64) (*Tensor, error) {
	if len(t.Shape) != 2 || t.DType != Float32 {
		return nil, fmt.Errorf("L2NormalizeRows requires a 2-D Float32 tensor, got %v %s", t.Shape, t.DType)
	}
	result, err := t.Clone()
	if err != nil {
		return nil, err
	}
	for i := 0; i < t.Shape[0]; i++ {
		row := result.Row(i)
		var sq float64
		for _, v := range row {
			sq += float64(v) * float64(v)
		}
		norm := math.Max(math.Sqrt(sq), eps)
		for j := range row {
			row[j] = float32(float64(row[j]) / norm)
		}
	}
	return result, nil
}

// L2NormalizeRowsBackward maps a gradient with respect to L2NormalizeRows(t,
// eps) back to t. Rows whose norm is below eps were only scaled, so their
// gradient is scaled the same way.
func L2NormalizeRowsBackward(t, grad *Tensor, eps float64) (*Tensor, error) {
	if len(t.Shape) != 2 || t.DType != Float32 || !shapesEqual(t.Shape, grad.Shape) || grad.DType != Float32 {
		return nil, fmt.Errorf("L2NormalizeRowsBackward requires matching 2-D Float32 tensors, got %v and %v", t.Shape, grad.Shape)
	}
	result, err := Zeros(t.Shape, Float32, t.Device)
	if err != nil {
		return nil, err
	}
	for i := 0; i < t.Shape[0]; i++ {
		x, g, dx := t.Row(i), grad.Row(i), result.Row(i)
		var sq float64
		for _, v := range x {
			sq += float64(v) * float64(v)
		}
		norm := math.Sqrt(sq)
		if norm <= eps {
			for j, v := range g {
				dx[j] = float32(float64(v) / eps)
			}
			continue
		}
		var dot float64
		for j, v := range g {
			dot += float64(v) * float64(x[j]) / norm
		}
		for j, v := range g {
			dx[j] = float32((float64(v) - float64(x[j])/norm*dot) / norm)
		}
	}
	return result, nil
}
