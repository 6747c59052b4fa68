package tensor

import (
	"fmt"

	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas32"
)

func getIndex(indices []int, strides []int) int {
	index := 0
	for i, idx := range indices {
		index += idx * strides[i]
	}
	return index
}

func getIndicesFromLinear(linearIndex int, shape []int) []int {
	indices := make([]int, len(shape))
	for i := len(shape) - 1; i >= 0; i-- {
		indices[i] = linearIndex % shape[i]
		linearIndex /= shape[i]
	}
	return indices
}

// Gemm computes c = alpha * op(a) * op(b) + beta * c on row-major float32
// buffers, where op(a) is m×k and op(b) is k×n.
func Gemm(transA, transB bool, m, n, k int, alpha float32, a, b []float32, beta float32, c []float32) {
	ga := blas32.General{Rows: m, Cols: k, Stride: k, Data: a}
	if transA {
		ga = blas32.General{Rows: k, Cols: m, Stride: m, Data: a}
	}
	gb := blas32.General{Rows: k, Cols: n, Stride: n, Data: b}
	if transB {
		gb = blas32.General{Rows: n, Cols: k, Stride: k, Data: b}
	}
	gc := blas32.General{Rows: m, Cols: n, Stride: n, Data: c}
	blas32.Gemm(toTranspose(transA), toTranspose(transB), alpha, ga, gb, beta, gc)
}

func toTranspose(t bool) blas.Transpose {
	if t {
		return blas.Trans
	}
	return blas.NoTrans
}

// MatMul multiplies two 2-D Float32 tensors.
func MatMul(t1, t2 *Tensor) (*Tensor, error) {
	return matMul(t1, t2, false)
}

// MatMulTransB computes t1 · t2ᵀ, the layout used by Dense weights ([out, in]).
func MatMulTransB(t1, t2 *Tensor) (*Tensor, error) {
	return matMul(t1, t2, true)
}

func matMul(t1, t2 *Tensor, transB bool) (*Tensor, error) {
	if err := checkCompatibility(t1, t2); err != nil {
		return nil, err
	}
	if len(t1.Shape) != 2 || len(t2.Shape) != 2 {
		return nil, fmt.Errorf("matmul requires 2-D tensors, got %v and %v", t1.Shape, t2.Shape)
	}
	if t1.DType != Float32 {
		return nil, fmt.Errorf("unsupported dtype for MatMul: %s", t1.DType)
	}

	rows1, cols1 := t1.Shape[0], t1.Shape[1]
	rows2, cols2 := t2.Shape[0], t2.Shape[1]
	inner, outCols := rows2, cols2
	if transB {
		inner, outCols = cols2, rows2
	}
	if cols1 != inner {
		return nil, fmt.Errorf("incompatible dimensions for matmul: (%d, %d) x (%d, %d) transB=%t",
			rows1, cols1, rows2, cols2, transB)
	}

	result, err := Zeros([]int{rows1, outCols}, Float32, t1.Device)
	if err != nil {
		return nil, err
	}

	Gemm(false, transB, rows1, outCols, cols1, 1,
		t1.Data.([]float32), t2.Data.([]float32), 0, result.Data.([]float32))

	return result, nil
}

func Transpose(t *Tensor, dim0, dim1 int) (*Tensor, error) {
	if dim0 < 0 || dim0 >= len(t.Shape) {
		return nil, fmt.Errorf("dim0 %d out of range for tensor with %d dimensions", dim0, len(t.Shape))
	}
	if dim1 < 0 || dim1 >= len(t.Shape) {
		return nil, fmt.Errorf("dim1 %d out of range for tensor with %d dimensions", dim1, len(t.Shape))
	}

	outputShape := make([]int, len(t.Shape))
	copy(outputShape, t.Shape)
	outputShape[dim0], outputShape[dim1] = outputShape[dim1], outputShape[dim0]

	result, err := Zeros(outputShape, t.DType, t.Device)
	if err != nil {
		return nil, err
	}

	transposed := make([]int, len(t.Shape))
	for i := 0; i < t.NumElems; i++ {
		indices := getIndicesFromLinear(i, t.Shape)
		copy(transposed, indices)
		transposed[dim0], transposed[dim1] = transposed[dim1], transposed[dim0]
		resultIdx := getIndex(transposed, result.Strides)

		switch t.DType {
		case Float32:
			result.Data.([]float32)[resultIdx] = t.Data.([]float32)[i]
		case Int32:
			result.Data.([]int32)[resultIdx] = t.Data.([]int32)[i]
		default:
			return nil, fmt.Errorf("unsupported dtype for Transpose: %s", t.DType)
		}
	}

	return result, nil
}

// Reshape returns a copy of t with a new shape of equal element count.
func Reshape(t *Tensor, newShape []int) (*Tensor, error) {
	if err := validateShape(newShape); err != nil {
		return nil, err
	}

	newNumElems := calculateNumElements(newShape)
	if newNumElems != t.NumElems {
		return nil, fmt.Errorf("cannot reshape tensor of size %d into shape %v (size %d)",
			t.NumElems, newShape, newNumElems)
	}

	result, err := t.Clone()
	if err != nil {
		return nil, err
	}
	result.Shape = append([]int(nil), newShape...)
	result.Strides = calculateStrides(result.Shape)
	return result, nil
}

func Flatten(t *Tensor) (*Tensor, error) {
	return Reshape(t, []int{t.NumElems})
}

// Sum reduces a Float32 tensor over dim.
func Sum(t *Tensor, dim int, keepDim bool) (*Tensor, error) {
	if dim < 0 || dim >= len(t.Shape) {
		return nil, fmt.Errorf("dim %d out of range for tensor with %d dimensions", dim, len(t.Shape))
	}
	if t.DType != Float32 {
		return nil, fmt.Errorf("unsupported dtype for Sum: %s", t.DType)
	}

	outputShape := make([]int, len(t.Shape))
	copy(outputShape, t.Shape)
	outputShape[dim] = 1

	result, err := Zeros(outputShape, t.DType, t.Device)
	if err != nil {
		return nil, err
	}

	data := t.Data.([]float32)
	resultData := result.Data.([]float32)
	for i := 0; i < t.NumElems; i++ {
		indices := getIndicesFromLinear(i, t.Shape)
		indices[dim] = 0
		resultData[getIndex(indices, result.Strides)] += data[i]
	}

	if keepDim || len(outputShape) == 1 {
		return result, nil
	}

	squeezed := make([]int, 0, len(outputShape)-1)
	for i, size := range outputShape {
		if i != dim {
			squeezed = append(squeezed, size)
		}
	}
	return Reshape(result, squeezed)
}
