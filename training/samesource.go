package training

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"

	"github.com/tsawler/go-selfdistill/tensor"
)

// AlignmentVersion selects how the same-source loss normalizes its inputs.
type AlignmentVersion string

const (
	// AlignOriginal L2-normalizes both inputs (eps 1e-12) and takes the dot product.
	AlignOriginal AlignmentVersion = "original"
	// AlignSimplified uses cosine similarity (eps 1e-8 on the norm product).
	AlignSimplified AlignmentVersion = "simplified"
)

// SameSourceLoss is the negative cosine similarity between a live prediction
// p and a detached target z, averaged over rows. It implements Loss with
// predicted = p and target = z; z never receives gradient.
type SameSourceLoss struct {
	version AlignmentVersion
}

// NewSameSourceLoss returns the loss for version ("" means simplified).
func NewSameSourceLoss(version AlignmentVersion) (*SameSourceLoss, error) {
	if version == "" {
		version = AlignSimplified
	}
	if version != AlignOriginal && version != AlignSimplified {
		return nil, fmt.Errorf("%w: %q", ErrUnknownAlignmentVersion, version)
	}
	return &SameSourceLoss{version: version}, nil
}

func (s *SameSourceLoss) Forward(predicted, target *tensor.Tensor) (*tensor.Tensor, error) {
	value, _, err := s.compute(predicted, target, false)
	if err != nil {
		return nil, err
	}
	return tensor.NewTensor([]int{1}, tensor.Float32, predicted.Device, []float32{float32(value)})
}

func (s *SameSourceLoss) Backward(predicted, target *tensor.Tensor) (*tensor.Tensor, error) {
	_, grad, err := s.compute(predicted, target, true)
	return grad, err
}

// Value is Forward returning a plain float64.
func (s *SameSourceLoss) Value(predicted, target *tensor.Tensor) (float64, error) {
	value, _, err := s.compute(predicted, target, false)
	return value, err
}

func (s *SameSourceLoss) compute(p, z *tensor.Tensor, withGrad bool) (float64, *tensor.Tensor, error) {
	if p.DType != tensor.Float32 || z.DType != tensor.Float32 {
		return 0, nil, fmt.Errorf("same-source loss requires Float32 inputs")
	}
	if len(p.Shape) != 2 || len(z.Shape) != 2 || p.Shape[0] != z.Shape[0] || p.Shape[1] != z.Shape[1] {
		return 0, nil, fmt.Errorf("same-source loss needs matching [batch, dim] inputs, got %v and %v", p.Shape, z.Shape)
	}
	rows, dim := p.Shape[0], p.Shape[1]

	var grad []float32
	if withGrad {
		grad = make([]float32, rows*dim)
	}
	pr := make([]float64, dim)
	zr := make([]float64, dim)

	var total float64
	for i := 0; i < rows; i++ {
		for j, v := range p.Row(i) {
			pr[j] = float64(v)
		}
		for j, v := range z.Row(i) {
			zr[j] = float64(v)
		}
		pn := floats.Norm(pr, 2)
		zn := floats.Norm(zr, 2)
		dot := floats.Dot(pr, zr)

		// cos = dot * zScale; its gradient in p is zScale*z - correction*p,
		// where correction vanishes once the p norm is clamped.
		var zScale, correction float64
		var clamped bool
		switch s.version {
		case AlignOriginal:
			zScale = 1 / (math.Max(pn, 1e-12) * math.Max(zn, 1e-12))
			clamped = pn <= 1e-12
		default:
			zScale = 1 / math.Max(pn*zn, 1e-8)
			clamped = pn*zn <= 1e-8
		}
		cos := dot * zScale
		if !clamped {
			correction = cos / (pn * pn)
		}
		total += cos

		if withGrad {
			g := grad[i*dim : (i+1)*dim]
			for j := range g {
				g[j] = float32(-(zScale*zr[j] - correction*pr[j]) / float64(rows))
			}
		}
	}

	value := -total / float64(rows)
	if !withGrad {
		return value, nil, nil
	}
	t, err := tensor.NewTensor(p.Shape, tensor.Float32, p.Device, grad)
	return value, t, err
}
