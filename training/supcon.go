package training

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"github.com/tsawler/go-selfdistill/tensor"
)

// ContrastMode selects which views act as anchors.
type ContrastMode string

const (
	// ContrastOne anchors on the first view only.
	ContrastOne ContrastMode = "one"
	// ContrastAll anchors on every view.
	ContrastAll ContrastMode = "all"
)

// ParseContrastMode validates a mode name.
func ParseContrastMode(s string) (ContrastMode, error) {
	switch ContrastMode(s) {
	case ContrastOne, ContrastAll:
		return ContrastMode(s), nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownContrastMode, s)
	}
}

// SupConConfig parameterizes the supervised contrastive loss.
type SupConConfig struct {
	Temperature     float64
	BaseTemperature float64
	Mode            ContrastMode
	// ExcludeSiblingViews drops an anchor's other views of the same sample
	// from both its positives and its denominator, leaving only other samples.
	ExcludeSiblingViews bool
}

// DefaultSupConConfig returns temperature 0.07 in "all" mode.
func DefaultSupConConfig() SupConConfig {
	return SupConConfig{Temperature: 0.07, BaseTemperature: 0.07, Mode: ContrastAll}
}

// SupConLoss is the supervised contrastive loss of Khosla et al. Samples with
// equal labels (or a caller-supplied mask) are positives; with neither, each
// sample's only positives are its own other views.
type SupConLoss struct {
	cfg SupConConfig
}

// NewSupConLoss validates cfg and returns the loss.
func NewSupConLoss(cfg SupConConfig) (*SupConLoss, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &SupConLoss{cfg: cfg}, nil
}

func (cfg SupConConfig) validate() error {
	if cfg.Mode != ContrastOne && cfg.Mode != ContrastAll {
		return fmt.Errorf("%w: %q", ErrUnknownContrastMode, cfg.Mode)
	}
	if !(cfg.Temperature > 0) || !(cfg.BaseTemperature > 0) {
		return fmt.Errorf("%w: temperature=%g base=%g", ErrInvalidTemperature, cfg.Temperature, cfg.BaseTemperature)
	}
	return nil
}

// SupConResult is the loss value together with its gradient.
type SupConResult struct {
	Loss float64
	// Grad has the shape of the features passed to Forward.
	Grad *tensor.Tensor
	// Positives counts the positives of every anchor row after masking.
	Positives []float64
}

// Forward computes the loss for features of shape [batch, views, ...].
// Trailing dimensions are flattened. At most one of labels and mask may be
// given; mask, when present, is a [batch, batch] Float32 tensor.
func (l *SupConLoss) Forward(features *tensor.Tensor, labels []int32, mask *tensor.Tensor) (*SupConResult, error) {
	cfg := l.cfg
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if len(features.Shape) < 3 {
		return nil, fmt.Errorf("%w: got shape %v", ErrFeatureRank, features.Shape)
	}
	if features.DType != tensor.Float32 {
		return nil, fmt.Errorf("features must be Float32, got %s", features.DType)
	}
	batch, views := features.Shape[0], features.Shape[1]
	if views < 2 {
		return nil, fmt.Errorf("%w: got %d", ErrTooFewViews, views)
	}
	if batch == 0 {
		return nil, fmt.Errorf("%w: empty batch", ErrFeatureRank)
	}
	dim := features.NumElems / (batch * views)

	base, err := positiveMask(batch, labels, mask)
	if err != nil {
		return nil, err
	}

	// contrast row v*batch+b is view v of sample b.
	src := features.Data.([]float32)
	n := views * batch
	contrast := mat.NewDense(n, dim, nil)
	for b := 0; b < batch; b++ {
		for v := 0; v < views; v++ {
			row := contrast.RawRowView(v*batch + b)
			for k, x := range src[(b*views+v)*dim : (b*views+v+1)*dim] {
				row[k] = float64(x)
			}
		}
	}

	anchorCount := views
	if cfg.Mode == ContrastOne {
		anchorCount = 1
	}
	a := anchorCount * batch
	anchor := contrast.Slice(0, a, 0, dim)

	var logits mat.Dense
	logits.Mul(anchor, contrast.T())
	logits.Scale(1/cfg.Temperature, &logits)

	grad := mat.NewDense(a, n, nil)
	positives := make([]float64, a)
	weights := make([]float64, n)
	probs := make([]float64, n)
	scale := cfg.Temperature / cfg.BaseTemperature
	var total float64

	for i := 0; i < a; i++ {
		row := logits.RawRowView(i)
		shift := floats.Max(row)

		var denom float64
		for j := range row {
			weights[j] = 0
			probs[j] = 0
			if !l.keep(i, j, batch) {
				continue
			}
			weights[j] = base[(i%batch)*batch+j%batch]
			probs[j] = math.Exp(row[j] - shift)
			denom += probs[j]
		}
		logDenom := math.Log(denom)

		p := floats.Sum(weights)
		positives[i] = p
		div := p
		if div == 0 {
			div = 1
		}

		var meanLogProb float64
		for j := range row {
			if weights[j] != 0 {
				meanLogProb += weights[j] * (row[j] - shift - logDenom)
			}
		}
		meanLogProb /= div
		total += -scale * meanLogProb

		// d/dlogits of -scale*meanLogProb, averaged over anchors.
		w := p / div
		g := grad.RawRowView(i)
		for j := range row {
			g[j] = -scale / float64(a) * (weights[j]/div - w*probs[j]/denom)
		}
	}

	var gradContrast mat.Dense
	gradContrast.Mul(grad.T(), anchor)
	var gradAnchor mat.Dense
	gradAnchor.Mul(grad, contrast)
	for i := 0; i < a; i++ {
		floats.Add(gradContrast.RawRowView(i), gradAnchor.RawRowView(i))
	}
	gradContrast.Scale(1/cfg.Temperature, &gradContrast)

	out := make([]float32, features.NumElems)
	for b := 0; b < batch; b++ {
		for v := 0; v < views; v++ {
			row := gradContrast.RawRowView(v*batch + b)
			dst := out[(b*views+v)*dim : (b*views+v+1)*dim]
			for k := range dst {
				dst[k] = float32(row[k])
			}
		}
	}
	gradTensor, err := tensor.NewTensor(features.Shape, tensor.Float32, features.Device, out)
	if err != nil {
		return nil, err
	}

	return &SupConResult{
		Loss:      total / float64(a),
		Grad:      gradTensor,
		Positives: positives,
	}, nil
}

// keep reports whether contrast column j enters the denominator of anchor i.
func (l *SupConLoss) keep(i, j, batch int) bool {
	if l.cfg.ExcludeSiblingViews {
		return i%batch != j%batch
	}
	return i != j
}

// positiveMask returns the [batch, batch] positive weights in row-major order.
func positiveMask(batch int, labels []int32, mask *tensor.Tensor) ([]float64, error) {
	out := make([]float64, batch*batch)
	switch {
	case labels != nil && mask != nil:
		return nil, ErrLabelsAndMask
	case labels != nil:
		if len(labels) != batch {
			return nil, fmt.Errorf("%w: %d labels for batch of %d", ErrLabelCountMismatch, len(labels), batch)
		}
		for i := 0; i < batch; i++ {
			for j := 0; j < batch; j++ {
				if labels[i] == labels[j] {
					out[i*batch+j] = 1
				}
			}
		}
	case mask != nil:
		if len(mask.Shape) != 2 || mask.Shape[0] != batch || mask.Shape[1] != batch {
			return nil, fmt.Errorf("%w: got %v for batch of %d", ErrMaskShape, mask.Shape, batch)
		}
		switch data := mask.Data.(type) {
		case []float32:
			for i, v := range data {
				out[i] = float64(v)
			}
		case []int32:
			for i, v := range data {
				out[i] = float64(v)
			}
		default:
			return nil, fmt.Errorf("%w: unsupported dtype %s", ErrMaskShape, mask.DType)
		}
	default:
		for i := 0; i < batch; i++ {
			out[i*batch+i] = 1
		}
	}
	return out, nil
}
