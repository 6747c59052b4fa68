package training

import (
	"fmt"

	"github.com/tsawler/go-selfdistill/network"
	"github.com/tsawler/go-selfdistill/queue"
	"github.com/tsawler/go-selfdistill/tensor"
)

// ObjectiveWeights scales each term of the distillation objective.
type ObjectiveWeights struct {
	CrossEntropy float64 `yaml:"cross_entropy" json:"cross_entropy"`
	Contrastive  float64 `yaml:"contrastive" json:"contrastive"`
	Alignment    float64 `yaml:"alignment" json:"alignment"`
}

// ObjectiveConfig configures DistillObjective.
type ObjectiveConfig struct {
	SupCon    SupConConfig
	Alignment AlignmentVersion
	Weights   ObjectiveWeights
	// UseMemory adds the occupied queue rows of the snapshot as extra
	// labelled samples in every contrastive term.
	UseMemory bool
}

// DefaultObjectiveConfig weights every term 1 and uses the queue.
func DefaultObjectiveConfig() ObjectiveConfig {
	return ObjectiveConfig{
		SupCon:    DefaultSupConConfig(),
		Alignment: AlignSimplified,
		Weights:   ObjectiveWeights{CrossEntropy: 1, Contrastive: 1, Alignment: 1},
		UseMemory: true,
	}
}

// DistillObjective combines, for a two-crop training batch:
//   - cross entropy of the deepest logits on both crops,
//   - a supervised contrastive term per exit over the two crops, optionally
//     extended with queue memory,
//   - same-source alignment of each shallower exit's prediction toward the
//     deepest exit's detached projection.
type DistillObjective struct {
	cfg    ObjectiveConfig
	ce     *CrossEntropyLoss
	supcon *SupConLoss
	align  *SameSourceLoss
}

// NewDistillObjective validates cfg and builds the component losses.
func NewDistillObjective(cfg ObjectiveConfig) (*DistillObjective, error) {
	supcon, err := NewSupConLoss(cfg.SupCon)
	if err != nil {
		return nil, err
	}
	align, err := NewSameSourceLoss(cfg.Alignment)
	if err != nil {
		return nil, err
	}
	return &DistillObjective{
		cfg:    cfg,
		ce:     NewCrossEntropyLoss("mean"),
		supcon: supcon,
		align:  align,
	}, nil
}

// ObjectiveResult reports each term and the gradient of Total with respect
// to every live network output. Per-exit slices are deepest first.
type ObjectiveResult struct {
	Total        float64
	CrossEntropy float64
	Contrastive  []float64
	// Alignment[0] is always 0; the deepest exit is the alignment target.
	Alignment []float64
	// MemoryRows is the number of queue rows used per contrastive term.
	MemoryRows int

	LogitsGrad    *tensor.Tensor
	FeatureGrads  []*tensor.Tensor
	PredictedGrad []*tensor.Tensor
}

// Gradients returns the gradients in the form network.SelfDistillNet.Backward
// takes.
func (r *ObjectiveResult) Gradients() network.Gradients {
	return network.Gradients{
		Logits:    r.LogitsGrad,
		Features:  r.FeatureGrads,
		Predicted: r.PredictedGrad,
	}
}

// Compute evaluates the objective on a training-mode network output. labels
// are the len(labels) sample labels shared by both crops.
func (o *DistillObjective) Compute(out *network.Output, labels []int32) (*ObjectiveResult, error) {
	if out == nil || out.Features == nil {
		return nil, fmt.Errorf("objective needs a training-mode output")
	}
	batch := len(labels)
	if out.Logits.Shape[0] != 2*batch {
		return nil, fmt.Errorf("%w: %d labels for %d rows of two crops", ErrLabelCountMismatch, batch, out.Logits.Shape[0])
	}
	exits := len(out.Features)
	res := &ObjectiveResult{
		Contrastive:   make([]float64, exits),
		Alignment:     make([]float64, exits),
		FeatureGrads:  make([]*tensor.Tensor, exits),
		PredictedGrad: make([]*tensor.Tensor, exits),
	}
	w := o.cfg.Weights

	both := append(append([]int32(nil), labels...), labels...)
	target, err := tensor.FromLabels(both)
	if err != nil {
		return nil, err
	}
	ce, err := o.ce.Forward(out.Logits, target)
	if err != nil {
		return nil, fmt.Errorf("cross entropy: %w", err)
	}
	res.CrossEntropy = float64(ce.Data.([]float32)[0])
	if res.LogitsGrad, err = o.ce.Backward(out.Logits, target); err != nil {
		return nil, err
	}
	if res.LogitsGrad, err = tensor.Scale(res.LogitsGrad, float32(w.CrossEntropy)); err != nil {
		return nil, err
	}
	res.Total = w.CrossEntropy * res.CrossEntropy

	var memRows []int
	if o.cfg.UseMemory && out.Snapshot != nil {
		memRows = out.Snapshot.FilledRows()
	}
	res.MemoryRows = len(memRows)

	contrastScale := w.Contrastive / float64(exits)
	for d := 0; d < exits; d++ {
		views, allLabels, err := contrastiveBatch(out.Features[d], labels, out.Snapshot, d, memRows)
		if err != nil {
			return nil, fmt.Errorf("exit %d: %w", d, err)
		}
		r, err := o.supcon.Forward(views, allLabels, nil)
		if err != nil {
			return nil, fmt.Errorf("exit %d: %w", d, err)
		}
		res.Contrastive[d] = r.Loss
		res.Total += contrastScale * r.Loss
		if res.FeatureGrads[d], err = unstackViews(r.Grad, batch, contrastScale); err != nil {
			return nil, err
		}
	}

	if exits > 1 {
		alignScale := w.Alignment / float64(exits-1)
		for d := 1; d < exits; d++ {
			v, err := o.align.Value(out.Predicted[d], out.Projected[0])
			if err != nil {
				return nil, fmt.Errorf("exit %d alignment: %w", d, err)
			}
			res.Alignment[d] = v
			res.Total += alignScale * v
			g, err := o.align.Backward(out.Predicted[d], out.Projected[0])
			if err != nil {
				return nil, err
			}
			if res.PredictedGrad[d], err = tensor.Scale(g, float32(alignScale)); err != nil {
				return nil, err
			}
		}
	}
	return res, nil
}

// contrastiveBatch stacks the two crops of the current batch as views and
// appends memory rows: view 0 from exit d, view 1 from the deepest exit at
// the same row.
func contrastiveBatch(features *tensor.Tensor, labels []int32, snap *queue.Snapshot, d int, memRows []int) (*tensor.Tensor, []int32, error) {
	batch := len(labels)
	first, err := tensor.SliceRows(features, 0, batch)
	if err != nil {
		return nil, nil, err
	}
	second, err := tensor.SliceRows(features, batch, 2*batch)
	if err != nil {
		return nil, nil, err
	}
	allLabels := append([]int32(nil), labels...)

	if len(memRows) > 0 {
		memA, memLabels, err := snap.Gather(d, memRows)
		if err != nil {
			return nil, nil, err
		}
		memB, _, err := snap.Gather(0, memRows)
		if err != nil {
			return nil, nil, err
		}
		if first, err = tensor.ConcatRows(first, memA); err != nil {
			return nil, nil, err
		}
		if second, err = tensor.ConcatRows(second, memB); err != nil {
			return nil, nil, err
		}
		allLabels = append(allLabels, memLabels...)
	}

	views, err := tensor.StackViews(first, second)
	return views, allLabels, err
}

// unstackViews turns the [n, 2, dim] gradient of the first batch samples back
// into [2*batch, dim] crop-major rows, scaled by s. Memory rows are dropped.
func unstackViews(grad *tensor.Tensor, batch int, s float64) (*tensor.Tensor, error) {
	dim := grad.Shape[2]
	src := grad.Data.([]float32)
	out := make([]float32, 2*batch*dim)
	for b := 0; b < batch; b++ {
		for v := 0; v < 2; v++ {
			from := src[(b*2+v)*dim : (b*2+v+1)*dim]
			to := out[(v*batch+b)*dim : (v*batch+b+1)*dim]
			for k, g := range from {
				to[k] = float32(float64(g) * s)
			}
		}
	}
	return tensor.NewTensor([]int{2 * batch, dim}, tensor.Float32, grad.Device, out)
}
