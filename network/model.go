package network

import (
	"fmt"
	"math/rand"

	"github.com/tsawler/go-selfdistill/layers"
	"github.com/tsawler/go-selfdistill/queue"
	"github.com/tsawler/go-selfdistill/tensor"
)

// Config describes a complete self-distillation network.
type Config struct {
	Backbone        BackboneConfig
	NumClasses      int
	EmbeddingDim    int
	ProjectionDim   int
	PredictorHidden int
	ProjectorLayers int
	// QueueCapacity is the number of embeddings kept per class and depth.
	QueueCapacity int
	Seed          int64
}

// DefaultConfig returns a ResNet-18 network for 100 classes.
func DefaultConfig() Config {
	return Config{
		Backbone:        DefaultBackboneConfig(),
		NumClasses:      100,
		EmbeddingDim:    128,
		ProjectionDim:   2048,
		PredictorHidden: 512,
		ProjectorLayers: 3,
		QueueCapacity:   64,
	}
}

// Output is the result of one forward pass. Per-depth slices are ordered
// deepest first: index 0 is the last stage, index 3 the first.
// Evaluation passes only fill Logits.
type Output struct {
	Logits    *tensor.Tensor
	Projected []*tensor.Tensor
	Predicted []*tensor.Tensor
	// Features are the L2-normalized classifier embeddings.
	Features []*tensor.Tensor
	// Snapshot is the queue as it was before this pass enqueued anything.
	Snapshot *queue.Snapshot

	// embeddings are the classifier outputs before normalization.
	embeddings []*tensor.Tensor
}

// Gradients holds the gradient of a scalar objective with respect to the
// parts of a training Output. Slices are deepest first like Output and nil
// entries contribute nothing.
type Gradients struct {
	Logits    *tensor.Tensor
	Features  []*tensor.Tensor
	Predicted []*tensor.Tensor
}

// SelfDistillNet is a residual network with four auxiliary exits, per-exit
// embedding heads and a per-class feature queue it owns.
type SelfDistillNet struct {
	cfg       Config
	backbone  *FeatureBackbone
	auxiliary *AuxiliaryHeads
	heads     *EmbeddingHeads
	fc        layers.Module
	queue     *queue.DynamicFeatureQueue

	// last is the output Backward may differentiate.
	last *Output
}

// New builds a network. All weights and the initial queue contents are drawn
// from a generator seeded with cfg.Seed.
func New(cfg Config) (*SelfDistillNet, error) {
	if cfg.NumClasses <= 0 {
		return nil, fmt.Errorf("%w: num classes %d", ErrInvalidArchitecture, cfg.NumClasses)
	}
	if cfg.QueueCapacity <= 0 {
		return nil, fmt.Errorf("%w: queue capacity %d", ErrInvalidArchitecture, cfg.QueueCapacity)
	}
	rng := rand.New(rand.NewSource(cfg.Seed))

	backbone, err := NewFeatureBackbone(cfg.Backbone, rng)
	if err != nil {
		return nil, err
	}
	auxiliary, err := NewAuxiliaryHeads(backbone.Channels(), rng)
	if err != nil {
		return nil, err
	}
	heads, err := NewEmbeddingHeads(HeadConfig{
		InDim:           auxiliary.Width(),
		EmbeddingDim:    cfg.EmbeddingDim,
		ProjectionDim:   cfg.ProjectionDim,
		PredictorHidden: cfg.PredictorHidden,
		ProjectorLayers: cfg.ProjectorLayers,
	}, rng)
	if err != nil {
		return nil, err
	}
	factory := layers.NewFactory()
	fc, err := factory.Build(factory.CreateDenseSpec(auxiliary.Width(), cfg.NumClasses, true, "fc"), rng)
	if err != nil {
		return nil, err
	}
	q, err := queue.New(NumExits, cfg.NumClasses, cfg.QueueCapacity, cfg.EmbeddingDim, rng)
	if err != nil {
		return nil, err
	}

	return &SelfDistillNet{
		cfg:       cfg,
		backbone:  backbone,
		auxiliary: auxiliary,
		heads:     heads,
		fc:        fc,
		queue:     q,
	}, nil
}

// Config returns the configuration the network was built with.
func (m *SelfDistillNet) Config() Config { return m.cfg }

// Queue returns the feature queue owned by the network.
func (m *SelfDistillNet) Queue() *queue.DynamicFeatureQueue { return m.queue }

// SetProjectorLayers switches every projector between 2 and 3 layers.
func (m *SelfDistillNet) SetProjectorLayers(n int) error {
	if err := m.heads.SetProjectorLayers(n); err != nil {
		return err
	}
	m.cfg.ProjectorLayers = n
	return nil
}

// Forward runs a batch through the network.
//
// In training mode labels are required and x must hold two crops of the same
// len(labels) samples stacked along the batch axis; the embeddings of the
// second crop, x[len(labels):], are pushed into the queue after the snapshot
// is taken. In evaluation mode labels are ignored and only Logits is set.
func (m *SelfDistillNet) Forward(x *tensor.Tensor, labels []int32, training bool) (*Output, error) {
	if len(x.Shape) != 4 {
		return nil, fmt.Errorf("%w: expected [N, C, H, W], got %v", ErrInputShape, x.Shape)
	}
	if training {
		if labels == nil {
			return nil, ErrMissingLabels
		}
		if err := m.checkLabels(x.Shape[0], labels); err != nil {
			return nil, err
		}
	}
	m.last = nil
	x, err := x.ToDevice(tensor.CPU)
	if err != nil {
		return nil, err
	}

	maps, err := m.backbone.Forward(x, training)
	if err != nil {
		return nil, err
	}
	vectors, err := m.auxiliary.Forward(maps, training)
	if err != nil {
		return nil, err
	}
	logits, err := m.fc.Forward(vectors[NumExits-1], training)
	if err != nil {
		return nil, err
	}
	if !training {
		return &Output{Logits: logits}, nil
	}

	heads, err := m.heads.Forward(vectors, training)
	if err != nil {
		return nil, err
	}

	out := &Output{
		Logits:     logits,
		Projected:  make([]*tensor.Tensor, NumExits),
		Predicted:  make([]*tensor.Tensor, NumExits),
		Features:   make([]*tensor.Tensor, NumExits),
		embeddings: make([]*tensor.Tensor, NumExits),
	}
	for i := 0; i < NumExits; i++ {
		d := NumExits - 1 - i
		out.Projected[i] = heads.Projected[d]
		out.Predicted[i] = heads.Predicted[d]
		out.embeddings[i] = heads.Embeddings[d]
		if out.Features[i], err = tensor.L2NormalizeRows(heads.Embeddings[d], 1e-12); err != nil {
			return nil, err
		}
	}

	out.Snapshot = m.queue.Snapshot()

	tail := make([]*tensor.Tensor, NumExits)
	for i, f := range out.Features {
		if tail[i], err = tensor.SliceRows(f, len(labels), f.Shape[0]); err != nil {
			return nil, err
		}
	}
	m.queue.Enqueue(tail, labels)
	m.last = out
	return out, nil
}

// Backward propagates g through the classifier fc, the per-exit classifier
// heads with their feature normalization, and the predictors and projectors.
// Gradients accumulate into the Grad of HeadParameters. They stop at the
// pooled exit vectors, so the backbone and the separable-convolution exits
// keep their weights.
func (m *SelfDistillNet) Backward(out *Output, g Gradients) error {
	if out == nil || out != m.last {
		return ErrStaleOutput
	}
	if g.Logits != nil {
		if _, err := layers.Backward(m.fc, g.Logits); err != nil {
			return err
		}
	}
	var embeddings, predicted [NumExits]*tensor.Tensor
	for i := 0; i < NumExits; i++ {
		d := NumExits - 1 - i
		if i < len(g.Features) && g.Features[i] != nil {
			grad, err := tensor.L2NormalizeRowsBackward(out.embeddings[i], g.Features[i], 1e-12)
			if err != nil {
				return fmt.Errorf("exit %d features: %w", i, err)
			}
			embeddings[d] = grad
		}
		if i < len(g.Predicted) {
			predicted[d] = g.Predicted[i]
		}
	}
	_, err := m.heads.Backward(embeddings, predicted)
	return err
}

// HeadParameters returns the parameters Backward reaches: the classifier fc
// and every embedding head.
func (m *SelfDistillNet) HeadParameters() []*layers.Parameter {
	return layers.CollectParameters(append([]layers.Module{m.fc}, m.heads.Modules()...)...)
}

func (m *SelfDistillNet) checkLabels(batch int, labels []int32) error {
	if len(labels) == 0 || batch-len(labels) != len(labels) {
		return fmt.Errorf("%w: %d labels cannot pair with rows [%d:%d) of a batch of %d",
			ErrLabelCountMismatch, len(labels), len(labels), batch, batch)
	}
	for i, l := range labels {
		if l < 0 || int(l) >= m.cfg.NumClasses {
			return fmt.Errorf("%w: label %d at %d, classes=%d", ErrLabelOutOfRange, l, i, m.cfg.NumClasses)
		}
	}
	return nil
}

// Modules returns every top-level module with its qualified name.
func (m *SelfDistillNet) Modules() []layers.Module {
	mods := m.backbone.Modules()
	mods = append(mods, m.auxiliary.Modules()...)
	mods = append(mods, m.fc)
	return append(mods, m.heads.Modules()...)
}

// Parameters returns all weights and normalization statistics.
func (m *SelfDistillNet) Parameters() []*layers.Parameter {
	return layers.CollectParameters(m.Modules()...)
}

// Describe summarizes the network for an input of the given shape.
func (m *SelfDistillNet) Describe(name string, inputShape []int) *layers.ModelSpec {
	return layers.Describe(name, inputShape, layers.NewSequential("", m.Modules()...))
}
