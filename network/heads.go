package network

import (
	"fmt"
	"math/rand"

	"github.com/tsawler/go-selfdistill/layers"
	"github.com/tsawler/go-selfdistill/tensor"
)

// HeadConfig sizes the per-depth embedding heads.
type HeadConfig struct {
	InDim           int
	EmbeddingDim    int
	ProjectionDim   int
	PredictorHidden int
	ProjectorLayers int
}

// Projector is a 2- or 3-layer MLP with batch normalization after every
// linear layer and ReLU on all but the last.
type Projector struct {
	layer1, layer2, layer3 *layers.SequentialModule
	numLayers              int
}

func newProjector(inDim, hidden, outDim, numLayers int, rng *rand.Rand) (*Projector, error) {
	factory := layers.NewFactory()
	build := func(name string, specs ...layers.LayerSpec) (*layers.SequentialModule, error) {
		seq := layers.NewSequential(name)
		for _, s := range specs {
			m, err := factory.Build(s, rng)
			if err != nil {
				return nil, fmt.Errorf("projector %s: %w", name, err)
			}
			seq.Append(m)
		}
		return seq, nil
	}

	p := &Projector{}
	var err error
	if p.layer1, err = build("layer1",
		factory.CreateDenseSpec(inDim, hidden, true, "0"),
		factory.CreateBatchNormSpec(hidden, 1e-5, 0.1, true, "1"),
		factory.CreateReLUSpec("2")); err != nil {
		return nil, err
	}
	if p.layer2, err = build("layer2",
		factory.CreateDenseSpec(hidden, hidden, true, "0"),
		factory.CreateBatchNormSpec(hidden, 1e-5, 0.1, true, "1"),
		factory.CreateReLUSpec("2")); err != nil {
		return nil, err
	}
	if p.layer3, err = build("layer3",
		factory.CreateDenseSpec(hidden, outDim, true, "0"),
		factory.CreateBatchNormSpec(outDim, 1e-5, 0.1, true, "1")); err != nil {
		return nil, err
	}
	if err := p.SetLayers(numLayers); err != nil {
		return nil, err
	}
	return p, nil
}

// SetLayers switches between the 3-layer path and the 2-layer path that
// skips layer2. The skipped layer keeps its weights.
func (p *Projector) SetLayers(n int) error {
	if n != 2 && n != 3 {
		return fmt.Errorf("%w: got %d", ErrProjectorLayers, n)
	}
	p.numLayers = n
	return nil
}

// Layers returns the active depth.
func (p *Projector) Layers() int { return p.numLayers }

func (p *Projector) path() []*layers.SequentialModule {
	if p.numLayers == 2 {
		return []*layers.SequentialModule{p.layer1, p.layer3}
	}
	return []*layers.SequentialModule{p.layer1, p.layer2, p.layer3}
}

func (p *Projector) Forward(x *tensor.Tensor, training bool) (*tensor.Tensor, error) {
	var err error
	for _, l := range p.path() {
		if x, err = l.Forward(x, training); err != nil {
			return nil, err
		}
	}
	return x, nil
}

// Backward runs the active path in reverse. The layer count must not change
// between Forward and Backward.
func (p *Projector) Backward(grad *tensor.Tensor) (*tensor.Tensor, error) {
	path := p.path()
	var err error
	for i := len(path) - 1; i >= 0; i-- {
		if grad, err = path[i].Backward(grad); err != nil {
			return nil, err
		}
	}
	return grad, nil
}

func (p *Projector) Children() []layers.Module {
	return []layers.Module{p.layer1, p.layer2, p.layer3}
}

func (p *Projector) Spec() layers.LayerSpec {
	return layers.LayerSpec{
		Type:           layers.Sequential,
		Name:           "projector",
		Parameters:     map[string]interface{}{"num_layers": p.numLayers},
		ParameterCount: trainableCount(p.Parameters()),
	}
}

func (p *Projector) Parameters() []*layers.Parameter {
	return layers.CollectParameters(p.Children()...)
}

// EmbeddingHeads holds, for every depth, a classifier MLP producing the
// contrastive embedding, a projector and a bottleneck predictor.
type EmbeddingHeads struct {
	cfg         HeadConfig
	classifiers [NumExits]*layers.SequentialModule
	projectors  [NumExits]*Projector
	predictors  [NumExits]*layers.SequentialModule
}

// NewEmbeddingHeads builds heads for pooled vectors of width cfg.InDim.
func NewEmbeddingHeads(cfg HeadConfig, rng *rand.Rand) (*EmbeddingHeads, error) {
	if cfg.InDim <= 0 || cfg.EmbeddingDim <= 0 || cfg.ProjectionDim <= 0 || cfg.PredictorHidden <= 0 {
		return nil, fmt.Errorf("%w: head dims in=%d embedding=%d projection=%d predictor hidden=%d",
			ErrInvalidArchitecture, cfg.InDim, cfg.EmbeddingDim, cfg.ProjectionDim, cfg.PredictorHidden)
	}
	factory := layers.NewFactory()
	eh := &EmbeddingHeads{cfg: cfg}

	for i := 0; i < NumExits; i++ {
		fc1, err := factory.Build(factory.CreateDenseSpec(cfg.InDim, cfg.InDim, true, "0"), rng)
		if err != nil {
			return nil, err
		}
		fc2, err := factory.Build(factory.CreateDenseSpec(cfg.InDim, cfg.EmbeddingDim, true, "2"), rng)
		if err != nil {
			return nil, err
		}
		eh.classifiers[i] = layers.NewSequential(fmt.Sprintf("fc%d", i+1),
			fc1, factory.MustBuild(factory.CreateReLUSpec("1"), rng), fc2)

		if eh.projectors[i], err = newProjector(cfg.InDim, cfg.ProjectionDim, cfg.ProjectionDim, cfg.ProjectorLayers, rng); err != nil {
			return nil, err
		}

		p1, err := factory.Build(factory.CreateDenseSpec(cfg.ProjectionDim, cfg.PredictorHidden, true, "0"), rng)
		if err != nil {
			return nil, err
		}
		bn, err := factory.Build(factory.CreateBatchNormSpec(cfg.PredictorHidden, 1e-5, 0.1, true, "1"), rng)
		if err != nil {
			return nil, err
		}
		p2, err := factory.Build(factory.CreateDenseSpec(cfg.PredictorHidden, cfg.ProjectionDim, true, "3"), rng)
		if err != nil {
			return nil, err
		}
		eh.predictors[i] = layers.NewSequential(fmt.Sprintf("fc%d_predictor", i+1),
			p1, bn, factory.MustBuild(factory.CreateReLUSpec("2"), rng), p2)
	}
	return eh, nil
}

// SetProjectorLayers switches every projector to n layers (2 or 3).
func (eh *EmbeddingHeads) SetProjectorLayers(n int) error {
	if n != 2 && n != 3 {
		return fmt.Errorf("%w: got %d", ErrProjectorLayers, n)
	}
	for _, p := range eh.projectors {
		if err := p.SetLayers(n); err != nil {
			return err
		}
	}
	eh.cfg.ProjectorLayers = n
	return nil
}

// HeadOutputs holds per-depth results in the order the vectors were given.
type HeadOutputs struct {
	Embeddings [NumExits]*tensor.Tensor
	Projected  [NumExits]*tensor.Tensor
	Predicted  [NumExits]*tensor.Tensor
}

// Forward runs the classifier, projector and predictor of each depth.
func (eh *EmbeddingHeads) Forward(vectors [NumExits]*tensor.Tensor, training bool) (*HeadOutputs, error) {
	out := &HeadOutputs{}
	for i, v := range vectors {
		var err error
		if out.Embeddings[i], err = eh.classifiers[i].Forward(v, training); err != nil {
			return nil, err
		}
		if out.Projected[i], err = eh.projectors[i].Forward(v, training); err != nil {
			return nil, err
		}
		if out.Predicted[i], err = eh.predictors[i].Forward(out.Projected[i], training); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// Backward propagates per-depth gradients with respect to the embeddings and
// the predicted vectors, in the order Forward returned them. Nil entries are
// skipped. The predictor gradient continues into the projector. It returns
// the summed gradient with respect to each input vector, nil where nothing
// flowed.
func (eh *EmbeddingHeads) Backward(embeddings, predicted [NumExits]*tensor.Tensor) ([NumExits]*tensor.Tensor, error) {
	var inputs [NumExits]*tensor.Tensor
	for i := 0; i < NumExits; i++ {
		if embeddings[i] != nil {
			g, err := eh.classifiers[i].Backward(embeddings[i])
			if err != nil {
				return inputs, err
			}
			inputs[i] = g
		}
		if predicted[i] != nil {
			g, err := eh.predictors[i].Backward(predicted[i])
			if err != nil {
				return inputs, err
			}
			if g, err = eh.projectors[i].Backward(g); err != nil {
				return inputs, fmt.Errorf("fc%d_projector: %w", i+1, err)
			}
			if inputs[i] == nil {
				inputs[i] = g
			} else if err := tensor.AddInPlace(inputs[i], g); err != nil {
				return inputs, err
			}
		}
	}
	return inputs, nil
}

// Modules lists every head with a qualified name.
func (eh *EmbeddingHeads) Modules() []layers.Module {
	var mods []layers.Module
	for i := 0; i < NumExits; i++ {
		mods = append(mods,
			eh.classifiers[i],
			layers.NewSequential(fmt.Sprintf("fc%d_projector", i+1), eh.projectors[i]),
			eh.predictors[i])
	}
	return mods
}
