package network

import (
	"fmt"
	"math/rand"

	"github.com/tsawler/go-selfdistill/layers"
	"github.com/tsawler/go-selfdistill/tensor"
)

// BlockKind selects the residual block used by every stage of the backbone.
type BlockKind int

const (
	BasicBlock BlockKind = iota
	Bottleneck
	SEBasicBlock
	SEBottleneck
)

func (k BlockKind) String() string {
	switch k {
	case BasicBlock:
		return "BasicBlock"
	case Bottleneck:
		return "Bottleneck"
	case SEBasicBlock:
		return "SEBasicBlock"
	case SEBottleneck:
		return "SEBottleneck"
	default:
		return "Unknown"
	}
}

// Expansion is the ratio of block output channels to its planes.
func (k BlockKind) Expansion() int {
	if k == Bottleneck || k == SEBottleneck {
		return 4
	}
	return 1
}

func (k BlockKind) basic() bool {
	return k == BasicBlock || k == SEBasicBlock
}

func (k BlockKind) squeezed() bool {
	return k == SEBasicBlock || k == SEBottleneck
}

// seReduction is the squeeze ratio of squeeze-excitation gates.
const seReduction = 16

// ResidualBlock is one residual unit: out = relu(branch(x) + shortcut(x)).
type ResidualBlock interface {
	layers.Container
	// OutChannels is the channel count the block produces.
	OutChannels() int
	// ZeroInitResidual sets the last normalization scale of the branch to 0
	// so the block starts as the identity.
	ZeroInitResidual() error
}

// blockOptions carries the stage-level settings shared by all blocks of a stage.
type blockOptions struct {
	inplanes      int
	planes        int
	stride        int
	groups        int
	widthPerGroup int
	dilation      int
	downsample    bool
}

type residualBlock struct {
	name       string
	outCh      int
	branch     *layers.SequentialModule
	lastNorm   layers.Module
	gate       *squeezeExcite
	downsample *layers.SequentialModule
}

// newResidualBlock builds a block of the given kind.
func newResidualBlock(kind BlockKind, name string, opts blockOptions, rng *rand.Rand) (ResidualBlock, error) {
	factory := layers.NewFactory()
	outCh := opts.planes * kind.Expansion()

	bn := func(ch int, n string) (layers.Module, error) {
		return factory.Build(factory.CreateBatchNormSpec(ch, 1e-5, 0.1, true, n), rng)
	}
	relu := func(n string) layers.Module {
		return factory.MustBuild(factory.CreateReLUSpec(n), rng)
	}

	branch := layers.NewSequential("branch")
	var lastNorm layers.Module

	if kind.basic() {
		if opts.groups != 1 || opts.widthPerGroup != 64 {
			return nil, fmt.Errorf("%w: %s only supports groups=1 and width per group 64, got groups=%d width=%d",
				ErrInvalidArchitecture, kind, opts.groups, opts.widthPerGroup)
		}
		if opts.dilation > 1 {
			return nil, fmt.Errorf("%w: dilation > 1 not supported in %s", ErrInvalidArchitecture, kind)
		}
		conv1, err := factory.Build(factory.CreateConv2DSpec(opts.inplanes, opts.planes, 3, opts.stride, 1, false, "conv1"), rng)
		if err != nil {
			return nil, err
		}
		bn1, err := bn(opts.planes, "bn1")
		if err != nil {
			return nil, err
		}
		conv2, err := factory.Build(factory.CreateConv2DSpec(opts.planes, opts.planes, 3, 1, 1, false, "conv2"), rng)
		if err != nil {
			return nil, err
		}
		if lastNorm, err = bn(opts.planes, "bn2"); err != nil {
			return nil, err
		}
		branch.Append(conv1, bn1, relu("relu1"), conv2, lastNorm)
	} else {
		width := int(float64(opts.planes)*(float64(opts.widthPerGroup)/64.0)) * opts.groups
		if width <= 0 {
			return nil, fmt.Errorf("%w: bottleneck width %d for planes=%d groups=%d width per group=%d",
				ErrInvalidArchitecture, width, opts.planes, opts.groups, opts.widthPerGroup)
		}
		conv1, err := factory.Build(factory.CreateConv2DSpec(opts.inplanes, width, 1, 1, 0, false, "conv1"), rng)
		if err != nil {
			return nil, err
		}
		bn1, err := bn(width, "bn1")
		if err != nil {
			return nil, err
		}
		conv2, err := factory.Build(factory.CreateGroupedConv2DSpec(width, width, 3, opts.stride,
			opts.dilation, opts.dilation, opts.groups, false, "conv2"), rng)
		if err != nil {
			return nil, err
		}
		bn2, err := bn(width, "bn2")
		if err != nil {
			return nil, err
		}
		conv3, err := factory.Build(factory.CreateConv2DSpec(width, outCh, 1, 1, 0, false, "conv3"), rng)
		if err != nil {
			return nil, err
		}
		if lastNorm, err = bn(outCh, "bn3"); err != nil {
			return nil, err
		}
		branch.Append(conv1, bn1, relu("relu1"), conv2, bn2, relu("relu2"), conv3, lastNorm)
	}

	b := &residualBlock{name: name, outCh: outCh, branch: branch, lastNorm: lastNorm}

	if kind.squeezed() {
		gate, err := newSqueezeExcite(outCh, seReduction, rng)
		if err != nil {
			return nil, err
		}
		b.gate = gate
	}

	if opts.downsample {
		conv, err := factory.Build(factory.CreateConv2DSpec(opts.inplanes, outCh, 1, opts.stride, 0, false, "0"), rng)
		if err != nil {
			return nil, err
		}
		norm, err := bn(outCh, "1")
		if err != nil {
			return nil, err
		}
		b.downsample = layers.NewSequential("downsample", conv, norm)
	}
	return b, nil
}

func (b *residualBlock) Forward(x *tensor.Tensor, training bool) (*tensor.Tensor, error) {
	out, err := b.branch.Forward(x, training)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", b.name, err)
	}
	if b.gate != nil {
		if out, err = b.gate.Forward(out, training); err != nil {
			return nil, fmt.Errorf("%s: %w", b.name, err)
		}
	}

	identity := x
	if b.downsample != nil {
		if identity, err = b.downsample.Forward(x, training); err != nil {
			return nil, fmt.Errorf("%s: %w", b.name, err)
		}
	}
	if err := tensor.AddInPlace(out, identity); err != nil {
		return nil, fmt.Errorf("%s: shortcut %v does not match branch %v: %v", b.name, identity.Shape, out.Shape, err)
	}
	if err := tensor.ReLUInPlace(out); err != nil {
		return nil, err
	}
	return out, nil
}

func (b *residualBlock) Children() []layers.Module {
	children := []layers.Module{b.branch}
	if b.gate != nil {
		children = append(children, b.gate)
	}
	if b.downsample != nil {
		children = append(children, b.downsample)
	}
	return children
}

func (b *residualBlock) Spec() layers.LayerSpec {
	return layers.LayerSpec{
		Type:           layers.Sequential,
		Name:           b.name,
		Parameters:     map[string]interface{}{"out_channels": b.outCh},
		ParameterCount: trainableCount(b.Parameters()),
	}
}

func (b *residualBlock) Parameters() []*layers.Parameter {
	return layers.CollectParameters(b.Children()...)
}

func (b *residualBlock) OutChannels() int { return b.outCh }

func (b *residualBlock) ZeroInitResidual() error {
	return layers.FillScale(b.lastNorm, 0)
}

// squeezeExcite rescales channels by a gate computed from their global average.
type squeezeExcite struct {
	pool layers.Module
	fc   *layers.SequentialModule
}

func newSqueezeExcite(channels, reduction int, rng *rand.Rand) (*squeezeExcite, error) {
	factory := layers.NewFactory()
	hidden := channels / reduction
	if hidden < 1 {
		hidden = 1
	}
	fc1, err := factory.Build(factory.CreateDenseSpec(channels, hidden, false, "0"), rng)
	if err != nil {
		return nil, err
	}
	fc2, err := factory.Build(factory.CreateDenseSpec(hidden, channels, false, "2"), rng)
	if err != nil {
		return nil, err
	}
	return &squeezeExcite{
		pool: factory.MustBuild(factory.CreateGlobalAvgPoolSpec("avg_pool"), rng),
		fc: layers.NewSequential("fc", fc1,
			factory.MustBuild(factory.CreateReLUSpec("1"), rng),
			fc2,
			factory.MustBuild(factory.CreateSigmoidSpec("3"), rng)),
	}, nil
}

func (s *squeezeExcite) Forward(x *tensor.Tensor, training bool) (*tensor.Tensor, error) {
	pooled, err := s.pool.Forward(x, training)
	if err != nil {
		return nil, err
	}
	gate, err := s.fc.Forward(pooled, training)
	if err != nil {
		return nil, err
	}

	out, err := x.Clone()
	if err != nil {
		return nil, err
	}
	n, c := x.Shape[0], x.Shape[1]
	spatial := x.NumElems / (n * c)
	data := out.Data.([]float32)
	g := gate.Data.([]float32)
	for i := 0; i < n*c; i++ {
		plane := data[i*spatial : (i+1)*spatial]
		for j := range plane {
			plane[j] *= g[i]
		}
	}
	return out, nil
}

func (s *squeezeExcite) Children() []layers.Module {
	return []layers.Module{s.pool, s.fc}
}

func (s *squeezeExcite) Spec() layers.LayerSpec {
	return layers.LayerSpec{
		Type:           layers.Sequential,
		Name:           "se",
		Parameters:     map[string]interface{}{"reduction": seReduction},
		ParameterCount: trainableCount(s.Parameters()),
	}
}

func (s *squeezeExcite) Parameters() []*layers.Parameter {
	return layers.CollectParameters(s.fc)
}

func trainableCount(params []*layers.Parameter) int64 {
	var n int64
	for _, p := range params {
		if p.Trainable {
			n += int64(p.Value.NumElems)
		}
	}
	return n
}
