package network

import (
	"fmt"
	"math/rand"

	"github.com/tsawler/go-selfdistill/layers"
	"github.com/tsawler/go-selfdistill/tensor"
)

// NumExits is the number of feature depths the backbone exposes.
const NumExits = 4

// BackboneConfig describes the residual trunk.
type BackboneConfig struct {
	Block BlockKind
	// Layers is the number of blocks in each of the four stages.
	Layers [NumExits]int
	// InputChannels of the images fed to the stem.
	InputChannels int
	// StemWidth is the stem output width and the planes of stage 1; stage i
	// uses StemWidth << i planes.
	StemWidth     int
	Groups        int
	WidthPerGroup int
	// ReplaceStrideWithDilation swaps the stride-2 of stages 2..4 for dilation.
	ReplaceStrideWithDilation [3]bool
	// StemPool adds a 3x3 stride-2 max pool after the stem. Off by default:
	// the stem feeds layer1 at full stem resolution.
	StemPool         bool
	ZeroInitResidual bool
}

// DefaultBackboneConfig returns a ResNet-18 trunk for RGB input.
func DefaultBackboneConfig() BackboneConfig {
	return BackboneConfig{
		Block:         BasicBlock,
		Layers:        [NumExits]int{2, 2, 2, 2},
		InputChannels: 3,
		StemWidth:     64,
		Groups:        1,
		WidthPerGroup: 64,
	}
}

func (c BackboneConfig) validate() error {
	if c.Block < BasicBlock || c.Block > SEBottleneck {
		return fmt.Errorf("%w: unknown block kind %d", ErrInvalidArchitecture, c.Block)
	}
	for i, n := range c.Layers {
		if n <= 0 {
			return fmt.Errorf("%w: stage %d has %d blocks", ErrInvalidArchitecture, i+1, n)
		}
	}
	if c.InputChannels <= 0 || c.StemWidth <= 0 || c.Groups <= 0 || c.WidthPerGroup <= 0 {
		return fmt.Errorf("%w: input channels=%d stem width=%d groups=%d width per group=%d must be positive",
			ErrInvalidArchitecture, c.InputChannels, c.StemWidth, c.Groups, c.WidthPerGroup)
	}
	return nil
}

// FeatureBackbone is a residual trunk producing one feature map per stage.
type FeatureBackbone struct {
	cfg      BackboneConfig
	stem     *layers.SequentialModule
	stages   [NumExits]*layers.SequentialModule
	channels [NumExits]int
}

// NewFeatureBackbone builds and initializes the trunk. Invalid block, width or
// stride settings are reported here, never during Forward.
func NewFeatureBackbone(cfg BackboneConfig, rng *rand.Rand) (*FeatureBackbone, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	factory := layers.NewFactory()

	conv1, err := factory.Build(factory.CreateConv2DSpec(cfg.InputChannels, cfg.StemWidth, 7, 2, 3, false, "conv1"), rng)
	if err != nil {
		return nil, err
	}
	bn1, err := factory.Build(factory.CreateBatchNormSpec(cfg.StemWidth, 1e-5, 0.1, true, "bn1"), rng)
	if err != nil {
		return nil, err
	}
	stem := layers.NewSequential("stem", conv1, bn1, factory.MustBuild(factory.CreateReLUSpec("relu"), rng))
	if cfg.StemPool {
		stem.Append(factory.MustBuild(factory.CreateMaxPool2DSpec(3, 2, 1, "maxpool"), rng))
	}

	fb := &FeatureBackbone{cfg: cfg, stem: stem}
	inplanes := cfg.StemWidth
	dilation := 1
	for i := 0; i < NumExits; i++ {
		planes := cfg.StemWidth << i
		stride := 1
		if i > 0 {
			stride = 2
		}
		previousDilation := dilation
		if i > 0 && cfg.ReplaceStrideWithDilation[i-1] {
			dilation *= stride
			stride = 1
		}

		name := fmt.Sprintf("layer%d", i+1)
		stage := layers.NewSequential(name)
		outCh := planes * cfg.Block.Expansion()
		for j := 0; j < cfg.Layers[i]; j++ {
			opts := blockOptions{
				inplanes:      inplanes,
				planes:        planes,
				stride:        1,
				groups:        cfg.Groups,
				widthPerGroup: cfg.WidthPerGroup,
				dilation:      dilation,
			}
			if j == 0 {
				opts.stride = stride
				opts.dilation = previousDilation
				opts.downsample = stride != 1 || inplanes != outCh
			}
			block, err := newResidualBlock(cfg.Block, fmt.Sprintf("%d", j), opts, rng)
			if err != nil {
				return nil, fmt.Errorf("%s block %d: %w", name, j, err)
			}
			if cfg.ZeroInitResidual {
				if err := block.ZeroInitResidual(); err != nil {
					return nil, err
				}
			}
			stage.Append(block)
			inplanes = block.OutChannels()
		}
		fb.stages[i] = stage
		fb.channels[i] = outCh
	}
	return fb, nil
}

// Channels returns the channel count of each feature map, shallowest first.
func (fb *FeatureBackbone) Channels() [NumExits]int {
	return fb.channels
}

// Forward returns the four stage outputs, shallowest first.
func (fb *FeatureBackbone) Forward(x *tensor.Tensor, training bool) ([NumExits]*tensor.Tensor, error) {
	var maps [NumExits]*tensor.Tensor
	if len(x.Shape) != 4 || x.Shape[1] != fb.cfg.InputChannels {
		return maps, fmt.Errorf("%w: expected [N, %d, H, W], got %v", ErrInputShape, fb.cfg.InputChannels, x.Shape)
	}

	h, err := fb.stem.Forward(x, training)
	if err != nil {
		return maps, err
	}
	for i, stage := range fb.stages {
		if h, err = stage.Forward(h, training); err != nil {
			return maps, err
		}
		maps[i] = h
	}
	return maps, nil
}

// Modules returns the stem followed by the four stages.
func (fb *FeatureBackbone) Modules() []layers.Module {
	mods := []layers.Module{fb.stem}
	for _, s := range fb.stages {
		mods = append(mods, s)
	}
	return mods
}
