package network

import (
	"fmt"
	"math/rand"

	"github.com/tsawler/go-selfdistill/layers"
	"github.com/tsawler/go-selfdistill/tensor"
)

// NewSepConv builds a separable downsampling block:
// depthwise 3x3 stride 2, pointwise 1x1, BN, ReLU, depthwise 3x3, pointwise
// 1x1 to channelOut, BN, ReLU. Spatial size is halved.
func NewSepConv(name string, channelIn, channelOut int, rng *rand.Rand) (*layers.SequentialModule, error) {
	if channelIn <= 0 || channelOut <= 0 {
		return nil, fmt.Errorf("%w: sepconv %s channels %d -> %d", ErrInvalidArchitecture, name, channelIn, channelOut)
	}
	factory := layers.NewFactory()
	specs := []layers.LayerSpec{
		factory.CreateGroupedConv2DSpec(channelIn, channelIn, 3, 2, 1, 1, channelIn, false, "0"),
		factory.CreateConv2DSpec(channelIn, channelIn, 1, 1, 0, false, "1"),
		factory.CreateBatchNormSpec(channelIn, 1e-5, 0.1, true, "2"),
		factory.CreateReLUSpec("3"),
		factory.CreateGroupedConv2DSpec(channelIn, channelIn, 3, 1, 1, 1, channelIn, false, "4"),
		factory.CreateConv2DSpec(channelIn, channelOut, 1, 1, 0, false, "5"),
		factory.CreateBatchNormSpec(channelOut, 1e-5, 0.1, true, "6"),
		factory.CreateReLUSpec("7"),
	}
	seq := layers.NewSequential(name)
	for _, spec := range specs {
		m, err := factory.Build(spec, rng)
		if err != nil {
			return nil, fmt.Errorf("sepconv %s: %w", name, err)
		}
		seq.Append(m)
	}
	return seq, nil
}

// AuxiliaryHeads bring each backbone map to the deepest channel width and
// pool it to a vector. Head i (shallowest first) stacks 3-i separable blocks,
// each doubling channels, so the deepest head is pooling only.
type AuxiliaryHeads struct {
	heads [NumExits]*layers.SequentialModule
	width int
}

// NewAuxiliaryHeads builds heads for maps with the given channel counts. Each
// depth must have twice the channels of the previous one.
func NewAuxiliaryHeads(channels [NumExits]int, rng *rand.Rand) (*AuxiliaryHeads, error) {
	factory := layers.NewFactory()
	deepest := channels[NumExits-1]
	ah := &AuxiliaryHeads{width: deepest}

	for i := 0; i < NumExits; i++ {
		blocks := NumExits - 1 - i
		if channels[i]<<blocks != deepest {
			return nil, fmt.Errorf("%w: depth %d has %d channels, cannot reach %d by doubling %d times",
				ErrInvalidArchitecture, i+1, channels[i], deepest, blocks)
		}
		head := layers.NewSequential(fmt.Sprintf("auxiliary%d", i+1))
		ch := channels[i]
		for b := 0; b < blocks; b++ {
			sep, err := NewSepConv(fmt.Sprintf("%d", b), ch, ch*2, rng)
			if err != nil {
				return nil, err
			}
			head.Append(sep)
			ch *= 2
		}
		head.Append(factory.MustBuild(factory.CreateGlobalAvgPoolSpec("pool"), rng))
		ah.heads[i] = head
	}
	return ah, nil
}

// Width is the length of every pooled vector.
func (ah *AuxiliaryHeads) Width() int { return ah.width }

// Forward maps the four feature maps (shallowest first) to [N, Width] vectors
// in the same order.
func (ah *AuxiliaryHeads) Forward(maps [NumExits]*tensor.Tensor, training bool) ([NumExits]*tensor.Tensor, error) {
	var out [NumExits]*tensor.Tensor
	for i, head := range ah.heads {
		v, err := head.Forward(maps[i], training)
		if err != nil {
			return out, err
		}
		out[i] = v
	}
	return out, nil
}

// Modules returns the four heads.
func (ah *AuxiliaryHeads) Modules() []layers.Module {
	mods := make([]layers.Module, 0, NumExits)
	for _, h := range ah.heads {
		mods = append(mods, h)
	}
	return mods
}
