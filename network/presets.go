package network

import (
	"fmt"
	"sort"
)

type preset struct {
	block         BlockKind
	layers        [NumExits]int
	groups        int
	widthPerGroup int
}

var presets = map[string]preset{
	"resnet18":         {BasicBlock, [NumExits]int{2, 2, 2, 2}, 1, 64},
	"resnet34":         {BasicBlock, [NumExits]int{3, 4, 6, 3}, 1, 64},
	"resnet50":         {Bottleneck, [NumExits]int{3, 4, 6, 3}, 1, 64},
	"resnet101":        {Bottleneck, [NumExits]int{3, 4, 23, 3}, 1, 64},
	"resnet152":        {Bottleneck, [NumExits]int{3, 8, 36, 3}, 1, 64},
	"resnext50_32x4d":  {Bottleneck, [NumExits]int{3, 4, 6, 3}, 32, 4},
	"resnext101_32x8d": {Bottleneck, [NumExits]int{3, 4, 23, 3}, 32, 8},
	"wide_resnet50_2":  {Bottleneck, [NumExits]int{3, 4, 6, 3}, 1, 128},
	"wide_resnet101_2": {Bottleneck, [NumExits]int{3, 4, 23, 3}, 1, 128},
	"se_resnet18":      {SEBasicBlock, [NumExits]int{2, 2, 2, 2}, 1, 64},
	"se_resnet34":      {SEBasicBlock, [NumExits]int{3, 4, 6, 3}, 1, 64},
	"se_resnet50":      {SEBottleneck, [NumExits]int{3, 4, 6, 3}, 1, 64},
	"se_resnet101":     {SEBottleneck, [NumExits]int{3, 4, 23, 3}, 1, 64},
	"se_resnet152":     {SEBottleneck, [NumExits]int{3, 8, 36, 3}, 1, 64},
}

// Architectures lists the preset names accepted by BackboneFor.
func Architectures() []string {
	names := make([]string, 0, len(presets))
	for name := range presets {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// BackboneFor returns the trunk of a named architecture, keeping the input,
// stem and initialization fields of base.
func BackboneFor(arch string, base BackboneConfig) (BackboneConfig, error) {
	p, ok := presets[arch]
	if !ok {
		return base, fmt.Errorf("%w: unknown architecture %q", ErrInvalidArchitecture, arch)
	}
	base.Block = p.block
	base.Layers = p.layers
	base.Groups = p.groups
	base.WidthPerGroup = p.widthPerGroup
	return base, nil
}
