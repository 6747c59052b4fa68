package network

import "errors"

var (
	// ErrInvalidArchitecture reports a channel, stride or block configuration
	// that cannot be built.
	ErrInvalidArchitecture = errors.New("invalid network architecture")

	// ErrInputShape reports an input batch that does not match the stem.
	ErrInputShape = errors.New("input shape mismatch")

	// ErrMissingLabels is returned by a training forward pass without labels.
	ErrMissingLabels = errors.New("training forward pass requires labels")

	// ErrLabelCountMismatch is returned when the rows left after the first
	// len(labels) rows do not pair one to one with labels.
	ErrLabelCountMismatch = errors.New("label count does not match batch")

	// ErrLabelOutOfRange is returned for a label outside [0, classes).
	ErrLabelOutOfRange = errors.New("label out of range")

	// ErrProjectorLayers is returned for a projector depth other than 2 or 3.
	ErrProjectorLayers = errors.New("projector supports 2 or 3 layers")

	// ErrStaleOutput is returned by Backward for an output that is not the
	// result of the latest training-mode Forward.
	ErrStaleOutput = errors.New("backward needs the latest training-mode output")
)
