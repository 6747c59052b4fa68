package training

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"

	"github.com/tsawler/go-selfdistill/tensor"
)

// Loss interface defines methods that all pairwise loss functions implement.
// Backward returns the gradient with respect to predicted only; target is
// treated as a constant.
type Loss interface {
	Forward(predicted, target *tensor.Tensor) (*tensor.Tensor, error)
	Backward(predicted, target *tensor.Tensor) (*tensor.Tensor, error)
}

var (
	// ErrFeatureRank is returned when contrastive features have fewer than 3 dimensions.
	ErrFeatureRank = errors.New("features need to be [batch, views, ...] with at least 3 dimensions")
	// ErrLabelsAndMask is returned when both labels and a mask are supplied.
	ErrLabelsAndMask = errors.New("cannot define both labels and mask")
	// ErrUnknownContrastMode is returned for a contrast mode other than one or all.
	ErrUnknownContrastMode = errors.New("unknown contrast mode")
	// ErrLabelCountMismatch is returned when the label count differs from the batch size.
	ErrLabelCountMismatch = errors.New("number of labels does not match number of features")
	// ErrMaskShape is returned for a mask that is not [batch, batch].
	ErrMaskShape = errors.New("mask must be [batch, batch]")
	// ErrTooFewViews is returned when features carry fewer than two views.
	ErrTooFewViews = errors.New("contrastive loss needs at least two views")
	// ErrUnknownAlignmentVersion is returned for an unsupported same-source variant.
	ErrUnknownAlignmentVersion = errors.New("unknown alignment version")
	// ErrInvalidTemperature is returned for a non-positive temperature.
	ErrInvalidTemperature = errors.New("temperature must be positive")
)

// CrossEntropyLoss implements Cross Entropy loss function for classification
type CrossEntropyLoss struct {
	reduction string // "mean" or "sum"
}

// NewCrossEntropyLoss creates a new Cross Entropy loss function
func NewCrossEntropyLoss(reduction string) *CrossEntropyLoss {
	if reduction == "" {
		reduction = "mean"
	}
	return &CrossEntropyLoss{reduction: reduction}
}

// Forward computes the Cross Entropy loss
// predicted: [batch_size, num_classes] logits
// target: [batch_size] class indices
func (ce *CrossEntropyLoss) Forward(predicted, target *tensor.Tensor) (*tensor.Tensor, error) {
	if err := checkHardTargets(predicted, target); err != nil {
		return nil, err
	}
	batchSize, numClasses := predicted.Shape[0], predicted.Shape[1]

	logProbs := logSoftmaxRows(predicted.Data.([]float32), batchSize, numClasses)
	targetData := target.Data.([]int32)

	var total float64
	for i := 0; i < batchSize; i++ {
		total -= logProbs[i*numClasses+int(targetData[i])]
	}
	if ce.reduction == "mean" {
		total /= float64(batchSize)
	}
	return tensor.NewTensor([]int{1}, tensor.Float32, predicted.Device, []float32{float32(total)})
}

// Backward computes the gradient of Cross Entropy loss: softmax - onehot.
func (ce *CrossEntropyLoss) Backward(predicted, target *tensor.Tensor) (*tensor.Tensor, error) {
	if err := checkHardTargets(predicted, target); err != nil {
		return nil, err
	}
	batchSize, numClasses := predicted.Shape[0], predicted.Shape[1]

	probs := softmaxRows(predicted.Data.([]float32), batchSize, numClasses)
	targetData := target.Data.([]int32)
	scale := 1.0
	if ce.reduction == "mean" {
		scale = 1.0 / float64(batchSize)
	}

	grad := make([]float32, len(probs))
	for i := 0; i < batchSize; i++ {
		for j := 0; j < numClasses; j++ {
			g := probs[i*numClasses+j]
			if j == int(targetData[i]) {
				g -= 1
			}
			grad[i*numClasses+j] = float32(g * scale)
		}
	}
	return tensor.NewTensor(predicted.Shape, tensor.Float32, predicted.Device, grad)
}

func checkHardTargets(predicted, target *tensor.Tensor) error {
	if predicted.DType != tensor.Float32 || target.DType != tensor.Int32 {
		return fmt.Errorf("predicted must be Float32 and target must be Int32")
	}
	if len(predicted.Shape) != 2 {
		return fmt.Errorf("predicted must be 2D tensor [batch_size, num_classes], got shape %v", predicted.Shape)
	}
	if len(target.Shape) != 1 {
		return fmt.Errorf("target must be 1D tensor [batch_size], got shape %v", target.Shape)
	}
	if target.Shape[0] != predicted.Shape[0] {
		return fmt.Errorf("%w: predicted %d, target %d", ErrLabelCountMismatch, predicted.Shape[0], target.Shape[0])
	}
	numClasses := predicted.Shape[1]
	for _, c := range target.Data.([]int32) {
		if c < 0 || int(c) >= numClasses {
			return fmt.Errorf("target class %d out of range [0, %d)", c, numClasses)
		}
	}
	return nil
}

// SoftCrossEntropyLoss is the distillation cross-entropy between two logit
// tensors: -Σ softmax(target)·log_softmax(predicted), averaged over the batch.
// With predicted == target it equals the entropy of softmax(predicted).
type SoftCrossEntropyLoss struct{}

// NewSoftCrossEntropyLoss creates a soft-target cross-entropy loss.
func NewSoftCrossEntropyLoss() *SoftCrossEntropyLoss {
	return &SoftCrossEntropyLoss{}
}

func (sce *SoftCrossEntropyLoss) Forward(predicted, target *tensor.Tensor) (*tensor.Tensor, error) {
	if err := checkSoftTargets(predicted, target); err != nil {
		return nil, err
	}
	batchSize, numClasses := predicted.Shape[0], predicted.Shape[1]

	logProbs := logSoftmaxRows(predicted.Data.([]float32), batchSize, numClasses)
	targetProbs := softmaxRows(target.Data.([]float32), batchSize, numClasses)

	var total float64
	for i := range logProbs {
		total -= logProbs[i] * targetProbs[i]
	}
	total /= float64(batchSize)
	return tensor.NewTensor([]int{1}, tensor.Float32, predicted.Device, []float32{float32(total)})
}

// Backward returns (softmax(predicted) - softmax(target)) / batch.
func (sce *SoftCrossEntropyLoss) Backward(predicted, target *tensor.Tensor) (*tensor.Tensor, error) {
	if err := checkSoftTargets(predicted, target); err != nil {
		return nil, err
	}
	batchSize, numClasses := predicted.Shape[0], predicted.Shape[1]

	probs := softmaxRows(predicted.Data.([]float32), batchSize, numClasses)
	targetProbs := softmaxRows(target.Data.([]float32), batchSize, numClasses)
	grad := make([]float32, len(probs))
	for i := range grad {
		grad[i] = float32((probs[i] - targetProbs[i]) / float64(batchSize))
	}
	return tensor.NewTensor(predicted.Shape, tensor.Float32, predicted.Device, grad)
}

func checkSoftTargets(predicted, target *tensor.Tensor) error {
	if predicted.DType != tensor.Float32 || target.DType != tensor.Float32 {
		return fmt.Errorf("soft cross entropy requires Float32 outputs and targets")
	}
	if len(predicted.Shape) != 2 {
		return fmt.Errorf("outputs must be [batch, classes], got %v", predicted.Shape)
	}
	if len(target.Shape) != 2 || target.Shape[0] != predicted.Shape[0] || target.Shape[1] != predicted.Shape[1] {
		return fmt.Errorf("targets %v must match outputs %v", target.Shape, predicted.Shape)
	}
	return nil
}

// softmaxRows applies a max-shifted softmax to each row.
func softmaxRows(data []float32, rows, cols int) []float64 {
	out := logSoftmaxRows(data, rows, cols)
	for i, v := range out {
		out[i] = math.Exp(v)
	}
	return out
}

// logSoftmaxRows returns log_softmax of each row, computed in float64.
func logSoftmaxRows(data []float32, rows, cols int) []float64 {
	out := make([]float64, rows*cols)
	for i := 0; i < rows; i++ {
		row := out[i*cols : (i+1)*cols]
		for j, v := range data[i*cols : (i+1)*cols] {
			row[j] = float64(v)
		}
		floats.AddConst(-floats.LogSumExp(row), row)
	}
	return out
}
