package training

import (
	"fmt"

	"github.com/tsawler/go-selfdistill/tensor"
)

// MetricType represents different evaluation metrics
type MetricType int

const (
	Accuracy MetricType = iota
	MacroPrecision
	MacroRecall
	MacroF1
)

func (mt MetricType) String() string {
	switch mt {
	case Accuracy:
		return "Accuracy"
	case MacroPrecision:
		return "MacroPrecision"
	case MacroRecall:
		return "MacroRecall"
	case MacroF1:
		return "MacroF1"
	default:
		return fmt.Sprintf("Unknown(%d)", int(mt))
	}
}

// ConfusionMatrix accumulates argmax predictions of classifier logits.
type ConfusionMatrix struct {
	NumClasses   int
	Matrix       [][]int // [true_class][predicted_class]
	TotalSamples int
}

// NewConfusionMatrix creates a new confusion matrix
func NewConfusionMatrix(numClasses int) *ConfusionMatrix {
	matrix := make([][]int, numClasses)
	for i := range matrix {
		matrix[i] = make([]int, numClasses)
	}
	return &ConfusionMatrix{NumClasses: numClasses, Matrix: matrix}
}

// Reset clears the confusion matrix
func (cm *ConfusionMatrix) Reset() {
	for i := range cm.Matrix {
		for j := range cm.Matrix[i] {
			cm.Matrix[i][j] = 0
		}
	}
	cm.TotalSamples = 0
}

// Update adds one batch of [N, NumClasses] logits with their labels.
func (cm *ConfusionMatrix) Update(logits *tensor.Tensor, labels []int32) error {
	if len(logits.Shape) != 2 || logits.Shape[1] != cm.NumClasses {
		return fmt.Errorf("logits shape %v does not match %d classes", logits.Shape, cm.NumClasses)
	}
	if logits.Shape[0] != len(labels) {
		return fmt.Errorf("labels length mismatch: expected %d, got %d", logits.Shape[0], len(labels))
	}
	data, ok := logits.Data.([]float32)
	if !ok {
		return fmt.Errorf("logits must be float32, got %s", logits.DType)
	}
	for i, label := range labels {
		if label < 0 || int(label) >= cm.NumClasses {
			return fmt.Errorf("label %d at row %d outside [0, %d)", label, i, cm.NumClasses)
		}
		row := data[i*cm.NumClasses : (i+1)*cm.NumClasses]
		pred := 0
		for j := 1; j < len(row); j++ {
			if row[j] > row[pred] {
				pred = j
			}
		}
		cm.Matrix[label][pred]++
		cm.TotalSamples++
	}
	return nil
}

// GetMetric computes metric from the accumulated counts.
func (cm *ConfusionMatrix) GetMetric(metric MetricType) float64 {
	switch metric {
	case Accuracy:
		return cm.GetAccuracy()
	case MacroPrecision:
		return cm.macro(func(c int) (int, int) { return cm.Matrix[c][c], cm.column(c) })
	case MacroRecall:
		return cm.macro(func(c int) (int, int) { return cm.Matrix[c][c], cm.row(c) })
	case MacroF1:
		p := cm.GetMetric(MacroPrecision)
		r := cm.GetMetric(MacroRecall)
		if p+r == 0 {
			return 0
		}
		return 2 * p * r / (p + r)
	default:
		return 0
	}
}

// macro averages tp/total over classes with a non-zero total.
func (cm *ConfusionMatrix) macro(counts func(c int) (tp, total int)) float64 {
	sum := 0.0
	valid := 0
	for c := 0; c < cm.NumClasses; c++ {
		tp, total := counts(c)
		if total > 0 {
			sum += float64(tp) / float64(total)
			valid++
		}
	}
	if valid == 0 {
		return 0
	}
	return sum / float64(valid)
}

func (cm *ConfusionMatrix) row(c int) int {
	n := 0
	for _, v := range cm.Matrix[c] {
		n += v
	}
	return n
}

func (cm *ConfusionMatrix) column(c int) int {
	n := 0
	for i := range cm.Matrix {
		n += cm.Matrix[i][c]
	}
	return n
}

// GetAccuracy returns overall classification accuracy
func (cm *ConfusionMatrix) GetAccuracy() float64 {
	if cm.TotalSamples == 0 {
		return 0.0
	}
	correct := 0
	for i := 0; i < cm.NumClasses; i++ {
		correct += cm.Matrix[i][i]
	}
	return float64(correct) / float64(cm.TotalSamples)
}
