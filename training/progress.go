package training

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/tsawler/go-selfdistill/layers"
)

// ProgressBar provides PyTorch-style training progress visualization
type ProgressBar struct {
	description string
	total       int
	current     int
	startTime   time.Time
	width       int
	showRate    bool
	showETA     bool
	metrics     map[string]float64
	out         io.Writer
}

// NewProgressBar creates a new progress bar writing to stdout
func NewProgressBar(description string, total int) *ProgressBar {
	return &ProgressBar{
		description: description,
		total:       total,
		startTime:   time.Now(),
		width:       40,
		showRate:    true,
		showETA:     true,
		metrics:     make(map[string]float64),
		out:         os.Stdout,
	}
}

// SetOutput redirects rendering to w.
func (pb *ProgressBar) SetOutput(w io.Writer) {
	pb.out = w
}

// Update advances the progress bar
func (pb *ProgressBar) Update(step int, metrics map[string]float64) {
	pb.current = step
	pb.metrics = metrics
	pb.render()
}

// UpdateMetrics updates metrics without advancing progress
func (pb *ProgressBar) UpdateMetrics(metrics map[string]float64) {
	for k, v := range metrics {
		pb.metrics[k] = v
	}
	pb.render()
}

// Finish completes the progress bar
func (pb *ProgressBar) Finish() {
	pb.current = pb.total
	pb.render()
	fmt.Fprintln(pb.out)
}

func (pb *ProgressBar) render() {
	fmt.Fprint(pb.out, pb.line())
}

// line formats the current state, starting with a carriage return so the
// previous line is overwritten.
func (pb *ProgressBar) line() string {
	percentage := 0.0
	if pb.total > 0 {
		percentage = float64(pb.current) / float64(pb.total)
	}
	if percentage > 1.0 {
		percentage = 1.0
	}

	filled := int(percentage * float64(pb.width))
	bar := strings.Repeat("█", filled) + strings.Repeat(" ", pb.width-filled)

	elapsed := time.Since(pb.startTime)
	var eta time.Duration
	var rate float64
	if pb.current > 0 {
		rate = float64(pb.current) / elapsed.Seconds()
		if percentage > 0 {
			eta = time.Duration(float64(elapsed)/percentage) - elapsed
		}
	}

	line := fmt.Sprintf("\r%s: %3.0f%%|%s| %d/%d", pb.description, percentage*100, bar, pb.current, pb.total)
	if pb.showETA && eta > 0 {
		line += fmt.Sprintf(" [%s<%s", formatDuration(elapsed), formatDuration(eta))
	} else {
		line += fmt.Sprintf(" [%s<00:00", formatDuration(elapsed))
	}
	if pb.showRate && rate > 0 {
		line += fmt.Sprintf(", %.2fbatch/s", rate)
	}

	keys := make([]string, 0, len(pb.metrics))
	for k := range pb.metrics {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, key := range keys {
		value := pb.metrics[key]
		if strings.Contains(key, "acc") {
			line += fmt.Sprintf(", %s=%.2f%%", key, value*100)
		} else {
			line += fmt.Sprintf(", %s=%.3f", key, value)
		}
	}
	return line + "]"
}

// formatDuration formats duration as MM:SS
func formatDuration(d time.Duration) string {
	minutes := int(d.Minutes())
	seconds := int(d.Seconds()) % 60
	return fmt.Sprintf("%02d:%02d", minutes, seconds)
}

// ObjectiveMetrics flattens an objective result into progress bar metrics.
// Per-exit terms are named by depth, exit 1 being the deepest.
func ObjectiveMetrics(res *ObjectiveResult) map[string]float64 {
	m := map[string]float64{
		"loss": res.Total,
		"ce":   res.CrossEntropy,
	}
	for d, v := range res.Contrastive {
		m[fmt.Sprintf("con%d", d+1)] = v
	}
	for d := 1; d < len(res.Alignment); d++ {
		m[fmt.Sprintf("align%d", d+1)] = res.Alignment[d]
	}
	return m
}

// ModelArchitecturePrinter prints PyTorch-style model architecture
type ModelArchitecturePrinter struct {
	modelName string
	out       io.Writer
}

// NewModelArchitecturePrinter creates a new model architecture printer
func NewModelArchitecturePrinter(modelName string, out io.Writer) *ModelArchitecturePrinter {
	if out == nil {
		out = os.Stdout
	}
	return &ModelArchitecturePrinter{modelName: modelName, out: out}
}

// PrintArchitecture prints every leaf layer of modelSpec under its
// qualified name followed by a size summary.
func (p *ModelArchitecturePrinter) PrintArchitecture(modelSpec *layers.ModelSpec) {
	fmt.Fprintf(p.out, "Model Architecture:\n")
	fmt.Fprintf(p.out, "%s(\n", p.modelName)
	for _, layer := range modelSpec.Layers {
		fmt.Fprintf(p.out, "  %s\n", p.formatLayer(layer))
	}
	fmt.Fprintf(p.out, ")\n\n")

	fmt.Fprintf(p.out, "Trainable parameters: %s\n", formatParameterCount(modelSpec.TotalParameters))
	fmt.Fprintf(p.out, "Input size (MB): %.3f\n", calculateInputSize(modelSpec.InputShape))
	fmt.Fprintf(p.out, "Params size (MB): %.3f\n\n", float64(modelSpec.TotalParameters*4)/1024/1024)
}

func (p *ModelArchitecturePrinter) formatLayer(layer layers.LayerSpec) string {
	switch layer.Type {
	case layers.Conv2D:
		return p.formatConv2D(layer)
	case layers.Dense:
		return p.formatDense(layer)
	case layers.BatchNorm:
		return fmt.Sprintf("(%s): BatchNorm(%d, eps=%g, momentum=%g)",
			layer.Name, intParam(layer, "num_features"), layer.Parameters["eps"], layer.Parameters["momentum"])
	case layers.MaxPool2D:
		return fmt.Sprintf("(%s): MaxPool2d(kernel_size=%d, stride=%d, padding=%d)",
			layer.Name, intParam(layer, "kernel_size"), intParam(layer, "stride"), intParam(layer, "padding"))
	case layers.GlobalAvgPool:
		return fmt.Sprintf("(%s): AdaptiveAvgPool2d(output_size=(1, 1))", layer.Name)
	case layers.ReLU:
		return fmt.Sprintf("(%s): ReLU()", layer.Name)
	default:
		return fmt.Sprintf("(%s): %s()", layer.Name, layer.Type.String())
	}
}

func (p *ModelArchitecturePrinter) formatConv2D(layer layers.LayerSpec) string {
	k := intParam(layer, "kernel_size")
	s := intParam(layer, "stride")
	pad := intParam(layer, "padding")
	line := fmt.Sprintf("(%s): Conv2d(%d, %d, kernel_size=(%d, %d), stride=(%d, %d), padding=(%d, %d)",
		layer.Name, intParam(layer, "input_channels"), intParam(layer, "output_channels"), k, k, s, s, pad, pad)
	if d := intParam(layer, "dilation"); d > 1 {
		line += fmt.Sprintf(", dilation=(%d, %d)", d, d)
	}
	if g := intParam(layer, "groups"); g > 1 {
		line += fmt.Sprintf(", groups=%d", g)
	}
	useBias, _ := layer.Parameters["use_bias"].(bool)
	return line + fmt.Sprintf(", bias=%t)", useBias)
}

func (p *ModelArchitecturePrinter) formatDense(layer layers.LayerSpec) string {
	useBias, _ := layer.Parameters["use_bias"].(bool)
	return fmt.Sprintf("(%s): Linear(in_features=%d, out_features=%d, bias=%t)",
		layer.Name, intParam(layer, "input_size"), intParam(layer, "output_size"), useBias)
}

func intParam(layer layers.LayerSpec, key string) int {
	v, _ := layer.Parameters[key].(int)
	return v
}

// formatParameterCount formats parameter count with K/M suffixes
func formatParameterCount(count int64) string {
	if count >= 1000000 {
		return fmt.Sprintf("%.1fM", float64(count)/1000000.0)
	} else if count >= 1000 {
		return fmt.Sprintf("%.1fK", float64(count)/1000.0)
	}
	return fmt.Sprintf("%d", count)
}

// calculateInputSize estimates input tensor size in MB
func calculateInputSize(inputShape []int) float64 {
	size := 1
	for _, dim := range inputShape {
		size *= dim
	}
	return float64(size*4) / 1024 / 1024
}

// TrainingSession drives progress display for a distillation run.
type TrainingSession struct {
	modelName     string
	epochs        int
	stepsPerEpoch int
	currentEpoch  int
	out           io.Writer

	architecturePrinter *ModelArchitecturePrinter
	trainProgress       *ProgressBar

	trainLoss     float64
	trainAccuracy float64
	evalAccuracy  float64
}

// NewTrainingSession creates a new training session with progress visualization
func NewTrainingSession(modelName string, epochs, stepsPerEpoch int, out io.Writer) *TrainingSession {
	if out == nil {
		out = os.Stdout
	}
	return &TrainingSession{
		modelName:           modelName,
		epochs:              epochs,
		stepsPerEpoch:       stepsPerEpoch,
		out:                 out,
		architecturePrinter: NewModelArchitecturePrinter(modelName, out),
		trainAccuracy:       -1,
		evalAccuracy:        -1,
	}
}

// StartTraining prints the model architecture.
func (ts *TrainingSession) StartTraining(spec *layers.ModelSpec) {
	ts.architecturePrinter.PrintArchitecture(spec)
	fmt.Fprintln(ts.out, "Starting training...")
}

// StartEpoch begins a new epoch
func (ts *TrainingSession) StartEpoch(epoch int) {
	ts.currentEpoch = epoch
	ts.trainProgress = NewProgressBar(fmt.Sprintf("Epoch %d/%d", epoch, ts.epochs), ts.stepsPerEpoch)
	ts.trainProgress.SetOutput(ts.out)
}

// UpdateTrainingProgress records one optimisation step. A negative accuracy
// is not shown.
func (ts *TrainingSession) UpdateTrainingProgress(step int, res *ObjectiveResult, accuracy float64) {
	ts.trainLoss = res.Total
	ts.trainAccuracy = accuracy
	metrics := ObjectiveMetrics(res)
	if accuracy >= 0 {
		metrics["acc"] = accuracy
	}
	ts.trainProgress.Update(step, metrics)
}

// FinishTrainingEpoch completes the training phase of an epoch
func (ts *TrainingSession) FinishTrainingEpoch() {
	if ts.trainProgress != nil {
		ts.trainProgress.Finish()
	}
}

// RecordEvaluation stores the evaluation accuracy shown in the epoch summary.
func (ts *TrainingSession) RecordEvaluation(accuracy float64) {
	ts.evalAccuracy = accuracy
}

// PrintEpochSummary prints a summary of the completed epoch
func (ts *TrainingSession) PrintEpochSummary() {
	fmt.Fprintf(ts.out, "Epoch %d/%d Summary:\n", ts.currentEpoch, ts.epochs)
	fmt.Fprintf(ts.out, "  Training   - Loss: %.4f", ts.trainLoss)
	if ts.trainAccuracy >= 0 {
		fmt.Fprintf(ts.out, ", Accuracy: %.2f%%", ts.trainAccuracy*100)
	}
	fmt.Fprintln(ts.out)
	if ts.evalAccuracy >= 0 {
		fmt.Fprintf(ts.out, "  Evaluation - Accuracy: %.2f%%\n", ts.evalAccuracy*100)
	}
	fmt.Fprintln(ts.out)
}
