package training

import (
	"bytes"
	"strings"
	"testing"

	"github.com/tsawler/go-selfdistill/layers"
)

func TestProgressBar(t *testing.T) {
	var buf bytes.Buffer
	pb := NewProgressBar("Testing", 4)
	pb.SetOutput(&buf)

	pb.Update(2, map[string]float64{"loss": 1.5, "acc": 0.25})
	line := buf.String()
	for _, want := range []string{"Testing:", " 50%", "2/4", "acc=25.00%", "loss=1.500"} {
		if !strings.Contains(line, want) {
			t.Errorf("Expected %q in %q", want, line)
		}
	}
	if strings.Index(line, "acc=") > strings.Index(line, "loss=") {
		t.Error("Metrics should be rendered in sorted order")
	}

	buf.Reset()
	pb.Finish()
	if !strings.Contains(buf.String(), "4/4") || !strings.HasSuffix(buf.String(), "\n") {
		t.Errorf("Unexpected finished bar %q", buf.String())
	}
}

func TestObjectiveMetrics(t *testing.T) {
	res := &ObjectiveResult{
		Total:        3,
		CrossEntropy: 1,
		Contrastive:  []float64{0.1, 0.2, 0.3, 0.4},
		Alignment:    []float64{0, -0.5, -0.6, -0.7},
	}
	m := ObjectiveMetrics(res)
	if m["loss"] != 3 || m["con4"] != 0.4 || m["align2"] != -0.5 {
		t.Errorf("Unexpected metrics %v", m)
	}
	if _, ok := m["align1"]; ok {
		t.Error("The deepest exit has no alignment term")
	}
}

func TestModelArchitecturePrinting(t *testing.T) {
	f := layers.NewFactory()
	spec := &layers.ModelSpec{
		Name: "tiny",
		Layers: []layers.LayerSpec{
			f.CreateGroupedConv2DSpec(3, 8, 3, 2, 1, 1, 1, false, "stem.conv1"),
			f.CreateBatchNormSpec(8, 1e-5, 0.1, true, "stem.bn1"),
			f.CreateGlobalAvgPoolSpec("pool"),
			f.CreateDenseSpec(8, 10, true, "fc"),
		},
		TotalParameters: 1234,
		InputShape:      []int{2, 3, 16, 16},
	}

	var buf bytes.Buffer
	NewModelArchitecturePrinter("TinyNet", &buf).PrintArchitecture(spec)
	out := buf.String()
	for _, want := range []string{
		"TinyNet(",
		"(stem.conv1): Conv2d(3, 8, kernel_size=(3, 3), stride=(2, 2), padding=(1, 1), bias=false)",
		"(stem.bn1): BatchNorm(8",
		"(pool): AdaptiveAvgPool2d",
		"(fc): Linear(in_features=8, out_features=10, bias=true)",
		"Trainable parameters: 1.2K",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("Expected %q in architecture:\n%s", want, out)
		}
	}
}

func TestTrainingSessionSummary(t *testing.T) {
	var buf bytes.Buffer
	ts := NewTrainingSession("TinyNet", 2, 3, &buf)
	ts.StartEpoch(1)
	ts.UpdateTrainingProgress(1, &ObjectiveResult{Total: 2.5, Contrastive: []float64{1}, Alignment: []float64{0}}, 0.5)
	ts.FinishTrainingEpoch()
	ts.RecordEvaluation(0.25)
	ts.PrintEpochSummary()

	out := buf.String()
	for _, want := range []string{"Epoch 1/2", "Loss: 2.5000", "Accuracy: 50.00%", "Evaluation - Accuracy: 25.00%"} {
		if !strings.Contains(out, want) {
			t.Errorf("Expected %q in %q", want, out)
		}
	}
}
