package checkpoints

import (
	"errors"
	"io"
	"log/slog"
	"math/rand"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/tsawler/go-selfdistill/network"
	"github.com/tsawler/go-selfdistill/tensor"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func tinyConfig(seed int64) network.Config {
	return network.Config{
		Backbone: network.BackboneConfig{
			Block:         network.BasicBlock,
			Layers:        [network.NumExits]int{1, 1, 1, 1},
			InputChannels: 3,
			StemWidth:     4,
			Groups:        1,
			WidthPerGroup: 64,
		},
		NumClasses:      3,
		EmbeddingDim:    8,
		ProjectionDim:   16,
		PredictorHidden: 8,
		ProjectorLayers: 3,
		QueueCapacity:   2,
		Seed:            seed,
	}
}

// trainedNetwork runs one training pass so batch statistics and the queue
// differ from a freshly built network.
func trainedNetwork(t *testing.T) *network.SelfDistillNet {
	t.Helper()
	net, err := network.New(tinyConfig(1))
	if err != nil {
		t.Fatalf("network.New failed: %v", err)
	}
	x, _ := tensor.RandomNormal(rand.New(rand.NewSource(5)), []int{4, 3, 16, 16}, 0, 1, tensor.CPU)
	if _, err := net.Forward(x, []int32{0, 2}, true); err != nil {
		t.Fatalf("Forward failed: %v", err)
	}
	return net
}

func evalLogits(t *testing.T, net *network.SelfDistillNet) []float32 {
	t.Helper()
	x, _ := tensor.RandomNormal(rand.New(rand.NewSource(8)), []int{2, 3, 16, 16}, 0, 1, tensor.CPU)
	out, err := net.Forward(x, nil, false)
	if err != nil {
		t.Fatalf("Eval forward failed: %v", err)
	}
	return out.Logits.Data.([]float32)
}

func TestCheckpointRoundTrip(t *testing.T) {
	net := trainedNetwork(t)
	want := evalLogits(t, net)

	for _, format := range []CheckpointFormat{FormatJSON, FormatProto} {
		t.Run(format.String(), func(t *testing.T) {
			ckpt, err := FromModel(net, TrainingState{Epoch: 2, Step: 40, BestLoss: 1.25, BestAccuracy: 0.5})
			if err != nil {
				t.Fatalf("FromModel failed: %v", err)
			}
			ckpt.Metadata.Description = "round trip"
			ckpt.Metadata.Tags = []string{"tiny", "test"}

			path := filepath.Join(t.TempDir(), "model.ckpt")
			saver := NewCheckpointSaver(format, quietLogger())
			if err := saver.SaveCheckpoint(ckpt, path); err != nil {
				t.Fatalf("SaveCheckpoint failed: %v", err)
			}
			loaded, err := saver.LoadCheckpoint(path)
			if err != nil {
				t.Fatalf("LoadCheckpoint failed: %v", err)
			}

			if loaded.Metadata.ID != ckpt.Metadata.ID || loaded.Metadata.ID == "" {
				t.Errorf("Expected id %q, got %q", ckpt.Metadata.ID, loaded.Metadata.ID)
			}
			if !loaded.Metadata.CreatedAt.Equal(ckpt.Metadata.CreatedAt) {
				t.Errorf("CreatedAt changed: %v vs %v", loaded.Metadata.CreatedAt, ckpt.Metadata.CreatedAt)
			}
			if len(loaded.Metadata.Tags) != 2 || loaded.Metadata.Description != "round trip" {
				t.Errorf("Unexpected metadata %+v", loaded.Metadata)
			}
			if loaded.TrainingState != ckpt.TrainingState {
				t.Errorf("Expected training state %+v, got %+v", ckpt.TrainingState, loaded.TrainingState)
			}
			if loaded.Queue == nil || loaded.Queue.Writes != 1 {
				t.Fatalf("Queue state not restored: %+v", loaded.Queue)
			}

			restored, err := loaded.Restore()
			if err != nil {
				t.Fatalf("Restore failed: %v", err)
			}
			got := evalLogits(t, restored)
			for i := range want {
				if got[i] != want[i] {
					t.Fatalf("Logit %d: expected %f, got %f", i, want[i], got[i])
				}
			}
			if restored.Queue().Occupancy(0) != 1 || restored.Queue().Occupancy(2) != 1 {
				t.Error("Queue occupancy not restored")
			}
		})
	}
}

func TestCheckpointApplyIncompatible(t *testing.T) {
	net := trainedNetwork(t)
	ckpt, err := FromModel(net, TrainingState{})
	if err != nil {
		t.Fatalf("FromModel failed: %v", err)
	}

	wider := tinyConfig(1)
	wider.EmbeddingDim = 16
	other, _ := network.New(wider)
	if err := ckpt.Apply(other); !errors.Is(err, ErrIncompatible) {
		t.Errorf("Expected ErrIncompatible, got %v", err)
	}

	ckpt.Weights = ckpt.Weights[1:]
	fresh, _ := network.New(tinyConfig(1))
	if err := ckpt.Apply(fresh); !errors.Is(err, ErrIncompatible) {
		t.Errorf("Expected ErrIncompatible for missing weight, got %v", err)
	}
}

func TestCheckpointSaverDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "empty.json")
	saver := NewCheckpointSaver(FormatJSON, quietLogger())
	ckpt := &Checkpoint{Config: tinyConfig(0)}
	before := time.Now().UTC()
	if err := saver.SaveCheckpoint(ckpt, path); err != nil {
		t.Fatalf("SaveCheckpoint failed: %v", err)
	}
	if ckpt.Metadata.ID == "" || ckpt.Metadata.Framework != Framework || ckpt.Metadata.Version != FormatVersion {
		t.Errorf("Metadata defaults not filled: %+v", ckpt.Metadata)
	}
	if ckpt.Metadata.CreatedAt.Before(before.Add(-time.Second)) {
		t.Errorf("Unexpected creation time %v", ckpt.Metadata.CreatedAt)
	}
	if _, err := os.Stat(path + ".tmp"); !os.IsNotExist(err) {
		t.Error("Temporary file left behind")
	}
}

func TestCheckpointFormats(t *testing.T) {
	tests := []struct {
		path string
		want CheckpointFormat
	}{
		{"run/model.json", FormatJSON},
		{"MODEL.JSON", FormatJSON},
		{"model.ckpt", FormatProto},
		{"model", FormatProto},
	}
	for _, tt := range tests {
		if got := FormatForPath(tt.path); got != tt.want {
			t.Errorf("FormatForPath(%q) = %s, want %s", tt.path, got, tt.want)
		}
	}
	if CheckpointFormat(7).String() != "Unknown" {
		t.Error("Expected Unknown for an invalid format")
	}
	saver := NewCheckpointSaver(CheckpointFormat(7), quietLogger())
	if err := saver.SaveCheckpoint(&Checkpoint{}, filepath.Join(t.TempDir(), "x")); err == nil {
		t.Error("Expected error for unsupported format")
	}
}

func TestLoadCheckpointErrors(t *testing.T) {
	dir := t.TempDir()
	saver := NewCheckpointSaver(FormatProto, quietLogger())
	if _, err := saver.LoadCheckpoint(filepath.Join(dir, "missing.ckpt")); err == nil {
		t.Error("Expected error for missing file")
	}

	garbage := filepath.Join(dir, "garbage.ckpt")
	os.WriteFile(garbage, []byte{0x0a, 0xff, 0xff}, 0o644)
	if _, err := saver.LoadCheckpoint(garbage); err == nil {
		t.Error("Expected error for truncated message")
	}

	// A well-formed message without the config field.
	empty := filepath.Join(dir, "empty.ckpt")
	os.WriteFile(empty, []byte{}, 0o644)
	if _, err := saver.LoadCheckpoint(empty); !errors.Is(err, errMalformed) {
		t.Errorf("Expected errMalformed, got %v", err)
	}
}
