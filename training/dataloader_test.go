package training

import (
	"math/rand"
	"testing"

	"github.com/tsawler/go-selfdistill/tensor"
)

func TestSyntheticDataset(t *testing.T) {
	ds, err := NewSyntheticDataset(10, []int{2, 4, 4}, 3, 7)
	if err != nil {
		t.Fatalf("Failed to create dataset: %v", err)
	}
	if ds.Len() != 10 {
		t.Errorf("Expected length 10, got %d", ds.Len())
	}

	a, la, err := ds.Get(3)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	b, lb, _ := ds.Get(3)
	if la != lb || a.Data.([]float32)[5] != b.Data.([]float32)[5] {
		t.Error("Samples should be deterministic per index")
	}
	if la < 0 || la >= 3 {
		t.Errorf("Label %d out of range", la)
	}

	if _, _, err := ds.Get(10); err == nil {
		t.Error("Expected error for out of bounds index")
	}
	if _, err := NewSyntheticDataset(0, []int{1, 2, 2}, 3, 0); err == nil {
		t.Error("Expected error for empty dataset")
	}
}

func TestFlipNoise(t *testing.T) {
	image, _ := tensor.NewTensor([]int{1, 1, 3}, tensor.Float32, tensor.CPU, []float32{1, 2, 3})
	aug := FlipNoise(0)
	rng := rand.New(rand.NewSource(1))

	sawFlip, sawSame := false, false
	for i := 0; i < 20; i++ {
		view, err := aug(rng, image)
		if err != nil {
			t.Fatalf("Augment failed: %v", err)
		}
		v := view.Data.([]float32)
		switch {
		case v[0] == 3 && v[2] == 1:
			sawFlip = true
		case v[0] == 1 && v[2] == 3:
			sawSame = true
		default:
			t.Fatalf("Unexpected view %v", v)
		}
	}
	if !sawFlip || !sawSame {
		t.Error("Expected both flipped and unflipped views")
	}
	if image.Data.([]float32)[0] != 1 {
		t.Error("Augmenter must not modify its input")
	}

	flat, _ := tensor.Zeros([]int{4}, tensor.Float32, tensor.CPU)
	if _, err := aug(rng, flat); err == nil {
		t.Error("Expected error for a non-image tensor")
	}
}

func TestTwoCropLoader(t *testing.T) {
	ds, _ := NewSyntheticDataset(5, []int{1, 2, 2}, 2, 1)
	identity := func(_ *rand.Rand, image *tensor.Tensor) (*tensor.Tensor, error) { return image, nil }
	dl, err := NewTwoCropLoader(ds, 2, false, identity, tensor.CPU, 0)
	if err != nil {
		t.Fatalf("Failed to create loader: %v", err)
	}
	if dl.Len() != 3 {
		t.Errorf("Expected 3 batches, got %d", dl.Len())
	}

	dl.Reset()
	batch, err := dl.Next()
	if err != nil {
		t.Fatalf("Next failed: %v", err)
	}
	if batch.Data.Shape[0] != 4 || len(batch.Labels) != 2 {
		t.Fatalf("Expected 4 rows for 2 labels, got %v and %d", batch.Data.Shape, len(batch.Labels))
	}
	// Crop-major: rows 0 and 2 are the two views of sample 0.
	data := batch.Data.Data.([]float32)
	s0, l0, _ := ds.Get(0)
	for k, v := range s0.Data.([]float32) {
		if data[k] != v || data[2*4+k] != v {
			t.Fatalf("Row layout mismatch at %d", k)
		}
	}
	if batch.Labels[0] != l0 {
		t.Errorf("Expected label %d, got %d", l0, batch.Labels[0])
	}

	batches := 0
	rows := 0
	for b := range dl.Iterator() {
		batches++
		rows += b.Data.Shape[0]
	}
	if dl.Err() != nil {
		t.Fatalf("Iterator failed: %v", dl.Err())
	}
	if batches != 3 || rows != 10 {
		t.Errorf("Expected 3 batches with 10 rows, got %d and %d", batches, rows)
	}

	if _, err := NewTwoCropLoader(ds, 0, false, nil, tensor.CPU, 0); err == nil {
		t.Error("Expected error for zero batch size")
	}
}

func TestTwoCropLoaderShuffle(t *testing.T) {
	ds, _ := NewSyntheticDataset(8, []int{1, 1, 1}, 4, 2)
	dl, _ := NewTwoCropLoader(ds, 8, true, FlipNoise(0), tensor.CPU, 3)
	dl.Reset()
	batch, err := dl.Next()
	if err != nil {
		t.Fatalf("Next failed: %v", err)
	}
	seen := map[float32]int{}
	for _, v := range batch.Data.Data.([]float32)[:8] {
		seen[v]++
	}
	for i := 0; i < 8; i++ {
		img, _, _ := ds.Get(i)
		if seen[img.Data.([]float32)[0]] == 0 {
			t.Errorf("Sample %d missing from the shuffled epoch", i)
		}
	}
	if next, _ := dl.Next(); next != nil {
		t.Error("Expected end of epoch")
	}
}
