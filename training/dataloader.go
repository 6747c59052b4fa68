package training

import (
	"fmt"
	"math/rand"
	"sync"

	"github.com/tsawler/go-selfdistill/tensor"
)

// Dataset interface defines methods that all datasets must implement
type Dataset interface {
	Len() int
	// Get returns one [C, H, W] image and its class.
	Get(idx int) (image *tensor.Tensor, label int32, err error)
}

// Augmenter produces a random view of a [C, H, W] image. It must not modify
// its input.
type Augmenter func(rng *rand.Rand, image *tensor.Tensor) (*tensor.Tensor, error)

// TwoCropLoader batches a dataset into two-crop training batches: every
// sample is augmented twice and the batch holds all first crops followed by
// all second crops.
type TwoCropLoader struct {
	dataset   Dataset
	batchSize int
	shuffle   bool
	augment   Augmenter
	device    tensor.DeviceType
	rng       *rand.Rand
	indices   []int
	position  int
	err       error
	mutex     sync.Mutex
}

// NewTwoCropLoader creates a loader. A nil augment uses FlipNoise(0.1).
func NewTwoCropLoader(dataset Dataset, batchSize int, shuffle bool, augment Augmenter, device tensor.DeviceType, seed int64) (*TwoCropLoader, error) {
	if batchSize <= 0 {
		return nil, fmt.Errorf("batch size must be positive, got %d", batchSize)
	}
	if augment == nil {
		augment = FlipNoise(0.1)
	}
	indices := make([]int, dataset.Len())
	for i := range indices {
		indices[i] = i
	}
	return &TwoCropLoader{
		dataset:   dataset,
		batchSize: batchSize,
		shuffle:   shuffle,
		augment:   augment,
		device:    device,
		rng:       rand.New(rand.NewSource(seed)),
		indices:   indices,
	}, nil
}

// Batch is one two-crop batch. Data is [2*len(Labels), C, H, W].
type Batch struct {
	Data   *tensor.Tensor
	Labels []int32
}

// Len returns the number of batches in an epoch
func (dl *TwoCropLoader) Len() int {
	return (dl.dataset.Len() + dl.batchSize - 1) / dl.batchSize
}

// Reset resets the data loader for a new epoch
func (dl *TwoCropLoader) Reset() {
	dl.mutex.Lock()
	defer dl.mutex.Unlock()

	dl.position = 0
	dl.err = nil
	if dl.shuffle {
		dl.rng.Shuffle(len(dl.indices), func(i, j int) {
			dl.indices[i], dl.indices[j] = dl.indices[j], dl.indices[i]
		})
	}
}

// Next returns the next batch or nil if epoch is complete
func (dl *TwoCropLoader) Next() (*Batch, error) {
	dl.mutex.Lock()
	defer dl.mutex.Unlock()

	if dl.position >= len(dl.indices) {
		return nil, nil
	}
	batchEnd := dl.position + dl.batchSize
	if batchEnd > len(dl.indices) {
		batchEnd = len(dl.indices)
	}
	batchIndices := dl.indices[dl.position:batchEnd]
	dl.position = batchEnd

	batch, err := dl.loadBatch(batchIndices)
	if err != nil {
		return nil, fmt.Errorf("failed to load batch: %w", err)
	}
	return batch, nil
}

// HasNext returns true if there are more batches in the current epoch
func (dl *TwoCropLoader) HasNext() bool {
	dl.mutex.Lock()
	defer dl.mutex.Unlock()
	return dl.position < len(dl.indices)
}

// loadBatch augments every sample twice and lays the crops out crop-major.
func (dl *TwoCropLoader) loadBatch(indices []int) (*Batch, error) {
	n := len(indices)
	labels := make([]int32, n)
	var data []float32
	var sampleShape []int
	var sampleSize int

	for i, idx := range indices {
		image, label, err := dl.dataset.Get(idx)
		if err != nil {
			return nil, fmt.Errorf("failed to load sample %d: %w", idx, err)
		}
		if data == nil {
			sampleShape = image.Shape
			sampleSize = image.NumElems
			data = make([]float32, 2*n*sampleSize)
		}
		labels[i] = label
		for crop := 0; crop < 2; crop++ {
			view, err := dl.augment(dl.rng, image)
			if err != nil {
				return nil, fmt.Errorf("failed to augment sample %d: %w", idx, err)
			}
			if err := copyInto(data, view, crop*n+i, sampleShape); err != nil {
				return nil, fmt.Errorf("sample %d: %w", idx, err)
			}
		}
	}

	shape := append([]int{2 * n}, sampleShape...)
	batchData, err := tensor.NewTensor(shape, tensor.Float32, dl.device, data)
	if err != nil {
		return nil, err
	}
	return &Batch{Data: batchData, Labels: labels}, nil
}

// copyInto copies a sample into row index of a flat batch buffer.
func copyInto(batch []float32, sample *tensor.Tensor, index int, shape []int) error {
	if sample.DType != tensor.Float32 {
		return fmt.Errorf("dtype mismatch: expected Float32, got %s", sample.DType)
	}
	if !sameShape(sample.Shape, shape) {
		return fmt.Errorf("shape mismatch: batch expects %v, got %v", shape, sample.Shape)
	}
	src := sample.Data.([]float32)
	copy(batch[index*len(src):(index+1)*len(src)], src)
	return nil
}

func sameShape(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// Iterator returns a channel-based iterator over one epoch. The channel is
// closed at the end of the epoch or on the first error, which Err reports.
func (dl *TwoCropLoader) Iterator() <-chan *Batch {
	batchChan := make(chan *Batch, 1)

	go func() {
		defer close(batchChan)

		dl.Reset()
		for dl.HasNext() {
			batch, err := dl.Next()
			if err != nil {
				dl.mutex.Lock()
				dl.err = err
				dl.mutex.Unlock()
				return
			}
			if batch == nil {
				break
			}
			batchChan <- batch
		}
	}()

	return batchChan
}

// Err returns the error that stopped the last Iterator, if any.
func (dl *TwoCropLoader) Err() error {
	dl.mutex.Lock()
	defer dl.mutex.Unlock()
	return dl.err
}

// FlipNoise returns an augmenter that mirrors the image horizontally with
// probability 0.5 and adds gaussian noise with standard deviation std.
func FlipNoise(std float64) Augmenter {
	return func(rng *rand.Rand, image *tensor.Tensor) (*tensor.Tensor, error) {
		if len(image.Shape) != 3 || image.DType != tensor.Float32 {
			return nil, fmt.Errorf("augment expects a [C, H, W] Float32 image, got %v %s", image.Shape, image.DType)
		}
		width := image.Shape[2]
		src := image.Data.([]float32)
		out := make([]float32, len(src))
		flip := rng.Intn(2) == 1
		for r := 0; r < len(src)/width; r++ {
			for c := 0; c < width; c++ {
				from := c
				if flip {
					from = width - 1 - c
				}
				out[r*width+c] = src[r*width+from] + float32(rng.NormFloat64()*std)
			}
		}
		return tensor.NewTensor(append([]int(nil), image.Shape...), tensor.Float32, image.Device, out)
	}
}

// SyntheticDataset draws images whose pixels are a per-class mean plus noise.
// Sample idx is deterministic for a given seed.
type SyntheticDataset struct {
	size       int
	shape      []int
	numClasses int
	seed       int64
}

// NewSyntheticDataset creates size samples of the given [C, H, W] shape.
func NewSyntheticDataset(size int, shape []int, numClasses int, seed int64) (*SyntheticDataset, error) {
	if size <= 0 || numClasses <= 0 || len(shape) != 3 {
		return nil, fmt.Errorf("invalid synthetic dataset: size=%d classes=%d shape=%v", size, numClasses, shape)
	}
	return &SyntheticDataset{size: size, shape: shape, numClasses: numClasses, seed: seed}, nil
}

// Len returns the number of samples.
func (ds *SyntheticDataset) Len() int {
	return ds.size
}

// Get returns sample idx.
func (ds *SyntheticDataset) Get(idx int) (*tensor.Tensor, int32, error) {
	if idx < 0 || idx >= ds.size {
		return nil, 0, fmt.Errorf("index %d out of range [0, %d)", idx, ds.size)
	}
	rng := rand.New(rand.NewSource(ds.seed*1000003 + int64(idx)))
	label := int32(rng.Intn(ds.numClasses))
	n := ds.shape[0] * ds.shape[1] * ds.shape[2]
	data := make([]float32, n)
	mean := float32(label) / float32(ds.numClasses)
	for i := range data {
		data[i] = mean + float32(rng.NormFloat64()*0.5)
	}
	image, err := tensor.NewTensor(append([]int(nil), ds.shape...), tensor.Float32, tensor.CPU, data)
	return image, label, err
}
