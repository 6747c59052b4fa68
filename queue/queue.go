// Package queue holds a bounded per-class memory of normalized embeddings
// from past training batches, kept for every network exit in lockstep.
package queue

import (
	"errors"
	"fmt"
	"math"
	"math/rand"

	"github.com/tsawler/go-selfdistill/tensor"
)

// ErrInvalidQueue is returned for malformed queue dimensions or state.
var ErrInvalidQueue = errors.New("invalid queue configuration")

// DynamicFeatureQueue keeps, for every depth, a [classes*capacity, dim]
// buffer. Class c owns rows [c*capacity, (c+1)*capacity) and writes them in
// ring order through its own cursor. The label buffer and every depth buffer
// are written together, so row r refers to the same sample at every depth.
//
// A queue has a single owner and is not safe for concurrent use.
type DynamicFeatureQueue struct {
	depths   int
	classes  int
	capacity int
	dim      int

	buffers []*tensor.Tensor
	labels  []int32
	cursor  []int
	filled  []int
	writes  uint64

	// labelColumn is a [classes*capacity, 1] view over labels.
	labelColumn *tensor.Tensor
}

// New creates a queue whose rows start as random unit vectors. Every slot of
// class c is labelled c from the start, so snapshots always carry a complete
// label buffer.
func New(depths, classes, capacity, dim int, rng *rand.Rand) (*DynamicFeatureQueue, error) {
	if depths <= 0 || classes <= 0 || capacity <= 0 || dim <= 0 {
		return nil, fmt.Errorf("%w: depths=%d classes=%d capacity=%d dim=%d",
			ErrInvalidQueue, depths, classes, capacity, dim)
	}
	if rng == nil {
		rng = rand.New(rand.NewSource(0))
	}

	q := &DynamicFeatureQueue{
		depths:   depths,
		classes:  classes,
		capacity: capacity,
		dim:      dim,
		buffers:  make([]*tensor.Tensor, depths),
		labels:   make([]int32, classes*capacity),
		cursor:   make([]int, classes),
		filled:   make([]int, classes),
	}
	for d := range q.buffers {
		raw, err := tensor.RandomNormal(rng, []int{classes * capacity, dim}, 0, 1, tensor.CPU)
		if err != nil {
			return nil, err
		}
		if q.buffers[d], err = tensor.L2NormalizeRows(raw, 1e-12); err != nil {
			return nil, err
		}
	}
	for c := 0; c < classes; c++ {
		for k := 0; k < capacity; k++ {
			q.labels[c*capacity+k] = int32(c)
		}
	}
	col, err := tensor.NewTensor([]int{classes * capacity, 1}, tensor.Int32, tensor.CPU, q.labels)
	if err != nil {
		return nil, err
	}
	q.labelColumn = col
	return q, nil
}

func (q *DynamicFeatureQueue) Depths() int   { return q.depths }
func (q *DynamicFeatureQueue) Classes() int  { return q.classes }
func (q *DynamicFeatureQueue) Capacity() int { return q.capacity }
func (q *DynamicFeatureQueue) Dim() int      { return q.dim }

// Occupancy returns how many real samples class c currently holds (≤ capacity).
func (q *DynamicFeatureQueue) Occupancy(c int) int {
	return q.filled[c]
}

// Snapshot returns a deep copy of every buffer. Later enqueues never alter it.
func (q *DynamicFeatureQueue) Snapshot() *Snapshot {
	s := &Snapshot{
		Buffers:  make([]*tensor.Tensor, q.depths),
		Capacity: q.capacity,
		Filled:   append([]int(nil), q.filled...),
		Cursor:   append([]int(nil), q.cursor...),
		Version:  q.writes,
	}
	for d, b := range q.buffers {
		s.Buffers[d] = b.MustClone()
	}
	s.Labels = q.labelColumn.MustClone()
	return s
}

// Enqueue writes one row per label into every depth buffer. features is
// ordered like the buffers and each entry must be [len(labels), dim]; rows
// are expected to be unit norm already.
//
// A label outside [0, classes) or a shape that does not match the queue is a
// programming error and panics.
func (q *DynamicFeatureQueue) Enqueue(features []*tensor.Tensor, labels []int32) {
	if len(features) != q.depths {
		panic(fmt.Sprintf("queue: expected %d depth tensors, got %d", q.depths, len(features)))
	}
	for d, f := range features {
		if f.DType != tensor.Float32 || len(f.Shape) != 2 || f.Shape[0] != len(labels) || f.Shape[1] != q.dim {
			panic(fmt.Sprintf("queue: depth %d features %v do not match [%d, %d]", d, f.Shape, len(labels), q.dim))
		}
	}
	for _, l := range labels {
		if l < 0 || int(l) >= q.classes {
			panic(fmt.Sprintf("queue: label %d outside [0, %d)", l, q.classes))
		}
	}

	for i, l := range labels {
		c := int(l)
		row := c*q.capacity + q.cursor[c]
		for d, f := range features {
			copy(q.buffers[d].Row(row), f.Row(i))
		}
		q.labels[row] = l
		q.cursor[c] = (q.cursor[c] + 1) % q.capacity
		if q.filled[c] < q.capacity {
			q.filled[c]++
		}
	}
	q.writes++
}

// Snapshot is an immutable copy of the queue taken before an enqueue.
type Snapshot struct {
	// Buffers holds one [classes*capacity, dim] tensor per depth, deepest first.
	Buffers []*tensor.Tensor
	// Labels is the [classes*capacity, 1] Int32 label column.
	Labels   *tensor.Tensor
	Capacity int
	Filled   []int
	Cursor   []int
	Version  uint64
}

// ClassRows returns the occupied row indices of class c, oldest first.
func (s *Snapshot) ClassRows(c int) []int {
	n := s.Filled[c]
	rows := make([]int, 0, n)
	start := 0
	if n == s.Capacity {
		start = s.Cursor[c]
	}
	for k := 0; k < n; k++ {
		rows = append(rows, c*s.Capacity+(start+k)%s.Capacity)
	}
	return rows
}

// FilledRows returns the occupied row indices of every class, class-major.
func (s *Snapshot) FilledRows() []int {
	var rows []int
	for c := range s.Filled {
		rows = append(rows, s.ClassRows(c)...)
	}
	return rows
}

// Gather copies the given rows of depth d into a new [len(rows), dim] tensor
// and returns their labels.
func (s *Snapshot) Gather(d int, rows []int) (*tensor.Tensor, []int32, error) {
	if d < 0 || d >= len(s.Buffers) {
		return nil, nil, fmt.Errorf("%w: depth %d outside [0, %d)", ErrInvalidQueue, d, len(s.Buffers))
	}
	buf := s.Buffers[d]
	dim := buf.Shape[1]
	if len(rows) == 0 {
		return nil, nil, fmt.Errorf("%w: no rows to gather", ErrInvalidQueue)
	}
	data := make([]float32, 0, len(rows)*dim)
	labels := make([]int32, len(rows))
	all := s.Labels.Data.([]int32)
	for i, r := range rows {
		if r < 0 || r >= buf.Shape[0] {
			return nil, nil, fmt.Errorf("%w: row %d outside [0, %d)", ErrInvalidQueue, r, buf.Shape[0])
		}
		data = append(data, buf.Row(r)...)
		labels[i] = all[r]
	}
	t, err := tensor.NewTensor([]int{len(rows), dim}, tensor.Float32, buf.Device, data)
	return t, labels, err
}

// State is the serializable form of a queue.
type State struct {
	Depths   int         `json:"depths"`
	Classes  int         `json:"classes"`
	Capacity int         `json:"capacity"`
	Dim      int         `json:"dim"`
	Buffers  [][]float32 `json:"buffers"`
	Labels   []int32     `json:"labels"`
	Cursor   []int       `json:"cursor"`
	Filled   []int       `json:"filled"`
	Writes   uint64      `json:"writes"`
}

// State copies the queue contents for checkpointing.
func (q *DynamicFeatureQueue) State() *State {
	st := &State{
		Depths:   q.depths,
		Classes:  q.classes,
		Capacity: q.capacity,
		Dim:      q.dim,
		Buffers:  make([][]float32, q.depths),
		Labels:   append([]int32(nil), q.labels...),
		Cursor:   append([]int(nil), q.cursor...),
		Filled:   append([]int(nil), q.filled...),
		Writes:   q.writes,
	}
	for d, b := range q.buffers {
		st.Buffers[d] = append([]float32(nil), b.Data.([]float32)...)
	}
	return st
}

// Restore replaces the queue contents with st. Dimensions must match.
func (q *DynamicFeatureQueue) Restore(st *State) error {
	if st.Depths != q.depths || st.Classes != q.classes || st.Capacity != q.capacity || st.Dim != q.dim {
		return fmt.Errorf("%w: state is %dx%dx%dx%d, queue is %dx%dx%dx%d", ErrInvalidQueue,
			st.Depths, st.Classes, st.Capacity, st.Dim, q.depths, q.classes, q.capacity, q.dim)
	}
	rows := q.classes * q.capacity
	if len(st.Buffers) != q.depths || len(st.Labels) != rows || len(st.Cursor) != q.classes || len(st.Filled) != q.classes {
		return fmt.Errorf("%w: truncated queue state", ErrInvalidQueue)
	}
	for d, b := range st.Buffers {
		if len(b) != rows*q.dim {
			return fmt.Errorf("%w: depth %d buffer has %d values, want %d", ErrInvalidQueue, d, len(b), rows*q.dim)
		}
		for _, v := range b {
			if math.IsNaN(float64(v)) || math.IsInf(float64(v), 0) {
				return fmt.Errorf("%w: depth %d buffer holds non-finite values", ErrInvalidQueue, d)
			}
		}
	}
	for c := 0; c < q.classes; c++ {
		if st.Cursor[c] < 0 || st.Cursor[c] >= q.capacity || st.Filled[c] < 0 || st.Filled[c] > q.capacity {
			return fmt.Errorf("%w: class %d cursor=%d filled=%d", ErrInvalidQueue, c, st.Cursor[c], st.Filled[c])
		}
		// A class that has not wrapped yet occupies rows [0, filled).
		if st.Filled[c] < q.capacity && st.Cursor[c] != st.Filled[c] {
			return fmt.Errorf("%w: class %d cursor=%d does not follow filled=%d", ErrInvalidQueue, c, st.Cursor[c], st.Filled[c])
		}
	}
	for i, l := range st.Labels {
		if l < 0 || int(l) >= q.classes {
			return fmt.Errorf("%w: row %d label %d", ErrInvalidQueue, i, l)
		}
	}

	for d, b := range st.Buffers {
		copy(q.buffers[d].Data.([]float32), b)
	}
	copy(q.labels, st.Labels)
	copy(q.cursor, st.Cursor)
	copy(q.filled, st.Filled)
	q.writes = st.Writes
	return nil
}
