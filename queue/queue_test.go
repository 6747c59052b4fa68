package queue

import (
	"errors"
	"math"
	"math/rand"
	"testing"

	"github.com/tsawler/go-selfdistill/tensor"
)

// rowsOf builds a [len(values), dim] tensor whose row i is values[i] repeated.
func rowsOf(values []float32, dim int) *tensor.Tensor {
	data := make([]float32, 0, len(values)*dim)
	for _, v := range values {
		for j := 0; j < dim; j++ {
			data = append(data, v)
		}
	}
	t, _ := tensor.NewTensor([]int{len(values), dim}, tensor.Float32, tensor.CPU, data)
	return t
}

func depthsOf(depths int, values []float32, dim int) []*tensor.Tensor {
	fs := make([]*tensor.Tensor, depths)
	for d := range fs {
		scaled := make([]float32, len(values))
		for i, v := range values {
			scaled[i] = v + float32(d)*1000
		}
		fs[d] = rowsOf(scaled, dim)
	}
	return fs
}

func TestNewValidation(t *testing.T) {
	if _, err := New(4, 0, 8, 16, nil); !errors.Is(err, ErrInvalidQueue) {
		t.Errorf("Expected ErrInvalidQueue for zero classes, got %v", err)
	}
	if _, err := New(4, 3, -1, 16, nil); !errors.Is(err, ErrInvalidQueue) {
		t.Errorf("Expected ErrInvalidQueue for negative capacity, got %v", err)
	}

	q, err := New(4, 3, 5, 8, rand.New(rand.NewSource(1)))
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	s := q.Snapshot()
	if len(s.Buffers) != 4 {
		t.Fatalf("Expected 4 buffers, got %d", len(s.Buffers))
	}
	for i := 0; i < 15; i++ {
		var norm float64
		for _, v := range s.Buffers[2].Row(i) {
			norm += float64(v) * float64(v)
		}
		if math.Abs(norm-1) > 1e-4 {
			t.Errorf("Row %d: expected unit norm, got %f", i, math.Sqrt(norm))
		}
	}
	if got := s.Labels.Data.([]int32)[7]; got != 1 {
		t.Errorf("Expected placeholder label 1 for row 7, got %d", got)
	}
	if len(s.FilledRows()) != 0 {
		t.Errorf("Fresh queue should have no filled rows")
	}
}

func TestSnapshotIsolatedFromEnqueue(t *testing.T) {
	q, _ := New(4, 2, 3, 4, rand.New(rand.NewSource(2)))
	before := q.Snapshot()
	reference := make([][]float32, 4)
	for d, b := range before.Buffers {
		reference[d] = append([]float32(nil), b.Data.([]float32)...)
	}
	refLabels := append([]int32(nil), before.Labels.Data.([]int32)...)

	q.Enqueue(depthsOf(4, []float32{0.5, 0.25}, 4), []int32{0, 1})

	for d, b := range before.Buffers {
		for i, v := range b.Data.([]float32) {
			if v != reference[d][i] {
				t.Fatalf("Snapshot buffer %d changed at %d", d, i)
			}
		}
	}
	for i, l := range before.Labels.Data.([]int32) {
		if l != refLabels[i] {
			t.Fatalf("Snapshot labels changed at %d", i)
		}
	}
	if before.Filled[0] != 0 {
		t.Errorf("Snapshot occupancy changed")
	}

	after := q.Snapshot()
	if after.Buffers[0].Row(0)[0] != 0.5 || after.Buffers[3].Row(3)[0] != 3000.25 {
		t.Errorf("Enqueue did not write the expected rows: %v %v", after.Buffers[0].Row(0), after.Buffers[3].Row(3))
	}
	if after.Version != before.Version+1 {
		t.Errorf("Expected version %d, got %d", before.Version+1, after.Version)
	}
}

func TestRingOrderAndEviction(t *testing.T) {
	const capacity = 4
	q, _ := New(4, 3, capacity, 2, rand.New(rand.NewSource(3)))

	// Interleave class 1 with other classes; class 1 receives 1,2,3,4.
	q.Enqueue(depthsOf(4, []float32{1, 90, 2}, 2), []int32{1, 0, 1})
	q.Enqueue(depthsOf(4, []float32{3, 4, 91}, 2), []int32{1, 1, 2})

	s := q.Snapshot()
	if s.Filled[1] != capacity {
		t.Fatalf("Expected class 1 full, got occupancy %d", s.Filled[1])
	}
	checkOrder := func(s *Snapshot, want []float32) {
		t.Helper()
		rows := s.ClassRows(1)
		if len(rows) != len(want) {
			t.Fatalf("Expected %d rows, got %d", len(want), len(rows))
		}
		for i, r := range rows {
			for d := 0; d < 4; d++ {
				if got := s.Buffers[d].Row(r)[0]; got != want[i]+float32(d)*1000 {
					t.Errorf("Depth %d position %d: expected %f, got %f", d, i, want[i]+float32(d)*1000, got)
				}
			}
			if l := s.Labels.Data.([]int32)[r]; l != 1 {
				t.Errorf("Row %d: expected label 1, got %d", r, l)
			}
		}
	}
	checkOrder(s, []float32{1, 2, 3, 4})

	q.Enqueue(depthsOf(4, []float32{5}, 2), []int32{1})
	s = q.Snapshot()
	checkOrder(s, []float32{2, 3, 4, 5})
	if s.Filled[1] != capacity {
		t.Errorf("Occupancy must stay at capacity, got %d", s.Filled[1])
	}
	if s.Filled[0] != 1 || s.Filled[2] != 1 {
		t.Errorf("Other classes should hold one sample each, got %v", s.Filled)
	}
}

func TestEnqueuePanicsOnBadLabel(t *testing.T) {
	q, _ := New(4, 2, 2, 2, nil)
	defer func() {
		if recover() == nil {
			t.Error("Expected panic for out-of-range label")
		}
	}()
	q.Enqueue(depthsOf(4, []float32{1}, 2), []int32{2})
}

func TestEnqueuePanicsOnShape(t *testing.T) {
	q, _ := New(4, 2, 2, 2, nil)
	defer func() {
		if recover() == nil {
			t.Error("Expected panic for row count mismatch")
		}
	}()
	q.Enqueue(depthsOf(4, []float32{1, 2}, 2), []int32{0})
}

func TestStateRoundTrip(t *testing.T) {
	q, _ := New(4, 2, 3, 2, rand.New(rand.NewSource(4)))
	q.Enqueue(depthsOf(4, []float32{1, 2, 3, 4}, 2), []int32{0, 0, 0, 0})

	restored, _ := New(4, 2, 3, 2, rand.New(rand.NewSource(99)))
	if err := restored.Restore(q.State()); err != nil {
		t.Fatalf("Restore failed: %v", err)
	}

	a, b := q.Snapshot(), restored.Snapshot()
	for d := range a.Buffers {
		if !a.Buffers[d].AllClose(b.Buffers[d], 0) {
			t.Errorf("Depth %d buffers differ after restore", d)
		}
	}
	if restored.Occupancy(0) != 3 || a.Cursor[0] != b.Cursor[0] {
		t.Errorf("Cursor state not restored: occupancy=%d cursor=%d", restored.Occupancy(0), b.Cursor[0])
	}

	other, _ := New(4, 3, 3, 2, nil)
	if err := other.Restore(q.State()); !errors.Is(err, ErrInvalidQueue) {
		t.Errorf("Expected ErrInvalidQueue for mismatched classes, got %v", err)
	}

	tests := []struct {
		name   string
		mutate func(st *State)
	}{
		{"cursor ahead of partial fill", func(st *State) { st.Cursor[1], st.Filled[1] = 2, 1 }},
		{"cursor behind partial fill", func(st *State) { st.Cursor[1], st.Filled[1] = 0, 2 }},
		{"cursor out of range", func(st *State) { st.Cursor[0] = 3 }},
		{"filled above capacity", func(st *State) { st.Filled[0] = 4 }},
		{"label out of range", func(st *State) { st.Labels[0] = 2 }},
		{"non-finite buffer", func(st *State) { st.Buffers[2][0] = float32(math.NaN()) }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			st := q.State()
			tt.mutate(st)
			target, _ := New(4, 2, 3, 2, rand.New(rand.NewSource(7)))
			before := target.Snapshot()
			if err := target.Restore(st); !errors.Is(err, ErrInvalidQueue) {
				t.Fatalf("Expected ErrInvalidQueue, got %v", err)
			}
			if target.Occupancy(0) != 0 || !target.Snapshot().Buffers[0].AllClose(before.Buffers[0], 0) {
				t.Error("Rejected state must leave the queue untouched")
			}
		})
	}

	// A full class may hold its cursor anywhere.
	wrapped := q.State()
	wrapped.Cursor[0] = 2
	if err := restored.Restore(wrapped); err != nil {
		t.Errorf("Expected a full class with cursor 2 to restore, got %v", err)
	}
}

func TestSnapshotLabelColumn(t *testing.T) {
	q, _ := New(4, 3, 2, 2, nil)
	s := q.Snapshot()
	if s.Labels.DType != tensor.Int32 || s.Labels.Shape[0] != 6 || s.Labels.Shape[1] != 1 {
		t.Fatalf("Unexpected label column %v %s", s.Labels.Shape, s.Labels.DType)
	}
	want := []int32{0, 0, 1, 1, 2, 2}
	got := s.Labels.Data.([]int32)
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("Label %d = %d, expected placeholder %d", i, got[i], want[i])
		}
	}

	q.Enqueue(depthsOf(4, []float32{5}, 2), []int32{2})
	if got[4] != 2 || q.Snapshot().Labels.Data.([]int32)[4] != 2 {
		t.Error("Snapshot label column changed or lost the enqueued label")
	}
	got[0] = 9
	if q.Snapshot().Labels.Data.([]int32)[0] != 0 {
		t.Error("Writing to a snapshot label column reached the queue")
	}
}

func TestGather(t *testing.T) {
	q, _ := New(4, 2, 2, 3, nil)
	q.Enqueue(depthsOf(4, []float32{7, 8}, 3), []int32{1, 0})
	s := q.Snapshot()

	rows := s.FilledRows()
	g, labels, err := s.Gather(1, rows)
	if err != nil {
		t.Fatalf("Gather failed: %v", err)
	}
	if g.Shape[0] != 2 || labels[0] != 0 || labels[1] != 1 {
		t.Fatalf("Unexpected gather result shape=%v labels=%v", g.Shape, labels)
	}
	if g.Row(0)[0] != 1008 || g.Row(1)[0] != 1007 {
		t.Errorf("Expected class-major rows [1008 1007], got %v %v", g.Row(0)[0], g.Row(1)[0])
	}
	if _, _, err := s.Gather(4, rows); err == nil {
		t.Error("Expected error for depth out of range")
	}
}
