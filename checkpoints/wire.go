package checkpoints

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/tsawler/go-selfdistill/queue"
)

// The binary format is a protobuf message with this schema:
//
//	message Checkpoint {
//	  Metadata metadata = 1;
//	  bytes config_json = 2;
//	  repeated Weight weights = 3;
//	  QueueState queue = 4;
//	  TrainingState training = 5;
//	}
//	message Metadata {
//	  string id = 1; string run_id = 2; string version = 3; string framework = 4;
//	  int64 created_unix_nano = 5; string description = 6; repeated string tags = 7;
//	}
//	message Weight {
//	  string name = 1; repeated int64 shape = 2; repeated float data = 3; bool trainable = 4;
//	}
//	message QueueState {
//	  int64 depths = 1; int64 classes = 2; int64 capacity = 3; int64 dim = 4;
//	  repeated Buffer buffers = 5; repeated int32 labels = 6;
//	  repeated int64 cursor = 7; repeated int64 filled = 8; uint64 writes = 9;
//	}
//	message Buffer { repeated float data = 1; }
//	message TrainingState {
//	  int64 epoch = 1; int64 step = 2; double best_loss = 3;
//	  double best_accuracy = 4; int64 total_steps = 5;
//	}

var errMalformed = errors.New("malformed checkpoint")

func marshalCheckpoint(c *Checkpoint) ([]byte, error) {
	cfg, err := json.Marshal(c.Config)
	if err != nil {
		return nil, err
	}
	var b []byte
	b = appendMessage(b, 1, encodeMetadata(c.Metadata))
	b = protowire.AppendTag(b, 2, protowire.BytesType)
	b = protowire.AppendBytes(b, cfg)
	for _, w := range c.Weights {
		b = appendMessage(b, 3, encodeWeight(w))
	}
	if c.Queue != nil {
		b = appendMessage(b, 4, encodeQueue(c.Queue))
	}
	b = appendMessage(b, 5, encodeTraining(c.TrainingState))
	return b, nil
}

func appendMessage(b []byte, num protowire.Number, msg []byte) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, msg)
}

func appendString(b []byte, num protowire.Number, s string) []byte {
	if s == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}

func appendVarint(b []byte, num protowire.Number, v uint64) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func appendDouble(b []byte, num protowire.Number, v float64) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.Fixed64Type)
	return protowire.AppendFixed64(b, math.Float64bits(v))
}

func appendPackedFloats(b []byte, num protowire.Number, vs []float32) []byte {
	if len(vs) == 0 {
		return b
	}
	packed := make([]byte, 0, 4*len(vs))
	for _, v := range vs {
		packed = protowire.AppendFixed32(packed, math.Float32bits(v))
	}
	return appendMessage(b, num, packed)
}

func appendPackedInts(b []byte, num protowire.Number, vs []int) []byte {
	if len(vs) == 0 {
		return b
	}
	var packed []byte
	for _, v := range vs {
		packed = protowire.AppendVarint(packed, uint64(int64(v)))
	}
	return appendMessage(b, num, packed)
}

func encodeMetadata(m CheckpointMetadata) []byte {
	var b []byte
	b = appendString(b, 1, m.ID)
	b = appendString(b, 2, m.RunID)
	b = appendString(b, 3, m.Version)
	b = appendString(b, 4, m.Framework)
	if !m.CreatedAt.IsZero() {
		b = appendVarint(b, 5, uint64(m.CreatedAt.UnixNano()))
	}
	b = appendString(b, 6, m.Description)
	for _, tag := range m.Tags {
		b = protowire.AppendTag(b, 7, protowire.BytesType)
		b = protowire.AppendString(b, tag)
	}
	return b
}

func encodeWeight(w WeightTensor) []byte {
	var b []byte
	b = appendString(b, 1, w.Name)
	b = appendPackedInts(b, 2, w.Shape)
	b = appendPackedFloats(b, 3, w.Data)
	if w.Trainable {
		b = appendVarint(b, 4, 1)
	}
	return b
}

func encodeQueue(st *queue.State) []byte {
	var b []byte
	b = appendVarint(b, 1, uint64(st.Depths))
	b = appendVarint(b, 2, uint64(st.Classes))
	b = appendVarint(b, 3, uint64(st.Capacity))
	b = appendVarint(b, 4, uint64(st.Dim))
	for _, buf := range st.Buffers {
		b = appendMessage(b, 5, appendPackedFloats(nil, 1, buf))
	}
	labels := make([]int, len(st.Labels))
	for i, l := range st.Labels {
		labels[i] = int(l)
	}
	b = appendPackedInts(b, 6, labels)
	b = appendPackedInts(b, 7, st.Cursor)
	b = appendPackedInts(b, 8, st.Filled)
	b = appendVarint(b, 9, st.Writes)
	return b
}

func encodeTraining(s TrainingState) []byte {
	var b []byte
	b = appendVarint(b, 1, uint64(int64(s.Epoch)))
	b = appendVarint(b, 2, uint64(int64(s.Step)))
	b = appendDouble(b, 3, s.BestLoss)
	b = appendDouble(b, 4, s.BestAccuracy)
	b = appendVarint(b, 5, uint64(int64(s.TotalSteps)))
	return b
}

// field is one decoded (number, type, value) triple. Exactly one of v and
// raw is meaningful depending on typ.
type field struct {
	num protowire.Number
	typ protowire.Type
	v   uint64
	raw []byte
}

// fields splits msg into its top-level fields. Unknown wire types are errors;
// unknown field numbers are left for the caller to ignore.
func fields(msg []byte) ([]field, error) {
	var out []field
	for len(msg) > 0 {
		num, typ, n := protowire.ConsumeTag(msg)
		if n < 0 {
			return nil, fmt.Errorf("%w: %v", errMalformed, protowire.ParseError(n))
		}
		msg = msg[n:]
		f := field{num: num, typ: typ}
		switch typ {
		case protowire.VarintType:
			f.v, n = protowire.ConsumeVarint(msg)
		case protowire.Fixed32Type:
			var v uint32
			v, n = protowire.ConsumeFixed32(msg)
			f.v = uint64(v)
		case protowire.Fixed64Type:
			f.v, n = protowire.ConsumeFixed64(msg)
		case protowire.BytesType:
			f.raw, n = protowire.ConsumeBytes(msg)
		default:
			return nil, fmt.Errorf("%w: unsupported wire type %d for field %d", errMalformed, typ, num)
		}
		if n < 0 {
			return nil, fmt.Errorf("%w: field %d: %v", errMalformed, num, protowire.ParseError(n))
		}
		msg = msg[n:]
		out = append(out, f)
	}
	return out, nil
}

func (f field) expect(typ protowire.Type) error {
	if f.typ != typ {
		return fmt.Errorf("%w: field %d has wire type %d, want %d", errMalformed, f.num, f.typ, typ)
	}
	return nil
}

func unpackFloats(raw []byte) ([]float32, error) {
	if len(raw)%4 != 0 {
		return nil, fmt.Errorf("%w: packed float length %d", errMalformed, len(raw))
	}
	out := make([]float32, 0, len(raw)/4)
	for len(raw) > 0 {
		v, n := protowire.ConsumeFixed32(raw)
		if n < 0 {
			return nil, fmt.Errorf("%w: %v", errMalformed, protowire.ParseError(n))
		}
		out = append(out, math.Float32frombits(v))
		raw = raw[n:]
	}
	return out, nil
}

func unpackInts(raw []byte) ([]int, error) {
	var out []int
	for len(raw) > 0 {
		v, n := protowire.ConsumeVarint(raw)
		if n < 0 {
			return nil, fmt.Errorf("%w: %v", errMalformed, protowire.ParseError(n))
		}
		out = append(out, int(int64(v)))
		raw = raw[n:]
	}
	return out, nil
}

func unmarshalCheckpoint(data []byte) (*Checkpoint, error) {
	fs, err := fields(data)
	if err != nil {
		return nil, err
	}
	c := &Checkpoint{}
	sawConfig := false
	for _, f := range fs {
		switch f.num {
		case 1, 2, 3, 4, 5:
			if err := f.expect(protowire.BytesType); err != nil {
				return nil, err
			}
		default:
			continue
		}
		switch f.num {
		case 1:
			err = decodeMetadata(f.raw, &c.Metadata)
		case 2:
			sawConfig = true
			err = json.Unmarshal(f.raw, &c.Config)
		case 3:
			var w WeightTensor
			if err = decodeWeight(f.raw, &w); err == nil {
				c.Weights = append(c.Weights, w)
			}
		case 4:
			c.Queue = &queue.State{}
			err = decodeQueue(f.raw, c.Queue)
		case 5:
			err = decodeTraining(f.raw, &c.TrainingState)
		}
		if err != nil {
			return nil, err
		}
	}
	if !sawConfig {
		return nil, fmt.Errorf("%w: missing network config", errMalformed)
	}
	return c, nil
}

func decodeMetadata(raw []byte, m *CheckpointMetadata) error {
	fs, err := fields(raw)
	if err != nil {
		return err
	}
	for _, f := range fs {
		switch f.num {
		case 1:
			m.ID = string(f.raw)
		case 2:
			m.RunID = string(f.raw)
		case 3:
			m.Version = string(f.raw)
		case 4:
			m.Framework = string(f.raw)
		case 5:
			m.CreatedAt = time.Unix(0, int64(f.v)).UTC()
		case 6:
			m.Description = string(f.raw)
		case 7:
			m.Tags = append(m.Tags, string(f.raw))
		}
	}
	return nil
}

func decodeWeight(raw []byte, w *WeightTensor) error {
	fs, err := fields(raw)
	if err != nil {
		return err
	}
	for _, f := range fs {
		switch f.num {
		case 1:
			w.Name = string(f.raw)
		case 2:
			if w.Shape, err = unpackInts(f.raw); err != nil {
				return err
			}
		case 3:
			if w.Data, err = unpackFloats(f.raw); err != nil {
				return err
			}
		case 4:
			w.Trainable = f.v != 0
		}
	}
	if w.Name == "" {
		return fmt.Errorf("%w: weight without a name", errMalformed)
	}
	return nil
}

func decodeQueue(raw []byte, st *queue.State) error {
	fs, err := fields(raw)
	if err != nil {
		return err
	}
	for _, f := range fs {
		switch f.num {
		case 1:
			st.Depths = int(f.v)
		case 2:
			st.Classes = int(f.v)
		case 3:
			st.Capacity = int(f.v)
		case 4:
			st.Dim = int(f.v)
		case 5:
			inner, err := fields(f.raw)
			if err != nil {
				return err
			}
			var buf []float32
			for _, g := range inner {
				if g.num == 1 {
					if buf, err = unpackFloats(g.raw); err != nil {
						return err
					}
				}
			}
			st.Buffers = append(st.Buffers, buf)
		case 6:
			labels, err := unpackInts(f.raw)
			if err != nil {
				return err
			}
			st.Labels = make([]int32, len(labels))
			for i, l := range labels {
				st.Labels[i] = int32(l)
			}
		case 7:
			if st.Cursor, err = unpackInts(f.raw); err != nil {
				return err
			}
		case 8:
			if st.Filled, err = unpackInts(f.raw); err != nil {
				return err
			}
		case 9:
			st.Writes = f.v
		}
	}
	return nil
}

func decodeTraining(raw []byte, s *TrainingState) error {
	fs, err := fields(raw)
	if err != nil {
		return err
	}
	for _, f := range fs {
		switch f.num {
		case 1:
			s.Epoch = int(int64(f.v))
		case 2:
			s.Step = int(int64(f.v))
		case 3:
			s.BestLoss = math.Float64frombits(f.v)
		case 4:
			s.BestAccuracy = math.Float64frombits(f.v)
		case 5:
			s.TotalSteps = int(int64(f.v))
		}
	}
	return nil
}
