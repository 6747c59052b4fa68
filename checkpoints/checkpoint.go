package checkpoints

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/tsawler/go-selfdistill/layers"
	"github.com/tsawler/go-selfdistill/network"
	"github.com/tsawler/go-selfdistill/queue"
)

const (
	FormatVersion = "1.0.0"
	Framework     = "go-selfdistill"
)

// ErrIncompatible is returned when a checkpoint does not fit a network.
var ErrIncompatible = errors.New("checkpoint incompatible with model")

// CheckpointFormat defines the serialization format
type CheckpointFormat int

const (
	FormatJSON CheckpointFormat = iota
	// FormatProto is a protobuf wire encoding, see wire.go for the schema.
	FormatProto
)

func (cf CheckpointFormat) String() string {
	switch cf {
	case FormatJSON:
		return "JSON"
	case FormatProto:
		return "Proto"
	default:
		return "Unknown"
	}
}

// FormatForPath picks the format from the file extension: ".json" is JSON,
// anything else is the binary format.
func FormatForPath(path string) CheckpointFormat {
	if strings.EqualFold(filepath.Ext(path), ".json") {
		return FormatJSON
	}
	return FormatProto
}

// Checkpoint is a complete model state: the network configuration, every
// parameter including normalization statistics, and the feature queue.
type Checkpoint struct {
	Metadata      CheckpointMetadata `json:"metadata"`
	Config        network.Config     `json:"config"`
	Weights       []WeightTensor     `json:"weights"`
	Queue         *queue.State       `json:"queue,omitempty"`
	TrainingState TrainingState      `json:"training_state"`
}

// WeightTensor represents a model parameter tensor with its data
type WeightTensor struct {
	Name      string    `json:"name"`
	Shape     []int     `json:"shape"`
	Data      []float32 `json:"data"`
	Trainable bool      `json:"trainable"`
}

// TrainingState captures the current training progress
type TrainingState struct {
	Epoch        int     `json:"epoch"`
	Step         int     `json:"step"`
	BestLoss     float64 `json:"best_loss"`
	BestAccuracy float64 `json:"best_accuracy"`
	TotalSteps   int     `json:"total_steps"`
}

// CheckpointMetadata contains checkpoint metadata
type CheckpointMetadata struct {
	ID          string    `json:"id"`
	RunID       string    `json:"run_id,omitempty"`
	Version     string    `json:"version"`
	Framework   string    `json:"framework"`
	CreatedAt   time.Time `json:"created_at"`
	Description string    `json:"description,omitempty"`
	Tags        []string  `json:"tags,omitempty"`
}

// FromModel captures the current state of m.
func FromModel(m *network.SelfDistillNet, state TrainingState) (*Checkpoint, error) {
	params := m.Parameters()
	weights := make([]WeightTensor, 0, len(params))
	for _, p := range params {
		data, err := p.Value.GetFloat32Data()
		if err != nil {
			return nil, fmt.Errorf("parameter %s: %w", p.Name, err)
		}
		weights = append(weights, WeightTensor{
			Name:      p.Name,
			Shape:     append([]int(nil), p.Value.Shape...),
			Data:      append([]float32(nil), data...),
			Trainable: p.Trainable,
		})
	}
	return &Checkpoint{
		Metadata: CheckpointMetadata{
			ID:        uuid.NewString(),
			Version:   FormatVersion,
			Framework: Framework,
			CreatedAt: time.Now().UTC(),
		},
		Config:        m.Config(),
		Weights:       weights,
		Queue:         m.Queue().State(),
		TrainingState: state,
	}, nil
}

// Apply copies the checkpointed parameters and queue into m. Every parameter
// of m must be present with the same shape.
func (c *Checkpoint) Apply(m *network.SelfDistillNet) error {
	byName := make(map[string]*WeightTensor, len(c.Weights))
	for i := range c.Weights {
		byName[c.Weights[i].Name] = &c.Weights[i]
	}
	params := m.Parameters()
	if len(params) != len(c.Weights) {
		return fmt.Errorf("%w: %d weights, model has %d parameters", ErrIncompatible, len(c.Weights), len(params))
	}
	// Validate everything before touching the model.
	for _, p := range params {
		w, ok := byName[p.Name]
		if !ok {
			return fmt.Errorf("%w: missing parameter %s", ErrIncompatible, p.Name)
		}
		if !sameShape(w.Shape, p.Value.Shape) || len(w.Data) != p.Value.NumElems {
			return fmt.Errorf("%w: parameter %s has shape %v, model expects %v", ErrIncompatible, p.Name, w.Shape, p.Value.Shape)
		}
	}
	if c.Queue != nil {
		if err := m.Queue().Restore(c.Queue); err != nil {
			return fmt.Errorf("%w: %v", ErrIncompatible, err)
		}
	}
	for _, p := range params {
		dst, err := p.Value.GetFloat32Data()
		if err != nil {
			return err
		}
		copy(dst, byName[p.Name].Data)
	}
	return nil
}

// Restore builds a network from the checkpointed configuration and loads its
// state into it.
func (c *Checkpoint) Restore() (*network.SelfDistillNet, error) {
	m, err := network.New(c.Config)
	if err != nil {
		return nil, err
	}
	if err := c.Apply(m); err != nil {
		return nil, err
	}
	return m, nil
}

// ModelSpec describes the checkpointed network.
func (c *Checkpoint) ModelSpec(inputShape []int) (*layers.ModelSpec, error) {
	m, err := network.New(c.Config)
	if err != nil {
		return nil, err
	}
	return m.Describe(Framework, inputShape), nil
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

// CheckpointSaver handles saving model checkpoints in various formats
type CheckpointSaver struct {
	format CheckpointFormat
	logger *slog.Logger
}

// NewCheckpointSaver creates a new checkpoint saver for the specified format.
// A nil logger uses slog.Default.
func NewCheckpointSaver(format CheckpointFormat, logger *slog.Logger) *CheckpointSaver {
	if logger == nil {
		logger = slog.Default()
	}
	return &CheckpointSaver{format: format, logger: logger}
}

// SaveCheckpoint writes checkpoint to path, filling in missing metadata.
func (cs *CheckpointSaver) SaveCheckpoint(checkpoint *Checkpoint, path string) error {
	if checkpoint.Metadata.Framework == "" {
		checkpoint.Metadata.Framework = Framework
		checkpoint.Metadata.Version = FormatVersion
	}
	if checkpoint.Metadata.ID == "" {
		checkpoint.Metadata.ID = uuid.NewString()
	}
	if checkpoint.Metadata.CreatedAt.IsZero() {
		checkpoint.Metadata.CreatedAt = time.Now().UTC()
	}

	var data []byte
	var err error
	switch cs.format {
	case FormatJSON:
		data, err = json.MarshalIndent(checkpoint, "", "  ")
	case FormatProto:
		data, err = marshalCheckpoint(checkpoint)
	default:
		return fmt.Errorf("unsupported checkpoint format: %s", cs.format.String())
	}
	if err != nil {
		return fmt.Errorf("failed to encode checkpoint: %w", err)
	}

	// Write to a temporary file, then rename.
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("failed to write checkpoint file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to write checkpoint file: %w", err)
	}

	cs.logger.Info("checkpoint saved",
		"path", path,
		"format", cs.format.String(),
		"id", checkpoint.Metadata.ID,
		"weights", len(checkpoint.Weights),
		"bytes", len(data))
	return nil
}

// LoadCheckpoint loads a model checkpoint
func (cs *CheckpointSaver) LoadCheckpoint(path string) (*Checkpoint, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open checkpoint file: %w", err)
	}

	var checkpoint *Checkpoint
	switch cs.format {
	case FormatJSON:
		checkpoint = &Checkpoint{}
		err = json.Unmarshal(data, checkpoint)
	case FormatProto:
		checkpoint, err = unmarshalCheckpoint(data)
	default:
		return nil, fmt.Errorf("unsupported checkpoint format: %s", cs.format.String())
	}
	if err != nil {
		return nil, fmt.Errorf("failed to decode checkpoint: %w", err)
	}

	cs.logger.Debug("checkpoint loaded",
		"path", path,
		"id", checkpoint.Metadata.ID,
		"created_at", checkpoint.Metadata.CreatedAt)
	return checkpoint, nil
}
