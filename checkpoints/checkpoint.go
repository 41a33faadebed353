package checkpoints

import (
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/medvision/kvasirnet/layers"
)

const (
	frameworkName    = "kvasirnet"
	frameworkVersion = "1.0.0"
)

// CheckpointFormat defines the serialization format
type CheckpointFormat int

const (
	FormatJSON CheckpointFormat = iota
	FormatBinary
)

func (cf CheckpointFormat) String() string {
	switch cf {
	case FormatJSON:
		return "JSON"
	case FormatBinary:
		return "Binary"
	default:
		return "Unknown"
	}
}

// Extension returns the conventional file extension for the format
func (cf CheckpointFormat) Extension() string {
	if cf == FormatJSON {
		return "json"
	}
	return "bin"
}

// Checkpoint represents a complete model state: architecture, weights and the
// training progress at the time it was taken
type Checkpoint struct {
	ModelSpec     *layers.ModelSpec  `json:"model_spec"`
	Weights       []WeightTensor     `json:"weights"`
	TrainingState TrainingState      `json:"training_state"`
	Metadata      CheckpointMetadata `json:"metadata"`
}

// WeightTensor represents a model parameter tensor with its data
type WeightTensor struct {
	Name  string    `json:"name"`
	Shape []int     `json:"shape"`
	Data  []float32 `json:"data"`
	Layer string    `json:"layer"`
	Type  string    `json:"type"` // "weight", "bias", "gamma", "beta", "running_mean", "running_var"
}

// TrainingState captures the training progress
type TrainingState struct {
	Epoch        int     `json:"epoch"`
	Step         int     `json:"step"`
	LearningRate float32 `json:"learning_rate"`
	BestLoss     float32 `json:"best_loss"`
	BestAccuracy float32 `json:"best_accuracy"`
}

// CheckpointMetadata contains checkpoint metadata
type CheckpointMetadata struct {
	Version     string    `json:"version"`
	Framework   string    `json:"framework"`
	RunID       string    `json:"run_id"`
	CreatedAt   time.Time `json:"created_at"`
	Description string    `json:"description,omitempty"`
	Tags        []string  `json:"tags,omitempty"`
}

// NewRunID returns a fresh identifier shared by every file a training run writes
func NewRunID() string {
	return uuid.NewString()
}

// CheckpointSaver handles saving model checkpoints in various formats
type CheckpointSaver struct {
	format CheckpointFormat
}

// NewCheckpointSaver creates a new checkpoint saver for the specified format
func NewCheckpointSaver(format CheckpointFormat) *CheckpointSaver {
	return &CheckpointSaver{
		format: format,
	}
}

// Format returns the saver's serialization format
func (cs *CheckpointSaver) Format() CheckpointFormat {
	return cs.format
}

// SaveCheckpoint writes checkpoint to path, replacing any existing file.
// The data is written to a sibling temp file first and renamed into place, so a
// reader never observes a partially written checkpoint.
func (cs *CheckpointSaver) SaveCheckpoint(checkpoint *Checkpoint, path string) error {
	if checkpoint == nil {
		return errors.New("nil checkpoint")
	}
	if checkpoint.Metadata.Framework == "" {
		checkpoint.Metadata.Framework = frameworkName
		checkpoint.Metadata.Version = frameworkVersion
	}
	if checkpoint.Metadata.CreatedAt.IsZero() {
		checkpoint.Metadata.CreatedAt = time.Now()
	}
	if checkpoint.Metadata.RunID == "" {
		checkpoint.Metadata.RunID = NewRunID()
	}

	var data []byte
	var err error
	switch cs.format {
	case FormatJSON:
		data, err = json.MarshalIndent(checkpoint, "", "  ")
	case FormatBinary:
		data, err = marshalBinary(checkpoint)
	default:
		return errors.Errorf("unsupported checkpoint format: %s", cs.format)
	}
	if err != nil {
		return errors.Wrapf(err, "failed to encode %s checkpoint", cs.format)
	}

	return writeFileAtomic(path, data)
}

// LoadCheckpoint loads a model checkpoint
func (cs *CheckpointSaver) LoadCheckpoint(path string) (*Checkpoint, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open checkpoint file")
	}

	switch cs.format {
	case FormatJSON:
		var checkpoint Checkpoint
		if err := json.Unmarshal(data, &checkpoint); err != nil {
			return nil, errors.Wrap(err, "failed to decode checkpoint")
		}
		return &checkpoint, nil
	case FormatBinary:
		checkpoint, err := unmarshalBinary(data)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to decode checkpoint %s", path)
		}
		return checkpoint, nil
	default:
		return nil, errors.Errorf("unsupported checkpoint format: %s", cs.format)
	}
}

// ExtractWeights copies every parameter and buffer into checkpoint tensors
func ExtractWeights(params []*layers.Param) []WeightTensor {
	weights := make([]WeightTensor, 0, len(params))
	for _, p := range params {
		weights = append(weights, WeightTensor{
			Name:  p.Name,
			Shape: append([]int(nil), p.Value.Shape...),
			Data:  append([]float32(nil), p.Value.Data...),
			Layer: p.Layer,
			Type:  string(p.Kind),
		})
	}
	return weights
}

// LoadWeights copies checkpoint tensors into params, matching by name.
// Every param must be present with an identical shape; extra weights are an
// error too, since they mean the checkpoint belongs to a different model.
func LoadWeights(weights []WeightTensor, params []*layers.Param) error {
	byName := make(map[string]WeightTensor, len(weights))
	for _, w := range weights {
		byName[w.Name] = w
	}
	if len(byName) != len(params) {
		return errors.Errorf("weight count mismatch: %d weights, %d parameters", len(byName), len(params))
	}

	for _, p := range params {
		w, ok := byName[p.Name]
		if !ok {
			return errors.Errorf("checkpoint has no tensor for %s", p.Name)
		}
		if !shapesEqual(w.Shape, p.Value.Shape) {
			return errors.Errorf("shape mismatch for %s: checkpoint %v vs model %v", p.Name, w.Shape, p.Value.Shape)
		}
		if len(w.Data) != p.Value.NumElems {
			return errors.Errorf("data length mismatch for %s: %d vs %d", p.Name, len(w.Data), p.Value.NumElems)
		}
		copy(p.Value.Data, w.Data)
	}
	return nil
}

func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return errors.Wrap(err, "failed to create checkpoint directory")
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return errors.Wrap(err, "failed to create checkpoint file")
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return errors.Wrap(err, "failed to write checkpoint")
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return errors.Wrap(err, "failed to close checkpoint")
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return errors.Wrap(err, "failed to move checkpoint into place")
	}
	return nil
}

func shapesEqual(a, b []int) bool {
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
