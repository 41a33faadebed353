package training

import (
	"fmt"
	"path/filepath"

	"github.com/pkg/errors"

	"github.com/medvision/kvasirnet/checkpoints"
	"github.com/medvision/kvasirnet/layers"
	"github.com/medvision/kvasirnet/model"
	"github.com/medvision/kvasirnet/tensor"
)

// Model is what the controller trains
type Model interface {
	Predictor
	Forward(images *tensor.Tensor, training bool) (*tensor.Tensor, error)
	Network() *layers.Network
	Snapshot() []checkpoints.WeightTensor
	Restore(weights []checkpoints.WeightTensor) error
	NewCheckpoint(info model.ArtifactInfo) *checkpoints.Checkpoint
}

// CheckpointConfig configures checkpoint saving behavior
type CheckpointConfig struct {
	SaveDirectory string                       // Directory to save checkpoints
	Filename      string                       // Base name without extension
	Format        checkpoints.CheckpointFormat // JSON or Binary
	RunID         string
}

// DefaultCheckpointConfig writes best_checkpoint.bin into dir
func DefaultCheckpointConfig(dir string) CheckpointConfig {
	return CheckpointConfig{
		SaveDirectory: dir,
		Filename:      "best_checkpoint",
		Format:        checkpoints.FormatBinary,
	}
}

// CheckpointManager persists the best-so-far model to one path, overwriting
// it in place each time validation improves
type CheckpointManager struct {
	config CheckpointConfig
	saver  *checkpoints.CheckpointSaver
	saves  int
}

// NewCheckpointManager creates a new checkpoint manager
func NewCheckpointManager(config CheckpointConfig) *CheckpointManager {
	if config.Filename == "" {
		config.Filename = "best_checkpoint"
	}
	return &CheckpointManager{
		config: config,
		saver:  checkpoints.NewCheckpointSaver(config.Format),
	}
}

// Path returns the checkpoint file path
func (cm *CheckpointManager) Path() string {
	return filepath.Join(cm.config.SaveDirectory, cm.config.Filename+"."+cm.config.Format.Extension())
}

// Saves returns how many times the checkpoint has been written
func (cm *CheckpointManager) Saves() int {
	return cm.saves
}

// SaveBestCheckpoint writes the model as the best checkpoint for epoch
func (cm *CheckpointManager) SaveBestCheckpoint(m Model, epoch int, lr, loss, accuracy float64) error {
	info := model.ArtifactInfo{
		RunID:       cm.config.RunID,
		Description: fmt.Sprintf("Best checkpoint - Epoch %d, Loss: %.6f, Accuracy: %.2f%%", epoch, loss, accuracy*100),
		TrainingState: checkpoints.TrainingState{
			Epoch:        epoch,
			LearningRate: float32(lr),
			BestLoss:     float32(loss),
			BestAccuracy: float32(accuracy),
		},
	}
	if err := cm.saver.SaveCheckpoint(m.NewCheckpoint(info), cm.Path()); err != nil {
		return errors.Wrap(err, "failed to save best checkpoint")
	}
	cm.saves++
	return nil
}

// LoadCheckpoint reads the checkpoint and restores its weights into m
func (cm *CheckpointManager) LoadCheckpoint(m Model) (*checkpoints.Checkpoint, error) {
	ckpt, err := cm.saver.LoadCheckpoint(cm.Path())
	if err != nil {
		return nil, errors.Wrap(err, "failed to load checkpoint")
	}
	if !modelsCompatible(m.Network().Spec(), ckpt.ModelSpec) {
		return nil, errors.New("checkpoint model architecture incompatible with current model")
	}
	if err := m.Restore(ckpt.Weights); err != nil {
		return nil, errors.Wrap(err, "failed to restore weights")
	}
	return ckpt, nil
}

func modelsCompatible(model1, model2 *layers.ModelSpec) bool {
	if model1 == nil || model2 == nil || len(model1.Layers) != len(model2.Layers) {
		return false
	}

	for i, layer1 := range model1.Layers {
		layer2 := model2.Layers[i]
		if layer1.Type != layer2.Type || layer1.Name != layer2.Name {
			return false
		}

		// Parameter shapes decide whether weight tensors fit
		if len(layer1.ParameterShapes) != len(layer2.ParameterShapes) {
			return false
		}
		for j, shape1 := range layer1.ParameterShapes {
			shape2 := layer2.ParameterShapes[j]
			if len(shape1) != len(shape2) {
				return false
			}
			for k, dim1 := range shape1 {
				if dim1 != shape2[k] {
					return false
				}
			}
		}
	}
	return true
}
