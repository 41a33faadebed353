package model

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/medvision/kvasirnet/checkpoints"
	"github.com/medvision/kvasirnet/layers"
)

const (
	ModelFile  = "model.bin"
	LabelsFile = "class_labels.json"
)

// Tags recording the decision rule and freezing boundary in the checkpoint
const (
	tagThreshold      = "threshold="
	tagPositiveIndex  = "positive_index="
	tagBackboneLayers = "backbone_layers="
)

// ArtifactInfo is what SaveArtifact records besides the weights
type ArtifactInfo struct {
	RunID         string
	TrainingState checkpoints.TrainingState
	Description   string
}

// NewCheckpoint captures the classifier's architecture, weights and decision
// rule
func (c *Classifier) NewCheckpoint(info ArtifactInfo) *checkpoints.Checkpoint {
	return &checkpoints.Checkpoint{
		ModelSpec:     c.net.Spec(),
		Weights:       c.Snapshot(),
		TrainingState: info.TrainingState,
		Metadata: checkpoints.CheckpointMetadata{
			RunID:       info.RunID,
			Description: info.Description,
			Tags: []string{
				tagThreshold + strconv.FormatFloat(float64(c.threshold), 'g', -1, 32),
				tagPositiveIndex + strconv.Itoa(c.positiveIndex),
				tagBackboneLayers + strconv.Itoa(c.backboneLayers),
			},
		},
	}
}

// SaveArtifact writes the model and its label map into dir. Both files are
// always written together.
func SaveArtifact(dir string, c *Classifier, labels LabelMap, info ArtifactInfo) error {
	if err := validateBinaryLabels(labels); err != nil {
		return err
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return errors.Wrap(err, "failed to create model directory")
	}

	saver := checkpoints.NewCheckpointSaver(checkpoints.FormatBinary)
	if err := saver.SaveCheckpoint(c.NewCheckpoint(info), filepath.Join(dir, ModelFile)); err != nil {
		return errors.Wrap(err, "failed to save model")
	}
	if err := SaveLabelMap(filepath.Join(dir, LabelsFile), labels); err != nil {
		return err
	}
	klog.Infof("Saved model artifact to %s", dir)
	return nil
}

func validateBinaryLabels(labels LabelMap) error {
	if err := labels.Validate(); err != nil {
		return err
	}
	if len(labels) != 2 {
		return errors.Errorf("binary classifier needs 2 labels, got %d", len(labels))
	}
	return nil
}

// FromCheckpoint rebuilds a classifier from a checkpoint written by
// NewCheckpoint
func FromCheckpoint(ckpt *checkpoints.Checkpoint) (*Classifier, error) {
	if ckpt.ModelSpec == nil {
		return nil, errors.New("checkpoint has no model spec")
	}
	head := DefaultHeadConfig()
	backboneLayers := 0
	for _, tag := range ckpt.Metadata.Tags {
		var err error
		switch {
		case strings.HasPrefix(tag, tagThreshold):
			var v float64
			v, err = strconv.ParseFloat(strings.TrimPrefix(tag, tagThreshold), 32)
			head.Threshold = float32(v)
		case strings.HasPrefix(tag, tagPositiveIndex):
			head.PositiveIndex, err = strconv.Atoi(strings.TrimPrefix(tag, tagPositiveIndex))
		case strings.HasPrefix(tag, tagBackboneLayers):
			backboneLayers, err = strconv.Atoi(strings.TrimPrefix(tag, tagBackboneLayers))
		}
		if err != nil {
			return nil, errors.Wrapf(err, "bad checkpoint tag %q", tag)
		}
	}
	if err := head.Validate(); err != nil {
		return nil, err
	}

	// Everything is frozen: a loaded artifact is for inference
	net, err := layers.NewNetwork(ckpt.ModelSpec, len(ckpt.ModelSpec.Layers), nil)
	if err != nil {
		return nil, errors.Wrap(err, "failed to rebuild network")
	}
	if err := checkpoints.LoadWeights(ckpt.Weights, net.AllParams()); err != nil {
		return nil, errors.Wrap(err, "failed to load weights")
	}
	return newClassifier(net, backboneLayers, head.Threshold, head.PositiveIndex), nil
}

// LoadArtifact reads the model and label map from dir
func LoadArtifact(dir string) (*Classifier, LabelMap, error) {
	labels, err := LoadLabelMap(filepath.Join(dir, LabelsFile))
	if err != nil {
		return nil, nil, err
	}
	if err := validateBinaryLabels(labels); err != nil {
		return nil, nil, errors.Wrapf(err, "bad label map in %s", dir)
	}
	ckpt, err := checkpoints.NewCheckpointSaver(checkpoints.FormatBinary).LoadCheckpoint(filepath.Join(dir, ModelFile))
	if err != nil {
		return nil, nil, err
	}
	clf, err := FromCheckpoint(ckpt)
	if err != nil {
		return nil, nil, err
	}
	klog.Infof("Loaded model artifact from %s (run %s)", dir, ckpt.Metadata.RunID)
	return clf, labels, nil
}

// String summarizes the classifier
func (c *Classifier) String() string {
	return fmt.Sprintf("Classifier(layers=%d, backbone=%d, unfrozen=%d, threshold=%g, positive=%d)",
		c.net.NumLayers(), c.backboneLayers, c.unfreeze, c.threshold, c.positiveIndex)
}
