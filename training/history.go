package training

import (
	"encoding/json"
	"os"
	"time"

	"github.com/pkg/errors"
)

// EpochRecord is one row of the training history
type EpochRecord struct {
	Epoch        int           `json:"epoch"`
	Loss         float64       `json:"loss"`
	Accuracy     float64       `json:"accuracy"`
	ValLoss      float64       `json:"val_loss"`
	ValAccuracy  float64       `json:"val_accuracy"`
	ValPrecision float64       `json:"val_precision"`
	ValRecall    float64       `json:"val_recall"`
	LearningRate float64       `json:"learning_rate"`
	Checkpointed bool          `json:"checkpointed"`
	LRReduced    bool          `json:"lr_reduced"`
	Duration     time.Duration `json:"duration_ns"`
}

// History is the per-epoch record of a run, persisted as history.json
type History struct {
	RunID     string        `json:"run_id"`
	Epochs    []EpochRecord `json:"epochs"`
	StopState string        `json:"stop_state,omitempty"`
	BestEpoch int           `json:"best_epoch"`
}

// Series returns one metric across epochs, by its JSON name
func (h *History) Series(name string) []float64 {
	out := make([]float64, 0, len(h.Epochs))
	for _, r := range h.Epochs {
		switch name {
		case "loss":
			out = append(out, r.Loss)
		case "accuracy":
			out = append(out, r.Accuracy)
		case "val_loss":
			out = append(out, r.ValLoss)
		case "val_accuracy":
			out = append(out, r.ValAccuracy)
		case "val_precision":
			out = append(out, r.ValPrecision)
		case "val_recall":
			out = append(out, r.ValRecall)
		case "learning_rate":
			out = append(out, r.LearningRate)
		default:
			return nil
		}
	}
	return out
}

// SaveHistory writes h as JSON
func SaveHistory(path string, h *History) error {
	data, err := json.MarshalIndent(h, "", "  ")
	if err != nil {
		return errors.Wrap(err, "failed to encode history")
	}
	return errors.Wrap(os.WriteFile(path, data, 0644), "failed to write history")
}

// LoadHistory reads a history written by SaveHistory
func LoadHistory(path string) (*History, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read history")
	}
	var h History
	if err := json.Unmarshal(data, &h); err != nil {
		return nil, errors.Wrap(err, "failed to decode history")
	}
	return &h, nil
}
