package training

import (
	"math"

	"github.com/medvision/kvasirnet/checkpoints"
)

// State is the controller's state machine position
type State int

const (
	Running State = iota
	StoppedEarlyStopping
	StoppedMaxEpochs
)

func (s State) String() string {
	switch s {
	case Running:
		return "running"
	case StoppedEarlyStopping:
		return "stopped_early_stopping"
	case StoppedMaxEpochs:
		return "stopped_max_epochs"
	default:
		return "unknown"
	}
}

// Terminal reports whether training has ended
func (s State) Terminal() bool {
	return s != Running
}

// RunState is everything the epoch-boundary policies read and write. It is
// created when Fit starts and mutated only by the controller between epochs.
type RunState struct {
	State State
	Epoch int // completed epochs

	BestValAccuracy float64
	BestEpoch       int
	BestSnapshot    []checkpoints.WeightTensor

	BestValLoss  float64
	LearningRate float64

	StallEpochs   int // early stopping counter
	PlateauEpochs int // learning-rate decay counter
}

// NewRunState starts a run at the given learning rate
func NewRunState(lr float64) *RunState {
	return &RunState{
		State:           Running,
		BestValAccuracy: math.Inf(-1),
		BestValLoss:     math.Inf(1),
		LearningRate:    lr,
	}
}
