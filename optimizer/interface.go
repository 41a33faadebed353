package optimizer

import (
	"github.com/pkg/errors"

	"github.com/medvision/kvasirnet/layers"
)

// Optimizer defines the common interface for all optimizers.
// Implementations keep per-parameter state keyed by the *layers.Param they
// were stepped with, so the same parameter set must be passed on every call.
type Optimizer interface {
	// Step applies one update using the gradients accumulated in params
	Step(params []*layers.Param) error

	// GetStepCount returns the current optimization step number
	GetStepCount() uint64

	// LearningRate returns the current learning rate
	LearningRate() float32

	// UpdateLearningRate updates the learning rate
	UpdateLearningRate(lr float32)

	// Name identifies the algorithm ("Adam", "SGD")
	Name() string
}

// New returns the optimizer registered under name with the given learning rate
// and otherwise default hyperparameters.
func New(name string, lr float32) (Optimizer, error) {
	switch name {
	case "adam", "Adam", "":
		cfg := DefaultAdamConfig()
		cfg.LearningRate = lr
		return NewAdamOptimizer(cfg)
	case "sgd", "SGD":
		cfg := DefaultSGDConfig()
		cfg.LearningRate = lr
		return NewSGDOptimizer(cfg)
	default:
		return nil, errors.Errorf("unknown optimizer %q", name)
	}
}

func validateParams(params []*layers.Param) error {
	for _, p := range params {
		if p.Grad == nil {
			return errors.Errorf("parameter %s has no gradient buffer", p.Name)
		}
		if p.Grad.NumElems != p.Value.NumElems {
			return errors.Errorf("parameter %s: gradient size %d != value size %d", p.Name, p.Grad.NumElems, p.Value.NumElems)
		}
	}
	return nil
}
