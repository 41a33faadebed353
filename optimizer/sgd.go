package optimizer

import (
	"github.com/pkg/errors"

	"github.com/medvision/kvasirnet/layers"
)

// SGDConfig holds configuration for SGD optimizer
type SGDConfig struct {
	LearningRate float32
	Momentum     float32
	WeightDecay  float32
	Nesterov     bool
}

// DefaultSGDConfig returns default SGD optimizer configuration
func DefaultSGDConfig() SGDConfig {
	return SGDConfig{
		LearningRate: 0.01,
		Momentum:     0.0,
		WeightDecay:  0.0,
		Nesterov:     false,
	}
}

// SGDOptimizerState is SGD with optional (Nesterov) momentum
type SGDOptimizerState struct {
	config   SGDConfig
	velocity map[*layers.Param][]float32

	StepCount uint64
}

// NewSGDOptimizer creates a new SGD optimizer
func NewSGDOptimizer(config SGDConfig) (*SGDOptimizerState, error) {
	if config.LearningRate <= 0 {
		return nil, errors.Errorf("learning rate must be positive, got %g", config.LearningRate)
	}
	if config.Momentum < 0 || config.Momentum >= 1 {
		return nil, errors.Errorf("momentum must be in [0, 1), got %g", config.Momentum)
	}
	if config.Nesterov && config.Momentum == 0 {
		return nil, errors.New("nesterov momentum requires momentum > 0")
	}
	return &SGDOptimizerState{
		config:   config,
		velocity: make(map[*layers.Param][]float32),
	}, nil
}

// Step performs a single SGD update
func (sgd *SGDOptimizerState) Step(params []*layers.Param) error {
	if err := validateParams(params); err != nil {
		return err
	}
	sgd.StepCount++

	cfg := sgd.config
	for _, p := range params {
		w, g := p.Value.Data, p.Grad.Data
		if cfg.Momentum == 0 {
			for i := range w {
				w[i] -= cfg.LearningRate * (g[i] + cfg.WeightDecay*w[i])
			}
			continue
		}

		vel, ok := sgd.velocity[p]
		if !ok {
			vel = make([]float32, len(w))
			sgd.velocity[p] = vel
		}
		for i := range w {
			grad := g[i] + cfg.WeightDecay*w[i]
			vel[i] = cfg.Momentum*vel[i] + grad
			if cfg.Nesterov {
				grad += cfg.Momentum * vel[i]
			} else {
				grad = vel[i]
			}
			w[i] -= cfg.LearningRate * grad
		}
	}
	return nil
}

// GetStepCount returns the current step count
func (sgd *SGDOptimizerState) GetStepCount() uint64 {
	return sgd.StepCount
}

// LearningRate returns the current learning rate
func (sgd *SGDOptimizerState) LearningRate() float32 {
	return sgd.config.LearningRate
}

// UpdateLearningRate updates the learning rate
func (sgd *SGDOptimizerState) UpdateLearningRate(lr float32) {
	sgd.config.LearningRate = lr
}

// Name returns "SGD"
func (sgd *SGDOptimizerState) Name() string {
	return "SGD"
}
