package optimizer

import (
	"math"

	"github.com/pkg/errors"

	"github.com/medvision/kvasirnet/layers"
)

// AdamConfig holds configuration for Adam optimizer
type AdamConfig struct {
	LearningRate float32
	Beta1        float32
	Beta2        float32
	Epsilon      float32
	WeightDecay  float32
}

// DefaultAdamConfig returns default Adam optimizer configuration
func DefaultAdamConfig() AdamConfig {
	return AdamConfig{
		LearningRate: 0.001,
		Beta1:        0.9,
		Beta2:        0.999,
		Epsilon:      1e-8,
		WeightDecay:  0.0,
	}
}

// AdamOptimizerState is Adam with first and second moment buffers per parameter
type AdamOptimizerState struct {
	config AdamConfig

	momentum map[*layers.Param][]float32
	variance map[*layers.Param][]float32

	// Step tracking for bias correction
	StepCount uint64
}

// NewAdamOptimizer creates a new Adam optimizer
func NewAdamOptimizer(config AdamConfig) (*AdamOptimizerState, error) {
	if config.LearningRate <= 0 {
		return nil, errors.Errorf("learning rate must be positive, got %g", config.LearningRate)
	}
	if config.Beta1 < 0 || config.Beta1 >= 1 || config.Beta2 < 0 || config.Beta2 >= 1 {
		return nil, errors.Errorf("betas must be in [0, 1), got %g, %g", config.Beta1, config.Beta2)
	}
	return &AdamOptimizerState{
		config:   config,
		momentum: make(map[*layers.Param][]float32),
		variance: make(map[*layers.Param][]float32),
	}, nil
}

// Step performs a single Adam update
func (adam *AdamOptimizerState) Step(params []*layers.Param) error {
	if err := validateParams(params); err != nil {
		return err
	}
	adam.StepCount++

	cfg := adam.config
	t := float64(adam.StepCount)
	bc1 := float32(1 - math.Pow(float64(cfg.Beta1), t))
	bc2 := float32(1 - math.Pow(float64(cfg.Beta2), t))

	for _, p := range params {
		m, ok := adam.momentum[p]
		if !ok {
			m = make([]float32, p.Value.NumElems)
			adam.momentum[p] = m
			adam.variance[p] = make([]float32, p.Value.NumElems)
		}
		v := adam.variance[p]

		w, g := p.Value.Data, p.Grad.Data
		for i := range w {
			grad := g[i]
			if cfg.WeightDecay != 0 {
				grad += cfg.WeightDecay * w[i]
			}
			m[i] = cfg.Beta1*m[i] + (1-cfg.Beta1)*grad
			v[i] = cfg.Beta2*v[i] + (1-cfg.Beta2)*grad*grad
			mHat := m[i] / bc1
			vHat := v[i] / bc2
			w[i] -= cfg.LearningRate * mHat / (float32(math.Sqrt(float64(vHat))) + cfg.Epsilon)
		}
	}
	return nil
}

// GetStepCount returns the current step count
func (adam *AdamOptimizerState) GetStepCount() uint64 {
	return adam.StepCount
}

// LearningRate returns the current learning rate
func (adam *AdamOptimizerState) LearningRate() float32 {
	return adam.config.LearningRate
}

// UpdateLearningRate updates the learning rate
func (adam *AdamOptimizerState) UpdateLearningRate(lr float32) {
	adam.config.LearningRate = lr
}

// Name returns "Adam"
func (adam *AdamOptimizerState) Name() string {
	return "Adam"
}
