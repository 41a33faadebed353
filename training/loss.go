package training

import (
	"math"

	"github.com/pkg/errors"

	"github.com/medvision/kvasirnet/tensor"
	"github.com/medvision/kvasirnet/vision/dataloader"
)

// Epsilon clamps probabilities away from 0 and 1 before taking logs
const Epsilon = 1e-7

// Loss scores a batch of predicted probabilities against class labels
type Loss interface {
	Forward(predicted *tensor.Tensor, labels []int) (float64, error)
	Backward(predicted *tensor.Tensor, labels []int) (*tensor.Tensor, error)
}

// BCELoss is binary cross-entropy over sigmoid probabilities. With Weights
// set, each sample's term is scaled by the weight of its class; the result
// is always the mean over the batch.
type BCELoss struct {
	Weights dataloader.ClassWeights
}

// NewBCELoss returns a loss using weights, or an unweighted one for nil
func NewBCELoss(weights dataloader.ClassWeights) *BCELoss {
	return &BCELoss{Weights: weights}
}

func (l *BCELoss) check(predicted *tensor.Tensor, labels []int) error {
	if predicted.NumElems != len(labels) {
		return errors.Errorf("%d predictions for %d labels", predicted.NumElems, len(labels))
	}
	if len(labels) == 0 {
		return errors.New("empty batch")
	}
	for i, y := range labels {
		if y != 0 && y != 1 {
			return errors.Errorf("label %d of sample %d is not binary", y, i)
		}
	}
	return nil
}

func (l *BCELoss) weight(y int) float64 {
	if l.Weights == nil {
		return 1
	}
	return l.Weights.Weight(y)
}

func clampProb(p float32) float64 {
	return math.Min(math.Max(float64(p), Epsilon), 1-Epsilon)
}

// Forward computes mean(-w[y] * (y*log(p) + (1-y)*log(1-p)))
func (l *BCELoss) Forward(predicted *tensor.Tensor, labels []int) (float64, error) {
	if err := l.check(predicted, labels); err != nil {
		return 0, err
	}
	sum := 0.0
	for i, y := range labels {
		p := clampProb(predicted.Data[i])
		if y == 1 {
			sum -= l.weight(y) * math.Log(p)
		} else {
			sum -= l.weight(y) * math.Log(1-p)
		}
	}
	return sum / float64(len(labels)), nil
}

// Backward returns dLoss/dp shaped like predicted
func (l *BCELoss) Backward(predicted *tensor.Tensor, labels []int) (*tensor.Tensor, error) {
	if err := l.check(predicted, labels); err != nil {
		return nil, err
	}
	grad := tensor.ZerosLike(predicted)
	n := float64(len(labels))
	for i, y := range labels {
		p := clampProb(predicted.Data[i])
		var g float64
		if y == 1 {
			g = -1 / p
		} else {
			g = 1 / (1 - p)
		}
		grad.Data[i] = float32(l.weight(y) * g / n)
	}
	return grad, nil
}
