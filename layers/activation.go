package layers

import (
	"math"
	"math/rand"

	"github.com/pkg/errors"

	"github.com/medvision/kvasirnet/tensor"
)

type reluLayer struct {
	spec   LayerSpec
	output *tensor.Tensor
}

func (l *reluLayer) Spec() LayerSpec  { return l.spec }
func (l *reluLayer) Params() []*Param { return nil }

func (l *reluLayer) Forward(x *tensor.Tensor, training bool) (*tensor.Tensor, error) {
	y := tensor.ZerosLike(x)
	for i, v := range x.Data {
		if v > 0 {
			y.Data[i] = v
		}
	}
	l.output = y
	return y, nil
}

func (l *reluLayer) Backward(grad *tensor.Tensor, needInputGrad bool) (*tensor.Tensor, error) {
	if !needInputGrad {
		return nil, nil
	}
	if l.output == nil {
		return nil, errors.Errorf("relu %s: backward before forward", l.spec.Name)
	}
	dx := tensor.ZerosLike(grad)
	for i, v := range l.output.Data {
		if v > 0 {
			dx.Data[i] = grad.Data[i]
		}
	}
	return dx, nil
}

type sigmoidLayer struct {
	spec   LayerSpec
	output *tensor.Tensor
}

func (l *sigmoidLayer) Spec() LayerSpec  { return l.spec }
func (l *sigmoidLayer) Params() []*Param { return nil }

func (l *sigmoidLayer) Forward(x *tensor.Tensor, training bool) (*tensor.Tensor, error) {
	y := tensor.ZerosLike(x)
	for i, v := range x.Data {
		y.Data[i] = float32(1 / (1 + math.Exp(-float64(v))))
	}
	l.output = y
	return y, nil
}

func (l *sigmoidLayer) Backward(grad *tensor.Tensor, needInputGrad bool) (*tensor.Tensor, error) {
	if !needInputGrad {
		return nil, nil
	}
	if l.output == nil {
		return nil, errors.Errorf("sigmoid %s: backward before forward", l.spec.Name)
	}
	dx := tensor.ZerosLike(grad)
	for i, p := range l.output.Data {
		dx.Data[i] = grad.Data[i] * p * (1 - p)
	}
	return dx, nil
}

// dropoutLayer is inverted dropout: kept activations are scaled by 1/(1-rate)
// during training so inference is the identity.
type dropoutLayer struct {
	spec LayerSpec
	rate float32
	rng  *rand.Rand
	mask []float32
}

func (l *dropoutLayer) Spec() LayerSpec  { return l.spec }
func (l *dropoutLayer) Params() []*Param { return nil }

func (l *dropoutLayer) Forward(x *tensor.Tensor, training bool) (*tensor.Tensor, error) {
	if !training || l.rate == 0 {
		l.mask = nil
		return x, nil
	}
	y := tensor.ZerosLike(x)
	l.mask = make([]float32, x.NumElems)
	keep := 1 / (1 - l.rate)
	for i, v := range x.Data {
		if l.rng.Float32() >= l.rate {
			l.mask[i] = keep
			y.Data[i] = v * keep
		}
	}
	return y, nil
}

func (l *dropoutLayer) Backward(grad *tensor.Tensor, needInputGrad bool) (*tensor.Tensor, error) {
	if !needInputGrad {
		return nil, nil
	}
	if l.mask == nil {
		return grad, nil
	}
	dx := tensor.ZerosLike(grad)
	for i, m := range l.mask {
		dx.Data[i] = grad.Data[i] * m
	}
	return dx, nil
}

type globalAvgPoolLayer struct {
	spec       LayerSpec
	inputShape []int
}

func (l *globalAvgPoolLayer) Spec() LayerSpec  { return l.spec }
func (l *globalAvgPoolLayer) Params() []*Param { return nil }

func (l *globalAvgPoolLayer) Forward(x *tensor.Tensor, training bool) (*tensor.Tensor, error) {
	if x.Rank() != 4 {
		return nil, errors.Errorf("global pool %s expects [N C H W], got %v", l.spec.Name, x.Shape)
	}
	n, c := x.Dim(0), x.Dim(1)
	area := x.Dim(2) * x.Dim(3)
	y := tensor.Zeros(n, c)
	for s := 0; s < n; s++ {
		xs := x.Row(s)
		for ch := 0; ch < c; ch++ {
			var sum float32
			for _, v := range xs[ch*area : (ch+1)*area] {
				sum += v
			}
			y.Data[s*c+ch] = sum / float32(area)
		}
	}
	l.inputShape = append([]int(nil), x.Shape...)
	return y, nil
}

func (l *globalAvgPoolLayer) Backward(grad *tensor.Tensor, needInputGrad bool) (*tensor.Tensor, error) {
	if !needInputGrad {
		return nil, nil
	}
	if l.inputShape == nil {
		return nil, errors.Errorf("global pool %s: backward before forward", l.spec.Name)
	}
	dx := tensor.Zeros(l.inputShape...)
	n, c := l.inputShape[0], l.inputShape[1]
	area := l.inputShape[2] * l.inputShape[3]
	for s := 0; s < n; s++ {
		ds := dx.Row(s)
		for ch := 0; ch < c; ch++ {
			g := grad.Data[s*c+ch] / float32(area)
			plane := ds[ch*area : (ch+1)*area]
			for i := range plane {
				plane[i] = g
			}
		}
	}
	return dx, nil
}
