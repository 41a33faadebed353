package layers

import (
	"math"

	"github.com/pkg/errors"

	"github.com/medvision/kvasirnet/tensor"
)

// batchNormLayer normalizes over the batch (and spatial positions for images)
// per feature/channel. In inference mode it uses the running statistics.
type batchNormLayer struct {
	spec        LayerSpec
	features    int
	spatial     int
	eps         float32
	momentum    float32
	gamma, beta *Param
	runningMean *Param
	runningVar  *Param

	// forward cache
	xhat     *tensor.Tensor
	invStd   []float32
	training bool
}

func newBatchNormLayer(ls LayerSpec) *batchNormLayer {
	features := ls.InputShape[0]
	spatial := 1
	for _, d := range ls.InputShape[1:] {
		spatial *= d
	}
	l := &batchNormLayer{
		spec:        ls,
		features:    features,
		spatial:     spatial,
		eps:         getFloatParam(ls.Parameters, "eps", 1e-3),
		momentum:    getFloatParam(ls.Parameters, "momentum", 0.99),
		gamma:       newParam(ls.Name, KindGamma, []int{features}),
		beta:        newParam(ls.Name, KindBeta, []int{features}),
		runningMean: newBuffer(ls.Name, KindRunningMean, []int{features}),
		runningVar:  newBuffer(ls.Name, KindRunningVar, []int{features}),
	}
	for i := 0; i < features; i++ {
		l.gamma.Value.Data[i] = 1
		l.runningVar.Value.Data[i] = 1
	}
	return l
}

func (l *batchNormLayer) Spec() LayerSpec { return l.spec }

func (l *batchNormLayer) Params() []*Param {
	return []*Param{l.gamma, l.beta, l.runningMean, l.runningVar}
}

func (l *batchNormLayer) Forward(x *tensor.Tensor, training bool) (*tensor.Tensor, error) {
	if x.NumElems != x.Batch()*l.features*l.spatial {
		return nil, errors.Errorf("batchnorm %s expects %d values per sample, got %v", l.spec.Name, l.features*l.spatial, x.Shape)
	}
	n := x.Batch()
	m := float64(n * l.spatial)
	y := tensor.ZerosLike(x)
	xhat := tensor.ZerosLike(x)
	invStd := make([]float32, l.features)

	for c := 0; c < l.features; c++ {
		var mean, variance float64
		if training {
			for s := 0; s < n; s++ {
				for _, v := range l.channel(x, s, c) {
					mean += float64(v)
				}
			}
			mean /= m
			for s := 0; s < n; s++ {
				for _, v := range l.channel(x, s, c) {
					d := float64(v) - mean
					variance += d * d
				}
			}
			variance /= m

			mom := float64(l.momentum)
			l.runningMean.Value.Data[c] = float32(mom*float64(l.runningMean.Value.Data[c]) + (1-mom)*mean)
			l.runningVar.Value.Data[c] = float32(mom*float64(l.runningVar.Value.Data[c]) + (1-mom)*variance)
		} else {
			mean = float64(l.runningMean.Value.Data[c])
			variance = float64(l.runningVar.Value.Data[c])
		}

		is := float32(1 / math.Sqrt(variance+float64(l.eps)))
		invStd[c] = is
		g, b := l.gamma.Value.Data[c], l.beta.Value.Data[c]
		mf := float32(mean)
		for s := 0; s < n; s++ {
			in := l.channel(x, s, c)
			xh := l.channel(xhat, s, c)
			out := l.channel(y, s, c)
			for i, v := range in {
				xh[i] = (v - mf) * is
				out[i] = g*xh[i] + b
			}
		}
	}

	l.xhat = xhat
	l.invStd = invStd
	l.training = training
	return y, nil
}

func (l *batchNormLayer) Backward(grad *tensor.Tensor, needInputGrad bool) (*tensor.Tensor, error) {
	if l.xhat == nil {
		return nil, errors.Errorf("batchnorm %s: backward before forward", l.spec.Name)
	}
	n := grad.Batch()
	m := float32(n * l.spatial)
	var dx *tensor.Tensor
	if needInputGrad {
		dx = tensor.ZerosLike(grad)
	}

	for c := 0; c < l.features; c++ {
		var sumG, sumGX float32
		for s := 0; s < n; s++ {
			g := l.channel(grad, s, c)
			xh := l.channel(l.xhat, s, c)
			for i := range g {
				sumG += g[i]
				sumGX += g[i] * xh[i]
			}
		}
		l.gamma.Grad.Data[c] += sumGX
		l.beta.Grad.Data[c] += sumG

		if dx == nil {
			continue
		}
		scale := l.gamma.Value.Data[c] * l.invStd[c]
		for s := 0; s < n; s++ {
			g := l.channel(grad, s, c)
			xh := l.channel(l.xhat, s, c)
			d := l.channel(dx, s, c)
			for i := range g {
				if l.training {
					d[i] = scale / m * (m*g[i] - sumG - xh[i]*sumGX)
				} else {
					d[i] = scale * g[i]
				}
			}
		}
	}
	return dx, nil
}

// channel returns the values of feature c for sample s
func (l *batchNormLayer) channel(t *tensor.Tensor, s, c int) []float32 {
	start := (s*l.features + c) * l.spatial
	return t.Data[start : start+l.spatial]
}
