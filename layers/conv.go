package layers

import (
	"math"
	"math/rand"

	"github.com/pkg/errors"

	"github.com/medvision/kvasirnet/tensor"
)

// conv2DLayer is a direct (non-im2col) NCHW convolution with square kernels
type conv2DLayer struct {
	spec                 LayerSpec
	inC, outC            int
	kernel, stride, pad  int
	inH, inW, outH, outW int
	weight               *Param // [outC, inC, k, k]
	bias                 *Param // [outC]
	input                *tensor.Tensor
}

func newConv2DLayer(ls LayerSpec, rng *rand.Rand) *conv2DLayer {
	l := &conv2DLayer{
		spec:   ls,
		inC:    getIntParam(ls.Parameters, "input_channels", 0),
		outC:   getIntParam(ls.Parameters, "output_channels", 0),
		kernel: getIntParam(ls.Parameters, "kernel_size", 0),
		stride: getIntParam(ls.Parameters, "stride", 1),
		pad:    getIntParam(ls.Parameters, "padding", 0),
		inH:    ls.InputShape[1],
		inW:    ls.InputShape[2],
		outH:   ls.OutputShape[1],
		outW:   ls.OutputShape[2],
	}
	l.weight = newParam(ls.Name, KindWeight, []int{l.outC, l.inC, l.kernel, l.kernel})
	if getBoolParam(ls.Parameters, "use_bias", true) {
		l.bias = newParam(ls.Name, KindBias, []int{l.outC})
	}

	// He normal
	std := math.Sqrt(2.0 / float64(l.inC*l.kernel*l.kernel))
	for i := range l.weight.Value.Data {
		l.weight.Value.Data[i] = float32(rng.NormFloat64() * std)
	}
	return l
}

func (l *conv2DLayer) Spec() LayerSpec { return l.spec }

func (l *conv2DLayer) Params() []*Param {
	if l.bias == nil {
		return []*Param{l.weight}
	}
	return []*Param{l.weight, l.bias}
}

func (l *conv2DLayer) Forward(x *tensor.Tensor, training bool) (*tensor.Tensor, error) {
	if x.Rank() != 4 || x.Dim(1) != l.inC || x.Dim(2) != l.inH || x.Dim(3) != l.inW {
		return nil, errors.Errorf("conv %s expects [N %d %d %d], got %v", l.spec.Name, l.inC, l.inH, l.inW, x.Shape)
	}
	n := x.Dim(0)
	y := tensor.Zeros(n, l.outC, l.outH, l.outW)
	w := l.weight.Value.Data
	k := l.kernel

	parallelFor(n, func(_, s int) {
		xs := x.Row(s)
		ys := y.Row(s)
		for oc := 0; oc < l.outC; oc++ {
			var b float32
			if l.bias != nil {
				b = l.bias.Value.Data[oc]
			}
			plane := ys[oc*l.outH*l.outW : (oc+1)*l.outH*l.outW]
			for i := range plane {
				plane[i] = b
			}
			for ic := 0; ic < l.inC; ic++ {
				in := xs[ic*l.inH*l.inW : (ic+1)*l.inH*l.inW]
				kw := w[(oc*l.inC+ic)*k*k : (oc*l.inC+ic+1)*k*k]
				for oh := 0; oh < l.outH; oh++ {
					for ow := 0; ow < l.outW; ow++ {
						var acc float32
						for ky := 0; ky < k; ky++ {
							iy := oh*l.stride + ky - l.pad
							if iy < 0 || iy >= l.inH {
								continue
							}
							row := in[iy*l.inW:]
							for kx := 0; kx < k; kx++ {
								ix := ow*l.stride + kx - l.pad
								if ix < 0 || ix >= l.inW {
									continue
								}
								acc += row[ix] * kw[ky*k+kx]
							}
						}
						plane[oh*l.outW+ow] += acc
					}
				}
			}
		}
	})

	l.input = x
	return y, nil
}

func (l *conv2DLayer) Backward(grad *tensor.Tensor, needInputGrad bool) (*tensor.Tensor, error) {
	if l.input == nil {
		return nil, errors.Errorf("conv %s: backward before forward", l.spec.Name)
	}
	n := grad.Dim(0)
	k := l.kernel
	w := l.weight.Value.Data

	var dx *tensor.Tensor
	if needInputGrad {
		dx = tensor.Zeros(n, l.inC, l.inH, l.inW)
	}

	// Per-worker accumulators keep the weight-gradient sum race free
	workers := workerCount(n)
	gws := make([][]float32, workers)
	gbs := make([][]float32, workers)
	for i := range gws {
		gws[i] = make([]float32, len(w))
		gbs[i] = make([]float32, l.outC)
	}

	parallelFor(n, func(worker, s int) {
		xs := l.input.Row(s)
		gs := grad.Row(s)
		gw := gws[worker]
		gb := gbs[worker]
		var dxs []float32
		if dx != nil {
			dxs = dx.Row(s)
		}
		for oc := 0; oc < l.outC; oc++ {
			plane := gs[oc*l.outH*l.outW : (oc+1)*l.outH*l.outW]
			for _, g := range plane {
				gb[oc] += g
			}
			for ic := 0; ic < l.inC; ic++ {
				in := xs[ic*l.inH*l.inW : (ic+1)*l.inH*l.inW]
				base := (oc*l.inC + ic) * k * k
				var din []float32
				if dxs != nil {
					din = dxs[ic*l.inH*l.inW : (ic+1)*l.inH*l.inW]
				}
				for oh := 0; oh < l.outH; oh++ {
					for ow := 0; ow < l.outW; ow++ {
						g := plane[oh*l.outW+ow]
						if g == 0 {
							continue
						}
						for ky := 0; ky < k; ky++ {
							iy := oh*l.stride + ky - l.pad
							if iy < 0 || iy >= l.inH {
								continue
							}
							for kx := 0; kx < k; kx++ {
								ix := ow*l.stride + kx - l.pad
								if ix < 0 || ix >= l.inW {
									continue
								}
								gw[base+ky*k+kx] += g * in[iy*l.inW+ix]
								if din != nil {
									din[iy*l.inW+ix] += g * w[base+ky*k+kx]
								}
							}
						}
					}
				}
			}
		}
	})

	for wi := 0; wi < workers; wi++ {
		for i, v := range gws[wi] {
			l.weight.Grad.Data[i] += v
		}
		if l.bias != nil {
			for i, v := range gbs[wi] {
				l.bias.Grad.Data[i] += v
			}
		}
	}
	return dx, nil
}
