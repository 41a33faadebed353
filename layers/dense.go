package layers

import (
	"math"
	"math/rand"

	"github.com/pkg/errors"

	"github.com/medvision/kvasirnet/tensor"
)

type denseLayer struct {
	spec    LayerSpec
	in, out int
	weight  *Param // [in, out]
	bias    *Param // [out], nil without bias
	input   *tensor.Tensor
}

func newDenseLayer(ls LayerSpec, rng *rand.Rand) *denseLayer {
	in := getIntParam(ls.Parameters, "input_size", 0)
	out := getIntParam(ls.Parameters, "output_size", 0)
	l := &denseLayer{
		spec:   ls,
		in:     in,
		out:    out,
		weight: newParam(ls.Name, KindWeight, []int{in, out}),
	}
	if getBoolParam(ls.Parameters, "use_bias", true) {
		l.bias = newParam(ls.Name, KindBias, []int{out})
	}

	// Glorot uniform
	limit := math.Sqrt(6.0 / float64(in+out))
	for i := range l.weight.Value.Data {
		l.weight.Value.Data[i] = float32((rng.Float64()*2 - 1) * limit)
	}
	return l
}

func (l *denseLayer) Spec() LayerSpec { return l.spec }

func (l *denseLayer) Params() []*Param {
	if l.bias == nil {
		return []*Param{l.weight}
	}
	return []*Param{l.weight, l.bias}
}

func (l *denseLayer) Forward(x *tensor.Tensor, training bool) (*tensor.Tensor, error) {
	if x.Rank() != 2 || x.Dim(1) != l.in {
		return nil, errors.Errorf("dense %s expects [N %d], got %v", l.spec.Name, l.in, x.Shape)
	}
	n := x.Dim(0)
	y := tensor.Zeros(n, l.out)
	w := l.weight.Value.Data

	parallelFor(n, func(_, s int) {
		xr := x.Row(s)
		yr := y.Row(s)
		if l.bias != nil {
			copy(yr, l.bias.Value.Data)
		}
		for i, xv := range xr {
			if xv == 0 {
				continue
			}
			wr := w[i*l.out : (i+1)*l.out]
			for j, wv := range wr {
				yr[j] += xv * wv
			}
		}
	})

	l.input = x
	return y, nil
}

func (l *denseLayer) Backward(grad *tensor.Tensor, needInputGrad bool) (*tensor.Tensor, error) {
	if l.input == nil {
		return nil, errors.Errorf("dense %s: backward before forward", l.spec.Name)
	}
	n := grad.Dim(0)
	w := l.weight.Value.Data
	gw := l.weight.Grad.Data

	for s := 0; s < n; s++ {
		xr := l.input.Row(s)
		gr := grad.Row(s)
		for i, xv := range xr {
			if xv == 0 {
				continue
			}
			row := gw[i*l.out : (i+1)*l.out]
			for j, gv := range gr {
				row[j] += xv * gv
			}
		}
		if l.bias != nil {
			for j, gv := range gr {
				l.bias.Grad.Data[j] += gv
			}
		}
	}

	if !needInputGrad {
		return nil, nil
	}
	dx := tensor.Zeros(n, l.in)
	parallelFor(n, func(_, s int) {
		gr := grad.Row(s)
		dr := dx.Row(s)
		for i := range dr {
			wr := w[i*l.out : (i+1)*l.out]
			var acc float32
			for j, gv := range gr {
				acc += gv * wr[j]
			}
			dr[i] = acc
		}
	})
	return dx, nil
}
