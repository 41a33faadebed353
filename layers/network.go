package layers

import (
	"math/rand"

	"github.com/pkg/errors"

	"github.com/medvision/kvasirnet/tensor"
)

// ParamKind distinguishes learnable parameters from persisted buffers
type ParamKind string

const (
	KindWeight      ParamKind = "weight"
	KindBias        ParamKind = "bias"
	KindGamma       ParamKind = "gamma"
	KindBeta        ParamKind = "beta"
	KindRunningMean ParamKind = "running_mean"
	KindRunningVar  ParamKind = "running_var"
)

// Param is a named tensor owned by a layer. Buffers (running statistics)
// have a nil Grad.
type Param struct {
	Name  string
	Layer string
	Kind  ParamKind
	Value *tensor.Tensor
	Grad  *tensor.Tensor
}

func newParam(layer string, kind ParamKind, shape []int) *Param {
	return &Param{
		Name:  layer + "." + string(kind),
		Layer: layer,
		Kind:  kind,
		Value: tensor.Zeros(shape...),
		Grad:  tensor.Zeros(shape...),
	}
}

func newBuffer(layer string, kind ParamKind, shape []int) *Param {
	return &Param{
		Name:  layer + "." + string(kind),
		Layer: layer,
		Kind:  kind,
		Value: tensor.Zeros(shape...),
	}
}

// Layer is a runnable layer. Forward caches what Backward needs, so calls
// must alternate Forward, Backward on the same batch.
type Layer interface {
	Spec() LayerSpec
	Forward(x *tensor.Tensor, training bool) (*tensor.Tensor, error)
	// Backward accumulates parameter gradients and, when needInputGrad is set,
	// returns the gradient with respect to the layer input.
	Backward(grad *tensor.Tensor, needInputGrad bool) (*tensor.Tensor, error)
	// Params returns learnable parameters followed by buffers.
	Params() []*Param
}

// Network executes a compiled ModelSpec on the CPU.
// Layers [trainableFrom, len) are trainable; the prefix is frozen and runs in
// inference mode, so frozen BatchNorm layers use their running statistics.
type Network struct {
	spec          *ModelSpec
	layers        []Layer
	trainableFrom int
}

// NewNetwork instantiates the layers of spec with freshly initialized weights.
// trainableFrom is the index of the first trainable layer.
func NewNetwork(spec *ModelSpec, trainableFrom int, rng *rand.Rand) (*Network, error) {
	if spec == nil || !spec.Compiled {
		return nil, errors.New("model spec not compiled")
	}
	if trainableFrom < 0 || trainableFrom > len(spec.Layers) {
		return nil, errors.Errorf("trainable boundary %d outside [0, %d]", trainableFrom, len(spec.Layers))
	}
	if rng == nil {
		rng = rand.New(rand.NewSource(1))
	}

	n := &Network{spec: spec, trainableFrom: trainableFrom}
	for i, ls := range spec.Layers {
		layer, err := newLayer(ls, rng)
		if err != nil {
			return nil, errors.Wrapf(err, "layer %d (%s)", i, ls.Name)
		}
		n.layers = append(n.layers, layer)
	}
	return n, nil
}

func newLayer(ls LayerSpec, rng *rand.Rand) (Layer, error) {
	switch ls.Type {
	case Dense:
		return newDenseLayer(ls, rng), nil
	case Conv2D:
		return newConv2DLayer(ls, rng), nil
	case BatchNorm:
		return newBatchNormLayer(ls), nil
	case ReLU:
		return &reluLayer{spec: ls}, nil
	case Sigmoid:
		return &sigmoidLayer{spec: ls}, nil
	case Dropout:
		return &dropoutLayer{spec: ls, rate: getFloatParam(ls.Parameters, "rate", 0), rng: rng}, nil
	case GlobalAvgPool2D:
		return &globalAvgPoolLayer{spec: ls}, nil
	default:
		return nil, errors.Errorf("unsupported layer type %s", ls.Type)
	}
}

// Spec returns the compiled model specification
func (n *Network) Spec() *ModelSpec {
	return n.spec
}

// NumLayers returns the number of layers
func (n *Network) NumLayers() int {
	return len(n.layers)
}

// TrainableFrom returns the index of the first trainable layer
func (n *Network) TrainableFrom() int {
	return n.trainableFrom
}

// IsTrainable reports whether layer i receives updates
func (n *Network) IsTrainable(i int) bool {
	return i >= n.trainableFrom
}

// Forward runs the batch x ([N, ...InputShape]) through every layer.
func (n *Network) Forward(x *tensor.Tensor, training bool) (*tensor.Tensor, error) {
	if err := n.checkInput(x); err != nil {
		return nil, err
	}
	out := x
	for i, layer := range n.layers {
		var err error
		out, err = layer.Forward(out, training && n.IsTrainable(i))
		if err != nil {
			return nil, errors.Wrapf(err, "forward %s", layer.Spec().Name)
		}
	}
	return out, nil
}

// Backward propagates grad (shaped like the last Forward output) down to the
// first trainable layer, accumulating gradients into trainable parameters.
func (n *Network) Backward(grad *tensor.Tensor) error {
	g := grad
	for i := len(n.layers) - 1; i >= n.trainableFrom; i-- {
		var err error
		g, err = n.layers[i].Backward(g, i > n.trainableFrom)
		if err != nil {
			return errors.Wrapf(err, "backward %s", n.layers[i].Spec().Name)
		}
	}
	return nil
}

// ZeroGrad clears accumulated gradients of every parameter
func (n *Network) ZeroGrad() {
	for _, p := range n.AllParams() {
		if p.Grad == nil {
			continue
		}
		for i := range p.Grad.Data {
			p.Grad.Data[i] = 0
		}
	}
}

// TrainableParams returns the learnable parameters of trainable layers only
func (n *Network) TrainableParams() []*Param {
	var params []*Param
	for i := n.trainableFrom; i < len(n.layers); i++ {
		for _, p := range n.layers[i].Params() {
			if p.Grad != nil {
				params = append(params, p)
			}
		}
	}
	return params
}

// AllParams returns every parameter and buffer in layer order
func (n *Network) AllParams() []*Param {
	var params []*Param
	for _, l := range n.layers {
		params = append(params, l.Params()...)
	}
	return params
}

// TrainableParameterCount counts scalar learnable parameters that receive updates
func (n *Network) TrainableParameterCount() int {
	total := 0
	for _, p := range n.TrainableParams() {
		total += p.Value.NumElems
	}
	return total
}

func (n *Network) checkInput(x *tensor.Tensor) error {
	want := n.spec.InputShape
	if x.Rank() != len(want)+1 {
		return errors.Errorf("input shape %v does not match [N %v]", x.Shape, want)
	}
	for i, d := range want {
		if x.Shape[i+1] != d {
			return errors.Errorf("input shape %v does not match [N %v]", x.Shape, want)
		}
	}
	return nil
}
