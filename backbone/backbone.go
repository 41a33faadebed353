// Package backbone provides the pretrained feature extractor the classifier
// is built on: a MobileNet-lite stack of Conv2D, BatchNorm and ReLU blocks.
package backbone

import (
	"fmt"
	"math/rand"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/medvision/kvasirnet/checkpoints"
	"github.com/medvision/kvasirnet/layers"
)

// LayersPerBlock is the number of layers in one Conv2D, BatchNorm, ReLU block
const LayersPerBlock = 3

// Spec describes the backbone architecture
type Spec struct {
	InputSize int // square input resolution
	Width     int // stem channels
	Stages    int // blocks after the stem
	MaxWidth  int // channel cap, 0 means 8*Width
}

// DefaultSpec returns the eight-stage backbone for size x size inputs
func DefaultSpec(size, width int) Spec {
	return Spec{InputSize: size, Width: width, Stages: 8}
}

// Validate checks the spec
func (s Spec) Validate() error {
	if s.InputSize <= 0 {
		return errors.Errorf("backbone input size must be positive, got %d", s.InputSize)
	}
	if s.Width <= 0 {
		return errors.Errorf("backbone width must be positive, got %d", s.Width)
	}
	if s.Stages < 0 {
		return errors.Errorf("backbone stages must not be negative, got %d", s.Stages)
	}
	return nil
}

// Layers returns the exact number of layers the backbone contributes
func (s Spec) Layers() int {
	return LayersPerBlock * (1 + s.Stages)
}

// InputShape returns the CHW input shape
func (s Spec) InputShape() []int {
	return []int{3, s.InputSize, s.InputSize}
}

// Build appends the backbone layers to mb. The stem and every odd stage
// halve the resolution; channels double at each reduction up to the cap.
func (s Spec) Build(mb *layers.ModelBuilder) *layers.ModelBuilder {
	maxWidth := s.MaxWidth
	if maxWidth <= 0 {
		maxWidth = 8 * s.Width
	}

	addBlock := func(name string, channels, stride int) {
		mb.AddConv2D(channels, 3, stride, 1, false, name+"_conv").
			AddBatchNorm(1e-3, 0.99, name+"_bn").
			AddReLU(name + "_relu")
	}

	channels := s.Width
	addBlock("stem", channels, 2)
	for i := 1; i <= s.Stages; i++ {
		stride := 1
		if i%2 == 1 {
			stride = 2
			if channels*2 <= maxWidth {
				channels *= 2
			}
		}
		addBlock(fmt.Sprintf("block%d", i), channels, stride)
	}
	return mb
}

// ModelSpec compiles the backbone on its own
func (s Spec) ModelSpec() (*layers.ModelSpec, error) {
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return s.Build(layers.NewModelBuilder(s.InputShape())).Compile()
}

// Extractor is the backbone capability: an architecture plus the weights it
// starts from. Without weights, networks keep their seeded He initialization.
type Extractor struct {
	Spec    Spec
	Weights []checkpoints.WeightTensor
	Seed    int64
}

// NewExtractor returns an extractor without pretrained weights
func NewExtractor(spec Spec, seed int64) (*Extractor, error) {
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	klog.Warningf("No pretrained backbone weights; using seeded initialization (seed %d)", seed)
	return &Extractor{Spec: spec, Seed: seed}, nil
}

// LoadPretrained reads backbone weights from a checkpoint file. The
// checkpoint may hold a whole classifier; only tensors of backbone layers
// are kept, and every backbone parameter must be present.
func LoadPretrained(path string, spec Spec, seed int64) (*Extractor, error) {
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	ckpt, err := checkpoints.NewCheckpointSaver(checkpoints.FormatBinary).LoadCheckpoint(path)
	if err != nil {
		return nil, errors.Wrap(err, "failed to load pretrained backbone")
	}

	e := &Extractor{Spec: spec, Seed: seed}
	net, err := e.Instantiate(0)
	if err != nil {
		return nil, err
	}
	byName := make(map[string]checkpoints.WeightTensor, len(ckpt.Weights))
	for _, w := range ckpt.Weights {
		byName[w.Name] = w
	}
	for _, p := range net.AllParams() {
		w, ok := byName[p.Name]
		if !ok {
			return nil, errors.Errorf("pretrained weights %s have no tensor for %s", path, p.Name)
		}
		e.Weights = append(e.Weights, w)
	}
	if err := checkpoints.LoadWeights(e.Weights, net.AllParams()); err != nil {
		return nil, errors.Wrapf(err, "pretrained weights %s do not fit the backbone", path)
	}
	klog.Infof("Loaded pretrained backbone from %s (%d tensors)", path, len(e.Weights))
	return e, nil
}

// Pretrained reports whether the extractor carries weights
func (e *Extractor) Pretrained() bool {
	return len(e.Weights) > 0
}

// TrainableFrom returns the index of the first trainable backbone layer when
// the last trainableTail layers are unfrozen. Parameter-free layers count.
func (e *Extractor) TrainableFrom(trainableTail int) (int, error) {
	if trainableTail < 0 {
		return 0, errors.Errorf("trainable tail must not be negative, got %d", trainableTail)
	}
	n := e.Spec.Layers()
	if trainableTail > n {
		klog.Warningf("Trainable tail %d exceeds %d backbone layers; whole backbone is trainable", trainableTail, n)
		trainableTail = n
	}
	return n - trainableTail, nil
}

// Instantiate returns a fresh backbone network whose last trainableTail
// layers are trainable and the rest frozen
func (e *Extractor) Instantiate(trainableTail int) (*layers.Network, error) {
	from, err := e.TrainableFrom(trainableTail)
	if err != nil {
		return nil, err
	}
	spec, err := e.Spec.ModelSpec()
	if err != nil {
		return nil, errors.Wrap(err, "failed to compile backbone")
	}
	net, err := layers.NewNetwork(spec, from, rand.New(rand.NewSource(e.Seed)))
	if err != nil {
		return nil, err
	}
	if err := e.InitWeights(net); err != nil {
		return nil, err
	}
	return net, nil
}

// InitWeights copies the pretrained weights into the backbone layers of net.
// Layers net has beyond the backbone are left alone.
func (e *Extractor) InitWeights(net *layers.Network) error {
	if !e.Pretrained() {
		return nil
	}
	byName := make(map[string]checkpoints.WeightTensor, len(e.Weights))
	for _, w := range e.Weights {
		byName[w.Name] = w
	}
	var params []*layers.Param
	for _, p := range net.AllParams() {
		if _, ok := byName[p.Name]; ok {
			params = append(params, p)
		}
	}
	return checkpoints.LoadWeights(e.Weights, params)
}

// SavePretrained writes the backbone layers of net as a weights file that
// LoadPretrained accepts
func SavePretrained(path string, spec Spec, net *layers.Network) error {
	ms, err := spec.ModelSpec()
	if err != nil {
		return err
	}
	backboneNames := make(map[string]bool, len(ms.Layers))
	for _, ls := range ms.Layers {
		backboneNames[ls.Name] = true
	}
	var params []*layers.Param
	for _, p := range net.AllParams() {
		if backboneNames[p.Layer] {
			params = append(params, p)
		}
	}
	ckpt := &checkpoints.Checkpoint{
		ModelSpec: ms,
		Weights:   checkpoints.ExtractWeights(params),
		Metadata:  checkpoints.CheckpointMetadata{Description: "backbone weights"},
	}
	return checkpoints.NewCheckpointSaver(checkpoints.FormatBinary).SaveCheckpoint(ckpt, path)
}
