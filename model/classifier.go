// Package model composes the transfer-learning classifier from a backbone
// and a fixed binary classification head.
package model

import (
	"math/rand"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/medvision/kvasirnet/backbone"
	"github.com/medvision/kvasirnet/checkpoints"
	"github.com/medvision/kvasirnet/layers"
	"github.com/medvision/kvasirnet/tensor"
	"github.com/medvision/kvasirnet/vision/preprocessing"
)

// HeadConfig configures the classification head and its decision rule
type HeadConfig struct {
	Hidden1   int
	Dropout1  float32
	Hidden2   int
	Dropout2  float32
	BNEpsilon float32

	// Probability strictly above Threshold maps to PositiveIndex
	Threshold     float32
	PositiveIndex int
}

// DefaultHeadConfig returns the 256/128 head with dropout 0.5 and 0.3 and a
// 0.5 threshold for class 1
func DefaultHeadConfig() HeadConfig {
	return HeadConfig{
		Hidden1:       256,
		Dropout1:      0.5,
		Hidden2:       128,
		Dropout2:      0.3,
		BNEpsilon:     1e-3,
		Threshold:     0.5,
		PositiveIndex: 1,
	}
}

// Validate checks the head configuration
func (h HeadConfig) Validate() error {
	if h.Hidden1 <= 0 || h.Hidden2 <= 0 {
		return errors.Errorf("head widths must be positive, got %d and %d", h.Hidden1, h.Hidden2)
	}
	for _, r := range []float32{h.Dropout1, h.Dropout2} {
		if r < 0 || r >= 1 {
			return errors.Errorf("dropout rate %v outside [0, 1)", r)
		}
	}
	if h.Threshold <= 0 || h.Threshold >= 1 {
		return errors.Errorf("threshold %v outside (0, 1)", h.Threshold)
	}
	if h.PositiveIndex != 0 && h.PositiveIndex != 1 {
		return errors.Errorf("positive index must be 0 or 1, got %d", h.PositiveIndex)
	}
	return nil
}

func (h HeadConfig) build(mb *layers.ModelBuilder) *layers.ModelBuilder {
	return mb.AddGlobalAvgPool2D("head_pool").
		AddBatchNorm(h.BNEpsilon, 0.99, "head_bn").
		AddDense(h.Hidden1, true, "head_fc1").
		AddReLU("head_relu1").
		AddDropout(h.Dropout1, "head_drop1").
		AddDense(h.Hidden2, true, "head_fc2").
		AddReLU("head_relu2").
		AddDropout(h.Dropout2, "head_drop2").
		AddDense(1, true, "head_out").
		AddSigmoid("head_sigmoid")
}

// ImageLoader produces a preprocessed image for a path
type ImageLoader interface {
	LoadImage(path string) (*preprocessing.ProcessedImage, error)
}

type fileLoader struct {
	processor *preprocessing.ImageProcessor
}

func (l fileLoader) LoadImage(path string) (*preprocessing.ProcessedImage, error) {
	return l.processor.LoadFile(path)
}

// Classifier is a composed network with a single sigmoid output
type Classifier struct {
	net            *layers.Network
	backboneLayers int
	unfreeze       int
	threshold      float32
	positiveIndex  int
	images         ImageLoader
}

// Compose builds the classifier: the extractor's backbone with its last
// unfreezeCount layers trainable, topped by the always-trainable head
func Compose(extractor *backbone.Extractor, head HeadConfig, unfreezeCount int) (*Classifier, error) {
	if extractor == nil {
		return nil, errors.New("nil extractor")
	}
	if err := head.Validate(); err != nil {
		return nil, err
	}
	trainableFrom, err := extractor.TrainableFrom(unfreezeCount)
	if err != nil {
		return nil, err
	}

	bb, err := extractor.Spec.ModelSpec()
	if err != nil {
		return nil, errors.Wrap(err, "failed to compile backbone")
	}
	mb := layers.NewModelBuilder(bb.InputShape).AddLayers(bb.Layers...)
	spec, err := head.build(mb).Compile()
	if err != nil {
		return nil, errors.Wrap(err, "failed to compile classifier")
	}
	net, err := layers.NewNetwork(spec, trainableFrom, rand.New(rand.NewSource(extractor.Seed)))
	if err != nil {
		return nil, err
	}
	if err := extractor.InitWeights(net); err != nil {
		return nil, errors.Wrap(err, "failed to apply backbone weights")
	}

	clf := newClassifier(net, extractor.Spec.Layers(), head.Threshold, head.PositiveIndex)
	klog.Infof("Composed classifier: %d layers, %d backbone (%d trainable), %d trainable parameters",
		net.NumLayers(), clf.backboneLayers, clf.unfreeze, net.TrainableParameterCount())
	return clf, nil
}

func newClassifier(net *layers.Network, backboneLayers int, threshold float32, positive int) *Classifier {
	unfreeze := backboneLayers - net.TrainableFrom()
	if unfreeze < 0 {
		unfreeze = 0
	}
	size := net.Spec().InputShape[1]
	return &Classifier{
		net:            net,
		backboneLayers: backboneLayers,
		unfreeze:       unfreeze,
		threshold:      threshold,
		positiveIndex:  positive,
		images:         fileLoader{processor: preprocessing.NewImageProcessor(size)},
	}
}

// Network returns the underlying network
func (c *Classifier) Network() *layers.Network { return c.net }

// BackboneLayers returns the number of backbone layers
func (c *Classifier) BackboneLayers() int { return c.backboneLayers }

// UnfreezeCount returns the number of trainable backbone layers
func (c *Classifier) UnfreezeCount() int { return c.unfreeze }

// Threshold returns the decision threshold
func (c *Classifier) Threshold() float32 { return c.threshold }

// PositiveIndex returns the class predicted above the threshold
func (c *Classifier) PositiveIndex() int { return c.positiveIndex }

// ImageSize returns the input resolution
func (c *Classifier) ImageSize() int { return c.net.Spec().InputShape[1] }

// SetImageLoader replaces the loader Predict uses, e.g. with a cached one
func (c *Classifier) SetImageLoader(l ImageLoader) {
	if l != nil {
		c.images = l
	}
}

// Forward runs a batch in training or inference mode and returns the [N, 1]
// probabilities
func (c *Classifier) Forward(images *tensor.Tensor, training bool) (*tensor.Tensor, error) {
	return c.net.Forward(images, training)
}

// PredictProba returns one probability per image in inference mode
func (c *Classifier) PredictProba(images *tensor.Tensor) ([]float32, error) {
	out, err := c.net.Forward(images, false)
	if err != nil {
		return nil, err
	}
	return append([]float32(nil), out.Data...), nil
}

// Label applies the decision rule to a probability
func (c *Classifier) Label(p float32) int {
	if p > c.threshold {
		return c.positiveIndex
	}
	return 1 - c.positiveIndex
}

// Prediction is the result of classifying one image
type Prediction struct {
	Path        string
	Probability float32 // sigmoid output
	Label       int
	Confidence  float32 // max(p, 1-p)
}

// Predict classifies a single image file
func (c *Classifier) Predict(path string) (Prediction, error) {
	img, err := c.images.LoadImage(path)
	if err != nil {
		return Prediction{}, err
	}
	x, err := tensor.New(append([]int{1}, img.Shape()...), img.Data)
	if err != nil {
		return Prediction{}, errors.Wrapf(err, "failed to batch %s", path)
	}
	probs, err := c.PredictProba(x)
	if err != nil {
		return Prediction{}, errors.Wrapf(err, "failed to classify %s", path)
	}
	p := probs[0]
	conf := p
	if 1-p > conf {
		conf = 1 - p
	}
	return Prediction{Path: path, Probability: p, Label: c.Label(p), Confidence: conf}, nil
}

// Snapshot copies every parameter and buffer
func (c *Classifier) Snapshot() []checkpoints.WeightTensor {
	return checkpoints.ExtractWeights(c.net.AllParams())
}

// Restore overwrites the parameters with a snapshot
func (c *Classifier) Restore(weights []checkpoints.WeightTensor) error {
	return checkpoints.LoadWeights(weights, c.net.AllParams())
}
