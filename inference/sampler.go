// Package inference runs a quick qualitative check of a trained model by
// classifying a few random held-out images per class.
package inference

import (
	"fmt"
	"io"
	"math/rand"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/medvision/kvasirnet/model"
	"github.com/medvision/kvasirnet/vision/dataset"
)

// DefaultSamples is the number of images drawn per class
const DefaultSamples = 10

// Predictor classifies one image file
type Predictor interface {
	Predict(path string) (model.Prediction, error)
}

// Sampler draws up to N images per class folder without replacement and
// classifies each. It is a smoke test and says nothing statistically useful
// about the model; use training.Evaluate for that.
type Sampler struct {
	Predictor  Predictor
	Labels     model.LabelMap
	N          int
	Rand       *rand.Rand
	Extensions []string
}

// NewSampler returns a sampler drawing n images per class with a seeded
// generator
func NewSampler(p Predictor, labels model.LabelMap, n int, seed int64) *Sampler {
	return &Sampler{
		Predictor:  p,
		Labels:     labels,
		N:          n,
		Rand:       rand.New(rand.NewSource(seed)),
		Extensions: dataset.DefaultExtensions,
	}
}

// SampleResult is one classified image
type SampleResult struct {
	Path        string
	TrueClass   int
	Predicted   int
	Probability float32
	Confidence  float32
	Correct     bool
}

// ClassResult holds the draws for one class folder
type ClassResult struct {
	Class     int
	Name      string
	Available int
	Samples   []SampleResult
}

// Correct counts correctly classified samples
func (c ClassResult) Correct() int {
	n := 0
	for _, s := range c.Samples {
		if s.Correct {
			n++
		}
	}
	return n
}

// Accuracy is Correct over the number of drawn samples, or 0 when nothing was
// drawn
func (c ClassResult) Accuracy() float64 {
	if len(c.Samples) == 0 {
		return 0
	}
	return float64(c.Correct()) / float64(len(c.Samples))
}

// Report is the outcome of a Run, classes in label order
type Report struct {
	Classes []ClassResult
	labels  model.LabelMap
}

// Total returns the number of classified samples
func (r *Report) Total() int {
	n := 0
	for _, c := range r.Classes {
		n += len(c.Samples)
	}
	return n
}

// Accuracy is the pooled sampled accuracy
func (r *Report) Accuracy() float64 {
	total, correct := 0, 0
	for _, c := range r.Classes {
		total += len(c.Samples)
		correct += c.Correct()
	}
	if total == 0 {
		return 0
	}
	return float64(correct) / float64(total)
}

// Run samples testRoot/<label name>/ for every label in index order. A
// missing or empty class folder yields a class with no samples. Any image
// that fails to classify aborts the run.
func (s *Sampler) Run(testRoot string) (*Report, error) {
	if s.Predictor == nil {
		return nil, errors.New("sampler has no predictor")
	}
	if err := s.Labels.Validate(); err != nil {
		return nil, err
	}
	if s.N <= 0 {
		return nil, errors.Errorf("sample count must be positive, got %d", s.N)
	}
	if s.Rand == nil {
		s.Rand = rand.New(rand.NewSource(1))
	}
	exts := s.Extensions
	if len(exts) == 0 {
		exts = dataset.DefaultExtensions
	}

	report := &Report{labels: s.Labels}
	for class, name := range s.Labels.Names() {
		dir := filepath.Join(testRoot, name)
		files, err := dataset.ListImages(dir, exts)
		if err != nil && !os.IsNotExist(err) {
			return nil, errors.Wrapf(err, "failed to list %s", dir)
		}

		cr := ClassResult{Class: class, Name: name, Available: len(files)}
		if len(files) == 0 {
			klog.Warningf("No images found in %s", dir)
			report.Classes = append(report.Classes, cr)
			continue
		}

		k := s.N
		if k > len(files) {
			k = len(files)
		}
		for _, i := range s.Rand.Perm(len(files))[:k] {
			pred, err := s.Predictor.Predict(files[i])
			if err != nil {
				return nil, errors.Wrapf(err, "failed to classify %s", files[i])
			}
			cr.Samples = append(cr.Samples, SampleResult{
				Path:        files[i],
				TrueClass:   class,
				Predicted:   pred.Label,
				Probability: pred.Probability,
				Confidence:  pred.Confidence,
				Correct:     pred.Label == class,
			})
		}
		klog.V(1).Infof("Sampled %d of %d images from %s", k, len(files), name)
		report.Classes = append(report.Classes, cr)
	}
	return report, nil
}

// Write prints one line per sample and the sampled accuracy per class
func (r *Report) Write(w io.Writer) {
	fmt.Fprintln(w, strings.Repeat("=", 70))
	fmt.Fprintln(w, "SAMPLED PREDICTIONS")
	fmt.Fprintln(w, strings.Repeat("=", 70))
	for _, c := range r.Classes {
		fmt.Fprintf(w, "\nTrue class: %s\n", strings.ToUpper(c.Name))
		fmt.Fprintln(w, strings.Repeat("-", 70))
		if len(c.Samples) == 0 {
			fmt.Fprintln(w, "   no images found")
			continue
		}
		for _, s := range c.Samples {
			status := "✗"
			if s.Correct {
				status = "✓"
			}
			name := filepath.Base(s.Path)
			if len(name) > 40 {
				name = name[:40]
			}
			fmt.Fprintf(w, "%s %-40s -> %-9s (%.1f%%)\n", status, name,
				strings.ToUpper(r.labels.Name(s.Predicted)), 100*s.Confidence)
		}
		fmt.Fprintf(w, "\n   Sampled accuracy: %.1f%% (%d/%d)\n", 100*c.Accuracy(), c.Correct(), len(c.Samples))
	}
}
