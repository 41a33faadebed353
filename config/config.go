// Package config holds the single configuration value that every pipeline
// stage receives at construction.
package config

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/pkg/errors"
)

// Error is a configuration problem detected before any work starts
type Error struct {
	Field  string
	Reason string
}

func (e *Error) Error() string {
	return fmt.Sprintf("invalid configuration: %s: %s", e.Field, e.Reason)
}

// Config is the full pipeline configuration. Zero values are never used
// directly; start from Default and overlay a file or flags.
type Config struct {
	// Corpus Partitioner
	DatasetRoot      string   `json:"dataset_root"`
	PreparedDir      string   `json:"prepared_dir"`
	BenignFolders    []string `json:"benign_folders"`
	MalignantFolders []string `json:"malignant_folders"`
	Extensions       []string `json:"extensions"`
	TestFraction     float64  `json:"test_fraction"`
	Seed             int64    `json:"seed"`

	// Batch Supply
	ImageSize      int     `json:"image_size"`
	BatchSize      int     `json:"batch_size"`
	CacheSize      int     `json:"cache_size"`
	PrefetchDepth  int     `json:"prefetch_depth"`
	DecodeWorkers  int     `json:"decode_workers"`
	Augment        bool    `json:"augment"`
	RotationRange  float64 `json:"rotation_range"`
	WidthShift     float64 `json:"width_shift"`
	HeightShift    float64 `json:"height_shift"`
	ZoomRange      float64 `json:"zoom_range"`
	HorizontalFlip bool    `json:"horizontal_flip"`

	// Model Composer
	BackboneWeights string  `json:"backbone_weights"`
	BackboneWidth   int     `json:"backbone_width"`
	BackboneStages  int     `json:"backbone_stages"`
	UnfreezeCount   int     `json:"unfreeze_count"`
	Threshold       float32 `json:"threshold"`
	PositiveIndex   int     `json:"positive_index"`

	// Training Controller
	Optimizer         string  `json:"optimizer"`
	LearningRate      float64 `json:"learning_rate"`
	Epochs            int     `json:"epochs"`
	EarlyStopPatience int     `json:"early_stop_patience"`
	LRPatience        int     `json:"lr_patience"`
	LRFactor          float64 `json:"lr_factor"`
	MinLR             float64 `json:"min_lr"`
	LRMinDelta        float64 `json:"lr_min_delta"`

	// Artifacts and sampling
	ModelDir     string `json:"model_dir"`
	SampleCount  int    `json:"sample_count"`
	ShowProgress bool   `json:"show_progress"`
}

// DefaultBenignFolders are the Kvasir lower-GI folders showing healthy tissue
// or good mucosal visibility
var DefaultBenignFolders = []string{
	"lower-gi-tract/anatomical-landmarks/cecum",
	"lower-gi-tract/anatomical-landmarks/ileum",
	"lower-gi-tract/anatomical-landmarks/retroflex-rectum",
	"lower-gi-tract/quality-of-mucosal-views/bbps-2-3",
}

// DefaultMalignantFolders are the Kvasir lower-GI folders with findings,
// poor visibility or therapeutic interventions
var DefaultMalignantFolders = []string{
	"lower-gi-tract/pathological-findings/hemorrhoids",
	"lower-gi-tract/pathological-findings/polyps",
	"lower-gi-tract/pathological-findings/ulcerative-colitis-grade-0",
	"lower-gi-tract/pathological-findings/ulcerative-colitis-grade-1",
	"lower-gi-tract/pathological-findings/ulcerative-colitis-grade-2",
	"lower-gi-tract/pathological-findings/ulcerative-colitis-grade-3",
	"lower-gi-tract/quality-of-mucosal-views/bbps-0-1",
	"lower-gi-tract/quality-of-mucosal-views/impacted-stool",
	"lower-gi-tract/therapeutic-interventions/dyed-lifted-polyps",
	"lower-gi-tract/therapeutic-interventions/dyed-resection-margins",
}

// Default returns the configuration used when nothing is overridden
func Default() *Config {
	return &Config{
		DatasetRoot:      "./dataset",
		PreparedDir:      "./kvasir_prepared",
		BenignFolders:    append([]string(nil), DefaultBenignFolders...),
		MalignantFolders: append([]string(nil), DefaultMalignantFolders...),
		Extensions:       []string{".jpg", ".jpeg", ".png"},
		TestFraction:     0.2,
		Seed:             42,

		ImageSize:      224,
		BatchSize:      16,
		CacheSize:      512,
		PrefetchDepth:  2,
		DecodeWorkers:  4,
		Augment:        true,
		RotationRange:  20,
		WidthShift:     0.2,
		HeightShift:    0.2,
		ZoomRange:      0.2,
		HorizontalFlip: true,

		BackboneWidth:  32,
		BackboneStages: 8,
		UnfreezeCount:  20,
		Threshold:      0.5,
		PositiveIndex:  1,

		Optimizer:         "adam",
		LearningRate:      0.0005,
		Epochs:            100,
		EarlyStopPatience: 20,
		LRPatience:        7,
		LRFactor:          0.5,
		MinLR:             1e-7,
		LRMinDelta:        1e-4,

		ModelDir:     "./trained_model",
		SampleCount:  10,
		ShowProgress: true,
	}
}

// Load overlays the JSON file at path onto Default. Unknown keys are rejected
// so a typo does not silently fall back to a default.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read config file")
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(cfg); err != nil {
		return nil, errors.Wrapf(err, "failed to parse config file %s", path)
	}
	return cfg, nil
}

// BindFlags registers command-line overrides for the commonly tuned fields
func (c *Config) BindFlags(fs *flag.FlagSet) {
	fs.StringVar(&c.DatasetRoot, "dataset", c.DatasetRoot, "Root of the source image taxonomy")
	fs.StringVar(&c.PreparedDir, "prepared", c.PreparedDir, "Directory for the prepared train/test split")
	fs.StringVar(&c.ModelDir, "model-dir", c.ModelDir, "Directory for the model artifact and checkpoint")
	fs.StringVar(&c.BackboneWeights, "backbone-weights", c.BackboneWeights, "Pretrained backbone checkpoint (empty for seeded init)")
	fs.Float64Var(&c.TestFraction, "test-fraction", c.TestFraction, "Fraction of each class held out for testing")
	fs.Int64Var(&c.Seed, "seed", c.Seed, "Random seed for splitting, shuffling and augmentation")
	fs.IntVar(&c.ImageSize, "image-size", c.ImageSize, "Square input resolution")
	fs.IntVar(&c.BatchSize, "batch-size", c.BatchSize, "Mini-batch size")
	fs.IntVar(&c.Epochs, "epochs", c.Epochs, "Maximum number of epochs")
	fs.IntVar(&c.UnfreezeCount, "unfreeze", c.UnfreezeCount, "Number of trailing backbone layers to train")
	fs.IntVar(&c.SampleCount, "samples", c.SampleCount, "Images drawn per class by the sampler")
	fs.StringVar(&c.Optimizer, "optimizer", c.Optimizer, "Optimizer (adam or sgd)")
	fs.BoolVar(&c.Augment, "augment", c.Augment, "Apply stochastic augmentation to training batches")
	fs.BoolVar(&c.ShowProgress, "progress", c.ShowProgress, "Show a per-epoch progress bar")
	fs.Float64Var(&c.LearningRate, "lr", c.LearningRate, "Initial learning rate")
	fs.Func("threshold", "Decision threshold on the malignant probability", func(s string) error {
		var v float32
		if _, err := fmt.Sscanf(s, "%g", &v); err != nil {
			return err
		}
		c.Threshold = v
		return nil
	})
}

// Validate checks every field. It does not touch the file system; callers
// check DatasetRoot existence with RequireDatasetRoot.
func (c *Config) Validate() error {
	switch {
	case c.DatasetRoot == "":
		return &Error{"dataset_root", "must be set"}
	case c.PreparedDir == "":
		return &Error{"prepared_dir", "must be set"}
	case c.ModelDir == "":
		return &Error{"model_dir", "must be set"}
	case len(c.BenignFolders) == 0:
		return &Error{"benign_folders", "at least one folder required"}
	case len(c.MalignantFolders) == 0:
		return &Error{"malignant_folders", "at least one folder required"}
	case len(c.Extensions) == 0:
		return &Error{"extensions", "at least one extension required"}
	case c.TestFraction <= 0 || c.TestFraction >= 1:
		return &Error{"test_fraction", fmt.Sprintf("%g outside (0, 1)", c.TestFraction)}
	case c.ImageSize < 8:
		return &Error{"image_size", fmt.Sprintf("%d too small", c.ImageSize)}
	case c.BatchSize <= 0:
		return &Error{"batch_size", "must be positive"}
	case c.CacheSize < 0:
		return &Error{"cache_size", "must not be negative"}
	case c.PrefetchDepth < 0:
		return &Error{"prefetch_depth", "must not be negative"}
	case c.DecodeWorkers <= 0:
		return &Error{"decode_workers", "must be positive"}
	case c.BackboneWidth <= 0:
		return &Error{"backbone_width", "must be positive"}
	case c.BackboneStages < 0:
		return &Error{"backbone_stages", "must not be negative"}
	case c.UnfreezeCount < 0:
		return &Error{"unfreeze_count", "must not be negative"}
	case c.Threshold <= 0 || c.Threshold >= 1:
		return &Error{"threshold", fmt.Sprintf("%g outside (0, 1)", c.Threshold)}
	case c.PositiveIndex != 0 && c.PositiveIndex != 1:
		return &Error{"positive_index", "must be 0 or 1"}
	case c.LearningRate <= 0:
		return &Error{"learning_rate", "must be positive"}
	case c.Epochs <= 0:
		return &Error{"epochs", "must be positive"}
	case c.EarlyStopPatience <= 0:
		return &Error{"early_stop_patience", "must be positive"}
	case c.LRPatience <= 0:
		return &Error{"lr_patience", "must be positive"}
	case c.LRFactor <= 0 || c.LRFactor >= 1:
		return &Error{"lr_factor", fmt.Sprintf("%g outside (0, 1)", c.LRFactor)}
	case c.MinLR < 0:
		return &Error{"min_lr", "must not be negative"}
	case c.LRMinDelta < 0:
		return &Error{"lr_min_delta", "must not be negative"}
	case c.SampleCount <= 0:
		return &Error{"sample_count", "must be positive"}
	}
	switch strings.ToLower(c.Optimizer) {
	case "adam", "sgd":
	default:
		return &Error{"optimizer", fmt.Sprintf("unknown optimizer %q", c.Optimizer)}
	}
	return nil
}

// RequireDatasetRoot reports a *Error when the source corpus root is missing
func (c *Config) RequireDatasetRoot() error {
	info, err := os.Stat(c.DatasetRoot)
	if err != nil {
		return &Error{"dataset_root", fmt.Sprintf("dataset not found at %s", c.DatasetRoot)}
	}
	if !info.IsDir() {
		return &Error{"dataset_root", fmt.Sprintf("%s is not a directory", c.DatasetRoot)}
	}
	return nil
}
