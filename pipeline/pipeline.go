// Package pipeline wires the stages together: prepare the split, train and
// evaluate the classifier, and sample predictions from the saved artifact.
package pipeline

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/medvision/kvasirnet/async"
	"github.com/medvision/kvasirnet/backbone"
	"github.com/medvision/kvasirnet/checkpoints"
	"github.com/medvision/kvasirnet/config"
	"github.com/medvision/kvasirnet/inference"
	"github.com/medvision/kvasirnet/model"
	"github.com/medvision/kvasirnet/optimizer"
	"github.com/medvision/kvasirnet/training"
	"github.com/medvision/kvasirnet/vision/dataloader"
	"github.com/medvision/kvasirnet/vision/dataset"
	"github.com/medvision/kvasirnet/vision/preprocessing"
)

// Files written next to the model artifact
const (
	CheckpointName = "best_checkpoint"
	HistoryFile    = "history.json"
	EvaluationFile = "evaluation.json"
)

// Stages accepted by Run, in execution order for "all"
var Stages = []string{"prepare", "train", "sample"}

// Pipeline runs the stages against one configuration. Reports meant for a
// person go to Out; everything else is logged.
type Pipeline struct {
	Config *config.Config
	Out    io.Writer
}

// New validates cfg and returns a pipeline writing reports to out
func New(cfg *config.Config, out io.Writer) (*Pipeline, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if out == nil {
		out = io.Discard
	}
	return &Pipeline{Config: cfg, Out: out}, nil
}

// Run executes one stage, or every stage for "all"
func (p *Pipeline) Run(ctx context.Context, stage string) error {
	switch strings.ToLower(stage) {
	case "prepare":
		_, err := p.Prepare()
		return err
	case "train":
		_, err := p.Train(ctx)
		return err
	case "sample":
		_, err := p.Sample()
		return err
	case "all":
		for _, s := range Stages {
			klog.Infof("Stage %s", s)
			if err := p.Run(ctx, s); err != nil {
				return errors.Wrapf(err, "stage %s", s)
			}
		}
		return nil
	default:
		return errors.Errorf("unknown stage %q (want %s or all)", stage, strings.Join(Stages, ", "))
	}
}

// Prepare collects, splits and materializes the corpus
func (p *Pipeline) Prepare() (*dataset.Summary, error) {
	s, err := dataset.Prepare(p.Config)
	if err != nil {
		return nil, err
	}
	s.Report(p.Out)
	return s, nil
}

// TrainResult is what the train stage produced
type TrainResult struct {
	RunID      string
	Weights    dataloader.ClassWeights
	Fit        *training.Result
	Evaluation *training.Evaluation
	Classifier *model.Classifier
	Labels     model.LabelMap
}

// Train fits the classifier on the prepared train split, validating on the
// test split, then writes the artifact, history and final evaluation to
// Config.ModelDir
func (p *Pipeline) Train(ctx context.Context) (*TrainResult, error) {
	cfg := p.Config
	train, test, err := p.loadSplits()
	if err != nil {
		return nil, err
	}
	labels, err := model.NewLabelMap(train.ClassNames())
	if err != nil {
		return nil, err
	}
	if i, ok := labels.Index(dataset.Malignant.String()); !ok || i != cfg.PositiveIndex {
		return nil, errors.Errorf("positive index %d does not name the %s class in %v", cfg.PositiveIndex, dataset.Malignant, labels.Names())
	}

	weights, err := dataloader.ComputeClassWeights(train.ClassCounts())
	if err != nil {
		return nil, err
	}
	klog.Infof("Class weights: %s", weights)

	loaderCfg := dataloader.Config{
		BatchSize:    cfg.BatchSize,
		MaxCacheSize: cfg.CacheSize,
		ImageSize:    cfg.ImageSize,
		NumWorkers:   cfg.DecodeWorkers,
		Augmenter:    p.augmenter(),
		Seed:         cfg.Seed,
	}
	trainLoader, evalLoader, err := dataloader.CreateSharedDataLoaders(train, test, loaderCfg)
	if err != nil {
		return nil, err
	}

	var source dataloader.BatchSource = trainLoader
	if cfg.PrefetchDepth > 0 {
		prefetch, err := async.NewAsyncDataLoader(trainLoader, async.AsyncDataLoaderConfig{PrefetchDepth: cfg.PrefetchDepth})
		if err != nil {
			return nil, err
		}
		if err := prefetch.Start(); err != nil {
			return nil, err
		}
		defer func() {
			klog.V(1).Infof("Prefetch: %+v", prefetch.Stats())
			prefetch.Stop()
		}()
		source = prefetch
	}

	clf, err := p.composeClassifier()
	if err != nil {
		return nil, err
	}
	if cfg.ShowProgress {
		training.NewModelArchitecturePrinter(p.Out, "KvasirNet").PrintArchitecture(clf.Network())
	}

	opt, err := optimizer.New(cfg.Optimizer, float32(cfg.LearningRate))
	if err != nil {
		return nil, err
	}

	if err := os.MkdirAll(cfg.ModelDir, 0755); err != nil {
		return nil, errors.Wrap(err, "failed to create model directory")
	}
	runID := checkpoints.NewRunID()
	ckpt := training.DefaultCheckpointConfig(cfg.ModelDir)
	ckpt.Filename = CheckpointName
	ckpt.RunID = runID

	ctrlCfg := training.DefaultControllerConfig(trainLoader.StepsPerEpoch())
	ctrlCfg.Epochs = cfg.Epochs
	ctrlCfg.LearningRate = cfg.LearningRate
	ctrlCfg.RunID = runID
	ctrlCfg.EarlyStopping.Patience = cfg.EarlyStopPatience
	ctrlCfg.LRDecay = training.LRDecayPolicy{
		Patience: cfg.LRPatience,
		Factor:   cfg.LRFactor,
		MinLR:    cfg.MinLR,
		MinDelta: cfg.LRMinDelta,
	}

	ctrl := &training.Controller{
		Model:       clf,
		Optimizer:   opt,
		Train:       source,
		Validator:   training.LoaderValidator{Model: clf, Loader: evalLoader},
		Loss:        training.NewBCELoss(weights),
		Config:      ctrlCfg,
		Checkpoints: training.NewCheckpointManager(ckpt),
	}
	if cfg.ShowProgress {
		ctrl.Progress = p.Out
	}

	klog.Infof("Training run %s: %d train / %d test images, %d steps per epoch, up to %d epochs",
		runID, train.Len(), test.Len(), ctrlCfg.StepsPerEpoch, ctrlCfg.Epochs)
	fit, err := ctrl.Fit(ctx)
	if err != nil {
		return nil, err
	}
	klog.Infof("Image cache: %s", trainLoader.Stats())

	// The checkpoint on disk must be the epoch Fit restored
	best, err := ctrl.Checkpoints.LoadCheckpoint(clf)
	if err != nil {
		return nil, err
	}
	if best.TrainingState.Epoch != fit.BestEpoch {
		return nil, errors.Errorf("%s holds epoch %d, training restored epoch %d",
			ctrl.Checkpoints.Path(), best.TrainingState.Epoch, fit.BestEpoch)
	}

	eval, err := training.LoaderValidator{Model: clf, Loader: evalLoader}.Validate()
	if err != nil {
		return nil, errors.Wrap(err, "final evaluation failed")
	}
	fmt.Fprintf(p.Out, "\nEvaluation on %d test images (best epoch %d, %s):\n", eval.Samples(), fit.BestEpoch, fit.State)
	fmt.Fprintln(p.Out, eval.Report(labels.Names()))

	info := model.ArtifactInfo{
		RunID: runID,
		TrainingState: checkpoints.TrainingState{
			Epoch:        fit.BestEpoch,
			LearningRate: float32(fit.FinalLR),
			BestLoss:     float32(eval.Loss),
			BestAccuracy: float32(eval.Accuracy),
		},
		Description: fmt.Sprintf("Kvasir benign/malignant classifier, best epoch %d of %d", fit.BestEpoch, fit.Epochs),
	}
	if err := model.SaveArtifact(cfg.ModelDir, clf, labels, info); err != nil {
		return nil, err
	}
	if err := training.SaveHistory(filepath.Join(cfg.ModelDir, HistoryFile), fit.History); err != nil {
		return nil, err
	}
	if err := training.SaveEvaluation(filepath.Join(cfg.ModelDir, EvaluationFile), eval.Record(runID, labels.Names())); err != nil {
		return nil, err
	}
	klog.Infof("Model artifact written to %s", cfg.ModelDir)

	return &TrainResult{
		RunID:      runID,
		Weights:    weights,
		Fit:        fit,
		Evaluation: eval,
		Classifier: clf,
		Labels:     labels,
	}, nil
}

// loadSplits reloads the prepared layout and checks that it still holds
// exactly what Prepare recorded
func (p *Pipeline) loadSplits() (*dataset.KvasirSplit, *dataset.KvasirSplit, error) {
	root := p.Config.PreparedDir
	md, err := dataset.ReadMetadata(root)
	if err != nil {
		return nil, nil, errors.Wrapf(err, "%s is not a prepared dataset", root)
	}

	splits := make([]*dataset.KvasirSplit, 2)
	for i, s := range []struct {
		name   string
		counts map[string]int
	}{{dataset.TrainDir, md.TrainCounts}, {dataset.TestDir, md.TestCounts}} {
		split, err := dataset.LoadSplit(root, s.name, p.Config.Extensions)
		if err != nil {
			return nil, nil, err
		}
		expected := make(map[dataset.Class]int, len(dataset.Classes))
		for _, c := range dataset.Classes {
			expected[c] = s.counts[c.String()]
		}
		if err := split.MatchesManifest(expected); err != nil {
			return nil, nil, errors.Wrap(err, "prepared dataset changed since it was written")
		}
		splits[i] = split
	}
	return splits[0], splits[1], nil
}

func (p *Pipeline) augmenter() *preprocessing.Augmenter {
	cfg := p.Config
	if !cfg.Augment {
		return nil
	}
	return &preprocessing.Augmenter{
		RotationRange:  cfg.RotationRange,
		WidthShift:     cfg.WidthShift,
		HeightShift:    cfg.HeightShift,
		ZoomRange:      cfg.ZoomRange,
		HorizontalFlip: cfg.HorizontalFlip,
	}
}

func (p *Pipeline) composeClassifier() (*model.Classifier, error) {
	cfg := p.Config
	spec := backbone.DefaultSpec(cfg.ImageSize, cfg.BackboneWidth)
	spec.Stages = cfg.BackboneStages

	var extractor *backbone.Extractor
	var err error
	if cfg.BackboneWeights != "" {
		extractor, err = backbone.LoadPretrained(cfg.BackboneWeights, spec, cfg.Seed)
	} else {
		extractor, err = backbone.NewExtractor(spec, cfg.Seed)
	}
	if err != nil {
		return nil, err
	}

	head := model.DefaultHeadConfig()
	head.Threshold = cfg.Threshold
	head.PositiveIndex = cfg.PositiveIndex
	return model.Compose(extractor, head, cfg.UnfreezeCount)
}

// Sample loads the saved artifact and classifies up to SampleCount random
// test images per class
func (p *Pipeline) Sample() (*inference.Report, error) {
	cfg := p.Config
	clf, labels, err := model.LoadArtifact(cfg.ModelDir)
	if err != nil {
		return nil, err
	}
	size := clf.ImageSize()
	clf.SetImageLoader(dataloader.NewCachedImageLoader(dataloader.NewCacheManager(cfg.CacheSize, 3*size*size), size))

	s := inference.NewSampler(clf, labels, cfg.SampleCount, cfg.Seed)
	s.Extensions = cfg.Extensions
	report, err := s.Run(filepath.Join(cfg.PreparedDir, dataset.TestDir))
	if err != nil {
		return nil, err
	}
	report.Write(p.Out)
	klog.Infof("Sampled accuracy %.1f%% over %d images", 100*report.Accuracy(), report.Total())
	return report, nil
}
