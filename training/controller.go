package training

import (
	"context"
	"io"
	"time"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/medvision/kvasirnet/optimizer"
	"github.com/medvision/kvasirnet/tensor"
	"github.com/medvision/kvasirnet/vision/dataloader"
)

// ControllerConfig holds the fit loop settings
type ControllerConfig struct {
	Epochs        int
	StepsPerEpoch int
	LearningRate  float64 // initial rate; 0 takes the optimizer's current rate
	EarlyStopping EarlyStoppingPolicy
	LRDecay       LRDecayPolicy
	RunID         string
}

// DefaultControllerConfig returns a 100 epoch budget with the default
// policies
func DefaultControllerConfig(stepsPerEpoch int) ControllerConfig {
	return ControllerConfig{
		Epochs:        100,
		StepsPerEpoch: stepsPerEpoch,
		EarlyStopping: DefaultEarlyStoppingPolicy(),
		LRDecay:       DefaultLRDecayPolicy(),
	}
}

// Controller runs the epoch loop: a weighted training pass, a validation
// pass, then the checkpoint, early stopping and learning-rate policies
type Controller struct {
	Model       Model
	Optimizer   optimizer.Optimizer
	Train       dataloader.BatchSource
	Validator   Validator
	Loss        Loss
	Config      ControllerConfig
	Checkpoints *CheckpointManager // optional
	Progress    io.Writer          // optional

	state *RunState
}

// Result is what survives a run
type Result struct {
	State           State
	Epochs          int
	BestEpoch       int
	BestValAccuracy float64
	FinalLR         float64
	History         *History
}

// State returns the run state of the current or last Fit
func (c *Controller) State() *RunState {
	return c.state
}

func (c *Controller) validate() error {
	switch {
	case c.Model == nil:
		return errors.New("controller has no model")
	case c.Optimizer == nil:
		return errors.New("controller has no optimizer")
	case c.Train == nil:
		return errors.New("controller has no training source")
	case c.Validator == nil:
		return errors.New("controller has no validator")
	case c.Config.Epochs <= 0:
		return errors.Errorf("epoch budget must be positive, got %d", c.Config.Epochs)
	case c.Config.LearningRate < 0:
		return errors.Errorf("learning rate must not be negative, got %g", c.Config.LearningRate)
	case c.Config.StepsPerEpoch <= 0:
		return errors.Errorf("steps per epoch must be positive, got %d", c.Config.StepsPerEpoch)
	case c.Config.EarlyStopping.Patience <= 0:
		return errors.Errorf("early stopping patience must be positive, got %d", c.Config.EarlyStopping.Patience)
	case c.Config.LRDecay.Patience <= 0:
		return errors.Errorf("learning-rate patience must be positive, got %d", c.Config.LRDecay.Patience)
	}
	return nil
}

// Fit trains until early stopping or the epoch budget ends, then restores
// the best-validation-accuracy weights into the model. ctx is checked only
// between epochs.
func (c *Controller) Fit(ctx context.Context) (*Result, error) {
	if err := c.validate(); err != nil {
		return nil, err
	}
	if c.Loss == nil {
		c.Loss = NewBCELoss(nil)
	}

	lr := c.Config.LearningRate
	if lr == 0 {
		lr = float64(c.Optimizer.LearningRate())
	}
	c.Optimizer.UpdateLearningRate(float32(lr))
	c.state = NewRunState(lr)
	history := &History{RunID: c.Config.RunID}
	var session *TrainingSession
	if c.Progress != nil {
		session = NewTrainingSession(c.Progress, c.Config.Epochs, c.Config.StepsPerEpoch)
	}

	s := c.state
	for !s.State.Terminal() {
		if err := ctx.Err(); err != nil {
			return nil, errors.Wrapf(err, "training interrupted after epoch %d", s.Epoch)
		}
		epoch := s.Epoch + 1
		start := time.Now()

		if session != nil {
			session.StartEpoch(epoch)
		}
		loss, acc, err := c.trainEpoch(session)
		if err != nil {
			return nil, errors.Wrapf(err, "epoch %d", epoch)
		}
		if session != nil {
			session.FinishTrainingEpoch()
		}

		val, err := c.Validator.Validate()
		if err != nil {
			return nil, errors.Wrapf(err, "epoch %d validation", epoch)
		}

		record := EpochRecord{
			Epoch:        epoch,
			Loss:         loss,
			Accuracy:     acc,
			ValLoss:      val.Loss,
			ValAccuracy:  val.Accuracy,
			ValPrecision: val.Precision,
			ValRecall:    val.Recall,
			LearningRate: s.LearningRate,
		}
		if err := c.endEpoch(epoch, val, &record); err != nil {
			return nil, err
		}
		record.Duration = time.Since(start)
		history.Epochs = append(history.Epochs, record)

		if session != nil {
			session.PrintEpochSummary(record)
		}
		klog.Infof("Epoch %d/%d: loss=%.4f acc=%.4f val_loss=%.4f val_acc=%.4f lr=%.2e",
			epoch, c.Config.Epochs, loss, acc, val.Loss, val.Accuracy, record.LearningRate)
	}

	if err := c.Model.Restore(s.BestSnapshot); err != nil {
		return nil, errors.Wrap(err, "failed to restore best weights")
	}
	klog.Infof("Training finished (%s) after %d epochs; restored epoch %d with val_accuracy=%.4f",
		s.State, s.Epoch, s.BestEpoch, s.BestValAccuracy)

	history.StopState = s.State.String()
	history.BestEpoch = s.BestEpoch
	if session != nil {
		session.PrintRunSummary(history)
	}
	return &Result{
		State:           s.State,
		Epochs:          s.Epoch,
		BestEpoch:       s.BestEpoch,
		BestValAccuracy: s.BestValAccuracy,
		FinalLR:         s.LearningRate,
		History:         history,
	}, nil
}

// endEpoch applies the three policies to the epoch's validation metrics
func (c *Controller) endEpoch(epoch int, val *Evaluation, record *EpochRecord) error {
	s := c.state
	s.Epoch = epoch

	if (CheckpointPolicy{}).Evaluate(s.BestValAccuracy, val.Accuracy) {
		s.BestSnapshot = c.Model.Snapshot()
		s.BestEpoch = epoch
		if c.Checkpoints != nil {
			if err := c.Checkpoints.SaveBestCheckpoint(c.Model, epoch, s.LearningRate, val.Loss, val.Accuracy); err != nil {
				return err
			}
		}
		record.Checkpointed = true
		klog.V(1).Infof("Epoch %d: val_accuracy improved from %.4f to %.4f", epoch, s.BestValAccuracy, val.Accuracy)
	}

	stall, stop := c.Config.EarlyStopping.Evaluate(s.BestValAccuracy, val.Accuracy, s.StallEpochs)
	s.StallEpochs = stall
	if val.Accuracy > s.BestValAccuracy {
		s.BestValAccuracy = val.Accuracy
	}

	d := c.Config.LRDecay.Evaluate(s.BestValLoss, val.Loss, s.PlateauEpochs, s.LearningRate)
	s.BestValLoss, s.PlateauEpochs = d.BestLoss, d.Plateau
	if d.Reduced {
		klog.Infof("Epoch %d: reducing learning rate to %.2e", epoch, d.LearningRate)
		s.LearningRate = d.LearningRate
		c.Optimizer.UpdateLearningRate(float32(d.LearningRate))
		record.LRReduced = true
	}

	switch {
	case stop:
		klog.Infof("Epoch %d: early stopping, no val_accuracy improvement for %d epochs", epoch, stall)
		s.State = StoppedEarlyStopping
	case epoch >= c.Config.Epochs:
		s.State = StoppedMaxEpochs
	}
	return nil
}

// trainEpoch runs StepsPerEpoch weighted updates and returns the mean loss
// and accuracy over the samples seen
func (c *Controller) trainEpoch(session *TrainingSession) (float64, float64, error) {
	net := c.Model.Network()
	params := net.TrainableParams()
	lossSum, correct, seen := 0.0, 0, 0

	for step := 1; step <= c.Config.StepsPerEpoch; step++ {
		b, err := c.Train.Next()
		if err != nil {
			return 0, 0, errors.Wrapf(err, "training batch %d", step)
		}

		net.ZeroGrad()
		out, err := c.Model.Forward(b.Images, true)
		if err != nil {
			return 0, 0, err
		}
		loss, err := c.Loss.Forward(out, b.Labels)
		if err != nil {
			return 0, 0, err
		}
		grad, err := c.Loss.Backward(out, b.Labels)
		if err != nil {
			return 0, 0, err
		}
		if err := net.Backward(grad); err != nil {
			return 0, 0, err
		}
		if err := c.Optimizer.Step(params); err != nil {
			return 0, 0, errors.Wrap(err, "optimizer step failed")
		}

		lossSum += loss * float64(b.Size())
		correct += countCorrect(c.Model, out, b.Labels)
		seen += b.Size()
		if session != nil {
			session.UpdateTrainingProgress(step, lossSum/float64(seen), float64(correct)/float64(seen))
		}
	}
	return lossSum / float64(seen), float64(correct) / float64(seen), nil
}

func countCorrect(m Predictor, out *tensor.Tensor, labels []int) int {
	n := 0
	for i, y := range labels {
		if m.Label(out.Data[i]) == y {
			n++
		}
	}
	return n
}
