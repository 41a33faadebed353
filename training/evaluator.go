package training

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/pkg/errors"

	"github.com/medvision/kvasirnet/tensor"
	"github.com/medvision/kvasirnet/vision/dataloader"
)

// Predictor produces probabilities for a batch and applies the decision rule
type Predictor interface {
	PredictProba(images *tensor.Tensor) ([]float32, error)
	Label(p float32) int
}

// Evaluation holds metrics over one full, ordered pass of an evaluation
// source. Per-sample slices are in source order.
type Evaluation struct {
	Loss        float64
	Accuracy    float64
	Precision   float64 // class 1 positive
	Recall      float64
	F1          float64
	Specificity float64
	AUC         float64

	Probabilities []float32
	Predictions   []int
	Labels        []int
	Paths         []string
	Confusion     *ConfusionMatrix
}

// Samples returns the number of evaluated samples
func (e *Evaluation) Samples() int {
	return len(e.Labels)
}

// Evaluate runs m over src until io.EOF. Loss is unweighted binary
// cross-entropy averaged over all samples.
func Evaluate(m Predictor, src dataloader.BatchSource) (*Evaluation, error) {
	loss := NewBCELoss(nil)
	e := &Evaluation{Confusion: NewConfusionMatrix(2)}
	lossSum := 0.0

	for {
		b, err := src.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, errors.Wrap(err, "evaluation batch failed")
		}

		probs, err := m.PredictProba(b.Images)
		if err != nil {
			return nil, errors.Wrap(err, "prediction failed")
		}
		p, err := tensor.New([]int{len(probs), 1}, probs)
		if err != nil {
			return nil, err
		}
		l, err := loss.Forward(p, b.Labels)
		if err != nil {
			return nil, err
		}
		lossSum += l * float64(b.Size())

		preds := make([]int, len(probs))
		for i, prob := range probs {
			preds[i] = m.Label(prob)
		}
		if err := e.Confusion.Update(b.Labels, preds); err != nil {
			return nil, errors.Wrapf(err, "batch %d", b.Step)
		}
		e.Predictions = append(e.Predictions, preds...)
		e.Probabilities = append(e.Probabilities, probs...)
		e.Labels = append(e.Labels, b.Labels...)
		e.Paths = append(e.Paths, b.Paths...)
	}

	if e.Samples() == 0 {
		return nil, errors.New("evaluation source produced no samples")
	}
	e.Loss = lossSum / float64(e.Samples())
	e.Accuracy = e.Confusion.GetAccuracy()
	e.Precision = e.Confusion.GetMetric(Precision)
	e.Recall = e.Confusion.GetMetric(Recall)
	e.F1 = e.Confusion.GetMetric(F1Score)
	e.Specificity = e.Confusion.GetMetric(Specificity)
	e.AUC = CalculateAUCROC(e.Probabilities, e.Labels)
	return e, nil
}

// Validator produces validation metrics at the end of an epoch
type Validator interface {
	Validate() (*Evaluation, error)
}

// LoaderValidator evaluates a model over a finite loader, rewinding it first
type LoaderValidator struct {
	Model  Predictor
	Loader *dataloader.DataLoader
}

// Validate runs one full pass
func (v LoaderValidator) Validate() (*Evaluation, error) {
	v.Loader.Reset()
	return Evaluate(v.Model, v.Loader)
}

// Report formats the metrics, the classification report and the confusion
// matrix
func (e *Evaluation) Report(classNames []string) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Loss:        %.4f\n", e.Loss)
	fmt.Fprintf(&sb, "Accuracy:    %.2f%%\n", e.Accuracy*100)
	fmt.Fprintf(&sb, "Precision:   %.4f\n", e.Precision)
	fmt.Fprintf(&sb, "Recall:      %.4f\n", e.Recall)
	fmt.Fprintf(&sb, "F1:          %.4f\n", e.F1)
	fmt.Fprintf(&sb, "Specificity: %.4f\n", e.Specificity)
	fmt.Fprintf(&sb, "AUC:         %.4f\n\n", e.AUC)
	sb.WriteString(e.Confusion.Report(classNames))
	sb.WriteString("\nConfusion matrix (rows: true, columns: predicted):\n")
	sb.WriteString(e.Confusion.String())
	return sb.String()
}

// EvaluationRecord is the evaluation.json layout
type EvaluationRecord struct {
	RunID           string    `json:"run_id,omitempty"`
	Samples         int       `json:"samples"`
	Loss            float64   `json:"loss"`
	Accuracy        float64   `json:"accuracy"`
	Precision       float64   `json:"precision"`
	Recall          float64   `json:"recall"`
	F1              float64   `json:"f1"`
	Specificity     float64   `json:"specificity"`
	AUC             float64   `json:"auc"`
	ClassNames      []string  `json:"class_names"`
	ConfusionMatrix [][]int   `json:"confusion_matrix"`
	Support         []int     `json:"support"`
	Predictions     []int     `json:"predictions"`
	Labels          []int     `json:"labels"`
	Probabilities   []float32 `json:"probabilities"`
}

// Record converts the evaluation for persistence
func (e *Evaluation) Record(runID string, classNames []string) EvaluationRecord {
	return EvaluationRecord{
		RunID:           runID,
		Samples:         e.Samples(),
		Loss:            e.Loss,
		Accuracy:        e.Accuracy,
		Precision:       e.Precision,
		Recall:          e.Recall,
		F1:              e.F1,
		Specificity:     e.Specificity,
		AUC:             e.AUC,
		ClassNames:      classNames,
		ConfusionMatrix: e.Confusion.Matrix,
		Support:         e.Confusion.RowSums(),
		Predictions:     e.Predictions,
		Labels:          e.Labels,
		Probabilities:   e.Probabilities,
	}
}

// SaveEvaluation writes the evaluation as JSON
func SaveEvaluation(path string, rec EvaluationRecord) error {
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return errors.Wrap(err, "failed to encode evaluation")
	}
	return errors.Wrap(os.WriteFile(path, data, 0644), "failed to write evaluation")
}
