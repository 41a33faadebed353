package training

import (
	"encoding/json"
	"io"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/pkg/errors"

	"github.com/medvision/kvasirnet/tensor"
	"github.com/medvision/kvasirnet/vision/dataloader"
)

// fixedPredictor returns the first pixel of every image as its probability
type fixedPredictor struct{}

func (fixedPredictor) PredictProba(images *tensor.Tensor) ([]float32, error) {
	n := images.Shape[0]
	plane := len(images.Data) / n
	out := make([]float32, n)
	for i := range out {
		out[i] = images.Data[i*plane]
	}
	return out, nil
}

func (fixedPredictor) Label(p float32) int {
	if p > 0.5 {
		return 1
	}
	return 0
}

// sliceSource serves fixed batches then io.EOF
type sliceSource struct {
	batches []*dataloader.Batch
	pos     int
	err     error
}

func (s *sliceSource) Next() (*dataloader.Batch, error) {
	if s.err != nil && s.pos == 1 {
		return nil, s.err
	}
	if s.pos >= len(s.batches) {
		return nil, io.EOF
	}
	b := s.batches[s.pos]
	s.pos++
	return b, nil
}

func probBatch(t *testing.T, probs []float32, labels []int, prefix string) *dataloader.Batch {
	t.Helper()
	x := tensor.Zeros(len(probs), 3, 2, 2)
	paths := make([]string, len(probs))
	for i, p := range probs {
		x.Data[i*12] = p
		paths[i] = prefix + string(rune('a'+i))
	}
	return &dataloader.Batch{Images: x, Labels: labels, Paths: paths}
}

func TestEvaluateKeepsSourceOrder(t *testing.T) {
	src := &sliceSource{batches: []*dataloader.Batch{
		probBatch(t, []float32{0.9, 0.2, 0.6}, []int{1, 0, 0}, "x"),
		probBatch(t, []float32{0.4, 0.8}, []int{1, 1}, "y"),
	}}

	e, err := Evaluate(fixedPredictor{}, src)
	if err != nil {
		t.Fatal(err)
	}
	if e.Samples() != 5 {
		t.Fatalf("expected 5 samples, got %d", e.Samples())
	}

	wantPaths := []string{"xa", "xb", "xc", "ya", "yb"}
	wantPreds := []int{1, 0, 1, 0, 1}
	for i := range wantPaths {
		if e.Paths[i] != wantPaths[i] || e.Predictions[i] != wantPreds[i] {
			t.Errorf("sample %d: %s/%d, expected %s/%d", i, e.Paths[i], e.Predictions[i], wantPaths[i], wantPreds[i])
		}
	}

	// support per class equals the label counts
	sums := e.Confusion.RowSums()
	if sums[0] != 2 || sums[1] != 3 {
		t.Errorf("row sums %v, expected [2 3]", sums)
	}
	if math.Abs(e.Accuracy-0.6) > 1e-9 {
		t.Errorf("accuracy %v, expected 0.6", e.Accuracy)
	}

	var want float64
	for i, p := range []float64{0.9, 0.2, 0.6, 0.4, 0.8} {
		if []int{1, 0, 0, 1, 1}[i] == 1 {
			want -= math.Log(p)
		} else {
			want -= math.Log(1 - p)
		}
	}
	want /= 5
	if math.Abs(e.Loss-want) > 1e-5 {
		t.Errorf("loss %v, expected %v", e.Loss, want)
	}
	if e.Recall != 2.0/3.0 || e.Specificity != 0.5 {
		t.Errorf("recall %v specificity %v", e.Recall, e.Specificity)
	}
}

func TestEvaluateErrors(t *testing.T) {
	if _, err := Evaluate(fixedPredictor{}, &sliceSource{}); err == nil {
		t.Error("expected error for an empty source")
	}

	boom := errors.New("decode failed")
	src := &sliceSource{
		batches: []*dataloader.Batch{probBatch(t, []float32{0.9}, []int{1}, "x")},
		err:     boom,
	}
	if _, err := Evaluate(fixedPredictor{}, src); errors.Cause(err) != boom {
		t.Errorf("expected the source error, got %v", err)
	}
}

func TestEvaluationRecord(t *testing.T) {
	src := &sliceSource{batches: []*dataloader.Batch{
		probBatch(t, []float32{0.9, 0.1}, []int{1, 0}, "x"),
	}}
	e, err := Evaluate(fixedPredictor{}, src)
	if err != nil {
		t.Fatal(err)
	}

	report := e.Report([]string{"benign", "malignant"})
	if !strings.Contains(report, "Accuracy:    100.00%") || !strings.Contains(report, "Confusion matrix") {
		t.Errorf("unexpected report:\n%s", report)
	}

	path := filepath.Join(t.TempDir(), "evaluation.json")
	if err := SaveEvaluation(path, e.Record("run-1", []string{"benign", "malignant"})); err != nil {
		t.Fatal(err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	var rec EvaluationRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		t.Fatal(err)
	}
	if rec.RunID != "run-1" || rec.Samples != 2 || rec.AUC != 1 {
		t.Errorf("unexpected record %+v", rec)
	}
	if rec.Support[0] != 1 || rec.Support[1] != 1 {
		t.Errorf("unexpected support %v", rec.Support)
	}
}
