package training

import (
	"fmt"
	"sort"
	"strings"

	"github.com/pkg/errors"
)

// MetricType represents different evaluation metrics
type MetricType int

const (
	// Binary classification metrics, class 1 positive
	Precision MetricType = iota
	Recall
	F1Score
	Specificity
	NPV // Negative Predictive Value

	// Averages over classes
	MacroPrecision
	MacroRecall
	MacroF1
)

func (mt MetricType) String() string {
	switch mt {
	case Precision:
		return "Precision"
	case Recall:
		return "Recall"
	case F1Score:
		return "F1Score"
	case Specificity:
		return "Specificity"
	case NPV:
		return "NPV"
	case MacroPrecision:
		return "MacroPrecision"
	case MacroRecall:
		return "MacroRecall"
	case MacroF1:
		return "MacroF1"
	default:
		return fmt.Sprintf("Unknown(%d)", int(mt))
	}
}

// ConfusionMatrix counts predictions per [true class][predicted class] in
// class index order
type ConfusionMatrix struct {
	NumClasses   int
	Matrix       [][]int
	TotalSamples int
}

// NewConfusionMatrix creates a new confusion matrix
func NewConfusionMatrix(numClasses int) *ConfusionMatrix {
	matrix := make([][]int, numClasses)
	for i := range matrix {
		matrix[i] = make([]int, numClasses)
	}
	return &ConfusionMatrix{NumClasses: numClasses, Matrix: matrix}
}

// Add records one sample
func (cm *ConfusionMatrix) Add(trueClass, predClass int) error {
	if trueClass < 0 || trueClass >= cm.NumClasses {
		return errors.Errorf("true class %d outside [0, %d)", trueClass, cm.NumClasses)
	}
	if predClass < 0 || predClass >= cm.NumClasses {
		return errors.Errorf("predicted class %d outside [0, %d)", predClass, cm.NumClasses)
	}
	cm.Matrix[trueClass][predClass]++
	cm.TotalSamples++
	return nil
}

// Update records a batch of labels and predictions
func (cm *ConfusionMatrix) Update(trueLabels, predictions []int) error {
	if len(trueLabels) != len(predictions) {
		return errors.Errorf("labels length %d does not match predictions length %d", len(trueLabels), len(predictions))
	}
	for i := range trueLabels {
		if err := cm.Add(trueLabels[i], predictions[i]); err != nil {
			return errors.Wrapf(err, "sample %d", i)
		}
	}
	return nil
}

// RowSums returns the number of samples of each true class
func (cm *ConfusionMatrix) RowSums() []int {
	sums := make([]int, cm.NumClasses)
	for i, row := range cm.Matrix {
		for _, v := range row {
			sums[i] += v
		}
	}
	return sums
}

// GetMetric calculates an evaluation metric
func (cm *ConfusionMatrix) GetMetric(metric MetricType) float64 {
	switch metric {
	case Precision:
		return cm.ClassPrecision(1)
	case Recall:
		return cm.ClassRecall(1)
	case F1Score:
		return cm.ClassF1(1)
	case Specificity:
		return cm.ClassRecall(0)
	case NPV:
		return cm.ClassPrecision(0)
	case MacroPrecision:
		return cm.macro(cm.ClassPrecision)
	case MacroRecall:
		return cm.macro(cm.ClassRecall)
	case MacroF1:
		return cm.macro(cm.ClassF1)
	default:
		return 0.0
	}
}

// ClassPrecision is TP / (TP + FP) treating class as positive, 0 when the
// class was never predicted
func (cm *ConfusionMatrix) ClassPrecision(class int) float64 {
	if class < 0 || class >= cm.NumClasses {
		return 0.0
	}
	tp := cm.Matrix[class][class]
	predicted := 0
	for t := 0; t < cm.NumClasses; t++ {
		predicted += cm.Matrix[t][class]
	}
	if predicted == 0 {
		return 0.0
	}
	return float64(tp) / float64(predicted)
}

// ClassRecall is TP / (TP + FN) treating class as positive, 0 when the
// class has no samples
func (cm *ConfusionMatrix) ClassRecall(class int) float64 {
	if class < 0 || class >= cm.NumClasses {
		return 0.0
	}
	support := cm.RowSums()[class]
	if support == 0 {
		return 0.0
	}
	return float64(cm.Matrix[class][class]) / float64(support)
}

// ClassF1 is the harmonic mean of class precision and recall
func (cm *ConfusionMatrix) ClassF1(class int) float64 {
	p, r := cm.ClassPrecision(class), cm.ClassRecall(class)
	if p+r == 0 {
		return 0.0
	}
	return 2 * p * r / (p + r)
}

func (cm *ConfusionMatrix) macro(fn func(int) float64) float64 {
	if cm.NumClasses == 0 {
		return 0.0
	}
	sum := 0.0
	for c := 0; c < cm.NumClasses; c++ {
		sum += fn(c)
	}
	return sum / float64(cm.NumClasses)
}

// GetAccuracy returns overall classification accuracy
func (cm *ConfusionMatrix) GetAccuracy() float64 {
	if cm.TotalSamples == 0 {
		return 0.0
	}
	correct := 0
	for i := 0; i < cm.NumClasses; i++ {
		correct += cm.Matrix[i][i]
	}
	return float64(correct) / float64(cm.TotalSamples)
}

// String renders the matrix with true classes as rows
func (cm *ConfusionMatrix) String() string {
	var sb strings.Builder
	for _, row := range cm.Matrix {
		sb.WriteString("[")
		for j, v := range row {
			if j > 0 {
				sb.WriteString(" ")
			}
			fmt.Fprintf(&sb, "%4d", v)
		}
		sb.WriteString("]\n")
	}
	return sb.String()
}

// Report formats per-class precision, recall, F1 and support followed by
// accuracy and macro and weighted averages
func (cm *ConfusionMatrix) Report(classNames []string) string {
	name := func(c int) string {
		if c < len(classNames) {
			return classNames[c]
		}
		return fmt.Sprintf("class_%d", c)
	}
	width := len("weighted avg")
	for c := 0; c < cm.NumClasses; c++ {
		if len(name(c)) > width {
			width = len(name(c))
		}
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "%*s %10s %10s %10s %10s\n\n", width, "", "precision", "recall", "f1-score", "support")
	support := cm.RowSums()
	var wp, wr, wf float64
	for c := 0; c < cm.NumClasses; c++ {
		p, r, f := cm.ClassPrecision(c), cm.ClassRecall(c), cm.ClassF1(c)
		fmt.Fprintf(&sb, "%*s %10.2f %10.2f %10.2f %10d\n", width, name(c), p, r, f, support[c])
		wp += p * float64(support[c])
		wr += r * float64(support[c])
		wf += f * float64(support[c])
	}
	total := float64(cm.TotalSamples)
	if total > 0 {
		wp, wr, wf = wp/total, wr/total, wf/total
	}
	sb.WriteString("\n")
	fmt.Fprintf(&sb, "%*s %10s %10s %10.2f %10d\n", width, "accuracy", "", "", cm.GetAccuracy(), cm.TotalSamples)
	fmt.Fprintf(&sb, "%*s %10.2f %10.2f %10.2f %10d\n", width, "macro avg",
		cm.GetMetric(MacroPrecision), cm.GetMetric(MacroRecall), cm.GetMetric(MacroF1), cm.TotalSamples)
	fmt.Fprintf(&sb, "%*s %10.2f %10.2f %10.2f %10d\n", width, "weighted avg", wp, wr, wf, cm.TotalSamples)
	return sb.String()
}

// CalculateAUCROC calculates the area under the ROC curve for binary labels.
// Tied scores are grouped into one step. Returns 0 unless both classes occur.
func CalculateAUCROC(scores []float32, trueLabels []int) float64 {
	if len(scores) != len(trueLabels) {
		return 0.0
	}

	type scoreLabel struct {
		score float32
		label int
	}
	pairs := make([]scoreLabel, len(scores))
	totalPos, totalNeg := 0, 0
	for i := range scores {
		pairs[i] = scoreLabel{score: scores[i], label: trueLabels[i]}
		if trueLabels[i] == 1 {
			totalPos++
		} else {
			totalNeg++
		}
	}
	if totalPos == 0 || totalNeg == 0 {
		return 0.0
	}

	// Sort by score, descending
	sort.SliceStable(pairs, func(i, j int) bool {
		return pairs[i].score > pairs[j].score
	})

	auc := 0.0
	tp, fp := 0, 0
	prevTPR, prevFPR := 0.0, 0.0
	for i := 0; i < len(pairs); {
		j := i
		for j < len(pairs) && pairs[j].score == pairs[i].score {
			if pairs[j].label == 1 {
				tp++
			} else {
				fp++
			}
			j++
		}
		tpr := float64(tp) / float64(totalPos)
		fpr := float64(fp) / float64(totalNeg)
		auc += (fpr - prevFPR) * (tpr + prevTPR) / 2.0
		prevTPR, prevFPR = tpr, fpr
		i = j
	}
	return auc
}
