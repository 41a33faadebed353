package training

import (
	"fmt"
	"io"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/medvision/kvasirnet/layers"
)

// ProgressBar renders a single-line, carriage-return-updated progress bar
type ProgressBar struct {
	out         io.Writer
	description string
	total       int
	current     int
	startTime   time.Time
	width       int
	showRate    bool
	showETA     bool
	metrics     map[string]float64
}

// NewProgressBar creates a new progress bar writing to out
func NewProgressBar(out io.Writer, description string, total int) *ProgressBar {
	return &ProgressBar{
		out:         out,
		description: description,
		total:       total,
		startTime:   time.Now(),
		width:       40,
		showRate:    true,
		showETA:     true,
		metrics:     make(map[string]float64),
	}
}

// Update advances the progress bar
func (pb *ProgressBar) Update(step int, metrics map[string]float64) {
	pb.current = step
	pb.metrics = metrics
	pb.render()
}

// Finish completes the progress bar
func (pb *ProgressBar) Finish() {
	pb.current = pb.total
	pb.render()
	fmt.Fprintln(pb.out)
}

func (pb *ProgressBar) render() {
	percentage := 1.0
	if pb.total > 0 {
		percentage = float64(pb.current) / float64(pb.total)
	}
	if percentage > 1.0 {
		percentage = 1.0
	}

	filled := int(percentage * float64(pb.width))
	bar := strings.Repeat("█", filled) + strings.Repeat(" ", pb.width-filled)

	elapsed := time.Since(pb.startTime)
	var eta time.Duration
	var rate float64
	if pb.current > 0 {
		rate = float64(pb.current) / elapsed.Seconds()
		if percentage > 0 {
			eta = time.Duration(float64(elapsed)/percentage) - elapsed
		}
	}

	line := fmt.Sprintf("\r%s: %3.0f%%|%s| %d/%d", pb.description, percentage*100, bar, pb.current, pb.total)
	if pb.showETA && eta > 0 {
		line += fmt.Sprintf(" [%s<%s", formatDuration(elapsed), formatDuration(eta))
	} else {
		line += fmt.Sprintf(" [%s<00:00", formatDuration(elapsed))
	}
	if pb.showRate && rate > 0 {
		line += fmt.Sprintf(", %.2fbatch/s", rate)
	}

	// Stable order so successive renders overwrite cleanly
	keys := make([]string, 0, len(pb.metrics))
	for k := range pb.metrics {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, key := range keys {
		value := pb.metrics[key]
		if strings.Contains(key, "acc") {
			line += fmt.Sprintf(", %s=%.2f%%", key, value*100)
		} else {
			line += fmt.Sprintf(", %s=%.4f", key, value)
		}
	}
	line += "]"

	fmt.Fprint(pb.out, line)
}

// formatDuration formats duration as MM:SS
func formatDuration(d time.Duration) string {
	minutes := int(d.Minutes())
	seconds := int(d.Seconds()) % 60
	return fmt.Sprintf("%02d:%02d", minutes, seconds)
}

// ModelArchitecturePrinter prints a layer-by-layer model summary
type ModelArchitecturePrinter struct {
	out       io.Writer
	modelName string
}

// NewModelArchitecturePrinter creates a new model architecture printer
func NewModelArchitecturePrinter(out io.Writer, modelName string) *ModelArchitecturePrinter {
	return &ModelArchitecturePrinter{out: out, modelName: modelName}
}

// PrintArchitecture prints the network's layers, marking frozen ones, and
// its parameter counts
func (p *ModelArchitecturePrinter) PrintArchitecture(net *layers.Network) {
	spec := net.Spec()
	fmt.Fprintf(p.out, "Model Architecture:\n%s(\n", p.modelName)
	for i, layer := range spec.Layers {
		marker := " "
		if !net.IsTrainable(i) {
			marker = "*"
		}
		fmt.Fprintf(p.out, " %s%s\n", marker, p.formatLayer(layer))
	}
	fmt.Fprintf(p.out, ")\n* frozen\n\n")

	trainable := int64(net.TrainableParameterCount())
	fmt.Fprintf(p.out, "Total parameters: %s\n", formatParameterCount(spec.TotalParameters))
	fmt.Fprintf(p.out, "Trainable parameters: %s\n", formatParameterCount(trainable))
	fmt.Fprintf(p.out, "Non-trainable parameters: %s\n", formatParameterCount(spec.TotalParameters-trainable))
	fmt.Fprintf(p.out, "Params size (MB): %.3f\n\n", float64(spec.TotalParameters*4)/1024/1024)
}

func (p *ModelArchitecturePrinter) formatLayer(layer layers.LayerSpec) string {
	switch layer.Type {
	case layers.Conv2D:
		return fmt.Sprintf("(%s): Conv2d(%d, %d, kernel_size=%d, stride=%d, padding=%d) -> %v",
			layer.Name, paramInt(layer, "input_channels"), paramInt(layer, "output_channels"),
			paramInt(layer, "kernel_size"), paramInt(layer, "stride"), paramInt(layer, "padding"), layer.OutputShape)
	case layers.Dense:
		return fmt.Sprintf("(%s): Linear(in_features=%d, out_features=%d)",
			layer.Name, paramInt(layer, "input_size"), paramInt(layer, "output_size"))
	default:
		return fmt.Sprintf("(%s): %s() -> %v", layer.Name, layer.Type, layer.OutputShape)
	}
}

// paramInt reads an integer layer parameter from a built or JSON-decoded spec
func paramInt(layer layers.LayerSpec, key string) int {
	switch v := layer.Parameters[key].(type) {
	case int:
		return v
	case float64:
		return int(v)
	}
	return 0
}

// formatParameterCount formats parameter count with K/M suffixes
func formatParameterCount(count int64) string {
	if count >= 1000000 {
		return fmt.Sprintf("%.1fM", float64(count)/1000000.0)
	} else if count >= 1000 {
		return fmt.Sprintf("%.1fK", float64(count)/1000.0)
	}
	return fmt.Sprintf("%d", count)
}

// TrainingSession drives the per-epoch progress bars and summaries
type TrainingSession struct {
	out           io.Writer
	epochs        int
	stepsPerEpoch int
	currentEpoch  int
	trainProgress *ProgressBar
}

// NewTrainingSession creates a session for epochs of stepsPerEpoch batches
func NewTrainingSession(out io.Writer, epochs, stepsPerEpoch int) *TrainingSession {
	return &TrainingSession{out: out, epochs: epochs, stepsPerEpoch: stepsPerEpoch}
}

// StartEpoch begins a new epoch
func (ts *TrainingSession) StartEpoch(epoch int) {
	ts.currentEpoch = epoch
	description := fmt.Sprintf("Epoch %d/%d", epoch, ts.epochs)
	ts.trainProgress = NewProgressBar(ts.out, description, ts.stepsPerEpoch)
}

// UpdateTrainingProgress updates training progress
func (ts *TrainingSession) UpdateTrainingProgress(step int, loss, accuracy float64) {
	ts.trainProgress.Update(step, map[string]float64{"loss": loss, "accuracy": accuracy})
}

// FinishTrainingEpoch completes the training phase of an epoch
func (ts *TrainingSession) FinishTrainingEpoch() {
	ts.trainProgress.Finish()
}

// PrintRunSummary prints the extremes of a finished run's curves
func (ts *TrainingSession) PrintRunSummary(h *History) {
	valAcc, valLoss, lr := h.Series("val_accuracy"), h.Series("val_loss"), h.Series("learning_rate")
	if len(valAcc) == 0 {
		return
	}
	bestAcc, lowestLoss := valAcc[0], valLoss[0]
	for i := range valAcc {
		bestAcc = math.Max(bestAcc, valAcc[i])
		lowestLoss = math.Min(lowestLoss, valLoss[i])
	}
	fmt.Fprintf(ts.out, "Run finished after %d epochs (%s)\n", len(valAcc), h.StopState)
	fmt.Fprintf(ts.out, "  Best validation accuracy: %.2f%% (epoch %d)\n", bestAcc*100, h.BestEpoch)
	fmt.Fprintf(ts.out, "  Lowest validation loss:   %.4f\n", lowestLoss)
	fmt.Fprintf(ts.out, "  Learning rate:            %.2e -> %.2e\n", lr[0], lr[len(lr)-1])
}

// PrintEpochSummary prints a summary of the completed epoch
func (ts *TrainingSession) PrintEpochSummary(r EpochRecord) {
	fmt.Fprintf(ts.out, "Epoch %d/%d Summary:\n", ts.currentEpoch, ts.epochs)
	fmt.Fprintf(ts.out, "  Training   - Loss: %.4f, Accuracy: %.2f%%\n", r.Loss, r.Accuracy*100)
	fmt.Fprintf(ts.out, "  Validation - Loss: %.4f, Accuracy: %.2f%%, Precision: %.4f, Recall: %.4f\n",
		r.ValLoss, r.ValAccuracy*100, r.ValPrecision, r.ValRecall)
	fmt.Fprintf(ts.out, "  Learning rate: %.2e", r.LearningRate)
	if r.Checkpointed {
		fmt.Fprint(ts.out, "  (checkpoint saved)")
	}
	fmt.Fprintln(ts.out)
	fmt.Fprintln(ts.out)
}
