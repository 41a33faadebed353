package training

// CheckpointPolicy saves whenever validation accuracy strictly exceeds the
// best seen so far
type CheckpointPolicy struct{}

// Evaluate reports whether the epoch should be checkpointed
func (CheckpointPolicy) Evaluate(bestAccuracy, accuracy float64) bool {
	return accuracy > bestAccuracy
}

// EarlyStoppingPolicy stops training once validation accuracy has not
// improved for Patience consecutive epochs
type EarlyStoppingPolicy struct {
	Patience int
}

// DefaultEarlyStoppingPolicy returns patience 20
func DefaultEarlyStoppingPolicy() EarlyStoppingPolicy {
	return EarlyStoppingPolicy{Patience: 20}
}

// Evaluate consumes the epoch's validation accuracy and returns the new stall
// counter and whether to stop
func (p EarlyStoppingPolicy) Evaluate(bestAccuracy, accuracy float64, stall int) (int, bool) {
	if accuracy > bestAccuracy {
		return 0, false
	}
	stall++
	return stall, stall >= p.Patience
}
