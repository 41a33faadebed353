package training

// LRDecayPolicy halves the learning rate when validation loss plateaus.
// It only decides; the controller owns the counters it is given and applies
// the returned learning rate.
type LRDecayPolicy struct {
	Patience int     // epochs without improvement before a reduction
	Factor   float64 // multiplicative factor of each reduction
	MinLR    float64 // floor
	MinDelta float64 // loss must drop by more than this to count
}

// DefaultLRDecayPolicy returns patience 7, factor 0.5, floor 1e-7 and min
// delta 1e-4
func DefaultLRDecayPolicy() LRDecayPolicy {
	return LRDecayPolicy{Patience: 7, Factor: 0.5, MinLR: 1e-7, MinDelta: 1e-4}
}

// LRDecision is the outcome of one LRDecayPolicy evaluation
type LRDecision struct {
	BestLoss     float64
	Plateau      int
	LearningRate float64
	Reduced      bool
}

// Evaluate consumes the epoch's validation loss. The counter resets on
// improvement; at Patience the rate becomes max(lr*Factor, MinLR) and the
// counter resets, unless the rate is already at the floor.
func (p LRDecayPolicy) Evaluate(bestLoss, loss float64, plateau int, lr float64) LRDecision {
	if loss < bestLoss-p.MinDelta {
		return LRDecision{BestLoss: loss, Plateau: 0, LearningRate: lr}
	}

	d := LRDecision{BestLoss: bestLoss, Plateau: plateau + 1, LearningRate: lr}
	if d.Plateau >= p.Patience && lr > p.MinLR {
		next := lr * p.Factor
		if next < p.MinLR {
			next = p.MinLR
		}
		d.LearningRate = next
		d.Plateau = 0
		d.Reduced = true
	}
	return d
}
