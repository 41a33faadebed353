package dataloader

import (
	"fmt"
	"sort"
	"strings"

	"github.com/pkg/errors"
)

// ClassWeights maps a class index to its loss weight
type ClassWeights map[int]float64

// ComputeClassWeights returns total / (numClasses * count[c]) for every class,
// so that sum(count[c] * w[c]) == total. Counts must come from the realized
// training split.
func ComputeClassWeights(counts map[int]int) (ClassWeights, error) {
	if len(counts) == 0 {
		return nil, errors.New("no classes to weight")
	}
	total := 0
	for c, n := range counts {
		if n <= 0 {
			return nil, errors.Errorf("class %d has no training samples", c)
		}
		total += n
	}

	weights := make(ClassWeights, len(counts))
	for c, n := range counts {
		weights[c] = float64(total) / (float64(len(counts)) * float64(n))
	}
	return weights, nil
}

// Weight returns the weight of class c, or 1 for an unknown class
func (w ClassWeights) Weight(c int) float64 {
	if v, ok := w[c]; ok {
		return v
	}
	return 1
}

func (w ClassWeights) String() string {
	keys := make([]int, 0, len(w))
	for k := range w {
		keys = append(keys, k)
	}
	sort.Ints(keys)
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = fmt.Sprintf("%d: %.4f", k, w[k])
	}
	return "{" + strings.Join(parts, ", ") + "}"
}
