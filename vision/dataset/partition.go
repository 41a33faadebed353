package dataset

import (
	"fmt"
	"math"
	"math/rand"
	"strings"

	"github.com/pkg/errors"
)

// EmptyClassError reports a class with no examples, before or after the split
type EmptyClassError struct {
	Classes []Class
	// Split is "" when the class was empty after collection, otherwise the
	// split ("train" or "test") that ended up empty
	Split string
}

func (e *EmptyClassError) Error() string {
	names := make([]string, len(e.Classes))
	for i, c := range e.Classes {
		names[i] = c.String()
	}
	if e.Split == "" {
		return fmt.Sprintf("empty class: no images collected for %s", strings.Join(names, ", "))
	}
	return fmt.Sprintf("empty class: %s split has no images for %s", e.Split, strings.Join(names, ", "))
}

// Partition is a stratified train/test split of every class
type Partition struct {
	Train        map[Class]Collection
	Test         map[Class]Collection
	TestFraction float64
	Seed         int64
}

// TrainCounts returns the number of training records per class index
func (p *Partition) TrainCounts() map[int]int {
	return countsOf(p.Train)
}

// TestCounts returns the number of test records per class index
func (p *Partition) TestCounts() map[int]int {
	return countsOf(p.Test)
}

func countsOf(cells map[Class]Collection) map[int]int {
	counts := make(map[int]int, len(cells))
	for c, col := range cells {
		counts[int(c)] = col.Len()
	}
	return counts
}

// testSize rounds like sklearn's train_test_split: the test share is rounded
// up and the remainder goes to training
func testSize(n int, testFraction float64) int {
	nTest := int(math.Ceil(testFraction * float64(n)))
	if nTest > n {
		nTest = n
	}
	return nTest
}

// Split shuffles c with a PRNG seeded by seed and cuts it into train and test.
// The same seed and input order always yield the same split.
func Split(c Collection, testFraction float64, seed int64) (train, test Collection, err error) {
	if testFraction <= 0 || testFraction >= 1 {
		return Collection{}, Collection{}, errors.Errorf("test fraction %g outside (0, 1)", testFraction)
	}
	n := c.Len()
	perm := rand.New(rand.NewSource(seed)).Perm(n)
	nTest := testSize(n, testFraction)

	test = Collection{Class: c.Class, Records: make([]Record, 0, nTest)}
	train = Collection{Class: c.Class, Records: make([]Record, 0, n-nTest)}
	for i, idx := range perm {
		if i < nTest {
			test.Records = append(test.Records, c.Records[idx])
		} else {
			train.Records = append(train.Records, c.Records[idx])
		}
	}
	return train, test, nil
}

// classSeed derives an independent stream for each class, so the split of one
// class does not depend on the size of another
func classSeed(seed int64, c Class) int64 {
	return seed*1000003 + int64(c)
}

// PartitionCorpus splits every collection independently. It fails with
// *EmptyClassError when a class has no records, or when a split cell would be
// empty.
func PartitionCorpus(collections []Collection, testFraction float64, seed int64) (*Partition, error) {
	var empty []Class
	for _, col := range collections {
		if col.Len() == 0 {
			empty = append(empty, col.Class)
		}
	}
	if len(empty) > 0 {
		return nil, &EmptyClassError{Classes: empty}
	}

	p := &Partition{
		Train:        make(map[Class]Collection, len(collections)),
		Test:         make(map[Class]Collection, len(collections)),
		TestFraction: testFraction,
		Seed:         seed,
	}
	for _, col := range collections {
		train, test, err := Split(col, testFraction, classSeed(seed, col.Class))
		if err != nil {
			return nil, err
		}
		p.Train[col.Class] = train
		p.Test[col.Class] = test
	}

	for _, cell := range []struct {
		name  string
		cells map[Class]Collection
	}{{"train", p.Train}, {"test", p.Test}} {
		for _, c := range Classes {
			col, ok := cell.cells[c]
			if ok && col.Len() == 0 {
				empty = append(empty, c)
			}
		}
		if len(empty) > 0 {
			return nil, &EmptyClassError{Classes: empty, Split: cell.name}
		}
	}
	return p, nil
}
