package dataset

import (
	"path/filepath"

	"github.com/pkg/errors"
)

// KvasirSplit is one split (train or test) of a prepared dataset. It is an
// ImageFolderDataset whose class folders are exactly the binary classes, with
// class indices equal to the Class values.
type KvasirSplit struct {
	*ImageFolderDataset
	Name string
}

// LoadSplit reloads root/<split> from a prepared layout and checks that its
// class order matches the canonical Class order. Empty exts means
// DefaultExtensions.
func LoadSplit(root, split string, exts []string) (*KvasirSplit, error) {
	ds, err := NewImageFolderDataset(filepath.Join(root, split), exts)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to load %s split", split)
	}
	if ds.NumClasses() != len(Classes) {
		return nil, errors.Errorf("%s split has %d class folders %v, expected %d", split, ds.NumClasses(), ds.ClassNames(), len(Classes))
	}
	for _, c := range Classes {
		idx, ok := ds.ClassIndex(c.String())
		if !ok {
			return nil, errors.Errorf("%s split is missing class folder %q", split, c)
		}
		if idx != int(c) {
			return nil, errors.Errorf("%s split: class %q at index %d, expected %d", split, c, idx, int(c))
		}
	}
	return &KvasirSplit{ImageFolderDataset: ds, Name: split}, nil
}

// Counts returns the realized number of images per class
func (s *KvasirSplit) Counts() map[Class]int {
	counts := make(map[Class]int, len(Classes))
	for idx, n := range s.ClassCounts() {
		counts[Class(idx)] = n
	}
	return counts
}

// MatchesManifest reports an error when the reloaded counts disagree with the
// counts recorded when the split was written
func (s *KvasirSplit) MatchesManifest(expected map[Class]int) error {
	got := s.Counts()
	for _, c := range Classes {
		if got[c] != expected[c] {
			return errors.Errorf("%s/%s: loaded %d images, manifest has %d", s.Name, c, got[c], expected[c])
		}
	}
	return nil
}
