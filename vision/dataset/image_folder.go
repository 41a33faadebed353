package dataset

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/pkg/errors"
)

// ImageFolderDataset represents a dataset loaded from a directory structure
// where each subdirectory represents a class. Classes are indexed in lexical
// folder order and images in lexical file order, so two loads of the same
// tree are identical.
type ImageFolderDataset struct {
	root       string
	imagePaths []string
	labels     []int
	classNames []string
	classToIdx map[string]int
}

// NewImageFolderDataset creates a dataset from a directory structure. Empty
// class folders are kept as classes with zero samples.
func NewImageFolderDataset(root string, extensions []string) (*ImageFolderDataset, error) {
	if len(extensions) == 0 {
		extensions = DefaultExtensions
	}

	entries, err := os.ReadDir(root)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list classes")
	}

	dataset := &ImageFolderDataset{
		root:       root,
		classToIdx: make(map[string]int),
	}

	var classDirs []string
	for _, e := range entries {
		if e.IsDir() {
			classDirs = append(classDirs, e.Name())
		}
	}
	sort.Strings(classDirs)

	for classIdx, className := range classDirs {
		dataset.classNames = append(dataset.classNames, className)
		dataset.classToIdx[className] = classIdx

		files, err := ListImages(filepath.Join(root, className), extensions)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to list class %s", className)
		}
		for _, file := range files {
			dataset.imagePaths = append(dataset.imagePaths, file)
			dataset.labels = append(dataset.labels, classIdx)
		}
	}

	if len(dataset.imagePaths) == 0 {
		return nil, errors.Errorf("no images found in %s", root)
	}

	return dataset, nil
}

// Root returns the directory the dataset was loaded from
func (d *ImageFolderDataset) Root() string {
	return d.root
}

// Len returns the number of items in the dataset
func (d *ImageFolderDataset) Len() int {
	return len(d.imagePaths)
}

// GetItem returns the image path and label at the given index
func (d *ImageFolderDataset) GetItem(index int) (string, int, error) {
	if index < 0 || index >= len(d.imagePaths) {
		return "", 0, errors.Errorf("index %d out of range [0, %d)", index, len(d.imagePaths))
	}
	return d.imagePaths[index], d.labels[index], nil
}

// Labels returns the label of every item in order
func (d *ImageFolderDataset) Labels() []int {
	return d.labels
}

// NumClasses returns the number of classes
func (d *ImageFolderDataset) NumClasses() int {
	return len(d.classNames)
}

// ClassNames returns the list of class names
func (d *ImageFolderDataset) ClassNames() []string {
	return d.classNames
}

// ClassIndex returns the index of a class name
func (d *ImageFolderDataset) ClassIndex(name string) (int, bool) {
	idx, ok := d.classToIdx[name]
	return idx, ok
}

// ClassDistribution returns the distribution of samples per class
func (d *ImageFolderDataset) ClassDistribution() map[string]int {
	dist := make(map[string]int, len(d.classNames))
	for _, name := range d.classNames {
		dist[name] = 0
	}
	for _, label := range d.labels {
		dist[d.classNames[label]]++
	}
	return dist
}

// ClassCounts returns the number of samples per class index
func (d *ImageFolderDataset) ClassCounts() map[int]int {
	counts := make(map[int]int, len(d.classNames))
	for i := range d.classNames {
		counts[i] = 0
	}
	for _, label := range d.labels {
		counts[label]++
	}
	return counts
}

// String returns a string representation of the dataset
func (d *ImageFolderDataset) String() string {
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("ImageFolderDataset: %d samples, %d classes\n", len(d.imagePaths), len(d.classNames)))
	sb.WriteString("Class distribution:\n")

	dist := d.ClassDistribution()
	for _, className := range d.classNames {
		count := dist[className]
		sb.WriteString(fmt.Sprintf("  %s: %d samples (%.1f%%)\n", className, count, 100*float64(count)/float64(len(d.imagePaths))))
	}

	return sb.String()
}
