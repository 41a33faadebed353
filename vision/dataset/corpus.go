package dataset

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Class is a binary label. The numeric order is canonical: prepared folder
// names sort into the same order, so reloaded datasets agree with it.
type Class int

const (
	Benign Class = iota
	Malignant
)

// Classes lists every class in canonical index order
var Classes = []Class{Benign, Malignant}

// String returns the prepared folder name of the class
func (c Class) String() string {
	switch c {
	case Benign:
		return "benign"
	case Malignant:
		return "malignant"
	default:
		return fmt.Sprintf("class(%d)", int(c))
	}
}

// Record is one labeled image. Records are values and never mutated.
type Record struct {
	Path         string
	Class        Class
	SourceFolder string
}

// Collection is the ordered list of records sharing a class
type Collection struct {
	Class   Class
	Records []Record
}

// Len returns the number of records
func (c Collection) Len() int {
	return len(c.Records)
}

// Paths returns the record paths in order
func (c Collection) Paths() []string {
	paths := make([]string, len(c.Records))
	for i, r := range c.Records {
		paths[i] = r.Path
	}
	return paths
}

// DefaultExtensions is the image allow-list
var DefaultExtensions = []string{".jpg", ".jpeg", ".png"}

func hasAllowedExt(name string, exts []string) bool {
	ext := strings.ToLower(filepath.Ext(name))
	for _, e := range exts {
		if ext == strings.ToLower(e) {
			return true
		}
	}
	return false
}

// ListImages returns allow-listed regular files directly inside dir, sorted
func ListImages(dir string, exts []string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var files []string
	for _, e := range entries {
		if e.IsDir() || !hasAllowedExt(e.Name(), exts) {
			continue
		}
		files = append(files, filepath.Join(dir, e.Name()))
	}
	sort.Strings(files)
	return files, nil
}

// Collect gathers every allow-listed image in the configured folders (relative
// to root) into one collection, in folder order then lexical file order.
// Folders that do not exist are logged, returned in missing and skipped; any
// other stat failure is returned.
func Collect(root string, class Class, folders []string, exts []string) (Collection, []string, error) {
	if len(exts) == 0 {
		exts = DefaultExtensions
	}
	col := Collection{Class: class}
	var missing []string

	for _, folder := range folders {
		dir := filepath.Join(root, filepath.FromSlash(folder))
		info, err := os.Stat(dir)
		if err != nil && !os.IsNotExist(err) {
			return Collection{}, nil, errors.Wrapf(err, "failed to stat %s", dir)
		}
		if err != nil || !info.IsDir() {
			klog.Warningf("Folder not found, skipping: %s", folder)
			missing = append(missing, folder)
			continue
		}

		files, err := ListImages(dir, exts)
		if err != nil {
			return Collection{}, nil, errors.Wrapf(err, "failed to list %s", dir)
		}
		for _, f := range files {
			col.Records = append(col.Records, Record{Path: f, Class: class, SourceFolder: folder})
		}
		klog.Infof("  %s (%s): %d images", folder, class, len(files))
	}
	return col, missing, nil
}

// BalanceRatio returns min(a, b) / max(a, b), or 0 when either count is 0
func BalanceRatio(a, b int) float64 {
	if a <= 0 || b <= 0 {
		return 0
	}
	if a > b {
		a, b = b, a
	}
	return float64(a) / float64(b)
}

// Balance is the advisory imbalance diagnostic
type Balance int

const (
	ModeratelyImbalanced Balance = iota
	RequiresWeighting
	WellBalanced
)

func (b Balance) String() string {
	switch b {
	case RequiresWeighting:
		return "imbalanced: class weights will be applied during training"
	case WellBalanced:
		return "well balanced"
	default:
		return "moderately imbalanced"
	}
}

// Diagnose classifies a balance ratio. It never changes behavior: class
// weights are always computed from the realized training split.
func Diagnose(ratio float64) Balance {
	switch {
	case ratio < 0.3:
		return RequiresWeighting
	case ratio > 0.7:
		return WellBalanced
	default:
		return ModeratelyImbalanced
	}
}
