package dataset

import (
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

const (
	TrainDir     = "train"
	TestDir      = "test"
	MetadataFile = "dataset_info.json"
)

// Manifest holds the realized per-class counts of a materialized partition
type Manifest struct {
	Root  string
	Train map[Class]int
	Test  map[Class]int
}

// PreparedName is the file name a record gets in the prepared layout:
// its source parent folder, an underscore and its original file name
func PreparedName(path string) string {
	return filepath.Base(filepath.Dir(path)) + "_" + filepath.Base(path)
}

// Materialize writes the partition to outRoot/{train,test}/<class>/. Any
// existing outRoot is removed first, so re-running with the same inputs
// reproduces the same tree.
func Materialize(p *Partition, outRoot string) (*Manifest, error) {
	if _, err := os.Stat(outRoot); err == nil {
		klog.Infof("Removing previous prepared dataset at %s", outRoot)
		if err := os.RemoveAll(outRoot); err != nil {
			return nil, errors.Wrap(err, "failed to remove previous output")
		}
	}

	m := &Manifest{Root: outRoot, Train: map[Class]int{}, Test: map[Class]int{}}
	for _, split := range []struct {
		dir    string
		cells  map[Class]Collection
		counts map[Class]int
	}{{TrainDir, p.Train, m.Train}, {TestDir, p.Test, m.Test}} {
		for _, c := range Classes {
			dir := filepath.Join(outRoot, split.dir, c.String())
			if err := os.MkdirAll(dir, 0755); err != nil {
				return nil, errors.Wrapf(err, "failed to create %s", dir)
			}
			col := split.cells[c]
			klog.Infof("Copying %s/%s: %d images", split.dir, c, col.Len())
			n, err := copyCollection(col, dir)
			if err != nil {
				return nil, err
			}
			split.counts[c] = n
		}
	}
	return m, nil
}

func copyCollection(col Collection, dir string) (int, error) {
	seen := make(map[string]string, col.Len())
	names := make([]string, col.Len())
	for i, r := range col.Records {
		name := PreparedName(r.Path)
		if prev, ok := seen[name]; ok {
			return 0, errors.Errorf("name collision in %s: %s and %s both map to %s", dir, prev, r.Path, name)
		}
		seen[name] = r.Path
		names[i] = name
	}

	for i, r := range col.Records {
		if err := copyFile(r.Path, filepath.Join(dir, names[i])); err != nil {
			return i, err
		}
		if (i+1)%100 == 0 {
			klog.V(2).Infof("  copied %d/%d", i+1, col.Len())
		}
	}
	return col.Len(), nil
}

// copyFile copies contents and permission bits and keeps the modification time
func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return errors.Wrapf(err, "failed to open %s", src)
	}
	defer in.Close()

	info, err := in.Stat()
	if err != nil {
		return errors.Wrapf(err, "failed to stat %s", src)
	}

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_EXCL, info.Mode().Perm())
	if err != nil {
		return errors.Wrapf(err, "failed to create %s", dst)
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return errors.Wrapf(err, "failed to copy %s", src)
	}
	if err := out.Close(); err != nil {
		return errors.Wrapf(err, "failed to close %s", dst)
	}
	return os.Chtimes(dst, info.ModTime(), info.ModTime())
}

// VerifyManifest re-lists the prepared directories and fails if any cell on
// disk holds a different number of files than the manifest recorded
func VerifyManifest(m *Manifest) error {
	for _, split := range []struct {
		dir    string
		counts map[Class]int
	}{{TrainDir, m.Train}, {TestDir, m.Test}} {
		for _, c := range Classes {
			dir := filepath.Join(m.Root, split.dir, c.String())
			entries, err := os.ReadDir(dir)
			if err != nil {
				return errors.Wrapf(err, "failed to list %s", dir)
			}
			files := 0
			for _, e := range entries {
				if !e.IsDir() {
					files++
				}
			}
			if files != split.counts[c] {
				return errors.Errorf("%s/%s: %d files on disk, %d expected", split.dir, c, files, split.counts[c])
			}
		}
	}
	return nil
}

// Metadata is the dataset_info.json sidecar
type Metadata struct {
	TotalImages    int            `json:"total_images"`
	BenignCount    int            `json:"benign_count"`
	MalignantCount int            `json:"malignant_count"`
	BalanceRatio   float64        `json:"balance_ratio"`
	TrainFraction  float64        `json:"train_fraction"`
	TestFraction   float64        `json:"test_fraction"`
	Seed           int64          `json:"seed"`
	TrainCounts    map[string]int `json:"train_counts"`
	TestCounts     map[string]int `json:"test_counts"`
	MissingFolders []string       `json:"missing_folders,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
}

// NewMetadata builds the sidecar for a materialized partition
func NewMetadata(benign, malignant int, p *Partition, m *Manifest) *Metadata {
	md := &Metadata{
		TotalImages:    benign + malignant,
		BenignCount:    benign,
		MalignantCount: malignant,
		BalanceRatio:   BalanceRatio(benign, malignant),
		TrainFraction:  1 - p.TestFraction,
		TestFraction:   p.TestFraction,
		Seed:           p.Seed,
		TrainCounts:    map[string]int{},
		TestCounts:     map[string]int{},
		CreatedAt:      time.Now().UTC(),
	}
	for _, c := range Classes {
		md.TrainCounts[c.String()] = m.Train[c]
		md.TestCounts[c.String()] = m.Test[c]
	}
	return md
}

// WriteMetadata writes md as indented JSON to root/dataset_info.json
func WriteMetadata(root string, md *Metadata) error {
	data, err := json.MarshalIndent(md, "", "  ")
	if err != nil {
		return errors.Wrap(err, "failed to encode metadata")
	}
	return errors.Wrap(os.WriteFile(filepath.Join(root, MetadataFile), data, 0644), "failed to write metadata")
}

// ReadMetadata loads root/dataset_info.json
func ReadMetadata(root string) (*Metadata, error) {
	data, err := os.ReadFile(filepath.Join(root, MetadataFile))
	if err != nil {
		return nil, errors.Wrap(err, "failed to read metadata")
	}
	var md Metadata
	if err := json.Unmarshal(data, &md); err != nil {
		return nil, errors.Wrap(err, "failed to decode metadata")
	}
	return &md, nil
}
