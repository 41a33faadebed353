package dataset

import (
	"fmt"
	"io"
	"strings"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/medvision/kvasirnet/config"
)

// Summary describes one run of Prepare
type Summary struct {
	Benign         int
	Malignant      int
	MissingFolders []string
	Ratio          float64
	Balance        Balance
	Manifest       *Manifest
	Metadata       *Metadata
}

// Prepare collects both classes from cfg.DatasetRoot, splits them and writes
// the prepared layout to cfg.PreparedDir. A missing dataset root is reported
// as a *config.Error and an empty class as *EmptyClassError; in both cases
// nothing is written.
func Prepare(cfg *config.Config) (*Summary, error) {
	if err := cfg.RequireDatasetRoot(); err != nil {
		return nil, err
	}

	klog.Infof("Collecting benign images from %s", cfg.DatasetRoot)
	benign, missingB, err := Collect(cfg.DatasetRoot, Benign, cfg.BenignFolders, cfg.Extensions)
	if err != nil {
		return nil, err
	}
	klog.Infof("Collecting malignant images from %s", cfg.DatasetRoot)
	malignant, missingM, err := Collect(cfg.DatasetRoot, Malignant, cfg.MalignantFolders, cfg.Extensions)
	if err != nil {
		return nil, err
	}

	s := &Summary{
		Benign:         benign.Len(),
		Malignant:      malignant.Len(),
		MissingFolders: append(missingB, missingM...),
	}
	s.Ratio = BalanceRatio(s.Benign, s.Malignant)
	s.Balance = Diagnose(s.Ratio)

	klog.Infof("Collected %d benign and %d malignant images (%d total)", s.Benign, s.Malignant, s.Benign+s.Malignant)
	if s.Benign > 0 && s.Malignant > 0 {
		klog.Infof("Balance ratio %.2f%%: %s", 100*s.Ratio, s.Balance)
	}

	p, err := PartitionCorpus([]Collection{benign, malignant}, cfg.TestFraction, cfg.Seed)
	if err != nil {
		return nil, err
	}

	manifest, err := Materialize(p, cfg.PreparedDir)
	if err != nil {
		return nil, errors.Wrap(err, "failed to materialize partition")
	}
	if err := VerifyManifest(manifest); err != nil {
		return nil, errors.Wrap(err, "prepared layout does not match partition")
	}
	s.Manifest = manifest

	s.Metadata = NewMetadata(s.Benign, s.Malignant, p, manifest)
	s.Metadata.MissingFolders = s.MissingFolders
	if err := WriteMetadata(cfg.PreparedDir, s.Metadata); err != nil {
		return nil, err
	}
	klog.Infof("Prepared dataset written to %s", cfg.PreparedDir)
	return s, nil
}

// Report prints the train/test breakdown
func (s *Summary) Report(w io.Writer) {
	fmt.Fprintln(w, strings.Repeat("=", 60))
	fmt.Fprintln(w, "DATASET PREPARED")
	fmt.Fprintln(w, strings.Repeat("=", 60))
	fmt.Fprintf(w, "Source: %d benign, %d malignant, balance %.2f%% (%s)\n",
		s.Benign, s.Malignant, 100*s.Ratio, s.Balance)
	if len(s.MissingFolders) > 0 {
		fmt.Fprintf(w, "Missing folders: %s\n", strings.Join(s.MissingFolders, ", "))
	}
	if s.Manifest == nil {
		return
	}
	for _, split := range []struct {
		name   string
		counts map[Class]int
	}{{"TRAIN", s.Manifest.Train}, {"TEST", s.Manifest.Test}} {
		total := 0
		for _, c := range Classes {
			total += split.counts[c]
		}
		fmt.Fprintf(w, "\n%s SET:\n", split.name)
		for _, c := range Classes {
			n := split.counts[c]
			pct := 0.0
			if total > 0 {
				pct = 100 * float64(n) / float64(total)
			}
			fmt.Fprintf(w, "  %-10s %5d images (%.1f%%)\n", c.String()+":", n, pct)
		}
		fmt.Fprintf(w, "  %-10s %5d images\n", "total:", total)
	}
	fmt.Fprintf(w, "\nLocation: %s\n", s.Manifest.Root)
}
