package dataset

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/pkg/errors"

	"github.com/medvision/kvasirnet/config"
)

// createSourceTree writes n mock images into each root/folder
func createSourceTree(t *testing.T, root string, folders map[string]int) {
	t.Helper()
	for folder, n := range folders {
		dir := filepath.Join(root, filepath.FromSlash(folder))
		if err := os.MkdirAll(dir, 0755); err != nil {
			t.Fatal(err)
		}
		for i := 0; i < n; i++ {
			createMockImageFile(t, filepath.Join(dir, fmt.Sprintf("img_%03d.jpg", i)))
		}
	}
}

func testConfig(t *testing.T, benign, malignant []string) *config.Config {
	cfg := config.Default()
	cfg.DatasetRoot = filepath.Join(t.TempDir(), "source")
	cfg.PreparedDir = filepath.Join(t.TempDir(), "prepared")
	cfg.BenignFolders = benign
	cfg.MalignantFolders = malignant
	return cfg
}

func TestCollectSkipsMissingFolders(t *testing.T) {
	root := t.TempDir()
	createSourceTree(t, root, map[string]int{"a/x": 3, "a/y": 2})
	if err := os.WriteFile(filepath.Join(root, "a", "x", "notes.txt"), []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}

	col, missing, err := Collect(root, Malignant, []string{"a/x", "a/missing", "a/y"}, nil)
	if err != nil {
		t.Fatalf("Collect failed: %v", err)
	}
	if col.Len() != 5 {
		t.Errorf("expected 5 records, got %d", col.Len())
	}
	if len(missing) != 1 || missing[0] != "a/missing" {
		t.Errorf("expected a/missing to be reported, got %v", missing)
	}
	// Folder order, then lexical file order
	if col.Records[0].SourceFolder != "a/x" || col.Records[4].SourceFolder != "a/y" {
		t.Errorf("unexpected discovery order: %v", col.Records)
	}
	for _, r := range col.Records {
		if r.Class != Malignant {
			t.Fatalf("record %s has class %s", r.Path, r.Class)
		}
	}
}

func TestCollectFailsOnUnreadableFolder(t *testing.T) {
	root := t.TempDir()
	createSourceTree(t, root, map[string]int{"a/x": 2})
	if err := os.WriteFile(filepath.Join(root, "a", "notes.txt"), []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}

	// Stat through a regular file fails with ENOTDIR, not "does not exist"
	_, missing, err := Collect(root, Benign, []string{"a/x", "a/notes.txt/sub"}, nil)
	if err == nil {
		t.Fatalf("expected an error, got missing=%v", missing)
	}
	if os.IsNotExist(errors.Cause(err)) {
		t.Errorf("error should not be a not-exist error: %v", err)
	}
	if !strings.Contains(err.Error(), "notes.txt") {
		t.Errorf("error should name the folder: %v", err)
	}
}

// 100 benign + 20 malignant, test fraction 0.2, seed 42
func TestPrepareImbalancedCorpus(t *testing.T) {
	cfg := testConfig(t, []string{"healthy/cecum", "healthy/ileum"}, []string{"findings/polyps"})
	createSourceTree(t, cfg.DatasetRoot, map[string]int{
		"healthy/cecum":   60,
		"healthy/ileum":   40,
		"findings/polyps": 20,
	})

	s, err := Prepare(cfg)
	if err != nil {
		t.Fatalf("Prepare failed: %v", err)
	}

	if s.Benign != 100 || s.Malignant != 20 {
		t.Errorf("collected %d/%d, want 100/20", s.Benign, s.Malignant)
	}
	if s.Ratio != 0.2 || s.Balance != RequiresWeighting {
		t.Errorf("ratio %v (%v), want 0.2 requiring weighting", s.Ratio, s.Balance)
	}

	want := map[string]int{"train/benign": 80, "train/malignant": 16, "test/benign": 20, "test/malignant": 4}
	for cell, n := range want {
		entries, err := os.ReadDir(filepath.Join(cfg.PreparedDir, filepath.FromSlash(cell)))
		if err != nil {
			t.Fatal(err)
		}
		if len(entries) != n {
			t.Errorf("%s: %d files, want %d", cell, len(entries), n)
		}
		for _, e := range entries {
			if !strings.HasPrefix(e.Name(), "cecum_") && !strings.HasPrefix(e.Name(), "ileum_") &&
				!strings.HasPrefix(e.Name(), "polyps_") {
				t.Errorf("%s: file %s lacks its parent-folder prefix", cell, e.Name())
			}
		}
	}

	md, err := ReadMetadata(cfg.PreparedDir)
	if err != nil {
		t.Fatalf("ReadMetadata: %v", err)
	}
	if md.TotalImages != 120 || md.BenignCount != 100 || md.MalignantCount != 20 {
		t.Errorf("unexpected metadata counts %+v", md)
	}
	if md.TrainFraction+md.TestFraction != 1 || md.Seed != 42 {
		t.Errorf("unexpected metadata fractions %+v", md)
	}
	if md.TrainCounts["malignant"] != 16 || md.TestCounts["benign"] != 20 {
		t.Errorf("unexpected realized counts %v %v", md.TrainCounts, md.TestCounts)
	}

	var buf bytes.Buffer
	s.Report(&buf)
	if !strings.Contains(buf.String(), "TRAIN SET") || !strings.Contains(buf.String(), "96 images") {
		t.Errorf("report missing totals:\n%s", buf.String())
	}
}

func TestPrepareWithMissingMalignantFolder(t *testing.T) {
	cfg := testConfig(t, []string{"b1"}, []string{"m1", "m-missing", "m2"})
	createSourceTree(t, cfg.DatasetRoot, map[string]int{"b1": 30, "m1": 6, "m2": 4})

	s, err := Prepare(cfg)
	if err != nil {
		t.Fatalf("Prepare failed: %v", err)
	}
	if s.Malignant != 10 {
		t.Errorf("malignant count %d, want 10 (existing folders only)", s.Malignant)
	}
	if len(s.MissingFolders) != 1 || s.MissingFolders[0] != "m-missing" {
		t.Errorf("missing folders %v", s.MissingFolders)
	}
	if want := 10.0 / 30.0; s.Ratio != want {
		t.Errorf("ratio %v, want %v", s.Ratio, want)
	}
}

func TestPrepareBothClassesEmpty(t *testing.T) {
	cfg := testConfig(t, []string{"b1"}, []string{"m1"})
	createSourceTree(t, cfg.DatasetRoot, map[string]int{"b1": 0, "m1": 0})

	_, err := Prepare(cfg)
	var emptyErr *EmptyClassError
	if !errors.As(err, &emptyErr) {
		t.Fatalf("expected *EmptyClassError, got %v", err)
	}
	if _, statErr := os.Stat(cfg.PreparedDir); !os.IsNotExist(statErr) {
		t.Errorf("output directory should not exist, stat: %v", statErr)
	}
}

func TestPrepareMissingRoot(t *testing.T) {
	cfg := testConfig(t, []string{"b1"}, []string{"m1"})
	_, err := Prepare(cfg)
	var cfgErr *config.Error
	if !errors.As(err, &cfgErr) {
		t.Fatalf("expected *config.Error, got %v", err)
	}
	if _, statErr := os.Stat(cfg.PreparedDir); !os.IsNotExist(statErr) {
		t.Error("output directory should not be created")
	}
}

func TestPrepareIsIdempotent(t *testing.T) {
	cfg := testConfig(t, []string{"b1"}, []string{"m1"})
	createSourceTree(t, cfg.DatasetRoot, map[string]int{"b1": 12, "m1": 8})

	if err := os.MkdirAll(filepath.Join(cfg.PreparedDir, "stale"), 0755); err != nil {
		t.Fatal(err)
	}
	first, err := Prepare(cfg)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(filepath.Join(cfg.PreparedDir, "stale")); !os.IsNotExist(err) {
		t.Error("stale output should have been removed")
	}
	listing := func() []string {
		var names []string
		for _, split := range []string{TrainDir, TestDir} {
			for _, c := range Classes {
				entries, _ := os.ReadDir(filepath.Join(cfg.PreparedDir, split, c.String()))
				for _, e := range entries {
					names = append(names, split+"/"+c.String()+"/"+e.Name())
				}
			}
		}
		return names
	}
	before := listing()

	second, err := Prepare(cfg)
	if err != nil {
		t.Fatal(err)
	}
	after := listing()
	if strings.Join(before, "\n") != strings.Join(after, "\n") {
		t.Error("re-running Prepare produced a different layout")
	}
	if first.Manifest.Train[Benign] != second.Manifest.Train[Benign] {
		t.Error("manifests differ between runs")
	}
}

func TestMaterializePreservesModTime(t *testing.T) {
	cfg := testConfig(t, []string{"b1"}, []string{"m1"})
	createSourceTree(t, cfg.DatasetRoot, map[string]int{"b1": 5, "m1": 5})
	stamp := time.Date(2020, 1, 2, 3, 4, 5, 0, time.UTC)
	src := filepath.Join(cfg.DatasetRoot, "b1", "img_000.jpg")
	if err := os.Chtimes(src, stamp, stamp); err != nil {
		t.Fatal(err)
	}

	if _, err := Prepare(cfg); err != nil {
		t.Fatal(err)
	}
	var found bool
	for _, split := range []string{TrainDir, TestDir} {
		info, err := os.Stat(filepath.Join(cfg.PreparedDir, split, "benign", "b1_img_000.jpg"))
		if err != nil {
			continue
		}
		found = true
		if !info.ModTime().Equal(stamp) {
			t.Errorf("mod time %v, want %v", info.ModTime(), stamp)
		}
	}
	if !found {
		t.Fatal("copied file not found in either split")
	}
}

func TestMaterializeRejectsNameCollision(t *testing.T) {
	p := &Partition{
		Train: map[Class]Collection{
			Benign: {Class: Benign, Records: []Record{
				{Path: "/a/cecum/1.jpg", Class: Benign},
				{Path: "/b/cecum/1.jpg", Class: Benign},
			}},
			Malignant: {Class: Malignant},
		},
		Test: map[Class]Collection{Benign: {Class: Benign}, Malignant: {Class: Malignant}},
	}
	_, err := Materialize(p, filepath.Join(t.TempDir(), "out"))
	if err == nil || !strings.Contains(err.Error(), "name collision") {
		t.Errorf("expected name collision error, got %v", err)
	}
}

func TestVerifyManifestDetectsDrift(t *testing.T) {
	cfg := testConfig(t, []string{"b1"}, []string{"m1"})
	createSourceTree(t, cfg.DatasetRoot, map[string]int{"b1": 10, "m1": 10})
	s, err := Prepare(cfg)
	if err != nil {
		t.Fatal(err)
	}
	if err := VerifyManifest(s.Manifest); err != nil {
		t.Fatalf("fresh layout should verify: %v", err)
	}

	extra := filepath.Join(cfg.PreparedDir, TrainDir, "malignant", "intruder.jpg")
	createMockImageFile(t, extra)
	if err := VerifyManifest(s.Manifest); err == nil {
		t.Error("expected drift to be detected")
	}
}
