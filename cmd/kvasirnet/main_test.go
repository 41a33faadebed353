package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestRunUsage(t *testing.T) {
	var stdout, stderr bytes.Buffer
	if code := run(nil, &stdout, &stderr); code != 2 {
		t.Errorf("expected exit 2 without a stage, got %d", code)
	}
	if !strings.Contains(stderr.String(), "Usage: kvasirnet") {
		t.Errorf("usage not printed: %q", stderr.String())
	}

	stderr.Reset()
	if code := run([]string{"-no-such-flag", "train"}, &stdout, &stderr); code != 2 {
		t.Errorf("expected exit 2 for an unknown flag, got %d", code)
	}
}

func TestRunReportsErrors(t *testing.T) {
	var stdout, stderr bytes.Buffer
	missing := filepath.Join(t.TempDir(), "nowhere")

	if code := run([]string{"-dataset", missing, "prepare"}, &stdout, &stderr); code != 1 {
		t.Errorf("expected exit 1 for a missing dataset, got %d", code)
	}
	if code := run([]string{"-threshold", "2", "prepare"}, &stdout, &stderr); code != 1 {
		t.Errorf("expected exit 1 for an invalid threshold, got %d", code)
	}
	if code := run([]string{"-config", missing + ".json", "prepare"}, &stdout, &stderr); code != 1 {
		t.Errorf("expected exit 1 for a missing config file, got %d", code)
	}
}

func TestFlagsOverrideConfigFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "cfg.json")
	body := `{"dataset_root": "/from/file", "epochs": 7, "batch_size": 8}`
	if err := os.WriteFile(path, []byte(body), 0644); err != nil {
		t.Fatal(err)
	}

	var stderr bytes.Buffer
	cfg, rest, err := parseArgs([]string{"-config", path, "-epochs", "3", "train"}, &stderr)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.DatasetRoot != "/from/file" || cfg.BatchSize != 8 {
		t.Errorf("file values lost: %+v", cfg)
	}
	if cfg.Epochs != 3 {
		t.Errorf("flag did not override the file: epochs=%d", cfg.Epochs)
	}
	if len(rest) != 1 || rest[0] != "train" {
		t.Errorf("unexpected arguments %v", rest)
	}
}
