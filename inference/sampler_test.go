package inference

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/pkg/errors"

	"github.com/medvision/kvasirnet/backbone"
	"github.com/medvision/kvasirnet/model"
)

// namePredictor predicts malignant for files whose name contains "mal"
type namePredictor struct {
	calls []string
	fail  string
}

func (p *namePredictor) Predict(path string) (model.Prediction, error) {
	p.calls = append(p.calls, path)
	if p.fail != "" && filepath.Base(path) == p.fail {
		return model.Prediction{}, errors.New("corrupt image")
	}
	if strings.Contains(filepath.Base(path), "mal") {
		return model.Prediction{Path: path, Probability: 0.9, Label: 1, Confidence: 0.9}, nil
	}
	return model.Prediction{Path: path, Probability: 0.2, Label: 0, Confidence: 0.8}, nil
}

func binaryLabels(t *testing.T) model.LabelMap {
	t.Helper()
	lm, err := model.NewLabelMap([]string{"benign", "malignant"})
	if err != nil {
		t.Fatal(err)
	}
	return lm
}

func touch(t *testing.T, dir string, names ...string) {
	t.Helper()
	if err := os.MkdirAll(dir, 0755); err != nil {
		t.Fatal(err)
	}
	for _, n := range names {
		if err := os.WriteFile(filepath.Join(dir, n), []byte("x"), 0644); err != nil {
			t.Fatal(err)
		}
	}
}

func numbered(prefix string, n int) []string {
	names := make([]string, n)
	for i := range names {
		names[i] = fmt.Sprintf("%s%02d.jpg", prefix, i)
	}
	return names
}

func TestRunDrawsAtMostAvailable(t *testing.T) {
	root := t.TempDir()
	touch(t, filepath.Join(root, "benign"), "a.jpg", "b.png", "mal_c.jpg", "notes.txt")
	touch(t, filepath.Join(root, "malignant"), numbered("mal", 15)...)

	p := &namePredictor{}
	r, err := NewSampler(p, binaryLabels(t), 10, 42).Run(root)
	if err != nil {
		t.Fatal(err)
	}
	if len(r.Classes) != 2 || r.Classes[0].Name != "benign" || r.Classes[1].Name != "malignant" {
		t.Fatalf("unexpected classes %+v", r.Classes)
	}

	benign := r.Classes[0]
	if benign.Available != 3 || len(benign.Samples) != 3 {
		t.Errorf("expected all 3 benign images drawn, got %d of %d", len(benign.Samples), benign.Available)
	}
	if benign.Correct() != 2 || benign.Accuracy() != 2.0/3.0 {
		t.Errorf("benign accuracy %d/%d", benign.Correct(), len(benign.Samples))
	}

	malignant := r.Classes[1]
	if len(malignant.Samples) != 10 {
		t.Errorf("expected 10 malignant draws, got %d", len(malignant.Samples))
	}
	seen := map[string]bool{}
	for _, s := range malignant.Samples {
		if seen[s.Path] {
			t.Errorf("%s drawn twice", s.Path)
		}
		seen[s.Path] = true
		if !s.Correct || s.TrueClass != 1 {
			t.Errorf("unexpected sample %+v", s)
		}
	}
	if r.Total() != 13 || len(p.calls) != 13 {
		t.Errorf("expected 13 predictions, got %d (%d calls)", r.Total(), len(p.calls))
	}
}

func TestRunIsSeeded(t *testing.T) {
	root := t.TempDir()
	touch(t, filepath.Join(root, "benign"), numbered("b", 20)...)
	touch(t, filepath.Join(root, "malignant"), numbered("mal", 20)...)

	draw := func(seed int64) []string {
		r, err := NewSampler(&namePredictor{}, binaryLabels(t), 5, seed).Run(root)
		if err != nil {
			t.Fatal(err)
		}
		var paths []string
		for _, c := range r.Classes {
			for _, s := range c.Samples {
				paths = append(paths, s.Path)
			}
		}
		return paths
	}
	a, b := draw(7), draw(7)
	if strings.Join(a, ",") != strings.Join(b, ",") {
		t.Error("same seed drew different samples")
	}
}

func TestRunEmptyClassFolder(t *testing.T) {
	root := t.TempDir()
	touch(t, filepath.Join(root, "benign"))
	touch(t, filepath.Join(root, "malignant"), "mal1.jpg")

	r, err := NewSampler(&namePredictor{}, binaryLabels(t), 10, 1).Run(root)
	if err != nil {
		t.Fatal(err)
	}
	if len(r.Classes[0].Samples) != 0 || r.Classes[0].Accuracy() != 0 {
		t.Errorf("empty class should report no samples: %+v", r.Classes[0])
	}
	if r.Accuracy() != 1 {
		t.Errorf("pooled accuracy %v, expected 1", r.Accuracy())
	}

	var buf bytes.Buffer
	r.Write(&buf)
	if !strings.Contains(buf.String(), "no images found") || !strings.Contains(buf.String(), "(1/1)") {
		t.Errorf("unexpected report:\n%s", buf.String())
	}
}

func TestRunFailsOnUnreadableImage(t *testing.T) {
	root := t.TempDir()
	touch(t, filepath.Join(root, "benign"), "a.jpg", "broken.jpg")
	touch(t, filepath.Join(root, "malignant"), "mal1.jpg")

	_, err := NewSampler(&namePredictor{fail: "broken.jpg"}, binaryLabels(t), 10, 1).Run(root)
	if err == nil || !strings.Contains(err.Error(), "broken.jpg") {
		t.Errorf("expected an error naming broken.jpg, got %v", err)
	}
}

func TestRunValidation(t *testing.T) {
	s := NewSampler(&namePredictor{}, binaryLabels(t), 0, 1)
	if _, err := s.Run(t.TempDir()); err == nil {
		t.Error("expected error for zero samples")
	}
	s = NewSampler(nil, binaryLabels(t), 5, 1)
	if _, err := s.Run(t.TempDir()); err == nil {
		t.Error("expected error for missing predictor")
	}
}

func TestRunWithClassifier(t *testing.T) {
	root := t.TempDir()
	for _, class := range []string{"benign", "malignant"} {
		dir := filepath.Join(root, class)
		if err := os.MkdirAll(dir, 0755); err != nil {
			t.Fatal(err)
		}
		for i := 0; i < 2; i++ {
			img := image.NewRGBA(image.Rect(0, 0, 20, 20))
			for y := 0; y < 20; y++ {
				for x := 0; x < 20; x++ {
					img.Set(x, y, color.RGBA{uint8(40 * i), 100, 200, 255})
				}
			}
			f, err := os.Create(filepath.Join(dir, fmt.Sprintf("img%d.png", i)))
			if err != nil {
				t.Fatal(err)
			}
			if err := png.Encode(f, img); err != nil {
				t.Fatal(err)
			}
			f.Close()
		}
	}

	e, err := backbone.NewExtractor(backbone.Spec{InputSize: 16, Width: 4, Stages: 2}, 3)
	if err != nil {
		t.Fatal(err)
	}
	head := model.DefaultHeadConfig()
	head.Hidden1, head.Hidden2 = 8, 4
	clf, err := model.Compose(e, head, 0)
	if err != nil {
		t.Fatal(err)
	}

	r, err := NewSampler(clf, binaryLabels(t), 10, 1).Run(root)
	if err != nil {
		t.Fatal(err)
	}
	if r.Total() != 4 {
		t.Fatalf("expected 4 predictions, got %d", r.Total())
	}
	for _, c := range r.Classes {
		for _, s := range c.Samples {
			if s.Confidence < 0.5 || s.Confidence > 1 {
				t.Errorf("confidence %v outside [0.5, 1]", s.Confidence)
			}
		}
	}
}
