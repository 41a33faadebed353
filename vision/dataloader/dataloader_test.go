package dataloader

import (
	"fmt"
	"image"
	"image/color"
	"image/png"
	"io"
	"os"
	"path/filepath"
	"sort"
	"testing"

	"github.com/pkg/errors"

	"github.com/medvision/kvasirnet/vision/preprocessing"
)

// MockDataset implements the Dataset interface for testing
type MockDataset struct {
	items []MockItem
}

type MockItem struct {
	imagePath string
	label     int
}

func (md *MockDataset) Len() int {
	return len(md.items)
}

func (md *MockDataset) GetItem(index int) (imagePath string, label int, err error) {
	if index < 0 || index >= len(md.items) {
		return "", 0, fmt.Errorf("index %d out of range [0, %d)", index, len(md.items))
	}
	item := md.items[index]
	return item.imagePath, item.label, nil
}

// newPNGDataset writes numItems small PNGs whose red channel encodes the
// item index, labeled alternately 0 and 1
func newPNGDataset(t *testing.T, numItems int) *MockDataset {
	t.Helper()
	dir := t.TempDir()
	ds := &MockDataset{}
	for i := 0; i < numItems; i++ {
		img := image.NewRGBA(image.Rect(0, 0, 12, 12))
		for y := 0; y < 12; y++ {
			for x := 0; x < 12; x++ {
				img.Set(x, y, color.RGBA{uint8(i * 10), 100, 50, 255})
			}
		}
		path := filepath.Join(dir, fmt.Sprintf("img_%02d.png", i))
		f, err := os.Create(path)
		if err != nil {
			t.Fatal(err)
		}
		if err := png.Encode(f, img); err != nil {
			t.Fatal(err)
		}
		f.Close()
		ds.items = append(ds.items, MockItem{imagePath: path, label: i % 2})
	}
	return ds
}

func TestNewDataLoaderValidation(t *testing.T) {
	ds := newPNGDataset(t, 2)
	tests := []struct {
		name    string
		dataset Dataset
		config  Config
	}{
		{"empty dataset", &MockDataset{}, Config{BatchSize: 2, ImageSize: 8}},
		{"zero batch size", ds, Config{BatchSize: 0, ImageSize: 8}},
		{"zero image size", ds, Config{BatchSize: 2}},
		{"bad augmenter", ds, Config{BatchSize: 2, ImageSize: 8, Augmenter: &preprocessing.Augmenter{ZoomRange: 2}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := NewDataLoader(tt.dataset, tt.config); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestEvalLoaderIsFiniteAndOrdered(t *testing.T) {
	ds := newPNGDataset(t, 5)
	dl, err := NewEvalLoader(ds, Config{BatchSize: 2, ImageSize: 8, Shuffle: true})
	if err != nil {
		t.Fatal(err)
	}
	if dl.StepsPerEpoch() != 3 {
		t.Errorf("expected 3 steps, got %d", dl.StepsPerEpoch())
	}

	for pass := 0; pass < 2; pass++ {
		var paths []string
		var sizes []int
		for {
			b, err := dl.Next()
			if err == io.EOF {
				break
			}
			if err != nil {
				t.Fatalf("Next failed: %v", err)
			}
			if got := b.Images.Shape; len(got) != 4 || got[0] != b.Size() || got[1] != 3 || got[2] != 8 {
				t.Fatalf("unexpected batch shape %v", got)
			}
			paths = append(paths, b.Paths...)
			sizes = append(sizes, b.Size())
		}
		if fmt.Sprint(sizes) != "[2 2 1]" {
			t.Errorf("pass %d: batch sizes %v", pass, sizes)
		}
		for i, p := range paths {
			if p != ds.items[i].imagePath {
				t.Fatalf("pass %d: item %d out of order: %s", pass, i, p)
			}
		}
		dl.Reset()
	}
}

func TestEvalLoaderNormalizesWithoutAugmentation(t *testing.T) {
	ds := newPNGDataset(t, 3)
	aug := preprocessing.DefaultAugmenter()
	dl, err := NewEvalLoader(ds, Config{BatchSize: 3, ImageSize: 8, Augmenter: &aug})
	if err != nil {
		t.Fatal(err)
	}
	b, err := dl.Next()
	if err != nil {
		t.Fatal(err)
	}
	plane := 3 * 8 * 8
	for i := 0; i < 3; i++ {
		sample := b.Images.Data[i*plane : (i+1)*plane]
		want := float32(i*10) / 255
		// Solid image: every red pixel equals the encoded value
		for _, v := range sample[:64] {
			if d := v - want; d > 0.01 || d < -0.01 {
				t.Fatalf("sample %d: red %v, want %v", i, v, want)
			}
		}
	}
}

func TestTrainLoaderCyclesAndReshuffles(t *testing.T) {
	ds := newPNGDataset(t, 7)
	aug := preprocessing.DefaultAugmenter()
	dl, err := NewTrainLoader(ds, Config{BatchSize: 3, ImageSize: 8, Augmenter: &aug, Seed: 5})
	if err != nil {
		t.Fatal(err)
	}

	steps := dl.StepsPerEpoch()
	epochs := make([][]string, 3)
	for e := 0; e < 3; e++ {
		for s := 0; s < steps; s++ {
			b, err := dl.Next()
			if err != nil {
				t.Fatalf("epoch %d step %d: %v", e, s, err)
			}
			if b.Epoch != e || b.Step != s {
				t.Fatalf("expected epoch %d step %d, got %d/%d", e, s, b.Epoch, b.Step)
			}
			epochs[e] = append(epochs[e], b.Paths...)
		}
	}

	for e, paths := range epochs {
		if len(paths) != 7 {
			t.Fatalf("epoch %d saw %d samples", e, len(paths))
		}
		sorted := append([]string(nil), paths...)
		sort.Strings(sorted)
		for i := 1; i < len(sorted); i++ {
			if sorted[i] == sorted[i-1] {
				t.Fatalf("epoch %d repeated %s", e, sorted[i])
			}
		}
	}
	if fmt.Sprint(epochs[0]) == fmt.Sprint(epochs[1]) && fmt.Sprint(epochs[1]) == fmt.Sprint(epochs[2]) {
		t.Error("expected the order to change between epochs")
	}
	if dl.Epoch() != 2 {
		t.Errorf("expected epoch 2, got %d", dl.Epoch())
	}
}

func TestTrainLoaderIsReproducible(t *testing.T) {
	ds := newPNGDataset(t, 6)
	aug := preprocessing.DefaultAugmenter()
	load := func() []float32 {
		dl, err := NewTrainLoader(ds, Config{BatchSize: 4, ImageSize: 8, Augmenter: &aug, Seed: 11, NumWorkers: 3})
		if err != nil {
			t.Fatal(err)
		}
		var out []float32
		for i := 0; i < 3; i++ {
			b, err := dl.Next()
			if err != nil {
				t.Fatal(err)
			}
			out = append(out, b.Images.Data...)
		}
		return out
	}
	a, b := load(), load()
	for i := range a {
		if a[i] != b[i] {
			t.Fatalf("same seed produced different batches at %d", i)
		}
	}
}

func TestUnreadableImageFailsBatch(t *testing.T) {
	ds := newPNGDataset(t, 3)
	broken := filepath.Join(t.TempDir(), "broken.png")
	if err := os.WriteFile(broken, []byte("nope"), 0644); err != nil {
		t.Fatal(err)
	}
	ds.items[1].imagePath = broken

	dl, err := NewEvalLoader(ds, Config{BatchSize: 3, ImageSize: 8})
	if err != nil {
		t.Fatal(err)
	}
	_, err = dl.Next()
	var decodeErr *preprocessing.DecodeError
	if !errors.As(err, &decodeErr) || decodeErr.Path != broken {
		t.Fatalf("expected DecodeError naming %s, got %v", broken, err)
	}
}

func TestSharedLoadersUseOneCache(t *testing.T) {
	train := newPNGDataset(t, 4)
	eval := newPNGDataset(t, 2)
	trainLoader, evalLoader, err := CreateSharedDataLoaders(train, eval, Config{BatchSize: 2, ImageSize: 8})
	if err != nil {
		t.Fatal(err)
	}
	if trainLoader.GetCacheManager() != evalLoader.GetCacheManager() {
		t.Fatal("loaders should share a cache")
	}

	if _, err := evalLoader.Next(); err != nil {
		t.Fatal(err)
	}
	// Second pass is served from cache
	evalLoader.Reset()
	if _, err := evalLoader.Next(); err != nil {
		t.Fatal(err)
	}
	stats := evalLoader.GetCacheManager().Stats()
	if stats.Hits != 2 || stats.Misses != 2 {
		t.Errorf("expected 2 hits and 2 misses, got %s", stats)
	}

	single := NewCachedImageLoader(evalLoader.GetCacheManager(), 8)
	if _, err := single.LoadImage(eval.items[0].imagePath); err != nil {
		t.Fatal(err)
	}
	if got := evalLoader.GetCacheManager().Stats().Hits; got != 3 {
		t.Errorf("expected single-image load to hit the cache, hits=%d", got)
	}
}
