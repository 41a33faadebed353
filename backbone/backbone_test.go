package backbone

import (
	"path/filepath"
	"testing"

	"github.com/medvision/kvasirnet/layers"
	"github.com/medvision/kvasirnet/tensor"
)

func smallSpec() Spec {
	return Spec{InputSize: 16, Width: 4, Stages: 4}
}

func TestSpecLayers(t *testing.T) {
	tests := []struct {
		spec Spec
		want int
	}{
		{DefaultSpec(224, 32), 27},
		{smallSpec(), 15},
		{Spec{InputSize: 8, Width: 2}, 3},
	}
	for _, tt := range tests {
		ms, err := tt.spec.ModelSpec()
		if err != nil {
			t.Fatalf("%+v: %v", tt.spec, err)
		}
		if tt.spec.Layers() != tt.want || len(ms.Layers) != tt.want {
			t.Errorf("%+v: Layers() = %d, compiled %d, want %d", tt.spec, tt.spec.Layers(), len(ms.Layers), tt.want)
		}
	}
}

func TestDefaultSpecOutputShape(t *testing.T) {
	ms, err := DefaultSpec(224, 32).ModelSpec()
	if err != nil {
		t.Fatal(err)
	}
	want := []int{256, 7, 7}
	for i, d := range want {
		if ms.OutputShape[i] != d {
			t.Fatalf("expected output %v, got %v", want, ms.OutputShape)
		}
	}
}

func TestSpecValidate(t *testing.T) {
	for _, s := range []Spec{{Width: 4}, {InputSize: 8}, {InputSize: 8, Width: 4, Stages: -1}} {
		if err := s.Validate(); err == nil {
			t.Errorf("%+v: expected error", s)
		}
	}
}

func TestInstantiateTrainableTail(t *testing.T) {
	e, err := NewExtractor(smallSpec(), 1)
	if err != nil {
		t.Fatal(err)
	}
	tests := []struct {
		tail     int
		wantFrom int
	}{
		{0, 15},
		{1, 14},
		{6, 9},
		{15, 0},
		{40, 0},
	}
	for _, tt := range tests {
		net, err := e.Instantiate(tt.tail)
		if err != nil {
			t.Fatalf("tail %d: %v", tt.tail, err)
		}
		if net.TrainableFrom() != tt.wantFrom {
			t.Errorf("tail %d: trainable from %d, want %d", tt.tail, net.TrainableFrom(), tt.wantFrom)
		}
		trainable := 0
		for i := 0; i < net.NumLayers(); i++ {
			if net.IsTrainable(i) {
				trainable++
			}
		}
		if want := net.NumLayers() - tt.wantFrom; trainable != want {
			t.Errorf("tail %d: %d trainable layers, want %d", tt.tail, trainable, want)
		}
	}

	// Tail of one unfreezes a ReLU, which has no parameters
	net, _ := e.Instantiate(1)
	if n := len(net.TrainableParams()); n != 0 {
		t.Errorf("expected no trainable params with only the last ReLU unfrozen, got %d", n)
	}
	// Tail of three reaches the last conv
	net, _ = e.Instantiate(3)
	if n := len(net.TrainableParams()); n != 3 {
		t.Errorf("expected conv weight, gamma and beta trainable, got %d", n)
	}

	if _, err := e.Instantiate(-1); err == nil {
		t.Error("expected error for negative tail")
	}
}

func TestInstantiateIsSeeded(t *testing.T) {
	a, _ := NewExtractor(smallSpec(), 7)
	b, _ := NewExtractor(smallSpec(), 7)
	na, err := a.Instantiate(0)
	if err != nil {
		t.Fatal(err)
	}
	nb, err := b.Instantiate(0)
	if err != nil {
		t.Fatal(err)
	}
	pa, pb := na.AllParams(), nb.AllParams()
	for i := range pa {
		for j := range pa[i].Value.Data {
			if pa[i].Value.Data[j] != pb[i].Value.Data[j] {
				t.Fatalf("%s differs between equally seeded extractors", pa[i].Name)
			}
		}
	}
}

func TestPretrainedRoundTrip(t *testing.T) {
	spec := smallSpec()
	src, _ := NewExtractor(spec, 3)
	net, err := src.Instantiate(0)
	if err != nil {
		t.Fatal(err)
	}

	// Extend with a head so SavePretrained must filter to backbone layers
	mb := layers.NewModelBuilder(spec.InputShape())
	full, err := spec.Build(mb).AddGlobalAvgPool2D("gap").AddDense(1, true, "fc").Compile()
	if err != nil {
		t.Fatal(err)
	}
	fullNet, err := layers.NewNetwork(full, 0, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := src.InitWeights(fullNet); err != nil {
		t.Fatal(err)
	}
	if src.Pretrained() {
		t.Fatal("seeded extractor should not report pretrained weights")
	}
	// Seeded extractor leaves the network as initialized; copy net into it
	for i, p := range net.AllParams() {
		copy(fullNet.AllParams()[i].Value.Data, p.Value.Data)
	}

	path := filepath.Join(t.TempDir(), "backbone.bin")
	if err := SavePretrained(path, spec, fullNet); err != nil {
		t.Fatal(err)
	}

	loaded, err := LoadPretrained(path, spec, 99)
	if err != nil {
		t.Fatal(err)
	}
	if !loaded.Pretrained() {
		t.Fatal("expected pretrained extractor")
	}
	restored, err := loaded.Instantiate(2)
	if err != nil {
		t.Fatal(err)
	}

	x := tensor.Zeros(2, 3, 16, 16)
	for i := range x.Data {
		x.Data[i] = float32(i%13) / 13
	}
	want, err := net.Forward(x, false)
	if err != nil {
		t.Fatal(err)
	}
	got, err := restored.Forward(x, false)
	if err != nil {
		t.Fatal(err)
	}
	for i := range want.Data {
		if want.Data[i] != got.Data[i] {
			t.Fatalf("feature %d: %v != %v", i, got.Data[i], want.Data[i])
		}
	}
}

func TestLoadPretrainedRejectsOtherArchitecture(t *testing.T) {
	spec := smallSpec()
	src, _ := NewExtractor(spec, 3)
	net, err := src.Instantiate(0)
	if err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(t.TempDir(), "backbone.bin")
	if err := SavePretrained(path, spec, net); err != nil {
		t.Fatal(err)
	}

	wider := spec
	wider.Width = 8
	if _, err := LoadPretrained(path, wider, 0); err == nil {
		t.Error("expected shape mismatch for a wider backbone")
	}
	deeper := spec
	deeper.Stages = 6
	if _, err := LoadPretrained(path, deeper, 0); err == nil {
		t.Error("expected missing tensors for a deeper backbone")
	}
	if _, err := LoadPretrained(filepath.Join(t.TempDir(), "missing.bin"), spec, 0); err == nil {
		t.Error("expected error for a missing file")
	}
}
