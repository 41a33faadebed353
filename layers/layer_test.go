package layers

import (
	"encoding/json"
	"math"
	"math/rand"
	"testing"

	"github.com/medvision/kvasirnet/tensor"
)

func buildTestSpec(t *testing.T) *ModelSpec {
	t.Helper()
	spec, err := NewModelBuilder([]int{2, 5, 5}).
		AddConv2D(3, 3, 1, 1, true, "conv1").
		AddBatchNorm(1e-3, 0.9, "bn1").
		AddGlobalAvgPool2D("pool").
		AddDense(4, true, "fc1").
		AddDense(1, true, "fc2").
		AddSigmoid("out").
		Compile()
	if err != nil {
		t.Fatalf("Failed to compile model: %v", err)
	}
	return spec
}

func TestCompileShapes(t *testing.T) {
	spec := buildTestSpec(t)

	tests := []struct {
		layer  int
		output []int
		params int64
	}{
		{0, []int{3, 5, 5}, 3*2*3*3 + 3},
		{1, []int{3, 5, 5}, 6},
		{2, []int{3}, 0},
		{3, []int{4}, 3*4 + 4},
		{4, []int{1}, 4 + 1},
		{5, []int{1}, 0},
	}
	for _, tt := range tests {
		ls := spec.Layers[tt.layer]
		if !intsEqual(ls.OutputShape, tt.output) {
			t.Errorf("Layer %s: expected output %v, got %v", ls.Name, tt.output, ls.OutputShape)
		}
		if ls.ParameterCount != tt.params {
			t.Errorf("Layer %s: expected %d params, got %d", ls.Name, tt.params, ls.ParameterCount)
		}
	}
	if spec.TotalParameters != 57+6+16+5 {
		t.Errorf("Expected 84 total parameters, got %d", spec.TotalParameters)
	}
}

func TestCompileErrors(t *testing.T) {
	t.Run("Empty", func(t *testing.T) {
		if _, err := NewModelBuilder([]int{3}).Compile(); err == nil {
			t.Error("Expected error for empty model")
		}
	})
	t.Run("DuplicateName", func(t *testing.T) {
		_, err := NewModelBuilder([]int{3}).AddDense(2, true, "fc").AddDense(2, true, "fc").Compile()
		if err == nil {
			t.Error("Expected error for duplicate layer names")
		}
	})
	t.Run("DenseOnImage", func(t *testing.T) {
		_, err := NewModelBuilder([]int{3, 4, 4}).AddDense(2, true, "fc").Compile()
		if err == nil {
			t.Error("Expected error for dense layer on 3D input")
		}
	})
	t.Run("BadDropout", func(t *testing.T) {
		_, err := NewModelBuilder([]int{3}).AddDropout(1.0, "drop").Compile()
		if err == nil {
			t.Error("Expected error for dropout rate 1.0")
		}
	})
}

func TestSpecSurvivesJSON(t *testing.T) {
	spec := buildTestSpec(t)
	data, err := json.Marshal(spec)
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}
	var decoded ModelSpec
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}

	rebuilt, err := NewModelBuilder(decoded.InputShape).AddLayers(decoded.Layers...).Compile()
	if err != nil {
		t.Fatalf("Recompile failed: %v", err)
	}
	if rebuilt.TotalParameters != spec.TotalParameters {
		t.Errorf("Expected %d parameters after JSON round trip, got %d", spec.TotalParameters, rebuilt.TotalParameters)
	}
}

func randomInput(rng *rand.Rand, shape ...int) *tensor.Tensor {
	x := tensor.Zeros(shape...)
	for i := range x.Data {
		x.Data[i] = float32(rng.NormFloat64())
	}
	return x
}

// weightedSum is the scalar objective sum(y * r) used for gradient checks
func weightedSum(y, r *tensor.Tensor) float64 {
	var s float64
	for i := range y.Data {
		s += float64(y.Data[i]) * float64(r.Data[i])
	}
	return s
}

func TestNetworkGradients(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	net, err := NewNetwork(buildTestSpec(t), 0, rng)
	if err != nil {
		t.Fatalf("NewNetwork failed: %v", err)
	}

	x := randomInput(rng, 3, 2, 5, 5)
	r := randomInput(rng, 3, 1)

	y, err := net.Forward(x, true)
	if err != nil {
		t.Fatalf("Forward failed: %v", err)
	}
	if !intsEqual(y.Shape, []int{3, 1}) {
		t.Fatalf("Expected output [3 1], got %v", y.Shape)
	}
	net.ZeroGrad()
	if err := net.Backward(r); err != nil {
		t.Fatalf("Backward failed: %v", err)
	}

	const eps = 1e-2
	checked := 0
	for _, p := range net.TrainableParams() {
		for _, idx := range []int{0, p.Value.NumElems / 2, p.Value.NumElems - 1} {
			orig := p.Value.Data[idx]

			p.Value.Data[idx] = orig + eps
			yp, _ := net.Forward(x, true)
			p.Value.Data[idx] = orig - eps
			ym, _ := net.Forward(x, true)
			p.Value.Data[idx] = orig

			numeric := (weightedSum(yp, r) - weightedSum(ym, r)) / (2 * eps)
			analytic := float64(p.Grad.Data[idx])
			diff := math.Abs(numeric - analytic)
			if diff > 2e-3 && diff > 0.05*math.Abs(numeric) {
				t.Errorf("%s[%d]: analytic %.6f vs numeric %.6f", p.Name, idx, analytic, numeric)
			}
			checked++
		}
	}
	if checked == 0 {
		t.Fatal("No parameters checked")
	}
}

func TestFrozenPrefixReceivesNoUpdates(t *testing.T) {
	rng := rand.New(rand.NewSource(3))
	spec := buildTestSpec(t)
	// conv1 and bn1 frozen
	net, err := NewNetwork(spec, 2, rng)
	if err != nil {
		t.Fatalf("NewNetwork failed: %v", err)
	}

	for _, p := range net.TrainableParams() {
		if p.Layer == "conv1" || p.Layer == "bn1" {
			t.Errorf("Frozen parameter %s reported as trainable", p.Name)
		}
	}

	var bnMean []float32
	for _, p := range net.AllParams() {
		if p.Name == "bn1.running_mean" {
			bnMean = append([]float32(nil), p.Value.Data...)
		}
	}

	x := randomInput(rng, 4, 2, 5, 5)
	y, err := net.Forward(x, true)
	if err != nil {
		t.Fatalf("Forward failed: %v", err)
	}
	net.ZeroGrad()
	if err := net.Backward(tensor.ZerosLike(y)); err != nil {
		t.Fatalf("Backward failed: %v", err)
	}

	for _, p := range net.AllParams() {
		if p.Name == "bn1.running_mean" {
			for i, v := range p.Value.Data {
				if v != bnMean[i] {
					t.Fatalf("Frozen batch norm updated its running mean")
				}
			}
		}
		if (p.Layer == "conv1" || p.Layer == "bn1") && p.Grad != nil {
			for _, g := range p.Grad.Data {
				if g != 0 {
					t.Fatalf("Frozen parameter %s accumulated a gradient", p.Name)
				}
			}
		}
	}
}

func TestDropoutIsIdentityAtInference(t *testing.T) {
	spec, err := NewModelBuilder([]int{8}).AddDropout(0.5, "drop").Compile()
	if err != nil {
		t.Fatalf("Compile failed: %v", err)
	}
	rng := rand.New(rand.NewSource(1))
	net, _ := NewNetwork(spec, 0, rng)
	x := randomInput(rng, 2, 8)

	y, _ := net.Forward(x, false)
	for i := range x.Data {
		if y.Data[i] != x.Data[i] {
			t.Fatalf("Dropout changed values at inference")
		}
	}

	y, _ = net.Forward(x, true)
	zeros := 0
	for i := range y.Data {
		if y.Data[i] == 0 {
			zeros++
		} else if math.Abs(float64(y.Data[i]-2*x.Data[i])) > 1e-5 {
			t.Fatalf("Kept activation not scaled by 1/(1-rate)")
		}
	}
	if zeros == 0 {
		t.Error("Expected some activations to be dropped")
	}
}

func TestTrainableBoundaryValidation(t *testing.T) {
	spec := buildTestSpec(t)
	if _, err := NewNetwork(spec, len(spec.Layers)+1, nil); err == nil {
		t.Error("Expected error for boundary beyond layer count")
	}
	if _, err := NewNetwork(&ModelSpec{}, 0, nil); err == nil {
		t.Error("Expected error for uncompiled spec")
	}
}

func intsEqual(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
