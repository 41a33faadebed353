package training

import (
	"math"
	"testing"

	"github.com/medvision/kvasirnet/tensor"
	"github.com/medvision/kvasirnet/vision/dataloader"
)

func probs(t *testing.T, values ...float32) *tensor.Tensor {
	t.Helper()
	p, err := tensor.New([]int{len(values), 1}, values)
	if err != nil {
		t.Fatal(err)
	}
	return p
}

func TestBCELossForward(t *testing.T) {
	loss := NewBCELoss(nil)
	got, err := loss.Forward(probs(t, 0.9, 0.2), []int{1, 0})
	if err != nil {
		t.Fatal(err)
	}
	want := -(math.Log(0.9) + math.Log(0.8)) / 2
	if math.Abs(got-want) > 1e-6 {
		t.Errorf("loss %v, want %v", got, want)
	}
}

func TestBCELossClampsProbabilities(t *testing.T) {
	loss := NewBCELoss(nil)
	got, err := loss.Forward(probs(t, 0, 1), []int{1, 0})
	if err != nil {
		t.Fatal(err)
	}
	if math.IsInf(got, 0) || math.IsNaN(got) {
		t.Fatalf("loss not finite: %v", got)
	}
	if want := -math.Log(Epsilon); math.Abs(got-want) > 1e-3 {
		t.Errorf("loss %v, want %v", got, want)
	}
}

func TestBCELossClassWeights(t *testing.T) {
	weights := dataloader.ClassWeights{0: 0.6, 1: 3}
	weighted := NewBCELoss(weights)
	plain := NewBCELoss(nil)
	p := probs(t, 0.3, 0.3)
	labels := []int{1, 0}

	lw, err := weighted.Forward(p, labels)
	if err != nil {
		t.Fatal(err)
	}
	want := -(3*math.Log(0.3) + 0.6*math.Log(0.7)) / 2
	if math.Abs(lw-want) > 1e-6 {
		t.Errorf("weighted loss %v, want %v", lw, want)
	}

	gw, _ := weighted.Backward(p, labels)
	gp, _ := plain.Backward(p, labels)
	if math.Abs(float64(gw.Data[0]/gp.Data[0])-3) > 1e-5 || math.Abs(float64(gw.Data[1]/gp.Data[1])-0.6) > 1e-5 {
		t.Errorf("gradients not scaled by class weight: %v vs %v", gw.Data, gp.Data)
	}
}

func TestBCELossGradientMatchesFiniteDifference(t *testing.T) {
	loss := NewBCELoss(dataloader.ClassWeights{0: 1.5, 1: 0.5})
	values := []float32{0.2, 0.7, 0.55}
	labels := []int{0, 1, 1}
	grad, err := loss.Backward(probs(t, values...), labels)
	if err != nil {
		t.Fatal(err)
	}

	const h = 1e-3
	for i := range values {
		up := append([]float32(nil), values...)
		down := append([]float32(nil), values...)
		up[i] += h
		down[i] -= h
		lu, _ := loss.Forward(probs(t, up...), labels)
		ld, _ := loss.Forward(probs(t, down...), labels)
		numeric := (lu - ld) / (2 * h)
		if math.Abs(numeric-float64(grad.Data[i])) > 1e-3 {
			t.Errorf("sample %d: analytic %v, numeric %v", i, grad.Data[i], numeric)
		}
	}
}

func TestBCELossValidation(t *testing.T) {
	loss := NewBCELoss(nil)
	if _, err := loss.Forward(probs(t, 0.5), []int{1, 0}); err == nil {
		t.Error("expected error for length mismatch")
	}
	if _, err := loss.Forward(probs(t, 0.5), []int{2}); err == nil {
		t.Error("expected error for non-binary label")
	}
}
