package utils

import (
	"math"
	"testing"
)

func TestNormalizeL2(t *testing.T) {
	x := []float32{3, 4}
	NormalizeL2(x)
	if math.Abs(L2Norm(x)-1) > 1e-6 {
		t.Errorf("norm after normalize = %v", L2Norm(x))
	}
	zero := []float32{0, 0}
	NormalizeL2(zero)
	if zero[0] != 0 || zero[1] != 0 {
		t.Error("zero vector must stay unchanged")
	}
}

func TestFloat32Bytes(t *testing.T) {
	in := []float32{1.5, -2, 0, float32(math.Pi)}
	out, err := BytesToFloat32s(Float32sToBytes(in))
	if err != nil {
		t.Fatal(err)
	}
	for i := range in {
		if in[i] != out[i] {
			t.Errorf("index %d: got %v want %v", i, out[i], in[i])
		}
	}
	if _, err := BytesToFloat32s([]byte{1, 2, 3}); err == nil {
		t.Error("expected error for truncated buffer")
	}
}

func TestClamp01(t *testing.T) {
	if Clamp01(-1) != 0 || Clamp01(2) != 1 || Clamp01(0.25) != 0.25 {
		t.Error("Clamp01 out of range")
	}
}
