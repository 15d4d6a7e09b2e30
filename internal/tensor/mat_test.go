package tensor

import (
	"testing"

	"github.com/samcharles93/trellis/pkg/tmf"
)

func TestNewMatFromRawValidates(t *testing.T) {
	if _, err := NewMatFromRaw(2, 3, tmf.DTypeBF16, make([]byte, 10)); err != errRawSizeMismatch {
		t.Fatalf("size mismatch: got %v", err)
	}
	if _, err := NewMatFromRaw(2, 3, tmf.DTypeI8, make([]byte, 6)); err != errUnsupportedDType {
		t.Fatalf("unsupported dtype: got %v", err)
	}
	if _, err := NewMatFromRaw(-1, 3, tmf.DTypeF32, nil); err != errNegativeDim {
		t.Fatalf("negative dim: got %v", err)
	}
}

func TestRowToDecodesRaw(t *testing.T) {
	// All values hold exactly in bf16, so the decode must be exact too.
	vals := []float32{0.5, -0.25, 1, -2, 0.125, 4}
	m, err := NewMatFromRaw(2, 3, tmf.DTypeBF16, encodeBF16Raw(vals))
	if err != nil {
		t.Fatalf("NewMatFromRaw: %v", err)
	}
	row := m.Row(1)
	want := []float32{-2, 0.125, 4}
	for i := range want {
		if row[i] != want[i] {
			t.Fatalf("row[%d] = %g, want %g", i, row[i], want[i])
		}
	}
}

func TestFillRandDeterministic(t *testing.T) {
	a := NewMat(4, 4)
	b := NewMat(4, 4)
	FillRand(&a, 99)
	FillRand(&b, 99)
	for i := range a.Data {
		if a.Data[i] != b.Data[i] {
			t.Fatalf("element %d differs: %g vs %g", i, a.Data[i], b.Data[i])
		}
	}
}
