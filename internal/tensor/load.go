package tensor

import (
	"fmt"

	"github.com/samcharles93/trellis/internal/tmfstore"
	"github.com/samcharles93/trellis/pkg/tmf"
)

// LoadMat loads a 2D tensor as a matrix. f16 and bf16 payloads stay in their
// on-disk encoding, backed by the store's mapped bytes; everything else is
// decoded to float32.
func LoadMat(f *tmfstore.File, name string) (Mat, error) {
	info, err := f.Tensor(name)
	if err != nil {
		return Mat{}, err
	}
	if len(info.Shape) != 2 {
		return Mat{}, fmt.Errorf("%s: expected 2D tensor", name)
	}
	r := info.Shape[0]
	c := info.Shape[1]

	switch info.DType {
	case tmf.DTypeF16, tmf.DTypeBF16:
		raw, _, err := f.TensorRaw(name)
		if err != nil {
			return Mat{}, err
		}
		m, err := NewMatFromRaw(r, c, info.DType, raw)
		if err != nil {
			return Mat{}, fmt.Errorf("%s: %w", name, err)
		}
		return m, nil
	default:
		data, _, err := f.ReadTensorF32(name)
		if err != nil {
			return Mat{}, err
		}
		if r*c != len(data) {
			return Mat{}, fmt.Errorf("%s: size mismatch", name)
		}
		return NewMatFromData(r, c, data), nil
	}
}

// LoadVec loads a 1D tensor as a float32 vector.
func LoadVec(f *tmfstore.File, name string) ([]float32, error) {
	data, info, err := f.ReadTensorF32(name)
	if err != nil {
		return nil, err
	}
	if len(info.Shape) != 1 {
		return nil, fmt.Errorf("%s: expected 1D tensor", name)
	}
	return data, nil
}
