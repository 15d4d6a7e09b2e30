package tmfstore

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"github.com/samcharles93/trellis/pkg/tmf"
)

var ErrTensorNotFound = errors.New("tmfstore: tensor not found")

// File provides tensor and metadata access to an open model artifact. The
// LM info section is parsed eagerly since every consumer needs it; tensor
// payloads stay in the mapped file until read.
type File struct {
	file     *tmf.File
	index    *tmf.TensorIndex
	dataSect *tmf.SectionEntry
	info     *tmf.LMInfo
	vocab    []string
}

type TensorInfo struct {
	DType    tmf.TensorDType
	Shape    []int
	DataOff  uint64
	DataSize uint64
}

func Open(path string) (*File, error) {
	mf, err := tmf.Open(path)
	if err != nil {
		return nil, err
	}

	cleanup := func(err error) (*File, error) {
		_ = mf.Close()
		return nil, err
	}

	infoSec := mf.Section(tmf.SectionLMInfo)
	if infoSec == nil {
		return cleanup(errors.New("tmf: missing lm info section"))
	}
	info, err := tmf.ParseLMInfo(mf.SectionData(infoSec))
	if err != nil {
		return cleanup(err)
	}

	indexSec := mf.Section(tmf.SectionTensorIndex)
	if indexSec == nil {
		return cleanup(errors.New("tmf: missing tensor index section"))
	}
	indexData := mf.SectionData(indexSec)
	if len(indexData) == 0 {
		return cleanup(errors.New("tmf: empty tensor index section"))
	}
	index, err := tmf.ParseTensorIndexSection(indexData)
	if err != nil {
		return cleanup(err)
	}

	dataSec := mf.Section(tmf.SectionTensorData)
	if dataSec == nil {
		return cleanup(errors.New("tmf: missing tensor data section"))
	}

	var vocab []string
	if vocSec := mf.Section(tmf.SectionVocab); vocSec != nil {
		vocab, err = tmf.ParseVocabSection(mf.SectionData(vocSec))
		if err != nil {
			return cleanup(err)
		}
	}

	return &File{file: mf, index: index, dataSect: dataSec, info: info, vocab: vocab}, nil
}

func (f *File) Close() error {
	if f == nil || f.file == nil {
		return nil
	}
	err := f.file.Close()
	f.file = nil
	f.index = nil
	f.dataSect = nil
	f.info = nil
	f.vocab = nil
	return err
}

// LMInfo returns the metadata parsed at open time. The caller must not
// modify the returned struct.
func (f *File) LMInfo() *tmf.LMInfo {
	if f == nil {
		return nil
	}
	return f.info
}

// Vocab returns the token table, or nil when the artifact carries none.
// Token index equals token id.
func (f *File) Vocab() []string {
	if f == nil {
		return nil
	}
	return f.vocab
}

func (f *File) SectionData(t tmf.SectionType) []byte {
	if f == nil || f.file == nil {
		return nil
	}
	sec := f.file.Section(t)
	return f.file.SectionData(sec)
}

func (f *File) Tensor(name string) (TensorInfo, error) {
	if f == nil || f.index == nil {
		return TensorInfo{}, ErrTensorNotFound
	}
	idx, ok := f.index.Find(name)
	if !ok {
		return TensorInfo{}, ErrTensorNotFound
	}
	entry, err := f.index.Entry(idx)
	if err != nil {
		return TensorInfo{}, err
	}
	shapeU64, err := f.index.Shape(idx)
	if err != nil {
		return TensorInfo{}, err
	}
	shape, err := shapeToInt(shapeU64)
	if err != nil {
		return TensorInfo{}, err
	}
	return TensorInfo{
		DType:    entry.DType,
		Shape:    shape,
		DataOff:  entry.DataOff,
		DataSize: entry.DataSize,
	}, nil
}

// TensorRaw returns the undecoded payload bytes of a tensor. For mmapped
// opens the slice is a view into the mapped file and stays valid until Close.
func (f *File) TensorRaw(name string) ([]byte, TensorInfo, error) {
	info, err := f.Tensor(name)
	if err != nil {
		return nil, TensorInfo{}, err
	}
	idx, ok := f.index.Find(name)
	if !ok {
		return nil, TensorInfo{}, ErrTensorNotFound
	}
	raw, err := f.index.TensorData(f.file, idx)
	if err != nil {
		return nil, TensorInfo{}, err
	}
	if err := f.validateTensorRange(info.DataOff, info.DataSize); err != nil {
		return nil, TensorInfo{}, err
	}
	return raw, info, nil
}

func (f *File) ReadTensorF32(name string) ([]float32, TensorInfo, error) {
	raw, info, err := f.TensorRaw(name)
	if err != nil {
		return nil, TensorInfo{}, err
	}

	n, err := numElements(info.Shape)
	if err != nil {
		return nil, TensorInfo{}, fmt.Errorf("tensor %s: %w", name, err)
	}

	switch info.DType {
	case tmf.DTypeF32:
		if len(raw) != n*4 {
			return nil, TensorInfo{}, fmt.Errorf("tensor %s: invalid f32 data size", name)
		}
		out := make([]float32, n)
		for i := 0; i < n; i++ {
			out[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[i*4:]))
		}
		return out, info, nil
	case tmf.DTypeBF16:
		if len(raw) != n*2 {
			return nil, TensorInfo{}, fmt.Errorf("tensor %s: invalid bf16 data size", name)
		}
		out := make([]float32, n)
		for i := 0; i < n; i++ {
			u := binary.LittleEndian.Uint16(raw[i*2:])
			out[i] = bf16ToF32(u)
		}
		return out, info, nil
	case tmf.DTypeF16:
		if len(raw) != n*2 {
			return nil, TensorInfo{}, fmt.Errorf("tensor %s: invalid f16 data size", name)
		}
		out := make([]float32, n)
		for i := 0; i < n; i++ {
			u := binary.LittleEndian.Uint16(raw[i*2:])
			out[i] = fp16ToF32(u)
		}
		return out, info, nil
	case tmf.DTypeF64:
		if len(raw) != n*8 {
			return nil, TensorInfo{}, fmt.Errorf("tensor %s: invalid f64 data size", name)
		}
		out := make([]float32, n)
		for i := 0; i < n; i++ {
			out[i] = float32(math.Float64frombits(binary.LittleEndian.Uint64(raw[i*8:])))
		}
		return out, info, nil
	default:
		return nil, TensorInfo{}, fmt.Errorf("tensor %s: unsupported dtype %d", name, info.DType)
	}
}

func (f *File) validateTensorRange(off, size uint64) error {
	if f == nil || f.dataSect == nil {
		return errors.New("tmf: missing tensor data section")
	}
	end := off + size
	if end < off {
		return errors.New("tmf: tensor data offset overflow")
	}
	if off < f.dataSect.Offset || end > f.dataSect.Offset+f.dataSect.Size {
		return errors.New("tmf: tensor data out of bounds")
	}
	return nil
}

func shapeToInt(shape []uint64) ([]int, error) {
	if len(shape) == 0 {
		return nil, errors.New("empty shape")
	}
	out := make([]int, len(shape))
	for i, v := range shape {
		if v == 0 {
			return nil, errors.New("invalid dim 0")
		}
		if v > uint64(int(^uint(0)>>1)) {
			return nil, errors.New("dimension too large")
		}
		out[i] = int(v)
	}
	return out, nil
}

func numElements(shape []int) (int, error) {
	if len(shape) == 0 {
		return 0, errors.New("empty shape")
	}
	n := 1
	maxInt := int(^uint(0) >> 1)
	for _, d := range shape {
		if d <= 0 {
			return 0, fmt.Errorf("invalid dim %d", d)
		}
		if n > maxInt/d {
			return 0, errors.New("tensor too large")
		}
		n *= d
	}
	return n, nil
}

func bf16ToF32(u uint16) float32 {
	return math.Float32frombits(uint32(u) << 16)
}

func fp16ToF32(h uint16) float32 {
	sign := uint32(h>>15) & 0x1
	exp := uint32(h>>10) & 0x1F
	frac := uint32(h & 0x3FF)
	var f uint32
	switch exp {
	case 0:
		if frac == 0 {
			f = sign << 31
		} else {
			e := uint32(127 - 15 + 1)
			for (frac & 0x400) == 0 {
				frac <<= 1
				e--
			}
			frac &= 0x3FF
			f = (sign << 31) | (e << 23) | (frac << 13)
		}
	case 0x1F:
		f = (sign << 31) | 0x7F800000 | (frac << 13)
	default:
		e := exp + (127 - 15)
		f = (sign << 31) | (e << 23) | (frac << 13)
	}
	return math.Float32frombits(f)
}
