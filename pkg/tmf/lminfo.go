package tmf

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"sort"
)

// LMInfo payload format (v1), little-endian.
//
// Layout:
//   [0]   LMInfoHeader
//   [8]   lmInfoFixedV1
//   [...] string/data blobs (length-prefixed), aligned to 8 bytes
//   [...] kv table (LMInfoKV entries), aligned to 8 bytes
//
// String blob encoding:
//   u32 byte_len
//   []byte (byte_len bytes, no NUL terminator)
//   (then 8-byte alignment as needed)
//
// KV encoding:
//   Each entry stores:
//     KeyOff   -> string blob
//     Type     -> KVUint32 / KVFloat32 / KVString
//     ValueOff -> for KVString: string blob; for KVUint32: u32 stored at ValueOff;
//                for KVFloat32: f32 stored at ValueOff.

const lmInfoVersionV1 uint32 = 1

type LMInfoHeader struct {
	Version uint32 // = 1
	Flags   uint32 // reserved, must be zero
}

// CellType identifies the recurrent cell the network was trained with.
type CellType uint32

const (
	CellUnknown CellType = iota
	CellGRU
	CellLSTM
)

func (c CellType) String() string {
	switch c {
	case CellGRU:
		return "gru"
	case CellLSTM:
		return "lstm"
	default:
		return "unknown"
	}
}

// ParseCellType maps a cell name ("gru", "lstm") to its CellType.
func ParseCellType(s string) (CellType, error) {
	switch s {
	case "gru":
		return CellGRU, nil
	case "lstm":
		return CellLSTM, nil
	default:
		return CellUnknown, fmt.Errorf("lminfo: unknown cell type %q", s)
	}
}

const (
	KVUint32  = 1
	KVFloat32 = 2
	KVString  = 3
)

type LMInfoKV struct {
	KeyOff   uint64
	Type     uint32
	_        uint32 // padding
	ValueOff uint64
}

// LMInfo carries the language-model metadata stored alongside the tensors.
// SOSID and EOSID are resolved token ids; models trained with a shared
// sentence-boundary symbol store the same id in both.
type LMInfo struct {
	ModelName string

	CellType   CellType
	VocabSize  uint32
	EmbedSize  uint32
	HiddenSize uint32
	LayerCount uint32

	SOSID uint32
	EOSID uint32

	Extras map[string]any
}

type lmInfoFixedV1 struct {
	CellType   uint32
	LayerCount uint32
	VocabSize  uint32
	EmbedSize  uint32
	HiddenSize uint32
	SOSID      uint32
	EOSID      uint32
	_          uint32 // padding

	ModelNameOff uint64

	KVCount uint32
	_       uint32 // padding
	KVOff   uint64
}

func EncodeLMInfo(mi *LMInfo) ([]byte, error) {
	if mi == nil {
		return nil, errors.New("lminfo: nil LMInfo")
	}

	hdr := LMInfoHeader{
		Version: lmInfoVersionV1,
		Flags:   0,
	}

	var fixed lmInfoFixedV1
	fixed.CellType = uint32(mi.CellType)
	fixed.LayerCount = mi.LayerCount
	fixed.VocabSize = mi.VocabSize
	fixed.EmbedSize = mi.EmbedSize
	fixed.HiddenSize = mi.HiddenSize
	fixed.SOSID = mi.SOSID
	fixed.EOSID = mi.EOSID

	b := newBlobBuilder()

	// Reserve header + fixed up front.
	{
		tmp := make([]byte, binary.Size(hdr)+binary.Size(fixed))
		_ = b.addRaw(tmp) // offsets start after this placeholder
	}

	if mi.ModelName != "" {
		off, err := b.addString(mi.ModelName)
		if err != nil {
			return nil, err
		}
		fixed.ModelNameOff = off
	}

	// Extras KV table.
	kvs, err := encodeExtrasKV(b, mi.Extras)
	if err != nil {
		return nil, err
	}

	// Write KV table after blobs, aligned.
	b.align(8)
	kvOff := b.offset()
	if len(kvs) > 0 {
		for i := range kvs {
			if err := b.writeStruct(&kvs[i]); err != nil {
				return nil, err
			}
		}
	}
	fixed.KVCount = uint32(len(kvs))
	fixed.KVOff = kvOff

	// Patch header+fixed.
	out := b.bytes()
	if len(out) < binary.Size(hdr)+binary.Size(fixed) {
		return nil, errors.New("lminfo: internal size invariant failed")
	}

	// Write hdr at start.
	{
		var buf bytes.Buffer
		if err := binary.Write(&buf, binary.LittleEndian, &hdr); err != nil {
			return nil, err
		}
		copy(out[0:binary.Size(hdr)], buf.Bytes())
	}

	// Write fixed immediately after hdr.
	{
		var buf bytes.Buffer
		if err := binary.Write(&buf, binary.LittleEndian, &fixed); err != nil {
			return nil, err
		}
		start := binary.Size(hdr)
		end := start + binary.Size(fixed)
		copy(out[start:end], buf.Bytes())
	}

	return out, nil
}

func ParseLMInfo(data []byte) (*LMInfo, error) {
	if len(data) < binary.Size(LMInfoHeader{})+binary.Size(lmInfoFixedV1{}) {
		return nil, errors.New("lminfo: payload too small")
	}

	var hdr LMInfoHeader
	if err := readStructAt(data, 0, &hdr); err != nil {
		return nil, err
	}
	if hdr.Version != lmInfoVersionV1 {
		return nil, fmt.Errorf("lminfo: unsupported version %d", hdr.Version)
	}
	if hdr.Flags != 0 {
		return nil, fmt.Errorf("lminfo: unsupported flags 0x%x", hdr.Flags)
	}

	var fixed lmInfoFixedV1
	if err := readStructAt(data, uint64(binary.Size(hdr)), &fixed); err != nil {
		return nil, err
	}

	mi := &LMInfo{
		CellType:   CellType(fixed.CellType),
		VocabSize:  fixed.VocabSize,
		EmbedSize:  fixed.EmbedSize,
		HiddenSize: fixed.HiddenSize,
		LayerCount: fixed.LayerCount,
		SOSID:      fixed.SOSID,
		EOSID:      fixed.EOSID,
	}

	if fixed.ModelNameOff != 0 {
		s, err := readStringAt(data, fixed.ModelNameOff)
		if err != nil {
			return nil, fmt.Errorf("lminfo: model_name: %w", err)
		}
		mi.ModelName = s
	}

	kvCount := fixed.KVCount
	if kvCount == 0 {
		return mi, nil
	}
	if fixed.KVOff == 0 {
		return nil, errors.New("lminfo: kv_count > 0 but kv_off is zero")
	}

	kvTableBytes := uint64(kvCount) * uint64(binary.Size(LMInfoKV{}))
	if fixed.KVOff+kvTableBytes > uint64(len(data)) {
		return nil, errors.New("lminfo: kv table out of bounds")
	}

	extras := make(map[string]any, kvCount)
	for i := uint32(0); i < kvCount; i++ {
		var kv LMInfoKV
		off := fixed.KVOff + uint64(i)*uint64(binary.Size(LMInfoKV{}))
		if err := readStructAt(data, off, &kv); err != nil {
			return nil, fmt.Errorf("lminfo: kv[%d]: %w", i, err)
		}

		key, err := readStringAt(data, kv.KeyOff)
		if err != nil {
			return nil, fmt.Errorf("lminfo: kv[%d] key: %w", i, err)
		}
		if key == "" {
			return nil, fmt.Errorf("lminfo: kv[%d] empty key", i)
		}

		switch kv.Type {
		case KVUint32:
			v, err := readU32At(data, kv.ValueOff)
			if err != nil {
				return nil, fmt.Errorf("lminfo: kv[%d] uint32: %w", i, err)
			}
			extras[key] = v

		case KVFloat32:
			v, err := readF32At(data, kv.ValueOff)
			if err != nil {
				return nil, fmt.Errorf("lminfo: kv[%d] float32: %w", i, err)
			}
			extras[key] = v

		case KVString:
			v, err := readStringAt(data, kv.ValueOff)
			if err != nil {
				return nil, fmt.Errorf("lminfo: kv[%d] string: %w", i, err)
			}
			extras[key] = v

		default:
			return nil, fmt.Errorf("lminfo: kv[%d] unknown type %d for key %q", i, kv.Type, key)
		}
	}

	if len(extras) > 0 {
		mi.Extras = extras
	}

	return mi, nil
}

func encodeExtrasKV(b *blobBuilder, extras map[string]any) ([]LMInfoKV, error) {
	if len(extras) == 0 {
		return nil, nil
	}

	keys := make([]string, 0, len(extras))
	for k := range extras {
		if k == "" {
			return nil, errors.New("lminfo: extras contains empty key")
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	kvs := make([]LMInfoKV, 0, len(keys))
	for _, k := range keys {
		v := extras[k]

		keyOff, err := b.addString(k)
		if err != nil {
			return nil, err
		}

		var kv LMInfoKV
		kv.KeyOff = keyOff

		switch vv := v.(type) {
		case string:
			valOff, err := b.addString(vv)
			if err != nil {
				return nil, err
			}
			kv.Type = KVString
			kv.ValueOff = valOff

		case []byte:
			// Store bytes as string-blob (length + raw), preserve exact bytes.
			valOff, err := b.addBytesAsBlob(vv)
			if err != nil {
				return nil, err
			}
			kv.Type = KVString
			kv.ValueOff = valOff

		case uint32:
			valOff, err := b.addU32(vv)
			if err != nil {
				return nil, err
			}
			kv.Type = KVUint32
			kv.ValueOff = valOff

		case uint64:
			if vv > math.MaxUint32 {
				return nil, fmt.Errorf("lminfo: extras[%q] uint64 overflows uint32 (%d)", k, vv)
			}
			valOff, err := b.addU32(uint32(vv))
			if err != nil {
				return nil, err
			}
			kv.Type = KVUint32
			kv.ValueOff = valOff

		case int:
			if vv < 0 || vv > math.MaxUint32 {
				return nil, fmt.Errorf("lminfo: extras[%q] int out of uint32 range (%d)", k, vv)
			}
			valOff, err := b.addU32(uint32(vv))
			if err != nil {
				return nil, err
			}
			kv.Type = KVUint32
			kv.ValueOff = valOff

		case int32:
			if vv < 0 {
				return nil, fmt.Errorf("lminfo: extras[%q] int32 negative (%d)", k, vv)
			}
			valOff, err := b.addU32(uint32(vv))
			if err != nil {
				return nil, err
			}
			kv.Type = KVUint32
			kv.ValueOff = valOff

		case float32:
			valOff, err := b.addF32(vv)
			if err != nil {
				return nil, err
			}
			kv.Type = KVFloat32
			kv.ValueOff = valOff

		case float64:
			if math.IsNaN(vv) || math.IsInf(vv, 0) {
				return nil, fmt.Errorf("lminfo: extras[%q] invalid float64 (%v)", k, vv)
			}
			if vv < -math.MaxFloat32 || vv > math.MaxFloat32 {
				return nil, fmt.Errorf("lminfo: extras[%q] float64 out of float32 range (%v)", k, vv)
			}
			valOff, err := b.addF32(float32(vv))
			if err != nil {
				return nil, err
			}
			kv.Type = KVFloat32
			kv.ValueOff = valOff

		case nil:
			// Skip nils silently so callers can merge maps easily.
			continue

		default:
			return nil, fmt.Errorf("lminfo: extras[%q] unsupported type %T", k, v)
		}

		kvs = append(kvs, kv)
	}

	return kvs, nil
}

type blobBuilder struct {
	buf bytes.Buffer
}

func newBlobBuilder() *blobBuilder {
	return &blobBuilder{}
}

func (b *blobBuilder) bytes() []byte {
	return b.buf.Bytes()
}

func (b *blobBuilder) offset() uint64 {
	return uint64(b.buf.Len())
}

func (b *blobBuilder) align(n int) {
	if n <= 1 {
		return
	}
	pad := (n - (b.buf.Len() % n)) % n
	if pad == 0 {
		return
	}
	_, _ = b.buf.Write(make([]byte, pad))
}

func (b *blobBuilder) addRaw(p []byte) uint64 {
	off := b.offset()
	_, _ = b.buf.Write(p)
	return off
}

func (b *blobBuilder) writeStruct(v any) error {
	return binary.Write(&b.buf, binary.LittleEndian, v)
}

func (b *blobBuilder) addBytesAsBlob(p []byte) (uint64, error) {
	if len(p) > math.MaxUint32 {
		return 0, errors.New("lminfo: blob too large")
	}
	b.align(8)
	off := b.offset()
	if err := binary.Write(&b.buf, binary.LittleEndian, uint32(len(p))); err != nil {
		return 0, err
	}
	_, _ = b.buf.Write(p)
	b.align(8)
	return off, nil
}

func (b *blobBuilder) addString(s string) (uint64, error) {
	if len(s) == 0 {
		return 0, nil
	}
	return b.addBytesAsBlob([]byte(s))
}

func (b *blobBuilder) addU32(v uint32) (uint64, error) {
	b.align(8)
	off := b.offset()
	if err := binary.Write(&b.buf, binary.LittleEndian, v); err != nil {
		return 0, err
	}
	b.align(8)
	return off, nil
}

func (b *blobBuilder) addF32(v float32) (uint64, error) {
	if math.IsNaN(float64(v)) || math.IsInf(float64(v), 0) {
		return 0, fmt.Errorf("lminfo: invalid float32 %v", v)
	}
	b.align(8)
	off := b.offset()
	if err := binary.Write(&b.buf, binary.LittleEndian, v); err != nil {
		return 0, err
	}
	b.align(8)
	return off, nil
}

func readStructAt[T any](data []byte, off uint64, out *T) error {
	sz := uint64(binary.Size(*out))
	if sz == 0 {
		return errors.New("lminfo: zero-sized struct")
	}
	if off > uint64(len(data)) || off+sz > uint64(len(data)) {
		return errors.New("lminfo: struct out of bounds")
	}
	r := bytes.NewReader(data[off : off+sz])
	return binary.Read(r, binary.LittleEndian, out)
}

func readU32At(data []byte, off uint64) (uint32, error) {
	if off+4 > uint64(len(data)) {
		return 0, errors.New("lminfo: u32 out of bounds")
	}
	return binary.LittleEndian.Uint32(data[off : off+4]), nil
}

func readF32At(data []byte, off uint64) (float32, error) {
	u, err := readU32At(data, off)
	if err != nil {
		return 0, err
	}
	return math.Float32frombits(u), nil
}

func readStringAt(data []byte, off uint64) (string, error) {
	if off == 0 {
		return "", nil
	}
	if off+4 > uint64(len(data)) {
		return "", errors.New("lminfo: string length out of bounds")
	}
	n := binary.LittleEndian.Uint32(data[off : off+4])
	start := off + 4
	end := start + uint64(n)
	if end > uint64(len(data)) {
		return "", errors.New("lminfo: string bytes out of bounds")
	}
	return string(data[start:end]), nil
}
