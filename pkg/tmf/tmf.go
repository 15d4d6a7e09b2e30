// Package tmf implements the Trellis Model Format, a single-file container
// for recurrent language models: network metadata, the vocabulary table and
// all weight tensors, laid out for zero-copy mmap access.
//
// A TMF file is a fixed little-endian header, a set of 8-byte aligned
// section payloads, and a section directory sorted by type. Tensor payloads
// are addressed by absolute file offset so a mapped file can be sliced
// directly.
package tmf

import "unsafe"

const (
	MagicTMF = "TMF\x00"

	// CurrentMajor changes only on breaking layout changes.
	CurrentMajor uint16 = 1

	// CurrentMinor tracks additive payload revisions.
	CurrentMinor uint16 = 0

	// FlagTensorDataAligned64 marks files whose tensor payloads are 64-byte
	// aligned, for consumers that cast payloads to wider vector types.
	FlagTensorDataAligned64 uint64 = 1 << 0
)

// Header is the fixed file header, stored little-endian at offset 0.
type Header struct {
	Magic            [4]byte
	Major            uint16
	Minor            uint16
	HeaderSize       uint32
	SectionCount     uint32
	SectionDirOffset uint64
	FileSize         uint64
	Flags            uint64
}

func (h *Header) Valid() bool {
	if string(h.Magic[:]) != MagicTMF {
		return false
	}
	if h.HeaderSize < uint32(unsafe.Sizeof(Header{})) {
		return false
	}
	if h.SectionCount == 0 {
		return false
	}
	return true
}

func (h *Header) Compatible() bool {
	return h.Major == CurrentMajor
}
