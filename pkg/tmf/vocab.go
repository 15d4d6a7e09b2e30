package tmf

import (
	"encoding/binary"
	"errors"
	"math"
)

// Vocab section payload format (v1), little-endian.
//
// Layout:
//   [0]   vocabHeader (32 bytes)
//   [...] entry table: Count x {u32 off, u32 len}, offsets into the strings blob
//   [...] strings blob
//
// The entry at index i holds the surface string for token id i, so the
// table order is the id order.

const vocabVersionV1 uint32 = 1

type vocabHeader struct {
	Version uint32
	Count   uint32

	TableOff    uint64
	StringsOff  uint64
	StringsSize uint64
}

const (
	vocabHeaderSize = 32
	vocabEntrySize  = 8
)

// EncodeVocabSection builds a vocab section payload from token strings in
// id order.
func EncodeVocabSection(tokens []string) ([]byte, error) {
	if len(tokens) == 0 {
		return nil, errors.New("tmf: vocab requires at least one token")
	}
	if len(tokens) > math.MaxUint32 {
		return nil, errors.New("tmf: vocab too large")
	}

	var blob []byte
	table := make([]byte, 0, len(tokens)*vocabEntrySize)
	for _, tok := range tokens {
		if len(tok) > math.MaxUint32 {
			return nil, errors.New("tmf: vocab token too large")
		}
		var ent [vocabEntrySize]byte
		binary.LittleEndian.PutUint32(ent[0:4], uint32(len(blob)))
		binary.LittleEndian.PutUint32(ent[4:8], uint32(len(tok)))
		table = append(table, ent[:]...)
		blob = append(blob, tok...)
	}

	hdr := vocabHeader{
		Version:     vocabVersionV1,
		Count:       uint32(len(tokens)),
		TableOff:    vocabHeaderSize,
		StringsOff:  vocabHeaderSize + uint64(len(table)),
		StringsSize: uint64(len(blob)),
	}

	out := make([]byte, vocabHeaderSize+len(table)+len(blob))
	binary.LittleEndian.PutUint32(out[0:4], hdr.Version)
	binary.LittleEndian.PutUint32(out[4:8], hdr.Count)
	binary.LittleEndian.PutUint64(out[8:16], hdr.TableOff)
	binary.LittleEndian.PutUint64(out[16:24], hdr.StringsOff)
	binary.LittleEndian.PutUint64(out[24:32], hdr.StringsSize)
	copy(out[hdr.TableOff:], table)
	copy(out[hdr.StringsOff:], blob)

	return out, nil
}

// ParseVocabSection decodes a vocab section payload into token strings in
// id order.
func ParseVocabSection(sec []byte) ([]string, error) {
	if len(sec) < vocabHeaderSize {
		return nil, ErrCorruptFile
	}

	hdr := vocabHeader{
		Version:     binary.LittleEndian.Uint32(sec[0:4]),
		Count:       binary.LittleEndian.Uint32(sec[4:8]),
		TableOff:    binary.LittleEndian.Uint64(sec[8:16]),
		StringsOff:  binary.LittleEndian.Uint64(sec[16:24]),
		StringsSize: binary.LittleEndian.Uint64(sec[24:32]),
	}

	if hdr.Version != vocabVersionV1 {
		return nil, ErrUnsupportedMinor
	}
	if hdr.Count == 0 {
		return nil, ErrCorruptFile
	}

	secLen := uint64(len(sec))
	tableBytes := uint64(hdr.Count) * vocabEntrySize
	if hdr.TableOff > secLen || hdr.TableOff+tableBytes > secLen {
		return nil, ErrCorruptFile
	}
	if hdr.StringsOff > secLen || hdr.StringsOff+hdr.StringsSize > secLen {
		return nil, ErrCorruptFile
	}

	tokens := make([]string, hdr.Count)
	for i := uint32(0); i < hdr.Count; i++ {
		base := hdr.TableOff + uint64(i)*vocabEntrySize
		off := uint64(binary.LittleEndian.Uint32(sec[base : base+4]))
		n := uint64(binary.LittleEndian.Uint32(sec[base+4 : base+8]))
		if off+n > hdr.StringsSize {
			return nil, ErrCorruptFile
		}
		start := hdr.StringsOff + off
		tokens[i] = string(sec[start : start+n])
	}

	return tokens, nil
}
