package tmf

import "encoding/binary"

// On-disk sizes of the fixed header and one section directory entry.
const (
	tmfHeaderSize  = 40
	tmfSectionSize = 24
)

// decodeHeader reads the fixed file header from b. It fails only on short
// input; semantic validation is Header.Valid / Header.Compatible.
func decodeHeader(b []byte) (Header, bool) {
	if len(b) < tmfHeaderSize {
		return Header{}, false
	}
	var h Header
	copy(h.Magic[:], b[0:4])
	h.Major = binary.LittleEndian.Uint16(b[4:6])
	h.Minor = binary.LittleEndian.Uint16(b[6:8])
	h.HeaderSize = binary.LittleEndian.Uint32(b[8:12])
	h.SectionCount = binary.LittleEndian.Uint32(b[12:16])
	h.SectionDirOffset = binary.LittleEndian.Uint64(b[16:24])
	h.FileSize = binary.LittleEndian.Uint64(b[24:32])
	h.Flags = binary.LittleEndian.Uint64(b[32:40])
	return h, true
}

func encodeHeader(b []byte, h Header) bool {
	if len(b) < tmfHeaderSize {
		return false
	}
	copy(b[0:4], h.Magic[:])
	binary.LittleEndian.PutUint16(b[4:6], h.Major)
	binary.LittleEndian.PutUint16(b[6:8], h.Minor)
	binary.LittleEndian.PutUint32(b[8:12], h.HeaderSize)
	binary.LittleEndian.PutUint32(b[12:16], h.SectionCount)
	binary.LittleEndian.PutUint64(b[16:24], h.SectionDirOffset)
	binary.LittleEndian.PutUint64(b[24:32], h.FileSize)
	binary.LittleEndian.PutUint64(b[32:40], h.Flags)
	return true
}

func decodeSection(b []byte) (SectionEntry, bool) {
	if len(b) < tmfSectionSize {
		return SectionEntry{}, false
	}
	return SectionEntry{
		Type:    binary.LittleEndian.Uint32(b[0:4]),
		Version: binary.LittleEndian.Uint32(b[4:8]),
		Offset:  binary.LittleEndian.Uint64(b[8:16]),
		Size:    binary.LittleEndian.Uint64(b[16:24]),
	}, true
}

func encodeSection(b []byte, s SectionEntry) bool {
	if len(b) < tmfSectionSize {
		return false
	}
	binary.LittleEndian.PutUint32(b[0:4], s.Type)
	binary.LittleEndian.PutUint32(b[4:8], s.Version)
	binary.LittleEndian.PutUint64(b[8:16], s.Offset)
	binary.LittleEndian.PutUint64(b[16:24], s.Size)
	return true
}
