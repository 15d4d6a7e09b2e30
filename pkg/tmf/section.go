package tmf

type SectionType uint32

const (
	SectionLMInfo      SectionType = 0x0001
	SectionVocab       SectionType = 0x0002
	SectionTensorIndex SectionType = 0x0003
	SectionTensorData  SectionType = 0x0004
)

// SectionEntry is one record of the section directory.
type SectionEntry struct {
	Type    uint32
	Version uint32
	Offset  uint64
	Size    uint64
}

func (s *SectionEntry) End() uint64 {
	return s.Offset + s.Size
}
