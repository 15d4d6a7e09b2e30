package tmf

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestOpenReaderAtRoundTrip(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "model.tmf")
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("create file: %v", err)
	}

	w, err := NewWriter(f)
	if err != nil {
		t.Fatalf("new writer: %v", err)
	}
	if err := w.WriteSection(SectionLMInfo, 1, []byte("lm-info")); err != nil {
		t.Fatalf("write lm info: %v", err)
	}
	if err := w.WriteSection(SectionTensorData, 1, []byte{1, 2, 3, 4, 5, 6}); err != nil {
		t.Fatalf("write tensor data: %v", err)
	}
	if err := w.Finalise(); err != nil {
		t.Fatalf("finalise: %v", err)
	}
	if err := f.Close(); err != nil {
		t.Fatalf("close writer file: %v", err)
	}

	rf, err := os.Open(path)
	if err != nil {
		t.Fatalf("open file: %v", err)
	}
	defer func() { _ = rf.Close() }()

	st, err := rf.Stat()
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	mf, err := OpenReaderAt(rf, st.Size())
	if err != nil {
		t.Fatalf("open readerat: %v", err)
	}
	defer func() {
		if cerr := mf.Close(); cerr != nil {
			t.Fatalf("close tmf file: %v", cerr)
		}
	}()

	if mf.mmapped {
		t.Fatalf("OpenReaderAt should not mmap")
	}
	if mf.Header == nil {
		t.Fatalf("missing header")
	}
	if mf.Header.HeaderSize != tmfHeaderSize {
		t.Fatalf("header size mismatch: got %d want %d", mf.Header.HeaderSize, tmfHeaderSize)
	}

	infoSec := mf.Section(SectionLMInfo)
	if infoSec == nil {
		t.Fatalf("missing lm info section")
	}
	got := mf.SectionData(infoSec)
	if !bytes.Equal(got, []byte("lm-info")) {
		t.Fatalf("lm info mismatch: got %q", string(got))
	}

	dataSec := mf.Section(SectionTensorData)
	if dataSec == nil {
		t.Fatalf("missing tensor data section")
	}
	if dataSec.Offset%tmfAlign != 0 {
		t.Fatalf("tensor data not aligned: offset %d", dataSec.Offset)
	}
	if !bytes.Equal(mf.SectionData(dataSec), []byte{1, 2, 3, 4, 5, 6}) {
		t.Fatalf("tensor data mismatch")
	}
}

func TestOpenMmapRoundTrip(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "model.tmf")
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("create file: %v", err)
	}
	w, err := NewWriter(f)
	if err != nil {
		t.Fatalf("new writer: %v", err)
	}
	if err := w.WriteSection(SectionVocab, 1, []byte("vocab-bytes")); err != nil {
		t.Fatalf("write section: %v", err)
	}
	if err := w.Finalise(); err != nil {
		t.Fatalf("finalise: %v", err)
	}
	if err := f.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	mf, err := Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer func() { _ = mf.Close() }()

	sec := mf.Section(SectionVocab)
	if sec == nil {
		t.Fatalf("missing vocab section")
	}
	if !bytes.Equal(mf.SectionData(sec), []byte("vocab-bytes")) {
		t.Fatalf("vocab payload mismatch")
	}
}

func TestWriterRejectsDuplicateSection(t *testing.T) {
	t.Parallel()

	f, err := os.Create(filepath.Join(t.TempDir(), "dup.tmf"))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	defer func() { _ = f.Close() }()

	w, err := NewWriter(f)
	if err != nil {
		t.Fatalf("new writer: %v", err)
	}
	if err := w.WriteSection(SectionLMInfo, 1, []byte("a")); err != nil {
		t.Fatalf("first write: %v", err)
	}
	if err := w.WriteSection(SectionLMInfo, 1, []byte("b")); err == nil {
		t.Fatalf("expected duplicate section error")
	}
}

func TestOpenRejectsCorrupt(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "model.tmf")
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	w, err := NewWriter(f)
	if err != nil {
		t.Fatalf("new writer: %v", err)
	}
	if err := w.WriteSection(SectionLMInfo, 1, []byte("payload")); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := w.Finalise(); err != nil {
		t.Fatalf("finalise: %v", err)
	}
	if err := f.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read back: %v", err)
	}

	t.Run("bad magic", func(t *testing.T) {
		t.Parallel()
		bad := append([]byte(nil), raw...)
		bad[0] = 'X'
		if _, err := OpenReaderAt(bytes.NewReader(bad), int64(len(bad))); !errors.Is(err, ErrInvalidMagic) {
			t.Fatalf("want ErrInvalidMagic, got %v", err)
		}
	})

	t.Run("unsupported major", func(t *testing.T) {
		t.Parallel()
		bad := append([]byte(nil), raw...)
		bad[4] = 0xFF
		if _, err := OpenReaderAt(bytes.NewReader(bad), int64(len(bad))); !errors.Is(err, ErrUnsupportedMajor) {
			t.Fatalf("want ErrUnsupportedMajor, got %v", err)
		}
	})

	t.Run("truncated", func(t *testing.T) {
		t.Parallel()
		short := raw[:len(raw)-1]
		if _, err := OpenReaderAt(bytes.NewReader(short), int64(len(short))); !errors.Is(err, ErrCorruptFile) {
			t.Fatalf("want ErrCorruptFile, got %v", err)
		}
	})
}

func TestHeaderAndSectionEncodingLittleEndian(t *testing.T) {
	t.Parallel()

	h := Header{
		Magic:            [4]byte{'T', 'M', 'F', 0},
		Major:            0x1122,
		Minor:            0x3344,
		HeaderSize:       tmfHeaderSize,
		SectionCount:     7,
		SectionDirOffset: 0x0102030405060708,
		FileSize:         0x1112131415161718,
		Flags:            0x2122232425262728,
	}
	var hdrRaw [tmfHeaderSize]byte
	if !encodeHeader(hdrRaw[:], h) {
		t.Fatalf("encode header failed")
	}
	if hdrRaw[4] != 0x22 || hdrRaw[5] != 0x11 {
		t.Fatalf("major is not little-endian: %x", hdrRaw[4:6])
	}
	if hdrRaw[16] != 0x08 || hdrRaw[23] != 0x01 {
		t.Fatalf("section dir offset is not little-endian: %x", hdrRaw[16:24])
	}
	decodedH, ok := decodeHeader(hdrRaw[:])
	if !ok {
		t.Fatalf("decode header failed")
	}
	if decodedH != h {
		t.Fatalf("header round-trip mismatch: got %+v want %+v", decodedH, h)
	}

	s := SectionEntry{
		Type:    0x11223344,
		Version: 0x55667788,
		Offset:  0x0102030405060708,
		Size:    0x1112131415161718,
	}
	var secRaw [tmfSectionSize]byte
	if !encodeSection(secRaw[:], s) {
		t.Fatalf("encode section failed")
	}
	if secRaw[0] != 0x44 || secRaw[3] != 0x11 {
		t.Fatalf("section type is not little-endian: %x", secRaw[0:4])
	}
	if secRaw[8] != 0x08 || secRaw[15] != 0x01 {
		t.Fatalf("section offset is not little-endian: %x", secRaw[8:16])
	}
	decodedS, ok := decodeSection(secRaw[:])
	if !ok {
		t.Fatalf("decode section failed")
	}
	if decodedS != s {
		t.Fatalf("section round-trip mismatch: got %+v want %+v", decodedS, s)
	}
}
