package tmf

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestLMInfoRoundTrip(t *testing.T) {
	t.Parallel()

	in := &LMInfo{
		ModelName:  "swbd-gru-512",
		CellType:   CellGRU,
		VocabSize:  1024,
		EmbedSize:  256,
		HiddenSize: 512,
		LayerCount: 2,
		SOSID:      0,
		EOSID:      0,
		Extras: map[string]any{
			"train.epochs": uint32(12),
			"train.lr":     float32(0.001),
			"train.corpus": "swbd",
		},
	}

	raw, err := EncodeLMInfo(in)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	out, err := ParseLMInfo(raw)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}

	if out.ModelName != in.ModelName {
		t.Fatalf("model name: got %q want %q", out.ModelName, in.ModelName)
	}
	if out.CellType != CellGRU {
		t.Fatalf("cell type: got %v", out.CellType)
	}
	if out.VocabSize != in.VocabSize || out.EmbedSize != in.EmbedSize ||
		out.HiddenSize != in.HiddenSize || out.LayerCount != in.LayerCount {
		t.Fatalf("dims mismatch: got %+v", out)
	}
	if out.SOSID != in.SOSID || out.EOSID != in.EOSID {
		t.Fatalf("boundary ids mismatch: got sos=%d eos=%d", out.SOSID, out.EOSID)
	}
	if diff := cmp.Diff(in.Extras, out.Extras); diff != "" {
		t.Fatalf("extras mismatch (-want +got):\n%s", diff)
	}
}

func TestLMInfoRejectsBadPayload(t *testing.T) {
	t.Parallel()

	raw, err := EncodeLMInfo(&LMInfo{CellType: CellLSTM, VocabSize: 4, EmbedSize: 2, HiddenSize: 2, LayerCount: 1})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	if _, err := ParseLMInfo(raw[:8]); err == nil {
		t.Fatalf("expected error for truncated payload")
	}

	bad := append([]byte(nil), raw...)
	bad[0] = 99 // version
	if _, err := ParseLMInfo(bad); err == nil {
		t.Fatalf("expected error for unknown version")
	}
}

func TestCellTypeParse(t *testing.T) {
	t.Parallel()

	for _, tc := range []struct {
		in   string
		want CellType
		ok   bool
	}{
		{"gru", CellGRU, true},
		{"lstm", CellLSTM, true},
		{"elman", CellUnknown, false},
		{"", CellUnknown, false},
	} {
		got, err := ParseCellType(tc.in)
		if tc.ok && err != nil {
			t.Fatalf("ParseCellType(%q): %v", tc.in, err)
		}
		if !tc.ok && err == nil {
			t.Fatalf("ParseCellType(%q): expected error", tc.in)
		}
		if got != tc.want {
			t.Fatalf("ParseCellType(%q): got %v want %v", tc.in, got, tc.want)
		}
	}
}

func TestTensorIndexRoundTrip(t *testing.T) {
	t.Parallel()

	recs := []TensorIndexRecord{
		{Name: "out.bias", DType: DTypeF32, Shape: []uint64{3}, DataOff: 160, DataSize: 12},
		{Name: "embed.weight", DType: DTypeF32, Shape: []uint64{3, 2}, DataOff: 100, DataSize: 24},
		{Name: "rnn.0.weight_hh", DType: DTypeBF16, Shape: []uint64{6, 2}, DataOff: 200, DataSize: 24},
	}

	raw, err := EncodeTensorIndexSection(recs)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	ti, err := ParseTensorIndexSection(raw)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if ti.Count() != len(recs) {
		t.Fatalf("count: got %d want %d", ti.Count(), len(recs))
	}
	if ti.Flags()&TensorIndexFlagSortedByName == 0 {
		t.Fatalf("sorted flag not set")
	}

	for _, rec := range recs {
		i, ok := ti.Find(rec.Name)
		if !ok {
			t.Fatalf("Find(%q) missed", rec.Name)
		}
		name, err := ti.Name(i)
		if err != nil || name != rec.Name {
			t.Fatalf("Name(%d): got %q err %v", i, name, err)
		}
		e, err := ti.Entry(i)
		if err != nil {
			t.Fatalf("Entry(%d): %v", i, err)
		}
		if e.DType != rec.DType || e.DataOff != rec.DataOff || e.DataSize != rec.DataSize {
			t.Fatalf("entry mismatch for %q: %+v", rec.Name, e)
		}
		shape, err := ti.Shape(i)
		if err != nil {
			t.Fatalf("Shape(%d): %v", i, err)
		}
		if diff := cmp.Diff(rec.Shape, shape); diff != "" {
			t.Fatalf("shape mismatch for %q (-want +got):\n%s", rec.Name, diff)
		}
	}

	// Entries come back sorted by name regardless of input order.
	first, err := ti.Name(0)
	if err != nil || first != "embed.weight" {
		t.Fatalf("first entry: got %q err %v", first, err)
	}

	if _, ok := ti.Find("missing.weight"); ok {
		t.Fatalf("Find should miss unknown tensor")
	}
}

func TestTensorIndexRejectsCorrupt(t *testing.T) {
	t.Parallel()

	raw, err := EncodeTensorIndexSection([]TensorIndexRecord{
		{Name: "w", DType: DTypeF32, Shape: []uint64{2}, DataOff: 64, DataSize: 8},
	})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	if _, err := ParseTensorIndexSection(raw[:16]); !errors.Is(err, ErrCorruptFile) {
		t.Fatalf("truncated header: want ErrCorruptFile, got %v", err)
	}
	if _, err := ParseTensorIndexSection(raw[:len(raw)-4]); !errors.Is(err, ErrCorruptFile) {
		t.Fatalf("truncated strings: want ErrCorruptFile, got %v", err)
	}

	bad := append([]byte(nil), raw...)
	bad[0] = 99
	if _, err := ParseTensorIndexSection(bad); !errors.Is(err, ErrUnsupportedMinor) {
		t.Fatalf("bad version: want ErrUnsupportedMinor, got %v", err)
	}

	if _, err := EncodeTensorIndexSection(nil); err == nil {
		t.Fatalf("expected error for empty record set")
	}
	if _, err := EncodeTensorIndexSection([]TensorIndexRecord{
		{Name: "dup", DType: DTypeF32, Shape: []uint64{1}},
		{Name: "dup", DType: DTypeF32, Shape: []uint64{1}},
	}); err == nil {
		t.Fatalf("expected error for duplicate names")
	}
}

func TestVocabSectionRoundTrip(t *testing.T) {
	t.Parallel()

	tokens := []string{"<s>", "a", "b", "", "longer token"}
	raw, err := EncodeVocabSection(tokens)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	got, err := ParseVocabSection(raw)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if diff := cmp.Diff(tokens, got); diff != "" {
		t.Fatalf("tokens mismatch (-want +got):\n%s", diff)
	}
}

func TestVocabSectionRejectsCorrupt(t *testing.T) {
	t.Parallel()

	if _, err := EncodeVocabSection(nil); err == nil {
		t.Fatalf("expected error for empty vocab")
	}

	raw, err := EncodeVocabSection([]string{"a", "b"})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	if _, err := ParseVocabSection(raw[:8]); !errors.Is(err, ErrCorruptFile) {
		t.Fatalf("truncated: want ErrCorruptFile, got %v", err)
	}

	bad := append([]byte(nil), raw...)
	bad[0] = 9
	if _, err := ParseVocabSection(bad); !errors.Is(err, ErrUnsupportedMinor) {
		t.Fatalf("bad version: want ErrUnsupportedMinor, got %v", err)
	}
}
