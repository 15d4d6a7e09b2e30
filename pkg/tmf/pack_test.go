package tmf

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"math"
	"os"
	"path/filepath"
	"sort"
	"testing"

	"github.com/google/go-cmp/cmp"
)

type testTensor struct {
	dtype string
	shape []int64
	data  []byte
}

func f32Bytes(vals []float32) []byte {
	out := make([]byte, 4*len(vals))
	for i, v := range vals {
		binary.LittleEndian.PutUint32(out[i*4:], math.Float32bits(v))
	}
	return out
}

func seqF32(n int, base, step float32) []float32 {
	out := make([]float32, n)
	for i := range out {
		out[i] = base + step*float32(i)
	}
	return out
}

func writeTestSafetensors(t *testing.T, path string, tensors map[string]testTensor, meta map[string]string) {
	t.Helper()

	names := make([]string, 0, len(tensors))
	for n := range tensors {
		names = append(names, n)
	}
	sort.Strings(names)

	hdr := make(map[string]any, len(tensors)+1)
	if meta != nil {
		hdr["__metadata__"] = meta
	}
	var off int64
	var data bytes.Buffer
	for _, n := range names {
		tt := tensors[n]
		end := off + int64(len(tt.data))
		hdr[n] = map[string]any{
			"dtype":        tt.dtype,
			"shape":        tt.shape,
			"data_offsets": []int64{off, end},
		}
		data.Write(tt.data)
		off = end
	}

	hb, err := json.Marshal(hdr)
	if err != nil {
		t.Fatalf("marshal safetensors header: %v", err)
	}

	var buf bytes.Buffer
	var lenb [8]byte
	binary.LittleEndian.PutUint64(lenb[:], uint64(len(hb)))
	buf.Write(lenb[:])
	buf.Write(hb)
	buf.Write(data.Bytes())

	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		t.Fatalf("write safetensors: %v", err)
	}
}

// rnnTestTensors is a tiny but shape-consistent checkpoint:
// vocab 3, embed 2, hidden 2, one layer. gates selects the cell
// (3 for GRU, 4 for LSTM).
func rnnTestTensors(gates int) map[string]testTensor {
	const (
		v = 3
		e = 2
		h = 2
	)
	gh := gates * h
	return map[string]testTensor{
		"embed.weight":    {"F32", []int64{v, e}, f32Bytes(seqF32(v*e, 0.01, 0.01))},
		"rnn.0.weight_ih": {"F32", []int64{int64(gh), e}, f32Bytes(seqF32(gh*e, -0.05, 0.01))},
		"rnn.0.weight_hh": {"F32", []int64{int64(gh), h}, f32Bytes(seqF32(gh*h, 0.02, 0.005))},
		"rnn.0.bias_ih":   {"F32", []int64{int64(gh)}, f32Bytes(seqF32(gh, 0, 0.01))},
		"rnn.0.bias_hh":   {"F32", []int64{int64(gh)}, f32Bytes(seqF32(gh, 0.01, 0.01))},
		"out.weight":      {"F32", []int64{v, h}, f32Bytes(seqF32(v*h, -0.03, 0.02))},
		"out.bias":        {"F32", []int64{v}, f32Bytes(seqF32(v, 0.1, 0.05))},
	}
}

func gruTestTensors() map[string]testTensor  { return rnnTestTensors(3) }
func lstmTestTensors() map[string]testTensor { return rnnTestTensors(4) }

func TestPackRoundTrip(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	in := filepath.Join(dir, "model.safetensors")
	out := filepath.Join(dir, "model.tmf")

	tensors := gruTestTensors()
	writeTestSafetensors(t, in, tensors, map[string]string{"framework": "pt"})

	err := Pack(PackOptions{
		Input:      in,
		OutputPath: out,
		Tokens:     []string{"<s>", "a", "b"},
	})
	if err != nil {
		t.Fatalf("pack: %v", err)
	}

	f, err := Open(out)
	if err != nil {
		t.Fatalf("open packed file: %v", err)
	}
	defer func() { _ = f.Close() }()

	if f.Header.Flags&FlagTensorDataAligned64 == 0 {
		t.Fatalf("aligned-64 flag not set")
	}

	infoSec := f.Section(SectionLMInfo)
	if infoSec == nil {
		t.Fatalf("missing lm info section")
	}
	mi, err := ParseLMInfo(f.SectionData(infoSec))
	if err != nil {
		t.Fatalf("parse lm info: %v", err)
	}
	if mi.CellType != CellGRU {
		t.Fatalf("cell type: got %v want gru", mi.CellType)
	}
	if mi.VocabSize != 3 || mi.EmbedSize != 2 || mi.HiddenSize != 2 || mi.LayerCount != 1 {
		t.Fatalf("dims mismatch: %+v", mi)
	}
	if mi.SOSID != 0 || mi.EOSID != 0 {
		t.Fatalf("boundary ids: got sos=%d eos=%d want 0/0", mi.SOSID, mi.EOSID)
	}
	if mi.ModelName != "model" {
		t.Fatalf("model name: got %q", mi.ModelName)
	}
	if got := mi.Extras["st.framework"]; got != "pt" {
		t.Fatalf("metadata extra: got %v", got)
	}

	vocSec := f.Section(SectionVocab)
	if vocSec == nil {
		t.Fatalf("missing vocab section")
	}
	toks, err := ParseVocabSection(f.SectionData(vocSec))
	if err != nil {
		t.Fatalf("parse vocab: %v", err)
	}
	if diff := cmp.Diff([]string{"<s>", "a", "b"}, toks); diff != "" {
		t.Fatalf("vocab mismatch (-want +got):\n%s", diff)
	}

	idxSec := f.Section(SectionTensorIndex)
	if idxSec == nil {
		t.Fatalf("missing tensor index section")
	}
	ti, err := ParseTensorIndexSection(f.SectionData(idxSec))
	if err != nil {
		t.Fatalf("parse tensor index: %v", err)
	}
	if ti.Count() != len(tensors) {
		t.Fatalf("tensor count: got %d want %d", ti.Count(), len(tensors))
	}

	for name, tt := range tensors {
		i, ok := ti.Find(name)
		if !ok {
			t.Fatalf("tensor %q missing from index", name)
		}
		e, err := ti.Entry(i)
		if err != nil {
			t.Fatalf("entry %q: %v", name, err)
		}
		if e.DType != DTypeF32 {
			t.Fatalf("tensor %q: dtype %d", name, e.DType)
		}
		if e.DataOff%64 != 0 {
			t.Fatalf("tensor %q: payload not 64-aligned (offset %d)", name, e.DataOff)
		}
		data, err := ti.TensorData(f, i)
		if err != nil {
			t.Fatalf("tensor data %q: %v", name, err)
		}
		if !bytes.Equal(data, tt.data) {
			t.Fatalf("tensor %q: payload mismatch", name)
		}
	}
}

func TestPackDetectsLSTM(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	in := filepath.Join(dir, "lstm.safetensors")
	out := filepath.Join(dir, "lstm.tmf")
	writeTestSafetensors(t, in, lstmTestTensors(), nil)

	if err := Pack(PackOptions{Input: in, OutputPath: out}); err != nil {
		t.Fatalf("pack: %v", err)
	}

	f, err := Open(out)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer func() { _ = f.Close() }()

	mi, err := ParseLMInfo(f.SectionData(f.Section(SectionLMInfo)))
	if err != nil {
		t.Fatalf("parse lm info: %v", err)
	}
	if mi.CellType != CellLSTM {
		t.Fatalf("cell type: got %v want lstm", mi.CellType)
	}
	if f.Section(SectionVocab) != nil {
		t.Fatalf("vocab section should be absent without tokens")
	}
}

func TestPackCellMismatch(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	in := filepath.Join(dir, "model.safetensors")
	writeTestSafetensors(t, in, gruTestTensors(), nil)

	err := Pack(PackOptions{
		Input:      in,
		OutputPath: filepath.Join(dir, "model.tmf"),
		Cell:       "lstm",
	})
	if err == nil {
		t.Fatalf("expected cell mismatch error")
	}
}

func TestPackRejectsVocabSizeMismatch(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	in := filepath.Join(dir, "model.safetensors")
	writeTestSafetensors(t, in, gruTestTensors(), nil)

	err := Pack(PackOptions{
		Input:      in,
		OutputPath: filepath.Join(dir, "model.tmf"),
		Tokens:     []string{"<s>", "a"},
	})
	if err == nil {
		t.Fatalf("expected vocab size mismatch error")
	}
}

func TestPackMissingTensor(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	in := filepath.Join(dir, "model.safetensors")
	tensors := gruTestTensors()
	delete(tensors, "out.bias")
	writeTestSafetensors(t, in, tensors, nil)

	err := Pack(PackOptions{Input: in, OutputPath: filepath.Join(dir, "model.tmf")})
	if err == nil {
		t.Fatalf("expected missing tensor error")
	}
}

func TestPackCastF16(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	in := filepath.Join(dir, "model.safetensors")
	out := filepath.Join(dir, "model.tmf")
	tensors := gruTestTensors()
	writeTestSafetensors(t, in, tensors, nil)

	if err := Pack(PackOptions{Input: in, OutputPath: out, Cast: "f16"}); err != nil {
		t.Fatalf("pack: %v", err)
	}

	f, err := Open(out)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer func() { _ = f.Close() }()

	ti, err := ParseTensorIndexSection(f.SectionData(f.Section(SectionTensorIndex)))
	if err != nil {
		t.Fatalf("parse tensor index: %v", err)
	}

	i, ok := ti.Find("embed.weight")
	if !ok {
		t.Fatalf("embed.weight missing")
	}
	e, err := ti.Entry(i)
	if err != nil {
		t.Fatalf("entry: %v", err)
	}
	if e.DType != DTypeF16 {
		t.Fatalf("dtype: got %d want f16", e.DType)
	}

	orig := tensors["embed.weight"].data
	wantElems := len(orig) / 4
	if e.DataSize != uint64(wantElems*2) {
		t.Fatalf("size: got %d want %d", e.DataSize, wantElems*2)
	}

	data, err := ti.TensorData(f, i)
	if err != nil {
		t.Fatalf("tensor data: %v", err)
	}
	for j := 0; j < wantElems; j++ {
		want := math.Float32frombits(binary.LittleEndian.Uint32(orig[j*4:]))
		got := fp16ToFloat32(binary.LittleEndian.Uint16(data[j*2:]))
		if d := float64(want - got); d > 1e-3 || d < -1e-3 {
			t.Fatalf("element %d: got %v want %v", j, got, want)
		}
	}
}

func TestResolveBoundaryIDs(t *testing.T) {
	t.Parallel()

	tokens := []string{"x", "<s>", "</s>"}

	for _, tc := range []struct {
		name     string
		sos, eos int
		tokens   []string
		wantSOS  int
		wantEOS  int
		wantErr  bool
	}{
		{name: "defaults", sos: -1, eos: -1, wantSOS: 0, wantEOS: 0},
		{name: "explicit sos mirrors eos", sos: 2, eos: -1, wantSOS: 2, wantEOS: 2},
		{name: "explicit eos mirrors sos", sos: -1, eos: 1, wantSOS: 1, wantEOS: 1},
		{name: "independent ids", sos: 1, eos: 2, wantSOS: 1, wantEOS: 2},
		{name: "from tokens", sos: -1, eos: -1, tokens: tokens, wantSOS: 1, wantEOS: 2},
		{name: "out of range", sos: 7, eos: -1, wantErr: true},
	} {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			sos, eos, err := resolveBoundaryIDs(tc.sos, tc.eos, tc.tokens, 3)
			if tc.wantErr {
				if err == nil {
					t.Fatalf("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("resolve: %v", err)
			}
			if sos != tc.wantSOS || eos != tc.wantEOS {
				t.Fatalf("got sos=%d eos=%d want sos=%d eos=%d", sos, eos, tc.wantSOS, tc.wantEOS)
			}
		})
	}
}
