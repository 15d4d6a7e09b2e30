package lm

import (
	"encoding/binary"
	"errors"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/samcharles93/trellis/pkg/tmf"
)

type rawTensor struct {
	name  string
	shape []uint64
	vals  []float32
}

// writeRawModel builds an artifact by hand so tests can produce shapes and
// metadata the toy builder refuses to write.
func writeRawModel(t *testing.T, info *tmf.LMInfo, tensors []rawTensor) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "raw.tmf")

	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	defer f.Close()
	w, err := tmf.NewWriter(f)
	if err != nil {
		t.Fatalf("new writer: %v", err)
	}

	infoData, err := tmf.EncodeLMInfo(info)
	if err != nil {
		t.Fatalf("encode lm info: %v", err)
	}
	if err := w.WriteSection(tmf.SectionLMInfo, 1, infoData); err != nil {
		t.Fatalf("write lm info: %v", err)
	}

	td, err := w.BeginSection(tmf.SectionTensorData, 1)
	if err != nil {
		t.Fatalf("begin tensor data: %v", err)
	}
	recs := make([]tmf.TensorIndexRecord, 0, len(tensors))
	for _, tr := range tensors {
		off, err := td.CurrentAbsOffset()
		if err != nil {
			t.Fatalf("%s: offset: %v", tr.name, err)
		}
		raw := make([]byte, 4*len(tr.vals))
		for i, v := range tr.vals {
			binary.LittleEndian.PutUint32(raw[i*4:], math.Float32bits(v))
		}
		if _, err := td.Write(raw); err != nil {
			t.Fatalf("%s: write: %v", tr.name, err)
		}
		recs = append(recs, tmf.TensorIndexRecord{
			Name:     tr.name,
			DType:    tmf.DTypeF32,
			Shape:    tr.shape,
			DataOff:  off,
			DataSize: uint64(len(raw)),
		})
	}
	if err := td.End(); err != nil {
		t.Fatalf("end tensor data: %v", err)
	}

	idx, err := tmf.EncodeTensorIndexSection(recs)
	if err != nil {
		t.Fatalf("encode tensor index: %v", err)
	}
	if err := w.WriteSection(tmf.SectionTensorIndex, tmf.TensorIndexVersion, idx); err != nil {
		t.Fatalf("write tensor index: %v", err)
	}
	if err := w.Finalise(); err != nil {
		t.Fatalf("finalise: %v", err)
	}
	return path
}

// tinyGRUTensors returns a complete zero-weight parameter set for a
// one-layer GRU with vocab 2, embed 2 and hidden 2.
func tinyGRUTensors() []rawTensor {
	return []rawTensor{
		{"embed.weight", []uint64{2, 2}, make([]float32, 4)},
		{"rnn.0.weight_ih", []uint64{6, 2}, make([]float32, 12)},
		{"rnn.0.weight_hh", []uint64{6, 2}, make([]float32, 12)},
		{"rnn.0.bias_ih", []uint64{6}, make([]float32, 6)},
		{"rnn.0.bias_hh", []uint64{6}, make([]float32, 6)},
		{"out.weight", []uint64{2, 2}, make([]float32, 4)},
		{"out.bias", []uint64{2}, make([]float32, 2)},
	}
}

func tinyInfo(cell tmf.CellType) *tmf.LMInfo {
	return &tmf.LMInfo{
		ModelName:  "tiny",
		CellType:   cell,
		VocabSize:  2,
		EmbedSize:  2,
		HiddenSize: 2,
		LayerCount: 1,
	}
}

func expectLoadError(t *testing.T, path string, cfg Config) *LoadError {
	t.Helper()
	s, err := Load(path, cfg)
	if err == nil {
		s.Close()
		t.Fatal("load succeeded, want a *LoadError")
	}
	var lerr *LoadError
	if !errors.As(err, &lerr) {
		t.Fatalf("got %v, want a *LoadError", err)
	}
	return lerr
}

func TestLoadMissingFile(t *testing.T) {
	t.Parallel()
	lerr := expectLoadError(t, filepath.Join(t.TempDir(), "absent.tmf"), DefaultConfig())
	if lerr.Path == "" {
		t.Fatal("LoadError carries no path")
	}
}

func TestLoadCorruptFile(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "garbage.tmf")
	if err := os.WriteFile(path, []byte("this is not a model"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	expectLoadError(t, path, DefaultConfig())
}

func TestLoadMissingTensors(t *testing.T) {
	t.Parallel()
	// Metadata promises a one-layer GRU but only the embedding exists.
	path := writeRawModel(t, tinyInfo(tmf.CellGRU), []rawTensor{
		{"embed.weight", []uint64{2, 2}, make([]float32, 4)},
	})
	expectLoadError(t, path, DefaultConfig())
}

func TestLoadWrongGateRows(t *testing.T) {
	t.Parallel()
	tensors := tinyGRUTensors()
	// 5 rows is neither 3*hidden nor 4*hidden.
	tensors[1] = rawTensor{"rnn.0.weight_ih", []uint64{5, 2}, make([]float32, 10)}
	tensors[2] = rawTensor{"rnn.0.weight_hh", []uint64{5, 2}, make([]float32, 10)}
	tensors[3] = rawTensor{"rnn.0.bias_ih", []uint64{5}, make([]float32, 5)}
	tensors[4] = rawTensor{"rnn.0.bias_hh", []uint64{5}, make([]float32, 5)}
	path := writeRawModel(t, tinyInfo(tmf.CellGRU), tensors)
	expectLoadError(t, path, DefaultConfig())
}

func TestLoadCellInferenceFails(t *testing.T) {
	t.Parallel()
	tensors := tinyGRUTensors()
	tensors[1] = rawTensor{"rnn.0.weight_ih", []uint64{5, 2}, make([]float32, 10)}
	path := writeRawModel(t, tinyInfo(tmf.CellUnknown), tensors)
	expectLoadError(t, path, DefaultConfig())
}

func TestLoadBoundaryOverrideOutOfRange(t *testing.T) {
	t.Parallel()
	path := writeRawModel(t, tinyInfo(tmf.CellGRU), tinyGRUTensors())
	cfg := DefaultConfig()
	cfg.SOS = 42
	expectLoadError(t, path, cfg)
}

func TestLoadInfersCellType(t *testing.T) {
	t.Parallel()
	// The artifact omits the cell type; the gate block height of the
	// first layer identifies a GRU.
	path := writeRawModel(t, tinyInfo(tmf.CellUnknown), tinyGRUTensors())
	s, err := Load(path, DefaultConfig())
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	defer s.Close()
	if s.net.cell != tmf.CellGRU {
		t.Fatalf("inferred cell %v, want gru", s.net.cell)
	}
	if _, _, err := s.Step(s.StartState(), s.Start(), 1); err != nil {
		t.Fatalf("step: %v", err)
	}
}

func TestBoundaryOverride(t *testing.T) {
	t.Parallel()
	path := writeRawModel(t, tinyInfo(tmf.CellGRU), tinyGRUTensors())
	cfg := DefaultConfig()
	cfg.SOS = 0
	cfg.EOS = 1
	s, err := Load(path, cfg)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	defer s.Close()

	if s.Start() != 0 || s.EOS() != 1 {
		t.Fatalf("boundary ids = (%d, %d), want (0, 1)", s.Start(), s.EOS())
	}
	// With eos moved to id 1, StepEOS must agree with Step on label 1.
	stepScore, _, err := s.Step(s.StartState(), 0, 1)
	if err != nil {
		t.Fatalf("step: %v", err)
	}
	eosScore, err := s.StepEOS(s.StartState(), 0)
	if err != nil {
		t.Fatalf("step_eos: %v", err)
	}
	if stepScore != eosScore {
		t.Fatalf("step scored %v, step_eos scored %v", stepScore, eosScore)
	}
}
