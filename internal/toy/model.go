package toy

import (
	"encoding/binary"
	"fmt"
	"math"
	"os"

	"github.com/samcharles93/trellis/internal/tensor"
	"github.com/samcharles93/trellis/pkg/tmf"
)

// Config controls the synthetic model written by WriteModel. Zero values fall
// back to a one-layer GRU over a three-token vocabulary.
type Config struct {
	Cell       tmf.CellType
	VocabSize  int
	EmbedSize  int
	HiddenSize int
	Layers     int
	Seed       int64

	// Tokens, when set, must have VocabSize entries. When nil a vocabulary of
	// "<s>" plus generated word tokens is written.
	Tokens []string

	SOSID     int
	EOSID     int
	ModelName string
}

func (c *Config) applyDefaults() {
	if c.Cell == tmf.CellUnknown {
		c.Cell = tmf.CellGRU
	}
	if c.VocabSize <= 0 {
		c.VocabSize = 3
	}
	if c.EmbedSize <= 0 {
		c.EmbedSize = 4
	}
	if c.HiddenSize <= 0 {
		c.HiddenSize = 4
	}
	if c.Layers <= 0 {
		c.Layers = 1
	}
	if c.ModelName == "" {
		c.ModelName = "toy"
	}
}

// WriteModel writes a complete model artifact with deterministically seeded
// weights to path. The same Config always produces the same file.
func WriteModel(path string, cfg Config) error {
	cfg.applyDefaults()

	gates := 3
	if cfg.Cell == tmf.CellLSTM {
		gates = 4
	}
	if cfg.SOSID < 0 || cfg.SOSID >= cfg.VocabSize {
		return fmt.Errorf("toy: sos id %d out of range", cfg.SOSID)
	}
	if cfg.EOSID < 0 || cfg.EOSID >= cfg.VocabSize {
		return fmt.Errorf("toy: eos id %d out of range", cfg.EOSID)
	}

	tokens := cfg.Tokens
	if tokens == nil {
		tokens = make([]string, cfg.VocabSize)
		tokens[0] = "<s>"
		for i := 1; i < cfg.VocabSize; i++ {
			tokens[i] = fmt.Sprintf("w%d", i)
		}
	}
	if len(tokens) != cfg.VocabSize {
		return fmt.Errorf("toy: %d tokens for vocab size %d", len(tokens), cfg.VocabSize)
	}

	type spec struct {
		name string
		r, c int
		seed int64
		vec  bool
	}
	var specs []spec
	specs = append(specs, spec{"embed.weight", cfg.VocabSize, cfg.EmbedSize, cfg.Seed + 11, false})
	for l := 0; l < cfg.Layers; l++ {
		in := cfg.EmbedSize
		if l > 0 {
			in = cfg.HiddenSize
		}
		base := cfg.Seed + int64(100*l)
		specs = append(specs,
			spec{fmt.Sprintf("rnn.%d.weight_ih", l), gates * cfg.HiddenSize, in, base + 23, false},
			spec{fmt.Sprintf("rnn.%d.weight_hh", l), gates * cfg.HiddenSize, cfg.HiddenSize, base + 37, false},
			spec{fmt.Sprintf("rnn.%d.bias_ih", l), 1, gates * cfg.HiddenSize, base + 53, true},
			spec{fmt.Sprintf("rnn.%d.bias_hh", l), 1, gates * cfg.HiddenSize, base + 71, true},
		)
	}
	specs = append(specs,
		spec{"out.weight", cfg.VocabSize, cfg.HiddenSize, cfg.Seed + 89, false},
		spec{"out.bias", 1, cfg.VocabSize, cfg.Seed + 97, true},
	)

	out, err := os.Create(path)
	if err != nil {
		return err
	}
	defer func() { _ = out.Close() }()

	w, err := tmf.NewWriter(out)
	if err != nil {
		return err
	}

	infoPayload, err := tmf.EncodeLMInfo(&tmf.LMInfo{
		ModelName:  cfg.ModelName,
		CellType:   cfg.Cell,
		VocabSize:  uint32(cfg.VocabSize),
		EmbedSize:  uint32(cfg.EmbedSize),
		HiddenSize: uint32(cfg.HiddenSize),
		LayerCount: uint32(cfg.Layers),
		SOSID:      uint32(cfg.SOSID),
		EOSID:      uint32(cfg.EOSID),
	})
	if err != nil {
		return err
	}
	if err := w.WriteSection(tmf.SectionLMInfo, 1, infoPayload); err != nil {
		return err
	}

	vocabPayload, err := tmf.EncodeVocabSection(tokens)
	if err != nil {
		return err
	}
	if err := w.WriteSection(tmf.SectionVocab, 1, vocabPayload); err != nil {
		return err
	}

	td, err := w.BeginSection(tmf.SectionTensorData, 1)
	if err != nil {
		return err
	}
	defer func() { _ = td.Close() }()

	if err := w.AddFlags(tmf.FlagTensorDataAligned64); err != nil {
		return err
	}

	records := make([]tmf.TensorIndexRecord, 0, len(specs))
	for _, s := range specs {
		m := tensor.NewMat(s.r, s.c)
		tensor.FillRand(&m, s.seed)
		raw := f32LE(m.Data)

		if err := td.Align(64); err != nil {
			return err
		}
		off, err := td.CurrentAbsOffset()
		if err != nil {
			return err
		}
		if _, err := td.Write(raw); err != nil {
			return err
		}

		shape := []uint64{uint64(s.r), uint64(s.c)}
		if s.vec {
			// Bias vectors are rank-1 on disk.
			shape = []uint64{uint64(s.c)}
		}
		records = append(records, tmf.TensorIndexRecord{
			Name:     s.name,
			DType:    tmf.DTypeF32,
			Shape:    shape,
			DataOff:  off,
			DataSize: uint64(len(raw)),
		})
	}
	if err := td.End(); err != nil {
		return err
	}

	indexPayload, err := tmf.EncodeTensorIndexSection(records)
	if err != nil {
		return err
	}
	if err := w.WriteSection(tmf.SectionTensorIndex, tmf.TensorIndexVersion, indexPayload); err != nil {
		return err
	}

	return w.Finalise()
}

func f32LE(vals []float32) []byte {
	raw := make([]byte, 4*len(vals))
	for i, v := range vals {
		binary.LittleEndian.PutUint32(raw[i*4:], math.Float32bits(v))
	}
	return raw
}
