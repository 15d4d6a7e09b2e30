package tmf

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"strings"
)

const tensorDataVersion uint32 = 1

const (
	sosToken = "<s>"
	eosToken = "</s>"
)

// Tensor names a checkpoint must carry. {l} is the zero-based layer index.
//
//	embed.weight        [vocab, embed]
//	rnn.{l}.weight_ih   [gates*hidden, in]   (in = embed for l=0, hidden above)
//	rnn.{l}.weight_hh   [gates*hidden, hidden]
//	rnn.{l}.bias_ih     [gates*hidden]
//	rnn.{l}.bias_hh     [gates*hidden]
//	out.weight          [vocab, hidden]
//	out.bias            [vocab]
//
// gates is 3 for GRU and 4 for LSTM, which is how the cell type is detected
// when PackOptions.Cell is empty.

type PackOptions struct {
	// Input is a .safetensors checkpoint, or a directory containing exactly one.
	Input string

	// OutputPath is the .tmf file to create.
	OutputPath string

	// ModelName defaults to the input filename without extension.
	ModelName string

	// Cell overrides cell-type detection: "gru" or "lstm". Packing fails if
	// it disagrees with the recurrent weight shapes.
	Cell string

	// SOSID/EOSID are the sentence-boundary token ids. Negative values are
	// resolved from Tokens ("<s>" / "</s>") when present, mirroring each
	// other otherwise, and falling back to id 0.
	SOSID int
	EOSID int

	// Tokens, when non-empty, is the surface string per token id and is
	// embedded as the vocab section. Its length must match the checkpoint's
	// vocab size.
	Tokens []string

	// TensorAlign is the per-tensor alignment inside SectionTensorData. Typical: 64.
	// Set to 1 to disable padding between tensors.
	TensorAlign int

	// Cast controls float casting: "keep" (default), "f32", "f16", "bf16".
	Cast string

	// Extras are merged into the LM info KV table.
	Extras map[string]any
}

func Pack(opts PackOptions) error {
	if opts.Input == "" {
		return errors.New("tmf: pack: Input required")
	}
	if opts.OutputPath == "" {
		return errors.New("tmf: pack: OutputPath required")
	}
	if opts.TensorAlign == 0 {
		opts.TensorAlign = 64
	}
	if opts.Cast == "" {
		opts.Cast = "keep"
	}
	opts.Cast = strings.ToLower(strings.TrimSpace(opts.Cast))
	switch opts.Cast {
	case "keep", "f32", "f16", "bf16":
	default:
		return fmt.Errorf("tmf: pack: unsupported cast %q (use keep|f32|f16|bf16)", opts.Cast)
	}

	sf, err := OpenSafetensors(opts.Input)
	if err != nil {
		return err
	}
	defer func() { _ = sf.Close() }()

	net, err := inferNetwork(sf)
	if err != nil {
		return err
	}
	if opts.Cell != "" {
		want, err := ParseCellType(opts.Cell)
		if err != nil {
			return fmt.Errorf("tmf: pack: %w", err)
		}
		if want != net.cell {
			return fmt.Errorf("tmf: pack: cell %q requested but weights have %d gate blocks (%s)",
				opts.Cell, net.gates, net.cell)
		}
	}

	if len(opts.Tokens) > 0 && uint64(len(opts.Tokens)) != net.vocab {
		return fmt.Errorf("tmf: pack: vocab has %d tokens but checkpoint vocab size is %d",
			len(opts.Tokens), net.vocab)
	}

	sos, eos, err := resolveBoundaryIDs(opts.SOSID, opts.EOSID, opts.Tokens, net.vocab)
	if err != nil {
		return err
	}

	outF, err := os.Create(opts.OutputPath)
	if err != nil {
		return err
	}
	defer func() { _ = outF.Close() }()

	w, err := NewWriter(outF)
	if err != nil {
		return err
	}

	name := opts.ModelName
	if name == "" {
		base := filepath.Base(sf.Path)
		name = strings.TrimSuffix(base, filepath.Ext(base))
	}

	extras := make(map[string]any)
	for k, v := range sf.Metadata {
		extras["st."+k] = v
	}
	for k, v := range opts.Extras {
		extras[k] = v
	}
	if len(extras) == 0 {
		extras = nil
	}

	mi := &LMInfo{
		ModelName:  name,
		CellType:   net.cell,
		VocabSize:  uint32(net.vocab),
		EmbedSize:  uint32(net.embed),
		HiddenSize: uint32(net.hidden),
		LayerCount: uint32(net.layers),
		SOSID:      uint32(sos),
		EOSID:      uint32(eos),
		Extras:     extras,
	}
	miBytes, err := EncodeLMInfo(mi)
	if err != nil {
		return err
	}
	if err := w.WriteSection(SectionLMInfo, 1, miBytes); err != nil {
		return err
	}

	if len(opts.Tokens) > 0 {
		vocBytes, err := EncodeVocabSection(opts.Tokens)
		if err != nil {
			return err
		}
		if err := w.WriteSection(SectionVocab, 1, vocBytes); err != nil {
			return err
		}
	}

	// Tensor data (streaming)
	td, err := w.BeginSection(SectionTensorData, tensorDataVersion)
	if err != nil {
		return err
	}
	defer func() { _ = td.Close() }()

	align := opts.TensorAlign
	if align <= 1 {
		align = 0
	}
	if align == 64 {
		_ = w.AddFlags(FlagTensorDataAligned64)
	}

	copyBuf := make([]byte, 1<<20)
	outBuf := make([]byte, len(copyBuf))

	names := sf.SortedTensorNames()
	recs := make([]TensorIndexRecord, 0, len(names))

	for _, tn := range names {
		info, ok := sf.Tensor(tn)
		if !ok {
			return fmt.Errorf("tmf: safetensors tensor disappeared: %s", tn)
		}

		inDT, inElemSize, err := safetensorsDTypeInfo(info.DType)
		if err != nil {
			return fmt.Errorf("tmf: tensor %q: %w", tn, err)
		}

		shapeU64, nElem, err := shapeToU64(info.Shape)
		if err != nil {
			return fmt.Errorf("tmf: tensor %q: %w", tn, err)
		}

		inBytes := uint64(info.Size())
		wantIn := nElem * uint64(inElemSize)
		if wantIn != inBytes {
			return fmt.Errorf("tmf: tensor %q: dtype/shape mismatch (want %d bytes, have %d)", tn, wantIn, inBytes)
		}

		if align != 0 {
			if err := td.Align(align); err != nil {
				return err
			}
		}

		off, err := td.CurrentAbsOffset()
		if err != nil {
			return err
		}

		r, _, err := sf.TensorReader(tn)
		if err != nil {
			return err
		}

		outDT, written, err := castTensor(td, r, opts.Cast, inDT, info.DType, nElem, inBytes, copyBuf, outBuf)
		if err != nil {
			return fmt.Errorf("tmf: tensor %q: %w", tn, err)
		}

		recs = append(recs, TensorIndexRecord{
			Name:     tn,
			DType:    outDT,
			Shape:    shapeU64,
			DataOff:  off,
			DataSize: written,
		})
	}

	if err := td.End(); err != nil {
		return err
	}

	idxBytes, err := EncodeTensorIndexSection(recs)
	if err != nil {
		return err
	}
	if err := w.WriteSection(SectionTensorIndex, TensorIndexVersion, idxBytes); err != nil {
		return err
	}

	return w.Finalise()
}

type inferredNetwork struct {
	cell   CellType
	gates  uint64
	vocab  uint64
	embed  uint64
	hidden uint64
	layers int
}

// inferNetwork derives the network geometry from the checkpoint's tensor
// shapes alone. The gate count of the stacked recurrent weights identifies
// the cell type.
func inferNetwork(sf *SafetensorsFile) (inferredNetwork, error) {
	var net inferredNetwork

	emb, ok := sf.Tensor("embed.weight")
	if !ok {
		return net, errors.New("tmf: checkpoint missing tensor embed.weight")
	}
	if len(emb.Shape) != 2 {
		return net, fmt.Errorf("tmf: embed.weight: want rank 2, have %d", len(emb.Shape))
	}
	net.vocab = uint64(emb.Shape[0])
	net.embed = uint64(emb.Shape[1])

	whh, ok := sf.Tensor("rnn.0.weight_hh")
	if !ok {
		return net, errors.New("tmf: checkpoint missing tensor rnn.0.weight_hh")
	}
	if len(whh.Shape) != 2 {
		return net, fmt.Errorf("tmf: rnn.0.weight_hh: want rank 2, have %d", len(whh.Shape))
	}
	net.hidden = uint64(whh.Shape[1])
	gh := uint64(whh.Shape[0])
	if net.hidden == 0 || gh%net.hidden != 0 {
		return net, fmt.Errorf("tmf: rnn.0.weight_hh: rows %d not a multiple of hidden %d", gh, net.hidden)
	}
	net.gates = gh / net.hidden
	switch net.gates {
	case 3:
		net.cell = CellGRU
	case 4:
		net.cell = CellLSTM
	default:
		return net, fmt.Errorf("tmf: rnn.0.weight_hh: unsupported gate count %d (want 3 for gru, 4 for lstm)", net.gates)
	}

	for {
		if _, ok := sf.Tensor(fmt.Sprintf("rnn.%d.weight_ih", net.layers)); !ok {
			break
		}
		net.layers++
	}
	if net.layers == 0 {
		return net, errors.New("tmf: checkpoint missing tensor rnn.0.weight_ih")
	}

	for l := 0; l < net.layers; l++ {
		in := net.embed
		if l > 0 {
			in = net.hidden
		}
		if err := requireShape(sf, fmt.Sprintf("rnn.%d.weight_ih", l), gh, in); err != nil {
			return net, err
		}
		if err := requireShape(sf, fmt.Sprintf("rnn.%d.weight_hh", l), gh, net.hidden); err != nil {
			return net, err
		}
		if err := requireShape(sf, fmt.Sprintf("rnn.%d.bias_ih", l), gh); err != nil {
			return net, err
		}
		if err := requireShape(sf, fmt.Sprintf("rnn.%d.bias_hh", l), gh); err != nil {
			return net, err
		}
	}

	if err := requireShape(sf, "out.weight", net.vocab, net.hidden); err != nil {
		return net, err
	}
	if err := requireShape(sf, "out.bias", net.vocab); err != nil {
		return net, err
	}

	return net, nil
}

func requireShape(sf *SafetensorsFile, name string, want ...uint64) error {
	info, ok := sf.Tensor(name)
	if !ok {
		return fmt.Errorf("tmf: checkpoint missing tensor %s", name)
	}
	if len(info.Shape) != len(want) {
		return fmt.Errorf("tmf: %s: want rank %d, have %d", name, len(want), len(info.Shape))
	}
	for i, d := range info.Shape {
		if uint64(d) != want[i] {
			return fmt.Errorf("tmf: %s: want shape %v, have %v", name, want, info.Shape)
		}
	}
	return nil
}

func resolveBoundaryIDs(sos, eos int, tokens []string, vocab uint64) (int, int, error) {
	if sos < 0 {
		sos = tokenID(tokens, sosToken)
	}
	if eos < 0 {
		eos = tokenID(tokens, eosToken)
	}
	if sos < 0 && eos >= 0 {
		sos = eos
	}
	if eos < 0 && sos >= 0 {
		eos = sos
	}
	if sos < 0 {
		sos, eos = 0, 0
	}
	if uint64(sos) >= vocab {
		return 0, 0, fmt.Errorf("tmf: pack: sos id %d out of range (vocab %d)", sos, vocab)
	}
	if uint64(eos) >= vocab {
		return 0, 0, fmt.Errorf("tmf: pack: eos id %d out of range (vocab %d)", eos, vocab)
	}
	return sos, eos, nil
}

func tokenID(tokens []string, tok string) int {
	for i, t := range tokens {
		if t == tok {
			return i
		}
	}
	return -1
}

func safetensorsDTypeInfo(dt string) (TensorDType, int, error) {
	switch strings.ToUpper(dt) {
	case "F32":
		return DTypeF32, 4, nil
	case "F16":
		return DTypeF16, 2, nil
	case "BF16":
		return DTypeBF16, 2, nil
	case "F64":
		return DTypeF64, 8, nil
	case "I8":
		return DTypeI8, 1, nil
	case "U8":
		return DTypeU8, 1, nil
	case "I16":
		return DTypeI16, 2, nil
	case "U16":
		return DTypeU16, 2, nil
	case "I32":
		return DTypeI32, 4, nil
	case "U32":
		return DTypeU32, 4, nil
	case "I64":
		return DTypeI64, 8, nil
	case "U64":
		return DTypeU64, 8, nil
	default:
		return DTypeUnknown, 0, fmt.Errorf("unsupported safetensors dtype %q", dt)
	}
}

func shapeToU64(shape []int64) ([]uint64, uint64, error) {
	if len(shape) == 0 {
		return nil, 0, errors.New("empty shape")
	}
	out := make([]uint64, len(shape))
	var n uint64 = 1
	for i, d := range shape {
		if d <= 0 {
			return nil, 0, fmt.Errorf("invalid dim %d", d)
		}
		ud := uint64(d)
		if ud != 0 && n > (^uint64(0))/ud {
			return nil, 0, errors.New("tensor too large")
		}
		n *= ud
		out[i] = ud
	}
	return out, n, nil
}

// ---- Casting (streaming) ----

func castTensor(dst io.Writer, src io.Reader, cast string, inDT TensorDType, inDTStr string, nElem, inBytes uint64, inBuf, outBuf []byte) (TensorDType, uint64, error) {
	switch cast {
	case "keep":
		n, err := copyExact(dst, src, inBytes, inBuf)
		return inDT, n, err
	case "f32":
		return castToF32(dst, src, inDTStr, nElem, inBytes, inBuf, outBuf)
	case "f16":
		return castToF16(dst, src, inDTStr, nElem, inBytes, inBuf, outBuf)
	case "bf16":
		return castToBF16(dst, src, inDTStr, nElem, inBytes, inBuf, outBuf)
	default:
		return DTypeUnknown, 0, fmt.Errorf("unsupported cast %q", cast)
	}
}

func castToF32(dst io.Writer, src io.Reader, inDType string, nElem, inBytes uint64, inBuf, outBuf []byte) (TensorDType, uint64, error) {
	switch strings.ToUpper(inDType) {
	case "F32":
		w, err := copyExact(dst, src, inBytes, inBuf)
		return DTypeF32, w, err
	case "F16":
		w, err := convertStream(dst, src, nElem, 2, 4, inBuf, outBuf, func(in, out []byte) {
			f := fp16ToFloat32(binary.LittleEndian.Uint16(in))
			binary.LittleEndian.PutUint32(out, math.Float32bits(f))
		})
		return DTypeF32, w, err
	case "BF16":
		w, err := convertStream(dst, src, nElem, 2, 4, inBuf, outBuf, func(in, out []byte) {
			binary.LittleEndian.PutUint32(out, uint32(binary.LittleEndian.Uint16(in))<<16)
		})
		return DTypeF32, w, err
	case "F64":
		w, err := convertStream(dst, src, nElem, 8, 4, inBuf, outBuf, func(in, out []byte) {
			d := math.Float64frombits(binary.LittleEndian.Uint64(in))
			binary.LittleEndian.PutUint32(out, math.Float32bits(float32(d)))
		})
		return DTypeF32, w, err
	default:
		return DTypeUnknown, 0, fmt.Errorf("cannot cast %q to f32", inDType)
	}
}

func castToF16(dst io.Writer, src io.Reader, inDType string, nElem, inBytes uint64, inBuf, outBuf []byte) (TensorDType, uint64, error) {
	switch strings.ToUpper(inDType) {
	case "F16":
		w, err := copyExact(dst, src, inBytes, inBuf)
		return DTypeF16, w, err
	case "F32":
		w, err := convertStream(dst, src, nElem, 4, 2, inBuf, outBuf, func(in, out []byte) {
			f := math.Float32frombits(binary.LittleEndian.Uint32(in))
			binary.LittleEndian.PutUint16(out, float32ToFP16Bits(f))
		})
		return DTypeF16, w, err
	case "BF16":
		w, err := convertStream(dst, src, nElem, 2, 2, inBuf, outBuf, func(in, out []byte) {
			f := bf16ToFloat32(binary.LittleEndian.Uint16(in))
			binary.LittleEndian.PutUint16(out, float32ToFP16Bits(f))
		})
		return DTypeF16, w, err
	default:
		return DTypeUnknown, 0, fmt.Errorf("cannot cast %q to f16", inDType)
	}
}

func castToBF16(dst io.Writer, src io.Reader, inDType string, nElem, inBytes uint64, inBuf, outBuf []byte) (TensorDType, uint64, error) {
	switch strings.ToUpper(inDType) {
	case "BF16":
		w, err := copyExact(dst, src, inBytes, inBuf)
		return DTypeBF16, w, err
	case "F32":
		w, err := convertStream(dst, src, nElem, 4, 2, inBuf, outBuf, func(in, out []byte) {
			binary.LittleEndian.PutUint16(out, bf16FromF32Bits(binary.LittleEndian.Uint32(in)))
		})
		return DTypeBF16, w, err
	case "F16":
		w, err := convertStream(dst, src, nElem, 2, 2, inBuf, outBuf, func(in, out []byte) {
			f := fp16ToFloat32(binary.LittleEndian.Uint16(in))
			binary.LittleEndian.PutUint16(out, bf16FromF32Bits(math.Float32bits(f)))
		})
		return DTypeBF16, w, err
	default:
		return DTypeUnknown, 0, fmt.Errorf("cannot cast %q to bf16", inDType)
	}
}

func copyExact(dst io.Writer, src io.Reader, n uint64, buf []byte) (uint64, error) {
	if n == 0 {
		return 0, nil
	}
	var total uint64
	for total < n {
		toRead := int(min(uint64(len(buf)), n-total))
		rn, err := io.ReadFull(src, buf[:toRead])
		if rn > 0 {
			if _, werr := dst.Write(buf[:rn]); werr != nil {
				return total, werr
			}
			total += uint64(rn)
		}
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

// convertStream streams nElem fixed-size elements through fn, handling
// elements split across read boundaries. fn converts exactly one element
// from in (inSize bytes) to out (outSize bytes).
func convertStream(dst io.Writer, src io.Reader, nElem uint64, inSize, outSize int, inBuf, outBuf []byte, fn func(in, out []byte)) (uint64, error) {
	wantIn := nElem * uint64(inSize)
	var readTotal uint64
	var wroteTotal uint64

	tail := make([]byte, 0, inSize)
	maxPer := len(outBuf) / outSize

	for readTotal < wantIn {
		toRead := int(min(uint64(len(inBuf)), wantIn-readTotal))
		n, err := src.Read(inBuf[:toRead])
		if n > 0 {
			readTotal += uint64(n)
			b := inBuf[:n]

			// finish a split element from the previous read
			if len(tail) != 0 {
				need := inSize - len(tail)
				if len(b) < need {
					tail = append(tail, b...)
					b = nil
				} else {
					tail = append(tail, b[:need]...)
					fn(tail, outBuf[:outSize])
					if _, werr := dst.Write(outBuf[:outSize]); werr != nil {
						return wroteTotal, werr
					}
					wroteTotal += uint64(outSize)
					b = b[need:]
					tail = tail[:0]
				}
			}

			// bulk, chunked so outBuf always fits
			for len(b) >= inSize {
				m := len(b) / inSize
				if m > maxPer {
					m = maxPer
				}
				for i := 0; i < m; i++ {
					fn(b[i*inSize:(i+1)*inSize], outBuf[i*outSize:(i+1)*outSize])
				}
				if _, werr := dst.Write(outBuf[:m*outSize]); werr != nil {
					return wroteTotal, werr
				}
				wroteTotal += uint64(m * outSize)
				b = b[m*inSize:]
			}

			if len(b) != 0 {
				tail = append(tail, b...)
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) && readTotal == wantIn {
				break
			}
			if errors.Is(err, io.EOF) {
				return wroteTotal, io.ErrUnexpectedEOF
			}
			return wroteTotal, err
		}
	}

	if len(tail) != 0 {
		return wroteTotal, errors.New("cast: trailing partial element")
	}
	return wroteTotal, nil
}

func bf16FromF32Bits(u uint32) uint16 {
	// round-to-nearest-even on the truncated 16 bits
	rnd := uint32(0x7FFF + ((u >> 16) & 1))
	return uint16((u + rnd) >> 16)
}

func bf16ToFloat32(u uint16) float32 {
	return math.Float32frombits(uint32(u) << 16)
}

// float32ToFP16Bits implements IEEE 754 binary16 rounding (nearest-even).
func float32ToFP16Bits(f float32) uint16 {
	u := math.Float32bits(f)
	sign := uint16((u >> 16) & 0x8000)
	exp := int((u >> 23) & 0xFF)
	frac := u & 0x7FFFFF

	switch exp {
	case 0xFF:
		if frac != 0 {
			return sign | 0x7E00 // NaN
		}
		return sign | 0x7C00 // Inf
	case 0:
		// Zero/subnormal float32 -> zero fp16 (good enough for packing).
		return sign
	}

	e := exp - 127 + 15
	if e >= 31 {
		return sign | 0x7C00 // overflow -> Inf
	}
	if e <= 0 {
		// subnormal fp16
		if e < -10 {
			return sign
		}
		m := frac | 0x800000
		shift := uint32(14 - e)
		// round-to-nearest-even
		round := uint32(1) << (shift - 1)
		m = m + round - 1 + ((m >> shift) & 1)
		return sign | uint16(m>>shift)
	}

	// normal fp16
	m := frac
	m = m + 0x0FFF + ((m >> 13) & 1)
	if (m & 0x800000) != 0 {
		m = 0
		e++
		if e >= 31 {
			return sign | 0x7C00
		}
	}
	return sign | uint16(e<<10) | uint16(m>>13)
}

func fp16ToFloat32(h uint16) float32 {
	sign := uint32(h>>15) & 0x1
	exp := uint32(h>>10) & 0x1F
	frac := uint32(h & 0x3FF)

	var f uint32
	switch exp {
	case 0:
		if frac == 0 {
			f = sign << 31
		} else {
			e := uint32(127 - 15 + 1)
			for (frac & 0x400) == 0 {
				frac <<= 1
				e--
			}
			frac &= 0x3FF
			f = (sign << 31) | (e << 23) | (frac << 13)
		}
	case 0x1F:
		f = (sign << 31) | 0x7F800000 | (frac << 13)
	default:
		e := exp + (127 - 15)
		f = (sign << 31) | (e << 23) | (frac << 13)
	}
	return math.Float32frombits(f)
}
