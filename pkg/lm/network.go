package lm

import (
	"fmt"

	"github.com/samcharles93/trellis/internal/tensor"
	"github.com/samcharles93/trellis/internal/tmfstore"
	"github.com/samcharles93/trellis/pkg/tmf"
)

// network holds the recurrent LM weights in forward-ready form. Weight
// matrices may stay in their on-disk half-precision encoding; the matvec
// kernels decode rows on the fly.
type network struct {
	cell   tmf.CellType
	layers int
	vocab  int
	embed  int
	hidden int

	emb  tensor.Mat   // [vocab, embed]
	wih  []tensor.Mat // per layer [gates*hidden, in]
	whh  []tensor.Mat // per layer [gates*hidden, hidden]
	bih  [][]float32  // per layer [gates*hidden]
	bhh  [][]float32  // per layer [gates*hidden]
	outW tensor.Mat   // [vocab, hidden]
	outB []float32    // [vocab]
}

// Gate blocks are laid out in rows of weight_ih/weight_hh in the usual
// reset/update/new order for GRU and input/forget/cell/output for LSTM.
func gateCount(cell tmf.CellType) int {
	switch cell {
	case tmf.CellGRU:
		return 3
	case tmf.CellLSTM:
		return 4
	default:
		return 0
	}
}

func loadNetwork(f *tmfstore.File) (*network, error) {
	info := f.LMInfo()
	n := &network{
		cell:   info.CellType,
		layers: int(info.LayerCount),
		vocab:  int(info.VocabSize),
		embed:  int(info.EmbedSize),
		hidden: int(info.HiddenSize),
	}
	if n.vocab < 1 || n.embed < 1 || n.hidden < 1 {
		return nil, fmt.Errorf("model dims vocab=%d embed=%d hidden=%d: all must be positive", n.vocab, n.embed, n.hidden)
	}
	if n.layers < 1 {
		return nil, fmt.Errorf("layer count %d: want at least 1", n.layers)
	}

	gates := gateCount(n.cell)
	if gates == 0 {
		// Older artifacts may omit the cell type; the gate block
		// height of the first layer identifies it.
		cell, err := inferCell(f, n.hidden)
		if err != nil {
			return nil, err
		}
		n.cell = cell
		gates = gateCount(cell)
	}

	var err error
	if n.emb, err = loadMat(f, "embed.weight", n.vocab, n.embed); err != nil {
		return nil, err
	}

	n.wih = make([]tensor.Mat, n.layers)
	n.whh = make([]tensor.Mat, n.layers)
	n.bih = make([][]float32, n.layers)
	n.bhh = make([][]float32, n.layers)
	for l := 0; l < n.layers; l++ {
		in := n.hidden
		if l == 0 {
			in = n.embed
		}
		rows := gates * n.hidden
		if n.wih[l], err = loadMat(f, tensorName(l, "weight_ih"), rows, in); err != nil {
			return nil, err
		}
		if n.whh[l], err = loadMat(f, tensorName(l, "weight_hh"), rows, n.hidden); err != nil {
			return nil, err
		}
		if n.bih[l], err = loadVec(f, tensorName(l, "bias_ih"), rows); err != nil {
			return nil, err
		}
		if n.bhh[l], err = loadVec(f, tensorName(l, "bias_hh"), rows); err != nil {
			return nil, err
		}
	}

	if n.outW, err = loadMat(f, "out.weight", n.vocab, n.hidden); err != nil {
		return nil, err
	}
	if n.outB, err = loadVec(f, "out.bias", n.vocab); err != nil {
		return nil, err
	}
	return n, nil
}

func tensorName(layer int, part string) string {
	return fmt.Sprintf("rnn.%d.%s", layer, part)
}

func inferCell(f *tmfstore.File, hidden int) (tmf.CellType, error) {
	ti, err := f.Tensor("rnn.0.weight_ih")
	if err != nil {
		return tmf.CellUnknown, fmt.Errorf("rnn.0.weight_ih: %w", err)
	}
	if len(ti.Shape) != 2 {
		return tmf.CellUnknown, fmt.Errorf("rnn.0.weight_ih: rank %d, want 2", len(ti.Shape))
	}
	switch ti.Shape[0] {
	case 3 * hidden:
		return tmf.CellGRU, nil
	case 4 * hidden:
		return tmf.CellLSTM, nil
	}
	return tmf.CellUnknown, fmt.Errorf("rnn.0.weight_ih has %d rows: not a gate multiple of hidden size %d", ti.Shape[0], hidden)
}

func loadMat(f *tmfstore.File, name string, rows, cols int) (tensor.Mat, error) {
	m, err := tensor.LoadMat(f, name)
	if err != nil {
		return tensor.Mat{}, fmt.Errorf("%s: %w", name, err)
	}
	if m.R != rows || m.C != cols {
		return tensor.Mat{}, fmt.Errorf("%s: shape [%d %d], want [%d %d]", name, m.R, m.C, rows, cols)
	}
	return m, nil
}

func loadVec(f *tmfstore.File, name string, want int) ([]float32, error) {
	v, err := tensor.LoadVec(f, name)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	if len(v) != want {
		return nil, fmt.Errorf("%s: length %d, want %d", name, len(v), want)
	}
	return v, nil
}

// scratch holds per-call buffers so concurrent scoring calls never share
// intermediate storage. Every buffer is fully overwritten before use.
type scratch struct {
	x      []float32 // embedding row
	gi     []float32 // input-to-hidden gate preactivations
	gh     []float32 // hidden-to-hidden gate preactivations
	logits []float32
	zero   []float32 // read-only stand-in for empty-history layers
}

func (n *network) newScratch() *scratch {
	g := gateCount(n.cell) * n.hidden
	return &scratch{
		x:      make([]float32, n.embed),
		gi:     make([]float32, g),
		gh:     make([]float32, g),
		logits: make([]float32, n.vocab),
		zero:   make([]float32, n.hidden),
	}
}

// advance runs one token through the network from st and returns the next
// state together with the log-probability distribution for the following
// token. The distribution slice is sc.logits and is only valid until the
// scratch is reused; the returned state owns fresh buffers. st is read
// only, so callers may advance the same state any number of times.
func (n *network) advance(p *tensor.Pool, sc *scratch, st State, tok int) (State, []float32) {
	next := State{h: make([][]float32, n.layers)}
	if n.cell == tmf.CellLSTM {
		next.c = make([][]float32, n.layers)
	}

	n.emb.RowTo(sc.x, tok)
	in := sc.x
	for l := 0; l < n.layers; l++ {
		hPrev := sc.zero
		cPrev := sc.zero
		if !st.empty() {
			hPrev = st.h[l]
			if st.c != nil {
				cPrev = st.c[l]
			}
		}

		p.MatVec(sc.gi, &n.wih[l], in)
		tensor.Add(sc.gi, n.bih[l])
		p.MatVec(sc.gh, &n.whh[l], hPrev)
		tensor.Add(sc.gh, n.bhh[l])

		h := make([]float32, n.hidden)
		switch n.cell {
		case tmf.CellGRU:
			gruCell(h, hPrev, sc.gi, sc.gh, n.hidden)
		case tmf.CellLSTM:
			c := make([]float32, n.hidden)
			lstmCell(h, c, cPrev, sc.gi, sc.gh, n.hidden)
			next.c[l] = c
		}
		next.h[l] = h
		in = h
	}

	p.MatVec(sc.logits, &n.outW, in)
	tensor.Add(sc.logits, n.outB)
	tensor.LogSoftmax(sc.logits)
	return next, sc.logits
}

// gruCell applies one GRU update. The new-gate term keeps the recurrent
// preactivation separate so the reset gate scales only the hidden half.
func gruCell(h, hPrev, gi, gh []float32, hidden int) {
	for j := 0; j < hidden; j++ {
		r := tensor.Sigmoid(gi[j] + gh[j])
		z := tensor.Sigmoid(gi[hidden+j] + gh[hidden+j])
		ng := tensor.Tanh(gi[2*hidden+j] + r*gh[2*hidden+j])
		h[j] = (1-z)*ng + z*hPrev[j]
	}
}

func lstmCell(h, c, cPrev, gi, gh []float32, hidden int) {
	for j := 0; j < hidden; j++ {
		ig := tensor.Sigmoid(gi[j] + gh[j])
		fg := tensor.Sigmoid(gi[hidden+j] + gh[hidden+j])
		gg := tensor.Tanh(gi[2*hidden+j] + gh[2*hidden+j])
		og := tensor.Sigmoid(gi[3*hidden+j] + gh[3*hidden+j])
		c[j] = fg*cPrev[j] + ig*gg
		h[j] = og * tensor.Tanh(c[j])
	}
}
