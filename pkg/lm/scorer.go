// Package lm scores token sequences with a recurrent language model, one
// step at a time.
//
// The scorer is built for search decoders that keep many live hypotheses.
// Each hypothesis carries an opaque State plus the label it last emitted;
// the state deliberately runs one label behind. Step first advances the
// state on that previous label, then reads the candidate label's score
// from the resulting distribution. The advanced state it returns becomes
// the successor hypothesis's state, again one label behind. Under this
// protocol every emitted token passes through the network exactly once no
// matter how widely the search branches.
package lm

import (
	"fmt"
	"sync"

	"github.com/samcharles93/trellis/internal/tensor"
	"github.com/samcharles93/trellis/internal/tmfstore"
	"github.com/samcharles93/trellis/pkg/tmf"
)

// Config controls model loading. Start from DefaultConfig: the zero value
// would override both boundary ids to token 0.
type Config struct {
	// Threads sets the matvec worker count. Values below 2 keep scoring
	// single-threaded.
	Threads int

	// SOS and EOS replace the artifact's boundary ids when non-negative.
	SOS int
	EOS int
}

// DefaultConfig returns a single-threaded configuration that keeps the
// artifact's boundary ids.
func DefaultConfig() Config {
	return Config{Threads: 1, SOS: -1, EOS: -1}
}

// Scorer scores token sequences against one loaded model. It is safe for
// concurrent use; every call borrows its own scratch buffers and states
// are never shared between calls.
type Scorer struct {
	mu    sync.RWMutex
	store *tmfstore.File // nil once closed
	net   *network
	pool  *tensor.Pool
	spool sync.Pool

	vocab []string
	sos   int
	eos   int
}

// Load opens a model artifact and returns a ready scorer. Any failure is
// reported as a *LoadError and leaves nothing behind; there is no
// partially usable scorer.
func Load(path string, cfg Config) (*Scorer, error) {
	f, err := tmfstore.Open(path)
	if err != nil {
		return nil, &LoadError{Path: path, Err: err}
	}
	s, err := newScorer(f, cfg)
	if err != nil {
		f.Close()
		return nil, &LoadError{Path: path, Err: err}
	}
	return s, nil
}

func newScorer(f *tmfstore.File, cfg Config) (*Scorer, error) {
	net, err := loadNetwork(f)
	if err != nil {
		return nil, err
	}
	info := f.LMInfo()
	sos := int(info.SOSID)
	eos := int(info.EOSID)
	if cfg.SOS >= 0 {
		sos = cfg.SOS
	}
	if cfg.EOS >= 0 {
		eos = cfg.EOS
	}
	if sos >= net.vocab || eos >= net.vocab {
		return nil, fmt.Errorf("boundary ids sos=%d eos=%d exceed vocab size %d", sos, eos, net.vocab)
	}
	s := &Scorer{
		store: f,
		net:   net,
		vocab: f.Vocab(),
		sos:   sos,
		eos:   eos,
	}
	if cfg.Threads > 1 {
		s.pool = tensor.NewPool(cfg.Threads)
	}
	s.spool.New = func() any { return net.newScratch() }
	return s, nil
}

// Close releases the model mapping and stops the worker pool. It blocks
// until in-flight scoring calls finish; the scorer must not be used
// afterwards.
func (s *Scorer) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.store == nil {
		return nil
	}
	err := s.store.Close()
	s.store = nil
	s.pool.Close()
	s.pool = nil
	return err
}

// Start returns the start-of-sequence id. A decoder passes it as the
// previous label on the first step from the start state.
func (s *Scorer) Start() int { return s.sos }

// EOS returns the end-of-sequence id scored by StepEOS.
func (s *Scorer) EOS() int { return s.eos }

// StartState returns the state for an empty history. The zero State is
// equivalent and equally valid.
func (s *Scorer) StartState() State { return State{} }

// Vocab returns the artifact's token strings indexed by id, or nil when
// the artifact carries none.
func (s *Scorer) Vocab() []string { return s.vocab }

// VocabSize returns the number of token ids the model scores.
func (s *Scorer) VocabSize() int { return s.net.vocab }

// CellType returns the recurrent cell kind, "gru" or "lstm".
func (s *Scorer) CellType() string { return s.net.cell.String() }

// Layers returns the stacked cell count.
func (s *Scorer) Layers() int { return s.net.layers }

// HiddenSize returns the per-layer hidden vector width.
func (s *Scorer) HiddenSize() int { return s.net.hidden }

// Step scores label following the history reached by advancing st on
// prev. It returns the natural-log probability of label and the advanced
// state for the hypothesis now ending in label. The returned state
// reflects prev only, so it is the shared successor for every label
// scored from the same (st, prev) pair; the divergence is applied by the
// next call's advance. st is not modified.
func (s *Scorer) Step(st State, prev, label int) (float32, State, error) {
	const op = "step"
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.check(op, st, prev, label); err != nil {
		return 0, State{}, err
	}
	sc := s.spool.Get().(*scratch)
	next, dist := s.net.advance(s.pool, sc, st, prev)
	score := dist[label]
	s.spool.Put(sc)
	return score, next, nil
}

// StepEOS scores the end-of-sequence transition from the history reached
// by advancing st on prev. The hypothesis is terminal afterwards, so no
// state is returned.
func (s *Scorer) StepEOS(st State, prev int) (float32, error) {
	const op = "step_eos"
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.check(op, st, prev, s.eos); err != nil {
		return 0, err
	}
	sc := s.spool.Get().(*scratch)
	_, dist := s.net.advance(s.pool, sc, st, prev)
	score := dist[s.eos]
	s.spool.Put(sc)
	return score, nil
}

// Advance consumes prev once and returns the full log-probability
// distribution together with the advanced state. For every label,
// dist[label] equals the score Step would return for (st, prev, label)
// and the state equals Step's next state, so a decoder scoring many
// candidates from one branch point can replace that many Step calls with
// one Advance. The returned slice is the caller's to keep.
func (s *Scorer) Advance(st State, prev int) ([]float32, State, error) {
	const op = "advance"
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.check(op, st, prev, 0); err != nil {
		return nil, State{}, err
	}
	sc := s.spool.Get().(*scratch)
	next, dist := s.net.advance(s.pool, sc, st, prev)
	out := make([]float32, len(dist))
	copy(out, dist)
	s.spool.Put(sc)
	return out, next, nil
}

// check validates one scoring call under the read lock. label may be an
// internal id (eos, or 0 for Advance) that earlier validation already
// covers.
func (s *Scorer) check(op string, st State, prev, label int) error {
	if s.store == nil {
		return scoringErr(op, ErrClosed)
	}
	if prev < 0 || prev >= s.net.vocab {
		return scoringErr(op, fmt.Errorf("prev label %d: %w (vocab size %d)", prev, ErrTokenOutOfRange, s.net.vocab))
	}
	if label < 0 || label >= s.net.vocab {
		return scoringErr(op, fmt.Errorf("label %d: %w (vocab size %d)", label, ErrTokenOutOfRange, s.net.vocab))
	}
	if st.empty() {
		return nil
	}
	if len(st.h) != s.net.layers {
		return scoringErr(op, fmt.Errorf("state has %d layers, model has %d: %w", len(st.h), s.net.layers, ErrStateMismatch))
	}
	for l, h := range st.h {
		if len(h) != s.net.hidden {
			return scoringErr(op, fmt.Errorf("state layer %d has width %d, model hidden size is %d: %w", l, len(h), s.net.hidden, ErrStateMismatch))
		}
	}
	if s.net.cell == tmf.CellLSTM {
		if len(st.c) != s.net.layers {
			return scoringErr(op, fmt.Errorf("state carries no cell memory for an lstm model: %w", ErrStateMismatch))
		}
		for l, c := range st.c {
			if len(c) != s.net.hidden {
				return scoringErr(op, fmt.Errorf("state cell layer %d has width %d, model hidden size is %d: %w", l, len(c), s.net.hidden, ErrStateMismatch))
			}
		}
	}
	return nil
}
