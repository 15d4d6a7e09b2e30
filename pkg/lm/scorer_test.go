package lm

import (
	"errors"
	"math"
	"path/filepath"
	"slices"
	"sync"
	"testing"

	"github.com/samcharles93/trellis/internal/toy"
	"github.com/samcharles93/trellis/pkg/tmf"
)

func writeToyModel(t *testing.T, cfg toy.Config) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "model.tmf")
	if err := toy.WriteModel(path, cfg); err != nil {
		t.Fatalf("write toy model: %v", err)
	}
	return path
}

func loadScorer(t *testing.T, tcfg toy.Config, cfg Config) *Scorer {
	t.Helper()
	s, err := Load(writeToyModel(t, tcfg), cfg)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func mustStep(t *testing.T, s *Scorer, st State, prev, label int) (float32, State) {
	t.Helper()
	score, next, err := s.Step(st, prev, label)
	if err != nil {
		t.Fatalf("step(%d, %d): %v", prev, label, err)
	}
	return score, next
}

func statesEqual(a, b State) bool {
	if len(a.h) != len(b.h) || len(a.c) != len(b.c) {
		return false
	}
	for l := range a.h {
		if !slices.Equal(a.h[l], b.h[l]) {
			return false
		}
	}
	for l := range a.c {
		if !slices.Equal(a.c[l], b.c[l]) {
			return false
		}
	}
	return true
}

func validLogProb(f float32) bool {
	v := float64(f)
	return !math.IsNaN(v) && !math.IsInf(v, 0) && f <= 0
}

func TestStepDeterministic(t *testing.T) {
	t.Parallel()
	s := loadScorer(t, toy.Config{Seed: 1}, DefaultConfig())

	_, st := mustStep(t, s, s.StartState(), s.Start(), 1)
	score1, next1 := mustStep(t, s, st, 1, 2)
	score2, next2 := mustStep(t, s, st, 1, 2)
	if score1 != score2 {
		t.Fatalf("scores differ across identical calls: %v vs %v", score1, score2)
	}
	if !statesEqual(next1, next2) {
		t.Fatal("states differ across identical calls")
	}
}

func TestStartSeedsFirstStep(t *testing.T) {
	t.Parallel()
	s := loadScorer(t, toy.Config{Seed: 2}, DefaultConfig())

	if s.Start() != 0 {
		t.Fatalf("Start() = %d, want 0", s.Start())
	}
	for label := 0; label < s.VocabSize(); label++ {
		score, next, err := s.Step(s.StartState(), s.Start(), label)
		if err != nil {
			t.Fatalf("first step with label %d: %v", label, err)
		}
		if !validLogProb(score) {
			t.Errorf("first step with label %d: score %v is not a log-probability", label, score)
		}
		if next.empty() {
			t.Errorf("first step with label %d returned an empty state", label)
		}
	}
}

func TestScoresAreLogProbs(t *testing.T) {
	t.Parallel()
	s := loadScorer(t, toy.Config{Seed: 3}, DefaultConfig())

	st := s.StartState()
	prev := s.Start()
	for _, label := range []int{1, 2, 1, 0, 2} {
		score, next, err := s.Step(st, prev, label)
		if err != nil {
			t.Fatalf("step(%d, %d): %v", prev, label, err)
		}
		if !validLogProb(score) {
			t.Fatalf("step(%d, %d) = %v, want a finite non-positive score", prev, label, score)
		}
		st, prev = next, label
	}
	eos, err := s.StepEOS(st, prev)
	if err != nil {
		t.Fatalf("step_eos: %v", err)
	}
	if !validLogProb(eos) {
		t.Fatalf("step_eos = %v, want a finite non-positive score", eos)
	}
}

func TestProbabilityMassConservation(t *testing.T) {
	t.Parallel()
	s := loadScorer(t, toy.Config{Seed: 4}, DefaultConfig())

	// Walk a couple of states deep so the check covers more than the
	// start state.
	states := []State{s.StartState()}
	prevs := []int{s.Start()}
	_, st1 := mustStep(t, s, states[0], prevs[0], 1)
	states, prevs = append(states, st1), append(prevs, 1)
	_, st2 := mustStep(t, s, st1, 1, 2)
	states, prevs = append(states, st2), append(prevs, 2)

	for i := range states {
		// The boundary id 0 is scored through StepEOS; the labels
		// above it tile the rest of the distribution, so together
		// they must account for all probability mass.
		sum := 0.0
		for label := 1; label < s.VocabSize(); label++ {
			score, _, err := s.Step(states[i], prevs[i], label)
			if err != nil {
				t.Fatalf("state %d, label %d: %v", i, label, err)
			}
			sum += math.Exp(float64(score))
		}
		eos, err := s.StepEOS(states[i], prevs[i])
		if err != nil {
			t.Fatalf("state %d, eos: %v", i, err)
		}
		sum += math.Exp(float64(eos))
		if math.Abs(sum-1) > 1e-5 {
			t.Errorf("state %d: probability mass sums to %v, want 1", i, sum)
		}
	}
}

func TestBranchingOrderIndependence(t *testing.T) {
	t.Parallel()
	s := loadScorer(t, toy.Config{Seed: 5}, DefaultConfig())

	_, anc := mustStep(t, s, s.StartState(), s.Start(), 1)
	snap := anc.clone()

	scoreA1, stA1 := mustStep(t, s, anc, 1, 2)
	scoreB1, stB1 := mustStep(t, s, anc, 1, 0)

	scoreB2, stB2 := mustStep(t, s, anc, 1, 0)
	scoreA2, stA2 := mustStep(t, s, anc, 1, 2)

	if scoreA1 != scoreA2 || scoreB1 != scoreB2 {
		t.Fatalf("branch scores depend on call order: (%v, %v) vs (%v, %v)", scoreA1, scoreB1, scoreA2, scoreB2)
	}
	if !statesEqual(stA1, stA2) || !statesEqual(stB1, stB2) {
		t.Fatal("branch states depend on call order")
	}
	if !statesEqual(anc, snap) {
		t.Fatal("ancestor state was modified by branching")
	}
}

func TestAdvanceMatchesStep(t *testing.T) {
	t.Parallel()
	s := loadScorer(t, toy.Config{Seed: 6}, DefaultConfig())

	_, st := mustStep(t, s, s.StartState(), s.Start(), 2)
	dist, next, err := s.Advance(st, 2)
	if err != nil {
		t.Fatalf("advance: %v", err)
	}
	if len(dist) != s.VocabSize() {
		t.Fatalf("advance returned %d scores, want %d", len(dist), s.VocabSize())
	}
	for label := 0; label < s.VocabSize(); label++ {
		score, stepNext, err := s.Step(st, 2, label)
		if err != nil {
			t.Fatalf("step label %d: %v", label, err)
		}
		if score != dist[label] {
			t.Errorf("label %d: step score %v, advance score %v", label, score, dist[label])
		}
		if !statesEqual(next, stepNext) {
			t.Errorf("label %d: step state differs from advance state", label)
		}
	}
}

func TestEndToEndBoundary(t *testing.T) {
	t.Parallel()
	// Two ids: the boundary symbol doubles as start and end of
	// sequence, and "a" is the only real token.
	s := loadScorer(t, toy.Config{
		VocabSize: 2,
		Tokens:    []string{"<s>", "a"},
		Seed:      7,
	}, DefaultConfig())

	if s.Start() != 0 {
		t.Fatalf("Start() = %d, want 0", s.Start())
	}
	if s.EOS() != 0 {
		t.Fatalf("EOS() = %d, want 0", s.EOS())
	}

	score, st, err := s.Step(s.StartState(), s.Start(), 1)
	if err != nil {
		t.Fatalf("step: %v", err)
	}
	if !validLogProb(score) || score == 0 {
		t.Fatalf("step score %v, want finite negative", score)
	}
	if st.empty() {
		t.Fatal("step returned an empty state")
	}

	eos, err := s.StepEOS(st, 1)
	if err != nil {
		t.Fatalf("step_eos: %v", err)
	}
	if !validLogProb(eos) || eos == 0 {
		t.Fatalf("step_eos score %v, want finite negative", eos)
	}
}

func TestTokenOutOfRange(t *testing.T) {
	t.Parallel()
	s := loadScorer(t, toy.Config{Seed: 8}, DefaultConfig())
	_, st := mustStep(t, s, s.StartState(), s.Start(), 1)

	cases := []struct {
		name string
		call func() error
	}{
		{"step label too large", func() error { _, _, err := s.Step(st, 1, 99); return err }},
		{"step label negative", func() error { _, _, err := s.Step(st, 1, -1); return err }},
		{"step prev too large", func() error { _, _, err := s.Step(st, 99, 1); return err }},
		{"eos prev too large", func() error { _, err := s.StepEOS(st, 99); return err }},
		{"advance prev negative", func() error { _, _, err := s.Advance(st, -2); return err }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.call()
			var serr *ScoringError
			if !errors.As(err, &serr) {
				t.Fatalf("got %v, want a *ScoringError", err)
			}
			if !errors.Is(err, ErrTokenOutOfRange) {
				t.Fatalf("got %v, want ErrTokenOutOfRange", err)
			}
		})
	}
}

func TestStateFromOtherModelRejected(t *testing.T) {
	t.Parallel()
	narrow := loadScorer(t, toy.Config{Seed: 9}, DefaultConfig())
	wide := loadScorer(t, toy.Config{HiddenSize: 6, Seed: 9}, DefaultConfig())
	deep := loadScorer(t, toy.Config{Layers: 2, Seed: 9}, DefaultConfig())
	lstm := loadScorer(t, toy.Config{Cell: tmf.CellLSTM, Seed: 9}, DefaultConfig())

	_, st := mustStep(t, narrow, narrow.StartState(), narrow.Start(), 1)

	for _, tc := range []struct {
		name string
		s    *Scorer
	}{
		{"wrong hidden size", wide},
		{"wrong layer count", deep},
		{"missing cell memory", lstm},
	} {
		t.Run(tc.name, func(t *testing.T) {
			_, _, err := tc.s.Step(st, 1, 2)
			var serr *ScoringError
			if !errors.As(err, &serr) {
				t.Fatalf("got %v, want a *ScoringError", err)
			}
			if !errors.Is(err, ErrStateMismatch) {
				t.Fatalf("got %v, want ErrStateMismatch", err)
			}
		})
	}
}

func TestLSTMScoring(t *testing.T) {
	t.Parallel()
	s := loadScorer(t, toy.Config{Cell: tmf.CellLSTM, Seed: 10}, DefaultConfig())

	score1, st := mustStep(t, s, s.StartState(), s.Start(), 1)
	score2, st2 := mustStep(t, s, s.StartState(), s.Start(), 1)
	if score1 != score2 || !statesEqual(st, st2) {
		t.Fatal("lstm scoring is not deterministic")
	}
	if len(st.c) != 1 || len(st.c[0]) != 4 {
		t.Fatalf("lstm state carries no cell memory: %d layers", len(st.c))
	}

	sum := 0.0
	for label := 1; label < s.VocabSize(); label++ {
		score, _ := mustStep(t, s, st, 1, label)
		if !validLogProb(score) {
			t.Fatalf("label %d: score %v is not a log-probability", label, score)
		}
		sum += math.Exp(float64(score))
	}
	eos, err := s.StepEOS(st, 1)
	if err != nil {
		t.Fatalf("step_eos: %v", err)
	}
	sum += math.Exp(float64(eos))
	if math.Abs(sum-1) > 1e-5 {
		t.Fatalf("probability mass sums to %v, want 1", sum)
	}
}

func TestConcurrentStepsAgree(t *testing.T) {
	t.Parallel()
	s := loadScorer(t, toy.Config{Seed: 11}, Config{Threads: 2, SOS: -1, EOS: -1})
	_, st := mustStep(t, s, s.StartState(), s.Start(), 1)

	const n = 16
	scores := make([]float32, n)
	states := make([]State, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			score, next, err := s.Step(st, 1, 2)
			if err != nil {
				t.Errorf("step %d: %v", i, err)
				return
			}
			scores[i], states[i] = score, next
		}(i)
	}
	wg.Wait()
	for i := 1; i < n; i++ {
		if scores[i] != scores[0] {
			t.Fatalf("concurrent step %d scored %v, step 0 scored %v", i, scores[i], scores[0])
		}
		if !statesEqual(states[i], states[0]) {
			t.Fatalf("concurrent step %d produced a different state", i)
		}
	}
}

func TestWorkerCountDoesNotChangeScores(t *testing.T) {
	t.Parallel()
	path := writeToyModel(t, toy.Config{HiddenSize: 32, EmbedSize: 16, VocabSize: 8, Seed: 12})

	one, err := Load(path, DefaultConfig())
	if err != nil {
		t.Fatalf("load single-threaded: %v", err)
	}
	defer one.Close()
	four, err := Load(path, Config{Threads: 4, SOS: -1, EOS: -1})
	if err != nil {
		t.Fatalf("load with workers: %v", err)
	}
	defer four.Close()

	st1, st4 := one.StartState(), four.StartState()
	prev := one.Start()
	for _, label := range []int{3, 1, 7, 2, 5} {
		s1, n1 := mustStep(t, one, st1, prev, label)
		s4, n4 := mustStep(t, four, st4, prev, label)
		if s1 != s4 {
			t.Fatalf("label %d: single-threaded score %v, pooled score %v", label, s1, s4)
		}
		if !statesEqual(n1, n4) {
			t.Fatalf("label %d: states diverge between worker counts", label)
		}
		st1, st4, prev = n1, n4, label
	}
}

func TestStepAfterClose(t *testing.T) {
	t.Parallel()
	s := loadScorer(t, toy.Config{Seed: 13}, DefaultConfig())
	_, st := mustStep(t, s, s.StartState(), s.Start(), 1)

	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if _, _, err := s.Step(st, 1, 2); !errors.Is(err, ErrClosed) {
		t.Fatalf("step after close: got %v, want ErrClosed", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
}

func TestModelMetadata(t *testing.T) {
	t.Parallel()
	s := loadScorer(t, toy.Config{Seed: 14}, DefaultConfig())

	if got := s.VocabSize(); got != 3 {
		t.Fatalf("VocabSize() = %d, want 3", got)
	}
	if got := s.Vocab(); len(got) != 3 || got[0] != "<s>" || got[1] != "w1" {
		t.Fatalf("Vocab() = %v", got)
	}
	if got := s.CellType(); got != "gru" {
		t.Fatalf("CellType() = %q, want gru", got)
	}
	if s.Layers() != 1 || s.HiddenSize() != 4 {
		t.Fatalf("Layers() = %d, HiddenSize() = %d, want 1 and 4", s.Layers(), s.HiddenSize())
	}
}
