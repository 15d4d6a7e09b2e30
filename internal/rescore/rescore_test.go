package rescore

import (
	"context"
	"errors"
	"math"
	"path/filepath"
	"slices"
	"testing"

	"github.com/samcharles93/trellis/internal/toy"
	"github.com/samcharles93/trellis/pkg/lm"
)

func loadScorer(t *testing.T, tcfg toy.Config, lcfg lm.Config) *lm.Scorer {
	t.Helper()
	path := filepath.Join(t.TempDir(), "model.tmf")
	if err := toy.WriteModel(path, tcfg); err != nil {
		t.Fatalf("write model: %v", err)
	}
	s, err := lm.Load(path, lcfg)
	if err != nil {
		t.Fatalf("load model: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestScoreSequenceMatchesStepChain(t *testing.T) {
	t.Parallel()

	s := loadScorer(t, toy.Config{VocabSize: 5}, lm.DefaultConfig())
	tokens := []int{1, 3, 2, 4}

	total, perTok, err := ScoreSequence(context.Background(), s, tokens)
	if err != nil {
		t.Fatalf("ScoreSequence: %v", err)
	}
	if len(perTok) != len(tokens)+1 {
		t.Fatalf("got %d per-token scores, want %d", len(perTok), len(tokens)+1)
	}

	var want []float32
	var wantTotal float32
	st := s.StartState()
	prev := s.Start()
	for _, tok := range tokens {
		score, next, err := s.Step(st, prev, tok)
		if err != nil {
			t.Fatalf("step: %v", err)
		}
		want = append(want, score)
		wantTotal += score
		st, prev = next, tok
	}
	eos, err := s.StepEOS(st, prev)
	if err != nil {
		t.Fatalf("eos: %v", err)
	}
	want = append(want, eos)
	wantTotal += eos

	if !slices.Equal(perTok, want) {
		t.Fatalf("per-token scores %v, want %v", perTok, want)
	}
	if total != wantTotal {
		t.Fatalf("total %v, want %v", total, wantTotal)
	}
}

func TestScoreSequenceEmpty(t *testing.T) {
	t.Parallel()

	s := loadScorer(t, toy.Config{}, lm.DefaultConfig())
	total, perTok, err := ScoreSequence(context.Background(), s, nil)
	if err != nil {
		t.Fatalf("ScoreSequence: %v", err)
	}
	if len(perTok) != 1 {
		t.Fatalf("got %d per-token scores, want 1", len(perTok))
	}
	if total != perTok[0] {
		t.Fatalf("total %v, want the lone eos score %v", total, perTok[0])
	}
	if total > 0 || math.IsInf(float64(total), 0) || math.IsNaN(float64(total)) {
		t.Fatalf("eos score %v is not a finite log probability", total)
	}
}

func TestScoreSequenceCancelled(t *testing.T) {
	t.Parallel()

	s := loadScorer(t, toy.Config{}, lm.DefaultConfig())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, _, err := ScoreSequence(ctx, s, []int{1, 2}); !errors.Is(err, context.Canceled) {
		t.Fatalf("got %v, want context.Canceled", err)
	}
}

func TestRescoreNBestOrderingAndScores(t *testing.T) {
	t.Parallel()

	s := loadScorer(t, toy.Config{VocabSize: 6}, lm.DefaultConfig())
	hyps := [][]int{
		{1, 2, 3},
		{4, 5},
		{2},
		nil,
		{5, 4, 3, 2, 1},
	}

	r := NewRescorer(s, 0)
	results, err := r.RescoreNBest(context.Background(), hyps)
	if err != nil {
		t.Fatalf("RescoreNBest: %v", err)
	}
	if len(results) != len(hyps) {
		t.Fatalf("got %d results, want %d", len(results), len(hyps))
	}
	for i, res := range results {
		if !slices.Equal(res.Tokens, hyps[i]) {
			t.Fatalf("result %d holds tokens %v, want %v", i, res.Tokens, hyps[i])
		}
		wantTotal, wantPerTok, err := ScoreSequence(context.Background(), s, hyps[i])
		if err != nil {
			t.Fatalf("ScoreSequence(%d): %v", i, err)
		}
		if res.Score != wantTotal || !slices.Equal(res.TokenScores, wantPerTok) {
			t.Fatalf("result %d: score %v / %v, want %v / %v",
				i, res.Score, res.TokenScores, wantTotal, wantPerTok)
		}
	}
}

func TestRescoreNBestDeterministicUnderConcurrency(t *testing.T) {
	t.Parallel()

	s := loadScorer(t, toy.Config{VocabSize: 4}, lm.Config{Threads: 2, SOS: -1, EOS: -1})
	hyp := []int{1, 3, 2, 1}
	hyps := make([][]int, 16)
	for i := range hyps {
		hyps[i] = hyp
	}

	r := NewRescorer(s, 8)
	results, err := r.RescoreNBest(context.Background(), hyps)
	if err != nil {
		t.Fatalf("RescoreNBest: %v", err)
	}
	for i := 1; i < len(results); i++ {
		if results[i].Score != results[0].Score || !slices.Equal(results[i].TokenScores, results[0].TokenScores) {
			t.Fatalf("result %d diverged from result 0", i)
		}
	}
}

func TestRescoreNBestPropagatesError(t *testing.T) {
	t.Parallel()

	s := loadScorer(t, toy.Config{}, lm.DefaultConfig())
	hyps := [][]int{{1}, {99}}

	r := NewRescorer(s, 2)
	if _, err := r.RescoreNBest(context.Background(), hyps); !errors.Is(err, lm.ErrTokenOutOfRange) {
		t.Fatalf("got %v, want ErrTokenOutOfRange", err)
	}
}

func TestBest(t *testing.T) {
	t.Parallel()

	if got := Best(nil); got != -1 {
		t.Fatalf("Best(nil) = %d, want -1", got)
	}
	results := []Result{{Score: -4}, {Score: -1.5}, {Score: -1.5}, {Score: -9}}
	if got := Best(results); got != 1 {
		t.Fatalf("Best = %d, want 1 (ties keep the earliest)", got)
	}
}
