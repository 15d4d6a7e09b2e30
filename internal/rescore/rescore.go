// Package rescore scores complete label sequences with a language model and
// reranks n-best hypothesis lists.
package rescore

import (
	"context"
	"fmt"
	"runtime"

	"golang.org/x/sync/errgroup"

	"github.com/samcharles93/trellis/pkg/lm"
)

// Model is the slice of the scorer surface that sequence scoring consumes.
// *lm.Scorer satisfies it.
type Model interface {
	Start() int
	StartState() lm.State
	Step(st lm.State, prev, label int) (float32, lm.State, error)
	StepEOS(st lm.State, prev int) (float32, error)
}

// Result holds the model score for one hypothesis.
type Result struct {
	Tokens      []int
	Score       float32
	TokenScores []float32
}

// ScoreSequence scores tokens as one complete sequence, chaining Step from
// the start state and closing with StepEOS. The returned slice holds one log
// probability per token plus a final entry for the sequence end, so its
// length is len(tokens)+1; the total is their sum. The context is checked
// between steps so long sequences can be abandoned.
func ScoreSequence(ctx context.Context, m Model, tokens []int) (float32, []float32, error) {
	perToken := make([]float32, 0, len(tokens)+1)
	var total float32

	st := m.StartState()
	prev := m.Start()
	for _, tok := range tokens {
		if err := ctx.Err(); err != nil {
			return 0, nil, err
		}
		score, next, err := m.Step(st, prev, tok)
		if err != nil {
			return 0, nil, err
		}
		perToken = append(perToken, score)
		total += score
		st, prev = next, tok
	}
	if err := ctx.Err(); err != nil {
		return 0, nil, err
	}
	eos, err := m.StepEOS(st, prev)
	if err != nil {
		return 0, nil, err
	}
	perToken = append(perToken, eos)
	total += eos
	return total, perToken, nil
}

// Rescorer scores n-best lists concurrently against one shared model handle.
type Rescorer struct {
	model   Model
	workers int
}

// NewRescorer returns a rescorer that scores up to workers hypotheses at a
// time. A non-positive workers uses GOMAXPROCS.
func NewRescorer(m Model, workers int) *Rescorer {
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}
	return &Rescorer{model: m, workers: workers}
}

// RescoreNBest scores every hypothesis and returns results in input order.
// Hypotheses are scored concurrently, each along its own chain of states.
func (r *Rescorer) RescoreNBest(ctx context.Context, hyps [][]int) ([]Result, error) {
	results := make([]Result, len(hyps))

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(r.workers)
	for i, hyp := range hyps {
		g.Go(func() error {
			total, perTok, err := ScoreSequence(ctx, r.model, hyp)
			if err != nil {
				return fmt.Errorf("hypothesis %d: %w", i, err)
			}
			results[i] = Result{Tokens: hyp, Score: total, TokenScores: perTok}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

// Best returns the index of the highest scoring result, or -1 for an empty
// slice. Ties keep the earliest hypothesis.
func Best(results []Result) int {
	best := -1
	for i := range results {
		if best < 0 || results[i].Score > results[best].Score {
			best = i
		}
	}
	return best
}
