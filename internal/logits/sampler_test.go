package logits

import "testing"

func TestSampleDeterministic(t *testing.T) {
	t.Parallel()

	cfg := SamplerConfig{Seed: 42, Temperature: 0.9, TopK: 4, TopP: 0.95}
	a := NewSampler(cfg)
	b := NewSampler(cfg)
	scores := []float32{-2.2, -1.8, -1.2, -0.9, -2.6, -3.1}
	for i := 0; i < 32; i++ {
		got, want := a.Sample(scores, nil), b.Sample(scores, nil)
		if got != want {
			t.Fatalf("draw %d: samplers diverged: %d vs %d", i, got, want)
		}
	}
}

func TestSampleGreedy(t *testing.T) {
	t.Parallel()

	// Zero temperature decodes greedily regardless of the other knobs.
	scores := []float32{-4.1, -0.3, -2.7, -0.1, -5.0}
	s := NewSampler(SamplerConfig{Seed: 1})
	for i := 0; i < 8; i++ {
		if got := s.Sample(scores, nil); got != 3 {
			t.Fatalf("greedy draw %d: got %d, want 3", i, got)
		}
	}
}

func TestSampleTopKOne(t *testing.T) {
	t.Parallel()

	scores := []float32{-1, -5, -3, -7, -2}
	s := NewSampler(SamplerConfig{Seed: 9, Temperature: 1, TopK: 1, TopP: 1})
	if got := s.Sample(scores, nil); got != 0 {
		t.Fatalf("top-k 1: got %d, want 0", got)
	}
}

func TestSampleTopPCut(t *testing.T) {
	t.Parallel()

	// Index 0 holds nearly all of the mass, so a 0.5 top-p cut keeps only it.
	scores := []float32{10, 0, 0, 0, 0}
	s := NewSampler(SamplerConfig{Seed: 7, Temperature: 1, TopK: 5, TopP: 0.5})
	for i := 0; i < 16; i++ {
		if got := s.Sample(scores, nil); got != 0 {
			t.Fatalf("draw %d: got %d, want 0", i, got)
		}
	}
}

func TestSampleTopKShortlist(t *testing.T) {
	t.Parallel()

	scores := []float32{-0.5, -0.6, -8, -9, -10}
	s := NewSampler(SamplerConfig{Seed: 3, Temperature: 1, TopK: 2, TopP: 1})
	for i := 0; i < 64; i++ {
		if got := s.Sample(scores, nil); got > 1 {
			t.Fatalf("draw %d: id %d outside the top-2 shortlist", i, got)
		}
	}
}

func TestSampleMinPFiltersTail(t *testing.T) {
	t.Parallel()

	// The tail ids carry around 4.5% each, below half of the leading
	// probability, so min-p 0.5 removes them from the candidate set.
	scores := []float32{-0.2, -0.2, -2.5, -2.5}
	s := NewSampler(SamplerConfig{Seed: 11, Temperature: 1, TopK: 4, TopP: 1, MinP: 0.5})
	for i := 0; i < 64; i++ {
		if got := s.Sample(scores, nil); got > 1 {
			t.Fatalf("draw %d: id %d survived the min-p filter", i, got)
		}
	}
}

func TestSampleRepeatPenalty(t *testing.T) {
	t.Parallel()

	s := NewSampler(SamplerConfig{Seed: 5, RepeatPenalty: 2, RepeatLastN: 8})
	fresh := func() []float32 { return []float32{-0.10, -0.15, -4, -4} }

	if got := s.Sample(fresh(), nil); got != 0 {
		t.Fatalf("unpenalised draw: got %d, want 0", got)
	}
	if got := s.Sample(fresh(), []int{0}); got != 1 {
		t.Fatalf("penalised draw: got %d, want 1", got)
	}
}

func TestSampleRepeatWindow(t *testing.T) {
	t.Parallel()

	// Only the trailing RepeatLastN entries of recent are penalised, so id 1
	// keeps its score even though it appears earlier in the history.
	s := NewSampler(SamplerConfig{Seed: 5, RepeatPenalty: 3, RepeatLastN: 1})
	scores := []float32{0.5, 0.2}
	if got := s.Sample(scores, []int{1, 0}); got != 1 {
		t.Fatalf("got %d, want 1", got)
	}
}
