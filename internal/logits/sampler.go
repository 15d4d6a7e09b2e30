// Package logits implements token sampling over model score vectors.
//
// Scores are unnormalised log probabilities. Raw logits and log-softmax
// output sample identically because the softmax applied here is shift
// invariant, so the distributions produced by the scorer can be fed in
// directly.
package logits

import (
	"math"
	"math/rand"
)

// SamplerConfig configures a Sampler. Zero values select the defaults
// applied by NewSampler.
type SamplerConfig struct {
	Seed          int64
	Temperature   float32
	TopK          int
	TopP          float32
	MinP          float32
	RepeatPenalty float32
	RepeatLastN   int
}

// Sampler draws token ids from score vectors. It keeps scratch buffers
// between calls and is not safe for concurrent use.
type Sampler struct {
	rng       *rand.Rand
	cfg       SamplerConfig
	greedy    bool
	topIdx    []int
	topVal    []float32
	prob      []float64
	seenMark  []uint32
	seenEpoch uint32
	seenList  []int
}

// NewSampler returns a sampler with the provided configuration. A
// non-positive temperature selects greedy decoding.
func NewSampler(cfg SamplerConfig) *Sampler {
	greedy := cfg.Temperature <= 0
	if cfg.Temperature <= 0 {
		cfg.Temperature = 1
	}
	if cfg.TopK <= 0 {
		cfg.TopK = 40
	}
	if cfg.TopP <= 0 || cfg.TopP > 1 {
		cfg.TopP = 1
	}
	if cfg.RepeatPenalty <= 0 {
		cfg.RepeatPenalty = 1.0
	}
	if cfg.RepeatLastN <= 0 {
		cfg.RepeatLastN = 64
	}
	return &Sampler{
		rng:    rand.New(rand.NewSource(cfg.Seed)),
		cfg:    cfg,
		greedy: greedy,
	}
}

// Sample draws a single id from the scores vector:
//
//  1. If a repetition penalty is configured, the ids in the trailing
//     RepeatLastN entries of recent are penalised in place.
//  2. If the sampler is greedy (or TopK is 1 at unit temperature and top-p),
//     the argmax is returned.
//  3. Otherwise scores are scaled by the inverse temperature and the top k
//     candidates are shortlisted.
//  4. A softmax over the shortlist is computed, filtered by min-p, and cut
//     where the cumulative probability reaches top-p.
//  5. An id is drawn from the remaining candidates.
func (s *Sampler) Sample(scores []float32, recent []int) int {
	if s.cfg.RepeatPenalty > 1.0 && len(recent) > 0 {
		start := max(len(recent)-s.cfg.RepeatLastN, 0)
		window := recent[start:]

		if len(s.seenMark) < len(scores) {
			s.seenMark = make([]uint32, len(scores))
		}
		s.seenEpoch++
		if s.seenEpoch == 0 {
			for i := range s.seenMark {
				s.seenMark[i] = 0
			}
			s.seenEpoch = 1
		}
		s.seenList = s.seenList[:0]

		for _, id := range window {
			if id >= 0 && id < len(scores) && s.seenMark[id] != s.seenEpoch {
				s.seenMark[id] = s.seenEpoch
				s.seenList = append(s.seenList, id)
			}
		}

		for _, id := range s.seenList {
			if scores[id] > 0 {
				scores[id] /= s.cfg.RepeatPenalty
			} else {
				scores[id] *= s.cfg.RepeatPenalty
			}
		}
	}

	if s.greedy || (s.cfg.TopK == 1 && s.cfg.TopP >= 1 && s.cfg.Temperature == 1) {
		return argmax(scores)
	}

	invTemp := float32(1) / s.cfg.Temperature

	k := min(s.cfg.TopK, len(scores))

	topIdx, topVal := s.topK(scores, k, invTemp)
	if len(topVal) == 0 {
		return 0
	}

	// topK orders the shortlist descending, so the first value anchors the
	// softmax.
	maxv := topVal[0]
	if cap(s.prob) < len(topVal) {
		s.prob = make([]float64, len(topVal))
	}
	prob := s.prob[:len(topVal)]
	var sum float64
	for i := range topVal {
		e := math.Exp(float64(topVal[i] - maxv))
		prob[i] = e
		sum += e
	}
	if sum == 0 {
		return topIdx[0]
	}
	invSum := 1 / sum
	for i := range prob {
		prob[i] *= invSum
	}

	if s.cfg.MinP > 0 {
		threshold := prob[0] * float64(s.cfg.MinP)

		newLen := 0
		var kept float64
		for i := range prob {
			if prob[i] >= threshold {
				prob[newLen] = prob[i]
				topIdx[newLen] = topIdx[i]
				kept += prob[i]
				newLen++
			}
		}

		// Renormalise so the top-p cut below sees a distribution that sums
		// to one.
		if newLen < len(prob) {
			prob = prob[:newLen]
			if kept > 0 {
				scale := 1 / kept
				for i := range prob {
					prob[i] *= scale
				}
			}
		}
	}

	cut := len(prob)
	if s.cfg.TopP < 1 {
		var c float64
		for i := range prob {
			c += prob[i]
			if float32(c) >= s.cfg.TopP {
				cut = i + 1
				break
			}
		}
	}

	r := s.rng.Float64()
	var c float64
	for i := 0; i < cut; i++ {
		c += prob[i]
		if r <= c {
			return topIdx[i]
		}
	}

	return topIdx[cut-1]
}

// argmax returns the index of the maximum value in the slice. If the slice is
// empty it panics.
func argmax(x []float32) int {
	if len(x) == 0 {
		panic("argmax: empty slice")
	}
	bestI := 0
	bestV := x[0]
	for i := 1; i < len(x); i++ {
		if x[i] > bestV {
			bestV = x[i]
			bestI = i
		}
	}
	return bestI
}

// topK returns the indices and values of the k largest elements in scores,
// scaled by invTemp. The returned slices are ordered from largest to smallest
// by value. This is an O(V*K) algorithm suitable for small K.
func (s *Sampler) topK(scores []float32, k int, invTemp float32) ([]int, []float32) {
	if k <= 0 {
		return nil, nil
	}
	if cap(s.topIdx) < k+1 {
		s.topIdx = make([]int, 0, k+1)
		s.topVal = make([]float32, 0, k+1)
	}
	topIdx := s.topIdx[:0]
	topVal := s.topVal[:0]

	for i, v := range scores {
		v *= invTemp

		pos := len(topVal)
		for pos > 0 && topVal[pos-1] < v {
			pos--
		}
		if pos >= k {
			continue
		}

		topIdx = append(topIdx, 0)
		topVal = append(topVal, 0)

		copy(topIdx[pos+1:], topIdx[pos:])
		copy(topVal[pos+1:], topVal[pos:])
		topIdx[pos] = i
		topVal[pos] = v

		if len(topVal) > k {
			topIdx = topIdx[:k]
			topVal = topVal[:k]
		}
	}
	if len(topIdx) == 0 {
		return []int{0}, []float32{0}
	}
	s.topIdx = topIdx
	s.topVal = topVal
	return topIdx, topVal
}
