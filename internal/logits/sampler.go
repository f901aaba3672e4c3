package logits

import (
	"math"
	"math/rand"
)

// SamplerConfig configures the behaviour of a Sampler.
type SamplerConfig struct {
	Seed          int64
	Temperature   float32
	TopK          int
	TopP          float32
	MinP          float32
	RepeatPenalty float32
	RepeatLastN   int
}

// Sampler draws one token per call from a score vector. It keeps scratch
// buffers between calls and is not safe for concurrent use.
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

// NewSampler returns a new sampler with the provided configuration.
// Temperature <= 0 selects greedy decoding.
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

// Greedy reports whether the sampler always returns the argmax.
func (s *Sampler) Greedy() bool {
	return s.greedy
}

// Sample draws a single index from scores (logits or log-probabilities;
// both give the same softmax). Steps:
//
//  1. Apply the repetition penalty over the last RepeatLastN entries of
//     recent, skipping ids in exclude.
//  2. Greedy samplers return the argmax.
//  3. Scale by 1/Temperature and shortlist the TopK best.
//  4. Softmax the shortlist, drop entries below MinP*max, cut at TopP.
//  5. Draw from what is left.
//
// Entries of -Inf are never drawn unless every entry is -Inf.
func (s *Sampler) Sample(scores []float32, recent []int32, exclude []int32) int {
	if s.cfg.RepeatPenalty > 1.0 && len(recent) > 0 {
		s.penalize(scores, recent, exclude)
	}

	if s.greedy || (s.cfg.TopK == 1 && s.cfg.TopP >= 1 && s.cfg.Temperature == 1) {
		return Argmax(scores)
	}

	invTemp := float32(1.0) / s.cfg.Temperature
	k := min(s.cfg.TopK, len(scores))

	topIdx, topVal := s.topK(scores, k, invTemp)
	if len(topVal) == 0 {
		return 0
	}

	maxv := topVal[0]
	if math.IsInf(float64(maxv), -1) {
		return topIdx[0]
	}

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
	invSum := 1.0 / sum
	for i := range prob {
		prob[i] *= invSum
	}

	if s.cfg.MinP > 0 {
		threshold := prob[0] * float64(s.cfg.MinP)
		kept := 0
		var keptSum float64
		for i := range prob {
			if prob[i] >= threshold {
				prob[kept] = prob[i]
				topIdx[kept] = topIdx[i]
				keptSum += prob[i]
				kept++
			}
		}
		if kept < len(prob) {
			prob = prob[:kept]
			if keptSum > 0 {
				scale := 1.0 / keptSum
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

	return draw(prob[:cut], topIdx, s.rng.Float64())
}

// draw returns the index whose cumulative probability first reaches r.
// When rounding leaves the total short of r it falls back to the last
// entry with non-zero probability, so a masked entry is never chosen.
func draw(prob []float64, idx []int, r float64) int {
	var c float64
	for i, p := range prob {
		c += p
		if r <= c {
			return idx[i]
		}
	}
	for i := len(prob) - 1; i > 0; i-- {
		if prob[i] > 0 {
			return idx[i]
		}
	}
	return idx[0]
}

func (s *Sampler) penalize(scores []float32, recent []int32, exclude []int32) {
	start := max(len(recent)-s.cfg.RepeatLastN, 0)
	window := recent[start:]

	if len(s.seenMark) < len(scores) {
		s.seenMark = make([]uint32, len(scores))
	}
	s.seenEpoch++
	if s.seenEpoch == 0 {
		clear(s.seenMark)
		s.seenEpoch = 1
	}
	s.seenList = s.seenList[:0]

	for _, id := range window {
		if id >= 0 && int(id) < len(scores) && s.seenMark[id] != s.seenEpoch {
			s.seenMark[id] = s.seenEpoch
			s.seenList = append(s.seenList, int(id))
		}
	}
	for _, id := range exclude {
		if id >= 0 && int(id) < len(scores) {
			s.seenMark[id] = 0
		}
	}
	for _, id := range s.seenList {
		if s.seenMark[id] != s.seenEpoch {
			continue
		}
		if scores[id] > 0 {
			scores[id] /= s.cfg.RepeatPenalty
		} else {
			scores[id] *= s.cfg.RepeatPenalty
		}
	}
}

// Argmax returns the index of the largest value; ties go to the lowest
// index. It panics on an empty slice.
func Argmax(x []float32) int {
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
// scaled by invTemp, ordered from largest to smallest. Equal values keep
// index order. O(V*K), suitable for small K.
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

	for i, l := range scores {
		v := l * invTemp

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
