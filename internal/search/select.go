package search

import (
	"cmp"
	"math"
	"slices"
)

// candidate is one way to fill a slot next step: either a parent slot
// extended by a token, or a finished parent carried unchanged (token -1).
type candidate struct {
	score  float64
	token  int32
	parent int
}

func compareCandidates(a, b candidate) int {
	if a.score != b.score {
		// Descending score.
		if a.score > b.score {
			return -1
		}
		return 1
	}
	if c := cmp.Compare(a.token, b.token); c != 0 {
		return c
	}
	return cmp.Compare(a.parent, b.parent)
}

// advanceBeams keeps, for every prompt group, the K best candidates among
// the extensions of its live slots and its finished slots. Ranking is by
// cumulative score, then lower token id, then lower parent slot.
func (s *State) advanceBeams(vocab int) ([]int32, []int32) {
	next := make([]int32, s.n)
	survivors := make([]int32, s.n)
	beams := make([]Beam, s.n)

	for g := range s.batch {
		lo, hi := g*s.k, (g+1)*s.k
		cands := s.cands[:0]
		for parent := lo; parent < hi; parent++ {
			b := s.beams[parent]
			if b.Done() {
				cands = append(cands, candidate{score: b.Score, token: -1, parent: parent})
				continue
			}
			if !s.viable[parent] {
				continue
			}
			cands = s.topExtensions(cands, parent, s.logp[parent*vocab:(parent+1)*vocab])
		}
		slices.SortFunc(cands, compareCandidates)
		s.cands = cands

		for i := range s.k {
			slot := lo + i
			if i >= len(cands) {
				// Not enough viable continuations: the slot keeps its
				// prefix and drops out of the results.
				beams[slot] = Beam{
					Tokens: slices.Clone(s.beams[slot].Tokens),
					Score:  math.Inf(-1),
					Reason: Pruned,
				}
				survivors[slot] = int32(slot)
				next[slot] = s.pad
				continue
			}
			c := cands[i]
			parent := s.beams[c.parent]
			survivors[slot] = int32(c.parent)
			if c.token < 0 {
				beams[slot] = Beam{Tokens: slices.Clone(parent.Tokens), Score: parent.Score, Reason: parent.Reason}
				next[slot] = s.pad
				continue
			}
			tokens := make([]int32, len(parent.Tokens), len(parent.Tokens)+1)
			copy(tokens, parent.Tokens)
			beams[slot] = Beam{Tokens: append(tokens, c.token), Score: c.score}
			s.finish(slot, &beams[slot])
			next[slot] = c.token
		}
	}
	s.beams = beams
	return next, survivors
}

// topExtensions appends parent's K best token extensions to cands. No
// more than K candidates from one parent can survive, so the rest of the
// vocabulary is skipped. Zero-probability tokens are never candidates.
func (s *State) topExtensions(cands []candidate, parent int, row []float32) []candidate {
	base := s.beams[parent].Score
	start := len(cands)
	for tok, lp := range row {
		if math.IsInf(float64(lp), -1) {
			continue
		}
		c := candidate{score: base + float64(lp), token: int32(tok), parent: parent}
		n := len(cands) - start
		if n == s.k && compareCandidates(c, cands[len(cands)-1]) >= 0 {
			continue
		}
		if n < s.k {
			cands = append(cands, c)
		} else {
			cands[len(cands)-1] = c
		}
		// Insertion keeps this parent's slice sorted.
		for i := len(cands) - 1; i > start && compareCandidates(cands[i], cands[i-1]) < 0; i-- {
			cands[i], cands[i-1] = cands[i-1], cands[i]
		}
	}
	return cands
}
