package search

import (
	"cmp"
	"slices"
)

// Results materialises every prompt's hypotheses ordered by descending
// score, ties broken by lower slot. Each group is cut to
// NumReturnSequences. Pruned slots are omitted, so a prompt whose group
// ever had fewer than K finite continuations (a vocabulary mostly masked
// to -Inf, or EOS suppressed by MinLength) returns fewer than K
// hypotheses. Called before Done, live slots are reported with reason
// Running.
func (s *State) Results() []Group {
	groups := make([]Group, s.batch)
	for g := range s.batch {
		hyps := make([]Hypothesis, 0, s.k)
		for slot := g * s.k; slot < (g+1)*s.k; slot++ {
			b := s.beams[slot]
			if b.Reason == Pruned {
				continue
			}
			hyps = append(hyps, Hypothesis{
				Tokens:       slices.Clone(b.Tokens),
				Score:        b.Score,
				Reason:       b.Reason,
				Slot:         slot,
				PromptLength: s.promptLens[slot],
			})
		}
		slices.SortStableFunc(hyps, func(a, b Hypothesis) int {
			if a.Score != b.Score {
				if a.Score > b.Score {
					return -1
				}
				return 1
			}
			return cmp.Compare(a.Slot, b.Slot)
		})
		if len(hyps) > s.params.NumReturnSequences {
			hyps = hyps[:s.params.NumReturnSequences]
		}
		groups[g] = Group{Prompt: g, Hypotheses: hyps}
	}
	return groups
}
