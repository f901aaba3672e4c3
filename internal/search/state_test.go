package search

import (
	"math"
	"math/rand"
	"testing"

	"github.com/samcharles93/seqgen/internal/fault"
	"github.com/samcharles93/seqgen/internal/logits"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	tokA int32 = iota
	tokB
	tokC
	tokEOS
)

const vocab = 4

var ninf = float32(math.Inf(-1))

func lp(p float64) float32 { return float32(math.Log(p)) }

func output(kind ScoreKind, rows ...[]float32) Output {
	out := Output{Rows: len(rows), Vocab: vocab, Kind: kind}
	for _, r := range rows {
		out.Scores = append(out.Scores, r...)
	}
	return out
}

func params(k, maxLen int) Params {
	return Params{NumBeams: k, MaxLength: maxLen, EOS: []int32{tokEOS}}
}

func TestGreedyStopsAtEOS(t *testing.T) {
	t.Parallel()

	s, err := NewState([][]int32{{tokA, tokB}}, params(1, 10))
	require.NoError(t, err)

	next, survivors, err := s.Advance(output(Logits, []float32{0, 0, 0, 5}))
	require.NoError(t, err)
	assert.Equal(t, []int32{tokEOS}, next)
	assert.Equal(t, []int32{0}, survivors)
	require.True(t, s.Done())

	groups := s.Results()
	require.Len(t, groups, 1)
	require.Len(t, groups[0].Hypotheses, 1)
	h := groups[0].Hypotheses[0]
	assert.Equal(t, []int32{tokA, tokB, tokEOS}, h.Tokens)
	assert.Equal(t, EndOfSequence, h.Reason)
	assert.Equal(t, []int32{tokEOS}, h.Generated())
}

func TestBeamScenarioTieKeepsLowerSlot(t *testing.T) {
	t.Parallel()

	s, err := NewState([][]int32{{tokA}}, params(2, 10))
	require.NoError(t, err)

	// Step 1: only beam 0 expands. Row 1 would win outright if it were
	// considered.
	next, survivors, err := s.Advance(output(LogProbs,
		[]float32{ninf, lp(0.7), lp(0.3), ninf},
		[]float32{0, ninf, ninf, ninf},
	))
	require.NoError(t, err)
	assert.Equal(t, []int32{tokB, tokC}, next)
	assert.Equal(t, []int32{0, 0}, survivors)
	assert.Greater(t, s.Beam(0).Score, s.Beam(1).Score)

	// Step 2: both beams converge on A with equal cumulative scores.
	next, survivors, err = s.Advance(output(LogProbs,
		[]float32{lp(0.3), ninf, ninf, ninf},
		[]float32{lp(0.7), ninf, ninf, ninf},
	))
	require.NoError(t, err)
	assert.Equal(t, []int32{tokA, tokA}, next)
	assert.Equal(t, []int32{0, 1}, survivors)
	assert.Equal(t, s.Beam(0).Score, s.Beam(1).Score)
	assert.Equal(t, []int32{tokA, tokB, tokA}, s.Tokens(0))
	assert.Equal(t, []int32{tokA, tokC, tokA}, s.Tokens(1))
}

func TestBeamTieBreaksByTokenThenParent(t *testing.T) {
	t.Parallel()

	s, err := NewState([][]int32{{tokA}}, params(2, 10))
	require.NoError(t, err)
	_, _, err = s.Advance(output(LogProbs,
		[]float32{ninf, lp(0.5), lp(0.5), ninf},
		[]float32{ninf, ninf, ninf, ninf},
	))
	require.NoError(t, err)
	// Equal scores: the lower token id takes the lower slot.
	assert.Equal(t, []int32{tokA, tokB}, s.Tokens(0))
	assert.Equal(t, []int32{tokA, tokC}, s.Tokens(1))
}

func TestProtocolViolationOnRowMismatch(t *testing.T) {
	t.Parallel()

	s, err := NewState([][]int32{{tokA}, {tokB}}, params(2, 10))
	require.NoError(t, err)

	row := []float32{1, 2, 3, 4}
	_, _, err = s.Advance(output(Logits, row, row, row))
	require.Error(t, err)
	assert.Equal(t, fault.ProtocolViolation, fault.KindOf(err))
	assert.Equal(t, 0, s.Step(), "a rejected step must not change state")

	bad := output(Logits, row, row, row, row)
	bad.Scores = bad.Scores[:15]
	_, _, err = s.Advance(bad)
	assert.ErrorIs(t, err, fault.ErrProtocol)

	small := Output{Rows: 4, Vocab: 2, Kind: Logits, Scores: make([]float32, 8)}
	_, _, err = s.Advance(small)
	assert.ErrorIs(t, err, fault.ErrProtocol, "vocab must cover the EOS id")
}

func TestNumericAnomalyTerminatesOnlyAffectedSlot(t *testing.T) {
	t.Parallel()

	s, err := NewState([][]int32{{tokA}, {tokB}}, params(1, 10))
	require.NoError(t, err)

	nan := float32(math.NaN())
	next, _, err := s.Advance(output(Logits,
		[]float32{0, 0, 4, 0},
		[]float32{0, nan, 1, 0},
	))
	require.NoError(t, err)
	assert.Equal(t, []int32{tokC, tokEOS}, next, "the anomalous slot is fed the pad token")
	assert.Equal(t, Running, s.Beam(0).Reason)
	assert.Equal(t, Anomaly, s.Beam(1).Reason)
	assert.Equal(t, []int32{tokB}, s.Tokens(1))
	assert.Equal(t, 0.0, s.Beam(1).Score)
	assert.Equal(t, 1, s.Anomalies())

	events := s.TakeAnomalies()
	require.Len(t, events, 1)
	assert.Equal(t, AnomalyEvent{Step: 0, Slot: 1, Score: 0}, events[0])
	assert.Empty(t, s.TakeAnomalies())

	// +Inf counts as an anomaly too; -Inf alone does not.
	_, _, err = s.Advance(output(Logits,
		[]float32{float32(math.Inf(1)), 0, 0, 0},
		[]float32{0, 0, 0, 0},
	))
	require.NoError(t, err)
	assert.Equal(t, Anomaly, s.Beam(0).Reason)
	assert.True(t, s.Done())
}

func TestNumericAnomalyInBeamKeepsPriorScore(t *testing.T) {
	t.Parallel()

	s, err := NewState([][]int32{{tokA}}, params(2, 10))
	require.NoError(t, err)
	_, _, err = s.Advance(output(LogProbs,
		[]float32{ninf, lp(0.6), lp(0.4), ninf},
		[]float32{ninf, ninf, ninf, ninf},
	))
	require.NoError(t, err)
	prior := s.Beam(0).Score

	nan := float32(math.NaN())
	next, survivors, err := s.Advance(output(LogProbs,
		[]float32{nan, nan, nan, nan},
		[]float32{lp(0.5), lp(0.5), ninf, ninf},
	))
	require.NoError(t, err)
	assert.Equal(t, []int32{0, 1}, survivors)
	assert.Equal(t, []int32{tokEOS, tokA}, next)

	assert.Equal(t, Anomaly, s.Beam(0).Reason)
	assert.Equal(t, prior, s.Beam(0).Score)
	assert.Equal(t, []int32{tokA, tokB}, s.Tokens(0))
	assert.Equal(t, []int32{tokA, tokC, tokA}, s.Tokens(1))
}

func TestMaxLengthForceTerminates(t *testing.T) {
	t.Parallel()

	s, err := NewState([][]int32{{tokA, tokB}}, params(1, 4))
	require.NoError(t, err)

	steps := 0
	for !s.Done() {
		_, _, err := s.Advance(output(Logits, []float32{0, 0, 3, 1}))
		require.NoError(t, err)
		steps++
	}
	assert.Equal(t, 2, steps)
	assert.Equal(t, 4, s.CurrentLength())
	h := s.Results()[0].Hypotheses[0]
	assert.Equal(t, []int32{tokA, tokB, tokC, tokC}, h.Tokens)
	assert.Equal(t, MaxLength, h.Reason)

	_, _, err = s.Advance(output(Logits, []float32{0, 0, 3, 1}))
	assert.ErrorIs(t, err, fault.ErrInvariant)
}

func TestMinLengthSuppressesEOS(t *testing.T) {
	t.Parallel()

	p := params(1, 10)
	p.MinLength = 2
	s, err := NewState([][]int32{{tokA}}, p)
	require.NoError(t, err)

	row := []float32{0, 0, 2, 5}
	for !s.Done() {
		_, _, err := s.Advance(output(Logits, row))
		require.NoError(t, err)
	}
	assert.Equal(t, []int32{tokA, tokC, tokC, tokEOS}, s.Tokens(0))
}

func TestStopSequence(t *testing.T) {
	t.Parallel()

	p := params(1, 20)
	p.StopSequences = [][]int32{{tokB, tokC}}
	s, err := NewState([][]int32{{tokB}}, p)
	require.NoError(t, err)

	rows := [][]float32{
		{0, 0, 5, 0}, // C: the prompt's B must not complete the stop sequence
		{0, 5, 0, 0}, // B
		{0, 0, 5, 0}, // C -> stop
	}
	for _, r := range rows {
		_, _, err := s.Advance(output(Logits, r))
		require.NoError(t, err)
	}
	require.True(t, s.Done())
	assert.Equal(t, StopSequence, s.Beam(0).Reason)
	assert.Equal(t, []int32{tokB, tokC, tokB, tokC}, s.Tokens(0))
}

func TestPrunedSlotsAreNotReturned(t *testing.T) {
	t.Parallel()

	s, err := NewState([][]int32{{tokA}}, params(3, 10))
	require.NoError(t, err)
	_, survivors, err := s.Advance(output(LogProbs,
		[]float32{ninf, lp(0.5), ninf, lp(0.5)},
		[]float32{ninf, ninf, ninf, ninf},
		[]float32{ninf, ninf, ninf, ninf},
	))
	require.NoError(t, err)
	assert.Equal(t, []int32{0, 0, 2}, survivors)
	assert.Equal(t, Running, s.Beam(0).Reason)
	assert.Equal(t, EndOfSequence, s.Beam(1).Reason)
	assert.Equal(t, Pruned, s.Beam(2).Reason)

	hyps := s.Results()[0].Hypotheses
	require.Len(t, hyps, 2)
	for _, h := range hyps {
		assert.NotEqual(t, 2, h.Slot)
	}
}

func TestGreedyIsDeterministic(t *testing.T) {
	t.Parallel()

	run := func() []Group {
		rng := rand.New(rand.NewSource(11))
		s, err := NewState([][]int32{{tokA}, {tokC, tokB}}, params(1, 12))
		require.NoError(t, err)
		for !s.Done() {
			out := Output{Rows: s.Slots(), Vocab: vocab, Kind: Logits}
			for range s.Slots() * vocab {
				out.Scores = append(out.Scores, float32(rng.NormFloat64()))
			}
			_, _, err := s.Advance(out)
			require.NoError(t, err)
		}
		return s.Results()
	}
	assert.Equal(t, run(), run())
}

func TestSamplingIsReproducible(t *testing.T) {
	t.Parallel()

	run := func() []int32 {
		p := params(1, 16)
		p.EOS = nil
		p.Sampling = &logits.SamplerConfig{Seed: 5, Temperature: 1.2, TopK: 3}
		s, err := NewState([][]int32{{tokA}}, p)
		require.NoError(t, err)
		for !s.Done() {
			_, _, err := s.Advance(output(Logits, []float32{1, 1.1, 0.9, ninf}))
			require.NoError(t, err)
		}
		return s.Tokens(0)
	}
	a := run()
	assert.Equal(t, a, run())
	assert.Len(t, a, 16)
	assert.NotContains(t, a[1:], tokEOS)
}

func TestBeamSearchProperties(t *testing.T) {
	t.Parallel()

	for seed := int64(1); seed <= 20; seed++ {
		rng := rand.New(rand.NewSource(seed))
		const k, maxLen = 3, 9
		p := params(k, maxLen)
		p.NumReturnSequences = 2
		s, err := NewState([][]int32{{tokA}, {tokB, tokC}, {tokC, tokC, tokA}}, p)
		require.NoError(t, err)

		for !s.Done() {
			out := Output{Rows: s.Slots(), Vocab: vocab, Kind: Logits}
			for range s.Slots() * vocab {
				out.Scores = append(out.Scores, float32(rng.NormFloat64()*2))
			}
			_, survivors, err := s.Advance(out)
			require.NoError(t, err)
			for slot, parent := range survivors {
				assert.Equal(t, slot/k, int(parent)/k, "beams never cross prompt groups")
			}
		}

		for _, g := range s.Results() {
			require.NotEmpty(t, g.Hypotheses)
			assert.LessOrEqual(t, len(g.Hypotheses), 2)
			for i, h := range g.Hypotheses {
				assert.LessOrEqual(t, len(h.Tokens), maxLen)
				last := h.Tokens[len(h.Tokens)-1]
				assert.True(t, last == tokEOS || len(h.Tokens) == maxLen,
					"seed %d: sequence %v ends neither at EOS nor at the length bound", seed, h.Tokens)
				if i > 0 {
					assert.GreaterOrEqual(t, g.Hypotheses[i-1].Score, h.Score)
				}
			}
		}
	}
}

func TestNewStateValidation(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		prompts [][]int32
		params  Params
	}{
		{name: "no prompts", params: params(1, 4)},
		{name: "empty prompt", prompts: [][]int32{{}}, params: params(1, 4)},
		{name: "prompt too long", prompts: [][]int32{{1, 2, 3, 4}}, params: params(1, 4)},
		{name: "zero beams", prompts: [][]int32{{1}}, params: params(0, 4)},
		{name: "sampling with beams", prompts: [][]int32{{1}}, params: Params{NumBeams: 2, MaxLength: 4, Sampling: &logits.SamplerConfig{}}},
		{name: "too many returns", prompts: [][]int32{{1}}, params: Params{NumBeams: 2, MaxLength: 4, NumReturnSequences: 3}},
		{name: "empty stop", prompts: [][]int32{{1}}, params: Params{NumBeams: 1, MaxLength: 4, StopSequences: [][]int32{{}}}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			_, err := NewState(tc.prompts, tc.params)
			require.Error(t, err)
			assert.Equal(t, fault.InvalidRequest, fault.KindOf(err))
		})
	}
}
