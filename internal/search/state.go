package search

import (
	"math"
	"slices"

	"github.com/samcharles93/seqgen/internal/beam"
	"github.com/samcharles93/seqgen/internal/fault"
	"github.com/samcharles93/seqgen/internal/logits"
)

// State is the per-request beam bookkeeping. Slot s belongs to prompt
// s/K. The slot count never changes; finished slots are marked, not
// removed. A State is owned by one request and is not safe for
// concurrent use.
type State struct {
	params Params
	batch  int
	k      int
	n      int
	pad    int32

	beams      []Beam
	promptLens []int
	step       int

	samplers []*logits.Sampler

	lastTokens    []int32
	lastSurvivors []int32
	anomalies     []AnomalyEvent
	anomalyCount  int

	logp   []float32
	viable []bool
	cands  []candidate
}

// NewState builds the initial state: every slot live with score zero and
// holding its prompt.
func NewState(prompts [][]int32, p Params) (*State, error) {
	const op = "new state"
	if len(prompts) == 0 {
		return nil, fault.Invalid(op, "no prompts")
	}
	if p.NumBeams < 1 {
		return nil, fault.Invalid(op, "num_beams must be >= 1, got %d", p.NumBeams)
	}
	if p.Sampling != nil && p.NumBeams > 1 {
		return nil, fault.Invalid(op, "sampling requires num_beams == 1, got %d", p.NumBeams)
	}
	if p.MinLength < 0 {
		return nil, fault.Invalid(op, "min_length must be >= 0, got %d", p.MinLength)
	}
	if p.NumReturnSequences == 0 {
		p.NumReturnSequences = p.NumBeams
	}
	if p.NumReturnSequences < 1 || p.NumReturnSequences > p.NumBeams {
		return nil, fault.Invalid(op, "num_return_sequences must be in [1, %d], got %d", p.NumBeams, p.NumReturnSequences)
	}
	for i, seq := range p.StopSequences {
		if len(seq) == 0 {
			return nil, fault.Invalid(op, "stop sequence %d is empty", i)
		}
	}
	for i, prompt := range prompts {
		if len(prompt) == 0 {
			return nil, fault.Invalid(op, "prompt %d is empty", i)
		}
		if len(prompt) >= p.MaxLength {
			return nil, fault.Invalid(op, "prompt %d has %d tokens, max_length is %d", i, len(prompt), p.MaxLength)
		}
	}

	k := p.NumBeams
	n := len(prompts) * k
	s := &State{
		params:     p,
		batch:      len(prompts),
		k:          k,
		n:          n,
		beams:      make([]Beam, n),
		promptLens: make([]int, n),
	}
	if len(p.EOS) > 0 {
		s.pad = p.EOS[0]
	}
	for slot := range n {
		prompt := prompts[beam.Group(slot, k)]
		s.beams[slot] = Beam{Tokens: slices.Clone(prompt)}
		s.promptLens[slot] = len(prompt)
	}
	if p.Sampling != nil {
		s.samplers = make([]*logits.Sampler, n)
		for slot := range n {
			cfg := *p.Sampling
			cfg.Seed += int64(slot)
			s.samplers[slot] = logits.NewSampler(cfg)
		}
	}
	return s, nil
}

func (s *State) Batch() int     { return s.batch }
func (s *State) NumBeams() int  { return s.k }
func (s *State) Slots() int     { return s.n }
func (s *State) Step() int      { return s.step }
func (s *State) Params() Params { return s.params }

// PadToken is emitted for slots that are already finished.
func (s *State) PadToken() int32 { return s.pad }

func (s *State) Beam(slot int) Beam         { return s.beams[slot] }
func (s *State) Tokens(slot int) []int32    { return s.beams[slot].Tokens }
func (s *State) PromptLength(slot int) int  { return s.promptLens[slot] }
func (s *State) Generated(slot int) []int32 { return s.beams[slot].Tokens[s.promptLens[slot]:] }
func (s *State) LastTokens() []int32        { return s.lastTokens }
func (s *State) LastSurvivors() []int32     { return s.lastSurvivors }

// MaxPromptLength is the longest prompt in the batch.
func (s *State) MaxPromptLength() int {
	return slices.Max(s.promptLens)
}

// CurrentLength is the sequence length the backend has consumed after the
// completed steps: the longest prompt plus one token per step.
func (s *State) CurrentLength() int {
	return s.MaxPromptLength() + s.step
}

// Sequences returns every slot's tokens. The rows alias internal state.
func (s *State) Sequences() [][]int32 {
	out := make([][]int32, s.n)
	for i := range s.beams {
		out[i] = s.beams[i].Tokens
	}
	return out
}

// Done reports whether every slot has finished.
func (s *State) Done() bool {
	for i := range s.beams {
		if !s.beams[i].Done() {
			return false
		}
	}
	return true
}

// Anomalies returns the total number of slots terminated for non-finite
// scores.
func (s *State) Anomalies() int { return s.anomalyCount }

// TakeAnomalies returns and clears anomalies recorded since the last call.
func (s *State) TakeAnomalies() []AnomalyEvent {
	out := s.anomalies
	s.anomalies = nil
	return out
}

// Advance consumes one backend step and returns, per slot, the token to
// feed next and the previous-step slot it descends from. Finished slots
// are fed the pad token. Survivor indices are always in [0, Slots()).
func (s *State) Advance(out Output) ([]int32, []int32, error) {
	const op = "advance"
	if s.Done() {
		return nil, nil, fault.Invariant(op, "state already done after %d steps", s.step)
	}
	if out.Rows != s.n {
		return nil, nil, fault.Protocol(op, "backend returned %d rows, expected %d", out.Rows, s.n)
	}
	if out.Vocab <= 0 {
		return nil, nil, fault.Protocol(op, "backend returned vocab size %d", out.Vocab)
	}
	if len(out.Scores) != out.Rows*out.Vocab {
		return nil, nil, fault.Protocol(op, "backend returned %d scores for %dx%d", len(out.Scores), out.Rows, out.Vocab)
	}
	switch out.Kind {
	case Logits, LogProbs, Probs:
	default:
		return nil, nil, fault.Protocol(op, "unknown score kind %s", out.Kind)
	}
	if hi := s.maxToken(); hi >= out.Vocab {
		return nil, nil, fault.Protocol(op, "vocab size %d does not cover token id %d", out.Vocab, hi)
	}

	s.normalize(out)

	var next, survivors []int32
	if s.k == 1 {
		next, survivors = s.advanceSingle(out.Vocab)
	} else {
		next, survivors = s.advanceBeams(out.Vocab)
	}
	if err := beam.CheckIndices(survivors, s.n); err != nil {
		return nil, nil, err
	}

	s.step++
	s.lastTokens = next
	s.lastSurvivors = survivors
	return next, survivors, nil
}

// maxToken returns the largest EOS or stop id, which the vocabulary must
// cover.
func (s *State) maxToken() int {
	m := -1
	for _, id := range s.params.EOS {
		m = max(m, int(id))
	}
	for _, seq := range s.params.StopSequences {
		for _, id := range seq {
			m = max(m, int(id))
		}
	}
	return m
}

// eligible reports whether slot expands this step. On the first step only
// beam 0 of each group does: the others are duplicates of the same prompt.
func (s *State) eligible(slot int) bool {
	if s.beams[slot].Done() {
		return false
	}
	return s.step > 0 || slot%s.k == 0
}

// normalize converts eligible rows to log-probabilities in s.logp and
// terminates rows that are not finite.
func (s *State) normalize(out Output) {
	v := out.Vocab
	if cap(s.logp) < s.n*v {
		s.logp = make([]float32, s.n*v)
	}
	s.logp = s.logp[:s.n*v]
	if cap(s.viable) < s.n {
		s.viable = make([]bool, s.n)
	}
	s.viable = s.viable[:s.n]

	for slot := range s.n {
		s.viable[slot] = false
		if !s.eligible(slot) {
			continue
		}
		src := out.Scores[slot*v : (slot+1)*v]
		dst := s.logp[slot*v : (slot+1)*v]
		ok := !logits.Anomalous(src)
		if ok {
			switch out.Kind {
			case Logits:
				ok = logits.LogSoftmax(dst, src)
			case LogProbs:
				copy(dst, src)
			case Probs:
				ok = logits.LogOf(dst, src)
			}
		}
		ok = ok && !logits.Anomalous(dst) && logits.HasFinite(dst)
		if !ok {
			s.terminateAnomalous(slot)
			continue
		}
		s.suppressEOS(slot, dst)
		s.viable[slot] = true
	}
}

// suppressEOS masks end-of-sequence ids until the slot has produced
// MinLength tokens, unless that would leave nothing to choose.
func (s *State) suppressEOS(slot int, row []float32) {
	if len(s.params.EOS) == 0 || len(s.Generated(slot)) >= s.params.MinLength {
		return
	}
	ninf := float32(math.Inf(-1))
	saved := make([]float32, len(s.params.EOS))
	for i, id := range s.params.EOS {
		saved[i] = row[id]
		row[id] = ninf
	}
	if logits.HasFinite(row) {
		return
	}
	for i, id := range s.params.EOS {
		row[id] = saved[i]
	}
}

func (s *State) terminateAnomalous(slot int) {
	b := &s.beams[slot]
	b.Reason = Anomaly
	s.anomalyCount++
	s.anomalies = append(s.anomalies, AnomalyEvent{Step: s.step, Slot: slot, Score: b.Score})
}

func (s *State) advanceSingle(vocab int) ([]int32, []int32) {
	next := make([]int32, s.n)
	survivors := beam.Identity(s.n)
	for slot := range s.n {
		if !s.viable[slot] {
			next[slot] = s.pad
			continue
		}
		row := s.logp[slot*vocab : (slot+1)*vocab]
		var tok int
		if s.samplers != nil {
			scratch := slices.Clone(row)
			tok = s.samplers[slot].Sample(scratch, s.beams[slot].Tokens, s.params.EOS)
		} else {
			tok = logits.Argmax(row)
		}
		b := &s.beams[slot]
		b.Tokens = append(b.Tokens, int32(tok))
		b.Score += float64(row[tok])
		s.finish(slot, b)
		next[slot] = int32(tok)
	}
	return next, survivors
}

// finish marks b terminated if its last token ends it.
func (s *State) finish(slot int, b *Beam) {
	last := b.Tokens[len(b.Tokens)-1]
	generated := b.Tokens[s.promptLens[slot]:]
	switch {
	case slices.Contains(s.params.EOS, last):
		b.Reason = EndOfSequence
	case len(generated) >= s.params.MinLength && s.matchesStop(generated):
		b.Reason = StopSequence
	case len(b.Tokens) >= s.params.MaxLength:
		b.Reason = MaxLength
	}
}

func (s *State) matchesStop(generated []int32) bool {
	for _, seq := range s.params.StopSequences {
		if len(generated) >= len(seq) && slices.Equal(generated[len(generated)-len(seq):], seq) {
			return true
		}
	}
	return false
}
