// Package search tracks the candidate sequences of one generation request
// and selects which of them survive each decoding step.
package search

import (
	"fmt"

	"github.com/samcharles93/seqgen/internal/logits"
)

// ScoreKind describes what a backend row holds.
type ScoreKind int

const (
	// Logits are unnormalised scores; rows are log-softmaxed.
	Logits ScoreKind = iota
	// LogProbs are used as-is.
	LogProbs
	// Probs are converted with a natural log.
	Probs
)

func (k ScoreKind) String() string {
	switch k {
	case Logits:
		return "logits"
	case LogProbs:
		return "logprobs"
	case Probs:
		return "probs"
	default:
		return fmt.Sprintf("scorekind(%d)", int(k))
	}
}

// Output is one backend step's result as host fp32 rows.
type Output struct {
	Rows   int
	Vocab  int
	Kind   ScoreKind
	Scores []float32
}

// Reason records why a slot stopped growing.
type Reason int

const (
	Running Reason = iota
	EndOfSequence
	StopSequence
	MaxLength
	Anomaly
	// Pruned marks a slot left without a candidate because its group had
	// fewer than K viable continuations. Pruned slots are never returned.
	Pruned
)

func (r Reason) String() string {
	switch r {
	case Running:
		return "running"
	case EndOfSequence:
		return "eos"
	case StopSequence:
		return "stop"
	case MaxLength:
		return "length"
	case Anomaly:
		return "anomaly"
	case Pruned:
		return "pruned"
	default:
		return fmt.Sprintf("reason(%d)", int(r))
	}
}

// Params configure a State. MaxLength counts prompt tokens.
type Params struct {
	NumBeams           int
	MaxLength          int
	MinLength          int
	EOS                []int32
	StopSequences      [][]int32
	NumReturnSequences int

	// Sampling enables stochastic decoding. Only valid with one beam.
	Sampling *logits.SamplerConfig
}

// Beam is one slot's hypothesis.
type Beam struct {
	Tokens []int32
	Score  float64
	Reason Reason
}

func (b Beam) Done() bool {
	return b.Reason != Running
}

// Hypothesis is a finished sequence returned to callers.
type Hypothesis struct {
	Tokens       []int32
	Score        float64
	Reason       Reason
	Slot         int
	PromptLength int
}

// Generated returns the tokens produced after the prompt.
func (h Hypothesis) Generated() []int32 {
	return h.Tokens[h.PromptLength:]
}

// Group holds one prompt's hypotheses, best first.
type Group struct {
	Prompt     int
	Hypotheses []Hypothesis
}

// AnomalyEvent records a slot terminated for a non-finite score row.
type AnomalyEvent struct {
	Step  int
	Slot  int
	Score float64
}
