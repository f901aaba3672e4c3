package arch

import (
	"slices"

	"github.com/samcharles93/seqgen/internal/backend"
	"github.com/samcharles93/seqgen/internal/beam"
	"github.com/samcharles93/seqgen/internal/device"
	"github.com/samcharles93/seqgen/internal/fault"
	"github.com/samcharles93/seqgen/internal/search"
)

// State is one request's search state plus the per-slot inputs that
// follow beams across steps: the attention mask and, for encoder-decoder
// models, the encoder output.
type State struct {
	*search.State

	dc       *device.Context
	prompt   beam.Matrix[int32]
	mask     beam.Matrix[int32]
	maskStep int

	encoder *backend.EncoderOutput
}

// Device returns the context the request's buffers live on.
func (st *State) Device() *device.Context { return st.dc }

// Encoder returns the beam-expanded encoder output, or nil.
func (st *State) Encoder() *backend.EncoderOutput { return st.encoder }

// Release frees request-owned device buffers.
func (st *State) Release() {
	if st.encoder != nil {
		st.encoder.Hidden.Release()
		st.encoder = nil
	}
}

// syncMask brings the per-slot inputs up to the search state's step.
func (st *State) syncMask() error {
	step := st.Step()
	switch {
	case st.maskStep < 0:
		k := st.NumBeams()
		prompts := make([][]int32, st.Batch())
		for g := range prompts {
			prompts[g] = st.Tokens(g * k)
		}
		ids, mask := padPrompts(prompts, st.PadToken())
		var err error
		if st.prompt, err = beam.Expand(ids, k); err != nil {
			return err
		}
		if st.mask, err = beam.Expand(mask, k); err != nil {
			return err
		}
		st.maskStep = 0
		if step == 0 {
			return nil
		}
		// A state advanced without bindings cannot be resynchronised.
		return fault.Invariant("bind", "first bindings requested at step %d", step)
	case st.maskStep == step:
		return nil
	case st.maskStep+1 != step:
		return fault.Invariant("bind", "inputs are at step %d, state at step %d", st.maskStep, step)
	}

	survivors := st.LastSurvivors()
	mask, err := beam.Reorder(st.mask, survivors)
	if err != nil {
		return err
	}
	st.mask = appendColumn(mask, 1)
	st.maskStep = step
	st.prompt = beam.Matrix[int32]{}

	if st.encoder != nil && !slices.Equal(survivors, beam.Identity(len(survivors))) {
		hidden, err := beam.ReorderBuffer(st.dc, st.encoder.Hidden, survivors)
		if err != nil {
			return err
		}
		st.encoder.Hidden.Release()
		st.encoder.Hidden = hidden
	}
	return nil
}
