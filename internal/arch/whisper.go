package arch

import (
	"context"
	"slices"

	"github.com/samcharles93/seqgen/internal/backend"
	"github.com/samcharles93/seqgen/internal/beam"
	"github.com/samcharles93/seqgen/internal/fault"
	"github.com/samcharles93/seqgen/internal/model"
)

// Whisper runs the encoder once per request and binds its output,
// following beam migrations, to every decoder step.
type Whisper struct{ decoder }

func (*Whisper) Family() model.Family { return model.Whisper }
func (*Whisper) sealed()              {}

func (w *Whisper) CreateInitialState(ctx context.Context, env Env, req Request) (*State, error) {
	const op = "encode"
	if req.Audio == nil {
		return nil, fault.Invalid(op, "whisper requests need audio features")
	}
	batch := req.AudioBatch
	if batch == 0 {
		batch = max(len(req.Prompts), 1)
	}
	prompts := req.Prompts
	if len(prompts) == 0 {
		prompts = make([][]int32, batch)
		for i := range prompts {
			prompts[i] = slices.Clone(w.cfg.Whisper.DecoderStartTokens)
		}
	}
	if len(prompts) != batch {
		return nil, fault.Invalid(op, "%d decoder prompts for %d audio inputs", len(prompts), batch)
	}
	enc, ok := env.Backend.(backend.Encoder)
	if !ok {
		return nil, fault.Protocol(op, "backend %T has no encoder", env.Backend)
	}

	st, err := w.newState(env, prompts, req.Params)
	if err != nil {
		return nil, err
	}
	out, err := enc.Encode(ctx, req.Audio, batch)
	if err != nil {
		return nil, err
	}
	defer out.Hidden.Release()
	if out.Hidden == nil || out.Frames <= 0 || out.Dim <= 0 || out.Hidden.Len() != batch*out.Frames*out.Dim {
		return nil, fault.Protocol(op, "encoder output does not form [%d x %d x %d]", batch, out.Frames, out.Dim)
	}
	hidden, err := beam.ExpandBuffer(env.Device, out.Hidden, batch, st.NumBeams())
	if err != nil {
		return nil, err
	}
	st.encoder = &backend.EncoderOutput{Hidden: hidden, Frames: out.Frames, Dim: out.Dim}
	return st, nil
}

func (w *Whisper) BuildStepBindings(st *State) (*backend.Bindings, error) {
	b, err := w.bindings(st)
	if err != nil {
		return nil, err
	}
	if st.encoder == nil {
		b.Release()
		return nil, fault.Invariant("bind", "whisper state has no encoder output")
	}
	b.Encoder = st.encoder
	return b, nil
}
