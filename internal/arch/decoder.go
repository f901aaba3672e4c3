package arch

import (
	"slices"

	"github.com/samcharles93/seqgen/internal/backend"
	"github.com/samcharles93/seqgen/internal/beam"
	"github.com/samcharles93/seqgen/internal/device"
	"github.com/samcharles93/seqgen/internal/fault"
	"github.com/samcharles93/seqgen/internal/model"
	"github.com/samcharles93/seqgen/internal/search"
)

// decoder holds the input handling every family shares: left-padded
// prompts on the first step, one token per slot afterwards.
type decoder struct {
	cfg model.Config
}

func (d decoder) validate(prompts [][]int32, p search.Params) error {
	const op = "validate request"
	vocab := d.cfg.VocabSize
	inVocab := func(id int32) bool { return id >= 0 && int(id) < vocab }
	for i, prompt := range prompts {
		for j, id := range prompt {
			if !inVocab(id) {
				return fault.Invalid(op, "prompt %d token %d: id %d outside vocab of %d", i, j, id, vocab)
			}
		}
	}
	for _, id := range p.EOS {
		if !inVocab(id) {
			return fault.Invalid(op, "eos id %d outside vocab of %d", id, vocab)
		}
	}
	for i, seq := range p.StopSequences {
		for _, id := range seq {
			if !inVocab(id) {
				return fault.Invalid(op, "stop sequence %d: id %d outside vocab of %d", i, id, vocab)
			}
		}
	}
	if limit := d.cfg.MaxPosition; limit > 0 && p.MaxLength > limit {
		return fault.Invalid(op, "max_length %d exceeds the model's %d positions", p.MaxLength, limit)
	}
	return nil
}

func (d decoder) newState(env Env, prompts [][]int32, p search.Params) (*State, error) {
	if env.Device == nil {
		return nil, fault.Device("create state", "no device context")
	}
	if err := d.validate(prompts, p); err != nil {
		return nil, err
	}
	s, err := search.NewState(prompts, p)
	if err != nil {
		return nil, err
	}
	return &State{State: s, dc: env.Device, maskStep: -1}, nil
}

// bindings builds the decoder inputs shared by every family.
func (d decoder) bindings(st *State) (*backend.Bindings, error) {
	if st.Done() {
		return nil, fault.Invariant("bind", "state is done after %d steps", st.Step())
	}
	if err := st.syncMask(); err != nil {
		return nil, err
	}
	b := &backend.Bindings{
		Step:          st.Step(),
		CurrentLength: st.mask.Cols,
		AttentionMask: st.mask,
	}
	n := st.Slots()
	if st.Step() == 0 {
		b.InputIDs = st.prompt
		b.PositionIDs = positions(st.mask)
		return b, nil
	}

	ids, err := beam.NewMatrix(n, 1, slices.Clone(st.LastTokens()))
	if err != nil {
		return nil, err
	}
	b.InputIDs = ids
	pos := make([]int32, n)
	for slot := range n {
		pos[slot] = realLength(st.mask.Row(slot)) - 1
	}
	b.PositionIDs = beam.Matrix[int32]{Rows: n, Cols: 1, Data: pos}

	idx, err := device.FromInt32(st.dc, st.LastSurvivors())
	if err != nil {
		return nil, err
	}
	wide, err := device.WidenIndices(st.dc, idx)
	idx.Release()
	if err != nil {
		return nil, err
	}
	b.BeamIndices = wide
	return b, nil
}

// padPrompts left-pads prompts to a common length and returns the id and
// mask matrices, one row per prompt.
func padPrompts(prompts [][]int32, pad int32) (beam.Matrix[int32], beam.Matrix[int32]) {
	width := 0
	for _, p := range prompts {
		width = max(width, len(p))
	}
	ids := beam.Matrix[int32]{Rows: len(prompts), Cols: width, Data: make([]int32, len(prompts)*width)}
	mask := beam.Matrix[int32]{Rows: len(prompts), Cols: width, Data: make([]int32, len(prompts)*width)}
	for r, p := range prompts {
		off := width - len(p)
		row, m := ids.Row(r), mask.Row(r)
		for c := range off {
			row[c] = pad
		}
		copy(row[off:], p)
		for c := off; c < width; c++ {
			m[c] = 1
		}
	}
	return ids, mask
}

// positions numbers the unmasked tokens of every row from zero. Padding
// gets position 0.
func positions(mask beam.Matrix[int32]) beam.Matrix[int32] {
	out := beam.Matrix[int32]{Rows: mask.Rows, Cols: mask.Cols, Data: make([]int32, len(mask.Data))}
	for r := range mask.Rows {
		var next int32
		row, m := out.Row(r), mask.Row(r)
		for c, v := range m {
			if v == 0 {
				continue
			}
			row[c] = next
			next++
		}
	}
	return out
}

func realLength(row []int32) int32 {
	var n int32
	for _, v := range row {
		n += v
	}
	return n
}

func appendColumn(m beam.Matrix[int32], v int32) beam.Matrix[int32] {
	out := beam.Matrix[int32]{Rows: m.Rows, Cols: m.Cols + 1, Data: make([]int32, 0, m.Rows*(m.Cols+1))}
	for r := range m.Rows {
		out.Data = append(out.Data, m.Row(r)...)
		out.Data = append(out.Data, v)
	}
	return out
}
