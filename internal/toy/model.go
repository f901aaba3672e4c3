// Package toy is a deterministic in-process backend. It scores the next
// token from small seeded embedding tables so the generation loop can be
// driven end to end without a tensor runtime.
package toy

import (
	"context"
	"math"
	"math/rand/v2"

	"github.com/samcharles93/seqgen/internal/backend"
	"github.com/samcharles93/seqgen/internal/device"
	"github.com/samcharles93/seqgen/internal/fault"
	"github.com/samcharles93/seqgen/internal/logits"
	"github.com/samcharles93/seqgen/internal/model"
	"github.com/samcharles93/seqgen/internal/search"
)

const Name = "toy"

func init() {
	backend.Register(Name, func(cfg model.Config, dc *device.Context) (backend.Stepper, error) {
		return New(cfg, dc)
	})
}

// ToyLM holds an embedding table, a projection back to vocab logits and,
// for encoder-decoder configs, a mel-to-hidden projection. Weights are
// read-only after construction, so one ToyLM serves concurrent requests.
type ToyLM struct {
	Vocab  int
	Hidden int
	Mels   int

	Emb  []float32 // [Vocab x Hidden]
	W    []float32 // [Hidden x Vocab]
	Bias []float32 // [Vocab]
	Proj []float32 // [Mels x Hidden]

	kind      search.ScoreKind
	precision device.DType
	dc        *device.Context
}

// New builds a ToyLM whose weights derive from cfg.Seed.
func New(cfg model.Config, dc *device.Context) (*ToyLM, error) {
	if dc == nil {
		return nil, fault.Device("toy", "no device context")
	}
	if cfg.VocabSize <= 0 || cfg.Hidden <= 0 {
		return nil, fault.Invalid("toy", "vocab %d and hidden %d must be positive", cfg.VocabSize, cfg.Hidden)
	}
	kind, err := ParseScoreKind(cfg.OutputKind)
	if err != nil {
		return nil, err
	}
	m := &ToyLM{
		Vocab:     cfg.VocabSize,
		Hidden:    cfg.Hidden,
		Mels:      cfg.Whisper.NumMelBins,
		Emb:       make([]float32, cfg.VocabSize*cfg.Hidden),
		W:         make([]float32, cfg.Hidden*cfg.VocabSize),
		Bias:      make([]float32, cfg.VocabSize),
		kind:      kind,
		precision: cfg.Precision(),
		dc:        dc,
	}
	fillRand(m.Emb, cfg.Seed+11)
	fillRand(m.W, cfg.Seed+23)
	if cfg.Family == model.Whisper && m.Mels > 0 {
		m.Proj = make([]float32, m.Mels*m.Hidden)
		fillRand(m.Proj, cfg.Seed+37)
	}
	return m, nil
}

// ParseScoreKind maps a configured output kind to a search.ScoreKind.
func ParseScoreKind(name string) (search.ScoreKind, error) {
	switch name {
	case "", "logits":
		return search.Logits, nil
	case "logprobs":
		return search.LogProbs, nil
	case "probs":
		return search.Probs, nil
	default:
		return search.Logits, fault.Invalid("toy", "unknown output kind %q", name)
	}
}

func fillRand(dst []float32, seed int64) {
	r := rand.New(rand.NewPCG(uint64(seed), 0x9e3779b97f4a7c15))
	for i := range dst {
		dst[i] = float32(r.NormFloat64()) * 0.5
	}
}

// Forward returns the logits for one token at position pos. rot and enc
// are optional.
func (m *ToyLM) Forward(tok, pos int, rot *backend.Rotary, enc []float32) []float32 {
	tok %= m.Vocab
	if tok < 0 {
		tok += m.Vocab
	}
	h := make([]float32, m.Hidden)
	copy(h, m.Emb[tok*m.Hidden:(tok+1)*m.Hidden])
	switch {
	case rot != nil && len(rot.InvFreq) > 0:
		for i := 0; i+1 < m.Hidden; i += 2 {
			theta := float64(pos) * float64(rot.InvFreq[(i/2)%len(rot.InvFreq)])
			sin, cos := math.Sincos(theta)
			a, b := h[i], h[i+1]
			h[i] = rot.AttentionFactor * (a*float32(cos) - b*float32(sin))
			h[i+1] = rot.AttentionFactor * (a*float32(sin) + b*float32(cos))
		}
	default:
		h[0] += 0.1 * float32(math.Sin(float64(pos)))
	}
	for i := range enc {
		h[i%m.Hidden] += enc[i]
	}

	out := make([]float32, m.Vocab)
	for i, hv := range h {
		row := m.W[i*m.Vocab : (i+1)*m.Vocab]
		for j, w := range row {
			out[j] += hv * w
		}
	}
	for j := range out {
		out[j] += m.Bias[j]
	}
	return out
}

// Step scores every slot's last input token.
func (m *ToyLM) Step(ctx context.Context, b *backend.Bindings) (backend.Output, error) {
	const op = "toy step"
	if err := ctx.Err(); err != nil {
		return backend.Output{}, err
	}
	rows := b.InputIDs.Rows
	if rows == 0 || b.InputIDs.Cols == 0 || b.PositionIDs.Rows != rows || b.PositionIDs.Cols != b.InputIDs.Cols {
		return backend.Output{}, fault.Protocol(op, "inputs %dx%d with positions %dx%d", rows, b.InputIDs.Cols, b.PositionIDs.Rows, b.PositionIDs.Cols)
	}

	var hidden []float32
	width := 0
	if b.Encoder != nil {
		var err error
		if hidden, err = b.Encoder.Hidden.Float32s(); err != nil {
			return backend.Output{}, err
		}
		if len(hidden)%rows != 0 {
			return backend.Output{}, fault.Protocol(op, "encoder output of %d values for %d rows", len(hidden), rows)
		}
		width = len(hidden) / rows
	}

	scores := make([]float32, rows*m.Vocab)
	last := b.InputIDs.Cols - 1
	for r := range rows {
		var enc []float32
		if hidden != nil {
			enc = meanFrames(hidden[r*width:(r+1)*width], b.Encoder.Dim)
		}
		row := m.Forward(int(b.InputIDs.Row(r)[last]), int(b.PositionIDs.Row(r)[last]), b.Rotary, enc)
		m.shape(scores[r*m.Vocab:(r+1)*m.Vocab], row)
	}

	var buf *device.Buffer
	var err error
	if m.precision == device.Float16 {
		buf, err = device.FromFloat32AsFloat16(m.dc, scores)
	} else {
		buf, err = device.FromFloat32(m.dc, scores)
	}
	if err != nil {
		return backend.Output{}, err
	}
	return backend.Output{Scores: buf, Rows: rows, Vocab: m.Vocab, Kind: m.kind}, nil
}

// shape writes row into dst in the configured output kind.
func (m *ToyLM) shape(dst, row []float32) {
	switch m.kind {
	case search.LogProbs:
		logits.LogSoftmax(dst, row)
	case search.Probs:
		logits.LogSoftmax(dst, row)
		for i, v := range dst {
			dst[i] = float32(math.Exp(float64(v)))
		}
	default:
		copy(dst, row)
	}
}

func meanFrames(x []float32, dim int) []float32 {
	if dim <= 0 || len(x) < dim {
		return nil
	}
	frames := len(x) / dim
	out := make([]float32, dim)
	for f := range frames {
		for d, v := range x[f*dim : (f+1)*dim] {
			out[d] += v
		}
	}
	for d := range out {
		out[d] /= float32(frames)
	}
	return out
}

// Encode projects [batch × frames × mels] features to the hidden size.
func (m *ToyLM) Encode(ctx context.Context, features *device.Buffer, batch int) (backend.EncoderOutput, error) {
	const op = "toy encode"
	if err := ctx.Err(); err != nil {
		return backend.EncoderOutput{}, err
	}
	if m.Proj == nil {
		return backend.EncoderOutput{}, fault.Protocol(op, "model has no encoder")
	}
	feats, err := features.Float32s()
	if err != nil {
		return backend.EncoderOutput{}, err
	}
	if batch <= 0 || len(feats) == 0 || len(feats)%(batch*m.Mels) != 0 {
		return backend.EncoderOutput{}, fault.Protocol(op, "%d feature values do not form %d x frames x %d", len(feats), batch, m.Mels)
	}
	frames := len(feats) / (batch * m.Mels)
	out := make([]float32, batch*frames*m.Hidden)
	for t := range batch * frames {
		in := feats[t*m.Mels : (t+1)*m.Mels]
		dst := out[t*m.Hidden : (t+1)*m.Hidden]
		for k, v := range in {
			proj := m.Proj[k*m.Hidden : (k+1)*m.Hidden]
			for j, w := range proj {
				dst[j] += v * w
			}
		}
	}
	buf, err := device.FromFloat32(m.dc, out)
	if err != nil {
		return backend.EncoderOutput{}, err
	}
	return backend.EncoderOutput{Hidden: buf, Frames: frames, Dim: m.Hidden}, nil
}

func (m *ToyLM) Close() error { return nil }
