package inference

import (
	"math"
	"slices"

	"github.com/samcharles93/seqgen/internal/arch"
	"github.com/samcharles93/seqgen/internal/fault"
	"github.com/samcharles93/seqgen/internal/logits"
	"github.com/samcharles93/seqgen/internal/model"
	"github.com/samcharles93/seqgen/internal/search"
)

// Search option names accepted by SetOption.
const (
	OptMaxLength          = "max_length"
	OptMinLength          = "min_length"
	OptNumBeams           = "num_beams"
	OptNumReturnSequences = "num_return_sequences"
	OptTemperature        = "temperature"
	OptTopK               = "top_k"
	OptTopP               = "top_p"
	OptRandomSeed         = "random_seed"
)

// SetOption sets a search option by name. Integer options reject
// fractional values.
func (r *Request) SetOption(name string, value float64) error {
	const op = "set option"
	if math.IsNaN(value) || math.IsInf(value, 0) {
		return fault.Invalid(op, "%s: value %v is not finite", name, value)
	}
	asInt := func() (int, error) {
		if value != math.Trunc(value) {
			return 0, fault.Invalid(op, "%s must be an integer, got %v", name, value)
		}
		return int(value), nil
	}
	var err error
	switch name {
	case OptMaxLength:
		r.MaxLength, err = asInt()
	case OptMinLength:
		r.MinLength, err = asInt()
	case OptNumBeams:
		r.NumBeams, err = asInt()
	case OptNumReturnSequences:
		r.NumReturnSequences, err = asInt()
	case OptTopK:
		r.TopK, err = asInt()
	case OptRandomSeed:
		var seed int
		seed, err = asInt()
		r.Seed = int64(seed)
	case OptTemperature:
		r.Temperature = value
	case OptTopP:
		r.TopP = value
	default:
		return fault.Invalid(op, "unknown search option %q", name)
	}
	return err
}

// resolve fills defaults from cfg and converts r into the architecture
// request.
func (r *Request) resolve(cfg model.Config) (arch.Request, error) {
	const op = "resolve request"
	switch {
	case r.MaxLength < 0:
		return arch.Request{}, fault.Invalid(op, "max_length must be >= 0, got %d", r.MaxLength)
	case r.MaxNewTokens < 0:
		return arch.Request{}, fault.Invalid(op, "max_new_tokens must be >= 0, got %d", r.MaxNewTokens)
	case r.NumBeams < 0:
		return arch.Request{}, fault.Invalid(op, "num_beams must be >= 0, got %d", r.NumBeams)
	case r.Temperature < 0:
		return arch.Request{}, fault.Invalid(op, "temperature must be >= 0, got %v", r.Temperature)
	case r.TopP < 0 || r.TopP > 1:
		return arch.Request{}, fault.Invalid(op, "top_p must be in [0, 1], got %v", r.TopP)
	}

	p := search.Params{
		NumBeams:           max(r.NumBeams, 1),
		MaxLength:          r.MaxLength,
		MinLength:          r.MinLength,
		EOS:                r.EOS,
		StopSequences:      r.StopSequences,
		NumReturnSequences: r.NumReturnSequences,
	}
	if p.EOS == nil {
		p.EOS = slices.Clone(cfg.EOS)
	}
	if p.MaxLength == 0 && r.MaxNewTokens > 0 {
		p.MaxLength = longestPrompt(r.Prompts, cfg) + r.MaxNewTokens
	}
	if p.MaxLength == 0 {
		p.MaxLength = cfg.MaxLength
	}
	if r.Temperature > 0 {
		p.Sampling = &logits.SamplerConfig{
			Seed:          r.Seed,
			Temperature:   float32(r.Temperature),
			TopK:          r.TopK,
			TopP:          float32(r.TopP),
			MinP:          float32(r.MinP),
			RepeatPenalty: float32(r.RepeatPenalty),
		}
	}
	return arch.Request{
		Prompts:    r.Prompts,
		Params:     p,
		Audio:      r.Audio,
		AudioBatch: r.AudioBatch,
	}, nil
}

func longestPrompt(prompts [][]int32, cfg model.Config) int {
	if len(prompts) == 0 && cfg.Family == model.Whisper {
		return len(cfg.Whisper.DecoderStartTokens)
	}
	n := 0
	for _, p := range prompts {
		n = max(n, len(p))
	}
	return n
}
