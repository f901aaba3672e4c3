package model

import (
	"math"
	"strings"
)

// RopeScaling is a resolved rope_scaling block with defaults applied.
type RopeScaling struct {
	Type            string
	Factor          float64
	OrigMaxCtx      int
	LowFactor       float64
	HighFactor      float64
	AttentionFactor float64
	BetaFast        float64
	BetaSlow        float64
	MScale          float64
	MScaleAllDim    float64
	Truncate        bool
}

// ResolveScaling normalises the configured scaling. It returns nil when
// positions are not rescaled.
func (r RopeConfig) ResolveScaling(maxPosition int) *RopeScaling {
	sc := r.Scaling
	if sc == nil {
		return nil
	}
	kind := strings.ToLower(strings.TrimSpace(sc.RopeType))
	if kind == "" {
		kind = strings.ToLower(strings.TrimSpace(sc.Type))
	}
	if kind == "" || kind == "default" {
		if sc.Factor <= 0 {
			return nil
		}
		kind = "linear"
	}
	switch kind {
	case "linear", "llama3", "yarn":
	default:
		return nil
	}

	rs := &RopeScaling{
		Type:            kind,
		Factor:          sc.Factor,
		OrigMaxCtx:      sc.OriginalMaxPositionEmbeddings,
		LowFactor:       sc.LowFreqFactor,
		HighFactor:      sc.HighFreqFactor,
		AttentionFactor: sc.AttentionFactor,
		BetaFast:        sc.BetaFast,
		BetaSlow:        sc.BetaSlow,
		MScale:          sc.MScale,
		MScaleAllDim:    sc.MScaleAllDim,
		Truncate:        true,
	}
	if sc.Truncate != nil {
		rs.Truncate = *sc.Truncate
	}
	if rs.OrigMaxCtx <= 0 {
		rs.OrigMaxCtx = maxPosition
	}
	if rs.LowFactor <= 0 {
		rs.LowFactor = 1
	}
	if rs.HighFactor <= 0 {
		rs.HighFactor = rs.LowFactor
	}
	if rs.BetaFast <= 0 {
		rs.BetaFast = 32
	}
	if rs.BetaSlow <= 0 {
		rs.BetaSlow = 1
	}
	if rs.Factor <= 0 && rs.OrigMaxCtx > 0 && maxPosition > 0 && maxPosition != rs.OrigMaxCtx {
		rs.Factor = float64(maxPosition) / float64(rs.OrigMaxCtx)
	}
	if rs.Factor <= 0 {
		rs.Factor = 1
	}
	if rs.AttentionFactor <= 0 {
		if rs.Type == "yarn" {
			rs.AttentionFactor = yarnAttentionFactor(rs.Factor, rs.MScale, rs.MScaleAllDim)
		} else {
			rs.AttentionFactor = 1
		}
	}
	return rs
}

// Frequencies returns the head_dim/2 inverse rotary frequencies after
// scaling, and the attention factor to apply to the rotated embeddings.
func (c Config) Frequencies() ([]float32, float32) {
	half := c.Rope.HeadDim / 2
	if half <= 0 {
		return nil, 1
	}
	base := c.Rope.Theta
	if base <= 0 {
		base = DefaultRopeTheta
	}
	inv := make([]float64, half)
	for i := range inv {
		inv[i] = 1 / math.Pow(base, float64(2*i)/float64(c.Rope.HeadDim))
	}
	attn := 1.0
	if rs := c.Rope.ResolveScaling(c.MaxPosition); rs != nil {
		attn = rs.apply(inv, base)
	}
	out := make([]float32, half)
	for i, f := range inv {
		out[i] = float32(f)
	}
	return out, float32(attn)
}

func (rs *RopeScaling) apply(inv []float64, base float64) float64 {
	switch rs.Type {
	case "llama3":
		llama3Scale(inv, rs.Factor, float64(rs.OrigMaxCtx), rs.LowFactor, rs.HighFactor)
	case "yarn":
		yarnScale(inv, base, rs.Factor, float64(rs.OrigMaxCtx), rs.BetaFast, rs.BetaSlow, rs.Truncate)
	default:
		divide(inv, rs.Factor)
	}
	return rs.AttentionFactor
}

func divide(inv []float64, factor float64) {
	if factor == 0 || factor == 1 {
		return
	}
	for i := range inv {
		inv[i] /= factor
	}
}

// llama3Scale divides long wavelengths by factor, keeps short ones and
// interpolates the band between.
func llama3Scale(inv []float64, factor, origCtx, lowFactor, highFactor float64) {
	if factor == 0 || factor == 1 || origCtx <= 0 {
		return
	}
	if highFactor <= lowFactor {
		divide(inv, factor)
		return
	}
	lowWavelen := origCtx / lowFactor
	highWavelen := origCtx / highFactor
	for i, f := range inv {
		if f == 0 {
			continue
		}
		wavelen := 2 * math.Pi / f
		switch {
		case wavelen > lowWavelen:
			inv[i] = f / factor
		case wavelen < highWavelen:
		default:
			smooth := (origCtx/wavelen - lowFactor) / (highFactor - lowFactor)
			inv[i] = (1-smooth)*f/factor + smooth*f
		}
	}
}

func yarnAttentionFactor(factor, mscale, mscaleAllDim float64) float64 {
	get := func(scale, mul float64) float64 {
		if scale <= 1 {
			return 1
		}
		if mul <= 0 {
			mul = 1
		}
		return 0.1*mul*math.Log(scale) + 1
	}
	if mscale > 0 && mscaleAllDim > 0 {
		den := get(factor, mscaleAllDim)
		if den == 0 {
			return 1
		}
		return get(factor, mscale) / den
	}
	return get(factor, mscale)
}

// yarnScale blends interpolated and extrapolated frequencies with a linear
// ramp over the correction range.
func yarnScale(inv []float64, base, factor, origCtx, betaFast, betaSlow float64, truncate bool) {
	if factor == 0 || factor == 1 {
		return
	}
	if base <= 1 || origCtx <= 0 {
		divide(inv, factor)
		return
	}
	dim := float64(2 * len(inv))
	correction := func(rotations float64) float64 {
		num := origCtx / (rotations * 2 * math.Pi)
		if num <= 0 {
			return 0
		}
		return dim * math.Log(num) / (2 * math.Log(base))
	}
	low, high := correction(betaFast), correction(betaSlow)
	if truncate {
		low, high = math.Floor(low), math.Ceil(high)
	}
	low = max(low, 0)
	high = min(high, dim-1)
	if low == high {
		high += 0.001
	}
	for i, f := range inv {
		ramp := (float64(i) - low) / (high - low)
		ramp = min(max(ramp, 0), 1)
		inv[i] = f/factor*ramp + f*(1-ramp)
	}
}
