package api

import (
	"context"
	"errors"
	"time"

	"github.com/goccy/go-json"
	"github.com/samcharles93/seqgen/internal/device"
	"github.com/samcharles93/seqgen/internal/fault"
	"github.com/samcharles93/seqgen/internal/inference"
	"github.com/samcharles93/seqgen/internal/model"
	"github.com/samcharles93/seqgen/internal/search"
	"github.com/samcharles93/seqgen/internal/store"
)

// Engine is what the server generates with. *inference.Model implements it.
type Engine interface {
	Config() model.Config
	Family() model.Family
	Device() *device.Context
	NewGenerator(ctx context.Context, req *inference.Request) (*inference.Generator, error)
}

// toInference builds the orchestrator request. The returned func releases
// the audio buffer, if any, and must be called once generation is over.
func (r *GenerationRequest) toInference(dc *device.Context) (*inference.Request, func(), error) {
	req := &inference.Request{
		Prompts:       r.Prompts,
		EOS:           r.EOS,
		StopSequences: r.StopSequences,
		AudioBatch:    r.AudioBatch,
	}
	setInt(&req.NumBeams, r.NumBeams)
	setInt(&req.MaxLength, r.MaxLength)
	setInt(&req.MaxNewTokens, r.MaxNewTokens)
	setInt(&req.MinLength, r.MinLength)
	setInt(&req.NumReturnSequences, r.NumReturnSequences)
	setInt(&req.TopK, r.TopK)
	setFloat(&req.Temperature, r.Temperature)
	setFloat(&req.TopP, r.TopP)
	setFloat(&req.MinP, r.MinP)
	setFloat(&req.RepeatPenalty, r.RepeatPenalty)
	if r.Seed != nil {
		req.Seed = *r.Seed
	}
	for name, v := range r.Options {
		if err := req.SetOption(name, v); err != nil {
			return nil, nil, err
		}
	}

	release := func() {}
	if len(r.AudioFeatures) > 0 {
		if dc == nil {
			return nil, nil, fault.Device("audio", "engine has no device context")
		}
		buf, err := device.FromFloat32(dc, r.AudioFeatures)
		if err != nil {
			return nil, nil, err
		}
		req.Audio = buf
		release = buf.Release
	} else if r.AudioBatch != 0 {
		return nil, nil, fault.Invalid("audio", "audio_batch set without audio_features")
	}
	return req, release, nil
}

// payload is the request as stored; audio features are dropped.
func (r *GenerationRequest) payload() json.RawMessage {
	c := *r
	c.AudioFeatures = nil
	b, err := json.Marshal(c)
	if err != nil {
		return nil
	}
	return b
}

func setInt(dst *int, v *int) {
	if v != nil {
		*dst = *v
	}
}

func setFloat(dst *float64, v *float64) {
	if v != nil {
		*dst = *v
	}
}

// generate runs req to completion, calling onStep after every step.
func generate(ctx context.Context, e Engine, req *inference.Request, onStep func(*inference.Generator) error) (*inference.Result, error) {
	g, err := e.NewGenerator(ctx, req)
	if err != nil {
		return nil, err
	}
	defer g.Close()
	for !g.Done() {
		if _, err := g.Next(ctx); err != nil {
			return nil, err
		}
		if onStep != nil {
			if err := onStep(g); err != nil {
				return nil, err
			}
		}
	}
	return g.Result(), nil
}

func convertResult(family model.Family, res *inference.Result) resultPayload {
	out := resultPayload{
		Family: string(family),
		Groups: make([]Group, 0, len(res.Groups)),
		Stats: Stats{
			Steps:           res.Stats.Steps,
			TokensGenerated: res.Stats.TokensGenerated,
			Anomalies:       res.Stats.Anomalies,
			DurationMS:      float64(res.Stats.Duration) / float64(time.Millisecond),
			TokensPerSecond: res.Stats.TPS,
		},
	}
	for _, g := range res.Groups {
		out.Groups = append(out.Groups, convertGroup(g))
	}
	return out
}

func convertGroup(g search.Group) Group {
	hyps := make([]Hypothesis, 0, len(g.Hypotheses))
	for _, h := range g.Hypotheses {
		hyps = append(hyps, Hypothesis{
			Tokens:       h.Tokens,
			Generated:    h.Generated(),
			Score:        h.Score,
			FinishReason: h.Reason.String(),
			Slot:         h.Slot,
		})
	}
	return Group{Prompt: g.Prompt, Hypotheses: hyps}
}

// settle writes the outcome of a run into rec. A record that already
// reached a terminal status (cancelled by the client) is left alone.
func settle(r *store.Record, family model.Family, res *inference.Result, runErr error, now time.Time) error {
	if r.Status.Terminal() {
		return nil
	}
	switch {
	case runErr == nil:
		b, err := json.Marshal(convertResult(family, res))
		if err != nil {
			return err
		}
		r.Result = b
		r.Finish(store.StatusCompleted, now)
	case errors.Is(runErr, context.Canceled), errors.Is(runErr, context.DeadlineExceeded):
		r.Error = runErr.Error()
		r.ErrorKind = "cancelled"
		r.Finish(store.StatusCancelled, now)
	default:
		r.Error = runErr.Error()
		r.ErrorKind = fault.KindOf(runErr).String()
		r.Finish(store.StatusFailed, now)
	}
	return nil
}

// view renders rec for clients.
func view(rec *store.Record) Generation {
	g := Generation{
		ID:         rec.ID,
		Object:     "generation",
		Status:     rec.Status,
		Background: rec.Background,
		CreatedAt:  rec.CreatedAt.Unix(),
	}
	if rec.CompletedAt != nil {
		ts := rec.CompletedAt.Unix()
		g.CompletedAt = &ts
	}
	if len(rec.Result) > 0 {
		var p resultPayload
		if err := json.Unmarshal(rec.Result, &p); err == nil {
			g.Family = p.Family
			g.Groups = p.Groups
			g.Stats = &p.Stats
		}
	}
	if rec.Error != "" {
		typ := rec.ErrorKind
		if typ == "" {
			typ = "server_error"
		}
		g.Error = &ErrorBody{Message: rec.Error, Type: typ}
	}
	return g
}
