// Package arch builds per-step backend inputs for each supported model
// family. A Strategy is chosen once per model and shared by every request.
package arch

import (
	"context"

	"github.com/samcharles93/seqgen/internal/backend"
	"github.com/samcharles93/seqgen/internal/device"
	"github.com/samcharles93/seqgen/internal/fault"
	"github.com/samcharles93/seqgen/internal/model"
	"github.com/samcharles93/seqgen/internal/search"
)

// Strategy is the closed set of input-construction variants: GPT, Llama
// and Whisper.
type Strategy interface {
	Family() model.Family

	// CreateInitialState validates req against the model and builds the
	// request's search state, running any encoder pass.
	CreateInitialState(ctx context.Context, env Env, req Request) (*State, error)

	// BuildStepBindings returns the backend inputs for the state's next
	// step. The caller releases the bindings after the step.
	BuildStepBindings(st *State) (*backend.Bindings, error)

	sealed()
}

// Env is what a strategy may touch while setting up a request.
type Env struct {
	Device  *device.Context
	Backend backend.Stepper
}

// Request is the architecture-facing part of a generation request.
type Request struct {
	Prompts [][]int32
	Params  search.Params

	// Audio holds [AudioBatch × frames × mel bins] features for
	// encoder-decoder models.
	Audio      *device.Buffer
	AudioBatch int
}

// ForConfig returns the strategy for cfg.Family.
func ForConfig(cfg model.Config) (Strategy, error) {
	switch cfg.Family {
	case model.GPT:
		return &GPT{decoder{cfg: cfg}}, nil
	case model.Llama:
		inv, attn := cfg.Frequencies()
		return &Llama{
			decoder: decoder{cfg: cfg},
			rotary:  &backend.Rotary{InvFreq: inv, AttentionFactor: attn, Theta: cfg.Rope.Theta},
		}, nil
	case model.Whisper:
		return &Whisper{decoder{cfg: cfg}}, nil
	default:
		return nil, fault.Invalid("strategy", "unsupported model family %q", cfg.Family)
	}
}

// GPT feeds token and position ids only.
type GPT struct{ decoder }

func (*GPT) Family() model.Family { return model.GPT }
func (*GPT) sealed()              {}

func (g *GPT) CreateInitialState(_ context.Context, env Env, req Request) (*State, error) {
	return g.newState(env, req.Prompts, req.Params)
}

func (g *GPT) BuildStepBindings(st *State) (*backend.Bindings, error) {
	return g.bindings(st)
}
