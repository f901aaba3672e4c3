package arch

import (
	"context"

	"github.com/samcharles93/seqgen/internal/backend"
	"github.com/samcharles93/seqgen/internal/model"
)

// Llama adds rotary metadata to the decoder inputs. The tables are
// computed once from the model config and shared read-only.
type Llama struct {
	decoder
	rotary *backend.Rotary
}

func (*Llama) Family() model.Family { return model.Llama }
func (*Llama) sealed()              {}

// Rotary returns the scaled inverse frequencies and attention factor.
func (l *Llama) Rotary() *backend.Rotary { return l.rotary }

func (l *Llama) CreateInitialState(_ context.Context, env Env, req Request) (*State, error) {
	return l.newState(env, req.Prompts, req.Params)
}

func (l *Llama) BuildStepBindings(st *State) (*backend.Bindings, error) {
	b, err := l.bindings(st)
	if err != nil {
		return nil, err
	}
	b.Rotary = l.rotary
	return b, nil
}
