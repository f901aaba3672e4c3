// Package backend defines the contract between the generation loop and a
// tensor backend: one call per decoding step, scores out.
package backend

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/samcharles93/seqgen/internal/beam"
	"github.com/samcharles93/seqgen/internal/device"
	"github.com/samcharles93/seqgen/internal/model"
	"github.com/samcharles93/seqgen/internal/search"
)

const (
	Host        = "host"
	Accelerator = "accelerator"
	Auto        = "auto"
)

// Normalize maps a configured device name, including the cpu/cuda/gpu
// aliases, to host, accelerator or auto.
func Normalize(name string) (string, error) {
	dev := strings.ToLower(strings.TrimSpace(name))
	switch dev {
	case "", Auto:
		return Auto, nil
	case Host, "cpu":
		return Host, nil
	case Accelerator, "cuda", "gpu":
		return Accelerator, nil
	default:
		return "", fmt.Errorf("unknown device %q (expected auto, host, or accelerator)", dev)
	}
}

// ResolveDevice picks the device kind for name. auto prefers the
// accelerator when the build carries one.
func ResolveDevice(name string) (device.Kind, error) {
	dev, err := Normalize(name)
	if err != nil {
		return device.Host, err
	}
	if dev == Auto {
		if acceleratorEnabled {
			return device.Accelerator, nil
		}
		return device.Host, nil
	}
	if !Has(dev) {
		return device.Host, fmt.Errorf("device %q is not available in this build", dev)
	}
	return device.ParseKind(dev)
}

// Rotary carries the rotary embedding tables of Llama-style models.
type Rotary struct {
	InvFreq         []float32
	AttentionFactor float32
	Theta           float64
}

// EncoderOutput is an encoder hidden state laid out [rows × Frames × Dim].
type EncoderOutput struct {
	Hidden *device.Buffer
	Frames int
	Dim    int
}

// Bindings are the inputs for one decoding step over all N slots. Matrices
// are N rows wide. At step 0 InputIDs holds the left-padded prompts; after
// that it is one column of the tokens chosen at the previous step.
type Bindings struct {
	Step          int
	CurrentLength int

	InputIDs      beam.Matrix[int32]
	PositionIDs   beam.Matrix[int32]
	AttentionMask beam.Matrix[int32]

	// BeamIndices holds, per slot, the previous-step slot it continues.
	// Int64 on the model's device; nil at step 0.
	BeamIndices *device.Buffer

	Rotary  *Rotary
	Encoder *EncoderOutput
}

// Release frees the per-step device buffers. The encoder output is owned
// by the request state.
func (b *Bindings) Release() {
	if b.BeamIndices != nil {
		b.BeamIndices.Release()
		b.BeamIndices = nil
	}
}

// Output is one step's scores, Rows × Vocab on the model's device. The
// caller releases Scores.
type Output struct {
	Scores *device.Buffer
	Rows   int
	Vocab  int
	Kind   search.ScoreKind
}

// Stepper runs decoding steps. Implementations must be safe for
// concurrent use by independent requests; any per-request cache is keyed
// by the bindings they receive.
type Stepper interface {
	Step(ctx context.Context, b *Bindings) (Output, error)
	Close() error
}

// Encoder is implemented by steppers of encoder-decoder models.
type Encoder interface {
	Encode(ctx context.Context, features *device.Buffer, batch int) (EncoderOutput, error)
}

// Factory builds a stepper bound to dc.
type Factory func(cfg model.Config, dc *device.Context) (Stepper, error)

var (
	registryMu sync.RWMutex
	registry   = map[string]Factory{}
)

// Register makes a backend available by name. Registering a name twice
// panics.
func Register(name string, f Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	name = strings.ToLower(name)
	if _, dup := registry[name]; dup {
		panic("backend: Register called twice for " + name)
	}
	registry[name] = f
}

// Open builds the stepper cfg.Backend names.
func Open(cfg model.Config, dc *device.Context) (Stepper, error) {
	registryMu.RLock()
	f, ok := registry[strings.ToLower(cfg.Backend)]
	registryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown backend %q (registered: %s)", cfg.Backend, strings.Join(Registered(), ", "))
	}
	return f(cfg, dc)
}

// Registered lists backend names in sorted order.
func Registered() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}
