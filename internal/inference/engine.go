// Package inference drives generation requests: it owns the decoding loop
// that alternates backend steps with beam selection.
package inference

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/samcharles93/seqgen/internal/arch"
	"github.com/samcharles93/seqgen/internal/backend"
	"github.com/samcharles93/seqgen/internal/device"
	"github.com/samcharles93/seqgen/internal/fault"
	"github.com/samcharles93/seqgen/internal/logger"
	"github.com/samcharles93/seqgen/internal/model"
	"golang.org/x/sync/semaphore"
)

// Model is a loaded backend plus the strategy for its family. It is safe
// for concurrent use; every request gets its own search state.
type Model struct {
	cfg      model.Config
	stepper  backend.Stepper
	strategy arch.Strategy
	dc       *device.Context
	ownsDC   bool

	log     logger.Logger
	sem     *semaphore.Weighted
	metrics *Metrics

	closed atomic.Bool
}

type Option func(*Model)

func WithLogger(l logger.Logger) Option {
	return func(m *Model) { m.log = l }
}

// WithMaxConcurrent bounds the number of generations running at once.
// Zero means unbounded.
func WithMaxConcurrent(n int) Option {
	return func(m *Model) {
		if n > 0 {
			m.sem = semaphore.NewWeighted(int64(n))
		}
	}
}

func WithMetrics(metrics *Metrics) Option {
	return func(m *Model) { m.metrics = metrics }
}

// WithDeviceContext binds the model to dc, which must be the context the
// stepper produces its outputs on. The caller keeps ownership of dc.
func WithDeviceContext(dc *device.Context) Option {
	return func(m *Model) { m.dc = dc }
}

// New wraps stepper. Without WithDeviceContext the model creates and owns
// a shared context of the kind cfg.Device resolves to.
func New(cfg model.Config, stepper backend.Stepper, opts ...Option) (*Model, error) {
	if stepper == nil {
		return nil, fmt.Errorf("backend stepper is required")
	}
	strategy, err := arch.ForConfig(cfg)
	if err != nil {
		return nil, err
	}
	m := &Model{
		cfg:      cfg,
		stepper:  stepper,
		strategy: strategy,
		log:      logger.Default(),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.dc == nil {
		kind, err := backend.ResolveDevice(cfg.Device)
		if err != nil {
			return nil, err
		}
		m.dc = device.NewContext(kind, device.WithSharedStream(), device.WithMemoryLimit(cfg.MemoryLimit))
		m.ownsDC = true
	}
	return m, nil
}

// Open resolves cfg's device, builds the registered backend cfg.Backend
// names and wraps it. The model owns the device context.
func Open(cfg model.Config, opts ...Option) (*Model, error) {
	kind, err := backend.ResolveDevice(cfg.Device)
	if err != nil {
		return nil, err
	}
	dc := device.NewContext(kind, device.WithSharedStream(), device.WithMemoryLimit(cfg.MemoryLimit))
	stepper, err := backend.Open(cfg, dc)
	if err != nil {
		_ = dc.Close()
		return nil, err
	}
	m, err := New(cfg, stepper, append(opts, WithDeviceContext(dc))...)
	if err != nil {
		_ = stepper.Close()
		_ = dc.Close()
		return nil, err
	}
	m.ownsDC = true
	return m, nil
}

func (m *Model) Config() model.Config     { return m.cfg }
func (m *Model) Family() model.Family     { return m.strategy.Family() }
func (m *Model) Device() *device.Context  { return m.dc }
func (m *Model) Strategy() arch.Strategy  { return m.strategy }
func (m *Model) Stepper() backend.Stepper { return m.stepper }

// Generate runs req to completion. A cancelled request returns the
// context's error and no partial result.
func (m *Model) Generate(ctx context.Context, req *Request) (*Result, error) {
	g, err := m.NewGenerator(ctx, req)
	if err != nil {
		return nil, err
	}
	defer g.Close()
	for !g.Done() {
		if _, err := g.Next(ctx); err != nil {
			return nil, err
		}
	}
	return g.Result(), nil
}

// Close releases the backend and, if the model created it, the device
// context.
func (m *Model) Close() error {
	if m == nil || !m.closed.CompareAndSwap(false, true) {
		return nil
	}
	var errs []error
	if err := m.stepper.Close(); err != nil {
		errs = append(errs, err)
	}
	if m.ownsDC {
		if err := m.dc.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m *Model) loggerFor(ctx context.Context) logger.Logger {
	if l, ok := logger.Lookup(ctx); ok {
		return l
	}
	return m.log
}

func safeStep(ctx context.Context, s backend.Stepper, b *backend.Bindings) (out backend.Output, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fault.FromPanic("backend step", rec)
		}
	}()
	return s.Step(ctx, b)
}

func safeCreate(ctx context.Context, s arch.Strategy, env arch.Env, req arch.Request) (st *arch.State, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fault.FromPanic("create state", rec)
		}
	}()
	return s.CreateInitialState(ctx, env, req)
}
