package inference

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/samcharles93/seqgen/internal/arch"
	"github.com/samcharles93/seqgen/internal/backend"
	"github.com/samcharles93/seqgen/internal/device"
	"github.com/samcharles93/seqgen/internal/fault"
	"github.com/samcharles93/seqgen/internal/logger"
	"github.com/samcharles93/seqgen/internal/search"
)

// Generator steps one request at a time. It is not safe for concurrent
// use; Close must be called to release its slot and buffers.
type Generator struct {
	m   *Model
	st  *arch.State
	log logger.Logger

	start     time.Time
	stats     Stats
	newTokens []int32

	err      error
	recorded bool
	closed   bool
	release  func()
}

// NewGenerator validates req, waits for a concurrency slot and builds the
// initial state, running the encoder for encoder-decoder models.
func (m *Model) NewGenerator(ctx context.Context, req *Request) (*Generator, error) {
	if ctx == nil {
		return nil, fmt.Errorf("context is required")
	}
	if req == nil {
		return nil, fault.Invalid("generate", "request is required")
	}
	if m.closed.Load() {
		return nil, fault.Device("generate", "model is closed")
	}
	areq, err := req.resolve(m.cfg)
	if err != nil {
		return nil, err
	}
	release := func() {}
	if m.sem != nil {
		if err := m.sem.Acquire(ctx, 1); err != nil {
			return nil, err
		}
		release = func() { m.sem.Release(1) }
	}
	if err := ctx.Err(); err != nil {
		release()
		return nil, err
	}

	log := m.loggerFor(ctx).With("family", string(m.Family()))
	g := &Generator{m: m, log: log, start: time.Now(), release: release}
	m.metrics.started()

	env := arch.Env{Device: m.dc, Backend: m.stepper}
	st, err := safeCreate(ctx, m.strategy, env, areq)
	if err != nil {
		g.fail(err)
		g.Close()
		return nil, err
	}
	g.st = st
	log.Debug("generation started",
		"prompts", st.Batch(),
		"beams", st.NumBeams(),
		"max_length", st.Params().MaxLength,
	)
	return g, nil
}

// Next runs one decoding step and reports whether more steps remain. A
// cancelled context stops the request before the next step; a step
// already running completes and its scores are discarded.
func (g *Generator) Next(ctx context.Context) (bool, error) {
	if g.err != nil {
		return false, g.err
	}
	if g.closed {
		return false, fault.Invariant("next", "generator is closed")
	}
	if g.st.Done() {
		return false, nil
	}
	if err := ctx.Err(); err != nil {
		return false, g.fail(err)
	}

	step := g.st.Step()
	b, err := g.m.strategy.BuildStepBindings(g.st)
	if err != nil {
		return false, g.fail(fmt.Errorf("step %d: %w", step, err))
	}
	out, err := safeStep(ctx, g.m.stepper, b)
	b.Release()
	if cerr := ctx.Err(); cerr != nil {
		out.Scores.Release()
		return false, g.fail(cerr)
	}
	if err != nil {
		out.Scores.Release()
		return false, g.fail(fmt.Errorf("step %d: %w", step, err))
	}

	live := 0
	for slot := range g.st.Slots() {
		if !g.st.Beam(slot).Done() {
			live++
		}
	}
	next, err := g.advance(out)
	if err != nil {
		return false, g.fail(fmt.Errorf("step %d: %w", step, err))
	}
	g.newTokens = next
	g.stats.Steps++
	g.stats.TokensGenerated += live

	if events := g.st.TakeAnomalies(); len(events) > 0 {
		for _, ev := range events {
			g.log.Warn("numeric anomaly", "step", ev.Step, "slot", ev.Slot, "score", ev.Score)
		}
		g.m.metrics.anomaly(string(g.m.Family()), len(events))
	}

	if g.st.Done() {
		g.finish()
		return false, nil
	}
	return true, nil
}

// advance moves the backend scores to the host and feeds them to the
// search state. The scores buffer is released on return.
func (g *Generator) advance(out backend.Output) ([]int32, error) {
	const op = "read scores"
	defer out.Scores.Release()
	if out.Scores == nil {
		return nil, fault.Protocol(op, "backend returned no scores")
	}
	if out.Rows <= 0 || out.Vocab <= 0 || out.Scores.Len() != out.Rows*out.Vocab {
		return nil, fault.Protocol(op, "backend returned %d scores for %dx%d", out.Scores.Len(), out.Rows, out.Vocab)
	}
	host, err := device.ToHostFloat32(g.m.dc, out.Scores)
	if err != nil {
		return nil, err
	}
	defer host.Release()
	scores, err := host.Float32s()
	if err != nil {
		return nil, err
	}
	next, _, err := g.st.Advance(search.Output{
		Rows:   out.Rows,
		Vocab:  out.Vocab,
		Kind:   out.Kind,
		Scores: scores,
	})
	return next, err
}

// Done reports whether every slot has finished.
func (g *Generator) Done() bool {
	return g.err != nil || g.closed || g.st.Done()
}

// Err returns the error that stopped the generator, if any.
func (g *Generator) Err() error { return g.err }

// NewTokens returns, per slot, the token chosen by the last step. Slots
// that were already finished hold the pad token.
func (g *Generator) NewTokens() []int32 { return g.newTokens }

// Sequence returns slot's tokens so far, prompt included.
func (g *Generator) Sequence(slot int) []int32 { return g.st.Tokens(slot) }

// Sequences returns every slot's tokens. The rows alias generator state
// and change on the next step.
func (g *Generator) Sequences() [][]int32 { return g.st.Sequences() }

// State exposes the underlying search state.
func (g *Generator) State() *arch.State { return g.st }

// Results returns the hypotheses ranked so far.
func (g *Generator) Results() []search.Group { return g.st.Results() }

// Stats returns the counters accumulated so far.
func (g *Generator) Stats() Stats {
	s := g.stats
	s.Anomalies = g.st.Anomalies()
	s.Duration = time.Since(g.start)
	if s.Duration > 0 {
		s.TPS = float64(s.TokensGenerated) / s.Duration.Seconds()
	}
	return s
}

// Result packages the ranked hypotheses and stats.
func (g *Generator) Result() *Result {
	return &Result{Groups: g.st.Results(), Stats: g.Stats()}
}

// Close releases the request's buffers and concurrency slot. A generator
// closed before finishing is recorded as cancelled.
func (g *Generator) Close() {
	if g.closed {
		return
	}
	g.closed = true
	if !g.recorded {
		g.record(StatusCancelled)
	}
	if g.st != nil {
		g.st.Release()
	}
	g.release()
}

func (g *Generator) finish() {
	stats := g.Stats()
	g.log.Info("generation finished",
		"steps", stats.Steps,
		"tokens", stats.TokensGenerated,
		"anomalies", stats.Anomalies,
		"duration", stats.Duration,
	)
	g.record(StatusOK)
}

func (g *Generator) fail(err error) error {
	g.err = err
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		g.log.Debug("generation cancelled", "error", err)
		g.record(StatusCancelled)
		return err
	}
	g.log.Error("generation failed", "error", err, "kind", fault.KindOf(err).String())
	g.record(StatusError)
	return err
}

func (g *Generator) record(status string) {
	if g.recorded {
		return
	}
	g.recorded = true
	var stats Stats
	if g.st != nil {
		stats = g.Stats()
	}
	g.m.metrics.finished(string(g.m.Family()), status, stats, time.Since(g.start))
}
