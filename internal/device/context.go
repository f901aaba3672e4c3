package device

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/dustin/go-humanize"
	"github.com/samcharles93/seqgen/internal/fault"
)

const defaultQueueDepth = 64

// Context is the explicit device handle passed to every adapter call.
type Context struct {
	kind   Kind
	stream *stream

	// shared serializes multi-op submissions when one stream is used by
	// several requests at once.
	shared bool
	mu     sync.Mutex

	// lifecycle guards sends on the stream against Close.
	lifecycle sync.RWMutex
	closed    bool

	limit   int64
	live    atomic.Int64
	peak    atomic.Int64
	buffers atomic.Int64
}

type Option func(*Context)

// WithSharedStream marks the stream as shared across concurrent requests.
func WithSharedStream() Option {
	return func(c *Context) { c.shared = true }
}

// WithMemoryLimit caps live buffer bytes. Zero means unlimited.
func WithMemoryLimit(bytes int64) Option {
	return func(c *Context) { c.limit = bytes }
}

func NewContext(kind Kind, opts ...Option) *Context {
	c := &Context{kind: kind}
	for _, opt := range opts {
		opt(c)
	}
	if kind == Accelerator {
		c.stream = newStream(defaultQueueDepth)
	}
	return c
}

func (c *Context) Kind() Kind   { return c.kind }
func (c *Context) Shared() bool { return c.shared }

// Enqueue schedules fn on the context's stream. Host contexts run fn
// before returning.
func (c *Context) Enqueue(fn func()) (*Event, error) {
	return c.submit(nil, fn)
}

// Submit schedules fns contiguously: no other submission on the same
// shared context can interleave between them. The returned error only
// reports a rejected submission; a fault raised while running fns is
// reported by the event and skips the rest of the submission.
func (c *Context) Submit(fns ...func()) (*Event, error) {
	return c.submit(nil, fns...)
}

// submit is Submit for work that consumes the output of after. A fault
// in after is inherited instead of running fns on bad data.
func (c *Context) submit(after *Event, fns ...func()) (*Event, error) {
	c.lifecycle.RLock()
	defer c.lifecycle.RUnlock()
	if c.closed {
		return nil, fault.Device("submit", "%s context is closed", c.kind)
	}
	ev := &Event{done: make(chan struct{}), after: after}
	if c.stream == nil {
		for _, fn := range fns {
			ev.guard(fn)()
		}
		ev.complete()
		return ev, nil
	}
	if c.shared {
		c.mu.Lock()
		defer c.mu.Unlock()
	}
	for _, fn := range fns {
		c.stream.work <- ev.guard(fn)
	}
	c.stream.work <- ev.complete
	return ev, nil
}

// Synchronize blocks until all work enqueued before the call has run.
// Faults stay with the submission that raised them; Synchronize reports
// only a closed context or ctx ending first.
func (c *Context) Synchronize(ctx context.Context) error {
	if c.stream == nil {
		return nil
	}
	ev, err := c.Submit()
	if err != nil {
		return err
	}
	select {
	case <-ev.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close drains the stream and stops its worker. Buffers still alive are
// not released.
func (c *Context) Close() error {
	c.lifecycle.Lock()
	if c.closed {
		c.lifecycle.Unlock()
		return nil
	}
	c.closed = true
	c.lifecycle.Unlock()
	if c.stream == nil {
		return nil
	}
	close(c.stream.work)
	<-c.stream.stopped
	return nil
}

func (c *Context) reserve(bytes int64) error {
	live := c.live.Add(bytes)
	if c.limit > 0 && live > c.limit {
		c.live.Add(-bytes)
		return fault.Device("alloc", "allocating %s exceeds %s limit (%s live)",
			humanize.IBytes(uint64(bytes)), humanize.IBytes(uint64(c.limit)), humanize.IBytes(uint64(live-bytes)))
	}
	for {
		peak := c.peak.Load()
		if live <= peak || c.peak.CompareAndSwap(peak, live) {
			break
		}
	}
	c.buffers.Add(1)
	return nil
}

func (c *Context) free(bytes int64) {
	c.live.Add(-bytes)
	c.buffers.Add(-1)
}

// Stats reports buffer accounting for the context.
type Stats struct {
	Kind      Kind
	LiveBytes int64
	PeakBytes int64
	Buffers   int64
}

func (c *Context) Stats() Stats {
	return Stats{
		Kind:      c.kind,
		LiveBytes: c.live.Load(),
		PeakBytes: c.peak.Load(),
		Buffers:   c.buffers.Load(),
	}
}

func (s Stats) String() string {
	return s.Kind.String() + ": " + humanize.IBytes(uint64(s.LiveBytes)) + " live, " +
		humanize.IBytes(uint64(s.PeakBytes)) + " peak, " + humanize.Comma(s.Buffers) + " buffers"
}

type stream struct {
	work    chan func()
	stopped chan struct{}
}

func newStream(depth int) *stream {
	s := &stream{
		work:    make(chan func(), depth),
		stopped: make(chan struct{}),
	}
	go s.run()
	return s
}

// run executes work in enqueue order. Every item is an Event guard or
// completion, so nothing here can panic.
func (s *stream) run() {
	defer close(s.stopped)
	for fn := range s.work {
		fn()
	}
}

// Event marks the completion of one submission and carries the fault it
// raised, if any.
type Event struct {
	done  chan struct{}
	after *Event

	// err is written only by the goroutine running the submission and
	// read by others after done is closed.
	err error
}

// Wait blocks until the submission has run and returns its fault.
func (e *Event) Wait(ctx context.Context) error {
	select {
	case <-e.done:
		return e.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Done is closed once the submission has run.
func (e *Event) Done() <-chan struct{} { return e.done }

func (e *Event) guard(fn func()) func() {
	return func() {
		if e.err != nil {
			return
		}
		if e.after != nil && e.after.err != nil {
			e.err = e.after.err
			return
		}
		e.err = runRecovered(fn)
	}
}

func (e *Event) complete() {
	if e.err == nil && e.after != nil {
		e.err = e.after.err
	}
	close(e.done)
}

func runRecovered(fn func()) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fault.FromPanic("stream", rec)
		}
	}()
	fn()
	return nil
}
