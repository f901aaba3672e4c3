package api

import (
	"fmt"
	"io"
	"net/http"

	"github.com/goccy/go-json"
	"github.com/labstack/echo/v5"
)

// SSE event types.
const (
	EventCreated   = "generation.created"
	EventStep      = "generation.step"
	EventCompleted = "generation.completed"
	EventFailed    = "generation.failed"
)

type SSEStreamWriter struct {
	w             io.Writer
	flusher       func()
	startingAfter int
	seq           int
	begun         bool
}

func NewSSEStreamWriter(c *echo.Context) (*SSEStreamWriter, error) {
	res := c.Response()
	flusher, ok := res.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("streaming unsupported")
	}
	res.Header().Set(echo.HeaderContentType, "text/event-stream")
	res.Header().Set("Cache-Control", "no-cache")
	res.Header().Set("Connection", "keep-alive")

	return &SSEStreamWriter{
		w:             res,
		flusher:       flusher.Flush,
		startingAfter: parseStartingAfter(c.QueryParam("starting_after")),
		seq:           1,
	}, nil
}

func (s *SSEStreamWriter) Begin(gen Generation) error {
	s.begun = true
	return s.emit(StepEvent{Type: EventCreated, Generation: &gen})
}

func (s *SSEStreamWriter) Started() bool {
	return s.begun
}

// Step sends the tokens every slot received at step.
func (s *SSEStreamWriter) Step(step int, tokens []int32) error {
	return s.emit(StepEvent{Type: EventStep, Step: step, Tokens: tokens})
}

func (s *SSEStreamWriter) Complete(gen Generation) error {
	return s.emit(StepEvent{Type: EventCompleted, Generation: &gen})
}

func (s *SSEStreamWriter) Failed(gen Generation) error {
	return s.emit(StepEvent{Type: EventFailed, Generation: &gen})
}

func (s *SSEStreamWriter) emit(ev StepEvent) error {
	ev.SequenceNumber = s.seq
	s.seq++
	if s.startingAfter >= ev.SequenceNumber {
		return nil
	}
	b, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(s.w, "event: %s\ndata: %s\n\n", ev.Type, b); err != nil {
		return err
	}
	if s.flusher != nil {
		s.flusher()
	}
	return nil
}

func parseStartingAfter(v string) int {
	if v == "" {
		return 0
	}
	n := 0
	for _, r := range v {
		if r < '0' || r > '9' {
			return 0
		}
		n = n*10 + int(r-'0')
	}
	return n
}
