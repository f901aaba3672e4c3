package api

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/labstack/echo/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/samcharles93/seqgen/internal/backend"
	"github.com/samcharles93/seqgen/internal/fault"
	"github.com/samcharles93/seqgen/internal/inference"
	"github.com/samcharles93/seqgen/internal/logger"
	"github.com/samcharles93/seqgen/internal/model"
	"github.com/samcharles93/seqgen/internal/store"
	_ "github.com/samcharles93/seqgen/internal/toy"
)

func testConfig() model.Config {
	cfg := model.Config{
		Family:    model.GPT,
		Device:    "host",
		VocabSize: 16,
		EOS:       []int32{0},
		MaxLength: 12,
		Seed:      5,
	}
	cfg.ApplyDefaults()
	return cfg
}

func openModel(t *testing.T, opts ...inference.Option) *inference.Model {
	t.Helper()
	m, err := inference.Open(testConfig(), append(opts, inference.WithLogger(logger.Discard()))...)
	if err != nil {
		t.Fatalf("open model: %v", err)
	}
	t.Cleanup(func() { _ = m.Close() })
	return m
}

func newTestEcho(t *testing.T, engine Engine, opts ...Option) (*echo.Echo, *Server) {
	t.Helper()
	server := NewServer(engine, store.NewMemory(), append(opts, WithLogger(logger.Discard()))...)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(ctx)
	})
	e := echo.New()
	server.Register(e)
	return e, server
}

func doJSON(t *testing.T, e *echo.Echo, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode %s: %v", rec.Body.String(), err)
	}
	return out
}

func TestGenerationLifecycle(t *testing.T) {
	t.Parallel()

	e, _ := newTestEcho(t, openModel(t))
	createRec := doJSON(t, e, http.MethodPost, "/v1/generations",
		`{"prompts":[[1,2],[3]],"num_beams":2,"max_new_tokens":4,"num_return_sequences":2}`)
	if createRec.Code != http.StatusOK {
		t.Fatalf("create status: got %d body=%s", createRec.Code, createRec.Body.String())
	}
	created := decode[Generation](t, createRec)
	if created.ID == "" {
		t.Fatalf("expected generation id")
	}
	if created.Status != store.StatusCompleted {
		t.Fatalf("status: got %q", created.Status)
	}
	if created.Family != "gpt" {
		t.Fatalf("family: got %q", created.Family)
	}
	if len(created.Groups) != 2 {
		t.Fatalf("groups: got %d", len(created.Groups))
	}
	prompts := [][]int32{{1, 2}, {3}}
	for i, g := range created.Groups {
		if g.Prompt != i {
			t.Fatalf("group %d: prompt index %d", i, g.Prompt)
		}
		if len(g.Hypotheses) == 0 || len(g.Hypotheses) > 2 {
			t.Fatalf("group %d: %d hypotheses", i, len(g.Hypotheses))
		}
		for _, h := range g.Hypotheses {
			if len(h.Generated) > 4 {
				t.Fatalf("group %d: %d new tokens", i, len(h.Generated))
			}
			for j, tok := range prompts[i] {
				if h.Tokens[j] != tok {
					t.Fatalf("group %d: tokens %v do not start with prompt %v", i, h.Tokens, prompts[i])
				}
			}
			if h.FinishReason == "running" || h.FinishReason == "pruned" {
				t.Fatalf("unexpected finish reason %q", h.FinishReason)
			}
		}
	}
	if created.Stats == nil || created.Stats.Steps == 0 {
		t.Fatalf("expected stats, got %+v", created.Stats)
	}

	getRec := doJSON(t, e, http.MethodGet, "/v1/generations/"+created.ID, "")
	if getRec.Code != http.StatusOK {
		t.Fatalf("get status: got %d", getRec.Code)
	}
	got := decode[Generation](t, getRec)
	if len(got.Groups) != len(created.Groups) || got.Status != store.StatusCompleted {
		t.Fatalf("get: got %+v", got)
	}

	list := decode[GenerationList](t, doJSON(t, e, http.MethodGet, "/v1/generations?limit=5", ""))
	if len(list.Data) != 1 || list.Data[0].ID != created.ID {
		t.Fatalf("list: got %+v", list.Data)
	}

	delRec := doJSON(t, e, http.MethodDelete, "/v1/generations/"+created.ID, "")
	if delRec.Code != http.StatusOK {
		t.Fatalf("delete status: got %d", delRec.Code)
	}
	if del := decode[DeleteResponse](t, delRec); !del.Deleted || del.ID != created.ID {
		t.Fatalf("delete: got %+v", del)
	}
	if rec := doJSON(t, e, http.MethodGet, "/v1/generations/"+created.ID, ""); rec.Code != http.StatusNotFound {
		t.Fatalf("get after delete: got %d", rec.Code)
	}
}

func TestCreateGenerationRejectsBadRequests(t *testing.T) {
	t.Parallel()

	e, _ := newTestEcho(t, openModel(t))
	cases := []struct {
		name string
		path string
		body string
	}{
		{"malformed", "/v1/generations", `{"prompts":`},
		{"unknown field", "/v1/generations", `{"prompts":[[1]],"beams":2}`},
		{"unknown option", "/v1/generations", `{"prompts":[[1]],"options":{"length_penalty":1}}`},
		{"token outside vocab", "/v1/generations", `{"prompts":[[99]]}`},
		{"sampling with beams", "/v1/generations", `{"prompts":[[1]],"num_beams":2,"temperature":0.5}`},
		{"stream in background", "/v1/generations?background=true", `{"prompts":[[1]],"stream":true}`},
		{"audio batch without audio", "/v1/generations", `{"prompts":[[1]],"audio_batch":1}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := doJSON(t, e, http.MethodPost, tc.path, tc.body)
			if rec.Code != http.StatusBadRequest {
				t.Fatalf("status: got %d body=%s", rec.Code, rec.Body.String())
			}
			var body struct {
				Error ErrorBody `json:"error"`
			}
			if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
				t.Fatalf("decode error: %v", err)
			}
			if body.Error.Type != "invalid_request_error" {
				t.Fatalf("error type: got %q", body.Error.Type)
			}
		})
	}
}

func TestStreamGeneration(t *testing.T) {
	t.Parallel()

	e, _ := newTestEcho(t, openModel(t))
	rec := doJSON(t, e, http.MethodPost, "/v1/generations", `{"prompts":[[1,2]],"num_beams":2,"stream":true}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status: got %d body=%s", rec.Code, rec.Body.String())
	}
	if ct := rec.Header().Get(echo.HeaderContentType); ct != "text/event-stream" {
		t.Fatalf("content type: got %q", ct)
	}

	var events []StepEvent
	sc := bufio.NewScanner(strings.NewReader(rec.Body.String()))
	for sc.Scan() {
		line, ok := strings.CutPrefix(sc.Text(), "data: ")
		if !ok {
			continue
		}
		var ev StepEvent
		if err := json.Unmarshal([]byte(line), &ev); err != nil {
			t.Fatalf("decode event %q: %v", line, err)
		}
		events = append(events, ev)
	}
	if len(events) < 3 {
		t.Fatalf("expected created, step and completed events, got %d", len(events))
	}
	if events[0].Type != EventCreated {
		t.Fatalf("first event: got %q", events[0].Type)
	}
	last := events[len(events)-1]
	if last.Type != EventCompleted || last.Generation == nil || last.Generation.Stats == nil {
		t.Fatalf("last event: got %+v", last)
	}
	steps := 0
	for i, ev := range events {
		if ev.SequenceNumber != i+1 {
			t.Fatalf("event %d: sequence number %d", i, ev.SequenceNumber)
		}
		if ev.Type == EventStep {
			steps++
			if len(ev.Tokens) != 2 {
				t.Fatalf("step %d: %d tokens for 2 slots", ev.Step, len(ev.Tokens))
			}
		}
	}
	if steps != last.Generation.Stats.Steps {
		t.Fatalf("step events: got %d want %d", steps, last.Generation.Stats.Steps)
	}
}

func TestBackgroundGenerationCompletes(t *testing.T) {
	t.Parallel()

	e, _ := newTestEcho(t, openModel(t))
	rec := doJSON(t, e, http.MethodPost, "/v1/generations?background=true", `{"prompts":[[1]]}`)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status: got %d body=%s", rec.Code, rec.Body.String())
	}
	queued := decode[Generation](t, rec)
	if queued.Status != store.StatusQueued || !queued.Background {
		t.Fatalf("queued: got %+v", queued)
	}

	deadline := time.Now().Add(5 * time.Second)
	for {
		got := decode[Generation](t, doJSON(t, e, http.MethodGet, "/v1/generations/"+queued.ID, ""))
		if got.Status == store.StatusCompleted {
			if len(got.Groups) != 1 || got.CompletedAt == nil {
				t.Fatalf("completed: got %+v", got)
			}
			return
		}
		if got.Status.Terminal() {
			t.Fatalf("unexpected status %q: %+v", got.Status, got.Error)
		}
		if time.Now().After(deadline) {
			t.Fatalf("generation still %q", got.Status)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

// blockingStepper never produces scores; it waits for cancellation.
type blockingStepper struct {
	entered chan struct{}
}

func (s *blockingStepper) Step(ctx context.Context, _ *backend.Bindings) (backend.Output, error) {
	select {
	case s.entered <- struct{}{}:
	default:
	}
	<-ctx.Done()
	return backend.Output{}, ctx.Err()
}

func (s *blockingStepper) Close() error { return nil }

func TestCancelBackgroundGeneration(t *testing.T) {
	t.Parallel()

	stepper := &blockingStepper{entered: make(chan struct{}, 1)}
	m, err := inference.New(testConfig(), stepper, inference.WithLogger(logger.Discard()))
	if err != nil {
		t.Fatalf("new model: %v", err)
	}
	t.Cleanup(func() { _ = m.Close() })
	e, server := newTestEcho(t, m)

	queued := decode[Generation](t, doJSON(t, e, http.MethodPost, "/v1/generations", `{"prompts":[[1]],"background":true}`))
	select {
	case <-stepper.entered:
	case <-time.After(5 * time.Second):
		t.Fatalf("background generation never reached the backend")
	}

	rec := doJSON(t, e, http.MethodPost, "/v1/generations/"+queued.ID+"/cancel", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("cancel status: got %d body=%s", rec.Code, rec.Body.String())
	}
	if got := decode[Generation](t, rec); got.Status != store.StatusCancelled {
		t.Fatalf("cancel: got %q", got.Status)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	got := decode[Generation](t, doJSON(t, e, http.MethodGet, "/v1/generations/"+queued.ID, ""))
	if got.Status != store.StatusCancelled || got.Error == nil || got.Error.Type != "cancelled" {
		t.Fatalf("after run: got %+v", got)
	}
}

func TestCancelRequiresBackground(t *testing.T) {
	t.Parallel()

	e, _ := newTestEcho(t, openModel(t))
	created := decode[Generation](t, doJSON(t, e, http.MethodPost, "/v1/generations", `{"prompts":[[1]]}`))
	if rec := doJSON(t, e, http.MethodPost, "/v1/generations/"+created.ID+"/cancel", ""); rec.Code != http.StatusBadRequest {
		t.Fatalf("cancel status: got %d", rec.Code)
	}
	if rec := doJSON(t, e, http.MethodPost, "/v1/generations/gen_missing/cancel", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("cancel missing: got %d", rec.Code)
	}
}

func TestModelsHealthAndMetrics(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	m := openModel(t, inference.WithMetrics(inference.NewMetrics(reg)))
	e, _ := newTestEcho(t, m, WithMetrics(reg))

	models := decode[ModelList](t, doJSON(t, e, http.MethodGet, "/v1/models", ""))
	if len(models.Data) != 1 {
		t.Fatalf("models: got %+v", models)
	}
	info := models.Data[0]
	if info.Family != "gpt" || info.Device != "host" || info.VocabSize != 16 || info.Backend != "toy" {
		t.Fatalf("model info: got %+v", info)
	}

	if rec := doJSON(t, e, http.MethodGet, "/healthz", ""); rec.Code != http.StatusOK {
		t.Fatalf("healthz: got %d", rec.Code)
	}

	if rec := doJSON(t, e, http.MethodPost, "/v1/generations", `{"prompts":[[1]]}`); rec.Code != http.StatusOK {
		t.Fatalf("generate: got %d body=%s", rec.Code, rec.Body.String())
	}
	rec := doJSON(t, e, http.MethodGet, "/metrics", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("metrics: got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `seqgen_generation_requests_total{family="gpt",status="ok"} 1`) {
		t.Fatalf("metrics body missing request counter:\n%s", rec.Body.String())
	}
}

type scriptedLimits struct {
	allow []bool
	err   error
}

func (l *scriptedLimits) Allow(string) (bool, error) {
	if l.err != nil {
		return false, l.err
	}
	ok := l.allow[0]
	l.allow = l.allow[1:]
	return ok, nil
}

func TestRateLimitBurst(t *testing.T) {
	t.Parallel()

	e, _ := newTestEcho(t, openModel(t), WithRateLimit(NewRateLimitStore(0.001, 2)))
	codes := make([]int, 0, 3)
	var last *httptest.ResponseRecorder
	for range 3 {
		last = doJSON(t, e, http.MethodGet, "/v1/models", "")
		codes = append(codes, last.Code)
	}
	if fmt.Sprint(codes) != fmt.Sprint([]int{200, 200, 429}) {
		t.Fatalf("codes: got %v", codes)
	}
	if got := last.Header().Get("Retry-After"); got != "1" {
		t.Fatalf("Retry-After: got %q", got)
	}
	body := decode[struct {
		Error ErrorBody `json:"error"`
	}](t, last)
	if body.Error.Type != "rate_limit_error" {
		t.Fatalf("error type: got %q", body.Error.Type)
	}
	// /healthz is outside the limited group.
	if rec := doJSON(t, e, http.MethodGet, "/healthz", ""); rec.Code != http.StatusOK {
		t.Fatalf("healthz: got %d", rec.Code)
	}
}

func TestRateLimitStoreDecides(t *testing.T) {
	t.Parallel()

	limits := &scriptedLimits{allow: []bool{false, true}}
	e, _ := newTestEcho(t, openModel(t), WithRateLimit(limits))
	if rec := doJSON(t, e, http.MethodGet, "/v1/models", ""); rec.Code != http.StatusTooManyRequests {
		t.Fatalf("denied: got %d", rec.Code)
	}
	if rec := doJSON(t, e, http.MethodGet, "/v1/models", ""); rec.Code != http.StatusOK {
		t.Fatalf("allowed: got %d", rec.Code)
	}

	limits.err = errors.New("store offline")
	rec := doJSON(t, e, http.MethodGet, "/v1/models", "")
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("store error: got %d", rec.Code)
	}
	if rec.Header().Get("Retry-After") != "" {
		t.Fatal("store errors must not ask the client to retry")
	}
}

func TestClassify(t *testing.T) {
	t.Parallel()

	tests := []struct {
		err    error
		status int
		typ    string
	}{
		{fault.Invalid("op", "bad"), http.StatusBadRequest, "invalid_request_error"},
		{fault.Protocol("op", "bad"), http.StatusInternalServerError, "protocol_violation"},
		{fault.Device("op", "bad"), http.StatusInternalServerError, "device_error"},
		{fmt.Errorf("step 3: %w", fault.Invariant("op", "bad")), http.StatusInternalServerError, "invariant_violation"},
		{context.Canceled, statusClientClosed, "cancelled"},
		{store.ErrNotFound, http.StatusNotFound, "not_found_error"},
		{fmt.Errorf("plain"), http.StatusInternalServerError, "server_error"},
	}
	for _, tt := range tests {
		status, typ := classify(tt.err)
		if status != tt.status || typ != tt.typ {
			t.Errorf("classify(%v) = %d %q, want %d %q", tt.err, status, typ, tt.status, tt.typ)
		}
	}
}
