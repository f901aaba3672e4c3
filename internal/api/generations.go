package api

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/goccy/go-json"
	"github.com/labstack/echo/v5"
	"github.com/samcharles93/seqgen/internal/inference"
	"github.com/samcharles93/seqgen/internal/logger"
	"github.com/samcharles93/seqgen/internal/store"
)

const (
	defaultListLimit = 20
	maxListLimit     = 100
)

var errSkip = errors.New("skip")

func (s *Server) handleCreate(c *echo.Context) error {
	if s.engine == nil {
		return writeError(c, http.StatusServiceUnavailable, "server_error", "no model loaded")
	}
	req, err := decodeJSON[GenerationRequest](c.Request().Body)
	if err != nil {
		return writeBadRequest(c, err.Error())
	}
	if boolParam(c, "background") {
		req.Background = true
	}
	if boolParam(c, "stream") {
		req.Stream = true
	}
	if req.Stream && req.Background {
		return writeBadRequest(c, "streaming background generations is not supported")
	}

	ireq, release, err := req.toInference(s.engine.Device())
	if err != nil {
		return writeErr(c, err)
	}

	rec := &store.Record{
		Status:     store.StatusInProgress,
		Background: req.Background,
		Request:    req.payload(),
	}
	if req.Background {
		rec.Status = store.StatusQueued
	}
	ctx := c.Request().Context()
	if err := s.store.Create(ctx, rec); err != nil {
		release()
		return writeErr(c, err)
	}

	switch {
	case req.Background:
		s.startBackground(rec.ID, ireq, release)
		return c.JSON(http.StatusAccepted, view(rec))
	case req.Stream:
		defer release()
		return s.streamGeneration(c, rec, ireq)
	}

	defer release()
	log := s.log.With("generation", rec.ID)
	res, runErr := generate(logger.WithContext(ctx, log), s.engine, ireq, nil)
	done, err := s.settle(rec.ID, res, runErr)
	if runErr != nil {
		return writeErr(c, runErr)
	}
	if err != nil {
		return writeErr(c, err)
	}
	return c.JSON(http.StatusOK, view(done))
}

func (s *Server) streamGeneration(c *echo.Context, rec *store.Record, ireq *inference.Request) error {
	w, err := NewSSEStreamWriter(c)
	if err != nil {
		_, _ = s.settle(rec.ID, nil, err)
		return writeBadRequest(c, err.Error())
	}
	if err := w.Begin(view(rec)); err != nil {
		return err
	}

	ctx := logger.WithContext(c.Request().Context(), s.log.With("generation", rec.ID))
	res, runErr := generate(ctx, s.engine, ireq, func(g *inference.Generator) error {
		return w.Step(g.State().Step(), g.NewTokens())
	})
	done, err := s.settle(rec.ID, res, runErr)
	if err != nil {
		s.log.Error("failed to record generation", "generation", rec.ID, "error", err)
		return nil
	}
	if runErr != nil {
		if ctx.Err() != nil {
			return nil
		}
		return w.Failed(view(done))
	}
	return w.Complete(view(done))
}

func (s *Server) startBackground(id string, ireq *inference.Request, release func()) {
	ctx, cancel := context.WithCancel(s.base)
	log := s.log.With("generation", id)
	ctx = logger.WithContext(ctx, log)
	s.track(id, cancel)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer release()
		defer s.untrack(id)

		_, err := s.store.Update(ctx, id, func(r *store.Record) error {
			if r.Status.Terminal() {
				return errSkip
			}
			r.Status = store.StatusInProgress
			return nil
		})
		if err != nil {
			if !errors.Is(err, errSkip) && !errors.Is(err, store.ErrNotFound) {
				log.Error("background generation not started", "error", err)
			}
			return
		}
		res, runErr := generate(ctx, s.engine, ireq, nil)
		if _, err := s.settle(id, res, runErr); err != nil && !errors.Is(err, store.ErrNotFound) {
			log.Error("failed to record generation", "error", err)
		}
	}()
}

// settle records a run's outcome. It uses a fresh context so a cancelled
// request still gets its status written.
func (s *Server) settle(id string, res *inference.Result, runErr error) (*store.Record, error) {
	family := s.engine.Family()
	return s.store.Update(context.Background(), id, func(r *store.Record) error {
		return settle(r, family, res, runErr, s.clock())
	})
}

func (s *Server) handleGet(c *echo.Context) error {
	rec, err := s.store.Get(c.Request().Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return writeNotFound(c, "generation not found")
		}
		return writeErr(c, err)
	}
	return c.JSON(http.StatusOK, view(rec))
}

func (s *Server) handleList(c *echo.Context) error {
	limit := defaultListLimit
	if q := c.QueryParam("limit"); q != "" {
		n, err := strconv.Atoi(q)
		if err != nil || n <= 0 {
			return writeBadRequest(c, fmt.Sprintf("invalid limit %q", q))
		}
		limit = min(n, maxListLimit)
	}
	recs, err := s.store.List(c.Request().Context(), limit)
	if err != nil {
		return writeErr(c, err)
	}
	out := GenerationList{Object: "list", Data: make([]Generation, 0, len(recs))}
	for _, rec := range recs {
		out.Data = append(out.Data, view(rec))
	}
	return c.JSON(http.StatusOK, out)
}

func (s *Server) handleDelete(c *echo.Context) error {
	id := c.Param("id")
	s.untrack(id)
	if err := s.store.Delete(c.Request().Context(), id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return writeNotFound(c, "generation not found")
		}
		return writeErr(c, err)
	}
	return c.JSON(http.StatusOK, DeleteResponse{
		ID:      id,
		Object:  "generation",
		Deleted: true,
	})
}

func (s *Server) handleCancel(c *echo.Context) error {
	id := c.Param("id")
	ctx := c.Request().Context()
	rec, err := s.store.Get(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return writeNotFound(c, "generation not found")
		}
		return writeErr(c, err)
	}
	if !rec.Background {
		return writeBadRequest(c, "only background generations can be cancelled")
	}
	rec, err = s.store.Update(ctx, id, func(r *store.Record) error {
		if r.Status.Terminal() {
			return nil
		}
		r.Error = "cancelled by client"
		r.ErrorKind = "cancelled"
		r.Finish(store.StatusCancelled, s.clock())
		return nil
	})
	if err != nil {
		return writeErr(c, err)
	}
	s.untrack(id)
	return c.JSON(http.StatusOK, view(rec))
}

func boolParam(c *echo.Context, name string) bool {
	q := c.QueryParam(name)
	return q == "1" || strings.EqualFold(q, "true")
}

func decodeJSON[T any](r io.Reader) (T, error) {
	var out T
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&out); err != nil {
		return out, err
	}
	return out, nil
}
