package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/labstack/echo/v5"
	"github.com/samcharles93/seqgen/internal/fault"
	"github.com/samcharles93/seqgen/internal/store"
)

// statusClientClosed is reported when the caller went away mid-request.
const statusClientClosed = 499

// classify maps err to an HTTP status and an error type.
func classify(err error) (int, string) {
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return statusClientClosed, "cancelled"
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound, "not_found_error"
	case errors.Is(err, fault.ErrInvalid):
		return http.StatusBadRequest, "invalid_request_error"
	}
	if kind := fault.KindOf(err); kind != fault.Unknown {
		return http.StatusInternalServerError, kind.String()
	}
	return http.StatusInternalServerError, "server_error"
}

func writeBadRequest(c *echo.Context, msg string) error {
	return writeError(c, http.StatusBadRequest, "invalid_request_error", msg)
}

func writeNotFound(c *echo.Context, msg string) error {
	return writeError(c, http.StatusNotFound, "not_found_error", msg)
}

func writeError(c *echo.Context, status int, errType, msg string) error {
	return c.JSON(status, map[string]any{
		"error": ErrorBody{
			Message: msg,
			Type:    errType,
		},
	})
}

func writeErr(c *echo.Context, err error) error {
	status, typ := classify(err)
	return writeError(c, status, typ, err.Error())
}
