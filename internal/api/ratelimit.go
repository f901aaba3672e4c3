package api

import (
	"net/http"
	"time"

	"github.com/labstack/echo/v5"
	"github.com/labstack/echo/v5/middleware"
)

// NewRateLimitStore allows rps requests per second per client with the
// given burst. A zero burst rounds rps up. Clients idle for ten minutes
// are forgotten.
func NewRateLimitStore(rps float64, burst int) *middleware.RateLimiterMemoryStore {
	return middleware.NewRateLimiterMemoryStoreWithConfig(middleware.RateLimiterMemoryStoreConfig{
		Rate:      rps,
		Burst:     max(burst, 0),
		ExpiresIn: 10 * time.Minute,
	})
}

// rateLimit keys st by client address and answers denials in the API's
// error shape.
func rateLimit(st middleware.RateLimiterStore) echo.MiddlewareFunc {
	return middleware.RateLimiterWithConfig(middleware.RateLimiterConfig{
		Store: st,
		IdentifierExtractor: func(c *echo.Context) (string, error) {
			return c.RealIP(), nil
		},
		ErrorHandler: func(c *echo.Context, err error) error {
			return writeError(c, http.StatusForbidden, "invalid_request_error", "cannot identify client: "+err.Error())
		},
		DenyHandler: func(c *echo.Context, _ string, err error) error {
			if err != nil {
				return writeError(c, http.StatusInternalServerError, "server_error", "rate limiter: "+err.Error())
			}
			c.Response().Header().Set("Retry-After", "1")
			return writeError(c, http.StatusTooManyRequests, "rate_limit_error", "too many requests")
		},
	})
}
