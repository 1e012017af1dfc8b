package middleware

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
)

// RequestTimeout puts a deadline on each request context. A handler that
// gives up with context.DeadlineExceeded is answered with 504 TIMEOUT.
// Handlers must watch the context; nothing is cut off from outside.
func RequestTimeout(timeout time.Duration, skipPrefixes ...string) echo.MiddlewareFunc {
	return echomw.ContextTimeoutWithConfig(echomw.ContextTimeoutConfig{
		Skipper: PathPrefixSkipper(skipPrefixes...),
		Timeout: timeout,
		ErrorHandler: func(err error, c echo.Context) error {
			if errors.Is(err, context.DeadlineExceeded) {
				return writeError(c, http.StatusGatewayTimeout, "TIMEOUT", "request processing exceeded the allowed time limit")
			}
			return err
		},
	})
}

// PathPrefixSkipper skips requests whose path starts with one of prefixes.
func PathPrefixSkipper(prefixes ...string) echomw.Skipper {
	return func(c echo.Context) bool {
		path := c.Request().URL.Path
		for _, p := range prefixes {
			if strings.HasPrefix(path, p) {
				return true
			}
		}
		return false
	}
}
