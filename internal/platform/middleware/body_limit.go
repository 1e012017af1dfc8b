package middleware

import (
	"errors"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/labstack/gommon/bytes"
)

// DefaultBodyLimit applies when the configured limit does not parse.
const DefaultBodyLimit = "1M"

// BodyLimit rejects request bodies larger than limit ("64K", "1MiB", "2048")
// with 413, whether or not Content-Length is honest.
func BodyLimit(limit string) echo.MiddlewareFunc {
	if _, err := ParseBodyLimit(limit); err != nil {
		limit = DefaultBodyLimit
	}
	return echomw.BodyLimitWithConfig(echomw.BodyLimitConfig{Limit: limit})
}

var errNonPositiveLimit = errors.New("body limit must be positive")

// ParseBodyLimit returns limit in bytes. K, M and G are decimal; KiB, MiB and
// GiB are binary.
func ParseBodyLimit(limit string) (int64, error) {
	n, err := bytes.Parse(limit)
	if err != nil {
		return 0, err
	}
	if n <= 0 {
		return 0, errNonPositiveLimit
	}
	return n, nil
}
