package db

import (
	"context"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	"github.com/redis/go-redis/v9"
)

// PoolStats represents database connection pool statistics.
type PoolStats struct {
	TotalConns      int32  `json:"total_conns"`
	IdleConns       int32  `json:"idle_conns"`
	AcquiredConns   int32  `json:"acquired_conns"`
	MaxConns        int32  `json:"max_conns"`
	AcquireCount    int64  `json:"acquire_count"`
	AcquireDuration string `json:"acquire_duration"`
}

// GetPoolStats returns connection pool statistics.
func GetPoolStats(pool *pgxpool.Pool) *PoolStats {
	stat := pool.Stat()
	return &PoolStats{
		TotalConns:      stat.TotalConns(),
		IdleConns:       stat.IdleConns(),
		AcquiredConns:   stat.AcquiredConns(),
		MaxConns:        stat.MaxConns(),
		AcquireCount:    stat.AcquireCount(),
		AcquireDuration: stat.AcquireDuration().String(),
	}
}

// Check is one dependency probed by the health endpoint. Details, when set,
// is reported alongside the result.
type Check struct {
	Name    string
	Ping    func(ctx context.Context) error
	Details func() any
}

func PostgresCheck(pool *pgxpool.Pool) Check {
	return Check{
		Name:    "postgres",
		Ping:    pool.Ping,
		Details: func() any { return GetPoolStats(pool) },
	}
}

func RedisCheck(rdb redis.UniversalClient) Check {
	return Check{
		Name: "redis",
		Ping: func(ctx context.Context) error { return rdb.Ping(ctx).Err() },
	}
}

type checkResult struct {
	Status  string `json:"status"`
	Error   string `json:"error,omitempty"`
	Details any    `json:"details,omitempty"`
}

type healthBody struct {
	Status string                 `json:"status"`
	Checks map[string]checkResult `json:"checks"`
}

// HealthHandler pings every check and answers 503 if any fails.
func HealthHandler(timeout time.Duration, checks ...Check) echo.HandlerFunc {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return func(c echo.Context) error {
		ctx, cancel := context.WithTimeout(c.Request().Context(), timeout)
		defer cancel()

		body := healthBody{Status: "healthy", Checks: make(map[string]checkResult, len(checks))}
		code := http.StatusOK
		for _, chk := range checks {
			res := checkResult{Status: "ok"}
			if err := chk.Ping(ctx); err != nil {
				res.Status, res.Error = "unavailable", err.Error()
				body.Status, code = "unhealthy", http.StatusServiceUnavailable
			}
			if chk.Details != nil {
				res.Details = chk.Details()
			}
			body.Checks[chk.Name] = res
		}
		return c.JSON(code, body)
	}
}
