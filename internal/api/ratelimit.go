package api

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/victorivanov/parley/internal/auth"
)

// RateLimiter counts requests per key in a fixed window.
type RateLimiter interface {
	CheckRateLimit(ctx context.Context, key string, limit int, window time.Duration) (allowed bool, count int64, ttlMs int64, err error)
}

// RateLimitMiddleware creates per-IP (unauthenticated) or per-user
// (authenticated) rate limiting and sets the standard rate limit headers.
// A nil limiter disables limiting.
func RateLimitMiddleware(limiter RateLimiter, limit int, window time.Duration) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		if limiter == nil {
			return next
		}
		return func(c echo.Context) error {
			var key string
			if uid := auth.GetUserID(c); uid != 0 {
				key = fmt.Sprintf("rl:user:%d:%s", uid, c.Path())
			} else {
				key = fmt.Sprintf("rl:ip:%s:%s", c.RealIP(), c.Path())
			}

			allowed, count, ttlMs, err := limiter.CheckRateLimit(c.Request().Context(), key, limit, window)
			if err != nil {
				// Fail open when Redis is unreachable.
				return next(c)
			}

			remaining := max(int64(limit)-count, 0)
			resetAt := time.Now().Add(time.Duration(ttlMs) * time.Millisecond).Unix()

			h := c.Response().Header()
			h.Set("X-RateLimit-Limit", strconv.Itoa(limit))
			h.Set("X-RateLimit-Remaining", strconv.FormatInt(remaining, 10))
			h.Set("X-RateLimit-Reset", strconv.FormatInt(resetAt, 10))

			if !allowed {
				h.Set("Retry-After", strconv.FormatInt((ttlMs+999)/1000, 10))
				return Error(c, http.StatusTooManyRequests, "RATE_LIMITED", "too many requests, please try again later")
			}
			return next(c)
		}
	}
}
