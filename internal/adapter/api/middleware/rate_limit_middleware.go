package middleware

import (
	"math"
	"net/http"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"petchat/internal/infrastructure/ratelimit"
)

// RateLimit throttles control requests per client IP.
func RateLimit(limiter *ratelimit.RateLimiter, logger *zap.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			ip := c.RealIP()

			if ok, wait := limiter.Allow(ip, ratelimit.ActionAPI); !ok {
				logger.Warn("rate limit exceeded", zap.String("ip", ip), zap.Duration("retry_after", wait))

				return c.JSON(http.StatusTooManyRequests, map[string]interface{}{
					"error":       "Rate limit exceeded",
					"retry_after": int(math.Ceil(wait.Seconds())),
				})
			}

			return next(c)
		}
	}
}
