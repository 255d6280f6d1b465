package middleware

import (
	"context"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/charlesng35/unlockd/pkg/errors"
	"github.com/charlesng35/unlockd/pkg/logger"
	"github.com/charlesng35/unlockd/pkg/metrics"
	"github.com/charlesng35/unlockd/pkg/response"
)

const rateStoreTimeout = time.Second

// RateLimit returns a middleware that limits requests per (clientIP,route)
// within a fixed window. Counters live in store so that several instances
// can share them. A failing store lets the request through.
func RateLimit(store RateStore, maxRequests int, window time.Duration) gin.HandlerFunc {
	return func(c *gin.Context) {
		if store == nil || maxRequests <= 0 || window <= 0 {
			c.Next()
			return
		}

		route := c.FullPath()
		if route == "" {
			route = c.Request.URL.Path
		}
		key := c.ClientIP() + "|" + route

		ctx, cancel := context.WithTimeout(c.Request.Context(), rateStoreTimeout)
		count, resetIn, err := store.Increment(ctx, key, window)
		cancel()
		if err != nil {
			logger.WithModule("ratelimit").Warn("rate store unavailable, allowing request",
				zap.String("route", route),
				zap.Error(err),
			)
			c.Next()
			return
		}

		remaining := maxRequests - count
		if remaining < 0 {
			remaining = 0
		}
		c.Header("X-RateLimit-Limit", strconv.Itoa(maxRequests))
		c.Header("X-RateLimit-Remaining", strconv.Itoa(remaining))
		c.Header("X-RateLimit-Reset", strconv.Itoa(int(resetIn.Seconds())))

		if count > maxRequests {
			metrics.RateLimited.WithLabelValues(route).Inc()
			c.Header("Retry-After", strconv.Itoa(int(resetIn.Seconds())+1))
			response.Abort(c, errors.ErrRateLimit)
			return
		}

		c.Next()
	}
}
