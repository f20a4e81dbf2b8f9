// Package middleware holds gin middleware specific to the exec service.
package middleware

import (
	"fmt"
	"time"

	"github.com/gin-gonic/gin"

	"runbox/internal/common/ratelimit"
	"runbox/pkg/utils/response"
)

// RateLimitPolicy configures one route's fixed-window limits.
type RateLimitPolicy struct {
	Window   time.Duration
	IPMax    int
	RouteMax int
}

// RateLimit enforces per-client-IP and per-route limits.
func RateLimit(limiter *ratelimit.Service, routeKey string, policy RateLimitPolicy, defaultWindow time.Duration) gin.HandlerFunc {
	return func(c *gin.Context) {
		if limiter == nil {
			c.Next()
			return
		}
		window := policy.Window
		if window == 0 {
			window = defaultWindow
		}

		if policy.IPMax > 0 {
			key := fmt.Sprintf("exec:rate:ip:%s:%s", c.ClientIP(), routeKey)
			if err := limiter.Allow(c.Request.Context(), key, policy.IPMax, window); err != nil {
				response.AbortWithError(c, err)
				return
			}
		}

		if policy.RouteMax > 0 {
			key := fmt.Sprintf("exec:rate:route:%s", routeKey)
			if err := limiter.Allow(c.Request.Context(), key, policy.RouteMax, window); err != nil {
				response.AbortWithError(c, err)
				return
			}
		}

		c.Next()
	}
}
