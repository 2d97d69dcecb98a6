package middleware

import (
	"context"
	"fmt"
	"time"

	"judgeflow/pkg/utils/response"

	"github.com/gin-gonic/gin"
)

// Limiter counts a hit on key and fails once max hits land in one window.
type Limiter interface {
	Allow(ctx context.Context, key string, max int, window time.Duration) error
}

type RateLimitPolicy struct {
	Window   time.Duration `yaml:"window"`
	UserMax  int           `yaml:"userMax"`
	IPMax    int           `yaml:"ipMax"`
	RouteMax int           `yaml:"routeMax"`
}

// RateLimitMiddleware enforces per-route rate limiting.
func RateLimitMiddleware(limiter Limiter, routeKey string, policy RateLimitPolicy) gin.HandlerFunc {
	return func(c *gin.Context) {
		if limiter == nil {
			c.Next()
			return
		}
		ctx := c.Request.Context()
		if policy.IPMax > 0 {
			key := fmt.Sprintf("judge:rate:ip:%s:%s", c.ClientIP(), routeKey)
			if err := limiter.Allow(ctx, key, policy.IPMax, policy.Window); err != nil {
				response.AbortWithError(c, err)
				return
			}
		}

		if policy.UserMax > 0 {
			if userID, ok := UserID(c); ok {
				key := fmt.Sprintf("judge:rate:user:%s:%s", userID, routeKey)
				if err := limiter.Allow(ctx, key, policy.UserMax, policy.Window); err != nil {
					response.AbortWithError(c, err)
					return
				}
			}
		}

		if policy.RouteMax > 0 {
			key := fmt.Sprintf("judge:rate:route:%s", routeKey)
			if err := limiter.Allow(ctx, key, policy.RouteMax, policy.Window); err != nil {
				response.AbortWithError(c, err)
				return
			}
		}

		c.Next()
	}
}
