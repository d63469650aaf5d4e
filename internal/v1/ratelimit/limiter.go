// Package ratelimit rate-limits the admin HTTP surface using Redis or local
// memory, mirroring the teacher's ulule/limiter wiring. The in-scope message
// pipeline is never rate-limited here; that is a deliberate non-goal of the
// core proxy.
package ratelimit

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/apxproxy/apx/internal/v1/config"
	"github.com/apxproxy/apx/internal/v1/logging"
	"github.com/apxproxy/apx/internal/v1/metrics"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/ulule/limiter/v3"
	"github.com/ulule/limiter/v3/drivers/store/memory"
	sredis "github.com/ulule/limiter/v3/drivers/store/redis"
	"go.uber.org/zap"
)

// RateLimiter holds the admin-surface rate limiter instances.
type RateLimiter struct {
	global    *limiter.Limiter
	refresh   *limiter.Limiter
	deathlink *limiter.Limiter
	store     limiter.Store
}

// NewRateLimiter creates a new RateLimiter instance.
func NewRateLimiter(cfg *config.Config, redisClient *redis.Client) (*RateLimiter, error) {
	globalRate, err := limiter.NewRateFromFormatted(cfg.RateLimitAdminGlobal)
	if err != nil {
		return nil, fmt.Errorf("invalid admin global rate: %w", err)
	}

	refreshRate, err := limiter.NewRateFromFormatted(cfg.RateLimitAdminRefresh)
	if err != nil {
		return nil, fmt.Errorf("invalid admin refresh rate: %w", err)
	}

	deathlinkRate, err := limiter.NewRateFromFormatted(cfg.RateLimitAdminDeathlnk)
	if err != nil {
		return nil, fmt.Errorf("invalid admin deathlink rate: %w", err)
	}

	var store limiter.Store
	if redisClient != nil {
		s, err := sredis.NewStoreWithOptions(redisClient, limiter.StoreOptions{
			Prefix: "limiter:v1:",
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create redis store: %w", err)
		}
		store = s
		logging.Info(context.Background(), "rate limiter using Redis store")
	} else {
		store = memory.NewStore()
		logging.Warn(context.Background(), "rate limiter using memory store (Redis disabled)")
	}

	return &RateLimiter{
		global:    limiter.New(store, globalRate),
		refresh:   limiter.New(store, refreshRate),
		deathlink: limiter.New(store, deathlinkRate),
		store:     store,
	}, nil
}

// GlobalMiddleware enforces the admin surface's global per-IP rate limit.
func (rl *RateLimiter) GlobalMiddleware() gin.HandlerFunc {
	return rl.middlewareFor(rl.global, "global")
}

// MiddlewareForEndpoint enforces a specific endpoint's rate limit.
func (rl *RateLimiter) MiddlewareForEndpoint(endpointType string) gin.HandlerFunc {
	switch endpointType {
	case "refresh":
		return rl.middlewareFor(rl.refresh, "refresh")
	case "deathlink":
		return rl.middlewareFor(rl.deathlink, "deathlink")
	default:
		return rl.middlewareFor(rl.global, endpointType)
	}
}

func (rl *RateLimiter) middlewareFor(limiterInstance *limiter.Limiter, label string) gin.HandlerFunc {
	return func(c *gin.Context) {
		key := c.ClientIP()
		ctx := c.Request.Context()

		lctx, err := limiterInstance.Get(ctx, key)
		if err != nil {
			// Fail open: availability of the admin surface matters more than
			// strict enforcement during a store outage.
			logging.Error(ctx, "rate limiter store failed", zap.Error(err))
			c.Next()
			return
		}

		c.Header("X-RateLimit-Limit", strconv.FormatInt(lctx.Limit, 10))
		c.Header("X-RateLimit-Remaining", strconv.FormatInt(lctx.Remaining, 10))
		c.Header("X-RateLimit-Reset", strconv.FormatInt(lctx.Reset, 10))

		if lctx.Reached {
			metrics.RateLimitExceeded.WithLabelValues(label).Inc()
			c.Header("Retry-After", strconv.FormatInt(lctx.Reset-time.Now().Unix(), 10))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error":       "too many requests",
				"retry_after": lctx.Reset,
			})
			return
		}

		c.Next()
	}
}
