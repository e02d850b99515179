// Package ratelimit implements rate limiting logic using Redis or local memory.
package ratelimit

import (
	"context"
	"fmt"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/ulule/limiter/v3"
	"github.com/ulule/limiter/v3/drivers/store/memory"
	sredis "github.com/ulule/limiter/v3/drivers/store/redis"
	"go.uber.org/zap"

	"github.com/bonfire-party/bonfire/internal/v1/config"
	"github.com/bonfire-party/bonfire/internal/v1/logging"
	"github.com/bonfire-party/bonfire/internal/v1/metrics"
	"github.com/bonfire-party/bonfire/internal/v1/protocol"
)

// Limiter holds the two limiters the server enforces: websocket upgrades per
// client IP, and admin requests per client IP.
type Limiter struct {
	wsIP  *limiter.Limiter
	admin *limiter.Limiter
	store limiter.Store
}

// New builds the limiter from config. When a redis client is provided the
// counters are shared across replicas; otherwise they live in process memory.
func New(cfg *config.Config, redisClient *redis.Client) (*Limiter, error) {
	wsIPRate, err := limiter.NewRateFromFormatted(cfg.RateLimitWsIP)
	if err != nil {
		return nil, fmt.Errorf("invalid WS IP rate: %w", err)
	}

	adminRate, err := limiter.NewRateFromFormatted(cfg.RateLimitAdmin)
	if err != nil {
		return nil, fmt.Errorf("invalid admin rate: %w", err)
	}

	var store limiter.Store
	if redisClient != nil {
		s, err := sredis.NewStoreWithOptions(redisClient, limiter.StoreOptions{
			Prefix: "bonfire:limiter:",
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create redis store: %w", err)
		}
		store = s
		logging.Info(context.Background(), "Rate limiter using Redis store")
	} else {
		store = memory.NewStore()
		logging.Info(context.Background(), "Rate limiter using memory store")
	}

	return &Limiter{
		wsIP:  limiter.New(store, wsIPRate),
		admin: limiter.New(store, adminRate),
		store: store,
	}, nil
}

// CheckWebSocket gates a websocket upgrade by client IP. Returns true if
// allowed; on rejection the 429 response has already been written. A limiter
// store failure fails open.
func (l *Limiter) CheckWebSocket(c *gin.Context) bool {
	ctx := c.Request.Context()
	ip := c.ClientIP()

	lctx, err := l.wsIP.Get(ctx, ip)
	if err != nil {
		logging.Error(ctx, "WS rate limiter store failed", zap.Error(err))
		return true
	}

	if lctx.Reached {
		metrics.RateLimitExceeded.WithLabelValues("websocket").Inc()
		c.Header("X-RateLimit-Retry-After", strconv.FormatInt(lctx.Reset, 10))
		c.JSON(http.StatusTooManyRequests, gin.H{
			"error": "too many connections from this IP",
			"code":  protocol.CodeRateLimited,
		})
		return false
	}

	return true
}

// AdminMiddleware limits admin requests by client IP, ahead of the API key
// check so brute forcing the key is throttled too.
func (l *Limiter) AdminMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()

		lctx, err := l.admin.Get(ctx, c.ClientIP())
		if err != nil {
			logging.Error(ctx, "Admin rate limiter store failed", zap.Error(err))
			c.Next()
			return
		}

		c.Header("X-RateLimit-Limit", strconv.FormatInt(lctx.Limit, 10))
		c.Header("X-RateLimit-Remaining", strconv.FormatInt(lctx.Remaining, 10))
		c.Header("X-RateLimit-Reset", strconv.FormatInt(lctx.Reset, 10))

		if lctx.Reached {
			metrics.RateLimitExceeded.WithLabelValues("admin").Inc()
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error": "too many requests",
				"code":  protocol.CodeRateLimited,
			})
			return
		}

		c.Next()
	}
}
