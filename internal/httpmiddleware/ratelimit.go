package httpmiddleware

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RedisWindow is a fixed-window rate limiter shared by every API replica.
type RedisWindow struct {
	client *redis.Client
	limit  int
	window time.Duration
	prefix string
	log    *zap.Logger
	now    func() time.Time
}

// NewRedisWindow allows perMinute requests per client IP in each minute.
func NewRedisWindow(client *redis.Client, perMinute int, log *zap.Logger) *RedisWindow {
	if log == nil {
		log = zap.NewNop()
	}
	return &RedisWindow{
		client: client,
		limit:  perMinute,
		window: time.Minute,
		prefix: "campushealth:rl:",
		log:    log,
		now:    time.Now,
	}
}

// GinMiddleware returns gin handler enforcing per-IP limits. Redis errors
// let the request through.
func (l *RedisWindow) GinMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if l.limit <= 0 {
			c.Next()
			return
		}
		ip := c.ClientIP()
		if ip == "" {
			ip = "unknown"
		}
		allowed, err := l.allow(c.Request.Context(), ip)
		if err != nil {
			l.log.Warn("rate limiter unavailable", zap.Error(err))
			c.Next()
			return
		}
		if !allowed {
			c.Header("Retry-After", strconv.Itoa(int(l.window.Seconds())))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"message": "too many requests"})
			return
		}
		c.Next()
	}
}

func (l *RedisWindow) allow(ctx context.Context, key string) (bool, error) {
	bucket := l.now().Unix() / int64(l.window.Seconds())
	k := l.prefix + key + ":" + strconv.FormatInt(bucket, 10)

	pipe := l.client.TxPipeline()
	incr := pipe.Incr(ctx, k)
	pipe.Expire(ctx, k, l.window)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, err
	}
	return incr.Val() <= int64(l.limit), nil
}
