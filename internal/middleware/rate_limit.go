package middleware

import (
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

// RateLimiter はクライアントIPごとのトークンバケットを保持します。
// window の間アクセスのないバケットは満タンに戻っているため、次回の掃除で破棄します。
type RateLimiter struct {
	mu        sync.Mutex
	visitors  map[string]*visitor
	limit     rate.Limit
	burst     int
	idle      time.Duration
	lastSweep time.Time
	now       func() time.Time
}

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewRateLimiter は window あたり requests 回まで許可するリミッターを作成します。
func NewRateLimiter(requests int, window time.Duration) *RateLimiter {
	return &RateLimiter{
		visitors:  make(map[string]*visitor),
		limit:     rate.Limit(float64(requests) / window.Seconds()),
		burst:     requests,
		idle:      window,
		lastSweep: time.Now(),
		now:       time.Now,
	}
}

// Allow は key に対するリクエストを許可するかを返します。
func (l *RateLimiter) Allow(key string) bool {
	l.mu.Lock()
	now := l.now()
	if now.Sub(l.lastSweep) >= l.idle {
		l.sweep(now)
	}
	v, ok := l.visitors[key]
	if !ok {
		v = &visitor{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.visitors[key] = v
	}
	v.lastSeen = now
	l.mu.Unlock()
	return v.limiter.AllowN(now, 1)
}

// Len は保持しているクライアント数を返します。
func (l *RateLimiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.visitors)
}

func (l *RateLimiter) sweep(now time.Time) {
	for key, v := range l.visitors {
		if now.Sub(v.lastSeen) >= l.idle {
			delete(l.visitors, key)
		}
	}
	l.lastSweep = now
}

// RateLimit は IP 単位でリクエスト数を制限するミドルウェアです。
// requests が 0 以下の場合は何もしません。
func RateLimit(requests int, window time.Duration, log *slog.Logger) gin.HandlerFunc {
	if requests <= 0 || window <= 0 {
		return func(c *gin.Context) { c.Next() }
	}
	if log == nil {
		log = slog.Default()
	}
	limiter := NewRateLimiter(requests, window)
	retryAfter := strconv.Itoa(int((window / time.Duration(requests)).Seconds()) + 1)

	return func(c *gin.Context) {
		clientIP := c.ClientIP()
		if !limiter.Allow(clientIP) {
			log.Warn("rate limit exceeded",
				"client_ip", clientIP,
				"request_id", GetRequestID(c),
			)
			c.Header("Retry-After", retryAfter)
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"code":    "TOO_MANY_REQUESTS",
				"message": "Rate limit exceeded. Please try again later.",
			})
			return
		}
		c.Next()
	}
}
