package mw

import (
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"

	"messenger/internal/metrics"
)

type keyLimiter struct {
	lim *rate.Limiter
	ts  time.Time
}

// Throttle 是按客户端 IP+路径维度的令牌桶集合，用于挡住 API 层的突发流量。
// 业务级的滑动窗口限流在 service 层单独做。
type Throttle struct {
	mu   sync.Mutex
	m    map[string]*keyLimiter
	r    rate.Limit
	b    int
	ttl  time.Duration
	stop chan struct{}
}

func NewThrottle(r rate.Limit, burst int, ttl time.Duration) *Throttle {
	return &Throttle{m: make(map[string]*keyLimiter), r: r, b: burst, ttl: ttl, stop: make(chan struct{})}
}

func (t *Throttle) get(key string) *rate.Limiter {
	t.mu.Lock()
	defer t.mu.Unlock()
	kl, ok := t.m[key]
	if ok {
		kl.ts = time.Now()
		return kl.lim
	}
	lim := rate.NewLimiter(t.r, t.b)
	t.m[key] = &keyLimiter{lim: lim, ts: time.Now()}
	return lim
}

func (t *Throttle) gc() {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-t.stop:
			return
		case <-ticker.C:
			now := time.Now()
			t.mu.Lock()
			for k, v := range t.m {
				if now.Sub(v.ts) > t.ttl {
					delete(t.m, k)
				}
			}
			t.mu.Unlock()
		}
	}
}

// Stop 停止 GC goroutine，用于优雅停服。
func (t *Throttle) Stop() {
	select {
	case <-t.stop:
	default:
		close(t.stop)
	}
}

// RateLimit 返回一个基于 IP+路径的令牌桶限速中间件。
func RateLimit(r rate.Limit, burst int) gin.HandlerFunc {
	t := NewThrottle(r, burst, 2*time.Minute)
	go t.gc()
	return func(c *gin.Context) {
		ip := clientIP(c.Request.RemoteAddr)
		key := ip + "|" + c.FullPath()
		if key == "|" {
			key = ip + "|" + c.Request.URL.Path
		}
		if !t.get(key).Allow() {
			metrics.RateLimitedTotal.WithLabelValues("http").Inc()
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "too many requests"})
			return
		}
		c.Next()
	}
}

func clientIP(remote string) string {
	host, _, err := net.SplitHostPort(remote)
	if err != nil {
		return remote
	}
	return host
}
