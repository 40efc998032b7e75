package middleware

import (
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

// RateLimitConfig holds configuration for rate limiting
type RateLimitConfig struct {
	EventsPerSecond float64
	BurstSize       int
	CleanupInterval time.Duration
}

// IPRateLimiter keeps one token bucket per remote IP. It guards both TCP
// accepts and the admin login endpoint.
type IPRateLimiter struct {
	limiters map[string]*rate.Limiter
	mu       sync.Mutex
	config   RateLimitConfig

	stop     chan struct{}
	stopOnce sync.Once
}

func NewIPRateLimiter(config RateLimitConfig) *IPRateLimiter {
	if config.CleanupInterval <= 0 {
		config.CleanupInterval = 5 * time.Minute
	}

	limiter := &IPRateLimiter{
		limiters: make(map[string]*rate.Limiter),
		config:   config,
		stop:     make(chan struct{}),
	}

	go limiter.cleanupRoutine()

	return limiter
}

// GetLimiter returns the rate limiter for a specific IP
func (i *IPRateLimiter) GetLimiter(ip string) *rate.Limiter {
	i.mu.Lock()
	defer i.mu.Unlock()

	limiter, exists := i.limiters[ip]
	if !exists {
		limiter = rate.NewLimiter(rate.Limit(i.config.EventsPerSecond), i.config.BurstSize)
		i.limiters[ip] = limiter
	}

	return limiter
}

// Allow reports whether ip may proceed now.
func (i *IPRateLimiter) Allow(ip string) bool {
	return i.GetLimiter(ip).Allow()
}

// AllowAddr is Allow for a net.Addr such as a socket's remote address.
func (i *IPRateLimiter) AllowAddr(addr net.Addr) bool {
	return i.Allow(hostOf(addr.String()))
}

func (i *IPRateLimiter) Size() int {
	i.mu.Lock()
	defer i.mu.Unlock()
	return len(i.limiters)
}

// Stop ends the cleanup goroutine.
func (i *IPRateLimiter) Stop() {
	i.stopOnce.Do(func() { close(i.stop) })
}

func (i *IPRateLimiter) cleanupRoutine() {
	ticker := time.NewTicker(i.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			i.cleanup()
		case <-i.stop:
			return
		}
	}
}

// cleanup drops limiters whose bucket has refilled, i.e. idle clients.
func (i *IPRateLimiter) cleanup() {
	i.mu.Lock()
	defer i.mu.Unlock()

	for ip, limiter := range i.limiters {
		if limiter.Tokens() >= float64(i.config.BurstSize) {
			delete(i.limiters, ip)
		}
	}
}

func hostOf(addr string) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return host
}

// getClientIP extracts the real client IP address from the request
func getClientIP(c *gin.Context) string {
	if forwarded := c.GetHeader("X-Forwarded-For"); forwarded != "" {
		ip := strings.TrimSpace(strings.Split(forwarded, ",")[0])
		if net.ParseIP(ip) != nil {
			return ip
		}
	}

	if realIP := c.GetHeader("X-Real-IP"); realIP != "" && net.ParseIP(realIP) != nil {
		return realIP
	}

	return hostOf(c.Request.RemoteAddr)
}

// RateLimitMiddleware creates a rate limiting middleware
func RateLimitMiddleware(limiter *IPRateLimiter) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !limiter.Allow(getClientIP(c)) {
			c.Header("Retry-After", "1")
			c.JSON(http.StatusTooManyRequests, gin.H{
				"error":   "Rate limit exceeded",
				"message": "Too many requests. Please slow down.",
			})
			c.Abort()
			return
		}

		c.Next()
	}
}

// LoginRateLimit is the default for the admin login endpoint.
var LoginRateLimit = RateLimitConfig{
	EventsPerSecond: 5,
	BurstSize:       10,
	CleanupInterval: 5 * time.Minute,
}
