package middleware

import (
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
)

func TestMain(m *testing.M) {
	gin.SetMode(gin.TestMode)
	m.Run()
}

func newTestLimiter(t *testing.T, burst int) *IPRateLimiter {
	l := NewIPRateLimiter(RateLimitConfig{EventsPerSecond: 0.001, BurstSize: burst, CleanupInterval: time.Hour})
	t.Cleanup(l.Stop)
	return l
}

func TestIPRateLimiter_Allow(t *testing.T) {
	l := newTestLimiter(t, 2)

	assert.True(t, l.Allow("10.0.0.1"))
	assert.True(t, l.Allow("10.0.0.1"))
	assert.False(t, l.Allow("10.0.0.1"), "burst exhausted")
	assert.True(t, l.Allow("10.0.0.2"), "other IPs have their own bucket")
	assert.Equal(t, 2, l.Size())
}

func TestIPRateLimiter_AllowAddr(t *testing.T) {
	l := newTestLimiter(t, 1)
	addr := &net.TCPAddr{IP: net.ParseIP("127.0.0.1"), Port: 5000}
	other := &net.TCPAddr{IP: net.ParseIP("127.0.0.1"), Port: 5001}

	assert.True(t, l.AllowAddr(addr))
	assert.False(t, l.AllowAddr(other), "ports share the host's bucket")
}

func TestIPRateLimiter_Cleanup(t *testing.T) {
	l := NewIPRateLimiter(RateLimitConfig{EventsPerSecond: 1000, BurstSize: 1, CleanupInterval: time.Hour})
	defer l.Stop()

	l.Allow("10.0.0.1")
	time.Sleep(10 * time.Millisecond)
	l.cleanup()

	assert.Zero(t, l.Size())
}

func TestRateLimitMiddleware(t *testing.T) {
	l := newTestLimiter(t, 1)

	router := gin.New()
	router.GET("/", RateLimitMiddleware(l), func(c *gin.Context) { c.String(http.StatusOK, "ok") })

	tests := []struct {
		name       string
		forwarded  string
		wantStatus int
	}{
		{"first request", "1.2.3.4", http.StatusOK},
		{"second request same ip", "1.2.3.4", http.StatusTooManyRequests},
		{"different forwarded ip", "5.6.7.8, 10.0.0.1", http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.Header.Set("X-Forwarded-For", tt.forwarded)
			w := httptest.NewRecorder()
			router.ServeHTTP(w, req)
			assert.Equal(t, tt.wantStatus, w.Code)
		})
	}
}
