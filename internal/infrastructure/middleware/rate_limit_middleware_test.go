package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"camwatch/pkg/config"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
)

func doGet(router *gin.Engine, path string, headers map[string]string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	req, _ := http.NewRequest(http.MethodGet, path, nil)
	req.RemoteAddr = "10.0.0.1:5555"
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	router.ServeHTTP(w, req)
	return w
}

// Test that when rate limiting is disabled, middleware lets all requests through.
func TestHTTPRateLimitMiddleware_Disabled_AllowsRequests(t *testing.T) {
	gin.SetMode(gin.TestMode)

	cfg := config.DefaultConfig()
	cfg.RateLimiting.Enabled = false

	router := gin.New()
	router.Use(NewHTTPRateLimitMiddleware(cfg))
	router.GET("/test", func(c *gin.Context) {
		c.Status(http.StatusOK)
	})

	for i := 0; i < 5; i++ {
		assert.Equal(t, http.StatusOK, doGet(router, "/test", nil).Code)
	}
}

// Test basic per-IP rate limiting behaviour.
func TestHTTPRateLimitMiddleware_Enabled_RateLimited(t *testing.T) {
	gin.SetMode(gin.TestMode)

	cfg := config.DefaultConfig()
	cfg.RateLimiting.Enabled = true
	cfg.RateLimiting.HTTP.RequestsPerSecond = 1
	cfg.RateLimiting.HTTP.Burst = 1
	cfg.RateLimiting.HTTP.MaxConcurrent = 0

	router := gin.New()
	router.Use(NewHTTPRateLimitMiddleware(cfg))
	router.GET("/test", func(c *gin.Context) {
		c.Status(http.StatusOK)
	})

	assert.Equal(t, http.StatusOK, doGet(router, "/test", nil).Code)

	w := doGet(router, "/test", nil)
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "1", w.Header().Get("Retry-After"))
	assert.Contains(t, w.Body.String(), "RATE_LIMIT_EXCEEDED")

	// a different forwarded client has its own bucket
	w = doGet(router, "/test", map[string]string{"X-Forwarded-For": "192.0.2.7, 10.0.0.1"})
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestHTTPRateLimitMiddleware_MaxConcurrent(t *testing.T) {
	gin.SetMode(gin.TestMode)

	cfg := config.DefaultConfig()
	cfg.RateLimiting.Enabled = true
	cfg.RateLimiting.HTTP.RequestsPerSecond = 1000
	cfg.RateLimiting.HTTP.Burst = 1000
	cfg.RateLimiting.HTTP.MaxConcurrent = 1

	release := make(chan struct{})
	entered := make(chan struct{})

	router := gin.New()
	router.Use(NewHTTPRateLimitMiddleware(cfg))
	router.GET("/slow", func(c *gin.Context) {
		close(entered)
		<-release
		c.Status(http.StatusOK)
	})
	router.GET("/fast", func(c *gin.Context) {
		c.Status(http.StatusOK)
	})

	done := make(chan int)
	go func() { done <- doGet(router, "/slow", nil).Code }()
	<-entered

	assert.Equal(t, http.StatusServiceUnavailable, doGet(router, "/fast", nil).Code)

	close(release)
	assert.Equal(t, http.StatusOK, <-done)
	assert.Equal(t, http.StatusOK, doGet(router, "/fast", nil).Code)
}

func TestWebSocketRateLimitMiddleware_PerMinute(t *testing.T) {
	gin.SetMode(gin.TestMode)

	cfg := config.DefaultConfig()
	cfg.RateLimiting.Enabled = true
	cfg.RateLimiting.WebSocket.ConnectionsPerMinute = 2

	router := gin.New()
	router.GET("/events", NewWebSocketRateLimitMiddleware(cfg), func(c *gin.Context) {
		c.Status(http.StatusOK)
	})

	assert.Equal(t, http.StatusOK, doGet(router, "/events", nil).Code)
	assert.Equal(t, http.StatusOK, doGet(router, "/events", nil).Code)
	assert.Equal(t, http.StatusTooManyRequests, doGet(router, "/events", nil).Code)
}

func TestClientIP(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "10.0.0.1:5555"
	assert.Equal(t, "10.0.0.1", clientIP(req))

	req.Header.Set("X-Forwarded-For", "203.0.113.9, 10.0.0.1")
	assert.Equal(t, "203.0.113.9", clientIP(req))

	req.Header.Set("X-Forwarded-For", "garbage")
	assert.Equal(t, "10.0.0.1", clientIP(req))
}

func TestRateLimiterStore_ReusesLimiter(t *testing.T) {
	s := newRateLimiterStore(1, 1)
	a := s.getLimiter("a")
	assert.Same(t, a, s.getLimiter("a"))
	s.getLimiter("b")
	assert.Equal(t, 2, s.size())
}
