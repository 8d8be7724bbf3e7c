package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"
)

func TestRateLimiterPerKey(t *testing.T) {
	r := newRouter(RateLimiter(1, 1))
	r.GET("/v1/models", func(c *gin.Context) { c.String(http.StatusOK, "ok") })

	send := func(key string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, "/v1/models", nil)
		if key != "" {
			req.Header.Set("Authorization", "Bearer "+key)
		}
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		return w
	}

	require.Equal(t, http.StatusOK, send("alpha").Code)
	limited := send("alpha")
	require.Equal(t, http.StatusTooManyRequests, limited.Code)
	require.Equal(t, "1", limited.Header().Get("Retry-After"))
	require.Contains(t, limited.Body.String(), "rate_limit_error")

	require.Equal(t, http.StatusOK, send("beta").Code)
}

func TestRateLimiterFallsBackToClientIP(t *testing.T) {
	r := newRouter(RateLimiter(1, 1))
	r.GET("/x", func(c *gin.Context) { c.Status(http.StatusOK) })

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/x", nil))
	require.Equal(t, http.StatusOK, w.Code)

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/x", nil))
	require.Equal(t, http.StatusTooManyRequests, w.Code)
}

func TestLimiterCacheSweepsIdleKeys(t *testing.T) {
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	cache := newLimiterCache(time.Minute, func() *rate.Limiter { return rate.NewLimiter(1, 1) })
	cache.now = func() time.Time { return now }

	first := cache.get("a")
	require.Same(t, first, cache.get("a"))
	require.Equal(t, 1, cache.len())

	now = now.Add(5 * time.Minute)
	cache.get("b")
	require.Equal(t, 1, cache.len())
	require.NotSame(t, first, cache.get("a"))
}
