package middleware

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"copilot2api-go/internal/logging"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
)

func newRouter(mw ...gin.HandlerFunc) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(mw...)
	return r
}

func TestRequestID(t *testing.T) {
	t.Run("generated", func(t *testing.T) {
		r := newRouter(RequestID())
		var seen any
		r.GET("/x", func(c *gin.Context) {
			seen, _ = c.Get(logging.RequestIDKey)
			c.Status(http.StatusNoContent)
		})
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/x", nil))

		rid := w.Header().Get("X-Request-ID")
		require.Len(t, rid, 36)
		require.Equal(t, rid, seen)
	})

	t.Run("propagated", func(t *testing.T) {
		r := newRouter(RequestID())
		r.GET("/x", func(c *gin.Context) { c.Status(http.StatusNoContent) })
		req := httptest.NewRequest(http.MethodGet, "/x", nil)
		req.Header.Set("X-Request-ID", "abc-123")
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		require.Equal(t, "abc-123", w.Header().Get("X-Request-ID"))
	})

	t.Run("oversized replaced", func(t *testing.T) {
		r := newRouter(RequestID())
		r.GET("/x", func(c *gin.Context) { c.Status(http.StatusNoContent) })
		req := httptest.NewRequest(http.MethodGet, "/x", nil)
		req.Header.Set("X-Request-ID", strings.Repeat("a", 200))
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		require.Len(t, w.Header().Get("X-Request-ID"), 36)
	})
}

func TestRecovery(t *testing.T) {
	called := false
	r := newRouter(RecoveryWithWriter(func(c *gin.Context, err any) { called = true }))
	r.GET("/panic", func(c *gin.Context) { panic("boom") })
	r.GET("/ok", func(c *gin.Context) { c.String(http.StatusOK, "ok") })

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/panic", nil))
	require.Equal(t, http.StatusInternalServerError, w.Code)
	require.True(t, called)
	require.Equal(t, "panic_recovered", gjson.Get(w.Body.String(), "error.code").String())

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/ok", nil))
	require.Equal(t, http.StatusOK, w.Code)
}

func TestSafeCall(t *testing.T) {
	err := SafeCall(func() error { panic("bad") })
	require.EqualError(t, err, "panic: bad")
	require.NoError(t, SafeCall(func() error { return nil }))
}

func TestSafeGo(t *testing.T) {
	done := make(chan struct{})
	SafeGo("test", func() {
		defer close(done)
		panic("ignored")
	})
	<-done
}

func TestRequestLoggerPassesThrough(t *testing.T) {
	r := newRouter(RequestID(), RequestLogger())
	r.GET("/x", func(c *gin.Context) {
		c.Set(CredentialKey, "acct-1")
		c.String(http.StatusAccepted, "ok")
	})
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/x", nil))
	require.Equal(t, http.StatusAccepted, w.Code)
}

func TestMetricsHandler(t *testing.T) {
	r := newRouter(Metrics())
	r.GET("/x", func(c *gin.Context) { c.Status(http.StatusOK) })
	r.GET("/metrics", MetricsHandler())

	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/x", nil))

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, w.Code)
	body := w.Body.String()
	require.Contains(t, body, "copilot2api_http_requests_total")
	require.Contains(t, body, `path="/x"`)
}
