package logging

import (
	"bytes"
	"context"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"copilot2api-go/internal/config"
	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace"
)

func TestErrorKind(t *testing.T) {
	cases := map[string]struct {
		status int
		hasErr bool
	}{
		"network_error":  {0, true},
		"pool_exhausted": {429, true},
		"upstream_429":   {429, false},
		"upstream_401":   {401, false},
		"upstream_403":   {403, false},
		"upstream_4xx":   {404, false},
		"upstream_5xx":   {502, false},
		"error":          {200, true},
		"ok":             {200, false},
	}
	for want, tc := range cases {
		require.Equal(t, want, ErrorKind(tc.status, tc.hasErr), want)
	}
}

func TestWithReq(t *testing.T) {
	gin.SetMode(gin.TestMode)
	c, _ := gin.CreateTestContext(httptest.NewRecorder())
	c.Request = httptest.NewRequest("POST", "/v1/chat/completions", nil)
	c.Set(RequestIDKey, "rid-1")

	entry := WithReq(c, log.Fields{"path": "override", "extra": 1})
	require.Equal(t, "rid-1", entry.Data["request_id"])
	require.Equal(t, "POST", entry.Data["method"])
	require.Equal(t, "override", entry.Data["path"])
	require.Equal(t, 1, entry.Data["extra"])
}

func TestWithCredentialMasksSecret(t *testing.T) {
	entry := WithCredential(log.NewEntry(log.StandardLogger()), "a", "ghu_abcdef1234")
	require.Equal(t, "****1234", entry.Data["token"])
	entry = WithCredential(log.NewEntry(log.StandardLogger()), "a", "abc")
	require.Equal(t, "***", entry.Data["token"])
}

func TestSetupWritesLogFile(t *testing.T) {
	defer Close()
	cfg := config.Defaults()
	cfg.Security.LogFile = filepath.Join(t.TempDir(), "nested", "app.log")
	require.NoError(t, Setup(cfg))

	log.WithField("component", "test").Info("hello file")
	raw, err := os.ReadFile(cfg.Security.LogFile)
	require.NoError(t, err)
	require.True(t, bytes.Contains(raw, []byte("hello file")))
	require.Equal(t, log.InfoLevel, log.GetLevel())

	cfg.Security.Debug = true
	cfg.Security.LogFile = ""
	require.NoError(t, Setup(cfg))
	require.Equal(t, log.DebugLevel, log.GetLevel())
	require.NoError(t, Setup(nil))
}

func TestTraceHookAddsSpanIDs(t *testing.T) {
	traceID, _ := trace.TraceIDFromHex("0102030405060708090a0b0c0d0e0f10")
	spanID, _ := trace.SpanIDFromHex("0102030405060708")
	sc := trace.NewSpanContext(trace.SpanContextConfig{TraceID: traceID, SpanID: spanID, TraceFlags: trace.FlagsSampled})
	ctx := trace.ContextWithSpanContext(context.Background(), sc)

	entry := log.NewEntry(log.New()).WithContext(ctx)
	require.NoError(t, TraceHook{}.Fire(entry))
	require.Equal(t, traceID.String(), entry.Data["trace_id"])
	require.Equal(t, spanID.String(), entry.Data["span_id"])

	plain := log.NewEntry(log.New())
	require.NoError(t, TraceHook{}.Fire(plain))
	require.NotContains(t, plain.Data, "trace_id")
}
