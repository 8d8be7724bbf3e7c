package main

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"copilot2api-go/internal/config"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
)

func TestNewAppServesHealthz(t *testing.T) {
	gin.SetMode(gin.TestMode)
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	raw := fmt.Sprintf("storage:\n  backend: file\n  accounts_file: %s\n  compat_file: %s\n",
		filepath.Join(dir, "accounts.json"), filepath.Join(dir, "github_token"))
	require.NoError(t, os.WriteFile(path, []byte(raw), 0o600))

	cfgMgr, err := config.NewManager(path)
	require.NoError(t, err)
	a, err := newApp(context.Background(), cfgMgr)
	require.NoError(t, err)
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		a.shutdown(ctx)
	}()

	require.Equal(t, "file", a.accounts.StoreName())

	w := httptest.NewRecorder()
	a.http.Handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, int64(0), gjson.Get(w.Body.String(), "accounts").Int())
	require.True(t, gjson.Get(w.Body.String(), "pool_exhausted").Bool())
}

func TestProbeLimiter(t *testing.T) {
	require.Nil(t, probeLimiter(config.ProbeConfig{}))

	lim := probeLimiter(config.ProbeConfig{RPS: 2, Burst: 0})
	require.NotNil(t, lim)
	require.Equal(t, 1, lim.Burst())
	require.InDelta(t, 2.0, float64(lim.Limit()), 0.001)
}

func TestUpstreamClientBoundsHeaderWait(t *testing.T) {
	cfg := config.Defaults()
	cfg.Server.UpstreamTimeoutSec = 7
	client := newUpstreamClient(cfg)
	tr, ok := client.Transport.(*http.Transport)
	require.True(t, ok)
	require.Equal(t, 7*time.Second, tr.ResponseHeaderTimeout)
	require.Zero(t, client.Timeout)
}
