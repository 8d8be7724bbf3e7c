package server

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"copilot2api-go/internal/config"
	"copilot2api-go/internal/credential"
	"copilot2api-go/internal/events"
	"copilot2api-go/internal/health"
	"copilot2api-go/internal/probe"
	"copilot2api-go/internal/runtime"
	"copilot2api-go/internal/upstream"
	"copilot2api-go/internal/upstream/copilot"
	"copilot2api-go/internal/upstream/strategy"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
)

const testManagementKey = "secret"

type fixture struct {
	srv      *Server
	engine   *gin.Engine
	cfg      *config.Config
	accounts *credential.Manager
	store    *credential.MemoryStore
	reg      *health.Registry
	hub      *events.Hub
	tasks    *runtime.TaskManager
}

// newFixture builds a server whose upstream and GitHub API are both handled
// by upstreamHandler.
func newFixture(t *testing.T, upstreamHandler http.HandlerFunc, creds ...credential.Credential) *fixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	up := httptest.NewServer(upstreamHandler)
	t.Cleanup(up.Close)

	cfg := config.Defaults()
	cfg.Security.ManagementKey = testManagementKey
	cfg.Upstream.GitHubAPI = up.URL
	cfg.Upstream.CopilotAPI = up.URL

	store := credential.NewMemoryStore(creds...)
	accounts := credential.NewManager(store)
	require.NoError(t, accounts.Reload(context.Background()))
	hub := events.NewHub()
	reg := health.NewRegistry(health.Options{})
	sel := strategy.NewSelector(accounts, reg)
	prober := probe.New(reg, probe.Options{Client: up.Client(), Endpoints: cfg.Upstream.Endpoints(), Timeout: 2 * time.Second})
	dispatcher := upstream.NewDispatcher(sel, upstream.Options{
		Transport: up.Client(),
		Endpoints: cfg.Upstream.Endpoints(),
		Identity:  cfg.Upstream.Identity(),
		Publisher: hub,
	})
	ctx, cancel := context.WithCancel(context.Background())
	tasks := runtime.NewTaskManager(ctx)
	t.Cleanup(func() {
		cancel()
		tasks.Wait()
	})

	srv := New(Dependencies{
		Config:     func() *config.Config { return cfg },
		Accounts:   accounts,
		Registry:   reg,
		Selector:   sel,
		Prober:     prober,
		Dispatcher: dispatcher,
		Hub:        hub,
		Tasks:      tasks,
	})
	t.Cleanup(srv.Close)
	return &fixture{srv: srv, engine: srv.Engine(), cfg: cfg, accounts: accounts, store: store, reg: reg, hub: hub, tasks: tasks}
}

func (f *fixture) do(method, path, body string, admin bool) *httptest.ResponseRecorder {
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, rd)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	if admin {
		req.Header.Set("Authorization", "Bearer "+testManagementKey)
	}
	w := httptest.NewRecorder()
	f.engine.ServeHTTP(w, req)
	return w
}

// byToken answers workload calls per bearer token.
func byToken(answers map[string]func(w http.ResponseWriter)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tok := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		if fn, ok := answers[tok]; ok {
			fn(w)
			return
		}
		w.WriteHeader(http.StatusUnauthorized)
	}
}

func throttled(w http.ResponseWriter) {
	w.Header().Set("Retry-After", "30")
	w.WriteHeader(http.StatusTooManyRequests)
	_, _ = w.Write([]byte(`{"error":{"message":"slow down"}}`))
}

func TestProxyFailsOverAndStreams(t *testing.T) {
	f := newFixture(t, byToken(map[string]func(http.ResponseWriter){
		"tok-a": throttled,
		"tok-b": func(w http.ResponseWriter) {
			w.Header().Set("Content-Type", "text/event-stream")
			w.Header().Set("X-Upstream", "b")
			_, _ = w.Write([]byte("data: {\"delta\":\"hi\"}\n\n"))
			_, _ = w.Write([]byte("data: [DONE]\n\n"))
		},
	}),
		credential.Credential{ID: "a", Token: "tok-a"},
		credential.Credential{ID: "b", Token: "tok-b", Priority: 1},
	)

	w := f.do(http.MethodPost, "/v1/chat/completions", `{"stream":true,"messages":[{"role":"user","content":"hi"}]}`, false)
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, "text/event-stream", w.Header().Get("Content-Type"))
	require.Equal(t, "b", w.Header().Get("X-Upstream"))
	require.Contains(t, w.Body.String(), "data: [DONE]")

	require.False(t, f.reg.IsAvailable("a"))
	require.True(t, f.reg.IsAvailable("b"))
}

func TestProxyUnversionedRoute(t *testing.T) {
	var gotPath string
	f := newFixture(t, func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path + "?" + r.URL.RawQuery
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"data":[]}`))
	}, credential.Credential{ID: "a", Token: "tok-a"})

	w := f.do(http.MethodGet, "/models?x=1", "", false)
	require.Equal(t, http.StatusOK, w.Code)
	require.JSONEq(t, `{"data":[]}`, w.Body.String())
	require.Equal(t, "/models?x=1", gotPath)
}

func TestProxyPoolExhausted(t *testing.T) {
	f := newFixture(t, byToken(map[string]func(http.ResponseWriter){"tok-a": throttled}),
		credential.Credential{ID: "a", Token: "tok-a"})

	w := f.do(http.MethodPost, "/chat/completions", `{"messages":[]}`, false)
	require.Equal(t, http.StatusTooManyRequests, w.Code)
	require.Equal(t, "rate_limited", w.Header().Get(upstream.HeaderPoolExhausted))
	require.NotEmpty(t, w.Header().Get("Retry-After"))
	require.Equal(t, "pool_exhausted", gjson.Get(w.Body.String(), "error.code").String())

	w = f.do(http.MethodGet, "/healthz", "", false)
	require.Equal(t, http.StatusOK, w.Code)
	require.True(t, gjson.Get(w.Body.String(), "pool_exhausted").Bool())
	require.True(t, gjson.Get(w.Body.String(), "earliest_recovery").Exists())
}

func TestProxyEmptyPool(t *testing.T) {
	f := newFixture(t, func(w http.ResponseWriter, r *http.Request) {
		t.Error("upstream must not be called")
	})

	w := f.do(http.MethodPost, "/v1/chat/completions", `{}`, false)
	require.Equal(t, http.StatusTooManyRequests, w.Code)
	require.Equal(t, "empty", w.Header().Get(upstream.HeaderPoolExhausted))

	w = f.do(http.MethodGet, "/healthz", "", false)
	require.Equal(t, int64(0), gjson.Get(w.Body.String(), "accounts").Int())
	require.True(t, gjson.Get(w.Body.String(), "pool_exhausted").Bool())
}

func TestProxyTokenErrorIsBadGateway(t *testing.T) {
	f := newFixture(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"message":"Bad credentials"}`))
	}, credential.Credential{ID: "a", Token: "tok-a"})
	// Rebuild the dispatcher with token exchange against the same fake.
	sessions := copilot.NewSessionTokens(nil, f.cfg.Upstream.Endpoints(), copilot.ClientIdentity{})
	f.srv.deps.Dispatcher = upstream.NewDispatcher(f.srv.deps.Selector, upstream.Options{
		Tokens:    sessions,
		Endpoints: f.cfg.Upstream.Endpoints(),
	})
	f.engine = f.srv.Engine()

	w := f.do(http.MethodPost, "/v1/chat/completions", `{}`, false)
	require.Equal(t, http.StatusBadGateway, w.Code)
	require.Equal(t, "token_exchange_failed", gjson.Get(w.Body.String(), "error.code").String())
	require.True(t, f.reg.IsAvailable("a"))
}

func TestProxyRejectsOversizedBody(t *testing.T) {
	f := newFixture(t, func(w http.ResponseWriter, r *http.Request) {
		t.Error("upstream must not be called")
	}, credential.Credential{ID: "a", Token: "tok-a"})

	w := f.do(http.MethodPost, "/v1/chat/completions", strings.Repeat("x", maxRequestBody+1), false)
	require.Equal(t, http.StatusRequestEntityTooLarge, w.Code)
}

func TestApplyConfig(t *testing.T) {
	f := newFixture(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"login":"octo"}`))
	}, credential.Credential{ID: "a", Token: "tok-a"})

	next := *f.cfg
	next.Health.DefaultRetryMS = 5_000
	next.Health.MaxRetryMS = 50_000
	next.Probe.AutoProbeEnabled = true
	f.srv.ApplyConfig(&next)

	def, max := f.reg.Bounds()
	require.Equal(t, 5*time.Second, def)
	require.Equal(t, 50*time.Second, max)

	info, err := f.tasks.GetTask(runtime.AutoProbeTaskName)
	require.NoError(t, err)
	require.Equal(t, runtime.TaskStatusRunning, info.Status)

	next.Probe.AutoProbeEnabled = false
	f.srv.ApplyConfig(&next)
	info, err = f.tasks.GetTask(runtime.AutoProbeTaskName)
	require.NoError(t, err)
	require.NotEqual(t, runtime.TaskStatusRunning, info.Status)
}

func TestRateLimitSkipsManagementRoutes(t *testing.T) {
	gin.SetMode(gin.TestMode)
	called := 0
	h := rateLimitWorkload("/api", func(c *gin.Context) {
		called++
		c.AbortWithStatus(http.StatusTooManyRequests)
	})
	r := gin.New()
	r.Use(h)
	r.GET("/api/admin/accounts", func(c *gin.Context) { c.Status(http.StatusOK) })
	r.GET("/api/models", func(c *gin.Context) { c.Status(http.StatusOK) })

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/admin/accounts", nil))
	require.Equal(t, http.StatusOK, w.Code)

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/models", nil))
	require.Equal(t, http.StatusTooManyRequests, w.Code)
	require.Equal(t, 1, called)
}

func TestStoreReloadDropsHealthOfVanishedCredential(t *testing.T) {
	f := newFixture(t, introspectionOK,
		credential.Credential{ID: "a", Token: "tok-a"},
		credential.Credential{ID: "b", Token: "tok-b", Priority: 1})
	ctx := context.Background()

	f.reg.MarkRateLimited("a", 0)
	f.reg.MarkSuccess("b")
	_, ok := f.reg.Get("a")
	require.True(t, ok)

	require.NoError(t, f.store.Delete(ctx, "a"))
	require.NoError(t, f.accounts.Reload(ctx))
	require.Equal(t, 1, f.accounts.Len())
	_, ok = f.reg.Get("a")
	require.False(t, ok)
	require.Len(t, f.reg.Snapshot(), 1)

	w := f.do(http.MethodGet, "/admin/health", "", true)
	require.Equal(t, http.StatusOK, w.Code)
	require.False(t, gjson.Get(w.Body.String(), "records.a").Exists())
	require.True(t, gjson.Get(w.Body.String(), "records.b").Exists())

	require.NoError(t, f.store.Upsert(ctx, credential.Credential{ID: "a", Token: "tok-a2", Priority: 2}))
	require.NoError(t, f.accounts.Reload(ctx))
	require.True(t, f.reg.IsAvailable("a"))
	rec, _ := f.reg.Get("a")
	require.Equal(t, 100, rec.Score)
}
