package probe

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"copilot2api-go/internal/credential"
	"copilot2api-go/internal/events"
	"copilot2api-go/internal/health"
	"copilot2api-go/internal/upstream/copilot"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"
)

var testNow = time.Date(2025, 6, 10, 8, 0, 0, 0, time.UTC)

type upstream struct {
	introspection func(w http.ResponseWriter, r *http.Request)
	identity      func(w http.ResponseWriter, r *http.Request)

	introspectionCalls atomic.Int32
	identityCalls      atomic.Int32
}

func (u *upstream) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch r.URL.Path {
	case "/copilot_internal/user":
		u.introspectionCalls.Add(1)
		if u.introspection == nil {
			http.NotFound(w, r)
			return
		}
		u.introspection(w, r)
	case "/user":
		u.identityCalls.Add(1)
		if u.identity == nil {
			http.NotFound(w, r)
			return
		}
		u.identity(w, r)
	default:
		http.NotFound(w, r)
	}
}

func newTestProber(t *testing.T, u *upstream) (*Prober, *health.Registry) {
	t.Helper()
	srv := httptest.NewServer(u)
	t.Cleanup(srv.Close)
	clock := func() time.Time { return testNow }
	reg := health.NewRegistry(health.Options{Now: clock})
	p := New(reg, Options{
		Client:    srv.Client(),
		Endpoints: copilot.Endpoints{GitHubAPI: srv.URL},
		Timeout:   2 * time.Second,
		Now:       clock,
	})
	return p, reg
}

func writeJSON(w http.ResponseWriter, status int, body string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(body))
}

func TestIntrospectionNotFoundFallsBackToIdentityOnce(t *testing.T) {
	u := &upstream{
		identity: func(w http.ResponseWriter, r *http.Request) {
			require.Equal(t, "Bearer tok-a", r.Header.Get("Authorization"))
			writeJSON(w, http.StatusOK, `{"login":"octocat","name":"The Octocat"}`)
		},
	}
	p, reg := newTestProber(t, u)

	res := p.Probe(context.Background(), credential.Credential{ID: "a", Token: "tok-a"})
	require.Equal(t, StatusOK, res.Status)
	require.Equal(t, TierIdentity, res.Tier)
	require.Equal(t, "The Octocat", res.DisplayName)
	require.Equal(t, int32(1), u.introspectionCalls.Load())
	require.Equal(t, int32(1), u.identityCalls.Load())

	rec, ok := reg.Get("a")
	require.True(t, ok)
	require.Equal(t, testNow, rec.LastSuccess)
}

func TestIdentityFallsBackToLogin(t *testing.T) {
	u := &upstream{
		identity: func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusOK, `{"login":"octocat"}`)
		},
	}
	p, _ := newTestProber(t, u)
	res := p.Probe(context.Background(), credential.Credential{ID: "a", Token: "tok-a"})
	require.Equal(t, "octocat", res.DisplayName)
}

func TestIntrospectionSendsIdentityHeaders(t *testing.T) {
	u := &upstream{
		introspection: func(w http.ResponseWriter, r *http.Request) {
			require.Equal(t, "token tok-a", r.Header.Get("Authorization"))
			require.Equal(t, copilot.DefaultIdentity().EditorVersion, r.Header.Get("Editor-Version"))
			require.Equal(t, copilot.DefaultIdentity().EditorPluginVersion, r.Header.Get("Editor-Plugin-Version"))
			require.NotEmpty(t, r.Header.Get("User-Agent"))
			writeJSON(w, http.StatusOK, `{"login":"octocat","copilot_plan":"individual"}`)
		},
	}
	p, reg := newTestProber(t, u)

	res := p.Probe(context.Background(), credential.Credential{ID: "a", Token: "tok-a"})
	require.Equal(t, StatusOK, res.Status)
	require.Equal(t, TierIntrospection, res.Tier)
	require.Equal(t, "octocat", res.DisplayName)
	require.Equal(t, int32(0), u.identityCalls.Load())
	require.True(t, reg.IsAvailable("a"))
}

func TestIntrospectionOutcomes(t *testing.T) {
	cases := []struct {
		name        string
		status      int
		header      map[string]string
		body        string
		want        Status
		retry       time.Duration
		mutated     bool
		identityHit bool
	}{
		{name: "429 with seconds", status: 429, header: map[string]string{"Retry-After": "120"}, want: StatusRateLimited, retry: 120 * time.Second, mutated: true},
		{name: "429 without header", status: 429, want: StatusRateLimited, retry: health.DefaultRetry, mutated: true},
		{name: "429 above ceiling", status: 429, header: map[string]string{"Retry-After": "3600"}, want: StatusRateLimited, retry: health.MaxRetry, mutated: true},
		{name: "403 rate limit message", status: 403, body: `{"message":"API rate limit exceeded for user"}`, want: StatusRateLimited, retry: health.DefaultRetry, mutated: true},
		{name: "403 subscription", status: 403, body: `{"message":"Resource not accessible: no Copilot subscription"}`, want: StatusError},
		{name: "401 invalid token", status: 401, body: `{"message":"Bad credentials"}`, want: StatusError},
		{name: "500", status: 500, body: `oops`, want: StatusError},
		{name: "200 unparsable", status: 200, body: `<html>ok</html>`, want: StatusOK, mutated: true},
		{name: "200 quota left", status: 200, body: `{"limited_user_quotas":{"chat":0,"completions":12}}`, want: StatusOK, mutated: true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			u := &upstream{
				introspection: func(w http.ResponseWriter, r *http.Request) {
					for k, v := range tc.header {
						w.Header().Set(k, v)
					}
					writeJSON(w, tc.status, tc.body)
				},
			}
			p, reg := newTestProber(t, u)

			res := p.Probe(context.Background(), credential.Credential{ID: "a", Token: "tok-a"})
			require.Equal(t, tc.want, res.Status)
			require.Equal(t, tc.status, res.HTTPStatus)
			require.Equal(t, TierIntrospection, res.Tier)
			require.Equal(t, tc.retry, res.RetryAfter)
			require.Equal(t, int32(0), u.identityCalls.Load())

			_, exists := reg.Get("a")
			require.Equal(t, tc.mutated, exists)
			if tc.want == StatusRateLimited {
				require.False(t, reg.IsAvailable("a"))
			}
			if tc.want == StatusError {
				require.NotEmpty(t, res.Error)
			}
		})
	}
}

func TestIntrospectionQuotaExhausted(t *testing.T) {
	reset := testNow.Add(5 * time.Minute)
	u := &upstream{
		introspection: func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusOK, `{"login":"octocat","limited_user_quotas":{"chat":0,"completions":0},"limited_user_reset_date":"`+reset.Format(time.RFC3339)+`"}`)
		},
	}
	p, reg := newTestProber(t, u)

	res := p.Probe(context.Background(), credential.Credential{ID: "a", Token: "tok-a"})
	require.Equal(t, StatusQuotaExhausted, res.Status)
	require.Equal(t, 5*time.Minute, res.RetryAfter)
	require.Equal(t, reset, res.QuotaResetAt)
	require.False(t, res.Available())

	rec, ok := reg.Get("a")
	require.True(t, ok)
	require.Equal(t, reset, rec.RateLimitedUntil)
	require.Equal(t, 1, rec.ConsecutiveFailures)
}

func TestIdentityOutcomes(t *testing.T) {
	cases := []struct {
		name    string
		status  int
		want    Status
		mutated bool
	}{
		{"401", http.StatusUnauthorized, StatusError, false},
		{"403", http.StatusForbidden, StatusRateLimited, true},
		{"502", http.StatusBadGateway, StatusError, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			u := &upstream{
				identity: func(w http.ResponseWriter, r *http.Request) {
					writeJSON(w, tc.status, `{"message":"nope"}`)
				},
			}
			p, reg := newTestProber(t, u)

			res := p.Probe(context.Background(), credential.Credential{ID: "a", Token: "tok-a"})
			require.Equal(t, tc.want, res.Status)
			require.Equal(t, TierIdentity, res.Tier)
			require.Equal(t, tc.status, res.HTTPStatus)
			_, exists := reg.Get("a")
			require.Equal(t, tc.mutated, exists)
		})
	}
}

func TestNetworkFailureIsInconclusive(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	base := srv.URL
	srv.Close()

	reg := health.NewRegistry(health.Options{})
	p := New(reg, Options{Endpoints: copilot.Endpoints{GitHubAPI: base}, Timeout: time.Second})

	res := p.Probe(context.Background(), credential.Credential{ID: "a", Token: "tok-a"})
	require.Equal(t, StatusError, res.Status)
	require.Equal(t, TierIdentity, res.Tier)
	require.Zero(t, res.HTTPStatus)
	_, exists := reg.Get("a")
	require.False(t, exists)
}

func TestProbeIgnoresCallerCancellation(t *testing.T) {
	u := &upstream{
		introspection: func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusOK, `{"login":"octocat"}`)
		},
	}
	p, _ := newTestProber(t, u)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res := p.Probe(ctx, credential.Credential{ID: "a", Token: "tok-a"})
	require.Equal(t, StatusOK, res.Status)
}

func TestProbeAllEmpty(t *testing.T) {
	p, _ := newTestProber(t, &upstream{})
	out := p.ProbeAll(context.Background(), nil)
	require.NotNil(t, out)
	require.Empty(t, out)
}

func TestProbeAllAttributesResultsByID(t *testing.T) {
	u := &upstream{
		introspection: func(w http.ResponseWriter, r *http.Request) {
			if strings.HasSuffix(r.Header.Get("Authorization"), "tok-limited") {
				w.Header().Set("Retry-After", "90")
				writeJSON(w, http.StatusTooManyRequests, `{}`)
				return
			}
			writeJSON(w, http.StatusOK, `{"login":"ok-user"}`)
		},
	}
	p, reg := newTestProber(t, u)

	out := p.ProbeAll(context.Background(), []credential.Credential{
		{ID: "ok", Token: "tok-ok"},
		{ID: "limited", Token: "tok-limited"},
	})
	require.Len(t, out, 2)
	require.Equal(t, "ok", out["ok"].ID)
	require.Equal(t, StatusOK, out["ok"].Status)
	require.Equal(t, "limited", out["limited"].ID)
	require.Equal(t, StatusRateLimited, out["limited"].Status)
	require.Equal(t, 90*time.Second, out["limited"].RetryAfter)

	require.True(t, reg.IsAvailable("ok"))
	require.False(t, reg.IsAvailable("limited"))

	summary := RecordRun("manual", out, time.Second)
	require.Equal(t, "partial", summary.Outcome)
	require.Equal(t, 1, summary.OK)
	require.Equal(t, 1, summary.Limited)
}

func TestProbeAllWaitsForLimiterBeyondTierTimeout(t *testing.T) {
	u := &upstream{
		introspection: func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusOK, `{"login":"paced"}`)
		},
	}
	srv := httptest.NewServer(u)
	defer srv.Close()
	p := New(health.NewRegistry(health.Options{}), Options{
		Client:    srv.Client(),
		Endpoints: copilot.Endpoints{GitHubAPI: srv.URL},
		Timeout:   150 * time.Millisecond,
		Limiter:   rate.NewLimiter(rate.Every(100*time.Millisecond), 1),
	})

	creds := make([]credential.Credential, 4)
	for i := range creds {
		id := string(rune('a' + i))
		creds[i] = credential.Credential{ID: id, Token: "tok-" + id}
	}
	start := time.Now()
	out := p.ProbeAll(context.Background(), creds)
	require.GreaterOrEqual(t, time.Since(start), 250*time.Millisecond)
	require.Len(t, out, 4)
	for _, c := range creds {
		require.Equal(t, StatusOK, out[c.ID].Status, out[c.ID].Error)
	}
}

type recordedCall struct {
	url  string
	auth string
}

type recordingTransport struct {
	mu    sync.Mutex
	calls []recordedCall
}

func (rt *recordingTransport) RoundTrip(r *http.Request) (*http.Response, error) {
	rt.mu.Lock()
	rt.calls = append(rt.calls, recordedCall{url: r.URL.String(), auth: r.Header.Get("Authorization")})
	rt.mu.Unlock()
	status, body := http.StatusNotFound, `{"message":"Not Found"}`
	if strings.HasSuffix(r.URL.Path, "/user") && !strings.Contains(r.URL.Path, "copilot_internal") {
		status, body = http.StatusOK, `{"login":"mona"}`
	}
	return &http.Response{
		StatusCode: status,
		Header:     http.Header{"Content-Type": {"application/json"}},
		Body:       io.NopCloser(strings.NewReader(body)),
		Request:    r,
	}, nil
}

func TestTierURLsPerHostKind(t *testing.T) {
	cases := []struct {
		name     string
		domain   string
		tier1    string
		identity string
	}{
		{
			name:     "public",
			tier1:    "https://api.github.com/copilot_internal/user",
			identity: "https://api.github.com/user",
		},
		{
			name:     "enterprise",
			domain:   "ghe.example.com",
			tier1:    "https://api.ghe.example.com/copilot_internal/user",
			identity: "https://ghe.example.com/api/v3/user",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rt := &recordingTransport{}
			p := New(health.NewRegistry(health.Options{}), Options{
				Client:  &http.Client{Transport: rt},
				Timeout: time.Second,
			})

			res := p.Probe(context.Background(), credential.Credential{ID: "x", Token: "tok-x", Domain: tc.domain})
			require.Equal(t, StatusOK, res.Status, res.Error)
			require.Equal(t, TierIdentity, res.Tier)
			require.Equal(t, "mona", res.DisplayName)

			require.Equal(t, []recordedCall{
				{url: tc.tier1, auth: "token tok-x"},
				{url: tc.identity, auth: "Bearer tok-x"},
			}, rt.calls)
		})
	}
}

func TestHistoryAndEvents(t *testing.T) {
	u := &upstream{
		introspection: func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusOK, `{}`)
		},
	}
	p, _ := newTestProber(t, u)
	p.historyCap = 2

	hub := events.NewHub()
	var mu sync.Mutex
	var seen []string
	hub.Subscribe(events.TopicProbeCompleted, func(_ context.Context, evt events.Event) {
		mu.Lock()
		seen = append(seen, evt.Metadata["id"])
		mu.Unlock()
	})
	p.SetEventPublisher(hub)

	for _, id := range []string{"a", "b", "c"} {
		p.Probe(context.Background(), credential.Credential{ID: id, Token: "tok-" + id})
	}

	hist := p.History(0)
	require.Len(t, hist, 2)
	require.Equal(t, "c", hist[0].ID)
	require.Equal(t, "b", hist[1].ID)
	require.Len(t, p.History(1), 1)

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []string{"a", "b", "c"}, seen)
}

func TestResultJSON(t *testing.T) {
	res := Result{ID: "a", Status: StatusRateLimited, Tier: TierIntrospection, RetryAfter: 90 * time.Second}
	raw, err := res.MarshalJSON()
	require.NoError(t, err)
	require.Contains(t, string(raw), `"retry_after_ms":90000`)
	require.Contains(t, string(raw), `"status":"rate_limited"`)
}
