package copilot

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"copilot2api-go/internal/credential"
	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
	"golang.org/x/oauth2"
)

// ExtraAPIBase is the oauth2.Token extra key carrying the upstream API root
// advertised by the exchange response.
const ExtraAPIBase = "copilot_api_base"

const exchangeTimeout = 15 * time.Second

// TokenProvider yields the bearer used for workload requests.
type TokenProvider interface {
	Token(ctx context.Context, c credential.Credential) (*oauth2.Token, error)
}

// StaticTokens uses the stored credential secret as the bearer.
type StaticTokens struct{}

func (StaticTokens) Token(_ context.Context, c credential.Credential) (*oauth2.Token, error) {
	return &oauth2.Token{AccessToken: c.Token, TokenType: "Bearer"}, nil
}

// ExchangeError is a non-2xx answer from the exchange endpoint.
type ExchangeError struct {
	Status int
	Body   string
}

func (e *ExchangeError) Error() string {
	return fmt.Sprintf("session token exchange failed: HTTP %d: %s", e.Status, e.Body)
}

// SessionTokens exchanges each credential's long-lived secret for a
// short-lived session token and caches it until it expires.
type SessionTokens struct {
	client    *http.Client
	endpoints Endpoints
	identity  ClientIdentity

	mu      sync.Mutex
	sources map[string]cachedSource
}

type cachedSource struct {
	secret string
	src    oauth2.TokenSource
}

// NewSessionTokens builds an exchanger. A nil client uses http.DefaultClient.
func NewSessionTokens(client *http.Client, endpoints Endpoints, identity ClientIdentity) *SessionTokens {
	if client == nil {
		client = http.DefaultClient
	}
	return &SessionTokens{
		client:    client,
		endpoints: endpoints,
		identity:  identity.WithDefaults(),
		sources:   make(map[string]cachedSource),
	}
}

// Token returns a cached session token for c, exchanging when it is missing,
// expired, or the credential secret changed.
func (s *SessionTokens) Token(ctx context.Context, c credential.Credential) (*oauth2.Token, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	cached, ok := s.sources[c.ID]
	if !ok || cached.secret != c.Token {
		cached = cachedSource{
			secret: c.Token,
			src:    oauth2.ReuseTokenSource(nil, &exchangeSource{owner: s, cred: c}),
		}
		s.sources[c.ID] = cached
	}
	s.mu.Unlock()
	return cached.src.Token()
}

// Forget drops the cached session for id.
func (s *SessionTokens) Forget(id string) {
	s.mu.Lock()
	delete(s.sources, id)
	s.mu.Unlock()
}

// exchangeSource is shared by concurrent callers through ReuseTokenSource,
// so it runs on its own bounded context.
type exchangeSource struct {
	owner *SessionTokens
	cred  credential.Credential
}

func (e *exchangeSource) Token() (*oauth2.Token, error) {
	ctx, cancel := context.WithTimeout(context.Background(), exchangeTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, e.owner.endpoints.TokenURL(e.cred), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", TokenAuthorization(e.cred.Token))
	e.owner.identity.Apply(req.Header)

	resp, err := e.owner.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("session token exchange: %w", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read session token: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &ExchangeError{Status: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}
	parsed := gjson.ParseBytes(body)
	access := parsed.Get("token").String()
	if access == "" {
		return nil, fmt.Errorf("session token exchange: response carries no token")
	}
	tok := &oauth2.Token{AccessToken: access, TokenType: "Bearer"}
	if exp := parsed.Get("expires_at").Int(); exp > 0 {
		tok.Expiry = time.Unix(exp, 0)
	}
	if api := strings.TrimRight(parsed.Get("endpoints.api").String(), "/"); api != "" {
		tok = tok.WithExtra(map[string]any{ExtraAPIBase: api})
	}
	log.WithFields(log.Fields{
		"credential": e.cred.ID,
		"expires_at": tok.Expiry,
	}).Debug("session token refreshed")
	return tok, nil
}
