package copilot

import (
	"strings"

	"copilot2api-go/internal/credential"
)

const (
	DefaultGitHubAPI  = "https://api.github.com"
	DefaultCopilotAPI = "https://api.githubcopilot.com"

	introspectionPath = "/copilot_internal/user"
	tokenPath         = "/copilot_internal/v2/token"
)

// Endpoints builds the per-credential upstream URLs. The public host and the
// enterprise hosts use different templates:
//
//	public:     https://api.github.com/copilot_internal/user, https://api.github.com/user
//	enterprise: https://api.<domain>/copilot_internal/user,  https://<domain>/api/v3/user
type Endpoints struct {
	// GitHubAPI replaces the public REST host. Empty means DefaultGitHubAPI.
	GitHubAPI string
	// CopilotAPI replaces the public Copilot host. Empty means DefaultCopilotAPI.
	CopilotAPI string
}

func (e Endpoints) githubAPI() string {
	if v := strings.TrimRight(strings.TrimSpace(e.GitHubAPI), "/"); v != "" {
		return v
	}
	return DefaultGitHubAPI
}

func (e Endpoints) copilotAPI() string {
	if v := strings.TrimRight(strings.TrimSpace(e.CopilotAPI), "/"); v != "" {
		return v
	}
	return DefaultCopilotAPI
}

// APIBase is the REST host hosting the copilot_internal endpoints.
func (e Endpoints) APIBase(c credential.Credential) string {
	if c.Host() == credential.HostPublic {
		return e.githubAPI()
	}
	return "https://api." + credential.NormalizeDomain(c.Domain)
}

// IntrospectionURL is the tier-1 token introspection endpoint.
func (e Endpoints) IntrospectionURL(c credential.Credential) string {
	return e.APIBase(c) + introspectionPath
}

// TokenURL is the session-token exchange endpoint.
func (e Endpoints) TokenURL(c credential.Credential) string {
	return e.APIBase(c) + tokenPath
}

// IdentityBaseURL is the REST root used for the tier-2 identity lookup.
// It always ends with a slash.
func (e Endpoints) IdentityBaseURL(c credential.Credential) string {
	if c.Host() == credential.HostPublic {
		return e.githubAPI() + "/"
	}
	return "https://" + credential.NormalizeDomain(c.Domain) + "/api/v3/"
}

// CopilotBase is the root that workload requests are forwarded to.
func (e Endpoints) CopilotBase(c credential.Credential) string {
	if c.Host() == credential.HostPublic {
		return e.copilotAPI()
	}
	return "https://copilot-api." + credential.NormalizeDomain(c.Domain)
}
