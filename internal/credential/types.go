package credential

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// PublicDomain is the host of the public (non-enterprise) deployment.
const PublicDomain = "github.com"

// HostKind distinguishes the public deployment from enterprise hosts.
type HostKind string

const (
	HostPublic     HostKind = "public"
	HostEnterprise HostKind = "enterprise"
)

var (
	// ErrNotFound is returned when a credential id is unknown.
	ErrNotFound = errors.New("credential not found")
	// ErrInvalid wraps validation failures.
	ErrInvalid = errors.New("invalid credential")
	// ErrExists is returned when adding an id already in the pool.
	ErrExists = errors.New("credential already exists")
)

// Credential is one account-scoped secret plus routing metadata.
// Lower Priority values take precedence.
type Credential struct {
	ID        string    `json:"id" bson:"id"`
	Label     string    `json:"label,omitempty" bson:"label"`
	Domain    string    `json:"domain,omitempty" bson:"domain"`
	Token     string    `json:"token" bson:"token"`
	Priority  int       `json:"priority" bson:"priority"`
	CreatedAt time.Time `json:"created_at" bson:"created_at"`
}

// NormalizeDomain strips scheme, path and case from a host name.
// An empty result means the public deployment.
func NormalizeDomain(domain string) string {
	d := strings.ToLower(strings.TrimSpace(domain))
	d = strings.TrimPrefix(d, "https://")
	d = strings.TrimPrefix(d, "http://")
	if i := strings.IndexByte(d, '/'); i >= 0 {
		d = d[:i]
	}
	return d
}

// Host returns the deployment kind addressed by the credential.
func (c Credential) Host() HostKind {
	d := NormalizeDomain(c.Domain)
	if d == "" || d == PublicDomain || d == "api."+PublicDomain {
		return HostPublic
	}
	return HostEnterprise
}

// DisplayName prefers the label and falls back to the id.
func (c Credential) DisplayName() string {
	if strings.TrimSpace(c.Label) != "" {
		return c.Label
	}
	return c.ID
}

// Validate checks fields required before persisting.
func (c Credential) Validate() error {
	if strings.TrimSpace(c.ID) == "" {
		return fmt.Errorf("%w: id is required", ErrInvalid)
	}
	if strings.TrimSpace(c.Token) == "" {
		return fmt.Errorf("%w: token is required", ErrInvalid)
	}
	return nil
}

// Summary is the non-sensitive view used in events and management responses.
type Summary struct {
	ID        string    `json:"id"`
	Label     string    `json:"label,omitempty"`
	Domain    string    `json:"domain,omitempty"`
	Host      HostKind  `json:"host"`
	Priority  int       `json:"priority"`
	CreatedAt time.Time `json:"created_at"`
	Token     string    `json:"token_hint"`
}

// Summarize drops the secret, keeping a masked hint.
func (c Credential) Summarize() Summary {
	return Summary{
		ID:        c.ID,
		Label:     c.Label,
		Domain:    c.Domain,
		Host:      c.Host(),
		Priority:  c.Priority,
		CreatedAt: c.CreatedAt,
		Token:     Mask(c.Token),
	}
}

// Mask hides all but the last four characters of a secret.
func Mask(secret string) string {
	if len(secret) <= 4 {
		return strings.Repeat("*", len(secret))
	}
	return "****" + secret[len(secret)-4:]
}
