package probe

import (
	"context"
	"fmt"
	"net/http"
	"net/url"

	"copilot2api-go/internal/credential"
	"github.com/google/go-github/v82/github"
)

// identityClient builds a REST client for c. A fresh client per probe keeps
// go-github's remembered rate-limit state from short-circuiting later probes.
func (p *Prober) identityClient(c credential.Credential) (*github.Client, error) {
	client := github.NewClient(p.client).WithAuthToken(c.Token)
	base := p.endpoints.IdentityBaseURL(c)
	if c.Host() == credential.HostEnterprise {
		return client.WithEnterpriseURLs(base, base)
	}
	u, err := url.Parse(base)
	if err != nil {
		return nil, err
	}
	client.BaseURL = u
	return client, nil
}

// identify runs tier 2 against the authenticated-user endpoint.
func (p *Prober) identify(ctx context.Context, c credential.Credential) Result {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	client, err := p.identityClient(c)
	if err != nil {
		return errorResult(c.ID, TierIdentity, 0, err.Error())
	}
	user, resp, err := client.Users.Get(ctx, "")
	if resp == nil {
		msg := "identity lookup failed"
		if err != nil {
			msg = err.Error()
		}
		return errorResult(c.ID, TierIdentity, 0, msg)
	}

	res := Result{ID: c.ID, Tier: TierIdentity, HTTPStatus: resp.StatusCode}
	switch resp.StatusCode {
	case http.StatusOK:
		if user != nil {
			res.DisplayName = user.GetName()
			if res.DisplayName == "" {
				res.DisplayName = user.GetLogin()
			}
		}
		p.reg.MarkSuccess(c.ID)
		res.Status = StatusOK
		return res
	case http.StatusUnauthorized:
		res.Status = StatusError
		res.Error = "identity lookup rejected the credential"
		return res
	case http.StatusForbidden:
		return p.rateLimited(res, 0, StatusRateLimited)
	default:
		res.Status = StatusError
		res.Error = fmt.Sprintf("identity lookup returned HTTP %d", resp.StatusCode)
		return res
	}
}
