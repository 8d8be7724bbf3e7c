package probe

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"copilot2api-go/internal/credential"
	"copilot2api-go/internal/upstream/copilot"
	"github.com/tidwall/gjson"
)

// rateLimitMarkers identify a 403 that is really throttling.
var rateLimitMarkers = []string{"rate limit", "rate-limit", "too many requests"}

// introspect runs tier 1. fallback is true when the endpoint is missing for
// this deployment or the request never got an answer.
func (p *Prober) introspect(ctx context.Context, c credential.Credential) (res Result, fallback bool) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.endpoints.IntrospectionURL(c), nil)
	if err != nil {
		return errorResult(c.ID, TierIntrospection, 0, err.Error()), false
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", copilot.TokenAuthorization(c.Token))
	p.identity.Apply(req.Header)

	resp, err := p.client.Do(req)
	if err != nil {
		return Result{}, true
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxBody))

	res = Result{ID: c.ID, Tier: TierIntrospection, HTTPStatus: resp.StatusCode}
	switch resp.StatusCode {
	case http.StatusNotFound:
		return Result{}, true
	case http.StatusTooManyRequests:
		d, _ := copilot.ParseRetryAfter(resp.Header.Get("Retry-After"), p.now())
		return p.rateLimited(res, d, StatusRateLimited), false
	case http.StatusOK:
		return p.introspectionOK(c, res, body), false
	case http.StatusForbidden:
		msg := gjson.GetBytes(body, "message").String()
		if msg == "" {
			msg = strings.TrimSpace(string(body))
		}
		if isRateLimitMessage(msg) {
			d, _ := copilot.ParseRetryAfter(resp.Header.Get("Retry-After"), p.now())
			return p.rateLimited(res, d, StatusRateLimited), false
		}
		res.Status = StatusError
		res.Error = "forbidden: " + truncate(msg)
		return res, false
	default:
		res.Status = StatusError
		res.Error = fmt.Sprintf("introspection returned HTTP %d", resp.StatusCode)
		if msg := gjson.GetBytes(body, "message").String(); msg != "" {
			res.Error += ": " + truncate(msg)
		}
		return res, false
	}
}

// introspectionOK handles a 200. An unreadable body still proves the token
// valid, so it counts as success.
func (p *Prober) introspectionOK(c credential.Credential, res Result, body []byte) Result {
	if !gjson.ValidBytes(body) {
		p.reg.MarkSuccess(c.ID)
		res.Status = StatusOK
		return res
	}
	root := gjson.ParseBytes(body)
	res.DisplayName = root.Get("login").String()

	chat := root.Get("limited_user_quotas.chat")
	completions := root.Get("limited_user_quotas.completions")
	if chat.Exists() && completions.Exists() && chat.Float() <= 0 && completions.Float() <= 0 {
		d := p.quotaRetry(&res, root.Get("limited_user_reset_date").String())
		return p.rateLimited(res, d, StatusQuotaExhausted)
	}
	p.reg.MarkSuccess(c.ID)
	res.Status = StatusOK
	return res
}

func (p *Prober) quotaRetry(res *Result, resetDate string) time.Duration {
	resetAt, ok := copilot.ParseResetDate(resetDate)
	if !ok {
		return 0
	}
	res.QuotaResetAt = resetAt
	if wait := resetAt.Sub(p.now()); wait > 0 {
		return wait
	}
	return 0
}

// rateLimited records a throttling outcome. The stored RetryAfter is the
// clamped window the registry actually applied.
func (p *Prober) rateLimited(res Result, d time.Duration, status Status) Result {
	rec := p.reg.MarkRateLimited(res.ID, d)
	res.Status = status
	if until := rec.RateLimitedUntil; !until.IsZero() {
		res.RetryAfter = until.Sub(rec.LastFailure)
	}
	return res
}

func isRateLimitMessage(msg string) bool {
	lower := strings.ToLower(msg)
	for _, marker := range rateLimitMarkers {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}

func truncate(s string) string {
	const max = 200
	if len(s) > max {
		return s[:max] + "..."
	}
	return s
}
