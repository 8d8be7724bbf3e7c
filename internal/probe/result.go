package probe

import (
	"encoding/json"
	"time"
)

// Status is the outcome class of one probe.
type Status string

const (
	StatusOK             Status = "ok"
	StatusRateLimited    Status = "rate_limited"
	StatusQuotaExhausted Status = "quota_exhausted"
	StatusError          Status = "error"
)

// Tier identifies the protocol that produced a result.
type Tier int

const (
	TierIntrospection Tier = 1
	TierIdentity      Tier = 2
)

func (t Tier) String() string {
	switch t {
	case TierIntrospection:
		return "introspection"
	case TierIdentity:
		return "identity"
	default:
		return "none"
	}
}

// Result is the transient outcome of probing one credential.
type Result struct {
	ID           string        `json:"id"`
	Status       Status        `json:"status"`
	Tier         Tier          `json:"tier"`
	HTTPStatus   int           `json:"http_status,omitempty"`
	RetryAfter   time.Duration `json:"-"`
	QuotaResetAt time.Time     `json:"quota_reset_at,omitempty"`
	DisplayName  string        `json:"display_name,omitempty"`
	Error        string        `json:"error,omitempty"`
	CheckedAt    time.Time     `json:"checked_at"`
	Latency      time.Duration `json:"-"`
}

// OK reports whether the credential answered as usable.
func (r Result) OK() bool { return r.Status == StatusOK }

// Available reports whether the outcome leaves the credential eligible for
// rotation. Only availability failures make it ineligible.
func (r Result) Available() bool {
	return r.Status != StatusRateLimited && r.Status != StatusQuotaExhausted
}

func (r Result) MarshalJSON() ([]byte, error) {
	type plain Result
	return json.Marshal(struct {
		plain
		RetryAfterMS int64 `json:"retry_after_ms,omitempty"`
		LatencyMS    int64 `json:"latency_ms"`
	}{
		plain:        plain(r),
		RetryAfterMS: r.RetryAfter.Milliseconds(),
		LatencyMS:    r.Latency.Milliseconds(),
	})
}

func errorResult(id string, tier Tier, status int, msg string) Result {
	return Result{ID: id, Status: StatusError, Tier: tier, HTTPStatus: status, Error: msg}
}
