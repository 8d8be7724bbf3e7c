package upstream

import (
	"bytes"
	"context"
	"io"
	"math"
	"net/http"
	"strconv"
	"time"

	"copilot2api-go/internal/events"
	mon "copilot2api-go/internal/monitoring"
	log "github.com/sirupsen/logrus"
	"github.com/tidwall/sjson"
)

// HeaderPoolExhausted marks responses synthesized by the dispatcher.
const HeaderPoolExhausted = "X-Pool-Exhausted"

const (
	msgNoCredentials = "no credentials configured"
	msgAllLimited    = "all accounts rate limited"
)

// Exhaustion describes why the pool could not serve a request.
type Exhaustion struct {
	Reason           string    `json:"reason"`
	Message          string    `json:"message"`
	EarliestRecovery time.Time `json:"earliest_recovery,omitempty"`
	Tried            int       `json:"tried"`
}

// exhausted builds the terminal 429 for a pool that has nothing left to try.
func (d *Dispatcher) exhausted(ctx context.Context, tried int) *http.Response {
	now := d.now()
	ex := Exhaustion{Reason: "rate_limited", Message: msgAllLimited, Tried: tried}
	retryAfter := 1
	if earliest, ok := d.sel.AllRateLimited(ctx); ok {
		ex.EarliestRecovery = earliest
		ex.Message = msgAllLimited + ", earliest recovery " + earliest.UTC().Format(time.RFC3339)
		if wait := earliest.Sub(now); wait > 0 {
			retryAfter = int(math.Ceil(wait.Seconds()))
		}
	} else if tried == 0 {
		ex.Reason = "empty"
		ex.Message = msgNoCredentials
	}

	mon.PoolExhaustedTotal.WithLabelValues(ex.Reason).Inc()
	log.WithFields(log.Fields{
		"component": "dispatch",
		"reason":    ex.Reason,
		"tried":     tried,
	}).Warn(ex.Message)
	if d.publisher != nil {
		d.publisher.Publish(ctx, events.TopicPoolExhausted, ex, map[string]string{"reason": ex.Reason})
	}
	return synthesize(http.StatusTooManyRequests, ex, retryAfter)
}

func synthesize(status int, ex Exhaustion, retryAfter int) *http.Response {
	body := []byte(`{}`)
	body, _ = sjson.SetBytes(body, "error.message", ex.Message)
	body, _ = sjson.SetBytes(body, "error.type", "rate_limit_error")
	body, _ = sjson.SetBytes(body, "error.code", "pool_exhausted")
	if !ex.EarliestRecovery.IsZero() {
		body, _ = sjson.SetBytes(body, "error.earliest_recovery", ex.EarliestRecovery.UTC().Format(time.RFC3339))
	}

	h := make(http.Header)
	h.Set("Content-Type", "application/json")
	h.Set("Retry-After", strconv.Itoa(retryAfter))
	h.Set(HeaderPoolExhausted, ex.Reason)
	return &http.Response{
		Status:        strconv.Itoa(status) + " " + http.StatusText(status),
		StatusCode:    status,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        h,
		Body:          io.NopCloser(bytes.NewReader(body)),
		ContentLength: int64(len(body)),
	}
}
