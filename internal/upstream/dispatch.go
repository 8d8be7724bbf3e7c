package upstream

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"copilot2api-go/internal/credential"
	"copilot2api-go/internal/events"
	"copilot2api-go/internal/health"
	mon "copilot2api-go/internal/monitoring"
	"copilot2api-go/internal/monitoring/tracing"
	"copilot2api-go/internal/upstream/copilot"
	"copilot2api-go/internal/upstream/strategy"
	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/oauth2"
)

// Transport executes one outbound HTTP request. *http.Client satisfies it.
type Transport interface {
	Do(*http.Request) (*http.Response, error)
}

// Request is one logical workload call. Body is replayed on every attempt.
type Request struct {
	Method   string
	Path     string
	RawQuery string
	Header   http.Header
	Body     []byte
}

// Options configures a Dispatcher.
type Options struct {
	Transport Transport
	// Tokens computes the bearer for a credential. Nil uses the stored secret.
	Tokens    copilot.TokenProvider
	Endpoints copilot.Endpoints
	Identity  copilot.ClientIdentity
	Publisher events.Publisher
	Now       func() time.Time
}

// Dispatcher sends workload requests through the pool, failing over to the
// next available credential whenever the upstream throttles.
type Dispatcher struct {
	sel       *strategy.Selector
	reg       *health.Registry
	transport Transport
	tokens    copilot.TokenProvider
	endpoints copilot.Endpoints
	identity  copilot.ClientIdentity
	publisher events.Publisher
	now       func() time.Time
}

// NewDispatcher builds a dispatcher over sel.
func NewDispatcher(sel *strategy.Selector, opts Options) *Dispatcher {
	d := &Dispatcher{
		sel:       sel,
		reg:       sel.Registry(),
		transport: opts.Transport,
		tokens:    opts.Tokens,
		endpoints: opts.Endpoints,
		identity:  opts.Identity.WithDefaults(),
		publisher: opts.Publisher,
		now:       opts.Now,
	}
	if d.transport == nil {
		d.transport = http.DefaultClient
	}
	if d.tokens == nil {
		d.tokens = copilot.StaticTokens{}
	}
	if d.now == nil {
		d.now = time.Now
	}
	return d
}

type dispatchState int

const (
	stateSelecting dispatchState = iota
	stateDispatching
	stateSelectingExcluding
	stateSuccess
	stateExhausted
)

func (s dispatchState) String() string {
	switch s {
	case stateSelecting:
		return "selecting"
	case stateDispatching:
		return "dispatching"
	case stateSelectingExcluding:
		return "selecting_excluding"
	case stateSuccess:
		return "success"
	case stateExhausted:
		return "exhausted"
	default:
		return "unknown"
	}
}

// Do runs the failover loop for req. Each credential is attempted at most
// once; there is no backoff between attempts. The returned response is
// either the upstream's first non-429 answer, untouched, or a synthesized
// 429 once the pool is exhausted. err is non-nil only for transport and
// token failures, which never change credential health.
func (d *Dispatcher) Do(ctx context.Context, req Request) (*http.Response, error) {
	ctx, span := tracing.StartSpan(ctx, "dispatch", "dispatch.request")
	start := d.now()
	defer func() { mon.DispatchDuration.Observe(d.now().Sub(start).Seconds()) }()

	info := copilot.InspectBody(req.Body)
	span.SetAttributes(
		attribute.String("request.path", req.Path),
		attribute.String("request.body_kind", string(info.Kind)),
		attribute.String("request.initiator", string(info.Initiator)),
	)

	tried := strategy.NewIDSet()
	var (
		state = stateSelecting
		cred  credential.Credential
		resp  *http.Response
	)
	for {
		switch state {
		case stateSelecting, stateSelectingExcluding:
			c, _, ok := d.sel.Pick(ctx, tried)
			if !ok {
				state = stateExhausted
				continue
			}
			cred = c
			tried.Add(c.ID)
			state = stateDispatching

		case stateDispatching:
			r, err := d.attempt(ctx, req, info, cred)
			if err != nil {
				recordOutcome(ctx, cred.ID, len(tried))
				tracing.EndWithStatus(span, 0, err)
				return nil, err
			}
			if r.StatusCode != http.StatusTooManyRequests {
				d.reg.MarkSuccess(cred.ID)
				mon.DispatchAttemptsTotal.WithLabelValues("success").Inc()
				resp = r
				state = stateSuccess
				continue
			}
			retry, _ := copilot.ParseRetryAfter(r.Header.Get("Retry-After"), d.now())
			rec := d.reg.MarkRateLimited(cred.ID, retry)
			mon.DispatchAttemptsTotal.WithLabelValues("throttled").Inc()
			log.WithFields(log.Fields{
				"component":      "dispatch",
				"credential":     cred.ID,
				"attempt":        len(tried),
				"retry_after_ms": rec.RateLimitedUntil.Sub(rec.LastFailure).Milliseconds(),
			}).Info("upstream throttled credential, failing over")
			discard(r)
			state = stateSelectingExcluding

		case stateSuccess:
			span.SetAttributes(
				attribute.String("credential.id", cred.ID),
				attribute.Int("dispatch.attempts", len(tried)),
			)
			recordOutcome(ctx, cred.ID, len(tried))
			tracing.EndWithStatus(span, resp.StatusCode, nil)
			return resp, nil

		case stateExhausted:
			recordOutcome(ctx, "", len(tried))
			out := d.exhausted(ctx, len(tried))
			span.SetAttributes(attribute.Int("dispatch.attempts", len(tried)))
			tracing.EndWithStatus(span, out.StatusCode, nil)
			return out, nil
		}
	}
}

// attempt sends req once with cred.
func (d *Dispatcher) attempt(ctx context.Context, req Request, info copilot.BodyInfo, cred credential.Credential) (*http.Response, error) {
	tok, err := d.tokens.Token(ctx, cred)
	if err != nil {
		mon.DispatchAttemptsTotal.WithLabelValues("auth_error").Inc()
		return nil, &AttemptError{CredentialID: cred.ID, Err: err}
	}
	httpReq, err := d.build(ctx, req, info, cred, tok)
	if err != nil {
		return nil, &AttemptError{CredentialID: cred.ID, Err: err}
	}
	resp, err := d.transport.Do(httpReq)
	if err != nil {
		mon.DispatchAttemptsTotal.WithLabelValues("transport_error").Inc()
		log.WithFields(log.Fields{
			"component":  "dispatch",
			"credential": cred.ID,
		}).WithError(err).Warn("upstream request failed")
		return nil, &AttemptError{CredentialID: cred.ID, Err: err}
	}
	return resp, nil
}

func (d *Dispatcher) build(ctx context.Context, req Request, info copilot.BodyInfo, cred credential.Credential, tok *oauth2.Token) (*http.Request, error) {
	base := d.endpoints.CopilotBase(cred)
	if api, ok := tok.Extra(copilot.ExtraAPIBase).(string); ok && api != "" {
		base = api
	}
	target := strings.TrimRight(base, "/") + "/" + strings.TrimLeft(req.Path, "/")
	if req.RawQuery != "" {
		target += "?" + req.RawQuery
	}
	method := req.Method
	if method == "" {
		method = http.MethodPost
	}
	var body io.Reader
	if len(req.Body) > 0 {
		body = bytes.NewReader(req.Body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, err
	}
	httpReq.Header = copilot.FilterCallerHeaders(req.Header)
	d.identity.Apply(httpReq.Header)
	httpReq.Header.Set(copilot.HeaderIntent, copilot.IntentConversation)
	httpReq.Header.Set(copilot.HeaderInitiator, string(info.Initiator))
	if info.Vision {
		httpReq.Header.Set(copilot.HeaderVision, "true")
	}
	if len(req.Body) > 0 && httpReq.Header.Get("Content-Type") == "" {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	tok.SetAuthHeader(httpReq)
	return httpReq, nil
}

// AttemptError wraps a failure that prevented an attempt from getting an
// upstream answer.
type AttemptError struct {
	CredentialID string
	Err          error
}

func (e *AttemptError) Error() string {
	return fmt.Sprintf("dispatch via credential %s: %v", e.CredentialID, e.Err)
}

func (e *AttemptError) Unwrap() error { return e.Err }

// IsTokenError reports whether err came from computing the bearer.
func IsTokenError(err error) bool {
	var ex *copilot.ExchangeError
	return errors.As(err, &ex)
}

func discard(resp *http.Response) {
	if resp == nil || resp.Body == nil {
		return
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	_ = resp.Body.Close()
}
