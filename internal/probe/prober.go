package probe

import (
	"context"
	"net/http"
	"sync"
	"time"

	"copilot2api-go/internal/credential"
	"copilot2api-go/internal/events"
	"copilot2api-go/internal/health"
	mon "copilot2api-go/internal/monitoring"
	"copilot2api-go/internal/monitoring/tracing"
	"copilot2api-go/internal/upstream/copilot"
	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/time/rate"
)

const (
	DefaultTimeout     = 8 * time.Second
	DefaultHistorySize = 200

	maxBody = 1 << 20
)

// Options configures a Prober.
type Options struct {
	Client    *http.Client
	Endpoints copilot.Endpoints
	Identity  copilot.ClientIdentity
	// Timeout bounds each tier independently.
	Timeout time.Duration
	// Limiter paces outgoing probes across all callers; a probe waits for
	// its slot before the tier timeouts start. Nil means unlimited.
	Limiter     *rate.Limiter
	Publisher   events.Publisher
	HistorySize int
	Now         func() time.Time
}

// Prober assesses credential health with the two-tier protocol and records
// the outcome in the health registry.
type Prober struct {
	reg       *health.Registry
	client    *http.Client
	endpoints copilot.Endpoints
	identity  copilot.ClientIdentity
	timeout   time.Duration
	limiter   *rate.Limiter
	now       func() time.Time

	pubMu     sync.RWMutex
	publisher events.Publisher

	histMu     sync.Mutex
	history    []Result
	historyCap int
}

// New constructs a prober bound to reg.
func New(reg *health.Registry, opts Options) *Prober {
	p := &Prober{
		reg:        reg,
		client:     opts.Client,
		endpoints:  opts.Endpoints,
		identity:   opts.Identity.WithDefaults(),
		timeout:    opts.Timeout,
		limiter:    opts.Limiter,
		now:        opts.Now,
		publisher:  opts.Publisher,
		historyCap: opts.HistorySize,
	}
	if p.client == nil {
		p.client = http.DefaultClient
	}
	if p.timeout <= 0 {
		p.timeout = DefaultTimeout
	}
	if p.now == nil {
		p.now = time.Now
	}
	if p.historyCap <= 0 {
		p.historyCap = DefaultHistorySize
	}
	return p
}

// SetEventPublisher attaches the hub that receives probe.completed events.
func (p *Prober) SetEventPublisher(pub events.Publisher) {
	p.pubMu.Lock()
	p.publisher = pub
	p.pubMu.Unlock()
}

// Probe runs tier 1 and, when tier 1 is inconclusive, tier 2. The caller's
// cancellation does not reach in-flight requests; each tier is bounded by
// the prober timeout only.
func (p *Prober) Probe(ctx context.Context, c credential.Credential) Result {
	ctx, span := tracing.StartSpan(ctx, "probe", "probe.credential")
	span.SetAttributes(attribute.String("credential.id", c.ID))
	start := p.now()

	res := p.run(context.WithoutCancel(ctx), c)
	res.ID = c.ID
	res.CheckedAt = p.now()
	res.Latency = res.CheckedAt.Sub(start)

	span.SetAttributes(
		attribute.String("probe.status", string(res.Status)),
		attribute.Int("probe.tier", int(res.Tier)),
	)
	var spanErr error
	if res.Status == StatusError {
		spanErr = probeError(res.Error)
	}
	tracing.EndWithStatus(span, res.HTTPStatus, spanErr)

	p.record(ctx, res)
	return res
}

func (p *Prober) run(ctx context.Context, c credential.Credential) Result {
	if p.limiter != nil {
		// Waiting for a slot is pacing, not part of either tier's timeout.
		if err := p.limiter.Wait(ctx); err != nil {
			return errorResult(c.ID, 0, 0, "probe throttled: "+err.Error())
		}
	}
	res, fallback := p.introspect(ctx, c)
	if !fallback {
		return res
	}
	return p.identify(ctx, c)
}

func (p *Prober) record(ctx context.Context, res Result) {
	tier := res.Tier.String()
	mon.ProbeResultsTotal.WithLabelValues(tier, string(res.Status)).Inc()
	mon.ProbeDuration.WithLabelValues(tier).Observe(res.Latency.Seconds())

	fields := log.Fields{
		"component":  "probe",
		"credential": res.ID,
		"tier":       tier,
		"status":     res.Status,
		"http":       res.HTTPStatus,
	}
	if res.RetryAfter > 0 {
		fields["retry_after_ms"] = res.RetryAfter.Milliseconds()
	}
	entry := log.WithFields(fields)
	if res.Status == StatusError {
		entry.WithField("error", res.Error).Warn("credential probe failed")
	} else {
		entry.Debug("credential probe completed")
	}

	p.histMu.Lock()
	p.history = append([]Result{res}, p.history...)
	if len(p.history) > p.historyCap {
		p.history = p.history[:p.historyCap]
	}
	p.histMu.Unlock()

	p.pubMu.RLock()
	pub := p.publisher
	p.pubMu.RUnlock()
	if pub != nil {
		pub.Publish(ctx, events.TopicProbeCompleted, res, map[string]string{
			"id":     res.ID,
			"status": string(res.Status),
		})
	}
}

// History returns up to limit recent results, newest first. limit <= 0
// returns everything kept.
func (p *Prober) History(limit int) []Result {
	p.histMu.Lock()
	defer p.histMu.Unlock()
	if limit <= 0 || limit > len(p.history) {
		limit = len(p.history)
	}
	out := make([]Result, limit)
	copy(out, p.history[:limit])
	return out
}

type probeError string

func (e probeError) Error() string { return string(e) }
