package strategy

import (
	"context"
	"sync"
	"time"

	"copilot2api-go/internal/credential"
	"copilot2api-go/internal/health"
	mon "copilot2api-go/internal/monitoring"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Pool supplies the credential list in ascending priority order.
type Pool interface {
	List() []credential.Credential
}

// IDSet is a set of credential ids.
type IDSet map[string]struct{}

// NewIDSet builds a set from ids.
func NewIDSet(ids ...string) IDSet {
	s := make(IDSet, len(ids))
	for _, id := range ids {
		s.Add(id)
	}
	return s
}

func (s IDSet) Add(id string) { s[id] = struct{}{} }

func (s IDSet) Has(id string) bool {
	_, ok := s[id]
	return ok
}

// Selector picks the highest-precedence available credential.
type Selector struct {
	pool Pool
	reg  *health.Registry

	mu         sync.RWMutex
	pickLogs   []PickLog
	pickLogCap int
}

// PickLog records a selection decision for management debugging.
type PickLog struct {
	Time        time.Time `json:"time"`
	CredID      string    `json:"credential_id,omitempty"`
	Score       int       `json:"score,omitempty"`
	Excluded    []string  `json:"excluded,omitempty"`
	Unavailable []string  `json:"unavailable,omitempty"`
}

// NewSelector constructs a selector over pool backed by reg.
func NewSelector(pool Pool, reg *health.Registry) *Selector {
	return &Selector{
		pool:       pool,
		reg:        reg,
		pickLogs:   make([]PickLog, 0, 200),
		pickLogCap: 200,
	}
}

// Registry exposes the health registry the selector consults.
func (s *Selector) Registry() *health.Registry { return s.reg }

// Pick walks the pool in priority order, skipping ids in exclude, and
// returns the first credential whose health record is available.
func (s *Selector) Pick(ctx context.Context, exclude IDSet) (credential.Credential, health.Record, bool) {
	pl := PickLog{Time: time.Now()}
	for _, c := range s.pool.List() {
		if exclude.Has(c.ID) {
			pl.Excluded = append(pl.Excluded, c.ID)
			continue
		}
		rec, ok := s.reg.Availability(c.ID)
		if !ok {
			pl.Unavailable = append(pl.Unavailable, c.ID)
			continue
		}
		pl.CredID, pl.Score = c.ID, rec.Score
		s.recordPick(pl)
		mon.SelectorPicksTotal.WithLabelValues("picked").Inc()
		trace.SpanFromContext(ctx).AddEvent("credential.pick", trace.WithAttributes(
			attribute.String("credential.id", c.ID),
			attribute.Int("credential.score", rec.Score),
			attribute.Int("excluded", len(pl.Excluded)),
		))
		return c, rec, true
	}
	s.recordPick(pl)
	mon.SelectorPicksTotal.WithLabelValues("none").Inc()
	return credential.Credential{}, health.Record{}, false
}

// AllRateLimited returns the earliest moment any credential becomes eligible
// again. It returns false for an empty pool or when any credential is
// available right now.
func (s *Selector) AllRateLimited(ctx context.Context) (time.Time, bool) {
	creds := s.pool.List()
	if len(creds) == 0 {
		return time.Time{}, false
	}
	var earliest time.Time
	for _, c := range creds {
		rec, ok := s.reg.Availability(c.ID)
		if ok {
			return time.Time{}, false
		}
		if earliest.IsZero() || rec.RateLimitedUntil.Before(earliest) {
			earliest = rec.RateLimitedUntil
		}
	}
	trace.SpanFromContext(ctx).AddEvent("pool.rate_limited", trace.WithAttributes(
		attribute.String("earliest_recovery", earliest.UTC().Format(time.RFC3339)),
	))
	return earliest, true
}
