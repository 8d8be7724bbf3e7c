package probe

import (
	"context"
	"fmt"
	"time"

	"copilot2api-go/internal/credential"
	mon "copilot2api-go/internal/monitoring"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// ProbeAll probes every credential concurrently and joins all of them. A
// panicking or unfinished probe yields an error result for its id only.
func (p *Prober) ProbeAll(ctx context.Context, creds []credential.Credential) map[string]Result {
	out := make(map[string]Result, len(creds))
	if len(creds) == 0 {
		return out
	}
	results := make([]Result, len(creds))
	var g errgroup.Group
	for i, c := range creds {
		g.Go(func() error {
			defer func() {
				if r := recover(); r != nil {
					log.WithFields(log.Fields{
						"component":  "probe",
						"credential": c.ID,
						"panic":      r,
					}).Error("probe task panicked")
				}
			}()
			results[i] = p.Probe(ctx, c)
			return nil
		})
	}
	_ = g.Wait()

	for i, c := range creds {
		res := results[i]
		if res.ID == "" {
			res = errorResult(c.ID, 0, 0, "probe did not complete")
			res.CheckedAt = p.now()
		}
		out[c.ID] = res
	}
	return out
}

// Run outcomes.
const (
	OutcomeEmpty     = "empty"
	OutcomeAllOK     = "all_ok"
	OutcomeAllFailed = "all_failed"
	OutcomePartial   = "partial"
)

// RunSummary condenses a ProbeAll run for logs and metrics.
type RunSummary struct {
	Source   string        `json:"source"`
	Outcome  string        `json:"outcome"`
	OK       int           `json:"ok"`
	Limited  int           `json:"limited"`
	Failed   int           `json:"failed"`
	Total    int           `json:"total"`
	Duration time.Duration `json:"-"`
}

func (s RunSummary) String() string {
	return fmt.Sprintf("%s: %d ok, %d limited, %d failed of %d", s.Outcome, s.OK, s.Limited, s.Failed, s.Total)
}

// RecordRun classifies results, updates run metrics and logs one line.
func RecordRun(source string, results map[string]Result, duration time.Duration) RunSummary {
	s := RunSummary{Source: source, Total: len(results), Duration: duration}
	for _, r := range results {
		switch r.Status {
		case StatusOK:
			s.OK++
		case StatusRateLimited, StatusQuotaExhausted:
			s.Limited++
		default:
			s.Failed++
		}
	}
	switch {
	case s.Total == 0:
		s.Outcome = OutcomeEmpty
	case s.OK == s.Total:
		s.Outcome = OutcomeAllOK
	case s.OK == 0:
		s.Outcome = OutcomeAllFailed
	default:
		s.Outcome = OutcomePartial
	}
	mon.ProbeRunsTotal.WithLabelValues(source, s.Outcome).Inc()
	log.WithFields(log.Fields{
		"component":   "probe",
		"source":      source,
		"outcome":     s.Outcome,
		"ok":          s.OK,
		"limited":     s.Limited,
		"failed":      s.Failed,
		"total":       s.Total,
		"duration_ms": duration.Milliseconds(),
	}).Info("credential probe completed")
	return s
}
