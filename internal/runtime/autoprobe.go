package runtime

import (
	"context"
	"errors"
	"time"

	"copilot2api-go/internal/credential"
	"copilot2api-go/internal/probe"
)

// AutoProbeTaskName is the task manager name of the periodic probe.
const AutoProbeTaskName = "auto-probe"

// CredentialLister yields the current pool in priority order.
type CredentialLister interface {
	List() []credential.Credential
}

// AutoProbe returns a task body that probes the whole pool once per call.
// A run in which every probe errored is reported as a failed run; a pool
// that is merely throttled is not.
func AutoProbe(p *probe.Prober, pool CredentialLister) TaskFunc {
	return func(ctx context.Context) error {
		start := time.Now()
		results := p.ProbeAll(ctx, pool.List())
		summary := probe.RecordRun("auto", results, time.Since(start))
		if summary.Total > 0 && summary.Failed == summary.Total {
			return errors.New("auto probe: " + summary.String())
		}
		return nil
	}
}
