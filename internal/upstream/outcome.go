package upstream

import "context"

// Outcome reports which credential served a call and how many were tried.
// CredentialID is empty when the pool was exhausted before any answer.
type Outcome struct {
	CredentialID string
	Attempts     int
}

type outcomeKey struct{}

// WithOutcome returns a context that makes Do fill the returned Outcome.
func WithOutcome(ctx context.Context) (context.Context, *Outcome) {
	out := &Outcome{}
	return context.WithValue(ctx, outcomeKey{}, out), out
}

func recordOutcome(ctx context.Context, credentialID string, attempts int) {
	if out, ok := ctx.Value(outcomeKey{}).(*Outcome); ok {
		out.CredentialID = credentialID
		out.Attempts = attempts
	}
}
