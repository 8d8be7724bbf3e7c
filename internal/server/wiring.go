package server

import (
	"context"

	"copilot2api-go/internal/credential"
	"copilot2api-go/internal/events"
	"copilot2api-go/internal/health"
	"copilot2api-go/internal/monitoring"
	log "github.com/sirupsen/logrus"
)

// wire connects the components through the hub. Handlers run synchronously
// on the publishing goroutine and must not block.
func (s *Server) wire() {
	hub := s.deps.Hub
	if hub == nil {
		hub = events.NewHub()
		s.deps.Hub = hub
	}
	if s.deps.Accounts != nil {
		s.deps.Accounts.SetEventPublisher(hub)
		monitoring.ActiveCredentials.Set(float64(s.deps.Accounts.Len()))
	}
	if s.deps.Prober != nil {
		s.deps.Prober.SetEventPublisher(hub)
	}
	if s.deps.Registry != nil {
		s.deps.Registry.SetObserver(func(rec health.Record) {
			monitoring.ObserveCredentialHealth(rec.ID, rec.Score, !rec.RateLimitedUntil.IsZero())
			hub.Publish(context.Background(), events.TopicHealthChanged, rec, map[string]string{"id": rec.ID})
		})
	}

	s.unsubscribe = append(s.unsubscribe,
		hub.Subscribe(events.TopicAccountRemoved, s.onAccountRemoved),
		hub.SubscribeMany([]string{events.TopicAccountChanged, events.TopicAccountsSynced}, func(context.Context, events.Event) {
			monitoring.ActiveCredentials.Set(float64(s.deps.Accounts.Len()))
		}),
		hub.SubscribeMany(events.StreamTopics, s.stream.Publish),
	)
}

// onAccountRemoved drops every piece of per-credential state so a later
// credential reusing the id starts fresh.
func (s *Server) onAccountRemoved(_ context.Context, evt events.Event) {
	id, ok := credential.RemovedID(evt)
	if !ok {
		return
	}
	s.deps.Registry.Reset(id)
	monitoring.ForgetCredential(id)
	if s.deps.Sessions != nil {
		s.deps.Sessions.Forget(id)
	}
	monitoring.ActiveCredentials.Set(float64(s.deps.Accounts.Len()))
	log.WithFields(log.Fields{"component": "server", "credential": id}).Debug("dropped state of removed credential")
}
