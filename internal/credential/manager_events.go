package credential

import (
	"context"
	"time"

	"copilot2api-go/internal/events"
)

// ChangeEvent describes a single change to a credential.
type ChangeEvent struct {
	Action     string    `json:"action"`
	Timestamp  time.Time `json:"timestamp"`
	Credential Summary   `json:"credential"`
}

// SyncEvent carries the whole pool after a reload or reorder.
type SyncEvent struct {
	Timestamp   time.Time `json:"timestamp"`
	Credentials []Summary `json:"credentials"`
}

func (m *Manager) getPublisher() events.Publisher {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.publisher
}

func (m *Manager) emitChange(action string, c Credential) {
	publisher := m.getPublisher()
	if publisher == nil {
		return
	}
	publisher.Publish(context.Background(), events.TopicAccountChanged, ChangeEvent{
		Action:     action,
		Timestamp:  m.now().UTC(),
		Credential: c.Summarize(),
	}, map[string]string{"id": c.ID})
}

func (m *Manager) emitRemoved(c Credential) {
	publisher := m.getPublisher()
	if publisher == nil {
		return
	}
	publisher.Publish(context.Background(), events.TopicAccountRemoved, ChangeEvent{
		Action:     "removed",
		Timestamp:  m.now().UTC(),
		Credential: c.Summarize(),
	}, map[string]string{"id": c.ID})
}

func (m *Manager) emitSync() {
	publisher := m.getPublisher()
	if publisher == nil {
		return
	}
	creds := m.List()
	summaries := make([]Summary, 0, len(creds))
	for _, c := range creds {
		summaries = append(summaries, c.Summarize())
	}
	publisher.Publish(context.Background(), events.TopicAccountsSynced, SyncEvent{
		Timestamp:   m.now().UTC(),
		Credentials: summaries,
	}, nil)
}

// RemovedID extracts the credential id from a TopicAccountRemoved event.
func RemovedID(evt events.Event) (string, bool) {
	if id := evt.Metadata["id"]; id != "" {
		return id, true
	}
	if ce, ok := evt.Payload.(ChangeEvent); ok && ce.Credential.ID != "" {
		return ce.Credential.ID, true
	}
	return "", false
}
