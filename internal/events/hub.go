// Package events is the in-process bus linking the pool, the health
// registry and the management event stream.
package events

import (
	"context"
	"sort"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

const (
	TopicConfigUpdated  = "config.updated"
	TopicAccountsSynced = "accounts.synced"
	TopicAccountChanged = "accounts.changed"
	TopicAccountRemoved = "accounts.removed"
	TopicHealthChanged  = "health.changed"
	TopicProbeCompleted = "probe.completed"
	TopicPoolExhausted  = "pool.exhausted"
)

// StreamTopics lists the topics forwarded to management event streams.
var StreamTopics = []string{
	TopicConfigUpdated,
	TopicAccountsSynced,
	TopicAccountChanged,
	TopicAccountRemoved,
	TopicHealthChanged,
	TopicProbeCompleted,
	TopicPoolExhausted,
}

type Event struct {
	Topic     string            `json:"topic"`
	Timestamp time.Time         `json:"timestamp"`
	Payload   any               `json:"payload,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

type Handler func(context.Context, Event)

// Publisher is what components that emit events depend on.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any, metadata map[string]string)
}

type Subscriber interface {
	Subscribe(topic string, handler Handler) func()
}

type subscription struct {
	id      uint64
	handler Handler
}

// Hub delivers events synchronously, in subscription order. A panicking
// handler is logged and skipped; the remaining handlers still run.
type Hub struct {
	mu     sync.RWMutex
	topics map[string][]subscription
	seq    uint64
	now    func() time.Time
}

func NewHub() *Hub {
	return &Hub{topics: make(map[string][]subscription), now: time.Now}
}

// Subscribe registers handler on topic and returns its unsubscribe func.
// Calling the returned func more than once is harmless.
func (h *Hub) Subscribe(topic string, handler Handler) func() {
	h.mu.Lock()
	h.seq++
	id := h.seq
	h.topics[topic] = append(h.topics[topic], subscription{id: id, handler: handler})
	h.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { h.remove(topic, id) })
	}
}

// SubscribeMany registers one handler on several topics.
func (h *Hub) SubscribeMany(topics []string, handler Handler) func() {
	cancels := make([]func(), len(topics))
	for i, topic := range topics {
		cancels[i] = h.Subscribe(topic, handler)
	}
	return func() {
		for _, cancel := range cancels {
			cancel()
		}
	}
}

func (h *Hub) remove(topic string, id uint64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	subs := h.topics[topic]
	i := sort.Search(len(subs), func(i int) bool { return subs[i].id >= id })
	if i == len(subs) || subs[i].id != id {
		return
	}
	rest := append(subs[:i:i], subs[i+1:]...)
	if len(rest) == 0 {
		delete(h.topics, topic)
		return
	}
	h.topics[topic] = rest
}

func (h *Hub) Publish(ctx context.Context, topic string, payload any, metadata map[string]string) {
	h.mu.RLock()
	subs := h.topics[topic]
	now := h.now
	h.mu.RUnlock()
	if len(subs) == 0 {
		return
	}
	ev := Event{Topic: topic, Timestamp: now().UTC(), Payload: payload, Metadata: metadata}
	for _, s := range subs {
		deliver(ctx, s.handler, ev)
	}
}

func deliver(ctx context.Context, handler Handler, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			log.WithFields(log.Fields{"topic": ev.Topic, "panic": r}).Error("event handler panicked")
		}
	}()
	handler(ctx, ev)
}

// SubscriberCount returns the number of handlers registered for topic.
func (h *Hub) SubscriberCount(topic string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.topics[topic])
}
