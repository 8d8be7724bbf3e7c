package credential

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"copilot2api-go/internal/events"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
)

// Manager keeps the priority-ordered credential list in memory on top of a
// Store. Mutations are written through to the store before the cached list
// is replaced, so readers never observe uncommitted state.
type Manager struct {
	store Store

	writeMu sync.Mutex // serializes mutations end to end

	mu        sync.RWMutex
	creds     []Credential
	publisher events.Publisher
	now       func() time.Time
}

// NewManager wraps store. Call Reload to populate the cache.
func NewManager(store Store) *Manager {
	return &Manager{store: store, now: time.Now}
}

// SetEventPublisher wires the event hub used to broadcast account changes.
func (m *Manager) SetEventPublisher(p events.Publisher) {
	m.mu.Lock()
	m.publisher = p
	m.mu.Unlock()
}

// StoreName returns the backing store's name.
func (m *Manager) StoreName() string { return m.store.Name() }

// Reload replaces the cache with the store's current contents. Ids that
// disappeared from the store are announced as removed.
func (m *Manager) Reload(ctx context.Context) error {
	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	creds, err := m.store.List(ctx)
	if err != nil {
		return fmt.Errorf("load credentials from %s: %w", m.store.Name(), err)
	}
	previous := m.List()
	m.replace(creds)
	gone := vanished(previous, creds)
	for _, c := range gone {
		m.emitRemoved(c)
	}
	m.emitSync()
	log.WithFields(log.Fields{"store": m.store.Name(), "count": len(creds), "removed": len(gone)}).Info("credentials loaded")
	return nil
}

// vanished returns the credentials of before whose id is absent from after.
func vanished(before, after []Credential) []Credential {
	present := make(map[string]struct{}, len(after))
	for _, c := range after {
		present[c.ID] = struct{}{}
	}
	var out []Credential
	for _, c := range before {
		if _, ok := present[c.ID]; !ok {
			out = append(out, c)
		}
	}
	return out
}

// Watch reloads on external modifications when the store supports it.
func (m *Manager) Watch(ctx context.Context) error {
	w, ok := m.store.(Watcher)
	if !ok {
		return nil
	}
	return w.Watch(ctx, func() {
		if err := m.Reload(ctx); err != nil {
			log.WithError(err).Warn("credential manager: auto reload failed")
		}
	})
}

// List returns a copy of the credentials in ascending priority order.
func (m *Manager) List() []Credential {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Credential, len(m.creds))
	copy(out, m.creds)
	return out
}

// Get returns the credential with the given id.
func (m *Manager) Get(id string) (Credential, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, c := range m.creds {
		if c.ID == id {
			return c, true
		}
	}
	return Credential{}, false
}

// Len returns the pool size.
func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.creds)
}

// Add appends c at the lowest precedence. An empty id is generated.
func (m *Manager) Add(ctx context.Context, c Credential) (Credential, error) {
	m.writeMu.Lock()
	defer m.writeMu.Unlock()

	if strings.TrimSpace(c.ID) == "" {
		c.ID = uuid.NewString()
	}
	if _, exists := m.Get(c.ID); exists {
		return Credential{}, fmt.Errorf("%w: %s", ErrExists, c.ID)
	}
	c.Domain = NormalizeDomain(c.Domain)
	if c.CreatedAt.IsZero() {
		c.CreatedAt = m.now().UTC()
	}
	c.Priority = 0
	for _, existing := range m.List() {
		if existing.Priority >= c.Priority {
			c.Priority = existing.Priority + 1
		}
	}
	if err := c.Validate(); err != nil {
		return Credential{}, err
	}
	if err := m.store.Upsert(ctx, c); err != nil {
		return Credential{}, fmt.Errorf("store credential: %w", err)
	}
	m.replace(append(m.List(), c))
	m.emitChange("added", c)
	return c, nil
}

// Update changes label, domain and token of an existing credential.
// Priority and creation time are preserved; an empty token keeps the old one.
func (m *Manager) Update(ctx context.Context, c Credential) (Credential, error) {
	m.writeMu.Lock()
	defer m.writeMu.Unlock()

	current, ok := m.Get(c.ID)
	if !ok {
		return Credential{}, ErrNotFound
	}
	current.Label = c.Label
	current.Domain = NormalizeDomain(c.Domain)
	if strings.TrimSpace(c.Token) != "" {
		current.Token = c.Token
	}
	if err := m.store.Upsert(ctx, current); err != nil {
		return Credential{}, fmt.Errorf("store credential: %w", err)
	}
	next := m.List()
	for i := range next {
		if next[i].ID == current.ID {
			next[i] = current
		}
	}
	m.replace(next)
	m.emitChange("updated", current)
	return current, nil
}

// Remove deletes a credential and announces it on TopicAccountRemoved so
// per-credential state elsewhere can be dropped.
func (m *Manager) Remove(ctx context.Context, id string) error {
	m.writeMu.Lock()
	defer m.writeMu.Unlock()

	removed, ok := m.Get(id)
	if !ok {
		return ErrNotFound
	}
	if err := m.store.Delete(ctx, id); err != nil {
		return fmt.Errorf("delete credential: %w", err)
	}
	current := m.List()
	next := current[:0]
	for _, c := range current {
		if c.ID != id {
			next = append(next, c)
		}
	}
	m.replace(next)
	m.emitRemoved(removed)
	return nil
}

// Reorder assigns priorities 0..n-1 following ids. Credentials not named
// keep their relative order after the named ones.
func (m *Manager) Reorder(ctx context.Context, ids []string) error {
	m.writeMu.Lock()
	defer m.writeMu.Unlock()

	current := m.List()
	known := make(map[string]Credential, len(current))
	for _, c := range current {
		known[c.ID] = c
	}
	seen := make(map[string]struct{}, len(ids))
	ordered := make([]Credential, 0, len(current))
	for _, id := range ids {
		c, ok := known[id]
		if !ok {
			return fmt.Errorf("reorder: %w: %s", ErrNotFound, id)
		}
		if _, dup := seen[id]; dup {
			return fmt.Errorf("reorder: %w: duplicate id %s", ErrInvalid, id)
		}
		seen[id] = struct{}{}
		ordered = append(ordered, c)
	}
	for _, c := range current {
		if _, ok := seen[c.ID]; !ok {
			ordered = append(ordered, c)
		}
	}
	priorities := make(map[string]int, len(ordered))
	for i := range ordered {
		ordered[i].Priority = i
		priorities[ordered[i].ID] = i
	}
	if err := m.store.SetPriorities(ctx, priorities); err != nil {
		return fmt.Errorf("store priorities: %w", err)
	}
	m.replace(ordered)
	m.emitSync()
	return nil
}

// Close releases the store.
func (m *Manager) Close() error { return m.store.Close() }

func (m *Manager) replace(creds []Credential) {
	next := make([]Credential, len(creds))
	copy(next, creds)
	SortByPriority(next)
	m.mu.Lock()
	m.creds = next
	m.mu.Unlock()
}
