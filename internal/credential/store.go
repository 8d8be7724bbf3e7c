package credential

import (
	"context"
	"sort"
)

// Store is the durable home of the credential list. Implementations must
// have committed a write before returning from it.
type Store interface {
	// Name identifies the backend in logs and metrics.
	Name() string
	// List returns every credential in ascending priority order.
	List(ctx context.Context) ([]Credential, error)
	Upsert(ctx context.Context, c Credential) error
	// Delete returns ErrNotFound for unknown ids.
	Delete(ctx context.Context, id string) error
	// SetPriorities rewrites the priority of each listed id in one operation.
	SetPriorities(ctx context.Context, priorities map[string]int) error
	Close() error
}

// Watcher is implemented by stores that can signal external modifications.
type Watcher interface {
	Watch(ctx context.Context, onChange func()) error
}

// SortByPriority orders credentials by priority, then creation time, then id,
// so the order stays total even when stored priorities collide.
func SortByPriority(creds []Credential) {
	sort.SliceStable(creds, func(i, j int) bool {
		a, b := creds[i], creds[j]
		if a.Priority != b.Priority {
			return a.Priority < b.Priority
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ID < b.ID
	})
}
