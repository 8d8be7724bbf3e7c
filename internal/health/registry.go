package health

import (
	"sync"
	"time"
)

const (
	// DefaultRetry is applied when a rate-limit signal carries no usable retry-after.
	// It is also the floor: shorter windows are raised to it.
	DefaultRetry = 60 * time.Second
	// MaxRetry caps any rate-limit window.
	MaxRetry = 10 * time.Minute

	MaxScore         = 100
	rateLimitPenalty = 10
	recoveryBonus    = 10
	successBonus     = 1
)

// Record is the process-local health estimate of one credential.
type Record struct {
	ID                  string    `json:"id"`
	Score               int       `json:"score"`
	RateLimitedUntil    time.Time `json:"rate_limited_until"`
	LastSuccess         time.Time `json:"last_success"`
	LastFailure         time.Time `json:"last_failure"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
}

// RateLimited reports whether a rate-limit window is recorded (expired or not).
func (r Record) RateLimited() bool { return !r.RateLimitedUntil.IsZero() }

// Options configures a Registry. Zero values fall back to package defaults.
type Options struct {
	DefaultRetry time.Duration
	MaxRetry     time.Duration
	// Now overrides the clock (tests).
	Now func() time.Time
	// Observer is called after every mutation with a copy of the new record.
	// It runs outside the per-credential lock.
	Observer func(Record)
}

type entry struct {
	mu      sync.Mutex
	rec     Record
	removed bool
}

// Registry holds one Record per credential id. Updates to a record are
// serialized by that record's own lock; unrelated credentials never contend.
type Registry struct {
	records sync.Map // id -> *entry

	mu           sync.RWMutex
	defaultRetry time.Duration
	maxRetry     time.Duration
	observer     func(Record)
	now          func() time.Time
}

// NewRegistry constructs an empty registry.
func NewRegistry(opts Options) *Registry {
	r := &Registry{now: opts.Now, observer: opts.Observer}
	if r.now == nil {
		r.now = time.Now
	}
	r.SetBounds(opts.DefaultRetry, opts.MaxRetry)
	return r
}

// SetBounds replaces the rate-limit clamp bounds. Non-positive values reset
// to the package defaults; a ceiling below the default is raised to it.
func (r *Registry) SetBounds(defaultRetry, maxRetry time.Duration) {
	if defaultRetry <= 0 {
		defaultRetry = DefaultRetry
	}
	if maxRetry <= 0 {
		maxRetry = MaxRetry
	}
	if maxRetry < defaultRetry {
		maxRetry = defaultRetry
	}
	r.mu.Lock()
	r.defaultRetry = defaultRetry
	r.maxRetry = maxRetry
	r.mu.Unlock()
}

// Bounds returns the current default and maximum rate-limit windows.
func (r *Registry) Bounds() (time.Duration, time.Duration) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.defaultRetry, r.maxRetry
}

// SetObserver replaces the mutation observer.
func (r *Registry) SetObserver(fn func(Record)) {
	r.mu.Lock()
	r.observer = fn
	r.mu.Unlock()
}

func (r *Registry) notify(rec Record) {
	r.mu.RLock()
	fn := r.observer
	r.mu.RUnlock()
	if fn != nil {
		fn(rec)
	}
}

func (r *Registry) clamp(d time.Duration) time.Duration {
	def, max := r.Bounds()
	if d < def {
		return def
	}
	if d > max {
		return max
	}
	return d
}

// update runs fn on the live record for id under its lock, creating the
// record on first touch. It retries when it races with Reset.
func (r *Registry) update(id string, fn func(rec *Record, now time.Time) bool) Record {
	for {
		v, _ := r.records.LoadOrStore(id, &entry{rec: Record{ID: id, Score: MaxScore}})
		e := v.(*entry)
		e.mu.Lock()
		if e.removed {
			e.mu.Unlock()
			continue
		}
		changed := fn(&e.rec, r.now())
		out := e.rec
		e.mu.Unlock()
		if changed {
			r.notify(out)
		}
		return out
	}
}

// GetOrCreate returns the record for id, creating a fully healthy one if needed.
func (r *Registry) GetOrCreate(id string) Record {
	return r.update(id, func(*Record, time.Time) bool { return false })
}

// Get returns the record for id without creating it.
func (r *Registry) Get(id string) (Record, bool) {
	v, ok := r.records.Load(id)
	if !ok {
		return Record{}, false
	}
	e := v.(*entry)
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.removed {
		return Record{}, false
	}
	return e.rec, true
}

// MarkRateLimited opens a rate-limit window of retryAfter, clamped into the
// configured bounds (a non-positive value means absent).
func (r *Registry) MarkRateLimited(id string, retryAfter time.Duration) Record {
	delay := r.clamp(retryAfter)
	return r.update(id, func(rec *Record, now time.Time) bool {
		rec.RateLimitedUntil = now.Add(delay)
		rec.Score -= rateLimitPenalty
		if rec.Score < 0 {
			rec.Score = 0
		}
		rec.ConsecutiveFailures++
		rec.LastFailure = now
		return true
	})
}

// MarkSuccess credits a successful call. An open rate-limit window is left alone.
func (r *Registry) MarkSuccess(id string) Record {
	return r.update(id, func(rec *Record, now time.Time) bool {
		rec.Score += successBonus
		if rec.Score > MaxScore {
			rec.Score = MaxScore
		}
		rec.LastSuccess = now
		rec.ConsecutiveFailures = 0
		return true
	})
}

// Availability reports whether id may be used now. An expired window is
// cleared in the same critical section and grants the recovery bonus.
func (r *Registry) Availability(id string) (Record, bool) {
	available := false
	rec := r.update(id, func(rec *Record, now time.Time) bool {
		if rec.RateLimitedUntil.IsZero() {
			available = true
			return false
		}
		if now.Before(rec.RateLimitedUntil) {
			return false
		}
		rec.RateLimitedUntil = time.Time{}
		rec.Score += recoveryBonus
		if rec.Score > MaxScore {
			rec.Score = MaxScore
		}
		available = true
		return true
	})
	return rec, available
}

// IsAvailable is Availability without the record.
func (r *Registry) IsAvailable(id string) bool {
	_, ok := r.Availability(id)
	return ok
}

// Reset deletes the record for id. The next touch starts from a fresh record.
func (r *Registry) Reset(id string) {
	v, ok := r.records.Load(id)
	if !ok {
		return
	}
	e := v.(*entry)
	e.mu.Lock()
	e.removed = true
	r.records.CompareAndDelete(id, e)
	e.mu.Unlock()
}

// Snapshot returns a copy of every record.
func (r *Registry) Snapshot() map[string]Record {
	out := make(map[string]Record)
	r.records.Range(func(k, v any) bool {
		e := v.(*entry)
		e.mu.Lock()
		if !e.removed {
			out[k.(string)] = e.rec
		}
		e.mu.Unlock()
		return true
	})
	return out
}
