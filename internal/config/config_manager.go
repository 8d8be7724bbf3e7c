package config

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"time"

	"copilot2api-go/internal/events"
	"github.com/fsnotify/fsnotify"
	log "github.com/sirupsen/logrus"
)

// Manager owns the live configuration and reloads it when the file changes.
type Manager struct {
	mu        sync.RWMutex
	cfg       *Config
	path      string
	lastMod   time.Time
	onChange  []func(*Config)
	publisher events.Publisher

	stopCh   chan struct{}
	stopOnce sync.Once
}

// ConfigChangeEvent is the payload broadcast when configuration changes.
type ConfigChangeEvent struct {
	Path      string    `json:"path"`
	UpdatedAt time.Time `json:"updated_at"`
	Config    Config    `json:"config"`
}

// NewManager loads path and, when the file exists, starts watching it.
func NewManager(path string) (*Manager, error) {
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}
	m := &Manager{cfg: cfg, path: path, stopCh: make(chan struct{})}
	if path == "" {
		log.Warn("using default configuration (no config file found)")
		return m, nil
	}
	if info, err := os.Stat(path); err == nil {
		m.lastMod = info.ModTime()
		log.WithField("path", path).Info("configuration loaded")
		m.startWatcher()
	} else {
		log.WithField("path", path).Warn("config file not found, using defaults and environment")
	}
	return m, nil
}

// Get returns a copy of the current configuration.
func (m *Manager) Get() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	cp := *m.cfg
	return &cp
}

func (m *Manager) Path() string { return m.path }

// OnChange registers a callback invoked after every successful reload.
func (m *Manager) OnChange(fn func(*Config)) {
	m.mu.Lock()
	m.onChange = append(m.onChange, fn)
	m.mu.Unlock()
}

// SetEventPublisher wires the event hub used to broadcast config updates.
func (m *Manager) SetEventPublisher(p events.Publisher) {
	m.mu.Lock()
	m.publisher = p
	m.mu.Unlock()
}

// Reload re-reads the file unconditionally and notifies listeners.
func (m *Manager) Reload() error {
	cfg, err := Load(m.path)
	if err != nil {
		return err
	}
	if res := cfg.Validate(); !res.Valid {
		return res.Errors[0]
	}
	m.mu.Lock()
	old := m.cfg
	m.cfg = cfg
	if info, err := os.Stat(m.path); err == nil {
		m.lastMod = info.ModTime()
	}
	callbacks := append([]func(*Config){}, m.onChange...)
	publisher := m.publisher
	m.mu.Unlock()

	logConfigChanges(old, cfg)
	for _, fn := range callbacks {
		cp := *cfg
		fn(&cp)
	}
	if publisher != nil {
		publisher.Publish(context.Background(), events.TopicConfigUpdated, ConfigChangeEvent{
			Path:      m.path,
			UpdatedAt: time.Now().UTC(),
			Config:    cfg.Redacted(),
		}, nil)
	}
	return nil
}

// Close stops the watcher.
func (m *Manager) Close() {
	m.stopOnce.Do(func() { close(m.stopCh) })
}

func (m *Manager) startWatcher() {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		log.WithError(err).Warn("failed to create file watcher, falling back to polling")
		m.startPollingWatcher()
		return
	}
	// Watch the directory too so atomic renames are seen.
	if err := watcher.Add(filepath.Dir(m.path)); err != nil {
		log.WithError(err).WithField("path", m.path).Warn("failed to watch config directory, falling back to polling")
		watcher.Close()
		m.startPollingWatcher()
		return
	}
	target := filepath.Clean(m.path)
	log.WithField("path", m.path).Info("file watcher started using fsnotify")

	go func() {
		defer watcher.Close()
		var debounce *time.Timer
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != target || !event.Has(fsnotify.Write|fsnotify.Create|fsnotify.Rename) {
					continue
				}
				if debounce != nil {
					debounce.Stop()
				}
				debounce = time.AfterFunc(100*time.Millisecond, m.checkAndReload)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.WithError(err).Warn("file watcher error")
			case <-m.stopCh:
				if debounce != nil {
					debounce.Stop()
				}
				return
			}
		}
	}()
}

// startPollingWatcher is a fallback when fsnotify is not available
func (m *Manager) startPollingWatcher() {
	ticker := time.NewTicker(5 * time.Second)
	log.WithField("interval", "5s").Info("file watcher started using polling")
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				m.checkAndReload()
			case <-m.stopCh:
				return
			}
		}
	}()
}

func (m *Manager) checkAndReload() {
	info, err := os.Stat(m.path)
	if err != nil {
		return
	}
	m.mu.RLock()
	changed := !info.ModTime().Equal(m.lastMod)
	m.mu.RUnlock()
	if !changed {
		return
	}
	if err := m.Reload(); err != nil {
		log.WithError(err).WithField("path", m.path).Warn("failed to reload config")
	}
}

func logConfigChanges(old, cur *Config) {
	if old == nil || cur == nil {
		return
	}
	changed := func(field string, a, b any) {
		if a != b {
			log.WithFields(log.Fields{"field": field, "old": a, "new": b}).Info("config changed")
		}
	}
	changed("security.debug", old.Security.Debug, cur.Security.Debug)
	changed("health.default_retry_ms", old.Health.DefaultRetryMS, cur.Health.DefaultRetryMS)
	changed("health.max_retry_ms", old.Health.MaxRetryMS, cur.Health.MaxRetryMS)
	changed("probe.auto_probe_enabled", old.Probe.AutoProbeEnabled, cur.Probe.AutoProbeEnabled)
	changed("probe.auto_probe_interval_min", old.Probe.AutoProbeIntervalMin, cur.Probe.AutoProbeIntervalMin)
	changed("rate_limit.enabled", old.RateLimit.Enabled, cur.RateLimit.Enabled)
	changed("storage.backend", old.Storage.Backend, cur.Storage.Backend)
}
