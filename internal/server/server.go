// Package server assembles the HTTP surface: the workload proxy routed
// through the dispatcher, and the management API over the pool.
package server

import (
	"time"

	"copilot2api-go/internal/config"
	"copilot2api-go/internal/credential"
	"copilot2api-go/internal/events"
	"copilot2api-go/internal/health"
	"copilot2api-go/internal/probe"
	"copilot2api-go/internal/runtime"
	"copilot2api-go/internal/upstream"
	"copilot2api-go/internal/upstream/copilot"
	"copilot2api-go/internal/upstream/strategy"
	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

// manualProbeEvery spaces out full-pool probes requested over the management API.
const manualProbeEvery = 5 * time.Second

// Dependencies are the runtime services the server routes to.
type Dependencies struct {
	// Config returns the live configuration. Required.
	Config     func() *config.Config
	Accounts   *credential.Manager
	Registry   *health.Registry
	Selector   *strategy.Selector
	Prober     *probe.Prober
	Dispatcher *upstream.Dispatcher
	// Sessions is set when token exchange is enabled.
	Sessions *copilot.SessionTokens
	Hub      *events.Hub
	Tasks    *runtime.TaskManager
}

// Server owns the gin engine and the glue between components.
type Server struct {
	deps        Dependencies
	stream      *EventStream
	probeLimit  *rate.Limiter
	unsubscribe []func()
}

// New wires event subscriptions between components and returns the server.
func New(deps Dependencies) *Server {
	s := &Server{
		deps:       deps,
		stream:     NewEventStream(StreamOptions{}),
		probeLimit: rate.NewLimiter(rate.Every(manualProbeEvery), 1),
	}
	s.wire()
	return s
}

func (s *Server) cfg() *config.Config {
	if s.deps.Config == nil {
		return config.Defaults()
	}
	if c := s.deps.Config(); c != nil {
		return c
	}
	return config.Defaults()
}

// ApplyConfig pushes a reloaded configuration into the running components.
func (s *Server) ApplyConfig(cfg *config.Config) {
	if cfg == nil {
		return
	}
	def, max := cfg.Health.Bounds()
	s.deps.Registry.SetBounds(def, max)
	s.scheduleAutoProbe(cfg)
	log.WithFields(log.Fields{
		"component":        "server",
		"default_retry_ms": def.Milliseconds(),
		"max_retry_ms":     max.Milliseconds(),
		"auto_probe":       cfg.Probe.AutoProbeEnabled,
	}).Info("configuration applied")
}

// scheduleAutoProbe starts, reschedules or stops the periodic probe task.
func (s *Server) scheduleAutoProbe(cfg *config.Config) {
	if s.deps.Tasks == nil || s.deps.Prober == nil {
		return
	}
	interval := cfg.Probe.AutoProbeInterval()
	if !cfg.Probe.AutoProbeEnabled || interval <= 0 {
		if _, err := s.deps.Tasks.GetTask(runtime.AutoProbeTaskName); err == nil {
			_ = s.deps.Tasks.Stop(runtime.AutoProbeTaskName)
		}
		return
	}
	if err := s.deps.Tasks.Reschedule(runtime.AutoProbeTaskName, "probe every credential", interval,
		runtime.AutoProbe(s.deps.Prober, s.deps.Accounts)); err != nil {
		log.WithError(err).Warn("schedule auto-probe failed")
	}
}

// Engine builds the gin engine for the current configuration.
func (s *Server) Engine() *gin.Engine {
	return s.buildEngine(s.cfg())
}

// Close detaches subscriptions and disconnects stream clients.
func (s *Server) Close() {
	for _, fn := range s.unsubscribe {
		fn()
	}
	s.unsubscribe = nil
	s.stream.Close()
}
