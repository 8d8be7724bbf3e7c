package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"copilot2api-go/internal/config"
	"copilot2api-go/internal/credential"
	"copilot2api-go/internal/events"
	"copilot2api-go/internal/health"
	"copilot2api-go/internal/logging"
	mw "copilot2api-go/internal/middleware"
	"copilot2api-go/internal/probe"
	"copilot2api-go/internal/runtime"
	"copilot2api-go/internal/server"
	"copilot2api-go/internal/storage"
	"copilot2api-go/internal/upstream"
	"copilot2api-go/internal/upstream/copilot"
	"copilot2api-go/internal/upstream/strategy"
	log "github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

// app holds every long-lived component of the service.
type app struct {
	cfg      *config.Manager
	accounts *credential.Manager
	tasks    *runtime.TaskManager
	server   *server.Server
	http     *http.Server
	cancel   context.CancelFunc
}

func newApp(parent context.Context, cfgMgr *config.Manager) (*app, error) {
	cfg := cfgMgr.Get()
	ctx, cancel := context.WithCancel(parent)

	store, err := storage.OpenWithFallback(ctx, cfg.Storage)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("open storage: %w", err)
	}
	hub := events.NewHub()
	cfgMgr.SetEventPublisher(hub)

	accounts := credential.NewManager(store)
	if err := accounts.Reload(ctx); err != nil {
		_ = accounts.Close()
		cancel()
		return nil, fmt.Errorf("load accounts: %w", err)
	}
	if err := accounts.Watch(ctx); err != nil {
		log.WithError(err).Warn("accounts store watch unavailable; external edits need a restart")
	}

	def, max := cfg.Health.Bounds()
	reg := health.NewRegistry(health.Options{DefaultRetry: def, MaxRetry: max})
	sel := strategy.NewSelector(accounts, reg)
	client := newUpstreamClient(cfg)

	prober := probe.New(reg, probe.Options{
		Client:    client,
		Endpoints: cfg.Upstream.Endpoints(),
		Identity:  cfg.Upstream.Identity(),
		Timeout:   cfg.Probe.Timeout(),
		Limiter:   probeLimiter(cfg.Probe),
		Publisher: hub,
	})

	var (
		sessions *copilot.SessionTokens
		tokens   copilot.TokenProvider
	)
	if cfg.Upstream.TokenExchange {
		sessions = copilot.NewSessionTokens(client, cfg.Upstream.Endpoints(), cfg.Upstream.Identity())
		tokens = sessions
	}
	dispatcher := upstream.NewDispatcher(sel, upstream.Options{
		Transport: client,
		Tokens:    tokens,
		Endpoints: cfg.Upstream.Endpoints(),
		Identity:  cfg.Upstream.Identity(),
		Publisher: hub,
	})

	tasks := runtime.NewTaskManager(ctx)
	srv := server.New(server.Dependencies{
		Config:     cfgMgr.Get,
		Accounts:   accounts,
		Registry:   reg,
		Selector:   sel,
		Prober:     prober,
		Dispatcher: dispatcher,
		Sessions:   sessions,
		Hub:        hub,
		Tasks:      tasks,
	})
	srv.ApplyConfig(cfg)
	cfgMgr.OnChange(func(next *config.Config) {
		if err := logging.Setup(next); err != nil {
			log.WithError(err).Warn("reconfigure logging failed")
		}
		err := mw.SafeCall(func() error {
			srv.ApplyConfig(next)
			return nil
		})
		if err != nil {
			log.WithError(err).Error("apply reloaded configuration")
		}
	})

	log.WithFields(log.Fields{
		"backend":        accounts.StoreName(),
		"accounts":       accounts.Len(),
		"token_exchange": cfg.Upstream.TokenExchange,
	}).Info("credential pool ready")

	return &app{
		cfg:      cfgMgr,
		accounts: accounts,
		tasks:    tasks,
		server:   srv,
		http: &http.Server{
			Addr:              cfg.Server.Addr(),
			Handler:           srv.Engine(),
			ReadHeaderTimeout: 10 * time.Second,
		},
		cancel: cancel,
	}, nil
}

// newUpstreamClient bounds the wait for response headers only; streamed
// bodies may run longer.
func newUpstreamClient(cfg *config.Config) *http.Client {
	tr := http.DefaultTransport.(*http.Transport).Clone()
	tr.ResponseHeaderTimeout = cfg.Server.UpstreamTimeout()
	tr.MaxIdleConnsPerHost = 32
	return &http.Client{Transport: tr}
}

func probeLimiter(p config.ProbeConfig) *rate.Limiter {
	if p.RPS <= 0 {
		return nil
	}
	burst := p.Burst
	if burst < 1 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(p.RPS), burst)
}

func (a *app) serve() error {
	log.WithField("addr", a.http.Addr).Info("listening")
	if err := a.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// shutdown drains HTTP traffic, then stops background work and releases the store.
func (a *app) shutdown(ctx context.Context) {
	if err := a.http.Shutdown(ctx); err != nil {
		log.WithError(err).Warn("http shutdown incomplete")
	}
	a.server.Close()
	if err := a.tasks.Shutdown(ctx); err != nil {
		log.WithError(err).Warn("background tasks did not stop in time")
	}
	a.cancel()
	if err := a.accounts.Close(); err != nil {
		log.WithError(err).Warn("close accounts store")
	}
	a.cfg.Close()
}
