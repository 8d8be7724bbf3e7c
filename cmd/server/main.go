package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"copilot2api-go/internal/config"
	"copilot2api-go/internal/logging"
	"copilot2api-go/internal/monitoring/tracing"
	"copilot2api-go/internal/version"
	log "github.com/sirupsen/logrus"
)

const shutdownTimeout = 15 * time.Second

func main() {
	configPath := flag.String("config", config.Locate(), "Path to configuration file")
	debug := flag.Bool("debug", false, "Enable debug mode")
	flag.Parse()

	if *debug {
		_ = os.Setenv("DEBUG", "true")
	}
	cfgMgr, err := config.NewManager(*configPath)
	if err != nil {
		log.WithError(err).Fatal("failed to load configuration")
	}
	if err := logging.Setup(cfgMgr.Get()); err != nil {
		log.WithError(err).Fatal("failed to configure logging")
	}
	defer logging.Close()

	traceShutdown, err := tracing.Init(context.Background(), tracing.Options{})
	if err != nil {
		log.WithError(err).Warn("failed to initialize tracing")
	}
	defer func() {
		if err := traceShutdown(context.Background()); err != nil {
			log.WithError(err).Warn("failed to shutdown tracing")
		}
	}()

	log.WithFields(log.Fields{"version": version.Version, "config": *configPath}).Info("starting copilot2api-go")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfgMgr)
	if err != nil {
		log.WithError(err).Fatal("startup failed")
	}

	errCh := make(chan error, 1)
	go func() { errCh <- a.serve() }()

	select {
	case <-ctx.Done():
		log.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil {
			log.WithError(err).Error("http server stopped")
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	a.shutdown(shutdownCtx)
	log.Info("server stopped")
}
