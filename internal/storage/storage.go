// Package storage holds the durable credential stores. Every store keeps the
// pool as one ordered list and commits each write before returning.
package storage

import (
	"context"
	"fmt"
	"strings"
	"time"

	"copilot2api-go/internal/config"
	"copilot2api-go/internal/credential"
	log "github.com/sirupsen/logrus"
)

// Backend names accepted by storage.backend.
const (
	BackendFile     = "file"
	BackendRedis    = "redis"
	BackendPostgres = "postgres"
	BackendMongo    = "mongodb"
)

const defaultOpTimeout = 5 * time.Second

// withTimeout bounds ctx unless the caller already set a deadline.
func withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, defaultOpTimeout)
}

// Open connects the configured backend.
func Open(ctx context.Context, cfg config.StorageConfig) (credential.Store, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Backend)) {
	case "", BackendFile:
		return NewFileStore(cfg.AccountsFile, cfg.CompatFile), nil
	case BackendRedis:
		return NewRedisStore(ctx, RedisOptions{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
			Prefix:   cfg.RedisPrefix,
		})
	case BackendPostgres:
		return NewPostgresStore(ctx, cfg.PostgresDSN)
	case BackendMongo:
		return NewMongoStore(ctx, cfg.MongoURI, cfg.MongoDatabase)
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Backend)
	}
}

// OpenWithFallback opens the configured backend and, if that fails, the file
// store. The returned store is instrumented.
func OpenWithFallback(ctx context.Context, cfg config.StorageConfig) (credential.Store, error) {
	store, err := Open(ctx, cfg)
	if err != nil {
		if strings.EqualFold(cfg.Backend, BackendFile) || cfg.Backend == "" {
			return nil, err
		}
		log.WithError(err).WithField("backend", cfg.Backend).Warn("storage backend unavailable, falling back to file store")
		store = NewFileStore(cfg.AccountsFile, cfg.CompatFile)
	}
	return Instrument(store), nil
}
