package storage

import (
	"context"
	"errors"

	"copilot2api-go/internal/credential"
	"copilot2api-go/internal/monitoring"
	"copilot2api-go/internal/monitoring/tracing"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// Instrument wraps a store with spans and the storage operations counter.
// A store that can watch for external edits keeps that ability.
func Instrument(inner credential.Store) credential.Store {
	if inner == nil {
		return nil
	}
	s := &instrumentedStore{Store: inner}
	if w, ok := inner.(credential.Watcher); ok {
		return &instrumentedWatcher{instrumentedStore: s, watcher: w}
	}
	return s
}

type instrumentedStore struct {
	credential.Store
}

type instrumentedWatcher struct {
	*instrumentedStore
	watcher credential.Watcher
}

func (w *instrumentedWatcher) Watch(ctx context.Context, onChange func()) error {
	return w.watcher.Watch(ctx, onChange)
}

func (i *instrumentedStore) List(ctx context.Context) ([]credential.Credential, error) {
	var out []credential.Credential
	err := i.instrument(ctx, "list", func(ctx context.Context) error {
		var err error
		out, err = i.Store.List(ctx)
		return err
	})
	return out, err
}

func (i *instrumentedStore) Upsert(ctx context.Context, c credential.Credential) error {
	return i.instrument(ctx, "upsert", func(ctx context.Context) error {
		return i.Store.Upsert(ctx, c)
	})
}

func (i *instrumentedStore) Delete(ctx context.Context, id string) error {
	return i.instrument(ctx, "delete", func(ctx context.Context) error {
		return i.Store.Delete(ctx, id)
	})
}

func (i *instrumentedStore) SetPriorities(ctx context.Context, priorities map[string]int) error {
	return i.instrument(ctx, "set_priorities", func(ctx context.Context) error {
		return i.Store.SetPriorities(ctx, priorities)
	})
}

func (i *instrumentedStore) instrument(ctx context.Context, op string, fn func(context.Context) error) error {
	backend := i.Store.Name()
	ctx, span := tracing.StartSpan(ctx, "storage", backend+"/"+op)
	span.SetAttributes(
		attribute.String("storage.backend", backend),
		attribute.String("storage.operation", op),
	)
	err := fn(ctx)
	result := "success"
	switch {
	case err == nil:
		span.SetStatus(codes.Ok, "")
	case errors.Is(err, credential.ErrNotFound):
		result = "not_found"
	default:
		result = "error"
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
	monitoring.StorageOperationsTotal.WithLabelValues(backend, op, result).Inc()
	return err
}
