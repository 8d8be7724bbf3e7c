package storage

import (
	"context"
	"testing"
	"time"

	"copilot2api-go/internal/credential"
	"github.com/stretchr/testify/require"
)

// exerciseStore runs the behaviour every backend must share.
func exerciseStore(t *testing.T, store credential.Store) {
	t.Helper()
	ctx := context.Background()
	base := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

	creds, err := store.List(ctx)
	require.NoError(t, err)
	require.Empty(t, creds)

	require.NoError(t, store.Upsert(ctx, credential.Credential{ID: "b", Token: "tok-b", Priority: 1, CreatedAt: base}))
	require.NoError(t, store.Upsert(ctx, credential.Credential{ID: "a", Token: "tok-a", Priority: 0, CreatedAt: base.Add(time.Second)}))
	require.NoError(t, store.Upsert(ctx, credential.Credential{ID: "c", Token: "tok-c", Domain: "ghe.example.com", Priority: 2, CreatedAt: base.Add(2 * time.Second)}))
	require.Error(t, store.Upsert(ctx, credential.Credential{ID: "bad"}))

	creds, err = store.List(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"a", "b", "c"}, ids(creds))
	require.Equal(t, "ghe.example.com", creds[2].Domain)
	require.True(t, base.Equal(creds[1].CreatedAt))

	require.NoError(t, store.Upsert(ctx, credential.Credential{ID: "a", Token: "tok-a2", Label: "primary", Priority: 0, CreatedAt: base.Add(time.Second)}))
	creds, err = store.List(ctx)
	require.NoError(t, err)
	require.Len(t, creds, 3)
	require.Equal(t, "tok-a2", creds[0].Token)
	require.Equal(t, "primary", creds[0].Label)

	require.NoError(t, store.SetPriorities(ctx, map[string]int{"c": 0, "a": 1, "b": 2}))
	creds, err = store.List(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"c", "a", "b"}, ids(creds))
	require.ErrorIs(t, store.SetPriorities(ctx, map[string]int{"missing": 0}), credential.ErrNotFound)

	require.NoError(t, store.Delete(ctx, "a"))
	require.ErrorIs(t, store.Delete(ctx, "a"), credential.ErrNotFound)
	creds, err = store.List(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"c", "b"}, ids(creds))
}

func ids(creds []credential.Credential) []string {
	out := make([]string, len(creds))
	for i, c := range creds {
		out[i] = c.ID
	}
	return out
}
