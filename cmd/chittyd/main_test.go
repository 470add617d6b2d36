package main

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chittyos/chittycore/pkg/auth"
	"github.com/chittyos/chittycore/pkg/contracts"
	"github.com/chittyos/chittycore/pkg/store"
)

func TestLogLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, logLevel("debug"))
	assert.Equal(t, slog.LevelWarn, logLevel("WARN"))
	assert.Equal(t, slog.LevelError, logLevel("Error"))
	assert.Equal(t, slog.LevelInfo, logLevel("INFO"))
	assert.Equal(t, slog.LevelInfo, logLevel("verbose"))
}

func TestSeedAPIKeysFromEnv(t *testing.T) {
	t.Setenv("API_KEYS", "tok-1:collector:service,broken-entry,tok-2:ops:admin|viewer")
	keys := auth.NewMemoryKeyStore()

	seedAPIKeys(keys, slog.New(slog.NewTextHandler(bytes.NewBuffer(nil), nil)))

	ctx := context.Background()
	key, err := keys.Lookup(ctx, "tok-1")
	require.NoError(t, err)
	assert.Equal(t, "collector", key.Name)
	assert.Equal(t, []string{"service"}, key.Roles)

	key, err = keys.Lookup(ctx, "tok-2")
	require.NoError(t, err)
	assert.Equal(t, []string{"admin", "viewer"}, key.Roles)

	_, err = keys.Lookup(ctx, "broken-entry")
	assert.Error(t, err)
}

func TestSeedAPIKeysIssuesBootstrapAdmin(t *testing.T) {
	t.Setenv("API_KEYS", "")
	keys := auth.NewMemoryKeyStore()
	var buf bytes.Buffer

	seedAPIKeys(keys, slog.New(slog.NewTextHandler(&buf, nil)))

	assert.Contains(t, buf.String(), "ephemeral admin token")
}

func TestIgnoreHeldLease(t *testing.T) {
	assert.NoError(t, ignoreHeldLease(nil))
	assert.NoError(t, ignoreHeldLease(contracts.NewFault(contracts.CodeStaleWrite, "scan lease held")))
	assert.Error(t, ignoreHeldLease(errors.New("backend gone")))
}

func TestKVStatusCache(t *testing.T) {
	cache := kvStatusCache{kv: store.NewMemoryKV()}
	ctx := context.Background()

	_, ok, err := cache.Get(ctx, "status")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, cache.Set(ctx, "status", "operational", time.Minute))
	got, ok, err := cache.Get(ctx, "status")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "operational", got)
}

func TestObjectBlobFetcher(t *testing.T) {
	objects := store.NewMemoryObjectStore()
	ctx := context.Background()
	require.NoError(t, objects.Put(ctx, store.VerifiedObjectKey("CID-1", "hash-1"), []byte("scan me"), "text/plain"))

	fetcher := objectBlobFetcher{objects: objects}
	got, err := fetcher.FetchContent(ctx, contracts.Document{ID: "CID-1", ContentHash: "hash-1"})
	require.NoError(t, err)
	assert.Equal(t, []byte("scan me"), got)
}
