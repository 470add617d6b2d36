package store

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileObjectStoreRoundTrip(t *testing.T) {
	objects, err := NewFileObjectStore(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()

	key := VerifiedObjectKey("id-1", "hash-1")
	require.NoError(t, objects.Put(ctx, key, []byte("first"), "text/plain"))
	require.NoError(t, objects.Put(ctx, key, []byte("second"), "text/plain"))

	got, err := objects.Get(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, []byte("first"), got)

	exists, err := objects.Exists(ctx, key)
	require.NoError(t, err)
	assert.True(t, exists)

	require.NoError(t, objects.Delete(ctx, key))
	require.NoError(t, objects.Delete(ctx, key))
	_, err = objects.Get(ctx, key)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestFileObjectStoreRejectsHostileKeys(t *testing.T) {
	objects, err := NewFileObjectStore(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()

	assert.Error(t, objects.Put(ctx, "", []byte("x"), ""))
	assert.Error(t, objects.Put(ctx, "/etc/passwd", []byte("x"), ""))
	assert.Error(t, objects.Put(ctx, "a/../../b", []byte("x"), ""))
}

func TestFileObjectStoreListsByPrefix(t *testing.T) {
	dir := t.TempDir()
	objects, err := NewFileObjectStore(dir)
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, objects.Put(ctx, "errors/100/a.json", []byte("{}"), "application/json"))
	require.NoError(t, objects.Put(ctx, "errors/200/b.json", []byte("{}"), "application/json"))
	require.NoError(t, objects.Put(ctx, "verified/id-1/hash", []byte("doc"), "text/plain"))

	// A stray temp file must never surface as an object.
	require.NoError(t, os.WriteFile(filepath.Join(dir, "errors", "stale.tmp"), []byte("x"), 0o644))

	keys, err := objects.List(ctx, "errors/")
	require.NoError(t, err)
	assert.Equal(t, []string{"errors/100/a.json", "errors/200/b.json"}, keys)

	keys, err = objects.List(ctx, "missing/")
	require.NoError(t, err)
	assert.Empty(t, keys)
}

func TestFileObjectStoreSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	first, err := NewFileObjectStore(dir)
	require.NoError(t, err)
	require.NoError(t, first.Put(ctx, "verified/id-9/h", []byte("evidence"), "text/plain"))

	second, err := NewFileObjectStore(dir)
	require.NoError(t, err)
	got, err := second.Get(ctx, "verified/id-9/h")
	require.NoError(t, err)
	assert.Equal(t, []byte("evidence"), got)
}

func TestObjectStoreFromEnvDefaultsToFS(t *testing.T) {
	t.Setenv("OBJECT_STORAGE_TYPE", "")
	t.Setenv("DATA_DIR", t.TempDir())

	objects, err := ObjectStoreFromEnv(context.Background())
	require.NoError(t, err)
	assert.IsType(t, &FileObjectStore{}, objects)
}

func TestObjectStoreFromEnvMemory(t *testing.T) {
	t.Setenv("OBJECT_STORAGE_TYPE", "memory")

	objects, err := ObjectStoreFromEnv(context.Background())
	require.NoError(t, err)
	assert.IsType(t, &MemoryObjectStore{}, objects)
}

func TestObjectStoreFromEnvS3RequiresBucket(t *testing.T) {
	t.Setenv("OBJECT_STORAGE_TYPE", "s3")
	t.Setenv("OBJECT_S3_BUCKET", "")

	_, err := ObjectStoreFromEnv(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "OBJECT_S3_BUCKET")
}

func TestObjectStoreFromEnvRejectsUnknownBackend(t *testing.T) {
	t.Setenv("OBJECT_STORAGE_TYPE", "tape")

	_, err := ObjectStoreFromEnv(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "tape")
}
