package store

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

// FileObjectStore keeps objects as plain files under a base directory.
// Suitable for single-node deployments that need durability without an
// object-store service. Writes go through a temp file and rename, so a
// crash never leaves a half-written object behind.
type FileObjectStore struct {
	baseDir string
	mu      sync.RWMutex
}

// NewFileObjectStore creates the base directory if needed.
func NewFileObjectStore(baseDir string) (*FileObjectStore, error) {
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, fmt.Errorf("store: ensure object dir: %w", err)
	}
	return &FileObjectStore{baseDir: baseDir}, nil
}

func (f *FileObjectStore) path(key string) (string, error) {
	if err := validObjectKey(key); err != nil {
		return "", err
	}
	return filepath.Join(f.baseDir, filepath.FromSlash(key)), nil
}

// Put implements ObjectStore. An existing object under the same key is left
// untouched. The content type is not persisted; nothing reads it back from
// this backend.
func (f *FileObjectStore) Put(_ context.Context, key string, data []byte, _ string) error {
	path, err := f.path(key)
	if err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, err := os.Stat(path); err == nil {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("store: ensure object dir: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("store: write object: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("store: commit object: %w", err)
	}
	return nil
}

// Get implements ObjectStore.
func (f *FileObjectStore) Get(_ context.Context, key string) ([]byte, error) {
	path, err := f.path(key)
	if err != nil {
		return nil, err
	}
	f.mu.RLock()
	defer f.mu.RUnlock()
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: read object: %w", err)
	}
	return data, nil
}

// Exists implements ObjectStore.
func (f *FileObjectStore) Exists(_ context.Context, key string) (bool, error) {
	path, err := f.path(key)
	if err != nil {
		return false, err
	}
	f.mu.RLock()
	defer f.mu.RUnlock()
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("store: stat object: %w", err)
	}
	return true, nil
}

// Delete implements ObjectStore. Deleting an absent key is not an error.
func (f *FileObjectStore) Delete(_ context.Context, key string) error {
	path, err := f.path(key)
	if err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("store: delete object: %w", err)
	}
	return nil
}

// List implements ObjectStore. Temp files from in-flight writes are skipped.
func (f *FileObjectStore) List(_ context.Context, prefix string) ([]string, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	var keys []string
	err := filepath.WalkDir(f.baseDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || strings.HasSuffix(path, ".tmp") {
			return nil
		}
		rel, err := filepath.Rel(f.baseDir, path)
		if err != nil {
			return err
		}
		key := filepath.ToSlash(rel)
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
		return nil
	})
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: list objects: %w", err)
	}
	sort.Strings(keys)
	return keys, nil
}
