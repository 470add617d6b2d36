package store

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"cloud.google.com/go/storage"
	"google.golang.org/api/iterator"
)

// GCSObjectStore implements ObjectStore on Google Cloud Storage.
type GCSObjectStore struct {
	client *storage.Client
	bucket string
	prefix string
}

// GCSConfig holds connection settings for GCSObjectStore.
type GCSConfig struct {
	Bucket string
	Prefix string // optional key prefix
}

// NewGCSObjectStore creates a GCS-backed object store using application
// default credentials.
func NewGCSObjectStore(ctx context.Context, cfg GCSConfig) (*GCSObjectStore, error) {
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("store: create GCS client: %w", err)
	}
	return &GCSObjectStore{client: client, bucket: cfg.Bucket, prefix: cfg.Prefix}, nil
}

// Put implements ObjectStore. An existing object under the same key is left
// untouched.
func (s *GCSObjectStore) Put(ctx context.Context, key string, data []byte, contentType string) error {
	if err := validObjectKey(key); err != nil {
		return err
	}
	obj := s.client.Bucket(s.bucket).Object(s.prefix + key)
	if _, err := obj.Attrs(ctx); err == nil {
		return nil
	}

	if contentType == "" {
		contentType = "application/octet-stream"
	}
	w := obj.NewWriter(ctx)
	w.ContentType = contentType
	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return fmt.Errorf("store: gcs write %s: %w", key, err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("store: gcs close %s: %w", key, err)
	}
	return nil
}

// Get implements ObjectStore.
func (s *GCSObjectStore) Get(ctx context.Context, key string) ([]byte, error) {
	reader, err := s.client.Bucket(s.bucket).Object(s.prefix + key).NewReader(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("store: gcs get %s: %w", key, err)
	}
	defer func() { _ = reader.Close() }()

	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("store: gcs read %s: %w", key, err)
	}
	return data, nil
}

// Exists implements ObjectStore.
func (s *GCSObjectStore) Exists(ctx context.Context, key string) (bool, error) {
	_, err := s.client.Bucket(s.bucket).Object(s.prefix + key).Attrs(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("store: gcs attrs %s: %w", key, err)
	}
	return true, nil
}

// Delete implements ObjectStore.
func (s *GCSObjectStore) Delete(ctx context.Context, key string) error {
	err := s.client.Bucket(s.bucket).Object(s.prefix + key).Delete(ctx)
	if err != nil && !errors.Is(err, storage.ErrObjectNotExist) {
		return fmt.Errorf("store: gcs delete %s: %w", key, err)
	}
	return nil
}

// List implements ObjectStore. The store prefix is stripped from returned
// keys so callers see the same namespace they wrote.
func (s *GCSObjectStore) List(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	it := s.client.Bucket(s.bucket).Objects(ctx, &storage.Query{Prefix: s.prefix + prefix})
	for {
		attrs, err := it.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("store: gcs list %s: %w", prefix, err)
		}
		keys = append(keys, strings.TrimPrefix(attrs.Name, s.prefix))
	}
	return keys, nil
}

// Close releases the underlying GCS client.
func (s *GCSObjectStore) Close() error {
	return s.client.Close()
}
