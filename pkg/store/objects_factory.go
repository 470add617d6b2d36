package store

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
)

// ObjectBackend names one of the supported object storage backends.
type ObjectBackend string

const (
	ObjectBackendFS     ObjectBackend = "fs"
	ObjectBackendS3     ObjectBackend = "s3"
	ObjectBackendGCS    ObjectBackend = "gcs"
	ObjectBackendMemory ObjectBackend = "memory"
)

// ObjectStoreFromEnv selects an object store backend from the environment.
//
// Recognized variables:
//   - OBJECT_STORAGE_TYPE: "fs" (default), "s3", "gcs", or "memory"
//   - DATA_DIR: base directory for the fs backend (default "data")
//
// For S3:
//   - OBJECT_S3_BUCKET (required)
//   - OBJECT_S3_REGION or AWS_REGION (default "us-east-1")
//   - OBJECT_S3_ENDPOINT (optional, for MinIO/LocalStack/R2)
//   - OBJECT_S3_PREFIX (optional)
//
// For GCS:
//   - OBJECT_GCS_BUCKET (required)
//   - OBJECT_GCS_PREFIX (optional)
func ObjectStoreFromEnv(ctx context.Context) (ObjectStore, error) {
	backend := ObjectBackend(os.Getenv("OBJECT_STORAGE_TYPE"))
	if backend == "" {
		backend = ObjectBackendFS
	}

	switch backend {
	case ObjectBackendFS:
		dataDir := os.Getenv("DATA_DIR")
		if dataDir == "" {
			dataDir = "data"
		}
		return NewFileObjectStore(filepath.Join(dataDir, "objects"))
	case ObjectBackendS3:
		bucket := os.Getenv("OBJECT_S3_BUCKET")
		if bucket == "" {
			return nil, fmt.Errorf("store: OBJECT_S3_BUCKET is required for s3 storage")
		}
		region := os.Getenv("OBJECT_S3_REGION")
		if region == "" {
			region = os.Getenv("AWS_REGION")
		}
		if region == "" {
			region = "us-east-1"
		}
		return NewS3ObjectStore(ctx, S3Config{
			Bucket:   bucket,
			Region:   region,
			Endpoint: os.Getenv("OBJECT_S3_ENDPOINT"),
			Prefix:   os.Getenv("OBJECT_S3_PREFIX"),
		})
	case ObjectBackendGCS:
		bucket := os.Getenv("OBJECT_GCS_BUCKET")
		if bucket == "" {
			return nil, fmt.Errorf("store: OBJECT_GCS_BUCKET is required for gcs storage")
		}
		return NewGCSObjectStore(ctx, GCSConfig{
			Bucket: bucket,
			Prefix: os.Getenv("OBJECT_GCS_PREFIX"),
		})
	case ObjectBackendMemory:
		return NewMemoryObjectStore(), nil
	default:
		return nil, fmt.Errorf("store: unsupported object storage type %q", backend)
	}
}
