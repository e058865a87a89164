// Package storage provides the blob store holding raw uploaded files.
// Documents keep only a storage key; the bytes live in an S3-compatible
// bucket (MinIO in development). Keys are server-controlled and never derived
// from client input.
package storage

import (
	"context"
	"io"
)

// UploadKey returns the blob key for an upload id.
func UploadKey(uploadID string) string {
	return "uploads/" + uploadID
}

// BlobStore is the raw-file storage contract.
type BlobStore interface {
	// Put streams the object to the given key, overwriting any existing
	// object.
	Put(ctx context.Context, key string, body io.Reader, size int64, contentType string) error

	// Get opens the object for reading. The caller closes the reader.
	Get(ctx context.Context, key string) (io.ReadCloser, error)

	// Delete removes the object. Deleting a missing object is not an error.
	Delete(ctx context.Context, key string) error

	// Ping verifies the backing bucket is reachable, for readiness checks.
	Ping(ctx context.Context) error
}
