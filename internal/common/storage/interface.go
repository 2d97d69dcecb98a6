package storage

import (
	"context"
	"io"
)

// ObjectStorage is the artifact store behind execution logs and the static
// retrieval endpoint. Keys are slash-separated and relative to the backend root.
type ObjectStorage interface {
	// GetObject opens a reader for an object. Caller must close it.
	// Missing objects return an ObjectNotFound error.
	GetObject(ctx context.Context, objectKey string) (io.ReadCloser, ObjectStat, error)

	// PutObject stores sizeBytes read from reader under objectKey.
	PutObject(ctx context.Context, objectKey string, reader io.Reader, sizeBytes int64, contentType string) error

	// StatObject returns size and content type for an object.
	StatObject(ctx context.Context, objectKey string) (ObjectStat, error)
}

// ObjectStat contains object metadata.
type ObjectStat struct {
	SizeBytes   int64
	ETag        string
	ContentType string
}
