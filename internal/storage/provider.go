package storage

import (
	"context"
	"errors"
	"io"
	"time"
)

var ErrObjectNotFound = errors.New("object not found")

type Object struct {
	Name string
	Size int64
}

// BlobStore holds opaque payloads: reference libraries, executor outputs,
// metadata documents and exported lookups.
type BlobStore interface {
	CreateBucket(ctx context.Context, bucket string) error

	// GetObject returns an error wrapping ErrObjectNotFound if the key does not exist.
	GetObject(ctx context.Context, bucket, key string) ([]byte, error)

	// PutObject replaces the object at key in a single operation, readers never
	// observe a partially written object.
	PutObject(ctx context.Context, bucket, key string, data io.Reader) error

	ListObjects(ctx context.Context, bucket, prefix string) ([]Object, error)

	PresignGet(ctx context.Context, bucket, key string, ttl time.Duration) (string, error)
}
