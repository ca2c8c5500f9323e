package storage

import (
	"context"
	"io"
)

// MediaStore keeps uploaded binary media and hands back a retrieval URL.
type MediaStore interface {
	Put(ctx context.Context, key string, r io.Reader, size int64, contentType string) (string, error)
	Delete(ctx context.Context, key string) error
}
