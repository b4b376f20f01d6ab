package storage

import (
	"context"
	"errors"
	"iter"
	"strings"
	"time"
)

// ErrInvalidKey is returned for keys that are empty or escape the store root
var ErrInvalidKey = errors.New("invalid object key")

// ObjectInfo describes a stored object
type ObjectInfo struct {
	Key          string
	Size         int64
	ContentType  string
	LastModified time.Time
}

// ImageStore is the object store holding pet image variants.
// Get and Head report a missing key as (nil, nil), not as an error.
type ImageStore interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Put(ctx context.Context, key string, data []byte, contentType string, metadata map[string]string) error
	Head(ctx context.Context, key string) (*ObjectInfo, error)
	ListByPrefix(ctx context.Context, prefix string) iter.Seq2[ObjectInfo, error]
	Close() error
}

func validateKey(key string) error {
	if key == "" || strings.HasPrefix(key, "/") {
		return ErrInvalidKey
	}
	for _, part := range strings.Split(key, "/") {
		if part == ".." {
			return ErrInvalidKey
		}
	}
	return nil
}
