// Package blobstore keeps content-addressed bytes. Backends store objects
// by SHA-256 digest; ContentStore adds the dedup index, integrity checks,
// write backpressure and garbage collection on top.
package blobstore

import (
	"context"
	"io"
)

// BlobPutResult describes one persisted blob payload.
type BlobPutResult struct {
	Digest    string
	SizeBytes int64
	BlobKey   string
	// Created is false when an object with the same digest already existed.
	Created bool
}

// BlobStore is the byte-storage abstraction used by ContentStore.
// Open returns models.ErrNotFound for a missing object.
type BlobStore interface {
	Put(ctx context.Context, r io.Reader) (BlobPutResult, error)
	Open(ctx context.Context, key string) (io.ReadCloser, error)
	Exists(ctx context.Context, key string) (bool, error)
	Delete(ctx context.Context, key string) error
	Key(digest string) string
	Backend() string
}
