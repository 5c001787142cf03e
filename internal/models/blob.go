package models

import "time"

// Blob is an immutable content object addressed by its SHA-256 digest.
type Blob struct {
	Digest         string    `json:"digest"`
	SizeBytes      int64     `json:"size_bytes"`
	StorageBackend string    `json:"storage_backend"`
	BlobKey        string    `json:"blob_key"`
	CreatedAt      time.Time `json:"created_at"`
}
