package models

import "time"

// FileEntry is a named, owned sequence of versions.
type FileEntry struct {
	ID        string    `json:"id"`
	OwnerID   string    `json:"owner_id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Version is one immutable revision of a file.
type Version struct {
	ID        string         `json:"id"`
	FileID    string         `json:"file_id"`
	Seq       int            `json:"seq"`
	Digest    string         `json:"digest"`
	SizeBytes int64          `json:"size_bytes"`
	MediaType string         `json:"media_type,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
	Receipt   *AnchorReceipt `json:"receipt,omitempty"`
}

// Anchored reports whether the version carries a receipt.
func (v Version) Anchored() bool {
	return v.Receipt != nil
}
