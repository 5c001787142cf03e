package api

import (
	"time"

	"chainvault/internal/models"
)

// FileResponse describes a file and its newest version.
type FileResponse struct {
	ID            string           `json:"id"`
	OwnerID       string           `json:"owner_id"`
	Name          string           `json:"name"`
	CreatedAt     time.Time        `json:"created_at"`
	UpdatedAt     time.Time        `json:"updated_at"`
	VersionCount  int              `json:"version_count"`
	LatestVersion *VersionResponse `json:"latest_version,omitempty"`
}

// VersionResponse describes one version. AnchorStatus is pending until a
// receipt is attached.
type VersionResponse struct {
	ID           string                `json:"id"`
	FileID       string                `json:"file_id"`
	Seq          int                   `json:"seq"`
	Digest       string                `json:"digest"`
	SizeBytes    int64                 `json:"size_bytes"`
	MediaType    string                `json:"media_type,omitempty"`
	CreatedAt    time.Time             `json:"created_at"`
	AnchorStatus string                `json:"anchor_status"`
	Receipt      *models.AnchorReceipt `json:"receipt,omitempty"`
}

// UploadResponse is returned by file and version uploads.
type UploadResponse struct {
	File        FileResponse    `json:"file"`
	Version     VersionResponse `json:"version"`
	BlobCreated bool            `json:"blob_created"`
	FileCreated bool            `json:"file_created"`
}

// AnchorResponse reports a version's receipt, its verification and the
// receipts it replaced.
type AnchorResponse struct {
	Version      VersionResponse        `json:"version"`
	Verification Verification           `json:"verification"`
	History      []models.AnchorReceipt `json:"history"`
}
