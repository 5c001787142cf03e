package api

import (
	"time"

	"chainvault/internal/models"
)

// ShareCreateRequest is the body of POST /api/share. TTL is a Go duration
// string such as "36h".
type ShareCreateRequest struct {
	FileID     string `json:"file_id"`
	VersionID  string `json:"version_id"`
	Permission string `json:"permission,omitempty"`
	TTL        string `json:"ttl,omitempty"`
	MaxUses    int    `json:"max_uses,omitempty"`
}

// ShareResponse describes a share token. Link is only set on creation.
type ShareResponse struct {
	ID             string            `json:"id"`
	Link           string            `json:"link,omitempty"`
	FileID         string            `json:"file_id"`
	VersionID      string            `json:"version_id"`
	Permission     models.Permission `json:"permission"`
	State          models.ShareState `json:"state"`
	ExpiresAt      time.Time         `json:"expires_at"`
	MaxUses        int               `json:"max_uses"`
	UseCount       int               `json:"use_count"`
	RemainingUses  int               `json:"remaining_uses"`
	RevokedAt      *time.Time        `json:"revoked_at,omitempty"`
	CreatedAt      time.Time         `json:"created_at"`
	LastRedeemedAt *time.Time        `json:"last_redeemed_at,omitempty"`
}

// Headers set on a successful redemption.
const (
	HeaderDigest       = "X-Chainvault-Digest"
	HeaderVerification = "X-Chainvault-Verification"
	HeaderVersionID    = "X-Chainvault-Version"
	HeaderUsesLeft     = "X-Chainvault-Uses-Remaining"
)
