package models

import (
	"fmt"
	"strings"
	"time"
)

// Permission is the access level granted by a share token.
type Permission string

const (
	PermissionReadOnly     Permission = "read_only"
	PermissionReadDownload Permission = "read_download"
)

// ParsePermission normalizes and validates a permission value.
func ParsePermission(value string) (Permission, error) {
	normalized := Permission(strings.ToLower(strings.TrimSpace(value)))
	switch normalized {
	case "":
		return PermissionReadOnly, nil
	case PermissionReadOnly, PermissionReadDownload:
		return normalized, nil
	case "read-only":
		return PermissionReadOnly, nil
	case "read-download":
		return PermissionReadDownload, nil
	default:
		return "", fmt.Errorf("invalid permission %q", value)
	}
}

// ShareState is the derived lifecycle state of a share token.
type ShareState string

const (
	ShareActive    ShareState = "active"
	ShareExhausted ShareState = "exhausted"
	ShareExpired   ShareState = "expired"
	ShareRevoked   ShareState = "revoked"
)

// ShareToken grants time and use limited access to one version.
type ShareToken struct {
	ID             string     `json:"id"`
	FileID         string     `json:"file_id"`
	VersionID      string     `json:"version_id"`
	IssuerID       string     `json:"issuer_id"`
	Permission     Permission `json:"permission"`
	ExpiresAt      time.Time  `json:"expires_at"`
	MaxUses        int        `json:"max_uses"`
	UseCount       int        `json:"use_count"`
	RevokedAt      *time.Time `json:"revoked_at,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	LastRedeemedAt *time.Time `json:"last_redeemed_at,omitempty"`
}

// Revoked reports whether the token was revoked.
func (t ShareToken) Revoked() bool {
	return t.RevokedAt != nil
}

// State derives the lifecycle state at now. Revocation wins over
// expiry, and expiry wins over exhaustion.
func (t ShareToken) State(now time.Time) ShareState {
	switch {
	case t.Revoked():
		return ShareRevoked
	case !now.Before(t.ExpiresAt):
		return ShareExpired
	case t.UseCount >= t.MaxUses:
		return ShareExhausted
	default:
		return ShareActive
	}
}

// RemainingUses returns how many redemptions are left.
func (t ShareToken) RemainingUses() int {
	if t.UseCount >= t.MaxUses {
		return 0
	}
	return t.MaxUses - t.UseCount
}
