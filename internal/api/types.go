package api

import (
	"time"

	"chainvault/internal/models"
)

// ErrorResponse is a generic JSON error wrapper.
type ErrorResponse struct {
	Error     string `json:"error"`
	Code      string `json:"code,omitempty"`
	ErrorCode int    `json:"error_code,omitempty"`
	Reason    string `json:"reason,omitempty"`
}

// HealthResponse is returned by GET /health.
type HealthResponse struct {
	Status        string    `json:"status"`
	UptimeSeconds int64     `json:"uptime_seconds"`
	Timestamp     time.Time `json:"timestamp"`
}

// AuthCredentials is the body of register and login.
type AuthCredentials struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// AuthLoginResponse carries a session bearer token.
type AuthLoginResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
	Username  string    `json:"username"`
	Role      string    `json:"role"`
}

// AuthUser describes a registered account.
type AuthUser struct {
	ID        string    `json:"id"`
	Username  string    `json:"username"`
	Role      string    `json:"role"`
	CreatedAt time.Time `json:"created_at"`
}

// AuthMeResponse reports the caller's identity.
type AuthMeResponse struct {
	Authenticated bool   `json:"authenticated"`
	Username      string `json:"username,omitempty"`
	Role          string `json:"role,omitempty"`
	AuthType      string `json:"auth_type,omitempty"`
}

// Verification is the outcome of checking a version end to end.
type Verification struct {
	Status models.VerificationStatus `json:"status"`
	Detail string                    `json:"detail,omitempty"`
}

// BlobGCRequest drives POST /api/admin/gc.
type BlobGCRequest struct {
	BatchSize int  `json:"batch_size,omitempty"`
	DryRun    bool `json:"dry_run"`
}

// BlobGCResponse reports a GC pass.
type BlobGCResponse struct {
	CandidateCount int      `json:"candidate_count"`
	DeletedCount   int      `json:"deleted_count"`
	ReclaimedBytes int64    `json:"reclaimed_bytes"`
	Digests        []string `json:"digests"`
	DryRun         bool     `json:"dry_run"`
}

// AdminUser is an account as seen by administrators.
type AdminUser struct {
	ID        string    `json:"id"`
	Username  string    `json:"username"`
	Role      string    `json:"role"`
	Disabled  bool      `json:"disabled"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
	// Set by the list endpoint only.
	Files        int `json:"files"`
	ActiveShares int `json:"active_shares"`
}

// AdminUserCreateRequest provisions an account. Role defaults to "user".
type AdminUserCreateRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
	Role     string `json:"role,omitempty"`
}

type AdminUserSetDisabledRequest struct {
	Disabled bool `json:"disabled"`
}
