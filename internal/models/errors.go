package models

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound          = errors.New("not found")
	ErrInvalidDigest     = errors.New("invalid digest")
	ErrDanglingReference = errors.New("digest is not present in the content store")
	ErrAlreadyAnchored   = errors.New("version already anchored")
	ErrIntegrity         = errors.New("content integrity check failed")
	ErrOverloaded        = errors.New("overloaded")
	ErrAnchorPending     = errors.New("anchor commit still pending")
	ErrNoSuchVersion     = errors.New("no such version")
	ErrUnanchored        = errors.New("version has no valid anchor receipt")
	ErrInvalidReceipt    = errors.New("invalid anchor receipt")
)

// DenyReason explains why a share redemption was refused.
type DenyReason string

const (
	DenyNotFound        DenyReason = "not_found"
	DenyRevoked         DenyReason = "revoked"
	DenyExpired         DenyReason = "expired"
	DenyExhausted       DenyReason = "exhausted"
	DenyIntegrityFailed DenyReason = "integrity_failed"
)

// DeniedError is returned when a share token cannot be redeemed.
type DeniedError struct {
	Reason DenyReason
}

func (e *DeniedError) Error() string {
	return fmt.Sprintf("share denied: %s", e.Reason)
}

// Denied builds a DeniedError for reason.
func Denied(reason DenyReason) error {
	return &DeniedError{Reason: reason}
}

// DenyReasonOf extracts the deny reason from err, if any.
func DenyReasonOf(err error) (DenyReason, bool) {
	var denied *DeniedError
	if errors.As(err, &denied) {
		return denied.Reason, true
	}
	return "", false
}

// DenyReasonForState maps a non-active share state to its deny reason.
func DenyReasonForState(state ShareState) DenyReason {
	switch state {
	case ShareRevoked:
		return DenyRevoked
	case ShareExpired:
		return DenyExpired
	case ShareExhausted:
		return DenyExhausted
	default:
		return ""
	}
}
