package models

// VerificationStatus is the outcome of verifying a version end to end.
type VerificationStatus string

const (
	VerificationValid   VerificationStatus = "valid"
	VerificationPending VerificationStatus = "pending"
	VerificationStale   VerificationStatus = "stale"
	VerificationCorrupt VerificationStatus = "corrupt"
)
