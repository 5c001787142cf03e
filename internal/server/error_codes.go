package server

const (
	// Validation (1xxx)
	ErrCodeInvalidArgument   = 1000
	ErrCodeInvalidJSON       = 1001
	ErrCodeRequestTooLarge   = 1002
	ErrCodeInvalidQuery      = 1003
	ErrCodeInvalidID         = 1004
	ErrCodeInvalidDigest     = 1005
	ErrCodeInvalidPermission = 1006
	ErrCodeInvalidTTL        = 1007
	ErrCodeInvalidUpload     = 1008
	ErrCodeMissingRequired   = 1009
	ErrCodeInvalidReceipt    = 1010
	ErrCodeLedgerRejected    = 1011

	// Domain state (2xxx)
	ErrCodeNotFound           = 2000
	ErrCodeVersionNotFound    = 2002
	ErrCodeShareNotFound      = 2003
	ErrCodeSubmissionNotFound = 2004
	ErrCodeBlockNotFound      = 2005
	ErrCodeConflict           = 2102
	ErrCodeDanglingReference  = 2103
	ErrCodeAlreadyAnchored    = 2104
	ErrCodeUnanchored         = 2105
	ErrCodeUsernameExists     = 2106
	ErrCodeUserOwnsFiles      = 2107
	ErrCodeShareRevoked       = 2201
	ErrCodeShareExpired       = 2202
	ErrCodeShareExhausted     = 2203
	ErrCodeIntegrityFailed    = 2204

	// Auth & limits (3xxx)
	ErrCodeUnauthorized       = 3001
	ErrCodeForbidden          = 3002
	ErrCodeResourceExhausted  = 3003
	ErrCodeOverloaded         = 3004
	ErrCodeRegistrationClosed = 3005

	// Internal/system (4xxx)
	ErrCodeInternal          = 4001
	ErrCodeStoreFailure      = 4002
	ErrCodeIntegrity         = 4003
	ErrCodeLedgerUnavailable = 4004
	ErrCodeNotImplemented    = 4005
)

func defaultErrorCodeByStatus(status int) int {
	switch status {
	case 400:
		return ErrCodeInvalidArgument
	case 401:
		return ErrCodeUnauthorized
	case 403:
		return ErrCodeForbidden
	case 404:
		return ErrCodeNotFound
	case 409:
		return ErrCodeConflict
	case 410:
		return ErrCodeShareExhausted
	case 413:
		return ErrCodeRequestTooLarge
	case 429:
		return ErrCodeResourceExhausted
	case 500:
		return ErrCodeInternal
	case 501:
		return ErrCodeNotImplemented
	case 503:
		return ErrCodeOverloaded
	default:
		return 0
	}
}
