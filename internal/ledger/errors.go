package ledger

import "errors"

var (
	// ErrRejected is a deterministic refusal; retrying will not help.
	ErrRejected = errors.New("ledger: submission rejected")
	// ErrUnavailable is a transient failure worth retrying.
	ErrUnavailable = errors.New("ledger: unavailable")
	// ErrUnknownSubmission means the ledger has no record of a submission id.
	ErrUnknownSubmission = errors.New("ledger: unknown submission")
	// ErrBlockNotFound means no block exists at the requested height.
	ErrBlockNotFound = errors.New("ledger: block not found")
	// ErrChainCorrupt means stored blocks fail hash-chain or root checks.
	ErrChainCorrupt = errors.New("ledger: chain corrupt")
	// ErrProofMismatch means a receipt's proof does not reproduce its root.
	ErrProofMismatch = errors.New("ledger: merkle proof mismatch")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("ledger: closed")
)
