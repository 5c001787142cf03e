// Package verify checks a version end to end: stored bytes against the
// digest, then the digest's receipt against the ledger.
package verify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"chainvault/internal/ledger"
	"chainvault/internal/models"
)

// ContentVerifier re-hashes stored content.
type ContentVerifier interface {
	Verify(ctx context.Context, digest string) error
}

// ReceiptVerifier checks a receipt's proof and canonicality.
type ReceiptVerifier interface {
	Verify(ctx context.Context, receipt models.AnchorReceipt, digest string) (ledger.Result, error)
}

// Report is the outcome of VerifyVersion.
type Report struct {
	Status models.VerificationStatus `json:"status"`
	Detail string                    `json:"detail,omitempty"`
}

// Engine runs version verification.
type Engine struct {
	content  ContentVerifier
	receipts ReceiptVerifier
	logger   *slog.Logger
}

// NewEngine wires an Engine.
func NewEngine(content ContentVerifier, receipts ReceiptVerifier, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{content: content, receipts: receipts, logger: logger.With("component", "verify")}
}

// VerifyVersion reports valid, pending, stale or corrupt. An error is only
// returned when the check itself could not run, e.g. the ledger is
// unreachable or ctx is done.
func (e *Engine) VerifyVersion(ctx context.Context, version models.Version) (Report, error) {
	if err := e.content.Verify(ctx, version.Digest); err != nil {
		if errors.Is(err, models.ErrIntegrity) || errors.Is(err, models.ErrNotFound) {
			e.corrupt(version, err.Error())
			return Report{Status: models.VerificationCorrupt, Detail: "stored content does not match digest"}, nil
		}
		return Report{}, fmt.Errorf("verify content: %w", err)
	}

	if version.Receipt == nil {
		return Report{Status: models.VerificationPending, Detail: "awaiting anchor receipt"}, nil
	}

	result, err := e.receipts.Verify(ctx, *version.Receipt, version.Digest)
	if err != nil {
		return Report{}, fmt.Errorf("verify receipt: %w", err)
	}
	switch result {
	case ledger.ResultInvalid:
		e.corrupt(version, "receipt proof does not reproduce root")
		return Report{Status: models.VerificationCorrupt, Detail: "anchor proof invalid"}, nil
	case ledger.ResultStale:
		return Report{Status: models.VerificationStale, Detail: "anchored root is no longer canonical"}, nil
	default:
		return Report{Status: models.VerificationValid}, nil
	}
}

func (e *Engine) corrupt(version models.Version, reason string) {
	e.logger.Error("integrity fault",
		"file_id", version.FileID,
		"version_id", version.ID,
		"digest", version.Digest,
		"reason", reason,
	)
}
