// Package registry records files, their versions and the anchor receipts
// attached to them. Writes for one file are serialized; reads are served
// straight from the store.
package registry

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"chainvault/internal/ledger"
	"chainvault/internal/lock"
	"chainvault/internal/models"
)

// Store is the persistence the registry needs. *store.Store implements it.
type Store interface {
	FindOrCreateFile(ctx context.Context, ownerID, name string, now time.Time) (*models.FileEntry, bool, error)
	GetFile(ctx context.Context, id string) (*models.FileEntry, error)
	ListFilesByOwner(ctx context.Context, ownerID string) ([]models.FileEntry, error)
	CreateVersion(ctx context.Context, version *models.Version) error
	GetVersion(ctx context.Context, fileID, versionID string) (*models.Version, error)
	GetVersionByID(ctx context.Context, versionID string) (*models.Version, error)
	ListVersions(ctx context.Context, fileID string) ([]models.Version, error)
	ListPendingVersions(ctx context.Context, limit int) ([]models.Version, error)
	ListVersionsByDigest(ctx context.Context, digest string) ([]models.Version, error)
	ListAnchoredVersions(ctx context.Context, afterID string, limit int) ([]models.Version, error)
	AttachReceipt(ctx context.Context, versionID, priorReceiptID string, receipt *models.AnchorReceipt, now time.Time) error
	ListReceiptHistory(ctx context.Context, versionID string) ([]models.AnchorReceipt, error)
}

// ContentChecker reports whether a digest is present in the content store.
type ContentChecker interface {
	Exists(ctx context.Context, digest string) (bool, error)
}

// ReceiptChecker decides whether an attached receipt may be replaced.
type ReceiptChecker interface {
	Verify(ctx context.Context, receipt models.AnchorReceipt, digest string) (ledger.Result, error)
}

// VersionMeta carries optional attributes of a new version.
type VersionMeta struct {
	SizeBytes int64
	MediaType string
}

// Registry owns files, versions and receipts.
type Registry struct {
	store    Store
	content  ContentChecker
	receipts ReceiptChecker
	locks    lock.Locker
	logger   *slog.Logger
	now      func() time.Time
}

// New wires a Registry. receipts may be nil, in which case an attached
// receipt is never replaced.
func New(st Store, content ContentChecker, receipts ReceiptChecker, locks lock.Locker, logger *slog.Logger) *Registry {
	if locks == nil {
		locks = lock.NewKeyedMutex()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		store:    st,
		content:  content,
		receipts: receipts,
		locks:    locks,
		logger:   logger.With("component", "registry"),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// FindOrCreateFile returns the owner's file called name, creating it if needed.
func (r *Registry) FindOrCreateFile(ctx context.Context, ownerID, name string) (*models.FileEntry, bool, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, false, fmt.Errorf("file name is required")
	}
	if strings.ContainsAny(name, "/\\\x00") {
		return nil, false, fmt.Errorf("file name must not contain path separators")
	}
	return r.store.FindOrCreateFile(ctx, ownerID, name, r.now())
}

// GetFile returns a file or models.ErrNotFound.
func (r *Registry) GetFile(ctx context.Context, fileID string) (*models.FileEntry, error) {
	file, err := r.store.GetFile(ctx, fileID)
	if err != nil {
		return nil, err
	}
	if file == nil {
		return nil, fmt.Errorf("file %s: %w", fileID, models.ErrNotFound)
	}
	return file, nil
}

// ListFiles lists an owner's files by name.
func (r *Registry) ListFiles(ctx context.Context, ownerID string) ([]models.FileEntry, error) {
	return r.store.ListFilesByOwner(ctx, ownerID)
}

// CreateVersion appends a version referencing digest. The digest must
// already be in the content store; otherwise models.ErrDanglingReference is
// returned and nothing is written. A malformed digest can never be present,
// so it matches both models.ErrDanglingReference and models.ErrInvalidDigest.
func (r *Registry) CreateVersion(ctx context.Context, fileID, digest string, meta VersionMeta) (*models.Version, error) {
	normalized, err := models.NormalizeDigest(digest)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", models.ErrDanglingReference, err)
	}
	ok, err := r.content.Exists(ctx, normalized)
	if err != nil {
		return nil, fmt.Errorf("check content: %w", err)
	}
	if !ok {
		return nil, fmt.Errorf("digest %s: %w", normalized, models.ErrDanglingReference)
	}

	unlock, err := r.locks.Lock(ctx, fileLockKey(fileID))
	if err != nil {
		return nil, err
	}
	defer unlock()

	version := &models.Version{
		FileID:    fileID,
		Digest:    normalized,
		SizeBytes: meta.SizeBytes,
		MediaType: strings.TrimSpace(meta.MediaType),
		CreatedAt: r.now(),
	}
	if err := r.store.CreateVersion(ctx, version); err != nil {
		return nil, err
	}
	r.logger.Debug("version created", "file_id", fileID, "version_id", version.ID, "seq", version.Seq, "digest", normalized)
	return version, nil
}

// GetVersion returns a version of fileID or models.ErrNotFound.
func (r *Registry) GetVersion(ctx context.Context, fileID, versionID string) (*models.Version, error) {
	version, err := r.store.GetVersion(ctx, fileID, versionID)
	if err != nil {
		return nil, err
	}
	if version == nil {
		return nil, fmt.Errorf("version %s: %w", versionID, models.ErrNotFound)
	}
	return version, nil
}

// ListVersions lists a file's versions by seq, newest last.
func (r *Registry) ListVersions(ctx context.Context, fileID string) ([]models.Version, error) {
	if _, err := r.GetFile(ctx, fileID); err != nil {
		return nil, err
	}
	return r.store.ListVersions(ctx, fileID)
}

// PendingVersions lists versions still waiting for a receipt, oldest first.
func (r *Registry) PendingVersions(ctx context.Context, limit int) ([]models.Version, error) {
	return r.store.ListPendingVersions(ctx, limit)
}

// VersionsByDigest lists every version whose content is digest.
func (r *Registry) VersionsByDigest(ctx context.Context, digest string) ([]models.Version, error) {
	return r.store.ListVersionsByDigest(ctx, digest)
}

// AnchoredVersions pages through anchored versions ordered by id.
func (r *Registry) AnchoredVersions(ctx context.Context, afterID string, limit int) ([]models.Version, error) {
	return r.store.ListAnchoredVersions(ctx, afterID, limit)
}

// ReceiptHistory lists every receipt attached to a version, including
// superseded ones.
func (r *Registry) ReceiptHistory(ctx context.Context, fileID, versionID string) ([]models.AnchorReceipt, error) {
	if _, err := r.GetVersion(ctx, fileID, versionID); err != nil {
		return nil, err
	}
	return r.store.ListReceiptHistory(ctx, versionID)
}

// AttachReceipt records receipt on a version. The receipt must be for the
// version's digest and its proof must reproduce its root. A version that is
// already anchored fails with models.ErrAlreadyAnchored unless the ledger
// reports its current receipt stale, in which case receipt replaces it.
func (r *Registry) AttachReceipt(ctx context.Context, fileID, versionID string, receipt models.AnchorReceipt) (*models.Version, error) {
	version, err := r.GetVersion(ctx, fileID, versionID)
	if err != nil {
		return nil, err
	}
	if receipt.Digest != version.Digest {
		return nil, fmt.Errorf("%w: receipt digest %s does not match version digest %s", models.ErrInvalidReceipt, receipt.Digest, version.Digest)
	}
	if err := ledger.VerifyProof(receipt, version.Digest); err != nil {
		return nil, fmt.Errorf("%w: %w", models.ErrInvalidReceipt, err)
	}

	// The ledger check may go over the network, so it runs without the file
	// lock. The store swap only succeeds if the receipt seen here is still
	// current.
	prior, err := r.replaceableReceipt(ctx, version, receipt)
	if err != nil {
		return nil, err
	}

	unlock, err := r.locks.Lock(ctx, fileLockKey(fileID))
	if err != nil {
		return nil, err
	}
	defer unlock()

	stored := receipt
	stored.ID = ""
	stored.SupersededAt = nil
	if err := r.store.AttachReceipt(ctx, versionID, prior, &stored, r.now()); err != nil {
		return nil, err
	}
	version.Receipt = &stored

	if prior != "" {
		r.logger.Info("stale receipt replaced", "file_id", fileID, "version_id", versionID, "old_receipt", prior, "new_receipt", stored.ID, "height", stored.LedgerHeight)
	} else {
		r.logger.Debug("receipt attached", "file_id", fileID, "version_id", versionID, "receipt_id", stored.ID, "height", stored.LedgerHeight)
	}
	return version, nil
}

// replaceableReceipt returns the id of the receipt that incoming may
// supersede, or "" when the version has none yet.
func (r *Registry) replaceableReceipt(ctx context.Context, version *models.Version, incoming models.AnchorReceipt) (string, error) {
	current := version.Receipt
	if current == nil {
		return "", nil
	}
	if current.Root == incoming.Root && current.LedgerHeight == incoming.LedgerHeight {
		return "", models.ErrAlreadyAnchored
	}
	if r.receipts == nil {
		return "", models.ErrAlreadyAnchored
	}
	result, err := r.receipts.Verify(ctx, *current, version.Digest)
	if err != nil {
		return "", fmt.Errorf("check current receipt: %w", err)
	}
	if result != ledger.ResultStale {
		return "", models.ErrAlreadyAnchored
	}
	return current.ID, nil
}

func fileLockKey(fileID string) string {
	return "file:" + fileID
}
