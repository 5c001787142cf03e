package server

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"strings"
	"time"

	"chainvault/internal/models"
	"chainvault/internal/registry"
	"chainvault/internal/verify"
)

const (
	maxFileNameLength    = 255
	fallbackMediaType    = "application/octet-stream"
	sniffLength          = 512
	defaultGCBatchSize   = 500
	anchorStatusPending  = "pending"
	anchorStatusAnchored = "anchored"
)

// ContentStore is what uploads and downloads need from the blob layer.
type ContentStore interface {
	Put(ctx context.Context, r io.Reader) (*models.Blob, bool, error)
	Open(ctx context.Context, digest string) (io.ReadCloser, *models.Blob, error)
}

// FileRegistry is the file and version catalog.
type FileRegistry interface {
	FindOrCreateFile(ctx context.Context, ownerID, name string) (*models.FileEntry, bool, error)
	GetFile(ctx context.Context, fileID string) (*models.FileEntry, error)
	ListFiles(ctx context.Context, ownerID string) ([]models.FileEntry, error)
	CreateVersion(ctx context.Context, fileID, digest string, meta registry.VersionMeta) (*models.Version, error)
	GetVersion(ctx context.Context, fileID, versionID string) (*models.Version, error)
	ListVersions(ctx context.Context, fileID string) ([]models.Version, error)
	ReceiptHistory(ctx context.Context, fileID, versionID string) ([]models.AnchorReceipt, error)
}

// Anchorer schedules or performs ledger anchoring.
type Anchorer interface {
	Enqueue(fileID, versionID string) bool
	EnqueueReanchor(fileID, versionID string) bool
	AnchorVersion(ctx context.Context, fileID, versionID string) (*models.Version, error)
	Reanchor(ctx context.Context, fileID, versionID string) (*models.Version, error)
}

// VersionVerifier checks a version end to end.
type VersionVerifier interface {
	VerifyVersion(ctx context.Context, version models.Version) (verify.Report, error)
}

// FileService orchestrates uploads, downloads and anchoring for owners.
type FileService struct {
	content    ContentStore
	registry   FileRegistry
	anchors    Anchorer
	verifier   VersionVerifier
	logger     *slog.Logger
	anchorWait time.Duration
}

// UploadInput describes one upload. FileID appends to an existing file;
// otherwise Name selects or creates the owner's file.
type UploadInput struct {
	Name      string
	FileID    string
	MediaType string
	Content   io.Reader
	Wait      bool
}

// UploadResult reports what an upload created.
type UploadResult struct {
	File        models.FileEntry
	Version     models.Version
	BlobCreated bool
	FileCreated bool
}

// FileSummary is a file with its newest version.
type FileSummary struct {
	File         models.FileEntry
	VersionCount int
	Latest       *models.Version
}

// AnchorInfo is a version with its verification and receipt history.
type AnchorInfo struct {
	Version      models.Version
	Verification verify.Report
	History      []models.AnchorReceipt
}

// NewFileService wires a FileService.
func NewFileService(content ContentStore, reg FileRegistry, anchors Anchorer, verifier VersionVerifier, logger *slog.Logger) *FileService {
	if logger == nil {
		logger = slog.Default()
	}
	return &FileService{
		content:    content,
		registry:   reg,
		anchors:    anchors,
		verifier:   verifier,
		logger:     logger.With("component", "files"),
		anchorWait: anchorWaitTimeout,
	}
}

// Upload stores content, records a new version and schedules its anchor.
// With Wait it blocks until the receipt is attached or the wait runs out;
// a version still pending after that is returned without error.
func (s *FileService) Upload(ctx context.Context, p principal, in UploadInput) (*UploadResult, error) {
	if in.Content == nil {
		return nil, badRequestCode(fmt.Errorf("file content is required"), ErrCodeInvalidUpload)
	}
	mediaType, err := normalizeMediaType(in.MediaType)
	if err != nil {
		return nil, err
	}

	var (
		file    *models.FileEntry
		name    string
		created bool
	)
	if in.FileID != "" {
		if file, err = s.ownedFile(ctx, p, in.FileID); err != nil {
			return nil, err
		}
	} else if name, err = normalizeFileName(in.Name); err != nil {
		return nil, err
	}

	reader := bufio.NewReaderSize(in.Content, sniffLength)
	if mediaType == "" {
		head, _ := reader.Peek(sniffLength)
		mediaType = sniffMediaType(head)
	}

	blob, blobCreated, err := s.content.Put(ctx, reader)
	if err != nil {
		return nil, err
	}
	if file == nil {
		file, created, err = s.registry.FindOrCreateFile(ctx, p.OwnerID, name)
		if err != nil {
			return nil, storeFailure(err)
		}
	}
	version, err := s.registry.CreateVersion(ctx, file.ID, blob.Digest, registry.VersionMeta{
		SizeBytes: blob.SizeBytes,
		MediaType: mediaType,
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("version uploaded",
		"owner_id", p.OwnerID,
		"file_id", file.ID,
		"version_id", version.ID,
		"seq", version.Seq,
		"digest", version.Digest,
		"size_bytes", version.SizeBytes,
	)

	if in.Wait {
		version = s.anchorNow(ctx, version)
	} else {
		s.anchors.Enqueue(version.FileID, version.ID)
	}

	return &UploadResult{File: *file, Version: *version, BlobCreated: blobCreated, FileCreated: created}, nil
}

// anchorNow anchors inline and falls back to the queue on any failure.
func (s *FileService) anchorNow(ctx context.Context, version *models.Version) *models.Version {
	waitCtx, cancel := context.WithTimeout(ctx, s.anchorWait)
	defer cancel()

	anchored, err := s.anchors.AnchorVersion(waitCtx, version.FileID, version.ID)
	if err == nil {
		return anchored
	}
	level := slog.LevelWarn
	if errors.Is(err, models.ErrAnchorPending) || errors.Is(err, context.DeadlineExceeded) {
		level = slog.LevelInfo
	}
	s.logger.Log(ctx, level, "inline anchor incomplete; queued", "version_id", version.ID, "error", err)
	s.anchors.Enqueue(version.FileID, version.ID)
	return version
}

// ListFiles returns the caller's files with their newest versions.
func (s *FileService) ListFiles(ctx context.Context, p principal) ([]FileSummary, error) {
	files, err := s.registry.ListFiles(ctx, p.OwnerID)
	if err != nil {
		return nil, storeFailure(err)
	}
	out := make([]FileSummary, 0, len(files))
	for _, file := range files {
		summary, err := s.summarize(ctx, file)
		if err != nil {
			return nil, err
		}
		out = append(out, summary)
	}
	return out, nil
}

// GetFile returns one of the caller's files.
func (s *FileService) GetFile(ctx context.Context, p principal, fileID string) (FileSummary, error) {
	file, err := s.ownedFile(ctx, p, fileID)
	if err != nil {
		return FileSummary{}, err
	}
	return s.summarize(ctx, *file)
}

func (s *FileService) summarize(ctx context.Context, file models.FileEntry) (FileSummary, error) {
	versions, err := s.registry.ListVersions(ctx, file.ID)
	if err != nil {
		return FileSummary{}, err
	}
	summary := FileSummary{File: file, VersionCount: len(versions)}
	if n := len(versions); n > 0 {
		summary.Latest = &versions[n-1]
	}
	return summary, nil
}

// ListVersions lists a file's versions oldest first.
func (s *FileService) ListVersions(ctx context.Context, p principal, fileID string) ([]models.Version, error) {
	if _, err := s.ownedFile(ctx, p, fileID); err != nil {
		return nil, err
	}
	return s.registry.ListVersions(ctx, fileID)
}

// GetVersion returns one version of a caller's file.
func (s *FileService) GetVersion(ctx context.Context, p principal, fileID, versionID string) (*models.Version, error) {
	if _, err := s.ownedFile(ctx, p, fileID); err != nil {
		return nil, err
	}
	return s.registry.GetVersion(ctx, fileID, versionID)
}

// Content verifies a version and opens its bytes. Corrupt versions are
// refused; pending and stale ones are served with their report.
func (s *FileService) Content(ctx context.Context, p principal, fileID, versionID string) (io.ReadCloser, *models.Version, verify.Report, error) {
	version, err := s.GetVersion(ctx, p, fileID, versionID)
	if err != nil {
		return nil, nil, verify.Report{}, err
	}
	report, err := s.verifier.VerifyVersion(ctx, *version)
	if err != nil {
		return nil, nil, verify.Report{}, err
	}
	if report.Status == models.VerificationCorrupt {
		return nil, nil, report, fmt.Errorf("version %s: %s: %w", version.ID, report.Detail, models.ErrIntegrity)
	}
	rc, _, err := s.content.Open(ctx, version.Digest)
	if err != nil {
		return nil, nil, report, err
	}
	return rc, version, report, nil
}

// AnchorInfo verifies a version and lists its receipts.
func (s *FileService) AnchorInfo(ctx context.Context, p principal, fileID, versionID string) (*AnchorInfo, error) {
	version, err := s.GetVersion(ctx, p, fileID, versionID)
	if err != nil {
		return nil, err
	}
	return s.anchorInfo(ctx, version)
}

// Anchor anchors a pending version or re-anchors a stale one. Without wait
// the version is only queued.
func (s *FileService) Anchor(ctx context.Context, p principal, fileID, versionID string, wait bool) (*AnchorInfo, error) {
	version, err := s.GetVersion(ctx, p, fileID, versionID)
	if err != nil {
		return nil, err
	}
	if !wait {
		s.anchors.EnqueueReanchor(fileID, versionID)
		return s.anchorInfo(ctx, version)
	}

	waitCtx, cancel := context.WithTimeout(ctx, s.anchorWait)
	defer cancel()
	updated, err := s.anchors.Reanchor(waitCtx, fileID, versionID)
	switch {
	case err == nil:
		version = updated
	case errors.Is(err, models.ErrAnchorPending), errors.Is(err, context.DeadlineExceeded):
		s.anchors.EnqueueReanchor(fileID, versionID)
	default:
		return nil, err
	}
	return s.anchorInfo(ctx, version)
}

func (s *FileService) anchorInfo(ctx context.Context, version *models.Version) (*AnchorInfo, error) {
	report, err := s.verifier.VerifyVersion(ctx, *version)
	if err != nil {
		return nil, err
	}
	history, err := s.registry.ReceiptHistory(ctx, version.FileID, version.ID)
	if err != nil {
		return nil, err
	}
	return &AnchorInfo{Version: *version, Verification: report, History: history}, nil
}

// ownedFile hides files the caller may not manage behind not found.
func (s *FileService) ownedFile(ctx context.Context, p principal, fileID string) (*models.FileEntry, error) {
	file, err := s.registry.GetFile(ctx, fileID)
	if err != nil {
		return nil, err
	}
	if !p.canManage(file.OwnerID) {
		return nil, fmt.Errorf("file %s: %w", fileID, models.ErrNotFound)
	}
	return file, nil
}

func normalizeFileName(raw string) (string, error) {
	name := strings.TrimSpace(raw)
	switch {
	case name == "":
		return "", badRequestCode(fmt.Errorf("file name is required"), ErrCodeMissingRequired)
	case len(name) > maxFileNameLength:
		return "", badRequestCode(fmt.Errorf("file name must be at most %d bytes", maxFileNameLength), ErrCodeInvalidArgument)
	case strings.ContainsAny(name, "/\\\x00"), name == ".", name == "..":
		return "", badRequestCode(fmt.Errorf("file name must not contain path separators"), ErrCodeInvalidArgument)
	}
	return name, nil
}

func normalizeMediaType(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", nil
	}
	parsed, _, err := mime.ParseMediaType(raw)
	if err != nil {
		return "", badRequestCode(fmt.Errorf("invalid media_type"), ErrCodeInvalidArgument)
	}
	return strings.ToLower(parsed), nil
}

func sniffMediaType(head []byte) string {
	if len(head) == 0 {
		return fallbackMediaType
	}
	parsed, _, err := mime.ParseMediaType(http.DetectContentType(head))
	if err != nil {
		return fallbackMediaType
	}
	return parsed
}

func anchorStatus(version models.Version) string {
	if version.Anchored() {
		return anchorStatusAnchored
	}
	return anchorStatusPending
}
