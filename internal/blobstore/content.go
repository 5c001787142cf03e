package blobstore

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"io"
	"log/slog"
	"time"

	"chainvault/internal/lock"
	"chainvault/internal/models"
	"chainvault/internal/throttle"
)

// BlobIndex persists blob metadata rows. *store.Store implements it.
type BlobIndex interface {
	UpsertBlob(ctx context.Context, blob *models.Blob) (*models.Blob, bool, error)
	GetBlob(ctx context.Context, digest string) (*models.Blob, error)
	ListUnreferencedBlobs(ctx context.Context, olderThan time.Time, limit int) ([]models.Blob, error)
	DeleteUnreferencedBlob(ctx context.Context, digest string) (bool, error)
}

// ContentConfig tunes ContentStore.
type ContentConfig struct {
	MaxConcurrentWrites int
	WriteQueueDepth     int
	GCMinAge            time.Duration
}

// ContentStore is the deduplicating, integrity-checked content store.
// Objects and index rows for one digest are only changed under the
// "blob:<digest>" lock so an upload never races garbage collection.
type ContentStore struct {
	backend  BlobStore
	index    BlobIndex
	locks    lock.Locker
	gate     *throttle.Gate
	gcMinAge time.Duration
	logger   *slog.Logger
	now      func() time.Time
}

// NewContentStore wires a backend to its index.
func NewContentStore(backend BlobStore, index BlobIndex, locks lock.Locker, cfg ContentConfig, logger *slog.Logger) *ContentStore {
	if locks == nil {
		locks = lock.NewKeyedMutex()
	}
	if logger == nil {
		logger = slog.Default()
	}
	writes := cfg.MaxConcurrentWrites
	if writes <= 0 {
		writes = 4
	}
	minAge := cfg.GCMinAge
	if minAge <= 0 {
		minAge = time.Hour
	}
	return &ContentStore{
		backend:  backend,
		index:    index,
		locks:    locks,
		gate:     throttle.NewGate("content writes", writes, cfg.WriteQueueDepth),
		gcMinAge: minAge,
		logger:   logger.With("component", "content_store", "backend", backend.Backend()),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Backend names the storage backend in use.
func (s *ContentStore) Backend() string {
	return s.backend.Backend()
}

// Put stores the bytes of r and returns their blob. Storing bytes that are
// already present is a no-op that returns the existing digest with
// created=false. It fails with models.ErrOverloaded when the write queue
// is full.
func (s *ContentStore) Put(ctx context.Context, r io.Reader) (*models.Blob, bool, error) {
	if err := s.gate.Acquire(ctx); err != nil {
		return nil, false, err
	}
	defer s.gate.Release()

	res, err := s.backend.Put(ctx, r)
	if err != nil {
		return nil, false, fmt.Errorf("store blob: %w", err)
	}

	unlock, err := s.locks.Lock(ctx, blobLockKey(res.Digest))
	if err != nil {
		return nil, false, err
	}
	defer unlock()

	blob, inserted, err := s.index.UpsertBlob(ctx, &models.Blob{
		Digest:         res.Digest,
		SizeBytes:      res.SizeBytes,
		StorageBackend: s.backend.Backend(),
		BlobKey:        res.BlobKey,
		CreatedAt:      s.now(),
	})
	if err != nil {
		return nil, false, fmt.Errorf("index blob: %w", err)
	}

	if inserted && !res.Created {
		// The object predates this row, so a collection may have removed it
		// between the backend write and taking the lock.
		ok, err := s.backend.Exists(ctx, res.BlobKey)
		if err != nil {
			return nil, false, err
		}
		if !ok {
			if _, err := s.index.DeleteUnreferencedBlob(ctx, res.Digest); err != nil {
				s.logger.Error("drop orphaned blob row", "digest", res.Digest, "error", err)
			}
			return nil, false, fmt.Errorf("blob %s was collected during upload: %w", res.Digest, models.ErrOverloaded)
		}
	}

	if res.Created {
		s.logger.Debug("blob stored", "digest", blob.Digest, "size_bytes", blob.SizeBytes)
	}
	return blob, res.Created || inserted, nil
}

// Stat returns the blob row for digest.
func (s *ContentStore) Stat(ctx context.Context, digest string) (*models.Blob, error) {
	normalized, err := models.NormalizeDigest(digest)
	if err != nil {
		return nil, err
	}
	blob, err := s.index.GetBlob(ctx, normalized)
	if err != nil {
		return nil, err
	}
	if blob == nil {
		return nil, fmt.Errorf("blob %s: %w", normalized, models.ErrNotFound)
	}
	return blob, nil
}

// Exists reports whether digest is indexed and its object is present.
func (s *ContentStore) Exists(ctx context.Context, digest string) (bool, error) {
	blob, err := s.Stat(ctx, digest)
	if errors.Is(err, models.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return s.backend.Exists(ctx, s.backend.Key(blob.Digest))
}

// Open streams the content of digest. The reader re-hashes what it returns
// and fails with models.ErrIntegrity at EOF when the bytes do not match.
func (s *ContentStore) Open(ctx context.Context, digest string) (io.ReadCloser, *models.Blob, error) {
	blob, err := s.Stat(ctx, digest)
	if err != nil {
		return nil, nil, err
	}
	rc, err := s.backend.Open(ctx, s.backend.Key(blob.Digest))
	if err != nil {
		return nil, nil, err
	}
	return newVerifyingReader(rc, blob.Digest), blob, nil
}

// Get reads the whole content of digest into memory, re-hashing it.
func (s *ContentStore) Get(ctx context.Context, digest string) ([]byte, error) {
	rc, blob, err := s.Open(ctx, digest)
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	var buf bytes.Buffer
	buf.Grow(int(blob.SizeBytes))
	if _, err := io.Copy(&buf, rc); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Verify re-hashes the stored bytes of digest without buffering them.
func (s *ContentStore) Verify(ctx context.Context, digest string) error {
	rc, _, err := s.Open(ctx, digest)
	if err != nil {
		return err
	}
	defer rc.Close()
	if _, err := io.Copy(io.Discard, contextReader{ctx: ctx, r: rc}); err != nil {
		return err
	}
	return nil
}

// GCOptions controls one collection pass.
type GCOptions struct {
	BatchSize int
	Apply     bool
}

// GCReport summarizes one collection pass.
type GCReport struct {
	Candidates int      `json:"candidates"`
	Deleted    int      `json:"deleted"`
	FreedBytes int64    `json:"freed_bytes"`
	Digests    []string `json:"digests"`
	DryRun     bool     `json:"dry_run"`
}

// GC removes blobs that no version references and that are older than the
// configured minimum age. Without Apply it only reports candidates.
func (s *ContentStore) GC(ctx context.Context, opts GCOptions) (GCReport, error) {
	report := GCReport{DryRun: !opts.Apply, Digests: []string{}}
	candidates, err := s.index.ListUnreferencedBlobs(ctx, s.now().Add(-s.gcMinAge), opts.BatchSize)
	if err != nil {
		return report, fmt.Errorf("list unreferenced blobs: %w", err)
	}
	report.Candidates = len(candidates)

	for _, blob := range candidates {
		if !opts.Apply {
			report.Digests = append(report.Digests, blob.Digest)
			report.FreedBytes += blob.SizeBytes
			continue
		}
		deleted, err := s.collect(ctx, blob)
		if err != nil {
			return report, err
		}
		if deleted {
			report.Deleted++
			report.FreedBytes += blob.SizeBytes
			report.Digests = append(report.Digests, blob.Digest)
		}
	}

	if opts.Apply && report.Deleted > 0 {
		s.logger.Info("blob gc completed", "deleted", report.Deleted, "freed_bytes", report.FreedBytes)
	}
	return report, nil
}

func (s *ContentStore) collect(ctx context.Context, blob models.Blob) (bool, error) {
	unlock, err := s.locks.Lock(ctx, blobLockKey(blob.Digest))
	if err != nil {
		return false, err
	}
	defer unlock()

	deleted, err := s.index.DeleteUnreferencedBlob(ctx, blob.Digest)
	if err != nil {
		return false, fmt.Errorf("delete blob row %s: %w", blob.Digest, err)
	}
	if !deleted {
		return false, nil
	}
	if err := s.backend.Delete(ctx, s.backend.Key(blob.Digest)); err != nil {
		return false, fmt.Errorf("delete blob object %s: %w", blob.Digest, err)
	}
	return true, nil
}

func blobLockKey(digest string) string {
	return "blob:" + digest
}

// verifyingReader hashes everything it returns and checks the digest at EOF.
type verifyingReader struct {
	rc     io.ReadCloser
	h      hash.Hash
	digest string
	done   bool
}

func newVerifyingReader(rc io.ReadCloser, digest string) *verifyingReader {
	return &verifyingReader{rc: rc, h: sha256.New(), digest: digest}
}

func (v *verifyingReader) Read(p []byte) (int, error) {
	n, err := v.rc.Read(p)
	if n > 0 {
		v.h.Write(p[:n])
	}
	if err == io.EOF && !v.done {
		v.done = true
		if got := hex.EncodeToString(v.h.Sum(nil)); got != v.digest {
			return n, fmt.Errorf("%w: digest %s hashed to %s", models.ErrIntegrity, v.digest, got)
		}
	}
	return n, err
}

func (v *verifyingReader) Close() error {
	return v.rc.Close()
}
