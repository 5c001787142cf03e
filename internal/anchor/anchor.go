// Package anchor moves versions from pending to anchored in the
// background and re-anchors versions whose receipts went stale.
package anchor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"chainvault/internal/ledger"
	"chainvault/internal/models"
)

// Registry is the part of the file registry the service drives.
type Registry interface {
	GetVersion(ctx context.Context, fileID, versionID string) (*models.Version, error)
	AttachReceipt(ctx context.Context, fileID, versionID string, receipt models.AnchorReceipt) (*models.Version, error)
	PendingVersions(ctx context.Context, limit int) ([]models.Version, error)
	VersionsByDigest(ctx context.Context, digest string) ([]models.Version, error)
	AnchoredVersions(ctx context.Context, afterID string, limit int) ([]models.Version, error)
}

// Committer commits digests and checks receipts. *ledger.Client implements it.
type Committer interface {
	Commit(ctx context.Context, digest string) (models.AnchorReceipt, error)
	Reconcile(ctx context.Context) (map[string]models.AnchorReceipt, error)
	Verify(ctx context.Context, receipt models.AnchorReceipt, digest string) (ledger.Result, error)
}

// Config tunes the background workers.
type Config struct {
	Workers           int
	QueueSize         int
	ReconcileInterval time.Duration
	PendingBatch      int
	SweepBatch        int
	CommitTimeout     time.Duration
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 2
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 256
	}
	if c.ReconcileInterval <= 0 {
		c.ReconcileInterval = 10 * time.Second
	}
	if c.PendingBatch <= 0 {
		c.PendingBatch = 100
	}
	if c.SweepBatch <= 0 {
		c.SweepBatch = 100
	}
	if c.CommitTimeout <= 0 {
		c.CommitTimeout = time.Minute
	}
	return c
}

type job struct {
	fileID    string
	versionID string
	reanchor  bool
}

// Service anchors versions asynchronously.
type Service struct {
	registry Registry
	client   Committer
	cfg      Config
	logger   *slog.Logger

	queue chan job

	mu          sync.Mutex
	queued      map[string]struct{}
	sweepCursor string
}

// NewService wires a Service. Call Run to start its workers.
func NewService(reg Registry, client Committer, cfg Config, logger *slog.Logger) *Service {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		registry: reg,
		client:   client,
		cfg:      cfg,
		logger:   logger.With("component", "anchor"),
		queue:    make(chan job, cfg.QueueSize),
		queued:   make(map[string]struct{}),
	}
}

// Enqueue hands a version to the workers without blocking. It reports false
// when the version is already queued or the queue is full; the reconcile
// loop picks such versions up later.
func (s *Service) Enqueue(fileID, versionID string) bool {
	return s.enqueue(job{fileID: fileID, versionID: versionID})
}

// EnqueueReanchor is Enqueue for a version that may hold a stale receipt.
// The job replaces the receipt if the ledger reports it stale and anchors
// the version if it is still pending.
func (s *Service) EnqueueReanchor(fileID, versionID string) bool {
	return s.enqueue(job{fileID: fileID, versionID: versionID, reanchor: true})
}

func (s *Service) enqueue(j job) bool {
	s.mu.Lock()
	if _, ok := s.queued[j.versionID]; ok {
		s.mu.Unlock()
		return false
	}
	s.queued[j.versionID] = struct{}{}
	s.mu.Unlock()

	select {
	case s.queue <- j:
		return true
	default:
		s.done(j.versionID)
		s.logger.Debug("anchor queue full", "version_id", j.versionID)
		return false
	}
}

func (s *Service) done(versionID string) {
	s.mu.Lock()
	delete(s.queued, versionID)
	s.mu.Unlock()
}

// AnchorVersion commits the version's digest and attaches the receipt. No
// lock is held while waiting for the ledger. A version that is already
// anchored is returned unchanged.
func (s *Service) AnchorVersion(ctx context.Context, fileID, versionID string) (*models.Version, error) {
	version, err := s.registry.GetVersion(ctx, fileID, versionID)
	if err != nil {
		return nil, err
	}
	if version.Anchored() {
		return version, nil
	}
	return s.commitAndAttach(ctx, version)
}

// Reanchor replaces a stale receipt with a fresh one. Versions whose receipt
// is still canonical are returned unchanged; pending versions are anchored.
func (s *Service) Reanchor(ctx context.Context, fileID, versionID string) (*models.Version, error) {
	version, err := s.registry.GetVersion(ctx, fileID, versionID)
	if err != nil {
		return nil, err
	}
	if !version.Anchored() {
		return s.commitAndAttach(ctx, version)
	}
	result, err := s.client.Verify(ctx, *version.Receipt, version.Digest)
	if err != nil {
		return nil, err
	}
	if result != ledger.ResultStale {
		return version, nil
	}
	s.logger.Info("re-anchoring stale version", "file_id", fileID, "version_id", versionID, "height", version.Receipt.LedgerHeight)
	return s.commitAndAttach(ctx, version)
}

func (s *Service) commitAndAttach(ctx context.Context, version *models.Version) (*models.Version, error) {
	receipt, err := s.client.Commit(ctx, version.Digest)
	if err != nil {
		return version, err
	}
	updated, err := s.registry.AttachReceipt(ctx, version.FileID, version.ID, receipt)
	if errors.Is(err, models.ErrAlreadyAnchored) {
		return s.registry.GetVersion(ctx, version.FileID, version.ID)
	}
	if err != nil {
		return version, fmt.Errorf("attach receipt: %w", err)
	}
	return updated, nil
}

// Run starts the workers and the reconcile loop and blocks until ctx is done.
func (s *Service) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < s.cfg.Workers; i++ {
		g.Go(func() error {
			s.work(gctx)
			return nil
		})
	}
	g.Go(func() error {
		ticker := time.NewTicker(s.cfg.ReconcileInterval)
		defer ticker.Stop()
		s.ReconcileOnce(gctx)
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-ticker.C:
				s.ReconcileOnce(gctx)
			}
		}
	})
	return g.Wait()
}

func (s *Service) work(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case j := <-s.queue:
			s.runJob(ctx, j)
		}
	}
}

func (s *Service) runJob(ctx context.Context, j job) {
	defer s.done(j.versionID)

	jobCtx, cancel := context.WithTimeout(ctx, s.cfg.CommitTimeout)
	defer cancel()

	var err error
	if j.reanchor {
		_, err = s.Reanchor(jobCtx, j.fileID, j.versionID)
	} else {
		_, err = s.AnchorVersion(jobCtx, j.fileID, j.versionID)
	}
	switch {
	case err == nil:
	case ctx.Err() != nil:
	case errors.Is(err, models.ErrAnchorPending), errors.Is(err, context.DeadlineExceeded):
		s.logger.Warn("anchor still pending", "file_id", j.fileID, "version_id", j.versionID, "error", err)
	case errors.Is(err, models.ErrOverloaded):
		s.logger.Debug("anchor deferred, ledger client saturated", "version_id", j.versionID)
	default:
		s.logger.Error("anchor failed", "file_id", j.fileID, "version_id", j.versionID, "error", err)
	}
}

// ReconcileOnce attaches late receipts, re-queues pending versions and
// sweeps one page of anchored versions for stale receipts.
func (s *Service) ReconcileOnce(ctx context.Context) {
	if err := s.attachLateReceipts(ctx); err != nil && ctx.Err() == nil {
		s.logger.Warn("reconcile outstanding submissions", "error", err)
	}

	pending, err := s.registry.PendingVersions(ctx, s.cfg.PendingBatch)
	if err != nil {
		if ctx.Err() == nil {
			s.logger.Error("list pending versions", "error", err)
		}
		return
	}
	for _, v := range pending {
		s.Enqueue(v.FileID, v.ID)
	}

	if err := s.sweepStale(ctx); err != nil && ctx.Err() == nil {
		s.logger.Warn("stale receipt sweep", "error", err)
	}
}

func (s *Service) attachLateReceipts(ctx context.Context) error {
	resolved, err := s.client.Reconcile(ctx)
	for digest, receipt := range resolved {
		versions, lerr := s.registry.VersionsByDigest(ctx, digest)
		if lerr != nil {
			return lerr
		}
		for _, v := range versions {
			if v.Anchored() {
				continue
			}
			_, aerr := s.registry.AttachReceipt(ctx, v.FileID, v.ID, receipt)
			if aerr != nil && !errors.Is(aerr, models.ErrAlreadyAnchored) {
				s.logger.Error("attach late receipt", "version_id", v.ID, "error", aerr)
				continue
			}
			if aerr == nil {
				s.logger.Info("late receipt attached", "file_id", v.FileID, "version_id", v.ID, "height", receipt.LedgerHeight)
			}
		}
	}
	return err
}

func (s *Service) sweepStale(ctx context.Context) error {
	s.mu.Lock()
	cursor := s.sweepCursor
	s.mu.Unlock()

	page, err := s.registry.AnchoredVersions(ctx, cursor, s.cfg.SweepBatch)
	if err != nil {
		return err
	}
	next := ""
	if len(page) == s.cfg.SweepBatch {
		next = page[len(page)-1].ID
	}
	s.mu.Lock()
	s.sweepCursor = next
	s.mu.Unlock()

	for _, v := range page {
		result, err := s.client.Verify(ctx, *v.Receipt, v.Digest)
		if err != nil {
			return err
		}
		switch result {
		case ledger.ResultStale:
			s.enqueue(job{fileID: v.FileID, versionID: v.ID, reanchor: true})
		case ledger.ResultInvalid:
			s.logger.Error("integrity fault", "file_id", v.FileID, "version_id", v.ID, "digest", v.Digest, "reason", "receipt proof invalid")
		}
	}
	return nil
}
