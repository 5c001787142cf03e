package anchor

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"chainvault/internal/blobstore"
	"chainvault/internal/ledger"
	"chainvault/internal/lock"
	"chainvault/internal/models"
	"chainvault/internal/registry"
	"chainvault/internal/store"
)

type anchorFixture struct {
	svc     *Service
	reg     *registry.Registry
	content *blobstore.ContentStore
	ledger  *ledger.LocalLedger
	client  *ledger.Client
}

func newAnchorFixture(t *testing.T, batchSize int, cfg Config) anchorFixture {
	t.Helper()
	dir := t.TempDir()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	st, err := store.Open(filepath.Join(dir, "chainvault.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	cas, err := blobstore.NewLocalCAS(filepath.Join(dir, "blobs"))
	if err != nil {
		t.Fatalf("new local cas: %v", err)
	}
	l, err := ledger.OpenLocal(ledger.LocalConfig{Path: filepath.Join(dir, "ledger.db"), BatchSize: batchSize, BatchWindow: time.Hour}, logger)
	if err != nil {
		t.Fatalf("open ledger: %v", err)
	}
	t.Cleanup(func() { _ = l.Close() })

	client := ledger.NewClient(l, ledger.ClientConfig{
		PollInterval:    2 * time.Millisecond,
		FinalizeTimeout: 50 * time.Millisecond,
		RetryBase:       time.Millisecond,
		RetryMax:        2 * time.Millisecond,
	}, logger)
	locks := lock.NewKeyedMutex()
	content := blobstore.NewContentStore(cas, st, locks, blobstore.ContentConfig{}, logger)
	reg := registry.New(st, content, client, locks, logger)

	return anchorFixture{
		svc:     NewService(reg, client, cfg, logger),
		reg:     reg,
		content: content,
		ledger:  l,
		client:  client,
	}
}

func (f anchorFixture) newVersion(t *testing.T, name, data string) *models.Version {
	t.Helper()
	ctx := context.Background()
	blob, _, err := f.content.Put(ctx, strings.NewReader(data))
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	file, _, err := f.reg.FindOrCreateFile(ctx, "owner-1", name)
	if err != nil {
		t.Fatalf("file: %v", err)
	}
	v, err := f.reg.CreateVersion(ctx, file.ID, blob.Digest, registry.VersionMeta{SizeBytes: blob.SizeBytes})
	if err != nil {
		t.Fatalf("version: %v", err)
	}
	return v
}

func TestAnchorVersion(t *testing.T) {
	f := newAnchorFixture(t, 1, Config{})
	ctx := context.Background()
	v := f.newVersion(t, "a.txt", "alpha")

	anchored, err := f.svc.AnchorVersion(ctx, v.FileID, v.ID)
	if err != nil {
		t.Fatalf("anchor: %v", err)
	}
	if !anchored.Anchored() {
		t.Fatalf("expected receipt")
	}
	if err := ledger.VerifyProof(*anchored.Receipt, v.Digest); err != nil {
		t.Fatalf("receipt proof: %v", err)
	}

	again, err := f.svc.AnchorVersion(ctx, v.FileID, v.ID)
	if err != nil {
		t.Fatalf("anchor again: %v", err)
	}
	if again.Receipt.ID != anchored.Receipt.ID {
		t.Fatalf("anchoring an anchored version must be a no-op")
	}
}

func TestAnchorVersionStaysPendingWhenBlockNeverSeals(t *testing.T) {
	f := newAnchorFixture(t, 100, Config{})
	ctx := context.Background()
	v := f.newVersion(t, "slow.txt", "slow")

	_, err := f.svc.AnchorVersion(ctx, v.FileID, v.ID)
	if !errors.Is(err, models.ErrAnchorPending) {
		t.Fatalf("expected ErrAnchorPending, got %v", err)
	}
	current, err := f.reg.GetVersion(ctx, v.FileID, v.ID)
	if err != nil {
		t.Fatalf("get version: %v", err)
	}
	if current.Anchored() {
		t.Fatalf("version must stay pending")
	}

	if _, err := f.ledger.Seal(ctx); err != nil {
		t.Fatalf("seal: %v", err)
	}
	f.svc.ReconcileOnce(ctx)

	current, err = f.reg.GetVersion(ctx, v.FileID, v.ID)
	if err != nil {
		t.Fatalf("get version: %v", err)
	}
	if !current.Anchored() {
		t.Fatalf("expected late receipt to be attached by reconcile")
	}
}

func TestLateReceiptAttachesToEveryVersionWithDigest(t *testing.T) {
	f := newAnchorFixture(t, 100, Config{})
	ctx := context.Background()
	first := f.newVersion(t, "one.txt", "same bytes")
	second := f.newVersion(t, "two.txt", "same bytes")

	if _, err := f.svc.AnchorVersion(ctx, first.FileID, first.ID); !errors.Is(err, models.ErrAnchorPending) {
		t.Fatalf("expected pending, got %v", err)
	}
	if _, err := f.ledger.Seal(ctx); err != nil {
		t.Fatalf("seal: %v", err)
	}
	if err := f.svc.attachLateReceipts(ctx); err != nil {
		t.Fatalf("attach late receipts: %v", err)
	}
	for _, v := range []*models.Version{first, second} {
		current, err := f.reg.GetVersion(ctx, v.FileID, v.ID)
		if err != nil {
			t.Fatalf("get version: %v", err)
		}
		if !current.Anchored() {
			t.Fatalf("version %s should be anchored", v.ID)
		}
	}
}

func TestRunAnchorsEnqueuedVersions(t *testing.T) {
	f := newAnchorFixture(t, 1, Config{Workers: 2, ReconcileInterval: time.Hour})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.svc.Run(ctx) }()

	versions := []*models.Version{
		f.newVersion(t, "a.txt", "a"),
		f.newVersion(t, "b.txt", "b"),
		f.newVersion(t, "c.txt", "c"),
	}
	for _, v := range versions {
		f.svc.Enqueue(v.FileID, v.ID)
	}

	deadline := time.Now().Add(5 * time.Second)
	for _, v := range versions {
		for {
			current, err := f.reg.GetVersion(context.Background(), v.FileID, v.ID)
			if err != nil {
				t.Fatalf("get version: %v", err)
			}
			if current.Anchored() {
				break
			}
			if time.Now().After(deadline) {
				t.Fatalf("version %s was never anchored", v.ID)
			}
			time.Sleep(2 * time.Millisecond)
		}
	}

	cancel()
	if err := <-done; err != nil {
		t.Fatalf("run: %v", err)
	}
}

func TestEnqueueDeduplicatesAndSheds(t *testing.T) {
	f := newAnchorFixture(t, 1, Config{QueueSize: 1})
	if !f.svc.Enqueue("fl-1", "vr-1") {
		t.Fatalf("first enqueue should succeed")
	}
	if f.svc.Enqueue("fl-1", "vr-1") {
		t.Fatalf("duplicate enqueue should be ignored")
	}
	if f.svc.Enqueue("fl-1", "vr-2") {
		t.Fatalf("enqueue into a full queue should be shed")
	}
}

func TestReanchorReplacesStaleReceipt(t *testing.T) {
	f := newAnchorFixture(t, 1, Config{})
	ctx := context.Background()
	a := f.newVersion(t, "a.txt", "first block")
	b := f.newVersion(t, "b.txt", "second block")

	if _, err := f.svc.AnchorVersion(ctx, a.FileID, a.ID); err != nil {
		t.Fatalf("anchor a: %v", err)
	}
	anchoredB, err := f.svc.AnchorVersion(ctx, b.FileID, b.ID)
	if err != nil {
		t.Fatalf("anchor b: %v", err)
	}
	if anchoredB.Receipt.LedgerHeight != 2 {
		t.Fatalf("expected b at height 2, got %d", anchoredB.Receipt.LedgerHeight)
	}

	if _, err := f.ledger.Reorg(ctx, 1); err != nil {
		t.Fatalf("reorg: %v", err)
	}
	result, err := f.client.Verify(ctx, *anchoredB.Receipt, b.Digest)
	if err != nil || result != ledger.ResultStale {
		t.Fatalf("expected stale receipt after reorg, got %s (%v)", result, err)
	}

	refreshed, err := f.svc.Reanchor(ctx, b.FileID, b.ID)
	if err != nil {
		t.Fatalf("reanchor: %v", err)
	}
	if refreshed.Receipt.ID == anchoredB.Receipt.ID {
		t.Fatalf("expected a new receipt")
	}
	result, err = f.client.Verify(ctx, *refreshed.Receipt, b.Digest)
	if err != nil || result != ledger.ResultValid {
		t.Fatalf("expected new receipt to be valid, got %s (%v)", result, err)
	}

	history, err := f.reg.ReceiptHistory(ctx, b.FileID, b.ID)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(history) != 2 || history[0].SupersededAt == nil {
		t.Fatalf("expected superseded receipt in history, got %#v", history)
	}

	unchanged, err := f.svc.Reanchor(ctx, b.FileID, b.ID)
	if err != nil {
		t.Fatalf("reanchor valid: %v", err)
	}
	if unchanged.Receipt.ID != refreshed.Receipt.ID {
		t.Fatalf("reanchoring a valid receipt must be a no-op")
	}
}

func TestEnqueueReanchorReplacesStaleReceipt(t *testing.T) {
	f := newAnchorFixture(t, 1, Config{})
	ctx := context.Background()
	a := f.newVersion(t, "a.txt", "kept block")
	b := f.newVersion(t, "b.txt", "orphaned block")
	if _, err := f.svc.AnchorVersion(ctx, a.FileID, a.ID); err != nil {
		t.Fatalf("anchor a: %v", err)
	}
	anchoredB, err := f.svc.AnchorVersion(ctx, b.FileID, b.ID)
	if err != nil {
		t.Fatalf("anchor b: %v", err)
	}
	if _, err := f.ledger.Reorg(ctx, 2); err != nil {
		t.Fatalf("reorg: %v", err)
	}

	// A plain anchor job leaves an anchored version alone, stale or not.
	if !f.svc.Enqueue(b.FileID, b.ID) {
		t.Fatalf("enqueue should succeed")
	}
	f.svc.runJob(ctx, <-f.svc.queue)
	current, err := f.reg.GetVersion(ctx, b.FileID, b.ID)
	if err != nil {
		t.Fatalf("get version: %v", err)
	}
	if current.Receipt.ID != anchoredB.Receipt.ID {
		t.Fatalf("plain anchor job must not replace a receipt")
	}

	if !f.svc.EnqueueReanchor(b.FileID, b.ID) {
		t.Fatalf("enqueue reanchor should succeed")
	}
	j := <-f.svc.queue
	if !j.reanchor {
		t.Fatalf("expected a reanchor job")
	}
	f.svc.runJob(ctx, j)

	current, err = f.reg.GetVersion(ctx, b.FileID, b.ID)
	if err != nil {
		t.Fatalf("get version: %v", err)
	}
	if current.Receipt.ID == anchoredB.Receipt.ID {
		t.Fatalf("expected the stale receipt to be replaced")
	}
	result, err := f.client.Verify(ctx, *current.Receipt, b.Digest)
	if err != nil || result != ledger.ResultValid {
		t.Fatalf("expected replacement receipt to be valid, got %s (%v)", result, err)
	}

	// Pending versions are anchored by a reanchor job too.
	pending := f.newVersion(t, "c.txt", "never anchored")
	f.svc.EnqueueReanchor(pending.FileID, pending.ID)
	f.svc.runJob(ctx, <-f.svc.queue)
	if current, err = f.reg.GetVersion(ctx, pending.FileID, pending.ID); err != nil || !current.Anchored() {
		t.Fatalf("expected pending version to be anchored: %v", err)
	}
}

func TestSweepQueuesStaleVersions(t *testing.T) {
	f := newAnchorFixture(t, 1, Config{SweepBatch: 10})
	ctx := context.Background()
	v := f.newVersion(t, "a.txt", "sweep me")
	if _, err := f.svc.AnchorVersion(ctx, v.FileID, v.ID); err != nil {
		t.Fatalf("anchor: %v", err)
	}
	if _, err := f.ledger.Reorg(ctx, 1); err != nil {
		t.Fatalf("reorg: %v", err)
	}

	if err := f.svc.sweepStale(ctx); err != nil {
		t.Fatalf("sweep: %v", err)
	}
	select {
	case j := <-f.svc.queue:
		if j.versionID != v.ID || !j.reanchor {
			t.Fatalf("unexpected job %#v", j)
		}
	default:
		t.Fatalf("expected a reanchor job")
	}
}
