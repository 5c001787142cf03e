package registry

import (
	"context"
	"encoding/hex"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"chainvault/internal/blobstore"
	"chainvault/internal/ledger"
	"chainvault/internal/lock"
	"chainvault/internal/models"
	"chainvault/internal/store"
)

type fakeChecker struct {
	mu       sync.Mutex
	result   ledger.Result
	calls    int
	onVerify func()
}

func (f *fakeChecker) Verify(ctx context.Context, receipt models.AnchorReceipt, digest string) (ledger.Result, error) {
	f.mu.Lock()
	f.calls++
	result, hook := f.result, f.onVerify
	f.mu.Unlock()
	if hook != nil {
		hook()
	}
	return result, nil
}

type registryFixture struct {
	reg     *Registry
	content *blobstore.ContentStore
	st      *store.Store
	checker *fakeChecker
}

func newRegistryFixture(t *testing.T) registryFixture {
	t.Helper()
	dir := t.TempDir()
	st, err := store.Open(filepath.Join(dir, "chainvault.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	cas, err := blobstore.NewLocalCAS(filepath.Join(dir, "blobs"))
	if err != nil {
		t.Fatalf("new local cas: %v", err)
	}
	locks := lock.NewKeyedMutex()
	content := blobstore.NewContentStore(cas, st, locks, blobstore.ContentConfig{}, nil)
	checker := &fakeChecker{result: ledger.ResultValid}
	return registryFixture{
		reg:     New(st, content, checker, locks, nil),
		content: content,
		st:      st,
		checker: checker,
	}
}

func (f registryFixture) upload(t *testing.T, data string) *models.Blob {
	t.Helper()
	blob, _, err := f.content.Put(context.Background(), strings.NewReader(data))
	if err != nil {
		t.Fatalf("put content: %v", err)
	}
	return blob
}

// receiptFor builds a receipt proving digest as leaf index of a block made
// of digest plus the extra leaves.
func receiptFor(t *testing.T, digest string, height uint64, extra ...string) models.AnchorReceipt {
	t.Helper()
	leaves := [][]byte{}
	raw, _ := hex.DecodeString(digest)
	leaves = append(leaves, raw)
	for _, e := range extra {
		leaves = append(leaves, ledger.DoubleHash([]byte(e)))
	}
	proof, err := ledger.BuildProof(leaves, 0)
	if err != nil {
		t.Fatalf("build proof: %v", err)
	}
	encoded := make([]string, len(proof))
	for i, p := range proof {
		encoded[i] = hex.EncodeToString(p)
	}
	return models.AnchorReceipt{
		Digest:       digest,
		Ledger:       "local",
		LedgerHeight: height,
		LeafIndex:    0,
		Root:         hex.EncodeToString(ledger.BuildRoot(leaves)),
		Proof:        encoded,
	}
}

func TestCreateVersionRejectsDanglingDigest(t *testing.T) {
	f := newRegistryFixture(t)
	ctx := context.Background()

	file, created, err := f.reg.FindOrCreateFile(ctx, "owner-1", "report.pdf")
	if err != nil || !created {
		t.Fatalf("create file: %v created=%v", err, created)
	}

	missing := strings.Repeat("ab", 32)
	if _, err := f.reg.CreateVersion(ctx, file.ID, missing, VersionMeta{}); !errors.Is(err, models.ErrDanglingReference) {
		t.Fatalf("expected ErrDanglingReference, got %v", err)
	}
	versions, err := f.reg.ListVersions(ctx, file.ID)
	if err != nil {
		t.Fatalf("list versions: %v", err)
	}
	if len(versions) != 0 {
		t.Fatalf("registry must not change on dangling reference, got %d versions", len(versions))
	}

	for _, bad := range []string{"zz", "unknown-digest"} {
		_, err := f.reg.CreateVersion(ctx, file.ID, bad, VersionMeta{})
		if !errors.Is(err, models.ErrDanglingReference) || !errors.Is(err, models.ErrInvalidDigest) {
			t.Fatalf("%q: expected ErrDanglingReference and ErrInvalidDigest, got %v", bad, err)
		}
	}
	if versions, err = f.reg.ListVersions(ctx, file.ID); err != nil || len(versions) != 0 {
		t.Fatalf("registry must not change on malformed digest: %v %d", err, len(versions))
	}
}

func TestFindOrCreateFileReusesName(t *testing.T) {
	f := newRegistryFixture(t)
	ctx := context.Background()

	first, _, err := f.reg.FindOrCreateFile(ctx, "owner-1", "notes.txt")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	second, created, err := f.reg.FindOrCreateFile(ctx, "owner-1", " notes.txt ")
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if created || second.ID != first.ID {
		t.Fatalf("expected existing file, got created=%v id=%s", created, second.ID)
	}
	other, created, err := f.reg.FindOrCreateFile(ctx, "owner-2", "notes.txt")
	if err != nil || !created || other.ID == first.ID {
		t.Fatalf("expected a separate file per owner: %v %v", err, created)
	}
	if _, _, err := f.reg.FindOrCreateFile(ctx, "owner-1", "../etc/passwd"); err == nil {
		t.Fatalf("expected path separators to be rejected")
	}
	if _, err := f.reg.GetFile(ctx, "fl-missing"); !errors.Is(err, models.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestConcurrentVersionsAreOrdered(t *testing.T) {
	f := newRegistryFixture(t)
	ctx := context.Background()
	file, _, err := f.reg.FindOrCreateFile(ctx, "owner-1", "log.txt")
	if err != nil {
		t.Fatalf("create file: %v", err)
	}
	blob := f.upload(t, "payload")

	const writers = 16
	var wg sync.WaitGroup
	errs := make(chan error, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := f.reg.CreateVersion(ctx, file.ID, blob.Digest, VersionMeta{SizeBytes: blob.SizeBytes}); err != nil {
				errs <- err
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("create version: %v", err)
	}

	versions, err := f.reg.ListVersions(ctx, file.ID)
	if err != nil {
		t.Fatalf("list versions: %v", err)
	}
	if len(versions) != writers {
		t.Fatalf("expected %d versions, got %d", writers, len(versions))
	}
	for i, v := range versions {
		if v.Seq != i+1 {
			t.Fatalf("expected seq %d at position %d, got %d", i+1, i, v.Seq)
		}
		if i > 0 && !v.CreatedAt.After(versions[i-1].CreatedAt) {
			t.Fatalf("created_at must strictly increase: %s then %s", versions[i-1].CreatedAt, v.CreatedAt)
		}
		if v.Digest != blob.Digest {
			t.Fatalf("digest changed: %s", v.Digest)
		}
	}
}

func TestAttachReceipt(t *testing.T) {
	f := newRegistryFixture(t)
	ctx := context.Background()
	file, _, _ := f.reg.FindOrCreateFile(ctx, "owner-1", "contract.pdf")
	blob := f.upload(t, "contract v1")
	version, err := f.reg.CreateVersion(ctx, file.ID, blob.Digest, VersionMeta{SizeBytes: blob.SizeBytes, MediaType: "application/pdf"})
	if err != nil {
		t.Fatalf("create version: %v", err)
	}
	if version.Anchored() {
		t.Fatalf("new version must be pending")
	}

	other := f.upload(t, "other")
	if _, err := f.reg.AttachReceipt(ctx, file.ID, version.ID, receiptFor(t, other.Digest, 1)); !errors.Is(err, models.ErrInvalidReceipt) {
		t.Fatalf("expected digest mismatch to be rejected, got %v", err)
	}

	tampered := receiptFor(t, blob.Digest, 1, "a", "b")
	tampered.Proof[0] = strings.Repeat("00", 32)
	if _, err := f.reg.AttachReceipt(ctx, file.ID, version.ID, tampered); !errors.Is(err, models.ErrInvalidReceipt) {
		t.Fatalf("expected tampered proof to be rejected, got %v", err)
	}

	first := receiptFor(t, blob.Digest, 1, "a", "b")
	anchored, err := f.reg.AttachReceipt(ctx, file.ID, version.ID, first)
	if err != nil {
		t.Fatalf("attach: %v", err)
	}
	if !anchored.Anchored() || anchored.Receipt.ID == "" {
		t.Fatalf("expected anchored version, got %#v", anchored.Receipt)
	}

	second := receiptFor(t, blob.Digest, 2, "c")
	if _, err := f.reg.AttachReceipt(ctx, file.ID, version.ID, second); !errors.Is(err, models.ErrAlreadyAnchored) {
		t.Fatalf("expected ErrAlreadyAnchored while current receipt is valid, got %v", err)
	}

	f.checker.mu.Lock()
	f.checker.result = ledger.ResultStale
	f.checker.mu.Unlock()

	replaced, err := f.reg.AttachReceipt(ctx, file.ID, version.ID, second)
	if err != nil {
		t.Fatalf("replace stale receipt: %v", err)
	}
	if replaced.Receipt.LedgerHeight != 2 || replaced.Receipt.ID == anchored.Receipt.ID {
		t.Fatalf("expected new receipt, got %#v", replaced.Receipt)
	}

	history, err := f.reg.ReceiptHistory(ctx, file.ID, version.ID)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(history) != 2 || history[0].SupersededAt == nil || history[1].SupersededAt != nil {
		t.Fatalf("expected superseded first receipt in history, got %#v", history)
	}

	reloaded, err := f.reg.GetVersion(ctx, file.ID, version.ID)
	if err != nil {
		t.Fatalf("get version: %v", err)
	}
	if reloaded.Receipt == nil || reloaded.Receipt.ID != replaced.Receipt.ID {
		t.Fatalf("expected reloaded version to carry the new receipt")
	}
	if reloaded.Digest != blob.Digest || reloaded.MediaType != "application/pdf" {
		t.Fatalf("version attributes changed: %#v", reloaded)
	}
}

func TestAttachReceiptChecksLedgerOutsideFileLock(t *testing.T) {
	f := newRegistryFixture(t)
	ctx := context.Background()
	file, _, _ := f.reg.FindOrCreateFile(ctx, "owner-1", "slow-ledger.txt")
	blob := f.upload(t, "slow ledger")
	version, err := f.reg.CreateVersion(ctx, file.ID, blob.Digest, VersionMeta{})
	if err != nil {
		t.Fatalf("create version: %v", err)
	}
	if _, err := f.reg.AttachReceipt(ctx, file.ID, version.ID, receiptFor(t, blob.Digest, 1)); err != nil {
		t.Fatalf("attach: %v", err)
	}

	// A version created while the ledger is being asked about the old
	// receipt must not wait for that call.
	var created *models.Version
	var createErr error
	f.checker.mu.Lock()
	f.checker.result = ledger.ResultStale
	f.checker.onVerify = func() {
		lockCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		created, createErr = f.reg.CreateVersion(lockCtx, file.ID, blob.Digest, VersionMeta{})
	}
	f.checker.mu.Unlock()

	replaced, err := f.reg.AttachReceipt(ctx, file.ID, version.ID, receiptFor(t, blob.Digest, 2, "x"))
	if err != nil {
		t.Fatalf("replace stale receipt: %v", err)
	}
	if createErr != nil {
		t.Fatalf("create version during ledger check: %v", createErr)
	}
	if created == nil || created.Seq != 2 {
		t.Fatalf("expected seq 2 version, got %#v", created)
	}
	if replaced.Receipt.LedgerHeight != 2 {
		t.Fatalf("expected replacement at height 2, got %d", replaced.Receipt.LedgerHeight)
	}
}

func TestAttachReceiptLosesToConcurrentReplacement(t *testing.T) {
	f := newRegistryFixture(t)
	ctx := context.Background()
	file, _, _ := f.reg.FindOrCreateFile(ctx, "owner-1", "cas.txt")
	blob := f.upload(t, "compare and swap")
	version, err := f.reg.CreateVersion(ctx, file.ID, blob.Digest, VersionMeta{})
	if err != nil {
		t.Fatalf("create version: %v", err)
	}
	if _, err := f.reg.AttachReceipt(ctx, file.ID, version.ID, receiptFor(t, blob.Digest, 1)); err != nil {
		t.Fatalf("attach: %v", err)
	}

	// Another writer swaps the receipt while this one is checking the ledger.
	var innerErr error
	f.checker.mu.Lock()
	f.checker.result = ledger.ResultStale
	f.checker.onVerify = func() {
		f.checker.mu.Lock()
		f.checker.onVerify = nil
		f.checker.mu.Unlock()
		_, innerErr = f.reg.AttachReceipt(ctx, file.ID, version.ID, receiptFor(t, blob.Digest, 2, "y"))
	}
	f.checker.mu.Unlock()

	if _, err := f.reg.AttachReceipt(ctx, file.ID, version.ID, receiptFor(t, blob.Digest, 3, "z")); !errors.Is(err, models.ErrAlreadyAnchored) {
		t.Fatalf("expected ErrAlreadyAnchored for the losing writer, got %v", err)
	}
	if innerErr != nil {
		t.Fatalf("winning writer: %v", innerErr)
	}
	current, err := f.reg.GetVersion(ctx, file.ID, version.ID)
	if err != nil {
		t.Fatalf("get version: %v", err)
	}
	if current.Receipt.LedgerHeight != 2 {
		t.Fatalf("expected the winning receipt at height 2, got %d", current.Receipt.LedgerHeight)
	}
}

func TestAttachReceiptWithoutCheckerNeverReplaces(t *testing.T) {
	f := newRegistryFixture(t)
	reg := New(f.st, f.content, nil, nil, nil)
	ctx := context.Background()

	file, _, _ := reg.FindOrCreateFile(ctx, "owner-1", "a.txt")
	blob := f.upload(t, "a")
	version, err := reg.CreateVersion(ctx, file.ID, blob.Digest, VersionMeta{})
	if err != nil {
		t.Fatalf("create version: %v", err)
	}
	if _, err := reg.AttachReceipt(ctx, file.ID, version.ID, receiptFor(t, blob.Digest, 1)); err != nil {
		t.Fatalf("attach: %v", err)
	}
	if _, err := reg.AttachReceipt(ctx, file.ID, version.ID, receiptFor(t, blob.Digest, 3, "z")); !errors.Is(err, models.ErrAlreadyAnchored) {
		t.Fatalf("expected ErrAlreadyAnchored, got %v", err)
	}
}

func TestPendingAndDigestQueries(t *testing.T) {
	f := newRegistryFixture(t)
	ctx := context.Background()
	blob := f.upload(t, "shared content")

	fileA, _, _ := f.reg.FindOrCreateFile(ctx, "owner-1", "a.txt")
	fileB, _, _ := f.reg.FindOrCreateFile(ctx, "owner-2", "b.txt")
	va, err := f.reg.CreateVersion(ctx, fileA.ID, blob.Digest, VersionMeta{})
	if err != nil {
		t.Fatalf("version a: %v", err)
	}
	if _, err := f.reg.CreateVersion(ctx, fileB.ID, blob.Digest, VersionMeta{}); err != nil {
		t.Fatalf("version b: %v", err)
	}

	byDigest, err := f.reg.VersionsByDigest(ctx, blob.Digest)
	if err != nil || len(byDigest) != 2 {
		t.Fatalf("expected 2 versions by digest, got %d (%v)", len(byDigest), err)
	}

	if _, err := f.reg.AttachReceipt(ctx, fileA.ID, va.ID, receiptFor(t, blob.Digest, 1)); err != nil {
		t.Fatalf("attach: %v", err)
	}
	pending, err := f.reg.PendingVersions(ctx, 10)
	if err != nil || len(pending) != 1 || pending[0].FileID != fileB.ID {
		t.Fatalf("expected only file b pending, got %#v (%v)", pending, err)
	}
	anchored, err := f.reg.AnchoredVersions(ctx, "", 10)
	if err != nil || len(anchored) != 1 || anchored[0].ID != va.ID {
		t.Fatalf("expected only version a anchored, got %#v (%v)", anchored, err)
	}
}
