package share

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"chainvault/internal/anchor"
	"chainvault/internal/blobstore"
	"chainvault/internal/ledger"
	"chainvault/internal/lock"
	"chainvault/internal/models"
	"chainvault/internal/registry"
	"chainvault/internal/store"
	"chainvault/internal/verify"
)

type shareFixture struct {
	mgr     *Manager
	reg     *registry.Registry
	content *blobstore.ContentStore
	cas     *blobstore.LocalCAS
	casRoot string
	ledger  *ledger.LocalLedger
	anchor  *anchor.Service
}

func newShareFixture(t *testing.T, cfg Config) shareFixture {
	t.Helper()
	dir := t.TempDir()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	st, err := store.Open(filepath.Join(dir, "chainvault.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	casRoot := filepath.Join(dir, "blobs")
	cas, err := blobstore.NewLocalCAS(casRoot)
	if err != nil {
		t.Fatalf("new local cas: %v", err)
	}
	l, err := ledger.OpenLocal(ledger.LocalConfig{Path: filepath.Join(dir, "ledger.db"), BatchSize: 1, BatchWindow: time.Hour}, logger)
	if err != nil {
		t.Fatalf("open ledger: %v", err)
	}
	t.Cleanup(func() { _ = l.Close() })

	client := ledger.NewClient(l, ledger.ClientConfig{
		PollInterval:    2 * time.Millisecond,
		FinalizeTimeout: 200 * time.Millisecond,
		RetryBase:       time.Millisecond,
		RetryMax:        2 * time.Millisecond,
	}, logger)
	locks := lock.NewKeyedMutex()
	content := blobstore.NewContentStore(cas, st, locks, blobstore.ContentConfig{}, logger)
	reg := registry.New(st, content, client, locks, logger)
	svc := anchor.NewService(reg, client, anchor.Config{}, logger)
	engine := verify.NewEngine(content, client, logger)

	signer, err := NewSigner([]byte(strings.Repeat("k", 32)))
	if err != nil {
		t.Fatalf("new signer: %v", err)
	}

	return shareFixture{
		mgr:     NewManager(st, reg, engine, svc, signer, locks, cfg, logger),
		reg:     reg,
		content: content,
		cas:     cas,
		casRoot: casRoot,
		ledger:  l,
		anchor:  svc,
	}
}

func (f shareFixture) version(t *testing.T, name, data string, anchored bool) *models.Version {
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
	if anchored {
		if v, err = f.anchor.AnchorVersion(ctx, v.FileID, v.ID); err != nil {
			t.Fatalf("anchor: %v", err)
		}
	}
	return v
}

func (f shareFixture) issue(t *testing.T, v *models.Version, maxUses int, ttl time.Duration) *Issued {
	t.Helper()
	issued, err := f.mgr.Issue(context.Background(), IssueRequest{
		IssuerID:  "owner-1",
		FileID:    v.FileID,
		VersionID: v.ID,
		TTL:       ttl,
		MaxUses:   maxUses,
	})
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	return issued
}

func (f shareFixture) tamper(t *testing.T, digest string) {
	t.Helper()
	path := filepath.Join(f.casRoot, filepath.FromSlash(f.cas.Key(digest)))
	if err := os.WriteFile(path, []byte("not what was uploaded"), 0o600); err != nil {
		t.Fatalf("tamper: %v", err)
	}
}

func expectDenied(t *testing.T, err error, want models.DenyReason) {
	t.Helper()
	got, ok := models.DenyReasonOf(err)
	if !ok {
		t.Fatalf("expected denial %q, got %v", want, err)
	}
	if got != want {
		t.Fatalf("expected denial %q, got %q", want, got)
	}
}

func TestIssueAndRedeem(t *testing.T) {
	f := newShareFixture(t, Config{})
	ctx := context.Background()
	v := f.version(t, "report.pdf", "quarterly numbers", true)

	issued := f.issue(t, v, 2, time.Hour)
	if issued.Token.Permission != models.PermissionReadOnly {
		t.Fatalf("expected default read_only, got %s", issued.Token.Permission)
	}

	id, err := f.mgr.Resolve(issued.Link)
	if err != nil {
		t.Fatalf("resolve link: %v", err)
	}
	if id != issued.Token.ID {
		t.Fatalf("link resolved to %q, want %q", id, issued.Token.ID)
	}

	grant, err := f.mgr.Redeem(ctx, id)
	if err != nil {
		t.Fatalf("redeem: %v", err)
	}
	if grant.Version.ID != v.ID || grant.Verification.Status != models.VerificationValid {
		t.Fatalf("unexpected grant: %+v", grant)
	}
	if grant.Token.UseCount != 1 || grant.Token.RemainingUses() != 1 {
		t.Fatalf("expected one use consumed, got %+v", grant.Token)
	}

	if _, err := f.mgr.Redeem(ctx, id); err != nil {
		t.Fatalf("second redeem: %v", err)
	}
	_, err = f.mgr.Redeem(ctx, id)
	expectDenied(t, err, models.DenyExhausted)

	token, state, err := f.mgr.Info(ctx, id)
	if err != nil {
		t.Fatalf("info: %v", err)
	}
	if state != models.ShareExhausted || token.UseCount != 2 {
		t.Fatalf("expected exhausted with 2 uses, got %s %d", state, token.UseCount)
	}
}

func TestIssueValidation(t *testing.T) {
	f := newShareFixture(t, Config{RequireAnchored: true, MaxTTL: time.Hour})
	ctx := context.Background()
	pending := f.version(t, "draft.txt", "draft", false)

	_, err := f.mgr.Issue(ctx, IssueRequest{IssuerID: "owner-1", FileID: pending.FileID, VersionID: "v-missing"})
	if !errors.Is(err, models.ErrNoSuchVersion) {
		t.Fatalf("expected ErrNoSuchVersion, got %v", err)
	}

	_, err = f.mgr.Issue(ctx, IssueRequest{IssuerID: "owner-1", FileID: pending.FileID, VersionID: pending.ID})
	if !errors.Is(err, models.ErrUnanchored) {
		t.Fatalf("expected ErrUnanchored, got %v", err)
	}

	anchored := f.version(t, "final.txt", "final", true)
	_, err = f.mgr.Issue(ctx, IssueRequest{IssuerID: "owner-1", FileID: anchored.FileID, VersionID: anchored.ID, Permission: "write"})
	if err == nil {
		t.Fatalf("expected invalid permission error")
	}
	_, err = f.mgr.Issue(ctx, IssueRequest{IssuerID: "owner-1", FileID: anchored.FileID, VersionID: anchored.ID, MaxUses: -1})
	if err == nil {
		t.Fatalf("expected max_uses error")
	}

	issued, err := f.mgr.Issue(ctx, IssueRequest{IssuerID: "owner-1", FileID: anchored.FileID, VersionID: anchored.ID, TTL: 48 * time.Hour})
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if ttl := issued.Token.ExpiresAt.Sub(issued.Token.CreatedAt); ttl != time.Hour {
		t.Fatalf("expected ttl clamped to 1h, got %s", ttl)
	}
}

func TestRedeemSingleUseUnderContention(t *testing.T) {
	f := newShareFixture(t, Config{})
	ctx := context.Background()
	v := f.version(t, "once.txt", "read me once", true)
	issued := f.issue(t, v, 1, time.Hour)

	const callers = 12
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
		exhausted int
	)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.mgr.Redeem(ctx, issued.Token.ID)
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				successes++
				return
			}
			if reason, ok := models.DenyReasonOf(err); ok && reason == models.DenyExhausted {
				exhausted++
			}
		}()
	}
	wg.Wait()

	if successes != 1 {
		t.Fatalf("expected exactly one successful redemption, got %d", successes)
	}
	if exhausted != callers-1 {
		t.Fatalf("expected %d exhausted denials, got %d", callers-1, exhausted)
	}
}

func TestRedeemDenialPrecedence(t *testing.T) {
	f := newShareFixture(t, Config{})
	ctx := context.Background()
	v := f.version(t, "p.txt", "precedence", true)

	_, err := f.mgr.Redeem(ctx, "00000000-0000-0000-0000-000000000000")
	expectDenied(t, err, models.DenyNotFound)

	issued := f.issue(t, v, 1, time.Hour)
	if _, err := f.mgr.Redeem(ctx, issued.Token.ID); err != nil {
		t.Fatalf("redeem: %v", err)
	}

	// Past expiry an exhausted token reports expired; revocation outranks both.
	f.mgr.now = func() time.Time { return time.Now().UTC().Add(2 * time.Hour) }
	_, err = f.mgr.Redeem(ctx, issued.Token.ID)
	expectDenied(t, err, models.DenyExpired)

	if _, err := f.mgr.Revoke(ctx, issued.Token.ID); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	_, err = f.mgr.Redeem(ctx, issued.Token.ID)
	expectDenied(t, err, models.DenyRevoked)
}

func TestRedeemExpired(t *testing.T) {
	f := newShareFixture(t, Config{})
	ctx := context.Background()
	v := f.version(t, "e.txt", "expires", true)
	issued := f.issue(t, v, 5, time.Minute)

	f.mgr.now = func() time.Time { return issued.Token.ExpiresAt }
	_, err := f.mgr.Redeem(ctx, issued.Token.ID)
	expectDenied(t, err, models.DenyExpired)

	token, err := f.mgr.Get(ctx, issued.Token.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if token.UseCount != 0 {
		t.Fatalf("denied redemption must not consume a use")
	}
}

func TestRevokeIsIdempotent(t *testing.T) {
	f := newShareFixture(t, Config{})
	ctx := context.Background()
	v := f.version(t, "r.txt", "revoke me", true)
	issued := f.issue(t, v, 3, time.Hour)

	first, err := f.mgr.Revoke(ctx, issued.Token.ID)
	if err != nil {
		t.Fatalf("revoke: %v", err)
	}
	second, err := f.mgr.Revoke(ctx, issued.Token.ID)
	if err != nil {
		t.Fatalf("revoke again: %v", err)
	}
	if first.RevokedAt == nil || second.RevokedAt == nil || !first.RevokedAt.Equal(*second.RevokedAt) {
		t.Fatalf("second revoke must keep the original revocation time")
	}

	if _, err := f.mgr.Revoke(ctx, "missing"); !errors.Is(err, models.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	tokens, err := f.mgr.ListForFile(ctx, v.FileID)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(tokens) != 1 || !tokens[0].Revoked() {
		t.Fatalf("expected one revoked token, got %+v", tokens)
	}
}

func TestRedeemDeniesTamperedContent(t *testing.T) {
	f := newShareFixture(t, Config{})
	ctx := context.Background()
	v := f.version(t, "t.txt", "pristine", true)
	issued := f.issue(t, v, 5, time.Hour)

	f.tamper(t, v.Digest)

	_, err := f.mgr.Redeem(ctx, issued.Token.ID)
	expectDenied(t, err, models.DenyIntegrityFailed)

	token, err := f.mgr.Get(ctx, issued.Token.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if token.UseCount != 0 {
		t.Fatalf("integrity failure must not consume a use")
	}
}

func TestRedeemPendingVersion(t *testing.T) {
	ctx := context.Background()

	strict := newShareFixture(t, Config{})
	v := strict.version(t, "p.txt", "pending", false)
	issued := strict.issue(t, v, 1, time.Hour)
	_, err := strict.mgr.Redeem(ctx, issued.Token.ID)
	expectDenied(t, err, models.DenyIntegrityFailed)

	lenient := newShareFixture(t, Config{AllowPendingRedeem: true})
	v = lenient.version(t, "p.txt", "pending", false)
	issued = lenient.issue(t, v, 1, time.Hour)
	grant, err := lenient.mgr.Redeem(ctx, issued.Token.ID)
	if err != nil {
		t.Fatalf("redeem pending: %v", err)
	}
	if grant.Verification.Status != models.VerificationPending {
		t.Fatalf("expected pending verification, got %s", grant.Verification.Status)
	}
}

func TestRedeemReanchorsStaleVersion(t *testing.T) {
	f := newShareFixture(t, Config{})
	ctx := context.Background()
	f.version(t, "a.txt", "first block", true)
	v := f.version(t, "b.txt", "second block", true)
	if v.Receipt.LedgerHeight != 2 {
		t.Fatalf("expected height 2, got %d", v.Receipt.LedgerHeight)
	}
	issued := f.issue(t, v, 1, time.Hour)

	if _, err := f.ledger.Reorg(ctx, 1); err != nil {
		t.Fatalf("reorg: %v", err)
	}

	grant, err := f.mgr.Redeem(ctx, issued.Token.ID)
	if err != nil {
		t.Fatalf("redeem stale: %v", err)
	}
	if grant.Verification.Status != models.VerificationValid {
		t.Fatalf("expected valid after re-anchor, got %s", grant.Verification.Status)
	}
	if grant.Version.Receipt.ID == v.Receipt.ID {
		t.Fatalf("expected a replacement receipt")
	}
}

// gateVerifier parks every verification until release is closed.
type gateVerifier struct {
	inner   Verifier
	parked  chan struct{}
	release chan struct{}
	once    sync.Once
}

func (g *gateVerifier) VerifyVersion(ctx context.Context, version models.Version) (verify.Report, error) {
	g.once.Do(func() { close(g.parked) })
	select {
	case <-g.release:
	case <-ctx.Done():
		return verify.Report{}, ctx.Err()
	}
	return g.inner.VerifyVersion(ctx, version)
}

func TestRedeemDeniedWhenRevokedDuringVerification(t *testing.T) {
	f := newShareFixture(t, Config{})
	ctx := context.Background()
	v := f.version(t, "race.txt", "revoked mid-flight", true)
	issued := f.issue(t, v, 3, time.Hour)

	gate := &gateVerifier{inner: f.mgr.verifier, parked: make(chan struct{}), release: make(chan struct{})}
	f.mgr.verifier = gate

	errc := make(chan error, 1)
	go func() {
		_, err := f.mgr.Redeem(ctx, issued.Token.ID)
		errc <- err
	}()

	select {
	case <-gate.parked:
	case <-time.After(5 * time.Second):
		t.Fatalf("redeem never reached verification")
	}
	if _, err := f.mgr.Revoke(ctx, issued.Token.ID); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	close(gate.release)

	select {
	case err := <-errc:
		expectDenied(t, err, models.DenyRevoked)
	case <-time.After(5 * time.Second):
		t.Fatalf("redeem did not finish")
	}

	token, err := f.mgr.Get(ctx, issued.Token.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if token.UseCount != 0 {
		t.Fatalf("revoked redemption consumed a use: use_count=%d", token.UseCount)
	}
}
