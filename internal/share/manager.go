// Package share issues, redeems and revokes share tokens. A redemption is
// only granted while the token is active and the shared version still
// verifies.
package share

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"chainvault/internal/lock"
	"chainvault/internal/models"
	"chainvault/internal/verify"
)

// Store persists share tokens. *store.Store implements it.
type Store interface {
	CreateShareToken(ctx context.Context, token *models.ShareToken) error
	GetShareToken(ctx context.Context, id string) (*models.ShareToken, error)
	ListShareTokensByFile(ctx context.Context, fileID string) ([]models.ShareToken, error)
	ConsumeShareUse(ctx context.Context, id string, now time.Time) (bool, error)
	RevokeShareToken(ctx context.Context, id string, now time.Time) (bool, error)
}

// Versions looks up shared versions.
type Versions interface {
	GetVersion(ctx context.Context, fileID, versionID string) (*models.Version, error)
}

// Verifier checks a version end to end.
type Verifier interface {
	VerifyVersion(ctx context.Context, version models.Version) (verify.Report, error)
}

// Reanchorer replaces a stale receipt.
type Reanchorer interface {
	Reanchor(ctx context.Context, fileID, versionID string) (*models.Version, error)
}

// Config holds share policy.
type Config struct {
	DefaultTTL         time.Duration
	MaxTTL             time.Duration
	DefaultMaxUses     int
	RequireAnchored    bool
	AllowPendingRedeem bool
	ReanchorTimeout    time.Duration
}

func (c Config) withDefaults() Config {
	if c.DefaultTTL <= 0 {
		c.DefaultTTL = 24 * time.Hour
	}
	if c.MaxTTL <= 0 {
		c.MaxTTL = 30 * 24 * time.Hour
	}
	if c.DefaultTTL > c.MaxTTL {
		c.DefaultTTL = c.MaxTTL
	}
	if c.DefaultMaxUses <= 0 {
		c.DefaultMaxUses = 1
	}
	if c.ReanchorTimeout <= 0 {
		c.ReanchorTimeout = 10 * time.Second
	}
	return c
}

// IssueRequest describes a new share. Zero TTL and MaxUses take defaults.
type IssueRequest struct {
	IssuerID   string
	FileID     string
	VersionID  string
	Permission models.Permission
	TTL        time.Duration
	MaxUses    int
}

// Issued is a new token plus its signed link.
type Issued struct {
	Token models.ShareToken
	Link  string
}

// Grant is a successful redemption.
type Grant struct {
	Token        models.ShareToken
	Version      models.Version
	Verification verify.Report
}

// Manager runs the share token state machine.
type Manager struct {
	store    Store
	versions Versions
	verifier Verifier
	reanchor Reanchorer
	signer   *Signer
	locks    lock.Locker
	cfg      Config
	logger   *slog.Logger
	now      func() time.Time
}

// NewManager wires a Manager. reanchor may be nil, in which case stale
// versions are denied.
func NewManager(st Store, versions Versions, verifier Verifier, reanchor Reanchorer, signer *Signer, locks lock.Locker, cfg Config, logger *slog.Logger) *Manager {
	if locks == nil {
		locks = lock.NewKeyedMutex()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		store:    st,
		versions: versions,
		verifier: verifier,
		reanchor: reanchor,
		signer:   signer,
		locks:    locks,
		cfg:      cfg.withDefaults(),
		logger:   logger.With("component", "share"),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Issue creates a token for a version. It fails with models.ErrNoSuchVersion
// when the version is missing and with models.ErrUnanchored when anchoring is
// required and the version does not verify.
func (m *Manager) Issue(ctx context.Context, req IssueRequest) (*Issued, error) {
	if strings.TrimSpace(req.IssuerID) == "" {
		return nil, fmt.Errorf("issuer is required")
	}
	permission, err := models.ParsePermission(string(req.Permission))
	if err != nil {
		return nil, err
	}
	ttl := req.TTL
	switch {
	case ttl < 0:
		return nil, fmt.Errorf("ttl must be positive")
	case ttl == 0:
		ttl = m.cfg.DefaultTTL
	case ttl > m.cfg.MaxTTL:
		ttl = m.cfg.MaxTTL
	}
	maxUses := req.MaxUses
	switch {
	case maxUses < 0:
		return nil, fmt.Errorf("max_uses must be >= 1")
	case maxUses == 0:
		maxUses = m.cfg.DefaultMaxUses
	}

	version, err := m.versions.GetVersion(ctx, req.FileID, req.VersionID)
	if errors.Is(err, models.ErrNotFound) {
		return nil, fmt.Errorf("version %s: %w", req.VersionID, models.ErrNoSuchVersion)
	}
	if err != nil {
		return nil, err
	}

	if m.cfg.RequireAnchored {
		report, err := m.verifier.VerifyVersion(ctx, *version)
		if err != nil {
			return nil, err
		}
		if report.Status != models.VerificationValid {
			return nil, fmt.Errorf("%w: version is %s", models.ErrUnanchored, report.Status)
		}
	}

	now := m.now()
	token := models.ShareToken{
		ID:         uuid.NewString(),
		FileID:     version.FileID,
		VersionID:  version.ID,
		IssuerID:   req.IssuerID,
		Permission: permission,
		ExpiresAt:  now.Add(ttl),
		MaxUses:    maxUses,
		CreatedAt:  now,
	}
	if err := m.store.CreateShareToken(ctx, &token); err != nil {
		return nil, fmt.Errorf("create share token: %w", err)
	}
	link, err := m.signer.Sign(token)
	if err != nil {
		return nil, fmt.Errorf("sign share link: %w", err)
	}

	m.logger.Info("share issued", "share_id", token.ID, "file_id", token.FileID, "version_id", token.VersionID, "max_uses", maxUses, "expires_at", token.ExpiresAt)
	return &Issued{Token: token, Link: link}, nil
}

// Resolve maps a presented link or raw token id to a token id.
func (m *Manager) Resolve(presented string) (string, error) {
	presented = strings.TrimSpace(presented)
	if _, err := uuid.Parse(presented); err == nil {
		return presented, nil
	}
	if strings.Count(presented, ".") == 2 {
		return m.signer.Parse(presented)
	}
	return "", models.Denied(models.DenyNotFound)
}

// Link re-signs the link for an existing token.
func (m *Manager) Link(token models.ShareToken) (string, error) {
	return m.signer.Sign(token)
}

// Redeem consumes one use of a token. It returns a *models.DeniedError when
// the token is missing, revoked, expired, exhausted or its version fails
// verification.
func (m *Manager) Redeem(ctx context.Context, tokenID string) (*Grant, error) {
	token, err := m.store.GetShareToken(ctx, tokenID)
	if err != nil {
		return nil, err
	}
	if token == nil {
		return nil, models.Denied(models.DenyNotFound)
	}
	if state := token.State(m.now()); state != models.ShareActive {
		return nil, models.Denied(models.DenyReasonForState(state))
	}

	version, report, err := m.checkVersion(ctx, token)
	if err != nil {
		return nil, err
	}

	unlock, err := m.locks.Lock(ctx, shareLockKey(token.ID))
	if err != nil {
		return nil, err
	}
	defer unlock()

	now := m.now()
	consumed, err := m.store.ConsumeShareUse(ctx, token.ID, now)
	if err != nil {
		return nil, fmt.Errorf("consume share use: %w", err)
	}
	if !consumed {
		latest, err := m.store.GetShareToken(ctx, token.ID)
		if err != nil {
			return nil, err
		}
		if latest == nil {
			return nil, models.Denied(models.DenyNotFound)
		}
		reason := models.DenyReasonForState(latest.State(now))
		if reason == "" {
			reason = models.DenyExhausted
		}
		return nil, models.Denied(reason)
	}

	token.UseCount++
	token.LastRedeemedAt = &now
	m.logger.Info("share redeemed", "share_id", token.ID, "version_id", token.VersionID, "use_count", token.UseCount, "max_uses", token.MaxUses)
	return &Grant{Token: *token, Version: *version, Verification: report}, nil
}

// checkVersion verifies the shared version, re-anchoring it once when its
// receipt has gone stale.
func (m *Manager) checkVersion(ctx context.Context, token *models.ShareToken) (*models.Version, verify.Report, error) {
	version, err := m.versions.GetVersion(ctx, token.FileID, token.VersionID)
	if errors.Is(err, models.ErrNotFound) {
		return nil, verify.Report{}, models.Denied(models.DenyNotFound)
	}
	if err != nil {
		return nil, verify.Report{}, err
	}

	report, err := m.verifier.VerifyVersion(ctx, *version)
	if err != nil {
		return nil, report, err
	}

	if report.Status == models.VerificationStale && m.reanchor != nil {
		reCtx, cancel := context.WithTimeout(ctx, m.cfg.ReanchorTimeout)
		refreshed, rerr := m.reanchor.Reanchor(reCtx, version.FileID, version.ID)
		cancel()
		if rerr != nil {
			m.logger.Warn("re-anchor during redeem failed", "share_id", token.ID, "version_id", version.ID, "error", rerr)
			return nil, report, models.Denied(models.DenyIntegrityFailed)
		}
		version = refreshed
		if report, err = m.verifier.VerifyVersion(ctx, *version); err != nil {
			return nil, report, err
		}
	}

	switch report.Status {
	case models.VerificationValid:
		return version, report, nil
	case models.VerificationPending:
		if m.cfg.AllowPendingRedeem {
			return version, report, nil
		}
	case models.VerificationCorrupt:
		m.logger.Error("share denied on integrity fault", "share_id", token.ID, "version_id", version.ID, "detail", report.Detail)
	}
	return nil, report, models.Denied(models.DenyIntegrityFailed)
}

// Info returns a token and its state without consuming a use.
func (m *Manager) Info(ctx context.Context, tokenID string) (*models.ShareToken, models.ShareState, error) {
	token, err := m.Get(ctx, tokenID)
	if err != nil {
		return nil, "", err
	}
	return token, token.State(m.now()), nil
}

// Revoke marks a token revoked. Revoking twice is a no-op.
func (m *Manager) Revoke(ctx context.Context, tokenID string) (*models.ShareToken, error) {
	found, err := m.store.RevokeShareToken(ctx, tokenID, m.now())
	if err != nil {
		return nil, fmt.Errorf("revoke share token: %w", err)
	}
	if !found {
		return nil, fmt.Errorf("share %s: %w", tokenID, models.ErrNotFound)
	}
	token, err := m.Get(ctx, tokenID)
	if err != nil {
		return nil, err
	}
	m.logger.Info("share revoked", "share_id", tokenID)
	return token, nil
}

// Get returns a token or models.ErrNotFound.
func (m *Manager) Get(ctx context.Context, tokenID string) (*models.ShareToken, error) {
	token, err := m.store.GetShareToken(ctx, tokenID)
	if err != nil {
		return nil, err
	}
	if token == nil {
		return nil, fmt.Errorf("share %s: %w", tokenID, models.ErrNotFound)
	}
	return token, nil
}

// ListForFile lists a file's tokens, newest first.
func (m *Manager) ListForFile(ctx context.Context, fileID string) ([]models.ShareToken, error) {
	return m.store.ListShareTokensByFile(ctx, fileID)
}

func shareLockKey(id string) string {
	return "share:" + id
}
