package server

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	internalauth "chainvault/internal/auth"
	"chainvault/internal/models"
	"chainvault/internal/store"
)

const sessionCookieName = "chainvault_session"

var defaultSessionTTL = 24 * time.Hour

// AuthStore is the slice of the store that accounts and sessions need.
type AuthStore interface {
	HasEnabledUsers(ctx context.Context) (bool, error)
	RegisterUser(ctx context.Context, username, passwordHash string, open bool, now time.Time) (*store.AuthUser, error)
	CreateUser(ctx context.Context, username, passwordHash, role string, now time.Time) (*store.AuthUser, error)
	GetUserByUsername(ctx context.Context, username string) (*store.AuthUser, error)
	ListUsers(ctx context.Context, now time.Time) ([]store.UserSummary, error)
	SetUserDisabled(ctx context.Context, username string, disabled bool, now time.Time) (*store.AuthUser, error)
	DeleteUser(ctx context.Context, username string, now time.Time) error
	OpenSession(ctx context.Context, session *store.Session) error
	SessionUser(ctx context.Context, tokenHash string, now time.Time) (*store.AuthUser, error)
	CloseSession(ctx context.Context, tokenHash string, now time.Time) error
}

// AuthService manages registration and bearer sessions.
type AuthService struct {
	store      AuthStore
	sessionTTL time.Duration
}

type loginResult struct {
	User      *store.AuthUser
	Token     string
	ExpiresAt time.Time
}

func NewAuthService(authStore AuthStore) *AuthService {
	if authStore == nil {
		return nil
	}
	return &AuthService{store: authStore, sessionTTL: defaultSessionTTL}
}

// AuthRequired is false only in open mode: no API token and no enabled users.
func (a *AuthService) AuthRequired(ctx context.Context, apiTokenConfigured bool) (bool, error) {
	if apiTokenConfigured {
		return true, nil
	}
	if a == nil || a.store == nil {
		return false, nil
	}
	return a.store.HasEnabledUsers(ctx)
}

// Register creates an account. The store makes the first account admin and
// refuses later ones unless registration is open.
func (a *AuthService) Register(ctx context.Context, username, password string, allowRegistration bool, now time.Time) (*store.AuthUser, error) {
	normalized, hash, err := credentials(username, password)
	if err != nil {
		return nil, err
	}
	user, err := a.store.RegisterUser(ctx, normalized, hash, allowRegistration, now)
	if err != nil {
		return nil, accountError(err)
	}
	return user, nil
}

// CreateUser provisions an account with an explicit role, bypassing the
// registration gate.
func (a *AuthService) CreateUser(ctx context.Context, username, password, role string, now time.Time) (*store.AuthUser, error) {
	switch role {
	case "":
		role = store.AuthUserRoleUser
	case store.AuthUserRoleUser, store.AuthUserRoleAdmin:
	default:
		return nil, badRequestCode(fmt.Errorf("invalid role %q", role), ErrCodeInvalidArgument)
	}
	normalized, hash, err := credentials(username, password)
	if err != nil {
		return nil, err
	}
	user, err := a.store.CreateUser(ctx, normalized, hash, role, now)
	if err != nil {
		return nil, accountError(err)
	}
	return user, nil
}

// ListUsers lists accounts with their file and live share counts.
func (a *AuthService) ListUsers(ctx context.Context, now time.Time) ([]store.UserSummary, error) {
	users, err := a.store.ListUsers(ctx, now)
	if err != nil {
		return nil, storeFailure(err)
	}
	return users, nil
}

// SetUserDisabled toggles an account. Disabling ends its sessions.
func (a *AuthService) SetUserDisabled(ctx context.Context, username string, disabled bool, now time.Time) (*store.AuthUser, error) {
	normalized, err := internalauth.NormalizeUsername(username)
	if err != nil {
		return nil, badRequestCode(err, ErrCodeInvalidArgument)
	}
	user, err := a.store.SetUserDisabled(ctx, normalized, disabled, now)
	if err != nil {
		return nil, accountError(err)
	}
	return user, nil
}

// DeleteUser removes an account that owns no files and revokes the shares
// it issued.
func (a *AuthService) DeleteUser(ctx context.Context, username string, now time.Time) error {
	normalized, err := internalauth.NormalizeUsername(username)
	if err != nil {
		return badRequestCode(err, ErrCodeInvalidArgument)
	}
	if err := a.store.DeleteUser(ctx, normalized, now); err != nil {
		return accountError(err)
	}
	return nil
}

func credentials(username, password string) (string, string, error) {
	normalized, err := internalauth.NormalizeUsername(username)
	if err != nil {
		return "", "", badRequestCode(err, ErrCodeInvalidArgument)
	}
	hash, err := internalauth.HashPassword(password)
	if err != nil {
		return "", "", badRequestCode(err, ErrCodeInvalidArgument)
	}
	return normalized, hash, nil
}

func accountError(err error) error {
	switch {
	case errors.Is(err, store.ErrRegistrationClosed):
		return forbiddenCode(err, ErrCodeRegistrationClosed)
	case errors.Is(err, store.ErrUsernameTaken):
		return conflictCode(err, ErrCodeUsernameExists)
	case errors.Is(err, store.ErrUserOwnsFiles):
		return conflictCode(err, ErrCodeUserOwnsFiles)
	case errors.Is(err, models.ErrNotFound):
		return notFoundCode(err, ErrCodeNotFound)
	default:
		return storeFailure(err)
	}
}

func (a *AuthService) Login(ctx context.Context, username, password string, now time.Time) (*loginResult, error) {
	normalized, err := internalauth.NormalizeUsername(username)
	if err != nil {
		return nil, internalauth.ErrInvalidCredentials
	}
	if strings.TrimSpace(password) == "" {
		return nil, badRequestCode(fmt.Errorf("password is required"), ErrCodeMissingRequired)
	}

	user, err := a.store.GetUserByUsername(ctx, normalized)
	if err != nil {
		return nil, storeFailure(err)
	}
	hash := ""
	if user != nil && !user.Disabled {
		hash = user.PasswordHash
	}
	if !internalauth.VerifyPassword(hash, password) {
		return nil, internalauth.ErrInvalidCredentials
	}

	token, err := generateSessionToken()
	if err != nil {
		return nil, internalError(err)
	}
	session := &store.Session{
		UserID:    user.ID,
		TokenHash: hashSessionToken(token),
		ExpiresAt: now.Add(a.sessionTTL),
		CreatedAt: now,
	}
	if err := a.store.OpenSession(ctx, session); err != nil {
		// Disabled between the password check and the insert.
		if errors.Is(err, models.ErrNotFound) {
			return nil, internalauth.ErrInvalidCredentials
		}
		return nil, storeFailure(err)
	}
	return &loginResult{User: user, Token: token, ExpiresAt: session.ExpiresAt}, nil
}

func (a *AuthService) AuthenticateSessionToken(ctx context.Context, token string, now time.Time) (*store.AuthUser, error) {
	if a == nil || a.store == nil {
		return nil, nil
	}
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, nil
	}
	return a.store.SessionUser(ctx, hashSessionToken(token), now)
}

func (a *AuthService) RevokeSessionToken(ctx context.Context, token string, now time.Time) error {
	if a == nil || a.store == nil {
		return nil
	}
	token = strings.TrimSpace(token)
	if token == "" {
		return nil
	}
	return a.store.CloseSession(ctx, hashSessionToken(token), now)
}

func hashSessionToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

func generateSessionToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return "cvs_" + base64.RawURLEncoding.EncodeToString(buf), nil
}
