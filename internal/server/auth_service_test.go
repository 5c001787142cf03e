package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	internalauth "chainvault/internal/auth"
	"chainvault/internal/models"
	"chainvault/internal/store"
)

func TestAuthServiceAuthRequired(t *testing.T) {
	fake := newFakeAuthStore()
	svc := NewAuthService(fake)
	ctx := context.Background()

	required, err := svc.AuthRequired(ctx, false)
	if err != nil {
		t.Fatalf("auth required: %v", err)
	}
	if required {
		t.Fatal("expected open mode with no users")
	}

	required, err = svc.AuthRequired(ctx, true)
	if err != nil {
		t.Fatalf("auth required with api token: %v", err)
	}
	if !required {
		t.Fatal("expected api token to require auth")
	}
	if fake.existCalls != 1 {
		t.Fatalf("expected api token mode to skip store query, got %d calls", fake.existCalls)
	}

	if _, err := svc.Register(ctx, "alice", "password-123", false, time.Now().UTC()); err != nil {
		t.Fatalf("register: %v", err)
	}
	required, err = svc.AuthRequired(ctx, false)
	if err != nil {
		t.Fatalf("auth required: %v", err)
	}
	if !required {
		t.Fatal("expected auth required once a user exists")
	}

	var nilSvc *AuthService
	if required, err := nilSvc.AuthRequired(ctx, false); err != nil || required {
		t.Fatalf("nil service should be open, got %v %v", required, err)
	}
}

func TestAuthServiceRegisterFirstUserIsAdmin(t *testing.T) {
	fake := newFakeAuthStore()
	svc := NewAuthService(fake)
	ctx := context.Background()
	now := time.Now().UTC()

	first, err := svc.Register(ctx, "Alice", "password-123", false, now)
	if err != nil {
		t.Fatalf("register first: %v", err)
	}
	if first.Role != store.AuthUserRoleAdmin || first.Username != "alice" {
		t.Fatalf("unexpected first user: %+v", first)
	}

	_, err = svc.Register(ctx, "bob", "password-123", false, now)
	if got := httpStatusFromError(err); got != http.StatusForbidden {
		t.Fatalf("expected closed registration 403, got %d (%v)", got, err)
	}

	second, err := svc.Register(ctx, "bob", "password-123", true, now)
	if err != nil {
		t.Fatalf("register open: %v", err)
	}
	if second.Role != store.AuthUserRoleUser {
		t.Fatalf("expected user role, got %q", second.Role)
	}

	_, err = svc.Register(ctx, "BOB", "password-123", true, now)
	if got := httpStatusFromError(err); got != http.StatusConflict {
		t.Fatalf("expected duplicate 409, got %d (%v)", got, err)
	}

	_, err = svc.Register(ctx, "carol", "short", true, now)
	if got := httpStatusFromError(err); got != http.StatusBadRequest {
		t.Fatalf("expected weak password 400, got %d (%v)", got, err)
	}
}

func TestAuthServiceAccountHoldings(t *testing.T) {
	fake := newFakeAuthStore()
	svc := NewAuthService(fake)
	ctx := context.Background()
	now := time.Now().UTC()

	owner, err := svc.CreateUser(ctx, "owner", "password-123", "", now)
	if err != nil {
		t.Fatalf("create owner: %v", err)
	}
	if owner.Role != store.AuthUserRoleUser {
		t.Fatalf("empty role should default to user, got %q", owner.Role)
	}
	fake.files[owner.ID] = 2

	users, err := svc.ListUsers(ctx, now)
	if err != nil || len(users) != 1 || users[0].Files != 2 {
		t.Fatalf("unexpected summaries: %+v %v", users, err)
	}

	err = svc.DeleteUser(ctx, "owner", now)
	if got := httpStatusFromError(err); got != http.StatusConflict {
		t.Fatalf("expected owner of files to conflict, got %d (%v)", got, err)
	}
	fake.files[owner.ID] = 0
	if err := svc.DeleteUser(ctx, "OWNER", now); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if got := httpStatusFromError(svc.DeleteUser(ctx, "owner", now)); got != http.StatusNotFound {
		t.Fatalf("expected 404 for missing user, got %d", got)
	}
	if _, err := svc.SetUserDisabled(ctx, "owner", true, now); httpStatusFromError(err) != http.StatusNotFound {
		t.Fatalf("expected 404 disabling a missing user, got %v", err)
	}
}

func TestAuthServiceDisableEndsSessions(t *testing.T) {
	fake := newFakeAuthStore()
	svc := NewAuthService(fake)
	ctx := context.Background()
	now := time.Now().UTC()

	if _, err := svc.Register(ctx, "alice", "password-123", false, now); err != nil {
		t.Fatalf("register: %v", err)
	}
	login, err := svc.Login(ctx, "alice", "password-123", now)
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	if _, err := svc.SetUserDisabled(ctx, "alice", true, now); err != nil {
		t.Fatalf("disable: %v", err)
	}
	if _, err := svc.SetUserDisabled(ctx, "alice", false, now); err != nil {
		t.Fatalf("enable: %v", err)
	}
	user, err := svc.AuthenticateSessionToken(ctx, login.Token, now.Add(time.Minute))
	if err != nil || user != nil {
		t.Fatalf("session from before the disable must stay dead, got %+v %v", user, err)
	}
}

func TestAuthServiceLoginAndSessions(t *testing.T) {
	fake := newFakeAuthStore()
	svc := NewAuthService(fake)
	ctx := context.Background()
	now := time.Now().UTC()

	if _, err := svc.Register(ctx, "alice", "password-123", false, now); err != nil {
		t.Fatalf("register: %v", err)
	}

	if _, err := svc.Login(ctx, "alice", "nope-nope-nope", now); !errors.Is(err, internalauth.ErrInvalidCredentials) {
		t.Fatalf("expected invalid credentials, got %v", err)
	}
	if _, err := svc.Login(ctx, "nobody", "password-123", now); !errors.Is(err, internalauth.ErrInvalidCredentials) {
		t.Fatalf("expected invalid credentials for unknown user, got %v", err)
	}

	result, err := svc.Login(ctx, "alice", "password-123", now)
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	if !strings.HasPrefix(result.Token, "cvs_") {
		t.Fatalf("unexpected token format %q", result.Token)
	}
	if !result.ExpiresAt.Equal(now.Add(defaultSessionTTL)) {
		t.Fatalf("unexpected expiry %v", result.ExpiresAt)
	}
	if _, stored := fake.sessions[result.Token]; stored {
		t.Fatal("session token must be stored hashed")
	}

	user, err := svc.AuthenticateSessionToken(ctx, result.Token, now.Add(time.Minute))
	if err != nil || user == nil || user.Username != "alice" {
		t.Fatalf("authenticate: %+v %v", user, err)
	}
	user, err = svc.AuthenticateSessionToken(ctx, result.Token, now.Add(defaultSessionTTL+time.Second))
	if err != nil || user != nil {
		t.Fatalf("expected expired session to fail, got %+v %v", user, err)
	}

	if err := svc.RevokeSessionToken(ctx, result.Token, now); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	user, err = svc.AuthenticateSessionToken(ctx, result.Token, now.Add(time.Minute))
	if err != nil || user != nil {
		t.Fatalf("expected revoked session to fail, got %+v %v", user, err)
	}
}

type fakeSession struct {
	userID    string
	expiresAt time.Time
	revoked   bool
}

// fakeAuthStore keeps accounts in memory. Files and shares are counted per
// owner id so holdings rules can be exercised without SQLite.
type fakeAuthStore struct {
	mu         sync.Mutex
	users      map[string]*store.AuthUser
	sessions   map[string]*fakeSession
	files      map[string]int
	existCalls int
	nextID     int
}

func newFakeAuthStore() *fakeAuthStore {
	return &fakeAuthStore{
		users:    map[string]*store.AuthUser{},
		sessions: map[string]*fakeSession{},
		files:    map[string]int{},
	}
}

func (f *fakeAuthStore) HasEnabledUsers(context.Context) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.existCalls++
	return f.anyEnabled(), nil
}

func (f *fakeAuthStore) anyEnabled() bool {
	for _, user := range f.users {
		if !user.Disabled {
			return true
		}
	}
	return false
}

func (f *fakeAuthStore) RegisterUser(_ context.Context, username, passwordHash string, open bool, now time.Time) (*store.AuthUser, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	role := store.AuthUserRoleAdmin
	if f.anyEnabled() {
		if !open {
			return nil, store.ErrRegistrationClosed
		}
		role = store.AuthUserRoleUser
	}
	return f.insert(username, passwordHash, role, now)
}

func (f *fakeAuthStore) CreateUser(_ context.Context, username, passwordHash, role string, now time.Time) (*store.AuthUser, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.insert(username, passwordHash, role, now)
}

func (f *fakeAuthStore) insert(username, passwordHash, role string, now time.Time) (*store.AuthUser, error) {
	if _, ok := f.users[username]; ok {
		return nil, store.ErrUsernameTaken
	}
	f.nextID++
	user := &store.AuthUser{
		ID:           fmt.Sprintf("au-%d", f.nextID),
		Username:     username,
		PasswordHash: passwordHash,
		Role:         role,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	f.users[username] = user
	copied := *user
	return &copied, nil
}

func (f *fakeAuthStore) GetUserByUsername(_ context.Context, username string) (*store.AuthUser, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	user, ok := f.users[username]
	if !ok {
		return nil, nil
	}
	copied := *user
	return &copied, nil
}

func (f *fakeAuthStore) ListUsers(context.Context, time.Time) ([]store.UserSummary, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]store.UserSummary, 0, len(f.users))
	for _, user := range f.users {
		out = append(out, store.UserSummary{AuthUser: *user, Files: f.files[user.ID]})
	}
	return out, nil
}

func (f *fakeAuthStore) SetUserDisabled(_ context.Context, username string, disabled bool, now time.Time) (*store.AuthUser, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	user, ok := f.users[username]
	if !ok {
		return nil, fmt.Errorf("user %s: %w", username, models.ErrNotFound)
	}
	user.Disabled = disabled
	user.UpdatedAt = now
	if disabled {
		for _, session := range f.sessions {
			if session.userID == user.ID {
				session.revoked = true
			}
		}
	}
	copied := *user
	return &copied, nil
}

func (f *fakeAuthStore) DeleteUser(_ context.Context, username string, _ time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	user, ok := f.users[username]
	if !ok {
		return fmt.Errorf("user %s: %w", username, models.ErrNotFound)
	}
	if f.files[user.ID] > 0 {
		return store.ErrUserOwnsFiles
	}
	delete(f.users, username)
	return nil
}

func (f *fakeAuthStore) OpenSession(_ context.Context, session *store.Session) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, user := range f.users {
		if user.ID == session.UserID && !user.Disabled {
			f.sessions[session.TokenHash] = &fakeSession{userID: user.ID, expiresAt: session.ExpiresAt}
			session.ID = fmt.Sprintf("as-%d", len(f.sessions))
			return nil
		}
	}
	return models.ErrNotFound
}

func (f *fakeAuthStore) SessionUser(_ context.Context, tokenHash string, now time.Time) (*store.AuthUser, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	session, ok := f.sessions[tokenHash]
	if !ok || session.revoked || !session.expiresAt.After(now) {
		return nil, nil
	}
	for _, user := range f.users {
		if user.ID == session.userID && !user.Disabled {
			copied := *user
			return &copied, nil
		}
	}
	return nil, nil
}

func (f *fakeAuthStore) CloseSession(_ context.Context, tokenHash string, _ time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if session, ok := f.sessions[tokenHash]; ok {
		session.revoked = true
	}
	return nil
}
