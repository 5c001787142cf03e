package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"chainvault/internal/models"
)

// Account roles.
const (
	AuthUserRoleAdmin = "admin"
	AuthUserRoleUser  = "user"
)

var (
	ErrUsernameTaken      = errors.New("username already exists")
	ErrRegistrationClosed = errors.New("registration is closed")
	ErrUserOwnsFiles      = errors.New("account still owns files")
)

// AuthUser is a local account. Its ID is the owner id of the files it
// uploads and the issuer id of the shares it creates.
type AuthUser struct {
	ID           string
	Username     string
	PasswordHash string
	Role         string
	Disabled     bool
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// IsAdmin reports whether the user holds the admin role.
func (u AuthUser) IsAdmin() bool {
	return u.Role == AuthUserRoleAdmin
}

// UserSummary is an account with what it holds in the vault.
type UserSummary struct {
	AuthUser
	Files        int
	ActiveShares int
}

// Session is a login bound to a hashed bearer token.
type Session struct {
	ID        string
	UserID    string
	TokenHash string
	ExpiresAt time.Time
	CreatedAt time.Time
}

const userColumns = "u.id, u.username, u.password_hash, u.role, u.disabled, u.created_at, u.updated_at"

const anyEnabledUserSQL = "SELECT EXISTS (SELECT 1 FROM users WHERE disabled = 0)"

// HasEnabledUsers reports whether any account can still log in.
func (s *Store) HasEnabledUsers(ctx context.Context) (bool, error) {
	var found int
	if err := s.db.QueryRowContext(ctx, anyEnabledUserSQL).Scan(&found); err != nil {
		return false, err
	}
	return found == 1, nil
}

// RegisterUser creates a self-registered account. While no enabled account
// exists the new one becomes admin; after that open must be set or
// ErrRegistrationClosed is returned. The check and the insert share one
// transaction.
func (s *Store) RegisterUser(ctx context.Context, username, passwordHash string, open bool, now time.Time) (*AuthUser, error) {
	var user *AuthUser
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var found int
		if err := tx.QueryRowContext(ctx, anyEnabledUserSQL).Scan(&found); err != nil {
			return err
		}
		role := AuthUserRoleAdmin
		if found == 1 {
			if !open {
				return ErrRegistrationClosed
			}
			role = AuthUserRoleUser
		}
		var err error
		user, err = insertUser(ctx, tx, username, passwordHash, role, now)
		return err
	})
	if err != nil {
		return nil, err
	}
	return user, nil
}

// CreateUser provisions an account with an explicit role.
func (s *Store) CreateUser(ctx context.Context, username, passwordHash, role string, now time.Time) (*AuthUser, error) {
	var user *AuthUser
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		user, err = insertUser(ctx, tx, username, passwordHash, role, now)
		return err
	})
	if err != nil {
		return nil, err
	}
	return user, nil
}

func insertUser(ctx context.Context, tx *sql.Tx, username, passwordHash, role string, now time.Time) (*AuthUser, error) {
	user := &AuthUser{
		Username:     canonicalUsername(username),
		PasswordHash: strings.TrimSpace(passwordHash),
		Role:         role,
		CreatedAt:    now.UTC(),
		UpdatedAt:    now.UTC(),
	}
	switch {
	case user.Username == "":
		return nil, fmt.Errorf("username is required")
	case user.PasswordHash == "":
		return nil, fmt.Errorf("password hash is required")
	case role != AuthUserRoleAdmin && role != AuthUserRoleUser:
		return nil, fmt.Errorf("invalid role %q", role)
	}

	taken, err := existsTx(ctx, tx, "SELECT 1 FROM users WHERE username = ? LIMIT 1", user.Username)
	if err != nil {
		return nil, err
	}
	if taken {
		return nil, fmt.Errorf("%s: %w", user.Username, ErrUsernameTaken)
	}
	user.ID, err = GenerateID("au", func(id string) (bool, error) {
		return existsTx(ctx, tx, "SELECT 1 FROM users WHERE id = ? LIMIT 1", id)
	})
	if err != nil {
		return nil, err
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO users (id, username, password_hash, role, disabled, created_at, updated_at)
		VALUES (?, ?, ?, ?, 0, ?, ?)
	`, user.ID, user.Username, user.PasswordHash, user.Role, dbFormatTime(now), dbFormatTime(now)); err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return nil, fmt.Errorf("%s: %w", user.Username, ErrUsernameTaken)
		}
		return nil, err
	}
	return user, nil
}

// GetUserByUsername returns an account by username, or nil when missing.
func (s *Store) GetUserByUsername(ctx context.Context, username string) (*AuthUser, error) {
	username = canonicalUsername(username)
	if username == "" {
		return nil, nil
	}
	return scanUser(s.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users u WHERE u.username = ?`, username))
}

// ListUsers lists accounts by username with the number of files each owns
// and the shares it issued that are still redeemable at now.
func (s *Store) ListUsers(ctx context.Context, now time.Time) ([]UserSummary, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+userColumns+`,
			(SELECT COUNT(*) FROM files f WHERE f.owner_id = u.id),
			(SELECT COUNT(*) FROM share_tokens t
				WHERE t.issuer_id = u.id AND t.revoked_at IS NULL
				  AND t.expires_at > ? AND t.use_count < t.max_uses)
		FROM users u
		ORDER BY u.username
	`, dbFormatTime(now))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []UserSummary
	for rows.Next() {
		var summary UserSummary
		user, err := scanUser(rows, &summary.Files, &summary.ActiveShares)
		if err != nil {
			return nil, err
		}
		summary.AuthUser = *user
		out = append(out, summary)
	}
	return out, rows.Err()
}

// SetUserDisabled enables or disables an account. Disabling also ends its
// open sessions, so enabling it again needs a fresh login.
func (s *Store) SetUserDisabled(ctx context.Context, username string, disabled bool, now time.Time) (*AuthUser, error) {
	username = canonicalUsername(username)
	var user *AuthUser
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		if user, err = scanUser(tx.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users u WHERE u.username = ?`, username)); err != nil {
			return err
		}
		if user == nil {
			return fmt.Errorf("user %s: %w", username, models.ErrNotFound)
		}
		if _, err := tx.ExecContext(ctx, "UPDATE users SET disabled = ?, updated_at = ? WHERE id = ?", disabled, dbFormatTime(now), user.ID); err != nil {
			return err
		}
		if disabled {
			if _, err := tx.ExecContext(ctx, "UPDATE sessions SET revoked_at = ? WHERE user_id = ? AND revoked_at IS NULL", dbFormatTime(now), user.ID); err != nil {
				return err
			}
		}
		user.Disabled = disabled
		user.UpdatedAt = now.UTC()
		return nil
	})
	if err != nil {
		return nil, err
	}
	return user, nil
}

// DeleteUser removes an account that owns no files. Shares it issued are
// revoked and its sessions go with it.
func (s *Store) DeleteUser(ctx context.Context, username string, now time.Time) error {
	username = canonicalUsername(username)
	return s.withTx(ctx, func(tx *sql.Tx) error {
		var id string
		err := tx.QueryRowContext(ctx, "SELECT id FROM users WHERE username = ?", username).Scan(&id)
		if err == sql.ErrNoRows {
			return fmt.Errorf("user %s: %w", username, models.ErrNotFound)
		}
		if err != nil {
			return err
		}
		owns, err := existsTx(ctx, tx, "SELECT 1 FROM files WHERE owner_id = ? LIMIT 1", id)
		if err != nil {
			return err
		}
		if owns {
			return fmt.Errorf("user %s: %w", username, ErrUserOwnsFiles)
		}
		if _, err := tx.ExecContext(ctx, "UPDATE share_tokens SET revoked_at = ? WHERE issuer_id = ? AND revoked_at IS NULL", dbFormatTime(now), id); err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, "DELETE FROM users WHERE id = ?", id)
		return err
	})
}

// OpenSession records a session for an enabled account and fills in its ID.
// It fails with models.ErrNotFound when the account is missing or disabled.
func (s *Store) OpenSession(ctx context.Context, session *Session) error {
	if session == nil || strings.TrimSpace(session.TokenHash) == "" {
		return fmt.Errorf("session token hash is required")
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		id, err := GenerateID("as", func(id string) (bool, error) {
			return existsTx(ctx, tx, "SELECT 1 FROM sessions WHERE id = ? LIMIT 1", id)
		})
		if err != nil {
			return err
		}
		result, err := tx.ExecContext(ctx, `
			INSERT INTO sessions (id, user_id, token_hash, expires_at, revoked_at, created_at)
			SELECT ?, id, ?, ?, NULL, ? FROM users WHERE id = ? AND disabled = 0
		`, id, session.TokenHash, dbFormatTime(session.ExpiresAt), dbFormatTime(session.CreatedAt), session.UserID)
		if err != nil {
			return err
		}
		if n, err := result.RowsAffected(); err != nil {
			return err
		} else if n == 0 {
			return fmt.Errorf("user %s: %w", session.UserID, models.ErrNotFound)
		}
		session.ID = id
		return nil
	})
}

// SessionUser returns the enabled account behind a live session, or nil.
func (s *Store) SessionUser(ctx context.Context, tokenHash string, now time.Time) (*AuthUser, error) {
	if tokenHash = strings.TrimSpace(tokenHash); tokenHash == "" {
		return nil, nil
	}
	return scanUser(s.db.QueryRowContext(ctx, `
		SELECT `+userColumns+`
		FROM sessions s JOIN users u ON u.id = s.user_id
		WHERE s.token_hash = ? AND s.revoked_at IS NULL AND s.expires_at > ? AND u.disabled = 0
	`, tokenHash, dbFormatTime(now)))
}

// CloseSession revokes a session. Unknown or closed sessions are ignored.
func (s *Store) CloseSession(ctx context.Context, tokenHash string, now time.Time) error {
	if tokenHash = strings.TrimSpace(tokenHash); tokenHash == "" {
		return nil
	}
	_, err := s.db.ExecContext(ctx, "UPDATE sessions SET revoked_at = ? WHERE token_hash = ? AND revoked_at IS NULL", dbFormatTime(now), tokenHash)
	return err
}

// scanUser reads userColumns followed by any extra destinations.
func scanUser(scanner rowScanner, extra ...any) (*AuthUser, error) {
	var (
		user               AuthUser
		createdAt, updated string
	)
	dest := append([]any{&user.ID, &user.Username, &user.PasswordHash, &user.Role, &user.Disabled, &createdAt, &updated}, extra...)
	if err := scanner.Scan(dest...); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	var err error
	if user.CreatedAt, err = dbParseTime(createdAt); err != nil {
		return nil, err
	}
	if user.UpdatedAt, err = dbParseTime(updated); err != nil {
		return nil, err
	}
	return &user, nil
}

func canonicalUsername(username string) string {
	return strings.ToLower(strings.TrimSpace(username))
}
