package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"chainvault/internal/models"
)

const shareColumns = "id, file_id, version_id, issuer_id, permission, expires_at, max_uses, use_count, revoked_at, created_at, last_redeemed_at"

// CreateShareToken inserts one share token.
func (s *Store) CreateShareToken(ctx context.Context, token *models.ShareToken) error {
	if token == nil {
		return fmt.Errorf("share token is required")
	}
	if strings.TrimSpace(token.ID) == "" {
		return fmt.Errorf("share token id is required")
	}
	if token.MaxUses < 1 {
		return fmt.Errorf("max_uses must be >= 1")
	}
	if token.CreatedAt.IsZero() {
		token.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO share_tokens (`+shareColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		token.ID,
		token.FileID,
		token.VersionID,
		token.IssuerID,
		string(token.Permission),
		dbFormatTime(token.ExpiresAt),
		token.MaxUses,
		token.UseCount,
		nullTime(token.RevokedAt),
		dbFormatTime(token.CreatedAt),
		nullTime(token.LastRedeemedAt),
	)
	return err
}

// GetShareToken returns one share token by id, or nil when missing.
func (s *Store) GetShareToken(ctx context.Context, id string) (*models.ShareToken, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+shareColumns+` FROM share_tokens WHERE id = ?`, strings.TrimSpace(id))
	return scanShareToken(row)
}

// ListShareTokensByFile lists a file's share tokens newest first.
func (s *Store) ListShareTokensByFile(ctx context.Context, fileID string) ([]models.ShareToken, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+shareColumns+` FROM share_tokens WHERE file_id = ? ORDER BY created_at DESC`, fileID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	tokens := []models.ShareToken{}
	for rows.Next() {
		token, err := scanShareToken(rows)
		if err != nil {
			return nil, err
		}
		if token != nil {
			tokens = append(tokens, *token)
		}
	}
	return tokens, rows.Err()
}

// ConsumeShareUse atomically counts one redemption. It reports false when the
// token is revoked, expired at now, or out of uses.
func (s *Store) ConsumeShareUse(ctx context.Context, id string, now time.Time) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE share_tokens
		SET use_count = use_count + 1, last_redeemed_at = ?
		WHERE id = ?
		  AND revoked_at IS NULL
		  AND expires_at > ?
		  AND use_count < max_uses
	`, dbFormatTime(now), id, dbFormatTime(now))
	if err != nil {
		return false, err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected == 1, nil
}

// RevokeShareToken marks a token revoked. Revocation is one-way; revoking an
// already revoked token keeps the original timestamp. It reports false when
// the token does not exist.
func (s *Store) RevokeShareToken(ctx context.Context, id string, now time.Time) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE share_tokens
		SET revoked_at = COALESCE(revoked_at, ?)
		WHERE id = ?
	`, dbFormatTime(now), id)
	if err != nil {
		return false, err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

func scanShareToken(scanner rowScanner) (*models.ShareToken, error) {
	var (
		token                     models.ShareToken
		permission                string
		expiresAt, createdAt      string
		revokedAt, lastRedeemedAt sql.NullString
	)
	err := scanner.Scan(
		&token.ID,
		&token.FileID,
		&token.VersionID,
		&token.IssuerID,
		&permission,
		&expiresAt,
		&token.MaxUses,
		&token.UseCount,
		&revokedAt,
		&createdAt,
		&lastRedeemedAt,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	token.Permission = models.Permission(permission)

	if token.ExpiresAt, err = dbParseTime(expiresAt); err != nil {
		return nil, err
	}
	if token.CreatedAt, err = dbParseTime(createdAt); err != nil {
		return nil, err
	}
	if token.RevokedAt, err = dbParseNullTime(revokedAt); err != nil {
		return nil, err
	}
	if token.LastRedeemedAt, err = dbParseNullTime(lastRedeemedAt); err != nil {
		return nil, err
	}
	return &token, nil
}
