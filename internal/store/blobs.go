package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"chainvault/internal/models"
)

const blobColumns = "digest, size_bytes, storage_backend, blob_key, created_at"

// UpsertBlob inserts a blob row if absent and returns the canonical row.
// The bool result reports whether a new row was inserted.
func (s *Store) UpsertBlob(ctx context.Context, blob *models.Blob) (*models.Blob, bool, error) {
	if blob == nil {
		return nil, false, fmt.Errorf("blob is required")
	}
	digest, err := models.NormalizeDigest(blob.Digest)
	if err != nil {
		return nil, false, err
	}
	blob.Digest = digest
	blob.BlobKey = strings.TrimSpace(blob.BlobKey)
	if blob.BlobKey == "" {
		return nil, false, fmt.Errorf("blob_key is required")
	}
	if blob.SizeBytes < 0 {
		return nil, false, fmt.Errorf("size_bytes must be >= 0")
	}
	if strings.TrimSpace(blob.StorageBackend) == "" {
		blob.StorageBackend = "local"
	}
	if blob.CreatedAt.IsZero() {
		blob.CreatedAt = time.Now().UTC()
	}

	result, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO blobs (digest, size_bytes, storage_backend, blob_key, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, blob.Digest, blob.SizeBytes, blob.StorageBackend, blob.BlobKey, dbFormatTime(blob.CreatedAt))
	if err != nil {
		return nil, false, err
	}
	inserted, err := result.RowsAffected()
	if err != nil {
		return nil, false, err
	}

	canonical, err := s.GetBlob(ctx, blob.Digest)
	if err != nil {
		return nil, false, err
	}
	if canonical == nil {
		return nil, false, fmt.Errorf("blob not found after upsert")
	}
	return canonical, inserted > 0, nil
}

// GetBlob returns one blob by digest.
func (s *Store) GetBlob(ctx context.Context, digest string) (*models.Blob, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+blobColumns+` FROM blobs WHERE digest = ?`, strings.ToLower(strings.TrimSpace(digest)))
	return scanBlob(row)
}

// ListUnreferencedBlobs returns blobs created before olderThan that no version references.
func (s *Store) ListUnreferencedBlobs(ctx context.Context, olderThan time.Time, limit int) ([]models.Blob, error) {
	query := `
		SELECT b.digest, b.size_bytes, b.storage_backend, b.blob_key, b.created_at
		FROM blobs b
		WHERE NOT EXISTS (SELECT 1 FROM versions v WHERE v.digest = b.digest)
		  AND b.created_at < ?
		ORDER BY b.created_at ASC`
	args := []any{dbFormatTime(olderThan)}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	blobs := []models.Blob{}
	for rows.Next() {
		blob, err := scanBlob(rows)
		if err != nil {
			return nil, err
		}
		if blob != nil {
			blobs = append(blobs, *blob)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return blobs, nil
}

// DeleteUnreferencedBlob deletes a blob row only while no version references it.
func (s *Store) DeleteUnreferencedBlob(ctx context.Context, digest string) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		DELETE FROM blobs
		WHERE digest = ?
		  AND NOT EXISTS (SELECT 1 FROM versions WHERE digest = ?)
	`, digest, digest)
	if err != nil {
		return false, err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

func scanBlob(scanner rowScanner) (*models.Blob, error) {
	blob := models.Blob{}
	var createdAt string

	err := scanner.Scan(&blob.Digest, &blob.SizeBytes, &blob.StorageBackend, &blob.BlobKey, &createdAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}

	parsedCreated, err := dbParseTime(createdAt)
	if err != nil {
		return nil, err
	}
	blob.CreatedAt = parsedCreated

	return &blob, nil
}
