package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"chainvault/internal/models"
)

const fileColumns = "id, owner_id, name, created_at, updated_at"

// FindOrCreateFile returns the owner's file with name, creating it when absent.
// The bool result reports whether the file was created.
func (s *Store) FindOrCreateFile(ctx context.Context, ownerID, name string, now time.Time) (*models.FileEntry, bool, error) {
	ownerID = strings.TrimSpace(ownerID)
	name = strings.TrimSpace(name)
	if ownerID == "" {
		return nil, false, fmt.Errorf("owner id is required")
	}
	if name == "" {
		return nil, false, fmt.Errorf("file name is required")
	}

	var (
		file    *models.FileEntry
		created bool
	)
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		existing, err := scanFile(tx.QueryRowContext(ctx, `SELECT `+fileColumns+` FROM files WHERE owner_id = ? AND name = ?`, ownerID, name))
		if err != nil {
			return err
		}
		if existing != nil {
			file = existing
			return nil
		}

		id, err := GenerateFileID(func(id string) (bool, error) {
			return existsTx(ctx, tx, "SELECT 1 FROM files WHERE id = ? LIMIT 1", id)
		})
		if err != nil {
			return err
		}
		entry := &models.FileEntry{
			ID:        id,
			OwnerID:   ownerID,
			Name:      name,
			CreatedAt: now.UTC(),
			UpdatedAt: now.UTC(),
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO files (id, owner_id, name, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?)
		`, entry.ID, entry.OwnerID, entry.Name, dbFormatTime(entry.CreatedAt), dbFormatTime(entry.UpdatedAt)); err != nil {
			return err
		}
		file = entry
		created = true
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return file, created, nil
}

// GetFile returns one file by id, or nil when missing.
func (s *Store) GetFile(ctx context.Context, id string) (*models.FileEntry, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+fileColumns+` FROM files WHERE id = ?`, strings.TrimSpace(id))
	return scanFile(row)
}

// ListFilesByOwner lists an owner's files ordered by name.
func (s *Store) ListFilesByOwner(ctx context.Context, ownerID string) ([]models.FileEntry, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+fileColumns+` FROM files WHERE owner_id = ? ORDER BY name ASC`, ownerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	files := []models.FileEntry{}
	for rows.Next() {
		file, err := scanFile(rows)
		if err != nil {
			return nil, err
		}
		if file != nil {
			files = append(files, *file)
		}
	}
	return files, rows.Err()
}

func scanFile(scanner rowScanner) (*models.FileEntry, error) {
	var file models.FileEntry
	var createdAt, updatedAt string
	if err := scanner.Scan(&file.ID, &file.OwnerID, &file.Name, &createdAt, &updatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}

	var err error
	if file.CreatedAt, err = dbParseTime(createdAt); err != nil {
		return nil, err
	}
	if file.UpdatedAt, err = dbParseTime(updatedAt); err != nil {
		return nil, err
	}
	return &file, nil
}

func existsTx(ctx context.Context, tx *sql.Tx, query string, args ...any) (bool, error) {
	var exists int
	err := tx.QueryRowContext(ctx, query, args...).Scan(&exists)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}
