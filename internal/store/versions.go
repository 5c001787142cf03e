package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"chainvault/internal/models"
)

const versionSelect = `
	SELECT v.id, v.file_id, v.seq, v.digest, v.size_bytes, v.media_type, v.created_at,
	       r.id, r.digest, r.ledger, r.ledger_height, r.leaf_index, r.root, r.proof_json, r.committed_at
	FROM versions v
	LEFT JOIN anchor_receipts r ON r.id = v.receipt_id`

const receiptColumns = "id, digest, ledger, ledger_height, leaf_index, root, proof_json, committed_at, superseded_at"

// CreateVersion appends a version to a file. Seq and CreatedAt are assigned
// here so both strictly increase per file.
func (s *Store) CreateVersion(ctx context.Context, version *models.Version) error {
	if version == nil {
		return fmt.Errorf("version is required")
	}
	digest, err := models.NormalizeDigest(version.Digest)
	if err != nil {
		return err
	}
	version.Digest = digest
	if version.CreatedAt.IsZero() {
		version.CreatedAt = time.Now().UTC()
	}

	return s.withTx(ctx, func(tx *sql.Tx) error {
		fileExists, err := existsTx(ctx, tx, "SELECT 1 FROM files WHERE id = ? LIMIT 1", version.FileID)
		if err != nil {
			return err
		}
		if !fileExists {
			return fmt.Errorf("file %s: %w", version.FileID, models.ErrNotFound)
		}
		blobExists, err := existsTx(ctx, tx, "SELECT 1 FROM blobs WHERE digest = ? LIMIT 1", version.Digest)
		if err != nil {
			return err
		}
		if !blobExists {
			return fmt.Errorf("digest %s: %w", version.Digest, models.ErrDanglingReference)
		}

		var lastSeq int
		var lastCreated sql.NullString
		if err := tx.QueryRowContext(ctx, `
			SELECT COALESCE(MAX(seq), 0), MAX(created_at) FROM versions WHERE file_id = ?
		`, version.FileID).Scan(&lastSeq, &lastCreated); err != nil {
			return err
		}
		version.Seq = lastSeq + 1
		if lastCreated.Valid {
			last, err := dbParseTime(lastCreated.String)
			if err != nil {
				return err
			}
			if !version.CreatedAt.After(last) {
				version.CreatedAt = last.Add(time.Microsecond)
			}
		}

		if version.ID == "" {
			id, err := GenerateVersionID(func(id string) (bool, error) {
				return existsTx(ctx, tx, "SELECT 1 FROM versions WHERE id = ? LIMIT 1", id)
			})
			if err != nil {
				return err
			}
			version.ID = id
		}
		version.Receipt = nil

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO versions (id, file_id, seq, digest, size_bytes, media_type, receipt_id, created_at)
			VALUES (?, ?, ?, ?, ?, ?, NULL, ?)
		`, version.ID, version.FileID, version.Seq, version.Digest, version.SizeBytes,
			nullIfEmpty(strings.TrimSpace(version.MediaType)), dbFormatTime(version.CreatedAt)); err != nil {
			return err
		}

		_, err = tx.ExecContext(ctx, "UPDATE files SET updated_at = ? WHERE id = ?", dbFormatTime(version.CreatedAt), version.FileID)
		return err
	})
}

// GetVersion returns one version of a file, or nil when missing.
func (s *Store) GetVersion(ctx context.Context, fileID, versionID string) (*models.Version, error) {
	row := s.db.QueryRowContext(ctx, versionSelect+` WHERE v.id = ? AND v.file_id = ?`, versionID, fileID)
	return scanVersion(row)
}

// GetVersionByID returns one version by id, or nil when missing.
func (s *Store) GetVersionByID(ctx context.Context, versionID string) (*models.Version, error) {
	row := s.db.QueryRowContext(ctx, versionSelect+` WHERE v.id = ?`, versionID)
	return scanVersion(row)
}

// ListVersions lists a file's versions oldest first.
func (s *Store) ListVersions(ctx context.Context, fileID string) ([]models.Version, error) {
	return s.queryVersions(ctx, versionSelect+` WHERE v.file_id = ? ORDER BY v.seq ASC`, fileID)
}

// ListPendingVersions lists versions without a receipt, oldest first.
func (s *Store) ListPendingVersions(ctx context.Context, limit int) ([]models.Version, error) {
	query := versionSelect + ` WHERE v.receipt_id IS NULL ORDER BY v.created_at ASC`
	args := []any{}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	return s.queryVersions(ctx, query, args...)
}

// ListVersionsByDigest lists every version that references digest.
func (s *Store) ListVersionsByDigest(ctx context.Context, digest string) ([]models.Version, error) {
	return s.queryVersions(ctx, versionSelect+` WHERE v.digest = ? ORDER BY v.created_at ASC`, strings.ToLower(strings.TrimSpace(digest)))
}

// ListAnchoredVersions pages through anchored versions by id.
func (s *Store) ListAnchoredVersions(ctx context.Context, afterID string, limit int) ([]models.Version, error) {
	if limit <= 0 {
		limit = 100
	}
	return s.queryVersions(ctx, versionSelect+` WHERE v.receipt_id IS NOT NULL AND v.id > ? ORDER BY v.id ASC LIMIT ?`, afterID, limit)
}

// AttachReceipt stores receipt and points the version at it. The swap only
// happens while the version's current receipt id equals priorReceiptID (empty
// meaning none); otherwise ErrAlreadyAnchored is returned. A replaced receipt
// is kept as superseded history.
func (s *Store) AttachReceipt(ctx context.Context, versionID, priorReceiptID string, receipt *models.AnchorReceipt, now time.Time) error {
	if receipt == nil {
		return fmt.Errorf("receipt is required")
	}
	proofJSON, err := json.Marshal(receipt.Proof)
	if err != nil {
		return fmt.Errorf("encode proof: %w", err)
	}

	return s.withTx(ctx, func(tx *sql.Tx) error {
		var current sql.NullString
		err := tx.QueryRowContext(ctx, "SELECT receipt_id FROM versions WHERE id = ?", versionID).Scan(&current)
		if err == sql.ErrNoRows {
			return fmt.Errorf("version %s: %w", versionID, models.ErrNotFound)
		}
		if err != nil {
			return err
		}
		if current.String != priorReceiptID {
			return models.ErrAlreadyAnchored
		}

		id, err := GenerateReceiptID(func(id string) (bool, error) {
			return existsTx(ctx, tx, "SELECT 1 FROM anchor_receipts WHERE id = ? LIMIT 1", id)
		})
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO anchor_receipts (id, version_id, digest, ledger, ledger_height, leaf_index, root, proof_json, committed_at, created_at, superseded_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, NULL)
		`, id, versionID, receipt.Digest, receipt.Ledger, int64(receipt.LedgerHeight), int64(receipt.LeafIndex),
			receipt.Root, string(proofJSON), dbFormatTime(receipt.CommittedAt), dbFormatTime(now)); err != nil {
			return err
		}

		swapQuery := "UPDATE versions SET receipt_id = ? WHERE id = ? AND receipt_id IS NULL"
		swapArgs := []any{id, versionID}
		if priorReceiptID != "" {
			swapQuery = "UPDATE versions SET receipt_id = ? WHERE id = ? AND receipt_id = ?"
			swapArgs = append(swapArgs, priorReceiptID)
		}
		result, err := tx.ExecContext(ctx, swapQuery, swapArgs...)
		if err != nil {
			return err
		}
		affected, err := result.RowsAffected()
		if err != nil {
			return err
		}
		if affected == 0 {
			return models.ErrAlreadyAnchored
		}

		if priorReceiptID != "" {
			if _, err := tx.ExecContext(ctx, "UPDATE anchor_receipts SET superseded_at = ? WHERE id = ?", dbFormatTime(now), priorReceiptID); err != nil {
				return err
			}
		}
		receipt.ID = id
		return nil
	})
}

// ListReceiptHistory lists every receipt ever attached to a version, oldest first.
func (s *Store) ListReceiptHistory(ctx context.Context, versionID string) ([]models.AnchorReceipt, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+receiptColumns+` FROM anchor_receipts WHERE version_id = ? ORDER BY created_at ASC`, versionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	receipts := []models.AnchorReceipt{}
	for rows.Next() {
		var (
			receipt      models.AnchorReceipt
			height, leaf int64
			proofJSON    string
			committedAt  string
			supersededAt sql.NullString
		)
		if err := rows.Scan(&receipt.ID, &receipt.Digest, &receipt.Ledger, &height, &leaf, &receipt.Root, &proofJSON, &committedAt, &supersededAt); err != nil {
			return nil, err
		}
		receipt.LedgerHeight = uint64(height)
		receipt.LeafIndex = uint32(leaf)
		if err := json.Unmarshal([]byte(proofJSON), &receipt.Proof); err != nil {
			return nil, fmt.Errorf("parse receipt proof_json: %w", err)
		}
		if receipt.CommittedAt, err = dbParseTime(committedAt); err != nil {
			return nil, err
		}
		if receipt.SupersededAt, err = dbParseNullTime(supersededAt); err != nil {
			return nil, err
		}
		receipts = append(receipts, receipt)
	}
	return receipts, rows.Err()
}

func (s *Store) queryVersions(ctx context.Context, query string, args ...any) ([]models.Version, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	versions := []models.Version{}
	for rows.Next() {
		version, err := scanVersion(rows)
		if err != nil {
			return nil, err
		}
		if version != nil {
			versions = append(versions, *version)
		}
	}
	return versions, rows.Err()
}

func scanVersion(scanner rowScanner) (*models.Version, error) {
	var (
		version                  models.Version
		mediaType                sql.NullString
		createdAt                string
		receiptID, receiptDigest sql.NullString
		ledgerName, root, proof  sql.NullString
		height, leafIndex        sql.NullInt64
		committedAt              sql.NullString
	)
	err := scanner.Scan(
		&version.ID, &version.FileID, &version.Seq, &version.Digest, &version.SizeBytes, &mediaType, &createdAt,
		&receiptID, &receiptDigest, &ledgerName, &height, &leafIndex, &root, &proof, &committedAt,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	version.MediaType = mediaType.String
	if version.CreatedAt, err = dbParseTime(createdAt); err != nil {
		return nil, err
	}

	if receiptID.Valid {
		receipt := &models.AnchorReceipt{
			ID:           receiptID.String,
			Digest:       receiptDigest.String,
			Ledger:       ledgerName.String,
			LedgerHeight: uint64(height.Int64),
			LeafIndex:    uint32(leafIndex.Int64),
			Root:         root.String,
		}
		if proof.Valid && proof.String != "" {
			if err := json.Unmarshal([]byte(proof.String), &receipt.Proof); err != nil {
				return nil, fmt.Errorf("parse receipt proof_json: %w", err)
			}
		}
		if receipt.CommittedAt, err = dbParseTime(committedAt.String); err != nil {
			return nil, err
		}
		version.Receipt = receipt
	}
	return &version, nil
}
