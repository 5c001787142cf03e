package ledger

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/gob"
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.etcd.io/bbolt"

	"chainvault/internal/models"
)

const (
	defaultBatchSize   = 16
	defaultBatchWindow = 2 * time.Second
)

var (
	bucketBlocks      = []byte("blocks")
	bucketSubmissions = []byte("submissions")
	bucketPending     = []byte("pending")
)

// LocalConfig configures a LocalLedger.
type LocalConfig struct {
	Path        string
	BatchSize   int
	BatchWindow time.Duration
}

// LocalLedger is a single-node Merkle ledger persisted in bbolt. Pending
// digests are sealed into hash-chained blocks by count or by time window.
type LocalLedger struct {
	db          *bbolt.DB
	batchSize   int
	batchWindow time.Duration
	logger      *slog.Logger
	now         func() time.Time
	closed      atomic.Bool
}

type blockRecord struct {
	Height        uint64
	PrevHash      []byte
	Root          []byte
	Hash          []byte
	Timestamp     time.Time
	Leaves        [][]byte
	SubmissionIDs []string
}

type submissionRecord struct {
	ID          string
	Digest      string
	State       SubmissionState
	Height      uint64
	LeafIndex   uint32
	SubmittedAt time.Time
	FinalizedAt time.Time
	Reason      string
}

var _ Node = (*LocalLedger)(nil)

// OpenLocal opens or creates the ledger file. The parent directory is
// created if it does not exist.
func OpenLocal(cfg LocalConfig, logger *slog.Logger) (*LocalLedger, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("ledger: path is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0700); err != nil {
		return nil, fmt.Errorf("ledger: create directory: %w", err)
	}
	db, err := bbolt.Open(cfg.Path, 0600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("ledger: open bolt db: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		for _, name := range [][]byte{bucketBlocks, bucketSubmissions, bucketPending} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return fmt.Errorf("create bucket %q: %w", name, err)
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ledger: create buckets: %w", err)
	}

	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}
	batchWindow := cfg.BatchWindow
	if batchWindow <= 0 {
		batchWindow = defaultBatchWindow
	}

	return &LocalLedger{
		db:          db,
		batchSize:   batchSize,
		batchWindow: batchWindow,
		logger:      logger.With("component", "ledger", "backend", "local"),
		now:         func() time.Time { return time.Now().UTC() },
	}, nil
}

// Close closes the underlying database.
func (l *LocalLedger) Close() error {
	if l.closed.Swap(true) {
		return nil
	}
	return l.db.Close()
}

// Name identifies the backend in receipts.
func (l *LocalLedger) Name() string { return "local" }

// Run seals pending submissions every batch window until ctx is done.
func (l *LocalLedger) Run(ctx context.Context) {
	ticker := time.NewTicker(l.batchWindow)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := l.Seal(ctx); err != nil && !l.closed.Load() {
				l.logger.Error("seal batch", "error", err)
			}
		}
	}
}

// Submit queues digest for the next block. A full batch is sealed at once.
func (l *LocalLedger) Submit(ctx context.Context, digest string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if l.closed.Load() {
		return "", fmt.Errorf("%w: %w", ErrUnavailable, ErrClosed)
	}
	normalized, err := models.NormalizeDigest(digest)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrRejected, err)
	}

	id := uuid.NewString()
	err = l.db.Update(func(tx *bbolt.Tx) error {
		record := submissionRecord{
			ID:          id,
			Digest:      normalized,
			State:       StatePending,
			SubmittedAt: l.now(),
		}
		if err := putSubmission(tx, record); err != nil {
			return err
		}
		if err := enqueuePending(tx, id); err != nil {
			return err
		}
		for countKeys(tx.Bucket(bucketPending)) >= l.batchSize {
			if _, err := l.sealTx(tx); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("ledger: submit: %w", err)
	}

	l.logger.Debug("digest submitted", "submission_id", id, "digest", normalized)
	return id, nil
}

// Seal turns up to one batch of pending submissions into a block. It
// returns the number of sealed submissions; zero means nothing was pending.
func (l *LocalLedger) Seal(ctx context.Context) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if l.closed.Load() {
		return 0, ErrClosed
	}
	var sealed int
	err := l.db.Update(func(tx *bbolt.Tx) error {
		n, err := l.sealTx(tx)
		sealed = n
		return err
	})
	return sealed, err
}

func (l *LocalLedger) sealTx(tx *bbolt.Tx) (int, error) {
	pending := tx.Bucket(bucketPending)
	submissions := tx.Bucket(bucketSubmissions)

	var (
		queueKeys [][]byte
		records   []submissionRecord
	)
	c := pending.Cursor()
	for k, v := c.First(); k != nil && len(records) < l.batchSize; k, v = c.Next() {
		var record submissionRecord
		data := submissions.Get(v)
		if data == nil {
			queueKeys = append(queueKeys, append([]byte(nil), k...))
			continue
		}
		if err := decodeGob(data, &record); err != nil {
			return 0, fmt.Errorf("decode submission: %w", err)
		}
		queueKeys = append(queueKeys, append([]byte(nil), k...))
		records = append(records, record)
	}
	for _, k := range queueKeys {
		if err := pending.Delete(k); err != nil {
			return 0, err
		}
	}
	if len(records) == 0 {
		return 0, nil
	}

	tip, err := tipBlock(tx)
	if err != nil {
		return 0, err
	}
	prevHash := make([]byte, HashSize)
	height := uint64(1)
	if tip != nil {
		prevHash = tip.Hash
		height = tip.Height + 1
	}

	now := l.now()
	block := blockRecord{
		Height:    height,
		PrevHash:  prevHash,
		Timestamp: now,
	}
	// Submissions of the same digest share one leaf, so no two leaves of a
	// block are equal.
	leafIndex := make(map[string]uint32, len(records))
	for _, record := range records {
		if _, ok := leafIndex[record.Digest]; !ok {
			leaf, _ := hex.DecodeString(record.Digest)
			leafIndex[record.Digest] = uint32(len(block.Leaves))
			block.Leaves = append(block.Leaves, leaf)
		}
		block.SubmissionIDs = append(block.SubmissionIDs, record.ID)
	}
	block.Root = BuildRoot(block.Leaves)
	block.Hash = blockHash(block.PrevHash, block.Root, block.Height, block.Timestamp)

	data, err := encodeGob(block)
	if err != nil {
		return 0, fmt.Errorf("encode block: %w", err)
	}
	if err := tx.Bucket(bucketBlocks).Put(heightKey(height), data); err != nil {
		return 0, err
	}

	for _, record := range records {
		record.State = StateFinalized
		record.Height = height
		record.LeafIndex = leafIndex[record.Digest]
		record.FinalizedAt = now
		if err := putSubmission(tx, record); err != nil {
			return 0, err
		}
	}

	l.logger.Info("block sealed", "height", height, "submissions", len(records), "leaves", len(block.Leaves), "root", hex.EncodeToString(block.Root))
	return len(records), nil
}

// Status reports a submission, with its inclusion proof once finalized.
func (l *LocalLedger) Status(ctx context.Context, submissionID string) (Submission, error) {
	if err := ctx.Err(); err != nil {
		return Submission{}, err
	}
	var out Submission
	err := l.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucketSubmissions).Get([]byte(submissionID))
		if data == nil {
			return ErrUnknownSubmission
		}
		var record submissionRecord
		if err := decodeGob(data, &record); err != nil {
			return fmt.Errorf("decode submission: %w", err)
		}
		out = Submission{
			ID:          record.ID,
			Digest:      record.Digest,
			State:       record.State,
			SubmittedAt: record.SubmittedAt,
			Reason:      record.Reason,
		}
		if record.State != StateFinalized {
			return nil
		}

		block, err := blockAt(tx, record.Height)
		if err != nil {
			return err
		}
		proof, err := BuildProof(block.Leaves, record.LeafIndex)
		if err != nil {
			return err
		}
		finalizedAt := record.FinalizedAt
		out.Height = record.Height
		out.LeafIndex = record.LeafIndex
		out.Root = hex.EncodeToString(block.Root)
		out.Proof = encodeHashes(proof)
		out.FinalizedAt = &finalizedAt
		return nil
	})
	return out, err
}

// Head returns the current tip. An empty ledger has height zero.
func (l *LocalLedger) Head(ctx context.Context) (Checkpoint, error) {
	if err := ctx.Err(); err != nil {
		return Checkpoint{}, err
	}
	var out Checkpoint
	err := l.db.View(func(tx *bbolt.Tx) error {
		tip, err := tipBlock(tx)
		if err != nil || tip == nil {
			return err
		}
		out = Checkpoint{
			Height:    tip.Height,
			Root:      hex.EncodeToString(tip.Root),
			BlockHash: hex.EncodeToString(tip.Hash),
			Timestamp: tip.Timestamp,
		}
		return nil
	})
	return out, err
}

// IsCanonical reports whether root is the root of the block at height on
// the current chain.
func (l *LocalLedger) IsCanonical(ctx context.Context, root string, height uint64) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	rawRoot, err := decodeHash(root)
	if err != nil {
		return false, nil
	}
	var canonical bool
	err = l.db.View(func(tx *bbolt.Tx) error {
		block, err := blockAt(tx, height)
		if err != nil {
			if err == ErrBlockNotFound {
				return nil
			}
			return err
		}
		canonical = bytes.Equal(block.Root, rawRoot)
		return nil
	})
	return canonical, err
}

// Block returns the block at height.
func (l *LocalLedger) Block(ctx context.Context, height uint64) (Block, error) {
	if err := ctx.Err(); err != nil {
		return Block{}, err
	}
	var out Block
	err := l.db.View(func(tx *bbolt.Tx) error {
		block, err := blockAt(tx, height)
		if err != nil {
			return err
		}
		out = Block{
			Height:    block.Height,
			PrevHash:  hex.EncodeToString(block.PrevHash),
			Root:      hex.EncodeToString(block.Root),
			Hash:      hex.EncodeToString(block.Hash),
			Timestamp: block.Timestamp,
			Leaves:    encodeHashes(block.Leaves),
		}
		return nil
	})
	return out, err
}

// Reorg drops every block at or above fromHeight. Roots of dropped blocks
// stop being canonical and their submissions are marked rejected, so
// receipts pointing at them read as stale until the digest is committed
// again. It returns the number of dropped blocks.
func (l *LocalLedger) Reorg(ctx context.Context, fromHeight uint64) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if fromHeight == 0 {
		fromHeight = 1
	}
	var dropped int
	err := l.db.Update(func(tx *bbolt.Tx) error {
		blocks := tx.Bucket(bucketBlocks)
		var doomed []blockRecord
		c := blocks.Cursor()
		for k, v := c.Seek(heightKey(fromHeight)); k != nil; k, v = c.Next() {
			var block blockRecord
			if err := decodeGob(v, &block); err != nil {
				return fmt.Errorf("decode block: %w", err)
			}
			doomed = append(doomed, block)
		}

		for _, block := range doomed {
			for _, id := range block.SubmissionIDs {
				data := tx.Bucket(bucketSubmissions).Get([]byte(id))
				if data == nil {
					continue
				}
				var record submissionRecord
				if err := decodeGob(data, &record); err != nil {
					return fmt.Errorf("decode submission: %w", err)
				}
				record.State = StateRejected
				record.Reason = fmt.Sprintf("block %d orphaned by reorg", block.Height)
				record.Height = 0
				record.LeafIndex = 0
				record.FinalizedAt = time.Time{}
				if err := putSubmission(tx, record); err != nil {
					return err
				}
			}
			if err := blocks.Delete(heightKey(block.Height)); err != nil {
				return err
			}
		}
		dropped = len(doomed)
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("ledger: reorg: %w", err)
	}
	if dropped > 0 {
		l.logger.Warn("ledger reorganized", "from_height", fromHeight, "dropped_blocks", dropped)
	}
	return dropped, nil
}

// VerifyChain walks every block and checks hash links, block hashes and
// Merkle roots.
func (l *LocalLedger) VerifyChain(ctx context.Context) (ChainReport, error) {
	if err := ctx.Err(); err != nil {
		return ChainReport{}, err
	}
	report := ChainReport{Valid: true}
	err := l.db.View(func(tx *bbolt.Tx) error {
		prevHash := make([]byte, HashSize)
		expected := uint64(1)
		c := tx.Bucket(bucketBlocks).Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var block blockRecord
			if err := decodeGob(v, &block); err != nil {
				return fmt.Errorf("%w: height %d: decode: %w", ErrChainCorrupt, binary.BigEndian.Uint64(k), err)
			}
			switch {
			case block.Height != expected:
				return fmt.Errorf("%w: expected height %d, found %d", ErrChainCorrupt, expected, block.Height)
			case !bytes.Equal(block.PrevHash, prevHash):
				return fmt.Errorf("%w: height %d: broken prev hash link", ErrChainCorrupt, block.Height)
			case !bytes.Equal(BuildRoot(block.Leaves), block.Root):
				return fmt.Errorf("%w: height %d: merkle root mismatch", ErrChainCorrupt, block.Height)
			case !bytes.Equal(blockHash(block.PrevHash, block.Root, block.Height, block.Timestamp), block.Hash):
				return fmt.Errorf("%w: height %d: block hash mismatch", ErrChainCorrupt, block.Height)
			}
			prevHash = block.Hash
			expected++
			report.Height = block.Height
			report.Blocks++
			report.Leaves += len(block.Leaves)
		}
		return nil
	})
	if err != nil {
		report.Valid = false
		report.Error = err.Error()
	}
	return report, err
}

// PendingCount reports how many submissions await sealing.
func (l *LocalLedger) PendingCount() (int, error) {
	var n int
	err := l.db.View(func(tx *bbolt.Tx) error {
		n = countKeys(tx.Bucket(bucketPending))
		return nil
	})
	return n, err
}

func blockHash(prevHash, root []byte, height uint64, ts time.Time) []byte {
	buf := make([]byte, 0, 2*HashSize+16)
	buf = append(buf, prevHash...)
	buf = append(buf, root...)
	buf = binary.BigEndian.AppendUint64(buf, height)
	buf = binary.BigEndian.AppendUint64(buf, uint64(ts.UnixNano()))
	return DoubleHash(buf)
}

func tipBlock(tx *bbolt.Tx) (*blockRecord, error) {
	_, v := tx.Bucket(bucketBlocks).Cursor().Last()
	if v == nil {
		return nil, nil
	}
	var block blockRecord
	if err := decodeGob(v, &block); err != nil {
		return nil, fmt.Errorf("decode tip block: %w", err)
	}
	return &block, nil
}

func blockAt(tx *bbolt.Tx, height uint64) (*blockRecord, error) {
	data := tx.Bucket(bucketBlocks).Get(heightKey(height))
	if data == nil {
		return nil, ErrBlockNotFound
	}
	var block blockRecord
	if err := decodeGob(data, &block); err != nil {
		return nil, fmt.Errorf("decode block %d: %w", height, err)
	}
	return &block, nil
}

func countKeys(b *bbolt.Bucket) int {
	n := 0
	c := b.Cursor()
	for k, _ := c.First(); k != nil; k, _ = c.Next() {
		n++
	}
	return n
}

func putSubmission(tx *bbolt.Tx, record submissionRecord) error {
	data, err := encodeGob(record)
	if err != nil {
		return fmt.Errorf("encode submission: %w", err)
	}
	return tx.Bucket(bucketSubmissions).Put([]byte(record.ID), data)
}

func enqueuePending(tx *bbolt.Tx, id string) error {
	pending := tx.Bucket(bucketPending)
	seq, err := pending.NextSequence()
	if err != nil {
		return err
	}
	return pending.Put(heightKey(seq), []byte(id))
}

// heightKey encodes a height or sequence as an 8-byte big-endian key.
func heightKey(h uint64) []byte {
	k := make([]byte, 8)
	binary.BigEndian.PutUint64(k, h)
	return k
}

func encodeGob(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeGob(data []byte, v any) error {
	return gob.NewDecoder(bytes.NewReader(data)).Decode(v)
}
