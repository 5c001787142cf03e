// Package ledger anchors content digests into an append-only Merkle ledger
// and verifies the receipts it hands back.
package ledger

import (
	"context"
	"time"

	"chainvault/internal/models"
)

// SubmissionState is the lifecycle of one submitted digest.
type SubmissionState string

const (
	StatePending   SubmissionState = "pending"
	StateFinalized SubmissionState = "finalized"
	StateRejected  SubmissionState = "rejected"
)

// Submission is the ledger's view of one submitted digest.
type Submission struct {
	ID          string          `json:"id"`
	Digest      string          `json:"digest"`
	State       SubmissionState `json:"state"`
	Height      uint64          `json:"height,omitempty"`
	LeafIndex   uint32          `json:"leaf_index"`
	Root        string          `json:"root,omitempty"`
	Proof       []string        `json:"proof,omitempty"`
	SubmittedAt time.Time       `json:"submitted_at"`
	FinalizedAt *time.Time      `json:"finalized_at,omitempty"`
	Reason      string          `json:"reason,omitempty"`
}

// Receipt converts a finalized submission into an anchor receipt.
func (s Submission) Receipt(ledgerName string) models.AnchorReceipt {
	receipt := models.AnchorReceipt{
		Digest:       s.Digest,
		Ledger:       ledgerName,
		LedgerHeight: s.Height,
		LeafIndex:    s.LeafIndex,
		Root:         s.Root,
		Proof:        append([]string{}, s.Proof...),
	}
	if s.FinalizedAt != nil {
		receipt.CommittedAt = s.FinalizedAt.UTC()
	}
	return receipt
}

// Checkpoint identifies the current canonical tip.
type Checkpoint struct {
	Height    uint64    `json:"height"`
	Root      string    `json:"root,omitempty"`
	BlockHash string    `json:"block_hash,omitempty"`
	Timestamp time.Time `json:"timestamp,omitempty"`
}

// Block is one sealed batch.
type Block struct {
	Height    uint64    `json:"height"`
	PrevHash  string    `json:"prev_hash"`
	Root      string    `json:"root"`
	Hash      string    `json:"hash"`
	Timestamp time.Time `json:"timestamp"`
	Leaves    []string  `json:"leaves"`
}

// ChainReport summarizes a full chain walk.
type ChainReport struct {
	Height uint64 `json:"height"`
	Blocks int    `json:"blocks"`
	Leaves int    `json:"leaves"`
	Valid  bool   `json:"valid"`
	Error  string `json:"error,omitempty"`
}

// Ledger is the anchoring contract. Implementations return ErrRejected for
// deterministic refusals and ErrUnavailable for transient failures.
type Ledger interface {
	Name() string
	Submit(ctx context.Context, digest string) (string, error)
	Status(ctx context.Context, submissionID string) (Submission, error)
	Head(ctx context.Context) (Checkpoint, error)
	IsCanonical(ctx context.Context, root string, height uint64) (bool, error)
}

// Node is a ledger that can also serve its blocks to other instances.
type Node interface {
	Ledger
	Block(ctx context.Context, height uint64) (Block, error)
	VerifyChain(ctx context.Context) (ChainReport, error)
}
