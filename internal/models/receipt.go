package models

import "time"

// AnchorReceipt is proof that a digest was committed to the anchor ledger.
type AnchorReceipt struct {
	ID           string     `json:"id,omitempty"`
	Digest       string     `json:"digest"`
	Ledger       string     `json:"ledger"`
	LedgerHeight uint64     `json:"ledger_height"`
	LeafIndex    uint32     `json:"leaf_index"`
	Root         string     `json:"root"`
	Proof        []string   `json:"proof"`
	CommittedAt  time.Time  `json:"committed_at"`
	SupersededAt *time.Time `json:"superseded_at,omitempty"`
}
