package ledger

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"chainvault/internal/models"
)

// HashSize is the size of every leaf, node and root.
const HashSize = 32

// DoubleHash computes SHA256(SHA256(data)).
func DoubleHash(data []byte) []byte {
	first := sha256.Sum256(data)
	second := sha256.Sum256(first[:])
	return second[:]
}

// ComputeRoot folds a leaf up through its proof branch (bottom-up). Bit i of
// index tells whether the running hash is the right child at level i.
// It returns nil when any input has the wrong size, when index has bits
// above the proof depth, or when a right child's sibling equals it. Only
// padding duplicates a node, and padding is always a right child, so the
// last rule stops index k+1 from verifying with the proof of leaf k.
func ComputeRoot(leaf []byte, index uint32, proof [][]byte) []byte {
	if len(leaf) != HashSize {
		return nil
	}
	if len(proof) < 32 && uint64(index) >= uint64(1)<<uint(len(proof)) {
		return nil
	}

	hash := make([]byte, HashSize)
	copy(hash, leaf)

	for i, node := range proof {
		if len(node) != HashSize {
			return nil
		}
		combined := make([]byte, 2*HashSize)
		if (index>>uint(i))&1 == 0 {
			copy(combined[:HashSize], hash)
			copy(combined[HashSize:], node)
		} else {
			if bytes.Equal(node, hash) {
				return nil
			}
			copy(combined[:HashSize], node)
			copy(combined[HashSize:], hash)
		}
		hash = DoubleHash(combined)
	}

	return hash
}

// BuildLevels returns every tree level, leaves first and root last. Odd
// levels are padded by duplicating their last node.
func BuildLevels(leaves [][]byte) [][][]byte {
	if len(leaves) == 0 {
		return nil
	}

	level := make([][]byte, len(leaves))
	for i, leaf := range leaves {
		level[i] = append([]byte(nil), leaf...)
	}
	levels := [][][]byte{level}

	for len(level) > 1 {
		if len(level)%2 != 0 {
			level = append(level, append([]byte(nil), level[len(level)-1]...))
			levels[len(levels)-1] = level
		}

		next := make([][]byte, len(level)/2)
		for i := 0; i < len(level); i += 2 {
			combined := make([]byte, 0, 2*HashSize)
			combined = append(combined, level[i]...)
			combined = append(combined, level[i+1]...)
			next[i/2] = DoubleHash(combined)
		}
		levels = append(levels, next)
		level = next
	}

	return levels
}

// BuildRoot computes the Merkle root of leaves.
func BuildRoot(leaves [][]byte) []byte {
	levels := BuildLevels(leaves)
	if levels == nil {
		return nil
	}
	return levels[len(levels)-1][0]
}

// BuildProof returns the sibling branch for the leaf at index.
func BuildProof(leaves [][]byte, index uint32) ([][]byte, error) {
	if int(index) >= len(leaves) {
		return nil, fmt.Errorf("leaf index %d out of range (%d leaves)", index, len(leaves))
	}
	levels := BuildLevels(leaves)

	proof := make([][]byte, 0, len(levels)-1)
	pos := int(index)
	for _, level := range levels[:len(levels)-1] {
		proof = append(proof, append([]byte(nil), level[pos^1]...))
		pos >>= 1
	}
	return proof, nil
}

// VerifyProof checks that receipt proves inclusion of digest under its root.
// It is a pure local computation.
func VerifyProof(receipt models.AnchorReceipt, digest string) error {
	normalized, err := models.NormalizeDigest(digest)
	if err != nil {
		return err
	}
	if receipt.Digest != normalized {
		return fmt.Errorf("%w: receipt digest %s does not match %s", ErrProofMismatch, receipt.Digest, normalized)
	}

	leaf, _ := hex.DecodeString(normalized)
	root, err := decodeHash(receipt.Root)
	if err != nil {
		return fmt.Errorf("%w: root: %w", ErrProofMismatch, err)
	}
	proof, err := decodeHashes(receipt.Proof)
	if err != nil {
		return fmt.Errorf("%w: proof: %w", ErrProofMismatch, err)
	}

	computed := ComputeRoot(leaf, receipt.LeafIndex, proof)
	if computed == nil || !bytes.Equal(computed, root) {
		return ErrProofMismatch
	}
	return nil
}

func decodeHash(value string) ([]byte, error) {
	raw, err := hex.DecodeString(value)
	if err != nil {
		return nil, err
	}
	if len(raw) != HashSize {
		return nil, fmt.Errorf("expected %d bytes, got %d", HashSize, len(raw))
	}
	return raw, nil
}

func decodeHashes(values []string) ([][]byte, error) {
	out := make([][]byte, len(values))
	for i, value := range values {
		raw, err := decodeHash(value)
		if err != nil {
			return nil, fmt.Errorf("node %d: %w", i, err)
		}
		out[i] = raw
	}
	return out, nil
}

func encodeHashes(values [][]byte) []string {
	out := make([]string, len(values))
	for i, value := range values {
		out[i] = hex.EncodeToString(value)
	}
	return out
}
