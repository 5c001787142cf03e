package ledger

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chainvault/internal/models"
)

func leafFor(s string) []byte {
	sum := sha256.Sum256([]byte(s))
	return sum[:]
}

func digestFor(s string) string {
	return hex.EncodeToString(leafFor(s))
}

func TestDoubleHash(t *testing.T) {
	first := sha256.Sum256([]byte("abc"))
	second := sha256.Sum256(first[:])
	assert.Equal(t, second[:], DoubleHash([]byte("abc")))
}

func TestBuildProofRoundTrip(t *testing.T) {
	for _, n := range []int{1, 2, 3, 4, 5, 7, 8, 13} {
		t.Run(fmt.Sprintf("%d leaves", n), func(t *testing.T) {
			leaves := make([][]byte, n)
			for i := range leaves {
				leaves[i] = leafFor(fmt.Sprintf("leaf-%d", i))
			}
			root := BuildRoot(leaves)
			require.Len(t, root, HashSize)

			for i := range leaves {
				proof, err := BuildProof(leaves, uint32(i))
				require.NoError(t, err)
				assert.Equal(t, root, ComputeRoot(leaves[i], uint32(i), proof), "leaf %d", i)
			}
		})
	}
}

func TestSingleLeafRootIsLeaf(t *testing.T) {
	leaf := leafFor("only")
	assert.Equal(t, leaf, BuildRoot([][]byte{leaf}))
	proof, err := BuildProof([][]byte{leaf}, 0)
	require.NoError(t, err)
	assert.Empty(t, proof)
}

func TestBuildProofOutOfRange(t *testing.T) {
	_, err := BuildProof([][]byte{leafFor("a")}, 1)
	assert.Error(t, err)
}

func TestComputeRootRejectsBadSizes(t *testing.T) {
	assert.Nil(t, ComputeRoot([]byte{1, 2}, 0, nil))
	assert.Nil(t, ComputeRoot(leafFor("a"), 0, [][]byte{{1}}))
}

func TestComputeRootRejectsAmbiguousIndex(t *testing.T) {
	leaves := [][]byte{leafFor("a"), leafFor("b"), leafFor("c"), leafFor("d"), leafFor("e")}
	root := BuildRoot(leaves)
	proof, err := BuildProof(leaves, 4)
	require.NoError(t, err)
	require.Equal(t, root, ComputeRoot(leaves[4], 4, proof))

	for _, index := range []uint32{5, 8, 12, 1<<31 | 4} {
		assert.Nil(t, ComputeRoot(leaves[4], index, proof), "index %d", index)
	}
	assert.Equal(t, leafFor("a"), ComputeRoot(leafFor("a"), 0, nil))
	assert.Nil(t, ComputeRoot(leafFor("a"), 1, nil))
}

func testReceipt(t *testing.T, leaves []string, index int) models.AnchorReceipt {
	t.Helper()
	raw := make([][]byte, len(leaves))
	for i, l := range leaves {
		raw[i] = leafFor(l)
	}
	proof, err := BuildProof(raw, uint32(index))
	require.NoError(t, err)
	return models.AnchorReceipt{
		Digest:       digestFor(leaves[index]),
		Ledger:       "local",
		LedgerHeight: 1,
		LeafIndex:    uint32(index),
		Root:         hex.EncodeToString(BuildRoot(raw)),
		Proof:        encodeHashes(proof),
	}
}

func TestVerifyProof(t *testing.T) {
	receipt := testReceipt(t, []string{"a", "b", "c"}, 2)
	require.NoError(t, VerifyProof(receipt, digestFor("c")))

	t.Run("wrong digest", func(t *testing.T) {
		assert.ErrorIs(t, VerifyProof(receipt, digestFor("b")), ErrProofMismatch)
	})

	t.Run("single bit flip in proof", func(t *testing.T) {
		tampered := receipt
		tampered.Proof = append([]string{}, receipt.Proof...)
		node, _ := hex.DecodeString(tampered.Proof[0])
		node[0] ^= 0x01
		tampered.Proof[0] = hex.EncodeToString(node)
		assert.ErrorIs(t, VerifyProof(tampered, digestFor("c")), ErrProofMismatch)
	})

	t.Run("wrong leaf index", func(t *testing.T) {
		tampered := receipt
		tampered.LeafIndex = 1
		assert.ErrorIs(t, VerifyProof(tampered, digestFor("c")), ErrProofMismatch)
	})

	t.Run("leaf index above proof depth", func(t *testing.T) {
		first := testReceipt(t, []string{"a", "b", "c"}, 0)
		require.NoError(t, VerifyProof(first, digestFor("a")))
		first.LeafIndex = 1 << 31
		assert.ErrorIs(t, VerifyProof(first, digestFor("a")), ErrProofMismatch)
		first.LeafIndex = 4
		assert.ErrorIs(t, VerifyProof(first, digestFor("a")), ErrProofMismatch)
	})

	t.Run("padding position", func(t *testing.T) {
		tampered := receipt
		tampered.LeafIndex = 3
		assert.ErrorIs(t, VerifyProof(tampered, digestFor("c")), ErrProofMismatch)
	})

	t.Run("garbage root", func(t *testing.T) {
		tampered := receipt
		tampered.Root = "zz"
		assert.ErrorIs(t, VerifyProof(tampered, digestFor("c")), ErrProofMismatch)
	})

	t.Run("malformed digest", func(t *testing.T) {
		assert.ErrorIs(t, VerifyProof(receipt, "nope"), models.ErrInvalidDigest)
	})
}
