// Package merkle implements the commitment tree published at video
// registration: a binary SHA-256 Merkle tree whose leaves are hashes of the
// per-segment keys. The root is the single value stored on-chain; inclusion
// proofs let a client trust a released key without trusting the server.
//
// Leaf and node hashing are domain-separated so a node can never be
// reinterpreted as a leaf. Trees are built once from the full ordered key
// set and are immutable afterwards, so they may be read concurrently
// without locking.
package merkle

import (
	"crypto/sha256"
	"errors"

	"github.com/ethereum/go-ethereum/common"
)

// LeafKeySize is the size of the segment keys the tree commits to.
const LeafKeySize = 16

// Tree construction errors.
var (
	ErrNoLeaves   = errors.New("merkle: tree needs at least one key")
	ErrBadKeySize = errors.New("merkle: key must be 16 bytes")
	ErrBadIndex   = errors.New("merkle: leaf index out of range")
)

// Domain separators for leaf and interior node hashing.
var (
	domainLeaf = []byte{0x00}
	domainNode = []byte{0x01}
)

// fillerLeaf pads the leaf layer to a power of two. It is the hash of a
// fixed domain string, never of a real key, so padding cannot collide with
// or reveal key material.
var fillerLeaf = hashLeaf([]byte("streamgate:filler"))

// hashLeaf hashes raw leaf content with leaf domain separation.
func hashLeaf(content []byte) common.Hash {
	h := sha256.New()
	h.Write(domainLeaf)
	h.Write(content)
	return common.BytesToHash(h.Sum(nil))
}

// hashNode hashes two children with node domain separation.
func hashNode(left, right common.Hash) common.Hash {
	h := sha256.New()
	h.Write(domainNode)
	h.Write(left[:])
	h.Write(right[:])
	return common.BytesToHash(h.Sum(nil))
}

// LeafHash returns the leaf hash committing to a single segment key.
func LeafHash(key []byte) (common.Hash, error) {
	if len(key) != LeafKeySize {
		return common.Hash{}, ErrBadKeySize
	}
	return hashLeaf(key), nil
}

// Proof is a Merkle inclusion proof for one leaf. Siblings are ordered from
// the leaf's level up to the level just below the root; bit d of Index
// selects left/right concatenation at depth d.
type Proof struct {
	Leaf     common.Hash   `json:"leaf"`
	Siblings []common.Hash `json:"siblings"`
	Root     common.Hash   `json:"root"`
	Index    uint32        `json:"index"`
}

// Tree is an immutable commitment tree. layers[0] is the padded leaf layer,
// layers[len-1] holds the single root.
type Tree struct {
	layers  [][]common.Hash
	numKeys int
}

// Build constructs a commitment tree over the ordered segment keys. The
// leaf layer is padded to the next power of two with the filler leaf, then
// folded pairwise upward.
func Build(segmentKeys [][]byte) (*Tree, error) {
	if len(segmentKeys) == 0 {
		return nil, ErrNoLeaves
	}

	// Minimum width 2 so every tree has at least one level of siblings
	// and single-segment videos still produce non-empty proofs.
	width := 2
	for width < len(segmentKeys) {
		width *= 2
	}

	leaves := make([]common.Hash, width)
	for i, key := range segmentKeys {
		lh, err := LeafHash(key)
		if err != nil {
			return nil, err
		}
		leaves[i] = lh
	}
	for i := len(segmentKeys); i < width; i++ {
		leaves[i] = fillerLeaf
	}

	return buildFromLeaves(leaves, len(segmentKeys)), nil
}

// buildFromLeaves folds a padded leaf layer pairwise up to the root.
// len(leaves) must be a power of two >= 2.
func buildFromLeaves(leaves []common.Hash, numKeys int) *Tree {
	layers := [][]common.Hash{leaves}
	for len(layers[len(layers)-1]) > 1 {
		prev := layers[len(layers)-1]
		next := make([]common.Hash, len(prev)/2)
		for i := 0; i < len(prev); i += 2 {
			next[i/2] = hashNode(prev[i], prev[i+1])
		}
		layers = append(layers, next)
	}
	return &Tree{layers: layers, numKeys: numKeys}
}

// Root returns the tree's Merkle root.
func (t *Tree) Root() common.Hash {
	return t.layers[len(t.layers)-1][0]
}

// NumKeys returns the number of real (non-filler) leaves.
func (t *Tree) NumKeys() int {
	return t.numKeys
}

// Depth returns the number of sibling hashes in each proof.
func (t *Tree) Depth() int {
	return len(t.layers) - 1
}

// ProveIndex generates the inclusion proof for leaf i, collecting the
// sibling hash at each level from the leaf up to the root.
func (t *Tree) ProveIndex(i int) (*Proof, error) {
	if i < 0 || i >= t.numKeys {
		return nil, ErrBadIndex
	}

	proof := &Proof{
		Leaf:     t.layers[0][i],
		Siblings: make([]common.Hash, t.Depth()),
		Root:     t.Root(),
		Index:    uint32(i),
	}

	idx := i
	for level := 0; level < t.Depth(); level++ {
		proof.Siblings[level] = t.layers[level][idx^1]
		idx /= 2
	}
	return proof, nil
}

// Verify recomputes the root from a leaf hash and a proof and compares it
// to the expected root. The bit at depth d of the proof index determines
// whether the accumulator is hashed as the left or right child, exactly
// mirroring Build. Fails closed: malformed input returns false, never
// panics.
func Verify(leaf common.Hash, proof *Proof, root common.Hash) bool {
	if proof == nil || len(proof.Siblings) == 0 {
		return false
	}
	if leaf != proof.Leaf {
		return false
	}
	// Index must fit in the proof's depth, or left/right selection would
	// silently truncate.
	if uint64(proof.Index) >= uint64(1)<<uint(len(proof.Siblings)) {
		return false
	}

	acc := leaf
	idx := proof.Index
	for _, sibling := range proof.Siblings {
		if idx%2 == 0 {
			acc = hashNode(acc, sibling)
		} else {
			acc = hashNode(sibling, acc)
		}
		idx /= 2
	}
	return acc == root
}

// VerifyKey hashes a raw segment key and verifies its proof against the
// expected root.
func VerifyKey(key []byte, proof *Proof, root common.Hash) bool {
	lh, err := LeafHash(key)
	if err != nil {
		return false
	}
	return Verify(lh, proof, root)
}
