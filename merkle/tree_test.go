package merkle

import (
	"testing"

	"github.com/ethereum/go-ethereum/common"
)

func testKeys(n int) [][]byte {
	keys := make([][]byte, n)
	for i := range keys {
		k := make([]byte, LeafKeySize)
		for j := range k {
			k[j] = byte(i*31 + j)
		}
		keys[i] = k
	}
	return keys
}

func TestBuildRejectsBadInput(t *testing.T) {
	if _, err := Build(nil); err != ErrNoLeaves {
		t.Fatalf("expected ErrNoLeaves, got %v", err)
	}
	if _, err := Build([][]byte{make([]byte, 15)}); err != ErrBadKeySize {
		t.Fatalf("expected ErrBadKeySize, got %v", err)
	}
}

func TestProveAndVerifyAllIndices(t *testing.T) {
	for _, n := range []int{1, 2, 3, 4, 5, 7, 8, 16, 33} {
		keys := testKeys(n)
		tree, err := Build(keys)
		if err != nil {
			t.Fatalf("Build(%d) failed: %v", n, err)
		}
		for i := 0; i < n; i++ {
			proof, err := tree.ProveIndex(i)
			if err != nil {
				t.Fatalf("ProveIndex(%d) of %d failed: %v", i, n, err)
			}
			if !VerifyKey(keys[i], proof, tree.Root()) {
				t.Fatalf("proof for leaf %d of %d did not verify", i, n)
			}
		}
	}
}

func TestProveIndexOutOfRange(t *testing.T) {
	tree, _ := Build(testKeys(4))
	if _, err := tree.ProveIndex(-1); err != ErrBadIndex {
		t.Fatalf("expected ErrBadIndex for -1, got %v", err)
	}
	if _, err := tree.ProveIndex(4); err != ErrBadIndex {
		t.Fatalf("expected ErrBadIndex for 4, got %v", err)
	}
}

func TestFillerLeavesAreNotProvable(t *testing.T) {
	// 3 keys pad to width 4; index 3 is filler and must not be provable.
	tree, _ := Build(testKeys(3))
	if _, err := tree.ProveIndex(3); err != ErrBadIndex {
		t.Fatalf("expected ErrBadIndex for filler index, got %v", err)
	}
}

func TestBitFlipsBreakVerification(t *testing.T) {
	keys := testKeys(8)
	tree, _ := Build(keys)
	proof, _ := tree.ProveIndex(5)

	// Flip one bit in each sibling in turn.
	for level := range proof.Siblings {
		proof.Siblings[level][0] ^= 0x01
		if Verify(proof.Leaf, proof, tree.Root()) {
			t.Fatalf("verification passed with corrupted sibling at level %d", level)
		}
		proof.Siblings[level][0] ^= 0x01
	}

	// Flip one bit in the leaf.
	leaf := proof.Leaf
	leaf[0] ^= 0x01
	if Verify(leaf, proof, tree.Root()) {
		t.Fatal("verification passed with corrupted leaf")
	}

	// Wrong index changes left/right ordering.
	good := *proof
	good.Index = 4
	if Verify(good.Leaf, &good, tree.Root()) {
		t.Fatal("verification passed with wrong index")
	}
}

func TestRootUniqueness(t *testing.T) {
	keys := testKeys(6)
	tree1, _ := Build(keys)

	keys[2][7] ^= 0x80 // single bit in one key
	tree2, _ := Build(keys)

	if tree1.Root() == tree2.Root() {
		t.Fatal("single-bit key change must change the root")
	}
}

func TestVerifyFailsClosed(t *testing.T) {
	tree, _ := Build(testKeys(4))
	proof, _ := tree.ProveIndex(1)

	if Verify(proof.Leaf, nil, tree.Root()) {
		t.Fatal("nil proof must not verify")
	}
	empty := &Proof{Leaf: proof.Leaf, Root: tree.Root()}
	if Verify(proof.Leaf, empty, tree.Root()) {
		t.Fatal("empty siblings must not verify")
	}
	big := *proof
	big.Index = 1 << 10 // exceeds depth
	if Verify(big.Leaf, &big, tree.Root()) {
		t.Fatal("oversized index must not verify")
	}
	if VerifyKey(make([]byte, 3), proof, tree.Root()) {
		t.Fatal("wrong-size key must not verify")
	}
}

func TestFourSegmentScenario(t *testing.T) {
	// Four keys build a depth-2 tree; proof for index 2 has 2 siblings and
	// verifies against this root, but not against a root built with a
	// substituted fourth key.
	keys := testKeys(4)
	tree, err := Build(keys)
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}

	proof, err := tree.ProveIndex(2)
	if err != nil {
		t.Fatalf("ProveIndex(2) failed: %v", err)
	}
	if len(proof.Siblings) != 2 {
		t.Fatalf("expected 2 siblings, got %d", len(proof.Siblings))
	}
	if !VerifyKey(keys[2], proof, tree.Root()) {
		t.Fatal("proof for k2 must verify against its own root")
	}

	// Same first three keys, different fourth key: different root.
	altKeys := testKeys(4)
	copy(altKeys[3], testKeys(9)[8])
	altTree, _ := Build(altKeys)
	if altTree.Root() == tree.Root() {
		t.Fatal("substituted key produced the same root")
	}
	if VerifyKey(keys[2], proof, altTree.Root()) {
		t.Fatal("proof for k2 must not verify against the altered root")
	}
}

func TestLeafHash(t *testing.T) {
	lh, err := LeafHash(testKeys(1)[0])
	if err != nil {
		t.Fatalf("LeafHash failed: %v", err)
	}
	if lh == (common.Hash{}) {
		t.Fatal("leaf hash should be non-zero")
	}
	if _, err := LeafHash(make([]byte, 32)); err != ErrBadKeySize {
		t.Fatalf("expected ErrBadKeySize, got %v", err)
	}
}
