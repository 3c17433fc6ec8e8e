package merkle

import (
	"testing"
)

func TestTreeEncodingRoundTrip(t *testing.T) {
	for _, n := range []int{1, 3, 4, 10} {
		tree, err := Build(testKeys(n))
		if err != nil {
			t.Fatalf("Build(%d) failed: %v", n, err)
		}

		data, err := tree.MarshalBinary()
		if err != nil {
			t.Fatalf("MarshalBinary failed: %v", err)
		}
		decoded, err := UnmarshalTree(data)
		if err != nil {
			t.Fatalf("UnmarshalTree failed: %v", err)
		}

		if decoded.Root() != tree.Root() {
			t.Fatalf("root mismatch after round trip (n=%d)", n)
		}
		if decoded.NumKeys() != tree.NumKeys() {
			t.Fatalf("numKeys mismatch after round trip (n=%d)", n)
		}

		// Proofs from the decoded tree verify against the original root.
		proof, err := decoded.ProveIndex(n - 1)
		if err != nil {
			t.Fatalf("ProveIndex on decoded tree failed: %v", err)
		}
		if !Verify(proof.Leaf, proof, tree.Root()) {
			t.Fatal("proof from decoded tree did not verify")
		}
	}
}

func TestUnmarshalRejectsMalformed(t *testing.T) {
	tree, _ := Build(testKeys(4))
	data, _ := tree.MarshalBinary()

	cases := map[string][]byte{
		"empty":        nil,
		"truncated":    data[:10],
		"extra byte":   append(append([]byte{}, data...), 0x00),
		"zero width":   {0, 0, 0, 1, 0, 0, 0, 0},
		"odd width":    {0, 0, 0, 1, 0, 0, 0, 3},
		"zero numKeys": {0, 0, 0, 0, 0, 0, 0, 2},
	}
	for name, d := range cases {
		if _, err := UnmarshalTree(d); err == nil {
			t.Fatalf("%s: expected error", name)
		}
	}
}
