// encoding.go serializes commitment trees for persistent storage. Only the
// leaf layer and the real-leaf count are stored; interior layers are
// recomputed on load, which also re-checks internal consistency for free.
package merkle

import (
	"encoding/binary"
	"errors"

	"github.com/ethereum/go-ethereum/common"
)

// Encoding errors.
var (
	ErrBadEncoding = errors.New("merkle: malformed tree encoding")
)

// MarshalBinary encodes the tree as:
//
//	uint32 numKeys | uint32 width | width * 32-byte leaf hashes
func (t *Tree) MarshalBinary() ([]byte, error) {
	leaves := t.layers[0]
	out := make([]byte, 8+len(leaves)*common.HashLength)
	binary.BigEndian.PutUint32(out[0:4], uint32(t.numKeys))
	binary.BigEndian.PutUint32(out[4:8], uint32(len(leaves)))
	for i, leaf := range leaves {
		copy(out[8+i*common.HashLength:], leaf[:])
	}
	return out, nil
}

// UnmarshalTree decodes a tree previously produced by MarshalBinary and
// recomputes all interior layers.
func UnmarshalTree(data []byte) (*Tree, error) {
	if len(data) < 8 {
		return nil, ErrBadEncoding
	}
	numKeys := int(binary.BigEndian.Uint32(data[0:4]))
	width := int(binary.BigEndian.Uint32(data[4:8]))

	if width < 2 || width&(width-1) != 0 {
		return nil, ErrBadEncoding
	}
	if numKeys < 1 || numKeys > width {
		return nil, ErrBadEncoding
	}
	if len(data) != 8+width*common.HashLength {
		return nil, ErrBadEncoding
	}

	leaves := make([]common.Hash, width)
	for i := range leaves {
		copy(leaves[i][:], data[8+i*common.HashLength:])
	}
	return buildFromLeaves(leaves, numKeys), nil
}
