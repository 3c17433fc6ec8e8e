// Package keys implements deterministic per-segment key and IV derivation
// from a per-video master secret. Derivation is an HKDF-SHA256 expand keyed
// by a fixed protocol salt and an info string that binds the role (key or
// IV), the video identifier, and the segment index, so no two segments and
// no two videos ever share key material.
package keys

import (
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

const (
	// MasterSecretSize is the required size of a video master secret.
	MasterSecretSize = 32

	// SegmentKeySize is the size of a derived segment key (AES-128).
	SegmentKeySize = 16

	// SegmentIVSize is the size of a derived segment IV (one CBC block).
	SegmentIVSize = 16
)

// Derivation errors.
var (
	ErrBadSecretSize = errors.New("keys: master secret must be 32 bytes")
	ErrBadIndex      = errors.New("keys: segment index must not be negative")
)

// protocolSalt is the fixed HKDF salt for all streamgate derivations.
// Changing it invalidates every published commitment root.
var protocolSalt = []byte("streamgate/hkdf-salt/v1")

// Role tags separating key and IV derivation within one (video, index) pair.
const (
	roleSegmentKey = "segment-key"
	roleSegmentIV  = "segment-iv"
)

// NewMasterSecret generates a fresh 32-byte master secret.
func NewMasterSecret() ([]byte, error) {
	secret := make([]byte, MasterSecretSize)
	if _, err := io.ReadFull(rand.Reader, secret); err != nil {
		return nil, fmt.Errorf("keys: generate master secret: %w", err)
	}
	return secret, nil
}

// DeriveSegmentKey derives the 16-byte encryption key for a segment.
// Pure and deterministic: the same inputs always yield the same key.
func DeriveSegmentKey(masterSecret []byte, videoID string, segmentIndex int64) ([]byte, error) {
	return derive(masterSecret, videoID, segmentIndex, roleSegmentKey, SegmentKeySize)
}

// DeriveSegmentIV derives the 16-byte CBC initialization vector for a
// segment. Derived from the master secret so IVs stay unpredictable to
// parties that never paid for the segment.
func DeriveSegmentIV(masterSecret []byte, videoID string, segmentIndex int64) ([]byte, error) {
	return derive(masterSecret, videoID, segmentIndex, roleSegmentIV, SegmentIVSize)
}

func derive(masterSecret []byte, videoID string, segmentIndex int64, role string, size int) ([]byte, error) {
	if len(masterSecret) != MasterSecretSize {
		return nil, ErrBadSecretSize
	}
	if segmentIndex < 0 {
		return nil, ErrBadIndex
	}

	info := fmt.Sprintf("%s:%s:%d", role, videoID, segmentIndex)
	r := hkdf.New(sha256.New, masterSecret, protocolSalt, []byte(info))

	out := make([]byte, size)
	if _, err := io.ReadFull(r, out); err != nil {
		return nil, fmt.Errorf("keys: hkdf expand: %w", err)
	}
	return out, nil
}
