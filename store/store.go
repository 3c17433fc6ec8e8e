// Package store defines the capability interfaces the key-release side uses
// to persist per-video master secrets and commitment trees, together with an
// in-memory backend and a Badger-backed persistent backend. Protocol logic
// depends only on the interfaces and never assumes a particular backend.
package store

import (
	"errors"

	"github.com/streamgate/streamgate/merkle"
)

// Store errors.
var (
	ErrNotFound = errors.New("store: not found")
	ErrClosed   = errors.New("store: closed")
)

// SecretStore holds master secrets keyed by video ID. Implementations must
// be safe for concurrent use.
type SecretStore interface {
	PutSecret(videoID string, secret []byte) error
	Secret(videoID string) ([]byte, error)
	DeleteSecret(videoID string) error
}

// TreeStore holds commitment trees keyed by video ID. Trees are immutable
// once stored. Implementations must be safe for concurrent use.
type TreeStore interface {
	PutTree(videoID string, tree *merkle.Tree) error
	Tree(videoID string) (*merkle.Tree, error)
	DeleteTree(videoID string) error
}

// Store combines both capabilities, which every backend here provides.
type Store interface {
	SecretStore
	TreeStore
}
