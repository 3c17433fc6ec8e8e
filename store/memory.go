package store

import (
	"bytes"
	"sync"

	"github.com/streamgate/streamgate/merkle"
)

// MemoryStore is a mutex-guarded in-memory Store, the default backend for
// single-process deployments and tests.
type MemoryStore struct {
	mu      sync.RWMutex
	secrets map[string][]byte
	trees   map[string]*merkle.Tree
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		secrets: make(map[string][]byte),
		trees:   make(map[string]*merkle.Tree),
	}
}

// PutSecret stores a copy of the master secret for a video.
func (s *MemoryStore) PutSecret(videoID string, secret []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.secrets[videoID] = bytes.Clone(secret)
	return nil
}

// Secret returns a copy of the master secret for a video.
func (s *MemoryStore) Secret(videoID string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	secret, ok := s.secrets[videoID]
	if !ok {
		return nil, ErrNotFound
	}
	return bytes.Clone(secret), nil
}

// DeleteSecret removes the master secret for a video.
func (s *MemoryStore) DeleteSecret(videoID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.secrets, videoID)
	return nil
}

// PutTree stores the commitment tree for a video.
func (s *MemoryStore) PutTree(videoID string, tree *merkle.Tree) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.trees[videoID] = tree
	return nil
}

// Tree returns the commitment tree for a video.
func (s *MemoryStore) Tree(videoID string) (*merkle.Tree, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	tree, ok := s.trees[videoID]
	if !ok {
		return nil, ErrNotFound
	}
	return tree, nil
}

// DeleteTree removes the commitment tree for a video.
func (s *MemoryStore) DeleteTree(videoID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.trees, videoID)
	return nil
}
