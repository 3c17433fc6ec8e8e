// Package video implements the creator-side video registry: registration
// (master secret generation, full key derivation, commitment tree build,
// on-chain publication), owner-only price updates and deactivation, and
// key release for the server. TotalSegments and the commitment root are
// immutable after registration; the registry exposes no way to change them.
package video

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/holiman/uint256"

	"github.com/streamgate/streamgate/keys"
	"github.com/streamgate/streamgate/ledger"
	"github.com/streamgate/streamgate/log"
	"github.com/streamgate/streamgate/merkle"
	"github.com/streamgate/streamgate/segcipher"
	"github.com/streamgate/streamgate/store"
)

// Registry errors.
var (
	ErrNotFound    = errors.New("video: not found")
	ErrInactive    = errors.New("video: not active")
	ErrBadIndex    = errors.New("video: segment index out of range")
	ErrBadSegments = errors.New("video: total segments must be positive")
	ErrBadPrice    = errors.New("video: price per segment must be positive")
)

// Video is the registry's record of one published video.
type Video struct {
	VideoID         string
	MasterSecretRef string // key into the secret store
	TotalSegments   uint32
	PricePerSegment *uint256.Int
	CommitmentRoot  common.Hash
	IsActive        bool
}

// RegisterParams are the creator-supplied registration inputs.
type RegisterParams struct {
	ContentURI      string
	ThumbnailURI    string
	DurationSeconds uint64
	TotalSegments   uint32
	PricePerSegment *uint256.Int
}

// Registry owns the secret store and commitment trees for all videos this
// node serves.
type Registry struct {
	store  store.Store
	ledger ledger.Client
	log    *log.Logger

	mu     sync.RWMutex
	videos map[string]*Video
}

// NewRegistry creates a Registry over the given backends.
func NewRegistry(s store.Store, l ledger.Client, logger *log.Logger) *Registry {
	if logger == nil {
		logger = log.Default()
	}
	return &Registry{
		store:  s,
		ledger: l,
		log:    logger.Module("registry"),
		videos: make(map[string]*Video),
	}
}

// Register creates a new video: generates its master secret, derives every
// segment key, builds the commitment tree, persists both, and publishes
// the root on-chain. The master secret never leaves the store.
func (r *Registry) Register(ctx context.Context, owner ledger.Signer, params RegisterParams) (*Video, error) {
	if params.TotalSegments == 0 {
		return nil, ErrBadSegments
	}
	if params.PricePerSegment == nil || params.PricePerSegment.IsZero() {
		return nil, ErrBadPrice
	}

	videoID := uuid.NewString()
	secret, err := keys.NewMasterSecret()
	if err != nil {
		return nil, err
	}

	segmentKeys := make([][]byte, params.TotalSegments)
	for i := range segmentKeys {
		segmentKeys[i], err = keys.DeriveSegmentKey(secret, videoID, int64(i))
		if err != nil {
			return nil, fmt.Errorf("video: derive key %d: %w", i, err)
		}
	}
	tree, err := merkle.Build(segmentKeys)
	if err != nil {
		return nil, fmt.Errorf("video: build commitment tree: %w", err)
	}

	if err := r.store.PutSecret(videoID, secret); err != nil {
		return nil, fmt.Errorf("video: store secret: %w", err)
	}
	if err := r.store.PutTree(videoID, tree); err != nil {
		r.store.DeleteSecret(videoID)
		return nil, fmt.Errorf("video: store tree: %w", err)
	}

	_, err = r.ledger.RegisterVideo(ctx, owner, ledger.VideoRegistration{
		VideoID:         videoID,
		ContentURI:      params.ContentURI,
		ThumbnailURI:    params.ThumbnailURI,
		DurationSeconds: params.DurationSeconds,
		TotalSegments:   params.TotalSegments,
		CommitmentRoot:  tree.Root(),
		PricePerSegment: params.PricePerSegment,
	})
	if err != nil {
		// Registration never happened on-chain; roll the local state back
		// so the secret does not outlive an unpublished video.
		r.store.DeleteSecret(videoID)
		r.store.DeleteTree(videoID)
		return nil, fmt.Errorf("video: publish registration: %w", err)
	}

	v := &Video{
		VideoID:         videoID,
		MasterSecretRef: videoID,
		TotalSegments:   params.TotalSegments,
		PricePerSegment: params.PricePerSegment.Clone(),
		CommitmentRoot:  tree.Root(),
		IsActive:        true,
	}
	r.mu.Lock()
	r.videos[videoID] = v
	r.mu.Unlock()

	r.log.Info("video registered",
		"video", videoID, "segments", params.TotalSegments, "root", tree.Root())
	cp := *v
	return &cp, nil
}

// Video returns the registry record for a video.
func (r *Registry) Video(videoID string) (*Video, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	v, ok := r.videos[videoID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *v
	cp.PricePerSegment = v.PricePerSegment.Clone()
	return &cp, nil
}

// SetPrice updates the per-segment price on-chain and locally. Owner only
// (enforced by the ledger).
func (r *Registry) SetPrice(ctx context.Context, owner ledger.Signer, videoID string, price *uint256.Int) error {
	if price == nil || price.IsZero() {
		return ErrBadPrice
	}
	r.mu.RLock()
	_, ok := r.videos[videoID]
	r.mu.RUnlock()
	if !ok {
		return ErrNotFound
	}
	if _, err := r.ledger.UpdatePrice(ctx, owner, videoID, price); err != nil {
		return fmt.Errorf("video: update price: %w", err)
	}
	r.mu.Lock()
	r.videos[videoID].PricePerSegment = price.Clone()
	r.mu.Unlock()
	return nil
}

// SetActive toggles availability on-chain and locally. Owner only
// (enforced by the ledger).
func (r *Registry) SetActive(ctx context.Context, owner ledger.Signer, videoID string, active bool) error {
	r.mu.RLock()
	_, ok := r.videos[videoID]
	r.mu.RUnlock()
	if !ok {
		return ErrNotFound
	}
	if _, err := r.ledger.SetVideoActive(ctx, owner, videoID, active); err != nil {
		return fmt.Errorf("video: set active: %w", err)
	}
	r.mu.Lock()
	r.videos[videoID].IsActive = active
	r.mu.Unlock()
	return nil
}

// Withdraw pays the video's accumulated segment revenue out to its owner.
// Owner only (enforced by the ledger).
func (r *Registry) Withdraw(ctx context.Context, owner ledger.Signer, videoID string) error {
	r.mu.RLock()
	_, ok := r.videos[videoID]
	r.mu.RUnlock()
	if !ok {
		return ErrNotFound
	}
	if _, err := r.ledger.WithdrawEarnings(ctx, owner, videoID); err != nil {
		return fmt.Errorf("video: withdraw earnings: %w", err)
	}
	return nil
}

// SegmentKey re-derives the key and IV for one segment and generates its
// inclusion proof. Called by the key-release server after payment
// verification; derivation is pure, so nothing is cached.
func (r *Registry) SegmentKey(videoID string, segmentIndex uint32) (key, iv []byte, proof *merkle.Proof, err error) {
	v, err := r.Video(videoID)
	if err != nil {
		return nil, nil, nil, err
	}
	if !v.IsActive {
		return nil, nil, nil, ErrInactive
	}
	if segmentIndex >= v.TotalSegments {
		return nil, nil, nil, ErrBadIndex
	}

	secret, err := r.store.Secret(v.MasterSecretRef)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("video: load secret: %w", err)
	}
	key, err = keys.DeriveSegmentKey(secret, videoID, int64(segmentIndex))
	if err != nil {
		return nil, nil, nil, err
	}
	iv, err = keys.DeriveSegmentIV(secret, videoID, int64(segmentIndex))
	if err != nil {
		return nil, nil, nil, err
	}

	tree, err := r.store.Tree(videoID)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("video: load tree: %w", err)
	}
	proof, err = tree.ProveIndex(int(segmentIndex))
	if err != nil {
		return nil, nil, nil, err
	}
	return key, iv, proof, nil
}

// EncryptSegment encrypts one raw segment produced by the external
// packager with its derived key and IV. The same derivation backs the
// playlist IVs and the released keys, so the three can never disagree.
func (r *Registry) EncryptSegment(videoID string, segmentIndex uint32, plaintext []byte) ([]byte, error) {
	v, err := r.Video(videoID)
	if err != nil {
		return nil, err
	}
	if segmentIndex >= v.TotalSegments {
		return nil, ErrBadIndex
	}
	secret, err := r.store.Secret(v.MasterSecretRef)
	if err != nil {
		return nil, fmt.Errorf("video: load secret: %w", err)
	}
	key, err := keys.DeriveSegmentKey(secret, videoID, int64(segmentIndex))
	if err != nil {
		return nil, err
	}
	iv, err := keys.DeriveSegmentIV(secret, videoID, int64(segmentIndex))
	if err != nil {
		return nil, err
	}
	return segcipher.Encrypt(plaintext, key, iv)
}

// SegmentIV exposes the derived IV for playlist generation.
func (r *Registry) SegmentIV(videoID string, segmentIndex uint32) ([]byte, error) {
	v, err := r.Video(videoID)
	if err != nil {
		return nil, err
	}
	if segmentIndex >= v.TotalSegments {
		return nil, ErrBadIndex
	}
	secret, err := r.store.Secret(v.MasterSecretRef)
	if err != nil {
		return nil, fmt.Errorf("video: load secret: %w", err)
	}
	return keys.DeriveSegmentIV(secret, videoID, int64(segmentIndex))
}
