package video

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/holiman/uint256"

	"github.com/streamgate/streamgate/ledger"
	"github.com/streamgate/streamgate/merkle"
	"github.com/streamgate/streamgate/segcipher"
	"github.com/streamgate/streamgate/store"
)

func newTestRegistry(t *testing.T) (*Registry, *ledger.MemLedger, *ledger.KeySigner) {
	t.Helper()
	l := ledger.NewMemLedger()
	owner, err := ledger.GenerateKeySigner()
	if err != nil {
		t.Fatalf("GenerateKeySigner failed: %v", err)
	}
	l.Fund(owner.Address(), uint256.NewInt(1000))
	return NewRegistry(store.NewMemoryStore(), l, nil), l, owner
}

func registerVideo(t *testing.T, r *Registry, owner *ledger.KeySigner, segments uint32) *Video {
	t.Helper()
	v, err := r.Register(context.Background(), owner, RegisterParams{
		ContentURI:      "ipfs://content",
		TotalSegments:   segments,
		PricePerSegment: uint256.NewInt(100),
	})
	if err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	return v
}

func TestRegisterPublishesMatchingRoot(t *testing.T) {
	r, l, owner := newTestRegistry(t)
	v := registerVideo(t, r, owner, 8)

	onchain, err := l.CommitmentRoot(context.Background(), v.VideoID)
	if err != nil {
		t.Fatalf("CommitmentRoot failed: %v", err)
	}
	if onchain != v.CommitmentRoot {
		t.Fatal("on-chain root must equal the registry's root")
	}
	state, _ := l.Video(context.Background(), v.VideoID)
	if state.TotalSegments != 8 || !state.IsActive {
		t.Fatalf("unexpected on-chain video state: %+v", state)
	}
}

func TestRegisterValidatesParams(t *testing.T) {
	r, _, owner := newTestRegistry(t)
	ctx := context.Background()

	if _, err := r.Register(ctx, owner, RegisterParams{TotalSegments: 0, PricePerSegment: uint256.NewInt(1)}); err != ErrBadSegments {
		t.Fatalf("expected ErrBadSegments, got %v", err)
	}
	if _, err := r.Register(ctx, owner, RegisterParams{TotalSegments: 4}); err != ErrBadPrice {
		t.Fatalf("expected ErrBadPrice, got %v", err)
	}
}

func TestRegisterRollsBackOnLedgerFailure(t *testing.T) {
	l := ledger.NewMemLedger()
	owner, _ := ledger.GenerateKeySigner() // never funded: registration tx fails on gas
	s := store.NewMemoryStore()
	r := NewRegistry(s, l, nil)

	_, err := r.Register(context.Background(), owner, RegisterParams{
		TotalSegments:   4,
		PricePerSegment: uint256.NewInt(100),
	})
	if err == nil {
		t.Fatal("expected registration failure")
	}
	// No orphaned secrets or trees may survive a failed publication.
	if _, err := r.Video("anything"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected no registered videos, got %v", err)
	}
}

func TestSegmentKeyReleasesProvableKey(t *testing.T) {
	r, l, owner := newTestRegistry(t)
	v := registerVideo(t, r, owner, 4)

	key, iv, proof, err := r.SegmentKey(v.VideoID, 2)
	if err != nil {
		t.Fatalf("SegmentKey failed: %v", err)
	}
	if len(key) != 16 || len(iv) != 16 {
		t.Fatalf("expected 16-byte key and iv, got %d/%d", len(key), len(iv))
	}
	if proof.Index != 2 {
		t.Fatalf("expected proof index 2, got %d", proof.Index)
	}

	root, _ := l.CommitmentRoot(context.Background(), v.VideoID)
	if !merkle.VerifyKey(key, proof, root) {
		t.Fatal("released key must verify against the on-chain root")
	}
}

func TestSegmentKeyPreconditions(t *testing.T) {
	r, _, owner := newTestRegistry(t)
	v := registerVideo(t, r, owner, 4)
	ctx := context.Background()

	if _, _, _, err := r.SegmentKey("missing", 0); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if _, _, _, err := r.SegmentKey(v.VideoID, 4); !errors.Is(err, ErrBadIndex) {
		t.Fatalf("expected ErrBadIndex, got %v", err)
	}

	if err := r.SetActive(ctx, owner, v.VideoID, false); err != nil {
		t.Fatalf("SetActive failed: %v", err)
	}
	if _, _, _, err := r.SegmentKey(v.VideoID, 0); !errors.Is(err, ErrInactive) {
		t.Fatalf("expected ErrInactive, got %v", err)
	}
}

func TestSetPrice(t *testing.T) {
	r, l, owner := newTestRegistry(t)
	v := registerVideo(t, r, owner, 4)
	ctx := context.Background()

	if err := r.SetPrice(ctx, owner, v.VideoID, uint256.NewInt(250)); err != nil {
		t.Fatalf("SetPrice failed: %v", err)
	}
	local, _ := r.Video(v.VideoID)
	if local.PricePerSegment.Uint64() != 250 {
		t.Fatalf("local price not updated: %v", local.PricePerSegment)
	}
	onchain, _ := l.Video(ctx, v.VideoID)
	if onchain.PricePerSegment.Uint64() != 250 {
		t.Fatalf("on-chain price not updated: %v", onchain.PricePerSegment)
	}

	if err := r.SetPrice(ctx, owner, v.VideoID, uint256.NewInt(0)); err != ErrBadPrice {
		t.Fatalf("expected ErrBadPrice, got %v", err)
	}
}

func TestWithdrawPaysOutEarnings(t *testing.T) {
	r, l, owner := newTestRegistry(t)
	v := registerVideo(t, r, owner, 4)
	ctx := context.Background()

	viewer, _ := ledger.GenerateKeySigner()
	l.Fund(viewer.Address(), uint256.NewInt(1000))
	startTx, err := l.StartSession(ctx, viewer, v.VideoID, 2, time.Hour)
	if err != nil {
		t.Fatalf("StartSession failed: %v", err)
	}
	sessionID := startTx.Events[0].SessionID
	if _, err := l.PayForSegment(ctx, viewer, sessionID, 0); err != nil {
		t.Fatalf("PayForSegment failed: %v", err)
	}

	before, _ := l.BalanceOf(ctx, owner.Address())
	if err := r.Withdraw(ctx, owner, v.VideoID); err != nil {
		t.Fatalf("Withdraw failed: %v", err)
	}
	after, _ := l.BalanceOf(ctx, owner.Address())

	// One segment at price 100, minus the withdrawal's own gas.
	diff := new(uint256.Int).Sub(after, before)
	if diff.Uint64() != 99 {
		t.Fatalf("expected net payout 99, got %s", diff.Dec())
	}

	if err := r.Withdraw(ctx, owner, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestEncryptSegmentMatchesReleasedKey(t *testing.T) {
	r, _, owner := newTestRegistry(t)
	v := registerVideo(t, r, owner, 4)

	plaintext := []byte("raw segment bytes from the packager")
	ciphertext, err := r.EncryptSegment(v.VideoID, 1, plaintext)
	if err != nil {
		t.Fatalf("EncryptSegment failed: %v", err)
	}

	key, iv, _, err := r.SegmentKey(v.VideoID, 1)
	if err != nil {
		t.Fatalf("SegmentKey failed: %v", err)
	}
	decrypted, err := segcipher.Decrypt(ciphertext, key, iv)
	if err != nil {
		t.Fatalf("Decrypt failed: %v", err)
	}
	if string(decrypted) != string(plaintext) {
		t.Fatal("released key/iv must decrypt the packaged segment")
	}

	// The playlist IV and the cipher IV come from the same derivation.
	playlistIV, err := r.SegmentIV(v.VideoID, 1)
	if err != nil {
		t.Fatalf("SegmentIV failed: %v", err)
	}
	if string(playlistIV) != string(iv) {
		t.Fatal("playlist IV must equal the released IV")
	}
}
