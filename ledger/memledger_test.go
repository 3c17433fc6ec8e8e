package ledger

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/holiman/uint256"
)

func newFundedSigner(t *testing.T, l *MemLedger, amount uint64) *KeySigner {
	t.Helper()
	s, err := GenerateKeySigner()
	if err != nil {
		t.Fatalf("GenerateKeySigner failed: %v", err)
	}
	l.Fund(s.Address(), uint256.NewInt(amount))
	return s
}

func registerTestVideo(t *testing.T, l *MemLedger, owner *KeySigner, id string, segments uint32, price uint64) {
	t.Helper()
	_, err := l.RegisterVideo(context.Background(), owner, VideoRegistration{
		VideoID:         id,
		ContentURI:      "ipfs://content",
		TotalSegments:   segments,
		PricePerSegment: uint256.NewInt(price),
	})
	if err != nil {
		t.Fatalf("RegisterVideo failed: %v", err)
	}
}

func TestRegisterAndReadVideo(t *testing.T) {
	l := NewMemLedger()
	owner := newFundedSigner(t, l, 1000)
	registerTestVideo(t, l, owner, "v1", 10, 100)

	v, err := l.Video(context.Background(), "v1")
	if err != nil {
		t.Fatalf("Video failed: %v", err)
	}
	if v.Owner != owner.Address() || v.TotalSegments != 10 || !v.IsActive {
		t.Fatalf("unexpected video state: %+v", v)
	}
	if _, err := l.Video(context.Background(), "nope"); !errors.Is(err, ErrVideoNotFound) {
		t.Fatalf("expected ErrVideoNotFound, got %v", err)
	}
}

func TestPayForSegmentFlow(t *testing.T) {
	ctx := context.Background()
	l := NewMemLedger()
	owner := newFundedSigner(t, l, 1000)
	viewer := newFundedSigner(t, l, 2000)
	registerTestVideo(t, l, owner, "v1", 10, 100)

	startTx, err := l.StartSession(ctx, viewer, "v1", 10, time.Hour)
	if err != nil {
		t.Fatalf("StartSession failed: %v", err)
	}
	sessionID := startTx.Events[0].SessionID
	if sessionID == "" {
		t.Fatal("SessionStarted event missing session id")
	}

	payTx, err := l.PayForSegment(ctx, viewer, sessionID, 3)
	if err != nil {
		t.Fatalf("PayForSegment failed: %v", err)
	}
	if !payTx.Success {
		t.Fatal("payment transaction should succeed")
	}
	ev := payTx.Events[0]
	if ev.Type != EventSegmentPaid || ev.SegmentIndex != 3 || ev.VideoID != "v1" {
		t.Fatalf("unexpected SegmentPaid event: %+v", ev)
	}
	if ev.Amount.Uint64() != 100 {
		t.Fatalf("expected amount 100, got %v", ev.Amount)
	}

	// Double payment fails on chain but is still recorded.
	dupTx, err := l.PayForSegment(ctx, viewer, sessionID, 3)
	if !errors.Is(err, ErrSegmentAlreadyPaid) {
		t.Fatalf("expected ErrSegmentAlreadyPaid, got %v", err)
	}
	if dupTx == nil || dupTx.Success {
		t.Fatal("failed payment must be recorded with Success=false")
	}
	fetched, err := l.Transaction(ctx, dupTx.Hash)
	if err != nil {
		t.Fatalf("Transaction failed: %v", err)
	}
	if fetched.Success || fetched.VMStatus == "" {
		t.Fatalf("recorded failed tx should carry VMStatus: %+v", fetched)
	}

	if _, err := l.PayForSegment(ctx, viewer, sessionID, 99); err == nil {
		t.Fatal("out-of-range segment index must fail")
	}

	s, err := l.Session(ctx, sessionID)
	if err != nil {
		t.Fatalf("Session failed: %v", err)
	}
	// 10 segments escrowed at 100, one paid.
	if s.PrepaidBalance.Uint64() != 900 {
		t.Fatalf("expected escrow 900, got %v", s.PrepaidBalance)
	}
}

func TestEndSessionRefundsAndReports(t *testing.T) {
	ctx := context.Background()
	l := NewMemLedger()
	owner := newFundedSigner(t, l, 1000)
	viewer := newFundedSigner(t, l, 2000)
	registerTestVideo(t, l, owner, "v1", 10, 100)

	startTx, _ := l.StartSession(ctx, viewer, "v1", 5, time.Hour)
	sessionID := startTx.Events[0].SessionID
	l.PayForSegment(ctx, viewer, sessionID, 0)
	l.PayForSegment(ctx, viewer, sessionID, 1)

	before, _ := l.BalanceOf(ctx, viewer.Address())
	endTx, err := l.EndSession(ctx, viewer, sessionID)
	if err != nil {
		t.Fatalf("EndSession failed: %v", err)
	}
	ev := endTx.Events[0]
	if ev.Type != EventSessionEnded || ev.SegmentsWatched != 2 {
		t.Fatalf("unexpected SessionEnded event: %+v", ev)
	}
	if ev.TotalPaid.Uint64() != 200 || ev.Refunded.Uint64() != 300 {
		t.Fatalf("expected paid=200 refunded=300, got %+v", ev)
	}

	after, _ := l.BalanceOf(ctx, viewer.Address())
	// Refund of 300 minus 1 gas for the end_session tx itself.
	want := new(uint256.Int).Add(before, uint256.NewInt(299))
	if !after.Eq(want) {
		t.Fatalf("expected balance %v after refund, got %v", want, after)
	}

	if _, err := l.PayForSegment(ctx, viewer, sessionID, 2); err == nil {
		t.Fatal("payment after session end must fail")
	}
}

func TestDelegatedKeyPaysDirectlyWhenEscrowExhausted(t *testing.T) {
	ctx := context.Background()
	l := NewMemLedger()
	owner := newFundedSigner(t, l, 1000)
	viewer := newFundedSigner(t, l, 2000)
	registerTestVideo(t, l, owner, "v1", 10, 100)

	// Zero prepaid segments: every payment draws from the payer directly.
	startTx, _ := l.StartSession(ctx, viewer, "v1", 0, time.Hour)
	sessionID := startTx.Events[0].SessionID

	ephemeral := newFundedSigner(t, l, 250)
	if _, err := l.PayForSegment(ctx, ephemeral, sessionID, 0); err != nil {
		t.Fatalf("direct payment failed: %v", err)
	}
	if _, err := l.PayForSegment(ctx, ephemeral, sessionID, 1); err != nil {
		t.Fatalf("second direct payment failed: %v", err)
	}
	// 250 - 2*(100 price + 1 gas) = 48, below price: ledger enforces the
	// balance floor regardless of any client-side bookkeeping.
	if _, err := l.PayForSegment(ctx, ephemeral, sessionID, 2); !errors.Is(err, ErrInsufficientBalance) {
		t.Fatalf("expected ErrInsufficientBalance, got %v", err)
	}
}

func TestTransferAndSweep(t *testing.T) {
	ctx := context.Background()
	l := NewMemLedger()
	main := newFundedSigner(t, l, 1000)
	ephemeral, _ := GenerateKeySigner()

	if _, err := l.Transfer(ctx, main, ephemeral.Address(), uint256.NewInt(608)); err != nil {
		t.Fatalf("funding transfer failed: %v", err)
	}
	bal, _ := l.BalanceOf(ctx, ephemeral.Address())
	if bal.Uint64() != 608 {
		t.Fatalf("expected 608, got %v", bal)
	}

	// Sweep everything except gas for the sweep itself.
	if _, err := l.Transfer(ctx, ephemeral, main.Address(), uint256.NewInt(607)); err != nil {
		t.Fatalf("sweep failed: %v", err)
	}
	bal, _ = l.BalanceOf(ctx, ephemeral.Address())
	if bal.Uint64() != 0 {
		t.Fatalf("expected empty ephemeral account, got %v", bal)
	}
}

func TestOwnerOnlyOperations(t *testing.T) {
	ctx := context.Background()
	l := NewMemLedger()
	owner := newFundedSigner(t, l, 1000)
	stranger := newFundedSigner(t, l, 1000)
	registerTestVideo(t, l, owner, "v1", 4, 100)

	if _, err := l.UpdatePrice(ctx, stranger, "v1", uint256.NewInt(5)); err == nil {
		t.Fatal("non-owner price update must fail")
	}
	if _, err := l.UpdatePrice(ctx, owner, "v1", uint256.NewInt(150)); err != nil {
		t.Fatalf("owner price update failed: %v", err)
	}
	v, _ := l.Video(ctx, "v1")
	if v.PricePerSegment.Uint64() != 150 {
		t.Fatalf("price not updated: %v", v.PricePerSegment)
	}

	if _, err := l.SetVideoActive(ctx, owner, "v1", false); err != nil {
		t.Fatalf("deactivate failed: %v", err)
	}
	viewer := newFundedSigner(t, l, 1000)
	if _, err := l.StartSession(ctx, viewer, "v1", 2, time.Hour); err == nil {
		t.Fatal("session on inactive video must fail")
	}
}

func TestSessionExpiry(t *testing.T) {
	ctx := context.Background()
	l := NewMemLedger()
	owner := newFundedSigner(t, l, 1000)
	viewer := newFundedSigner(t, l, 2000)
	registerTestVideo(t, l, owner, "v1", 10, 100)

	startTx, _ := l.StartSession(ctx, viewer, "v1", 2, -time.Second)
	sessionID := startTx.Events[0].SessionID

	if _, err := l.PayForSegment(ctx, viewer, sessionID, 0); !errors.Is(err, ErrSessionExpired) {
		t.Fatalf("expected ErrSessionExpired, got %v", err)
	}
}

func TestWithdrawEarnings(t *testing.T) {
	ctx := context.Background()
	l := NewMemLedger()
	owner := newFundedSigner(t, l, 10)
	viewer := newFundedSigner(t, l, 2000)
	registerTestVideo(t, l, owner, "v1", 10, 100)

	startTx, _ := l.StartSession(ctx, viewer, "v1", 3, time.Hour)
	sessionID := startTx.Events[0].SessionID
	l.PayForSegment(ctx, viewer, sessionID, 0)
	l.PayForSegment(ctx, viewer, sessionID, 1)

	before, _ := l.BalanceOf(ctx, owner.Address())
	if _, err := l.WithdrawEarnings(ctx, owner, "v1"); err != nil {
		t.Fatalf("WithdrawEarnings failed: %v", err)
	}
	after, _ := l.BalanceOf(ctx, owner.Address())
	// Two segments at 100 each, minus 1 gas for the withdraw tx.
	want := new(uint256.Int).Add(before, uint256.NewInt(199))
	if !after.Eq(want) {
		t.Fatalf("expected %v, got %v", want, after)
	}
}
