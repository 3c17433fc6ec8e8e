// Package session manages the viewer side of the escrow economics: the
// prepaid balance scoped to one video-viewing session, the set of segments
// already paid, optional delegation to an ephemeral signing key with a
// bounded funding amount, and end-of-session settlement with fund return.
//
// All local balance tracking here is advisory, for UI and low-balance
// prompts. The ledger's own account balances are the sole authorization
// boundary; the manager reconciles against them rather than trusting its
// running totals.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/holiman/uint256"

	"github.com/streamgate/streamgate/ledger"
	"github.com/streamgate/streamgate/log"
)

// Session errors.
var (
	ErrNoSession  = errors.New("session: no open session")
	ErrNotActive  = errors.New("session: session has ended")
	ErrNoDelegate = errors.New("session: no delegated key")
)

// EscrowError reports an affordability failure with the exact amounts the
// UI needs to prompt a top-up.
type EscrowError struct {
	Reason    string
	Remaining *uint256.Int // what the session can still spend
	Required  *uint256.Int // what the rejected action needed
}

func (e *EscrowError) Error() string {
	return fmt.Sprintf("session: %s (remaining %s, required %s)", e.Reason, e.Remaining.Dec(), e.Required.Dec())
}

// Settlement is the outcome reported by the SessionEnded event.
type Settlement struct {
	SegmentsWatched uint32
	TotalPaid       *uint256.Int
	Refunded        *uint256.Int
}

// Manager tracks one viewer's session for one video.
type Manager struct {
	ledger ledger.Client
	viewer ledger.Signer
	log    *log.Logger

	mu        sync.Mutex
	sessionID string
	videoID   string
	price     *uint256.Int
	escrowed  *uint256.Int // total escrowed over the session lifetime
	paidSet   map[uint32]bool
	expiresAt time.Time
	active    bool
	delegated *DelegatedKey
}

// NewManager creates a Manager for one viewer wallet.
func NewManager(l ledger.Client, viewer ledger.Signer, logger *log.Logger) *Manager {
	if logger == nil {
		logger = log.Default()
	}
	return &Manager{
		ledger: l,
		viewer: viewer,
		log:    logger.Module("session"),
	}
}

// Open starts an on-chain session escrowing prepaidSegments at the video's
// current price.
func (m *Manager) Open(ctx context.Context, videoID string, prepaidSegments uint32, maxDuration time.Duration) (string, error) {
	v, err := m.ledger.Video(ctx, videoID)
	if err != nil {
		return "", fmt.Errorf("session: read video: %w", err)
	}

	tx, err := m.ledger.StartSession(ctx, m.viewer, videoID, prepaidSegments, maxDuration)
	if err != nil {
		if errors.Is(err, ledger.ErrInsufficientBalance) {
			required := new(uint256.Int).Mul(v.PricePerSegment, uint256.NewInt(uint64(prepaidSegments)))
			balance, balErr := m.ledger.BalanceOf(ctx, m.viewer.Address())
			if balErr != nil {
				balance = uint256.NewInt(0)
			}
			return "", &EscrowError{Reason: "cannot fund escrow", Remaining: balance, Required: required}
		}
		return "", fmt.Errorf("session: start: %w", err)
	}

	var sessionID string
	for _, ev := range tx.Events {
		if ev.Type == ledger.EventSessionStarted {
			sessionID = ev.SessionID
		}
	}
	if sessionID == "" {
		return "", errors.New("session: start tx emitted no SessionStarted event")
	}

	m.mu.Lock()
	m.sessionID = sessionID
	m.videoID = videoID
	m.price = v.PricePerSegment.Clone()
	m.escrowed = new(uint256.Int).Mul(v.PricePerSegment, uint256.NewInt(uint64(prepaidSegments)))
	m.paidSet = make(map[uint32]bool)
	m.expiresAt = time.Now().Add(maxDuration)
	m.active = true
	m.mu.Unlock()

	m.log.Info("session opened", "session", sessionID, "video", videoID, "prepaid_segments", prepaidSegments)
	return sessionID, nil
}

// SessionID returns the open session's identifier.
func (m *Manager) SessionID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessionID
}

// RemainingSegments returns how many more segments the escrow covers:
// floor(escrowed / pricePerSegment) minus the segments already paid.
func (m *Manager) RemainingSegments() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.remainingLocked()
}

func (m *Manager) remainingLocked() int {
	if !m.active || m.price == nil || m.price.IsZero() {
		return 0
	}
	covered := new(uint256.Int).Div(m.escrowed, m.price)
	return int(covered.Uint64()) - len(m.paidSet)
}

// IsLowBalance reports whether the escrow covers threshold segments or
// fewer.
func (m *Manager) IsLowBalance(threshold int) bool {
	return m.RemainingSegments() <= threshold
}

// PaidSegments returns a copy of the set of segments paid so far.
func (m *Manager) PaidSegments() map[uint32]bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[uint32]bool, len(m.paidSet))
	for idx := range m.paidSet {
		out[idx] = true
	}
	return out
}

// PayForSegment submits a payment for one segment, signed by the delegated
// key when one is attached, otherwise by the viewer's wallet. The spend is
// accounted as soon as the transaction is submitted; if the caller later
// discards the result (playback torn down mid-flight), settlement still
// sees it.
func (m *Manager) PayForSegment(ctx context.Context, segmentIndex uint32) (*ledger.Transaction, error) {
	m.mu.Lock()
	if !m.active {
		m.mu.Unlock()
		return nil, ErrNoSession
	}
	sessionID := m.sessionID
	signer := ledger.Signer(m.viewer)
	delegated := m.delegated
	if delegated != nil {
		signer = delegated.signer
	}
	m.mu.Unlock()

	tx, err := m.ledger.PayForSegment(ctx, signer, sessionID, segmentIndex)

	m.mu.Lock()
	if tx != nil && delegated != nil {
		delegated.recordTx(tx, m.price)
	}
	if err == nil {
		m.paidSet[segmentIndex] = true
	}
	remaining := m.remainingLocked()
	required := uint256.NewInt(0)
	if m.price != nil {
		required = m.price.Clone()
	}
	m.mu.Unlock()

	if err != nil {
		if errors.Is(err, ledger.ErrInsufficientBalance) {
			rem := new(uint256.Int).Mul(required, uint256.NewInt(uint64(max(remaining, 0))))
			return tx, &EscrowError{Reason: "cannot pay for segment", Remaining: rem, Required: required}
		}
		return tx, err
	}
	return tx, nil
}

// TopUp adds escrow to the open session with an owner-signed transaction.
func (m *Manager) TopUp(ctx context.Context, amount *uint256.Int) error {
	m.mu.Lock()
	if !m.active {
		m.mu.Unlock()
		return ErrNoSession
	}
	sessionID := m.sessionID
	m.mu.Unlock()

	if _, err := m.ledger.TopUpSession(ctx, m.viewer, sessionID, amount); err != nil {
		return fmt.Errorf("session: top up: %w", err)
	}

	m.mu.Lock()
	m.escrowed.Add(m.escrowed, amount)
	m.mu.Unlock()
	m.log.Info("session topped up", "session", sessionID, "amount", amount.Dec())
	return nil
}

// Reconcile refreshes the advisory escrow from the on-chain session state.
func (m *Manager) Reconcile(ctx context.Context) error {
	m.mu.Lock()
	sessionID := m.sessionID
	active := m.active
	m.mu.Unlock()
	if !active {
		return ErrNoSession
	}

	state, err := m.ledger.Session(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("session: reconcile: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	// On-chain prepaid balance excludes already-paid segments; restore the
	// lifetime-escrow view the remaining-segments formula expects.
	paid := new(uint256.Int).Mul(m.price, uint256.NewInt(uint64(len(state.PaidSegments))))
	m.escrowed = new(uint256.Int).Add(state.PrepaidBalance, paid)
	m.paidSet = make(map[uint32]bool, len(state.PaidSegments))
	for _, idx := range state.PaidSegments {
		m.paidSet[idx] = true
	}
	m.active = state.IsActive
	return nil
}

// End settles the session on-chain and returns the reported settlement.
// The delegated key's residual balance is swept back first, best-effort.
func (m *Manager) End(ctx context.Context) (*Settlement, error) {
	m.mu.Lock()
	if !m.active {
		m.mu.Unlock()
		return nil, ErrNoSession
	}
	sessionID := m.sessionID
	m.mu.Unlock()

	// Sweep before settling so the refund and the residual both land in
	// the viewer's wallet. Failure here must not block settlement.
	if err := m.SweepDelegated(ctx); err != nil && !errors.Is(err, ErrNoDelegate) {
		m.log.Warn("delegated key sweep failed", "err", err)
	}

	tx, err := m.ledger.EndSession(ctx, m.viewer, sessionID)
	if err != nil {
		return nil, fmt.Errorf("session: end: %w", err)
	}

	m.mu.Lock()
	m.active = false
	m.mu.Unlock()

	for _, ev := range tx.Events {
		if ev.Type == ledger.EventSessionEnded {
			m.log.Info("session settled", "session", sessionID,
				"segments_watched", ev.SegmentsWatched, "refunded", ev.Refunded.Dec())
			return &Settlement{
				SegmentsWatched: ev.SegmentsWatched,
				TotalPaid:       ev.TotalPaid,
				Refunded:        ev.Refunded,
			}, nil
		}
	}
	return nil, errors.New("session: end tx emitted no SessionEnded event")
}
