// memledger.go is an in-memory ledger with the same entry-function
// semantics as the on-chain streaming contract. It backs tests and local
// development; transactions execute inline and are recorded with their
// events exactly as a node would report them, including failed executions.
package ledger

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

// DefaultGasPerTx is the flat gas charge the in-memory ledger debits the
// sender for every submitted transaction.
var DefaultGasPerTx = uint256.NewInt(1)

type memSession struct {
	state SessionState
	paid  map[uint32]bool
}

// MemLedger is an in-memory Client implementation. All methods are safe
// for concurrent use.
type MemLedger struct {
	mu       sync.Mutex
	gasPerTx *uint256.Int
	balances map[common.Address]*uint256.Int
	videos   map[string]*VideoState
	earnings map[string]*uint256.Int
	sessions map[string]*memSession
	txs      map[common.Hash]*Transaction
	txSeq    uint64

	// rpcErr, when set, makes every call fail as if the node were
	// unreachable. Used to exercise fail-closed verification.
	rpcErr error
}

// NewMemLedger creates an empty in-memory ledger.
func NewMemLedger() *MemLedger {
	return &MemLedger{
		gasPerTx: DefaultGasPerTx,
		balances: make(map[common.Address]*uint256.Int),
		videos:   make(map[string]*VideoState),
		earnings: make(map[string]*uint256.Int),
		sessions: make(map[string]*memSession),
		txs:      make(map[common.Hash]*Transaction),
	}
}

// SetRPCError makes every subsequent call return err until cleared with
// SetRPCError(nil).
func (m *MemLedger) SetRPCError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rpcErr = err
}

// Fund credits an account out of thin air. Test and dev helper.
func (m *MemLedger) Fund(addr common.Address, amount *uint256.Int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.credit(addr, amount)
}

func (m *MemLedger) credit(addr common.Address, amount *uint256.Int) {
	bal, ok := m.balances[addr]
	if !ok {
		bal = uint256.NewInt(0)
		m.balances[addr] = bal
	}
	bal.Add(bal, amount)
}

func (m *MemLedger) debit(addr common.Address, amount *uint256.Int) error {
	bal, ok := m.balances[addr]
	if !ok || bal.Lt(amount) {
		return ErrInsufficientBalance
	}
	bal.Sub(bal, amount)
	return nil
}

func (m *MemLedger) nextTxHash() common.Hash {
	m.txSeq++
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], m.txSeq)
	return common.Hash(sha256.Sum256(buf[:]))
}

// execute charges gas, runs fn, and records the resulting transaction.
// Ledger-logic failures still produce a recorded transaction with
// Success=false and the error in VMStatus, mirroring on-chain behavior.
func (m *MemLedger) execute(sender Signer, fn func(tx *Transaction) error) (*Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.rpcErr != nil {
		return nil, m.rpcErr
	}

	if err := m.debit(sender.Address(), m.gasPerTx); err != nil {
		return nil, fmt.Errorf("ledger: gas: %w", err)
	}

	tx := &Transaction{
		Hash:    m.nextTxHash(),
		Sender:  sender.Address(),
		Success: true,
		GasUsed: m.gasPerTx.Uint64(),
	}
	err := fn(tx)
	if err != nil {
		tx.Success = false
		tx.VMStatus = err.Error()
		tx.Events = nil
	}
	m.txs[tx.Hash] = tx
	if err != nil {
		return tx, err
	}
	return tx, nil
}

// Transaction returns a previously executed transaction.
func (m *MemLedger) Transaction(ctx context.Context, txHash common.Hash) (*Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.rpcErr != nil {
		return nil, m.rpcErr
	}
	tx, ok := m.txs[txHash]
	if !ok {
		return nil, ErrTxNotFound
	}
	cp := *tx
	return &cp, nil
}

// BalanceOf returns the current balance of an account.
func (m *MemLedger) BalanceOf(ctx context.Context, addr common.Address) (*uint256.Int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.rpcErr != nil {
		return nil, m.rpcErr
	}
	bal, ok := m.balances[addr]
	if !ok {
		return uint256.NewInt(0), nil
	}
	return bal.Clone(), nil
}

// Video returns the on-chain record of a video.
func (m *MemLedger) Video(ctx context.Context, videoID string) (*VideoState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.rpcErr != nil {
		return nil, m.rpcErr
	}
	v, ok := m.videos[videoID]
	if !ok {
		return nil, ErrVideoNotFound
	}
	cp := *v
	cp.PricePerSegment = v.PricePerSegment.Clone()
	return &cp, nil
}

// Session returns the on-chain record of a viewing session.
func (m *MemLedger) Session(ctx context.Context, sessionID string) (*SessionState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.rpcErr != nil {
		return nil, m.rpcErr
	}
	s, ok := m.sessions[sessionID]
	if !ok {
		return nil, ErrSessionNotFound
	}
	cp := s.state
	cp.PrepaidBalance = s.state.PrepaidBalance.Clone()
	cp.PaidSegments = make([]uint32, 0, len(s.paid))
	for idx := range s.paid {
		cp.PaidSegments = append(cp.PaidSegments, idx)
	}
	return &cp, nil
}

// CommitmentRoot returns the Merkle root published for a video.
func (m *MemLedger) CommitmentRoot(ctx context.Context, videoID string) (common.Hash, error) {
	v, err := m.Video(ctx, videoID)
	if err != nil {
		return common.Hash{}, err
	}
	return v.CommitmentRoot, nil
}

// RegisterVideo publishes a video record and its commitment root.
func (m *MemLedger) RegisterVideo(ctx context.Context, owner Signer, reg VideoRegistration) (*Transaction, error) {
	return m.execute(owner, func(tx *Transaction) error {
		if _, exists := m.videos[reg.VideoID]; exists {
			return fmt.Errorf("ledger: video %s already registered", reg.VideoID)
		}
		m.videos[reg.VideoID] = &VideoState{
			VideoID:         reg.VideoID,
			Owner:           owner.Address(),
			TotalSegments:   reg.TotalSegments,
			CommitmentRoot:  reg.CommitmentRoot,
			PricePerSegment: reg.PricePerSegment.Clone(),
			IsActive:        true,
		}
		m.earnings[reg.VideoID] = uint256.NewInt(0)
		tx.Events = append(tx.Events, Event{
			Type:    EventVideoRegistered,
			VideoID: reg.VideoID,
		})
		return nil
	})
}

// UpdatePrice changes a video's per-segment price. Owner only.
func (m *MemLedger) UpdatePrice(ctx context.Context, owner Signer, videoID string, price *uint256.Int) (*Transaction, error) {
	return m.execute(owner, func(tx *Transaction) error {
		v, ok := m.videos[videoID]
		if !ok {
			return ErrVideoNotFound
		}
		if v.Owner != owner.Address() {
			return fmt.Errorf("ledger: %s does not own video %s", owner.Address(), videoID)
		}
		v.PricePerSegment = price.Clone()
		return nil
	})
}

// SetVideoActive toggles a video's availability. Owner only.
func (m *MemLedger) SetVideoActive(ctx context.Context, owner Signer, videoID string, active bool) (*Transaction, error) {
	return m.execute(owner, func(tx *Transaction) error {
		v, ok := m.videos[videoID]
		if !ok {
			return ErrVideoNotFound
		}
		if v.Owner != owner.Address() {
			return fmt.Errorf("ledger: %s does not own video %s", owner.Address(), videoID)
		}
		v.IsActive = active
		return nil
	})
}

// StartSession escrows prepaidSegments * price from the viewer and opens a
// session.
func (m *MemLedger) StartSession(ctx context.Context, viewer Signer, videoID string, prepaidSegments uint32, maxDuration time.Duration) (*Transaction, error) {
	return m.execute(viewer, func(tx *Transaction) error {
		v, ok := m.videos[videoID]
		if !ok {
			return ErrVideoNotFound
		}
		if !v.IsActive {
			return fmt.Errorf("ledger: video %s is not active", videoID)
		}

		escrow := new(uint256.Int).Mul(v.PricePerSegment, uint256.NewInt(uint64(prepaidSegments)))
		if err := m.debit(viewer.Address(), escrow); err != nil {
			return err
		}

		sessionID := uuid.NewString()
		m.sessions[sessionID] = &memSession{
			state: SessionState{
				SessionID:      sessionID,
				VideoID:        videoID,
				Viewer:         viewer.Address(),
				PrepaidBalance: escrow,
				ExpiresAt:      time.Now().Add(maxDuration),
				IsActive:       true,
			},
			paid: make(map[uint32]bool),
		}
		tx.Events = append(tx.Events, Event{
			Type:      EventSessionStarted,
			SessionID: sessionID,
			VideoID:   videoID,
		})
		return nil
	})
}

// PayForSegment pays for one segment. The price is drawn from the session's
// escrow when it covers the price, otherwise from the payer's own balance
// (the delegated-key direct-spend path).
func (m *MemLedger) PayForSegment(ctx context.Context, payer Signer, sessionID string, segmentIndex uint32) (*Transaction, error) {
	return m.execute(payer, func(tx *Transaction) error {
		s, ok := m.sessions[sessionID]
		if !ok {
			return ErrSessionNotFound
		}
		if !s.state.IsActive {
			return fmt.Errorf("ledger: session %s ended", sessionID)
		}
		if time.Now().After(s.state.ExpiresAt) {
			return ErrSessionExpired
		}
		v, ok := m.videos[s.state.VideoID]
		if !ok {
			return ErrVideoNotFound
		}
		if segmentIndex >= v.TotalSegments {
			return fmt.Errorf("ledger: segment %d out of range", segmentIndex)
		}
		if s.paid[segmentIndex] {
			return ErrSegmentAlreadyPaid
		}

		price := v.PricePerSegment
		if s.state.PrepaidBalance.Lt(price) {
			if err := m.debit(payer.Address(), price); err != nil {
				return err
			}
		} else {
			s.state.PrepaidBalance.Sub(s.state.PrepaidBalance, price)
		}
		s.paid[segmentIndex] = true
		m.earnings[v.VideoID].Add(m.earnings[v.VideoID], price)

		tx.Events = append(tx.Events, Event{
			Type:         EventSegmentPaid,
			SessionID:    sessionID,
			VideoID:      v.VideoID,
			SegmentIndex: segmentIndex,
			Amount:       price.Clone(),
		})
		return nil
	})
}

// TopUpSession adds escrow to an open session, debited from the signer.
func (m *MemLedger) TopUpSession(ctx context.Context, viewer Signer, sessionID string, amount *uint256.Int) (*Transaction, error) {
	return m.execute(viewer, func(tx *Transaction) error {
		s, ok := m.sessions[sessionID]
		if !ok {
			return ErrSessionNotFound
		}
		if !s.state.IsActive {
			return fmt.Errorf("ledger: session %s ended", sessionID)
		}
		if err := m.debit(viewer.Address(), amount); err != nil {
			return err
		}
		s.state.PrepaidBalance.Add(s.state.PrepaidBalance, amount)
		return nil
	})
}

// EndSession closes a session and refunds unused escrow to the viewer.
func (m *MemLedger) EndSession(ctx context.Context, viewer Signer, sessionID string) (*Transaction, error) {
	return m.execute(viewer, func(tx *Transaction) error {
		s, ok := m.sessions[sessionID]
		if !ok {
			return ErrSessionNotFound
		}
		if !s.state.IsActive {
			return fmt.Errorf("ledger: session %s already ended", sessionID)
		}

		refund := s.state.PrepaidBalance.Clone()
		s.state.PrepaidBalance.Clear()
		s.state.IsActive = false
		m.credit(s.state.Viewer, refund)

		watched := uint32(len(s.paid))
		v := m.videos[s.state.VideoID]
		totalPaid := new(uint256.Int).Mul(v.PricePerSegment, uint256.NewInt(uint64(watched)))

		tx.Events = append(tx.Events, Event{
			Type:            EventSessionEnded,
			SessionID:       sessionID,
			VideoID:         s.state.VideoID,
			SegmentsWatched: watched,
			TotalPaid:       totalPaid,
			Refunded:        refund,
		})
		return nil
	})
}

// WithdrawEarnings pays accumulated segment revenue out to the video owner.
func (m *MemLedger) WithdrawEarnings(ctx context.Context, owner Signer, videoID string) (*Transaction, error) {
	return m.execute(owner, func(tx *Transaction) error {
		v, ok := m.videos[videoID]
		if !ok {
			return ErrVideoNotFound
		}
		if v.Owner != owner.Address() {
			return fmt.Errorf("ledger: %s does not own video %s", owner.Address(), videoID)
		}
		earned := m.earnings[videoID]
		m.credit(owner.Address(), earned)
		m.earnings[videoID] = uint256.NewInt(0)
		return nil
	})
}

// Transfer moves funds between accounts. Used to fund an ephemeral session
// key and to sweep its residual balance back.
func (m *MemLedger) Transfer(ctx context.Context, from Signer, to common.Address, amount *uint256.Int) (*Transaction, error) {
	return m.execute(from, func(tx *Transaction) error {
		if err := m.debit(from.Address(), amount); err != nil {
			return err
		}
		m.credit(to, amount)
		return nil
	})
}
