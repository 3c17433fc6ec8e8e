// delegate.go implements the ephemeral delegated signing key: a fresh
// keypair funded once by the viewer with a bounded amount, used to sign
// per-segment payments without further owner interaction, and destroyed
// with its residual balance swept back. The spending limit is purely a
// funding-time decision; the ledger's balance is what actually stops the
// key from overspending.
package session

import (
	"context"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/streamgate/streamgate/ledger"
)

// auxiliaryTxAllowance is the number of non-segment transactions (funding
// sweep, session end, slack for retries) the gas estimate budgets for on
// top of the estimated segment payments.
const auxiliaryTxAllowance = 3

// FundingParams size the one-time transfer that funds a delegated key.
type FundingParams struct {
	// SpendingLimit is the maximum the key should spend on segments.
	SpendingLimit *uint256.Int

	// GasBufferPercent adds headroom as a percentage of SpendingLimit.
	GasBufferPercent uint64

	// EstimatedSegments is the expected number of segment payments.
	EstimatedSegments uint64

	// PerTxGasEstimate is the expected gas cost of one transaction.
	PerTxGasEstimate *uint256.Int
}

// FundingAmount computes the transfer that funds the key:
//
//	spendingLimit + spendingLimit*gasBufferPercent/100 +
//	(estimatedSegments + auxiliaryTxAllowance) * perTxGasEstimate
//
// so the key runs out of spendable balance before it runs out of gas.
func (p FundingParams) FundingAmount() *uint256.Int {
	amount := p.SpendingLimit.Clone()

	buffer := new(uint256.Int).Mul(p.SpendingLimit, uint256.NewInt(p.GasBufferPercent))
	buffer.Div(buffer, uint256.NewInt(100))
	amount.Add(amount, buffer)

	gas := new(uint256.Int).Mul(p.PerTxGasEstimate, uint256.NewInt(p.EstimatedSegments+auxiliaryTxAllowance))
	amount.Add(amount, gas)
	return amount
}

// DelegatedKey is an ephemeral signing key bound to one session. The spend
// counters are advisory; the authoritative balance lives on the ledger.
type DelegatedKey struct {
	signer *ledger.KeySigner

	Address       common.Address
	SpendingLimit *uint256.Int
	FundingAmount *uint256.Int
	FundingOwner  common.Address

	// Advisory running totals, updated per submitted transaction.
	SegmentSpend *uint256.Int
	GasSpend     *uint256.Int

	// CurrentBalance is the last balance read from the ledger, not a
	// locally maintained total.
	CurrentBalance *uint256.Int

	perTxGas *uint256.Int
}

// recordTx updates the advisory spend counters for one submitted
// transaction. Callers hold the manager lock.
func (k *DelegatedKey) recordTx(tx *ledger.Transaction, price *uint256.Int) {
	k.GasSpend.Add(k.GasSpend, uint256.NewInt(tx.GasUsed))
	if tx.Success && price != nil {
		k.SegmentSpend.Add(k.SegmentSpend, price)
	}
}

// Delegate generates an ephemeral key, funds it from the viewer's wallet
// with a single owner-signed transfer, and attaches it to the session.
// Subsequent segment payments are signed by this key autonomously. The
// key's actual balance is read back from the ledger before it is trusted
// for affordability checks.
func (m *Manager) Delegate(ctx context.Context, params FundingParams) (*DelegatedKey, error) {
	if params.SpendingLimit == nil || params.PerTxGasEstimate == nil {
		return nil, errors.New("session: delegate: spending limit and gas estimate required")
	}

	signer, err := ledger.GenerateKeySigner()
	if err != nil {
		return nil, fmt.Errorf("session: delegate: %w", err)
	}

	funding := params.FundingAmount()
	if _, err := m.ledger.Transfer(ctx, m.viewer, signer.Address(), funding); err != nil {
		if errors.Is(err, ledger.ErrInsufficientBalance) {
			balance, balErr := m.ledger.BalanceOf(ctx, m.viewer.Address())
			if balErr != nil {
				balance = uint256.NewInt(0)
			}
			return nil, &EscrowError{Reason: "cannot fund delegated key", Remaining: balance, Required: funding}
		}
		return nil, fmt.Errorf("session: fund delegated key: %w", err)
	}

	// Reconcile: trust the chain's view of the funded balance.
	balance, err := m.ledger.BalanceOf(ctx, signer.Address())
	if err != nil {
		balance = funding.Clone()
	}

	key := &DelegatedKey{
		signer:         signer,
		Address:        signer.Address(),
		SpendingLimit:  params.SpendingLimit.Clone(),
		FundingAmount:  funding,
		FundingOwner:   m.viewer.Address(),
		SegmentSpend:   uint256.NewInt(0),
		GasSpend:       uint256.NewInt(0),
		CurrentBalance: balance,
		perTxGas:       params.PerTxGasEstimate.Clone(),
	}

	m.mu.Lock()
	m.delegated = key
	m.mu.Unlock()

	m.log.Info("delegated key funded",
		"address", key.Address, "funding", funding.Dec(), "limit", params.SpendingLimit.Dec())
	return key, nil
}

// DelegatedKey returns the attached delegated key, if any.
func (m *Manager) DelegatedKey() *DelegatedKey {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.delegated
}

// SweepDelegated returns the delegated key's residual balance to the
// funding owner and detaches the key. Called on graceful session end and
// on error paths; best-effort, and callers treat failure as non-fatal.
func (m *Manager) SweepDelegated(ctx context.Context) error {
	m.mu.Lock()
	key := m.delegated
	m.mu.Unlock()
	if key == nil {
		return ErrNoDelegate
	}

	balance, err := m.ledger.BalanceOf(ctx, key.Address)
	if err != nil {
		return fmt.Errorf("session: sweep: read balance: %w", err)
	}
	key.CurrentBalance = balance.Clone()

	// Leave gas for the sweep transaction itself.
	if balance.Cmp(key.perTxGas) <= 0 {
		m.mu.Lock()
		m.delegated = nil
		m.mu.Unlock()
		return nil
	}
	residual := new(uint256.Int).Sub(balance, key.perTxGas)

	if _, err := m.ledger.Transfer(ctx, key.signer, key.FundingOwner, residual); err != nil {
		return fmt.Errorf("session: sweep: %w", err)
	}

	m.mu.Lock()
	m.delegated = nil
	m.mu.Unlock()
	m.log.Info("delegated key swept", "address", key.Address, "returned", residual.Dec())
	return nil
}
