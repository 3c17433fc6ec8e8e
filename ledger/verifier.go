// verifier.go resolves a payment claim to a pass/fail verdict. The policy
// is fail closed: a ledger access error, a failed execution, a missing or
// ambiguous SegmentPaid event, or any unexpected shape all verify as
// "not paid". A transient RPC failure costs the viewer a retry; a false
// positive would leak a paid segment's key for free.
package ledger

import (
	"context"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"

	"github.com/streamgate/streamgate/log"
)

// Verification errors. ErrLedgerAccess wraps ErrNotVerified so callers that
// only check "verified or not" need a single errors.Is; callers that track
// telemetry can still distinguish the transient case.
var (
	ErrNotVerified  = errors.New("ledger: payment not verified")
	ErrLedgerAccess = fmt.Errorf("ledger access failed (transient): %w", ErrNotVerified)
)

// Claim is a caller-supplied payment claim: a transaction reference plus
// the network it was submitted on.
type Claim struct {
	TxHash  common.Hash `json:"txHash"`
	Network string      `json:"network"`
}

// Verifier checks payment claims against the ledger.
type Verifier struct {
	client  Client
	network string
	log     *log.Logger
}

// NewVerifier creates a Verifier bound to one network identifier. Claims
// naming any other network are rejected without a ledger round trip.
func NewVerifier(client Client, network string, logger *log.Logger) *Verifier {
	if logger == nil {
		logger = log.Default()
	}
	return &Verifier{
		client:  client,
		network: network,
		log:     logger.Module("verifier"),
	}
}

// VerifySegmentPayment returns nil iff the claimed transaction executed
// successfully on the expected network and emitted exactly one SegmentPaid
// event matching the requested video and segment index.
func (v *Verifier) VerifySegmentPayment(ctx context.Context, claim Claim, videoID string, segmentIndex uint32) error {
	if claim.Network != v.network {
		v.log.Warn("claim names wrong network", "claimed", claim.Network, "expected", v.network)
		return ErrNotVerified
	}

	tx, err := v.client.Transaction(ctx, claim.TxHash)
	if err != nil {
		if errors.Is(err, ErrTxNotFound) {
			v.log.Warn("claimed transaction not found", "tx", claim.TxHash)
			return ErrNotVerified
		}
		v.log.Warn("ledger unreachable during verification", "tx", claim.TxHash, "err", err)
		return fmt.Errorf("%w: %v", ErrLedgerAccess, err)
	}

	if !tx.Success {
		v.log.Warn("claimed transaction failed on chain", "tx", claim.TxHash, "vm_status", tx.VMStatus)
		return ErrNotVerified
	}

	matches := 0
	for _, ev := range tx.Events {
		if ev.Type != EventSegmentPaid {
			continue
		}
		if ev.VideoID == videoID && ev.SegmentIndex == segmentIndex {
			matches++
		}
	}
	// Exactly one match. Zero means the tx paid for something else;
	// more than one is ambiguous and fails closed.
	if matches != 1 {
		v.log.Warn("segment payment event mismatch",
			"tx", claim.TxHash, "video", videoID, "segment", segmentIndex, "matches", matches)
		return ErrNotVerified
	}

	v.log.Debug("payment verified", "tx", claim.TxHash, "video", videoID, "segment", segmentIndex)
	return nil
}
