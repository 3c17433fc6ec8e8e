// Package ledger models the external payment ledger at its interface
// boundary: the entry functions the system calls, the transactions and
// events it reads back, and the fail-closed payment verifier. The ledger
// runtime itself is an external collaborator; this package ships an HTTP
// gateway client for it and an in-memory implementation with the same
// entry-function semantics for tests and local development.
package ledger

import (
	"errors"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// Entry functions exposed by the streaming contract.
const (
	EntryRegisterVideo    = "register_video"
	EntryUpdatePrice      = "update_price"
	EntrySetVideoActive   = "set_video_active"
	EntryStartSession     = "start_session"
	EntryPayForSegment    = "pay_for_segment"
	EntryTopUpSession     = "top_up_session"
	EntryEndSession       = "end_session"
	EntryWithdrawEarnings = "withdraw_earnings"
	EntryTransfer         = "transfer"
)

// Event types emitted by the streaming contract.
const (
	EventVideoRegistered = "VideoRegistered"
	EventSessionStarted  = "SessionStarted"
	EventSegmentPaid     = "SegmentPaid"
	EventSessionEnded    = "SessionEnded"
)

// Ledger errors.
var (
	ErrTxNotFound          = errors.New("ledger: transaction not found")
	ErrVideoNotFound       = errors.New("ledger: video not found")
	ErrSessionNotFound     = errors.New("ledger: session not found")
	ErrSessionExpired      = errors.New("ledger: session expired")
	ErrSegmentAlreadyPaid  = errors.New("ledger: segment already paid")
	ErrInsufficientBalance = errors.New("ledger: insufficient balance")
)

// Event is one contract event emitted by a transaction. Fields beyond Type
// are populated per event type; unused fields stay zero.
type Event struct {
	Type string `json:"type"`

	// SegmentPaid / SessionStarted / SessionEnded.
	SessionID string `json:"session_id,omitempty"`
	VideoID   string `json:"video_id,omitempty"`

	// SegmentPaid.
	SegmentIndex uint32       `json:"segment_index,omitempty"`
	Amount       *uint256.Int `json:"amount,omitempty"`

	// SessionEnded.
	SegmentsWatched uint32       `json:"segments_watched,omitempty"`
	TotalPaid       *uint256.Int `json:"total_paid,omitempty"`
	Refunded        *uint256.Int `json:"refunded,omitempty"`
}

// Transaction is the ledger's view of an executed transaction.
type Transaction struct {
	Hash    common.Hash    `json:"hash"`
	Sender  common.Address `json:"sender"`
	Success bool           `json:"success"`
	// VMStatus carries the ledger's failure reason when Success is false.
	VMStatus string  `json:"vm_status,omitempty"`
	GasUsed  uint64  `json:"gas_used"`
	Events   []Event `json:"events"`
}

// VideoRegistration is the argument set for register_video.
type VideoRegistration struct {
	VideoID         string       `json:"video_id"`
	ContentURI      string       `json:"content_uri"`
	ThumbnailURI    string       `json:"thumbnail_uri"`
	DurationSeconds uint64       `json:"duration_seconds"`
	TotalSegments   uint32       `json:"total_segments"`
	CommitmentRoot  common.Hash  `json:"commitment_root"`
	PricePerSegment *uint256.Int `json:"price_per_segment"`
}

// VideoState is the on-chain record of a registered video.
type VideoState struct {
	VideoID         string         `json:"video_id"`
	Owner           common.Address `json:"owner"`
	TotalSegments   uint32         `json:"total_segments"`
	CommitmentRoot  common.Hash    `json:"commitment_root"`
	PricePerSegment *uint256.Int   `json:"price_per_segment"`
	IsActive        bool           `json:"is_active"`
}

// SessionState is the on-chain record of a viewing session.
type SessionState struct {
	SessionID      string         `json:"session_id"`
	VideoID        string         `json:"video_id"`
	Viewer         common.Address `json:"viewer"`
	PrepaidBalance *uint256.Int   `json:"prepaid_balance"`
	PaidSegments   []uint32       `json:"paid_segments"`
	ExpiresAt      time.Time      `json:"expires_at"`
	IsActive       bool           `json:"is_active"`
}
