package ledger

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/holiman/uint256"
)

// Signer signs ledger transactions for one account. The viewer's main
// wallet and the session's ephemeral delegated key both satisfy it.
type Signer interface {
	Address() common.Address
	Sign(digest []byte) ([]byte, error)
}

// Client is the ledger gateway interface consumed by the rest of the
// system. All calls take a context; network-backed implementations honor
// its deadline and cancellation.
type Client interface {
	// Reads.
	Transaction(ctx context.Context, txHash common.Hash) (*Transaction, error)
	BalanceOf(ctx context.Context, addr common.Address) (*uint256.Int, error)
	Video(ctx context.Context, videoID string) (*VideoState, error)
	Session(ctx context.Context, sessionID string) (*SessionState, error)

	// CommitmentRoot returns the Merkle root published at registration.
	// This is the root clients verify key proofs against.
	CommitmentRoot(ctx context.Context, videoID string) (common.Hash, error)

	// Entry-function submissions. Each submits a signed transaction and
	// returns its executed form (the in-memory ledger executes inline; the
	// HTTP gateway waits for confirmation).
	RegisterVideo(ctx context.Context, owner Signer, reg VideoRegistration) (*Transaction, error)
	UpdatePrice(ctx context.Context, owner Signer, videoID string, price *uint256.Int) (*Transaction, error)
	SetVideoActive(ctx context.Context, owner Signer, videoID string, active bool) (*Transaction, error)
	StartSession(ctx context.Context, viewer Signer, videoID string, prepaidSegments uint32, maxDuration time.Duration) (*Transaction, error)
	PayForSegment(ctx context.Context, payer Signer, sessionID string, segmentIndex uint32) (*Transaction, error)
	TopUpSession(ctx context.Context, viewer Signer, sessionID string, amount *uint256.Int) (*Transaction, error)
	EndSession(ctx context.Context, viewer Signer, sessionID string) (*Transaction, error)
	WithdrawEarnings(ctx context.Context, owner Signer, videoID string) (*Transaction, error)
	Transfer(ctx context.Context, from Signer, to common.Address, amount *uint256.Int) (*Transaction, error)
}

// KeySigner signs with an in-process secp256k1 private key.
type KeySigner struct {
	priv *ecdsa.PrivateKey
	addr common.Address
}

// NewKeySigner wraps an existing private key.
func NewKeySigner(priv *ecdsa.PrivateKey) *KeySigner {
	return &KeySigner{
		priv: priv,
		addr: crypto.PubkeyToAddress(priv.PublicKey),
	}
}

// GenerateKeySigner creates a signer with a fresh random keypair.
func GenerateKeySigner() (*KeySigner, error) {
	priv, err := crypto.GenerateKey()
	if err != nil {
		return nil, fmt.Errorf("ledger: generate key: %w", err)
	}
	return NewKeySigner(priv), nil
}

// Address returns the account address derived from the public key.
func (s *KeySigner) Address() common.Address {
	return s.addr
}

// Sign produces a recoverable secp256k1 signature over a 32-byte digest.
func (s *KeySigner) Sign(digest []byte) ([]byte, error) {
	if len(digest) != 32 {
		return nil, fmt.Errorf("ledger: digest must be 32 bytes, got %d", len(digest))
	}
	return crypto.Sign(digest, s.priv)
}
