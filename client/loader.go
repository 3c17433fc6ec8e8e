// Package client implements the playback-side key loader. Each segment
// key is acquired through a small state machine: request the key, pay the
// ledger when challenged, retry with the payment claim, verify the
// returned Merkle proof against the on-chain commitment root, and cache
// the result. Concurrent requests for the same segment coalesce into one
// in-flight acquisition so a segment is never paid for twice; requests
// for different segments proceed independently.
//
// The on-chain root, not the proof's self-reported root, is the trust
// anchor: a key whose proof does not verify against it is discarded and
// never cached, whatever the release server claims.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/sync/singleflight"

	"github.com/streamgate/streamgate/ledger"
	"github.com/streamgate/streamgate/log"
	"github.com/streamgate/streamgate/merkle"
	"github.com/streamgate/streamgate/segcipher"
	"github.com/streamgate/streamgate/server"
)

// Loader errors.
var (
	ErrRejected  = errors.New("client: request rejected by key server")
	ErrIntegrity = errors.New("client: key proof rejected against on-chain commitment")
	ErrExhausted = errors.New("client: key acquisition attempts exhausted")
)

// State is the acquisition state of one segment's key.
type State int

const (
	StateIdle       State = iota // No acquisition attempted yet.
	StateRequesting              // First request in flight.
	StateChallenged              // Server answered 402.
	StatePaying                  // Payment transaction submitted.
	StateRetrying                // Re-requesting with a payment claim.
	StateVerifying               // Proof verification against the chain root.
	StateCached                  // Verified key held in the cache.
	StateFailed                  // Acquisition gave up.
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRequesting:
		return "requesting"
	case StateChallenged:
		return "challenged"
	case StatePaying:
		return "paying"
	case StateRetrying:
		return "retrying"
	case StateVerifying:
		return "verifying"
	case StateCached:
		return "cached"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

// Payer submits a segment payment on the viewer's behalf. A payment is
// irrevocable once submitted; implementations account the spend even when
// the caller later discards the result.
type Payer interface {
	PayForSegment(ctx context.Context, segmentIndex uint32) (*ledger.Transaction, error)
}

// RootSource reads the on-chain commitment root the loader verifies
// released keys against.
type RootSource interface {
	CommitmentRoot(ctx context.Context, videoID string) (common.Hash, error)
}

// Config holds the loader's tunables.
type Config struct {
	// BaseURL is the key-release server's base URL.
	BaseURL string

	// Network is the ledger network named in payment claims.
	Network string

	// CacheTTL is how long a verified key stays usable in the cache.
	CacheTTL time.Duration

	// MaxAttempts bounds the request attempts per acquisition.
	MaxAttempts int

	// InitialBackoff is the delay before the first retry; it doubles per
	// retry up to MaxBackoff.
	InitialBackoff time.Duration
	MaxBackoff     time.Duration

	// RequestTimeout bounds one HTTP exchange with the key server.
	RequestTimeout time.Duration
}

// DefaultConfig returns the default loader configuration.
func DefaultConfig() Config {
	return Config{
		CacheTTL:       5 * time.Minute,
		MaxAttempts:    5,
		InitialBackoff: 200 * time.Millisecond,
		MaxBackoff:     5 * time.Second,
		RequestTimeout: 10 * time.Second,
	}
}

// Validate checks configuration values for correctness.
func (c *Config) Validate() error {
	if c.BaseURL == "" {
		return errors.New("client: base URL must not be empty")
	}
	if c.Network == "" {
		return errors.New("client: network must not be empty")
	}
	if c.MaxAttempts < 1 {
		return errors.New("client: max attempts must be at least 1")
	}
	if c.InitialBackoff <= 0 || c.MaxBackoff < c.InitialBackoff {
		return errors.New("client: invalid backoff bounds")
	}
	if c.CacheTTL <= 0 {
		return errors.New("client: cache TTL must be positive")
	}
	return nil
}

type keyMaterial struct {
	key []byte
	iv  []byte
}

// Loader acquires segment keys for one video on behalf of one session.
type Loader struct {
	config  Config
	videoID string
	payer   Payer
	roots   RootSource
	http    *http.Client
	cache   *keyCache
	log     *log.Logger

	flight singleflight.Group

	mu     sync.Mutex
	states map[uint32]State

	// claims remembers the successful payment claim per segment so a
	// re-acquisition after cache expiry presents proof of the original
	// payment instead of paying again.
	claims map[uint32]*ledger.Claim
}

// NewLoader creates a key loader for one video.
func NewLoader(config Config, videoID string, payer Payer, roots RootSource, logger *log.Logger) (*Loader, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = log.Default()
	}
	return &Loader{
		config:  config,
		videoID: videoID,
		payer:   payer,
		roots:   roots,
		http:    &http.Client{Timeout: config.RequestTimeout},
		cache:   newKeyCache(config.CacheTTL),
		log:     logger.Module("client"),
		states:  make(map[uint32]State),
		claims:  make(map[uint32]*ledger.Claim),
	}, nil
}

// SegmentKey returns the verified key and IV for a segment, acquiring and
// paying for it if necessary. Concurrent calls for the same segment share
// one acquisition and one payment.
func (l *Loader) SegmentKey(ctx context.Context, segmentIndex uint32) (key, iv []byte, err error) {
	if k, v, ok := l.cache.lookup(segmentIndex); ok {
		return bytes.Clone(k), bytes.Clone(v), nil
	}

	res, err, _ := l.flight.Do(strconv.FormatUint(uint64(segmentIndex), 10), func() (any, error) {
		// A coalesced caller may arrive just after the winner populated
		// the cache.
		if k, v, ok := l.cache.lookup(segmentIndex); ok {
			return keyMaterial{key: k, iv: v}, nil
		}
		return l.acquire(ctx, segmentIndex)
	})
	if err != nil {
		return nil, nil, err
	}
	km := res.(keyMaterial)
	return bytes.Clone(km.key), bytes.Clone(km.iv), nil
}

// DecryptSegment fetches the segment's key material and decrypts the
// ciphertext with it.
func (l *Loader) DecryptSegment(ctx context.Context, segmentIndex uint32, ciphertext []byte) ([]byte, error) {
	key, iv, err := l.SegmentKey(ctx, segmentIndex)
	if err != nil {
		return nil, err
	}
	return segcipher.Decrypt(ciphertext, key, iv)
}

// SegmentState returns the acquisition state of one segment.
func (l *Loader) SegmentState(segmentIndex uint32) State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.states[segmentIndex]
}

// CacheStats returns a snapshot of the key cache statistics.
func (l *Loader) CacheStats() CacheStats {
	return l.cache.stats()
}

// Invalidate drops the cached key for a segment, forcing the next lookup
// to re-acquire it.
func (l *Loader) Invalidate(segmentIndex uint32) {
	l.cache.remove(segmentIndex)
}

func (l *Loader) setState(segmentIndex uint32, s State) {
	l.mu.Lock()
	l.states[segmentIndex] = s
	l.mu.Unlock()
}

// acquire runs the full acquisition state machine for one segment. At
// most one payment is made per call unless the recorded payment
// transaction itself failed on-chain.
func (l *Loader) acquire(ctx context.Context, segmentIndex uint32) (keyMaterial, error) {
	l.mu.Lock()
	claim := l.claims[segmentIndex]
	l.mu.Unlock()

	var lastPay *ledger.Transaction
	backoff := l.config.InitialBackoff

	for attempt := 1; attempt <= l.config.MaxAttempts; attempt++ {
		if attempt == 1 {
			l.setState(segmentIndex, StateRequesting)
		} else {
			l.setState(segmentIndex, StateRetrying)
		}

		status, body, err := l.fetchKey(ctx, segmentIndex, claim)
		if err != nil {
			if ctx.Err() != nil {
				l.setState(segmentIndex, StateFailed)
				return keyMaterial{}, ctx.Err()
			}
			l.log.Warn("key request failed", "segment", segmentIndex, "attempt", attempt, "err", err)
		} else {
			switch {
			case status == http.StatusOK:
				l.setState(segmentIndex, StateVerifying)
				km, err := l.verifyAndCache(ctx, segmentIndex, body)
				if err != nil {
					l.setState(segmentIndex, StateFailed)
					return keyMaterial{}, err
				}
				if claim != nil {
					l.mu.Lock()
					l.claims[segmentIndex] = claim
					l.mu.Unlock()
				}
				l.setState(segmentIndex, StateCached)
				return km, nil

			case status == http.StatusPaymentRequired:
				l.setState(segmentIndex, StateChallenged)
				// Pay unless a payment already went through this cycle; a
				// remembered claim the server rejects is not evidence of a
				// usable payment.
				if lastPay == nil || !lastPay.Success {
					l.setState(segmentIndex, StatePaying)
					tx, err := l.payer.PayForSegment(ctx, segmentIndex)
					lastPay = tx
					if err != nil {
						l.setState(segmentIndex, StateFailed)
						return keyMaterial{}, fmt.Errorf("client: pay for segment %d: %w", segmentIndex, err)
					}
					claim = &ledger.Claim{TxHash: tx.Hash, Network: l.config.Network}
					// Retry immediately with the fresh claim.
					continue
				}
				// Paid already and the transaction succeeded: the server's
				// ledger view is lagging, so back off and present the same
				// claim again.
				l.log.Warn("paid claim not yet accepted", "segment", segmentIndex, "tx", claim.TxHash)

			case status == http.StatusBadRequest || status == http.StatusNotFound:
				l.setState(segmentIndex, StateFailed)
				return keyMaterial{}, fmt.Errorf("%w: status %d: %s", ErrRejected, status, strings.TrimSpace(string(body)))

			default:
				l.log.Warn("key server error", "segment", segmentIndex, "status", status)
			}
		}

		if attempt < l.config.MaxAttempts {
			if err := sleepContext(ctx, backoff); err != nil {
				l.setState(segmentIndex, StateFailed)
				return keyMaterial{}, err
			}
			backoff = min(backoff*2, l.config.MaxBackoff)
		}
	}

	l.setState(segmentIndex, StateFailed)
	return keyMaterial{}, fmt.Errorf("%w: segment %d after %d attempts", ErrExhausted, segmentIndex, l.config.MaxAttempts)
}

// verifyAndCache parses a key response and verifies its inclusion proof
// against the commitment root read from the ledger. An unverifiable key
// is never cached and never returned.
func (l *Loader) verifyAndCache(ctx context.Context, segmentIndex uint32, body []byte) (keyMaterial, error) {
	var kr server.KeyResponse
	if err := json.Unmarshal(body, &kr); err != nil {
		return keyMaterial{}, fmt.Errorf("client: malformed key response: %w", err)
	}
	if kr.SegmentIndex != segmentIndex || kr.Proof == nil || kr.Proof.Index != segmentIndex {
		return keyMaterial{}, fmt.Errorf("%w: response is for segment %d, requested %d", ErrIntegrity, kr.SegmentIndex, segmentIndex)
	}

	root, err := l.roots.CommitmentRoot(ctx, l.videoID)
	if err != nil {
		return keyMaterial{}, fmt.Errorf("client: read commitment root: %w", err)
	}
	if !merkle.VerifyKey(kr.Key, kr.Proof, root) {
		l.log.Error("released key failed proof verification",
			"video", l.videoID, "segment", segmentIndex, "root", root)
		return keyMaterial{}, fmt.Errorf("%w: segment %d", ErrIntegrity, segmentIndex)
	}

	l.cache.add(segmentIndex, kr.Key, kr.IV)
	return keyMaterial{key: kr.Key, iv: kr.IV}, nil
}

func (l *Loader) fetchKey(ctx context.Context, segmentIndex uint32, claim *ledger.Claim) (int, []byte, error) {
	url := fmt.Sprintf("%s/videos/%s/key/%d",
		strings.TrimRight(l.config.BaseURL, "/"), l.videoID, segmentIndex)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, nil, err
	}
	if claim != nil {
		encoded, err := json.Marshal(claim)
		if err != nil {
			return 0, nil, err
		}
		req.Header.Set(server.PaymentHeader, string(encoded))
	}

	resp, err := l.http.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, err
	}
	return resp.StatusCode, body, nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
