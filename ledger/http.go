// http.go implements Client against a ledger gateway speaking plain JSON
// over HTTP. Reads are GETs on resource paths; entry-function submissions
// are POSTs carrying the function name, ordered arguments, and the
// sender's signature over the request digest. The gateway is trusted only
// to relay; everything security-relevant is re-checked by the verifier
// against transaction contents.
package ledger

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/holiman/uint256"
)

// defaultHTTPTimeout bounds a single gateway round trip when the caller's
// context carries no deadline.
const defaultHTTPTimeout = 15 * time.Second

// HTTPClient talks to a ledger gateway over HTTP.
type HTTPClient struct {
	base string
	http *http.Client
}

// NewHTTPClient creates a gateway client for the given base URL.
func NewHTTPClient(baseURL string) *HTTPClient {
	return &HTTPClient{
		base: baseURL,
		http: &http.Client{Timeout: defaultHTTPTimeout},
	}
}

// entryRequest is the wire form of an entry-function submission.
type entryRequest struct {
	Function  string          `json:"function"`
	Sender    common.Address  `json:"sender"`
	Args      json.RawMessage `json:"args"`
	Signature hexutil.Bytes   `json:"signature"`
}

func (c *HTTPClient) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+path, nil)
	if err != nil {
		return fmt.Errorf("ledger: build request: %w", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("ledger: gateway request: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		return ErrTxNotFound
	default:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("ledger: gateway status %d: %s", resp.StatusCode, body)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("ledger: decode response: %w", err)
	}
	return nil
}

// submit signs and posts an entry-function call, then returns the executed
// transaction as reported by the gateway.
func (c *HTTPClient) submit(ctx context.Context, signer Signer, function string, args any) (*Transaction, error) {
	rawArgs, err := json.Marshal(args)
	if err != nil {
		return nil, fmt.Errorf("ledger: marshal args: %w", err)
	}

	digest := sha256.Sum256(append([]byte(function+":"), rawArgs...))
	sig, err := signer.Sign(digest[:])
	if err != nil {
		return nil, fmt.Errorf("ledger: sign entry call: %w", err)
	}

	body, err := json.Marshal(entryRequest{
		Function:  function,
		Sender:    signer.Address(),
		Args:      rawArgs,
		Signature: sig,
	})
	if err != nil {
		return nil, fmt.Errorf("ledger: marshal entry request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+"/entries", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("ledger: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("ledger: gateway request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		payload, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("ledger: entry %s rejected with status %d: %s", function, resp.StatusCode, payload)
	}

	var tx Transaction
	if err := json.NewDecoder(resp.Body).Decode(&tx); err != nil {
		return nil, fmt.Errorf("ledger: decode transaction: %w", err)
	}
	return &tx, nil
}

// Transaction fetches an executed transaction by hash.
func (c *HTTPClient) Transaction(ctx context.Context, txHash common.Hash) (*Transaction, error) {
	var tx Transaction
	if err := c.get(ctx, "/transactions/"+txHash.Hex(), &tx); err != nil {
		return nil, err
	}
	return &tx, nil
}

// BalanceOf fetches an account balance.
func (c *HTTPClient) BalanceOf(ctx context.Context, addr common.Address) (*uint256.Int, error) {
	var out struct {
		Balance *uint256.Int `json:"balance"`
	}
	if err := c.get(ctx, "/accounts/"+addr.Hex()+"/balance", &out); err != nil {
		return nil, err
	}
	if out.Balance == nil {
		return uint256.NewInt(0), nil
	}
	return out.Balance, nil
}

// Video fetches the on-chain record of a video.
func (c *HTTPClient) Video(ctx context.Context, videoID string) (*VideoState, error) {
	var v VideoState
	if err := c.get(ctx, "/videos/"+videoID, &v); err != nil {
		if err == ErrTxNotFound {
			return nil, ErrVideoNotFound
		}
		return nil, err
	}
	return &v, nil
}

// Session fetches the on-chain record of a viewing session.
func (c *HTTPClient) Session(ctx context.Context, sessionID string) (*SessionState, error) {
	var s SessionState
	if err := c.get(ctx, "/sessions/"+sessionID, &s); err != nil {
		if err == ErrTxNotFound {
			return nil, ErrSessionNotFound
		}
		return nil, err
	}
	return &s, nil
}

// CommitmentRoot fetches the Merkle root published for a video.
func (c *HTTPClient) CommitmentRoot(ctx context.Context, videoID string) (common.Hash, error) {
	v, err := c.Video(ctx, videoID)
	if err != nil {
		return common.Hash{}, err
	}
	return v.CommitmentRoot, nil
}

// RegisterVideo submits register_video.
func (c *HTTPClient) RegisterVideo(ctx context.Context, owner Signer, reg VideoRegistration) (*Transaction, error) {
	return c.submit(ctx, owner, EntryRegisterVideo, reg)
}

// UpdatePrice submits the owner-only price update.
func (c *HTTPClient) UpdatePrice(ctx context.Context, owner Signer, videoID string, price *uint256.Int) (*Transaction, error) {
	return c.submit(ctx, owner, EntryUpdatePrice, map[string]any{
		"video_id": videoID, "price_per_segment": price,
	})
}

// SetVideoActive submits the owner-only activation toggle.
func (c *HTTPClient) SetVideoActive(ctx context.Context, owner Signer, videoID string, active bool) (*Transaction, error) {
	return c.submit(ctx, owner, EntrySetVideoActive, map[string]any{
		"video_id": videoID, "is_active": active,
	})
}

// StartSession submits start_session.
func (c *HTTPClient) StartSession(ctx context.Context, viewer Signer, videoID string, prepaidSegments uint32, maxDuration time.Duration) (*Transaction, error) {
	return c.submit(ctx, viewer, EntryStartSession, map[string]any{
		"video_id":             videoID,
		"prepaid_segments":     prepaidSegments,
		"max_duration_seconds": uint64(maxDuration / time.Second),
	})
}

// PayForSegment submits pay_for_segment.
func (c *HTTPClient) PayForSegment(ctx context.Context, payer Signer, sessionID string, segmentIndex uint32) (*Transaction, error) {
	return c.submit(ctx, payer, EntryPayForSegment, map[string]any{
		"session_id": sessionID, "segment_index": segmentIndex,
	})
}

// TopUpSession submits top_up_session.
func (c *HTTPClient) TopUpSession(ctx context.Context, viewer Signer, sessionID string, amount *uint256.Int) (*Transaction, error) {
	return c.submit(ctx, viewer, EntryTopUpSession, map[string]any{
		"session_id": sessionID, "amount": amount,
	})
}

// EndSession submits end_session.
func (c *HTTPClient) EndSession(ctx context.Context, viewer Signer, sessionID string) (*Transaction, error) {
	return c.submit(ctx, viewer, EntryEndSession, map[string]any{
		"session_id": sessionID,
	})
}

// WithdrawEarnings submits withdraw_earnings.
func (c *HTTPClient) WithdrawEarnings(ctx context.Context, owner Signer, videoID string) (*Transaction, error) {
	return c.submit(ctx, owner, EntryWithdrawEarnings, map[string]any{
		"video_id": videoID,
	})
}

// Transfer submits a plain balance transfer.
func (c *HTTPClient) Transfer(ctx context.Context, from Signer, to common.Address, amount *uint256.Int) (*Transaction, error) {
	return c.submit(ctx, from, EntryTransfer, map[string]any{
		"to": to, "amount": amount,
	})
}
