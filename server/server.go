// Package server implements the payment-gated key-release HTTP exchange.
// A key request with no payment claim is answered with a 402 challenge
// document naming the exact price, payee, network, and contract entry
// function; a request carrying an X-Payment claim is verified against the
// ledger and, on success, answered with the segment key, IV, and Merkle
// inclusion proof. The server keeps no per-request state: keys are
// re-derived and proofs regenerated on every authorized request, so
// retries with the same or a different claim are always safe.
package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/ethereum/go-ethereum/common"

	"github.com/streamgate/streamgate/ledger"
	"github.com/streamgate/streamgate/log"
	"github.com/streamgate/streamgate/merkle"
	"github.com/streamgate/streamgate/video"
)

// ProtocolVersion identifies the challenge/response format.
const ProtocolVersion = 1

// PaymentHeader is the request header carrying the payment claim.
const PaymentHeader = "X-Payment"

// Config holds the key-release server's network-facing parameters.
type Config struct {
	// Network is the ledger network identifier announced in challenges
	// and required in claims.
	Network string

	// PayTo is the address payments must be made to.
	PayTo common.Address

	// ContractAddress is the streaming contract address announced in
	// challenges.
	ContractAddress string
}

// Validate checks configuration values for correctness.
func (c *Config) Validate() error {
	if c.Network == "" {
		return errors.New("server: network must not be empty")
	}
	if c.ContractAddress == "" {
		return errors.New("server: contract address must not be empty")
	}
	return nil
}

// PaymentOption is one accepted way to pay, in the 402 challenge document.
type PaymentOption struct {
	Scheme            string       `json:"scheme"`
	Network           string       `json:"network"`
	MaxAmountRequired string       `json:"maxAmountRequired"`
	Resource          string       `json:"resource"`
	PayTo             string       `json:"payTo"`
	Extra             PaymentExtra `json:"extra"`
}

// PaymentExtra carries the contract call the payer must make.
type PaymentExtra struct {
	VideoID         string `json:"videoId"`
	SegmentIndex    uint32 `json:"segmentIndex"`
	SessionID       string `json:"sessionId,omitempty"`
	ContractAddress string `json:"contractAddress"`
	Function        string `json:"function"`
}

// PaymentRequired is the 402 challenge body.
type PaymentRequired struct {
	ProtocolVersion int             `json:"protocolVersion"`
	Accepts         []PaymentOption `json:"accepts"`
	Error           string          `json:"error,omitempty"`
}

// KeyResponse is the 200 body: the segment key material and its proof.
type KeyResponse struct {
	Key          []byte        `json:"key"`
	IV           []byte        `json:"iv"`
	Proof        *merkle.Proof `json:"proof"`
	SegmentIndex uint32        `json:"segmentIndex"`
}

type errorBody struct {
	Error string `json:"error"`
}

// Server is the key-release HTTP server.
type Server struct {
	config   Config
	registry *video.Registry
	verifier *ledger.Verifier
	mux      *http.ServeMux
	log      *log.Logger
}

// New creates a key-release server over a registry and verifier.
func New(config Config, registry *video.Registry, verifier *ledger.Verifier, logger *log.Logger) (*Server, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = log.Default()
	}
	s := &Server{
		config:   config,
		registry: registry,
		verifier: verifier,
		mux:      http.NewServeMux(),
		log:      logger.Module("server"),
	}
	s.mux.HandleFunc("GET /videos/{videoID}/key/{segmentIndex}", s.handleKey)
	return s, nil
}

// Handler returns the HTTP handler for the server.
func (s *Server) Handler() http.Handler {
	return s.mux
}

func (s *Server) handleKey(w http.ResponseWriter, r *http.Request) {
	videoID := r.PathValue("videoID")
	idx, err := strconv.ParseUint(r.PathValue("segmentIndex"), 10, 32)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid segment index")
		return
	}
	segmentIndex := uint32(idx)

	// Preconditions before any payment handling.
	v, err := s.registry.Video(videoID)
	if err != nil {
		writeError(w, http.StatusNotFound, "unknown video")
		return
	}
	if !v.IsActive {
		writeError(w, http.StatusNotFound, "video is not available")
		return
	}
	if segmentIndex >= v.TotalSegments {
		writeError(w, http.StatusBadRequest, "segment index out of range")
		return
	}

	claimHeader := r.Header.Get(PaymentHeader)
	if claimHeader == "" {
		s.writeChallenge(w, r, v, segmentIndex, "")
		return
	}

	var claim ledger.Claim
	if err := json.Unmarshal([]byte(claimHeader), &claim); err != nil || claim.TxHash == (common.Hash{}) {
		writeError(w, http.StatusBadRequest, "malformed payment claim")
		return
	}

	if err := s.verifier.VerifySegmentPayment(r.Context(), claim, videoID, segmentIndex); err != nil {
		if errors.Is(err, ledger.ErrLedgerAccess) {
			s.log.Warn("verification hit transient ledger failure",
				"video", videoID, "segment", segmentIndex, "tx", claim.TxHash)
		}
		s.writeChallenge(w, r, v, segmentIndex, "payment verification failed")
		return
	}

	key, iv, proof, err := s.registry.SegmentKey(videoID, segmentIndex)
	if err != nil {
		s.log.Error("key release failed after verification",
			"video", videoID, "segment", segmentIndex, "err", err)
		writeError(w, http.StatusInternalServerError, "key release failed")
		return
	}

	s.log.Info("key released", "video", videoID, "segment", segmentIndex, "tx", claim.TxHash)
	writeJSON(w, http.StatusOK, &KeyResponse{
		Key:          key,
		IV:           iv,
		Proof:        proof,
		SegmentIndex: segmentIndex,
	})
}

// writeChallenge answers with the 402 payment-required document. The same
// document doubles as the "verification failed, pay and retry" response.
func (s *Server) writeChallenge(w http.ResponseWriter, r *http.Request, v *video.Video, segmentIndex uint32, reason string) {
	writeJSON(w, http.StatusPaymentRequired, &PaymentRequired{
		ProtocolVersion: ProtocolVersion,
		Error:           reason,
		Accepts: []PaymentOption{{
			Scheme:            "exact",
			Network:           s.config.Network,
			MaxAmountRequired: v.PricePerSegment.Dec(),
			Resource:          r.URL.Path,
			PayTo:             s.config.PayTo.Hex(),
			Extra: PaymentExtra{
				VideoID:         v.VideoID,
				SegmentIndex:    segmentIndex,
				SessionID:       r.URL.Query().Get("session"),
				ContractAddress: s.config.ContractAddress,
				Function:        ledger.EntryPayForSegment,
			},
		}},
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorBody{Error: msg})
}
