// Package node wires the key-release service together: secret and tree
// storage, the ledger client, the video registry, the payment verifier,
// and the HTTP server, with a start/stop lifecycle.
package node

import (
	"errors"
	"fmt"
	"path/filepath"

	"github.com/ethereum/go-ethereum/common"
)

// Config holds all configuration for a streamgate node.
type Config struct {
	// DataDir is the root directory for persistent storage. Empty selects
	// the in-memory store (secrets are lost on shutdown).
	DataDir string

	// Name is a human-readable node identifier (used in logs).
	Name string

	// Network is the ledger network identifier announced in payment
	// challenges and required in payment claims.
	Network string

	// LedgerURL is the ledger gateway base URL. Empty selects the
	// in-process development ledger.
	LedgerURL string

	// HTTPPort is the port the key-release server listens on.
	HTTPPort int

	// PayTo is the hex address payments must be made to.
	PayTo string

	// ContractAddress is the streaming contract address announced in
	// payment challenges.
	ContractAddress string

	// PublicURL is the externally reachable base URL used in playlist key
	// URIs. Empty falls back to the HTTP listen address.
	PublicURL string

	// LogLevel controls log verbosity (debug, info, warn, error).
	LogLevel string
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		DataDir:         "streamgate-data",
		Name:            "streamgate",
		Network:         "devnet",
		HTTPPort:        8402,
		ContractAddress: "0x1::streaming",
		LogLevel:        "info",
	}
}

// Validate checks configuration values for correctness.
func (c *Config) Validate() error {
	if c.Network == "" {
		return errors.New("config: network must not be empty")
	}
	if c.HTTPPort < 0 || c.HTTPPort > 65535 {
		return fmt.Errorf("config: invalid http port: %d", c.HTTPPort)
	}
	if c.ContractAddress == "" {
		return errors.New("config: contract address must not be empty")
	}
	if c.PayTo != "" && !common.IsHexAddress(c.PayTo) {
		return fmt.Errorf("config: invalid pay-to address %q", c.PayTo)
	}
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("config: unknown log level %q", c.LogLevel)
	}
	return nil
}

// ResolvePath resolves a path relative to the data directory.
func (c *Config) ResolvePath(path string) string {
	if filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(c.DataDir, path)
}

// HTTPAddr returns the HTTP listen address string.
func (c *Config) HTTPAddr() string {
	return fmt.Sprintf(":%d", c.HTTPPort)
}

// BaseURL returns the base URL playlist key URIs point at.
func (c *Config) BaseURL() string {
	if c.PublicURL != "" {
		return c.PublicURL
	}
	return fmt.Sprintf("http://127.0.0.1:%d", c.HTTPPort)
}
