package node

import (
	"fmt"
	"os"
	"strconv"
)

// Environment variable names recognized by ApplyEnv. A .env file loaded
// before startup (see cmd/streamgate) populates these the same way a real
// environment does.
const (
	EnvDataDir         = "STREAMGATE_DATA_DIR"
	EnvNetwork         = "STREAMGATE_NETWORK"
	EnvLedgerURL       = "STREAMGATE_LEDGER_URL"
	EnvHTTPPort        = "STREAMGATE_HTTP_PORT"
	EnvPayTo           = "STREAMGATE_PAY_TO"
	EnvContractAddress = "STREAMGATE_CONTRACT_ADDRESS"
	EnvPublicURL       = "STREAMGATE_PUBLIC_URL"
	EnvLogLevel        = "STREAMGATE_LOG_LEVEL"
)

// ApplyEnv overlays environment variables onto the config. Set variables
// win over the config's current values; unset ones leave them alone.
func (c *Config) ApplyEnv() error {
	if v, ok := os.LookupEnv(EnvDataDir); ok {
		c.DataDir = v
	}
	if v, ok := os.LookupEnv(EnvNetwork); ok {
		c.Network = v
	}
	if v, ok := os.LookupEnv(EnvLedgerURL); ok {
		c.LedgerURL = v
	}
	if v, ok := os.LookupEnv(EnvHTTPPort); ok {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("config: %s: invalid port %q", EnvHTTPPort, v)
		}
		c.HTTPPort = port
	}
	if v, ok := os.LookupEnv(EnvPayTo); ok {
		c.PayTo = v
	}
	if v, ok := os.LookupEnv(EnvContractAddress); ok {
		c.ContractAddress = v
	}
	if v, ok := os.LookupEnv(EnvPublicURL); ok {
		c.PublicURL = v
	}
	if v, ok := os.LookupEnv(EnvLogLevel); ok {
		c.LogLevel = v
	}
	return nil
}
