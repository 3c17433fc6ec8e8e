// Command streamgate runs the payment-gated key-release node.
//
// Usage:
//
//	streamgate [flags]
//
// Flags:
//
//	--datadir    Data directory path; empty keeps keys in memory
//	--network    Ledger network identifier (default: devnet)
//	--ledger     Ledger gateway URL; empty runs the dev ledger
//	--http.port  Key-release server port (default: 8402)
//	--payto      Payment recipient address
//	--contract   Streaming contract address
//	--public-url Externally reachable base URL for playlist key URIs
//	--verbosity  Log level: debug, info, warn, error (default: info)
//	--env        Path to a .env file (default: .env, if present)
//	--version    Print version and exit
//
// Configuration precedence: defaults, then the .env file and process
// environment, then flags.
package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/streamgate/streamgate/log"
	"github.com/streamgate/streamgate/node"
)

// Build-time version info, overridable with ldflags:
//
//	go build -ldflags "-X main.version=v0.2.0 -X main.commit=abc1234"
var (
	version = "v0.1.0-dev"
	commit  = "unknown"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

// run is the actual entry point, returning an exit code. Accepts CLI
// arguments (without the program name) so it can be tested in isolation.
func run(args []string) int {
	cfg, exit, code := parseFlags(args)
	if exit {
		return code
	}

	logger := log.New(log.ParseLevel(cfg.LogLevel))
	log.SetDefault(logger)

	logger.Info("streamgate starting",
		"version", version,
		"commit", commit,
		"network", cfg.Network,
		"datadir", cfg.DataDir,
		"http_port", cfg.HTTPPort,
		"ledger", cfg.LedgerURL)

	n, err := node.New(&cfg)
	if err != nil {
		logger.Error("failed to create node", "err", err)
		return 1
	}
	if err := n.Start(); err != nil {
		logger.Error("failed to start node", "err", err)
		return 1
	}

	// Wait for SIGINT or SIGTERM to initiate graceful shutdown.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigCh
	logger.Info("shutting down", "signal", sig.String())

	if err := n.Stop(); err != nil {
		logger.Error("error during shutdown", "err", err)
		return 1
	}
	return 0
}

// parseFlags builds the node config from defaults, environment, and CLI
// flags. Returns the config, whether the caller should exit immediately,
// and the exit code.
func parseFlags(args []string) (node.Config, bool, int) {
	cfg := node.DefaultConfig()

	fs := flag.NewFlagSet("streamgate", flag.ContinueOnError)
	envFile := fs.String("env", "", "path to a .env file (default: .env, if present)")
	showVersion := fs.Bool("version", false, "print version and exit")
	fs.StringVar(&cfg.DataDir, "datadir", cfg.DataDir, "data directory; empty keeps keys in memory")
	fs.StringVar(&cfg.Network, "network", cfg.Network, "ledger network identifier")
	fs.StringVar(&cfg.LedgerURL, "ledger", cfg.LedgerURL, "ledger gateway URL; empty runs the dev ledger")
	fs.IntVar(&cfg.HTTPPort, "http.port", cfg.HTTPPort, "key-release server port")
	fs.StringVar(&cfg.PayTo, "payto", cfg.PayTo, "payment recipient address")
	fs.StringVar(&cfg.ContractAddress, "contract", cfg.ContractAddress, "streaming contract address")
	fs.StringVar(&cfg.PublicURL, "public-url", cfg.PublicURL, "externally reachable base URL")
	fs.StringVar(&cfg.LogLevel, "verbosity", cfg.LogLevel, "log level: debug, info, warn, error")

	if err := fs.Parse(args); err != nil {
		return cfg, true, 2
	}
	if *showVersion {
		fmt.Printf("streamgate %s (%s)\n", version, commit)
		return cfg, true, 0
	}

	// Environment sits between defaults and flags: overlay it onto a
	// fresh default config, then keep it only for fields the user did
	// not set on the command line.
	if err := loadEnv(*envFile); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return cfg, true, 1
	}
	env := node.DefaultConfig()
	if err := env.ApplyEnv(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return cfg, true, 1
	}
	set := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) { set[f.Name] = true })
	if !set["datadir"] {
		cfg.DataDir = env.DataDir
	}
	if !set["network"] {
		cfg.Network = env.Network
	}
	if !set["ledger"] {
		cfg.LedgerURL = env.LedgerURL
	}
	if !set["http.port"] {
		cfg.HTTPPort = env.HTTPPort
	}
	if !set["payto"] {
		cfg.PayTo = env.PayTo
	}
	if !set["contract"] {
		cfg.ContractAddress = env.ContractAddress
	}
	if !set["public-url"] {
		cfg.PublicURL = env.PublicURL
	}
	if !set["verbosity"] {
		cfg.LogLevel = env.LogLevel
	}

	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return cfg, true, 1
	}
	return cfg, false, 0
}

// loadEnv loads a .env file into the process environment. A missing
// default file is fine; a missing explicitly named file is an error.
func loadEnv(path string) error {
	if path != "" {
		return godotenv.Load(path)
	}
	if _, err := os.Stat(".env"); err == nil {
		return godotenv.Load()
	}
	return nil
}
