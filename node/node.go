package node

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/streamgate/streamgate/ledger"
	"github.com/streamgate/streamgate/log"
	"github.com/streamgate/streamgate/playlist"
	"github.com/streamgate/streamgate/server"
	"github.com/streamgate/streamgate/store"
	"github.com/streamgate/streamgate/video"
)

// shutdownTimeout bounds the graceful HTTP server drain on Stop.
const shutdownTimeout = 5 * time.Second

// Node is the top-level streamgate service that manages all subsystems.
type Node struct {
	config *Config
	log    *log.Logger

	// Subsystems.
	store      store.Store
	ledger     ledger.Client
	registry   *video.Registry
	srv        *server.Server
	playlists  *playlist.Builder
	health     *HealthChecker
	handler    http.Handler
	httpServer *http.Server

	mu      sync.Mutex
	running bool
	stop    chan struct{}
}

// New creates a Node with the given configuration. It initializes all
// subsystems but does not start the network listener.
func New(config *Config) (*Node, error) {
	if config == nil {
		c := DefaultConfig()
		config = &c
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	logger := log.New(log.ParseLevel(config.LogLevel))
	n := &Node{
		config: config,
		log:    logger.Module("node"),
		stop:   make(chan struct{}),
	}

	// Storage: persistent under the data directory, in-memory otherwise.
	if config.DataDir != "" {
		s, err := store.OpenBadger(config.ResolvePath("keys"))
		if err != nil {
			return nil, fmt.Errorf("open key store: %w", err)
		}
		n.store = s
	} else {
		n.store = store.NewMemoryStore()
	}

	// Ledger: remote gateway, or the in-process development ledger.
	if config.LedgerURL != "" {
		n.ledger = ledger.NewHTTPClient(config.LedgerURL)
	} else {
		n.log.Warn("no ledger url configured, using in-process development ledger")
		n.ledger = ledger.NewMemLedger()
	}

	n.registry = video.NewRegistry(n.store, n.ledger, logger)
	verifier := ledger.NewVerifier(n.ledger, config.Network, logger)

	srv, err := server.New(server.Config{
		Network:         config.Network,
		PayTo:           common.HexToAddress(config.PayTo),
		ContractAddress: config.ContractAddress,
	}, n.registry, verifier, logger)
	if err != nil {
		n.closeStore()
		return nil, fmt.Errorf("init key server: %w", err)
	}
	n.srv = srv
	n.playlists = playlist.NewBuilder(n.registry, config.BaseURL())

	n.health = NewHealthChecker()
	n.health.Register(&storeChecker{store: n.store})
	n.health.Register(&ledgerChecker{client: n.ledger})

	mux := http.NewServeMux()
	mux.Handle("/", srv.Handler())
	mux.HandleFunc("GET /healthz", n.handleHealth)
	n.handler = mux

	return n, nil
}

func (n *Node) handleHealth(w http.ResponseWriter, r *http.Request) {
	report := n.health.CheckAll(r.Context())
	status := http.StatusOK
	if report.OverallStatus == StatusUnhealthy {
		status = http.StatusServiceUnavailable
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(report)
}

// Start starts the key-release HTTP listener.
func (n *Node) Start() error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.running {
		return errors.New("node already running")
	}

	n.log.Info("starting node", "name", n.config.Name, "network", n.config.Network)

	n.httpServer = &http.Server{
		Addr:    n.config.HTTPAddr(),
		Handler: n.handler,
	}
	go func() {
		n.log.Info("key-release server listening", "addr", n.config.HTTPAddr())
		if err := n.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			n.log.Error("http server failed", "err", err)
		}
	}()

	n.running = true
	return nil
}

// Stop gracefully shuts down the listener and closes storage.
func (n *Node) Stop() error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if !n.running {
		return nil
	}
	n.log.Info("stopping node")

	if n.httpServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := n.httpServer.Shutdown(ctx); err != nil {
			n.log.Warn("http shutdown", "err", err)
		}
	}
	n.closeStore()

	n.running = false
	close(n.stop)
	n.log.Info("node stopped")
	return nil
}

// Wait blocks until the node is stopped.
func (n *Node) Wait() {
	<-n.stop
}

// Running reports whether the node is currently running.
func (n *Node) Running() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.running
}

// Config returns the node configuration.
func (n *Node) Config() *Config {
	return n.config
}

// Registry returns the video registry.
func (n *Node) Registry() *video.Registry {
	return n.registry
}

// Ledger returns the ledger client.
func (n *Node) Ledger() ledger.Client {
	return n.ledger
}

// Playlists returns the playlist builder.
func (n *Node) Playlists() *playlist.Builder {
	return n.playlists
}

// Handler exposes the node's HTTP handler, mainly for tests that want to
// serve it without binding a port.
func (n *Node) Handler() http.Handler {
	return n.handler
}

func (n *Node) closeStore() {
	if closer, ok := n.store.(interface{ Close() error }); ok {
		if err := closer.Close(); err != nil {
			n.log.Warn("store close", "err", err)
		}
	}
}
