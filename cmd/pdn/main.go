package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/nurleq/persistent-data-network/internal/api"
	"github.com/nurleq/persistent-data-network/internal/config"
	"github.com/nurleq/persistent-data-network/internal/node"
	"github.com/nurleq/persistent-data-network/internal/transport"
	"github.com/nurleq/persistent-data-network/pkg"
)

func main() {
	defaults := config.DefaultConfig()

	// Parse command-line flags
	host := flag.String("host", defaults.Host, "Host address to bind to")
	port := flag.Int("port", defaults.Port, "Port for the peer gRPC server")
	httpPort := flag.Int("http-port", defaults.HTTPPort, "Port for HTTP API server (0 disables it)")
	nodeID := flag.String("node-id", "", "Stable node name hashed into the node id (default: host:port)")
	bootstrap := flag.String("bootstrap", "", "Comma-separated bootstrap node addresses (host:port)")
	authToken := flag.String("auth-token", "", "Shared secret for node-to-node calls")
	dataDir := flag.String("data-dir", "", "Directory for the bbolt database (empty keeps state in memory)")
	k := flag.Int("k", defaults.ReplicationFactor, "DHT replication factor")
	alpha := flag.Int("alpha", defaults.Alpha, "DHT lookup parallelism")
	heartbeat := flag.Duration("heartbeat-interval", defaults.HeartbeatInterval, "Heartbeat interval")
	heartbeatTimeout := flag.Duration("heartbeat-timeout", defaults.HeartbeatTimeout, "Silence after which a node is marked dead")
	rpcTimeout := flag.Duration("rpc-timeout", defaults.RPCTimeout, "Timeout for a single node-to-node call")
	messageTTL := flag.Duration("message-ttl", 0, "Lifetime of values stored in the DHT (0 keeps them forever)")
	logLevel := flag.String("log-level", defaults.LogLevel, "Log level (trace, debug, info, warn, error)")
	logFormat := flag.String("log-format", defaults.LogFormat, "Log format (json, console)")
	logFile := flag.String("log-file", "", "Also write logs to this rotated file")
	flag.Parse()

	cfg := defaults
	cfg.Host = *host
	cfg.Port = *port
	cfg.HTTPPort = *httpPort
	cfg.NodeID = *nodeID
	cfg.AuthToken = *authToken
	cfg.DataDir = *dataDir
	cfg.ReplicationFactor = *k
	cfg.Alpha = *alpha
	cfg.HeartbeatInterval = *heartbeat
	cfg.HeartbeatTimeout = *heartbeatTimeout
	cfg.RPCTimeout = *rpcTimeout
	cfg.MessageTTL = *messageTTL
	cfg.LogLevel = *logLevel
	cfg.LogFormat = *logFormat
	for _, addr := range strings.Split(*bootstrap, ",") {
		if addr = strings.TrimSpace(addr); addr != "" {
			cfg.BootstrapNodes = append(cfg.BootstrapNodes, addr)
		}
	}

	// Validate configuration
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Invalid configuration: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger
	loggerConfig := pkg.DefaultConfig()
	loggerConfig.Level = cfg.LogLevel
	loggerConfig.Format = cfg.LogFormat
	if *logFile != "" {
		loggerConfig.File.Enable = true
		loggerConfig.File.Path = *logFile
	}

	logger, err := pkg.New(loggerConfig)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create logger: %v\n", err)
		os.Exit(1)
	}

	logger.Info().
		Str("address", cfg.Address()).
		Int("http_port", cfg.HTTPPort).
		Str("data_dir", cfg.DataDir).
		Msg("Starting data network node")

	stores, closeStores, err := openStores(cfg, logger)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to open storage")
		os.Exit(1)
	}

	peerTransport, err := transport.NewGRPCTransport(cfg.Address(), cfg.AuthToken, logger)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to create gRPC transport")
		closeStores()
		os.Exit(1)
	}

	n, err := node.New(cfg, peerTransport, stores, logger)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to create node")
		closeStores()
		os.Exit(1)
	}

	if err := n.Start(); err != nil {
		logger.Error().Err(err).Msg("Failed to start node")
		closeStores()
		os.Exit(1)
	}

	var httpServer *api.Server
	if cfg.HTTPPort > 0 {
		httpServer, err = api.NewServer(&api.Config{
			HTTPPort:       cfg.HTTPPort,
			RequestTimeout: 10 * cfg.RPCTimeout,
		}, n, logger)
		if err == nil {
			n.SetBroadcaster(httpServer.Hub())
			err = httpServer.Start()
		}
		if err != nil {
			logger.Error().Err(err).Msg("Failed to start HTTP API server")
			cleanup(n, nil, closeStores, logger)
			os.Exit(1)
		}
	}

	if len(cfg.BootstrapNodes) == 0 {
		logger.Info().Msg("No bootstrap nodes, starting a new network")
		ctx, cancel := context.WithTimeout(context.Background(), 30*cfg.RPCTimeout)
		err = n.Bootstrap(ctx)
		cancel()
		if err != nil {
			logger.Error().Err(err).Msg("Failed to found network")
			cleanup(n, httpServer, closeStores, logger)
			os.Exit(1)
		}
	} else if err := join(n, cfg); err != nil {
		logger.Error().Err(err).Msg("Failed to join network")
		cleanup(n, httpServer, closeStores, logger)
		os.Exit(1)
	}

	logger.Info().
		Str("node_id", n.ID().String()[:16]).
		Msg("Node is ready")

	// Wait for interrupt signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	sig := <-sigChan
	logger.Info().
		Str("signal", sig.String()).
		Msg("Received shutdown signal")

	cleanup(n, httpServer, closeStores, logger)

	logger.Info().Msg("Node shutdown complete")
	logger.Close()
}

// openStores opens the bbolt database under cfg.DataDir, or in-memory
// stores when no data directory is configured.
func openStores(cfg *config.Config, logger *pkg.Logger) (node.Stores, func(), error) {
	if cfg.DataDir == "" {
		s := node.Stores{
			Log:      pkg.NewMemoryStorage(nil),
			Acceptor: pkg.NewMemoryStorage(nil),
			DHT:      pkg.NewMemoryStorage(nil),
		}
		return s, func() {
			s.Log.Close()
			s.Acceptor.Close()
			s.DHT.Close()
		}, nil
	}

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return node.Stores{}, nil, fmt.Errorf("create data dir: %w", err)
	}
	db, err := pkg.OpenBolt(filepath.Join(cfg.DataDir, "pdn.db"))
	if err != nil {
		return node.Stores{}, nil, err
	}

	var s node.Stores
	buckets := []struct {
		name string
		dst  *pkg.Store
	}{
		{"log", &s.Log},
		{"acceptor", &s.Acceptor},
		{"dht", &s.DHT},
	}
	for _, b := range buckets {
		bucket, err := db.Bucket(b.name)
		if err != nil {
			db.Close()
			return node.Stores{}, nil, err
		}
		*b.dst = bucket
	}
	logger.Info().Str("path", db.Path()).Msg("Opened database")
	return s, func() { db.Close() }, nil
}

// join tries each bootstrap node in turn.
func join(n *node.Node, cfg *config.Config) error {
	var errs []string
	for _, addr := range cfg.BootstrapNodes {
		ctx, cancel := context.WithTimeout(context.Background(), 30*cfg.RPCTimeout)
		err := n.Join(ctx, addr)
		cancel()
		if err == nil {
			return nil
		}
		errs = append(errs, fmt.Sprintf("%s: %v", addr, err))
	}
	return fmt.Errorf("no bootstrap node reachable: %s", strings.Join(errs, "; "))
}

// cleanup performs graceful shutdown of all components
func cleanup(n *node.Node, httpServer *api.Server, closeStores func(), logger *pkg.Logger) {
	logger.Info().Msg("Starting graceful shutdown")

	if httpServer != nil {
		if err := httpServer.Stop(); err != nil {
			logger.Error().Err(err).Msg("Error stopping HTTP server")
		}
	}

	if err := n.Shutdown(); err != nil {
		logger.Error().Err(err).Msg("Error shutting down node")
	}

	closeStores()
}
