package config

import (
	"fmt"
	"time"
)

// Config holds all configuration for a data network node
type Config struct {
	// Node identification. NodeID is hashed into the 160-bit id space;
	// when empty the id is derived from Host:Port.
	NodeID string
	Host   string
	Port   int

	// HTTP API
	HTTPPort int

	// Bootstrap
	BootstrapNodes []string

	// Authentication
	AuthToken string // Shared secret for node-to-node calls

	// Persistence. Empty DataDir keeps everything in memory.
	DataDir string

	// DHT parameters
	ReplicationFactor int // K: replica set size and lookup shortlist size
	Alpha             int // Lookup parallelism

	// Membership
	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration // Silence after which a node is marked dead

	// Consensus
	RPCTimeout         time.Duration // Timeout for a single request/response
	MaxProposalRetries int
	BackoffBase        time.Duration
	BackoffMax         time.Duration

	// Replication
	ReplicationAttempts int
	MessageTTL          time.Duration // Zero keeps stored messages forever

	// Catch-up
	SyncBatchSize int

	// Logging
	LogLevel  string // trace, debug, info, warn, error
	LogFormat string // json, console
}

// DefaultConfig returns a sensible default configuration
func DefaultConfig() *Config {
	return &Config{
		Host:                "127.0.0.1",
		Port:                8440,
		HTTPPort:            8080,
		ReplicationFactor:   3,
		Alpha:               3,
		HeartbeatInterval:   1 * time.Second,
		HeartbeatTimeout:    5 * time.Second,
		RPCTimeout:          2 * time.Second,
		MaxProposalRetries:  20,
		BackoffBase:         20 * time.Millisecond,
		BackoffMax:          1 * time.Second,
		ReplicationAttempts: 4,
		SyncBatchSize:       128,
		LogLevel:            "info",
		LogFormat:           "console",
	}
}

// Address returns the host:port peers use to reach this node.
func (c *Config) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port: %d", c.Port)
	}
	if c.HTTPPort < 0 || c.HTTPPort > 65535 {
		return fmt.Errorf("invalid HTTP port: %d", c.HTTPPort)
	}
	if c.ReplicationFactor < 1 {
		return fmt.Errorf("replication factor must be at least 1, got %d", c.ReplicationFactor)
	}
	if c.Alpha < 1 {
		return fmt.Errorf("alpha must be at least 1, got %d", c.Alpha)
	}
	if c.HeartbeatInterval <= 0 {
		return fmt.Errorf("heartbeat interval must be positive")
	}
	if c.HeartbeatTimeout <= c.HeartbeatInterval {
		return fmt.Errorf("heartbeat timeout (%s) must exceed heartbeat interval (%s)",
			c.HeartbeatTimeout, c.HeartbeatInterval)
	}
	if c.RPCTimeout <= 0 {
		return fmt.Errorf("RPC timeout must be positive")
	}
	if c.MaxProposalRetries < 1 {
		return fmt.Errorf("max proposal retries must be at least 1, got %d", c.MaxProposalRetries)
	}
	if c.BackoffMax < c.BackoffBase {
		return fmt.Errorf("backoff max (%s) is below backoff base (%s)", c.BackoffMax, c.BackoffBase)
	}
	if c.ReplicationAttempts < 1 {
		return fmt.Errorf("replication attempts must be at least 1, got %d", c.ReplicationAttempts)
	}
	if c.SyncBatchSize < 1 {
		return fmt.Errorf("sync batch size must be at least 1, got %d", c.SyncBatchSize)
	}
	return nil
}
