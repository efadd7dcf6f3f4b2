// Package replication pushes committed log entries and user messages to the
// DHT replica set of their key.
package replication

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/nurleq/persistent-data-network/internal/membership"
	"github.com/nurleq/persistent-data-network/internal/protocol"
	"github.com/nurleq/persistent-data-network/pkg"
	"github.com/nurleq/persistent-data-network/pkg/hash"
)

// Router resolves the replica set of a key.
type Router interface {
	Route(key hash.ID) []membership.Node
}

// Network is the request/response primitive replica pushes run over.
type Network interface {
	Call(ctx context.Context, to protocol.Peer, env *protocol.Envelope) (*protocol.Envelope, error)
}

// Config tunes replica pushes.
type Config struct {
	Attempts int         // STORE attempts per replica
	Backoff  pkg.Backoff // Delay between attempts
}

// DefaultConfig returns the replication defaults.
func DefaultConfig() Config {
	return Config{
		Attempts: 4,
		Backoff:  pkg.Backoff{Base: 50 * time.Millisecond, Max: time.Second, Jitter: 0.2},
	}
}

// PartialReplicationError reports a push acknowledged by fewer than a
// majority of the replica set.
type PartialReplicationError struct {
	Key     hash.ID
	Targets int
	Acked   int
	Failed  []protocol.Peer
}

func (e *PartialReplicationError) Error() string {
	addrs := make([]string, len(e.Failed))
	for i, p := range e.Failed {
		addrs[i] = p.Address
	}
	return fmt.Sprintf("%s: key %s acknowledged by %d of %d replicas (failed: %s)",
		pkg.ErrPartialReplication, e.Key.Short(), e.Acked, e.Targets, strings.Join(addrs, ", "))
}

func (e *PartialReplicationError) Unwrap() error {
	return pkg.ErrPartialReplication
}

// Result describes a completed push.
type Result struct {
	Key     hash.ID
	Targets int
	Acked   int
}

// Manager replicates values to the nodes returned by the router.
type Manager struct {
	router  Router
	network Network
	cfg     Config
	logger  *pkg.Logger
}

// NewManager creates a replication manager.
func NewManager(router Router, network Network, cfg Config, logger *pkg.Logger) (*Manager, error) {
	if router == nil {
		return nil, fmt.Errorf("router cannot be nil")
	}
	if network == nil {
		return nil, fmt.Errorf("network cannot be nil")
	}
	if cfg.Attempts < 1 {
		return nil, fmt.Errorf("attempts must be positive, got %d", cfg.Attempts)
	}
	if logger == nil {
		logger = pkg.NewNop()
	}

	return &Manager{
		router:  router,
		network: network,
		cfg:     cfg,
		logger:  logger.WithFields(pkg.Fields{"component": "replication"}),
	}, nil
}

// ReplicateEntry stores a committed log entry under hash.EntryKey(index).
func (m *Manager) ReplicateEntry(ctx context.Context, entry protocol.LogEntry) (Result, error) {
	data, err := json.Marshal(entry)
	if err != nil {
		return Result{}, fmt.Errorf("failed to encode entry %d: %w", entry.Index, err)
	}
	return m.Replicate(ctx, hash.EntryKey(entry.Index), data)
}

// ReplicateMessage stores a user message under its recipient/sequence key.
func (m *Manager) ReplicateMessage(ctx context.Context, msg protocol.Message) (Result, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return Result{}, fmt.Errorf("failed to encode message %s/%d: %w", msg.Recipient, msg.Sequence, err)
	}
	return m.Replicate(ctx, msg.Key(), data)
}

// Replicate sends STORE to every replica of key concurrently, retrying each
// with backoff. It fails with a *PartialReplicationError when fewer than
// len(targets)/2+1 replicas acknowledged.
func (m *Manager) Replicate(ctx context.Context, key hash.ID, value []byte) (Result, error) {
	targets := m.router.Route(key)
	res := Result{Key: key, Targets: len(targets)}

	var (
		mu     sync.Mutex
		wg     sync.WaitGroup
		failed []protocol.Peer
	)
	for _, node := range targets {
		wg.Add(1)
		go func(peer protocol.Peer) {
			defer wg.Done()
			err := m.push(ctx, peer, key, value)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				failed = append(failed, peer)
				return
			}
			res.Acked++
		}(node.Peer())
	}
	wg.Wait()

	if res.Acked < membership.Majority(len(targets)) {
		m.logger.Warn().
			Str("key", key.Short()).
			Int("acked", res.Acked).
			Int("targets", res.Targets).
			Msg("Replication below majority")
		return res, &PartialReplicationError{Key: key, Targets: res.Targets, Acked: res.Acked, Failed: failed}
	}

	m.logger.Debug().
		Str("key", key.Short()).
		Int("acked", res.Acked).
		Int("targets", res.Targets).
		Msg("Replicated")
	return res, nil
}

func (m *Manager) push(ctx context.Context, peer protocol.Peer, key hash.ID, value []byte) error {
	attempt := 0
	op := func() error {
		attempt++
		reply, err := m.network.Call(ctx, peer, &protocol.Envelope{
			Kind:  protocol.KindStore,
			Key:   key,
			Value: value,
		})
		if err != nil {
			return err
		}
		if reply.Kind != protocol.KindStoreAck {
			return fmt.Errorf("unexpected reply %s to STORE", reply.Kind)
		}
		return nil
	}
	notify := func(err error, wait time.Duration) {
		m.logger.Debug().
			Err(err).
			Str("peer", peer.Address).
			Str("key", key.Short()).
			Int("attempt", attempt).
			Dur("retry_in", wait).
			Msg("Replica push failed")
	}

	return backoff.RetryNotify(op, m.cfg.Backoff.Schedule(ctx, m.cfg.Attempts-1), notify)
}
