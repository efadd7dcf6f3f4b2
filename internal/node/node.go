// Package node composes membership, consensus, the transaction log, the DHT
// and replication into one running peer.
package node

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nurleq/persistent-data-network/internal/config"
	"github.com/nurleq/persistent-data-network/internal/consensus"
	"github.com/nurleq/persistent-data-network/internal/dht"
	"github.com/nurleq/persistent-data-network/internal/membership"
	"github.com/nurleq/persistent-data-network/internal/protocol"
	"github.com/nurleq/persistent-data-network/internal/replication"
	"github.com/nurleq/persistent-data-network/internal/transport"
	"github.com/nurleq/persistent-data-network/internal/txlog"
	"github.com/nurleq/persistent-data-network/pkg"
	"github.com/nurleq/persistent-data-network/pkg/hash"
)

// Stores are the persistence backends of a node.
type Stores struct {
	Log      pkg.Store // Committed log entries
	Acceptor pkg.Store // Promises and accepted values
	DHT      pkg.Store // Values this node is a replica for
}

// Receipt identifies a committed transaction.
type Receipt struct {
	Index uint64 `json:"index"`
	TxID  string `json:"tx_id"`
}

// Status summarizes the local node.
type Status struct {
	ID        string `json:"id"`
	Address   string `json:"address"`
	LogLength uint64 `json:"log_length"`
	Members   int    `json:"members"`
	Alive     int    `json:"alive"`
	Voters    int    `json:"voters"`
}

// Node is one peer of the data network.
type Node struct {
	cfg    *config.Config
	self   protocol.Peer
	logger *pkg.Logger

	table      *membership.Table
	roster     *roster
	exchange   *transport.Exchange
	log        *txlog.Log
	coord      *consensus.Coordinator
	router     *dht.Router
	replicator *replication.Manager

	broadcaster   EventBroadcaster
	broadcasterMu sync.RWMutex

	syncMu sync.Mutex

	// Lifecycle management
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	shutdown   bool
	shutdownMu sync.RWMutex
}

// New creates a node on top of t. The stores are owned by the caller.
func New(cfg *config.Config, t transport.Transport, stores Stores, logger *pkg.Logger) (*Node, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	if t == nil {
		return nil, fmt.Errorf("transport cannot be nil")
	}
	if stores.Log == nil || stores.Acceptor == nil || stores.DHT == nil {
		return nil, fmt.Errorf("log, acceptor and dht stores are required")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger cannot be nil")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	id := hash.HashAddress(cfg.Host, cfg.Port)
	if cfg.NodeID != "" {
		id = hash.HashString(cfg.NodeID)
	}
	self := protocol.Peer{ID: id, Address: cfg.Address()}
	logger = logger.WithFields(pkg.Fields{"node_id": id.Short()})

	ctx, cancel := context.WithCancel(context.Background())
	n := &Node{
		cfg:    cfg,
		self:   self,
		logger: logger,
		table:  membership.NewTable(self),
		ctx:    ctx,
		cancel: cancel,
	}

	var err error
	defer func() {
		if err != nil {
			cancel()
		}
	}()

	if n.exchange, err = transport.NewExchange(self, t, cfg.RPCTimeout, logger); err != nil {
		return nil, err
	}
	if n.log, err = txlog.Open(ctx, stores.Log, logger); err != nil {
		return nil, fmt.Errorf("failed to open log: %w", err)
	}
	n.roster = newRoster(self, n.log, n.table)

	opts := consensus.DefaultOptions()
	opts.MaxRetries = cfg.MaxProposalRetries
	opts.Backoff = pkg.Backoff{Base: cfg.BackoffBase, Max: cfg.BackoffMax, Jitter: 0.5}
	opts.SendTimeout = cfg.RPCTimeout
	if n.coord, err = consensus.New(self, n.roster, n.exchange, n.log, stores.Acceptor, opts, logger); err != nil {
		return nil, err
	}

	routerCfg := dht.Config{K: cfg.ReplicationFactor, Alpha: cfg.Alpha, TTL: cfg.MessageTTL}
	if n.router, err = dht.NewRouter(n.table, n.exchange, stores.DHT, routerCfg, logger); err != nil {
		return nil, err
	}

	replCfg := replication.DefaultConfig()
	replCfg.Attempts = cfg.ReplicationAttempts
	if n.replicator, err = replication.NewManager(n.router, n.exchange, replCfg, logger); err != nil {
		return nil, err
	}

	n.registerHandlers()

	n.logger.Info().
		Str("address", self.Address).
		Str("node_id", id.String()[:16]).
		Uint64("log_length", n.log.Length()).
		Msg("Node created")

	return n, nil
}

func (n *Node) registerHandlers() {
	n.exchange.Handle(protocol.KindPrepare, n.coord.HandlePrepare)
	n.exchange.Handle(protocol.KindAccept, n.coord.HandleAccept)
	n.exchange.Handle(protocol.KindCommit, n.coord.HandleCommit)
	n.exchange.Handle(protocol.KindFindNode, n.router.HandleFindNode)
	n.exchange.Handle(protocol.KindFindValue, n.router.HandleFindValue)
	n.exchange.Handle(protocol.KindStore, n.router.HandleStore)
	n.exchange.Handle(protocol.KindHeartbeat, n.handleHeartbeat)
	n.exchange.Handle(protocol.KindSync, n.handleSync)
	n.exchange.Observe(n.observe)
}

// ID returns the node's identifier.
func (n *Node) ID() hash.ID {
	return n.self.ID
}

// Self returns the node's identity and address.
func (n *Node) Self() protocol.Peer {
	return n.self
}

// Log returns the local transaction log.
func (n *Node) Log() *txlog.Log {
	return n.log
}

// Table returns the membership table.
func (n *Node) Table() *membership.Table {
	return n.table
}

// Router returns the DHT router.
func (n *Node) Router() *dht.Router {
	return n.router
}

// SetBroadcaster sets where node events are published.
func (n *Node) SetBroadcaster(b EventBroadcaster) {
	n.broadcasterMu.Lock()
	defer n.broadcasterMu.Unlock()
	n.broadcaster = b
}

// Status returns a summary of the local node.
func (n *Node) Status() Status {
	s := Status{
		ID:        n.self.ID.String(),
		Address:   n.self.Address,
		LogLength: n.log.Length(),
		Members:   n.table.Len(),
		Alive:     len(n.table.AliveSet()),
	}
	if voters, err := n.roster.members(n.ctx); err == nil {
		s.Voters = len(voters)
	}
	return s
}

// Members returns every known node, alive or not.
func (n *Node) Members() []membership.Node {
	return n.table.Snapshot()
}

// Start starts the transport and the heartbeat and sweep loops.
func (n *Node) Start() error {
	if err := n.exchange.Start(); err != nil {
		return fmt.Errorf("failed to start transport: %w", err)
	}

	n.wg.Add(3)
	go n.heartbeatLoop()
	go n.sweepLoop()
	go n.applyLoop(n.log.Length())

	n.logger.Info().Str("address", n.self.Address).Msg("Node started")
	return nil
}

// Bootstrap founds a new network with the local node as its only member.
// A node whose log is not empty already belongs to a network and Bootstrap
// does nothing.
func (n *Node) Bootstrap(ctx context.Context) error {
	if n.IsShutdown() {
		return pkg.ErrNodeShutdown
	}
	if n.log.Length() > 0 {
		n.logger.Debug().Uint64("log_length", n.log.Length()).Msg("Log not empty, skipping bootstrap")
		return nil
	}

	n.roster.found()
	entry, err := n.commit(ctx, n.joinTransaction())
	if err != nil {
		return fmt.Errorf("failed to found network: %w", err)
	}
	n.logger.Info().Uint64("index", entry.Index).Msg("Founded network")
	return nil
}

// Join contacts a bootstrap node, catches the log up from it and, unless the
// log already admits the local node, commits a JOIN for it. The local node
// votes from the index after its JOIN onwards.
func (n *Node) Join(ctx context.Context, address string) error {
	if n.IsShutdown() {
		return pkg.ErrNodeShutdown
	}
	if address == "" {
		return fmt.Errorf("bootstrap address cannot be empty")
	}
	if address == n.self.Address {
		return fmt.Errorf("cannot join through self")
	}

	n.logger.Info().Str("bootstrap", address).Msg("Joining network")

	reply, err := n.exchange.Call(ctx, protocol.Peer{Address: address}, n.heartbeatEnvelope())
	if err != nil {
		return fmt.Errorf("failed to reach bootstrap node: %w", err)
	}
	if reply.From.ID.IsZero() {
		return fmt.Errorf("bootstrap node %s did not identify itself", address)
	}
	bootstrap := reply.From
	n.table.Touch(bootstrap)
	n.learnPeers(reply.Nodes)

	if err := n.catchUp(ctx, bootstrap); err != nil {
		return fmt.Errorf("failed to sync log: %w", err)
	}

	member, err := n.roster.isMember(ctx, n.self)
	if err != nil {
		return err
	}
	if !member {
		entry, err := n.commit(ctx, n.joinTransaction())
		if err != nil {
			return fmt.Errorf("failed to join: %w", err)
		}
		n.logger.Info().Uint64("index", entry.Index).Msg("Admitted to network")
	}

	peers, err := n.router.FindNode(ctx, n.self.ID)
	if err != nil {
		n.logger.WithError(err).Warn().Msg("Node lookup during join failed")
	}

	n.logger.Info().
		Str("bootstrap", bootstrap.String()).
		Int("neighbours", len(peers)).
		Int("members", n.table.Len()).
		Uint64("log_length", n.log.Length()).
		Msg("Joined network")
	return nil
}

func (n *Node) joinTransaction() Transaction {
	tx := newTransaction(TxJoin)
	self := n.self
	tx.Member = &self
	return tx
}

// Shutdown stops the background loops and the transport. It does not close
// the stores.
func (n *Node) Shutdown() error {
	n.shutdownMu.Lock()
	if n.shutdown {
		n.shutdownMu.Unlock()
		return nil
	}
	n.shutdown = true
	n.shutdownMu.Unlock()

	n.logger.Info().Msg("Shutting down node")

	n.cancel()
	n.wg.Wait()

	if err := n.exchange.Stop(); err != nil {
		n.logger.Error().Err(err).Msg("Failed to stop transport")
		return err
	}

	n.logger.Info().Msg("Node shutdown complete")
	return nil
}

// IsShutdown returns whether the node has been shut down.
func (n *Node) IsShutdown() bool {
	n.shutdownMu.RLock()
	defer n.shutdownMu.RUnlock()
	return n.shutdown
}

// Submit commits data to the replicated log and pushes the committed entry
// to its DHT replicas. A replication shortfall is logged, not returned: the
// entry is committed either way.
func (n *Node) Submit(ctx context.Context, data []byte) (Receipt, error) {
	if n.IsShutdown() {
		return Receipt{}, pkg.ErrNodeShutdown
	}
	tx := newTransaction(TxData)
	tx.Data = data

	entry, err := n.commit(ctx, tx)
	if err != nil {
		return Receipt{}, err
	}
	n.replicate(ctx, entry.Index, func() (replication.Result, error) {
		return n.replicator.ReplicateEntry(ctx, entry)
	})
	return Receipt{Index: entry.Index, TxID: tx.ID}, nil
}

// ReadEntry returns the committed entry at index, from the local log when
// it has caught up that far and from the DHT otherwise.
func (n *Node) ReadEntry(ctx context.Context, index uint64) (protocol.LogEntry, error) {
	entry, err := n.log.Get(ctx, index)
	if err == nil || !errors.Is(err, pkg.ErrNotFound) {
		return entry, err
	}

	data, err := n.router.Lookup(ctx, hash.EntryKey(index))
	if err != nil {
		return protocol.LogEntry{}, fmt.Errorf("entry %d: %w", index, err)
	}
	if err := json.Unmarshal(data, &entry); err != nil {
		return protocol.LogEntry{}, fmt.Errorf("decode replicated entry %d: %w", index, err)
	}
	if entry.Index != index {
		return protocol.LogEntry{}, fmt.Errorf("%w: replica of entry %d holds index %d", pkg.ErrNotFound, index, entry.Index)
	}
	return entry, nil
}

// Entries returns up to limit committed entries starting at from.
func (n *Node) Entries(ctx context.Context, from uint64, limit int) ([]protocol.LogEntry, error) {
	var out []protocol.LogEntry
	for entry, err := range n.log.Entries(ctx, from) {
		if err != nil {
			return nil, err
		}
		if limit > 0 && len(out) == limit {
			break
		}
		out = append(out, entry)
	}
	return out, nil
}

// SendMessage orders a message through consensus and stores it in the DHT.
// The committed log index becomes the message sequence number.
func (n *Node) SendMessage(ctx context.Context, sender, recipient string, payload []byte) (protocol.Message, error) {
	if n.IsShutdown() {
		return protocol.Message{}, pkg.ErrNodeShutdown
	}
	if recipient == "" {
		return protocol.Message{}, fmt.Errorf("recipient cannot be empty")
	}

	tx := newTransaction(TxMessage)
	tx.Message = &protocol.Message{
		Sender:    sender,
		Recipient: recipient,
		Payload:   payload,
		Timestamp: tx.Submitted,
	}

	entry, err := n.commit(ctx, tx)
	if err != nil {
		return protocol.Message{}, err
	}
	msg := *tx.Message
	msg.Sequence = entry.Index

	n.replicate(ctx, entry.Index, func() (replication.Result, error) {
		return n.replicator.ReplicateMessage(ctx, msg)
	})
	return msg, nil
}

// GetMessage returns the message sent to recipient with the given sequence
// number. The DHT is asked first; the local log is the fallback.
func (n *Node) GetMessage(ctx context.Context, recipient string, sequence uint64) (protocol.Message, error) {
	data, err := n.router.Lookup(ctx, hash.MessageKey(recipient, sequence))
	if err == nil {
		var msg protocol.Message
		if err := json.Unmarshal(data, &msg); err != nil {
			return protocol.Message{}, fmt.Errorf("decode message: %w", err)
		}
		return msg, nil
	}
	if !errors.Is(err, pkg.ErrNotFound) {
		n.logger.Debug().Err(err).Str("recipient", recipient).Msg("Message lookup failed, trying local log")
	}

	entry, err := n.log.Get(ctx, sequence)
	if err != nil {
		return protocol.Message{}, err
	}
	tx, ok, err := DecodeTransaction(entry)
	if err != nil {
		return protocol.Message{}, err
	}
	if !ok || tx.Message == nil || tx.Message.Recipient != recipient {
		return protocol.Message{}, fmt.Errorf("%w: message %s/%d", pkg.ErrNotFound, recipient, sequence)
	}
	return *tx.Message, nil
}

// Inbox returns every message addressed to recipient in log order.
func (n *Node) Inbox(ctx context.Context, recipient string) ([]protocol.Message, error) {
	var out []protocol.Message
	for entry, err := range n.log.Entries(ctx, 0) {
		if err != nil {
			return nil, err
		}
		tx, ok, err := DecodeTransaction(entry)
		if err != nil {
			n.logger.Warn().Err(err).Uint64("index", entry.Index).Msg("Skipping undecodable entry")
			continue
		}
		if ok && tx.Message != nil && tx.Message.Recipient == recipient {
			out = append(out, *tx.Message)
		}
	}
	return out, nil
}

func (n *Node) commit(ctx context.Context, tx Transaction) (protocol.LogEntry, error) {
	value, err := json.Marshal(tx)
	if err != nil {
		return protocol.LogEntry{}, fmt.Errorf("encode transaction: %w", err)
	}

	index, err := n.coord.Submit(ctx, value)
	if err != nil {
		return protocol.LogEntry{}, fmt.Errorf("commit transaction %s: %w", tx.ID, err)
	}
	return n.log.Get(ctx, index)
}

func (n *Node) replicate(ctx context.Context, index uint64, push func() (replication.Result, error)) {
	res, err := push()
	if err != nil {
		n.logger.WithError(err).Warn().Uint64("index", index).Msg("Replication incomplete")
	}
	n.publish(Event{
		Type:    EventReplication,
		Index:   index,
		Acked:   res.Acked,
		Targets: res.Targets,
		Message: fmt.Sprintf("Entry %d stored on %d of %d replicas", index, res.Acked, res.Targets),
	})
}

func (n *Node) onApplied(entry protocol.LogEntry) {
	tx, ok, err := DecodeTransaction(entry)
	switch {
	case err != nil:
		n.logger.Warn().Err(err).Uint64("index", entry.Index).Msg("Committed entry is not a transaction")
	case !ok:
		n.logger.Debug().Uint64("index", entry.Index).Msg("Applied no-op entry")
	case tx.Kind == TxJoin && tx.Member != nil:
		n.table.Learn(*tx.Member)
		n.publish(Event{
			Type:    EventMember,
			Index:   entry.Index,
			Peer:    tx.Member.Address,
			Message: fmt.Sprintf("Node %s admitted at index %d", tx.Member.Address, entry.Index),
		})
		return
	case tx.Message != nil:
		n.publish(Event{
			Type:    EventMessage,
			Index:   entry.Index,
			Message: fmt.Sprintf("Message from %s to %s", tx.Message.Sender, tx.Message.Recipient),
		})
		return
	}

	n.publish(Event{
		Type:    EventCommit,
		Index:   entry.Index,
		Message: fmt.Sprintf("Entry %d committed", entry.Index),
	})
}

// applyLoop hands every entry appended to the log from index from onwards to
// onApplied, in log order.
func (n *Node) applyLoop(from uint64) {
	defer n.wg.Done()
	for entry := range n.log.Follow(n.ctx, from) {
		n.onApplied(entry)
	}
	n.logger.Debug().Msg("Apply loop stopped")
}

// observe runs for every envelope received from another node.
func (n *Node) observe(peer protocol.Peer) {
	if peer.ID.IsZero() || peer.Address == "" {
		return
	}
	if n.table.Touch(peer) {
		n.logger.Info().Str("peer", peer.String()).Msg("Node alive")
		n.publish(Event{
			Type:    EventNodeJoin,
			Peer:    peer.Address,
			Message: fmt.Sprintf("Node %s is alive", peer.Address),
		})
	}
}

func (n *Node) handleHeartbeat(ctx context.Context, env *protocol.Envelope) *protocol.Envelope {
	n.learnPeers(env.Nodes)
	reply := env.Reply(protocol.KindHeartbeatAck, n.self)
	reply.Index = n.log.Length()
	reply.Nodes = n.knownPeers()
	return reply
}

// heartbeatEnvelope builds a HEARTBEAT that gossips the local view.
func (n *Node) heartbeatEnvelope() *protocol.Envelope {
	return &protocol.Envelope{Kind: protocol.KindHeartbeat, Nodes: n.knownPeers()}
}

func (n *Node) knownPeers() []protocol.Peer {
	nodes := n.table.Snapshot()
	peers := make([]protocol.Peer, len(nodes))
	for i, node := range nodes {
		peers[i] = node.Peer()
	}
	return peers
}

// learnPeers adds gossiped peers the local table has not heard of yet.
func (n *Node) learnPeers(peers []protocol.Peer) {
	for _, p := range peers {
		if p.ID == n.self.ID {
			continue
		}
		n.table.Learn(p)
	}
}

func (n *Node) handleSync(ctx context.Context, env *protocol.Envelope) *protocol.Envelope {
	limit := env.Limit
	if limit <= 0 || limit > n.cfg.SyncBatchSize {
		limit = n.cfg.SyncBatchSize
	}

	reply := env.Reply(protocol.KindSyncReply, n.self)
	entries, err := n.Entries(ctx, env.Index, limit)
	if err != nil {
		n.logger.Error().Err(err).Uint64("from", env.Index).Msg("Failed to read entries for sync")
	}
	reply.Entries = entries
	return reply
}

// catchUp copies committed entries from peer until a short batch arrives.
func (n *Node) catchUp(ctx context.Context, peer protocol.Peer) error {
	n.syncMu.Lock()
	defer n.syncMu.Unlock()
	return n.syncFrom(ctx, peer)
}

func (n *Node) syncFrom(ctx context.Context, peer protocol.Peer) error {
	var copied int
	for {
		from := n.log.Length()
		reply, err := n.exchange.Call(ctx, peer, &protocol.Envelope{
			Kind:  protocol.KindSync,
			Index: from,
			Limit: n.cfg.SyncBatchSize,
		})
		if err != nil {
			return err
		}
		for _, entry := range reply.Entries {
			if err := n.coord.Learn(ctx, entry); err != nil {
				return err
			}
		}
		copied += len(reply.Entries)
		if len(reply.Entries) < n.cfg.SyncBatchSize || n.log.Length() == from {
			break
		}
	}

	if copied > 0 {
		n.logger.Info().
			Str("peer", peer.Address).
			Int("entries", copied).
			Uint64("log_length", n.log.Length()).
			Msg("Caught up log")
	}
	return nil
}

// heartbeatLoop periodically pings every known node, dead ones included so
// that a recovered node is noticed.
func (n *Node) heartbeatLoop() {
	defer n.wg.Done()

	ticker := time.NewTicker(n.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-n.ctx.Done():
			n.logger.Debug().Msg("Heartbeat loop stopped")
			return
		case <-ticker.C:
			n.heartbeat()
		}
	}
}

func (n *Node) heartbeat() {
	ctx, cancel := context.WithTimeout(n.ctx, n.cfg.RPCTimeout)
	defer cancel()

	var wg sync.WaitGroup
	for _, node := range n.table.Snapshot() {
		if node.ID == n.self.ID {
			continue
		}
		wg.Add(1)
		go func(peer protocol.Peer) {
			defer wg.Done()
			reply, err := n.exchange.Call(ctx, peer, n.heartbeatEnvelope())
			if err != nil {
				n.logger.Trace().Err(err).Str("peer", peer.Address).Msg("Heartbeat failed")
				return
			}
			n.learnPeers(reply.Nodes)
			if reply.Index > n.log.Length() {
				n.wg.Add(1)
				go func() {
					defer n.wg.Done()
					if !n.syncMu.TryLock() {
						return
					}
					defer n.syncMu.Unlock()

					syncCtx, cancel := context.WithTimeout(n.ctx, 10*n.cfg.RPCTimeout)
					defer cancel()
					if err := n.syncFrom(syncCtx, peer); err != nil {
						n.logger.Debug().Err(err).Str("peer", peer.Address).Msg("Catch-up failed")
					}
				}()
			}
		}(node.Peer())
	}
	wg.Wait()
}

// sweepLoop marks nodes silent for longer than the heartbeat timeout dead.
func (n *Node) sweepLoop() {
	defer n.wg.Done()

	ticker := time.NewTicker(n.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-n.ctx.Done():
			n.logger.Debug().Msg("Sweep loop stopped")
			return
		case <-ticker.C:
			for _, dead := range n.table.Sweep(n.cfg.HeartbeatTimeout) {
				n.logger.Warn().Str("peer", dead.Peer().String()).Msg("Node marked dead")
				n.publish(Event{
					Type:    EventNodeDead,
					Peer:    dead.Address,
					Message: fmt.Sprintf("Node %s stopped responding", dead.Address),
				})
			}
		}
	}
}
