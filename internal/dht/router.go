// Package dht locates and stores values on the nodes closest to a key by XOR
// distance.
package dht

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/nurleq/persistent-data-network/internal/membership"
	"github.com/nurleq/persistent-data-network/internal/protocol"
	"github.com/nurleq/persistent-data-network/pkg"
	"github.com/nurleq/persistent-data-network/pkg/hash"
)

// Network is the request/response primitive lookups run over.
type Network interface {
	Call(ctx context.Context, to protocol.Peer, env *protocol.Envelope) (*protocol.Envelope, error)
}

// Config holds router parameters.
type Config struct {
	K     int           // Replica set and shortlist size
	Alpha int           // Parallel queries per lookup round
	TTL   time.Duration // Lifetime of stored values, zero for no expiry
}

// Router maps keys to replica sets and runs iterative lookups.
type Router struct {
	self    protocol.Peer
	table   *membership.Table
	network Network
	store   pkg.Store
	cfg     Config
	logger  *pkg.Logger
}

// NewRouter creates a router over the membership table. store holds the
// values this node is a replica for.
func NewRouter(table *membership.Table, network Network, store pkg.Store, cfg Config, logger *pkg.Logger) (*Router, error) {
	if table == nil {
		return nil, fmt.Errorf("membership table cannot be nil")
	}
	if network == nil {
		return nil, fmt.Errorf("network cannot be nil")
	}
	if store == nil {
		return nil, fmt.Errorf("store cannot be nil")
	}
	if cfg.K < 1 || cfg.Alpha < 1 {
		return nil, fmt.Errorf("k and alpha must be positive, got k=%d alpha=%d", cfg.K, cfg.Alpha)
	}
	if logger == nil {
		logger = pkg.NewNop()
	}

	return &Router{
		self:    table.Self(),
		table:   table,
		network: network,
		store:   store,
		cfg:     cfg,
		logger:  logger.WithFields(pkg.Fields{"component": "dht"}),
	}, nil
}

// Route returns the replica set of key: the K closest nodes currently
// believed alive. It is recomputed on every call.
func (r *Router) Route(key hash.ID) []membership.Node {
	return r.table.ClosestAlive(key, r.cfg.K)
}

// LoadLocal returns a value held by this node.
func (r *Router) LoadLocal(ctx context.Context, key hash.ID) ([]byte, error) {
	value, err := r.store.Get(ctx, key.String())
	if errors.Is(err, pkg.ErrKeyNotFound) {
		return nil, fmt.Errorf("%w: key %s", pkg.ErrNotFound, key.Short())
	}
	return value, err
}

// StoreLocal keeps a value on this node.
func (r *Router) StoreLocal(ctx context.Context, key hash.ID, value []byte) error {
	return r.store.Set(ctx, key.String(), value, r.cfg.TTL)
}

// Store sends STORE to every node of Route(key). It succeeds when at least
// one replica acknowledged and returns the acknowledgment count.
func (r *Router) Store(ctx context.Context, key hash.ID, value []byte) (int, error) {
	targets := r.Route(key)

	var (
		acks int
		mu   sync.Mutex
		wg   sync.WaitGroup
	)
	for _, node := range targets {
		wg.Add(1)
		go func(peer protocol.Peer) {
			defer wg.Done()
			reply, err := r.network.Call(ctx, peer, &protocol.Envelope{
				Kind:  protocol.KindStore,
				Key:   key,
				Value: value,
			})
			if err != nil || reply.Kind != protocol.KindStoreAck {
				r.logger.Debug().Err(err).Str("peer", peer.Address).Str("key", key.Short()).Msg("Store not acknowledged")
				return
			}
			mu.Lock()
			acks++
			mu.Unlock()
		}(node.Peer())
	}
	wg.Wait()

	if acks == 0 {
		return 0, fmt.Errorf("%w: no replica acknowledged key %s", pkg.ErrUnreachable, key.Short())
	}
	return acks, nil
}

// Lookup finds the value stored under key, checking the local store first
// and then querying progressively closer nodes. It returns pkg.ErrNotFound
// when no queried node holds the value.
func (r *Router) Lookup(ctx context.Context, key hash.ID) ([]byte, error) {
	if value, err := r.LoadLocal(ctx, key); err == nil {
		return value, nil
	}

	value, _, err := r.iterate(ctx, key, true)
	return value, err
}

// FindNode returns up to K nodes closest to key found by an iterative node
// lookup. Nodes learned on the way are added to the membership table.
func (r *Router) FindNode(ctx context.Context, key hash.ID) ([]protocol.Peer, error) {
	_, peers, err := r.iterate(ctx, key, false)
	if errors.Is(err, pkg.ErrNotFound) {
		err = nil
	}
	return peers, err
}

// iterate runs the lookup. Each round queries up to Alpha of the closest
// unqueried nodes; a round that brings nothing closer widens the next one to
// every unqueried node in the top K, and the lookup ends when nothing is left
// to ask.
func (r *Router) iterate(ctx context.Context, key hash.ID, wantValue bool) ([]byte, []protocol.Peer, error) {
	queried := map[hash.ID]bool{r.self.ID: true}
	known := map[hash.ID]bool{r.self.ID: true}

	var shortlist []protocol.Peer
	for _, n := range r.table.ClosestAlive(key, r.cfg.K+1) {
		if !known[n.ID] {
			known[n.ID] = true
			shortlist = append(shortlist, n.Peer())
		}
	}
	sortByDistance(shortlist, key)

	kind, want := protocol.KindFindNode, protocol.KindFindNodeReply
	if wantValue {
		kind, want = protocol.KindFindValue, protocol.KindFindValueReply
	}

	width := r.cfg.Alpha
	rounds := 0
	for {
		if err := ctx.Err(); err != nil {
			return nil, nil, err
		}

		batch := pickUnqueried(shortlist, queried, width)
		if len(batch) == 0 {
			break
		}
		rounds++

		before := shortlist[0].ID
		for _, p := range batch {
			queried[p.ID] = true
		}

		replies := r.queryBatch(ctx, batch, kind, want, key)
		for _, res := range replies {
			if res.err != nil {
				r.table.MarkDead(res.peer.ID)
				shortlist = slices.DeleteFunc(shortlist, func(p protocol.Peer) bool { return p.ID == res.peer.ID })
				continue
			}
			if wantValue && res.reply.Found {
				r.logger.Debug().
					Str("key", key.Short()).
					Str("holder", res.peer.Address).
					Int("rounds", rounds).
					Msg("Lookup found value")
				return res.reply.Value, shortlist, nil
			}
			for _, p := range res.reply.Nodes {
				if known[p.ID] || p.ID.IsZero() || p.Address == "" {
					continue
				}
				known[p.ID] = true
				r.table.Learn(p)
				shortlist = append(shortlist, p)
			}
		}

		sortByDistance(shortlist, key)
		if len(shortlist) > r.cfg.K {
			shortlist = shortlist[:r.cfg.K]
		}
		if len(shortlist) == 0 {
			break
		}

		if hash.Closer(shortlist[0].ID, before, key) {
			width = r.cfg.Alpha
		} else {
			width = r.cfg.K
		}
	}

	r.logger.Debug().
		Str("key", key.Short()).
		Int("rounds", rounds).
		Int("queried", len(queried)-1).
		Msg("Lookup exhausted")

	return nil, shortlist, fmt.Errorf("%w: key %s", pkg.ErrNotFound, key.Short())
}

type queryResult struct {
	peer  protocol.Peer
	reply *protocol.Envelope
	err   error
}

func (r *Router) queryBatch(ctx context.Context, batch []protocol.Peer, kind, want protocol.Kind, key hash.ID) []queryResult {
	results := make([]queryResult, len(batch))

	var wg sync.WaitGroup
	for i, p := range batch {
		wg.Add(1)
		go func(i int, p protocol.Peer) {
			defer wg.Done()
			reply, err := r.network.Call(ctx, p, &protocol.Envelope{Kind: kind, Key: key})
			if err == nil && reply.Kind != want {
				err = fmt.Errorf("unexpected reply %s to %s", reply.Kind, kind)
			}
			results[i] = queryResult{peer: p, reply: reply, err: err}
		}(i, p)
	}
	wg.Wait()
	return results
}

func pickUnqueried(shortlist []protocol.Peer, queried map[hash.ID]bool, n int) []protocol.Peer {
	var out []protocol.Peer
	for _, p := range shortlist {
		if len(out) == n {
			break
		}
		if !queried[p.ID] {
			out = append(out, p)
		}
	}
	return out
}

func sortByDistance(peers []protocol.Peer, key hash.ID) {
	slices.SortFunc(peers, func(a, b protocol.Peer) int {
		if c := hash.Distance(a.ID, key).Compare(hash.Distance(b.ID, key)); c != 0 {
			return c
		}
		return a.ID.Compare(b.ID)
	})
}

func (r *Router) closestPeers(key hash.ID) []protocol.Peer {
	nodes := r.table.ClosestAlive(key, r.cfg.K)
	peers := make([]protocol.Peer, len(nodes))
	for i, n := range nodes {
		peers[i] = n.Peer()
	}
	return peers
}

// HandleFindNode answers FIND_NODE with the closest nodes this node knows.
func (r *Router) HandleFindNode(ctx context.Context, env *protocol.Envelope) *protocol.Envelope {
	reply := env.Reply(protocol.KindFindNodeReply, r.self)
	reply.Nodes = r.closestPeers(env.Key)
	return reply
}

// HandleFindValue answers FIND_VALUE with the value if held here, otherwise
// with closer nodes.
func (r *Router) HandleFindValue(ctx context.Context, env *protocol.Envelope) *protocol.Envelope {
	reply := env.Reply(protocol.KindFindValueReply, r.self)
	if value, err := r.LoadLocal(ctx, env.Key); err == nil {
		reply.Found = true
		reply.Value = value
		return reply
	}
	reply.Nodes = r.closestPeers(env.Key)
	return reply
}

// HandleStore keeps the value and acknowledges it.
func (r *Router) HandleStore(ctx context.Context, env *protocol.Envelope) *protocol.Envelope {
	if err := r.StoreLocal(ctx, env.Key, env.Value); err != nil {
		r.logger.Error().Err(err).Str("key", env.Key.Short()).Msg("Failed to store value")
		return nil
	}
	r.logger.Trace().Str("key", env.Key.Short()).Str("from", env.From.Address).Msg("Stored value")
	return env.Reply(protocol.KindStoreAck, r.self)
}
