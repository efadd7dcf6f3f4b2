// Package membership tracks the peers a node knows about and their liveness.
package membership

import (
	"slices"
	"sync"
	"time"

	"github.com/nurleq/persistent-data-network/internal/protocol"
	"github.com/nurleq/persistent-data-network/pkg/hash"
)

// Node is a known peer. Nodes are never removed from the table; a node that
// stops answering is only marked not alive so routing stays stable.
type Node struct {
	ID            hash.ID   `json:"id"`
	Address       string    `json:"address"`
	LastHeartbeat time.Time `json:"last_heartbeat"`
	Alive         bool      `json:"alive"`
}

// Peer returns the addressing part of the node.
func (n Node) Peer() protocol.Peer {
	return protocol.Peer{ID: n.ID, Address: n.Address}
}

// Table is the membership table of a single node.
type Table struct {
	self  protocol.Peer
	nodes map[hash.ID]*Node
	mu    sync.RWMutex

	now func() time.Time
}

// NewTable creates a table containing only the local node.
func NewTable(self protocol.Peer) *Table {
	t := &Table{
		self:  self,
		nodes: make(map[hash.ID]*Node),
		now:   time.Now,
	}
	t.nodes[self.ID] = &Node{ID: self.ID, Address: self.Address, LastHeartbeat: t.now(), Alive: true}
	return t
}

// Self returns the local peer.
func (t *Table) Self() protocol.Peer {
	return t.self
}

// Upsert records a node, inserting it on first contact. Address and
// liveness of an existing entry are overwritten; a zero LastHeartbeat keeps
// the previous value.
func (t *Table) Upsert(node Node) {
	if node.ID.IsZero() {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if node.ID == t.self.ID {
		return
	}

	existing, ok := t.nodes[node.ID]
	if !ok {
		n := node
		t.nodes[node.ID] = &n
		return
	}
	if node.Address != "" {
		existing.Address = node.Address
	}
	if !node.LastHeartbeat.IsZero() {
		existing.LastHeartbeat = node.LastHeartbeat
	}
	existing.Alive = node.Alive
}

// Learn records a peer heard about second hand. New peers are assumed alive
// for one heartbeat timeout; the liveness of known peers is left alone.
func (t *Table) Learn(peer protocol.Peer) {
	if peer.ID.IsZero() || peer.Address == "" {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.nodes[peer.ID]; ok {
		return
	}
	t.nodes[peer.ID] = &Node{ID: peer.ID, Address: peer.Address, LastHeartbeat: t.now(), Alive: true}
}

// Touch records direct contact with a peer: it is upserted, marked alive and
// its heartbeat refreshed. It returns true if the peer was unknown or dead.
func (t *Table) Touch(peer protocol.Peer) bool {
	if peer.ID.IsZero() || peer.ID == t.self.ID {
		return false
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	n, ok := t.nodes[peer.ID]
	if !ok {
		t.nodes[peer.ID] = &Node{ID: peer.ID, Address: peer.Address, LastHeartbeat: t.now(), Alive: true}
		return true
	}
	revived := !n.Alive
	if peer.Address != "" {
		n.Address = peer.Address
	}
	n.LastHeartbeat = t.now()
	n.Alive = true
	return revived
}

// MarkAlive flags a known node as alive. Unknown ids are ignored.
func (t *Table) MarkAlive(id hash.ID) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	n, ok := t.nodes[id]
	if !ok {
		return false
	}
	changed := !n.Alive
	n.Alive = true
	return changed
}

// MarkDead flags a known node as not alive and reports whether that changed
// anything. The local node can't be marked dead.
func (t *Table) MarkDead(id hash.ID) bool {
	if id == t.self.ID {
		return false
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	n, ok := t.nodes[id]
	if !ok || !n.Alive {
		return false
	}
	n.Alive = false
	return true
}

// Get returns a copy of the node with the given id.
func (t *Table) Get(id hash.ID) (Node, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	n, ok := t.nodes[id]
	if !ok {
		return Node{}, false
	}
	return *n, true
}

// Len returns the number of known nodes, including the local node.
func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.nodes)
}

// AliveSet returns every node currently believed alive, ordered by id.
func (t *Table) AliveSet() []Node {
	return t.collect(func(n *Node) bool { return n.Alive })
}

// Snapshot returns every known node, alive or not, ordered by id.
func (t *Table) Snapshot() []Node {
	return t.collect(func(*Node) bool { return true })
}

// ClosestTo returns up to k known nodes ordered by XOR distance to key. Ties
// can only occur between equal ids and go to the smaller id.
func (t *Table) ClosestTo(key hash.ID, k int) []Node {
	return closest(t.Snapshot(), key, k)
}

// ClosestAlive is ClosestTo restricted to nodes believed alive.
func (t *Table) ClosestAlive(key hash.ID, k int) []Node {
	return closest(t.AliveSet(), key, k)
}

// Sweep marks nodes whose last heartbeat is older than timeout as dead and
// returns the nodes that changed state.
func (t *Table) Sweep(timeout time.Duration) []Node {
	t.mu.Lock()
	defer t.mu.Unlock()

	cutoff := t.now().Add(-timeout)
	var changed []Node
	for id, n := range t.nodes {
		if id == t.self.ID || !n.Alive {
			continue
		}
		if n.LastHeartbeat.Before(cutoff) {
			n.Alive = false
			changed = append(changed, *n)
		}
	}
	slices.SortFunc(changed, func(a, b Node) int { return a.ID.Compare(b.ID) })
	return changed
}

func (t *Table) collect(keep func(*Node) bool) []Node {
	t.mu.RLock()
	out := make([]Node, 0, len(t.nodes))
	for _, n := range t.nodes {
		if keep(n) {
			out = append(out, *n)
		}
	}
	t.mu.RUnlock()

	slices.SortFunc(out, func(a, b Node) int { return a.ID.Compare(b.ID) })
	return out
}

func closest(nodes []Node, key hash.ID, k int) []Node {
	slices.SortFunc(nodes, func(a, b Node) int {
		if c := hash.Distance(a.ID, key).Compare(hash.Distance(b.ID, key)); c != 0 {
			return c
		}
		return a.ID.Compare(b.ID)
	})
	if k >= 0 && len(nodes) > k {
		nodes = nodes[:k]
	}
	return nodes
}

// Majority returns the strict majority of a voting set of size n.
func Majority(n int) int {
	return n/2 + 1
}
