package node

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/nurleq/persistent-data-network/internal/membership"
	"github.com/nurleq/persistent-data-network/internal/protocol"
	"github.com/nurleq/persistent-data-network/internal/txlog"
	"github.com/nurleq/persistent-data-network/pkg"
)

type admission struct {
	peer  protocol.Peer
	index uint64
}

// roster derives the voting set of every log index from the JOIN
// transactions committed below it. Two nodes that agree on the log prefix
// therefore agree on the voting set, whatever else they have discovered.
type roster struct {
	self  protocol.Peer
	log   *txlog.Log
	table *membership.Table

	mu       sync.Mutex
	scanned  uint64
	admitted []admission
	founding bool
}

func newRoster(self protocol.Peer, log *txlog.Log, table *membership.Table) *roster {
	return &roster{self: self, log: log, table: table}
}

// found lets the local node vote alone on index 0, where its own JOIN
// opens a new network.
func (r *roster) found() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.founding = true
}

// Voters returns the members admitted below index.
func (r *roster) Voters(ctx context.Context, index uint64) ([]membership.Node, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if length := r.log.Length(); length < index {
		return nil, fmt.Errorf("%w: voting set of index %d unknown, log ends at %d", pkg.ErrNoQuorum, index, length)
	}
	if err := r.scan(ctx, index); err != nil {
		return nil, err
	}

	var voters []membership.Node
	for _, a := range r.admitted {
		if a.index >= index {
			break
		}
		node, ok := r.table.Get(a.peer.ID)
		if !ok {
			node = membership.Node{ID: a.peer.ID, Address: a.peer.Address}
		}
		voters = append(voters, node)
	}

	if len(voters) == 0 {
		if r.founding && index == 0 {
			return []membership.Node{{ID: r.self.ID, Address: r.self.Address, Alive: true}}, nil
		}
		return nil, fmt.Errorf("%w: no member admitted below index %d", pkg.ErrNotMember, index)
	}
	return voters, nil
}

// members returns every member admitted by the local log so far.
func (r *roster) members(ctx context.Context) ([]protocol.Peer, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.scan(ctx, r.log.Length()); err != nil {
		return nil, err
	}
	out := make([]protocol.Peer, len(r.admitted))
	for i, a := range r.admitted {
		out[i] = a.peer
	}
	return out, nil
}

// isMember reports whether the local log admits id.
func (r *roster) isMember(ctx context.Context, peer protocol.Peer) (bool, error) {
	members, err := r.members(ctx)
	if err != nil {
		return false, err
	}
	return slices.ContainsFunc(members, func(p protocol.Peer) bool { return p.ID == peer.ID }), nil
}

// scan folds log entries below upto into the admission list. Callers hold mu.
func (r *roster) scan(ctx context.Context, upto uint64) error {
	if upto <= r.scanned {
		return nil
	}

	for entry, err := range r.log.Entries(ctx, r.scanned) {
		if err != nil {
			return err
		}
		if entry.Index >= upto {
			break
		}
		r.scanned = entry.Index + 1

		tx, ok, err := DecodeTransaction(entry)
		if err != nil || !ok || tx.Kind != TxJoin || tx.Member == nil {
			continue
		}
		member := *tx.Member
		if slices.ContainsFunc(r.admitted, func(a admission) bool { return a.peer.ID == member.ID }) {
			continue
		}
		r.admitted = append(r.admitted, admission{peer: member, index: entry.Index})
		r.table.Learn(member)
	}
	return nil
}
