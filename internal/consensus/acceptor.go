package consensus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/nurleq/persistent-data-network/internal/protocol"
	"github.com/nurleq/persistent-data-network/pkg"
)

// acceptorState is what an acceptor remembers about one log index. It is
// persisted before any reply leaves the node.
type acceptorState struct {
	Promised protocol.ProposalNumber `json:"promised"`
	Accepted *protocol.Accepted      `json:"accepted,omitempty"`
}

// instance serializes access to a single index.
type instance struct {
	mu     sync.Mutex
	loaded bool
	state  acceptorState
}

type acceptor struct {
	self    protocol.Peer
	store   pkg.Store
	learner *learner
	observe func(protocol.ProposalNumber)
	logger  *pkg.Logger

	instances map[uint64]*instance
	mu        sync.Mutex
}

func newAcceptor(self protocol.Peer, store pkg.Store, l *learner, observe func(protocol.ProposalNumber), logger *pkg.Logger) *acceptor {
	return &acceptor{
		self:      self,
		store:     store,
		learner:   l,
		observe:   observe,
		logger:    logger.WithFields(pkg.Fields{"component": "acceptor"}),
		instances: make(map[uint64]*instance),
	}
}

func stateKey(index uint64) string {
	return fmt.Sprintf("%020d", index)
}

// lock returns the locked instance for index, loading persisted state on
// first use. Callers must unlock it.
func (a *acceptor) lock(ctx context.Context, index uint64) (*instance, error) {
	a.mu.Lock()
	inst, ok := a.instances[index]
	if !ok {
		inst = &instance{}
		a.instances[index] = inst
	}
	a.mu.Unlock()

	inst.mu.Lock()
	if inst.loaded {
		return inst, nil
	}

	data, err := a.store.Get(ctx, stateKey(index))
	switch {
	case errors.Is(err, pkg.ErrKeyNotFound):
	case err != nil:
		inst.mu.Unlock()
		return nil, err
	default:
		if err := json.Unmarshal(data, &inst.state); err != nil {
			inst.mu.Unlock()
			return nil, fmt.Errorf("corrupt acceptor state for index %d: %w", index, err)
		}
	}
	inst.loaded = true
	return inst, nil
}

func (a *acceptor) persist(ctx context.Context, index uint64, state acceptorState) error {
	data, err := json.Marshal(state)
	if err != nil {
		return err
	}
	return a.store.Set(ctx, stateKey(index), data, 0)
}

// committedReply answers for an index that is already decided here, so a
// late proposer learns the value instead of running the protocol again.
func (a *acceptor) committedReply(ctx context.Context, env *protocol.Envelope, kind protocol.Kind) *protocol.Envelope {
	d, ok := a.learner.decision(ctx, env.Index)
	if !ok {
		return nil
	}
	reply := env.Reply(kind, a.self)
	reply.Committed = true
	reply.Proposal = d.proposal
	reply.Value = d.value
	return reply
}

func (a *acceptor) nack(env *protocol.Envelope, promised protocol.ProposalNumber) *protocol.Envelope {
	reply := env.Reply(protocol.KindNack, a.self)
	reply.Proposal = promised
	return reply
}

// handlePrepare promises not to accept anything numbered below the request,
// unless a higher number was already promised.
func (a *acceptor) handlePrepare(ctx context.Context, env *protocol.Envelope) *protocol.Envelope {
	a.observe(env.Proposal)
	if reply := a.committedReply(ctx, env, protocol.KindPromise); reply != nil {
		return reply
	}

	inst, err := a.lock(ctx, env.Index)
	if err != nil {
		a.logger.Error().Err(err).Uint64("index", env.Index).Msg("Failed to load acceptor state")
		return nil
	}
	defer inst.mu.Unlock()

	// The index may have been applied and forgotten while we waited.
	if reply := a.committedReply(ctx, env, protocol.KindPromise); reply != nil {
		a.release(env.Index, inst)
		return reply
	}

	if env.Proposal.Less(inst.state.Promised) {
		a.logger.Debug().
			Uint64("index", env.Index).
			Str("proposal", env.Proposal.String()).
			Str("promised", inst.state.Promised.String()).
			Msg("Rejecting prepare")
		return a.nack(env, inst.state.Promised)
	}

	next := inst.state
	next.Promised = env.Proposal
	if err := a.persist(ctx, env.Index, next); err != nil {
		a.logger.Error().Err(err).Uint64("index", env.Index).Msg("Failed to persist promise")
		return nil
	}
	inst.state = next

	reply := env.Reply(protocol.KindPromise, a.self)
	if next.Accepted != nil {
		prior := *next.Accepted
		reply.Prior = &prior
	}
	return reply
}

// handleAccept accepts a value unless a higher number was promised since.
func (a *acceptor) handleAccept(ctx context.Context, env *protocol.Envelope) *protocol.Envelope {
	a.observe(env.Proposal)
	if reply := a.committedReply(ctx, env, protocol.KindAccepted); reply != nil {
		return reply
	}

	inst, err := a.lock(ctx, env.Index)
	if err != nil {
		a.logger.Error().Err(err).Uint64("index", env.Index).Msg("Failed to load acceptor state")
		return nil
	}
	defer inst.mu.Unlock()

	// The index may have been applied and forgotten while we waited.
	if reply := a.committedReply(ctx, env, protocol.KindAccepted); reply != nil {
		a.release(env.Index, inst)
		return reply
	}

	if env.Proposal.Less(inst.state.Promised) {
		a.logger.Debug().
			Uint64("index", env.Index).
			Str("proposal", env.Proposal.String()).
			Str("promised", inst.state.Promised.String()).
			Msg("Rejecting accept")
		return a.nack(env, inst.state.Promised)
	}

	next := acceptorState{
		Promised: env.Proposal,
		Accepted: &protocol.Accepted{
			Proposal: env.Proposal,
			Value:    append([]byte(nil), env.Value...),
		},
	}
	if err := a.persist(ctx, env.Index, next); err != nil {
		a.logger.Error().Err(err).Uint64("index", env.Index).Msg("Failed to persist accept")
		return nil
	}
	inst.state = next

	return env.Reply(protocol.KindAccepted, a.self)
}

// forget drops the state of an index once it is applied to the log. The
// instance lock is held while the persisted state goes away, so a handler
// either sees the full state or finds the index committed.
func (a *acceptor) forget(ctx context.Context, index uint64) {
	a.mu.Lock()
	inst, ok := a.instances[index]
	delete(a.instances, index)
	a.mu.Unlock()

	if ok {
		inst.mu.Lock()
		defer inst.mu.Unlock()
	}
	if err := a.store.Delete(ctx, stateKey(index)); err != nil && !errors.Is(err, pkg.ErrKeyNotFound) {
		a.logger.Warn().Err(err).Uint64("index", index).Msg("Failed to drop acceptor state")
	}
}

// release removes inst from the instance table if it is still the one
// registered for index.
func (a *acceptor) release(index uint64, inst *instance) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.instances[index] == inst {
		delete(a.instances, index)
	}
}
