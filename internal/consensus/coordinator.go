// Package consensus runs single-decree Paxos for every log index. Any node
// may coordinate a round; acceptors persist their promises, and a learner
// applies decided values to the transaction log in index order.
package consensus

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/nurleq/persistent-data-network/internal/membership"
	"github.com/nurleq/persistent-data-network/internal/protocol"
	"github.com/nurleq/persistent-data-network/internal/txlog"
	"github.com/nurleq/persistent-data-network/pkg"
)

// Phase is the progress of a local round for one index.
type Phase int

const (
	PhaseIdle Phase = iota
	PhasePreparing
	PhasePromised
	PhaseAccepting
	PhaseCommitted
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhasePreparing:
		return "preparing"
	case PhasePromised:
		return "promised"
	case PhaseAccepting:
		return "accepting"
	case PhaseCommitted:
		return "committed"
	}
	return fmt.Sprintf("Phase(%d)", int(p))
}

// Network is the request/response primitive rounds run over.
type Network interface {
	Call(ctx context.Context, to protocol.Peer, env *protocol.Envelope) (*protocol.Envelope, error)
	Send(ctx context.Context, to protocol.Peer, env *protocol.Envelope) error
}

// Membership supplies the voting set of a round. Every proposer must get
// the same set for the same index, so it can't depend on local discovery.
type Membership interface {
	// Voters returns the voting set of index. It fails with
	// pkg.ErrNoQuorum while the set is not known locally yet.
	Voters(ctx context.Context, index uint64) ([]membership.Node, error)
}

// Options tunes retry behaviour.
type Options struct {
	MaxRetries  int           // Rounds attempted per index before giving up
	Backoff     pkg.Backoff   // Randomized delay between rounds
	SendTimeout time.Duration // Deadline for one-way COMMIT sends
	GapTimeout  time.Duration // How long Submit waits on lower indices before filling gaps
}

// DefaultOptions returns options suitable for a LAN cluster.
func DefaultOptions() Options {
	return Options{
		MaxRetries:  20,
		Backoff:     pkg.Backoff{Base: 20 * time.Millisecond, Max: time.Second, Jitter: 0.5},
		SendTimeout: 2 * time.Second,
		GapTimeout:  500 * time.Millisecond,
	}
}

// Coordinator proposes values and serves the acceptor and learner roles of
// the local node.
type Coordinator struct {
	self    protocol.Peer
	members Membership
	network Network
	log     *txlog.Log
	logger  *pkg.Logger
	opts    Options

	acceptor *acceptor
	learner  *learner

	maxRound uint64
	roundMu  sync.Mutex

	phases  map[uint64]Phase
	phaseMu sync.RWMutex

	// proposalFor overrides proposal numbering; set by tests only.
	proposalFor func(index uint64, attempt int, n protocol.ProposalNumber) protocol.ProposalNumber
}

// New creates a coordinator. acceptorStore holds promises and accepted
// values and must be durable if the node is expected to survive restarts.
func New(self protocol.Peer, members Membership, network Network, log *txlog.Log, acceptorStore pkg.Store, opts Options, logger *pkg.Logger) (*Coordinator, error) {
	if members == nil {
		return nil, fmt.Errorf("membership cannot be nil")
	}
	if network == nil {
		return nil, fmt.Errorf("network cannot be nil")
	}
	if log == nil {
		return nil, fmt.Errorf("log cannot be nil")
	}
	if acceptorStore == nil {
		return nil, fmt.Errorf("acceptor store cannot be nil")
	}
	if opts.MaxRetries < 1 {
		return nil, fmt.Errorf("max retries must be at least 1")
	}
	if logger == nil {
		logger = pkg.NewNop()
	}

	c := &Coordinator{
		self:    self,
		members: members,
		network: network,
		log:     log,
		logger:  logger.WithFields(pkg.Fields{"component": "consensus"}),
		opts:    opts,
		phases:  make(map[uint64]Phase),
	}
	c.learner = newLearner(log, logger)
	c.acceptor = newAcceptor(self, acceptorStore, c.learner, c.observe, logger)
	c.learner.applied = c.onApplied
	return c, nil
}

// Log returns the transaction log the coordinator applies to.
func (c *Coordinator) Log() *txlog.Log {
	return c.log
}

// Phase reports the local progress of index.
func (c *Coordinator) Phase(index uint64) Phase {
	if index < c.log.Length() {
		return PhaseCommitted
	}
	c.phaseMu.RLock()
	defer c.phaseMu.RUnlock()
	return c.phases[index]
}

func (c *Coordinator) setPhase(index uint64, p Phase) {
	if index < c.log.Length() {
		return
	}
	c.phaseMu.Lock()
	defer c.phaseMu.Unlock()
	c.phases[index] = p
}

func (c *Coordinator) onApplied(entry protocol.LogEntry) {
	c.phaseMu.Lock()
	delete(c.phases, entry.Index)
	c.phaseMu.Unlock()

	c.acceptor.forget(context.Background(), entry.Index)
}

// observe records a proposal number seen anywhere so the next local round
// starts above it.
func (c *Coordinator) observe(n protocol.ProposalNumber) {
	c.roundMu.Lock()
	defer c.roundMu.Unlock()
	if n.Round > c.maxRound {
		c.maxRound = n.Round
	}
}

func (c *Coordinator) nextProposal(index uint64, attempt int) protocol.ProposalNumber {
	c.roundMu.Lock()
	c.maxRound++
	n := protocol.ProposalNumber{Round: c.maxRound, Node: c.self.ID}
	c.roundMu.Unlock()

	if c.proposalFor != nil {
		n = c.proposalFor(index, attempt, n)
		c.observe(n)
	}
	return n
}

// HandlePrepare serves PREPARE.
func (c *Coordinator) HandlePrepare(ctx context.Context, env *protocol.Envelope) *protocol.Envelope {
	return c.acceptor.handlePrepare(ctx, env)
}

// HandleAccept serves ACCEPT.
func (c *Coordinator) HandleAccept(ctx context.Context, env *protocol.Envelope) *protocol.Envelope {
	return c.acceptor.handleAccept(ctx, env)
}

// HandleCommit serves COMMIT. It never replies.
func (c *Coordinator) HandleCommit(ctx context.Context, env *protocol.Envelope) *protocol.Envelope {
	c.observe(env.Proposal)
	if err := c.learner.learn(ctx, env.Index, env.Proposal, env.Value); err != nil {
		c.logger.Error().Err(err).Uint64("index", env.Index).Msg("Failed to apply commit")
	}
	return nil
}

// Learn applies an entry obtained out of band, such as a catch-up batch
// from a peer.
func (c *Coordinator) Learn(ctx context.Context, entry protocol.LogEntry) error {
	c.observe(entry.Proposal)
	return c.learner.learn(ctx, entry.Index, entry.Proposal, entry.Payload)
}

// ProposeAt drives index to a decision, proposing value if no other value
// may already have been chosen. It returns the decided value, which may
// belong to another proposer. Contention and missing quorums are retried
// with randomized backoff and a higher proposal number.
func (c *Coordinator) ProposeAt(ctx context.Context, index uint64, value []byte) ([]byte, error) {
	var chosen []byte
	attempt := 0
	op := func() error {
		if d, ok := c.learner.decision(ctx, index); ok {
			chosen = d.value
			return nil
		}

		v, err := c.round(ctx, index, attempt, value)
		attempt++
		switch {
		case err == nil:
			chosen = v
			return nil
		case ctx.Err() != nil:
			return backoff.Permanent(ctx.Err())
		case errors.Is(err, pkg.ErrNackedProposal), errors.Is(err, pkg.ErrNoQuorum):
			return err
		}
		return backoff.Permanent(err)
	}
	notify := func(err error, wait time.Duration) {
		c.logger.Debug().
			Err(err).
			Uint64("index", index).
			Int("attempt", attempt).
			Dur("retry_in", wait).
			Msg("Round failed, retrying")
	}

	err := backoff.RetryNotify(op, c.opts.Backoff.Schedule(ctx, c.opts.MaxRetries-1), notify)
	switch {
	case err == nil:
		return chosen, nil
	case ctx.Err() != nil:
		return nil, ctx.Err()
	case errors.Is(err, pkg.ErrNackedProposal), errors.Is(err, pkg.ErrNoQuorum):
		return nil, fmt.Errorf("%w: index %d undecided after %d rounds: %v",
			pkg.ErrNoQuorum, index, attempt, err)
	}
	return nil, err
}

// round runs one PREPARE/ACCEPT exchange for index against the voting set
// of that index, fixed for the whole round.
func (c *Coordinator) round(ctx context.Context, index uint64, attempt int, value []byte) ([]byte, error) {
	voters, err := c.members.Voters(ctx, index)
	if err != nil {
		return nil, err
	}
	quorum := membership.Majority(len(voters))
	n := c.nextProposal(index, attempt)

	c.setPhase(index, PhasePreparing)
	promises, err := c.collect(ctx, voters, quorum, protocol.KindPromise, func() *protocol.Envelope {
		return &protocol.Envelope{Kind: protocol.KindPrepare, Index: index, Proposal: n}
	})
	if err != nil {
		c.setPhase(index, PhaseIdle)
		return nil, fmt.Errorf("prepare %s: %w", n, err)
	}
	if promises.decided != nil {
		return c.adopt(ctx, index, promises.decided)
	}

	c.setPhase(index, PhasePromised)
	chosen := value
	var highest protocol.ProposalNumber
	for _, p := range promises.ok {
		if p.Prior != nil && p.Prior.Proposal.Greater(highest) {
			highest = p.Prior.Proposal
			chosen = p.Prior.Value
		}
	}

	c.setPhase(index, PhaseAccepting)
	accepts, err := c.collect(ctx, voters, quorum, protocol.KindAccepted, func() *protocol.Envelope {
		return &protocol.Envelope{Kind: protocol.KindAccept, Index: index, Proposal: n, Value: chosen}
	})
	if err != nil {
		c.setPhase(index, PhaseIdle)
		return nil, fmt.Errorf("accept %s: %w", n, err)
	}
	if accepts.decided != nil {
		return c.adopt(ctx, index, accepts.decided)
	}

	c.setPhase(index, PhaseCommitted)
	c.logger.Info().
		Uint64("index", index).
		Str("proposal", n.String()).
		Int("voters", len(voters)).
		Int("accepted", len(accepts.ok)).
		Bool("own_value", bytes.Equal(chosen, value)).
		Msg("Value decided")

	if err := c.learner.learn(ctx, index, n, chosen); err != nil {
		return nil, err
	}
	c.broadcastCommit(voters, index, n, chosen)
	return chosen, nil
}

// adopt learns a value another node reported as already committed.
func (c *Coordinator) adopt(ctx context.Context, index uint64, reply *protocol.Envelope) ([]byte, error) {
	c.setPhase(index, PhaseCommitted)
	if err := c.learner.learn(ctx, index, reply.Proposal, reply.Value); err != nil {
		return nil, err
	}
	return reply.Value, nil
}

type tally struct {
	ok      []*protocol.Envelope
	nacks   int
	decided *protocol.Envelope
}

type callResult struct {
	peer  protocol.Peer
	reply *protocol.Envelope
	err   error
}

// collect sends a fresh request to every voter and returns as soon as quorum
// replies of kind want arrived, or as soon as some voter reports the index
// committed. It fails once the outstanding calls can no longer reach quorum.
func (c *Coordinator) collect(ctx context.Context, voters []membership.Node, quorum int, want protocol.Kind, build func() *protocol.Envelope) (*tally, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	results := make(chan callResult, len(voters))
	for _, v := range voters {
		go func(peer protocol.Peer) {
			reply, err := c.network.Call(ctx, peer, build())
			results <- callResult{peer: peer, reply: reply, err: err}
		}(v.Peer())
	}

	t := &tally{}
	unreachable := 0
	for pending := len(voters); pending > 0; {
		select {
		case r := <-results:
			pending--
			switch {
			case r.err != nil:
				unreachable++
				c.logger.Trace().Err(r.err).Str("peer", r.peer.Address).Msg("Voter did not answer")
			case r.reply.Committed:
				t.decided = r.reply
				return t, nil
			case r.reply.Kind == want:
				t.ok = append(t.ok, r.reply)
				if len(t.ok) >= quorum {
					return t, nil
				}
			case r.reply.Kind == protocol.KindNack:
				t.nacks++
				c.observe(r.reply.Proposal)
			}
			if len(t.ok)+pending < quorum {
				return nil, c.shortfall(t, quorum, unreachable)
			}
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return nil, c.shortfall(t, quorum, unreachable)
}

func (c *Coordinator) shortfall(t *tally, quorum, unreachable int) error {
	if t.nacks > 0 {
		return fmt.Errorf("%w: %d of %d needed, %d nacks", pkg.ErrNackedProposal, len(t.ok), quorum, t.nacks)
	}
	return fmt.Errorf("%w: %d of %d needed, %d unreachable", pkg.ErrNoQuorum, len(t.ok), quorum, unreachable)
}

// broadcastCommit tells every other voter about the decision so slow and
// minority nodes converge without running a round of their own.
func (c *Coordinator) broadcastCommit(voters []membership.Node, index uint64, n protocol.ProposalNumber, value []byte) {
	for _, v := range voters {
		if v.ID == c.self.ID {
			continue
		}
		go func(peer protocol.Peer) {
			ctx, cancel := context.WithTimeout(context.Background(), c.opts.SendTimeout)
			defer cancel()

			err := c.network.Send(ctx, peer, &protocol.Envelope{
				Kind:     protocol.KindCommit,
				Index:    index,
				Proposal: n,
				Value:    value,
			})
			if err != nil {
				c.logger.Trace().Err(err).Str("peer", peer.Address).Uint64("index", index).Msg("Commit not delivered")
			}
		}(v.Peer())
	}
}

// Submit orders value in the log. It proposes at the lowest free index and
// moves up until value itself is decided, then waits until that entry and
// every entry below it are applied. Values must be unique; the node layer
// wraps payloads with a transaction id for that.
func (c *Coordinator) Submit(ctx context.Context, value []byte) (uint64, error) {
	for {
		index := c.learner.nextFree()
		// The voting set of index is only known once every entry below it is.
		if err := c.fillBelow(ctx, index); err != nil {
			return 0, err
		}
		chosen, err := c.ProposeAt(ctx, index, value)
		if err != nil {
			return 0, err
		}
		if bytes.Equal(chosen, value) {
			return index, c.awaitApplied(ctx, index)
		}
		c.logger.Debug().Uint64("index", index).Msg("Index taken by another proposal, moving on")
	}
}

// awaitApplied waits until index is in the log, filling gaps below it when
// commits for lower indices never arrive.
func (c *Coordinator) awaitApplied(ctx context.Context, index uint64) error {
	for {
		waitCtx, cancel := context.WithTimeout(ctx, c.opts.GapTimeout)
		err := c.log.Wait(waitCtx, index)
		cancel()
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := c.fillBelow(ctx, index); err != nil {
			return err
		}
	}
}

// FillGaps decides every index below the highest locally known decision
// that this node has not learned yet. Where nothing was accepted an empty
// no-op entry is committed.
func (c *Coordinator) FillGaps(ctx context.Context) error {
	return c.fillBelow(ctx, c.learner.highest())
}

func (c *Coordinator) fillBelow(ctx context.Context, limit uint64) error {
	gaps := c.learner.gaps(limit)
	for _, index := range gaps {
		c.logger.Info().Uint64("index", index).Msg("Recovering missing index")
		if _, err := c.ProposeAt(ctx, index, nil); err != nil {
			return fmt.Errorf("recover index %d: %w", index, err)
		}
	}
	return nil
}
