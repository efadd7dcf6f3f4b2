package transport

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nurleq/persistent-data-network/internal/protocol"
	"github.com/nurleq/persistent-data-network/pkg"
)

// Handler serves an inbound request. The returned envelope, if any, is sent
// back to the requester when the request expects a reply.
type Handler func(ctx context.Context, env *protocol.Envelope) *protocol.Envelope

// Exchange layers request/response semantics on top of a Transport. Outgoing
// calls wait on a pending table keyed by request id; inbound requests are
// dispatched on their own goroutine so a slow handler never blocks the
// transport.
type Exchange struct {
	self      protocol.Peer
	transport Transport
	logger    *pkg.Logger
	timeout   time.Duration

	pending   map[string]chan *protocol.Envelope
	pendingMu sync.Mutex

	handlers   map[protocol.Kind]Handler
	observer   func(protocol.Peer)
	handlersMu sync.RWMutex

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	stopped bool
	stopMu  sync.RWMutex
}

// NewExchange creates an exchange for the local peer over t. Calls that get
// no reply within timeout fail with pkg.ErrUnreachable.
func NewExchange(self protocol.Peer, t Transport, timeout time.Duration, logger *pkg.Logger) (*Exchange, error) {
	if t == nil {
		return nil, fmt.Errorf("transport cannot be nil")
	}
	if timeout <= 0 {
		return nil, fmt.Errorf("timeout must be positive")
	}
	if logger == nil {
		logger = pkg.NewNop()
	}

	ctx, cancel := context.WithCancel(context.Background())
	e := &Exchange{
		self:      self,
		transport: t,
		logger:    logger.WithFields(pkg.Fields{"component": "exchange"}),
		timeout:   timeout,
		pending:   make(map[string]chan *protocol.Envelope),
		handlers:  make(map[protocol.Kind]Handler),
		ctx:       ctx,
		cancel:    cancel,
	}
	t.SetHandler(e.receive)
	return e, nil
}

// Self returns the local peer.
func (e *Exchange) Self() protocol.Peer {
	return e.self
}

// Handle registers the handler for a request kind.
func (e *Exchange) Handle(kind protocol.Kind, h Handler) {
	e.handlersMu.Lock()
	defer e.handlersMu.Unlock()
	e.handlers[kind] = h
}

// Observe registers a callback invoked with the sender of every inbound
// envelope.
func (e *Exchange) Observe(fn func(protocol.Peer)) {
	e.handlersMu.Lock()
	defer e.handlersMu.Unlock()
	e.observer = fn
}

// Start starts the underlying transport.
func (e *Exchange) Start() error {
	return e.transport.Start()
}

// Stop stops the transport and waits for in-flight handlers.
func (e *Exchange) Stop() error {
	e.stopMu.Lock()
	e.stopped = true
	e.stopMu.Unlock()

	e.cancel()
	err := e.transport.Stop()
	e.wg.Wait()
	return err
}

// Call sends env to peer and waits for the correlated reply. Calls to the
// local node are served in-process. Call takes ownership of env; use a fresh
// envelope per call.
func (e *Exchange) Call(ctx context.Context, to protocol.Peer, env *protocol.Envelope) (*protocol.Envelope, error) {
	env.From = e.self
	env.RequestID = uuid.NewString()

	if to.ID == e.self.ID {
		reply := e.serve(ctx, env)
		if reply == nil {
			return nil, fmt.Errorf("no handler for %s", env.Kind)
		}
		return reply, nil
	}

	ch := make(chan *protocol.Envelope, 1)
	e.pendingMu.Lock()
	e.pending[env.RequestID] = ch
	e.pendingMu.Unlock()

	defer func() {
		e.pendingMu.Lock()
		delete(e.pending, env.RequestID)
		e.pendingMu.Unlock()
	}()

	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	if err := e.transport.Send(ctx, to.Address, env); err != nil {
		return nil, err
	}

	select {
	case reply := <-ch:
		return reply, nil
	case <-ctx.Done():
		if ctx.Err() == context.DeadlineExceeded {
			return nil, fmt.Errorf("%w: %s to %s timed out", pkg.ErrUnreachable, env.Kind, to.Address)
		}
		return nil, ctx.Err()
	case <-e.ctx.Done():
		return nil, fmt.Errorf("%w: exchange stopped", pkg.ErrUnreachable)
	}
}

// Send delivers env to peer without waiting for any reply.
func (e *Exchange) Send(ctx context.Context, to protocol.Peer, env *protocol.Envelope) error {
	env.From = e.self
	env.RequestID = ""

	if to.ID == e.self.ID {
		e.dispatch(env)
		return nil
	}
	return e.transport.Send(ctx, to.Address, env)
}

// receive is the transport callback for every inbound envelope.
func (e *Exchange) receive(env *protocol.Envelope) {
	e.handlersMu.RLock()
	observer := e.observer
	e.handlersMu.RUnlock()

	if observer != nil && env.From.ID != e.self.ID {
		observer(env.From)
	}

	if env.Kind.IsReply() {
		e.pendingMu.Lock()
		ch, ok := e.pending[env.RequestID]
		e.pendingMu.Unlock()

		if !ok {
			e.logger.Trace().
				Str("kind", env.Kind.String()).
				Str("request_id", env.RequestID).
				Msg("Dropping late reply")
			return
		}
		select {
		case ch <- env:
		default:
		}
		return
	}

	e.dispatch(env)
}

func (e *Exchange) dispatch(env *protocol.Envelope) {
	e.stopMu.RLock()
	if e.stopped {
		e.stopMu.RUnlock()
		return
	}
	e.wg.Add(1)
	e.stopMu.RUnlock()

	go func() {
		defer e.wg.Done()

		ctx, cancel := context.WithTimeout(e.ctx, e.timeout)
		defer cancel()

		reply := e.serve(ctx, env)
		if reply == nil || env.RequestID == "" {
			return
		}
		reply.From = e.self
		reply.RequestID = env.RequestID
		if err := e.transport.Send(ctx, env.From.Address, reply); err != nil {
			e.logger.Debug().
				Err(err).
				Str("kind", reply.Kind.String()).
				Str("to", env.From.Address).
				Msg("Failed to send reply")
		}
	}()
}

func (e *Exchange) serve(ctx context.Context, env *protocol.Envelope) *protocol.Envelope {
	e.handlersMu.RLock()
	h, ok := e.handlers[env.Kind]
	e.handlersMu.RUnlock()

	if !ok {
		e.logger.Warn().Str("kind", env.Kind.String()).Msg("No handler registered")
		return nil
	}
	return h(ctx, env)
}
