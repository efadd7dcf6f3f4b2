package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/nurleq/persistent-data-network/internal/protocol"
	"github.com/nurleq/persistent-data-network/pkg"
)

// Filter decides whether an envelope travelling from one address to another
// is delivered. Dropped envelopes vanish silently, like a lossy link.
type Filter func(from, to string, env *protocol.Envelope) bool

// MemoryNetwork connects MemoryTransports in-process. It can cut links to
// simulate partitions and crashed nodes.
type MemoryNetwork struct {
	endpoints map[string]*MemoryTransport
	blocked   map[[2]string]bool
	isolated  map[string]bool
	filter    Filter
	mu        sync.RWMutex
}

// NewMemoryNetwork creates an empty network.
func NewMemoryNetwork() *MemoryNetwork {
	return &MemoryNetwork{
		endpoints: make(map[string]*MemoryTransport),
		blocked:   make(map[[2]string]bool),
		isolated:  make(map[string]bool),
	}
}

// Transport returns the endpoint bound to address, creating it if needed.
func (n *MemoryNetwork) Transport(address string) *MemoryTransport {
	n.mu.Lock()
	defer n.mu.Unlock()

	if t, ok := n.endpoints[address]; ok {
		return t
	}
	t := &MemoryTransport{network: n, address: address}
	n.endpoints[address] = t
	return t
}

// Partition cuts every link between group a and group b in both directions.
func (n *MemoryNetwork) Partition(a, b []string) {
	n.mu.Lock()
	defer n.mu.Unlock()

	for _, x := range a {
		for _, y := range b {
			n.blocked[[2]string{x, y}] = true
			n.blocked[[2]string{y, x}] = true
		}
	}
}

// Isolate cuts address off from everyone.
func (n *MemoryNetwork) Isolate(address string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.isolated[address] = true
}

// Heal restores every link and removes the filter.
func (n *MemoryNetwork) Heal() {
	n.mu.Lock()
	defer n.mu.Unlock()

	n.blocked = make(map[[2]string]bool)
	n.isolated = make(map[string]bool)
	n.filter = nil
}

// SetFilter installs a delivery filter; nil removes it.
func (n *MemoryNetwork) SetFilter(f Filter) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.filter = f
}

func (n *MemoryNetwork) deliver(from, to string, env *protocol.Envelope) error {
	n.mu.RLock()
	target, ok := n.endpoints[to]
	cut := n.isolated[from] || n.isolated[to] || n.blocked[[2]string{from, to}]
	filter := n.filter
	n.mu.RUnlock()

	if !ok || cut {
		return fmt.Errorf("%w: %s", pkg.ErrUnreachable, to)
	}

	handler := target.handlerFunc()
	if handler == nil {
		return fmt.Errorf("%w: %s is not running", pkg.ErrUnreachable, to)
	}

	// Round trip through JSON so nodes never share memory.
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to encode envelope: %w", err)
	}
	var copied protocol.Envelope
	if err := json.Unmarshal(data, &copied); err != nil {
		return fmt.Errorf("failed to decode envelope: %w", err)
	}

	if filter != nil && !filter(from, to, &copied) {
		return nil
	}

	go handler(&copied)
	return nil
}

// MemoryTransport is a Transport endpoint on a MemoryNetwork.
type MemoryTransport struct {
	network *MemoryNetwork
	address string

	handler func(*protocol.Envelope)
	running bool
	mu      sync.RWMutex
}

// Address returns the endpoint's address.
func (t *MemoryTransport) Address() string {
	return t.address
}

// Start makes the endpoint reachable.
func (t *MemoryTransport) Start() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.running = true
	return nil
}

// Stop makes the endpoint unreachable, as if the process had crashed.
func (t *MemoryTransport) Stop() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.running = false
	return nil
}

// SetHandler sets the inbound callback.
func (t *MemoryTransport) SetHandler(handler func(*protocol.Envelope)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handler = handler
}

// Send delivers env to address asynchronously.
func (t *MemoryTransport) Send(ctx context.Context, address string, env *protocol.Envelope) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	t.mu.RLock()
	running := t.running
	t.mu.RUnlock()
	if !running {
		return fmt.Errorf("%w: local transport stopped", pkg.ErrUnreachable)
	}
	return t.network.deliver(t.address, address, env)
}

func (t *MemoryTransport) handlerFunc() func(*protocol.Envelope) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if !t.running {
		return nil
	}
	return t.handler
}

var _ Transport = (*MemoryTransport)(nil)
