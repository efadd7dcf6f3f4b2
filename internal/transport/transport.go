// Package transport moves envelopes between nodes and correlates requests
// with their replies.
package transport

import (
	"context"

	"github.com/nurleq/persistent-data-network/internal/protocol"
)

// Transport delivers envelopes to an address. Send only hands the envelope
// to the network; it does not wait for the remote handler. Failures to reach
// the address wrap pkg.ErrUnreachable.
type Transport interface {
	Start() error
	Stop() error
	Send(ctx context.Context, address string, env *protocol.Envelope) error
	SetHandler(handler func(env *protocol.Envelope))
}
