package transport

import (
	"context"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/connectivity"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"

	"github.com/nurleq/persistent-data-network/internal/protocol"
	"github.com/nurleq/persistent-data-network/pkg"
)

// Compile-time check to ensure GRPCTransport implements Transport
var _ Transport = (*GRPCTransport)(nil)

// getConnection returns a connection to the given address, creating one if needed.
func (t *GRPCTransport) getConnection(address string) (*grpc.ClientConn, error) {
	t.connMu.RLock()
	conn, exists := t.connections[address]
	t.connMu.RUnlock()

	if exists && conn.GetState() != connectivity.Shutdown {
		return conn, nil
	}

	t.connMu.Lock()
	defer t.connMu.Unlock()

	// Double-check after acquiring write lock
	conn, exists = t.connections[address]
	if exists && conn.GetState() != connectivity.Shutdown {
		return conn, nil
	}

	newConn, err := grpc.NewClient(address,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(codecName)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create client for %s: %w", address, err)
	}

	t.connections[address] = newConn
	t.logger.Debug().Str("address", address).Msg("Created new gRPC connection")

	return newConn, nil
}

// Send calls Deliver on the remote node.
func (t *GRPCTransport) Send(ctx context.Context, address string, env *protocol.Envelope) error {
	conn, err := t.getConnection(address)
	if err != nil {
		return fmt.Errorf("%w: %v", pkg.ErrUnreachable, err)
	}

	if t.authToken != "" {
		ctx = metadata.AppendToOutgoingContext(ctx, AuthTokenHeader, t.authToken)
	}

	var ack deliverAck
	if err := conn.Invoke(ctx, deliverMethod, env, &ack); err != nil {
		return fmt.Errorf("%w: deliver %s to %s: %v", pkg.ErrUnreachable, env.Kind, address, err)
	}
	return nil
}

func (t *GRPCTransport) closeConnections() error {
	t.connMu.Lock()
	defer t.connMu.Unlock()

	for address, conn := range t.connections {
		if err := conn.Close(); err != nil {
			t.logger.Error().
				Err(err).
				Str("address", address).
				Msg("Failed to close connection")
		}
	}

	t.connections = make(map[string]*grpc.ClientConn)
	return nil
}
