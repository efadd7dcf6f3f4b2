package transport

import (
	"context"
	"fmt"
	"net"
	"sync"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/nurleq/persistent-data-network/internal/protocol"
	"github.com/nurleq/persistent-data-network/pkg"
)

const (
	serviceName   = "pdn.Peer"
	deliverMethod = "/" + serviceName + "/Deliver"
)

// deliverAck is the empty response of the Deliver RPC.
type deliverAck struct{}

// peerServer is the service implementation registered with grpc.
type peerServer interface {
	Deliver(ctx context.Context, env *protocol.Envelope) (*deliverAck, error)
}

var peerServiceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*peerServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "Deliver",
			Handler:    deliverHandler,
		},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "pdn/peer",
}

func deliverHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(protocol.Envelope)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(peerServer).Deliver(ctx, in)
	}
	info := &grpc.UnaryServerInfo{
		Server:     srv,
		FullMethod: deliverMethod,
	}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(peerServer).Deliver(ctx, req.(*protocol.Envelope))
	}
	return interceptor(ctx, in, info, handler)
}

// GRPCTransport carries envelopes over gRPC. Every envelope is a single
// unary Deliver call; replies travel back as separate calls, which keeps the
// transport symmetric with the in-memory one.
type GRPCTransport struct {
	address   string
	authToken string // Authentication token for node-to-node communication
	logger    *pkg.Logger

	server   *grpc.Server
	listener net.Listener

	handler   func(*protocol.Envelope)
	handlerMu sync.RWMutex

	// Connection pool
	connections map[string]*grpc.ClientConn
	connMu      sync.RWMutex
}

// NewGRPCTransport creates a transport listening on address.
func NewGRPCTransport(address string, authToken string, logger *pkg.Logger) (*GRPCTransport, error) {
	if address == "" {
		return nil, fmt.Errorf("address cannot be empty")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger cannot be nil")
	}

	return &GRPCTransport{
		address:     address,
		authToken:   authToken,
		logger:      logger.WithFields(pkg.Fields{"component": "grpc_transport"}),
		connections: make(map[string]*grpc.ClientConn),
	}, nil
}

// Addr returns the bound listen address, which differs from the configured
// one when port 0 was requested.
func (t *GRPCTransport) Addr() string {
	if t.listener != nil {
		return t.listener.Addr().String()
	}
	return t.address
}

// SetHandler sets the inbound callback.
func (t *GRPCTransport) SetHandler(handler func(*protocol.Envelope)) {
	t.handlerMu.Lock()
	defer t.handlerMu.Unlock()
	t.handler = handler
}

// Start starts the gRPC server.
func (t *GRPCTransport) Start() error {
	listener, err := net.Listen("tcp", t.address)
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}
	t.listener = listener

	opts := []grpc.ServerOption{
		grpc.MaxRecvMsgSize(4 * 1024 * 1024), // 4MB
		grpc.MaxSendMsgSize(4 * 1024 * 1024), // 4MB
		grpc.UnaryInterceptor(AuthInterceptor(t.authToken)),
	}

	t.server = grpc.NewServer(opts...)
	t.server.RegisterService(&peerServiceDesc, t)

	t.logger.Info().
		Str("address", t.Addr()).
		Msg("Starting gRPC transport")

	go func() {
		if err := t.server.Serve(listener); err != nil {
			t.logger.Error().Err(err).Msg("gRPC server error")
		}
	}()

	return nil
}

// Stop stops the server and closes pooled connections.
func (t *GRPCTransport) Stop() error {
	t.logger.Info().Msg("Stopping gRPC transport")

	if t.server != nil {
		t.server.GracefulStop()
	}
	if t.listener != nil {
		t.listener.Close()
	}
	return t.closeConnections()
}

// Deliver implements the Deliver RPC.
func (t *GRPCTransport) Deliver(ctx context.Context, env *protocol.Envelope) (*deliverAck, error) {
	t.handlerMu.RLock()
	handler := t.handler
	t.handlerMu.RUnlock()

	if handler == nil {
		return nil, status.Error(codes.Unavailable, "node not ready")
	}
	if env.Kind == protocol.KindUnknown {
		return nil, status.Error(codes.InvalidArgument, "envelope kind is required")
	}

	t.logger.Trace().
		Str("kind", env.Kind.String()).
		Str("from", env.From.Address).
		Msg("Deliver called")

	handler(env)
	return &deliverAck{}, nil
}
