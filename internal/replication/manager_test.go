package replication

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/nurleq/persistent-data-network/internal/membership"
	"github.com/nurleq/persistent-data-network/internal/protocol"
	"github.com/nurleq/persistent-data-network/pkg"
	"github.com/nurleq/persistent-data-network/pkg/hash"
)

type mockRouter struct {
	mock.Mock
}

func (m *mockRouter) Route(key hash.ID) []membership.Node {
	args := m.Called(key)
	return args.Get(0).([]membership.Node)
}

type mockNetwork struct {
	mock.Mock
}

func (m *mockNetwork) Call(ctx context.Context, to protocol.Peer, env *protocol.Envelope) (*protocol.Envelope, error) {
	args := m.Called(to.Address, env)
	reply, _ := args.Get(0).(*protocol.Envelope)
	return reply, args.Error(1)
}

func replicas(names ...string) []membership.Node {
	nodes := make([]membership.Node, len(names))
	for i, n := range names {
		nodes[i] = membership.Node{ID: hash.HashString(n), Address: n, Alive: true}
	}
	return nodes
}

func storeAck() *protocol.Envelope {
	return &protocol.Envelope{Kind: protocol.KindStoreAck}
}

func unreachable(addr string) error {
	return fmt.Errorf("%w: %s", pkg.ErrUnreachable, addr)
}

func testConfig() Config {
	return Config{Attempts: 3, Backoff: pkg.Backoff{Base: time.Millisecond, Max: 2 * time.Millisecond}}
}

func newTestManager(t *testing.T) (*Manager, *mockRouter, *mockNetwork) {
	t.Helper()
	router := &mockRouter{}
	network := &mockNetwork{}
	m, err := NewManager(router, network, testConfig(), pkg.NewNop())
	require.NoError(t, err)
	return m, router, network
}

func TestNewManager_Validation(t *testing.T) {
	tests := []struct {
		name    string
		router  Router
		network Network
		cfg     Config
	}{
		{"nil router", nil, &mockNetwork{}, testConfig()},
		{"nil network", &mockRouter{}, nil, testConfig()},
		{"zero attempts", &mockRouter{}, &mockNetwork{}, Config{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewManager(tt.router, tt.network, tt.cfg, nil)
			assert.Error(t, err)
		})
	}
}

func TestReplicateEntry_AllReplicasAck(t *testing.T) {
	m, router, network := newTestManager(t)
	entry := protocol.LogEntry{Index: 7, Payload: []byte("tx"), Committed: true}
	key := hash.EntryKey(7)

	router.On("Route", key).Return(replicas("a", "b", "c"))
	network.On("Call", mock.Anything, mock.MatchedBy(func(env *protocol.Envelope) bool {
		var got protocol.LogEntry
		return env.Kind == protocol.KindStore &&
			env.Key == key &&
			json.Unmarshal(env.Value, &got) == nil &&
			got.Index == 7
	})).Return(storeAck(), nil)

	res, err := m.ReplicateEntry(context.Background(), entry)
	require.NoError(t, err)
	assert.Equal(t, 3, res.Targets)
	assert.Equal(t, 3, res.Acked)
	network.AssertNumberOfCalls(t, "Call", 3)
	router.AssertExpectations(t)
}

func TestReplicateMessage_MajorityIsEnough(t *testing.T) {
	m, router, network := newTestManager(t)
	msg := protocol.Message{Sender: "alice", Recipient: "bob", Payload: []byte("hi"), Sequence: 3}

	router.On("Route", msg.Key()).Return(replicas("a", "b", "c"))
	network.On("Call", "a", mock.Anything).Return(storeAck(), nil)
	network.On("Call", "b", mock.Anything).Return(storeAck(), nil)
	network.On("Call", "c", mock.Anything).Return(nil, unreachable("c"))

	res, err := m.ReplicateMessage(context.Background(), msg)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Acked)
	network.AssertNumberOfCalls(t, "Call", 2+3)
}

func TestReplicate_Partial(t *testing.T) {
	m, router, network := newTestManager(t)
	key := hash.HashString("k")

	router.On("Route", key).Return(replicas("a", "b", "c"))
	network.On("Call", "a", mock.Anything).Return(storeAck(), nil)
	network.On("Call", "b", mock.Anything).Return(nil, unreachable("b"))
	network.On("Call", "c", mock.Anything).Return(&protocol.Envelope{Kind: protocol.KindNack}, nil)

	res, err := m.Replicate(context.Background(), key, []byte("v"))
	require.Error(t, err)
	assert.ErrorIs(t, err, pkg.ErrPartialReplication)

	var perr *PartialReplicationError
	require.True(t, errors.As(err, &perr))
	assert.Equal(t, 3, perr.Targets)
	assert.Equal(t, 1, perr.Acked)
	assert.Len(t, perr.Failed, 2)
	assert.Equal(t, 1, res.Acked)
	assert.Contains(t, err.Error(), "1 of 3")
}

func TestReplicate_RetriesUntilAck(t *testing.T) {
	m, router, network := newTestManager(t)
	key := hash.HashString("flaky")

	router.On("Route", key).Return(replicas("a"))
	network.On("Call", "a", mock.Anything).Return(nil, unreachable("a")).Twice()
	network.On("Call", "a", mock.Anything).Return(storeAck(), nil).Once()

	res, err := m.Replicate(context.Background(), key, []byte("v"))
	require.NoError(t, err)
	assert.Equal(t, 1, res.Acked)
	network.AssertNumberOfCalls(t, "Call", 3)
}

func TestReplicate_NoTargets(t *testing.T) {
	m, router, _ := newTestManager(t)
	key := hash.HashString("nobody")
	router.On("Route", key).Return([]membership.Node{})

	_, err := m.Replicate(context.Background(), key, []byte("v"))
	assert.ErrorIs(t, err, pkg.ErrPartialReplication)
}

func TestReplicate_ContextCanceled(t *testing.T) {
	router := &mockRouter{}
	network := &mockNetwork{}
	cfg := Config{Attempts: 5, Backoff: pkg.Backoff{Base: time.Hour}}
	m, err := NewManager(router, network, cfg, nil)
	require.NoError(t, err)

	key := hash.HashString("slow")
	router.On("Route", key).Return(replicas("a", "b", "c"))
	network.On("Call", mock.Anything, mock.Anything).Return(nil, unreachable("x"))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err = m.Replicate(ctx, key, []byte("v"))
	assert.ErrorIs(t, err, pkg.ErrPartialReplication)
	assert.Less(t, time.Since(start), time.Second)
	network.AssertNumberOfCalls(t, "Call", 3)
}
