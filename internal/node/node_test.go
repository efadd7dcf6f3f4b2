package node

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nurleq/persistent-data-network/internal/config"
	"github.com/nurleq/persistent-data-network/internal/protocol"
	"github.com/nurleq/persistent-data-network/internal/transport"
	"github.com/nurleq/persistent-data-network/pkg"
)

const (
	waitFor = 5 * time.Second
	tick    = 10 * time.Millisecond
)

type recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *recorder) BroadcastEvent(e Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return nil
}

func (r *recorder) has(typ, peer string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.events {
		if e.Type == typ && (peer == "" || e.Peer == peer) {
			return true
		}
	}
	return false
}

func testConfig(i int) *config.Config {
	cfg := config.DefaultConfig()
	cfg.Host = "node"
	cfg.Port = 7000 + i
	cfg.HTTPPort = 0
	cfg.HeartbeatInterval = 50 * time.Millisecond
	cfg.HeartbeatTimeout = 300 * time.Millisecond
	cfg.RPCTimeout = 200 * time.Millisecond
	cfg.MaxProposalRetries = 30
	cfg.BackoffBase = 5 * time.Millisecond
	cfg.BackoffMax = 50 * time.Millisecond
	cfg.ReplicationAttempts = 2
	cfg.SyncBatchSize = 4
	return cfg
}

func memoryStores(t *testing.T) Stores {
	t.Helper()
	s := Stores{
		Log:      pkg.NewMemoryStorage(nil),
		Acceptor: pkg.NewMemoryStorage(nil),
		DHT:      pkg.NewMemoryStorage(nil),
	}
	t.Cleanup(func() {
		s.Log.Close()
		s.Acceptor.Close()
		s.DHT.Close()
	})
	return s
}

func startNode(t *testing.T, network *transport.MemoryNetwork, cfg *config.Config) *Node {
	t.Helper()
	n, err := New(cfg, network.Transport(cfg.Address()), memoryStores(t), pkg.NewNop())
	require.NoError(t, err)
	require.NoError(t, n.Start())
	t.Cleanup(func() { n.Shutdown() })
	return n
}

// newCluster starts size nodes; node 0 founds the network and every other
// node joins through it. It returns once every node knows every other and
// every log admits all of them.
func newCluster(t *testing.T, size int) (*transport.MemoryNetwork, []*Node) {
	t.Helper()
	network := transport.NewMemoryNetwork()
	ctx := context.Background()

	nodes := make([]*Node, size)
	for i := range nodes {
		nodes[i] = startNode(t, network, testConfig(i))
		if i == 0 {
			require.NoError(t, nodes[0].Bootstrap(ctx))
			continue
		}
		require.NoError(t, nodes[i].Join(ctx, nodes[0].Self().Address))
	}

	require.Eventually(t, func() bool {
		for _, n := range nodes {
			if n.Table().Len() != size || len(n.Table().AliveSet()) != size || n.Status().Voters != size {
				return false
			}
		}
		return true
	}, waitFor, tick, "membership did not converge")
	return network, nodes
}

func addresses(nodes []*Node) []string {
	out := make([]string, len(nodes))
	for i, n := range nodes {
		out[i] = n.Self().Address
	}
	return out
}

func logsConverge(nodes []*Node, length uint64) func() bool {
	return func() bool {
		for _, n := range nodes {
			if n.Log().Length() != length {
				return false
			}
		}
		return true
	}
}

func TestNew_Validation(t *testing.T) {
	network := transport.NewMemoryNetwork()
	stores := memoryStores(t)
	logger := pkg.NewNop()

	badCfg := testConfig(0)
	badCfg.Port = 0

	tests := []struct {
		name   string
		cfg    *config.Config
		tr     transport.Transport
		stores Stores
		logger *pkg.Logger
	}{
		{"nil config", nil, network.Transport("a"), stores, logger},
		{"nil transport", testConfig(0), nil, stores, logger},
		{"missing store", testConfig(0), network.Transport("b"), Stores{Log: stores.Log}, logger},
		{"nil logger", testConfig(0), network.Transport("c"), stores, nil},
		{"invalid config", badCfg, network.Transport("d"), stores, logger},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.cfg, tt.tr, tt.stores, tt.logger)
			assert.Error(t, err)
		})
	}
}

func TestNode_IdentityFromConfig(t *testing.T) {
	network := transport.NewMemoryNetwork()

	cfg := testConfig(0)
	a, err := New(cfg, network.Transport(cfg.Address()), memoryStores(t), pkg.NewNop())
	require.NoError(t, err)
	assert.Equal(t, "node:7000", a.Self().Address)

	named := testConfig(1)
	named.NodeID = "alpha"
	b, err := New(named, network.Transport(named.Address()), memoryStores(t), pkg.NewNop())
	require.NoError(t, err)
	assert.NotEqual(t, a.ID(), b.ID())

	status := b.Status()
	assert.Equal(t, b.ID().String(), status.ID)
	assert.Equal(t, 1, status.Members)
	assert.Equal(t, 1, status.Alive)
	assert.Zero(t, status.Voters)
}

func TestNode_SingleNodeSubmit(t *testing.T) {
	network := transport.NewMemoryNetwork()
	n := startNode(t, network, testConfig(0))
	ctx := context.Background()

	require.NoError(t, n.Bootstrap(ctx))
	assert.Equal(t, 1, n.Status().Voters)

	for i := 0; i < 3; i++ {
		receipt, err := n.Submit(ctx, []byte(fmt.Sprintf("tx%d", i)))
		require.NoError(t, err)
		assert.Equal(t, uint64(i+1), receipt.Index)
		assert.NotEmpty(t, receipt.TxID)
	}

	entry, err := n.ReadEntry(ctx, 2)
	require.NoError(t, err)
	tx, ok, err := DecodeTransaction(entry)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, TxData, tx.Kind)
	assert.Equal(t, []byte("tx1"), tx.Data)

	entries, err := n.Entries(ctx, 2, 10)
	require.NoError(t, err)
	assert.Len(t, entries, 2)

	_, err = n.ReadEntry(ctx, 9)
	assert.ErrorIs(t, err, pkg.ErrNotFound)
}

func TestNode_ClusterReplicatesLog(t *testing.T) {
	network, nodes := newCluster(t, 3)
	ctx := context.Background()

	rec := &recorder{}
	nodes[2].SetBroadcaster(rec)

	receipt, err := nodes[1].Submit(ctx, []byte("tx1"))
	require.NoError(t, err)
	require.Eventually(t, logsConverge(nodes, receipt.Index+1), waitFor, tick)

	want, err := nodes[1].ReadEntry(ctx, receipt.Index)
	require.NoError(t, err)
	for _, n := range nodes {
		got, err := n.ReadEntry(ctx, receipt.Index)
		require.NoError(t, err)
		assert.Equal(t, want.Payload, got.Payload)
	}

	assert.Eventually(t, func() bool { return rec.has(EventCommit, "") }, waitFor, tick)

	late := startNode(t, network, testConfig(3))
	require.NoError(t, late.Join(ctx, nodes[0].Self().Address))
	assert.Eventually(t, func() bool { return rec.has(EventMember, late.Self().Address) }, waitFor, tick)
}

func TestNode_ConcurrentSubmitsAgree(t *testing.T) {
	_, nodes := newCluster(t, 3)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i, n := range nodes {
		for j := 0; j < 2; j++ {
			wg.Add(1)
			go func(n *Node, data string) {
				defer wg.Done()
				_, err := n.Submit(ctx, []byte(data))
				assert.NoError(t, err)
			}(n, fmt.Sprintf("n%d-tx%d", i, j))
		}
	}
	wg.Wait()

	length := nodes[0].Log().Length()
	require.GreaterOrEqual(t, length, uint64(9), "three admissions and six submissions")
	require.Eventually(t, logsConverge(nodes, length), waitFor, tick)

	seen := map[string]bool{}
	for i := uint64(0); i < length; i++ {
		var payloads [][]byte
		for _, n := range nodes {
			e, err := n.Log().Get(ctx, i)
			require.NoError(t, err)
			payloads = append(payloads, e.Payload)
		}
		assert.Equal(t, payloads[0], payloads[1], "index %d", i)
		assert.Equal(t, payloads[0], payloads[2], "index %d", i)

		tx, ok, err := DecodeTransaction(protocol.LogEntry{Index: i, Payload: payloads[0]})
		require.NoError(t, err)
		if ok && tx.Kind == TxData {
			assert.False(t, seen[tx.ID], "transaction %s committed twice", tx.ID)
			seen[tx.ID] = true
		}
	}
	assert.Len(t, seen, 6)
}

func TestNode_Messages(t *testing.T) {
	_, nodes := newCluster(t, 4)
	ctx := context.Background()

	first, err := nodes[0].SendMessage(ctx, "alice", "bob", []byte("hello bob"))
	require.NoError(t, err)
	second, err := nodes[1].SendMessage(ctx, "carol", "bob", []byte("hi again"))
	require.NoError(t, err)
	_, err = nodes[2].SendMessage(ctx, "bob", "alice", []byte("hey alice"))
	require.NoError(t, err)

	assert.Less(t, first.Sequence, second.Sequence, "sequence follows commit order")

	got, err := nodes[3].GetMessage(ctx, "bob", first.Sequence)
	require.NoError(t, err)
	assert.Equal(t, "alice", got.Sender)
	assert.Equal(t, []byte("hello bob"), got.Payload)
	assert.Equal(t, first.Sequence, got.Sequence)

	_, err = nodes[3].GetMessage(ctx, "alice", first.Sequence)
	assert.ErrorIs(t, err, pkg.ErrNotFound)

	length := nodes[2].Log().Length()
	require.Eventually(t, logsConverge(nodes, length), waitFor, tick)

	inbox, err := nodes[3].Inbox(ctx, "bob")
	require.NoError(t, err)
	require.Len(t, inbox, 2)
	assert.Equal(t, []byte("hello bob"), inbox[0].Payload)
	assert.Equal(t, []byte("hi again"), inbox[1].Payload)
	assert.Equal(t, second.Sequence, inbox[1].Sequence)

	_, err = nodes[0].SendMessage(ctx, "alice", "", []byte("nobody"))
	assert.Error(t, err)
}

func TestNode_JoinCatchesUp(t *testing.T) {
	network, nodes := newCluster(t, 3)
	ctx := context.Background()
	base := nodes[0].Log().Length()

	// More entries than one sync batch.
	for i := 0; i < 10; i++ {
		_, err := nodes[i%3].Submit(ctx, []byte(fmt.Sprintf("tx%d", i)))
		require.NoError(t, err)
	}
	require.Eventually(t, logsConverge(nodes, base+10), waitFor, tick)

	late := startNode(t, network, testConfig(3))
	require.NoError(t, late.Join(ctx, nodes[0].Self().Address))
	// The copied log plus the late node's own JOIN.
	assert.Equal(t, base+11, late.Log().Length())

	for i := uint64(0); i < base+10; i++ {
		want, _ := nodes[0].Log().Get(ctx, i)
		got, err := late.Log().Get(ctx, i)
		require.NoError(t, err)
		assert.Equal(t, want.Payload, got.Payload)
	}

	// Joining again through another node admits nothing new.
	require.NoError(t, late.Join(ctx, nodes[1].Self().Address))
	assert.Equal(t, base+11, late.Log().Length())

	_, err := late.Submit(ctx, []byte("after join"))
	require.NoError(t, err)
	all := append(nodes, late)
	require.Eventually(t, logsConverge(all, base+12), waitFor, tick)
	for _, n := range all {
		assert.Equal(t, 4, n.Status().Voters)
	}
}

func TestNode_JoinErrors(t *testing.T) {
	network := transport.NewMemoryNetwork()
	n := startNode(t, network, testConfig(0))
	ctx := context.Background()

	assert.Error(t, n.Join(ctx, ""))
	assert.Error(t, n.Join(ctx, n.Self().Address))
	assert.ErrorIs(t, n.Join(ctx, "node:9999"), pkg.ErrUnreachable)

	// Neither founded nor joined.
	_, err := n.Submit(ctx, []byte("x"))
	assert.ErrorIs(t, err, pkg.ErrNotMember)

	// A peer that never founded a network has nothing to admit n into.
	other := startNode(t, network, testConfig(1))
	assert.ErrorIs(t, n.Join(ctx, other.Self().Address), pkg.ErrNotMember)
	assert.Zero(t, n.Log().Length())
}

func TestNode_ReadEntryFromDHT(t *testing.T) {
	network, nodes := newCluster(t, 3)
	ctx := context.Background()

	receipt, err := nodes[0].Submit(ctx, []byte("replicated"))
	require.NoError(t, err)

	// A reader that knows the peers but never syncs its log.
	cfg := testConfig(5)
	cfg.HeartbeatInterval = time.Hour
	cfg.HeartbeatTimeout = 2 * time.Hour
	reader := startNode(t, network, cfg)
	for _, n := range nodes {
		reader.Table().Touch(n.Self())
	}

	entry, err := reader.ReadEntry(ctx, receipt.Index)
	require.NoError(t, err)
	assert.Equal(t, receipt.Index, entry.Index)
	assert.Zero(t, reader.Log().Length())

	tx, ok, err := DecodeTransaction(entry)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, receipt.TxID, tx.ID)
}

func TestNode_MinorityPartition(t *testing.T) {
	network, nodes := newCluster(t, 3)
	ctx := context.Background()

	rec := &recorder{}
	nodes[0].SetBroadcaster(rec)

	isolated := nodes[2].Self().Address
	network.Isolate(isolated)

	receipt, err := nodes[0].Submit(ctx, []byte("during partition"))
	require.NoError(t, err, "two of three nodes still form a majority")

	require.Eventually(t, func() bool {
		n, _ := nodes[0].Table().Get(nodes[2].ID())
		return !n.Alive
	}, waitFor, tick)
	assert.True(t, rec.has(EventNodeDead, isolated))

	shortCtx, cancel := context.WithTimeout(ctx, 300*time.Millisecond)
	defer cancel()
	_, err = nodes[2].Submit(shortCtx, []byte("from the minority"))
	assert.Error(t, err)

	network.Heal()

	require.Eventually(t, func() bool {
		n, _ := nodes[0].Table().Get(nodes[2].ID())
		return n.Alive
	}, waitFor, tick)
	assert.True(t, rec.has(EventNodeJoin, isolated))

	// The healed node catches up through heartbeats.
	require.Eventually(t, func() bool {
		return nodes[2].Log().Length() > receipt.Index
	}, waitFor, tick)
	want, _ := nodes[0].Log().Get(ctx, receipt.Index)
	got, err := nodes[2].Log().Get(ctx, receipt.Index)
	require.NoError(t, err)
	assert.Equal(t, want.Payload, got.Payload)
}

func TestNode_EightNodesShareVotersAndMinorityStalls(t *testing.T) {
	network, nodes := newCluster(t, 8)
	ctx := context.Background()

	length := nodes[0].Log().Length()
	require.Eventually(t, logsConverge(nodes, length), waitFor, tick)

	// Every node derives the same voting set from the same log, whatever its
	// table looked like while others were still joining.
	want, err := nodes[0].roster.Voters(ctx, length)
	require.NoError(t, err)
	require.Len(t, want, 8)
	for _, n := range nodes[1:] {
		got, err := n.roster.Voters(ctx, length)
		require.NoError(t, err)
		assert.Equal(t, voterIDs(want), voterIDs(got), "node %s", n.Self().Address)
		assert.Equal(t, 8, n.Table().Len())
	}

	minority, majority := nodes[6:], nodes[:6]
	network.Partition(addresses(minority), addresses(majority))

	shortCtx, cancel := context.WithTimeout(ctx, 500*time.Millisecond)
	defer cancel()
	_, err = minority[0].Submit(shortCtx, []byte("from two of eight"))
	assert.Error(t, err)
	for _, n := range minority {
		assert.Equal(t, length, n.Log().Length(), "the minority must not commit")
	}

	receipt, err := majority[0].Submit(ctx, []byte("from six of eight"))
	require.NoError(t, err)
	assert.Equal(t, length, receipt.Index)

	network.Heal()
	require.Eventually(t, logsConverge(nodes, length+1), waitFor, tick)

	decided, err := majority[0].Log().Get(ctx, length)
	require.NoError(t, err)
	for _, n := range nodes {
		got, err := n.Log().Get(ctx, length)
		require.NoError(t, err)
		assert.Equal(t, decided.Payload, got.Payload, "node %s", n.Self().Address)
	}
}

func TestNode_HeartbeatsSpreadPeers(t *testing.T) {
	network := transport.NewMemoryNetwork()
	a := startNode(t, network, testConfig(0))
	b := startNode(t, network, testConfig(1))
	c := startNode(t, network, testConfig(2))

	// a only knows b and c only knows a; gossip fills in the rest.
	a.Table().Touch(b.Self())
	c.Table().Touch(a.Self())

	require.Eventually(t, func() bool {
		for _, n := range []*Node{a, b, c} {
			if len(n.Table().AliveSet()) != 3 {
				return false
			}
		}
		return true
	}, waitFor, tick, "peers did not spread")
}

func TestNode_RestartKeepsLog(t *testing.T) {
	path := filepath.Join(t.TempDir(), "node.db")
	ctx := context.Background()

	open := func() (*pkg.BoltDB, Stores) {
		db, err := pkg.OpenBolt(path)
		require.NoError(t, err)
		var s Stores
		s.Log, err = db.Bucket("log")
		require.NoError(t, err)
		s.Acceptor, err = db.Bucket("acceptor")
		require.NoError(t, err)
		s.DHT, err = db.Bucket("dht")
		require.NoError(t, err)
		return db, s
	}

	cfg := testConfig(0)
	db, stores := open()
	n, err := New(cfg, transport.NewMemoryNetwork().Transport(cfg.Address()), stores, pkg.NewNop())
	require.NoError(t, err)
	require.NoError(t, n.Start())
	require.NoError(t, n.Bootstrap(ctx))
	_, err = n.Submit(ctx, []byte("durable"))
	require.NoError(t, err)
	_, err = n.SendMessage(ctx, "alice", "bob", []byte("kept"))
	require.NoError(t, err)
	require.NoError(t, n.Shutdown())
	require.NoError(t, db.Close())

	db, stores = open()
	defer db.Close()
	n, err = New(cfg, transport.NewMemoryNetwork().Transport(cfg.Address()), stores, pkg.NewNop())
	require.NoError(t, err)
	require.NoError(t, n.Start())
	defer n.Shutdown()

	assert.Equal(t, uint64(3), n.Log().Length())
	msg, err := n.GetMessage(ctx, "bob", 2)
	require.NoError(t, err)
	assert.Equal(t, []byte("kept"), msg.Payload)

	require.NoError(t, n.Bootstrap(ctx), "an existing log is not founded again")
	assert.Equal(t, uint64(3), n.Log().Length())
	assert.Equal(t, 1, n.Status().Voters)

	receipt, err := n.Submit(ctx, []byte("after restart"))
	require.NoError(t, err)
	assert.Equal(t, uint64(3), receipt.Index)
}

func TestNode_ShutdownIdempotent(t *testing.T) {
	network := transport.NewMemoryNetwork()
	cfg := testConfig(0)
	n, err := New(cfg, network.Transport(cfg.Address()), memoryStores(t), pkg.NewNop())
	require.NoError(t, err)
	require.NoError(t, n.Start())

	assert.False(t, n.IsShutdown())
	require.NoError(t, n.Shutdown())
	require.NoError(t, n.Shutdown())
	assert.True(t, n.IsShutdown())

	ctx := context.Background()
	_, err = n.Submit(ctx, []byte("late"))
	assert.ErrorIs(t, err, pkg.ErrNodeShutdown)
	_, err = n.SendMessage(ctx, "a", "b", nil)
	assert.ErrorIs(t, err, pkg.ErrNodeShutdown)
	assert.ErrorIs(t, n.Join(ctx, "node:7001"), pkg.ErrNodeShutdown)
	assert.ErrorIs(t, n.Bootstrap(ctx), pkg.ErrNodeShutdown)
}

func TestDecodeTransaction(t *testing.T) {
	_, ok, err := DecodeTransaction(protocol.LogEntry{Index: 3})
	require.NoError(t, err)
	assert.False(t, ok, "gap filler")

	_, _, err = DecodeTransaction(protocol.LogEntry{Index: 4, Payload: []byte("{not json")})
	assert.Error(t, err)

	tx, ok, err := DecodeTransaction(protocol.LogEntry{
		Index:   9,
		Payload: []byte(`{"id":"x","kind":"message","message":{"Sender":"a","Recipient":"b"}}`),
	})
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, uint64(9), tx.Message.Sequence)
}
