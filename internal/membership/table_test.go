package membership

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nurleq/persistent-data-network/internal/protocol"
	"github.com/nurleq/persistent-data-network/pkg/hash"
)

func idWithLastByte(b byte) hash.ID {
	var id hash.ID
	id[hash.Size-1] = b
	return id
}

func peer(b byte) protocol.Peer {
	return protocol.Peer{ID: idWithLastByte(b), Address: fmt.Sprintf("node-%d:1", b)}
}

func ids(nodes []Node) []hash.ID {
	out := make([]hash.ID, len(nodes))
	for i, n := range nodes {
		out[i] = n.ID
	}
	return out
}

func TestNewTable(t *testing.T) {
	self := peer(1)
	table := NewTable(self)

	assert.Equal(t, self, table.Self())
	assert.Equal(t, 1, table.Len())

	n, ok := table.Get(self.ID)
	require.True(t, ok)
	assert.True(t, n.Alive)
	assert.Equal(t, self.Address, n.Address)
}

func TestTable_Upsert(t *testing.T) {
	table := NewTable(peer(1))
	hb := time.Now().Add(-time.Minute)

	table.Upsert(Node{ID: idWithLastByte(2), Address: "a:1", LastHeartbeat: hb, Alive: true})
	n, ok := table.Get(idWithLastByte(2))
	require.True(t, ok)
	assert.Equal(t, "a:1", n.Address)
	assert.Equal(t, hb, n.LastHeartbeat)

	// Update keeps the heartbeat when none is given.
	table.Upsert(Node{ID: idWithLastByte(2), Address: "b:1", Alive: false})
	n, _ = table.Get(idWithLastByte(2))
	assert.Equal(t, "b:1", n.Address)
	assert.Equal(t, hb, n.LastHeartbeat)
	assert.False(t, n.Alive)

	// Zero id and self are ignored.
	table.Upsert(Node{Address: "zero:1"})
	table.Upsert(Node{ID: idWithLastByte(1), Address: "elsewhere:1"})
	assert.Equal(t, 2, table.Len())
	self, _ := table.Get(idWithLastByte(1))
	assert.Equal(t, "node-1:1", self.Address)
}

func TestTable_Learn(t *testing.T) {
	table := NewTable(peer(1))

	table.Learn(peer(2))
	n, ok := table.Get(idWithLastByte(2))
	require.True(t, ok)
	assert.True(t, n.Alive)
	assert.False(t, n.LastHeartbeat.IsZero(), "a learned peer gets one timeout to answer")

	table.MarkDead(n.ID)
	table.Learn(peer(2))
	n, _ = table.Get(idWithLastByte(2))
	assert.False(t, n.Alive, "hearsay must not revive a dead node")

	table.Learn(protocol.Peer{ID: idWithLastByte(3)})
	assert.Equal(t, 2, table.Len(), "peers without address are ignored")
}

func TestTable_Liveness(t *testing.T) {
	table := NewTable(peer(1))
	assert.True(t, table.Touch(peer(2)), "first contact is a change")
	assert.False(t, table.Touch(peer(2)))

	assert.True(t, table.MarkDead(idWithLastByte(2)))
	assert.False(t, table.MarkDead(idWithLastByte(2)), "already dead")
	assert.False(t, table.MarkDead(idWithLastByte(1)), "self can't die")
	assert.False(t, table.MarkDead(idWithLastByte(9)), "unknown")

	assert.Len(t, table.AliveSet(), 1)
	assert.Len(t, table.Snapshot(), 2, "dead nodes stay in the table")

	assert.True(t, table.MarkAlive(idWithLastByte(2)))
	assert.False(t, table.MarkAlive(idWithLastByte(9)))
	assert.Len(t, table.AliveSet(), 2)

	table.MarkDead(idWithLastByte(2))
	assert.True(t, table.Touch(peer(2)), "contact revives")
}

func TestTable_ClosestTo(t *testing.T) {
	table := NewTable(peer(0b0001))
	for _, b := range []byte{0b0010, 0b0100, 0b1000, 0b0011} {
		table.Touch(peer(b))
	}

	tests := []struct {
		name string
		key  hash.ID
		k    int
		want []hash.ID
	}{
		{
			name: "nearest first",
			key:  idWithLastByte(0b0000),
			k:    3,
			want: []hash.ID{idWithLastByte(0b0001), idWithLastByte(0b0010), idWithLastByte(0b0011)},
		},
		{
			name: "key equal to node id",
			key:  idWithLastByte(0b1000),
			k:    2,
			want: []hash.ID{idWithLastByte(0b1000), idWithLastByte(0b0001)},
		},
		{
			name: "k larger than table",
			key:  idWithLastByte(0b0100),
			k:    10,
			want: []hash.ID{
				idWithLastByte(0b0100), idWithLastByte(0b0001), idWithLastByte(0b0010),
				idWithLastByte(0b0011), idWithLastByte(0b1000),
			},
		},
		{
			name: "zero k",
			key:  idWithLastByte(0),
			k:    0,
			want: []hash.ID{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ids(table.ClosestTo(tt.key, tt.k)))
		})
	}
}

func TestTable_ClosestAliveSkipsDead(t *testing.T) {
	table := NewTable(peer(0b1000))
	table.Touch(peer(0b0001))
	table.Touch(peer(0b0010))
	table.MarkDead(idWithLastByte(0b0001))

	key := idWithLastByte(0)
	assert.Equal(t, idWithLastByte(0b0001), table.ClosestTo(key, 1)[0].ID)
	assert.Equal(t, idWithLastByte(0b0010), table.ClosestAlive(key, 1)[0].ID)
}

func TestTable_Sweep(t *testing.T) {
	now := time.Now()
	table := NewTable(peer(1))
	table.now = func() time.Time { return now }

	table.Touch(peer(2))
	table.Touch(peer(3))

	now = now.Add(3 * time.Second)
	table.Touch(peer(3))

	now = now.Add(3 * time.Second)
	changed := table.Sweep(5 * time.Second)
	require.Len(t, changed, 1)
	assert.Equal(t, idWithLastByte(2), changed[0].ID)
	assert.False(t, changed[0].Alive)

	assert.Empty(t, table.Sweep(5*time.Second), "already dead nodes are not reported again")

	self, _ := table.Get(idWithLastByte(1))
	assert.True(t, self.Alive)
}

func TestMajority(t *testing.T) {
	tests := []struct{ n, want int }{
		{1, 1}, {2, 2}, {3, 2}, {4, 3}, {5, 3}, {6, 4}, {7, 4},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Majority(tt.n), "n=%d", tt.n)
	}
}

func TestTable_Concurrent(t *testing.T) {
	table := NewTable(peer(100))
	var wg sync.WaitGroup

	for i := 1; i <= 50; i++ {
		wg.Add(1)
		go func(b byte) {
			defer wg.Done()
			table.Touch(peer(b))
			table.ClosestTo(idWithLastByte(b), 3)
			table.MarkDead(idWithLastByte(b))
			table.AliveSet()
		}(byte(i))
	}
	wg.Wait()

	assert.Equal(t, 51, table.Len())
	assert.Len(t, table.AliveSet(), 1)
}
