package txlog

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nurleq/persistent-data-network/internal/protocol"
	"github.com/nurleq/persistent-data-network/pkg"
	"github.com/nurleq/persistent-data-network/pkg/hash"
)

var testProposal = protocol.ProposalNumber{Round: 1, Node: hash.HashString("n1")}

func newTestLog(t *testing.T) *Log {
	t.Helper()
	store := pkg.NewMemoryStorage(nil)
	t.Cleanup(func() { store.Close() })

	l, err := Open(context.Background(), store, pkg.NewNop())
	require.NoError(t, err)
	return l
}

func appendN(t *testing.T, l *Log, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		idx := l.Length()
		_, err := l.Append(context.Background(), idx, testProposal, []byte(fmt.Sprintf("tx%d", idx)))
		require.NoError(t, err)
	}
}

func TestOpen_NilStore(t *testing.T) {
	_, err := Open(context.Background(), nil, nil)
	assert.Error(t, err)
}

func TestEntryKey(t *testing.T) {
	assert.Equal(t, "00000000000000000042", EntryKey(42))
	assert.Less(t, EntryKey(9), EntryKey(10), "keys sort by index")
}

func TestLog_AppendAndGet(t *testing.T) {
	ctx := context.Background()
	l := newTestLog(t)
	assert.Equal(t, uint64(0), l.Length())

	value := []byte("tx0")
	entry, err := l.Append(ctx, 0, testProposal, value)
	require.NoError(t, err)
	assert.True(t, entry.Committed)
	assert.Equal(t, uint64(1), l.Length())

	value[0] = 'X'
	got, err := l.Get(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, []byte("tx0"), got.Payload, "log keeps its own copy")
	assert.Equal(t, testProposal, got.Proposal)
	assert.True(t, got.Committed)

	_, err = l.Get(ctx, 1)
	assert.ErrorIs(t, err, pkg.ErrNotFound)
}

func TestLog_OutOfOrder(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name  string
		index uint64
	}{
		{"gap", 2},
		{"rewrite committed index", 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l := newTestLog(t)
			appendN(t, l, 1)

			_, err := l.Append(ctx, tt.index, testProposal, []byte("bad"))
			assert.ErrorIs(t, err, pkg.ErrOutOfOrder)
			assert.Equal(t, uint64(1), l.Length(), "no gap or rewrite")
			assert.ErrorIs(t, l.Err(), pkg.ErrOutOfOrder)

			// The fault is sticky, even for the correct next index.
			_, err = l.Append(ctx, 1, testProposal, []byte("good"))
			assert.ErrorIs(t, err, pkg.ErrOutOfOrder)

			got, err := l.Get(ctx, 0)
			require.NoError(t, err)
			assert.Equal(t, []byte("tx0"), got.Payload)
		})
	}
}

func TestLog_Recovery(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "log.db")

	db, err := pkg.OpenBolt(path)
	require.NoError(t, err)
	bucket, err := db.Bucket("log")
	require.NoError(t, err)

	l, err := Open(ctx, bucket, nil)
	require.NoError(t, err)
	appendN(t, l, 3)
	require.NoError(t, db.Close())

	db, err = pkg.OpenBolt(path)
	require.NoError(t, err)
	defer db.Close()
	bucket, err = db.Bucket("log")
	require.NoError(t, err)

	l, err = Open(ctx, bucket, nil)
	require.NoError(t, err)
	assert.Equal(t, uint64(3), l.Length())

	got, err := l.Get(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, []byte("tx2"), got.Payload)

	_, err = l.Append(ctx, 3, testProposal, []byte("tx3"))
	assert.NoError(t, err)
}

func TestLog_Entries(t *testing.T) {
	ctx := context.Background()
	l := newTestLog(t)
	appendN(t, l, 5)

	var indices []uint64
	for entry, err := range l.Entries(ctx, 2) {
		require.NoError(t, err)
		indices = append(indices, entry.Index)
	}
	assert.Equal(t, []uint64{2, 3, 4}, indices)

	// The sequence is restartable and sees new entries.
	seq := l.Entries(ctx, 4)
	appendN(t, l, 1)
	indices = nil
	for entry, err := range seq {
		require.NoError(t, err)
		indices = append(indices, entry.Index)
	}
	assert.Equal(t, []uint64{4, 5}, indices)

	// Early break.
	count := 0
	for range l.Entries(ctx, 0) {
		count++
		if count == 2 {
			break
		}
	}
	assert.Equal(t, 2, count)

	for range l.Entries(ctx, 10) {
		t.Fatal("no entries past the end")
	}
}

func TestLog_EntriesCanceled(t *testing.T) {
	l := newTestLog(t)
	appendN(t, l, 3)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	for _, err := range l.Entries(ctx, 0) {
		assert.ErrorIs(t, err, context.Canceled)
	}
}

func TestLog_Wait(t *testing.T) {
	l := newTestLog(t)

	done := make(chan error, 1)
	go func() { done <- l.Wait(context.Background(), 1) }()

	appendN(t, l, 1)
	select {
	case <-done:
		t.Fatal("wait returned before index 1 committed")
	case <-time.After(20 * time.Millisecond):
	}

	appendN(t, l, 1)
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("wait did not return")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, l.Wait(ctx, 100), context.DeadlineExceeded)
}

func TestLog_Follow(t *testing.T) {
	l := newTestLog(t)
	appendN(t, l, 2)

	ctx, cancel := context.WithCancel(context.Background())
	stream := l.Follow(ctx, 1)

	go func() {
		for i := uint64(2); i < 4; i++ {
			l.Append(context.Background(), i, testProposal, []byte("later"))
		}
	}()

	var got []uint64
	for entry := range stream {
		got = append(got, entry.Index)
		if len(got) == 3 {
			cancel()
			break
		}
	}
	assert.Equal(t, []uint64{1, 2, 3}, got)

	// Channel closes after cancel.
	assert.Eventually(t, func() bool {
		select {
		case _, ok := <-stream:
			return !ok
		default:
			return false
		}
	}, time.Second, 5*time.Millisecond)
}

func TestLog_ConcurrentAppend(t *testing.T) {
	l := newTestLog(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	var mu sync.Mutex
	successes := 0
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := l.Append(ctx, 0, testProposal, []byte("race")); err == nil {
				mu.Lock()
				successes++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, successes, "index 0 commits exactly once")
	assert.Equal(t, uint64(1), l.Length())
}
