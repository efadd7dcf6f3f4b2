// Package txlog implements the ordered, append-only transaction log.
package txlog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"sync"

	"github.com/nurleq/persistent-data-network/internal/protocol"
	"github.com/nurleq/persistent-data-network/pkg"
)

// Key format for log entries: zero padded so keys sort by index.
const keyFormat = "%020d"

// EntryKey returns the store key of the entry at index.
func EntryKey(index uint64) string {
	return fmt.Sprintf(keyFormat, index)
}

// Log is the committed prefix of the replicated log. Indices start at 0 and
// are contiguous; an entry is written exactly once.
type Log struct {
	store  pkg.Store
	logger *pkg.Logger

	length uint64
	fault  error
	notify chan struct{} // closed and replaced on every append
	mu     sync.RWMutex
}

// Open loads a log from store, recovering its length by probing the
// contiguous run of keys starting at index 0.
func Open(ctx context.Context, store pkg.Store, logger *pkg.Logger) (*Log, error) {
	if store == nil {
		return nil, fmt.Errorf("store cannot be nil")
	}
	if logger == nil {
		logger = pkg.NewNop()
	}

	l := &Log{
		store:  store,
		logger: logger.WithFields(pkg.Fields{"component": "txlog"}),
		notify: make(chan struct{}),
	}

	for {
		_, err := store.Get(ctx, EntryKey(l.length))
		if errors.Is(err, pkg.ErrKeyNotFound) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to recover log: %w", err)
		}
		l.length++
	}

	if l.length > 0 {
		l.logger.Info().Uint64("length", l.length).Msg("Recovered transaction log")
	}
	return l, nil
}

// Length returns the number of committed entries.
func (l *Log) Length() uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.length
}

// Err returns the ordering fault that disabled the log, if any.
func (l *Log) Err() error {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.fault
}

// Append commits value at index. index must equal Length(); anything else
// is an ordering bug, reported as pkg.ErrOutOfOrder, after which the log
// refuses every further append.
func (l *Log) Append(ctx context.Context, index uint64, proposal protocol.ProposalNumber, value []byte) (protocol.LogEntry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.fault != nil {
		return protocol.LogEntry{}, l.fault
	}
	if index != l.length {
		l.fault = fmt.Errorf("%w: append at %d, log length %d", pkg.ErrOutOfOrder, index, l.length)
		l.logger.Error().Err(l.fault).Msg("Transaction log disabled")
		return protocol.LogEntry{}, l.fault
	}

	entry := protocol.LogEntry{
		Index:     index,
		Proposal:  proposal,
		Payload:   append([]byte(nil), value...),
		Committed: true,
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return protocol.LogEntry{}, fmt.Errorf("failed to encode entry: %w", err)
	}
	if err := l.store.Set(ctx, EntryKey(index), data, 0); err != nil {
		return protocol.LogEntry{}, fmt.Errorf("failed to persist entry %d: %w", index, err)
	}

	l.length++
	close(l.notify)
	l.notify = make(chan struct{})

	l.logger.Debug().
		Uint64("index", index).
		Str("proposal", proposal.String()).
		Msg("Entry committed")

	return entry, nil
}

// Get returns the committed entry at index, or pkg.ErrNotFound.
func (l *Log) Get(ctx context.Context, index uint64) (protocol.LogEntry, error) {
	if index >= l.Length() {
		return protocol.LogEntry{}, fmt.Errorf("%w: log entry %d", pkg.ErrNotFound, index)
	}

	data, err := l.store.Get(ctx, EntryKey(index))
	if errors.Is(err, pkg.ErrKeyNotFound) {
		return protocol.LogEntry{}, fmt.Errorf("%w: log entry %d", pkg.ErrNotFound, index)
	}
	if err != nil {
		return protocol.LogEntry{}, err
	}

	var entry protocol.LogEntry
	if err := json.Unmarshal(data, &entry); err != nil {
		return protocol.LogEntry{}, fmt.Errorf("failed to decode entry %d: %w", index, err)
	}
	return entry, nil
}

// Entries returns a lazy sequence of committed entries starting at from. The
// sequence ends at the length observed when iteration reaches it, so ranging
// over it again later picks up newer entries.
func (l *Log) Entries(ctx context.Context, from uint64) iter.Seq2[protocol.LogEntry, error] {
	return func(yield func(protocol.LogEntry, error) bool) {
		for i := from; i < l.Length(); i++ {
			if err := ctx.Err(); err != nil {
				yield(protocol.LogEntry{}, err)
				return
			}
			entry, err := l.Get(ctx, i)
			if !yield(entry, err) || err != nil {
				return
			}
		}
	}
}

// Wait blocks until the entry at index is committed or ctx is done.
func (l *Log) Wait(ctx context.Context, index uint64) error {
	for {
		l.mu.RLock()
		length, notify := l.length, l.notify
		l.mu.RUnlock()

		if index < length {
			return nil
		}
		select {
		case <-notify:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Follow streams committed entries from index from onwards, waiting for new
// commits, until ctx is canceled. The channel is closed on return.
func (l *Log) Follow(ctx context.Context, from uint64) <-chan protocol.LogEntry {
	out := make(chan protocol.LogEntry)

	go func() {
		defer close(out)
		for next := from; ; next++ {
			if err := l.Wait(ctx, next); err != nil {
				return
			}
			entry, err := l.Get(ctx, next)
			if err != nil {
				l.logger.Warn().Err(err).Uint64("index", next).Msg("Follow stopped")
				return
			}
			select {
			case out <- entry:
			case <-ctx.Done():
				return
			}
		}
	}()

	return out
}
