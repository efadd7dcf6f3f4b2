package consensus

import (
	"bytes"
	"context"
	"sync"

	"github.com/nurleq/persistent-data-network/internal/protocol"
	"github.com/nurleq/persistent-data-network/internal/txlog"
	"github.com/nurleq/persistent-data-network/pkg"
)

type decision struct {
	proposal protocol.ProposalNumber
	value    []byte
}

// learner turns decided values into log entries. Values may be decided out
// of order; they are buffered until every lower index is decided and then
// appended as a contiguous run.
type learner struct {
	log    *txlog.Log
	logger *pkg.Logger

	decided map[uint64]decision
	applied func(protocol.LogEntry)
	mu      sync.Mutex
}

func newLearner(log *txlog.Log, logger *pkg.Logger) *learner {
	return &learner{
		log:     log,
		logger:  logger.WithFields(pkg.Fields{"component": "learner"}),
		decided: make(map[uint64]decision),
	}
}

// learn records that value was decided at index and applies whatever prefix
// became contiguous.
func (l *learner) learn(ctx context.Context, index uint64, proposal protocol.ProposalNumber, value []byte) error {
	l.mu.Lock()

	if index < l.log.Length() {
		l.mu.Unlock()
		if entry, err := l.log.Get(ctx, index); err == nil && !bytes.Equal(entry.Payload, value) {
			l.logger.Error().
				Uint64("index", index).
				Str("proposal", proposal.String()).
				Msg("Conflicting value learned for committed index")
		}
		return nil
	}

	if prev, ok := l.decided[index]; ok {
		if !bytes.Equal(prev.value, value) {
			l.logger.Error().Uint64("index", index).Msg("Conflicting decisions for index")
		}
	} else {
		l.decided[index] = decision{proposal: proposal, value: append([]byte(nil), value...)}
	}

	var applied []protocol.LogEntry
	var err error
	for {
		next := l.log.Length()
		d, ok := l.decided[next]
		if !ok {
			break
		}
		var entry protocol.LogEntry
		entry, err = l.log.Append(ctx, next, d.proposal, d.value)
		if err != nil {
			break
		}
		delete(l.decided, next)
		applied = append(applied, entry)
	}
	onApply := l.applied
	l.mu.Unlock()

	if onApply != nil {
		for _, entry := range applied {
			onApply(entry)
		}
	}
	return err
}

// decision returns the value decided at index, whether applied or buffered.
func (l *learner) decision(ctx context.Context, index uint64) (decision, bool) {
	if index < l.log.Length() {
		entry, err := l.log.Get(ctx, index)
		if err != nil {
			return decision{}, false
		}
		return decision{proposal: entry.Proposal, value: entry.Payload}, true
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	d, ok := l.decided[index]
	return d, ok
}

// nextFree returns the lowest index with no known decision.
func (l *learner) nextFree() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()

	i := l.log.Length()
	for {
		if _, ok := l.decided[i]; !ok {
			return i
		}
		i++
	}
}

// gaps returns undecided indices below limit.
func (l *learner) gaps(limit uint64) []uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()

	var out []uint64
	for i := l.log.Length(); i < limit; i++ {
		if _, ok := l.decided[i]; !ok {
			out = append(out, i)
		}
	}
	return out
}

// highest returns one past the highest decided index known locally.
func (l *learner) highest() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()

	top := l.log.Length()
	for i := range l.decided {
		if i+1 > top {
			top = i + 1
		}
	}
	return top
}
