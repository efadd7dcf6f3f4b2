package node

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/nurleq/persistent-data-network/internal/protocol"
)

// Transaction kinds
const (
	TxData    = "data"
	TxMessage = "message"
	TxJoin    = "join"
)

// Transaction is the payload committed to the log. The id makes every
// submission unique so two equal payloads still occupy separate indices.
type Transaction struct {
	ID        string            `json:"id"`
	Kind      string            `json:"kind"`
	Data      []byte            `json:"data,omitempty"`
	Message   *protocol.Message `json:"message,omitempty"`
	Member    *protocol.Peer    `json:"member,omitempty"`
	Submitted time.Time         `json:"submitted"`
}

func newTransaction(kind string) Transaction {
	return Transaction{
		ID:        uuid.NewString(),
		Kind:      kind,
		Submitted: time.Now().UTC(),
	}
}

// DecodeTransaction parses a log payload. ok is false for the empty no-op
// entries written when a gap is filled.
func DecodeTransaction(entry protocol.LogEntry) (tx Transaction, ok bool, err error) {
	if len(entry.Payload) == 0 {
		return Transaction{}, false, nil
	}
	if err := json.Unmarshal(entry.Payload, &tx); err != nil {
		return Transaction{}, false, fmt.Errorf("decode entry %d: %w", entry.Index, err)
	}
	if tx.Message != nil {
		tx.Message.Sequence = entry.Index
	}
	return tx, true, nil
}
