// Package protocol holds the data model and wire envelope shared by every
// component of a node.
package protocol

import (
	"fmt"
	"time"

	"github.com/nurleq/persistent-data-network/pkg/hash"
)

// Peer identifies a node and the address it can be reached at.
type Peer struct {
	ID      hash.ID `json:"id"`
	Address string  `json:"address"`
}

// String returns a human-readable representation of the peer.
func (p Peer) String() string {
	return fmt.Sprintf("Peer{ID: %s, Addr: %s}", p.ID.Short(), p.Address)
}

// ProposalNumber orders competing consensus attempts. Rounds are compared
// first and the proposing node id breaks ties, so two distinct proposers can
// never produce equal numbers.
type ProposalNumber struct {
	Round uint64  `json:"round"`
	Node  hash.ID `json:"node"`
}

// IsZero reports whether n is the empty number, lower than any real proposal.
func (n ProposalNumber) IsZero() bool {
	return n.Round == 0 && n.Node.IsZero()
}

// Compare returns -1, 0 or 1.
func (n ProposalNumber) Compare(other ProposalNumber) int {
	switch {
	case n.Round < other.Round:
		return -1
	case n.Round > other.Round:
		return 1
	}
	return n.Node.Compare(other.Node)
}

// Less reports whether n < other.
func (n ProposalNumber) Less(other ProposalNumber) bool {
	return n.Compare(other) < 0
}

// Greater reports whether n > other.
func (n ProposalNumber) Greater(other ProposalNumber) bool {
	return n.Compare(other) > 0
}

func (n ProposalNumber) String() string {
	if n.IsZero() {
		return "0"
	}
	return fmt.Sprintf("%d.%s", n.Round, n.Node.Short())
}

// LogEntry is one slot of the replicated transaction log. Once Committed is
// true the entry never changes.
type LogEntry struct {
	Index     uint64         `json:"index"`
	Proposal  ProposalNumber `json:"proposal"`
	Payload   []byte         `json:"payload"`
	Committed bool           `json:"committed"`
}

// Message is a user-to-user message. Its sequence number is the log index
// the message was committed at.
type Message struct {
	Sender    string    `json:"sender"`
	Recipient string    `json:"recipient"`
	Payload   []byte    `json:"payload"`
	Sequence  uint64    `json:"sequence"`
	Timestamp time.Time `json:"timestamp"`
}

// Key returns the DHT key the message is stored under.
func (m *Message) Key() hash.ID {
	return hash.MessageKey(m.Recipient, m.Sequence)
}
