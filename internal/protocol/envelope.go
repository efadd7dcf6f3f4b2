package protocol

import (
	"fmt"

	"github.com/nurleq/persistent-data-network/pkg/hash"
)

// Kind is the logical type of an envelope.
type Kind uint8

const (
	KindUnknown Kind = iota

	// Consensus
	KindPrepare
	KindPromise
	KindNack
	KindAccept
	KindAccepted
	KindCommit

	// DHT
	KindFindNode
	KindFindNodeReply
	KindFindValue
	KindFindValueReply
	KindStore
	KindStoreAck

	// Membership and catch-up
	KindHeartbeat
	KindHeartbeatAck
	KindSync
	KindSyncReply
)

var kindNames = map[Kind]string{
	KindPrepare:        "PREPARE",
	KindPromise:        "PROMISE",
	KindNack:           "NACK",
	KindAccept:         "ACCEPT",
	KindAccepted:       "ACCEPTED",
	KindCommit:         "COMMIT",
	KindFindNode:       "FIND_NODE",
	KindFindNodeReply:  "FIND_NODE_REPLY",
	KindFindValue:      "FIND_VALUE",
	KindFindValueReply: "FIND_VALUE_REPLY",
	KindStore:          "STORE",
	KindStoreAck:       "STORE_ACK",
	KindHeartbeat:      "HEARTBEAT",
	KindHeartbeatAck:   "HEARTBEAT_ACK",
	KindSync:           "SYNC",
	KindSyncReply:      "SYNC_REPLY",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("Kind(%d)", uint8(k))
}

// IsReply reports whether envelopes of this kind answer an earlier request.
func (k Kind) IsReply() bool {
	switch k {
	case KindPromise, KindNack, KindAccepted, KindFindNodeReply,
		KindFindValueReply, KindStoreAck, KindHeartbeatAck, KindSyncReply:
		return true
	}
	return false
}

// Accepted is the highest proposal an acceptor has accepted for an index,
// returned inside a PROMISE.
type Accepted struct {
	Proposal ProposalNumber `json:"proposal"`
	Value    []byte         `json:"value"`
}

// Envelope is the single message body exchanged between nodes. Which fields
// are meaningful depends on Kind:
//
//	PREPARE{Index, Proposal}            PROMISE{Index, Proposal, Prior?}
//	NACK{Index, Proposal}               ACCEPT{Index, Proposal, Value}
//	ACCEPTED{Index, Proposal}           COMMIT{Index, Value}
//	FIND_NODE{Key}                      FIND_NODE_REPLY{Nodes}
//	FIND_VALUE{Key}                     FIND_VALUE_REPLY{Value, Found | Nodes}
//	STORE{Key, Value}                   STORE_ACK{Key}
//	HEARTBEAT{Nodes}                    HEARTBEAT_ACK{Index=log length, Nodes}
//	SYNC{Index=from, Limit}             SYNC_REPLY{Entries}
//
// Any consensus reply may carry Committed with Value set when the index is
// already decided at the replying node.
type Envelope struct {
	Kind      Kind   `json:"kind"`
	RequestID string `json:"request_id,omitempty"`
	From      Peer   `json:"from"`

	Index     uint64         `json:"index,omitempty"`
	Proposal  ProposalNumber `json:"proposal"`
	Prior     *Accepted      `json:"prior,omitempty"`
	Value     []byte         `json:"value,omitempty"`
	Committed bool           `json:"committed,omitempty"`

	Key   hash.ID `json:"key"`
	Nodes []Peer  `json:"nodes,omitempty"`
	Found bool    `json:"found,omitempty"`

	Limit   int        `json:"limit,omitempty"`
	Entries []LogEntry `json:"entries,omitempty"`
}

// Reply builds a response envelope of the given kind correlated to e.
func (e *Envelope) Reply(kind Kind, from Peer) *Envelope {
	return &Envelope{
		Kind:      kind,
		RequestID: e.RequestID,
		From:      from,
		Index:     e.Index,
		Proposal:  e.Proposal,
		Key:       e.Key,
	}
}

func (e *Envelope) String() string {
	return fmt.Sprintf("%s{index=%d proposal=%s from=%s req=%s}",
		e.Kind, e.Index, e.Proposal, e.From.ID.Short(), e.RequestID)
}
