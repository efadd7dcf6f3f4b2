package node

import "time"

// Event types published while the node runs
const (
	EventCommit      = "commit"
	EventMessage     = "message"
	EventNodeJoin    = "node_join"
	EventMember      = "member"
	EventNodeDead    = "node_dead"
	EventReplication = "replication"
)

// EventBroadcaster receives node events. It lets external systems such as
// WebSocket clients follow the node without the node depending on them.
type EventBroadcaster interface {
	BroadcastEvent(event Event) error
}

// Event describes something that happened on the node.
type Event struct {
	Type      string `json:"type"`              // One of the Event* constants
	NodeID    string `json:"node_id"`           // Node that observed the event
	Peer      string `json:"peer,omitempty"`    // Address of the node the event is about
	Index     uint64 `json:"index"`             // Log index for commit, message and replication events
	Acked     int    `json:"acked,omitempty"`   // Replicas that acknowledged a push
	Targets   int    `json:"targets,omitempty"` // Replica set size of a push
	Timestamp int64  `json:"timestamp"`         // Unix timestamp
	Message   string `json:"message"`           // Human-readable message
}

func (n *Node) publish(e Event) {
	n.broadcasterMu.RLock()
	b := n.broadcaster
	n.broadcasterMu.RUnlock()
	if b == nil {
		return
	}

	e.NodeID = n.self.ID.Short()
	e.Timestamp = time.Now().Unix()
	if err := b.BroadcastEvent(e); err != nil {
		n.logger.Debug().Err(err).Str("event", e.Type).Msg("Failed to broadcast event")
	}
}
