package pkg

import "errors"

var (
	// ErrKeyNotFound is returned when a key doesn't exist in a Store
	ErrKeyNotFound = errors.New("key not found")

	// ErrContextCanceled is returned when the context is canceled
	ErrContextCanceled = errors.New("context canceled")

	// ErrStorageUnavailable is returned when storage is closed
	ErrStorageUnavailable = errors.New("storage unavailable")

	// ErrUnreachable is a transient transport failure; callers retry with backoff
	ErrUnreachable = errors.New("node unreachable")

	// ErrNackedProposal signals that a higher proposal number was already promised
	ErrNackedProposal = errors.New("proposal nacked")

	// ErrNoQuorum is returned when a round could not collect a strict majority
	ErrNoQuorum = errors.New("quorum not reached")

	// ErrOutOfOrder is returned when a log append does not target the next index.
	// It is fatal to the log instance that raised it.
	ErrOutOfOrder = errors.New("out of order append")

	// ErrNotFound is returned when a log entry or DHT value is absent
	ErrNotFound = errors.New("not found")

	// ErrNotMember is returned when a node that has neither founded nor joined a
	// network tries to propose
	ErrNotMember = errors.New("not a member of any network")

	// ErrNodeShutdown is returned by operations started on a stopped node
	ErrNodeShutdown = errors.New("node is shut down")

	// ErrPartialReplication means fewer than a quorum of replicas acknowledged
	ErrPartialReplication = errors.New("partial replication")
)
