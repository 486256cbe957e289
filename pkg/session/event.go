package session

import (
	"time"

	"github.com/surrealdb/surrealcollab/pkg/awareness"
	"github.com/surrealdb/surrealcollab/pkg/crdt"
)

type EventKind string

const (
	// OperationApplied is published after operations are merged and broadcast.
	OperationApplied EventKind = "operation-applied"
	// PresenceChanged is published when a client's awareness is set or removed.
	// Awareness is nil for removals.
	PresenceChanged EventKind = "presence-changed"
	// SnapshotSaved is published after a snapshot is stored and the log pruned.
	SnapshotSaved EventKind = "snapshot-saved"
)

// Event is a notification from a session. Events are delivered on Config.Events
// without blocking; they are dropped when the channel is full.
type Event struct {
	Kind        EventKind
	DocumentID  crdt.DocumentID
	ClientID    crdt.ClientID
	Operations  []crdt.Operation
	Awareness   *awareness.State
	StateVector crdt.StateVector
	Pruned      int
	Time        time.Time
}
