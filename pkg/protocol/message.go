// Package protocol defines the messages exchanged between collaboration clients and
// the server, and the codecs used to put them on a websocket.
package protocol

import (
	"github.com/surrealdb/surrealcollab/pkg/awareness"
	"github.com/surrealdb/surrealcollab/pkg/crdt"
)

type Kind string

const (
	// KindSyncRequest opens the handshake with the client's state vector.
	KindSyncRequest Kind = "sync-request"
	// KindSyncResponse carries the operations the client is missing and the
	// server's state vector.
	KindSyncResponse Kind = "sync-response"
	// KindUpdate carries new operations in either direction.
	KindUpdate Kind = "update"
	// KindAwareness carries one client's presence; a nil Awareness means the
	// client left.
	KindAwareness Kind = "awareness"
	// KindResyncRequired tells the client its vector can no longer be served
	// incrementally and it must fetch the full state.
	KindResyncRequired   Kind = "resync-required"
	KindSnapshotRequest  Kind = "snapshot-request"
	KindSnapshotResponse Kind = "snapshot-response"
	// KindAck reports the state vector a client has integrated.
	KindAck Kind = "ack"
	// KindError reports a rejected operation or request. It does not close the
	// connection.
	KindError Kind = "error"
)

// Message is the single envelope for every kind; unused fields are omitted.
type Message struct {
	Kind        Kind             `json:"kind"`
	DocumentID  crdt.DocumentID  `json:"documentId,omitempty"`
	ClientID    crdt.ClientID    `json:"clientId,omitempty"`
	StateVector crdt.StateVector `json:"stateVector,omitempty"`
	Operations  []crdt.Operation `json:"operations,omitempty"`
	Awareness   *awareness.State `json:"awareness,omitempty"`
	State       []byte           `json:"state,omitempty"`
	Error       string           `json:"error,omitempty"`
}

func SyncRequest(doc crdt.DocumentID, client crdt.ClientID, vector crdt.StateVector) *Message {
	return &Message{Kind: KindSyncRequest, DocumentID: doc, ClientID: client, StateVector: vector}
}

func Update(doc crdt.DocumentID, client crdt.ClientID, ops []crdt.Operation) *Message {
	return &Message{Kind: KindUpdate, DocumentID: doc, ClientID: client, Operations: ops}
}

func Awareness(doc crdt.DocumentID, client crdt.ClientID, state *awareness.State) *Message {
	return &Message{Kind: KindAwareness, DocumentID: doc, ClientID: client, Awareness: state}
}

func Ack(doc crdt.DocumentID, client crdt.ClientID, vector crdt.StateVector) *Message {
	return &Message{Kind: KindAck, DocumentID: doc, ClientID: client, StateVector: vector}
}

func Error(doc crdt.DocumentID, err error) *Message {
	return &Message{Kind: KindError, DocumentID: doc, Error: err.Error()}
}
