// Package crdt implements the replicated rich-text document shared by every
// collaborator: an RGA sequence of runes with tombstones and last-writer-wins marks,
// the per-client operation log, and the state vectors used to compute deltas.
//
// A Doc is not safe for concurrent use. The server owns one Doc per session actor;
// client replicas guard theirs with a mutex.
package crdt

import "fmt"

// DocumentID identifies a collaborative document.
type DocumentID string

// ClientID identifies one editing replica. Client ids are totally ordered by byte-wise
// string comparison, which is the final tie-break between concurrent inserts.
type ClientID string

// OpID identifies an operation by its origin replica and per-client sequence number.
// Sequence numbers start at 1 and are contiguous per client.
type OpID struct {
	Client ClientID `json:"client"`
	Seq    uint64   `json:"seq"`
}

func (id OpID) String() string {
	return fmt.Sprintf("%s:%d", id.Client, id.Seq)
}

// ElemID identifies a single rune inserted by an insert operation: Offset is the
// rune's index within the operation's text. The zero ElemID is the document head.
type ElemID struct {
	Client ClientID `json:"client,omitempty"`
	Seq    uint64   `json:"seq,omitempty"`
	Offset uint32   `json:"offset,omitempty"`
}

// Head is the virtual element before the first rune of every document.
var Head = ElemID{}

func (e ElemID) IsHead() bool {
	return e == Head
}

// Op returns the id of the insert operation that created the element.
func (e ElemID) Op() OpID {
	return OpID{Client: e.Client, Seq: e.Seq}
}

func (e ElemID) String() string {
	if e.IsHead() {
		return "head"
	}
	return fmt.Sprintf("%s:%d.%d", e.Client, e.Seq, e.Offset)
}
