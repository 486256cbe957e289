package crdt

import (
	"fmt"
	"maps"
	"slices"

	"github.com/fxamacker/cbor/v2"
)

var stateEncMode = mustEncMode()

func mustEncMode() cbor.EncMode {
	em, err := cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic(err)
	}
	return em
}

type markState struct {
	Value  string   `cbor:"v"`
	Clock  uint64   `cbor:"c"`
	Client ClientID `cbor:"o"`
}

type elementState struct {
	ID      ElemID               `cbor:"i"`
	Rune    rune                 `cbor:"r"`
	Clock   uint64               `cbor:"c"`
	Deleted bool                 `cbor:"d,omitempty"`
	Marks   map[string]markState `cbor:"m,omitempty"`
}

type docState struct {
	Elements []elementState        `cbor:"elements"`
	Clocks   map[ClientID][]uint64 `cbor:"clocks"`
	Vector   StateVector           `cbor:"vector"`
	Floor    StateVector           `cbor:"floor"`
	Log      []Operation           `cbor:"log"`
	Pending  []Operation           `cbor:"pending,omitempty"`
}

// MarshalState encodes the complete replica state, including the retained log and
// buffered operations, with deterministic CBOR.
func (d *Doc) MarshalState() ([]byte, error) {
	st := docState{
		Elements: make([]elementState, len(d.elems)),
		Clocks:   d.clocks,
		Vector:   d.vector,
		Floor:    d.floor,
		Log:      d.log,
	}
	for i, e := range d.elems {
		es := elementState{ID: e.id, Rune: e.r, Clock: e.clock, Deleted: e.deleted}
		if len(e.marks) > 0 {
			es.Marks = make(map[string]markState, len(e.marks))
			for key, m := range e.marks {
				es.Marks[key] = markState{Value: m.value, Clock: m.stamp.clock, Client: m.stamp.client}
			}
		}
		st.Elements[i] = es
	}
	for _, id := range slices.SortedFunc(maps.Keys(d.pending), compareOpID) {
		st.Pending = append(st.Pending, d.pending[id])
	}
	b, err := stateEncMode.Marshal(st)
	if err != nil {
		return nil, fmt.Errorf("crdt: encode state: %w", err)
	}
	return b, nil
}

// UnmarshalState decodes a state produced by MarshalState into a new Doc using
// client for local edits.
func UnmarshalState(data []byte, client ClientID) (*Doc, error) {
	var st docState
	if err := cbor.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("crdt: decode state: %w", err)
	}
	d := NewDoc(client)
	for _, es := range st.Elements {
		e := &element{id: es.ID, r: es.Rune, clock: es.Clock, deleted: es.Deleted}
		if len(es.Marks) > 0 {
			e.marks = make(map[string]mark, len(es.Marks))
			for key, m := range es.Marks {
				e.marks[key] = mark{value: m.Value, stamp: stamp{clock: m.Clock, client: m.Client}}
			}
		}
		if _, dup := d.index[e.id]; dup {
			return nil, fmt.Errorf("crdt: decode state: duplicate element %s", e.id)
		}
		d.elems = append(d.elems, e)
		d.index[e.id] = e
		if !e.deleted {
			d.visible++
		}
	}
	for client, clocks := range st.Clocks {
		if uint64(len(clocks)) != st.Vector.Get(client) {
			return nil, fmt.Errorf("crdt: decode state: %d clocks for %s at %d", len(clocks), client, st.Vector.Get(client))
		}
		d.clocks[client] = clocks
	}
	for client, seq := range st.Vector {
		if uint64(len(d.clocks[client])) != seq {
			return nil, fmt.Errorf("crdt: decode state: missing clocks for %s", client)
		}
	}
	if st.Vector != nil {
		d.vector = st.Vector.Clone()
	}
	if st.Floor != nil {
		d.floor = st.Floor.Clone()
	}
	d.log = st.Log
	for _, op := range st.Pending {
		d.pending[op.ID] = op
	}
	return d, nil
}
