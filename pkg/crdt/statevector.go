package crdt

import (
	"maps"
	"slices"
	"strings"
)

// StateVector maps each client to the highest contiguous sequence number already
// incorporated. Missing entries are zero.
type StateVector map[ClientID]uint64

// Ordering is the result of comparing two state vectors component-wise.
type Ordering int

const (
	Equal Ordering = iota
	Before
	After
	Concurrent
)

func (o Ordering) String() string {
	switch o {
	case Equal:
		return "equal"
	case Before:
		return "before"
	case After:
		return "after"
	default:
		return "concurrent"
	}
}

func NewStateVector() StateVector {
	return make(StateVector)
}

func (v StateVector) Get(client ClientID) uint64 {
	return v[client]
}

// Covers reports whether the operation id has already been incorporated.
func (v StateVector) Covers(id OpID) bool {
	return id.Seq <= v[id.Client]
}

// Dominates reports whether v has seen everything o has seen.
func (v StateVector) Dominates(o StateVector) bool {
	for client, seq := range o {
		if v[client] < seq {
			return false
		}
	}
	return true
}

// Compare orders v relative to o.
func (v StateVector) Compare(o StateVector) Ordering {
	ge, le := v.Dominates(o), o.Dominates(v)
	switch {
	case ge && le:
		return Equal
	case le:
		return Before
	case ge:
		return After
	default:
		return Concurrent
	}
}

func (v StateVector) Equal(o StateVector) bool {
	return v.Compare(o) == Equal
}

// Merge returns the component-wise maximum of v and o.
func (v StateVector) Merge(o StateVector) StateVector {
	out := v.Clone()
	for client, seq := range o {
		if seq > out[client] {
			out[client] = seq
		}
	}
	return out
}

// Meet returns the component-wise minimum of v and o. Clients absent from either
// side are dropped.
func (v StateVector) Meet(o StateVector) StateVector {
	out := make(StateVector)
	for client, seq := range v {
		other := o[client]
		if other < seq {
			seq = other
		}
		if seq > 0 {
			out[client] = seq
		}
	}
	return out
}

// Clone returns a copy without zero entries.
func (v StateVector) Clone() StateVector {
	out := make(StateVector, len(v))
	for client, seq := range v {
		if seq > 0 {
			out[client] = seq
		}
	}
	return out
}

// Clients returns the clients with a non-zero entry, sorted.
func (v StateVector) Clients() []ClientID {
	clients := slices.Collect(maps.Keys(v.Clone()))
	slices.Sort(clients)
	return clients
}

func (v StateVector) String() string {
	var b strings.Builder
	b.WriteByte('{')
	for i, client := range v.Clients() {
		if i > 0 {
			b.WriteByte(' ')
		}
		b.WriteString(OpID{Client: client, Seq: v[client]}.String())
	}
	b.WriteByte('}')
	return b.String()
}
