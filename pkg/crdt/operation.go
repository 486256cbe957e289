package crdt

import (
	"cmp"
	"errors"
	"fmt"
	"math"
	"slices"
	"unicode/utf8"
)

var (
	// ErrMalformedOperation is returned for operations that can never be applied:
	// bad ids, missing dependencies for referenced elements, or references to
	// elements that do not exist.
	ErrMalformedOperation = errors.New("crdt: malformed operation")

	// ErrCausalityGap is returned by Diff when the remote vector predates history
	// that has already been pruned from the log.
	ErrCausalityGap = errors.New("crdt: causality gap")

	// ErrPendingLimit is returned when too many causally early operations are
	// buffered waiting for their dependencies.
	ErrPendingLimit = errors.New("crdt: pending operation limit reached")
)

type Kind string

const (
	KindInsert Kind = "insert"
	KindDelete Kind = "delete"
	KindFormat Kind = "format"
)

// ElemRange addresses Length consecutive runes of a single insert operation,
// starting at Start.
type ElemRange struct {
	Start  ElemID `json:"start"`
	Length uint32 `json:"length"`
}

func (r ElemRange) elem(i uint32) ElemID {
	return ElemID{Client: r.Start.Client, Seq: r.Start.Seq, Offset: r.Start.Offset + i}
}

// Operation is an immutable edit. Deps is the state vector the operation was
// created against; Deps[ID.Client] is always ID.Seq-1.
//
// Insert places Text after the element After. Delete tombstones every element in
// Ranges. Format sets the mark Key to Value on every live element in Ranges; an
// empty Value removes the mark.
type Operation struct {
	ID     OpID        `json:"id"`
	Deps   StateVector `json:"deps,omitempty"`
	Kind   Kind        `json:"kind"`
	After  ElemID      `json:"after,omitempty"`
	Text   string      `json:"text,omitempty"`
	Ranges []ElemRange `json:"ranges,omitempty"`
	Key    string      `json:"key,omitempty"`
	Value  string      `json:"value,omitempty"`
}

func malformed(id OpID, format string, args ...any) error {
	return fmt.Errorf("%w %s: %s", ErrMalformedOperation, id, fmt.Sprintf(format, args...))
}

// Validate checks the operation in isolation, without looking at any document.
func (op Operation) Validate() error {
	if op.ID.Client == "" || op.ID.Seq == 0 {
		return malformed(op.ID, "invalid id")
	}
	if op.Deps.Get(op.ID.Client) != op.ID.Seq-1 {
		return malformed(op.ID, "dependency on own client is %d, want %d", op.Deps.Get(op.ID.Client), op.ID.Seq-1)
	}
	switch op.Kind {
	case KindInsert:
		if op.Text == "" || !utf8.ValidString(op.Text) {
			return malformed(op.ID, "insert text must be non-empty UTF-8")
		}
		if !op.After.IsHead() && !op.Deps.Covers(op.After.Op()) {
			return malformed(op.ID, "origin %s is not a dependency", op.After)
		}
	case KindDelete, KindFormat:
		if len(op.Ranges) == 0 {
			return malformed(op.ID, "%s without ranges", op.Kind)
		}
		for _, r := range op.Ranges {
			if r.Start.IsHead() || r.Length == 0 {
				return malformed(op.ID, "empty range at %s", r.Start)
			}
			if uint64(r.Start.Offset)+uint64(r.Length) > math.MaxUint32 {
				return malformed(op.ID, "range at %s overflows", r.Start)
			}
			if !op.Deps.Covers(r.Start.Op()) {
				return malformed(op.ID, "range target %s is not a dependency", r.Start)
			}
		}
		if op.Kind == KindFormat && op.Key == "" {
			return malformed(op.ID, "format without key")
		}
	default:
		return malformed(op.ID, "unknown kind %q", op.Kind)
	}
	return nil
}

// Clone returns a deep copy.
func (op Operation) Clone() Operation {
	out := op
	out.Deps = op.Deps.Clone()
	out.Ranges = slices.Clone(op.Ranges)
	return out
}

// SortCausal orders ops so that every operation follows its dependencies. An
// operation has seen strictly more history than anything it depends on, so sorting
// by the size of its dependency vector is a causal order.
func SortCausal(ops []Operation) {
	weight := func(op Operation) uint64 {
		var n uint64
		for _, seq := range op.Deps {
			n += seq
		}
		return n
	}
	slices.SortStableFunc(ops, func(a, b Operation) int {
		return cmp.Or(cmp.Compare(weight(a), weight(b)), compareOpID(a.ID, b.ID))
	})
}
