package crdt

import (
	"cmp"
	"errors"
	"fmt"
	"maps"
	"slices"
)

// MaxPending bounds the number of causally early operations a Doc buffers.
const MaxPending = 10000

var errNoClient = errors.New("crdt: document has no local client id")

// Status reports what Apply did with an operation.
type Status int

const (
	// Applied means the operation was new and has been integrated.
	Applied Status = iota
	// Duplicate means the operation had already been integrated and was ignored.
	Duplicate
	// Pending means the operation arrived before its dependencies and is buffered.
	Pending
)

func (s Status) String() string {
	switch s {
	case Applied:
		return "applied"
	case Duplicate:
		return "duplicate"
	default:
		return "pending"
	}
}

// Result is returned by Apply. Integrated lists, in causal order, every operation
// that became part of the document during the call: the applied operation followed
// by any buffered operations it unblocked.
type Result struct {
	Status     Status
	Integrated []Operation
	Rejected   []Rejection
}

// Rejection is a buffered operation that turned out to be malformed once its
// dependencies arrived.
type Rejection struct {
	Op  Operation
	Err error
}

// stamp orders concurrent writes: higher Lamport clock wins, then higher client id.
type stamp struct {
	clock  uint64
	client ClientID
}

func (s stamp) after(o stamp) bool {
	if s.clock != o.clock {
		return s.clock > o.clock
	}
	return s.client > o.client
}

type mark struct {
	value string
	stamp stamp
}

type element struct {
	id      ElemID
	r       rune
	clock   uint64
	deleted bool
	marks   map[string]mark
}

func (e *element) stamp() stamp {
	return stamp{clock: e.clock, client: e.id.Client}
}

// Doc is a replica of a collaborative document.
type Doc struct {
	client  ClientID
	elems   []*element
	index   map[ElemID]*element
	visible int

	// clocks[c][i] is the Lamport clock of operation {c, i+1}. Clocks survive
	// pruning because later operations derive theirs from their dependencies.
	clocks  map[ClientID][]uint64
	vector  StateVector
	floor   StateVector
	log     []Operation
	pending map[OpID]Operation
}

// NewDoc returns an empty document. client is the id used for local edits and may
// be empty for documents that only integrate remote operations.
func NewDoc(client ClientID) *Doc {
	return &Doc{
		client:  client,
		index:   make(map[ElemID]*element),
		clocks:  make(map[ClientID][]uint64),
		vector:  NewStateVector(),
		floor:   NewStateVector(),
		pending: make(map[OpID]Operation),
	}
}

func (d *Doc) Client() ClientID {
	return d.client
}

// SetClient changes the id used for local edits.
func (d *Doc) SetClient(client ClientID) {
	d.client = client
}

// Vector returns a copy of the document's state vector.
func (d *Doc) Vector() StateVector {
	return d.vector.Clone()
}

// Floor returns a copy of the prune floor: operations at or below it are no longer
// in the log.
func (d *Doc) Floor() StateVector {
	return d.floor.Clone()
}

// Len returns the number of visible runes.
func (d *Doc) Len() int {
	return d.visible
}

// LogLen returns the number of retained operations.
func (d *Doc) LogLen() int {
	return len(d.log)
}

// PendingLen returns the number of buffered operations.
func (d *Doc) PendingLen() int {
	return len(d.pending)
}

// Apply integrates op if its dependencies are satisfied, buffers it otherwise, and
// ignores it if it was already integrated. A malformed operation is rejected with an
// error wrapping ErrMalformedOperation and leaves the document untouched.
func (d *Doc) Apply(op Operation) (Result, error) {
	if err := op.Validate(); err != nil {
		return Result{}, err
	}
	if d.vector.Covers(op.ID) {
		return Result{Status: Duplicate}, nil
	}
	if _, ok := d.pending[op.ID]; ok {
		return Result{Status: Pending}, nil
	}
	if !d.ready(op) {
		if len(d.pending) >= MaxPending {
			return Result{}, fmt.Errorf("%w: %d buffered", ErrPendingLimit, len(d.pending))
		}
		d.pending[op.ID] = op.Clone()
		return Result{Status: Pending}, nil
	}
	op = op.Clone()
	if err := d.integrate(op); err != nil {
		return Result{}, err
	}
	res := Result{Status: Applied, Integrated: []Operation{op}}
	d.drain(&res)
	return res, nil
}

func compareOpID(a, b OpID) int {
	return cmp.Or(cmp.Compare(a.Client, b.Client), cmp.Compare(a.Seq, b.Seq))
}

func (d *Doc) ready(op Operation) bool {
	return d.vector.Get(op.ID.Client) == op.ID.Seq-1 && d.vector.Dominates(op.Deps)
}

func (d *Doc) drain(res *Result) {
	for progressed := true; progressed && len(d.pending) > 0; {
		progressed = false
		ids := slices.SortedFunc(maps.Keys(d.pending), compareOpID)
		for _, id := range ids {
			op := d.pending[id]
			if d.vector.Covers(id) {
				delete(d.pending, id)
				continue
			}
			if !d.ready(op) {
				continue
			}
			delete(d.pending, id)
			progressed = true
			if err := d.integrate(op); err != nil {
				res.Rejected = append(res.Rejected, Rejection{Op: op, Err: err})
				continue
			}
			res.Integrated = append(res.Integrated, op)
		}
	}
}

func (d *Doc) clockOf(client ClientID, seq uint64) uint64 {
	if seq == 0 {
		return 0
	}
	return d.clocks[client][seq-1]
}

// lamport derives an operation's clock from its dependencies, so every replica
// computes the same value regardless of arrival order.
func (d *Doc) lamport(op Operation) uint64 {
	var highest uint64
	for client, seq := range op.Deps {
		if c := d.clockOf(client, seq); c > highest {
			highest = c
		}
	}
	return highest + 1
}

func (d *Doc) integrate(op Operation) error {
	clock := d.lamport(op)
	switch op.Kind {
	case KindInsert:
		pos := 0
		if !op.After.IsHead() {
			origin, ok := d.index[op.After]
			if !ok {
				return malformed(op.ID, "unknown origin %s", op.After)
			}
			pos = d.indexOf(origin) + 1
		}
		key := stamp{clock: clock, client: op.ID.Client}
		for pos < len(d.elems) && d.elems[pos].stamp().after(key) {
			pos++
		}
		runes := []rune(op.Text)
		inserted := make([]*element, len(runes))
		for i, r := range runes {
			e := &element{
				id:    ElemID{Client: op.ID.Client, Seq: op.ID.Seq, Offset: uint32(i)},
				r:     r,
				clock: clock,
			}
			inserted[i] = e
			d.index[e.id] = e
		}
		d.elems = slices.Insert(d.elems, pos, inserted...)
		d.visible += len(runes)
	case KindDelete, KindFormat:
		targets, err := d.rangeElements(op)
		if err != nil {
			return err
		}
		for _, e := range targets {
			if e.deleted {
				continue
			}
			if op.Kind == KindDelete {
				e.deleted = true
				d.visible--
				continue
			}
			s := stamp{clock: clock, client: op.ID.Client}
			if cur, ok := e.marks[op.Key]; ok && !s.after(cur.stamp) {
				continue
			}
			if e.marks == nil {
				e.marks = make(map[string]mark)
			}
			e.marks[op.Key] = mark{value: op.Value, stamp: s}
		}
	}
	d.vector[op.ID.Client] = op.ID.Seq
	d.clocks[op.ID.Client] = append(d.clocks[op.ID.Client], clock)
	d.log = append(d.log, op)
	return nil
}

func (d *Doc) rangeElements(op Operation) ([]*element, error) {
	var out []*element
	for _, r := range op.Ranges {
		for i := uint32(0); i < r.Length; i++ {
			e, ok := d.index[r.elem(i)]
			if !ok {
				return nil, malformed(op.ID, "unknown element %s", r.elem(i))
			}
			out = append(out, e)
		}
	}
	return out, nil
}

func (d *Doc) indexOf(e *element) int {
	return slices.Index(d.elems, e)
}

// Diff returns, in causal order, every operation the holder of remote is missing.
// It fails with ErrCausalityGap if some of those operations were already pruned.
func (d *Doc) Diff(remote StateVector) ([]Operation, error) {
	if !remote.Dominates(d.floor) {
		return nil, fmt.Errorf("%w: remote %s is behind pruned history %s", ErrCausalityGap, remote, d.floor)
	}
	var out []Operation
	for _, op := range d.log {
		if !remote.Covers(op.ID) {
			out = append(out, op)
		}
	}
	return out, nil
}

// Prune discards logged operations covered by covered and raises the prune floor.
// It returns the number of operations removed.
func (d *Doc) Prune(covered StateVector) int {
	limit := covered.Meet(d.vector)
	if d.floor.Dominates(limit) {
		return 0
	}
	d.floor = d.floor.Merge(limit)
	kept := make([]Operation, 0, len(d.log))
	for _, op := range d.log {
		if !d.floor.Covers(op.ID) {
			kept = append(kept, op)
		}
	}
	removed := len(d.log) - len(kept)
	d.log = kept
	return removed
}

func (d *Doc) nextOp(kind Kind) (Operation, error) {
	if d.client == "" {
		return Operation{}, errNoClient
	}
	return Operation{
		ID:   OpID{Client: d.client, Seq: d.vector.Get(d.client) + 1},
		Deps: d.vector.Clone(),
		Kind: kind,
	}, nil
}

func (d *Doc) applyLocal(op Operation) (*Operation, error) {
	res, err := d.Apply(op)
	if err != nil {
		return nil, err
	}
	if res.Status != Applied {
		return nil, fmt.Errorf("crdt: local operation %s was %s", op.ID, res.Status)
	}
	return &res.Integrated[0], nil
}

func (d *Doc) clamp(index int) int {
	return max(0, min(index, d.visible))
}

// visibleAt returns the element id of the i-th visible rune, or Head for i < 0.
func (d *Doc) visibleAt(i int) ElemID {
	if i < 0 {
		return Head
	}
	for _, e := range d.elems {
		if e.deleted {
			continue
		}
		if i == 0 {
			return e.id
		}
		i--
	}
	return Head
}

// visibleRanges covers n visible runes starting at index, coalescing runes of the
// same insert that are adjacent in offset.
func (d *Doc) visibleRanges(index, n int) []ElemRange {
	var out []ElemRange
	seen := 0
	for _, e := range d.elems {
		if e.deleted {
			continue
		}
		if seen >= index+n {
			break
		}
		if seen >= index {
			if k := len(out) - 1; k >= 0 {
				last := &out[k]
				if last.Start.Client == e.id.Client && last.Start.Seq == e.id.Seq && last.Start.Offset+last.Length == e.id.Offset {
					last.Length++
					seen++
					continue
				}
			}
			out = append(out, ElemRange{Start: e.id, Length: 1})
		}
		seen++
	}
	return out
}

// LocalInsert inserts text at the visible index, clamped to the document bounds,
// and returns the generated operation. Empty text is a no-op returning nil.
func (d *Doc) LocalInsert(index int, text string) (*Operation, error) {
	if text == "" {
		return nil, nil
	}
	op, err := d.nextOp(KindInsert)
	if err != nil {
		return nil, err
	}
	op.After = d.visibleAt(d.clamp(index) - 1)
	op.Text = text
	return d.applyLocal(op)
}

// LocalDelete deletes n visible runes starting at index. It returns nil when the
// range selects nothing.
func (d *Doc) LocalDelete(index, n int) (*Operation, error) {
	ranges := d.visibleRanges(d.clamp(index), n)
	if len(ranges) == 0 {
		return nil, nil
	}
	op, err := d.nextOp(KindDelete)
	if err != nil {
		return nil, err
	}
	op.Ranges = ranges
	return d.applyLocal(op)
}

// LocalFormat sets key to value on n visible runes starting at index. An empty
// value removes the mark. It returns nil when the range selects nothing.
func (d *Doc) LocalFormat(index, n int, key, value string) (*Operation, error) {
	ranges := d.visibleRanges(d.clamp(index), n)
	if len(ranges) == 0 {
		return nil, nil
	}
	op, err := d.nextOp(KindFormat)
	if err != nil {
		return nil, err
	}
	op.Ranges = ranges
	op.Key = key
	op.Value = value
	return d.applyLocal(op)
}

// Position is a cursor anchored to the element before it, so it follows concurrent
// edits. Index is the visible index at the time the position was taken and serves
// as a fallback when the anchor is not known to a replica.
type Position struct {
	After ElemID `json:"after"`
	Index int    `json:"index"`
}

// Position returns the relative position for the visible index.
func (d *Doc) Position(index int) Position {
	index = d.clamp(index)
	return Position{After: d.visibleAt(index - 1), Index: index}
}

// Resolve converts a relative position to a visible index. Positions that reference
// unknown elements fall back to their index hint, clamped to the document.
func (d *Doc) Resolve(p Position) int {
	if p.After.IsHead() {
		return 0
	}
	anchor, ok := d.index[p.After]
	if !ok {
		return d.clamp(p.Index)
	}
	n := 0
	for _, e := range d.elems {
		if !e.deleted {
			n++
		}
		if e == anchor {
			return n
		}
	}
	return d.clamp(p.Index)
}
