package crdt_test

import (
	"errors"
	"fmt"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/surrealdb/surrealcollab/pkg/crdt"
)

// syncDocs sends everything from is missing to to.
func syncDocs(t *testing.T, from, to *crdt.Doc) {
	t.Helper()
	ops, err := from.Diff(to.Vector())
	require.NoError(t, err)
	for _, op := range ops {
		_, err := to.Apply(op)
		require.NoError(t, err)
	}
}

// mustOp returns a checker for the (op, err) pair of a local edit:
//
//	op := mustOp(t)(doc.LocalInsert(0, "x"))
func mustOp(t *testing.T) func(*crdt.Operation, error) crdt.Operation {
	return func(op *crdt.Operation, err error) crdt.Operation {
		t.Helper()
		require.NoError(t, err)
		require.NotNil(t, op)
		return *op
	}
}

func TestLocalEditing(t *testing.T) {
	doc := crdt.NewDoc("alice")

	mustOp(t)(doc.LocalInsert(0, "hello world"))
	mustOp(t)(doc.LocalInsert(5, ","))
	mustOp(t)(doc.LocalDelete(6, 1))
	mustOp(t)(doc.LocalInsert(100, "!"))
	require.Equal(t, "hello,world!", doc.Text())
	require.Equal(t, 12, doc.Len())
	require.Equal(t, crdt.StateVector{"alice": 4}, doc.Vector())

	op, err := doc.LocalDelete(50, 3)
	require.NoError(t, err)
	require.Nil(t, op)

	op, err = doc.LocalInsert(0, "")
	require.NoError(t, err)
	require.Nil(t, op)
}

func TestLocalEditWithoutClient(t *testing.T) {
	doc := crdt.NewDoc("")
	_, err := doc.LocalInsert(0, "x")
	require.Error(t, err)
}

func TestConcurrentInsertAtStart(t *testing.T) {
	a := crdt.NewDoc("client-a")
	b := crdt.NewDoc("client-b")

	opA := mustOp(t)(a.LocalInsert(0, "A"))
	opB := mustOp(t)(b.LocalInsert(0, "B"))

	_, err := a.Apply(opB)
	require.NoError(t, err)
	_, err = b.Apply(opA)
	require.NoError(t, err)

	require.Equal(t, a.Text(), b.Text())
	require.Equal(t, a.Materialize(), b.Materialize())
	// Equal clocks: the higher client id is placed first.
	require.Equal(t, "BA", a.Text())
}

func TestConcurrentInsertCausalOrderWins(t *testing.T) {
	a := crdt.NewDoc("a")
	b := crdt.NewDoc("b")

	mustOp(t)(a.LocalInsert(0, "x"))
	syncDocs(t, a, b)

	// b has seen more history, so its insert carries a higher clock and is placed
	// first even though its client id is lower than "z".
	mustOp(t)(b.LocalInsert(0, "y"))
	c := crdt.NewDoc("z")
	opZ := mustOp(t)(c.LocalInsert(0, "z"))

	_, err := b.Apply(opZ)
	require.NoError(t, err)
	syncDocs(t, b, a)
	require.Equal(t, a.Text(), b.Text())
	require.Equal(t, "yzx", a.Text())
}

func TestApplyStatus(t *testing.T) {
	src := crdt.NewDoc("a")
	op1 := mustOp(t)(src.LocalInsert(0, "ab"))
	op2 := mustOp(t)(src.LocalInsert(2, "c"))
	op3 := mustOp(t)(src.LocalDelete(0, 1))

	dst := crdt.NewDoc("")
	res, err := dst.Apply(op3)
	require.NoError(t, err)
	require.Equal(t, crdt.Pending, res.Status)

	res, err = dst.Apply(op2)
	require.NoError(t, err)
	require.Equal(t, crdt.Pending, res.Status)
	require.Equal(t, 2, dst.PendingLen())

	res, err = dst.Apply(op1)
	require.NoError(t, err)
	require.Equal(t, crdt.Applied, res.Status)
	require.Len(t, res.Integrated, 3)
	for i, op := range res.Integrated {
		require.Equal(t, uint64(i+1), op.ID.Seq)
	}
	require.Equal(t, "bc", dst.Text())
	require.Equal(t, 0, dst.PendingLen())

	res, err = dst.Apply(op2)
	require.NoError(t, err)
	require.Equal(t, crdt.Duplicate, res.Status)
	require.Empty(t, res.Integrated)
}

func TestIdempotence(t *testing.T) {
	ops, _ := randomHistory(t, 7, 3, 60)
	doc := crdt.NewDoc("")
	for _, op := range ops {
		_, err := doc.Apply(op)
		require.NoError(t, err)
	}
	content := doc.Materialize()
	vector := doc.Vector()

	for _, op := range ops {
		res, err := doc.Apply(op)
		require.NoError(t, err)
		require.Equal(t, crdt.Duplicate, res.Status)
	}
	require.Equal(t, content, doc.Materialize())
	require.Equal(t, vector, doc.Vector())
}

func TestConvergenceUnderPermutation(t *testing.T) {
	for seed := int64(1); seed <= 5; seed++ {
		t.Run(fmt.Sprintf("seed %d", seed), func(t *testing.T) {
			ops, reference := randomHistory(t, seed, 3, 80)
			want := reference.Materialize()

			rng := rand.New(rand.NewSource(seed * 31))
			for perm := 0; perm < 8; perm++ {
				shuffled := append([]crdt.Operation(nil), ops...)
				rng.Shuffle(len(shuffled), func(i, j int) { shuffled[i], shuffled[j] = shuffled[j], shuffled[i] })

				doc := crdt.NewDoc("")
				for _, op := range shuffled {
					_, err := doc.Apply(op)
					require.NoError(t, err)
				}
				require.Equal(t, 0, doc.PendingLen())
				require.Equal(t, reference.Text(), doc.Text())
				require.Equal(t, want, doc.Materialize())
				require.Equal(t, reference.Vector(), doc.Vector())
			}
		})
	}
}

func TestDiffCompleteness(t *testing.T) {
	ops, full := randomHistory(t, 11, 3, 50)

	behind := crdt.NewDoc("")
	for _, op := range ops[:len(ops)/2] {
		_, err := behind.Apply(op)
		require.NoError(t, err)
	}
	require.Equal(t, crdt.Before, behind.Vector().Compare(full.Vector()))

	missing, err := full.Diff(behind.Vector())
	require.NoError(t, err)

	seen := behind.Vector()
	for _, op := range missing {
		require.False(t, behind.Vector().Covers(op.ID), "diff contains %s which the remote has", op.ID)
		require.True(t, seen.Dominates(op.Deps), "%s emitted before its dependencies", op.ID)
		seen[op.ID.Client] = op.ID.Seq
	}
	require.True(t, seen.Equal(full.Vector()))

	for _, op := range missing {
		res, err := behind.Apply(op)
		require.NoError(t, err)
		require.Equal(t, crdt.Applied, res.Status)
	}
	require.Equal(t, full.Materialize(), behind.Materialize())

	none, err := full.Diff(full.Vector())
	require.NoError(t, err)
	require.Empty(t, none)
}

func TestPruneAndCausalityGap(t *testing.T) {
	doc := crdt.NewDoc("a")
	mustOp(t)(doc.LocalInsert(0, "abc"))
	mustOp(t)(doc.LocalInsert(3, "def"))
	saved := doc.Vector()
	mustOp(t)(doc.LocalInsert(6, "ghi"))

	require.Equal(t, 2, doc.Prune(saved))
	require.Equal(t, 1, doc.LogLen())
	require.Equal(t, saved, doc.Floor())
	require.Equal(t, 0, doc.Prune(saved))

	_, err := doc.Diff(crdt.StateVector{"a": 1})
	require.True(t, errors.Is(err, crdt.ErrCausalityGap))

	ops, err := doc.Diff(saved)
	require.NoError(t, err)
	require.Len(t, ops, 1)

	// Pruning never goes beyond what the document has integrated.
	doc.Prune(crdt.StateVector{"a": 99, "b": 5})
	require.Equal(t, crdt.StateVector{"a": 3}, doc.Floor())
	require.Equal(t, "abcdefghi", doc.Text())
}

func TestMalformedOperations(t *testing.T) {
	src := crdt.NewDoc("a")
	ins := mustOp(t)(src.LocalInsert(0, "abc"))
	del := mustOp(t)(src.LocalDelete(0, 1))

	tests := []struct {
		name string
		op   crdt.Operation
	}{
		{"missing client", crdt.Operation{ID: crdt.OpID{Seq: 1}, Kind: crdt.KindInsert, Text: "x"}},
		{"zero seq", crdt.Operation{ID: crdt.OpID{Client: "b"}, Kind: crdt.KindInsert, Text: "x"}},
		{"unknown kind", crdt.Operation{ID: crdt.OpID{Client: "b", Seq: 1}, Kind: "explode"}},
		{"own dependency mismatch", crdt.Operation{ID: crdt.OpID{Client: "b", Seq: 2}, Kind: crdt.KindInsert, Text: "x"}},
		{"empty insert", crdt.Operation{ID: crdt.OpID{Client: "b", Seq: 1}, Kind: crdt.KindInsert}},
		{"undeclared origin", crdt.Operation{ID: crdt.OpID{Client: "b", Seq: 1}, Kind: crdt.KindInsert, Text: "x", After: crdt.ElemID{Client: "a", Seq: 1}}},
		{"delete without ranges", crdt.Operation{ID: crdt.OpID{Client: "b", Seq: 1}, Kind: crdt.KindDelete}},
		{"format without key", crdt.Operation{
			ID: crdt.OpID{Client: "b", Seq: 1}, Deps: crdt.StateVector{"a": 1}, Kind: crdt.KindFormat,
			Ranges: []crdt.ElemRange{{Start: crdt.ElemID{Client: "a", Seq: 1}, Length: 1}},
		}},
		{"origin is not an insert", crdt.Operation{
			ID: crdt.OpID{Client: "b", Seq: 1}, Deps: crdt.StateVector{"a": 2}, Kind: crdt.KindInsert, Text: "x",
			After: crdt.ElemID{Client: "a", Seq: 2},
		}},
		{"range past insert", crdt.Operation{
			ID: crdt.OpID{Client: "b", Seq: 1}, Deps: crdt.StateVector{"a": 1}, Kind: crdt.KindDelete,
			Ranges: []crdt.ElemRange{{Start: crdt.ElemID{Client: "a", Seq: 1, Offset: 2}, Length: 5}},
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			doc := crdt.NewDoc("")
			for _, op := range []crdt.Operation{ins, del} {
				_, err := doc.Apply(op)
				require.NoError(t, err)
			}
			before := doc.Vector()

			_, err := doc.Apply(tt.op)
			require.Error(t, err)
			require.True(t, errors.Is(err, crdt.ErrMalformedOperation), err.Error())
			require.Equal(t, before, doc.Vector())
			require.Equal(t, "bc", doc.Text())
			require.Equal(t, 2, doc.LogLen())
		})
	}
}

func TestDeleteAndFormatOverDeleted(t *testing.T) {
	a := crdt.NewDoc("a")
	mustOp(t)(a.LocalInsert(0, "abcd"))
	b := crdt.NewDoc("b")
	syncDocs(t, a, b)

	// Both delete "bc" concurrently; b also bolds "abcd".
	mustOp(t)(a.LocalDelete(1, 2))
	mustOp(t)(b.LocalDelete(1, 2))
	syncDocs(t, a, b)
	syncDocs(t, b, a)
	require.Equal(t, "ad", a.Text())
	require.Equal(t, a.Text(), b.Text())

	c := crdt.NewDoc("c")
	mustOp(t)(c.LocalInsert(0, "wxyz"))
	d := crdt.NewDoc("d")
	syncDocs(t, c, d)
	mustOp(t)(c.LocalDelete(1, 2))
	mustOp(t)(d.LocalFormat(0, 4, "bold", "true"))
	syncDocs(t, c, d)
	syncDocs(t, d, c)

	want := &crdt.ContentTree{Blocks: []crdt.Block{{
		Type:  crdt.DefaultBlockType,
		Spans: []crdt.Span{{Text: "wz", Marks: map[string]string{"bold": "true"}}},
	}}}
	require.Equal(t, want, c.Materialize())
	require.Equal(t, want, d.Materialize())
}

func TestFormatLastWriterWins(t *testing.T) {
	a := crdt.NewDoc("a")
	mustOp(t)(a.LocalInsert(0, "text"))
	b := crdt.NewDoc("b")
	syncDocs(t, a, b)

	mustOp(t)(a.LocalFormat(0, 4, "color", "red"))
	mustOp(t)(b.LocalFormat(0, 2, "color", "blue"))
	syncDocs(t, a, b)
	syncDocs(t, b, a)

	want := []crdt.Span{
		{Text: "te", Marks: map[string]string{"color": "blue"}},
		{Text: "xt", Marks: map[string]string{"color": "red"}},
	}
	require.Equal(t, want, a.Materialize().Blocks[0].Spans)
	require.Equal(t, want, b.Materialize().Blocks[0].Spans)

	mustOp(t)(a.LocalFormat(0, 4, "color", ""))
	require.Equal(t, []crdt.Span{{Text: "text"}}, a.Materialize().Blocks[0].Spans)
}

func TestMaterializeBlocks(t *testing.T) {
	doc := crdt.NewDoc("a")
	mustOp(t)(doc.LocalInsert(0, "Intro\nTitle\nbody text"))
	mustOp(t)(doc.LocalFormat(5, 1, crdt.BlockTypeKey, "heading"))
	mustOp(t)(doc.LocalFormat(5, 1, "level", "1"))
	mustOp(t)(doc.LocalFormat(12, 4, "italic", "true"))

	tree := doc.Materialize()
	require.Equal(t, &crdt.ContentTree{Blocks: []crdt.Block{
		{Type: "paragraph", Spans: []crdt.Span{{Text: "Intro"}}},
		{Type: "heading", Attrs: map[string]string{"level": "1"}, Spans: []crdt.Span{{Text: "Title"}}},
		{Type: "paragraph", Spans: []crdt.Span{
			{Text: "body", Marks: map[string]string{"italic": "true"}},
			{Text: " text"},
		}},
	}}, tree)
	require.Equal(t, "Intro\nTitle\nbody text", tree.PlainText())
	require.Equal(t, &crdt.ContentTree{Blocks: []crdt.Block{{Type: "paragraph"}}}, crdt.NewDoc("").Materialize())
}

func TestPositionResolve(t *testing.T) {
	a := crdt.NewDoc("a")
	mustOp(t)(a.LocalInsert(0, "hello"))
	b := crdt.NewDoc("b")
	syncDocs(t, a, b)

	cursor := a.Position(3)
	require.Equal(t, 3, a.Resolve(cursor))

	mustOp(t)(b.LocalInsert(0, ">> "))
	syncDocs(t, b, a)
	require.Equal(t, 6, a.Resolve(cursor))

	mustOp(t)(a.LocalDelete(3, 1))
	require.Equal(t, 5, a.Resolve(cursor))
	mustOp(t)(a.LocalDelete(4, 1))
	require.Equal(t, 4, a.Resolve(cursor), "deleted anchor resolves to the preceding visible index")

	unknown := crdt.Position{After: crdt.ElemID{Client: "zz", Seq: 9}, Index: 400}
	require.Equal(t, a.Len(), a.Resolve(unknown))
	require.Equal(t, 0, a.Resolve(crdt.Position{}))
	require.Equal(t, 0, a.Position(-5).Index)
}

func TestStateRoundTrip(t *testing.T) {
	ops, doc := randomHistory(t, 3, 2, 40)
	doc.Prune(crdt.StateVector{"r0": 3})

	data, err := doc.MarshalState()
	require.NoError(t, err)
	again, err := doc.MarshalState()
	require.NoError(t, err)
	require.Equal(t, data, again)

	restored, err := crdt.UnmarshalState(data, "r0")
	require.NoError(t, err)
	require.Equal(t, doc.Materialize(), restored.Materialize())
	require.Equal(t, doc.Vector(), restored.Vector())
	require.Equal(t, doc.Floor(), restored.Floor())
	require.Equal(t, doc.LogLen(), restored.LogLen())

	for _, op := range ops {
		res, err := restored.Apply(op)
		require.NoError(t, err)
		require.Equal(t, crdt.Duplicate, res.Status)
	}

	mustOp(t)(restored.LocalInsert(0, "more"))
	mustOp(t)(doc.LocalInsert(0, "more"))
	require.Equal(t, doc.Text(), restored.Text())

	_, err = crdt.UnmarshalState([]byte("not cbor"), "")
	require.Error(t, err)
}

// randomHistory runs random edits on n replicas with occasional syncs and returns
// every generated operation plus a replica that has integrated all of them.
func randomHistory(t *testing.T, seed int64, n, steps int) ([]crdt.Operation, *crdt.Doc) {
	t.Helper()
	rng := rand.New(rand.NewSource(seed))
	replicas := make([]*crdt.Doc, n)
	for i := range replicas {
		replicas[i] = crdt.NewDoc(crdt.ClientID(fmt.Sprintf("r%d", i)))
	}
	words := []string{"a", "bc", "def", "\n", "xyz ", "é", "日本"}
	var ops []crdt.Operation
	for step := 0; step < steps; step++ {
		doc := replicas[rng.Intn(n)]
		var op *crdt.Operation
		var err error
		switch k := rng.Intn(10); {
		case k < 5 || doc.Len() == 0:
			op, err = doc.LocalInsert(rng.Intn(doc.Len()+1), words[rng.Intn(len(words))])
		case k < 8:
			op, err = doc.LocalDelete(rng.Intn(doc.Len()), 1+rng.Intn(3))
		default:
			op, err = doc.LocalFormat(rng.Intn(doc.Len()), 1+rng.Intn(4), "bold", []string{"", "true"}[rng.Intn(2)])
		}
		require.NoError(t, err)
		if op != nil {
			ops = append(ops, *op)
		}
		if rng.Intn(4) == 0 {
			syncDocs(t, replicas[rng.Intn(n)], replicas[rng.Intn(n)])
		}
	}
	all := crdt.NewDoc("r0")
	for _, r := range replicas {
		syncDocs(t, r, all)
	}
	for _, r := range replicas {
		syncDocs(t, all, r)
		assert.Equal(t, all.Text(), r.Text())
	}
	return ops, all
}

func TestSortCausal(t *testing.T) {
	ops, reference := randomHistory(t, 21, 3, 40)
	shuffled := append([]crdt.Operation(nil), ops...)
	rand.New(rand.NewSource(5)).Shuffle(len(shuffled), func(i, j int) { shuffled[i], shuffled[j] = shuffled[j], shuffled[i] })
	crdt.SortCausal(shuffled)

	doc := crdt.NewDoc("")
	for _, op := range shuffled {
		res, err := doc.Apply(op)
		require.NoError(t, err)
		require.Equal(t, crdt.Applied, res.Status, "%s applied before its dependencies", op.ID)
	}
	require.Equal(t, reference.Text(), doc.Text())
}
