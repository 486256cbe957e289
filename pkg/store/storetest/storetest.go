// Package storetest is a conformance suite run against every store backend.
package storetest

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/surrealdb/surrealcollab/pkg/crdt"
	"github.com/surrealdb/surrealcollab/pkg/store"
)

// Factory opens a fresh, migrated store for one subtest.
type Factory func(t *testing.T) store.Store

// RequireEnv skips the test unless the environment variable is set, and returns its
// value. Backends that need an external server use it to stay out of unit runs.
func RequireEnv(t *testing.T, key string) string {
	t.Helper()
	v := os.Getenv(key)
	if v == "" {
		t.Skipf("%s not set; skipping integration test", key)
	}
	return v
}

// DocumentID returns a document id unique to the running test, so tests sharing an
// external database do not see each other's data.
func DocumentID(t *testing.T) crdt.DocumentID {
	return crdt.DocumentID(t.Name() + "-" + time.Now().Format("150405.000000000"))
}

func history(t *testing.T) (*crdt.Doc, []crdt.Operation) {
	t.Helper()
	a := crdt.NewDoc("alice")
	b := crdt.NewDoc("bob")
	var ops []crdt.Operation
	add := func(op *crdt.Operation, err error) {
		require.NoError(t, err)
		ops = append(ops, *op)
	}
	add(a.LocalInsert(0, "Hello"))
	add(a.LocalInsert(5, "\nworld"))
	for _, op := range ops {
		_, err := b.Apply(op)
		require.NoError(t, err)
	}
	add(b.LocalFormat(0, 5, "bold", "true"))
	add(b.LocalDelete(6, 1))
	_, err := a.Apply(ops[2])
	require.NoError(t, err)
	_, err = a.Apply(ops[3])
	require.NoError(t, err)
	return a, ops
}

func snapshotOf(t *testing.T, id crdt.DocumentID, doc *crdt.Doc) *store.Snapshot {
	t.Helper()
	state, err := doc.MarshalState()
	require.NoError(t, err)
	return &store.Snapshot{
		DocumentID:  id,
		StateVector: doc.Vector(),
		State:       state,
		Content:     doc.Materialize(),
		SavedAt:     time.Now().UTC().Truncate(time.Millisecond),
	}
}

// Run exercises the Store contract.
func Run(t *testing.T, open Factory) {
	t.Run("missing snapshot", func(t *testing.T) {
		s := open(t)
		snap, err := s.LoadSnapshot(context.Background(), DocumentID(t))
		require.NoError(t, err)
		require.Nil(t, snap)

		ops, err := s.LoadJournal(context.Background(), DocumentID(t))
		require.NoError(t, err)
		require.Empty(t, ops)
	})

	t.Run("save and load snapshot", func(t *testing.T) {
		ctx := context.Background()
		s := open(t)
		id := DocumentID(t)
		doc, _ := history(t)
		want := snapshotOf(t, id, doc)
		require.NoError(t, s.SaveSnapshot(ctx, want))

		got, err := s.LoadSnapshot(ctx, id)
		require.NoError(t, err)
		require.NotNil(t, got)
		require.Equal(t, id, got.DocumentID)
		require.True(t, want.StateVector.Equal(got.StateVector))
		require.Equal(t, want.State, got.State)
		require.Equal(t, want.Content, got.Content)
		require.True(t, want.SavedAt.Equal(got.SavedAt), "saved at %s, loaded %s", want.SavedAt, got.SavedAt)

		restored, err := crdt.UnmarshalState(got.State, "")
		require.NoError(t, err)
		require.Equal(t, doc.Text(), restored.Text())

		_, err = doc.LocalInsert(0, "> ")
		require.NoError(t, err)
		newer := snapshotOf(t, id, doc)
		require.NoError(t, s.SaveSnapshot(ctx, newer))
		got, err = s.LoadSnapshot(ctx, id)
		require.NoError(t, err)
		require.Equal(t, newer.Content, got.Content)

		other, err := s.LoadSnapshot(ctx, id+"-other")
		require.NoError(t, err)
		require.Nil(t, other)
	})

	t.Run("journal", func(t *testing.T) {
		ctx := context.Background()
		s := open(t)
		id := DocumentID(t)
		doc, ops := history(t)

		require.NoError(t, s.AppendJournal(ctx, id, ops[2:]))
		require.NoError(t, s.AppendJournal(ctx, id, ops[:3]))
		require.NoError(t, s.AppendJournal(ctx, id, nil))

		loaded, err := s.LoadJournal(ctx, id)
		require.NoError(t, err)
		require.Len(t, loaded, len(ops))

		replica := crdt.NewDoc("")
		for _, op := range loaded {
			res, err := replica.Apply(op)
			require.NoError(t, err)
			require.Equal(t, crdt.Applied, res.Status)
		}
		require.Equal(t, doc.Materialize(), replica.Materialize())

		require.NoError(t, s.TrimJournal(ctx, id, crdt.StateVector{"alice": 2}))
		loaded, err = s.LoadJournal(ctx, id)
		require.NoError(t, err)
		require.Len(t, loaded, 2)
		for _, op := range loaded {
			require.Equal(t, crdt.ClientID("bob"), op.ID.Client)
		}

		require.NoError(t, s.TrimJournal(ctx, id, doc.Vector()))
		loaded, err = s.LoadJournal(ctx, id)
		require.NoError(t, err)
		require.Empty(t, loaded)
	})
}
