package bolt_test

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/surrealdb/surrealcollab/pkg/crdt"
	"github.com/surrealdb/surrealcollab/pkg/store"
	"github.com/surrealdb/surrealcollab/pkg/store/bolt"
	"github.com/surrealdb/surrealcollab/pkg/store/storetest"
)

func TestStore(t *testing.T) {
	storetest.Run(t, func(t *testing.T) store.Store {
		s, err := bolt.Open(filepath.Join(t.TempDir(), "collab.db"))
		require.NoError(t, err)
		t.Cleanup(func() { s.Close() })
		return s
	})
}

func TestReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "collab.db")

	s, err := bolt.Open(path)
	require.NoError(t, err)
	doc := crdt.NewDoc("alice")
	op, err := doc.LocalInsert(0, "durable")
	require.NoError(t, err)
	require.NoError(t, s.AppendJournal(ctx, "doc", []crdt.Operation{*op}))
	require.NoError(t, s.Close())

	s, err = bolt.Open(path)
	require.NoError(t, err)
	defer s.Close()
	ops, err := s.LoadJournal(ctx, "doc")
	require.NoError(t, err)
	require.Len(t, ops, 1)
	require.Equal(t, "durable", ops[0].Text)
}
