package store

import (
	"context"

	"github.com/surrealdb/surrealcollab/pkg/crdt"
)

// ReadOnlyStore wraps a Store and rejects writes while isReadOnly returns true.
//
// The HTTP content endpoint reads snapshots through an always read-only wrapper so
// it can never mutate document state. The same wrapper with a toggled predicate
// freezes writes while documents are copied between backends.
type ReadOnlyStore struct {
	Store
	isReadOnly func() bool
}

// NewReadOnlyStore creates a read-only wrapper for a store.
func NewReadOnlyStore(store Store, isReadOnly func() bool) *ReadOnlyStore {
	return &ReadOnlyStore{
		Store:      store,
		isReadOnly: isReadOnly,
	}
}

// AlwaysReadOnly is a predicate for wrappers that never permit writes.
func AlwaysReadOnly() bool { return true }

// Unwrap returns the underlying store
func (r *ReadOnlyStore) Unwrap() Store {
	return r.Store
}

func (r *ReadOnlyStore) checkReadOnly() error {
	if r.isReadOnly() {
		return ErrReadOnly
	}
	return nil
}

func (r *ReadOnlyStore) SaveSnapshot(ctx context.Context, snap *Snapshot) error {
	if err := r.checkReadOnly(); err != nil {
		return err
	}
	return r.Store.SaveSnapshot(ctx, snap)
}

func (r *ReadOnlyStore) AppendJournal(ctx context.Context, id crdt.DocumentID, ops []crdt.Operation) error {
	if err := r.checkReadOnly(); err != nil {
		return err
	}
	return r.Store.AppendJournal(ctx, id, ops)
}

func (r *ReadOnlyStore) TrimJournal(ctx context.Context, id crdt.DocumentID, covered crdt.StateVector) error {
	if err := r.checkReadOnly(); err != nil {
		return err
	}
	return r.Store.TrimJournal(ctx, id, covered)
}

func (r *ReadOnlyStore) Migrate(ctx context.Context) error {
	if err := r.checkReadOnly(); err != nil {
		return err
	}
	return r.Store.Migrate(ctx)
}
