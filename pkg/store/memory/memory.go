// Package memory is an in-process Store for tests and ephemeral servers.
package memory

import (
	"context"
	"sync"

	"github.com/surrealdb/surrealcollab/pkg/crdt"
	"github.com/surrealdb/surrealcollab/pkg/store"
)

// Store keeps encoded snapshots and journal entries in maps, so it exercises the
// same encoding path as the durable backends.
type Store struct {
	mu        sync.RWMutex
	snapshots map[crdt.DocumentID][]byte
	journals  map[crdt.DocumentID]map[crdt.OpID][]byte
}

var _ store.Store = (*Store)(nil)

func New() *Store {
	return &Store{
		snapshots: make(map[crdt.DocumentID][]byte),
		journals:  make(map[crdt.DocumentID]map[crdt.OpID][]byte),
	}
}

func (s *Store) LoadSnapshot(ctx context.Context, id crdt.DocumentID) (*store.Snapshot, error) {
	s.mu.RLock()
	data, ok := s.snapshots[id]
	s.mu.RUnlock()
	if !ok {
		return nil, nil
	}
	return store.DecodeSnapshot(data)
}

func (s *Store) SaveSnapshot(ctx context.Context, snap *store.Snapshot) error {
	data, err := store.EncodeSnapshot(snap)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snapshots[snap.DocumentID] = data
	return nil
}

func (s *Store) AppendJournal(ctx context.Context, id crdt.DocumentID, ops []crdt.Operation) error {
	if len(ops) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	journal, ok := s.journals[id]
	if !ok {
		journal = make(map[crdt.OpID][]byte)
		s.journals[id] = journal
	}
	for _, op := range ops {
		if _, dup := journal[op.ID]; dup {
			continue
		}
		data, err := store.EncodeOperation(op)
		if err != nil {
			return err
		}
		journal[op.ID] = data
	}
	return nil
}

func (s *Store) LoadJournal(ctx context.Context, id crdt.DocumentID) ([]crdt.Operation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var ops []crdt.Operation
	for _, data := range s.journals[id] {
		op, err := store.DecodeOperation(data)
		if err != nil {
			return nil, err
		}
		ops = append(ops, op)
	}
	crdt.SortCausal(ops)
	return ops, nil
}

func (s *Store) TrimJournal(ctx context.Context, id crdt.DocumentID, covered crdt.StateVector) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for opID := range s.journals[id] {
		if covered.Covers(opID) {
			delete(s.journals[id], opID)
		}
	}
	return nil
}

func (s *Store) Migrate(ctx context.Context) error {
	return nil
}

func (s *Store) Close() error {
	return nil
}
