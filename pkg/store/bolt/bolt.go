// Package bolt stores snapshots and journals in an embedded bbolt database file. It
// is the default backend for single-node deployments.
package bolt

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/surrealdb/surrealcollab/pkg/crdt"
	"github.com/surrealdb/surrealcollab/pkg/store"
	bbolt "go.etcd.io/bbolt"
)

var (
	snapshotsBucket = []byte("snapshots")
	journalBucket   = []byte("journal")
)

// Store is a bbolt-backed store. The journal bucket holds one nested bucket per
// document keyed by store.JournalKey.
type Store struct {
	db *bbolt.DB
}

var _ store.Store = (*Store)(nil)

// Open opens or creates the database file at path.
func Open(path string) (*Store, error) {
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open bolt database %s: %w", path, err)
	}
	s := &Store{db: db}
	if err := s.Migrate(context.Background()); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Migrate creates the top-level buckets.
func (s *Store) Migrate(ctx context.Context) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		for _, name := range [][]byte{snapshotsBucket, journalBucket} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return fmt.Errorf("create bucket %s: %w", name, err)
			}
		}
		return nil
	})
}

func (s *Store) LoadSnapshot(ctx context.Context, id crdt.DocumentID) (*store.Snapshot, error) {
	var data []byte
	err := s.db.View(func(tx *bbolt.Tx) error {
		if v := tx.Bucket(snapshotsBucket).Get([]byte(id)); v != nil {
			data = bytes.Clone(v)
		}
		return nil
	})
	if err != nil || data == nil {
		return nil, err
	}
	return store.DecodeSnapshot(data)
}

func (s *Store) SaveSnapshot(ctx context.Context, snap *store.Snapshot) error {
	data, err := store.EncodeSnapshot(snap)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(snapshotsBucket).Put([]byte(snap.DocumentID), data)
	})
}

func (s *Store) AppendJournal(ctx context.Context, id crdt.DocumentID, ops []crdt.Operation) error {
	if len(ops) == 0 {
		return nil
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		b, err := tx.Bucket(journalBucket).CreateBucketIfNotExists([]byte(id))
		if err != nil {
			return err
		}
		for _, op := range ops {
			key := []byte(store.JournalKey(op.ID))
			if b.Get(key) != nil {
				continue
			}
			data, err := store.EncodeOperation(op)
			if err != nil {
				return err
			}
			if err := b.Put(key, data); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *Store) LoadJournal(ctx context.Context, id crdt.DocumentID) ([]crdt.Operation, error) {
	var ops []crdt.Operation
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(journalBucket).Bucket([]byte(id))
		if b == nil {
			return nil
		}
		return b.ForEach(func(_, v []byte) error {
			op, err := store.DecodeOperation(v)
			if err != nil {
				return err
			}
			ops = append(ops, op)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	crdt.SortCausal(ops)
	return ops, nil
}

func (s *Store) TrimJournal(ctx context.Context, id crdt.DocumentID, covered crdt.StateVector) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(journalBucket).Bucket([]byte(id))
		if b == nil {
			return nil
		}
		var doomed [][]byte
		err := b.ForEach(func(k, v []byte) error {
			op, err := store.DecodeOperation(v)
			if err != nil {
				return err
			}
			if covered.Covers(op.ID) {
				doomed = append(doomed, bytes.Clone(k))
			}
			return nil
		})
		if err != nil {
			return err
		}
		for _, k := range doomed {
			if err := b.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *Store) Close() error {
	return s.db.Close()
}
