// Package redis stores snapshots and journals in Redis: one string key per
// snapshot and one hash per document journal, with fields keyed by
// store.JournalKey.
package redis

import (
	"context"
	"errors"
	"fmt"

	goredis "github.com/redis/go-redis/v9"
	"github.com/surrealdb/surrealcollab/pkg/crdt"
	"github.com/surrealdb/surrealcollab/pkg/store"
)

const defaultPrefix = "collab"

// Store implements store.Store on Redis.
type Store struct {
	client goredis.UniversalClient
	prefix string
}

var _ store.Store = (*Store)(nil)

// New wraps an existing client. Keys are namespaced with prefix, or "collab" when
// prefix is empty.
func New(client goredis.UniversalClient, prefix string) *Store {
	if prefix == "" {
		prefix = defaultPrefix
	}
	return &Store{client: client, prefix: prefix}
}

// Open parses a redis:// URL and connects.
func Open(ctx context.Context, url string) (*Store, error) {
	opts, err := goredis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}
	client := goredis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return New(client, ""), nil
}

func (s *Store) snapshotKey(id crdt.DocumentID) string {
	return fmt.Sprintf("%s:snapshot:%s", s.prefix, id)
}

func (s *Store) journalKey(id crdt.DocumentID) string {
	return fmt.Sprintf("%s:journal:%s", s.prefix, id)
}

func (s *Store) LoadSnapshot(ctx context.Context, id crdt.DocumentID) (*store.Snapshot, error) {
	data, err := s.client.Get(ctx, s.snapshotKey(id)).Bytes()
	if errors.Is(err, goredis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return store.DecodeSnapshot(data)
}

func (s *Store) SaveSnapshot(ctx context.Context, snap *store.Snapshot) error {
	data, err := store.EncodeSnapshot(snap)
	if err != nil {
		return err
	}
	return s.client.Set(ctx, s.snapshotKey(snap.DocumentID), data, 0).Err()
}

func (s *Store) AppendJournal(ctx context.Context, id crdt.DocumentID, ops []crdt.Operation) error {
	if len(ops) == 0 {
		return nil
	}
	key := s.journalKey(id)
	_, err := s.client.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		for _, op := range ops {
			data, err := store.EncodeOperation(op)
			if err != nil {
				return err
			}
			pipe.HSetNX(ctx, key, store.JournalKey(op.ID), data)
		}
		return nil
	})
	return err
}

func (s *Store) LoadJournal(ctx context.Context, id crdt.DocumentID) ([]crdt.Operation, error) {
	entries, err := s.client.HGetAll(ctx, s.journalKey(id)).Result()
	if err != nil {
		return nil, err
	}
	ops := make([]crdt.Operation, 0, len(entries))
	for _, data := range entries {
		op, err := store.DecodeOperation([]byte(data))
		if err != nil {
			return nil, err
		}
		ops = append(ops, op)
	}
	crdt.SortCausal(ops)
	return ops, nil
}

func (s *Store) TrimJournal(ctx context.Context, id crdt.DocumentID, covered crdt.StateVector) error {
	ops, err := s.LoadJournal(ctx, id)
	if err != nil {
		return err
	}
	var fields []string
	for _, op := range ops {
		if covered.Covers(op.ID) {
			fields = append(fields, store.JournalKey(op.ID))
		}
	}
	if len(fields) == 0 {
		return nil
	}
	return s.client.HDel(ctx, s.journalKey(id), fields...).Err()
}

// Migrate checks connectivity; Redis needs no schema.
func (s *Store) Migrate(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *Store) Close() error {
	return s.client.Close()
}
