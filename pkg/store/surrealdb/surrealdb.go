// Package surrealdb implements [github.com/surrealdb/surrealcollab/pkg/store.Store]
// on SurrealDB with plain SurrealQL through the SurrealDB Go SDK.
//
// Snapshots are records of the collab_snapshot table whose record id is the
// document id. Journal entries are records of collab_journal with array record ids
// [document, client, seq], so re-appending an entry overwrites it with the same
// content. Binary payloads travel as CBOR byte strings.
package surrealdb

import (
	"context"
	"fmt"

	"github.com/surrealdb/surrealcollab/pkg/crdt"
	"github.com/surrealdb/surrealcollab/pkg/store"
	surrealdb "github.com/surrealdb/surrealdb.go"
)

// Config holds the connection settings.
type Config struct {
	URL       string
	Namespace string
	Database  string
	Username  string
	Password  string
}

// Store implements store.Store on SurrealDB.
type Store struct {
	db *surrealdb.DB
}

var _ store.Store = (*Store)(nil)

type snapshotRecord struct {
	Document string `json:"document"`
	Data     []byte `json:"data"`
	SavedAt  int64  `json:"saved_at"`
}

type journalRecord struct {
	Document string `json:"document"`
	Client   string `json:"client"`
	Seq      uint64 `json:"seq"`
	Data     []byte `json:"data"`
}

// Open connects, signs in when credentials are given and selects the namespace and
// database.
func Open(ctx context.Context, conf Config) (*Store, error) {
	db, err := surrealdb.FromEndpointURLString(ctx, conf.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to SurrealDB: %w", err)
	}
	if conf.Username != "" && conf.Password != "" {
		if _, err := db.SignIn(ctx, map[string]any{
			"user": conf.Username,
			"pass": conf.Password,
		}); err != nil {
			db.Close(ctx)
			return nil, fmt.Errorf("failed to authenticate: %w", err)
		}
	}
	if err := db.Use(ctx, conf.Namespace, conf.Database); err != nil {
		db.Close(ctx)
		return nil, fmt.Errorf("failed to use namespace/database: %w", err)
	}
	return &Store{db: db}, nil
}

const schema = `
DEFINE TABLE IF NOT EXISTS collab_snapshot SCHEMALESS;
DEFINE TABLE IF NOT EXISTS collab_journal SCHEMALESS;
DEFINE INDEX IF NOT EXISTS collab_journal_document ON collab_journal FIELDS document;
`

// Migrate defines the tables and the journal index.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := surrealdb.Query[any](ctx, s.db, schema, nil); err != nil {
		return fmt.Errorf("failed to define schema: %w", err)
	}
	return nil
}

func (s *Store) Close() error {
	return s.db.Close(context.Background())
}

func (s *Store) LoadSnapshot(ctx context.Context, id crdt.DocumentID) (*store.Snapshot, error) {
	res, err := surrealdb.Query[[]snapshotRecord](ctx, s.db,
		"SELECT document, data, saved_at FROM type::thing('collab_snapshot', $id)",
		map[string]any{"id": string(id)})
	if err != nil {
		return nil, fmt.Errorf("failed to load snapshot: %w", err)
	}
	if res == nil || len(*res) == 0 || len((*res)[0].Result) == 0 {
		return nil, nil
	}
	return store.DecodeSnapshot((*res)[0].Result[0].Data)
}

func (s *Store) SaveSnapshot(ctx context.Context, snap *store.Snapshot) error {
	data, err := store.EncodeSnapshot(snap)
	if err != nil {
		return err
	}
	record := snapshotRecord{Document: string(snap.DocumentID), Data: data, SavedAt: snap.SavedAt.UnixMilli()}
	_, err = surrealdb.Query[any](ctx, s.db,
		"UPSERT type::thing('collab_snapshot', $id) CONTENT $record",
		map[string]any{"id": string(snap.DocumentID), "record": record})
	if err != nil {
		return fmt.Errorf("failed to save snapshot: %w", err)
	}
	return nil
}

func (s *Store) AppendJournal(ctx context.Context, id crdt.DocumentID, ops []crdt.Operation) error {
	if len(ops) == 0 {
		return nil
	}
	entries := make([]journalRecord, 0, len(ops))
	for _, op := range ops {
		data, err := store.EncodeOperation(op)
		if err != nil {
			return err
		}
		entries = append(entries, journalRecord{
			Document: string(id),
			Client:   string(op.ID.Client),
			Seq:      op.ID.Seq,
			Data:     data,
		})
	}
	_, err := surrealdb.Query[any](ctx, s.db, `
FOR $e IN $entries {
	UPSERT type::thing('collab_journal', [$e.document, $e.client, $e.seq]) CONTENT $e;
};`, map[string]any{"entries": entries})
	if err != nil {
		return fmt.Errorf("failed to append journal: %w", err)
	}
	return nil
}

func (s *Store) LoadJournal(ctx context.Context, id crdt.DocumentID) ([]crdt.Operation, error) {
	res, err := surrealdb.Query[[]journalRecord](ctx, s.db,
		"SELECT document, client, seq, data FROM collab_journal WHERE document = $document",
		map[string]any{"document": string(id)})
	if err != nil {
		return nil, fmt.Errorf("failed to load journal: %w", err)
	}
	var ops []crdt.Operation
	if res != nil && len(*res) > 0 {
		for _, rec := range (*res)[0].Result {
			op, err := store.DecodeOperation(rec.Data)
			if err != nil {
				return nil, err
			}
			ops = append(ops, op)
		}
	}
	crdt.SortCausal(ops)
	return ops, nil
}

func (s *Store) TrimJournal(ctx context.Context, id crdt.DocumentID, covered crdt.StateVector) error {
	type bound struct {
		Client string `json:"client"`
		Seq    uint64 `json:"seq"`
	}
	bounds := make([]bound, 0, len(covered))
	for _, client := range covered.Clients() {
		bounds = append(bounds, bound{Client: string(client), Seq: covered[client]})
	}
	if len(bounds) == 0 {
		return nil
	}
	_, err := surrealdb.Query[any](ctx, s.db, `
FOR $b IN $bounds {
	DELETE collab_journal WHERE document = $document AND client = $b.client AND seq <= $b.seq;
};`, map[string]any{"document": string(id), "bounds": bounds})
	if err != nil {
		return fmt.Errorf("failed to trim journal: %w", err)
	}
	return nil
}
