// Package store provides the durable persistence abstraction for collaborative
// documents.
//
// The [Store] interface lets the server keep snapshots and the operation journal in
// different backends behind a single API:
//
//   - [github.com/surrealdb/surrealcollab/pkg/store/memory.Store]: in-process maps,
//     for tests and throwaway servers
//   - [github.com/surrealdb/surrealcollab/pkg/store/bolt.Store]: an embedded bbolt file,
//     the default single-node backend
//   - [github.com/surrealdb/surrealcollab/pkg/store/postgres.Store]: PostgreSQL through GORM
//   - [github.com/surrealdb/surrealcollab/pkg/store/surrealdb.Store]: SurrealDB through the
//     SurrealDB Go SDK using SurrealQL
//   - [github.com/surrealdb/surrealcollab/pkg/store/redis.Store]: Redis keys and hashes
//   - [github.com/surrealdb/surrealcollab/pkg/store/mirror.Store]: coordinates a primary and
//     a secondary store so documents can be moved between backends without downtime
//
// # Snapshots
//
// A [Snapshot] is the unit of crash recovery: the encoded replica state of a
// document (including the operations still retained in its log), its state vector
// and the materialized content for non-realtime readers. Backends persist snapshots
// as opaque blobs produced by [EncodeSnapshot], which compresses the payload with
// zstd and prefixes a BLAKE3 checksum, so every backend detects corruption the same
// way.
//
// # Journal
//
// Accepted operations are appended to a per-document journal between snapshots. A
// session that crashes before its debounced save fires is rebuilt from the last
// snapshot plus the journal. [Store.TrimJournal] removes entries once a snapshot
// covering them has been saved. Journal appends are idempotent: an operation is
// keyed by its origin client and sequence number.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/surrealdb/surrealcollab/pkg/crdt"
)

var (
	// ErrReadOnly is returned by write methods of a read-only store.
	ErrReadOnly = errors.New("store: operation denied: store is read-only")

	// ErrCorruptSnapshot is returned when a stored snapshot fails its checksum or
	// cannot be decoded.
	ErrCorruptSnapshot = errors.New("store: corrupt snapshot")
)

// Snapshot is the durable form of a document.
type Snapshot struct {
	DocumentID  crdt.DocumentID   `cbor:"document"`
	StateVector crdt.StateVector  `cbor:"vector"`
	State       []byte            `cbor:"state"`
	Content     *crdt.ContentTree `cbor:"content"`
	SavedAt     time.Time         `cbor:"saved_at"`
}

// Store persists document snapshots and operation journals.
//
// Load methods return nil without error for documents that have never been saved.
// Implementations must be safe for concurrent use by multiple document sessions;
// calls for the same document are serialized by its session.
type Store interface {
	// LoadSnapshot returns the latest snapshot of the document, or nil.
	LoadSnapshot(ctx context.Context, id crdt.DocumentID) (*Snapshot, error)

	// SaveSnapshot replaces the document's snapshot.
	SaveSnapshot(ctx context.Context, snap *Snapshot) error

	// AppendJournal records accepted operations. Appending an operation that is
	// already journaled is a no-op.
	AppendJournal(ctx context.Context, id crdt.DocumentID, ops []crdt.Operation) error

	// LoadJournal returns the journaled operations in causal order.
	LoadJournal(ctx context.Context, id crdt.DocumentID) ([]crdt.Operation, error)

	// TrimJournal removes journaled operations covered by the vector.
	TrimJournal(ctx context.Context, id crdt.DocumentID, covered crdt.StateVector) error

	// Migrate prepares the backend schema. It is safe to run repeatedly.
	Migrate(ctx context.Context) error

	Close() error
}
