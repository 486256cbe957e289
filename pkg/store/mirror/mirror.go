// Package mirror coordinates writes between a primary and a secondary store so
// documents can be moved from one backend to another (for example PostgreSQL to
// SurrealDB) without stopping the server.
//
// The migration proceeds through modes: single (primary only), dual_write (writes
// reach both stores, reads come from the primary), read_only (writes rejected while
// the stores are compared), switching (writes reach both, reads prefer the
// secondary) and reversed (the secondary is the only store used).
package mirror

import (
	"context"
	"fmt"
	"sync"

	"github.com/surrealdb/surrealcollab/pkg/crdt"
	"github.com/surrealdb/surrealcollab/pkg/store"
)

type Mode string

const (
	ModeSingle    Mode = "single"
	ModeDualWrite Mode = "dual_write"
	ModeReadOnly  Mode = "read_only"
	ModeSwitching Mode = "switching"
	ModeReversed  Mode = "reversed"
)

// ParseMode validates a mode name.
func ParseMode(s string) (Mode, error) {
	switch m := Mode(s); m {
	case ModeSingle, ModeDualWrite, ModeReadOnly, ModeSwitching, ModeReversed:
		return m, nil
	default:
		return "", fmt.Errorf("invalid mirror mode: %s", s)
	}
}

// Store routes reads and writes between two stores according to its mode.
type Store struct {
	primary   store.Store
	secondary store.Store
	mode      Mode
	mu        sync.RWMutex
}

var _ store.Store = (*Store)(nil)

func New(primary, secondary store.Store, mode Mode) *Store {
	return &Store{primary: primary, secondary: secondary, mode: mode}
}

// SetMode switches modes. Leaving read_only is only allowed towards switching or
// back to single.
func (m *Store) SetMode(mode Mode) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.mode == ModeReadOnly && mode != ModeSwitching && mode != ModeSingle && mode != ModeReadOnly {
		return fmt.Errorf("can only transition from read_only to switching or single mode")
	}
	m.mode = mode
	return nil
}

func (m *Store) Mode() Mode {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.mode
}

// readStores returns the stores to read from, in order of preference.
func (m *Store) readStores() []store.Store {
	m.mu.RLock()
	defer m.mu.RUnlock()
	switch m.mode {
	case ModeSwitching:
		return []store.Store{m.secondary, m.primary}
	case ModeReversed:
		return []store.Store{m.secondary}
	default:
		return []store.Store{m.primary}
	}
}

func (m *Store) writeStores() ([]store.Store, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	switch m.mode {
	case ModeReadOnly:
		return nil, fmt.Errorf("%w: mirror is in read-only mode during migration", store.ErrReadOnly)
	case ModeReversed:
		return []store.Store{m.secondary}, nil
	case ModeDualWrite, ModeSwitching:
		return []store.Store{m.primary, m.secondary}, nil
	default:
		return []store.Store{m.primary}, nil
	}
}

func (m *Store) eachWrite(fn func(store.Store) error) error {
	stores, err := m.writeStores()
	if err != nil {
		return err
	}
	for i, s := range stores {
		if err := fn(s); err != nil {
			if i == 0 {
				return err
			}
			return fmt.Errorf("secondary write failed: %w", err)
		}
	}
	return nil
}

func (m *Store) LoadSnapshot(ctx context.Context, id crdt.DocumentID) (*store.Snapshot, error) {
	for _, s := range m.readStores() {
		snap, err := s.LoadSnapshot(ctx, id)
		if err != nil || snap != nil {
			return snap, err
		}
	}
	return nil, nil
}

func (m *Store) LoadJournal(ctx context.Context, id crdt.DocumentID) ([]crdt.Operation, error) {
	stores := m.readStores()
	ops, err := stores[0].LoadJournal(ctx, id)
	if err != nil || len(stores) == 1 {
		return ops, err
	}
	// The journal is append-only and keyed by operation id, so the union of both
	// stores is the complete journal.
	more, err := stores[1].LoadJournal(ctx, id)
	if err != nil {
		return nil, err
	}
	seen := make(map[crdt.OpID]bool, len(ops))
	for _, op := range ops {
		seen[op.ID] = true
	}
	for _, op := range more {
		if !seen[op.ID] {
			ops = append(ops, op)
		}
	}
	crdt.SortCausal(ops)
	return ops, nil
}

func (m *Store) SaveSnapshot(ctx context.Context, snap *store.Snapshot) error {
	return m.eachWrite(func(s store.Store) error { return s.SaveSnapshot(ctx, snap) })
}

func (m *Store) AppendJournal(ctx context.Context, id crdt.DocumentID, ops []crdt.Operation) error {
	return m.eachWrite(func(s store.Store) error { return s.AppendJournal(ctx, id, ops) })
}

func (m *Store) TrimJournal(ctx context.Context, id crdt.DocumentID, covered crdt.StateVector) error {
	return m.eachWrite(func(s store.Store) error { return s.TrimJournal(ctx, id, covered) })
}

// Copy copies a document's snapshot and journal from the primary to the secondary,
// for documents written before dual writes were enabled.
func (m *Store) Copy(ctx context.Context, id crdt.DocumentID) error {
	snap, err := m.primary.LoadSnapshot(ctx, id)
	if err != nil {
		return fmt.Errorf("load %s from primary: %w", id, err)
	}
	if snap != nil {
		if err := m.secondary.SaveSnapshot(ctx, snap); err != nil {
			return fmt.Errorf("copy snapshot %s: %w", id, err)
		}
	}
	ops, err := m.primary.LoadJournal(ctx, id)
	if err != nil {
		return fmt.Errorf("load journal %s from primary: %w", id, err)
	}
	return m.secondary.AppendJournal(ctx, id, ops)
}

func (m *Store) Migrate(ctx context.Context) error {
	if err := m.primary.Migrate(ctx); err != nil {
		return fmt.Errorf("primary migration failed: %w", err)
	}
	if m.secondary != nil {
		if err := m.secondary.Migrate(ctx); err != nil {
			return fmt.Errorf("secondary migration failed: %w", err)
		}
	}
	return nil
}

func (m *Store) Close() error {
	var primaryErr, secondaryErr error
	primaryErr = m.primary.Close()
	if m.secondary != nil {
		secondaryErr = m.secondary.Close()
	}
	if primaryErr != nil {
		return primaryErr
	}
	return secondaryErr
}
