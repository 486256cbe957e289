// Package postgres provides a PostgreSQL implementation of
// [github.com/surrealdb/surrealcollab/pkg/store.Store] using GORM.
//
// Snapshots live in the collab_snapshots table, one row per document holding the
// encoded snapshot blob. Journal entries live in collab_journal keyed by document,
// origin client and sequence number, which makes appends idempotent through
// ON CONFLICT DO NOTHING.
//
// [Store.Migrate] uses GORM's AutoMigrate, which only adds missing schema elements
// and never drops data.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/surrealdb/surrealcollab/pkg/crdt"
	"github.com/surrealdb/surrealcollab/pkg/store"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"
)

type snapshotRow struct {
	DocumentID string `gorm:"primaryKey"`
	Data       []byte `gorm:"not null"`
	SavedAt    time.Time
	UpdatedAt  time.Time
}

func (snapshotRow) TableName() string { return "collab_snapshots" }

type journalRow struct {
	DocumentID string `gorm:"primaryKey"`
	Client     string `gorm:"primaryKey"`
	Seq        uint64 `gorm:"primaryKey;autoIncrement:false"`
	Data       []byte `gorm:"not null"`
	CreatedAt  time.Time
}

func (journalRow) TableName() string { return "collab_journal" }

// Store implements store.Store on PostgreSQL.
type Store struct {
	db *gorm.DB
}

var _ store.Store = (*Store)(nil)

// Open connects to PostgreSQL.
func Open(dsn string) (*Store, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(16)
	sqlDB.SetConnMaxIdleTime(5 * time.Minute)
	return &Store{db: db}, nil
}

func (s *Store) Migrate(ctx context.Context) error {
	return s.db.WithContext(ctx).AutoMigrate(&snapshotRow{}, &journalRow{})
}

func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (s *Store) LoadSnapshot(ctx context.Context, id crdt.DocumentID) (*store.Snapshot, error) {
	var row snapshotRow
	err := s.db.WithContext(ctx).First(&row, "document_id = ?", string(id)).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return store.DecodeSnapshot(row.Data)
}

func (s *Store) SaveSnapshot(ctx context.Context, snap *store.Snapshot) error {
	data, err := store.EncodeSnapshot(snap)
	if err != nil {
		return err
	}
	row := snapshotRow{DocumentID: string(snap.DocumentID), Data: data, SavedAt: snap.SavedAt}
	return s.db.WithContext(ctx).Save(&row).Error
}

func (s *Store) AppendJournal(ctx context.Context, id crdt.DocumentID, ops []crdt.Operation) error {
	if len(ops) == 0 {
		return nil
	}
	rows := make([]journalRow, 0, len(ops))
	for _, op := range ops {
		data, err := store.EncodeOperation(op)
		if err != nil {
			return err
		}
		rows = append(rows, journalRow{
			DocumentID: string(id),
			Client:     string(op.ID.Client),
			Seq:        op.ID.Seq,
			Data:       data,
		})
	}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&rows).Error
}

func (s *Store) LoadJournal(ctx context.Context, id crdt.DocumentID) ([]crdt.Operation, error) {
	var rows []journalRow
	if err := s.db.WithContext(ctx).Where("document_id = ?", string(id)).Find(&rows).Error; err != nil {
		return nil, err
	}
	ops := make([]crdt.Operation, 0, len(rows))
	for _, row := range rows {
		op, err := store.DecodeOperation(row.Data)
		if err != nil {
			return nil, err
		}
		ops = append(ops, op)
	}
	crdt.SortCausal(ops)
	return ops, nil
}

func (s *Store) TrimJournal(ctx context.Context, id crdt.DocumentID, covered crdt.StateVector) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, client := range covered.Clients() {
			err := tx.Where("document_id = ? AND client = ? AND seq <= ?", string(id), string(client), covered[client]).
				Delete(&journalRow{}).Error
			if err != nil {
				return err
			}
		}
		return nil
	})
}
