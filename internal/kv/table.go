package kv

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/zulandar/warden/internal/db"
)

// Mapping is one row of the embedded mapping table.
type Mapping struct {
	Key       string `gorm:"column:mapping_key;primaryKey;size:191"`
	Value     string `gorm:"not null"`
	UpdatedAt time.Time
}

// TableName pins the table name.
func (Mapping) TableName() string { return "channel_mappings" }

// TableBackend stores mappings in a SQL table through gorm.
type TableBackend struct {
	db *gorm.DB

	mu     sync.Mutex
	closed bool
}

// OpenTable opens dsn and migrates the mapping table.
func OpenTable(dsn string) (*TableBackend, error) {
	gdb, err := db.Open(dsn)
	if err != nil {
		return nil, fmt.Errorf("kv: %w", err)
	}
	return NewTable(gdb)
}

// NewTable wraps an open gorm connection.
func NewTable(gdb *gorm.DB) (*TableBackend, error) {
	if err := db.AutoMigrate(gdb, &Mapping{}); err != nil {
		return nil, fmt.Errorf("kv: %w", err)
	}
	return &TableBackend{db: gdb}, nil
}

// Fork returns a Store on a new gorm session.
func (b *TableBackend) Fork(ctx context.Context) (Store, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrClosed
	}
	return &tableStore{backend: b, db: b.db.Session(&gorm.Session{NewDB: true})}, nil
}

// Close closes the underlying pool.
func (b *TableBackend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	return db.Close(b.db)
}

func (b *TableBackend) isClosed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

type tableStore struct {
	backend *TableBackend
	db      *gorm.DB
	closed  bool
}

func (s *tableStore) check() error {
	if s.closed || s.backend.isClosed() {
		return ErrClosed
	}
	return nil
}

func (s *tableStore) Get(ctx context.Context, key string) (string, bool, error) {
	if err := s.check(); err != nil {
		return "", false, err
	}
	var m Mapping
	err := s.db.WithContext(ctx).Where("mapping_key = ?", key).First(&m).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("kv: get %s: %w", key, err)
	}
	return m.Value, true, nil
}

func (s *tableStore) Set(ctx context.Context, key, value string) error {
	if err := s.check(); err != nil {
		return err
	}
	m := Mapping{Key: key, Value: value, UpdatedAt: time.Now()}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "mapping_key"}},
		DoUpdates: clause.AssignmentColumns([]string{"value", "updated_at"}),
	}).Create(&m).Error
	if err != nil {
		return fmt.Errorf("kv: set %s: %w", key, err)
	}
	return nil
}

func (s *tableStore) Delete(ctx context.Context, key string) error {
	if err := s.check(); err != nil {
		return err
	}
	if err := s.db.WithContext(ctx).Where("mapping_key = ?", key).Delete(&Mapping{}).Error; err != nil {
		return fmt.Errorf("kv: delete %s: %w", key, err)
	}
	return nil
}

// Close detaches the store; the pool stays open for other sessions.
func (s *tableStore) Close() error {
	s.closed = true
	return nil
}
