// Package store is the persistence layer: order ledger, positions, tracking
// scope, retry queue and the admission audit trail.
// All database access goes through this package.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"swingtrader/logger"
)

// Store owns the database handle and hands out the sub-stores.
type Store struct {
	db     *sql.DB
	driver *DBDriver
	now    func() time.Time

	// Sub-stores (lazy initialization)
	order    *OrderStore
	position *PositionStore
	tracking *TrackingStore
	retry    *RetryStore
	attempts *AttemptStore

	mu sync.RWMutex
}

// New opens the configured database and creates the schema.
func New(cfg DBConfig) (*Store, error) {
	driver, err := NewDBDriver(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	s := &Store{db: driver.DB(), driver: driver, now: time.Now}
	if err := s.initTables(); err != nil {
		driver.Close()
		return nil, fmt.Errorf("failed to initialize table structure: %w", err)
	}

	logger.Infof("✅ Database initialized (type: %s)", driver.Type)
	return s, nil
}

// NewSQLite is New for a SQLite file.
func NewSQLite(path string) (*Store, error) {
	return New(DBConfig{Type: DBTypeSQLite, Path: path})
}

// initTables initializes all database tables
func (s *Store) initTables() error {
	if _, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS system_config (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		)
	`); err != nil {
		return fmt.Errorf("failed to create system_config table: %w", err)
	}

	// Initialize in dependency order
	if err := s.Order().InitTables(); err != nil {
		return err
	}
	if err := s.Position().InitTables(); err != nil {
		return err
	}
	if err := s.Tracking().InitTables(); err != nil {
		return err
	}
	if err := s.Retry().InitTables(); err != nil {
		return err
	}
	return s.Attempts().InitTables()
}

// SetClock replaces the time source used for stored timestamps. Sub-stores
// pick it up on every call.
func (s *Store) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

func (s *Store) clock() time.Time {
	s.mu.RLock()
	now := s.now
	s.mu.RUnlock()
	return now()
}

// Order gets the order ledger
func (s *Store) Order() *OrderStore {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.order == nil {
		s.order = &OrderStore{db: s.db, d: s.driver, now: s.clock}
	}
	return s.order
}

// Position gets position storage
func (s *Store) Position() *PositionStore {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.position == nil {
		s.position = &PositionStore{db: s.db, d: s.driver, now: s.clock}
	}
	return s.position
}

// Tracking gets tracking scope storage
func (s *Store) Tracking() *TrackingStore {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.tracking == nil {
		s.tracking = &TrackingStore{db: s.db, d: s.driver, now: s.clock}
	}
	return s.tracking
}

// Retry gets the retry queue
func (s *Store) Retry() *RetryStore {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.retry == nil {
		s.retry = &RetryStore{db: s.db, d: s.driver, now: s.clock}
	}
	return s.retry
}

// Attempts gets the admission audit trail
func (s *Store) Attempts() *AttemptStore {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.attempts == nil {
		s.attempts = &AttemptStore{db: s.db, d: s.driver, now: s.clock}
	}
	return s.attempts
}

// Close closes database connection
func (s *Store) Close() error {
	return s.driver.Close()
}

// Driver returns database driver for abstraction
func (s *Store) Driver() *DBDriver {
	return s.driver
}

// Ping checks the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// GetSystemConfig gets a system configuration value by key
func (s *Store) GetSystemConfig(ctx context.Context, key string) (string, error) {
	var value string
	err := s.driver.queryRow(ctx, s.db, `SELECT value FROM system_config WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	return value, err
}

// SetSystemConfig sets a system configuration value
func (s *Store) SetSystemConfig(ctx context.Context, key, value string) error {
	_, err := s.driver.exec(ctx, s.db, `
		INSERT INTO system_config (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`, key, value)
	return err
}

// Transaction executes fn in a transaction
func (s *Store) Transaction(ctx context.Context, fn func(tx *sql.Tx) error) error {
	return withTx(ctx, s.db, fn)
}

// withTx runs fn in a transaction, rolling back when fn fails. fn must use
// tx for every statement; with SQLite the pool has a single connection.
func withTx(ctx context.Context, db *sql.DB, fn func(tx *sql.Tx) error) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}
