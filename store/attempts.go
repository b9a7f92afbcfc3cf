package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// Attempt is the outcome of one recommendation in an admission batch.
type Attempt struct {
	ID         int64     `json:"id"`
	BatchID    string    `json:"batch_id"`
	Ticker     string    `json:"ticker"`
	BaseSymbol string    `json:"base_symbol"`
	Outcome    string    `json:"outcome"` // placed | skipped | retry | failed
	Reason     string    `json:"reason"`
	OrderID    int64     `json:"order_id"`
	CreatedAt  time.Time `json:"created_at"`
}

// AttemptStore keeps the admission audit trail.
type AttemptStore struct {
	db  *sql.DB
	d   *DBDriver
	now func() time.Time
}

// InitTables creates the attempts table.
func (s *AttemptStore) InitTables() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS placement_attempts (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			batch_id TEXT NOT NULL,
			ticker TEXT NOT NULL,
			base_symbol TEXT NOT NULL DEFAULT '',
			outcome TEXT NOT NULL,
			reason TEXT NOT NULL DEFAULT '',
			order_id BIGINT NOT NULL DEFAULT 0,
			created_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_attempts_batch ON placement_attempts(batch_id)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(s.d.DDL(stmt)); err != nil {
			return fmt.Errorf("failed to initialize attempt tables: %w", err)
		}
	}
	return nil
}

// Record stores a batch's attempts in one transaction.
func (s *AttemptStore) Record(ctx context.Context, batchID string, attempts []Attempt) error {
	if len(attempts) == 0 {
		return nil
	}
	now := s.now()
	return withTx(ctx, s.db, func(tx *sql.Tx) error {
		for i := range attempts {
			a := &attempts[i]
			a.BatchID = batchID
			if a.CreatedAt.IsZero() {
				a.CreatedAt = now
			}
			id, err := s.d.insert(ctx, tx, `INSERT INTO placement_attempts
					(batch_id, ticker, base_symbol, outcome, reason, order_id, created_at)
				VALUES (?, ?, ?, ?, ?, ?, ?)`,
				a.BatchID, a.Ticker, a.BaseSymbol, a.Outcome, a.Reason, a.OrderID, formatTime(a.CreatedAt))
			if err != nil {
				return fmt.Errorf("failed to record attempt: %w", err)
			}
			a.ID = id
		}
		return nil
	})
}

// ListRecent returns the newest attempts.
func (s *AttemptStore) ListRecent(ctx context.Context, limit int) ([]Attempt, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	rows, err := s.d.query(ctx, s.db, fmt.Sprintf(`SELECT id, batch_id, ticker, base_symbol, outcome, reason, order_id, created_at
		FROM placement_attempts ORDER BY id DESC LIMIT %d`, limit))
	if err != nil {
		return nil, fmt.Errorf("failed to query attempts: %w", err)
	}
	defer rows.Close()
	var out []Attempt
	for rows.Next() {
		var (
			a  Attempt
			at sql.NullString
		)
		if err := rows.Scan(&a.ID, &a.BatchID, &a.Ticker, &a.BaseSymbol, &a.Outcome, &a.Reason, &a.OrderID, &at); err != nil {
			return nil, err
		}
		a.CreatedAt = parseTime(at)
		out = append(out, a)
	}
	return out, rows.Err()
}
