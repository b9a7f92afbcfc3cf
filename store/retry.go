package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

const (
	RetryQueued   = "queued"
	RetryResolved = "resolved"
	RetryExpired  = "expired"
)

// RetryRecord is a balance-failed order waiting for another attempt.
type RetryRecord struct {
	OrderID          int64     `json:"order_id"`
	BaseSymbol       string    `json:"base_symbol"`
	Ticker           string    `json:"ticker"`
	Quantity         int64     `json:"quantity"`
	RequiredCash     float64   `json:"required_cash"`
	Shortfall        float64   `json:"shortfall"`
	FirstFailedAt    time.Time `json:"first_failed_at"`
	RetryCount       int       `json:"retry_count"`
	LastRetryAttempt time.Time `json:"last_retry_attempt"`
	State            string    `json:"state"`
	ResolvedAt       time.Time `json:"resolved_at"`
}

// RetryStore persists the retry queue.
type RetryStore struct {
	db  *sql.DB
	d   *DBDriver
	now func() time.Time
}

// InitTables creates the retry queue table.
func (s *RetryStore) InitTables() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS retry_queue (
			order_id BIGINT PRIMARY KEY REFERENCES orders(id),
			base_symbol TEXT NOT NULL,
			ticker TEXT NOT NULL DEFAULT '',
			quantity BIGINT NOT NULL,
			required_cash REAL NOT NULL,
			shortfall REAL NOT NULL,
			first_failed_at TEXT NOT NULL,
			retry_count INTEGER NOT NULL DEFAULT 0,
			last_retry_attempt TEXT,
			state TEXT NOT NULL DEFAULT 'queued',
			resolved_at TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_retry_queue_state ON retry_queue(state)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(s.d.DDL(stmt)); err != nil {
			return fmt.Errorf("failed to initialize retry tables: %w", err)
		}
	}
	return nil
}

// Enqueue adds a record, or refreshes cash figures of a queued one while
// keeping its first failure time.
func (s *RetryStore) Enqueue(ctx context.Context, r *RetryRecord) error {
	if r.FirstFailedAt.IsZero() {
		r.FirstFailedAt = s.now()
	}
	r.State = RetryQueued
	_, err := s.d.exec(ctx, s.db, `INSERT INTO retry_queue
			(order_id, base_symbol, ticker, quantity, required_cash, shortfall, first_failed_at, state)
		VALUES (?, ?, ?, ?, ?, ?, ?, 'queued')
		ON CONFLICT (order_id) DO UPDATE SET
			quantity = excluded.quantity,
			required_cash = excluded.required_cash,
			shortfall = excluded.shortfall,
			state = 'queued'`,
		r.OrderID, r.BaseSymbol, r.Ticker, r.Quantity, r.RequiredCash, r.Shortfall, formatTime(r.FirstFailedAt))
	if err != nil {
		return fmt.Errorf("failed to enqueue retry: %w", err)
	}
	return nil
}

// MarkAttempt records a retry attempt that failed again for lack of cash.
func (s *RetryStore) MarkAttempt(ctx context.Context, orderID int64, required, shortfall float64) error {
	_, err := s.d.exec(ctx, s.db, `UPDATE retry_queue SET retry_count = retry_count + 1, last_retry_attempt = ?,
			required_cash = ?, shortfall = ?
		WHERE order_id = ?`, formatTime(s.now()), required, shortfall, orderID)
	if err != nil {
		return fmt.Errorf("failed to record retry attempt: %w", err)
	}
	return nil
}

// Resolve takes a record off the queue with a final state.
func (s *RetryStore) Resolve(ctx context.Context, orderID int64, state string) error {
	now := formatTime(s.now())
	_, err := s.d.exec(ctx, s.db, `UPDATE retry_queue SET state = ?, resolved_at = ?, last_retry_attempt = ?
		WHERE order_id = ? AND state = 'queued'`, state, now, now, orderID)
	if err != nil {
		return fmt.Errorf("failed to resolve retry: %w", err)
	}
	return nil
}

// Get loads one record.
func (s *RetryStore) Get(ctx context.Context, orderID int64) (*RetryRecord, error) {
	list, err := s.list(ctx, `order_id = ?`, orderID)
	if err != nil {
		return nil, err
	}
	if len(list) == 0 {
		return nil, ErrNotFound
	}
	return list[0], nil
}

// ListQueued returns queued records, oldest failure first.
func (s *RetryStore) ListQueued(ctx context.Context) ([]*RetryRecord, error) {
	return s.list(ctx, `state = 'queued'`)
}

func (s *RetryStore) list(ctx context.Context, where string, args ...any) ([]*RetryRecord, error) {
	rows, err := s.d.query(ctx, s.db, `SELECT order_id, base_symbol, ticker, quantity, required_cash, shortfall,
			first_failed_at, retry_count, last_retry_attempt, state, resolved_at
		FROM retry_queue WHERE `+where+` ORDER BY first_failed_at ASC, order_id ASC`, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query retry queue: %w", err)
	}
	defer rows.Close()
	var out []*RetryRecord
	for rows.Next() {
		var (
			r                       RetryRecord
			first, last, resolvedAt sql.NullString
		)
		if err := rows.Scan(&r.OrderID, &r.BaseSymbol, &r.Ticker, &r.Quantity, &r.RequiredCash, &r.Shortfall,
			&first, &r.RetryCount, &last, &r.State, &resolvedAt); err != nil {
			return nil, fmt.Errorf("failed to scan retry record: %w", err)
		}
		r.FirstFailedAt = parseTime(first)
		r.LastRetryAttempt = parseTime(last)
		r.ResolvedAt = parseTime(resolvedAt)
		out = append(out, &r)
	}
	return out, rows.Err()
}
