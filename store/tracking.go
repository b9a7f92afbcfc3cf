package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

const (
	TrackingActive    = "active"
	TrackingCompleted = "completed"
)

// Discrepancy kinds found by reconciliation.
const (
	DiscrepancyManualBuy  = "manual_buy"
	DiscrepancyManualSell = "manual_sell"
	DiscrepancyClosed     = "closed"
)

// TrackingEntry authorizes the engine to act on a symbol and accounts for the
// quantity the engine is responsible for.
type TrackingEntry struct {
	ID                int64     `json:"id"`
	BaseSymbol        string    `json:"base_symbol"`
	Symbol            string    `json:"symbol"`
	Ticker            string    `json:"ticker"`
	Status            string    `json:"tracking_status"`
	CurrentTrackedQty int64     `json:"current_tracked_qty"`
	PreExistingQty    int64     `json:"pre_existing_qty"`
	RelatedOrders     []string  `json:"related_orders"`
	CreatedAt         time.Time `json:"created_at"`
	UpdatedAt         time.Time `json:"updated_at"`
	CompletedAt       time.Time `json:"completed_at"`
}

// Expected is the holding the broker should report for this entry.
func (e *TrackingEntry) Expected() int64 {
	return e.CurrentTrackedQty + e.PreExistingQty
}

// Discrepancy is one reconciliation finding.
type Discrepancy struct {
	ID         int64     `json:"id"`
	BaseSymbol string    `json:"base_symbol"`
	Kind       string    `json:"kind"`
	Expected   int64     `json:"expected"`
	Broker     int64     `json:"broker"`
	Diff       int64     `json:"diff"`
	DetectedAt time.Time `json:"detected_at"`
}

// TrackingStore persists the tracking scope.
type TrackingStore struct {
	db  *sql.DB
	d   *DBDriver
	now func() time.Time
}

// InitTables creates tracking tables.
func (s *TrackingStore) InitTables() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS tracking_entries (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			base_symbol TEXT NOT NULL,
			symbol TEXT NOT NULL DEFAULT '',
			ticker TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL DEFAULT 'active',
			current_tracked_qty BIGINT NOT NULL DEFAULT 0,
			pre_existing_qty BIGINT NOT NULL DEFAULT 0,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL,
			completed_at TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS tracking_orders (
			entry_id BIGINT NOT NULL REFERENCES tracking_entries(id),
			broker_order_id TEXT NOT NULL,
			PRIMARY KEY (entry_id, broker_order_id)
		)`,
		`CREATE TABLE IF NOT EXISTS tracking_discrepancies (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			base_symbol TEXT NOT NULL,
			kind TEXT NOT NULL,
			expected BIGINT NOT NULL,
			broker BIGINT NOT NULL,
			diff BIGINT NOT NULL,
			detected_at TEXT NOT NULL
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_tracking_active ON tracking_entries(base_symbol) WHERE status = 'active'`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(s.d.DDL(stmt)); err != nil {
			return fmt.Errorf("failed to initialize tracking tables: %w", err)
		}
	}
	return nil
}

// Activate returns the active entry for baseSymbol, creating one with
// preExisting holdings when none exists.
func (s *TrackingStore) Activate(ctx context.Context, baseSymbol, symbol, ticker string, preExisting int64) (*TrackingEntry, error) {
	if e, err := s.GetActive(ctx, baseSymbol); err == nil {
		return e, nil
	} else if !errors.Is(err, ErrNotFound) {
		return nil, err
	}
	now := formatTime(s.now())
	_, err := s.d.insert(ctx, s.db, `INSERT INTO tracking_entries
			(base_symbol, symbol, ticker, status, current_tracked_qty, pre_existing_qty, created_at, updated_at)
		VALUES (?, ?, ?, 'active', 0, ?, ?, ?)`, baseSymbol, symbol, ticker, preExisting, now, now)
	if err != nil && !isUniqueViolation(err) {
		return nil, fmt.Errorf("failed to create tracking entry: %w", err)
	}
	return s.GetActive(ctx, baseSymbol)
}

// GetActive returns the active entry or ErrNotFound.
func (s *TrackingStore) GetActive(ctx context.Context, baseSymbol string) (*TrackingEntry, error) {
	list, err := s.list(ctx, `base_symbol = ? AND status = 'active'`, baseSymbol)
	if err != nil {
		return nil, err
	}
	if len(list) == 0 {
		return nil, ErrNotFound
	}
	return list[0], nil
}

// ListActive returns every active entry.
func (s *TrackingStore) ListActive(ctx context.Context) ([]*TrackingEntry, error) {
	return s.list(ctx, `status = 'active'`)
}

// List returns all entries, newest first.
func (s *TrackingStore) List(ctx context.Context) ([]*TrackingEntry, error) {
	return s.list(ctx, `1 = 1`)
}

func (s *TrackingStore) list(ctx context.Context, where string, args ...any) ([]*TrackingEntry, error) {
	rows, err := s.d.query(ctx, s.db, `SELECT id, base_symbol, symbol, ticker, status, current_tracked_qty,
			pre_existing_qty, created_at, updated_at, completed_at
		FROM tracking_entries WHERE `+where+` ORDER BY id DESC`, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query tracking entries: %w", err)
	}
	var entries []*TrackingEntry
	for rows.Next() {
		var (
			e                        TrackingEntry
			created, updated, compAt sql.NullString
		)
		if err := rows.Scan(&e.ID, &e.BaseSymbol, &e.Symbol, &e.Ticker, &e.Status, &e.CurrentTrackedQty,
			&e.PreExistingQty, &created, &updated, &compAt); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan tracking entry: %w", err)
		}
		e.CreatedAt = parseTime(created)
		e.UpdatedAt = parseTime(updated)
		e.CompletedAt = parseTime(compAt)
		entries = append(entries, &e)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for _, e := range entries {
		if e.RelatedOrders, err = s.relatedOrders(ctx, e.ID); err != nil {
			return nil, err
		}
	}
	return entries, nil
}

func (s *TrackingStore) relatedOrders(ctx context.Context, entryID int64) ([]string, error) {
	rows, err := s.d.query(ctx, s.db, `SELECT broker_order_id FROM tracking_orders WHERE entry_id = ? ORDER BY broker_order_id`, entryID)
	if err != nil {
		return nil, fmt.Errorf("failed to query related orders: %w", err)
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// AddRelatedOrder links a broker order id to an entry. Repeats are ignored.
func (s *TrackingStore) AddRelatedOrder(ctx context.Context, entryID int64, brokerOrderID string) error {
	if brokerOrderID == "" {
		return nil
	}
	_, err := s.d.exec(ctx, s.db, `INSERT INTO tracking_orders (entry_id, broker_order_id) VALUES (?, ?)
		ON CONFLICT (entry_id, broker_order_id) DO NOTHING`, entryID, brokerOrderID)
	if err != nil {
		return fmt.Errorf("failed to link order: %w", err)
	}
	return nil
}

// AdjustQty adds delta to the tracked quantity, flooring at zero.
func (s *TrackingStore) AdjustQty(ctx context.Context, entryID int64, delta int64) error {
	_, err := s.d.exec(ctx, s.db, `UPDATE tracking_entries
		SET current_tracked_qty = CASE WHEN current_tracked_qty + ? < 0 THEN 0 ELSE current_tracked_qty + ? END,
			updated_at = ?
		WHERE id = ?`, delta, delta, formatTime(s.now()), entryID)
	if err != nil {
		return fmt.Errorf("failed to adjust tracked quantity: %w", err)
	}
	return nil
}

// Complete closes an entry.
func (s *TrackingStore) Complete(ctx context.Context, entryID int64) error {
	now := formatTime(s.now())
	_, err := s.d.exec(ctx, s.db, `UPDATE tracking_entries SET status = 'completed', current_tracked_qty = 0,
			completed_at = ?, updated_at = ?
		WHERE id = ? AND status = 'active'`, now, now, entryID)
	if err != nil {
		return fmt.Errorf("failed to complete tracking entry: %w", err)
	}
	return nil
}

// RecordDiscrepancy appends a reconciliation finding.
func (s *TrackingStore) RecordDiscrepancy(ctx context.Context, d *Discrepancy) error {
	if d.DetectedAt.IsZero() {
		d.DetectedAt = s.now()
	}
	d.Diff = d.Broker - d.Expected
	id, err := s.d.insert(ctx, s.db, `INSERT INTO tracking_discrepancies (base_symbol, kind, expected, broker, diff, detected_at)
		VALUES (?, ?, ?, ?, ?, ?)`, d.BaseSymbol, d.Kind, d.Expected, d.Broker, d.Diff, formatTime(d.DetectedAt))
	if err != nil {
		return fmt.Errorf("failed to record discrepancy: %w", err)
	}
	d.ID = id
	return nil
}

// ListDiscrepancies returns the newest findings.
func (s *TrackingStore) ListDiscrepancies(ctx context.Context, limit int) ([]Discrepancy, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	rows, err := s.d.query(ctx, s.db, fmt.Sprintf(`SELECT id, base_symbol, kind, expected, broker, diff, detected_at
		FROM tracking_discrepancies ORDER BY id DESC LIMIT %d`, limit))
	if err != nil {
		return nil, fmt.Errorf("failed to query discrepancies: %w", err)
	}
	defer rows.Close()
	var out []Discrepancy
	for rows.Next() {
		var (
			d  Discrepancy
			at sql.NullString
		)
		if err := rows.Scan(&d.ID, &d.BaseSymbol, &d.Kind, &d.Expected, &d.Broker, &d.Diff, &at); err != nil {
			return nil, err
		}
		d.DetectedAt = parseTime(at)
		out = append(out, d)
	}
	return out, rows.Err()
}
