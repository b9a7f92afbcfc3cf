package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Ladder rungs.
const (
	Rung30 = 30
	Rung20 = 20
	Rung10 = 10
)

const (
	PositionOpen   = "OPEN"
	PositionClosed = "CLOSED"

	FillEntry   = "entry"
	FillReentry = "reentry"
)

// Levels records which ladder rungs have been used in the current cycle.
type Levels struct {
	L30 bool `json:"30"`
	L20 bool `json:"20"`
	L10 bool `json:"10"`
}

// Taken reports whether rung is marked.
func (l Levels) Taken(rung int) bool {
	switch rung {
	case Rung30:
		return l.L30
	case Rung20:
		return l.L20
	case Rung10:
		return l.L10
	}
	return false
}

// With returns a copy with rung marked.
func (l Levels) With(rung int) Levels {
	switch rung {
	case Rung30:
		l.L30 = true
	case Rung20:
		l.L20 = true
	case Rung10:
		l.L10 = true
	}
	return l
}

// Fill is one execution that built the position.
type Fill struct {
	ID         int64     `json:"id"`
	PositionID int64     `json:"position_id"`
	OrderID    int64     `json:"order_id"`
	Kind       string    `json:"kind"` // entry | reentry
	Date       string    `json:"date"` // exchange-local YYYY-MM-DD
	Price      float64   `json:"price"`
	Quantity   int64     `json:"quantity"`
	Rung       int       `json:"rung"`
	FilledAt   time.Time `json:"filled_at"`
}

// Position is the system's holding in one instrument.
type Position struct {
	ID              int64     `json:"id"`
	Symbol          string    `json:"symbol"`
	BaseSymbol      string    `json:"base_symbol"`
	Ticker          string    `json:"ticker"`
	Quantity        int64     `json:"quantity"`
	EntryPrice      float64   `json:"entry_price"`
	CapitalDeployed float64   `json:"capital_deployed"`
	Target          float64   `json:"target"`
	Levels          Levels    `json:"levels_taken"`
	ResetReady      bool      `json:"reset_ready"`
	Status          string    `json:"status"`
	ExitPrice       float64   `json:"exit_price"`
	ExitOrderID     int64     `json:"exit_order_id"`
	CloseReason     string    `json:"close_reason"`
	OpenedAt        time.Time `json:"opened_at"`
	ClosedAt        time.Time `json:"closed_at"`
	UpdatedAt       time.Time `json:"updated_at"`

	// Reentries excludes the entry fill. Populated by the Get/List helpers.
	Reentries []Fill `json:"reentries"`
}

// ReentriesOn counts re-entry fills dated day.
func (p *Position) ReentriesOn(day string) int {
	n := 0
	for _, f := range p.Reentries {
		if f.Date == day {
			n++
		}
	}
	return n
}

// WeightedEntry returns Σ(price·qty)/Σqty, the total quantity and the capital
// deployed over fills.
func WeightedEntry(fills []Fill) (avg float64, qty int64, capital float64) {
	cost := decimal.Zero
	total := decimal.Zero
	for _, f := range fills {
		if f.Quantity <= 0 {
			continue
		}
		q := decimal.NewFromInt(f.Quantity)
		cost = cost.Add(decimal.NewFromFloat(f.Price).Mul(q))
		total = total.Add(q)
		qty += f.Quantity
	}
	if total.IsZero() {
		return 0, 0, 0
	}
	avg, _ = cost.Div(total).Round(4).Float64()
	capital, _ = cost.Round(2).Float64()
	return avg, qty, capital
}

// ErrPositionExists guards the one-open-position-per-instrument rule.
var ErrPositionExists = errors.New("open position already exists for symbol")

// PositionStore persists positions and their fills.
type PositionStore struct {
	db  *sql.DB
	d   *DBDriver
	now func() time.Time
}

// InitTables creates position tables.
func (s *PositionStore) InitTables() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS positions (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			symbol TEXT NOT NULL,
			base_symbol TEXT NOT NULL,
			ticker TEXT NOT NULL DEFAULT '',
			quantity BIGINT NOT NULL DEFAULT 0,
			entry_price REAL NOT NULL DEFAULT 0,
			capital_deployed REAL NOT NULL DEFAULT 0,
			target REAL NOT NULL DEFAULT 0,
			level_30 INTEGER NOT NULL DEFAULT 0,
			level_20 INTEGER NOT NULL DEFAULT 0,
			level_10 INTEGER NOT NULL DEFAULT 0,
			reset_ready INTEGER NOT NULL DEFAULT 0,
			status TEXT NOT NULL DEFAULT 'OPEN',
			exit_price REAL NOT NULL DEFAULT 0,
			exit_order_id BIGINT NOT NULL DEFAULT 0,
			close_reason TEXT NOT NULL DEFAULT '',
			opened_at TEXT NOT NULL,
			closed_at TEXT,
			updated_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS position_fills (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			position_id BIGINT NOT NULL REFERENCES positions(id),
			order_id BIGINT NOT NULL DEFAULT 0,
			kind TEXT NOT NULL,
			fill_date TEXT NOT NULL,
			price REAL NOT NULL,
			quantity BIGINT NOT NULL,
			rung INTEGER NOT NULL DEFAULT 0,
			filled_at TEXT NOT NULL
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_positions_open ON positions(base_symbol) WHERE status = 'OPEN'`,
		`CREATE INDEX IF NOT EXISTS idx_position_fills_position ON position_fills(position_id, id)`,
		`CREATE INDEX IF NOT EXISTS idx_position_fills_order ON position_fills(order_id)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(s.d.DDL(stmt)); err != nil {
			return fmt.Errorf("failed to initialize position tables: %w", err)
		}
	}
	return nil
}

// Open creates a position from its entry fill.
func (s *PositionStore) Open(ctx context.Context, p *Position, entry Fill) error {
	now := s.now()
	entry.Kind = FillEntry
	if entry.FilledAt.IsZero() {
		entry.FilledAt = now
	}
	p.EntryPrice, p.Quantity, p.CapitalDeployed = WeightedEntry([]Fill{entry})
	p.Status = PositionOpen
	if p.OpenedAt.IsZero() {
		p.OpenedAt = now
	}
	p.UpdatedAt = now

	return withTx(ctx, s.db, func(tx *sql.Tx) error {
		id, err := s.d.insert(ctx, tx, `INSERT INTO positions (
				symbol, base_symbol, ticker, quantity, entry_price, capital_deployed, target,
				level_30, level_20, level_10, reset_ready, status, opened_at, updated_at
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			p.Symbol, p.BaseSymbol, p.Ticker, p.Quantity, p.EntryPrice, p.CapitalDeployed, p.Target,
			boolToInt(p.Levels.L30), boolToInt(p.Levels.L20), boolToInt(p.Levels.L10), boolToInt(p.ResetReady),
			p.Status, formatTime(p.OpenedAt), formatTime(now),
		)
		if err != nil {
			if isUniqueViolation(err) {
				return ErrPositionExists
			}
			return fmt.Errorf("failed to create position: %w", err)
		}
		p.ID = id
		entry.PositionID = id
		if _, err := s.insertFill(ctx, tx, &entry); err != nil {
			return err
		}
		return nil
	})
}

func (s *PositionStore) insertFill(ctx context.Context, tx *sql.Tx, f *Fill) (int64, error) {
	id, err := s.d.insert(ctx, tx, `INSERT INTO position_fills
			(position_id, order_id, kind, fill_date, price, quantity, rung, filled_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		f.PositionID, f.OrderID, f.Kind, f.Date, f.Price, f.Quantity, f.Rung, formatTime(f.FilledAt))
	if err != nil {
		return 0, fmt.Errorf("failed to insert fill: %w", err)
	}
	f.ID = id
	return id, nil
}

// AddReentry appends a re-entry fill, recomputes the weighted entry price,
// marks the rung and stores the new target, all in one transaction.
func (s *PositionStore) AddReentry(ctx context.Context, positionID int64, f Fill, target float64) (*Position, error) {
	f.Kind = FillReentry
	f.PositionID = positionID
	if f.FilledAt.IsZero() {
		f.FilledAt = s.now()
	}
	var out *Position
	err := withTx(ctx, s.db, func(tx *sql.Tx) error {
		p, err := s.get(ctx, tx, positionID)
		if err != nil {
			return err
		}
		if p.Status != PositionOpen {
			return fmt.Errorf("position %d is %s", positionID, p.Status)
		}
		if _, err := s.insertFill(ctx, tx, &f); err != nil {
			return err
		}
		p.Levels = p.Levels.With(f.Rung)
		if target > 0 {
			p.Target = target
		}
		if err := s.recompute(ctx, tx, p); err != nil {
			return err
		}
		out = p
		return nil
	})
	if err != nil {
		return nil, err
	}
	return s.withFills(ctx, out)
}

// UpdateFillPrice replaces the provisional price of the fill created by
// orderID with the broker's executed average.
func (s *PositionStore) UpdateFillPrice(ctx context.Context, orderID int64, price float64, qty int64) error {
	return withTx(ctx, s.db, func(tx *sql.Tx) error {
		var positionID int64
		err := s.d.queryRow(ctx, tx, `SELECT position_id FROM position_fills WHERE order_id = ?`, orderID).Scan(&positionID)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("failed to find fill: %w", err)
		}
		if qty > 0 {
			_, err = s.d.exec(ctx, tx, `UPDATE position_fills SET price = ?, quantity = ? WHERE order_id = ?`, price, qty, orderID)
		} else {
			_, err = s.d.exec(ctx, tx, `UPDATE position_fills SET price = ? WHERE order_id = ?`, price, orderID)
		}
		if err != nil {
			return fmt.Errorf("failed to update fill: %w", err)
		}
		p, err := s.get(ctx, tx, positionID)
		if err != nil {
			return err
		}
		return s.recompute(ctx, tx, p)
	})
}

// RemoveFill drops the fill of an order that never executed and recomputes
// the average. The rung stays taken.
func (s *PositionStore) RemoveFill(ctx context.Context, orderID int64) error {
	return withTx(ctx, s.db, func(tx *sql.Tx) error {
		var positionID int64
		err := s.d.queryRow(ctx, tx, `SELECT position_id FROM position_fills WHERE order_id = ? AND kind = 'reentry'`, orderID).Scan(&positionID)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("failed to find fill: %w", err)
		}
		if _, err := s.d.exec(ctx, tx, `DELETE FROM position_fills WHERE order_id = ? AND kind = 'reentry'`, orderID); err != nil {
			return fmt.Errorf("failed to delete fill: %w", err)
		}
		p, err := s.get(ctx, tx, positionID)
		if err != nil {
			return err
		}
		return s.recompute(ctx, tx, p)
	})
}

// recompute derives quantity, entry price and capital from the stored fills
// and saves the position row.
func (s *PositionStore) recompute(ctx context.Context, tx *sql.Tx, p *Position) error {
	fills, err := s.fills(ctx, tx, p.ID)
	if err != nil {
		return err
	}
	p.EntryPrice, p.Quantity, p.CapitalDeployed = WeightedEntry(fills)
	p.UpdatedAt = s.now()
	return s.save(ctx, tx, p)
}

// SaveLadder persists ladder state (levels, reset flag, target).
func (s *PositionStore) SaveLadder(ctx context.Context, positionID int64, levels Levels, resetReady bool, target float64) error {
	query := `UPDATE positions SET level_30 = ?, level_20 = ?, level_10 = ?, reset_ready = ?, updated_at = ?`
	args := []any{boolToInt(levels.L30), boolToInt(levels.L20), boolToInt(levels.L10), boolToInt(resetReady), formatTime(s.now())}
	if target > 0 {
		query += `, target = ?`
		args = append(args, target)
	}
	args = append(args, positionID)
	if _, err := s.d.exec(ctx, s.db, query+` WHERE id = ?`, args...); err != nil {
		return fmt.Errorf("failed to save ladder state: %w", err)
	}
	return nil
}

// Close marks a position fully exited.
func (s *PositionStore) Close(ctx context.Context, positionID int64, exitPrice float64, exitOrderID int64, reason string) error {
	now := s.now()
	res, err := s.d.exec(ctx, s.db, `UPDATE positions SET status = 'CLOSED', exit_price = ?, exit_order_id = ?,
			close_reason = ?, closed_at = ?, updated_at = ?
		WHERE id = ? AND status = 'OPEN'`,
		exitPrice, exitOrderID, reason, formatTime(now), formatTime(now), positionID)
	if err != nil {
		return fmt.Errorf("failed to close position: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PositionStore) save(ctx context.Context, q querier, p *Position) error {
	_, err := s.d.exec(ctx, q, `UPDATE positions SET quantity = ?, entry_price = ?, capital_deployed = ?, target = ?,
			level_30 = ?, level_20 = ?, level_10 = ?, reset_ready = ?, updated_at = ?
		WHERE id = ?`,
		p.Quantity, p.EntryPrice, p.CapitalDeployed, p.Target,
		boolToInt(p.Levels.L30), boolToInt(p.Levels.L20), boolToInt(p.Levels.L10), boolToInt(p.ResetReady),
		formatTime(p.UpdatedAt), p.ID)
	if err != nil {
		return fmt.Errorf("failed to save position: %w", err)
	}
	return nil
}

const positionColumns = `id, symbol, base_symbol, ticker, quantity, entry_price, capital_deployed, target,
	level_30, level_20, level_10, reset_ready, status, exit_price, exit_order_id, close_reason,
	opened_at, closed_at, updated_at`

func (s *PositionStore) get(ctx context.Context, q querier, id int64) (*Position, error) {
	rows, err := s.d.query(ctx, q, `SELECT `+positionColumns+` FROM positions WHERE id = ?`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to query position: %w", err)
	}
	list, err := scanPositions(rows)
	if err != nil {
		return nil, err
	}
	if len(list) == 0 {
		return nil, ErrNotFound
	}
	return list[0], nil
}

// Get loads a position with its re-entry fills.
func (s *PositionStore) Get(ctx context.Context, id int64) (*Position, error) {
	p, err := s.get(ctx, s.db, id)
	if err != nil {
		return nil, err
	}
	return s.withFills(ctx, p)
}

// GetOpen returns the open position for an instrument, or ErrNotFound.
func (s *PositionStore) GetOpen(ctx context.Context, baseSymbol string) (*Position, error) {
	rows, err := s.d.query(ctx, s.db, `SELECT `+positionColumns+` FROM positions WHERE base_symbol = ? AND status = 'OPEN'`, baseSymbol)
	if err != nil {
		return nil, fmt.Errorf("failed to query position: %w", err)
	}
	list, err := scanPositions(rows)
	if err != nil {
		return nil, err
	}
	if len(list) == 0 {
		return nil, ErrNotFound
	}
	return s.withFills(ctx, list[0])
}

// ListOpen returns every open position with fills.
func (s *PositionStore) ListOpen(ctx context.Context) ([]*Position, error) {
	return s.listWhere(ctx, `status = 'OPEN'`)
}

// List returns the most recent positions, open and closed.
func (s *PositionStore) List(ctx context.Context, limit int) ([]*Position, error) {
	if limit <= 0 || limit > 1000 {
		limit = 200
	}
	return s.listWhere(ctx, fmt.Sprintf(`1 = 1 ORDER BY id DESC LIMIT %d`, limit))
}

func (s *PositionStore) listWhere(ctx context.Context, where string) ([]*Position, error) {
	rows, err := s.d.query(ctx, s.db, `SELECT `+positionColumns+` FROM positions WHERE `+where)
	if err != nil {
		return nil, fmt.Errorf("failed to list positions: %w", err)
	}
	list, err := scanPositions(rows)
	if err != nil {
		return nil, err
	}
	for _, p := range list {
		if _, err := s.withFills(ctx, p); err != nil {
			return nil, err
		}
	}
	return list, nil
}

// Fills returns all fills of a position including the entry, oldest first.
func (s *PositionStore) Fills(ctx context.Context, positionID int64) ([]Fill, error) {
	return s.fills(ctx, s.db, positionID)
}

func (s *PositionStore) withFills(ctx context.Context, p *Position) (*Position, error) {
	fills, err := s.fills(ctx, s.db, p.ID)
	if err != nil {
		return nil, err
	}
	p.Reentries = p.Reentries[:0]
	for _, f := range fills {
		if f.Kind == FillReentry {
			p.Reentries = append(p.Reentries, f)
		}
	}
	return p, nil
}

func (s *PositionStore) fills(ctx context.Context, q querier, positionID int64) ([]Fill, error) {
	rows, err := s.d.query(ctx, q, `SELECT id, position_id, order_id, kind, fill_date, price, quantity, rung, filled_at
		FROM position_fills WHERE position_id = ? ORDER BY id ASC`, positionID)
	if err != nil {
		return nil, fmt.Errorf("failed to query fills: %w", err)
	}
	defer rows.Close()
	var out []Fill
	for rows.Next() {
		var (
			f  Fill
			at sql.NullString
		)
		if err := rows.Scan(&f.ID, &f.PositionID, &f.OrderID, &f.Kind, &f.Date, &f.Price, &f.Quantity, &f.Rung, &at); err != nil {
			return nil, fmt.Errorf("failed to scan fill: %w", err)
		}
		f.FilledAt = parseTime(at)
		out = append(out, f)
	}
	return out, rows.Err()
}

func scanPositions(rows *sql.Rows) ([]*Position, error) {
	defer rows.Close()
	var out []*Position
	for rows.Next() {
		var (
			p                       Position
			l30, l20, l10, reset    int
			openedAt, closedAt, upd sql.NullString
		)
		err := rows.Scan(&p.ID, &p.Symbol, &p.BaseSymbol, &p.Ticker, &p.Quantity, &p.EntryPrice, &p.CapitalDeployed,
			&p.Target, &l30, &l20, &l10, &reset, &p.Status, &p.ExitPrice, &p.ExitOrderID, &p.CloseReason,
			&openedAt, &closedAt, &upd)
		if err != nil {
			return nil, fmt.Errorf("failed to scan position: %w", err)
		}
		p.Levels = Levels{L30: l30 == 1, L20: l20 == 1, L10: l10 == 1}
		p.ResetReady = reset == 1
		p.OpenedAt = parseTime(openedAt)
		p.ClosedAt = parseTime(closedAt)
		p.UpdatedAt = parseTime(upd)
		out = append(out, &p)
	}
	return out, rows.Err()
}
