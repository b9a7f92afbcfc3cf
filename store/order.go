package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"swingtrader/logger"
	"swingtrader/metrics"
)

// Order sides and purposes.
const (
	SideBuy  = "BUY"
	SideSell = "SELL"

	PurposeEntry   = "entry"
	PurposeReentry = "reentry"
	PurposeExit    = "exit"
)

var (
	ErrNotFound          = errors.New("not found")
	ErrActiveOrderExists = errors.New("active buy order already exists for symbol")
	ErrIllegalTransition = errors.New("illegal status transition")
	ErrTerminal          = errors.New("order is in a terminal status")
)

// Order is one broker order attempt, placed by the engine or adopted.
type Order struct {
	ID              int64     `json:"id"`
	BrokerOrderID   string    `json:"broker_order_id"`
	Symbol          string    `json:"symbol"`      // tradable instrument, e.g. RELIANCE-EQ
	BaseSymbol      string    `json:"base_symbol"` // segment-independent key
	Ticker          string    `json:"ticker"`
	Side            string    `json:"side"`
	Purpose         string    `json:"purpose"`
	Rung            int       `json:"rung"`
	OrderType       string    `json:"order_type"`
	Variety         string    `json:"variety"`
	Exchange        string    `json:"exchange"`
	Product         string    `json:"product"`
	Quantity        int64     `json:"quantity"`
	Price           float64   `json:"price"` // 0 for market orders
	RefPrice        float64   `json:"ref_price"`
	FilledQty       int64     `json:"filled_qty"`
	AvgPrice        float64   `json:"avg_price"`
	Status          string    `json:"status"`
	RetryCount      int       `json:"retry_count"`
	RejectionReason string    `json:"rejection_reason"`
	CancelledReason string    `json:"cancelled_reason"`
	Tag             string    `json:"tag"`
	PlacedAt        time.Time `json:"placed_at"`
	LastCheckedAt   time.Time `json:"last_checked_at"`
	ExecutedAt      time.Time `json:"executed_at"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// Active reports whether the order is still live.
func (o *Order) Active() bool { return !IsTerminal(o.Status) }

// StatusChange is one row of an order's append-only history.
type StatusChange struct {
	ID        int64     `json:"id"`
	OrderID   int64     `json:"order_id"`
	From      string    `json:"from"`
	To        string    `json:"to"`
	Reason    string    `json:"reason"`
	ChangedAt time.Time `json:"changed_at"`
}

// OrderFilter narrows List.
type OrderFilter struct {
	Status     string
	BaseSymbol string
	Limit      int
}

// OrderStore is the order ledger.
type OrderStore struct {
	db  *sql.DB
	d   *DBDriver
	now func() time.Time
}

// InitTables creates the ledger tables.
func (s *OrderStore) InitTables() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS orders (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			broker_order_id TEXT NOT NULL DEFAULT '',
			symbol TEXT NOT NULL,
			base_symbol TEXT NOT NULL,
			ticker TEXT NOT NULL DEFAULT '',
			side TEXT NOT NULL,
			purpose TEXT NOT NULL DEFAULT 'entry',
			rung INTEGER NOT NULL DEFAULT 0,
			order_type TEXT NOT NULL DEFAULT 'MARKET',
			variety TEXT NOT NULL DEFAULT 'REGULAR',
			exchange TEXT NOT NULL DEFAULT '',
			product TEXT NOT NULL DEFAULT '',
			quantity BIGINT NOT NULL,
			price REAL NOT NULL DEFAULT 0,
			ref_price REAL NOT NULL DEFAULT 0,
			filled_qty BIGINT NOT NULL DEFAULT 0,
			avg_price REAL NOT NULL DEFAULT 0,
			status TEXT NOT NULL,
			retry_count INTEGER NOT NULL DEFAULT 0,
			rejection_reason TEXT NOT NULL DEFAULT '',
			cancelled_reason TEXT NOT NULL DEFAULT '',
			tag TEXT NOT NULL DEFAULT '',
			placed_at TEXT,
			last_checked_at TEXT,
			executed_at TEXT,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS order_status_history (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			order_id BIGINT NOT NULL REFERENCES orders(id),
			from_status TEXT NOT NULL DEFAULT '',
			to_status TEXT NOT NULL,
			reason TEXT NOT NULL DEFAULT '',
			changed_at TEXT NOT NULL
		)`,
		// adopting the same broker order twice must not create a second row
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_orders_broker_id ON orders(broker_order_id) WHERE broker_order_id <> ''`,
		// at most one live buy per instrument
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_orders_one_active_buy ON orders(base_symbol)
			WHERE side = 'BUY' AND status IN ('PENDING', 'ONGOING', 'RETRY_PENDING')`,
		`CREATE INDEX IF NOT EXISTS idx_orders_status ON orders(status)`,
		`CREATE INDEX IF NOT EXISTS idx_orders_symbol ON orders(base_symbol, side)`,
		`CREATE INDEX IF NOT EXISTS idx_order_history_order ON order_status_history(order_id, id)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(s.d.DDL(stmt)); err != nil {
			return fmt.Errorf("failed to initialize order tables: %w", err)
		}
	}
	return nil
}

const orderColumns = `id, broker_order_id, symbol, base_symbol, ticker, side, purpose, rung,
	order_type, variety, exchange, product, quantity, price, ref_price, filled_qty, avg_price,
	status, retry_count, rejection_reason, cancelled_reason, tag,
	placed_at, last_checked_at, executed_at, created_at, updated_at`

// Create inserts a new order with its first history row. A buy that would be
// the second live buy for its instrument fails with ErrActiveOrderExists.
func (s *OrderStore) Create(ctx context.Context, o *Order) error {
	if o.Status == "" {
		o.Status = StatusPending
	}
	if o.BaseSymbol == "" {
		return errors.New("order base symbol is required")
	}
	now := s.now()
	o.CreatedAt, o.UpdatedAt = now, now

	err := withTx(ctx, s.db, func(tx *sql.Tx) error {
		if o.Side == SideBuy && !IsTerminal(o.Status) {
			var n int
			err := s.d.queryRow(ctx, tx, `SELECT COUNT(*) FROM orders
				WHERE base_symbol = ? AND side = 'BUY' AND status IN ('PENDING', 'ONGOING', 'RETRY_PENDING')`,
				o.BaseSymbol).Scan(&n)
			if err != nil {
				return fmt.Errorf("failed to check active orders: %w", err)
			}
			if n > 0 {
				return ErrActiveOrderExists
			}
		}
		id, err := s.d.insert(ctx, tx, `INSERT INTO orders (
				broker_order_id, symbol, base_symbol, ticker, side, purpose, rung,
				order_type, variety, exchange, product, quantity, price, ref_price, filled_qty, avg_price,
				status, retry_count, rejection_reason, cancelled_reason, tag,
				placed_at, last_checked_at, executed_at, created_at, updated_at
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			o.BrokerOrderID, o.Symbol, o.BaseSymbol, o.Ticker, o.Side, o.Purpose, o.Rung,
			o.OrderType, o.Variety, o.Exchange, o.Product, o.Quantity, o.Price, o.RefPrice, o.FilledQty, o.AvgPrice,
			o.Status, o.RetryCount, o.RejectionReason, o.CancelledReason, o.Tag,
			formatTime(o.PlacedAt), formatTime(o.LastCheckedAt), formatTime(o.ExecutedAt),
			formatTime(now), formatTime(now),
		)
		if err != nil {
			if isUniqueViolation(err) {
				return ErrActiveOrderExists
			}
			return fmt.Errorf("failed to create order: %w", err)
		}
		o.ID = id
		return s.appendHistory(ctx, tx, id, "", o.Status, "created", now)
	})
	if err != nil {
		return err
	}
	logger.AuditTransition(o.ID, o.Symbol, "", o.Status, "created")
	return nil
}

func (s *OrderStore) appendHistory(ctx context.Context, tx *sql.Tx, orderID int64, from, to, reason string, at time.Time) error {
	_, err := s.d.insert(ctx, tx, `INSERT INTO order_status_history (order_id, from_status, to_status, reason, changed_at)
		VALUES (?, ?, ?, ?, ?)`, orderID, from, to, reason, formatTime(at))
	if err != nil {
		return fmt.Errorf("failed to append order history: %w", err)
	}
	return nil
}

// Transition moves an order to a new status atomically with its history row.
// mutate, if non-nil, may adjust other fields in the same write. Moving a
// terminal order fails with ErrTerminal; a move the state machine does not
// allow fails with ErrIllegalTransition.
func (s *OrderStore) Transition(ctx context.Context, id int64, to, reason string, mutate func(*Order)) (*Order, error) {
	var (
		out  *Order
		from string
	)
	err := withTx(ctx, s.db, func(tx *sql.Tx) error {
		o, err := s.get(ctx, tx, id)
		if err != nil {
			return err
		}
		from = o.Status
		if IsTerminal(from) {
			return fmt.Errorf("%w: order %d is %s", ErrTerminal, id, from)
		}
		if from != to && !CanTransition(from, to) {
			return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, from, to)
		}
		if mutate != nil {
			mutate(o)
		}
		o.Status = to
		switch to {
		case StatusRejected:
			if o.RejectionReason == "" {
				o.RejectionReason = reason
			}
		case StatusCancelled, StatusClosed:
			if o.CancelledReason == "" {
				o.CancelledReason = reason
			}
		}
		now := s.now()
		if to == StatusExecuted && o.ExecutedAt.IsZero() {
			o.ExecutedAt = now
		}
		o.UpdatedAt = now
		if err := s.update(ctx, tx, o); err != nil {
			if isUniqueViolation(err) {
				return ErrActiveOrderExists
			}
			return err
		}
		if from != to {
			if err := s.appendHistory(ctx, tx, id, from, to, reason, now); err != nil {
				return err
			}
		}
		out = o
		return nil
	})
	if err != nil {
		return nil, err
	}
	if from != to {
		metrics.OrderTransitions.WithLabelValues(to).Inc()
		logger.AuditTransition(out.ID, out.Symbol, from, to, reason)
	}
	return out, nil
}

// Annotate updates informational fields, which stay writable on terminal
// orders: last check time, filled quantity, average price, broker id.
func (s *OrderStore) Annotate(ctx context.Context, id int64, mutate func(*Order)) (*Order, error) {
	var out *Order
	err := withTx(ctx, s.db, func(tx *sql.Tx) error {
		o, err := s.get(ctx, tx, id)
		if err != nil {
			return err
		}
		status, qty, side, symbol := o.Status, o.Quantity, o.Side, o.BaseSymbol
		mutate(o)
		// only informational fields may change
		o.Status, o.Quantity, o.Side, o.BaseSymbol = status, qty, side, symbol
		o.UpdatedAt = s.now()
		if err := s.update(ctx, tx, o); err != nil {
			return err
		}
		out = o
		return nil
	})
	return out, err
}

// Touch records that the broker was consulted about the order.
func (s *OrderStore) Touch(ctx context.Context, id int64, at time.Time) error {
	_, err := s.d.exec(ctx, s.db, `UPDATE orders SET last_checked_at = ? WHERE id = ?`, formatTime(at), id)
	if err != nil {
		return fmt.Errorf("failed to touch order: %w", err)
	}
	return nil
}

// AdoptBrokerOrder links an externally placed broker order to the local
// RETRY_PENDING (or PENDING) row: broker id and quantity overwrite the local
// values and the order becomes PENDING. Adopting a broker id the ledger
// already holds is a no-op that returns the existing row with adopted=false.
func (s *OrderStore) AdoptBrokerOrder(ctx context.Context, id int64, brokerOrderID string, qty int64, placedAt time.Time) (order *Order, adopted bool, err error) {
	if brokerOrderID == "" {
		return nil, false, errors.New("broker order id is required")
	}
	err = withTx(ctx, s.db, func(tx *sql.Tx) error {
		existing, gerr := s.getBy(ctx, tx, `broker_order_id = ?`, brokerOrderID)
		if gerr == nil {
			order = existing
			return nil
		}
		if !errors.Is(gerr, ErrNotFound) {
			return gerr
		}

		o, gerr := s.get(ctx, tx, id)
		if gerr != nil {
			return gerr
		}
		if o.Status != StatusRetryPending && o.Status != StatusPending {
			return fmt.Errorf("%w: cannot adopt into %s order", ErrIllegalTransition, o.Status)
		}
		from := o.Status
		now := s.now()
		o.BrokerOrderID = brokerOrderID
		o.Quantity = qty
		o.Status = StatusPending
		if !placedAt.IsZero() {
			o.PlacedAt = placedAt
		}
		o.UpdatedAt = now
		if uerr := s.update(ctx, tx, o); uerr != nil {
			return uerr
		}
		if aerr := s.appendHistory(ctx, tx, o.ID, from, StatusPending,
			fmt.Sprintf("adopted manual order %s qty=%d", brokerOrderID, qty), now); aerr != nil {
			return aerr
		}
		order, adopted = o, true
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	if adopted {
		logger.AuditTransition(order.ID, order.Symbol, StatusRetryPending, StatusPending, "adopted "+brokerOrderID)
	}
	return order, adopted, nil
}

// IncrementRetry bumps the retry counter.
func (s *OrderStore) IncrementRetry(ctx context.Context, id int64) error {
	_, err := s.d.exec(ctx, s.db, `UPDATE orders SET retry_count = retry_count + 1, updated_at = ? WHERE id = ?`,
		formatTime(s.now()), id)
	if err != nil {
		return fmt.Errorf("failed to increment retry count: %w", err)
	}
	return nil
}

func (s *OrderStore) update(ctx context.Context, q querier, o *Order) error {
	_, err := s.d.exec(ctx, q, `UPDATE orders SET
			broker_order_id = ?, symbol = ?, ticker = ?, purpose = ?, rung = ?, order_type = ?,
			variety = ?, exchange = ?, product = ?, quantity = ?, price = ?, ref_price = ?,
			filled_qty = ?, avg_price = ?, status = ?, retry_count = ?, rejection_reason = ?,
			cancelled_reason = ?, tag = ?, placed_at = ?, last_checked_at = ?, executed_at = ?,
			updated_at = ?
		WHERE id = ?`,
		o.BrokerOrderID, o.Symbol, o.Ticker, o.Purpose, o.Rung, o.OrderType,
		o.Variety, o.Exchange, o.Product, o.Quantity, o.Price, o.RefPrice,
		o.FilledQty, o.AvgPrice, o.Status, o.RetryCount, o.RejectionReason,
		o.CancelledReason, o.Tag, formatTime(o.PlacedAt), formatTime(o.LastCheckedAt), formatTime(o.ExecutedAt),
		formatTime(o.UpdatedAt), o.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update order %d: %w", o.ID, err)
	}
	return nil
}

func (s *OrderStore) get(ctx context.Context, q querier, id int64) (*Order, error) {
	return s.getBy(ctx, q, `id = ?`, id)
}

func (s *OrderStore) getBy(ctx context.Context, q querier, where string, args ...any) (*Order, error) {
	rows, err := s.d.query(ctx, q, `SELECT `+orderColumns+` FROM orders WHERE `+where+` ORDER BY id DESC LIMIT 1`, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query order: %w", err)
	}
	orders, err := scanOrders(rows)
	if err != nil {
		return nil, err
	}
	if len(orders) == 0 {
		return nil, ErrNotFound
	}
	return orders[0], nil
}

// Get loads one order by local id.
func (s *OrderStore) Get(ctx context.Context, id int64) (*Order, error) {
	return s.get(ctx, s.db, id)
}

// GetByBrokerID loads the order carrying a broker id.
func (s *OrderStore) GetByBrokerID(ctx context.Context, brokerOrderID string) (*Order, error) {
	return s.getBy(ctx, s.db, `broker_order_id = ?`, brokerOrderID)
}

// ActiveBuy returns the live buy for an instrument, or ErrNotFound.
func (s *OrderStore) ActiveBuy(ctx context.Context, baseSymbol string) (*Order, error) {
	return s.getBy(ctx, s.db, `base_symbol = ? AND side = 'BUY' AND status IN ('PENDING', 'ONGOING', 'RETRY_PENDING')`, baseSymbol)
}

// ListNonTerminal returns every live order, oldest first.
func (s *OrderStore) ListNonTerminal(ctx context.Context) ([]*Order, error) {
	return s.list(ctx, `status IN ('PENDING', 'ONGOING', 'RETRY_PENDING')`, "id ASC", 0)
}

// ListByStatus returns orders in one status, oldest first.
func (s *OrderStore) ListByStatus(ctx context.Context, status string) ([]*Order, error) {
	return s.list(ctx, `status = ?`, "id ASC", 0, status)
}

// ListActiveForSymbol returns the live orders (any side) for an instrument.
func (s *OrderStore) ListActiveForSymbol(ctx context.Context, baseSymbol string) ([]*Order, error) {
	return s.list(ctx, `base_symbol = ? AND status IN ('PENDING', 'ONGOING', 'RETRY_PENDING')`, "id ASC", 0, baseSymbol)
}

// ActiveBuySymbols lists instruments with a live buy.
func (s *OrderStore) ActiveBuySymbols(ctx context.Context) ([]string, error) {
	rows, err := s.d.query(ctx, s.db, `SELECT DISTINCT base_symbol FROM orders
		WHERE side = 'BUY' AND status IN ('PENDING', 'ONGOING', 'RETRY_PENDING')`)
	if err != nil {
		return nil, fmt.Errorf("failed to list active symbols: %w", err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var sym string
		if err := rows.Scan(&sym); err != nil {
			return nil, err
		}
		out = append(out, sym)
	}
	return out, rows.Err()
}

// BrokerOrderIDs returns every broker id the ledger knows.
func (s *OrderStore) BrokerOrderIDs(ctx context.Context) (map[string]bool, error) {
	rows, err := s.d.query(ctx, s.db, `SELECT broker_order_id FROM orders WHERE broker_order_id <> ''`)
	if err != nil {
		return nil, fmt.Errorf("failed to list broker ids: %w", err)
	}
	defer rows.Close()
	ids := make(map[string]bool)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids[id] = true
	}
	return ids, rows.Err()
}

// List returns the newest orders matching f.
func (s *OrderStore) List(ctx context.Context, f OrderFilter) ([]*Order, error) {
	var (
		conds []string
		args  []any
	)
	if f.Status != "" {
		conds = append(conds, "status = ?")
		args = append(args, strings.ToUpper(f.Status))
	}
	if f.BaseSymbol != "" {
		conds = append(conds, "base_symbol = ?")
		args = append(args, strings.ToUpper(f.BaseSymbol))
	}
	where := "1 = 1"
	if len(conds) > 0 {
		where = strings.Join(conds, " AND ")
	}
	limit := f.Limit
	if limit <= 0 || limit > 1000 {
		limit = 200
	}
	return s.list(ctx, where, "id DESC", limit, args...)
}

func (s *OrderStore) list(ctx context.Context, where, order string, limit int, args ...any) ([]*Order, error) {
	q := `SELECT ` + orderColumns + ` FROM orders WHERE ` + where + ` ORDER BY ` + order
	if limit > 0 {
		q += fmt.Sprintf(" LIMIT %d", limit)
	}
	rows, err := s.d.query(ctx, s.db, q, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list orders: %w", err)
	}
	return scanOrders(rows)
}

// History returns an order's status changes, oldest first.
func (s *OrderStore) History(ctx context.Context, orderID int64) ([]StatusChange, error) {
	rows, err := s.d.query(ctx, s.db, `SELECT id, order_id, from_status, to_status, reason, changed_at
		FROM order_status_history WHERE order_id = ? ORDER BY id ASC`, orderID)
	if err != nil {
		return nil, fmt.Errorf("failed to query order history: %w", err)
	}
	defer rows.Close()
	var out []StatusChange
	for rows.Next() {
		var (
			c  StatusChange
			at sql.NullString
		)
		if err := rows.Scan(&c.ID, &c.OrderID, &c.From, &c.To, &c.Reason, &at); err != nil {
			return nil, err
		}
		c.ChangedAt = parseTime(at)
		out = append(out, c)
	}
	return out, rows.Err()
}

func scanOrders(rows *sql.Rows) ([]*Order, error) {
	defer rows.Close()
	var orders []*Order
	for rows.Next() {
		var (
			o                                          Order
			placedAt, checkedAt, executedAt, createdAt sql.NullString
			updatedAt                                  sql.NullString
		)
		err := rows.Scan(
			&o.ID, &o.BrokerOrderID, &o.Symbol, &o.BaseSymbol, &o.Ticker, &o.Side, &o.Purpose, &o.Rung,
			&o.OrderType, &o.Variety, &o.Exchange, &o.Product, &o.Quantity, &o.Price, &o.RefPrice,
			&o.FilledQty, &o.AvgPrice, &o.Status, &o.RetryCount, &o.RejectionReason, &o.CancelledReason, &o.Tag,
			&placedAt, &checkedAt, &executedAt, &createdAt, &updatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan order: %w", err)
		}
		o.PlacedAt = parseTime(placedAt)
		o.LastCheckedAt = parseTime(checkedAt)
		o.ExecutedAt = parseTime(executedAt)
		o.CreatedAt = parseTime(createdAt)
		o.UpdatedAt = parseTime(updatedAt)
		orders = append(orders, &o)
	}
	return orders, rows.Err()
}
