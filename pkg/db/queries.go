package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

var (
	ErrOwnerIDRequired    = errors.New("owner id is required")
	ErrStrategyNotFound   = errors.New("strategy not found")
	ErrOrderNotFound      = errors.New("order not found")
	ErrConnectionNotFound = errors.New("connection not found")
)

// Queries groups the statements the engine needs. Owner-scoped reads refuse an
// empty owner id so a bug can never leak another owner's rows.
type Queries struct {
	db *sql.DB
}

// --- Strategies ---

// CreateStrategy inserts a new strategy row.
func (q *Queries) CreateStrategy(ctx context.Context, s Strategy) error {
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO strategies (
			id, owner_id, connection_id, type, status, symbol, market, exchange_hint,
			parameters, valid_from, valid_until, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, COALESCE(?, CURRENT_TIMESTAMP), COALESCE(?, CURRENT_TIMESTAMP))
	`,
		s.ID, s.OwnerID, s.ConnectionID, s.Type, s.Status, s.Symbol, s.Market, s.ExchangeHint,
		s.Parameters, nullTime(s.ValidFrom), nullTime(s.ValidUntil), nullTime(s.CreatedAt), nullTime(s.UpdatedAt),
	)
	return err
}

// GetStrategy returns a strategy by id.
func (q *Queries) GetStrategy(ctx context.Context, id string) (*Strategy, error) {
	row := q.db.QueryRowContext(ctx, `
		SELECT id, owner_id, COALESCE(connection_id,''), type, status, symbol, market,
		       COALESCE(exchange_hint,''), parameters, valid_from, valid_until,
		       last_executed_at, created_at, updated_at
		FROM strategies WHERE id = ?
	`, id)
	s, err := scanStrategy(row)
	if err == sql.ErrNoRows {
		return nil, ErrStrategyNotFound
	}
	return s, err
}

// UpdateStrategy applies a user edit: symbol, parameters, validity and status
// may change, and updated_at is bumped so the executors treat previously
// placed orders as stale.
func (q *Queries) UpdateStrategy(ctx context.Context, s Strategy) error {
	res, err := q.db.ExecContext(ctx, `
		UPDATE strategies
		SET symbol = ?, market = ?, exchange_hint = ?, parameters = ?, status = ?,
		    valid_from = ?, valid_until = ?, updated_at = CURRENT_TIMESTAMP
		WHERE id = ?
	`, s.Symbol, s.Market, s.ExchangeHint, s.Parameters, s.Status,
		nullTime(s.ValidFrom), nullTime(s.ValidUntil), s.ID)
	if err != nil {
		return err
	}
	return requireRow(res, ErrStrategyNotFound)
}

// SaveStrategyParams persists engine-side parameter updates (running average
// cost, processed fill ids) WITHOUT bumping updated_at: only user edits may
// invalidate open orders.
func (q *Queries) SaveStrategyParams(ctx context.Context, id, paramsJSON string) error {
	res, err := q.db.ExecContext(ctx,
		`UPDATE strategies SET parameters = ? WHERE id = ?`, paramsJSON, id)
	if err != nil {
		return err
	}
	return requireRow(res, ErrStrategyNotFound)
}

// SetStrategyStatus transitions a strategy's lifecycle status.
func (q *Queries) SetStrategyStatus(ctx context.Context, id, status string) error {
	res, err := q.db.ExecContext(ctx,
		`UPDATE strategies SET status = ? WHERE id = ?`, status, id)
	if err != nil {
		return err
	}
	return requireRow(res, ErrStrategyNotFound)
}

// TouchLastExecuted commits the dedup fence for a strategy.
func (q *Queries) TouchLastExecuted(ctx context.Context, id string, at time.Time) error {
	_, err := q.db.ExecContext(ctx,
		`UPDATE strategies SET last_executed_at = ? WHERE id = ?`, at.UTC(), id)
	return err
}

// DueStrategies returns active strategies inside their validity window whose
// dedup fence is older than interval, ordered by owner for grouping. Offset
// and size form the batch window used for owner sharding.
func (q *Queries) DueStrategies(ctx context.Context, now time.Time, interval time.Duration, offset, size int) ([]Strategy, error) {
	now = now.UTC()
	fence := now.Add(-interval)
	rows, err := q.db.QueryContext(ctx, `
		SELECT id, owner_id, COALESCE(connection_id,''), type, status, symbol, market,
		       COALESCE(exchange_hint,''), parameters, valid_from, valid_until,
		       last_executed_at, created_at, updated_at
		FROM strategies
		WHERE status = ?
		  AND (last_executed_at IS NULL OR last_executed_at <= ?)
		  AND (valid_from IS NULL OR valid_from <= ?)
		  AND (valid_until IS NULL OR valid_until >= ?)
		ORDER BY owner_id, id
		LIMIT ? OFFSET ?
	`, StrategyStatusActive, fence, now, now, size, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanStrategies(rows)
}

// ListStrategiesByOwner returns all strategies for an owner.
func (q *Queries) ListStrategiesByOwner(ctx context.Context, ownerID string) ([]Strategy, error) {
	if ownerID == "" {
		return nil, ErrOwnerIDRequired
	}
	rows, err := q.db.QueryContext(ctx, `
		SELECT id, owner_id, COALESCE(connection_id,''), type, status, symbol, market,
		       COALESCE(exchange_hint,''), parameters, valid_from, valid_until,
		       last_executed_at, created_at, updated_at
		FROM strategies WHERE owner_id = ?
		ORDER BY created_at DESC
	`, ownerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanStrategies(rows)
}

// DeleteStrategy removes a strategy and detaches (not deletes) its orders.
func (q *Queries) DeleteStrategy(ctx context.Context, id string) error {
	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`UPDATE orders SET strategy_id = NULL WHERE strategy_id = ?`, id); err != nil {
		return fmt.Errorf("detach orders: %w", err)
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM strategies WHERE id = ?`, id)
	if err != nil {
		return err
	}
	if err := requireRow(res, ErrStrategyNotFound); err != nil {
		return err
	}
	return tx.Commit()
}

// --- Orders ---

// CreateOrder inserts a new order row.
func (q *Queries) CreateOrder(ctx context.Context, o Order) error {
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO orders (
			id, strategy_id, owner_id, broker_order_id, symbol, market, exchange_hint,
			side, order_type, qty, price, status, filled_qty, avg_fill_price, submitted_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, COALESCE(?, CURRENT_TIMESTAMP))
	`,
		o.ID, nullString(o.StrategyID), o.OwnerID, o.BrokerOrderID, o.Symbol, o.Market, o.ExchangeHint,
		o.Side, o.OrderType, o.Qty, o.Price, o.Status, o.FilledQty, o.AvgFillPrice, nullTime(o.SubmittedAt),
	)
	return err
}

// GetOrder returns an order by id.
func (q *Queries) GetOrder(ctx context.Context, id string) (*Order, error) {
	row := q.db.QueryRowContext(ctx, orderSelect+` WHERE id = ?`, id)
	o, err := scanOrder(row)
	if err == sql.ErrNoRows {
		return nil, ErrOrderNotFound
	}
	return o, err
}

// UpdateOrderStatus sets the status of an order.
func (q *Queries) UpdateOrderStatus(ctx context.Context, id, status string) error {
	res, err := q.db.ExecContext(ctx,
		`UPDATE orders SET status = ? WHERE id = ?`, status, id)
	if err != nil {
		return err
	}
	return requireRow(res, ErrOrderNotFound)
}

// UpdateOrderFill records reconciliation results; filledAt is only written
// when the order newly reached FILLED.
func (q *Queries) UpdateOrderFill(ctx context.Context, id, status string, filledQty int64, avgFillPrice float64, filledAt time.Time) error {
	res, err := q.db.ExecContext(ctx, `
		UPDATE orders
		SET status = ?, filled_qty = ?, avg_fill_price = ?,
		    filled_at = COALESCE(filled_at, ?)
		WHERE id = ?
	`, status, filledQty, avgFillPrice, nullTime(filledAt), id)
	if err != nil {
		return err
	}
	return requireRow(res, ErrOrderNotFound)
}

// RepairOrderStatus is the one sanctioned backward transition: a locally
// CANCELLED order that the broker still shows open is restored to SUBMITTED.
func (q *Queries) RepairOrderStatus(ctx context.Context, id string) error {
	res, err := q.db.ExecContext(ctx,
		`UPDATE orders SET status = ? WHERE id = ? AND status = ?`,
		OrderStatusSubmitted, id, OrderStatusCancelled)
	if err != nil {
		return err
	}
	return requireRow(res, ErrOrderNotFound)
}

// TodayOrdersByStrategy returns every order a strategy placed since dayStart
// (the current market-local trading day). Callers filter by type/side/status.
func (q *Queries) TodayOrdersByStrategy(ctx context.Context, strategyID string, dayStart time.Time) ([]Order, error) {
	rows, err := q.db.QueryContext(ctx,
		orderSelect+` WHERE strategy_id = ? AND submitted_at >= ? ORDER BY submitted_at`,
		strategyID, dayStart.UTC())
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanOrders(rows)
}

// PendingOrders returns system-wide SUBMITTED/PARTIALLY_FILLED orders with a
// batch window for sharding the reconciliation tick.
func (q *Queries) PendingOrders(ctx context.Context, offset, size int) ([]Order, error) {
	rows, err := q.db.QueryContext(ctx,
		orderSelect+` WHERE status IN (?, ?) ORDER BY owner_id, submitted_at LIMIT ? OFFSET ?`,
		OrderStatusSubmitted, OrderStatusPartiallyFilled, size, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanOrders(rows)
}

// StaleSubmittedBefore returns orders still SUBMITTED from before cutoff,
// candidates for the end-of-day force-cancel sweep.
func (q *Queries) StaleSubmittedBefore(ctx context.Context, cutoff time.Time) ([]Order, error) {
	rows, err := q.db.QueryContext(ctx,
		orderSelect+` WHERE status = ? AND submitted_at < ? ORDER BY submitted_at`,
		OrderStatusSubmitted, cutoff.UTC())
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanOrders(rows)
}

// ListOrdersByOwner returns an owner's most recent orders.
func (q *Queries) ListOrdersByOwner(ctx context.Context, ownerID string, limit int) ([]Order, error) {
	if ownerID == "" {
		return nil, ErrOwnerIDRequired
	}
	rows, err := q.db.QueryContext(ctx,
		orderSelect+` WHERE owner_id = ? ORDER BY submitted_at DESC LIMIT ?`,
		ownerID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanOrders(rows)
}

// --- Exec logs ---

// InsertExecLog appends an audit row.
func (q *Queries) InsertExecLog(ctx context.Context, l ExecLog) error {
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO exec_logs (owner_id, strategy_id, order_id, kind, message, instance_id)
		VALUES (?, ?, ?, ?, ?, ?)
	`, l.OwnerID, nullString(l.StrategyID), nullString(l.OrderID), l.Kind, l.Message, l.InstanceID)
	return err
}

// ListExecLogsByOwner returns an owner's most recent audit rows.
func (q *Queries) ListExecLogsByOwner(ctx context.Context, ownerID string, limit int) ([]ExecLog, error) {
	if ownerID == "" {
		return nil, ErrOwnerIDRequired
	}
	rows, err := q.db.QueryContext(ctx, `
		SELECT id, owner_id, COALESCE(strategy_id,''), COALESCE(order_id,''),
		       kind, COALESCE(message,''), COALESCE(instance_id,''), created_at
		FROM exec_logs WHERE owner_id = ?
		ORDER BY id DESC LIMIT ?
	`, ownerID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var res []ExecLog
	for rows.Next() {
		var l ExecLog
		if err := rows.Scan(&l.ID, &l.OwnerID, &l.StrategyID, &l.OrderID, &l.Kind, &l.Message, &l.InstanceID, &l.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, l)
	}
	return res, rows.Err()
}

// --- Users / connections ---

// CreateUser inserts a new user row.
func (q *Queries) CreateUser(ctx context.Context, u User) error {
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO users (id, email, password_hash) VALUES (?, ?, ?)
	`, u.ID, u.Email, u.PasswordHash)
	return err
}

// GetUserByEmail returns the user with the given email, or nil when none.
func (q *Queries) GetUserByEmail(ctx context.Context, email string) (*User, error) {
	row := q.db.QueryRowContext(ctx, `
		SELECT id, email, password_hash, created_at, updated_at
		FROM users WHERE email = ?
	`, email)
	var u User
	if err := row.Scan(&u.ID, &u.Email, &u.PasswordHash, &u.CreatedAt, &u.UpdatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	return &u, nil
}

// CreateConnection inserts an owner's KIS credential set.
func (q *Queries) CreateConnection(ctx context.Context, c Connection) error {
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO connections (id, owner_id, account_no, app_key, app_secret, is_active)
		VALUES (?, ?, ?, ?, ?, ?)
	`, c.ID, c.OwnerID, c.AccountNo, c.AppKey, c.AppSecret, c.IsActive)
	return err
}

// GetConnectionByOwner returns the owner's active credential set, or nil when
// none is configured.
func (q *Queries) GetConnectionByOwner(ctx context.Context, ownerID string) (*Connection, error) {
	if ownerID == "" {
		return nil, ErrOwnerIDRequired
	}
	row := q.db.QueryRowContext(ctx, `
		SELECT id, owner_id, account_no, app_key, app_secret, is_active, created_at, updated_at
		FROM connections WHERE owner_id = ? AND is_active = 1
		ORDER BY created_at DESC LIMIT 1
	`, ownerID)
	var c Connection
	if err := row.Scan(&c.ID, &c.OwnerID, &c.AccountNo, &c.AppKey, &c.AppSecret, &c.IsActive, &c.CreatedAt, &c.UpdatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	return &c, nil
}

// ListConnectionsByOwner returns all of an owner's credential sets, newest
// first. Secrets stay encrypted; callers must not decrypt for display.
func (q *Queries) ListConnectionsByOwner(ctx context.Context, ownerID string) ([]Connection, error) {
	if ownerID == "" {
		return nil, ErrOwnerIDRequired
	}
	rows, err := q.db.QueryContext(ctx, `
		SELECT id, owner_id, account_no, app_key, app_secret, is_active, created_at, updated_at
		FROM connections WHERE owner_id = ?
		ORDER BY created_at DESC
	`, ownerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var res []Connection
	for rows.Next() {
		var c Connection
		if err := rows.Scan(&c.ID, &c.OwnerID, &c.AccountNo, &c.AppKey, &c.AppSecret, &c.IsActive, &c.CreatedAt, &c.UpdatedAt); err != nil {
			return nil, err
		}
		res = append(res, c)
	}
	return res, rows.Err()
}

// DeactivateConnection flips a connection inactive. Owner-scoped so one user
// cannot touch another's credentials.
func (q *Queries) DeactivateConnection(ctx context.Context, id, ownerID string) error {
	if ownerID == "" {
		return ErrOwnerIDRequired
	}
	res, err := q.db.ExecContext(ctx, `
		UPDATE connections SET is_active = 0, updated_at = CURRENT_TIMESTAMP
		WHERE id = ? AND owner_id = ?
	`, id, ownerID)
	if err != nil {
		return err
	}
	return requireRow(res, ErrConnectionNotFound)
}

// --- scan helpers ---

const orderSelect = `
	SELECT id, COALESCE(strategy_id,''), owner_id, COALESCE(broker_order_id,''),
	       symbol, market, COALESCE(exchange_hint,''), side, order_type,
	       qty, COALESCE(price,0), status, filled_qty, avg_fill_price,
	       submitted_at, filled_at
	FROM orders`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanStrategy(r rowScanner) (*Strategy, error) {
	var s Strategy
	var validFrom, validUntil, lastExec sql.NullTime
	err := r.Scan(&s.ID, &s.OwnerID, &s.ConnectionID, &s.Type, &s.Status, &s.Symbol, &s.Market,
		&s.ExchangeHint, &s.Parameters, &validFrom, &validUntil, &lastExec, &s.CreatedAt, &s.UpdatedAt)
	if err != nil {
		return nil, err
	}
	s.ValidFrom = validFrom.Time
	s.ValidUntil = validUntil.Time
	s.LastExecutedAt = lastExec.Time
	return &s, nil
}

func scanStrategies(rows *sql.Rows) ([]Strategy, error) {
	var res []Strategy
	for rows.Next() {
		s, err := scanStrategy(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, *s)
	}
	return res, rows.Err()
}

func scanOrder(r rowScanner) (*Order, error) {
	var o Order
	var filledAt sql.NullTime
	err := r.Scan(&o.ID, &o.StrategyID, &o.OwnerID, &o.BrokerOrderID,
		&o.Symbol, &o.Market, &o.ExchangeHint, &o.Side, &o.OrderType,
		&o.Qty, &o.Price, &o.Status, &o.FilledQty, &o.AvgFillPrice,
		&o.SubmittedAt, &filledAt)
	if err != nil {
		return nil, err
	}
	o.FilledAt = filledAt.Time
	return &o, nil
}

func scanOrders(rows *sql.Rows) ([]Order, error) {
	var res []Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, *o)
	}
	return res, rows.Err()
}

func requireRow(res sql.Result, notFound error) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return notFound
	}
	return nil
}

// Times are stored as text and compared lexicographically by SQLite, so every
// bound value is normalized to UTC to keep the formats comparable.
func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UTC()
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
