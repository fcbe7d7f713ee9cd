package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	_ "modernc.org/sqlite" // Pure-Go SQLite driver.

	"papertrade/internal/domain"
)

// Compile-time interface check.
var _ Store = (*SQLiteStore)(nil)

const schema = `
CREATE TABLE IF NOT EXISTS accounts (
	user_id    TEXT PRIMARY KEY,
	balance    TEXT NOT NULL,
	created_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS positions (
	user_id    TEXT NOT NULL,
	symbol     TEXT NOT NULL,
	quantity   INTEGER NOT NULL,
	settled    INTEGER NOT NULL,
	unsettled  INTEGER NOT NULL,
	avg_cost   TEXT NOT NULL,
	updated_at INTEGER NOT NULL,
	PRIMARY KEY (user_id, symbol)
);

CREATE TABLE IF NOT EXISTS orders (
	id            TEXT PRIMARY KEY,
	user_id       TEXT NOT NULL,
	symbol        TEXT NOT NULL,
	side          TEXT NOT NULL,
	kind          TEXT NOT NULL,
	quantity      INTEGER NOT NULL,
	trigger_price TEXT NOT NULL,
	reserved      TEXT NOT NULL,
	status        TEXT NOT NULL,
	created_at    INTEGER NOT NULL,
	checked_at    INTEGER NOT NULL,
	closed_at     INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_orders_status ON orders(status);

CREATE TABLE IF NOT EXISTS trades (
	id          TEXT PRIMARY KEY,
	order_id    TEXT NOT NULL,
	user_id     TEXT NOT NULL,
	symbol      TEXT NOT NULL,
	side        TEXT NOT NULL,
	price       TEXT NOT NULL,
	quantity    INTEGER NOT NULL,
	fees        TEXT NOT NULL,
	executed_at INTEGER NOT NULL,
	day         TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_trades_day ON trades(day);

CREATE TABLE IF NOT EXISTS limit_states (
	symbol      TEXT NOT NULL,
	day         TEXT NOT NULL,
	prev_close  TEXT NOT NULL,
	upper_bound TEXT NOT NULL,
	lower_bound TEXT NOT NULL,
	PRIMARY KEY (symbol, day)
);

CREATE TABLE IF NOT EXISTS meta (
	key   TEXT PRIMARY KEY,
	value TEXT NOT NULL
);
`

// SQLiteStore implements Store backed by a SQLite database. Money is stored
// as decimal strings, timestamps as Unix milliseconds.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) a SQLite database at dbPath, runs the
// schema migration, and returns a ready-to-use store.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", dbPath, err)
	}
	// A single writer keeps transaction semantics simple under the pure-Go driver.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrating schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// ---------------------------------------------------------------------------
// Loading
// ---------------------------------------------------------------------------

// LoadState reads the full persisted state.
func (s *SQLiteStore) LoadState(ctx context.Context) (*State, error) {
	st := &State{
		Accounts:    make(map[string]*domain.Account),
		Orders:      make(map[string]*domain.Order),
		LimitStates: make(map[string]*domain.LimitState),
	}

	rows, err := s.db.QueryContext(ctx, `SELECT user_id, balance, created_at FROM accounts`)
	if err != nil {
		return nil, fmt.Errorf("loading accounts: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			acct      domain.Account
			balance   string
			createdAt int64
		)
		if err := rows.Scan(&acct.UserID, &balance, &createdAt); err != nil {
			return nil, err
		}
		if acct.Balance, err = decimal.NewFromString(balance); err != nil {
			return nil, fmt.Errorf("account %s balance: %w", acct.UserID, err)
		}
		acct.CreatedAt = time.UnixMilli(createdAt)
		acct.Positions = make(map[string]*domain.Position)
		st.Accounts[acct.UserID] = &acct
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	posRows, err := s.db.QueryContext(ctx,
		`SELECT user_id, symbol, quantity, settled, unsettled, avg_cost, updated_at FROM positions`)
	if err != nil {
		return nil, fmt.Errorf("loading positions: %w", err)
	}
	defer posRows.Close()
	for posRows.Next() {
		var (
			userID    string
			pos       domain.Position
			avgCost   string
			updatedAt int64
		)
		if err := posRows.Scan(&userID, &pos.Symbol, &pos.Quantity, &pos.Settled, &pos.Unsettled, &avgCost, &updatedAt); err != nil {
			return nil, err
		}
		if pos.AvgCost, err = decimal.NewFromString(avgCost); err != nil {
			return nil, fmt.Errorf("position %s/%s avg cost: %w", userID, pos.Symbol, err)
		}
		pos.UpdatedAt = time.UnixMilli(updatedAt)
		acct, ok := st.Accounts[userID]
		if !ok {
			return nil, fmt.Errorf("position %s/%s references missing account", userID, pos.Symbol)
		}
		acct.Positions[pos.Symbol] = &pos
	}
	if err := posRows.Err(); err != nil {
		return nil, err
	}

	orderRows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, symbol, side, kind, quantity, trigger_price, reserved, status, created_at, checked_at, closed_at FROM orders`)
	if err != nil {
		return nil, fmt.Errorf("loading orders: %w", err)
	}
	defer orderRows.Close()
	for orderRows.Next() {
		o, err := scanOrder(orderRows)
		if err != nil {
			return nil, err
		}
		st.Orders[o.ID] = o
	}
	if err := orderRows.Err(); err != nil {
		return nil, err
	}

	// Most recent limit band per symbol.
	lsRows, err := s.db.QueryContext(ctx, `
		SELECT l.symbol, l.day, l.prev_close, l.upper_bound, l.lower_bound
		FROM limit_states l
		JOIN (SELECT symbol, MAX(day) AS day FROM limit_states GROUP BY symbol) m
		  ON l.symbol = m.symbol AND l.day = m.day`)
	if err != nil {
		return nil, fmt.Errorf("loading limit states: %w", err)
	}
	defer lsRows.Close()
	for lsRows.Next() {
		var (
			ls                      domain.LimitState
			prevClose, upper, lower string
		)
		if err := lsRows.Scan(&ls.Symbol, &ls.Day, &prevClose, &upper, &lower); err != nil {
			return nil, err
		}
		if ls.PrevClose, err = decimal.NewFromString(prevClose); err != nil {
			return nil, err
		}
		if ls.Upper, err = decimal.NewFromString(upper); err != nil {
			return nil, err
		}
		if ls.Lower, err = decimal.NewFromString(lower); err != nil {
			return nil, err
		}
		st.LimitStates[ls.Symbol] = &ls
	}
	if err := lsRows.Err(); err != nil {
		return nil, err
	}

	if err := s.db.QueryRowContext(ctx,
		`SELECT value FROM meta WHERE key = 'last_settled_day'`).Scan(&st.LastSettledDay); err != nil && err != sql.ErrNoRows {
		return nil, fmt.Errorf("loading settlement watermark: %w", err)
	}

	return st, nil
}

func scanOrder(rows *sql.Rows) (*domain.Order, error) {
	var (
		o                              domain.Order
		trigger, reserved              string
		createdAt, checkedAt, closedAt int64
	)
	if err := rows.Scan(&o.ID, &o.UserID, &o.Symbol, &o.Side, &o.Kind, &o.Quantity,
		&trigger, &reserved, &o.Status, &createdAt, &checkedAt, &closedAt); err != nil {
		return nil, err
	}
	var err error
	if o.Trigger, err = decimal.NewFromString(trigger); err != nil {
		return nil, fmt.Errorf("order %s trigger: %w", o.ID, err)
	}
	if o.Reserved, err = decimal.NewFromString(reserved); err != nil {
		return nil, fmt.Errorf("order %s reserved: %w", o.ID, err)
	}
	o.CreatedAt = time.UnixMilli(createdAt)
	if checkedAt != 0 {
		o.CheckedAt = time.UnixMilli(checkedAt)
	}
	if closedAt != 0 {
		o.ClosedAt = time.UnixMilli(closedAt)
	}
	return &o, nil
}

// ---------------------------------------------------------------------------
// Transactional writes
// ---------------------------------------------------------------------------

// withTx runs fn inside a transaction, rolling back on error.
func (s *SQLiteStore) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

// SaveAccount records a new or reset account.
func (s *SQLiteStore) SaveAccount(ctx context.Context, acct *domain.Account) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		return upsertAccount(tx, acct)
	})
}

// ApplyPlacement commits a pending order and the post-hold balance together.
func (s *SQLiteStore) ApplyPlacement(ctx context.Context, acct *domain.Account, order *domain.Order) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if err := upsertAccount(tx, acct); err != nil {
			return err
		}
		return upsertOrder(tx, order)
	})
}

// ApplyFill commits account, positions, order, and trade in one transaction.
func (s *SQLiteStore) ApplyFill(ctx context.Context, delta FillDelta) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if err := upsertAccount(tx, delta.Account); err != nil {
			return err
		}
		if err := syncPosition(tx, delta.Account, delta.Trade.Symbol); err != nil {
			return err
		}
		if err := upsertOrder(tx, delta.Order); err != nil {
			return err
		}
		return insertTrade(tx, delta.Trade)
	})
}

// ApplyOrderClose commits a cancel/reject/expire and any hold release.
func (s *SQLiteStore) ApplyOrderClose(ctx context.Context, acct *domain.Account, order *domain.Order) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if err := upsertAccount(tx, acct); err != nil {
			return err
		}
		return upsertOrder(tx, order)
	})
}

// ApplySettlement commits the T+1 rollover and the watermark atomically.
func (s *SQLiteStore) ApplySettlement(ctx context.Context, day string, accounts []*domain.Account) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		for _, acct := range accounts {
			for sym := range acct.Positions {
				if err := syncPosition(tx, acct, sym); err != nil {
					return err
				}
			}
		}
		_, err := tx.Exec(
			`INSERT INTO meta (key, value) VALUES ('last_settled_day', ?)
			 ON CONFLICT(key) DO UPDATE SET value = excluded.value`, day)
		return err
	})
}

// SaveLimitState records a symbol's daily band.
func (s *SQLiteStore) SaveLimitState(ctx context.Context, ls *domain.LimitState) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO limit_states (symbol, day, prev_close, upper_bound, lower_bound)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(symbol, day) DO UPDATE SET
			prev_close = excluded.prev_close,
			upper_bound = excluded.upper_bound,
			lower_bound = excluded.lower_bound`,
		ls.Symbol, ls.Day, ls.PrevClose.String(), ls.Upper.String(), ls.Lower.String())
	return err
}

// TradesOn returns all trades executed on the given trading day.
func (s *SQLiteStore) TradesOn(ctx context.Context, day string) ([]domain.Trade, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, order_id, user_id, symbol, side, price, quantity, fees, executed_at
		FROM trades WHERE day = ? ORDER BY executed_at`, day)
	if err != nil {
		return nil, fmt.Errorf("loading trades for %s: %w", day, err)
	}
	defer rows.Close()

	var trades []domain.Trade
	for rows.Next() {
		var (
			tr          domain.Trade
			price, fees string
			executedAt  int64
		)
		if err := rows.Scan(&tr.ID, &tr.OrderID, &tr.UserID, &tr.Symbol, &tr.Side, &price, &tr.Quantity, &fees, &executedAt); err != nil {
			return nil, err
		}
		if tr.Price, err = decimal.NewFromString(price); err != nil {
			return nil, err
		}
		if tr.Fees, err = decimal.NewFromString(fees); err != nil {
			return nil, err
		}
		tr.ExecutedAt = time.UnixMilli(executedAt)
		trades = append(trades, tr)
	}
	return trades, rows.Err()
}

// ---------------------------------------------------------------------------
// Row helpers
// ---------------------------------------------------------------------------

func upsertAccount(tx *sql.Tx, acct *domain.Account) error {
	_, err := tx.Exec(`
		INSERT INTO accounts (user_id, balance, created_at) VALUES (?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET balance = excluded.balance`,
		acct.UserID, acct.Balance.String(), acct.CreatedAt.UnixMilli())
	return err
}

// syncPosition mirrors the in-memory position for one symbol into the
// positions table; an emptied position is deleted.
func syncPosition(tx *sql.Tx, acct *domain.Account, symbol string) error {
	pos := acct.Positions[symbol]
	if pos.Empty() {
		_, err := tx.Exec(`DELETE FROM positions WHERE user_id = ? AND symbol = ?`, acct.UserID, symbol)
		return err
	}
	_, err := tx.Exec(`
		INSERT INTO positions (user_id, symbol, quantity, settled, unsettled, avg_cost, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_id, symbol) DO UPDATE SET
			quantity = excluded.quantity,
			settled = excluded.settled,
			unsettled = excluded.unsettled,
			avg_cost = excluded.avg_cost,
			updated_at = excluded.updated_at`,
		acct.UserID, pos.Symbol, pos.Quantity, pos.Settled, pos.Unsettled,
		pos.AvgCost.String(), pos.UpdatedAt.UnixMilli())
	return err
}

func upsertOrder(tx *sql.Tx, o *domain.Order) error {
	var checkedAt, closedAt int64
	if !o.CheckedAt.IsZero() {
		checkedAt = o.CheckedAt.UnixMilli()
	}
	if !o.ClosedAt.IsZero() {
		closedAt = o.ClosedAt.UnixMilli()
	}
	_, err := tx.Exec(`
		INSERT INTO orders (id, user_id, symbol, side, kind, quantity, trigger_price, reserved, status, created_at, checked_at, closed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			reserved = excluded.reserved,
			status = excluded.status,
			checked_at = excluded.checked_at,
			closed_at = excluded.closed_at`,
		o.ID, o.UserID, o.Symbol, string(o.Side), string(o.Kind), o.Quantity,
		o.Trigger.String(), o.Reserved.String(), string(o.Status),
		o.CreatedAt.UnixMilli(), checkedAt, closedAt)
	return err
}

func insertTrade(tx *sql.Tx, tr *domain.Trade) error {
	_, err := tx.Exec(`
		INSERT INTO trades (id, order_id, user_id, symbol, side, price, quantity, fees, executed_at, day)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		tr.ID, tr.OrderID, tr.UserID, tr.Symbol, string(tr.Side),
		tr.Price.String(), tr.Quantity, tr.Fees.String(),
		tr.ExecutedAt.UnixMilli(), domain.Day(tr.ExecutedAt))
	return err
}
