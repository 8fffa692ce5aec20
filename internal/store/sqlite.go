package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/escrow-engine/internal/model"

	_ "modernc.org/sqlite" // Pure-Go SQLite driver.
)

var _ Store = (*SQLiteStore)(nil)

// sqliteSchema stores uint64 identifiers and decimals as TEXT; SQLite's
// INTEGER is signed and REAL would lose precision. Ordering is done in Go.
const sqliteSchema = `
CREATE TABLE IF NOT EXISTS market_state (
	id                 INTEGER PRIMARY KEY CHECK (id = 1),
	administrator      TEXT NOT NULL,
	oracle_address     TEXT NOT NULL,
	trading_enabled    INTEGER NOT NULL,
	min_trade_quantity TEXT NOT NULL,
	initialized        INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS commodities (
	id                 TEXT PRIMARY KEY,
	available_quantity TEXT NOT NULL,
	price              TEXT NOT NULL,
	owner              TEXT NOT NULL,
	updated_at         TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS escrow_accounts (
	owner      TEXT PRIMARY KEY,
	balance    TEXT NOT NULL,
	updated_at TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS positions (
	trader       TEXT NOT NULL,
	position_id  TEXT NOT NULL,
	commodity_id TEXT NOT NULL,
	quantity     TEXT NOT NULL,
	entry_price  TEXT NOT NULL,
	opened_at    TEXT NOT NULL,
	PRIMARY KEY (trader, position_id)
);
CREATE TABLE IF NOT EXISTS ledger_entries (
	seq           INTEGER PRIMARY KEY AUTOINCREMENT,
	id            TEXT NOT NULL UNIQUE,
	trader        TEXT NOT NULL,
	kind          TEXT NOT NULL,
	amount        TEXT NOT NULL,
	balance_after TEXT NOT NULL,
	commodity_id  TEXT NOT NULL,
	position_id   TEXT NOT NULL,
	quantity      TEXT NOT NULL,
	price         TEXT NOT NULL,
	realized_pnl  TEXT NOT NULL,
	timestamp     TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS ledger_entries_trader_idx ON ledger_entries (trader, seq);
`

// SQLiteStore implements Store backed by an embedded SQLite database. It
// suits single-node deployments that need persistence without a server.
type SQLiteStore struct {
	sqlReader
	db *sql.DB
}

// NewSQLiteStore opens (or creates) a SQLite database at dbPath, creates
// the schema, and returns a ready-to-use SQLiteStore.
func NewSQLiteStore(ctx context.Context, dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}
	// One connection: SQLite serializes writers anyway, and ":memory:"
	// databases are per-connection.
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create sqlite schema: %w", err)
	}
	return &SQLiteStore{sqlReader: sqlReader{q: db}, db: db}, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) InTx(ctx context.Context, fn func(tx Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(&sqlTx{sqlReader: sqlReader{q: tx}}); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// sqlQuerier is satisfied by both *sql.DB and *sql.Tx.
type sqlQuerier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type sqlReader struct {
	q sqlQuerier
}

func (r sqlReader) GetMarketState(ctx context.Context) (*model.MarketState, error) {
	var st model.MarketState
	var minQty string
	err := r.q.QueryRowContext(ctx,
		`SELECT administrator, oracle_address, trading_enabled, min_trade_quantity, initialized
		 FROM market_state WHERE id = 1`).
		Scan(&st.Administrator, &st.OracleAddress, &st.TradingEnabled, &minQty, &st.Initialized)
	if errors.Is(err, sql.ErrNoRows) {
		return &model.MarketState{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get market state: %w", err)
	}
	st.MinTradeQuantity = parseUint(minQty)
	return &st, nil
}

func (r sqlReader) GetCommodity(ctx context.Context, id uint64) (*model.Commodity, error) {
	rows, err := r.q.QueryContext(ctx,
		`SELECT id, available_quantity, price, owner, updated_at FROM commodities WHERE id = ?`,
		formatUint(id))
	if err != nil {
		return nil, fmt.Errorf("get commodity %d: %w", id, err)
	}
	defer rows.Close()

	commodities, err := scanSQLiteCommodities(rows)
	if err != nil {
		return nil, err
	}
	if len(commodities) == 0 {
		return nil, fmt.Errorf("commodity %d: %w", id, ErrNotFound)
	}
	return &commodities[0], nil
}

func (r sqlReader) ListCommodities(ctx context.Context) ([]model.Commodity, error) {
	rows, err := r.q.QueryContext(ctx,
		`SELECT id, available_quantity, price, owner, updated_at FROM commodities`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	commodities, err := scanSQLiteCommodities(rows)
	if err != nil {
		return nil, err
	}
	sort.Slice(commodities, func(i, j int) bool { return commodities[i].ID < commodities[j].ID })
	return commodities, nil
}

func (r sqlReader) GetEscrowAccount(ctx context.Context, owner string) (*model.EscrowAccount, error) {
	a := model.EscrowAccount{Owner: owner}
	var balS, updatedS string
	err := r.q.QueryRowContext(ctx,
		`SELECT balance, updated_at FROM escrow_accounts WHERE owner = ?`, owner).
		Scan(&balS, &updatedS)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("escrow account %s: %w", owner, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get escrow account %s: %w", owner, err)
	}
	a.Balance, _ = decimal.NewFromString(balS)
	a.UpdatedAt = parseTime(updatedS)
	return &a, nil
}

func (r sqlReader) GetPosition(ctx context.Context, trader string, positionID uint64) (*model.Position, error) {
	rows, err := r.q.QueryContext(ctx,
		`SELECT trader, position_id, commodity_id, quantity, entry_price, opened_at
		 FROM positions WHERE trader = ? AND position_id = ?`,
		trader, formatUint(positionID))
	if err != nil {
		return nil, fmt.Errorf("get position %s/%d: %w", trader, positionID, err)
	}
	defer rows.Close()

	positions, err := scanSQLitePositions(rows)
	if err != nil {
		return nil, err
	}
	if len(positions) == 0 {
		return nil, fmt.Errorf("position %s/%d: %w", trader, positionID, ErrNotFound)
	}
	return &positions[0], nil
}

func (r sqlReader) ListPositions(ctx context.Context, trader string) ([]model.Position, error) {
	rows, err := r.q.QueryContext(ctx,
		`SELECT trader, position_id, commodity_id, quantity, entry_price, opened_at
		 FROM positions WHERE trader = ?`, trader)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	positions, err := scanSQLitePositions(rows)
	if err != nil {
		return nil, err
	}
	sortPositions(positions)
	return positions, nil
}

func (r sqlReader) CountPositions(ctx context.Context) (int, error) {
	var n int
	if err := r.q.QueryRowContext(ctx, `SELECT COUNT(*) FROM positions`).Scan(&n); err != nil {
		return 0, err
	}
	return n, nil
}

func (r sqlReader) GetLedgerEntriesByTrader(ctx context.Context, trader string) ([]model.LedgerEntry, error) {
	rows, err := r.q.QueryContext(ctx,
		`SELECT id, trader, kind, amount, balance_after, commodity_id, position_id,
		        quantity, price, realized_pnl, timestamp
		 FROM ledger_entries WHERE trader = ? ORDER BY seq`, trader)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []model.LedgerEntry
	for rows.Next() {
		var e model.LedgerEntry
		var amountS, balS, cidS, pidS, qtyS, priceS, pnlS, tsS string
		if err := rows.Scan(&e.ID, &e.Trader, &e.Kind, &amountS, &balS,
			&cidS, &pidS, &qtyS, &priceS, &pnlS, &tsS); err != nil {
			return nil, err
		}
		e.Amount, _ = decimal.NewFromString(amountS)
		e.BalanceAfter, _ = decimal.NewFromString(balS)
		e.CommodityID = parseUint(cidS)
		e.PositionID = parseUint(pidS)
		e.Quantity = parseUint(qtyS)
		e.Price, _ = decimal.NewFromString(priceS)
		e.RealizedPnL, _ = decimal.NewFromString(pnlS)
		e.Timestamp = parseTime(tsS)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

type sqlTx struct {
	sqlReader
}

func (t *sqlTx) PutMarketState(ctx context.Context, st *model.MarketState) error {
	_, err := t.q.ExecContext(ctx,
		`INSERT INTO market_state (id, administrator, oracle_address, trading_enabled, min_trade_quantity, initialized)
		 VALUES (1, ?, ?, ?, ?, ?)
		 ON CONFLICT (id) DO UPDATE SET
		     administrator = excluded.administrator,
		     oracle_address = excluded.oracle_address,
		     trading_enabled = excluded.trading_enabled,
		     min_trade_quantity = excluded.min_trade_quantity,
		     initialized = excluded.initialized`,
		st.Administrator, st.OracleAddress, st.TradingEnabled, formatUint(st.MinTradeQuantity), st.Initialized,
	)
	return err
}

func (t *sqlTx) PutCommodity(ctx context.Context, c *model.Commodity) error {
	_, err := t.q.ExecContext(ctx,
		`INSERT INTO commodities (id, available_quantity, price, owner, updated_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT (id) DO UPDATE SET
		     available_quantity = excluded.available_quantity,
		     price = excluded.price,
		     owner = excluded.owner,
		     updated_at = excluded.updated_at`,
		formatUint(c.ID), formatUint(c.AvailableQuantity), c.Price.String(), c.Owner, formatTime(c.UpdatedAt),
	)
	return err
}

func (t *sqlTx) PutEscrowAccount(ctx context.Context, a *model.EscrowAccount) error {
	_, err := t.q.ExecContext(ctx,
		`INSERT INTO escrow_accounts (owner, balance, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT (owner) DO UPDATE SET
		     balance = excluded.balance,
		     updated_at = excluded.updated_at`,
		a.Owner, a.Balance.String(), formatTime(a.UpdatedAt),
	)
	return err
}

func (t *sqlTx) InsertPosition(ctx context.Context, p *model.Position) error {
	_, err := t.q.ExecContext(ctx,
		`INSERT INTO positions (trader, position_id, commodity_id, quantity, entry_price, opened_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		p.Trader, formatUint(p.PositionID), formatUint(p.CommodityID),
		formatUint(p.Quantity), p.EntryPrice.String(), formatTime(p.OpenedAt),
	)
	if err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed") {
		return fmt.Errorf("position %s/%d: %w", p.Trader, p.PositionID, ErrConflict)
	}
	return err
}

func (t *sqlTx) DeletePosition(ctx context.Context, trader string, positionID uint64) error {
	res, err := t.q.ExecContext(ctx,
		`DELETE FROM positions WHERE trader = ? AND position_id = ?`,
		trader, formatUint(positionID))
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("position %s/%d: %w", trader, positionID, ErrNotFound)
	}
	return nil
}

func (t *sqlTx) InsertLedgerEntry(ctx context.Context, e *model.LedgerEntry) error {
	_, err := t.q.ExecContext(ctx,
		`INSERT INTO ledger_entries (id, trader, kind, amount, balance_after, commodity_id,
		                             position_id, quantity, price, realized_pnl, timestamp)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.Trader, e.Kind, e.Amount.String(), e.BalanceAfter.String(),
		formatUint(e.CommodityID), formatUint(e.PositionID), formatUint(e.Quantity),
		e.Price.String(), e.RealizedPnL.String(), formatTime(e.Timestamp),
	)
	return err
}

func scanSQLiteCommodities(rows *sql.Rows) ([]model.Commodity, error) {
	var commodities []model.Commodity
	for rows.Next() {
		var c model.Commodity
		var idS, qtyS, priceS, updatedS string
		if err := rows.Scan(&idS, &qtyS, &priceS, &c.Owner, &updatedS); err != nil {
			return nil, err
		}
		c.ID = parseUint(idS)
		c.AvailableQuantity = parseUint(qtyS)
		c.Price, _ = decimal.NewFromString(priceS)
		c.UpdatedAt = parseTime(updatedS)
		commodities = append(commodities, c)
	}
	return commodities, rows.Err()
}

func scanSQLitePositions(rows *sql.Rows) ([]model.Position, error) {
	var positions []model.Position
	for rows.Next() {
		var p model.Position
		var pidS, cidS, qtyS, priceS, openedS string
		if err := rows.Scan(&p.Trader, &pidS, &cidS, &qtyS, &priceS, &openedS); err != nil {
			return nil, err
		}
		p.PositionID = parseUint(pidS)
		p.CommodityID = parseUint(cidS)
		p.Quantity = parseUint(qtyS)
		p.EntryPrice, _ = decimal.NewFromString(priceS)
		p.OpenedAt = parseTime(openedS)
		positions = append(positions, p)
	}
	return positions, rows.Err()
}

func formatTime(t time.Time) string { return t.UTC().Format(time.RFC3339Nano) }

func parseTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}
