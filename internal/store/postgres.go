package store

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/atmx/escrow-engine/internal/model"
)

var _ Store = (*PostgresStore)(nil)

// pgUniqueViolation is the SQLSTATE for unique_violation.
const pgUniqueViolation = "23505"

// PostgresSchema creates the tables the PostgresStore reads and writes.
// Unsigned identifiers and quantities are NUMERIC(20,0); money is NUMERIC.
const PostgresSchema = `
CREATE TABLE IF NOT EXISTS market_state (
	id                 SMALLINT PRIMARY KEY CHECK (id = 1),
	administrator      TEXT NOT NULL,
	oracle_address     TEXT NOT NULL,
	trading_enabled    BOOLEAN NOT NULL,
	min_trade_quantity NUMERIC(20,0) NOT NULL,
	initialized        BOOLEAN NOT NULL
);
CREATE TABLE IF NOT EXISTS commodities (
	id                 NUMERIC(20,0) PRIMARY KEY,
	available_quantity NUMERIC(20,0) NOT NULL,
	price              NUMERIC NOT NULL CHECK (price > 0),
	owner              TEXT NOT NULL,
	updated_at         TIMESTAMPTZ NOT NULL
);
CREATE TABLE IF NOT EXISTS escrow_accounts (
	owner      TEXT PRIMARY KEY,
	balance    NUMERIC NOT NULL CHECK (balance >= 0),
	updated_at TIMESTAMPTZ NOT NULL
);
CREATE TABLE IF NOT EXISTS positions (
	trader       TEXT NOT NULL,
	position_id  NUMERIC(20,0) NOT NULL,
	commodity_id NUMERIC(20,0) NOT NULL,
	quantity     NUMERIC(20,0) NOT NULL,
	entry_price  NUMERIC NOT NULL,
	opened_at    TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (trader, position_id)
);
CREATE TABLE IF NOT EXISTS ledger_entries (
	id            UUID PRIMARY KEY,
	seq           BIGSERIAL,
	trader        TEXT NOT NULL,
	kind          TEXT NOT NULL,
	amount        NUMERIC NOT NULL,
	balance_after NUMERIC NOT NULL,
	commodity_id  NUMERIC(20,0) NOT NULL,
	position_id   NUMERIC(20,0) NOT NULL,
	quantity      NUMERIC(20,0) NOT NULL,
	price         NUMERIC NOT NULL,
	realized_pnl  NUMERIC NOT NULL,
	timestamp     TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS ledger_entries_trader_idx ON ledger_entries (trader, seq);
`

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All monetary values are stored as NUMERIC for exact decimal precision.
type PostgresStore struct {
	pgReader
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pgReader: pgReader{q: pool}, pool: pool}
}

// Migrate creates the schema if it does not exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, PostgresSchema)
	return err
}

// InTx runs fn in a SERIALIZABLE transaction.
func (s *PostgresStore) InTx(ctx context.Context, fn func(tx Tx) error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.Serializable})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }() // no-op after commit

	if err := fn(&pgTx{pgReader: pgReader{q: tx}}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// pgQuerier is satisfied by both *pgxpool.Pool and pgx.Tx.
type pgQuerier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type pgReader struct {
	q pgQuerier
}

func (r pgReader) GetMarketState(ctx context.Context) (*model.MarketState, error) {
	var st model.MarketState
	var minQty string
	err := r.q.QueryRow(ctx,
		`SELECT administrator, oracle_address, trading_enabled, min_trade_quantity::TEXT, initialized
		 FROM market_state WHERE id = 1`).
		Scan(&st.Administrator, &st.OracleAddress, &st.TradingEnabled, &minQty, &st.Initialized)
	if errors.Is(err, pgx.ErrNoRows) {
		return &model.MarketState{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get market state: %w", err)
	}
	st.MinTradeQuantity = parseUint(minQty)
	return &st, nil
}

func (r pgReader) GetCommodity(ctx context.Context, id uint64) (*model.Commodity, error) {
	var c model.Commodity
	var idS, qtyS, priceS string
	err := r.q.QueryRow(ctx,
		`SELECT id::TEXT, available_quantity::TEXT, price::TEXT, owner, updated_at
		 FROM commodities WHERE id = $1::NUMERIC`, formatUint(id)).
		Scan(&idS, &qtyS, &priceS, &c.Owner, &c.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("commodity %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get commodity %d: %w", id, err)
	}
	c.ID = parseUint(idS)
	c.AvailableQuantity = parseUint(qtyS)
	c.Price, _ = decimal.NewFromString(priceS)
	return &c, nil
}

func (r pgReader) ListCommodities(ctx context.Context) ([]model.Commodity, error) {
	rows, err := r.q.Query(ctx,
		`SELECT id::TEXT, available_quantity::TEXT, price::TEXT, owner, updated_at
		 FROM commodities ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var commodities []model.Commodity
	for rows.Next() {
		var c model.Commodity
		var idS, qtyS, priceS string
		if err := rows.Scan(&idS, &qtyS, &priceS, &c.Owner, &c.UpdatedAt); err != nil {
			return nil, err
		}
		c.ID = parseUint(idS)
		c.AvailableQuantity = parseUint(qtyS)
		c.Price, _ = decimal.NewFromString(priceS)
		commodities = append(commodities, c)
	}
	return commodities, rows.Err()
}

func (r pgReader) GetEscrowAccount(ctx context.Context, owner string) (*model.EscrowAccount, error) {
	a := model.EscrowAccount{Owner: owner}
	var balS string
	err := r.q.QueryRow(ctx,
		`SELECT balance::TEXT, updated_at FROM escrow_accounts WHERE owner = $1`, owner).
		Scan(&balS, &a.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("escrow account %s: %w", owner, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get escrow account %s: %w", owner, err)
	}
	a.Balance, _ = decimal.NewFromString(balS)
	return &a, nil
}

func (r pgReader) GetPosition(ctx context.Context, trader string, positionID uint64) (*model.Position, error) {
	rows, err := r.q.Query(ctx,
		`SELECT trader, position_id::TEXT, commodity_id::TEXT, quantity::TEXT, entry_price::TEXT, opened_at
		 FROM positions WHERE trader = $1 AND position_id = $2::NUMERIC`,
		trader, formatUint(positionID))
	if err != nil {
		return nil, fmt.Errorf("get position %s/%d: %w", trader, positionID, err)
	}
	defer rows.Close()

	positions, err := scanPositions(rows)
	if err != nil {
		return nil, err
	}
	if len(positions) == 0 {
		return nil, fmt.Errorf("position %s/%d: %w", trader, positionID, ErrNotFound)
	}
	return &positions[0], nil
}

func (r pgReader) ListPositions(ctx context.Context, trader string) ([]model.Position, error) {
	rows, err := r.q.Query(ctx,
		`SELECT trader, position_id::TEXT, commodity_id::TEXT, quantity::TEXT, entry_price::TEXT, opened_at
		 FROM positions WHERE trader = $1 ORDER BY position_id`, trader)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanPositions(rows)
}

func (r pgReader) CountPositions(ctx context.Context) (int, error) {
	var n int
	if err := r.q.QueryRow(ctx, `SELECT COUNT(*) FROM positions`).Scan(&n); err != nil {
		return 0, err
	}
	return n, nil
}

func (r pgReader) GetLedgerEntriesByTrader(ctx context.Context, trader string) ([]model.LedgerEntry, error) {
	rows, err := r.q.Query(ctx,
		`SELECT id::TEXT, trader, kind, amount::TEXT, balance_after::TEXT,
		        commodity_id::TEXT, position_id::TEXT, quantity::TEXT,
		        price::TEXT, realized_pnl::TEXT, timestamp
		 FROM ledger_entries WHERE trader = $1 ORDER BY seq`, trader)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []model.LedgerEntry
	for rows.Next() {
		var e model.LedgerEntry
		var amountS, balS, cidS, pidS, qtyS, priceS, pnlS string
		if err := rows.Scan(&e.ID, &e.Trader, &e.Kind, &amountS, &balS,
			&cidS, &pidS, &qtyS, &priceS, &pnlS, &e.Timestamp); err != nil {
			return nil, err
		}
		e.Amount, _ = decimal.NewFromString(amountS)
		e.BalanceAfter, _ = decimal.NewFromString(balS)
		e.CommodityID = parseUint(cidS)
		e.PositionID = parseUint(pidS)
		e.Quantity = parseUint(qtyS)
		e.Price, _ = decimal.NewFromString(priceS)
		e.RealizedPnL, _ = decimal.NewFromString(pnlS)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// pgTx adds the write half on top of a pgx.Tx.
type pgTx struct {
	pgReader
}

func (t *pgTx) PutMarketState(ctx context.Context, st *model.MarketState) error {
	_, err := t.q.Exec(ctx,
		`INSERT INTO market_state (id, administrator, oracle_address, trading_enabled, min_trade_quantity, initialized)
		 VALUES (1, $1, $2, $3, $4::NUMERIC, $5)
		 ON CONFLICT (id) DO UPDATE SET
		     administrator = EXCLUDED.administrator,
		     oracle_address = EXCLUDED.oracle_address,
		     trading_enabled = EXCLUDED.trading_enabled,
		     min_trade_quantity = EXCLUDED.min_trade_quantity,
		     initialized = EXCLUDED.initialized`,
		st.Administrator, st.OracleAddress, st.TradingEnabled, formatUint(st.MinTradeQuantity), st.Initialized,
	)
	return err
}

func (t *pgTx) PutCommodity(ctx context.Context, c *model.Commodity) error {
	_, err := t.q.Exec(ctx,
		`INSERT INTO commodities (id, available_quantity, price, owner, updated_at)
		 VALUES ($1::NUMERIC, $2::NUMERIC, $3::NUMERIC, $4, $5)
		 ON CONFLICT (id) DO UPDATE SET
		     available_quantity = EXCLUDED.available_quantity,
		     price = EXCLUDED.price,
		     owner = EXCLUDED.owner,
		     updated_at = EXCLUDED.updated_at`,
		formatUint(c.ID), formatUint(c.AvailableQuantity), c.Price.String(), c.Owner, c.UpdatedAt,
	)
	return err
}

func (t *pgTx) PutEscrowAccount(ctx context.Context, a *model.EscrowAccount) error {
	_, err := t.q.Exec(ctx,
		`INSERT INTO escrow_accounts (owner, balance, updated_at)
		 VALUES ($1, $2::NUMERIC, $3)
		 ON CONFLICT (owner) DO UPDATE SET
		     balance = EXCLUDED.balance,
		     updated_at = EXCLUDED.updated_at`,
		a.Owner, a.Balance.String(), a.UpdatedAt,
	)
	return err
}

func (t *pgTx) InsertPosition(ctx context.Context, p *model.Position) error {
	_, err := t.q.Exec(ctx,
		`INSERT INTO positions (trader, position_id, commodity_id, quantity, entry_price, opened_at)
		 VALUES ($1, $2::NUMERIC, $3::NUMERIC, $4::NUMERIC, $5::NUMERIC, $6)`,
		p.Trader, formatUint(p.PositionID), formatUint(p.CommodityID),
		formatUint(p.Quantity), p.EntryPrice.String(), p.OpenedAt,
	)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
		return fmt.Errorf("position %s/%d: %w", p.Trader, p.PositionID, ErrConflict)
	}
	return err
}

func (t *pgTx) DeletePosition(ctx context.Context, trader string, positionID uint64) error {
	tag, err := t.q.Exec(ctx,
		`DELETE FROM positions WHERE trader = $1 AND position_id = $2::NUMERIC`,
		trader, formatUint(positionID))
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("position %s/%d: %w", trader, positionID, ErrNotFound)
	}
	return nil
}

func (t *pgTx) InsertLedgerEntry(ctx context.Context, e *model.LedgerEntry) error {
	_, err := t.q.Exec(ctx,
		`INSERT INTO ledger_entries (id, trader, kind, amount, balance_after, commodity_id,
		                             position_id, quantity, price, realized_pnl, timestamp)
		 VALUES ($1, $2, $3, $4::NUMERIC, $5::NUMERIC, $6::NUMERIC, $7::NUMERIC, $8::NUMERIC,
		         $9::NUMERIC, $10::NUMERIC, $11)`,
		e.ID, e.Trader, e.Kind, e.Amount.String(), e.BalanceAfter.String(),
		formatUint(e.CommodityID), formatUint(e.PositionID), formatUint(e.Quantity),
		e.Price.String(), e.RealizedPnL.String(), e.Timestamp,
	)
	return err
}

// pgxRows is the subset of pgx.Rows the scanners need.
type pgxRows interface {
	Next() bool
	Scan(dest ...interface{}) error
	Err() error
}

func scanPositions(rows pgxRows) ([]model.Position, error) {
	var positions []model.Position
	for rows.Next() {
		var p model.Position
		var pidS, cidS, qtyS, priceS string
		var openedAt time.Time
		if err := rows.Scan(&p.Trader, &pidS, &cidS, &qtyS, &priceS, &openedAt); err != nil {
			return nil, err
		}
		p.PositionID = parseUint(pidS)
		p.CommodityID = parseUint(cidS)
		p.Quantity = parseUint(qtyS)
		p.EntryPrice, _ = decimal.NewFromString(priceS)
		p.OpenedAt = openedAt
		positions = append(positions, p)
	}
	return positions, rows.Err()
}

func formatUint(v uint64) string { return strconv.FormatUint(v, 10) }

func parseUint(s string) uint64 {
	v, _ := strconv.ParseUint(s, 10, 64)
	return v
}
