// Package store defines the persistence interface for the escrow engine.
// Implementations include PostgreSQL and SQLite (sources of truth), Redis
// (read-through cache), and in-memory (for testing and development).
package store

import (
	"context"
	"errors"

	"github.com/atmx/escrow-engine/internal/model"
)

var (
	// ErrNotFound is returned by point lookups that match no row.
	ErrNotFound = model.ErrNotFound

	// ErrConflict is returned when an insert hits an existing key.
	ErrConflict = errors.New("store: key already exists")
)

// Reader is the read-only half of the store. Lookups return copies;
// mutating a returned value never changes stored state.
type Reader interface {
	// GetMarketState returns the market state. Before initialization it
	// returns a zero MarketState with Initialized == false.
	GetMarketState(ctx context.Context) (*model.MarketState, error)

	// GetCommodity retrieves a commodity by ID.
	GetCommodity(ctx context.Context, id uint64) (*model.Commodity, error)

	// ListCommodities returns all commodities ordered by ID.
	ListCommodities(ctx context.Context) ([]model.Commodity, error)

	// GetEscrowAccount retrieves a trader's escrow account.
	GetEscrowAccount(ctx context.Context, owner string) (*model.EscrowAccount, error)

	// GetPosition retrieves an open position by its composite key.
	GetPosition(ctx context.Context, trader string, positionID uint64) (*model.Position, error)

	// ListPositions returns a trader's open positions ordered by position ID.
	ListPositions(ctx context.Context, trader string) ([]model.Position, error)

	// CountPositions returns the number of open positions across all traders.
	CountPositions(ctx context.Context) (int, error)

	// GetLedgerEntriesByTrader returns a trader's escrow history, oldest first.
	GetLedgerEntriesByTrader(ctx context.Context, trader string) ([]model.LedgerEntry, error)
}

// Writer mutates state. Writers are only reachable through a Tx.
type Writer interface {
	PutMarketState(ctx context.Context, state *model.MarketState) error

	// PutCommodity inserts or overwrites a commodity.
	PutCommodity(ctx context.Context, c *model.Commodity) error

	// PutEscrowAccount inserts or overwrites an escrow account.
	PutEscrowAccount(ctx context.Context, acct *model.EscrowAccount) error

	// InsertPosition creates a position. Returns ErrConflict if the key is
	// already open.
	InsertPosition(ctx context.Context, p *model.Position) error

	// DeletePosition removes a position. Returns ErrNotFound if absent.
	DeletePosition(ctx context.Context, trader string, positionID uint64) error

	// InsertLedgerEntry appends an immutable escrow record.
	InsertLedgerEntry(ctx context.Context, entry *model.LedgerEntry) error
}

// Tx is a unit of work. Reads through a Tx observe its own staged writes.
type Tx interface {
	Reader
	Writer
}

// Store is the persistence interface.
type Store interface {
	Reader

	// InTx runs fn inside a transaction. If fn returns an error, none of
	// its writes become visible; otherwise all of them do, atomically.
	InTx(ctx context.Context, fn func(tx Tx) error) error
}
