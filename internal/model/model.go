// Package model defines the core domain types shared across the escrow engine.
// All monetary values use shopspring/decimal, never float64.
package model

import (
	"math/big"
	"time"

	"github.com/shopspring/decimal"
)

// Commodity is an administrator-registered tradeable instrument.
// Registration inserts or overwrites; there is no delete.
type Commodity struct {
	ID                uint64          `json:"id" db:"id"`
	AvailableQuantity uint64          `json:"available_quantity" db:"available_quantity"`
	Price             decimal.Decimal `json:"price" db:"price"`
	Owner             string          `json:"owner" db:"owner"`
	UpdatedAt         time.Time       `json:"updated_at" db:"updated_at"`
}

// EscrowAccount is a trader's custodial balance. It never goes negative.
type EscrowAccount struct {
	Owner     string          `json:"owner" db:"owner"`
	Balance   decimal.Decimal `json:"balance" db:"balance"`
	UpdatedAt time.Time       `json:"updated_at" db:"updated_at"`
}

// Position is an open, fully collateralized claim on a quantity of a
// commodity at a recorded entry price. Keyed by (Trader, PositionID).
type Position struct {
	Trader      string          `json:"trader" db:"trader"`
	PositionID  uint64          `json:"position_id" db:"position_id"`
	CommodityID uint64          `json:"commodity_id" db:"commodity_id"`
	Quantity    uint64          `json:"quantity" db:"quantity"`
	EntryPrice  decimal.Decimal `json:"entry_price" db:"entry_price"`
	OpenedAt    time.Time       `json:"opened_at" db:"opened_at"`
}

// Collateral is the escrow amount held against the position at entry.
func (p Position) Collateral() decimal.Decimal {
	return Notional(p.Quantity, p.EntryPrice)
}

// MarketState is the process-wide market configuration. Mutated only by
// the administrator once Initialized is set.
type MarketState struct {
	Administrator    string `json:"administrator" db:"administrator"`
	OracleAddress    string `json:"oracle_address" db:"oracle_address"`
	TradingEnabled   bool   `json:"trading_enabled" db:"trading_enabled"`
	MinTradeQuantity uint64 `json:"min_trade_quantity" db:"min_trade_quantity"`
	Initialized      bool   `json:"initialized" db:"initialized"`
}

// Ledger entry kinds.
const (
	EntryDeposit    = "deposit"
	EntryWithdrawal = "withdrawal"
	EntryTradeOpen  = "trade_open"
	EntryTradeClose = "trade_close"
)

// LedgerEntry is an immutable record of one escrow balance change.
// Once created, these are never modified or deleted.
type LedgerEntry struct {
	ID           string          `json:"id" db:"id"`
	Trader       string          `json:"trader" db:"trader"`
	Kind         string          `json:"kind" db:"kind"`
	Amount       decimal.Decimal `json:"amount" db:"amount"` // signed effect on escrow
	BalanceAfter decimal.Decimal `json:"balance_after" db:"balance_after"`
	CommodityID  uint64          `json:"commodity_id,omitempty" db:"commodity_id"`
	PositionID   uint64          `json:"position_id,omitempty" db:"position_id"`
	Quantity     uint64          `json:"quantity,omitempty" db:"quantity"`
	Price        decimal.Decimal `json:"price" db:"price"`
	RealizedPnL  decimal.Decimal `json:"realized_pnl" db:"realized_pnl"` // trade_close only
	Timestamp    time.Time       `json:"timestamp" db:"timestamp"`
}

// Settlement describes the result of closing a position.
type Settlement struct {
	Position     Position        `json:"position"`
	ExitPrice    decimal.Decimal `json:"exit_price"`
	Credited     decimal.Decimal `json:"credited"`     // quantity * exit price
	RealizedPnL  decimal.Decimal `json:"realized_pnl"` // credited - collateral
	BalanceAfter decimal.Decimal `json:"balance_after"`
}

// Notional returns quantity * price.
func Notional(quantity uint64, price decimal.Decimal) decimal.Decimal {
	return price.Mul(Quantity(quantity))
}

// Quantity converts a unit count to a decimal without overflowing int64.
func Quantity(q uint64) decimal.Decimal {
	return decimal.NewFromBigInt(new(big.Int).SetUint64(q), 0)
}
