// Package trade provides the trade engine that opens and closes
// collateralized positions, plus the HTTP handlers and WebSocket feed
// that expose it.
//
// All monetary values use shopspring/decimal, never float64.
package trade

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/atmx/escrow-engine/internal/escrow"
	"github.com/atmx/escrow-engine/internal/market"
	"github.com/atmx/escrow-engine/internal/metrics"
	"github.com/atmx/escrow-engine/internal/model"
	"github.com/atmx/escrow-engine/internal/store"
)

// Engine owns the market state and serializes every mutating operation
// behind one mutex (single-instance). Each operation commits through a
// single store transaction, so a failure leaves no partial writes.
type Engine struct {
	store  store.Store
	ledger *escrow.Ledger
	events *WSHub // optional
	now    func() time.Time
	mu     sync.Mutex
}

// NewEngine creates a trade engine. Pass nil for hub if event broadcasting
// is not needed.
func NewEngine(st store.Store, ledger *escrow.Ledger, hub *WSHub) *Engine {
	return &Engine{
		store:  st,
		ledger: ledger,
		events: hub,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// WithClock overrides the position open-time source. Used by tests.
func (e *Engine) WithClock(now func() time.Time) *Engine {
	e.now = now
	return e
}

// --- Market control ---

// Initialize assigns the administrator (and oracle) exactly once.
func (e *Engine) Initialize(ctx context.Context, admin string, minTradeQuantity uint64) (*model.MarketState, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	var state *model.MarketState
	err := e.store.InTx(ctx, func(tx store.Tx) error {
		var err error
		state, err = market.Initialize(ctx, tx, admin, minTradeQuantity)
		return err
	})
	if err != nil {
		return nil, err
	}
	slog.Info("market initialized", "administrator", admin, "min_trade_quantity", minTradeQuantity)
	return state, nil
}

// ToggleTrading flips the global trading switch and returns the new state.
func (e *Engine) ToggleTrading(ctx context.Context, caller string) (*model.MarketState, error) {
	state, err := e.control(ctx, func(tx store.Tx) (*model.MarketState, error) {
		return market.ToggleTrading(ctx, tx, caller)
	})
	if err != nil {
		return nil, err
	}
	slog.Info("trading toggled", "by", caller, "trading_enabled", state.TradingEnabled)
	e.broadcastState("trading_toggled", state)
	return state, nil
}

// UpdateOracleAddress records a new oracle principal.
func (e *Engine) UpdateOracleAddress(ctx context.Context, caller, oracle string) (*model.MarketState, error) {
	state, err := e.control(ctx, func(tx store.Tx) (*model.MarketState, error) {
		return market.UpdateOracleAddress(ctx, tx, caller, oracle)
	})
	if err != nil {
		return nil, err
	}
	slog.Info("oracle updated", "by", caller, "oracle", oracle)
	return state, nil
}

// SetMinTradeQuantity changes the minimum quantity for registration and
// trade-open.
func (e *Engine) SetMinTradeQuantity(ctx context.Context, caller string, qty uint64) (*model.MarketState, error) {
	state, err := e.control(ctx, func(tx store.Tx) (*model.MarketState, error) {
		return market.SetMinTradeQuantity(ctx, tx, caller, qty)
	})
	if err != nil {
		return nil, err
	}
	slog.Info("min trade quantity updated", "by", caller, "min_trade_quantity", qty)
	e.broadcastState("min_trade_quantity_updated", state)
	return state, nil
}

func (e *Engine) control(ctx context.Context, fn func(tx store.Tx) (*model.MarketState, error)) (*model.MarketState, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	var state *model.MarketState
	err := e.store.InTx(ctx, func(tx store.Tx) error {
		var err error
		state, err = fn(tx)
		return err
	})
	return state, err
}

// MarketState returns the current market state.
func (e *Engine) MarketState(ctx context.Context) (*model.MarketState, error) {
	return e.store.GetMarketState(ctx)
}

// SyncOpenPositions sets the open positions gauge from the store, so that
// positions opened by an earlier process are counted.
func (e *Engine) SyncOpenPositions(ctx context.Context) (int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	n, err := e.store.CountPositions(ctx)
	if err != nil {
		return 0, fmt.Errorf("count positions: %w", err)
	}
	metrics.OpenPositions.Set(float64(n))
	return n, nil
}

// --- Commodity registry ---

// RegisterCommodity inserts or overwrites a commodity (administrator only).
func (e *Engine) RegisterCommodity(ctx context.Context, caller string, id, quantity uint64, price decimal.Decimal) (*model.Commodity, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	var c *model.Commodity
	err := e.store.InTx(ctx, func(tx store.Tx) error {
		var err error
		c, err = market.RegisterCommodity(ctx, tx, caller, id, quantity, price, e.now())
		return err
	})
	if err != nil {
		return nil, err
	}

	slog.Info("commodity registered",
		"id", id,
		"quantity", quantity,
		"price", price.String(),
		"owner", caller,
	)
	if e.events != nil {
		e.events.Broadcast(WSMessage{
			Type:        "commodity_registered",
			CommodityID: id,
			Quantity:    quantity,
			Price:       price.String(),
		})
	}
	return c, nil
}

// SeedCommodity registers a commodity only if the store has none with that
// ID. It reports whether the commodity was added. The existence check runs
// inside the transaction so it never consults a cache.
func (e *Engine) SeedCommodity(ctx context.Context, caller string, id, quantity uint64, price decimal.Decimal) (bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	added := false
	err := e.store.InTx(ctx, func(tx store.Tx) error {
		_, err := tx.GetCommodity(ctx, id)
		if err == nil {
			return nil
		}
		if !errors.Is(err, store.ErrNotFound) {
			return err
		}
		if _, err := market.RegisterCommodity(ctx, tx, caller, id, quantity, price, e.now()); err != nil {
			return err
		}
		added = true
		return nil
	})
	if err != nil || !added {
		return false, err
	}

	slog.Info("commodity seeded", "id", id, "quantity", quantity, "price", price.String())
	if e.events != nil {
		e.events.Broadcast(WSMessage{
			Type:        "commodity_registered",
			CommodityID: id,
			Quantity:    quantity,
			Price:       price.String(),
		})
	}
	return true, nil
}

// GetCommodity returns a registered commodity or ErrNotFound.
func (e *Engine) GetCommodity(ctx context.Context, id uint64) (*model.Commodity, error) {
	return e.store.GetCommodity(ctx, id)
}

// ListCommodities returns all commodities ordered by ID.
func (e *Engine) ListCommodities(ctx context.Context) ([]model.Commodity, error) {
	return e.store.ListCommodities(ctx)
}

// --- Escrow ---

// Deposit moves funds from the caller's wallet into escrow.
func (e *Engine) Deposit(ctx context.Context, caller string, amount decimal.Decimal) (*model.EscrowAccount, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	acct, err := e.ledger.Deposit(ctx, caller, amount)
	if err != nil {
		return nil, err
	}
	metrics.EscrowFlow.WithLabelValues(model.EntryDeposit).Add(amount.InexactFloat64())
	return acct, nil
}

// Withdraw moves funds from escrow to the caller's wallet.
func (e *Engine) Withdraw(ctx context.Context, caller string, amount decimal.Decimal) (*model.EscrowAccount, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	acct, err := e.ledger.Withdraw(ctx, caller, amount)
	if err != nil {
		return nil, err
	}
	metrics.EscrowFlow.WithLabelValues(model.EntryWithdrawal).Add(amount.InexactFloat64())
	return acct, nil
}

// EscrowBalance returns a trader's escrow balance or ErrNotFound.
func (e *Engine) EscrowBalance(ctx context.Context, trader string) (decimal.Decimal, error) {
	return e.ledger.Balance(ctx, trader)
}

// EscrowHistory returns a trader's ledger entries, oldest first.
func (e *Engine) EscrowHistory(ctx context.Context, trader string) ([]model.LedgerEntry, error) {
	return e.ledger.History(ctx, trader)
}

// --- Positions ---

// ExecuteTrade opens a fully collateralized position for caller: it debits
// quantity * price from escrow and records the position at
// (caller, positionID). A key that is already open is rejected.
func (e *Engine) ExecuteTrade(ctx context.Context, caller string, commodityID, quantity, positionID uint64) (*model.Position, error) {
	start := time.Now()
	e.mu.Lock()
	defer e.mu.Unlock()

	var pos *model.Position
	var acct *model.EscrowAccount
	err := e.store.InTx(ctx, func(tx store.Tx) error {
		state, err := tx.GetMarketState(ctx)
		if err != nil {
			return err
		}
		if !state.TradingEnabled {
			return model.ErrTradingDisabled
		}

		commodity, err := market.CurrentPrice(ctx, tx, commodityID)
		if err != nil {
			return err
		}
		if err := market.ValidateTrade(quantity, commodity.Price, state.MinTradeQuantity); err != nil {
			return err
		}

		cost := model.Notional(quantity, commodity.Price)
		at := e.now()
		acct, err = escrow.Debit(ctx, tx, caller, cost, at)
		if err != nil {
			return err
		}

		pos = &model.Position{
			Trader:      caller,
			PositionID:  positionID,
			CommodityID: commodityID,
			Quantity:    quantity,
			EntryPrice:  commodity.Price,
			OpenedAt:    at,
		}
		if err := tx.InsertPosition(ctx, pos); err != nil {
			if errors.Is(err, store.ErrConflict) {
				return fmt.Errorf("position %d: %w", positionID, model.ErrPositionExists)
			}
			return err
		}

		return tx.InsertLedgerEntry(ctx, &model.LedgerEntry{
			ID:           uuid.New().String(),
			Trader:       caller,
			Kind:         model.EntryTradeOpen,
			Amount:       cost.Neg(),
			BalanceAfter: acct.Balance,
			CommodityID:  commodityID,
			PositionID:   positionID,
			Quantity:     quantity,
			Price:        commodity.Price,
			RealizedPnL:  decimal.Zero,
			Timestamp:    at,
		})
	})
	if err != nil {
		metrics.TradeRejections.WithLabelValues("open", model.Reason(err)).Inc()
		return nil, err
	}

	cost := pos.Collateral()
	metrics.TradesTotal.WithLabelValues("open").Inc()
	metrics.TradeLatency.WithLabelValues("open").Observe(time.Since(start).Seconds())
	metrics.CommodityVolume.WithLabelValues(fmt.Sprint(commodityID)).Add(float64(quantity))
	metrics.OpenPositions.Inc()

	slog.Info("trade executed",
		"trader", caller,
		"position_id", positionID,
		"commodity_id", commodityID,
		"qty", quantity,
		"entry_price", pos.EntryPrice.String(),
		"cost", cost.String(),
		"balance", acct.Balance.String(),
	)

	if e.events != nil {
		e.events.Broadcast(WSMessage{
			Type:        "position_opened",
			Trader:      caller,
			PositionID:  positionID,
			CommodityID: commodityID,
			Quantity:    quantity,
			Price:       pos.EntryPrice.String(),
			Amount:      cost.String(),
		})
	}
	return pos, nil
}

// ClosePosition settles caller's position at the commodity's current price:
// escrow is credited quantity * currentPrice and the position is removed.
// The credit is not capped at the original collateral.
func (e *Engine) ClosePosition(ctx context.Context, caller string, positionID uint64) (*model.Settlement, error) {
	start := time.Now()
	e.mu.Lock()
	defer e.mu.Unlock()

	var s *model.Settlement
	err := e.store.InTx(ctx, func(tx store.Tx) error {
		pos, err := tx.GetPosition(ctx, caller, positionID)
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("position %d: %w", positionID, model.ErrPositionNotFound)
		}
		if err != nil {
			return err
		}

		commodity, err := market.CurrentPrice(ctx, tx, pos.CommodityID)
		if err != nil {
			return err
		}

		credit := model.Notional(pos.Quantity, commodity.Price)
		pnl := credit.Sub(pos.Collateral())
		at := e.now()

		acct, err := escrow.Credit(ctx, tx, caller, credit, at)
		if err != nil {
			return err
		}
		if err := tx.DeletePosition(ctx, caller, positionID); err != nil {
			return err
		}
		if err := tx.InsertLedgerEntry(ctx, &model.LedgerEntry{
			ID:           uuid.New().String(),
			Trader:       caller,
			Kind:         model.EntryTradeClose,
			Amount:       credit,
			BalanceAfter: acct.Balance,
			CommodityID:  pos.CommodityID,
			PositionID:   positionID,
			Quantity:     pos.Quantity,
			Price:        commodity.Price,
			RealizedPnL:  pnl,
			Timestamp:    at,
		}); err != nil {
			return err
		}

		s = &model.Settlement{
			Position:     *pos,
			ExitPrice:    commodity.Price,
			Credited:     credit,
			RealizedPnL:  pnl,
			BalanceAfter: acct.Balance,
		}
		return nil
	})
	if err != nil {
		metrics.TradeRejections.WithLabelValues("close", model.Reason(err)).Inc()
		return nil, err
	}

	metrics.TradesTotal.WithLabelValues("close").Inc()
	metrics.TradeLatency.WithLabelValues("close").Observe(time.Since(start).Seconds())
	metrics.OpenPositions.Dec()

	slog.Info("position closed",
		"trader", caller,
		"position_id", positionID,
		"commodity_id", s.Position.CommodityID,
		"qty", s.Position.Quantity,
		"entry_price", s.Position.EntryPrice.String(),
		"exit_price", s.ExitPrice.String(),
		"credited", s.Credited.String(),
		"realized_pnl", s.RealizedPnL.String(),
	)

	if e.events != nil {
		e.events.Broadcast(WSMessage{
			Type:        "position_closed",
			Trader:      caller,
			PositionID:  positionID,
			CommodityID: s.Position.CommodityID,
			Quantity:    s.Position.Quantity,
			Price:       s.ExitPrice.String(),
			Amount:      s.Credited.String(),
		})
	}
	return s, nil
}

// GetPosition returns an open position or ErrNotFound.
func (e *Engine) GetPosition(ctx context.Context, trader string, positionID uint64) (*model.Position, error) {
	return e.store.GetPosition(ctx, trader, positionID)
}

// ListPositions returns a trader's open positions ordered by ID.
func (e *Engine) ListPositions(ctx context.Context, trader string) ([]model.Position, error) {
	return e.store.ListPositions(ctx, trader)
}

func (e *Engine) broadcastState(kind string, state *model.MarketState) {
	if e.events == nil {
		return
	}
	enabled := state.TradingEnabled
	e.events.Broadcast(WSMessage{
		Type:           kind,
		TradingEnabled: &enabled,
		Quantity:       state.MinTradeQuantity,
	})
}
