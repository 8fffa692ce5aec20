// Package market holds the administrator-governed side of the engine:
// access control, the global trading switch and minimum trade quantity,
// the oracle principal, trade validation, and the commodity registry.
//
// Functions here run inside a caller-supplied store.Tx so they compose
// with escrow and position writes in a single unit of work.
package market

import (
	"context"
	"fmt"

	"github.com/atmx/escrow-engine/internal/model"
	"github.com/atmx/escrow-engine/internal/store"
)

// VerifyAdministrator reports whether caller is the market administrator.
func VerifyAdministrator(state *model.MarketState, caller string) error {
	if !state.Initialized {
		return model.ErrNotInitialized
	}
	if caller == "" || caller != state.Administrator {
		return fmt.Errorf("%w: %q is not the administrator", model.ErrUnauthorized, caller)
	}
	return nil
}

// RequireAdministrator loads the market state and verifies caller against it.
func RequireAdministrator(ctx context.Context, tx store.Reader, caller string) (*model.MarketState, error) {
	state, err := tx.GetMarketState(ctx)
	if err != nil {
		return nil, err
	}
	if err := VerifyAdministrator(state, caller); err != nil {
		return nil, err
	}
	return state, nil
}

// Initialize assigns the administrator and oracle exactly once. Trading
// starts enabled.
func Initialize(ctx context.Context, tx store.Tx, admin string, minTradeQuantity uint64) (*model.MarketState, error) {
	state, err := tx.GetMarketState(ctx)
	if err != nil {
		return nil, err
	}
	if state.Initialized {
		return nil, model.ErrAlreadyInitialized
	}
	if admin == "" {
		return nil, fmt.Errorf("%w: empty administrator", model.ErrUnauthorized)
	}
	state = &model.MarketState{
		Administrator:    admin,
		OracleAddress:    admin,
		TradingEnabled:   true,
		MinTradeQuantity: minTradeQuantity,
		Initialized:      true,
	}
	if err := tx.PutMarketState(ctx, state); err != nil {
		return nil, err
	}
	return state, nil
}

// ToggleTrading flips the global trading switch.
func ToggleTrading(ctx context.Context, tx store.Tx, caller string) (*model.MarketState, error) {
	state, err := RequireAdministrator(ctx, tx, caller)
	if err != nil {
		return nil, err
	}
	state.TradingEnabled = !state.TradingEnabled
	if err := tx.PutMarketState(ctx, state); err != nil {
		return nil, err
	}
	return state, nil
}

// UpdateOracleAddress records a new oracle principal. The address is not
// validated.
func UpdateOracleAddress(ctx context.Context, tx store.Tx, caller, oracle string) (*model.MarketState, error) {
	state, err := RequireAdministrator(ctx, tx, caller)
	if err != nil {
		return nil, err
	}
	state.OracleAddress = oracle
	if err := tx.PutMarketState(ctx, state); err != nil {
		return nil, err
	}
	return state, nil
}

// SetMinTradeQuantity changes the minimum quantity for registration and
// trade-open. Existing commodities and positions are not revalidated.
func SetMinTradeQuantity(ctx context.Context, tx store.Tx, caller string, qty uint64) (*model.MarketState, error) {
	state, err := RequireAdministrator(ctx, tx, caller)
	if err != nil {
		return nil, err
	}
	state.MinTradeQuantity = qty
	if err := tx.PutMarketState(ctx, state); err != nil {
		return nil, err
	}
	return state, nil
}
