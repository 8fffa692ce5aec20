package market

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/escrow-engine/internal/model"
	"github.com/atmx/escrow-engine/internal/store"
)

// ValidateTrade checks a quantity and price against the market minimum.
// Shared by commodity registration and trade-open.
func ValidateTrade(quantity uint64, price decimal.Decimal, minTradeQuantity uint64) error {
	if quantity < minTradeQuantity {
		return fmt.Errorf("%w: %d below minimum %d", model.ErrInvalidTradeQuantity, quantity, minTradeQuantity)
	}
	if !price.IsPositive() {
		return fmt.Errorf("%w: %s", model.ErrInvalidCommodityPrice, price)
	}
	return nil
}

// RegisterCommodity inserts or overwrites a commodity. The caller becomes
// its owner.
func RegisterCommodity(ctx context.Context, tx store.Tx, caller string, id, quantity uint64, price decimal.Decimal, at time.Time) (*model.Commodity, error) {
	state, err := RequireAdministrator(ctx, tx, caller)
	if err != nil {
		return nil, err
	}
	if err := ValidateTrade(quantity, price, state.MinTradeQuantity); err != nil {
		return nil, err
	}
	c := &model.Commodity{
		ID:                id,
		AvailableQuantity: quantity,
		Price:             price,
		Owner:             caller,
		UpdatedAt:         at,
	}
	if err := tx.PutCommodity(ctx, c); err != nil {
		return nil, err
	}
	return c, nil
}

// CurrentPrice returns the commodity's live price, mapping a missing
// commodity to ErrCommodityNotFound.
func CurrentPrice(ctx context.Context, r store.Reader, id uint64) (*model.Commodity, error) {
	c, err := r.GetCommodity(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("commodity %d: %w", id, model.ErrCommodityNotFound)
	}
	if err != nil {
		return nil, err
	}
	return c, nil
}
