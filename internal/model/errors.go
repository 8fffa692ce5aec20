package model

import "errors"

// Base error kinds. Every failed operation returns one of these (possibly
// wrapped) and leaves no partial state behind.
var (
	ErrUnauthorized              = errors.New("unauthorized access")
	ErrInvalidCommodityPrice     = errors.New("invalid commodity price")
	ErrInsufficientEscrowBalance = errors.New("insufficient escrow balance")
	ErrTradingDisabled           = errors.New("trading disabled")
	ErrInvalidTradeQuantity      = errors.New("invalid trade quantity")
	ErrEscrowTransactionFailed   = errors.New("escrow transaction failed")
	ErrNotFound                  = errors.New("not found")

	ErrPositionExists     = errors.New("position already open")
	ErrInvalidAmount      = errors.New("amount must be positive")
	ErrAlreadyInitialized = errors.New("market already initialized")
	ErrNotInitialized     = errors.New("market not initialized")
)

// Refined kinds. Each still matches its base kind under errors.Is, so
// callers that only distinguish the base kinds keep working.
var (
	ErrPositionNotFound  = &refinedError{msg: "position not found", base: ErrInvalidTradeQuantity}
	ErrCommodityNotFound = &refinedError{msg: "commodity not found", base: ErrInvalidCommodityPrice}
)

type refinedError struct {
	msg  string
	base error
}

func (e *refinedError) Error() string { return e.msg }
func (e *refinedError) Unwrap() error { return e.base }

// Kind names the base error kind carried by err, or "" if err is not part
// of the taxonomy.
func Kind(err error) string {
	for _, k := range kinds {
		if errors.Is(err, k.err) {
			return k.name
		}
	}
	return ""
}

// Reason names the most specific kind carried by err.
func Reason(err error) string {
	for _, k := range reasons {
		if errors.Is(err, k.err) {
			return k.name
		}
	}
	return Kind(err)
}

type namedErr struct {
	err  error
	name string
}

var kinds = []namedErr{
	{ErrUnauthorized, "Unauthorized"},
	{ErrInvalidCommodityPrice, "InvalidCommodityPrice"},
	{ErrInsufficientEscrowBalance, "InsufficientEscrowBalance"},
	{ErrTradingDisabled, "TradingDisabled"},
	{ErrInvalidTradeQuantity, "InvalidTradeQuantity"},
	{ErrEscrowTransactionFailed, "EscrowTransactionFailed"},
	{ErrNotFound, "NotFound"},
	{ErrPositionExists, "PositionExists"},
	{ErrInvalidAmount, "InvalidAmount"},
	{ErrAlreadyInitialized, "AlreadyInitialized"},
	{ErrNotInitialized, "NotInitialized"},
}

var reasons = []namedErr{
	{ErrPositionNotFound, "PositionNotFound"},
	{ErrCommodityNotFound, "CommodityNotFound"},
}
