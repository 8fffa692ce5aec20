// Package custody abstracts the external funds-transfer primitive the escrow
// ledger settles through. A transfer is atomic: it either moves the whole
// amount or fails without side effects, synchronously.
package custody

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/shopspring/decimal"
)

var (
	// ErrTransferRejected is returned when the counterparty refuses a transfer.
	ErrTransferRejected = errors.New("custody: transfer rejected")

	// ErrInsufficientFunds is returned when the sender cannot cover the amount.
	ErrInsufficientFunds = errors.New("custody: insufficient funds")

	// ErrInvalidTransfer is returned for non-positive amounts or self transfers.
	ErrInvalidTransfer = errors.New("custody: invalid transfer")
)

// Transfer is one request to move funds between principals.
type Transfer struct {
	ID     string          `json:"id"` // idempotency key
	From   string          `json:"from"`
	To     string          `json:"to"`
	Amount decimal.Decimal `json:"amount"`
}

// Transferer performs atomic external transfers.
type Transferer interface {
	Transfer(ctx context.Context, t Transfer) error
}

func (t Transfer) validate() error {
	if !t.Amount.IsPositive() {
		return fmt.Errorf("%w: amount %s", ErrInvalidTransfer, t.Amount)
	}
	if t.From == "" || t.To == "" || t.From == t.To {
		return fmt.Errorf("%w: %q -> %q", ErrInvalidTransfer, t.From, t.To)
	}
	return nil
}

// SimulatedBank is an in-process wallet book. Wallets not yet seen start
// at the opening balance. Used for development and tests.
type SimulatedBank struct {
	mu        sync.Mutex
	wallets   map[string]decimal.Decimal
	opening   decimal.Decimal
	failNext  error
	transfers []Transfer
}

// NewSimulatedBank creates a bank whose unseen wallets hold opening.
func NewSimulatedBank(opening decimal.Decimal) *SimulatedBank {
	return &SimulatedBank{
		wallets: make(map[string]decimal.Decimal),
		opening: opening,
	}
}

// Fund sets a wallet's balance.
func (b *SimulatedBank) Fund(principal string, amount decimal.Decimal) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.wallets[principal] = amount
}

// Balance returns a wallet's balance.
func (b *SimulatedBank) Balance(principal string) decimal.Decimal {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.wallet(principal)
}

// FailNext makes the next transfer fail with err.
func (b *SimulatedBank) FailNext(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failNext = err
}

// Transfers returns the transfers applied so far, oldest first.
func (b *SimulatedBank) Transfers() []Transfer {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Transfer, len(b.transfers))
	copy(out, b.transfers)
	return out
}

func (b *SimulatedBank) Transfer(ctx context.Context, t Transfer) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := t.validate(); err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.failNext; err != nil {
		b.failNext = nil
		return err
	}
	from := b.wallet(t.From)
	if from.LessThan(t.Amount) {
		return fmt.Errorf("%w: %s has %s, needs %s", ErrInsufficientFunds, t.From, from, t.Amount)
	}
	b.wallets[t.From] = from.Sub(t.Amount)
	b.wallets[t.To] = b.wallet(t.To).Add(t.Amount)
	b.transfers = append(b.transfers, t)
	return nil
}

func (b *SimulatedBank) wallet(principal string) decimal.Decimal {
	if v, ok := b.wallets[principal]; ok {
		return v
	}
	return b.opening
}
