// Package escrow implements the custodial balance ledger. It is the only
// source of trade collateral and the only destination for settlements and
// withdrawals. Balances never go negative.
package escrow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/atmx/escrow-engine/internal/custody"
	"github.com/atmx/escrow-engine/internal/model"
	"github.com/atmx/escrow-engine/internal/store"
)

// Credit adds amount to trader's balance inside tx, creating the account
// if absent.
func Credit(ctx context.Context, tx store.Tx, trader string, amount decimal.Decimal, at time.Time) (*model.EscrowAccount, error) {
	acct, err := tx.GetEscrowAccount(ctx, trader)
	switch {
	case errors.Is(err, store.ErrNotFound):
		acct = &model.EscrowAccount{Owner: trader, Balance: decimal.Zero}
	case err != nil:
		return nil, err
	}
	acct.Balance = acct.Balance.Add(amount)
	acct.UpdatedAt = at
	if err := tx.PutEscrowAccount(ctx, acct); err != nil {
		return nil, err
	}
	return acct, nil
}

// Debit subtracts amount from trader's balance inside tx. A missing
// account or a balance below amount fails with ErrInsufficientEscrowBalance.
func Debit(ctx context.Context, tx store.Tx, trader string, amount decimal.Decimal, at time.Time) (*model.EscrowAccount, error) {
	acct, err := tx.GetEscrowAccount(ctx, trader)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: no escrow account for %s", model.ErrInsufficientEscrowBalance, trader)
	}
	if err != nil {
		return nil, err
	}
	if acct.Balance.LessThan(amount) {
		return nil, fmt.Errorf("%w: balance %s, need %s", model.ErrInsufficientEscrowBalance, acct.Balance, amount)
	}
	acct.Balance = acct.Balance.Sub(amount)
	acct.UpdatedAt = at
	if err := tx.PutEscrowAccount(ctx, acct); err != nil {
		return nil, err
	}
	return acct, nil
}

// Ledger moves funds between traders' external wallets and their escrow
// balances through the custody collaborator.
type Ledger struct {
	store     store.Store
	custody   custody.Transferer
	custodian string
	now       func() time.Time
}

// NewLedger creates a ledger that holds funds in the custodian wallet.
func NewLedger(st store.Store, t custody.Transferer, custodian string) *Ledger {
	return &Ledger{
		store:     st,
		custody:   t,
		custodian: custodian,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// WithClock overrides the timestamp source. Used by tests.
func (l *Ledger) WithClock(now func() time.Time) *Ledger {
	l.now = now
	return l
}

// Deposit moves amount from trader's wallet into escrow. The balance
// update is staged first and the transfer runs last, so a failed transfer
// leaves nothing behind. If the commit itself fails after the transfer
// succeeded, the transfer is reversed.
func (l *Ledger) Deposit(ctx context.Context, trader string, amount decimal.Decimal) (*model.EscrowAccount, error) {
	if !amount.IsPositive() {
		return nil, fmt.Errorf("%w: %s", model.ErrInvalidAmount, amount)
	}

	var acct *model.EscrowAccount
	var transfer *custody.Transfer
	err := l.store.InTx(ctx, func(tx store.Tx) error {
		at := l.now()
		var err error
		acct, err = Credit(ctx, tx, trader, amount, at)
		if err != nil {
			return err
		}
		entry := &model.LedgerEntry{
			ID:           uuid.New().String(),
			Trader:       trader,
			Kind:         model.EntryDeposit,
			Amount:       amount,
			BalanceAfter: acct.Balance,
			Price:        decimal.Zero,
			RealizedPnL:  decimal.Zero,
			Timestamp:    at,
		}
		if err := tx.InsertLedgerEntry(ctx, entry); err != nil {
			return err
		}

		t := custody.Transfer{ID: entry.ID, From: trader, To: l.custodian, Amount: amount}
		if err := l.custody.Transfer(ctx, t); err != nil {
			return fmt.Errorf("%w: %w", model.ErrEscrowTransactionFailed, err)
		}
		transfer = &t
		return nil
	})
	if err != nil {
		if transfer != nil {
			l.reverse(*transfer, err)
			return nil, fmt.Errorf("%w: %w", model.ErrEscrowTransactionFailed, err)
		}
		return nil, err
	}

	slog.Info("escrow deposit",
		"trader", trader,
		"amount", amount.String(),
		"balance", acct.Balance.String(),
	)
	return acct, nil
}

// Withdraw moves amount from escrow to trader's wallet. The decrement is
// staged and only committed once the transfer has succeeded.
func (l *Ledger) Withdraw(ctx context.Context, trader string, amount decimal.Decimal) (*model.EscrowAccount, error) {
	if !amount.IsPositive() {
		return nil, fmt.Errorf("%w: %s", model.ErrInvalidAmount, amount)
	}

	var acct *model.EscrowAccount
	var transfer *custody.Transfer
	err := l.store.InTx(ctx, func(tx store.Tx) error {
		at := l.now()
		var err error
		acct, err = Debit(ctx, tx, trader, amount, at)
		if err != nil {
			return err
		}
		entry := &model.LedgerEntry{
			ID:           uuid.New().String(),
			Trader:       trader,
			Kind:         model.EntryWithdrawal,
			Amount:       amount.Neg(),
			BalanceAfter: acct.Balance,
			Price:        decimal.Zero,
			RealizedPnL:  decimal.Zero,
			Timestamp:    at,
		}
		if err := tx.InsertLedgerEntry(ctx, entry); err != nil {
			return err
		}

		t := custody.Transfer{ID: entry.ID, From: l.custodian, To: trader, Amount: amount}
		if err := l.custody.Transfer(ctx, t); err != nil {
			return fmt.Errorf("%w: %w", model.ErrEscrowTransactionFailed, err)
		}
		transfer = &t
		return nil
	})
	if err != nil {
		if transfer != nil {
			l.reverse(*transfer, err)
			return nil, fmt.Errorf("%w: %w", model.ErrEscrowTransactionFailed, err)
		}
		return nil, err
	}

	slog.Info("escrow withdrawal",
		"trader", trader,
		"amount", amount.String(),
		"balance", acct.Balance.String(),
	)
	return acct, nil
}

// Balance returns trader's escrow balance, or ErrNotFound if the trader has
// never held escrow.
func (l *Ledger) Balance(ctx context.Context, trader string) (decimal.Decimal, error) {
	acct, err := l.store.GetEscrowAccount(ctx, trader)
	if err != nil {
		return decimal.Zero, err
	}
	return acct.Balance, nil
}

// History returns trader's escrow ledger entries, oldest first.
func (l *Ledger) History(ctx context.Context, trader string) ([]model.LedgerEntry, error) {
	return l.store.GetLedgerEntriesByTrader(ctx, trader)
}

// reverse undoes a transfer whose local commit failed. It runs detached
// from the request context, which may already be canceled.
func (l *Ledger) reverse(t custody.Transfer, cause error) {
	back := custody.Transfer{
		ID:     uuid.New().String(),
		From:   t.To,
		To:     t.From,
		Amount: t.Amount,
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := l.custody.Transfer(ctx, back); err != nil {
		slog.Error("escrow compensation failed; manual reconciliation required",
			"transfer_id", t.ID,
			"from", t.From,
			"to", t.To,
			"amount", t.Amount.String(),
			"cause", cause,
			"err", err,
		)
		return
	}
	slog.Warn("escrow transfer reversed after commit failure",
		"transfer_id", t.ID,
		"reversal_id", back.ID,
		"amount", t.Amount.String(),
		"cause", cause,
	)
}
