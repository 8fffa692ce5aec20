package escrow_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/atmx/escrow-engine/internal/custody"
	"github.com/atmx/escrow-engine/internal/escrow"
	"github.com/atmx/escrow-engine/internal/model"
	"github.com/atmx/escrow-engine/internal/store"
)

const vault = "vault"

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

var fixedNow = time.Date(2025, 8, 15, 0, 0, 0, 0, time.UTC)

func newLedger(t *testing.T) (*escrow.Ledger, *store.MemoryStore, *custody.SimulatedBank) {
	t.Helper()
	ms := store.NewMemoryStore()
	bank := custody.NewSimulatedBank(decimal.Zero)
	l := escrow.NewLedger(ms, bank, vault).WithClock(func() time.Time { return fixedNow })
	return l, ms, bank
}

// commitFailStore runs fn normally, then refuses to commit.
type commitFailStore struct {
	*store.MemoryStore
}

var errCommit = errors.New("commit failed")

func (s commitFailStore) InTx(ctx context.Context, fn func(tx store.Tx) error) error {
	return s.MemoryStore.InTx(ctx, func(tx store.Tx) error {
		if err := fn(tx); err != nil {
			return err
		}
		return errCommit
	})
}

func TestDeposit_CreatesAccount(t *testing.T) {
	l, _, bank := newLedger(t)
	bank.Fund("alice", d("1500"))
	ctx := context.Background()

	acct, err := l.Deposit(ctx, "alice", d("1000"))
	require.NoError(t, err)
	assert.True(t, acct.Balance.Equal(d("1000")))

	bal, err := l.Balance(ctx, "alice")
	require.NoError(t, err)
	assert.True(t, bal.Equal(d("1000")))
	assert.True(t, bank.Balance("alice").Equal(d("500")))
	assert.True(t, bank.Balance(vault).Equal(d("1000")))

	acct, err = l.Deposit(ctx, "alice", d("250"))
	require.NoError(t, err)
	assert.True(t, acct.Balance.Equal(d("1250")))
}

func TestDeposit_TransferFailureLeavesNoTrace(t *testing.T) {
	l, _, bank := newLedger(t)
	bank.Fund("alice", d("10"))
	ctx := context.Background()

	_, err := l.Deposit(ctx, "alice", d("100"))
	assert.ErrorIs(t, err, model.ErrEscrowTransactionFailed)
	assert.ErrorIs(t, err, custody.ErrInsufficientFunds)

	_, err = l.Balance(ctx, "alice")
	assert.ErrorIs(t, err, model.ErrNotFound)
	history, err := l.History(ctx, "alice")
	require.NoError(t, err)
	assert.Empty(t, history)
}

func TestDeposit_RejectsNonPositive(t *testing.T) {
	l, _, _ := newLedger(t)
	for _, amt := range []string{"0", "-5"} {
		_, err := l.Deposit(context.Background(), "alice", d(amt))
		assert.ErrorIs(t, err, model.ErrInvalidAmount)
	}
}

func TestDeposit_CommitFailureReversesTransfer(t *testing.T) {
	ms := store.NewMemoryStore()
	bank := custody.NewSimulatedBank(decimal.Zero)
	bank.Fund("alice", d("100"))
	l := escrow.NewLedger(commitFailStore{ms}, bank, vault)

	_, err := l.Deposit(context.Background(), "alice", d("60"))
	assert.ErrorIs(t, err, model.ErrEscrowTransactionFailed)
	assert.ErrorIs(t, err, errCommit)

	assert.True(t, bank.Balance("alice").Equal(d("100")))
	assert.True(t, bank.Balance(vault).IsZero())
	assert.Len(t, bank.Transfers(), 2)

	_, err = ms.GetEscrowAccount(context.Background(), "alice")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestWithdraw(t *testing.T) {
	l, _, bank := newLedger(t)
	bank.Fund("alice", d("1000"))
	ctx := context.Background()
	_, err := l.Deposit(ctx, "alice", d("1000"))
	require.NoError(t, err)

	acct, err := l.Withdraw(ctx, "alice", d("400"))
	require.NoError(t, err)
	assert.True(t, acct.Balance.Equal(d("600")))
	assert.True(t, bank.Balance("alice").Equal(d("400")))
	assert.True(t, bank.Balance(vault).Equal(d("600")))
}

func TestWithdraw_Insufficient(t *testing.T) {
	l, _, bank := newLedger(t)
	bank.Fund("alice", d("100"))
	ctx := context.Background()

	_, err := l.Withdraw(ctx, "alice", d("1"))
	assert.ErrorIs(t, err, model.ErrInsufficientEscrowBalance, "no account")

	_, err = l.Deposit(ctx, "alice", d("100"))
	require.NoError(t, err)

	_, err = l.Withdraw(ctx, "alice", d("100.01"))
	assert.ErrorIs(t, err, model.ErrInsufficientEscrowBalance)

	bal, _ := l.Balance(ctx, "alice")
	assert.True(t, bal.Equal(d("100")))
	assert.Len(t, bank.Transfers(), 1)
}

func TestWithdraw_TransferFailureKeepsBalance(t *testing.T) {
	l, _, bank := newLedger(t)
	bank.Fund("alice", d("100"))
	ctx := context.Background()
	_, err := l.Deposit(ctx, "alice", d("100"))
	require.NoError(t, err)

	bank.FailNext(custody.ErrTransferRejected)
	_, err = l.Withdraw(ctx, "alice", d("50"))
	assert.ErrorIs(t, err, model.ErrEscrowTransactionFailed)

	bal, _ := l.Balance(ctx, "alice")
	assert.True(t, bal.Equal(d("100")))
	history, _ := l.History(ctx, "alice")
	assert.Len(t, history, 1)
}

func TestHistory_RecordsSignedAmounts(t *testing.T) {
	l, _, bank := newLedger(t)
	bank.Fund("alice", d("100"))
	ctx := context.Background()
	_, err := l.Deposit(ctx, "alice", d("100"))
	require.NoError(t, err)
	_, err = l.Withdraw(ctx, "alice", d("30"))
	require.NoError(t, err)

	history, err := l.History(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, history, 2)

	assert.Equal(t, model.EntryDeposit, history[0].Kind)
	assert.True(t, history[0].Amount.Equal(d("100")))
	assert.True(t, history[0].BalanceAfter.Equal(d("100")))

	assert.Equal(t, model.EntryWithdrawal, history[1].Kind)
	assert.True(t, history[1].Amount.Equal(d("-30")))
	assert.True(t, history[1].BalanceAfter.Equal(d("70")))
	assert.Equal(t, fixedNow, history[1].Timestamp)
	assert.NotEqual(t, history[0].ID, history[1].ID)
}

func TestCreditDebit(t *testing.T) {
	ms := store.NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, ms.InTx(ctx, func(tx store.Tx) error {
		_, err := escrow.Credit(ctx, tx, "bob", d("5"), fixedNow)
		return err
	}))
	err := ms.InTx(ctx, func(tx store.Tx) error {
		_, err := escrow.Debit(ctx, tx, "bob", d("6"), fixedNow)
		return err
	})
	assert.ErrorIs(t, err, model.ErrInsufficientEscrowBalance)

	require.NoError(t, ms.InTx(ctx, func(tx store.Tx) error {
		a, err := escrow.Debit(ctx, tx, "bob", d("5"), fixedNow)
		if err == nil && !a.Balance.IsZero() {
			t.Errorf("expected zero balance, got %s", a.Balance)
		}
		return err
	}))
}

// Escrow plus the trader's wallet is conserved, and the escrow balance is
// never negative, over any mix of deposits and withdrawals.
func TestProperty_DepositWithdrawConservesFunds(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		ms := store.NewMemoryStore()
		bank := custody.NewSimulatedBank(decimal.Zero)
		start := decimal.NewFromInt(rapid.Int64Range(0, 10_000).Draw(t, "wallet"))
		bank.Fund("alice", start)
		l := escrow.NewLedger(ms, bank, vault)
		ctx := context.Background()

		steps := rapid.IntRange(1, 30).Draw(t, "steps")
		for i := 0; i < steps; i++ {
			amt := decimal.NewFromInt(rapid.Int64Range(-5, 3_000).Draw(t, "amount"))
			if rapid.Bool().Draw(t, "deposit") {
				_, _ = l.Deposit(ctx, "alice", amt)
			} else {
				_, _ = l.Withdraw(ctx, "alice", amt)
			}

			bal, err := l.Balance(ctx, "alice")
			if errors.Is(err, model.ErrNotFound) {
				bal = decimal.Zero
			} else if err != nil {
				t.Fatalf("balance: %v", err)
			}
			if bal.IsNegative() {
				t.Fatalf("negative escrow balance %s", bal)
			}
			if total := bal.Add(bank.Balance("alice")); !total.Equal(start) {
				t.Fatalf("funds not conserved: escrow %s + wallet %s != %s", bal, bank.Balance("alice"), start)
			}
			if !bank.Balance(vault).Equal(bal) {
				t.Fatalf("vault %s does not match escrow %s", bank.Balance(vault), bal)
			}
		}
	})
}
