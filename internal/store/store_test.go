package store_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atmx/escrow-engine/internal/model"
	"github.com/atmx/escrow-engine/internal/store"
)

var errAbort = errors.New("abort")

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func ts() time.Time {
	return time.Date(2025, 8, 15, 12, 0, 0, 0, time.UTC)
}

// runStoreSuite exercises behavior every Store implementation must share.
func runStoreSuite(t *testing.T, newStore func(t *testing.T) store.Store) {
	t.Run("EmptyMarketState", func(t *testing.T) {
		st := newStore(t)
		state, err := st.GetMarketState(context.Background())
		require.NoError(t, err)
		assert.False(t, state.Initialized)
		assert.Empty(t, state.Administrator)
	})

	t.Run("MarketStateRoundTrip", func(t *testing.T) {
		st := newStore(t)
		ctx := context.Background()
		want := model.MarketState{
			Administrator:    "admin",
			OracleAddress:    "oracle",
			TradingEnabled:   true,
			MinTradeQuantity: 5,
			Initialized:      true,
		}
		require.NoError(t, st.InTx(ctx, func(tx store.Tx) error {
			return tx.PutMarketState(ctx, &want)
		}))
		got, err := st.GetMarketState(ctx)
		require.NoError(t, err)
		assert.Equal(t, want, *got)
	})

	t.Run("CommodityUpsertAndList", func(t *testing.T) {
		st := newStore(t)
		ctx := context.Background()
		require.NoError(t, st.InTx(ctx, func(tx store.Tx) error {
			for _, c := range []model.Commodity{
				{ID: 2, AvailableQuantity: 10, Price: d("1.5"), Owner: "admin", UpdatedAt: ts()},
				{ID: 1, AvailableQuantity: 500, Price: d("10"), Owner: "admin", UpdatedAt: ts()},
			} {
				if err := tx.PutCommodity(ctx, &c); err != nil {
					return err
				}
			}
			return nil
		}))
		require.NoError(t, st.InTx(ctx, func(tx store.Tx) error {
			return tx.PutCommodity(ctx, &model.Commodity{ID: 1, AvailableQuantity: 700, Price: d("12"), Owner: "admin2", UpdatedAt: ts()})
		}))

		c, err := st.GetCommodity(ctx, 1)
		require.NoError(t, err)
		assert.Equal(t, uint64(700), c.AvailableQuantity)
		assert.True(t, c.Price.Equal(d("12")))
		assert.Equal(t, "admin2", c.Owner)

		list, err := st.ListCommodities(ctx)
		require.NoError(t, err)
		require.Len(t, list, 2)
		assert.Equal(t, uint64(1), list[0].ID)
		assert.Equal(t, uint64(2), list[1].ID)

		_, err = st.GetCommodity(ctx, 99)
		assert.ErrorIs(t, err, store.ErrNotFound)
	})

	t.Run("LargeIdentifiers", func(t *testing.T) {
		st := newStore(t)
		ctx := context.Background()
		const big = ^uint64(0)
		require.NoError(t, st.InTx(ctx, func(tx store.Tx) error {
			return tx.PutCommodity(ctx, &model.Commodity{ID: big, AvailableQuantity: big, Price: d("1"), Owner: "a", UpdatedAt: ts()})
		}))
		c, err := st.GetCommodity(ctx, big)
		require.NoError(t, err)
		assert.Equal(t, big, c.ID)
		assert.Equal(t, big, c.AvailableQuantity)
	})

	t.Run("RollbackDiscardsWrites", func(t *testing.T) {
		st := newStore(t)
		ctx := context.Background()
		err := st.InTx(ctx, func(tx store.Tx) error {
			if err := tx.PutEscrowAccount(ctx, &model.EscrowAccount{Owner: "alice", Balance: d("100"), UpdatedAt: ts()}); err != nil {
				return err
			}
			// Staged writes are visible inside the transaction.
			a, err := tx.GetEscrowAccount(ctx, "alice")
			if err != nil {
				return err
			}
			if !a.Balance.Equal(d("100")) {
				t.Errorf("expected staged balance 100, got %s", a.Balance)
			}
			return errAbort
		})
		require.ErrorIs(t, err, errAbort)

		_, err = st.GetEscrowAccount(ctx, "alice")
		assert.ErrorIs(t, err, store.ErrNotFound)
	})

	t.Run("PositionInsertConflictDelete", func(t *testing.T) {
		st := newStore(t)
		ctx := context.Background()
		p := model.Position{Trader: "alice", PositionID: 1, CommodityID: 1, Quantity: 100, EntryPrice: d("10"), OpenedAt: ts()}

		require.NoError(t, st.InTx(ctx, func(tx store.Tx) error { return tx.InsertPosition(ctx, &p) }))

		err := st.InTx(ctx, func(tx store.Tx) error { return tx.InsertPosition(ctx, &p) })
		assert.ErrorIs(t, err, store.ErrConflict)

		got, err := st.GetPosition(ctx, "alice", 1)
		require.NoError(t, err)
		assert.Equal(t, uint64(100), got.Quantity)
		assert.True(t, got.EntryPrice.Equal(d("10")))
		assert.True(t, got.OpenedAt.Equal(ts()))

		_, err = st.GetPosition(ctx, "bob", 1)
		assert.ErrorIs(t, err, store.ErrNotFound)

		require.NoError(t, st.InTx(ctx, func(tx store.Tx) error { return tx.DeletePosition(ctx, "alice", 1) }))
		_, err = st.GetPosition(ctx, "alice", 1)
		assert.ErrorIs(t, err, store.ErrNotFound)

		err = st.InTx(ctx, func(tx store.Tx) error { return tx.DeletePosition(ctx, "alice", 1) })
		assert.ErrorIs(t, err, store.ErrNotFound)
	})

	t.Run("ListPositionsPerTrader", func(t *testing.T) {
		st := newStore(t)
		ctx := context.Background()
		require.NoError(t, st.InTx(ctx, func(tx store.Tx) error {
			for _, p := range []model.Position{
				{Trader: "alice", PositionID: 3, CommodityID: 1, Quantity: 1, EntryPrice: d("1"), OpenedAt: ts()},
				{Trader: "alice", PositionID: 1, CommodityID: 1, Quantity: 1, EntryPrice: d("1"), OpenedAt: ts()},
				{Trader: "bob", PositionID: 2, CommodityID: 1, Quantity: 1, EntryPrice: d("1"), OpenedAt: ts()},
			} {
				if err := tx.InsertPosition(ctx, &p); err != nil {
					return err
				}
			}
			return nil
		}))
		ps, err := st.ListPositions(ctx, "alice")
		require.NoError(t, err)
		require.Len(t, ps, 2)
		assert.Equal(t, uint64(1), ps[0].PositionID)
		assert.Equal(t, uint64(3), ps[1].PositionID)

		n, err := st.CountPositions(ctx)
		require.NoError(t, err)
		assert.Equal(t, 3, n)

		require.NoError(t, st.InTx(ctx, func(tx store.Tx) error {
			if err := tx.DeletePosition(ctx, "bob", 2); err != nil {
				return err
			}
			p := model.Position{Trader: "carol", PositionID: 2, CommodityID: 1, Quantity: 1, EntryPrice: d("1"), OpenedAt: ts()}
			if err := tx.InsertPosition(ctx, &p); err != nil {
				return err
			}
			if err := tx.DeletePosition(ctx, "alice", 1); err != nil {
				return err
			}
			n, err := tx.CountPositions(ctx)
			if err != nil {
				return err
			}
			assert.Equal(t, 2, n)
			return nil
		}))
		n, err = st.CountPositions(ctx)
		require.NoError(t, err)
		assert.Equal(t, 2, n)
	})

	t.Run("LedgerOrdering", func(t *testing.T) {
		st := newStore(t)
		ctx := context.Background()
		ids := []string{
			"00000000-0000-0000-0000-000000000003",
			"00000000-0000-0000-0000-000000000001",
			"00000000-0000-0000-0000-000000000002",
		}
		require.NoError(t, st.InTx(ctx, func(tx store.Tx) error {
			for i, id := range ids {
				e := model.LedgerEntry{
					ID: id, Trader: "alice", Kind: model.EntryDeposit,
					Amount: decimal.NewFromInt(int64(i + 1)), BalanceAfter: decimal.NewFromInt(int64(i + 1)),
					Price: decimal.Zero, RealizedPnL: decimal.Zero, Timestamp: ts(),
				}
				if err := tx.InsertLedgerEntry(ctx, &e); err != nil {
					return err
				}
			}
			return nil
		}))
		entries, err := st.GetLedgerEntriesByTrader(ctx, "alice")
		require.NoError(t, err)
		require.Len(t, entries, 3)
		for i, e := range entries {
			assert.Equal(t, ids[i], e.ID)
		}
		none, err := st.GetLedgerEntriesByTrader(ctx, "bob")
		require.NoError(t, err)
		assert.Empty(t, none)
	})
}

func TestMemoryStore(t *testing.T) {
	runStoreSuite(t, func(t *testing.T) store.Store {
		return store.NewMemoryStore()
	})
}

func TestMemoryStore_ReturnsCopies(t *testing.T) {
	ms := store.NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, ms.InTx(ctx, func(tx store.Tx) error {
		return tx.PutCommodity(ctx, &model.Commodity{ID: 1, Price: d("10"), Owner: "admin"})
	}))

	c, err := ms.GetCommodity(ctx, 1)
	require.NoError(t, err)
	c.Price = d("999")

	again, err := ms.GetCommodity(ctx, 1)
	require.NoError(t, err)
	assert.True(t, again.Price.Equal(d("10")))
}

func TestMemoryStore_CanceledContextDiscardsWrites(t *testing.T) {
	ms := store.NewMemoryStore()
	ctx, cancel := context.WithCancel(context.Background())
	err := ms.InTx(ctx, func(tx store.Tx) error {
		cancel()
		return tx.PutEscrowAccount(ctx, &model.EscrowAccount{Owner: "alice", Balance: d("1")})
	})
	require.ErrorIs(t, err, context.Canceled)

	_, err = ms.GetEscrowAccount(context.Background(), "alice")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestMemoryStore_DeleteThenReinsertInOneTx(t *testing.T) {
	ms := store.NewMemoryStore()
	ctx := context.Background()
	p := model.Position{Trader: "alice", PositionID: 7, Quantity: 1, EntryPrice: d("1")}
	require.NoError(t, ms.InTx(ctx, func(tx store.Tx) error { return tx.InsertPosition(ctx, &p) }))

	require.NoError(t, ms.InTx(ctx, func(tx store.Tx) error {
		if err := tx.DeletePosition(ctx, "alice", 7); err != nil {
			return err
		}
		if ps, _ := tx.ListPositions(ctx, "alice"); len(ps) != 0 {
			t.Errorf("expected deleted position hidden inside tx, got %d", len(ps))
		}
		p.Quantity = 2
		return tx.InsertPosition(ctx, &p)
	}))

	got, err := ms.GetPosition(ctx, "alice", 7)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), got.Quantity)
}
