package store

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/atmx/escrow-engine/internal/model"
)

var _ Store = (*CachedStore)(nil)

// CachedStore wraps a primary Store (PostgreSQL or SQLite) with a Redis
// read-through cache. Transactions go to the primary and invalidate every
// key they wrote once committed; reads check Redis first then fall back
// to the primary. Reads inside a transaction always hit the primary.
//
// A read that misses before a commit can repopulate a key with the
// pre-commit value after the commit's invalidation. The written keys are
// therefore deleted a second time after a short delay, which bounds that
// staleness by the delay rather than the TTL.
type CachedStore struct {
	primary Store
	rdb     redis.UniversalClient
	ttl     time.Duration
	delay   time.Duration
}

// DefaultReinvalidateDelay is how long after a commit its keys are
// deleted again.
const DefaultReinvalidateDelay = 500 * time.Millisecond

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb redis.UniversalClient, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
		delay:   DefaultReinvalidateDelay,
	}
}

// WithReinvalidateDelay sets the delay before the second invalidation.
func (s *CachedStore) WithReinvalidateDelay(d time.Duration) *CachedStore {
	s.delay = d
	return s
}

// --- Write path (primary, then invalidate) ---

func (s *CachedStore) InTx(ctx context.Context, fn func(tx Tx) error) error {
	var rec *recordingTx
	err := s.primary.InTx(ctx, func(tx Tx) error {
		rec = &recordingTx{Tx: tx}
		return fn(rec)
	})
	if err != nil {
		return err
	}
	if len(rec.dirty) == 0 {
		return nil
	}
	if err := s.rdb.Del(ctx, rec.dirty...).Err(); err != nil {
		// Entries still expire after ttl.
		slog.Warn("cache invalidation failed", "keys", rec.dirty, "err", err)
	}
	keys := rec.dirty
	time.AfterFunc(s.delay, func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		if err := s.rdb.Del(ctx, keys...).Err(); err != nil {
			slog.Debug("delayed cache invalidation failed", "keys", keys, "err", err)
		}
	})
	return nil
}

// recordingTx passes writes through and remembers which cache keys they
// make stale.
type recordingTx struct {
	Tx
	dirty []string
}

func (t *recordingTx) PutMarketState(ctx context.Context, st *model.MarketState) error {
	t.dirty = append(t.dirty, marketStateKey)
	return t.Tx.PutMarketState(ctx, st)
}

func (t *recordingTx) PutCommodity(ctx context.Context, c *model.Commodity) error {
	t.dirty = append(t.dirty, commodityKey(c.ID), commodityListKey)
	return t.Tx.PutCommodity(ctx, c)
}

func (t *recordingTx) PutEscrowAccount(ctx context.Context, a *model.EscrowAccount) error {
	t.dirty = append(t.dirty, escrowKey(a.Owner))
	return t.Tx.PutEscrowAccount(ctx, a)
}

func (t *recordingTx) InsertPosition(ctx context.Context, p *model.Position) error {
	t.dirty = append(t.dirty, positionKeyStr(p.Trader, p.PositionID))
	return t.Tx.InsertPosition(ctx, p)
}

func (t *recordingTx) DeletePosition(ctx context.Context, trader string, positionID uint64) error {
	t.dirty = append(t.dirty, positionKeyStr(trader, positionID))
	return t.Tx.DeletePosition(ctx, trader, positionID)
}

// --- Read-through (check cache first) ---

func (s *CachedStore) GetMarketState(ctx context.Context) (*model.MarketState, error) {
	var st model.MarketState
	if s.cached(ctx, marketStateKey, &st) {
		return &st, nil
	}
	fresh, err := s.primary.GetMarketState(ctx)
	if err != nil {
		return nil, err
	}
	s.cache(ctx, marketStateKey, fresh)
	return fresh, nil
}

func (s *CachedStore) GetCommodity(ctx context.Context, id uint64) (*model.Commodity, error) {
	var c model.Commodity
	if s.cached(ctx, commodityKey(id), &c) {
		return &c, nil
	}
	fresh, err := s.primary.GetCommodity(ctx, id)
	if err != nil {
		return nil, err
	}
	s.cache(ctx, commodityKey(id), fresh)
	return fresh, nil
}

func (s *CachedStore) ListCommodities(ctx context.Context) ([]model.Commodity, error) {
	var commodities []model.Commodity
	if s.cached(ctx, commodityListKey, &commodities) {
		return commodities, nil
	}
	fresh, err := s.primary.ListCommodities(ctx)
	if err != nil {
		return nil, err
	}
	s.cache(ctx, commodityListKey, fresh)
	return fresh, nil
}

func (s *CachedStore) GetEscrowAccount(ctx context.Context, owner string) (*model.EscrowAccount, error) {
	var a model.EscrowAccount
	if s.cached(ctx, escrowKey(owner), &a) {
		return &a, nil
	}
	fresh, err := s.primary.GetEscrowAccount(ctx, owner)
	if err != nil {
		return nil, err
	}
	s.cache(ctx, escrowKey(owner), fresh)
	return fresh, nil
}

func (s *CachedStore) GetPosition(ctx context.Context, trader string, positionID uint64) (*model.Position, error) {
	key := positionKeyStr(trader, positionID)
	var p model.Position
	if s.cached(ctx, key, &p) {
		return &p, nil
	}
	fresh, err := s.primary.GetPosition(ctx, trader, positionID)
	if err != nil {
		return nil, err
	}
	s.cache(ctx, key, fresh)
	return fresh, nil
}

// --- Passthrough (not cached) ---

func (s *CachedStore) ListPositions(ctx context.Context, trader string) ([]model.Position, error) {
	return s.primary.ListPositions(ctx, trader)
}

func (s *CachedStore) CountPositions(ctx context.Context) (int, error) {
	return s.primary.CountPositions(ctx)
}

func (s *CachedStore) GetLedgerEntriesByTrader(ctx context.Context, trader string) ([]model.LedgerEntry, error) {
	return s.primary.GetLedgerEntriesByTrader(ctx, trader)
}

// --- Cache helpers ---

func (s *CachedStore) cached(ctx context.Context, key string, dst any) bool {
	data, err := s.rdb.Get(ctx, key).Bytes()
	if err != nil {
		return false
	}
	return json.Unmarshal(data, dst) == nil
}

func (s *CachedStore) cache(ctx context.Context, key string, v any) {
	if data, err := json.Marshal(v); err == nil {
		s.rdb.Set(ctx, key, data, s.ttl)
	}
}

const (
	marketStateKey   = "market:state"
	commodityListKey = "commodities"
)

func commodityKey(id uint64) string                 { return fmt.Sprintf("commodity:%d", id) }
func escrowKey(owner string) string                 { return fmt.Sprintf("escrow:%s", owner) }
func positionKeyStr(trader string, id uint64) string { return fmt.Sprintf("position:%s:%d", trader, id) }
