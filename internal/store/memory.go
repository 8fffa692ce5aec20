package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/atmx/escrow-engine/internal/model"
)

var _ Store = (*MemoryStore)(nil)

type positionKey struct {
	trader string
	id     uint64
}

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
//
// Transactions hold the write lock for their whole duration and stage
// writes in an overlay that is applied only on success.
type MemoryStore struct {
	mu          sync.RWMutex
	state       model.MarketState
	commodities map[uint64]model.Commodity
	accounts    map[string]model.EscrowAccount
	positions   map[positionKey]model.Position
	ledger      []model.LedgerEntry
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		commodities: make(map[uint64]model.Commodity),
		accounts:    make(map[string]model.EscrowAccount),
		positions:   make(map[positionKey]model.Position),
	}
}

func (s *MemoryStore) GetMarketState(_ context.Context) (*model.MarketState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st := s.state
	return &st, nil
}

func (s *MemoryStore) GetCommodity(_ context.Context, id uint64) (*model.Commodity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.commodity(id)
}

func (s *MemoryStore) ListCommodities(_ context.Context) ([]model.Commodity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return sortedCommodities(s.commodities, nil), nil
}

func (s *MemoryStore) GetEscrowAccount(_ context.Context, owner string) (*model.EscrowAccount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.account(owner)
}

func (s *MemoryStore) GetPosition(_ context.Context, trader string, positionID uint64) (*model.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.position(trader, positionID)
}

func (s *MemoryStore) ListPositions(_ context.Context, trader string) ([]model.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return traderPositions(s.positions, nil, trader), nil
}

func (s *MemoryStore) CountPositions(_ context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.positions), nil
}

func (s *MemoryStore) GetLedgerEntriesByTrader(_ context.Context, trader string) ([]model.LedgerEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return filterLedger(s.ledger, trader), nil
}

func (s *MemoryStore) InTx(ctx context.Context, fn func(tx Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx := &memTx{
		base:        s,
		commodities: make(map[uint64]model.Commodity),
		accounts:    make(map[string]model.EscrowAccount),
		positions:   make(map[positionKey]*model.Position),
	}
	if err := fn(tx); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	tx.apply()
	return nil
}

// --- Unlocked helpers (caller holds s.mu) ---

func (s *MemoryStore) commodity(id uint64) (*model.Commodity, error) {
	c, ok := s.commodities[id]
	if !ok {
		return nil, fmt.Errorf("commodity %d: %w", id, ErrNotFound)
	}
	return &c, nil
}

func (s *MemoryStore) account(owner string) (*model.EscrowAccount, error) {
	a, ok := s.accounts[owner]
	if !ok {
		return nil, fmt.Errorf("escrow account %s: %w", owner, ErrNotFound)
	}
	return &a, nil
}

func (s *MemoryStore) position(trader string, id uint64) (*model.Position, error) {
	p, ok := s.positions[positionKey{trader, id}]
	if !ok {
		return nil, fmt.Errorf("position %s/%d: %w", trader, id, ErrNotFound)
	}
	return &p, nil
}

// memTx stages writes on top of a locked MemoryStore.
type memTx struct {
	base        *MemoryStore
	state       *model.MarketState
	commodities map[uint64]model.Commodity
	accounts    map[string]model.EscrowAccount
	positions   map[positionKey]*model.Position // nil value = deleted
	ledger      []model.LedgerEntry
}

func (t *memTx) GetMarketState(_ context.Context) (*model.MarketState, error) {
	st := t.base.state
	if t.state != nil {
		st = *t.state
	}
	return &st, nil
}

func (t *memTx) GetCommodity(_ context.Context, id uint64) (*model.Commodity, error) {
	if c, ok := t.commodities[id]; ok {
		return &c, nil
	}
	return t.base.commodity(id)
}

func (t *memTx) ListCommodities(_ context.Context) ([]model.Commodity, error) {
	return sortedCommodities(t.base.commodities, t.commodities), nil
}

func (t *memTx) GetEscrowAccount(_ context.Context, owner string) (*model.EscrowAccount, error) {
	if a, ok := t.accounts[owner]; ok {
		return &a, nil
	}
	return t.base.account(owner)
}

func (t *memTx) GetPosition(_ context.Context, trader string, positionID uint64) (*model.Position, error) {
	if p, ok := t.positions[positionKey{trader, positionID}]; ok {
		if p == nil {
			return nil, fmt.Errorf("position %s/%d: %w", trader, positionID, ErrNotFound)
		}
		cp := *p
		return &cp, nil
	}
	return t.base.position(trader, positionID)
}

func (t *memTx) ListPositions(_ context.Context, trader string) ([]model.Position, error) {
	return traderPositions(t.base.positions, t.positions, trader), nil
}

func (t *memTx) CountPositions(_ context.Context) (int, error) {
	n := len(t.base.positions)
	for k, p := range t.positions {
		_, inBase := t.base.positions[k]
		switch {
		case p == nil && inBase:
			n--
		case p != nil && !inBase:
			n++
		}
	}
	return n, nil
}

func (t *memTx) GetLedgerEntriesByTrader(_ context.Context, trader string) ([]model.LedgerEntry, error) {
	return append(filterLedger(t.base.ledger, trader), filterLedger(t.ledger, trader)...), nil
}

func (t *memTx) PutMarketState(_ context.Context, state *model.MarketState) error {
	st := *state
	t.state = &st
	return nil
}

func (t *memTx) PutCommodity(_ context.Context, c *model.Commodity) error {
	t.commodities[c.ID] = *c
	return nil
}

func (t *memTx) PutEscrowAccount(_ context.Context, acct *model.EscrowAccount) error {
	t.accounts[acct.Owner] = *acct
	return nil
}

func (t *memTx) InsertPosition(ctx context.Context, p *model.Position) error {
	if _, err := t.GetPosition(ctx, p.Trader, p.PositionID); err == nil {
		return fmt.Errorf("position %s/%d: %w", p.Trader, p.PositionID, ErrConflict)
	}
	cp := *p
	t.positions[positionKey{p.Trader, p.PositionID}] = &cp
	return nil
}

func (t *memTx) DeletePosition(ctx context.Context, trader string, positionID uint64) error {
	if _, err := t.GetPosition(ctx, trader, positionID); err != nil {
		return err
	}
	t.positions[positionKey{trader, positionID}] = nil
	return nil
}

func (t *memTx) InsertLedgerEntry(_ context.Context, entry *model.LedgerEntry) error {
	t.ledger = append(t.ledger, *entry)
	return nil
}

func (t *memTx) apply() {
	s := t.base
	if t.state != nil {
		s.state = *t.state
	}
	for id, c := range t.commodities {
		s.commodities[id] = c
	}
	for owner, a := range t.accounts {
		s.accounts[owner] = a
	}
	for k, p := range t.positions {
		if p == nil {
			delete(s.positions, k)
			continue
		}
		s.positions[k] = *p
	}
	s.ledger = append(s.ledger, t.ledger...)
}

// --- Shared helpers ---

func sortedCommodities(base, overlay map[uint64]model.Commodity) []model.Commodity {
	merged := make(map[uint64]model.Commodity, len(base)+len(overlay))
	for id, c := range base {
		merged[id] = c
	}
	for id, c := range overlay {
		merged[id] = c
	}
	out := make([]model.Commodity, 0, len(merged))
	for _, c := range merged {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func traderPositions(base map[positionKey]model.Position, overlay map[positionKey]*model.Position, trader string) []model.Position {
	merged := make(map[uint64]model.Position)
	for k, p := range base {
		if k.trader == trader {
			merged[k.id] = p
		}
	}
	for k, p := range overlay {
		if k.trader != trader {
			continue
		}
		if p == nil {
			delete(merged, k.id)
			continue
		}
		merged[k.id] = *p
	}
	out := make([]model.Position, 0, len(merged))
	for _, p := range merged {
		out = append(out, p)
	}
	sortPositions(out)
	return out
}

func sortPositions(ps []model.Position) {
	sort.Slice(ps, func(i, j int) bool { return ps[i].PositionID < ps[j].PositionID })
}

func filterLedger(entries []model.LedgerEntry, trader string) []model.LedgerEntry {
	var result []model.LedgerEntry
	for _, e := range entries {
		if e.Trader == trader {
			result = append(result, e)
		}
	}
	return result
}
