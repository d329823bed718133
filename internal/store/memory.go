package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/world-exchange/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
type MemoryStore struct {
	mu           sync.RWMutex
	worlds       map[string]*model.World
	resources    map[string]*model.Resource
	globalPrices map[string]decimal.Decimal
	agents       map[string]*model.Agent
	wallets      map[string]*model.Wallet
	offers       map[string]*model.TradeOffer
	trades       []model.Trade
	tradeKeys    map[string]int // idempotency key → index into trades
	ledger       []model.LedgerEntry
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		worlds:       make(map[string]*model.World),
		resources:    make(map[string]*model.Resource),
		globalPrices: make(map[string]decimal.Decimal),
		agents:       make(map[string]*model.Agent),
		wallets:      make(map[string]*model.Wallet),
		offers:       make(map[string]*model.TradeOffer),
		tradeKeys:    make(map[string]int),
	}
}

// --- Seeding (not part of Store) ---

// PutWorld inserts or replaces a world.
func (s *MemoryStore) PutWorld(w *model.World) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.worlds[w.ID] = cloneWorld(w)
}

// PutResource inserts or replaces a resource.
func (s *MemoryStore) PutResource(r *model.Resource) {
	s.mu.Lock()
	defer s.mu.Unlock()
	res := *r
	res.Affinity = cloneFloats(r.Affinity)
	s.resources[r.ID] = &res
}

// PutAgent inserts an agent together with its wallet.
func (s *MemoryStore) PutAgent(a *model.Agent, w *model.Wallet) {
	s.mu.Lock()
	defer s.mu.Unlock()
	agent := *a
	s.agents[a.ID] = &agent
	if w != nil {
		wallet := *w
		wallet.AgentID = a.ID
		s.wallets[a.ID] = &wallet
	}
}

// --- Worlds & resources ---

func (s *MemoryStore) GetWorld(_ context.Context, id string) (*model.World, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	w, ok := s.worlds[id]
	if !ok {
		return nil, fmt.Errorf("world %s: %w", id, ErrNotFound)
	}
	return cloneWorld(w), nil
}

func (s *MemoryStore) ListWorlds(_ context.Context) ([]model.World, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	worlds := make([]model.World, 0, len(s.worlds))
	for _, w := range s.worlds {
		worlds = append(worlds, *cloneWorld(w))
	}
	sort.Slice(worlds, func(i, j int) bool { return worlds[i].ID < worlds[j].ID })
	return worlds, nil
}

func (s *MemoryStore) UpdateWorldEconomy(_ context.Context, id string, econ WorldEconomy) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	w, ok := s.worlds[id]
	if !ok {
		return fmt.Errorf("world %s: %w", id, ErrNotFound)
	}
	w.CurrentExchangeRate = econ.ExchangeRate
	w.MoneySupply = econ.MoneySupply
	w.Prosperity = econ.Prosperity
	return nil
}

func (s *MemoryStore) UpdateWorldPrices(_ context.Context, id string, prices map[string]decimal.Decimal) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	w, ok := s.worlds[id]
	if !ok {
		return fmt.Errorf("world %s: %w", id, ErrNotFound)
	}
	w.Prices = cloneDecimals(prices)
	return nil
}

func (s *MemoryStore) AddTradeFlow(_ context.Context, id string, flow TradeFlow) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	w, ok := s.worlds[id]
	if !ok {
		return fmt.Errorf("world %s: %w", id, ErrNotFound)
	}
	w.TotalExports += flow.Exports
	w.TotalImports += flow.Imports
	w.ExportRevenue = w.ExportRevenue.Add(flow.ExportRevenue)
	w.ImportCost = w.ImportCost.Add(flow.ImportCost)
	return nil
}

func (s *MemoryStore) ListResources(_ context.Context) ([]model.Resource, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	resources := make([]model.Resource, 0, len(s.resources))
	for _, r := range s.resources {
		res := *r
		res.Affinity = cloneFloats(r.Affinity)
		resources = append(resources, res)
	}
	sort.Slice(resources, func(i, j int) bool { return resources[i].ID < resources[j].ID })
	return resources, nil
}

func (s *MemoryStore) GetGlobalPrices(_ context.Context) (map[string]decimal.Decimal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return cloneDecimals(s.globalPrices), nil
}

func (s *MemoryStore) SaveGlobalPrices(_ context.Context, prices map[string]decimal.Decimal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, p := range prices {
		s.globalPrices[id] = p
	}
	return nil
}

// --- Agents & wallets ---

func (s *MemoryStore) GetAgent(_ context.Context, id string) (*model.Agent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	a, ok := s.agents[id]
	if !ok {
		return nil, fmt.Errorf("agent %s: %w", id, ErrNotFound)
	}
	res := *a
	return &res, nil
}

func (s *MemoryStore) GetWallet(_ context.Context, agentID string) (*model.Wallet, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	w, ok := s.wallets[agentID]
	if !ok {
		return nil, fmt.Errorf("wallet %s: %w", agentID, ErrNotFound)
	}
	res := *w
	return &res, nil
}

func (s *MemoryStore) DebitWallet(_ context.Context, agentID string, amount decimal.Decimal) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	w, ok := s.wallets[agentID]
	if !ok {
		return fmt.Errorf("wallet %s: %w", agentID, ErrNotFound)
	}
	if w.Balance.LessThan(amount) {
		return fmt.Errorf("wallet %s: %w", agentID, ErrInsufficientBalance)
	}
	w.Balance = w.Balance.Sub(amount)
	w.LifetimeSpent = w.LifetimeSpent.Add(amount)
	return nil
}

func (s *MemoryStore) CreditWallet(_ context.Context, agentID string, amount decimal.Decimal) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	w, ok := s.wallets[agentID]
	if !ok {
		return fmt.Errorf("wallet %s: %w", agentID, ErrNotFound)
	}
	w.Balance = w.Balance.Add(amount)
	w.LifetimeEarned = w.LifetimeEarned.Add(amount)
	return nil
}

// --- Offers ---

func (s *MemoryStore) CreateOffer(_ context.Context, o *model.TradeOffer) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.offers[o.ID]; exists {
		return fmt.Errorf("offer %s already exists", o.ID)
	}
	res := *o
	s.offers[o.ID] = &res
	return nil
}

func (s *MemoryStore) GetOffer(_ context.Context, id string) (*model.TradeOffer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	o, ok := s.offers[id]
	if !ok {
		return nil, fmt.Errorf("offer %s: %w", id, ErrNotFound)
	}
	res := *o
	return &res, nil
}

func (s *MemoryStore) ListOpenOffers(_ context.Context, resourceID string) ([]model.TradeOffer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var offers []model.TradeOffer
	for _, o := range s.offers {
		if !o.Status.Fillable() {
			continue
		}
		if resourceID != "" && o.ResourceID != resourceID {
			continue
		}
		offers = append(offers, *o)
	}
	sort.Slice(offers, func(i, j int) bool { return offers[i].CreatedAt.Before(offers[j].CreatedAt) })
	return offers, nil
}

func (s *MemoryStore) SetOfferFill(_ context.Context, id string, remaining int64, status model.OfferStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	o, ok := s.offers[id]
	if !ok {
		return fmt.Errorf("offer %s: %w", id, ErrNotFound)
	}
	if remaining < 0 {
		return fmt.Errorf("offer %s: negative remaining quantity %d", id, remaining)
	}
	o.RemainingQuantity = remaining
	o.Status = status
	return nil
}

func (s *MemoryStore) DecrementOfferIf(_ context.Context, id string, qty int64, now time.Time) (*model.TradeOffer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	o, ok := s.offers[id]
	if !ok {
		return nil, fmt.Errorf("offer %s: %w", id, ErrNotFound)
	}
	if o.RemainingQuantity < qty || !o.Status.Fillable() || !now.Before(o.ExpiresAt) {
		return nil, fmt.Errorf("offer %s: %w", id, ErrConditionFailed)
	}
	old := *o
	o.RemainingQuantity -= qty
	o.Status = model.StatusAfterFill(o.RemainingQuantity)
	return &old, nil
}

func (s *MemoryStore) RestoreOfferQuantity(_ context.Context, id string, qty int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	o, ok := s.offers[id]
	if !ok {
		return fmt.Errorf("offer %s: %w", id, ErrNotFound)
	}
	o.RemainingQuantity += qty
	if o.RemainingQuantity > o.Quantity {
		o.RemainingQuantity = o.Quantity
	}
	if o.Status == model.OfferFilled || o.Status == model.OfferPartial {
		if o.RemainingQuantity == o.Quantity {
			o.Status = model.OfferOpen
		} else {
			o.Status = model.OfferPartial
		}
	}
	return nil
}

func (s *MemoryStore) ExpireOffer(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	o, ok := s.offers[id]
	if !ok {
		return fmt.Errorf("offer %s: %w", id, ErrNotFound)
	}
	if o.Status.Fillable() {
		o.Status = model.OfferExpired
	}
	return nil
}

func (s *MemoryStore) ExpireStaleOffers(_ context.Context, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for _, o := range s.offers {
		if o.Status.Fillable() && !now.Before(o.ExpiresAt) {
			o.Status = model.OfferExpired
			n++
		}
	}
	return n, nil
}

// --- Trades & audit ledger ---

func (s *MemoryStore) InsertTrade(_ context.Context, t *model.Trade) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if t.IdempotencyKey != "" {
		if _, dup := s.tradeKeys[t.IdempotencyKey]; dup {
			return fmt.Errorf("trade key %s: %w", t.IdempotencyKey, ErrDuplicateIdempotencyKey)
		}
		s.tradeKeys[t.IdempotencyKey] = len(s.trades)
	}
	s.trades = append(s.trades, *t)
	return nil
}

func (s *MemoryStore) GetTradeByIdempotencyKey(_ context.Context, key string) (*model.Trade, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	idx, ok := s.tradeKeys[key]
	if !ok {
		return nil, fmt.Errorf("trade key %s: %w", key, ErrNotFound)
	}
	res := s.trades[idx]
	return &res, nil
}

func (s *MemoryStore) DeleteTrade(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx := -1
	for i := range s.trades {
		if s.trades[i].ID == id {
			idx = i
			break
		}
	}
	if idx < 0 {
		return fmt.Errorf("trade %s: %w", id, ErrNotFound)
	}
	s.trades = append(s.trades[:idx], s.trades[idx+1:]...)

	s.tradeKeys = make(map[string]int, len(s.tradeKeys))
	for i, t := range s.trades {
		if t.IdempotencyKey != "" {
			s.tradeKeys[t.IdempotencyKey] = i
		}
	}
	return nil
}

func (s *MemoryStore) ListTradesByOffer(_ context.Context, offerID string) ([]model.Trade, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Trade
	for _, t := range s.trades {
		if t.OfferID == offerID {
			result = append(result, t)
		}
	}
	return result, nil
}

func (s *MemoryStore) InsertLedgerEntry(_ context.Context, entry *model.LedgerEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.ledger = append(s.ledger, *entry)
	return nil
}

func (s *MemoryStore) ListLedgerEntriesByAgent(_ context.Context, agentID string) ([]model.LedgerEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.LedgerEntry
	for _, e := range s.ledger {
		if e.AgentID == agentID {
			result = append(result, e)
		}
	}
	return result, nil
}

func (s *MemoryStore) TradeVolumeSince(_ context.Context, since time.Time) ([]model.ResourceVolume, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	type agg struct {
		volume   int64
		trades   int64
		notional decimal.Decimal
	}
	byResource := make(map[string]*agg)

	for _, t := range s.trades {
		if t.SettledAt.Before(since) {
			continue
		}
		a, ok := byResource[t.ResourceID]
		if !ok {
			a = &agg{}
			byResource[t.ResourceID] = a
		}
		a.volume += t.Quantity
		a.trades++
		a.notional = a.notional.Add(t.PricePerUnit)
	}

	result := make([]model.ResourceVolume, 0, len(byResource))
	for id, a := range byResource {
		result = append(result, model.ResourceVolume{
			ResourceID: id,
			Volume:     a.volume,
			Trades:     a.trades,
			AvgPrice:   a.notional.Div(decimal.NewFromInt(a.trades)).Round(4),
		})
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ResourceID < result[j].ResourceID })
	return result, nil
}

// --- Copy helpers ---

func cloneWorld(w *model.World) *model.World {
	res := *w
	res.Demand = cloneFloats(w.Demand)
	res.ProductionRates = cloneFloats(w.ProductionRates)
	res.Inventory = cloneFloats(w.Inventory)
	res.Prices = cloneDecimals(w.Prices)
	return &res
}

func cloneFloats(m map[string]float64) map[string]float64 {
	if m == nil {
		return nil
	}
	out := make(map[string]float64, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func cloneDecimals(m map[string]decimal.Decimal) map[string]decimal.Decimal {
	if m == nil {
		return nil
	}
	out := make(map[string]decimal.Decimal, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
