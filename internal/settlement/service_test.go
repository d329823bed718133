package settlement_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/atmx/world-exchange/internal/lock"
	"github.com/atmx/world-exchange/internal/model"
	"github.com/atmx/world-exchange/internal/settlement"
	"github.com/atmx/world-exchange/internal/store"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// errLocker simulates an unreachable lock store.
type errLocker struct{}

func (errLocker) Acquire(context.Context, string, string, time.Duration) (bool, error) {
	return false, errors.New("dial tcp: connection refused")
}

func (errLocker) Release(context.Context, string, string) (bool, error) {
	return false, errors.New("dial tcp: connection refused")
}

type recorder struct {
	mu     sync.Mutex
	trades []*model.Trade
}

func (r *recorder) TradeSettled(_ context.Context, t *model.Trade) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.trades = append(r.trades, t)
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.trades)
}

type testEnv struct {
	svc   *settlement.Service
	ms    *store.MemoryStore
	notes *recorder
}

// newTestEnv seeds two worlds: terra (TER, rate 1) and mars (MAR, rate 2),
// a seller in terra and a buyer in mars holding 100 MAR.
func newTestEnv(t *testing.T, locker lock.Locker, policy lock.Policy, cache store.SnapshotCache) *testEnv {
	t.Helper()
	ms := store.NewMemoryStore()

	ms.PutWorld(&model.World{ID: "terra", Name: "Terra", CurrencyCode: "TER", CurrentExchangeRate: d(1), BaseExchangeRate: d(1)})
	ms.PutWorld(&model.World{ID: "mars", Name: "Mars", CurrencyCode: "MAR", CurrentExchangeRate: d(2), BaseExchangeRate: d(1)})
	ms.PutResource(&model.Resource{ID: "iron", Name: "Iron", Tier: 1, BaseValue: d(5), Volatility: 0.1})

	ms.PutAgent(&model.Agent{ID: "seller", WorldID: "terra"}, &model.Wallet{Currency: "TER", Balance: decimal.Zero})
	ms.PutAgent(&model.Agent{ID: "buyer", WorldID: "mars"}, &model.Wallet{Currency: "MAR", Balance: d(100)})

	coord := lock.NewCoordinator(locker, lock.Options{
		TTL:           5 * time.Second,
		Timeout:       5 * time.Second,
		RetryInterval: time.Millisecond,
		MaxAttempts:   100000,
		Policy:        policy,
	})
	notes := &recorder{}
	svc := settlement.NewService(ms, coord, cache, notes, settlement.Options{
		Now: func() time.Time { return testNow },
	})
	return &testEnv{svc: svc, ms: ms, notes: notes}
}

func (e *testEnv) seedOffer(t *testing.T, id string, qty int64, ppu float64) *model.TradeOffer {
	t.Helper()
	o := &model.TradeOffer{
		ID:                id,
		SellerID:          "seller",
		SellerWorldID:     "terra",
		ResourceID:        "iron",
		Quantity:          qty,
		RemainingQuantity: qty,
		PricePerUnit:      d(ppu),
		Status:            model.OfferOpen,
		CreatedAt:         testNow.Add(-time.Hour),
		ExpiresAt:         testNow.Add(time.Hour),
	}
	if err := e.ms.CreateOffer(context.Background(), o); err != nil {
		t.Fatalf("seed offer: %v", err)
	}
	return o
}

func (e *testEnv) seedBuyer(t *testing.T, id, worldID string, balance float64) {
	t.Helper()
	e.ms.PutAgent(&model.Agent{ID: id, WorldID: worldID}, &model.Wallet{Currency: "MAR", Balance: d(balance)})
}

func (e *testEnv) balance(t *testing.T, agentID string) decimal.Decimal {
	t.Helper()
	w, err := e.ms.GetWallet(context.Background(), agentID)
	if err != nil {
		t.Fatalf("wallet %s: %v", agentID, err)
	}
	return w.Balance
}

func (e *testEnv) offer(t *testing.T, id string) *model.TradeOffer {
	t.Helper()
	o, err := e.ms.GetOffer(context.Background(), id)
	if err != nil {
		t.Fatalf("offer %s: %v", id, err)
	}
	return o
}

// --- Happy path ---

func TestExecuteTrade_PartialFillAcrossCurrencies(t *testing.T) {
	env := newTestEnv(t, lock.NewMemoryLocker(), lock.FailClosed, nil)
	env.seedOffer(t, "o1", 10, 5)

	res, err := env.svc.ExecuteTrade(context.Background(), settlement.Request{
		OfferID: "o1", BuyerID: "buyer", Quantity: 4,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	tr := res.Trade
	if !tr.TotalSeller.Equal(d(20)) {
		t.Errorf("totalSeller: expected 20, got %s", tr.TotalSeller)
	}
	if !tr.ExchangeRateUsed.Equal(d(2)) {
		t.Errorf("rate: expected 2, got %s", tr.ExchangeRateUsed)
	}
	if !tr.Fee.Equal(d(1.2)) {
		t.Errorf("fee: expected 1.2, got %s", tr.Fee)
	}
	if !tr.BuyerTotal.Equal(d(41.2)) {
		t.Errorf("buyerTotal: expected 41.2, got %s", tr.BuyerTotal)
	}
	if tr.BuyerCurrency != "MAR" || tr.SellerCurrency != "TER" {
		t.Errorf("currencies: got buyer=%s seller=%s", tr.BuyerCurrency, tr.SellerCurrency)
	}

	if res.Summary.Bought != 4 || !res.Summary.Paid.Equal(d(41.2)) || res.Summary.Currency != "MAR" {
		t.Errorf("unexpected summary: %+v", res.Summary)
	}
	if res.Replayed {
		t.Error("first execution must not be a replay")
	}

	o := env.offer(t, "o1")
	if o.RemainingQuantity != 6 || o.Status != model.OfferPartial {
		t.Errorf("offer: expected 6/partial, got %d/%s", o.RemainingQuantity, o.Status)
	}
	if res.Offer.RemainingQuantity != 6 {
		t.Errorf("result offer: expected remaining 6, got %d", res.Offer.RemainingQuantity)
	}
}

func TestExecuteTrade_Conservation(t *testing.T) {
	env := newTestEnv(t, lock.NewMemoryLocker(), lock.FailClosed, nil)
	env.seedOffer(t, "o1", 10, 5)
	ctx := context.Background()

	res, err := env.svc.ExecuteTrade(ctx, settlement.Request{OfferID: "o1", BuyerID: "buyer", Quantity: 4})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if got := env.balance(t, "buyer"); !got.Equal(d(100).Sub(res.Trade.BuyerTotal)) {
		t.Errorf("buyer: expected 58.8, got %s", got)
	}
	if got := env.balance(t, "seller"); !got.Equal(res.Trade.TotalSeller) {
		t.Errorf("seller: expected 20, got %s", got)
	}

	buyerLedger, _ := env.ms.ListLedgerEntriesByAgent(ctx, "buyer")
	sellerLedger, _ := env.ms.ListLedgerEntriesByAgent(ctx, "seller")
	if len(buyerLedger) != 1 || !buyerLedger[0].Amount.Equal(d(-41.2)) || buyerLedger[0].Type != model.LedgerTradePurchase {
		t.Errorf("unexpected buyer ledger: %+v", buyerLedger)
	}
	if len(sellerLedger) != 1 || !sellerLedger[0].Amount.Equal(d(20)) || sellerLedger[0].Type != model.LedgerTradeSale {
		t.Errorf("unexpected seller ledger: %+v", sellerLedger)
	}

	terra, _ := env.ms.GetWorld(ctx, "terra")
	mars, _ := env.ms.GetWorld(ctx, "mars")
	if terra.TotalExports != 4 || !terra.ExportRevenue.Equal(d(20)) {
		t.Errorf("terra flow: exports=%d revenue=%s", terra.TotalExports, terra.ExportRevenue)
	}
	if mars.TotalImports != 4 || !mars.ImportCost.Equal(d(41.2)) {
		t.Errorf("mars flow: imports=%d cost=%s", mars.TotalImports, mars.ImportCost)
	}
	if env.notes.count() != 1 {
		t.Errorf("expected one notification, got %d", env.notes.count())
	}
}

func TestExecuteTrade_OmittedQuantityBuysAll(t *testing.T) {
	env := newTestEnv(t, lock.NewMemoryLocker(), lock.FailClosed, nil)
	env.seedOffer(t, "o1", 10, 1)

	res, err := env.svc.ExecuteTrade(context.Background(), settlement.Request{OfferID: "o1", BuyerID: "buyer"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Summary.Bought != 10 {
		t.Errorf("expected to buy all 10, bought %d", res.Summary.Bought)
	}
	if o := env.offer(t, "o1"); o.RemainingQuantity != 0 || o.Status != model.OfferFilled {
		t.Errorf("expected 0/filled, got %d/%s", o.RemainingQuantity, o.Status)
	}
}

func TestExecuteTrade_SameCurrencyNoConversion(t *testing.T) {
	env := newTestEnv(t, lock.NewMemoryLocker(), lock.FailClosed, nil)
	env.seedOffer(t, "o1", 10, 5)
	env.ms.PutAgent(&model.Agent{ID: "local", WorldID: "terra"}, &model.Wallet{Currency: "TER", Balance: d(100)})

	res, err := env.svc.ExecuteTrade(context.Background(), settlement.Request{OfferID: "o1", BuyerID: "local", Quantity: 2})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !res.Trade.ExchangeRateUsed.Equal(d(1)) || !res.Trade.BuyerTotal.Equal(d(10.3)) {
		t.Errorf("expected rate 1 and total 10.3, got %s / %s", res.Trade.ExchangeRateUsed, res.Trade.BuyerTotal)
	}
}

// --- Idempotency ---

func TestExecuteTrade_ReplayIsSideEffectFree(t *testing.T) {
	env := newTestEnv(t, lock.NewMemoryLocker(), lock.FailClosed, nil)
	env.seedOffer(t, "o1", 10, 5)
	ctx := context.Background()
	req := settlement.Request{OfferID: "o1", BuyerID: "buyer", Quantity: 4, IdempotencyKey: "k-1"}

	first, err := env.svc.ExecuteTrade(ctx, req)
	if err != nil {
		t.Fatalf("first: %v", err)
	}
	second, err := env.svc.ExecuteTrade(ctx, req)
	if err != nil {
		t.Fatalf("second: %v", err)
	}

	if !second.Replayed {
		t.Error("second call should be a replay")
	}
	if second.Trade.ID != first.Trade.ID {
		t.Errorf("replay returned a different trade: %s vs %s", second.Trade.ID, first.Trade.ID)
	}
	a, b := first.Summary, second.Summary
	if a.Bought != b.Bought || !a.Paid.Equal(b.Paid) || a.Currency != b.Currency ||
		!a.Fee.Equal(b.Fee) || !a.ExchangeRate.Equal(b.ExchangeRate) {
		t.Errorf("summaries differ: %+v vs %+v", a, b)
	}

	trades, _ := env.ms.ListTradesByOffer(ctx, "o1")
	if len(trades) != 1 {
		t.Errorf("expected 1 trade, got %d", len(trades))
	}
	if got := env.balance(t, "buyer"); !got.Equal(d(58.8)) {
		t.Errorf("buyer charged more than once: %s", got)
	}
	if o := env.offer(t, "o1"); o.RemainingQuantity != 6 {
		t.Errorf("offer decremented more than once: %d", o.RemainingQuantity)
	}
	if env.notes.count() != 1 {
		t.Errorf("replay must not notify again, got %d", env.notes.count())
	}
}

func TestExecuteTrade_ConcurrentSameKeySettlesOnce(t *testing.T) {
	env := newTestEnv(t, lock.NewMemoryLocker(), lock.FailClosed, nil)
	env.seedOffer(t, "o1", 10, 1)
	req := settlement.Request{OfferID: "o1", BuyerID: "buyer", Quantity: 1, IdempotencyKey: "same"}

	var wg sync.WaitGroup
	ids := make([]string, 8)
	for i := range ids {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := env.svc.ExecuteTrade(context.Background(), req)
			if err != nil {
				t.Errorf("attempt %d: %v", i, err)
				return
			}
			ids[i] = res.Trade.ID
		}(i)
	}
	wg.Wait()

	for i := 1; i < len(ids); i++ {
		if ids[i] != ids[0] {
			t.Fatalf("attempts returned different trades: %v", ids)
		}
	}
	if o := env.offer(t, "o1"); o.RemainingQuantity != 9 {
		t.Errorf("expected exactly one unit sold, remaining %d", o.RemainingQuantity)
	}
}

func TestExecuteTrade_KeyReusedForAnotherOffer(t *testing.T) {
	env := newTestEnv(t, lock.NewMemoryLocker(), lock.FailClosed, nil)
	env.seedOffer(t, "o1", 10, 1)
	env.seedOffer(t, "o2", 10, 1)
	ctx := context.Background()

	if _, err := env.svc.ExecuteTrade(ctx, settlement.Request{OfferID: "o1", BuyerID: "buyer", Quantity: 1, IdempotencyKey: "k"}); err != nil {
		t.Fatalf("first: %v", err)
	}
	_, err := env.svc.ExecuteTrade(ctx, settlement.Request{OfferID: "o2", BuyerID: "buyer", Quantity: 1, IdempotencyKey: "k"})
	if !errors.Is(err, settlement.ErrIdempotencyConflict) {
		t.Errorf("expected ErrIdempotencyConflict, got %v", err)
	}
}

// --- Concurrency ---

func TestExecuteTrade_TwoBuyersRaceForWholeOffer(t *testing.T) {
	env := newTestEnv(t, lock.NewMemoryLocker(), lock.FailClosed, nil)
	env.seedOffer(t, "o1", 10, 1)
	env.seedBuyer(t, "b1", "mars", 100)
	env.seedBuyer(t, "b2", "mars", 100)

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i, buyer := range []string{"b1", "b2"} {
		wg.Add(1)
		go func(i int, buyer string) {
			defer wg.Done()
			_, errs[i] = env.svc.ExecuteTrade(context.Background(), settlement.Request{
				OfferID: "o1", BuyerID: buyer, Quantity: 10,
			})
		}(i, buyer)
	}
	wg.Wait()

	var ok, short int
	for _, err := range errs {
		switch {
		case err == nil:
			ok++
		case errors.Is(err, settlement.ErrInsufficientQuantity):
			short++
		default:
			t.Errorf("unexpected error: %v", err)
		}
	}
	if ok != 1 || short != 1 {
		t.Fatalf("expected one success and one InsufficientQuantity, got ok=%d short=%d", ok, short)
	}
	if o := env.offer(t, "o1"); o.RemainingQuantity != 0 || o.Status != model.OfferFilled {
		t.Errorf("expected 0/filled, got %d/%s", o.RemainingQuantity, o.Status)
	}
}

func TestExecuteTrade_NoOverselling(t *testing.T) {
	for _, tc := range []struct {
		name   string
		locker lock.Locker
		policy lock.Policy
	}{
		{"locked", lock.NewMemoryLocker(), lock.FailClosed},
		{"fail open", errLocker{}, lock.FailOpen},
	} {
		t.Run(tc.name, func(t *testing.T) {
			env := newTestEnv(t, tc.locker, tc.policy, nil)
			env.seedOffer(t, "o1", 10, 1)
			for i := 0; i < 30; i++ {
				env.seedBuyer(t, fmt.Sprintf("b%d", i), "mars", 1000)
			}

			var wg sync.WaitGroup
			for i := 0; i < 30; i++ {
				wg.Add(1)
				go func(i int) {
					defer wg.Done()
					_, err := env.svc.ExecuteTrade(context.Background(), settlement.Request{
						OfferID: "o1", BuyerID: fmt.Sprintf("b%d", i), Quantity: int64(i%3 + 1),
					})
					if err != nil && !errors.Is(err, settlement.ErrInsufficientQuantity) {
						t.Errorf("buyer %d: unexpected error: %v", i, err)
					}
				}(i)
			}
			wg.Wait()

			trades, _ := env.ms.ListTradesByOffer(context.Background(), "o1")
			var sold int64
			for _, tr := range trades {
				sold += tr.Quantity
			}
			o := env.offer(t, "o1")
			if sold > 10 {
				t.Fatalf("oversold: %d > 10", sold)
			}
			if o.RemainingQuantity != 10-sold {
				t.Errorf("remaining %d != 10 - sold %d", o.RemainingQuantity, sold)
			}
			if (o.RemainingQuantity == 0) != (o.Status == model.OfferFilled) {
				t.Errorf("status %s inconsistent with remaining %d", o.Status, o.RemainingQuantity)
			}
		})
	}
}

// firstLeaseLocker grants the first lease, then behaves like a lock store
// that has gone away.
type firstLeaseLocker struct {
	*lock.MemoryLocker
	calls atomic.Int32
}

func (l *firstLeaseLocker) Acquire(ctx context.Context, key, token string, ttl time.Duration) (bool, error) {
	if l.calls.Add(1) > 1 {
		return false, errors.New("i/o timeout")
	}
	return l.MemoryLocker.Acquire(ctx, key, token, ttl)
}

// pausingStore parks the first GetOffer caller until release is closed.
type pausingStore struct {
	*store.MemoryStore
	calls   atomic.Int32
	reached chan struct{}
	release chan struct{}
}

func (p *pausingStore) GetOffer(ctx context.Context, id string) (*model.TradeOffer, error) {
	o, err := p.MemoryStore.GetOffer(ctx, id)
	if p.calls.Add(1) == 1 {
		close(p.reached)
		<-p.release
	}
	return o, err
}

func TestExecuteTrade_LeasedAndFailOpenNeverOversell(t *testing.T) {
	env := newTestEnv(t, lock.NewMemoryLocker(), lock.FailOpen, nil)
	env.seedOffer(t, "o1", 10, 1)
	env.seedBuyer(t, "leased", "mars", 1000)
	env.seedBuyer(t, "open", "mars", 1000)

	ps := &pausingStore{MemoryStore: env.ms, reached: make(chan struct{}), release: make(chan struct{})}
	coord := lock.NewCoordinator(&firstLeaseLocker{MemoryLocker: lock.NewMemoryLocker()}, lock.Options{
		TTL:           5 * time.Second,
		Timeout:       time.Second,
		RetryInterval: time.Millisecond,
		Policy:        lock.FailOpen,
	})
	notes := &recorder{}
	svc := settlement.NewService(ps, coord, nil, notes, settlement.Options{
		Now: func() time.Time { return testNow },
	})
	ctx := context.Background()

	leasedErr := make(chan error, 1)
	go func() {
		_, err := svc.ExecuteTrade(ctx, settlement.Request{OfferID: "o1", BuyerID: "leased", Quantity: 10})
		leasedErr <- err
	}()
	<-ps.reached

	// The leased attempt has read remaining=10 and is parked. The fail-open
	// attempt takes all ten through the conditional decrement.
	res, err := svc.ExecuteTrade(ctx, settlement.Request{OfferID: "o1", BuyerID: "open", Quantity: 10})
	if err != nil {
		t.Fatalf("fail-open attempt: %v", err)
	}
	if res.Offer.RemainingQuantity != 0 || res.Offer.Status != model.OfferFilled {
		t.Errorf("fail-open result offer: %d/%s", res.Offer.RemainingQuantity, res.Offer.Status)
	}

	close(ps.release)
	if err := <-leasedErr; !errors.Is(err, settlement.ErrInsufficientQuantity) {
		t.Fatalf("leased attempt: expected ErrInsufficientQuantity, got %v", err)
	}

	trades, _ := env.ms.ListTradesByOffer(ctx, "o1")
	var sold int64
	for _, tr := range trades {
		sold += tr.Quantity
	}
	if len(trades) != 1 || sold != 10 {
		t.Fatalf("expected one trade of 10, got %d trades totalling %d", len(trades), sold)
	}
	if trades[0].BuyerID != "open" {
		t.Errorf("surviving trade belongs to %s", trades[0].BuyerID)
	}
	if o := env.offer(t, "o1"); o.RemainingQuantity != 0 || o.Status != model.OfferFilled {
		t.Errorf("stored offer: %d/%s", o.RemainingQuantity, o.Status)
	}

	// The voided trade returned every unit of money it moved.
	if got := env.balance(t, "leased"); !got.Equal(d(1000)) {
		t.Errorf("leased buyer balance: got %s, want 1000", got)
	}
	if got := env.balance(t, "open"); !got.Equal(d(979.4)) {
		t.Errorf("fail-open buyer balance: got %s, want 979.4", got)
	}
	if got := env.balance(t, "seller"); !got.Equal(d(10)) {
		t.Errorf("seller balance: got %s, want 10", got)
	}
	if notes.count() != 1 {
		t.Errorf("expected one broadcast, got %d", notes.count())
	}
}

func TestExecuteTrade_KeyReusedByAnotherBuyer(t *testing.T) {
	env := newTestEnv(t, lock.NewMemoryLocker(), lock.FailClosed, nil)
	env.seedOffer(t, "o1", 10, 1)
	env.seedBuyer(t, "other", "mars", 100)
	ctx := context.Background()

	if _, err := env.svc.ExecuteTrade(ctx, settlement.Request{OfferID: "o1", BuyerID: "buyer", Quantity: 1, IdempotencyKey: "k"}); err != nil {
		t.Fatalf("first: %v", err)
	}
	_, err := env.svc.ExecuteTrade(ctx, settlement.Request{OfferID: "o1", BuyerID: "other", Quantity: 1, IdempotencyKey: "k"})
	if !errors.Is(err, settlement.ErrIdempotencyConflict) {
		t.Errorf("expected ErrIdempotencyConflict, got %v", err)
	}
	if got := env.balance(t, "other"); !got.Equal(d(100)) {
		t.Errorf("other buyer must not be charged, balance %s", got)
	}
}

// --- Rejections ---

func TestExecuteTrade_Rejections(t *testing.T) {
	tests := []struct {
		name  string
		setup func(t *testing.T, env *testEnv)
		req   settlement.Request
		want  error
	}{
		{
			name: "offer not found",
			req:  settlement.Request{OfferID: "missing", BuyerID: "buyer", Quantity: 1},
			want: settlement.ErrOfferNotFound,
		},
		{
			name: "offer cancelled",
			setup: func(t *testing.T, env *testEnv) {
				env.seedOffer(t, "o1", 10, 1)
				env.ms.SetOfferFill(context.Background(), "o1", 10, model.OfferCancelled)
			},
			req:  settlement.Request{OfferID: "o1", BuyerID: "buyer", Quantity: 1},
			want: settlement.ErrOfferNotOpen,
		},
		{
			name: "insufficient quantity",
			setup: func(t *testing.T, env *testEnv) {
				env.seedOffer(t, "o1", 3, 1)
			},
			req:  settlement.Request{OfferID: "o1", BuyerID: "buyer", Quantity: 4},
			want: settlement.ErrInsufficientQuantity,
		},
		{
			name: "buyer not found",
			setup: func(t *testing.T, env *testEnv) {
				env.seedOffer(t, "o1", 10, 1)
			},
			req:  settlement.Request{OfferID: "o1", BuyerID: "ghost", Quantity: 1},
			want: settlement.ErrBuyerNotFound,
		},
		{
			name: "world restricted",
			setup: func(t *testing.T, env *testEnv) {
				o := env.seedOffer(t, "o1", 10, 1)
				o.ID, o.TargetWorldID = "o2", "terra"
				env.ms.CreateOffer(context.Background(), o)
			},
			req:  settlement.Request{OfferID: "o2", BuyerID: "buyer", Quantity: 1},
			want: settlement.ErrWorldRestricted,
		},
		{
			name: "insufficient funds",
			setup: func(t *testing.T, env *testEnv) {
				env.seedOffer(t, "o1", 10, 5)
			},
			// 10 × 5 × 2 × 1.03 = 103 > 100
			req:  settlement.Request{OfferID: "o1", BuyerID: "buyer", Quantity: 10},
			want: settlement.ErrInsufficientFunds,
		},
		{
			name: "negative quantity",
			setup: func(t *testing.T, env *testEnv) {
				env.seedOffer(t, "o1", 10, 1)
			},
			req:  settlement.Request{OfferID: "o1", BuyerID: "buyer", Quantity: -1},
			want: settlement.ErrInvalidQuantity,
		},
		{
			name: "self trade",
			setup: func(t *testing.T, env *testEnv) {
				env.seedOffer(t, "o1", 10, 1)
			},
			req:  settlement.Request{OfferID: "o1", BuyerID: "seller", Quantity: 1},
			want: settlement.ErrSelfTrade,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t, lock.NewMemoryLocker(), lock.FailClosed, nil)
			if tt.setup != nil {
				tt.setup(t, env)
			}
			before := env.balance(t, "buyer")

			_, err := env.svc.ExecuteTrade(context.Background(), tt.req)
			if !errors.Is(err, tt.want) {
				t.Fatalf("expected %v, got %v", tt.want, err)
			}
			if settlement.IsRetryable(err) {
				t.Error("validation errors are not retryable")
			}
			if got := env.balance(t, "buyer"); !got.Equal(before) {
				t.Errorf("rejected trade moved funds: %s → %s", before, got)
			}
		})
	}
}

func TestExecuteTrade_ExpiredOfferFlipsStatus(t *testing.T) {
	env := newTestEnv(t, lock.NewMemoryLocker(), lock.FailClosed, nil)
	o := env.seedOffer(t, "o1", 10, 1)
	o.ID, o.ExpiresAt = "stale", testNow.Add(-time.Minute)
	env.ms.CreateOffer(context.Background(), o)

	_, err := env.svc.ExecuteTrade(context.Background(), settlement.Request{OfferID: "stale", BuyerID: "buyer", Quantity: 1})
	if !errors.Is(err, settlement.ErrOfferExpired) {
		t.Fatalf("expected ErrOfferExpired, got %v", err)
	}
	if got := env.offer(t, "stale"); got.Status != model.OfferExpired {
		t.Errorf("expected status expired, got %s", got.Status)
	}
}

// --- Lock degradation ---

func TestExecuteTrade_FailClosedRejects(t *testing.T) {
	env := newTestEnv(t, errLocker{}, lock.FailClosed, nil)
	env.seedOffer(t, "o1", 10, 1)

	_, err := env.svc.ExecuteTrade(context.Background(), settlement.Request{OfferID: "o1", BuyerID: "buyer", Quantity: 1})
	if !errors.Is(err, settlement.ErrLockUnavailable) {
		t.Fatalf("expected ErrLockUnavailable, got %v", err)
	}
	if o := env.offer(t, "o1"); o.RemainingQuantity != 10 {
		t.Errorf("offer must be untouched, remaining %d", o.RemainingQuantity)
	}
}

func TestExecuteTrade_FailOpenUsesConditionalDecrement(t *testing.T) {
	env := newTestEnv(t, errLocker{}, lock.FailOpen, nil)
	env.seedOffer(t, "o1", 10, 5)

	res, err := env.svc.ExecuteTrade(context.Background(), settlement.Request{OfferID: "o1", BuyerID: "buyer", Quantity: 4})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !res.Trade.BuyerTotal.Equal(d(41.2)) {
		t.Errorf("expected 41.2, got %s", res.Trade.BuyerTotal)
	}
	if res.Offer.RemainingQuantity != 6 || res.Offer.Status != model.OfferPartial {
		t.Errorf("result offer: %d/%s", res.Offer.RemainingQuantity, res.Offer.Status)
	}
	if o := env.offer(t, "o1"); o.RemainingQuantity != 6 {
		t.Errorf("stored offer: remaining %d", o.RemainingQuantity)
	}
}

func TestExecuteTrade_FailOpenRestoresOnFundsFailure(t *testing.T) {
	env := newTestEnv(t, errLocker{}, lock.FailOpen, nil)
	env.seedOffer(t, "o1", 10, 5)
	env.seedBuyer(t, "poor", "mars", 1)

	_, err := env.svc.ExecuteTrade(context.Background(), settlement.Request{OfferID: "o1", BuyerID: "poor", Quantity: 1})
	if !errors.Is(err, settlement.ErrInsufficientFunds) {
		t.Fatalf("expected ErrInsufficientFunds, got %v", err)
	}
	if o := env.offer(t, "o1"); o.RemainingQuantity != 10 || o.Status != model.OfferOpen {
		t.Errorf("offer must be restored, got %d/%s", o.RemainingQuantity, o.Status)
	}
}

func TestExecuteTrade_LockTimeoutIsRetryable(t *testing.T) {
	locker := lock.NewMemoryLocker()
	ms := store.NewMemoryStore()
	coord := lock.NewCoordinator(locker, lock.Options{Timeout: 30 * time.Millisecond, RetryInterval: 5 * time.Millisecond})
	svc := settlement.NewService(ms, coord, nil, nil, settlement.Options{})

	if ok, _ := locker.Acquire(context.Background(), "offer:o1", "someone-else", time.Minute); !ok {
		t.Fatal("setup: could not pre-acquire lease")
	}

	_, err := svc.ExecuteTrade(context.Background(), settlement.Request{OfferID: "o1", BuyerID: "buyer", Quantity: 1})
	if !errors.Is(err, settlement.ErrLockTimeout) {
		t.Fatalf("expected ErrLockTimeout, got %v", err)
	}
	if !settlement.IsRetryable(err) {
		t.Error("lock timeout should be retryable")
	}
}

// --- Rate cache ---

func newRedisCache(t *testing.T) (*store.RedisSnapshotCache, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return store.NewRedisSnapshotCache(rdb, time.Minute), mr
}

func TestExecuteTrade_RateCacheMissRepopulates(t *testing.T) {
	cache, _ := newRedisCache(t)
	env := newTestEnv(t, lock.NewMemoryLocker(), lock.FailClosed, cache)
	env.seedOffer(t, "o1", 10, 5)
	ctx := context.Background()

	if _, err := env.svc.ExecuteTrade(ctx, settlement.Request{OfferID: "o1", BuyerID: "buyer", Quantity: 1}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	snap, err := cache.GetRates(ctx)
	if err != nil || snap == nil {
		t.Fatalf("expected repopulated cache, got snap=%v err=%v", snap, err)
	}
	if !snap.Rates["MAR"].Equal(d(2)) || !snap.Rates["TER"].Equal(d(1)) {
		t.Errorf("unexpected cached rates: %v", snap.Rates)
	}
}

func TestExecuteTrade_PrefersCachedRate(t *testing.T) {
	cache, _ := newRedisCache(t)
	env := newTestEnv(t, lock.NewMemoryLocker(), lock.FailClosed, cache)
	env.seedOffer(t, "o1", 10, 5)
	ctx := context.Background()

	cache.SetRates(ctx, &model.RateSnapshot{
		Rates:     map[string]decimal.Decimal{"TER": d(1), "MAR": d(1.5)},
		UpdatedAt: testNow,
	})

	res, err := env.svc.ExecuteTrade(ctx, settlement.Request{OfferID: "o1", BuyerID: "buyer", Quantity: 2})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !res.Trade.ExchangeRateUsed.Equal(d(1.5)) {
		t.Errorf("expected cached rate 1.5, got %s", res.Trade.ExchangeRateUsed)
	}
}

func TestExecuteTrade_CacheDownFallsBackToStore(t *testing.T) {
	cache, mr := newRedisCache(t)
	env := newTestEnv(t, lock.NewMemoryLocker(), lock.FailClosed, cache)
	env.seedOffer(t, "o1", 10, 5)
	mr.SetError("connection refused")

	res, err := env.svc.ExecuteTrade(context.Background(), settlement.Request{OfferID: "o1", BuyerID: "buyer", Quantity: 1})
	if err != nil {
		t.Fatalf("cache failure must not block settlement: %v", err)
	}
	if !res.Trade.ExchangeRateUsed.Equal(d(2)) {
		t.Errorf("expected store rate 2, got %s", res.Trade.ExchangeRateUsed)
	}
}

// --- Offers ---

func TestCreateOffer(t *testing.T) {
	env := newTestEnv(t, lock.NewMemoryLocker(), lock.FailClosed, nil)

	o, err := env.svc.CreateOffer(context.Background(), settlement.OfferRequest{
		SellerID: "seller", ResourceID: "iron", Quantity: 5, PricePerUnit: d(2.5), ExpiresInSeconds: 60,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if o.SellerWorldID != "terra" || o.Status != model.OfferOpen || o.RemainingQuantity != 5 {
		t.Errorf("unexpected offer: %+v", o)
	}
	if !o.ExpiresAt.Equal(testNow.Add(time.Minute)) {
		t.Errorf("expected expiry one minute out, got %s", o.ExpiresAt)
	}
}

func TestCreateOffer_Validation(t *testing.T) {
	env := newTestEnv(t, lock.NewMemoryLocker(), lock.FailClosed, nil)
	ctx := context.Background()

	tests := []struct {
		name string
		req  settlement.OfferRequest
		want error
	}{
		{"zero quantity", settlement.OfferRequest{SellerID: "seller", ResourceID: "iron", PricePerUnit: d(1)}, settlement.ErrInvalidQuantity},
		{"zero price", settlement.OfferRequest{SellerID: "seller", ResourceID: "iron", Quantity: 1}, settlement.ErrInvalidPrice},
		{"unknown seller", settlement.OfferRequest{SellerID: "ghost", ResourceID: "iron", Quantity: 1, PricePerUnit: d(1)}, settlement.ErrSellerNotFound},
		{"unknown resource", settlement.OfferRequest{SellerID: "seller", ResourceID: "gold", Quantity: 1, PricePerUnit: d(1)}, settlement.ErrResourceNotFound},
		{"unknown target", settlement.OfferRequest{SellerID: "seller", ResourceID: "iron", Quantity: 1, PricePerUnit: d(1), TargetWorldID: "venus"}, settlement.ErrWorldNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := env.svc.CreateOffer(ctx, tt.req); !errors.Is(err, tt.want) {
				t.Errorf("expected %v, got %v", tt.want, err)
			}
		})
	}
}

func TestCancelOffer(t *testing.T) {
	env := newTestEnv(t, lock.NewMemoryLocker(), lock.FailClosed, nil)
	env.seedOffer(t, "o1", 10, 1)
	ctx := context.Background()

	if _, err := env.svc.CancelOffer(ctx, "o1", "buyer"); !errors.Is(err, settlement.ErrNotOfferOwner) {
		t.Fatalf("expected ErrNotOfferOwner, got %v", err)
	}

	o, err := env.svc.CancelOffer(ctx, "o1", "seller")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if o.Status != model.OfferCancelled || o.RemainingQuantity != 10 {
		t.Errorf("unexpected cancelled offer: %+v", o)
	}

	_, err = env.svc.ExecuteTrade(ctx, settlement.Request{OfferID: "o1", BuyerID: "buyer", Quantity: 1})
	if !errors.Is(err, settlement.ErrOfferNotOpen) {
		t.Errorf("expected ErrOfferNotOpen after cancel, got %v", err)
	}
}
