// Package settlement commits buys against standing offers.
//
// A settlement attempt runs under a lease on the offer. Its writes are
// ordered, each individually durable, with no multi-record transaction:
//
//	debit buyer → credit seller → insert Trade → decrement offer → audit
//
// The decrement is conditional on both paths. If it is refused after the
// Trade was written, the Trade is deleted and the funds reversed.
//
// The Trade row, unique on its idempotency key, is the single record of
// whether a request already happened. When the lock store is down and the
// coordinator fails open, the offer's conditional decrement becomes the
// atomicity boundary instead and runs first.
//
// Exchange rates are read once per attempt and frozen into the Trade. The
// recompute cycle may overwrite a rate while an attempt is in flight; that
// trade settles at the rate it read. Smoothing and the fee margin bound the
// gap, and the two paths never lock against each other.
package settlement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/atmx/world-exchange/internal/lock"
	"github.com/atmx/world-exchange/internal/metrics"
	"github.com/atmx/world-exchange/internal/model"
	"github.com/atmx/world-exchange/internal/store"
)

// DefaultFeeRate is charged to the buyer on top of the converted total.
var DefaultFeeRate = decimal.NewFromFloat(0.03)

// moneyScale is the number of decimal places buyer-currency amounts keep.
const moneyScale = 4

// Notifier receives committed trades. Implementations must not block.
type Notifier interface {
	TradeSettled(ctx context.Context, trade *model.Trade)
}

// Options configures a Service. Zero fields take defaults.
type Options struct {
	FeeRate  decimal.Decimal
	OfferTTL time.Duration
	Now      func() time.Time
}

// Service executes trades. It holds no package-level state; every
// collaborator is injected.
type Service struct {
	store    store.Store
	locks    *lock.Coordinator
	cache    store.SnapshotCache // optional
	notifier Notifier            // optional
	feeRate  decimal.Decimal
	offerTTL time.Duration
	now      func() time.Time
}

// NewService creates a settlement service. cache and notifier may be nil.
func NewService(st store.Store, locks *lock.Coordinator, cache store.SnapshotCache, notifier Notifier, opts Options) *Service {
	s := &Service{
		store:    st,
		locks:    locks,
		cache:    cache,
		notifier: notifier,
		feeRate:  opts.FeeRate,
		offerTTL: opts.OfferTTL,
		now:      opts.Now,
	}
	if s.feeRate.IsZero() {
		s.feeRate = DefaultFeeRate
	}
	if s.offerTTL <= 0 {
		s.offerTTL = DefaultOfferTTL
	}
	if s.now == nil {
		s.now = time.Now
	}
	return s
}

// Request is one buy against one offer. Quantity 0 buys everything remaining.
type Request struct {
	OfferID        string `json:"offer_id"`
	BuyerID        string `json:"buyer_id"`
	Quantity       int64  `json:"quantity,omitempty"`
	IdempotencyKey string `json:"idempotency_key,omitempty"`
}

// Summary is the buyer-visible outcome. It is always derived from the Trade
// record, so a replay returns exactly what the original call returned.
type Summary struct {
	Bought       int64           `json:"bought"`
	ResourceID   string          `json:"resource_id"`
	Paid         decimal.Decimal `json:"paid"`
	Currency     string          `json:"currency"`
	Fee          decimal.Decimal `json:"fee"`
	ExchangeRate decimal.Decimal `json:"exchange_rate"`
}

// Result is returned by ExecuteTrade.
type Result struct {
	Trade    *model.Trade      `json:"trade"`
	Offer    *model.TradeOffer `json:"offer"`
	Summary  Summary           `json:"summary"`
	Replayed bool              `json:"replayed"`

	mode string
}

func summarize(t *model.Trade) Summary {
	return Summary{
		Bought:       t.Quantity,
		ResourceID:   t.ResourceID,
		Paid:         t.BuyerTotal,
		Currency:     t.BuyerCurrency,
		Fee:          t.Fee,
		ExchangeRate: t.ExchangeRateUsed,
	}
}

func offerLockKey(offerID string) string {
	return "offer:" + offerID
}

// ExecuteTrade settles one buy. A request whose idempotency key already
// produced a Trade returns that Trade's result with Replayed set and no
// side effects.
func (s *Service) ExecuteTrade(ctx context.Context, req Request) (*Result, error) {
	start := time.Now()
	res, err := s.execute(ctx, req)

	label, mode := outcome(err), "locked"
	if res != nil {
		mode = res.mode
		if res.Replayed {
			label = "replayed"
		}
	}
	metrics.TradesTotal.WithLabelValues(label).Inc()
	metrics.SettlementLatency.WithLabelValues(mode).Observe(time.Since(start).Seconds())

	if err != nil {
		slog.Info("trade rejected",
			"offer", req.OfferID,
			"buyer", req.BuyerID,
			"qty", req.Quantity,
			"reason", label,
			"err", err,
		)
		return nil, err
	}
	if res.Replayed {
		slog.Info("trade replayed", "trade_id", res.Trade.ID, "key", req.IdempotencyKey)
		return res, nil
	}

	t := res.Trade
	slog.Info("trade settled",
		"trade_id", t.ID,
		"offer", t.OfferID,
		"buyer", t.BuyerID,
		"seller", t.SellerID,
		"resource", t.ResourceID,
		"qty", t.Quantity,
		"rate", t.ExchangeRateUsed.String(),
		"paid", t.BuyerTotal.String(),
		"currency", t.BuyerCurrency,
		"mode", mode,
	)
	s.afterCommit(ctx, t)
	return res, nil
}

func (s *Service) execute(ctx context.Context, req Request) (*Result, error) {
	if req.Quantity < 0 {
		return nil, ErrInvalidQuantity
	}
	if res, err := s.replay(ctx, req); err != nil || res != nil {
		return res, err
	}

	var res *Result
	err := s.locks.WithLock(ctx, offerLockKey(req.OfferID), func(ctx context.Context, lease lock.Lease) error {
		// An identical request may have committed while this one waited.
		r, err := s.replay(ctx, req)
		if err != nil || r != nil {
			res = r
			return err
		}
		if lease.Held {
			res, err = s.settleLocked(ctx, req)
		} else {
			res, err = s.settleOptimistic(ctx, req)
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

// replay returns (nil, nil) when the request has no key or the key is unused.
func (s *Service) replay(ctx context.Context, req Request) (*Result, error) {
	if req.IdempotencyKey == "" {
		return nil, nil
	}
	t, err := s.store.GetTradeByIdempotencyKey(ctx, req.IdempotencyKey)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("idempotency lookup: %w", err)
	}
	if t.OfferID != req.OfferID || t.BuyerID != req.BuyerID {
		return nil, fmt.Errorf("%w: %s", ErrIdempotencyConflict, req.IdempotencyKey)
	}

	offer, err := s.store.GetOffer(ctx, t.OfferID)
	if err != nil {
		slog.Warn("replay: offer lookup failed", "offer", t.OfferID, "err", err)
		offer = nil
	}
	return &Result{Trade: t, Offer: offer, Summary: summarize(t), Replayed: true, mode: "replay"}, nil
}

// settleLocked runs with the offer lease held.
func (s *Service) settleLocked(ctx context.Context, req Request) (*Result, error) {
	now := s.now()
	offer, buyer, qty, err := s.validate(ctx, req, now)
	if err != nil {
		return nil, err
	}
	t, err := s.price(ctx, offer, buyer, qty, req.IdempotencyKey, now)
	if err != nil {
		return nil, err
	}
	if err := s.checkFunds(ctx, t); err != nil {
		return nil, err
	}

	if err := s.moveFunds(ctx, t); err != nil {
		return nil, err
	}
	if err := s.store.InsertTrade(ctx, t); err != nil {
		s.reverseFunds(ctx, t)
		return s.lostInsert(ctx, req, err)
	}

	// The lease may have expired, or a fail-open writer may be filling the
	// same offer, so the decrement stays conditional here too.
	old, err := s.store.DecrementOfferIf(ctx, offer.ID, qty, now)
	if err != nil {
		s.voidTrade(ctx, t)
		if errors.Is(err, store.ErrConditionFailed) {
			metrics.LockedDecrementsLost.Inc()
			slog.Warn("offer changed under held lease; trade voided",
				"offer", offer.ID, "trade_id", t.ID, "qty", qty)
			return nil, s.classifyLostDecrement(ctx, offer.ID, now)
		}
		return nil, fmt.Errorf("decrement offer %s: %w", offer.ID, err)
	}
	old.RemainingQuantity -= qty
	old.Status = model.StatusAfterFill(old.RemainingQuantity)

	s.audit(ctx, t)
	return &Result{Trade: t, Offer: old, Summary: summarize(t), mode: "locked"}, nil
}

// settleOptimistic runs without mutual exclusion. The conditional decrement
// goes first; the old value it returns proves this attempt alone consumed
// qty. Every later failure puts the quantity back.
func (s *Service) settleOptimistic(ctx context.Context, req Request) (*Result, error) {
	now := s.now()
	offer, buyer, qty, err := s.validate(ctx, req, now)
	if err != nil {
		return nil, err
	}
	t, err := s.price(ctx, offer, buyer, qty, req.IdempotencyKey, now)
	if err != nil {
		return nil, err
	}
	if err := s.checkFunds(ctx, t); err != nil {
		return nil, err
	}

	old, err := s.store.DecrementOfferIf(ctx, offer.ID, qty, now)
	if errors.Is(err, store.ErrConditionFailed) {
		return nil, s.classifyLostDecrement(ctx, offer.ID, now)
	}
	if err != nil {
		return nil, fmt.Errorf("decrement offer %s: %w", offer.ID, err)
	}

	if err := s.moveFunds(ctx, t); err != nil {
		s.restoreQuantity(ctx, offer.ID, qty)
		return nil, err
	}
	if err := s.store.InsertTrade(ctx, t); err != nil {
		s.reverseFunds(ctx, t)
		s.restoreQuantity(ctx, offer.ID, qty)
		return s.lostInsert(ctx, req, err)
	}

	old.RemainingQuantity -= qty
	old.Status = model.StatusAfterFill(old.RemainingQuantity)

	s.audit(ctx, t)
	return &Result{Trade: t, Offer: old, Summary: summarize(t), mode: "optimistic"}, nil
}

func (s *Service) validate(ctx context.Context, req Request, now time.Time) (*model.TradeOffer, *model.Agent, int64, error) {
	offer, err := s.store.GetOffer(ctx, req.OfferID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil, 0, fmt.Errorf("%w: %s", ErrOfferNotFound, req.OfferID)
	}
	if err != nil {
		return nil, nil, 0, fmt.Errorf("get offer: %w", err)
	}

	if err := s.checkBuyable(ctx, offer, now); err != nil {
		return nil, nil, 0, err
	}

	qty := req.Quantity
	if qty == 0 {
		qty = offer.RemainingQuantity
	}
	if qty <= 0 {
		return nil, nil, 0, ErrInvalidQuantity
	}
	if qty > offer.RemainingQuantity {
		return nil, nil, 0, fmt.Errorf("%w: requested %d, remaining %d",
			ErrInsufficientQuantity, qty, offer.RemainingQuantity)
	}

	buyer, err := s.store.GetAgent(ctx, req.BuyerID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil, 0, fmt.Errorf("%w: %s", ErrBuyerNotFound, req.BuyerID)
	}
	if err != nil {
		return nil, nil, 0, fmt.Errorf("get buyer: %w", err)
	}
	if buyer.ID == offer.SellerID {
		return nil, nil, 0, ErrSelfTrade
	}
	if offer.TargetWorldID != "" && offer.TargetWorldID != buyer.WorldID {
		return nil, nil, 0, fmt.Errorf("%w: offer targets %s, buyer lives in %s",
			ErrWorldRestricted, offer.TargetWorldID, buyer.WorldID)
	}
	return offer, buyer, qty, nil
}

// checkBuyable reports a filled offer as out of quantity, which is what a
// buyer who lost the race for the last units needs to hear.
func (s *Service) checkBuyable(ctx context.Context, offer *model.TradeOffer, now time.Time) error {
	if offer.Status == model.OfferFilled {
		return fmt.Errorf("%w: %s is filled", ErrInsufficientQuantity, offer.ID)
	}
	return s.checkOpen(ctx, offer, now)
}

// checkOpen rejects terminal offers and lazily expires stale ones.
func (s *Service) checkOpen(ctx context.Context, offer *model.TradeOffer, now time.Time) error {
	switch {
	case offer.Status == model.OfferExpired:
		return fmt.Errorf("%w: %s", ErrOfferExpired, offer.ID)
	case !offer.Status.Fillable():
		return fmt.Errorf("%w: %s is %s", ErrOfferNotOpen, offer.ID, offer.Status)
	case !now.Before(offer.ExpiresAt):
		if err := s.store.ExpireOffer(ctx, offer.ID); err != nil {
			slog.Warn("lazy expiry failed", "offer", offer.ID, "err", err)
		} else {
			metrics.OffersExpired.WithLabelValues("lazy").Inc()
		}
		return fmt.Errorf("%w: %s at %s", ErrOfferExpired, offer.ID, offer.ExpiresAt.Format(time.RFC3339))
	}
	return nil
}

// classifyLostDecrement explains why a conditional decrement matched nothing.
func (s *Service) classifyLostDecrement(ctx context.Context, offerID string, now time.Time) error {
	offer, err := s.store.GetOffer(ctx, offerID)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrOfferNotFound, offerID)
	}
	if err := s.checkBuyable(ctx, offer, now); err != nil {
		return err
	}
	return fmt.Errorf("%w: %d remaining", ErrInsufficientQuantity, offer.RemainingQuantity)
}

// price builds the Trade with the exchange rate frozen into it.
func (s *Service) price(ctx context.Context, offer *model.TradeOffer, buyer *model.Agent, qty int64, key string, now time.Time) (*model.Trade, error) {
	sellerWorld, err := s.store.GetWorld(ctx, offer.SellerWorldID)
	if err != nil {
		return nil, fmt.Errorf("seller world: %w", err)
	}
	buyerWorld, err := s.store.GetWorld(ctx, buyer.WorldID)
	if err != nil {
		return nil, fmt.Errorf("buyer world: %w", err)
	}
	rate, err := s.pairRate(ctx, sellerWorld, buyerWorld)
	if err != nil {
		return nil, err
	}

	totalSeller := offer.PricePerUnit.Mul(decimal.NewFromInt(qty))
	gross := totalSeller.Mul(rate).Round(moneyScale)
	fee := gross.Mul(s.feeRate).Round(moneyScale)

	return &model.Trade{
		ID:               uuid.NewString(),
		OfferID:          offer.ID,
		IdempotencyKey:   key,
		BuyerID:          buyer.ID,
		BuyerWorldID:     buyerWorld.ID,
		SellerID:         offer.SellerID,
		SellerWorldID:    sellerWorld.ID,
		ResourceID:       offer.ResourceID,
		Quantity:         qty,
		PricePerUnit:     offer.PricePerUnit,
		TotalSeller:      totalSeller,
		ExchangeRateUsed: rate,
		BuyerCurrency:    buyerWorld.CurrencyCode,
		SellerCurrency:   sellerWorld.CurrencyCode,
		BuyerTotal:       gross.Add(fee),
		Fee:              fee,
		SettledAt:        now.UTC(),
	}, nil
}

// checkFunds runs after the rate is frozen so the quoted total is exact.
func (s *Service) checkFunds(ctx context.Context, t *model.Trade) error {
	bw, err := s.store.GetWallet(ctx, t.BuyerID)
	if errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("%w: no wallet for %s", ErrBuyerNotFound, t.BuyerID)
	}
	if err != nil {
		return fmt.Errorf("buyer wallet: %w", err)
	}
	if bw.Balance.LessThan(t.BuyerTotal) {
		return fmt.Errorf("%w: need %s %s, have %s",
			ErrInsufficientFunds, t.BuyerTotal, t.BuyerCurrency, bw.Balance)
	}
	if _, err := s.store.GetWallet(ctx, t.SellerID); err != nil {
		return fmt.Errorf("%w: %v", ErrSellerNotFound, err)
	}
	return nil
}

// moveFunds debits the buyer, then credits the seller in the seller's own
// currency. A failed credit refunds the buyer.
func (s *Service) moveFunds(ctx context.Context, t *model.Trade) error {
	if err := s.store.DebitWallet(ctx, t.BuyerID, t.BuyerTotal); err != nil {
		if errors.Is(err, store.ErrInsufficientBalance) {
			return fmt.Errorf("%w: %v", ErrInsufficientFunds, err)
		}
		return fmt.Errorf("debit buyer: %w", err)
	}
	if err := s.store.CreditWallet(ctx, t.SellerID, t.TotalSeller); err != nil {
		if rerr := s.store.CreditWallet(ctx, t.BuyerID, t.BuyerTotal); rerr != nil {
			slog.Error("buyer refund failed; manual reconciliation required",
				"trade_id", t.ID, "buyer", t.BuyerID, "amount", t.BuyerTotal.String(), "err", rerr)
		}
		return fmt.Errorf("credit seller: %w", err)
	}
	return nil
}

// reverseFunds undoes moveFunds for a trade whose record was never written.
func (s *Service) reverseFunds(ctx context.Context, t *model.Trade) {
	ctx = context.WithoutCancel(ctx)
	now := s.now().UTC()

	if err := s.store.DebitWallet(ctx, t.SellerID, t.TotalSeller); err != nil {
		slog.Error("seller reversal failed; manual reconciliation required",
			"trade_id", t.ID, "seller", t.SellerID, "amount", t.TotalSeller.String(), "err", err)
	} else {
		s.appendLedger(ctx, &model.LedgerEntry{
			ID: uuid.NewString(), AgentID: t.SellerID, TradeID: t.ID, Type: model.LedgerReversal,
			Amount: t.TotalSeller.Neg(), Currency: t.SellerCurrency, Timestamp: now,
		})
	}
	if err := s.store.CreditWallet(ctx, t.BuyerID, t.BuyerTotal); err != nil {
		slog.Error("buyer reversal failed; manual reconciliation required",
			"trade_id", t.ID, "buyer", t.BuyerID, "amount", t.BuyerTotal.String(), "err", err)
	} else {
		s.appendLedger(ctx, &model.LedgerEntry{
			ID: uuid.NewString(), AgentID: t.BuyerID, TradeID: t.ID, Type: model.LedgerReversal,
			Amount: t.BuyerTotal, Currency: t.BuyerCurrency, Timestamp: now,
		})
	}
}

// voidTrade removes a committed Trade whose offer decrement was refused and
// returns the money.
func (s *Service) voidTrade(ctx context.Context, t *model.Trade) {
	if err := s.store.DeleteTrade(context.WithoutCancel(ctx), t.ID); err != nil {
		slog.Error("trade void failed; manual reconciliation required",
			"trade_id", t.ID, "offer", t.OfferID, "err", err)
	}
	s.reverseFunds(ctx, t)
}

func (s *Service) restoreQuantity(ctx context.Context, offerID string, qty int64) {
	if err := s.store.RestoreOfferQuantity(context.WithoutCancel(ctx), offerID, qty); err != nil {
		slog.Error("offer quantity restore failed; reconcile from trades",
			"offer", offerID, "qty", qty, "err", err)
	}
}

// lostInsert handles a failed Trade insert after funds were reversed. Losing
// the uniqueness race means another attempt committed this key first.
func (s *Service) lostInsert(ctx context.Context, req Request, err error) (*Result, error) {
	if errors.Is(err, store.ErrDuplicateIdempotencyKey) {
		res, rerr := s.replay(ctx, req)
		if rerr != nil {
			return nil, rerr
		}
		if res != nil {
			return res, nil
		}
	}
	return nil, fmt.Errorf("insert trade: %w", err)
}

// audit appends the buyer and seller ledger entries.
func (s *Service) audit(ctx context.Context, t *model.Trade) {
	s.appendLedger(ctx, &model.LedgerEntry{
		ID:        uuid.NewString(),
		AgentID:   t.BuyerID,
		TradeID:   t.ID,
		Type:      model.LedgerTradePurchase,
		Amount:    t.BuyerTotal.Neg(),
		Currency:  t.BuyerCurrency,
		Timestamp: t.SettledAt,
	})
	s.appendLedger(ctx, &model.LedgerEntry{
		ID:        uuid.NewString(),
		AgentID:   t.SellerID,
		TradeID:   t.ID,
		Type:      model.LedgerTradeSale,
		Amount:    t.TotalSeller,
		Currency:  t.SellerCurrency,
		Timestamp: t.SettledAt,
	})
}

func (s *Service) appendLedger(ctx context.Context, e *model.LedgerEntry) {
	if err := s.store.InsertLedgerEntry(ctx, e); err != nil {
		slog.Error("ledger append failed", "trade_id", e.TradeID, "agent", e.AgentID, "type", string(e.Type), "err", err)
	}
}

// afterCommit runs outside the lease. Trade-flow counters are commutative
// increments no correctness check reads, so failures are only logged.
func (s *Service) afterCommit(ctx context.Context, t *model.Trade) {
	ctx = context.WithoutCancel(ctx)

	if err := s.store.AddTradeFlow(ctx, t.SellerWorldID, store.TradeFlow{
		Exports:       t.Quantity,
		ExportRevenue: t.TotalSeller,
	}); err != nil {
		slog.Warn("seller trade flow update failed", "world", t.SellerWorldID, "trade_id", t.ID, "err", err)
	}
	if err := s.store.AddTradeFlow(ctx, t.BuyerWorldID, store.TradeFlow{
		Imports:    t.Quantity,
		ImportCost: t.BuyerTotal,
	}); err != nil {
		slog.Warn("buyer trade flow update failed", "world", t.BuyerWorldID, "trade_id", t.ID, "err", err)
	}

	if s.notifier != nil {
		s.notifier.TradeSettled(ctx, t)
	}
}
