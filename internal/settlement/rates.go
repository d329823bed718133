package settlement

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/shopspring/decimal"

	"github.com/atmx/world-exchange/internal/fx"
	"github.com/atmx/world-exchange/internal/metrics"
	"github.com/atmx/world-exchange/internal/model"
)

// Rates returns the current exchange-rate table, read through the snapshot
// cache. A cache failure falls back to the store and is never fatal.
func (s *Service) Rates(ctx context.Context) (*model.RateSnapshot, error) {
	if s.cache != nil {
		snap, err := s.cache.GetRates(ctx)
		switch {
		case err != nil:
			metrics.RateCacheLookups.WithLabelValues("error").Inc()
			slog.Warn("rate cache read failed, using store", "err", err)
		case snap != nil:
			metrics.RateCacheLookups.WithLabelValues("hit").Inc()
			return snap, nil
		default:
			metrics.RateCacheLookups.WithLabelValues("miss").Inc()
		}
	}
	return s.loadRates(ctx)
}

// loadRates builds the rate table from the store and repopulates the cache.
func (s *Service) loadRates(ctx context.Context) (*model.RateSnapshot, error) {
	worlds, err := s.store.ListWorlds(ctx)
	if err != nil {
		return nil, fmt.Errorf("load rates: %w", err)
	}

	snap := &model.RateSnapshot{
		Rates:     make(map[string]decimal.Decimal, len(worlds)),
		UpdatedAt: s.now().UTC(),
	}
	for _, w := range worlds {
		snap.Rates[w.CurrencyCode] = w.CurrentExchangeRate
	}

	if s.cache != nil {
		if err := s.cache.SetRates(ctx, snap); err != nil {
			slog.Warn("rate cache write failed", "err", err)
		}
	}
	return snap, nil
}

// pairRate resolves the seller→buyer conversion factor. It is read once per
// settlement attempt and frozen into the Trade.
func (s *Service) pairRate(ctx context.Context, seller, buyer *model.World) (decimal.Decimal, error) {
	if seller.CurrencyCode == buyer.CurrencyCode {
		return decimal.NewFromInt(1), nil
	}

	sellerRate, buyerRate, ok := s.cachedRates(ctx, seller.CurrencyCode, buyer.CurrencyCode)
	if !ok {
		snap, err := s.loadRates(ctx)
		if err != nil {
			return decimal.Zero, err
		}
		sellerRate, buyerRate = snap.Rates[seller.CurrencyCode], snap.Rates[buyer.CurrencyCode]
	}

	rate, err := fx.PairRate(sellerRate, buyerRate)
	if err != nil {
		return decimal.Zero, fmt.Errorf("rate %s→%s: %w", seller.CurrencyCode, buyer.CurrencyCode, err)
	}
	return rate, nil
}

func (s *Service) cachedRates(ctx context.Context, from, to string) (decimal.Decimal, decimal.Decimal, bool) {
	if s.cache == nil {
		return decimal.Zero, decimal.Zero, false
	}

	snap, err := s.cache.GetRates(ctx)
	if err != nil {
		metrics.RateCacheLookups.WithLabelValues("error").Inc()
		slog.Warn("rate cache read failed, using store", "err", err)
		return decimal.Zero, decimal.Zero, false
	}
	if snap == nil {
		metrics.RateCacheLookups.WithLabelValues("miss").Inc()
		return decimal.Zero, decimal.Zero, false
	}

	fromRate, ok1 := snap.Rates[from]
	toRate, ok2 := snap.Rates[to]
	if !ok1 || !ok2 {
		metrics.RateCacheLookups.WithLabelValues("miss").Inc()
		return decimal.Zero, decimal.Zero, false
	}
	metrics.RateCacheLookups.WithLabelValues("hit").Inc()
	return fromRate, toRate, true
}
