package recompute

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/world-exchange/internal/fx"
	"github.com/atmx/world-exchange/internal/metrics"
	"github.com/atmx/world-exchange/internal/model"
	"github.com/atmx/world-exchange/internal/store"
)

// RateUpdate is the new economy of one world.
type RateUpdate struct {
	WorldID  string
	Currency string
	Old      float64
	Raw      float64 // unsmoothed target; equals 1 for the base world
	Economy  store.WorldEconomy
}

// RunExchangeRateRecompute moves every world's rate toward its PPP target,
// pins the base world at exactly 1.0, updates prosperity and money supply,
// and refreshes the cached rate table.
func (c *Cycle) RunExchangeRateRecompute(ctx context.Context) error {
	start := time.Now()
	defer func() {
		metrics.RecomputeDuration.WithLabelValues("rates").Observe(time.Since(start).Seconds())
	}()

	updates, err := c.ComputeRates(ctx)
	if err != nil {
		metrics.RecomputeFailures.WithLabelValues("rates").Inc()
		return err
	}

	byID := make(map[string]RateUpdate, len(updates))
	for _, u := range updates {
		byID[u.WorldID] = u
	}
	werr := c.forEachWorld(ctx, "rates", sortedKeys(byID), func(ctx context.Context, id string) error {
		return c.store.UpdateWorldEconomy(ctx, id, byID[id].Economy)
	})

	snap := &model.RateSnapshot{
		Rates:     make(map[string]decimal.Decimal, len(updates)),
		UpdatedAt: c.opts.Now().UTC(),
	}
	for _, u := range updates {
		snap.Rates[u.Currency] = u.Economy.ExchangeRate
		metrics.ExchangeRate.WithLabelValues(u.Currency).Set(u.Economy.ExchangeRate.InexactFloat64())
	}
	if c.cache != nil {
		if err := c.cache.SetRates(ctx, snap); err != nil {
			slog.Warn("rate cache write failed", "err", err)
		}
	}

	slog.Info("exchange rates recomputed",
		"worlds", len(updates),
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return werr
}

// ComputeRates reads the current snapshot and returns each world's new
// economy without writing anything.
func (c *Cycle) ComputeRates(ctx context.Context) ([]RateUpdate, error) {
	worlds, err := c.store.ListWorlds(ctx)
	if err != nil {
		return nil, fmt.Errorf("list worlds: %w", err)
	}
	base, err := baseWorld(worlds, c.opts.BaseWorldID)
	if err != nil {
		return nil, err
	}

	baseCPI := fx.CPI(toFloats(base.Prices), c.opts.CPIWeights)
	baseIntrinsic := base.BaseExchangeRate.InexactFloat64()

	updates := make([]RateUpdate, 0, len(worlds))
	for i := range worlds {
		w := &worlds[i]
		exports, imports := float64(w.TotalExports), float64(w.TotalImports)

		ms := fx.MoneySupply(w.GDP, w.ExportRevenue, w.ImportCost)
		u := RateUpdate{
			WorldID:  w.ID,
			Currency: w.CurrencyCode,
			Old:      w.CurrentExchangeRate.InexactFloat64(),
			Raw:      1,
			Economy: store.WorldEconomy{
				ExchangeRate: fx.BaseRate,
				MoneySupply:  ms,
				Prosperity:   fx.Prosperity(w.Prosperity, exports, imports),
			},
		}

		if w.ID != base.ID {
			inflation := 0.0
			if !w.MoneySupply.IsZero() {
				inflation = fx.Inflation(ms.InexactFloat64(), w.MoneySupply.InexactFloat64(), c.opts.Beta)
			}
			u.Raw = fx.RawRate(fx.RateInput{
				CPI:          fx.CPI(toFloats(w.Prices), c.opts.CPIWeights),
				BaseCPI:      baseCPI,
				Inflation:    inflation,
				DemandFactor: fx.DemandFactor(exports, imports),
				Noise:        fx.RateNoise(c.opts.RateNoise(), w.CurrencyVolatility),
				BaseRate:     w.BaseExchangeRate.InexactFloat64(),
				BaseBaseRate: baseIntrinsic,
			})
			u.Economy.ExchangeRate = decimal.NewFromFloat(fx.NextRate(u.Old, u.Raw))
		}
		updates = append(updates, u)
	}
	return updates, nil
}
