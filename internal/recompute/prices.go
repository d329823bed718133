package recompute

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/world-exchange/internal/metrics"
	"github.com/atmx/world-exchange/internal/model"
	"github.com/atmx/world-exchange/internal/pricing"
)

// PriceResult is what one price pass computed.
type PriceResult struct {
	Global map[string]decimal.Decimal            // resourceID → price
	Local  map[string]map[string]decimal.Decimal // worldID → resourceID → price
}

// RunPriceRecompute advances every resource's global price from aggregate
// demand and supply, derives each world's local price, damps cross-world
// arbitrage, and writes the results back. Calling it twice in a tick just
// recomputes from the newer snapshot.
func (c *Cycle) RunPriceRecompute(ctx context.Context) error {
	start := time.Now()
	defer func() {
		metrics.RecomputeDuration.WithLabelValues("prices").Observe(time.Since(start).Seconds())
	}()

	res, err := c.ComputePrices(ctx)
	if err != nil {
		metrics.RecomputeFailures.WithLabelValues("prices").Inc()
		return err
	}

	werr := c.forEachWorld(ctx, "prices", sortedKeys(res.Local), func(ctx context.Context, id string) error {
		return c.store.UpdateWorldPrices(ctx, id, res.Local[id])
	})

	if err := c.store.SaveGlobalPrices(ctx, res.Global); err != nil {
		metrics.RecomputeFailures.WithLabelValues("prices").Inc()
		return fmt.Errorf("save global prices: %w", err)
	}
	c.cachePrices(ctx, res)

	slog.Info("prices recomputed",
		"resources", len(res.Global),
		"worlds", len(res.Local),
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return werr
}

// ComputePrices reads the current snapshot and returns new prices without
// writing anything.
func (c *Cycle) ComputePrices(ctx context.Context) (*PriceResult, error) {
	resources, err := c.store.ListResources(ctx)
	if err != nil {
		return nil, fmt.Errorf("list resources: %w", err)
	}
	worlds, err := c.store.ListWorlds(ctx)
	if err != nil {
		return nil, fmt.Errorf("list worlds: %w", err)
	}
	prev, err := c.store.GetGlobalPrices(ctx)
	if err != nil {
		return nil, fmt.Errorf("global prices: %w", err)
	}
	volumes, err := c.store.TradeVolumeSince(ctx, c.opts.Now().Add(-c.opts.VolumeWindow))
	if err != nil {
		return nil, fmt.Errorf("trade volume: %w", err)
	}
	volume := make(map[string]float64, len(volumes))
	for _, v := range volumes {
		volume[v.ResourceID] = float64(v.Volume)
	}

	res := &PriceResult{
		Global: make(map[string]decimal.Decimal, len(resources)),
		Local:  make(map[string]map[string]decimal.Decimal, len(worlds)),
	}
	for _, w := range worlds {
		res.Local[w.ID] = make(map[string]decimal.Decimal, len(resources))
	}

	for _, r := range resources {
		global, quotes := c.priceResource(r, worlds, prev[r.ID].InexactFloat64(), volume[r.ID])
		res.Global[r.ID] = decimal.NewFromFloat(global).Round(priceScale)
		for _, q := range quotes {
			res.Local[q.WorldID][r.ID] = decimal.NewFromFloat(q.Price).Round(priceScale)
		}
	}
	return res, nil
}

func (c *Cycle) priceResource(r model.Resource, worlds []model.World, prevGlobal, tradedVolume float64) (float64, []pricing.Quote) {
	demand, supply := tradedVolume, 0.0
	for _, w := range worlds {
		demand += w.Demand[r.ID]
		supply += w.Inventory[r.ID] + w.ProductionRates[r.ID]
	}

	rf := pricing.ResourceFactors{
		BaseValue:  r.BaseValue.InexactFloat64(),
		Volatility: r.Volatility,
	}
	global := c.model.NextGlobal(prevGlobal, demand, supply, rf)

	quotes := make([]pricing.Quote, 0, len(worlds))
	for _, w := range worlds {
		local := c.model.Local(global, pricing.WorldFactors{
			Population: w.Population,
			Prosperity: w.Prosperity,
			Affinity:   r.Affinity[w.ID],
		}, rf)
		quotes = append(quotes, pricing.Quote{
			WorldID: w.ID,
			Price:   local,
			Rate:    w.CurrentExchangeRate.InexactFloat64(),
		})
	}

	if converged, moved := pricing.Converge(quotes, rf.BaseValue, *c.opts.Arbitrage); moved {
		quotes = converged
	}
	return global, quotes
}

func (c *Cycle) cachePrices(ctx context.Context, res *PriceResult) {
	if c.cache == nil {
		return
	}
	now := c.opts.Now().UTC()
	for resourceID, global := range res.Global {
		snap := &model.PriceSnapshot{
			ResourceID: resourceID,
			Global:     global,
			Local:      make(map[string]decimal.Decimal, len(res.Local)),
			UpdatedAt:  now,
		}
		for worldID, prices := range res.Local {
			snap.Local[worldID] = prices[resourceID]
		}
		if err := c.cache.SetPrices(ctx, snap); err != nil {
			slog.Warn("price cache write failed", "resource", resourceID, "err", err)
			return
		}
	}
}
