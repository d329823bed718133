// Package recompute runs the periodic economic model: local and global
// resource prices, PPP exchange rates, and the offer expiry sweep.
//
// Passes read a snapshot from the store, compute new values as pure
// functions, then write them back with bounded parallelism. They take no lock
// against settlement. A pass that fails for one world skips that world and
// carries on; nothing a pass does can stop the next tick from firing.
package recompute

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/atmx/world-exchange/internal/fx"
	"github.com/atmx/world-exchange/internal/metrics"
	"github.com/atmx/world-exchange/internal/model"
	"github.com/atmx/world-exchange/internal/pricing"
	"github.com/atmx/world-exchange/internal/store"
)

const priceScale = 4

// Options configures a Cycle. Zero fields take defaults.
type Options struct {
	BaseWorldID  string        // pinned at rate 1.0; empty = lowest world id
	Parallelism  int           // concurrent store writes per pass (default 4)
	VolumeWindow time.Duration // trailing trade volume fed into demand (default 24h)
	Beta         float64       // inflation sensitivity (default fx.DefaultBeta)
	CPIWeights   map[string]float64
	Arbitrage    *pricing.ArbitrageParams // nil = pricing.DefaultArbitrageParams
	RateNoise    pricing.Noise            // uniform [0,1); nil = none
	Now          func() time.Time
}

func (o Options) withDefaults() Options {
	if o.Parallelism <= 0 {
		o.Parallelism = 4
	}
	if o.VolumeWindow <= 0 {
		o.VolumeWindow = 24 * time.Hour
	}
	if o.Beta == 0 {
		o.Beta = fx.DefaultBeta
	}
	if o.Arbitrage == nil {
		p := pricing.DefaultArbitrageParams
		o.Arbitrage = &p
	}
	if o.RateNoise == nil {
		o.RateNoise = pricing.NoNoise
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}

// Cycle owns one deployment's recomputation passes.
type Cycle struct {
	store store.Store
	cache store.SnapshotCache // optional
	model *pricing.Model
	opts  Options
}

// NewCycle creates a cycle. cache may be nil; m nil uses pricing.NewModel().
func NewCycle(st store.Store, cache store.SnapshotCache, m *pricing.Model, opts Options) *Cycle {
	if m == nil {
		m = pricing.NewModel()
	}
	return &Cycle{store: st, cache: cache, model: m, opts: opts.withDefaults()}
}

// Run fires every pass on each tick until ctx is cancelled. The first tick
// runs immediately. A panicking pass is recovered and logged.
func (c *Cycle) Run(ctx context.Context, interval time.Duration) {
	slog.Info("recompute loop started", "interval", interval.String(), "base_world", c.opts.BaseWorldID)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		c.Tick(ctx)
		select {
		case <-ctx.Done():
			slog.Info("recompute loop stopped")
			return
		case <-ticker.C:
		}
	}
}

// Tick runs the expiry sweep, the price pass, then the rate pass once.
// Rates read the prices the price pass just wrote.
func (c *Cycle) Tick(ctx context.Context) {
	c.guard(ctx, "expiry", func(ctx context.Context) error {
		_, err := c.RunOfferExpirySweep(ctx)
		return err
	})
	c.guard(ctx, "prices", c.RunPriceRecompute)
	c.guard(ctx, "rates", c.RunExchangeRateRecompute)
}

func (c *Cycle) guard(ctx context.Context, pass string, fn func(context.Context) error) {
	defer func() {
		if r := recover(); r != nil {
			metrics.RecomputeFailures.WithLabelValues(pass).Inc()
			slog.Error("recompute pass panicked", "pass", pass, "panic", r)
		}
	}()
	if ctx.Err() != nil {
		return
	}
	if err := fn(ctx); err != nil {
		slog.Warn("recompute pass failed", "pass", pass, "err", err)
	}
}

// RunOfferExpirySweep flips every stale open/partial offer to expired.
func (c *Cycle) RunOfferExpirySweep(ctx context.Context) (int64, error) {
	n, err := c.store.ExpireStaleOffers(ctx, c.opts.Now())
	if err != nil {
		metrics.RecomputeFailures.WithLabelValues("expiry").Inc()
		return 0, fmt.Errorf("expire offers: %w", err)
	}
	if n > 0 {
		metrics.OffersExpired.WithLabelValues("sweep").Add(float64(n))
		slog.Info("offers expired", "count", n)
	}
	return n, nil
}

// forEachWorld runs fn for every id with bounded parallelism. Failures are
// counted and joined; one world failing never cancels the others.
func (c *Cycle) forEachWorld(ctx context.Context, pass string, ids []string, fn func(ctx context.Context, id string) error) error {
	var (
		mu   sync.Mutex
		errs []error
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.opts.Parallelism)

	for _, id := range ids {
		id := id // per-iteration copy (go.mod targets go1.21 loop semantics)
		g.Go(func() error {
			if err := fn(gctx, id); err != nil {
				metrics.RecomputeFailures.WithLabelValues(pass).Inc()
				slog.Warn("recompute skipped world", "pass", pass, "world", id, "err", err)
				mu.Lock()
				errs = append(errs, fmt.Errorf("world %s: %w", id, err))
				mu.Unlock()
			}
			return nil
		})
	}
	g.Wait()
	return errors.Join(errs...)
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func toFloats(m map[string]decimal.Decimal) map[string]float64 {
	out := make(map[string]float64, len(m))
	for k, v := range m {
		out[k] = v.InexactFloat64()
	}
	return out
}

func baseWorld(worlds []model.World, id string) (*model.World, error) {
	if len(worlds) == 0 {
		return nil, errors.New("no worlds")
	}
	if id == "" {
		return &worlds[0], nil
	}
	for i := range worlds {
		if worlds[i].ID == id {
			return &worlds[i], nil
		}
	}
	return nil, fmt.Errorf("base world %s not found", id)
}
