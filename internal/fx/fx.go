// Package fx implements the purchasing-power-parity exchange rate model.
//
// A world's rate is expressed as units of its currency per one unit of the
// base world's currency. The base world is pinned at exactly 1.0; every other
// rate moves at most Smoothing of the way toward its raw PPP target per cycle.
package fx

import (
	"errors"
	"math"

	"github.com/shopspring/decimal"
)

const (
	// Smoothing is the fraction of the gap to the raw target closed per cycle.
	Smoothing = 0.3

	// MinRate and MaxRate bound every computed rate.
	MinRate = 0.1
	MaxRate = 10.0

	// RateScale is the number of decimal places rates are rounded to.
	RateScale = 4

	// DefaultBeta scales money-supply growth into inflation.
	DefaultBeta = 0.2

	// DefaultCPI is the index of a world without price data.
	DefaultCPI = 100.0

	tradeSensitivity = 0.1
)

// ErrInvalidRate is returned when a rate needed for conversion is not positive.
var ErrInvalidRate = errors.New("fx: exchange rate must be positive")

// BaseRate is the pinned rate of the base world.
var BaseRate = decimal.NewFromInt(1)

// CPI is the weighted average of a world's resource prices. Missing or
// all-zero weights fall back to equal weights; no prices yields DefaultCPI.
func CPI(prices map[string]float64, weights map[string]float64) float64 {
	if len(prices) == 0 {
		return DefaultCPI
	}

	var sum, total float64
	for id, p := range prices {
		w := weights[id]
		sum += p * w
		total += w
	}
	if total > 0 {
		return sum / total
	}

	sum = 0
	for _, p := range prices {
		sum += p
	}
	return sum / float64(len(prices))
}

// DemandFactor is 1 ± 10% scaled by the normalized trade balance.
func DemandFactor(exports, imports float64) float64 {
	return 1 + ((exports-imports)/math.Max(exports+imports, 1))*tradeSensitivity
}

// Inflation is beta × relative money-supply growth since the previous cycle.
func Inflation(moneySupply, prevMoneySupply, beta float64) float64 {
	return beta * (moneySupply - prevMoneySupply) / math.Max(prevMoneySupply, 1)
}

// MoneySupply approximates a world's money stock from GDP and trade flow.
func MoneySupply(gdp, exportRevenue, importCost decimal.Decimal) decimal.Decimal {
	return gdp.Add(exportRevenue).Sub(importCost)
}

// RateInput collects everything RawRate needs for one world.
type RateInput struct {
	CPI          float64 // this world
	BaseCPI      float64 // base world
	Inflation    float64
	DemandFactor float64
	Noise        float64 // multiplicative, 1.0 = none
	BaseRate     float64 // this world's intrinsic baseExchangeRate
	BaseBaseRate float64 // the base world's intrinsic baseExchangeRate
}

// RawRate is the unsmoothed PPP target:
//
//	(CPI × (1 + inflation) / baseCPI) × demandFactor × noise × (baseRate / baseBaseRate)
func RawRate(in RateInput) float64 {
	baseCPI := in.BaseCPI
	if baseCPI <= 0 {
		baseCPI = DefaultCPI
	}
	noise := in.Noise
	if noise <= 0 {
		noise = 1
	}
	intrinsic := 1.0
	if in.BaseRate > 0 && in.BaseBaseRate > 0 {
		intrinsic = in.BaseRate / in.BaseBaseRate
	}

	adjusted := in.CPI * (1 + in.Inflation)
	return (adjusted / baseCPI) * in.DemandFactor * noise * intrinsic
}

// RateNoise maps a uniform sample in [0, 1) to 1 + (u - 0.5) × volatility × 0.1.
func RateNoise(u, volatility float64) float64 {
	return 1 + (u-0.5)*volatility*0.1
}

// Smooth closes Smoothing of the gap between old and raw.
func Smooth(old, raw float64) float64 {
	return old*(1-Smoothing) + raw*Smoothing
}

// NextRate smooths toward raw, clamps to [MinRate, MaxRate], and rounds to
// RateScale places. A non-positive old rate is treated as 1.0.
//
// The rounding can carry a step up to half a unit in the last place beyond
// Smoothing×|raw−old|: NextRate(1, 1.0002) is 1.0001, not 1.00006.
func NextRate(old, raw float64) float64 {
	if old <= 0 {
		old = 1
	}
	r := Smooth(old, raw)
	r = math.Max(MinRate, math.Min(MaxRate, r))
	scale := math.Pow(10, RateScale)
	return math.Round(r*scale) / scale
}

// PairRate converts a seller-currency amount into buyer currency:
// buyerUnits = sellerUnits × PairRate(sellerRate, buyerRate).
func PairRate(sellerRate, buyerRate decimal.Decimal) (decimal.Decimal, error) {
	if !sellerRate.IsPositive() || !buyerRate.IsPositive() {
		return decimal.Zero, ErrInvalidRate
	}
	return buyerRate.DivRound(sellerRate, RateScale), nil
}

// Prosperity drifts 10% per cycle toward a target set by the trade balance,
// bounded to [0, 1].
func Prosperity(old, exports, imports float64) float64 {
	balance := (exports - imports) / math.Max(exports+imports, 1)
	target := 0.5 + 0.5*balance
	p := old*0.9 + target*0.1
	return math.Max(0, math.Min(1, p))
}
