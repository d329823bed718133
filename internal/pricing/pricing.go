// Package pricing implements the supply/demand price dynamics model for
// resources traded across worlds.
//
// Every function here is pure: no I/O, no clocks, and randomness only through
// an injected Noise source. Internal math is float64; callers convert results
// to decimal at the store boundary.
package pricing

import (
	"math"
	"math/rand"
)

const (
	// DefaultAlpha is the price adjustment speed per cycle.
	DefaultAlpha = 0.05

	// DefaultTariff is the flat import premium applied to local prices.
	DefaultTariff = 0.03

	// MinPrice is the absolute floor of UpdatePrice.
	MinPrice = 0.01

	// MaxImbalance bounds |demand-supply|/supply so a thin market cannot
	// compound prices without limit.
	MaxImbalance = 10.0

	// ClampLow and ClampHigh bound every final price relative to the resource base value.
	ClampLow  = 0.1
	ClampHigh = 10.0

	maxPopulationBias = 0.15
	maxProsperityBias = 0.15
	maxSupplyBias     = 0.5
)

// Noise returns a value in [0, 1).
type Noise func() float64

// NoNoise is a Noise that always sits at the midpoint, making ApplyNoise a no-op.
func NoNoise() float64 { return 0.5 }

// RandNoise returns a Noise backed by its own *rand.Rand. Not safe for
// concurrent use; give each goroutine its own.
func RandNoise(seed int64) Noise {
	r := rand.New(rand.NewSource(seed))
	return r.Float64
}

// UpdatePrice moves current toward the demand/supply balance:
//
//	imbalance = clamp((demand - supply) / max(supply, 1), ±MaxImbalance)
//	new       = current × (1 + alpha × imbalance), floored at MinPrice
func UpdatePrice(current, demand, supply, alpha float64) float64 {
	imbalance := (demand - supply) / math.Max(supply, 1)
	imbalance = math.Max(-MaxImbalance, math.Min(MaxImbalance, imbalance))

	next := current * (1 + alpha*imbalance)
	return math.Max(next, MinPrice)
}

// LocalPrice applies world-specific biases and tariff to a global price.
func LocalPrice(global, demandBias, supplyBias, tariff float64) float64 {
	return global * (1 + demandBias - supplyBias + tariff)
}

// DemandBias grows with population (per million) and prosperity (0..1),
// each contribution capped.
func DemandBias(population int64, prosperity float64) float64 {
	pop := math.Min(float64(population)/1_000_000*0.01, maxPopulationBias)
	pros := math.Min(math.Max(prosperity, 0)*0.15, maxProsperityBias)
	return math.Max(pop, 0) + pros
}

// SupplyBias grows with a world's production affinity for a resource, capped
// at 0.5 so local production can roughly halve the price but never remove it.
func SupplyBias(affinity float64) float64 {
	if affinity <= 0 {
		return 0
	}
	return math.Min(affinity*0.25, maxSupplyBias)
}

// ApplyNoise scales price by 1 + (n - 0.5) × volatility × 0.1.
func ApplyNoise(price, volatility float64, noise Noise) float64 {
	if noise == nil {
		return price
	}
	return price * (1 + (noise()-0.5)*volatility*0.1)
}

// Clamp bounds price to [baseValue × ClampLow, baseValue × ClampHigh].
func Clamp(price, baseValue float64) float64 {
	return math.Max(baseValue*ClampLow, math.Min(baseValue*ClampHigh, price))
}
