package pricing

// Model composes the price functions into the two steps a recomputation
// pass needs: moving a resource's global price, and deriving each world's
// local price from it.
type Model struct {
	Alpha  float64
	Tariff float64
	Noise  Noise
}

// NewModel returns a model with default alpha and tariff and no noise.
func NewModel() *Model {
	return &Model{Alpha: DefaultAlpha, Tariff: DefaultTariff, Noise: NoNoise}
}

// ResourceFactors are the resource-level inputs to local pricing.
type ResourceFactors struct {
	BaseValue  float64
	Volatility float64
}

// WorldFactors are the world-level inputs to local pricing.
type WorldFactors struct {
	Population int64
	Prosperity float64
	Affinity   float64 // this world's production multiplier for the resource
}

// NextGlobal advances a global price one cycle. A non-positive previous price
// starts from the base value.
func (m *Model) NextGlobal(prev, demand, supply float64, r ResourceFactors) float64 {
	if prev <= 0 {
		prev = r.BaseValue
	}
	return Clamp(UpdatePrice(prev, demand, supply, m.Alpha), r.BaseValue)
}

// Local derives a world's price for a resource from its global price.
// Noise is applied last, then the result is clamped.
func (m *Model) Local(global float64, w WorldFactors, r ResourceFactors) float64 {
	price := LocalPrice(global, DemandBias(w.Population, w.Prosperity), SupplyBias(w.Affinity), m.Tariff)
	price = ApplyNoise(price, r.Volatility, m.Noise)
	return Clamp(price, r.BaseValue)
}
