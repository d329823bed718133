package pricing

// ArbitrageParams controls detection and damping of cross-world price gaps.
type ArbitrageParams struct {
	TransportFeeRate float64 // fraction of the buy price spent moving goods
	TaxRate          float64 // fraction of the sell price lost to tax
	MinMarginRate    float64 // minimum profitable margin as a fraction of base value
	ConvergenceRate  float64 // fraction each side moves per cycle
}

// DefaultArbitrageParams nudges prices 2% per cycle once the net margin
// clears twice a 5%-of-base threshold.
var DefaultArbitrageParams = ArbitrageParams{
	TransportFeeRate: 0.05,
	TaxRate:          0.02,
	MinMarginRate:    0.05,
	ConvergenceRate:  0.02,
}

// Quote is one world's local price for a resource, with the world's exchange
// rate (units of local currency per base unit) for comparison.
type Quote struct {
	WorldID string
	Price   float64
	Rate    float64
}

func (q Quote) inBase() float64 {
	if q.Rate <= 0 {
		return q.Price
	}
	return q.Price / q.Rate
}

// Opportunity is the best buy-low/sell-high pair found across quotes.
type Opportunity struct {
	Buy    int // index into quotes
	Sell   int
	Margin float64 // in base-currency units, after fees and tax
}

// FindArbitrage returns the pair maximizing
// sellPrice - buyPrice - transportFee - tax, compared in base units.
// ok is false when fewer than two quotes exist.
func FindArbitrage(quotes []Quote, p ArbitrageParams) (Opportunity, bool) {
	if len(quotes) < 2 {
		return Opportunity{}, false
	}

	best := Opportunity{Buy: -1, Sell: -1}
	found := false
	for i, buy := range quotes {
		buyPrice := buy.inBase()
		for j, sell := range quotes {
			if i == j {
				continue
			}
			sellPrice := sell.inBase()
			margin := sellPrice - buyPrice - buyPrice*p.TransportFeeRate - sellPrice*p.TaxRate
			if !found || margin > best.Margin {
				best = Opportunity{Buy: i, Sell: j, Margin: margin}
				found = true
			}
		}
	}
	return best, found
}

// Converge damps the widest arbitrage gap: if its margin exceeds twice the
// minimum threshold, the high price moves down and the low price moves up by
// the convergence rate. It returns adjusted copies of the quotes and whether
// anything moved. Prices never reach parity in one call.
func Converge(quotes []Quote, baseValue float64, p ArbitrageParams) ([]Quote, bool) {
	out := make([]Quote, len(quotes))
	copy(out, quotes)

	opp, ok := FindArbitrage(out, p)
	if !ok {
		return out, false
	}
	threshold := baseValue * p.MinMarginRate
	if opp.Margin <= 2*threshold {
		return out, false
	}

	out[opp.Sell].Price = Clamp(out[opp.Sell].Price*(1-p.ConvergenceRate), baseValue)
	out[opp.Buy].Price = Clamp(out[opp.Buy].Price*(1+p.ConvergenceRate), baseValue)
	return out, true
}
