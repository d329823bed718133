package pricing

import (
	"math"
	"math/rand"
	"testing"
)

const eps = 1e-9

func approx(a, b float64) bool {
	return math.Abs(a-b) < eps
}

// --- UpdatePrice ---

func TestUpdatePrice_Balanced(t *testing.T) {
	if got := UpdatePrice(10, 50, 50, DefaultAlpha); !approx(got, 10) {
		t.Errorf("balanced market should hold price, got %f", got)
	}
}

func TestUpdatePrice_ExcessDemandRaises(t *testing.T) {
	// imbalance = (150-100)/100 = 0.5 → 10 × (1 + 0.05×0.5) = 10.25
	if got := UpdatePrice(10, 150, 100, DefaultAlpha); !approx(got, 10.25) {
		t.Errorf("expected 10.25, got %f", got)
	}
}

func TestUpdatePrice_ExcessSupplyLowers(t *testing.T) {
	// imbalance = (50-100)/100 = -0.5 → 10 × 0.975
	if got := UpdatePrice(10, 50, 100, DefaultAlpha); !approx(got, 9.75) {
		t.Errorf("expected 9.75, got %f", got)
	}
}

func TestUpdatePrice_ImbalanceClamped(t *testing.T) {
	// supply 0 → divisor 1; raw imbalance 1000 clamps to 10 → ×1.5
	if got := UpdatePrice(10, 1000, 0, DefaultAlpha); !approx(got, 15) {
		t.Errorf("expected clamp to +10 imbalance (15), got %f", got)
	}
	// raw imbalance -1001 clamps to -10 → ×0.5
	if got := UpdatePrice(10, -1000, 1, DefaultAlpha); !approx(got, 5) {
		t.Errorf("expected clamp to -10 imbalance (5), got %f", got)
	}
}

func TestUpdatePrice_Floor(t *testing.T) {
	// alpha large enough to drive the price negative.
	if got := UpdatePrice(1, 0, 100, 2); got != MinPrice {
		t.Errorf("expected floor %f, got %f", MinPrice, got)
	}
}

// --- LocalPrice & biases ---

func TestLocalPrice(t *testing.T) {
	// 100 × (1 + 0.1 - 0.2 + 0.03) = 93
	if got := LocalPrice(100, 0.1, 0.2, DefaultTariff); !approx(got, 93) {
		t.Errorf("expected 93, got %f", got)
	}
}

func TestDemandBias_Capped(t *testing.T) {
	small := DemandBias(1_000_000, 0.2)
	huge := DemandBias(1_000_000_000, 5)
	if small >= huge {
		t.Errorf("bias should grow with population/prosperity: %f vs %f", small, huge)
	}
	if huge > maxPopulationBias+maxProsperityBias+eps {
		t.Errorf("bias exceeded cap: %f", huge)
	}
}

func TestSupplyBias_CappedAtHalf(t *testing.T) {
	tests := []struct {
		affinity, want float64
	}{
		{0, 0},
		{-1, 0},
		{1, 0.25},
		{2, 0.5},
		{100, 0.5},
	}
	for _, tt := range tests {
		if got := SupplyBias(tt.affinity); !approx(got, tt.want) {
			t.Errorf("SupplyBias(%f) = %f, want %f", tt.affinity, got, tt.want)
		}
	}
}

// --- Noise ---

func TestApplyNoise_Range(t *testing.T) {
	lo := ApplyNoise(100, 1, func() float64 { return 0 })
	hi := ApplyNoise(100, 1, func() float64 { return 0.999999 })
	if !approx(lo, 95) {
		t.Errorf("min noise should give 95, got %f", lo)
	}
	if hi > 105 || hi < 104.99 {
		t.Errorf("max noise should approach 105, got %f", hi)
	}
	if got := ApplyNoise(100, 1, NoNoise); !approx(got, 100) {
		t.Errorf("NoNoise should be identity, got %f", got)
	}
}

// --- Model clamp property ---

func TestModel_OutputsAlwaysClamped(t *testing.T) {
	r := rand.New(rand.NewSource(7))
	m := &Model{Alpha: DefaultAlpha, Tariff: DefaultTariff, Noise: RandNoise(11)}

	for i := 0; i < 5000; i++ {
		res := ResourceFactors{BaseValue: 0.5 + r.Float64()*200, Volatility: r.Float64()}
		world := WorldFactors{
			Population: r.Int63n(5_000_000_000),
			Prosperity: r.Float64() * 3,
			Affinity:   r.Float64() * 4,
		}
		prev := r.Float64() * res.BaseValue * 50
		demand := r.Float64() * 1e6
		supply := r.Float64() * 1e6

		global := m.NextGlobal(prev, demand, supply, res)
		local := m.Local(global, world, res)

		lo, hi := res.BaseValue*ClampLow, res.BaseValue*ClampHigh
		if global < lo-eps || global > hi+eps {
			t.Fatalf("global %f outside [%f, %f]", global, lo, hi)
		}
		if local < lo-eps || local > hi+eps {
			t.Fatalf("local %f outside [%f, %f]", local, lo, hi)
		}
	}
}

func TestModel_NextGlobalStartsFromBase(t *testing.T) {
	m := NewModel()
	got := m.NextGlobal(0, 10, 10, ResourceFactors{BaseValue: 8})
	if !approx(got, 8) {
		t.Errorf("zero prev should start from base value, got %f", got)
	}
}

func TestModel_LocalProductionLowersPrice(t *testing.T) {
	m := NewModel()
	res := ResourceFactors{BaseValue: 10}
	producer := m.Local(10, WorldFactors{Population: 1_000_000, Affinity: 2}, res)
	importer := m.Local(10, WorldFactors{Population: 1_000_000, Affinity: 0}, res)
	if producer >= importer {
		t.Errorf("producer world should be cheaper: producer=%f importer=%f", producer, importer)
	}
	if producer < 10*0.5 {
		t.Errorf("production should never more than halve the price, got %f", producer)
	}
}

// --- Arbitrage ---

func TestFindArbitrage_PicksWidestGap(t *testing.T) {
	quotes := []Quote{
		{WorldID: "a", Price: 10, Rate: 1},
		{WorldID: "b", Price: 14, Rate: 1},
		{WorldID: "c", Price: 20, Rate: 1},
	}
	opp, ok := FindArbitrage(quotes, DefaultArbitrageParams)
	if !ok {
		t.Fatal("expected an opportunity")
	}
	if quotes[opp.Buy].WorldID != "a" || quotes[opp.Sell].WorldID != "c" {
		t.Errorf("expected buy a / sell c, got %s/%s", quotes[opp.Buy].WorldID, quotes[opp.Sell].WorldID)
	}
	// 20 - 10 - 0.5 - 0.4 = 9.1
	if !approx(opp.Margin, 9.1) {
		t.Errorf("expected margin 9.1, got %f", opp.Margin)
	}
}

func TestFindArbitrage_ComparesInBaseCurrency(t *testing.T) {
	// "b" quotes 20 local units but its currency is 2 per base → 10 in base.
	quotes := []Quote{
		{WorldID: "a", Price: 10, Rate: 1},
		{WorldID: "b", Price: 20, Rate: 2},
	}
	opp, _ := FindArbitrage(quotes, DefaultArbitrageParams)
	if opp.Margin > 0 {
		t.Errorf("equal base prices should not be profitable, margin=%f", opp.Margin)
	}
}

func TestConverge_DampsGap(t *testing.T) {
	quotes := []Quote{
		{WorldID: "a", Price: 10, Rate: 1},
		{WorldID: "b", Price: 20, Rate: 1},
	}
	out, moved := Converge(quotes, 10, DefaultArbitrageParams)
	if !moved {
		t.Fatal("expected convergence")
	}
	if !approx(out[0].Price, 10.2) || !approx(out[1].Price, 19.6) {
		t.Errorf("expected 10.2 / 19.6, got %f / %f", out[0].Price, out[1].Price)
	}
	if quotes[0].Price != 10 {
		t.Error("input quotes must not be mutated")
	}
}

func TestConverge_NeverReachesParityInOneCycle(t *testing.T) {
	quotes := []Quote{
		{WorldID: "a", Price: 10, Rate: 1},
		{WorldID: "b", Price: 30, Rate: 1},
	}
	for i := 0; i < 10; i++ {
		var moved bool
		quotes, moved = Converge(quotes, 10, DefaultArbitrageParams)
		if !moved {
			break
		}
		if quotes[0].Price >= quotes[1].Price {
			t.Fatalf("prices crossed at cycle %d: %f >= %f", i, quotes[0].Price, quotes[1].Price)
		}
	}
}

func TestConverge_BelowThresholdUntouched(t *testing.T) {
	// margin = 10.5 - 10 - 0.5 - 0.21 < 0 → nothing to do
	quotes := []Quote{
		{WorldID: "a", Price: 10, Rate: 1},
		{WorldID: "b", Price: 10.5, Rate: 1},
	}
	out, moved := Converge(quotes, 10, DefaultArbitrageParams)
	if moved {
		t.Error("small gap should not converge")
	}
	if out[0].Price != 10 || out[1].Price != 10.5 {
		t.Error("prices should be unchanged")
	}
}

func TestConverge_SingleWorld(t *testing.T) {
	out, moved := Converge([]Quote{{WorldID: "a", Price: 10, Rate: 1}}, 10, DefaultArbitrageParams)
	if moved || len(out) != 1 {
		t.Error("single quote cannot converge")
	}
}
