package detect

import (
	"testing"

	"github.com/shopspring/decimal"

	"github.com/quantsig/perp-pipeline/internal/model"
)

func TestD1RequiresImbalance(t *testing.T) {
	ctx := DetectorCtx{Now: 1000, BuyNotional3s: 1000, SellNotional3s: 900, MinNotional3s: 100, LiqK: 1, DynAbsDelta: 50}
	if c := D1(ctx); c != nil {
		t.Errorf("expected no signal for balanced flow, got %+v", c)
	}

	ctx2 := DetectorCtx{Now: 1000, BuyNotional3s: 900, SellNotional3s: 100, MinNotional3s: 100, LiqK: 1, DynAbsDelta: 50}
	c := D1(ctx2)
	if c == nil || c.Dir != model.SideBuy {
		t.Fatalf("expected buy signal, got %+v", c)
	}
}

func TestD1RequiresLiquidityThreshold(t *testing.T) {
	ctx := DetectorCtx{Now: 1000, BuyNotional3s: 9, SellNotional3s: 1, MinNotional3s: 100, LiqK: 1, DynAbsDelta: 50}
	if c := D1(ctx); c != nil {
		t.Errorf("expected no signal below liquidity threshold, got %+v", c)
	}
}

func TestD2DirectionFollowsSign(t *testing.T) {
	ctx := DetectorCtx{Now: 1000, BuyNotional3s: 100, SellNotional3s: 900, MinNotional3s: 50, DynAbsDelta: 50, DynDeltaK: 1}
	c := D2(ctx)
	if c == nil || c.Dir != model.SideSell {
		t.Fatalf("expected sell signal, got %+v", c)
	}
}

func TestD3RequiresBreakoutAboveBandWithConfirmation(t *testing.T) {
	ctx := DetectorCtx{
		Now:             1000,
		Win:             model.Win1m{High: decimal.NewFromFloat(110), Low: decimal.NewFromFloat(100), Last: decimal.NewFromFloat(115)},
		LastPrices:      []float64{100, 105, 112},
		BreakoutBandPct: 0.05,
		BuyNotional3s:   100,
		SellNotional3s:  0,
		DynAbsDelta:     10,
	}
	c := D3(ctx)
	if c == nil || c.Dir != model.SideBuy {
		t.Fatalf("expected upward breakout, got %+v", c)
	}
}

func TestD3NoneWithinBand(t *testing.T) {
	ctx := DetectorCtx{
		Win:             model.Win1m{High: decimal.NewFromFloat(110), Low: decimal.NewFromFloat(100), Last: decimal.NewFromFloat(105)},
		LastPrices:      []float64{100, 102, 105},
		BreakoutBandPct: 0.05,
	}
	if c := D3(ctx); c != nil {
		t.Errorf("expected no breakout inside band, got %+v", c)
	}
}

func TestAggregatorConsolidateCooldownAndMinMove(t *testing.T) {
	cfg := AggregatorConfig{
		ConsensusK:              0.05,
		ConsensusKHiVolDiscount: 0.5,
		SymmetryStrengthEps:     0.05,
		MinStrengthFloor:        0.5,
		MinStrength:             0.6,
		CooldownMs:              5000,
		DedupMs:                 3000,
		MinMoveBp:               5,
		MinMoveAtrRatio:         0.1,
	}
	agg := NewAggregator()

	cands := []Candidate{{Dir: model.SideBuy, Strength: 0.8, Src: "breakout"}}
	sig := agg.Consolidate("BTC-USDT-SWAP", 1_000_000, 100, 2, cands, cfg)
	if sig == nil {
		t.Fatal("expected first signal to be emitted")
	}

	sig2 := agg.Consolidate("BTC-USDT-SWAP", 1_001_000, 100.01, 2, cands, cfg)
	if sig2 != nil {
		t.Error("expected cooldown to suppress immediate re-emission")
	}

	sig3 := agg.Consolidate("BTC-USDT-SWAP", 1_010_000, 100.02, 2, cands, cfg)
	if sig3 != nil {
		t.Error("expected min-move gate to suppress a negligible price change")
	}
}

func TestAggregatorSymmetryGateSuppressesTiedOpposingSignals(t *testing.T) {
	cfg := AggregatorConfig{MinStrengthFloor: 0.1, MinStrength: 0.1, SymmetryStrengthEps: 0.05}
	agg := NewAggregator()
	cands := []Candidate{
		{Dir: model.SideBuy, Strength: 0.7, Src: "flow"},
		{Dir: model.SideSell, Strength: 0.7, Src: "delta"},
	}
	if sig := agg.Consolidate("BTC-USDT-SWAP", 1000, 100, 2, cands, cfg); sig != nil {
		t.Errorf("expected symmetry gate to drop a tied buy/sell pair, got %+v", sig)
	}
}
