/**
 * @description
 * The three intra-bar detectors (spec §4.3.1): aggressive flow imbalance, a
 * delta z-like score normalized by the dynamic delta threshold, and a
 * breakout-with-confirmation check.
 * Each is a pure function of a DetectorCtx snapshot.
 */

package detect

import (
	"math"

	"github.com/quantsig/perp-pipeline/internal/model"
	"github.com/quantsig/perp-pipeline/internal/numeric"
)

// DetectorCtx is the read-only snapshot each detector runs against (spec §4.3).
type DetectorCtx struct {
	Now             int64
	Sym             string
	Win             model.Win1m
	LastPrices      []float64
	BuyNotional3s   float64
	SellNotional3s  float64
	MinNotional3s   float64
	BreakoutBandPct float64
	DynAbsDelta     float64
	DynDeltaK       float64
	LiqK            float64
}

// Candidate is one detector's raw output before aggregation.
type Candidate struct {
	Ts       int64
	Dir      model.Side
	Strength float64
	Src      string // "flow" | "delta" | "breakout"
	ZLike    float64
	BuyShare float64
}

func clip01(v float64) float64 { return numeric.Clip01(v) }

func round3(v float64) float64 {
	return math.Round(v*1000) / 1000
}

func sign(v float64) model.Side {
	if v >= 0 {
		return model.SideBuy
	}
	return model.SideSell
}

// D1 implements the Aggressive Flow detector (spec §4.3.1).
func D1(ctx DetectorCtx) *Candidate {
	buy, sell := ctx.BuyNotional3s, ctx.SellNotional3s
	sum := buy + sell
	liqTh := math.Max(ctx.MinNotional3s, ctx.LiqK*ctx.DynAbsDelta)
	if sum <= liqTh {
		return nil
	}

	buyShare := 0.5
	if sum > 0 {
		buyShare = buy / sum
	}

	var dir model.Side
	var shareStrength float64
	switch {
	case buyShare >= 0.8:
		dir = model.SideBuy
		shareStrength = clip01((buyShare - 0.75) / 0.25)
	case buyShare <= 0.2:
		dir = model.SideSell
		shareStrength = clip01((0.25 - buyShare) / 0.25)
	default:
		return nil
	}

	denom := 3 * math.Max(ctx.MinNotional3s, ctx.DynAbsDelta)
	signif := 0.0
	if denom > 0 {
		signif = clip01(math.Abs(buy-sell) / denom)
	}

	strength := clip01(0.6*shareStrength + 0.4*signif)
	return &Candidate{Ts: ctx.Now, Dir: dir, Strength: round3(strength), Src: "flow", BuyShare: buyShare}
}

// D2 implements the Delta Z-like detector (spec §4.3.1).
func D2(ctx DetectorCtx) *Candidate {
	buy, sell := ctx.BuyNotional3s, ctx.SellNotional3s
	sum := buy + sell
	sumFloor := math.Max(0.5*ctx.MinNotional3s, 0.5*ctx.LiqK*ctx.DynAbsDelta)
	if sum < sumFloor {
		return nil
	}

	dynTh := math.Max(ctx.MinNotional3s, ctx.DynAbsDelta*ctx.DynDeltaK)
	delta := buy - sell
	if math.Abs(delta) <= dynTh {
		return nil
	}

	strength := clip01(math.Abs(delta) / (4 * dynTh))
	zLike := 0.0
	if dynTh > 0 {
		zLike = delta / dynTh
	}
	return &Candidate{Ts: ctx.Now, Dir: sign(delta), Strength: round3(strength), Src: "delta", ZLike: zLike}
}

// D3 implements the Breakout detector (spec §4.3.1).
func D3(ctx DetectorCtx) *Candidate {
	win := ctx.Win
	high, _ := win.High.Float64()
	low, _ := win.Low.Float64()
	last, _ := win.Last.Float64()
	band := high - low
	if band <= 0 {
		return nil
	}

	pct := ctx.BreakoutBandPct
	if pct < 0 {
		pct = 0
	}
	if pct > 0.2 {
		pct = 0.2
	}
	eps := band * pct

	if len(ctx.LastPrices) < 3 {
		return nil
	}
	n := len(ctx.LastPrices)
	slope := (ctx.LastPrices[n-1] - ctx.LastPrices[0]) / float64(n-1)
	sum3s := ctx.BuyNotional3s + ctx.SellNotional3s
	volConfirm := sum3s >= 0.5*ctx.DynAbsDelta

	if last >= high+eps && (slope > 0 || volConfirm) {
		dist := (last - (high + eps)) / band
		bonus := 0.0
		if slope > 0 {
			bonus = 0.1
		}
		strength := clip01(0.55 + math.Min(0.35, 2*dist) + bonus)
		return &Candidate{Ts: ctx.Now, Dir: model.SideBuy, Strength: round3(strength), Src: "breakout"}
	}
	if last <= low-eps && (slope < 0 || volConfirm) {
		dist := ((low - eps) - last) / band
		bonus := 0.0
		if slope < 0 {
			bonus = 0.1
		}
		strength := clip01(0.55 + math.Min(0.35, 2*dist) + bonus)
		return &Candidate{Ts: ctx.Now, Dir: model.SideSell, Strength: round3(strength), Src: "breakout"}
	}
	return nil
}

// Generate runs all three detectors and returns the non-nil candidates.
func Generate(ctx DetectorCtx) []Candidate {
	var out []Candidate
	for _, c := range []*Candidate{D1(ctx), D2(ctx), D3(ctx)} {
		if c != nil {
			out = append(out, *c)
		}
	}
	return out
}
