/**
 * @description
 * Market-Env Updater (spec §4.4): every 10s, computes per-symbol volatility
 * and liquidity percentiles, an OI regime with a persistence filter, funding
 * proximity and signal-rate anomaly, then maps them to a dynamic gate
 * parameter snapshot written to dyn:gate:{sym}.
 */

package marketenv

import (
	"context"
	"math"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/quantsig/perp-pipeline/internal/logger"
	"github.com/quantsig/perp-pipeline/internal/model"
	"github.com/quantsig/perp-pipeline/internal/numeric"
	"github.com/quantsig/perp-pipeline/internal/redisx"
	"github.com/quantsig/perp-pipeline/internal/symbols"
)

const (
	cycleInterval   = 10 * time.Second
	klineSnapshotN  = 48
	oiLookbackMs    = 90 * 60 * 1000
	oiWindowMs      = 15 * 60 * 1000
	oiPersistenceMs = 10 * 60 * 1000
	rateRecentMs    = 60 * 1000
	rateBaseMs      = 15 * 60 * 1000
	fundingHorizonMs = 10 * 60 * 1000
	baseMin          = 0.65
	baseMinNotional3s = 2000.0
	madEps            = 1e-9
)

// regimeState is the OI persistence filter's per-symbol memory (spec §4.4
// "a raw regime ≠ 0 must hold the same sign for ≥ 10 min before it surfaces").
type regimeState struct {
	sign      int
	sinceMs   int64
	surfaced  int
}

// Updater runs the 10s Market-Env cycle for a fixed symbol set.
type Updater struct {
	rdb     *redis.Client
	symbols []string
	regime  map[string]*regimeState
}

func New(rdb *redis.Client, syms []string) *Updater {
	return &Updater{rdb: rdb, symbols: syms, regime: make(map[string]*regimeState, len(syms))}
}

// Run blocks, recomputing gate parameters every cycleInterval until ctx is cancelled.
func (u *Updater) Run(ctx context.Context) error {
	ticker := time.NewTicker(cycleInterval)
	defer ticker.Stop()

	u.tick(ctx)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			u.tick(ctx)
		}
	}
}

func (u *Updater) tick(ctx context.Context) {
	now := redisx.NowMs()
	for _, sym := range u.symbols {
		gate, err := u.computeGate(ctx, sym, now)
		if err != nil {
			logger.Error("marketenv: %s: %v", sym, err)
			continue
		}
		fields := model.DynGateFields(gate)
		if err := redisx.HSet(ctx, u.rdb, symbols.DynGateKey(sym), fields); err != nil {
			logger.Error("marketenv: write dyn:gate %s: %v", sym, err)
			continue
		}
		redisx.XAdd(ctx, u.rdb, symbols.DynGateLogKey(sym), fields, redisx.XAddOpts{MaxLenApprox: symbols.MaxLenGateLog})
	}
}

func (u *Updater) computeGate(ctx context.Context, sym string, now int64) (model.DynGate, error) {
	vol5, liq5 := u.klinePercentiles(ctx, sym, "5m")
	vol15, liq15 := u.klinePercentiles(ctx, sym, "15m")
	volPct := numeric.Clip01(math.Max(vol5, vol15))
	liqPct := numeric.Clip01(math.Max(liq5, liq15))

	oiRegime := u.oiRegime(ctx, sym, now, volPct, liqPct)
	eventFlag := u.fundingEventFlag(ctx, sym, now)
	rateExc := u.signalRateExcess(ctx, sym, now)

	effMin0 := clip(baseMin+
		ind(volPct > 0.8)*0.05+
		0.05*math.Min(1, rateExc)+
		0.08*ind(eventFlag)+
		0.02*ind(oiRegime != 0), 0.6, 0.78)

	minNotional3s := math.Round(baseMinNotional3s * (0.9 + 0.35*liqPct))
	if minNotional3s < baseMinNotional3s {
		minNotional3s = baseMinNotional3s
	}

	minMoveBp := math.Round(2 + 4*volPct)
	minMoveAtrRatio := round3(0.15 + 0.2*volPct)
	cooldownMs := math.Round(6000 * (1 + 0.6*math.Min(1, rateExc) + 0.6*ind(eventFlag)))
	breakoutBandPct := round4(math.Min(0.05, 0.02*(1+0.5*volPct)))

	return model.DynGate{
		EffMin0:         effMin0,
		MinNotional3s:   minNotional3s,
		MinMoveBp:       minMoveBp,
		MinMoveAtrRatio: minMoveAtrRatio,
		CooldownMs:      cooldownMs,
		DedupMs:         cooldownMs, // dedup and cooldown share the anomaly-scaled horizon (spec §4.4/§4.3.2)
		BreakoutBandPct: breakoutBandPct,
		VolPct:          volPct,
		LiqPct:          liqPct,
		RateExc:         rateExc,
		EventFlag:       eventFlag,
		OIRegime:        oiRegime,
		UpdatedAt:       now,
		Version:         "v1.1",
	}, nil
}

func ind(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

func clip(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func round3(v float64) float64 { return math.Round(v*1000) / 1000 }
func round4(v float64) float64 { return math.Round(v*10000) / 10000 }

// klinePercentiles reads the latest N kline snapshots for tf, computing a
// TR-based volatility series (bp of close) and a liquidity series
// (volCcyQuote, or vol·close), returning each series' last-value percentile
// rank within its own history (spec §4.4).
func (u *Updater) klinePercentiles(ctx context.Context, sym, tf string) (volPct, liqPct float64) {
	msgs, err := redisx.XRevRangeLatest(ctx, u.rdb, symbols.KlineKey(sym, tf), klineSnapshotN)
	if err != nil || len(msgs) < 2 {
		return 0, 0
	}

	// msgs are newest-first; reverse to chronological order.
	reverse(msgs)

	volSeries := make([]float64, 0, len(msgs))
	liqSeries := make([]float64, 0, len(msgs))
	var prevClose float64
	for i, m := range msgs {
		k, err := model.ParseKline(m.Fields)
		if err != nil {
			continue
		}
		closeF, _ := k.Close.Float64()
		highF, _ := k.High.Float64()
		lowF, _ := k.Low.Float64()

		if i > 0 && closeF > 0 {
			tr := trueRange(highF, lowF, prevClose)
			volSeries = append(volSeries, tr/closeF*1e4)
		}
		prevClose = closeF

		volCcy, _ := k.VolCcyQuote.Float64()
		liq := volCcy
		if liq == 0 {
			volF, _ := k.Vol.Float64()
			liq = volF * closeF
		}
		liqSeries = append(liqSeries, liq)
	}

	if len(volSeries) == 0 || len(liqSeries) == 0 {
		return 0, 0
	}

	volPct = numeric.PercentileRank(volSeries, volSeries[len(volSeries)-1])
	liqPct = numeric.PercentileRank(liqSeries, liqSeries[len(liqSeries)-1])
	return volPct, liqPct
}

func trueRange(high, low, prevClose float64) float64 {
	tr := high - low
	if prevClose > 0 {
		tr = math.Max(tr, math.Abs(high-prevClose))
		tr = math.Max(tr, math.Abs(low-prevClose))
	}
	return tr
}

func reverse(msgs []redisx.Message) {
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
}

// oiRegime computes the raw OI regime and applies the 10-minute persistence
// filter (spec §4.4).
func (u *Updater) oiRegime(ctx context.Context, sym string, now int64, volPct, liqPct float64) int {
	msgs, err := redisx.XRangeByTime(ctx, u.rdb, symbols.OIKey(sym), now-oiLookbackMs, now)
	if err != nil || len(msgs) == 0 {
		return 0
	}

	byMinute := map[int64]float64{}
	order := []int64{}
	for _, m := range msgs {
		oi, err := model.ParseOI(m.Fields)
		if err != nil {
			continue
		}
		bucket := oi.Ts / 60000
		if _, ok := byMinute[bucket]; !ok {
			order = append(order, bucket)
		}
		byMinute[bucket] = oi.Value() // last sample per minute bucket wins
	}
	if len(order) < 2 {
		return u.applyPersistence(sym, now, 0)
	}

	series := make([]float64, 0, len(order))
	for _, b := range order {
		series = append(series, byMinute[b])
	}

	aCount := int(oiWindowMs / 60000)
	if aCount > len(series) {
		aCount = len(series)
	}
	a := series[len(series)-aCount:]
	var b []float64
	if len(series) > 2*aCount {
		b = series[len(series)-2*aCount : len(series)-aCount]
	} else if len(series) > aCount {
		b = series[:len(series)-aCount]
	} else {
		b = a
	}

	meanA, meanB := numeric.Mean(a), numeric.Mean(b)
	med := numeric.Median(series)
	denom := math.Max(1, med)
	pct := (meanA - meanB) / denom

	diffs := numeric.Diffs(series)
	lastDiff := 0.0
	if len(diffs) > 0 {
		lastDiff = diffs[len(diffs)-1]
	}
	zLike := numeric.ZLike(lastDiff, diffs, madEps)

	raw := 0
	switch {
	case pct >= 0.012 && zLike >= 2.0:
		raw = 1
	case pct <= -0.012 && zLike <= -2.0:
		raw = -1
	}

	if volPct < 0.4 || liqPct < 0.4 {
		raw = 0
	}

	return u.applyPersistence(sym, now, raw)
}

func (u *Updater) applyPersistence(sym string, now int64, raw int) int {
	st := u.regime[sym]
	if st == nil {
		st = &regimeState{}
		u.regime[sym] = st
	}

	if raw == 0 {
		st.sign, st.sinceMs, st.surfaced = 0, 0, 0
		return 0
	}
	if raw != st.sign {
		st.sign = raw
		st.sinceMs = now
		st.surfaced = 0
		return 0
	}
	if st.surfaced != 0 {
		return st.surfaced
	}
	if now-st.sinceMs >= oiPersistenceMs {
		st.surfaced = raw
		return raw
	}
	return 0
}

func (u *Updater) fundingEventFlag(ctx context.Context, sym string, now int64) bool {
	fields, err := redisx.HGetAll(ctx, u.rdb, symbols.FundingStateKey(sym))
	if err != nil || len(fields) == 0 {
		return false
	}
	fs := model.ParseFunding(fields)
	if !fs.HasNextFundingTime {
		return false
	}
	delta := fs.NextFundingTime - now
	return delta >= 0 && delta <= fundingHorizonMs
}

func (u *Updater) signalRateExcess(ctx context.Context, sym string, now int64) float64 {
	recent, err := redisx.XRangeByTime(ctx, u.rdb, symbols.DetectedKey(sym), now-rateRecentMs, now)
	if err != nil {
		return 0
	}
	base, err := redisx.XRangeByTime(ctx, u.rdb, symbols.DetectedKey(sym), now-rateBaseMs, now)
	if err != nil {
		return 0
	}

	recentRate := float64(len(recent)) / (rateRecentMs / 1000)
	baseRate := float64(len(base)) / (rateBaseMs / 1000)

	if baseRate < 1e-9 {
		if recentRate > 0 {
			return 1
		}
		return 0
	}
	return math.Max(0, recentRate/baseRate-1)
}
