/**
 * @description
 * Wire-level and in-memory entity shapes for the signal pipeline (spec §3).
 * Numeric fields that are direct, unmodified copies of a price/quantity seen on the
 * wire are kept as decimal.Decimal to avoid float drift when they are re-serialized;
 * derived/summed quantities used only for threshold comparisons are plain float64,
 * per the precision design note in spec §9.
 */

package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Side is the aggressor side of a trade.
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// TradeEvent is one print on ws:{sym}:trades.
type TradeEvent struct {
	Ts       int64
	Px       decimal.Decimal
	Qty      decimal.Decimal
	Side     Side
	TradeID  string
	Taker    bool
	RecvTs   int64
	IngestID string
}

// BookFrame is one row on ws:{sym}:book.
type BookFrame struct {
	Ts       int64
	Bid1Px   decimal.Decimal
	Bid1Sz   decimal.Decimal
	Ask1Px   decimal.Decimal
	Ask1Sz   decimal.Decimal
	BidSz10  decimal.Decimal
	AskSz10  decimal.Decimal
	Spread   decimal.Decimal
	Snapshot bool
	U        int64
	PU       int64
	Checksum int64
	Action   string
}

// Mid returns (bid+ask)/2 and whether both sides are valid (>0).
func (b BookFrame) Mid() (decimal.Decimal, bool) {
	if b.Bid1Px.IsPositive() && b.Ask1Px.IsPositive() {
		return b.Bid1Px.Add(b.Ask1Px).Div(decimal.NewFromInt(2)), true
	}
	return decimal.Zero, false
}

// KlineFrame is one row on ws:{sym}:kline{tf}.
type KlineFrame struct {
	Ts          int64 // bar-open ms
	TF          string
	Open        decimal.Decimal
	High        decimal.Decimal
	Low         decimal.Decimal
	Close       decimal.Decimal
	Vol         decimal.Decimal
	VolCcyQuote decimal.Decimal
	Confirm     bool
}

// OIFrame is one row on ws:{sym}:oi.
type OIFrame struct {
	Ts    int64
	OI    float64
	OICcy float64
}

// Value prefers OICcy over OI, matching spec §4.4.
func (f OIFrame) Value() float64 {
	if f.OICcy != 0 {
		return f.OICcy
	}
	return f.OI
}

// FundingState is the Hash state:funding:{sym}.
type FundingState struct {
	Ts                int64
	Rate              float64
	NextFundingTime   int64
	HasNextFundingTime bool
}

// Bar is a sealed OHLCV bar (1m, 5m or 15m), keyed by bar-close ts.
type Bar struct {
	CloseTs   int64
	StartTs   int64
	Open      decimal.Decimal
	High      decimal.Decimal
	Low       decimal.Decimal
	Close     decimal.Decimal
	Vol       float64
	VBuy      float64
	VSell     float64
	VWAPNum   float64
	VWAPDen   float64
	TickN     int
	Gap       bool
}

// VWAP returns vwapNum/vwapDen, falling back to Close when vwapDen<=0 (spec §3).
func (b Bar) VWAP() float64 {
	if b.VWAPDen > 0 {
		return b.VWAPNum / b.VWAPDen
	}
	c, _ := b.Close.Float64()
	return c
}

// Win1m is an in-flight (unsealed) 1-minute bucket.
type Win1m struct {
	StartTs int64
	CloseTs int64 // StartTs + 60000
	Open    decimal.Decimal
	High    decimal.Decimal
	Low     decimal.Decimal
	Last    decimal.Decimal
	Vol     float64
	VBuy    float64
	VSell   float64
	VWAPNum float64
	VWAPDen float64
	TickN   int
	// ATR is an optional externally-seeded average true range, used by the
	// aggregator's min-move check (spec §4.3.2); zero means "unavailable".
	ATR float64
}

// Seal converts the in-flight window into an immutable Bar. gap reports whether the
// new bucket's CloseTs jumped by more than one bar length from the prior seal.
func (w Win1m) Seal(gap bool) Bar {
	return Bar{
		CloseTs: w.CloseTs,
		StartTs: w.StartTs,
		Open:    w.Open,
		High:    w.High,
		Low:     w.Low,
		Close:   w.Last,
		Vol:     w.Vol,
		VBuy:    w.VBuy,
		VSell:   w.VSell,
		VWAPNum: w.VWAPNum,
		VWAPDen: w.VWAPDen,
		TickN:   w.TickN,
		Gap:     gap,
	}
}

// TFWindow is an in-flight higher-timeframe (5m/15m) bucket rolled up from 1m bars.
type TFWindow struct {
	StartTs int64
	CloseTs int64
	Open    decimal.Decimal
	High    decimal.Decimal
	Low     decimal.Decimal
	Last    decimal.Decimal
	Vol     float64
	VBuy    float64
	VSell   float64
	VWAPNum float64
	VWAPDen float64
	TickN   int
}

func (w TFWindow) Seal(gap bool) Bar {
	return Bar{
		CloseTs: w.CloseTs,
		StartTs: w.StartTs,
		Open:    w.Open,
		High:    w.High,
		Low:     w.Low,
		Close:   w.Last,
		Vol:     w.Vol,
		VBuy:    w.VBuy,
		VSell:   w.VSell,
		VWAPNum: w.VWAPNum,
		VWAPDen: w.VWAPDen,
		TickN:   w.TickN,
		Gap:     gap,
	}
}

// Flow3sEntry is one ring-buffer slot in the 3-second notional-flow window.
type Flow3sEntry struct {
	Ts   int64
	Buy  decimal.Decimal
	Sell decimal.Decimal
}

// Flow3sWindow is the per-symbol 3s sliding notional-flow window (spec §3).
type Flow3sWindow struct {
	Buf   []Flow3sEntry
	Buy   decimal.Decimal
	Sell  decimal.Decimal
	MaxTs int64
}

const flow3sSpanMs = 3000

// Push appends one trade's notional contribution and evicts entries that have
// fallen outside the trailing 3s window, keeping Buy/Sell in sync with Buf.
func (f *Flow3sWindow) Push(ts int64, buy, sell decimal.Decimal) {
	if ts < f.MaxTs-flow3sSpanMs {
		return // strict late-arrival policy (spec §4.2 step 4)
	}
	f.Buf = append(f.Buf, Flow3sEntry{Ts: ts, Buy: buy, Sell: sell})
	f.Buy = f.Buy.Add(buy)
	f.Sell = f.Sell.Add(sell)
	if ts > f.MaxTs {
		f.MaxTs = ts
	}

	cutoff := f.MaxTs - flow3sSpanMs
	i := 0
	for i < len(f.Buf) && f.Buf[i].Ts < cutoff {
		f.Buy = f.Buy.Sub(f.Buf[i].Buy)
		f.Sell = f.Sell.Sub(f.Buf[i].Sell)
		i++
	}
	if i > 0 {
		f.Buf = append([]Flow3sEntry(nil), f.Buf[i:]...)
	}
}

// DetectedSignal is one candidate/emitted intra-bar signal (spec §3, §4.3).
type DetectedSignal struct {
	Ts         int64
	Sym        string
	Dir        Side
	Strength   float64
	Evidence   map[string]interface{}
	ApproxKey  string
	StrategyID string
	TTLMs      int64
}

// FinalSignal is a DetectedSignal enriched with a reference price by the Router.
type FinalSignal struct {
	DetectedSignal
	FinalID     string
	RefPx       decimal.Decimal
	RefPxSource string // "mid" or "last"
	RefPxTs     int64
	RefPxStale  bool
}

// DynGate is the adaptive gate parameter snapshot written by MarketEnv (spec §3, §4.4).
type DynGate struct {
	EffMin0          float64
	MinNotional3s    float64
	MinMoveBp        float64
	MinMoveAtrRatio  float64
	CooldownMs       float64
	DedupMs          float64
	BreakoutBandPct  float64
	VolPct           float64
	LiqPct           float64
	RateExc          float64
	EventFlag        bool
	OIRegime         int
	UpdatedAt        int64
	Version          string
}

// EvalJob is a pending fixed-horizon resolution, owned exclusively by the Evaluator.
type EvalJob struct {
	FinalID string
	Sym     string
	Dir     Side
	Ts0     int64
	P0      decimal.Decimal
	P0Src   string
	HzMs    int64
	HzName  string
	DueAt   int64
	Retry   int
}

// EvalResult is one audit row appended to eval:done:{sym}.
type EvalResult struct {
	Ts0            int64
	DueAt          int64
	Horizon        string
	Dir            Side
	P0             decimal.Decimal
	UsedPx         decimal.Decimal
	UsedPxSource   string
	UsedPxTs       int64
	PriceLagMs     int64
	RetRawBp       float64
	RetNetBp       float64
	ThresholdBp    float64
	NeutralBandBp  float64
	Neutral        bool
	Success        bool
	MissPx         bool
	FinalID        string
	Retry          int
}

// CeilToNextMinute rounds ms up to the next whole minute boundary, per spec §4.6
// ("dueAt = ceilToNextMinute(ts0+hzMs)").
func CeilToNextMinute(ms int64) int64 {
	const minute = int64(time.Minute / time.Millisecond)
	if ms%minute == 0 {
		return ms
	}
	return (ms/minute + 1) * minute
}
