/**
 * @description
 * Window Worker (spec §4.2): consumes trades from ws:{sym}:trades, maintains
 * per-symbol 1m/5m/15m bars and the 3s notional-flow window, seals bars on
 * bucket boundaries, and invokes the intra-bar detector/aggregator on every
 * tick.
 */

package window

import (
	"context"
	"math"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/quantsig/perp-pipeline/internal/detect"
	"github.com/quantsig/perp-pipeline/internal/logger"
	"github.com/quantsig/perp-pipeline/internal/model"
	"github.com/quantsig/perp-pipeline/internal/numeric"
	"github.com/quantsig/perp-pipeline/internal/redisx"
	"github.com/quantsig/perp-pipeline/internal/symbols"
)

const (
	readCount     = 200
	readBlockMs   = 200
	priceRingLen  = 50
	ewmaAlpha     = 0.01
	tickMs1m      = 60000
	contractMultiplier = 1.0

	reclaimMinIdleMs  = 30000
	reclaimInterval   = 15 * time.Second
	reclaimBatchCount = 100
	reclaimMaxPages   = 10
)

var tfSpansMs = map[string]int64{"5m": 300000, "15m": 900000}

// symState is every piece of per-symbol state the Window worker exclusively
// owns (spec §3 "Ownership").
type symState struct {
	win1m      *model.Win1m
	tf         map[string]*model.TFWindow
	flow3s     model.Flow3sWindow
	prices     *numeric.Ring
	ewma       *numeric.EWMA
	aggregator *detect.Aggregator
}

// GateParams is the subset of dyn:gate:{sym} the Window worker reads on each
// tick to drive the detectors and aggregator (spec §4.3, §4.4).
type GateParams struct {
	MinNotional3s   float64
	BreakoutBandPct float64
	DynDeltaK       float64
	LiqK            float64
	ConsensusK      float64
	ConsensusKHiVolDiscount float64
	SymmetryStrengthEps     float64
	MinStrengthFloor        float64
	MinStrength             float64
	CooldownMs              int64
	DedupMs                 int64
	MinMoveBp               float64
	MinMoveAtrRatio         float64
}

// GateSource supplies the current dynamic gate parameters for a symbol. The
// MarketEnv package owns dyn:gate:{sym}; the Window worker only reads it.
type GateSource interface {
	GateFor(ctx context.Context, sym string) GateParams
}

// Worker runs the single cooperative task that owns all per-symbol window
// state (spec §4.2: "one cooperative task per process").
type Worker struct {
	rdb         *redis.Client
	symbols     []string
	gates       GateSource
	consumer    string
	state       map[string]*symState
	lastReclaim time.Time
}

func New(rdb *redis.Client, syms []string, gates GateSource, pid int) *Worker {
	w := &Worker{
		rdb:      rdb,
		symbols:  syms,
		gates:    gates,
		consumer: symbols.ConsumerName("window", pid),
		state:    make(map[string]*symState, len(syms)),
	}
	for _, s := range syms {
		w.state[s] = &symState{
			tf:         map[string]*model.TFWindow{},
			prices:     numeric.NewRing(priceRingLen),
			ewma:       numeric.NewEWMA(ewmaAlpha),
			aggregator: detect.NewAggregator(),
		}
	}
	return w
}

// Run blocks, consuming trades until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	keys := make([]string, len(w.symbols))
	for i, s := range w.symbols {
		keys[i] = symbols.TradesKey(s)
	}
	for _, k := range keys {
		if err := redisx.EnsureGroup(ctx, w.rdb, k, symbols.GroupWindow); err != nil {
			return err
		}
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if time.Since(w.lastReclaim) >= reclaimInterval {
			w.reclaimStuck(ctx, keys)
			w.lastReclaim = time.Now()
		}

		batch, err := redisx.ReadGroup(ctx, w.rdb, symbols.GroupWindow, w.consumer, keys, readCount, readBlockMs)
		if err != nil {
			logger.Error("window: read error: %v", err)
			time.Sleep(200 * time.Millisecond)
			continue
		}
		for stream, msgs := range batch {
			sym := symbolFromTradesKey(stream)
			for _, m := range msgs {
				w.handleTrade(ctx, sym, m)
			}
		}
	}
}

// reclaimStuck claims trades left pending by a dead consumer (spec §5/§9:
// XAUTOCLAIM with idle >= 30s) and replays them through the normal path.
func (w *Worker) reclaimStuck(ctx context.Context, keys []string) {
	for _, key := range keys {
		msgs, err := redisx.XAutoClaim(ctx, w.rdb, key, symbols.GroupWindow, w.consumer, reclaimMinIdleMs, reclaimBatchCount, reclaimMaxPages)
		if err != nil {
			logger.Error("window: reclaim error on %s: %v", key, err)
			continue
		}
		sym := symbolFromTradesKey(key)
		for _, m := range msgs {
			w.handleTrade(ctx, sym, m)
		}
	}
}

func symbolFromTradesKey(key string) string {
	open := strings.LastIndex(key, "{")
	close := strings.LastIndex(key, "}")
	if open < 0 || close < 0 || close < open {
		return ""
	}
	return key[open+1 : close]
}

func (w *Worker) handleTrade(ctx context.Context, sym string, msg redisx.Message) {
	key := symbols.TradesKey(sym)
	st := w.state[sym]
	if st == nil {
		redisx.Ack(ctx, w.rdb, key, symbols.GroupWindow, msg.ID)
		return
	}

	trade, err := model.ParseTrade(msg.Fields)
	if err != nil {
		logger.Error("window: malformed trade for %s: %v", sym, err)
		return // left pending; reclaimed later (spec §4.2 failure handling)
	}

	px, _ := trade.Px.Float64()
	qty, _ := trade.Qty.Float64()
	if math.IsNaN(px) || math.IsNaN(qty) {
		return // NaN fields: skip without acking
	}

	w.applyTrade(sym, st, trade, px, qty)
	w.writeInProgressState(ctx, sym, st)
	w.runDetectors(ctx, sym, st)

	redisx.Ack(ctx, w.rdb, key, symbols.GroupWindow, msg.ID)
}

// applyTrade implements spec §4.2 steps 1-6.
func (w *Worker) applyTrade(sym string, st *symState, trade model.TradeEvent, px, qty float64) {
	closeTs := (trade.Ts/tickMs1m)*tickMs1m + tickMs1m

	if st.win1m == nil || st.win1m.CloseTs != closeTs {
		if st.win1m != nil {
			w.sealAndRoll(sym, st, closeTs, trade.Px)
		} else {
			st.win1m = &model.Win1m{
				StartTs: closeTs - tickMs1m,
				CloseTs: closeTs,
				Open:    trade.Px, High: trade.Px, Low: trade.Px, Last: trade.Px,
			}
		}
	}

	win := st.win1m
	win.Last = trade.Px
	if trade.Px.GreaterThan(win.High) {
		win.High = trade.Px
	}
	if trade.Px.LessThan(win.Low) {
		win.Low = trade.Px
	}
	win.Vol += qty
	notional := px * qty * contractMultiplier
	buyNotional, sellNotional := 0.0, 0.0
	if trade.Side == model.SideBuy {
		win.VBuy += qty
		buyNotional = notional
	} else {
		win.VSell += qty
		sellNotional = notional
	}
	win.VWAPNum += px * qty
	win.VWAPDen += qty
	win.TickN++

	st.flow3s.Push(trade.Ts, decimal.NewFromFloat(buyNotional), decimal.NewFromFloat(sellNotional))

	st.prices.Push(px)

	st.ewma.Update(math.Abs(buyNotional - sellNotional))
}

// sealAndRoll seals the current 1m window, starts a fresh one for closeTs, and
// rolls the sealed bar into the 5m/15m windows (spec §4.2.1).
func (w *Worker) sealAndRoll(sym string, st *symState, newCloseTs int64, triggerPx decimal.Decimal) {
	oldClose := st.win1m.CloseTs
	gap := newCloseTs-oldClose > tickMs1m
	bar := st.win1m.Seal(gap)

	ctx := context.Background()
	redisx.XAdd(ctx, w.rdb, symbols.WinKey("1m", sym), model.BarFields(bar), redisx.XAddOpts{MaxLenApprox: symbols.MaxLenWin1m})

	w.rollUp(sym, st, bar, gap)

	st.win1m = &model.Win1m{
		StartTs: newCloseTs - tickMs1m,
		CloseTs: newCloseTs,
		Open:    triggerPx, High: triggerPx, Low: triggerPx, Last: triggerPx,
	}
}

func (w *Worker) rollUp(sym string, st *symState, bar model.Bar, gap bool) {
	for tf, tfMs := range tfSpansMs {
		tfClose := ((bar.CloseTs-1)/tfMs)*tfMs + tfMs
		tfw := st.tf[tf]

		if tfw != nil && tfw.CloseTs != tfClose {
			tfGap := tfClose-tfw.CloseTs > tfMs
			sealed := tfw.Seal(tfGap || gap)
			redisx.XAdd(context.Background(), w.rdb, symbols.WinKey(tf, sym), model.BarFields(sealed), redisx.XAddOpts{MaxLenApprox: symbols.MaxLenWinTF})
			tfw = nil
		}
		if tfw == nil {
			tfw = &model.TFWindow{
				StartTs: tfClose - tfMs,
				CloseTs: tfClose,
				Open:    bar.Open, High: bar.Open, Low: bar.Open, Last: bar.Open,
			}
			st.tf[tf] = tfw
		}

		tfw.Last = bar.Close
		if bar.High.GreaterThan(tfw.High) {
			tfw.High = bar.High
		}
		if bar.Low.LessThan(tfw.Low) {
			tfw.Low = bar.Low
		}
		tfw.Vol += bar.Vol
		tfw.VBuy += bar.VBuy
		tfw.VSell += bar.VSell
		tfw.VWAPNum += bar.VWAPNum
		tfw.VWAPDen += bar.VWAPDen
		tfw.TickN += bar.TickN

		fields := model.WinStateFields(model.Win1m{
			StartTs: tfw.StartTs, CloseTs: tfw.CloseTs, Open: tfw.Open, High: tfw.High, Low: tfw.Low, Last: tfw.Last,
			Vol: tfw.Vol, VBuy: tfw.VBuy, VSell: tfw.VSell, VWAPNum: tfw.VWAPNum, VWAPDen: tfw.VWAPDen, TickN: tfw.TickN,
		}, redisx.NowMs())
		redisx.HSet(context.Background(), w.rdb, symbols.WinStateKey(tf, sym), fields)
		redisx.Expire(context.Background(), w.rdb, symbols.WinStateKey(tf, sym), 600)
	}
}

func (w *Worker) writeInProgressState(ctx context.Context, sym string, st *symState) {
	fields := model.WinStateFields(*st.win1m, redisx.NowMs())
	key := symbols.WinStateKey("1m", sym)
	redisx.HSet(ctx, w.rdb, key, fields)
	redisx.Expire(ctx, w.rdb, key, 600)
}

func (w *Worker) runDetectors(ctx context.Context, sym string, st *symState) {
	gp := w.gates.GateFor(ctx, sym)

	detCtx := detect.DetectorCtx{
		Now:             redisx.NowMs(),
		Sym:             sym,
		Win:             *st.win1m,
		LastPrices:      st.prices.Values(),
		BuyNotional3s:   mustFloat(st.flow3s.Buy),
		SellNotional3s:  mustFloat(st.flow3s.Sell),
		MinNotional3s:   gp.MinNotional3s,
		BreakoutBandPct: gp.BreakoutBandPct,
		DynAbsDelta:     st.ewma.Value(),
		DynDeltaK:       gp.DynDeltaK,
		LiqK:            gp.LiqK,
	}
	candidates := detect.Generate(detCtx)
	if len(candidates) == 0 {
		return
	}

	lastPx := mustFloat(st.win1m.Last)
	atr := st.win1m.ATR
	if atr <= 0 {
		high, low := mustFloat(st.win1m.High), mustFloat(st.win1m.Low)
		atr = (high - low) * 2 / 3
	}

	aggCfg := detect.AggregatorConfig{
		ConsensusK:              gp.ConsensusK,
		ConsensusKHiVolDiscount: gp.ConsensusKHiVolDiscount,
		SymmetryStrengthEps:     gp.SymmetryStrengthEps,
		MinStrengthFloor:        gp.MinStrengthFloor,
		MinStrength:             gp.MinStrength,
		CooldownMs:              gp.CooldownMs,
		DedupMs:                 gp.DedupMs,
		MinMoveBp:               gp.MinMoveBp,
		MinMoveAtrRatio:         gp.MinMoveAtrRatio,
		MinNotional3s:           gp.MinNotional3s,
		DynAbsDelta:             st.ewma.Value(),
	}

	sig := st.aggregator.Consolidate(sym, detCtx.Now, lastPx, atr, candidates, aggCfg)
	if sig == nil {
		return
	}

	redisx.XAdd(ctx, w.rdb, symbols.DetectedKey(sym), model.DetectedSignalFields(*sig), redisx.XAddOpts{MaxLenApprox: symbols.MaxLenDetected})
}

func mustFloat(d interface{ Float64() (float64, bool) }) float64 {
	v, _ := d.Float64()
	return v
}
