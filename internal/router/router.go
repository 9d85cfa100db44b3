/**
 * @description
 * Signal Router (spec §4.5): consumes signal:detected:{sym}, applies the
 * strength/cooldown/dedup/min-spacing/hysteresis/idempotency gate cascade,
 * enriches survivors with a reference price, and publishes to
 * signal:final:{sym}.
 */

package router

import (
	"context"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/quantsig/perp-pipeline/internal/logger"
	"github.com/quantsig/perp-pipeline/internal/model"
	"github.com/quantsig/perp-pipeline/internal/redisx"
	"github.com/quantsig/perp-pipeline/internal/symbols"
)

const (
	readCount   = 200
	readBlockMs = 200

	reclaimMinIdleMs  = 30000
	reclaimInterval   = 15 * time.Second
	reclaimBatchCount = 100
	reclaimMaxPages   = 10
)

// GateReader supplies the 1s-cached dyn:gate:{sym} snapshot (spec §4.5 step 2).
type GateReader interface {
	Gate(ctx context.Context, sym string) GateSnapshot
}

// GateSnapshot is the subset of dyn:gate:{sym} the Router consults.
type GateSnapshot struct {
	EffMin0    float64
	CooldownMs int64
}

// Config holds the Router's static gate parameters (spec §6).
type Config struct {
	MinStrengthFloor float64 // spec §4.5 step 3 floor under effMin0 (SIGNAL_MIN_STRENGTH_FLOOR, default 0.6)
	ExtraCooldownMs  int64
	MinSpacingMs     int64
	HystHi           float64
	HystLo           float64
	IdemBucketMs     int64
	IdemTTLMs        int64
	RefPxStaleMs     int64
}

type emitState struct {
	lastEmitTs  int64
	lastEmitDir model.Side
	lastSigKey  string
	hasEmit     bool
}

// Router owns per-(sym,dir) emission state exclusively (spec §3 "Ownership").
type Router struct {
	rdb         *redis.Client
	symbols     []string
	gates       GateReader
	cfg         Config
	consumer    string
	state       map[string]*emitState // key = sym+"|"+dir
	dropped     map[string]int64
	lastReclaim time.Time
}

func New(rdb *redis.Client, syms []string, gates GateReader, cfg Config, pid int) *Router {
	return &Router{
		rdb:      rdb,
		symbols:  syms,
		gates:    gates,
		cfg:      cfg,
		consumer: symbols.ConsumerName("router", pid),
		state:    map[string]*emitState{},
		dropped:  map[string]int64{},
	}
}

// Dropped returns the drop-reason counters accumulated so far.
func (r *Router) Dropped() map[string]int64 {
	out := make(map[string]int64, len(r.dropped))
	for k, v := range r.dropped {
		out[k] = v
	}
	return out
}

func (r *Router) drop(reason string) {
	r.dropped[reason]++
}

func (r *Router) Run(ctx context.Context) error {
	keys := make([]string, len(r.symbols))
	for i, s := range r.symbols {
		keys[i] = symbols.DetectedKey(s)
	}
	for _, k := range keys {
		if err := redisx.EnsureGroup(ctx, r.rdb, k, symbols.GroupRouter); err != nil {
			return err
		}
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if time.Since(r.lastReclaim) >= reclaimInterval {
			r.reclaimStuck(ctx, keys)
			r.lastReclaim = time.Now()
		}

		batch, err := redisx.ReadGroup(ctx, r.rdb, symbols.GroupRouter, r.consumer, keys, readCount, readBlockMs)
		if err != nil {
			logger.Error("router: read error: %v", err)
			time.Sleep(200 * time.Millisecond)
			continue
		}
		for stream, msgs := range batch {
			for _, m := range msgs {
				r.handle(ctx, stream, m)
			}
		}
	}
}

// reclaimStuck claims detected-signal entries left pending by a dead
// consumer (spec §5/§9: XAUTOCLAIM with idle >= 30s) and replays them.
func (r *Router) reclaimStuck(ctx context.Context, keys []string) {
	for _, key := range keys {
		msgs, err := redisx.XAutoClaim(ctx, r.rdb, key, symbols.GroupRouter, r.consumer, reclaimMinIdleMs, reclaimBatchCount, reclaimMaxPages)
		if err != nil {
			logger.Error("router: reclaim error on %s: %v", key, err)
			continue
		}
		for _, m := range msgs {
			r.handle(ctx, key, m)
		}
	}
}

func (r *Router) handle(ctx context.Context, stream string, msg redisx.Message) {
	sym := symbolFromKey(stream)

	sig, err := parseDetected(sym, msg.Fields)
	if err != nil {
		logger.Error("router: malformed detected signal on %s: %v", stream, err)
		r.drop("bad_row")
		redisx.Ack(ctx, r.rdb, stream, symbols.GroupRouter, msg.ID)
		return
	}

	if r.evaluate(ctx, sig) {
		redisx.Ack(ctx, r.rdb, stream, symbols.GroupRouter, msg.ID)
		return
	}
	// processing exception: leave unacked for group retry (spec §4.5 ack policy)
}

func symbolFromKey(key string) string {
	open, close := -1, -1
	for i, c := range key {
		if c == '{' {
			open = i
		}
		if c == '}' {
			close = i
		}
	}
	if open < 0 || close < 0 || close < open {
		return ""
	}
	return key[open+1 : close]
}

func parseDetected(sym string, fields map[string]string) (model.DetectedSignal, error) {
	dec, err := model.ParseDetectedSignal(sym, fields)
	if err != nil {
		return model.DetectedSignal{}, err
	}
	return dec, nil
}

func stateKey(sym string, dir model.Side) string { return sym + "|" + string(dir) }

// evaluate runs the full 11-step pipeline; returns true if the message should
// be acked (either dropped cleanly or published successfully).
func (r *Router) evaluate(ctx context.Context, sig model.DetectedSignal) bool {
	gate := r.gates.Gate(ctx, sig.Sym)

	finalMin := math.Max(r.cfg.MinStrengthFloor, gate.EffMin0)
	if sig.Strength < finalMin {
		r.drop("strength")
		return true
	}

	key := stateKey(sig.Sym, sig.Dir)
	st := r.state[key]
	if st == nil {
		st = &emitState{}
		r.state[key] = st
	}

	cool := gate.CooldownMs + r.cfg.ExtraCooldownMs
	if st.hasEmit && sig.Ts-st.lastEmitTs < cool {
		r.drop("cooldown")
		return true
	}

	if st.hasEmit && sig.ApproxKey == st.lastSigKey && sig.Ts-st.lastEmitTs < cool {
		r.drop("dedup")
		return true
	}

	now := redisx.NowMs()
	if st.hasEmit && now-st.lastEmitTs < r.cfg.MinSpacingMs {
		r.drop("min_spacing")
		return true
	}

	// The symbol's last emitted direction is whichever (sym,dir) state emitted most recently.
	oppDir := model.SideSell
	if sig.Dir == model.SideSell {
		oppDir = model.SideBuy
	}
	opp := r.state[stateKey(sig.Sym, oppDir)]
	flipped := opp != nil && opp.hasEmit && (!st.hasEmit || opp.lastEmitTs > st.lastEmitTs)

	if flipped {
		if sig.Strength < r.cfg.HystHi {
			r.drop("hysteresis")
			return true
		}
	} else if st.hasEmit {
		if sig.Strength < r.cfg.HystLo {
			r.drop("hysteresis")
			return true
		}
	}

	src, _ := sig.Evidence["src"].(string)

	bucket := (sig.Ts / r.cfg.IdemBucketMs) * r.cfg.IdemBucketMs
	idemKey := symbols.IdemKey(sig.Sym, string(sig.Dir), src, bucket)
	locked, err := redisx.SetNX(ctx, r.rdb, idemKey, "1", r.cfg.IdemTTLMs)
	if err != nil {
		logger.Error("router: idempotency lock error for %s: %v", sig.Sym, err)
		return false
	}
	if !locked {
		r.drop("idempotent_lock")
		return true
	}

	refPx, refSrc, refTs := r.resolveRefPx(ctx, sig.Sym)
	stale := refTs == 0 || now-refTs > r.cfg.RefPxStaleMs

	strategyID := sig.StrategyID
	if strategyID == "" {
		strategyID = "intra.v1"
	}

	final := model.FinalSignal{
		DetectedSignal: sig,
		FinalID:        uuid.NewString(),
		RefPx:          refPx,
		RefPxSource:    refSrc,
		RefPxTs:        refTs,
		RefPxStale:     stale,
	}
	final.StrategyID = strategyID
	final.TTLMs = int64(math.Max(3000, float64(cool)))

	if _, err := redisx.XAdd(ctx, r.rdb, symbols.FinalKey(sig.Sym), model.FinalSignalFields(final), redisx.XAddOpts{MaxLenApprox: symbols.MaxLenFinal}); err != nil {
		logger.Error("router: publish final signal error for %s: %v", sig.Sym, err)
		return false
	}

	st.lastEmitTs = sig.Ts
	st.lastEmitDir = sig.Dir
	st.lastSigKey = sig.ApproxKey
	st.hasEmit = true
	return true
}

// resolveRefPx implements spec §4.5 step 9: prefer the latest book mid, fall
// back to the latest trade print.
func (r *Router) resolveRefPx(ctx context.Context, sym string) (px decimal.Decimal, source string, ts int64) {
	books, err := redisx.XRevRangeLatest(ctx, r.rdb, symbols.BookKey(sym), 1)
	if err == nil && len(books) > 0 {
		book, perr := model.ParseBook(books[0].Fields)
		if perr == nil {
			if mid, ok := book.Mid(); ok {
				return mid, "mid", book.Ts
			}
		}
	}

	trades, err := redisx.XRevRangeLatest(ctx, r.rdb, symbols.TradesKey(sym), 1)
	if err == nil && len(trades) > 0 {
		trade, perr := model.ParseTrade(trades[0].Fields)
		if perr == nil {
			return trade.Px, "last", trade.Ts
		}
	}

	return decimal.Zero, "", 0
}
