/**
 * @description
 * Price Resolver (spec §4.6.1): given (t, sym), searches a window around t
 * across a preference-ordered list of sources and returns the nearest-ts
 * candidate from the first source that has one.
 */

package evaluator

import (
	"context"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/quantsig/perp-pipeline/internal/model"
	"github.com/quantsig/perp-pipeline/internal/redisx"
	"github.com/quantsig/perp-pipeline/internal/symbols"
)

// Resolved is one resolver hit.
type Resolved struct {
	Px     decimal.Decimal
	Ts     int64
	Source string
}

// PriceResolver implements the source-preference search of spec §4.6.1.
type PriceResolver struct {
	rdb   redis.Cmdable
	winMs int64
	pref  []string
}

func NewPriceResolver(rdb redis.Cmdable, winMs int64, pref []string) *PriceResolver {
	if len(pref) == 0 {
		pref = []string{"mid", "last", "win:1m", "ws:kline1m", "bf:kline1m"}
	}
	return &PriceResolver{rdb: rdb, winMs: winMs, pref: pref}
}

// Resolve searches [t-winMs, t+winMs] for sym across the configured source
// preference order, returning the first source with a candidate, nearest to t.
func (r *PriceResolver) Resolve(ctx context.Context, sym string, t int64) (Resolved, bool) {
	for _, src := range r.pref {
		if res, ok := r.resolveSourceByName(ctx, sym, src, t); ok {
			return res, true
		}
	}
	return Resolved{}, false
}

func (r *PriceResolver) resolveSourceByName(ctx context.Context, sym, src string, t int64) (Resolved, bool) {
	from, to := t-r.winMs, t+r.winMs

	switch src {
	case "mid":
		msgs, err := redisx.XRangeByTime(ctx, r.rdb, symbols.BookKey(sym), from, to)
		if err != nil {
			return Resolved{}, false
		}
		best, bestDist := Resolved{}, int64(-1)
		for _, m := range msgs {
			book, perr := model.ParseBook(m.Fields)
			if perr != nil {
				continue
			}
			mid, ok := book.Mid()
			if !ok {
				continue
			}
			dist := abs64(book.Ts - t)
			if bestDist < 0 || dist < bestDist {
				best, bestDist = Resolved{Px: mid, Ts: book.Ts, Source: "mid"}, dist
			}
		}
		return best, bestDist >= 0

	case "last":
		msgs, err := redisx.XRangeByTime(ctx, r.rdb, symbols.TradesKey(sym), from, to)
		if err != nil {
			return Resolved{}, false
		}
		best, bestDist := Resolved{}, int64(-1)
		for _, m := range msgs {
			trade, perr := model.ParseTrade(m.Fields)
			if perr != nil || !trade.Px.IsPositive() {
				continue
			}
			dist := abs64(trade.Ts - t)
			if bestDist < 0 || dist < bestDist {
				best, bestDist = Resolved{Px: trade.Px, Ts: trade.Ts, Source: "last"}, dist
			}
		}
		return best, bestDist >= 0

	case "win:1m":
		msgs, err := redisx.XRangeByTime(ctx, r.rdb, symbols.WinKey("1m", sym), from, to)
		if err != nil {
			return Resolved{}, false
		}
		return bestBarClose(msgs, t, "win:1m")

	case "ws:kline1m":
		msgs, err := redisx.XRangeByTime(ctx, r.rdb, symbols.KlineKey(sym, "1m"), from, to)
		if err != nil {
			return Resolved{}, false
		}
		return bestKlineClose(msgs, t, "ws:kline1m")

	case "bf:kline1m":
		msgs, err := redisx.XRangeByTime(ctx, r.rdb, symbols.BfKline1mKey(sym), from, to)
		if err != nil {
			return Resolved{}, false
		}
		return bestKlineClose(msgs, t, "bf:kline1m")

	default:
		return Resolved{}, false
	}
}

func bestBarClose(msgs []redisx.Message, t int64, source string) (Resolved, bool) {
	best, bestDist := Resolved{}, int64(-1)
	for _, m := range msgs {
		closeRaw := m.Fields["close"]
		if closeRaw == "" {
			closeRaw = m.Fields["c"]
		}
		close, err := decimal.NewFromString(closeRaw)
		if err != nil || !close.IsPositive() {
			continue
		}
		tsVal, err := decimal.NewFromString(m.Fields["ts"])
		if err != nil {
			continue
		}
		ts := tsVal.IntPart()
		dist := abs64(ts - t)
		if bestDist < 0 || dist < bestDist {
			best, bestDist = Resolved{Px: close, Ts: ts, Source: source}, dist
		}
	}
	return best, bestDist >= 0
}

func bestKlineClose(msgs []redisx.Message, t int64, source string) (Resolved, bool) {
	best, bestDist := Resolved{}, int64(-1)
	for _, m := range msgs {
		k, err := model.ParseKline(m.Fields)
		if err != nil || !k.Close.IsPositive() {
			continue
		}
		dist := abs64(k.Ts - t)
		if bestDist < 0 || dist < bestDist {
			best, bestDist = Resolved{Px: k.Close, Ts: k.Ts, Source: source}, dist
		}
	}
	return best, bestDist >= 0
}

func abs64(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}
