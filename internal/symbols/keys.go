/**
 * @description
 * Stream/Hash key builders for the signal pipeline (spec §6). Every per-symbol
 * key wraps the symbol in a hash-tag ({sym}) so Router, Window and Evaluator
 * state for one instrument always lands on the same Redis Cluster slot.
 */

package symbols

import "fmt"

// Tag wraps a symbol in Redis Cluster hash-tag braces, e.g. "BTC-USDT-SWAP" -> "{BTC-USDT-SWAP}".
func Tag(sym string) string {
	return "{" + sym + "}"
}

func TradesKey(sym string) string  { return fmt.Sprintf("ws:%s:trades", Tag(sym)) }
func BookKey(sym string) string    { return fmt.Sprintf("ws:%s:book", Tag(sym)) }
func KlineKey(sym, tf string) string {
	return fmt.Sprintf("ws:%s:kline%s", Tag(sym), tf)
}
func OIKey(sym string) string      { return fmt.Sprintf("ws:%s:oi", Tag(sym)) }
func FundingStreamKey(sym string) string { return fmt.Sprintf("ws:%s:funding", Tag(sym)) }
func FundingStateKey(sym string) string  { return fmt.Sprintf("state:funding:%s", Tag(sym)) }
func OIStateKey(sym string) string       { return fmt.Sprintf("state:oi:%s", Tag(sym)) }

// BfKline1mKey is the secondary/backfill kline feed consulted by the price
// resolver's "bf:kline1m" source (spec §4.6.1).
func BfKline1mKey(sym string) string { return fmt.Sprintf("bf:%s:kline1m", Tag(sym)) }

func WinKey(tf, sym string) string      { return fmt.Sprintf("win:%s:%s", tf, Tag(sym)) }
func WinStateKey(tf, sym string) string { return fmt.Sprintf("win:state:%s:%s", tf, Tag(sym)) }

func DetectedKey(sym string) string  { return fmt.Sprintf("signal:detected:%s", Tag(sym)) }
func FinalKey(sym string) string     { return fmt.Sprintf("signal:final:%s", Tag(sym)) }
func EvalDoneKey(sym string) string  { return fmt.Sprintf("eval:done:%s", Tag(sym)) }

func DynGateKey(sym string) string    { return fmt.Sprintf("dyn:gate:%s", Tag(sym)) }
func DynGateLogKey(sym string) string { return fmt.Sprintf("dyn:gate:log:%s", Tag(sym)) }

// IdemKey builds the Router's idempotency lock key (spec §4.5 step 8).
// bucketMs must already be floored to the configured IDEM_BUCKET_MS.
func IdemKey(sym, dir, src string, bucketMs int64) string {
	return fmt.Sprintf("idem:final:%s:%s:%s:%d", Tag(sym), dir, src, bucketMs)
}

// Consumer group names (spec §4, one per worker stage).
const (
	GroupWindow  = "cg:window"
	GroupRouter  = "cg:signal-router"
	GroupEval    = "cg:signal-eval"
)

// ConsumerName builds a per-process consumer identity, e.g. "window#1234".
func ConsumerName(role string, pid int) string {
	return fmt.Sprintf("%s#%d", role, pid)
}

// MAXLEN approximate caps per spec §6.
const (
	MaxLenTrades    = 0 // upstream-owned; not trimmed here
	MaxLenWin1m     = 2000
	MaxLenWinTF     = 2000
	MaxLenDetected  = 5000
	MaxLenFinal     = 5000
	MaxLenEvalDone  = 5000
	MaxLenGateLog   = 2000
)
