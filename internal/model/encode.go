package model

import (
	"strconv"

	"github.com/shopspring/decimal"
)

// Fields is the map[string]interface{} shape passed to redisx.XAdd.
type Fields map[string]interface{}

// BarFields renders a sealed Bar for win:{tf}:{sym}.
func BarFields(b Bar) Fields {
	return Fields{
		"ts":    b.CloseTs,
		"open":  b.Open.String(),
		"high":  b.High.String(),
		"low":   b.Low.String(),
		"close": b.Close.String(),
		"vol":   formatFloat(b.Vol),
		"vbuy":  formatFloat(b.VBuy),
		"vsell": formatFloat(b.VSell),
		"vwap":  formatFloat(b.VWAP()),
		"tickN": b.TickN,
		"gap":   boolToInt(b.Gap),
	}
}

// WinStateFields renders the in-progress Hash win:state:{tf}:{sym}.
func WinStateFields(w Win1m, updatedTs int64) Fields {
	return Fields{
		"startTs":   w.StartTs,
		"closeTs":   w.CloseTs,
		"open":      w.Open.String(),
		"high":      w.High.String(),
		"low":       w.Low.String(),
		"last":      w.Last.String(),
		"vol":       formatFloat(w.Vol),
		"vbuy":      formatFloat(w.VBuy),
		"vsell":     formatFloat(w.VSell),
		"vwapNum":   formatFloat(w.VWAPNum),
		"vwapDen":   formatFloat(w.VWAPDen),
		"tickN":     w.TickN,
		"updatedTs": updatedTs,
	}
}

// DetectedSignalFields renders a DetectedSignal for signal:detected:{sym}.
func DetectedSignalFields(s DetectedSignal) Fields {
	f := Fields{
		"ts":         s.Ts,
		"dir":        string(s.Dir),
		"strength":   strconv.FormatFloat(round3(s.Strength), 'f', -1, 64),
		"approx_key": s.ApproxKey,
		"strategyId": s.StrategyID,
		"ttlMs":      s.TTLMs,
	}
	for k, v := range s.Evidence {
		f["evidence."+k] = v
	}
	return f
}

// FinalSignalFields renders a FinalSignal for signal:final:{sym}.
func FinalSignalFields(s FinalSignal) Fields {
	f := DetectedSignalFields(s.DetectedSignal)
	f["finalId"] = s.FinalID
	if !s.RefPx.IsZero() {
		f["refPx"] = s.RefPx.String()
		f["refPx_source"] = s.RefPxSource
		f["refPx_ts"] = s.RefPxTs
		f["refPx_stale"] = boolToInt(s.RefPxStale)
	}
	return f
}

// EvalResultFields renders an EvalResult for eval:done:{sym}.
func EvalResultFields(r EvalResult) Fields {
	f := Fields{
		"ts0":           r.Ts0,
		"dueAt":         r.DueAt,
		"horizon":       r.Horizon,
		"dir":           string(r.Dir),
		"p0":            r.P0.String(),
		"finalId":       r.FinalID,
		"retry":         r.Retry,
		"miss_px":       boolToInt(r.MissPx),
	}
	if !r.MissPx {
		f["usedPx"] = r.UsedPx.String()
		f["usedPx_source"] = r.UsedPxSource
		f["usedPx_ts"] = r.UsedPxTs
		f["priceLagMs"] = r.PriceLagMs
		f["retRawBp"] = formatFloat(r.RetRawBp)
		f["retNetBp"] = formatFloat(r.RetNetBp)
		f["thresholdBp"] = formatFloat(r.ThresholdBp)
		f["neutralBandBp"] = formatFloat(r.NeutralBandBp)
		f["neutral"] = boolToInt(r.Neutral)
		f["success"] = boolToInt(r.Success)
	}
	return f
}

// DynGateFields renders a DynGate snapshot for the dyn:gate:{sym} Hash.
func DynGateFields(g DynGate) Fields {
	return Fields{
		"effMin0":         formatFloat(g.EffMin0),
		"minNotional3s":   formatFloat(g.MinNotional3s),
		"minMoveBp":       formatFloat(g.MinMoveBp),
		"minMoveAtrRatio": formatFloat(g.MinMoveAtrRatio),
		"cooldownMs":      formatFloat(g.CooldownMs),
		"dedupMs":         formatFloat(g.DedupMs),
		"breakoutBandPct": formatFloat(g.BreakoutBandPct),
		"volPct":          formatFloat(g.VolPct),
		"liqPct":          formatFloat(g.LiqPct),
		"rateExc":         formatFloat(g.RateExc),
		"eventFlag":       boolToInt(g.EventFlag),
		"oiRegime":        g.OIRegime,
		"updated_at":      g.UpdatedAt,
		"version":         g.Version,
	}
}

// ParseDynGate reads back a Hash written by DynGateFields.
func ParseDynGate(fields map[string]string) DynGate {
	return DynGate{
		EffMin0:         optFloat(fields, "effMin0"),
		MinNotional3s:   optFloat(fields, "minNotional3s"),
		MinMoveBp:       optFloat(fields, "minMoveBp"),
		MinMoveAtrRatio: optFloat(fields, "minMoveAtrRatio"),
		CooldownMs:      optFloat(fields, "cooldownMs"),
		DedupMs:         optFloat(fields, "dedupMs"),
		BreakoutBandPct: optFloat(fields, "breakoutBandPct"),
		VolPct:          optFloat(fields, "volPct"),
		LiqPct:          optFloat(fields, "liqPct"),
		RateExc:         optFloat(fields, "rateExc"),
		EventFlag:       fields["eventFlag"] == "1",
		OIRegime:        int(optInt64(fields, "oiRegime")),
		UpdatedAt:       optInt64(fields, "updated_at"),
		Version:         fields["version"],
	}
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func round3(v float64) float64 {
	return decimal.NewFromFloat(v).Round(3).InexactFloat64()
}
