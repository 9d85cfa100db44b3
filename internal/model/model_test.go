package model

import (
	"testing"

	"github.com/shopspring/decimal"
)

func TestFlow3sWindowEvictsOutsideSpan(t *testing.T) {
	var f Flow3sWindow
	f.Push(1000, decimal.NewFromInt(10), decimal.NewFromInt(0))
	f.Push(2000, decimal.NewFromInt(5), decimal.NewFromInt(1))
	f.Push(4500, decimal.NewFromInt(0), decimal.NewFromInt(2))

	if !f.Buy.Equal(decimal.NewFromInt(5)) {
		t.Errorf("expected Buy=5 after eviction, got %s", f.Buy)
	}
	if !f.Sell.Equal(decimal.NewFromInt(3)) {
		t.Errorf("expected Sell=3 after eviction, got %s", f.Sell)
	}
	if len(f.Buf) != 2 {
		t.Errorf("expected 2 surviving entries, got %d", len(f.Buf))
	}
}

func TestFlow3sWindowDropsLateArrival(t *testing.T) {
	var f Flow3sWindow
	f.Push(10000, decimal.NewFromInt(1), decimal.NewFromInt(1))
	f.Push(5000, decimal.NewFromInt(100), decimal.NewFromInt(100))

	if !f.Buy.Equal(decimal.NewFromInt(1)) {
		t.Errorf("late-arriving trade should have been dropped, Buy=%s", f.Buy)
	}
}

func TestBarVWAPFallsBackToClose(t *testing.T) {
	b := Bar{Close: decimal.NewFromFloat(100.5)}
	if got := b.VWAP(); got != 100.5 {
		t.Errorf("VWAP() with zero denominator = %v, want 100.5 (close fallback)", got)
	}

	b.VWAPNum, b.VWAPDen = 500, 5
	if got := b.VWAP(); got != 100 {
		t.Errorf("VWAP() = %v, want 100", got)
	}
}

func TestCeilToNextMinute(t *testing.T) {
	cases := map[int64]int64{
		60000: 60000,
		60001: 120000,
		0:     0,
		1:     60000,
	}
	for in, want := range cases {
		if got := CeilToNextMinute(in); got != want {
			t.Errorf("CeilToNextMinute(%d) = %d, want %d", in, got, want)
		}
	}
}

func TestParseTradeRejectsBadSideAndNegativeQty(t *testing.T) {
	if _, err := ParseTrade(map[string]string{"ts": "1", "px": "100", "qty": "1", "side": "sideways"}); err == nil {
		t.Error("expected error for invalid side")
	}
	if _, err := ParseTrade(map[string]string{"ts": "1", "px": "100", "qty": "-1", "side": "buy"}); err == nil {
		t.Error("expected error for negative qty")
	}
	if _, err := ParseTrade(map[string]string{"ts": "1", "px": "0", "qty": "1", "side": "buy"}); err == nil {
		t.Error("expected error for non-positive px")
	}
	tr, err := ParseTrade(map[string]string{"ts": "1700", "px": "100.5", "qty": "2", "side": "sell"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if tr.Side != SideSell || tr.Ts != 1700 {
		t.Errorf("unexpected parse result: %+v", tr)
	}
}

func TestParseKlineAcceptsCloseAlias(t *testing.T) {
	k, err := ParseKline(map[string]string{"ts": "1000", "o": "1", "h": "2", "l": "0.5", "close": "1.5"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !k.Close.Equal(decimal.NewFromFloat(1.5)) {
		t.Errorf("expected close alias to populate Close, got %s", k.Close)
	}
}

func TestParseKlinePrefersShortFieldNames(t *testing.T) {
	k, err := ParseKline(map[string]string{"ts": "1000", "o": "1", "h": "2", "l": "0.5", "c": "1.9", "close": "9.9"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !k.Close.Equal(decimal.NewFromFloat(1.9)) {
		t.Errorf("expected \"c\" to take priority over \"close\", got %s", k.Close)
	}
}

func TestOIFramePrefersCcyValue(t *testing.T) {
	f := OIFrame{OI: 10, OICcy: 250}
	if f.Value() != 250 {
		t.Errorf("Value() = %v, want 250 (OICcy preferred)", f.Value())
	}
	f2 := OIFrame{OI: 10}
	if f2.Value() != 10 {
		t.Errorf("Value() = %v, want 10 (OI fallback)", f2.Value())
	}
}

func TestDynGateRoundTrip(t *testing.T) {
	g := DynGate{
		EffMin0:   0.62,
		OIRegime:  1,
		EventFlag: true,
		UpdatedAt: 123456,
		Version:   "v1.1",
	}
	fields := DynGateFields(g)
	raw := make(map[string]string, len(fields))
	for k, v := range fields {
		raw[k] = toStr(v)
	}
	got := ParseDynGate(raw)
	if got.EffMin0 != g.EffMin0 || got.OIRegime != g.OIRegime || !got.EventFlag || got.UpdatedAt != g.UpdatedAt || got.Version != g.Version {
		t.Errorf("round trip mismatch: got %+v, want %+v", got, g)
	}
}

func toStr(v interface{}) string {
	switch t := v.(type) {
	case string:
		return t
	case int:
		return decimal.NewFromInt(int64(t)).String()
	case int64:
		return decimal.NewFromInt(t).String()
	default:
		return ""
	}
}
