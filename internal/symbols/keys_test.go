package symbols

import "testing"

func TestKeysCarryHashTag(t *testing.T) {
	if got := TradesKey("BTC-USDT-SWAP"); got != "ws:{BTC-USDT-SWAP}:trades" {
		t.Errorf("TradesKey = %q", got)
	}
	if got := KlineKey("BTC-USDT-SWAP", "5m"); got != "ws:{BTC-USDT-SWAP}:kline5m" {
		t.Errorf("KlineKey = %q", got)
	}
	if got := WinStateKey("1m", "ETH-USDT-SWAP"); got != "win:state:1m:{ETH-USDT-SWAP}" {
		t.Errorf("WinStateKey = %q", got)
	}
}

func TestIdemKeyFormat(t *testing.T) {
	got := IdemKey("BTC-USDT-SWAP", "buy", "intra.v1", 1700000008000)
	want := "idem:final:{BTC-USDT-SWAP}:buy:intra.v1:1700000008000"
	if got != want {
		t.Errorf("IdemKey = %q, want %q", got, want)
	}
}
