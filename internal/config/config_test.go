package config

import "testing"

func TestNormalizeInstID(t *testing.T) {
	cases := map[string]string{
		"btc":             "BTC-USDT-SWAP",
		"BTC":             "BTC-USDT-SWAP",
		" eth ":           "ETH-USDT-SWAP",
		"BTC-USDT-SWAP":   "BTC-USDT-SWAP",
		"btc-usdc-230630": "BTC-USDC-230630",
	}
	for in, want := range cases {
		if got := NormalizeInstID(in); got != want {
			t.Errorf("NormalizeInstID(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestLoadRequiresSymbols(t *testing.T) {
	t.Setenv("SYMBOLS", "")
	t.Setenv("OKX_ASSETS", "")
	t.Setenv("OKX_SYMBOLS", "")
	if _, err := Load(); err == nil {
		t.Fatal("expected error when no symbols configured")
	}
}

func TestLoadDefaults(t *testing.T) {
	t.Setenv("SYMBOLS", "btc,eth")
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if len(cfg.Symbols.InstIDs) != 2 {
		t.Fatalf("expected 2 symbols, got %v", cfg.Symbols.InstIDs)
	}
	if cfg.Signal.MinStrengthFloor != 0.6 {
		t.Errorf("expected default MinStrengthFloor 0.6, got %v", cfg.Signal.MinStrengthFloor)
	}
	if len(cfg.Eval.Horizons) != 2 {
		t.Fatalf("expected 2 horizons, got %v", cfg.Eval.Horizons)
	}
	if cfg.Eval.Horizons[0].Name != "5m" || cfg.Eval.Horizons[0].Ms != 300000 {
		t.Errorf("unexpected horizon[0]: %+v", cfg.Eval.Horizons[0])
	}
}
