/**
 * @description
 * Configuration loader for the perp signal pipeline.
 * Responsible for reading environment variables, setting defaults, and performing
 * strict validation before any worker starts.
 *
 * @dependencies
 * - github.com/joho/godotenv: For loading .env files
 * - standard "os": For reading env vars
 */

package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all configuration for the pipeline's worker processes.
type Config struct {
	Redis   RedisConfig
	Symbols SymbolConfig
	Signal  SignalConfig
	Eval    EvalConfig
}

// RedisConfig holds Redis connection settings.
type RedisConfig struct {
	URL string
}

// SymbolConfig holds the set of instruments the pipeline tracks.
type SymbolConfig struct {
	// InstIDs are fully-qualified exchange symbol identifiers, e.g. "BTC-USDT-SWAP".
	InstIDs []string
}

// SignalConfig holds the Router's gating parameters (spec §6).
type SignalConfig struct {
	Enabled          bool
	MinStrengthFloor float64
	ExtraCooldownMs  int64
	MinSpacingMs     int64
	HystHi           float64
	HystLo           float64
	IdemBucketMs     int64
	IdemTTLMs        int64
	RefPxStaleMs     int64
}

// EvalConfig holds the Evaluator's horizon and scoring parameters (spec §6).
type EvalConfig struct {
	Horizons      []Horizon
	SuccessBp     float64
	NeutralBandBp float64
	FeeBp         float64
	MaxRetry      int
	PxSearchMs    int64
	PricePref     []string
}

// Horizon is one fixed-horizon resolution target, e.g. {Name: "5m", Ms: 300000}.
type Horizon struct {
	Name string
	Ms   int64
}

// Load reads .env (if present) and environment variables into a Config.
func Load() (*Config, error) {
	// Attempt to load .env, but don't crash if it fails (k8s/compose might inject env vars directly).
	_ = godotenv.Load()

	cfg := &Config{
		Redis: RedisConfig{
			URL: getEnv("REDIS_URL", "redis://localhost:6379"),
		},
		Symbols: SymbolConfig{
			InstIDs: resolveSymbols(),
		},
		Signal: SignalConfig{
			Enabled:          getEnvAsBool("SIGNALS_ENABLED", true),
			MinStrengthFloor: getEnvAsFloat("SIGNAL_MIN_STRENGTH_FLOOR", 0.6),
			ExtraCooldownMs:  getEnvAsInt64("SIGNAL_EXTRA_COOLDOWN_MS", 0),
			MinSpacingMs:     getEnvAsInt64("SIGNAL_MIN_SPACING_MS", 10000),
			HystHi:           getEnvAsFloat("SIGNAL_HYST_HI", 0.75),
			HystLo:           getEnvAsFloat("SIGNAL_HYST_LO", 0.55),
			IdemBucketMs:     getEnvAsInt64("SIGNAL_IDEM_BUCKET_MS", 8000),
			IdemTTLMs:        getEnvAsInt64("SIGNAL_IDEM_TTL_MS", 10000),
			RefPxStaleMs:     getEnvAsInt64("SIGNAL_REFPX_STALE_MS", 200),
		},
		Eval: EvalConfig{
			Horizons:      parseHorizons(getEnv("EVAL_HORIZONS", "5m,15m")),
			SuccessBp:     getEnvAsFloat("EVAL_SUCCESS_BP", 5),
			NeutralBandBp: getEnvAsFloat("EVAL_NEUTRAL_BAND_BP", 2),
			FeeBp:         getEnvAsFloat("EVAL_FEE_BP", 0),
			MaxRetry:      int(getEnvAsInt64("EVAL_MAX_RETRY", 6)),
			PxSearchMs:    getEnvAsInt64("EVAL_PX_SEARCH_MS", 15000),
			PricePref:     parseList(getEnv("EVAL_PRICE_PREF", "mid,last,win:1m,ws:kline1m,bf:kline1m")),
		},
	}

	if err := validate(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// validate checks for required variables. A fatal startup error here (empty symbol
// list) must stop the caller before any worker is constructed — see spec §7.
func validate(cfg *Config) error {
	if len(cfg.Symbols.InstIDs) == 0 {
		return fmt.Errorf("no symbols configured: set SYMBOLS or OKX_ASSETS/OKX_SYMBOLS")
	}
	return nil
}

// resolveSymbols reads SYMBOLS (preferred) or OKX_ASSETS/OKX_SYMBOLS and expands
// short tokens ("btc") to instrument IDs ("BTC-USDT-SWAP").
func resolveSymbols() []string {
	raw := getEnv("SYMBOLS", "")
	if raw == "" {
		raw = getEnv("OKX_ASSETS", "")
	}
	if raw == "" {
		raw = getEnv("OKX_SYMBOLS", "")
	}
	tokens := parseList(raw)

	out := make([]string, 0, len(tokens))
	seen := make(map[string]struct{}, len(tokens))
	for _, tok := range tokens {
		inst := NormalizeInstID(tok)
		if _, dup := seen[inst]; dup {
			continue
		}
		seen[inst] = struct{}{}
		out = append(out, inst)
	}
	return out
}

// NormalizeInstID maps a short token ("btc") to a perp swap instrument ID
// ("BTC-USDT-SWAP"). Tokens that already look fully qualified pass through
// unchanged (case-normalized).
func NormalizeInstID(token string) string {
	t := strings.ToUpper(strings.TrimSpace(token))
	if t == "" {
		return t
	}
	if strings.Contains(t, "-") {
		return t
	}
	return t + "-USDT-SWAP"
}

func parseHorizons(raw string) []Horizon {
	names := parseList(raw)
	out := make([]Horizon, 0, len(names))
	for _, n := range names {
		ms, ok := parseDurationToken(n)
		if !ok {
			continue
		}
		out = append(out, Horizon{Name: n, Ms: ms})
	}
	return out
}

// parseDurationToken parses tokens like "5m", "15m", "90s" into milliseconds.
func parseDurationToken(tok string) (int64, bool) {
	d, err := time.ParseDuration(tok)
	if err != nil {
		return 0, false
	}
	return d.Milliseconds(), true
}

func parseList(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func getEnv(key, fallback string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return fallback
}

func getEnvAsBool(key string, fallback bool) bool {
	raw := getEnv(key, "")
	if raw == "" {
		return fallback
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return fallback
	}
	return v
}

func getEnvAsInt64(key string, fallback int64) int64 {
	raw := getEnv(key, "")
	if raw == "" {
		return fallback
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return fallback
	}
	return v
}

func getEnvAsFloat(key string, fallback float64) float64 {
	raw := getEnv(key, "")
	if raw == "" {
		return fallback
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return fallback
	}
	return v
}
