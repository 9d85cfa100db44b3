package router

import (
	"context"
	"testing"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/quantsig/perp-pipeline/internal/model"
	"github.com/quantsig/perp-pipeline/internal/redisx"
	"github.com/quantsig/perp-pipeline/internal/symbols"
)

type fakeGateReader struct {
	snap GateSnapshot
}

func (f fakeGateReader) Gate(ctx context.Context, sym string) GateSnapshot { return f.snap }

func testConfig() Config {
	return Config{
		MinStrengthFloor: 0.6,
		ExtraCooldownMs: 0,
		MinSpacingMs:    0,
		HystHi:          0.75,
		HystLo:          0.55,
		IdemBucketMs:    8000,
		IdemTTLMs:       10000,
		RefPxStaleMs:    200,
	}
}

func newTestRouter(t *testing.T, gate GateSnapshot) (*Router, *redis.Client) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	r := New(client, []string{"BTC-USDT-SWAP"}, fakeGateReader{snap: gate}, testConfig(), 1)
	return r, client
}

func seedDetected(t *testing.T, ctx context.Context, client *redis.Client, sym string, ts int64, dir, approxKey string, strength float64) {
	t.Helper()
	key := symbols.DetectedKey(sym)
	fields := model.DetectedSignalFields(model.DetectedSignal{
		Ts:         ts,
		Dir:        model.Side(dir),
		Strength:   strength,
		Evidence:   map[string]interface{}{"src": "flow"},
		ApproxKey:  approxKey,
		StrategyID: "intra.v1",
		TTLMs:      6000,
	})
	if _, err := redisx.XAdd(ctx, client, key, fields, redisx.XAddOpts{}); err != nil {
		t.Fatalf("seed detected XAdd: %v", err)
	}
}

// TestRouterDropCascade reproduces spec.md's three-row scenario: an accepted
// row, a row dropped for insufficient strength, and a row dropped for cooldown.
func TestRouterDropCascade(t *testing.T) {
	gate := GateSnapshot{EffMin0: 0.65, CooldownMs: 5000}
	r, client := newTestRouter(t, gate)
	ctx := context.Background()
	sym := "BTC-USDT-SWAP"
	key := symbols.DetectedKey(sym)

	if err := redisx.EnsureGroup(ctx, client, key, symbols.GroupRouter); err != nil {
		t.Fatalf("EnsureGroup: %v", err)
	}

	seedDetected(t, ctx, client, sym, 10_000, "buy", "k1", 0.80) // should publish
	seedDetected(t, ctx, client, sym, 10_100, "buy", "k2", 0.50) // below finalMin -> drop:strength
	seedDetected(t, ctx, client, sym, 11_000, "buy", "k3", 0.90) // within cooldown of the first accept -> drop:cooldown

	batch, err := redisx.ReadGroup(ctx, client, symbols.GroupRouter, "router#1", []string{key}, 10, 10)
	if err != nil {
		t.Fatalf("ReadGroup: %v", err)
	}
	for _, m := range batch[key] {
		r.handle(ctx, key, m)
	}

	finals, err := redisx.XRevRangeLatest(ctx, client, symbols.FinalKey(sym), 10)
	if err != nil {
		t.Fatalf("XRevRangeLatest: %v", err)
	}
	if len(finals) != 1 {
		t.Fatalf("expected exactly 1 published final signal, got %d", len(finals))
	}
	if finals[0].Fields["approx_key"] != "k1" {
		t.Errorf("expected the accepted row to be k1, got %q", finals[0].Fields["approx_key"])
	}

	dropped := r.Dropped()
	if dropped["strength"] != 1 {
		t.Errorf("expected 1 drop:strength, got %d", dropped["strength"])
	}
	if dropped["cooldown"] != 1 {
		t.Errorf("expected 1 drop:cooldown, got %d", dropped["cooldown"])
	}
}

func TestRouterDropsMalformedRowWithoutBlockingAck(t *testing.T) {
	gate := GateSnapshot{EffMin0: 0.65, CooldownMs: 5000}
	r, client := newTestRouter(t, gate)
	ctx := context.Background()
	sym := "BTC-USDT-SWAP"
	key := symbols.DetectedKey(sym)

	if err := redisx.EnsureGroup(ctx, client, key, symbols.GroupRouter); err != nil {
		t.Fatalf("EnsureGroup: %v", err)
	}
	if _, err := redisx.XAdd(ctx, client, key, map[string]interface{}{"ts": int64(1), "dir": "sideways"}, redisx.XAddOpts{}); err != nil {
		t.Fatalf("seed malformed XAdd: %v", err)
	}

	batch, err := redisx.ReadGroup(ctx, client, symbols.GroupRouter, "router#1", []string{key}, 10, 10)
	if err != nil {
		t.Fatalf("ReadGroup: %v", err)
	}
	for _, m := range batch[key] {
		r.handle(ctx, key, m)
	}

	pending, err := client.XPending(ctx, key, symbols.GroupRouter).Result()
	if err != nil {
		t.Fatalf("XPending: %v", err)
	}
	if pending.Count != 0 {
		t.Errorf("expected malformed row to be acked (dropped, not retried), got pending=%d", pending.Count)
	}
	if r.Dropped()["bad_row"] != 1 {
		t.Errorf("expected 1 drop:bad_row, got %d", r.Dropped()["bad_row"])
	}
}

func TestRouterHysteresisRequiresHigherStrengthOnDirectionFlip(t *testing.T) {
	gate := GateSnapshot{EffMin0: 0.5, CooldownMs: 0}
	r, client := newTestRouter(t, gate)
	ctx := context.Background()
	sym := "BTC-USDT-SWAP"
	key := symbols.DetectedKey(sym)

	if err := redisx.EnsureGroup(ctx, client, key, symbols.GroupRouter); err != nil {
		t.Fatalf("EnsureGroup: %v", err)
	}

	seedDetected(t, ctx, client, sym, 10_000, "buy", "a1", 0.80)
	seedDetected(t, ctx, client, sym, 50_000, "sell", "a2", 0.60) // flip, below HystHi -> drop:hysteresis

	batch, err := redisx.ReadGroup(ctx, client, symbols.GroupRouter, "router#1", []string{key}, 10, 10)
	if err != nil {
		t.Fatalf("ReadGroup: %v", err)
	}
	for _, m := range batch[key] {
		r.handle(ctx, key, m)
	}

	finals, err := redisx.XRevRangeLatest(ctx, client, symbols.FinalKey(sym), 10)
	if err != nil {
		t.Fatalf("XRevRangeLatest: %v", err)
	}
	if len(finals) != 1 {
		t.Fatalf("expected only the initial buy signal to publish, got %d", len(finals))
	}
	if r.Dropped()["hysteresis"] != 1 {
		t.Errorf("expected 1 drop:hysteresis, got %d", r.Dropped()["hysteresis"])
	}
}
