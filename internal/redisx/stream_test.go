package redisx

import (
	"context"
	"testing"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestClient(t *testing.T) (*redis.Client, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return client, mr
}

func TestXAddOmitsNilAndStringifiesBools(t *testing.T) {
	client, _ := newTestClient(t)
	ctx := context.Background()

	id, err := XAdd(ctx, client, "ws:{BTC-USDT-SWAP}:trades", map[string]interface{}{
		"ts":   int64(1000),
		"px":   "100.5",
		"qty":  "1",
		"side": "buy",
		"taker": true,
		"tradeId": nil,
	}, XAddOpts{})
	if err != nil {
		t.Fatalf("XAdd error: %v", err)
	}
	if id == "" {
		t.Fatal("expected non-empty entry id")
	}

	msgs, err := XRevRangeLatest(ctx, client, "ws:{BTC-USDT-SWAP}:trades", 1)
	if err != nil {
		t.Fatalf("XRevRangeLatest error: %v", err)
	}
	if len(msgs) != 1 {
		t.Fatalf("expected 1 message, got %d", len(msgs))
	}
	if _, ok := msgs[0].Fields["tradeId"]; ok {
		t.Error("nil field tradeId should have been omitted")
	}
	if msgs[0].Fields["taker"] != "1" {
		t.Errorf("expected taker=1, got %q", msgs[0].Fields["taker"])
	}
}

func TestEnsureGroupIsIdempotent(t *testing.T) {
	client, _ := newTestClient(t)
	ctx := context.Background()

	key := "ws:{BTC-USDT-SWAP}:trades"
	if _, err := client.XAdd(ctx, &redis.XAddArgs{Stream: key, Values: map[string]interface{}{"ts": "1"}}).Result(); err != nil {
		t.Fatalf("seed xadd: %v", err)
	}

	if err := EnsureGroup(ctx, client, key, "cg:window"); err != nil {
		t.Fatalf("first EnsureGroup: %v", err)
	}
	if err := EnsureGroup(ctx, client, key, "cg:window"); err != nil {
		t.Fatalf("second EnsureGroup should tolerate BUSYGROUP, got: %v", err)
	}
}

func TestReadGroupAndAck(t *testing.T) {
	client, _ := newTestClient(t)
	ctx := context.Background()

	key := "ws:{BTC-USDT-SWAP}:trades"
	if err := EnsureGroup(ctx, client, key, "cg:window"); err != nil {
		t.Fatalf("EnsureGroup: %v", err)
	}
	if _, err := XAdd(ctx, client, key, map[string]interface{}{"ts": int64(1000), "px": "100", "qty": "1", "side": "buy"}, XAddOpts{}); err != nil {
		t.Fatalf("XAdd: %v", err)
	}

	batch, err := ReadGroup(ctx, client, "cg:window", "window#1", []string{key}, 10, 10)
	if err != nil {
		t.Fatalf("ReadGroup: %v", err)
	}
	msgs := batch[key]
	if len(msgs) != 1 {
		t.Fatalf("expected 1 message, got %d", len(msgs))
	}
	if err := Ack(ctx, client, key, "cg:window", msgs[0].ID); err != nil {
		t.Fatalf("Ack: %v", err)
	}

	pending, err := client.XPending(ctx, key, "cg:window").Result()
	if err != nil {
		t.Fatalf("XPending: %v", err)
	}
	if pending.Count != 0 {
		t.Errorf("expected 0 pending after ack, got %d", pending.Count)
	}
}

func TestNormalizeBatchDerivesSymbolKindAndTs(t *testing.T) {
	batch := map[string][]Message{
		"ws:{BTC-USDT-SWAP}:kline5m": {
			{ID: "1700000000000-0", Fields: map[string]string{"o": "1", "c": "2"}},
		},
		"ws:{ETH-USDT-SWAP}:trades": {
			{ID: "1700000000001-0", Fields: map[string]string{"ts": "1700000000500", "px": "10"}},
		},
	}
	msgs := NormalizeBatch(batch, 9999999999999)

	byKey := map[string]NormalizedMessage{}
	for _, m := range msgs {
		byKey[m.Symbol+":"+m.Kind] = m
	}

	kline, ok := byKey["BTC-USDT-SWAP:kline"]
	if !ok {
		t.Fatal("expected a kline message for BTC-USDT-SWAP")
	}
	if kline.Fields["_tf"] != "5m" {
		t.Errorf("expected _tf=5m, got %q", kline.Fields["_tf"])
	}
	if kline.Ts != 1700000000000 {
		t.Errorf("expected id-time fallback ts, got %d", kline.Ts)
	}

	trade, ok := byKey["ETH-USDT-SWAP:trades"]
	if !ok {
		t.Fatal("expected a trades message for ETH-USDT-SWAP")
	}
	if trade.Ts != 1700000000500 {
		t.Errorf("expected payload.ts to take priority, got %d", trade.Ts)
	}
}

func TestXAutoClaimReclaimsStaleEntries(t *testing.T) {
	client, _ := newTestClient(t)
	ctx := context.Background()

	key := "signal:detected:{BTC-USDT-SWAP}"
	if err := EnsureGroup(ctx, client, key, "cg:signal-router"); err != nil {
		t.Fatalf("EnsureGroup: %v", err)
	}
	if _, err := XAdd(ctx, client, key, map[string]interface{}{"ts": int64(1)}, XAddOpts{}); err != nil {
		t.Fatalf("XAdd: %v", err)
	}
	if _, err := ReadGroup(ctx, client, "cg:signal-router", "router#1", []string{key}, 10, 10); err != nil {
		t.Fatalf("ReadGroup: %v", err)
	}

	claimed, err := XAutoClaim(ctx, client, key, "cg:signal-router", "router#2", 0, 10, 3)
	if err != nil {
		t.Fatalf("XAutoClaim: %v", err)
	}
	if len(claimed) != 1 {
		t.Fatalf("expected 1 reclaimed entry, got %d", len(claimed))
	}
}
