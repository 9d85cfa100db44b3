package redisx

import (
	"context"
	"testing"
)

func TestHSetAndHGetAll(t *testing.T) {
	client, _ := newTestClient(t)
	ctx := context.Background()

	key := "dyn:gate:{BTC-USDT-SWAP}"
	err := HSet(ctx, client, key, map[string]interface{}{
		"effMin0":   "0.62",
		"eventFlag": true,
		"skip":      nil,
	})
	if err != nil {
		t.Fatalf("HSet: %v", err)
	}

	fields, err := HGetAll(ctx, client, key)
	if err != nil {
		t.Fatalf("HGetAll: %v", err)
	}
	if fields["effMin0"] != "0.62" {
		t.Errorf("effMin0 = %q, want 0.62", fields["effMin0"])
	}
	if fields["eventFlag"] != "1" {
		t.Errorf("eventFlag = %q, want 1", fields["eventFlag"])
	}
	if _, ok := fields["skip"]; ok {
		t.Error("nil-valued field should have been omitted")
	}
}

func TestSetNXLocksOncePerBucket(t *testing.T) {
	client, _ := newTestClient(t)
	ctx := context.Background()

	key := "idem:final:{BTC-USDT-SWAP}:buy:intra.v1:1700000008000"
	ok, err := SetNX(ctx, client, key, "1", 10000)
	if err != nil {
		t.Fatalf("SetNX: %v", err)
	}
	if !ok {
		t.Fatal("expected first SetNX to acquire the lock")
	}

	ok2, err := SetNX(ctx, client, key, "1", 10000)
	if err != nil {
		t.Fatalf("SetNX (second): %v", err)
	}
	if ok2 {
		t.Fatal("expected second SetNX on the same bucket to fail")
	}
}
